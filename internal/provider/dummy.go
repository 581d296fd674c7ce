package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Dummy accepts every message after a short simulated latency. It backs
// local runs where no push endpoint is configured.
type Dummy struct {
	Latency time.Duration
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond} }

func (d *Dummy) ValidAddress(addr string) bool { return IsExpoPushToken(addr) }

func (d *Dummy) Send(ctx context.Context, msgs []PushMessage) ([]Ticket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.Latency):
	}
	tickets := make([]Ticket, len(msgs))
	for i, m := range msgs {
		if !IsExpoPushToken(m.To) {
			tickets[i] = Ticket{
				Status:  TicketError,
				Message: `"` + m.To + `" is not a registered push notification recipient`,
				Details: &TicketDetails{Error: "DeviceNotRegistered"},
			}
			continue
		}
		tickets[i] = Ticket{Status: TicketOK, ID: uuid.NewString()}
	}
	return tickets, nil
}
