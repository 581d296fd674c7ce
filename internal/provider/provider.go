package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// MaxChunkSize is the most messages the Expo push API accepts per request.
const MaxChunkSize = 100

// Provider submits one batch of push messages and returns one ticket per
// message, in order.
type Provider interface {
	Send(ctx context.Context, msgs []PushMessage) ([]Ticket, error)
}

// AddressValidator is implemented by providers that can tell a well-formed
// device address from a malformed one before submission.
type AddressValidator interface {
	ValidAddress(addr string) bool
}

// PushMessage is one notification addressed to one device token.
type PushMessage struct {
	To    string         `json:"to"`
	Sound string         `json:"sound,omitempty"`
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

const (
	TicketOK    = "ok"
	TicketError = "error"
)

// Ticket is the push service's acknowledgment for one message.
type Ticket struct {
	Status  string         `json:"status"`
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details *TicketDetails `json:"details,omitempty"`
}

type TicketDetails struct {
	Error string `json:"error,omitempty"`
}

func (t Ticket) OK() bool { return t.Status == TicketOK }

// ErrorCode is the machine-readable rejection reason, e.g. DeviceNotRegistered.
func (t Ticket) ErrorCode() string {
	if t.Details != nil && t.Details.Error != "" {
		return t.Details.Error
	}
	if t.Status != TicketOK {
		return "unknown"
	}
	return ""
}

// HTTPError is a non-2xx answer from the push service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("push api returned status %d: %s", e.StatusCode, e.Body)
}

// IsTemporary reports whether resubmitting the same batch may succeed:
// network errors, timeouts, 429 and 5xx answers.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// Chunk splits msgs into consecutive batches of at most size messages.
func Chunk(msgs []PushMessage, size int) [][]PushMessage {
	if size <= 0 || size > MaxChunkSize {
		size = MaxChunkSize
	}
	var out [][]PushMessage
	for len(msgs) > 0 {
		n := min(size, len(msgs))
		out = append(out, msgs[:n:n])
		msgs = msgs[n:]
	}
	return out
}
