package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Novo967/Tripping-app-sub001/internal/core"
	"github.com/Novo967/Tripping-app-sub001/internal/db/dbtest"
	"github.com/Novo967/Tripping-app-sub001/internal/dispatch"
	"github.com/Novo967/Tripping-app-sub001/internal/provider"
	"github.com/Novo967/Tripping-app-sub001/internal/worker"
)

type recordingProv struct {
	mu   sync.Mutex
	msgs []provider.PushMessage
}

func (p *recordingProv) Send(_ context.Context, msgs []provider.PushMessage) ([]provider.Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgs...)
	tickets := make([]provider.Ticket, len(msgs))
	for i := range tickets {
		tickets[i] = provider.Ticket{Status: provider.TicketOK, ID: "ok"}
	}
	return tickets, nil
}

func (p *recordingProv) sent() []provider.PushMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.PushMessage(nil), p.msgs...)
}

// Smoke test around the outbox flow: insert -> claim -> dispatch -> notified.
func TestOutboxToPushFlow(t *testing.T) {
	pg := dbtest.StartPostgres(t)
	store := &core.Store{DB: pg.Pool}
	ctx := context.Background()

	require.NoError(t, store.UpsertGroupChat(ctx, "g1", "Galilee", []string{"u1", "u2", "u3"}))
	require.NoError(t, store.UpsertUser(ctx, core.UserPushProfile{UserID: "u2", Username: "Noa", ExpoPushTokens: []string{"ExponentPushToken[noa]"}}))
	require.NoError(t, store.UpsertUser(ctx, core.UserPushProfile{UserID: "u3", Username: "Omer"}))
	id, err := store.InsertChatMessage(ctx, "group_chats", "g1", core.ChatMessage{FromUID: "u1", FromUsername: "Dana", Body: "leaving at 6"})
	require.NoError(t, err)

	nop := zerolog.Nop()
	prov := &recordingProv{}
	d := dispatch.New(store, prov, dispatch.Options{Catalog: dispatch.CatalogFor("en"), Logger: &nop})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- worker.RunWorker(runCtx, store, d, worker.WorkerOptions{
			BatchSize: 10, Concurrency: 2,
			PollInterval: 10 * time.Millisecond, IdleSleep: 10 * time.Millisecond,
			RetryIn: time.Second, MaxAttempts: 3, Logger: &nop,
		})
	}()

	require.Eventually(t, func() bool {
		m, err := store.LoadOutboxMessage(ctx, id)
		return err == nil && m.NotifyStatus == core.StatusNotified
	}, 10*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	sent := prov.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "ExponentPushToken[noa]", sent[0].To)
	require.Equal(t, "Dana sent you a message", sent[0].Body)
	require.Equal(t, "u2", sent[0].Data["to"])
}
