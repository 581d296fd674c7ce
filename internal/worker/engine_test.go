package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Novo967/Tripping-app-sub001/internal/core"
	"github.com/Novo967/Tripping-app-sub001/internal/dispatch"
	"github.com/Novo967/Tripping-app-sub001/internal/provider"
)

// fakeOutbox fails writes on a done ctx, as pgx does.
type fakeOutbox struct {
	mu        sync.Mutex
	pending   []string
	stale     []string
	claimErrs int
	missing   map[string]bool
	notified  []string
	failed    map[string]int
	released  []string
	sweeps    int
}

func newFakeOutbox(ids ...string) *fakeOutbox {
	return &fakeOutbox{pending: ids, missing: map[string]bool{}, failed: map[string]int{}}
}

func (f *fakeOutbox) ClaimPendingMessages(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErrs > 0 {
		f.claimErrs--
		return nil, errors.New("db down")
	}
	n := min(limit, len(f.pending))
	ids := append([]string(nil), f.pending[:n]...)
	f.pending = f.pending[n:]
	return ids, nil
}

func (f *fakeOutbox) LoadTrigger(ctx context.Context, id string) (core.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return core.Trigger{}, err
	}
	if f.missing[id] {
		return core.Trigger{}, core.ErrNotFound
	}
	return core.NewTrigger("chats", "conv-"+id, id, &core.ChatMessage{FromUID: "u1", Body: "hi"}), nil
}

func (f *fakeOutbox) MarkNotified(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.notified = append(f.notified, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(ctx context.Context, id string, _ time.Duration, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.failed[id]++
	return nil
}

func (f *fakeOutbox) ReleaseClaim(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.released = append(f.released, id)
	return nil
}

func (f *fakeOutbox) RequeueStale(ctx context.Context, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.sweeps++
	n := len(f.stale)
	f.pending = append(f.pending, f.stale...)
	f.stale = nil
	return int64(n), nil
}

func (f *fakeOutbox) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeOutbox) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeOutbox) snapshot() (notified []string, failed map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	failed = make(map[string]int, len(f.failed))
	for k, v := range f.failed {
		failed[k] = v
	}
	return append([]string(nil), f.notified...), failed
}

type fakeDispatcher struct {
	mu    sync.Mutex
	seen  []core.Trigger
	errOn map[string]error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, t core.Trigger) (dispatch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, t)
	if err := f.errOn[t.MessageID]; err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Built: 1, Sent: 1}, nil
}

func testOptions() WorkerOptions {
	nop := zerolog.Nop()
	return WorkerOptions{
		BatchSize:    2,
		Concurrency:  3,
		PollInterval: time.Millisecond,
		IdleSleep:    time.Millisecond,
		DBBackoffMin: time.Millisecond,
		DBBackoffMax: 2 * time.Millisecond,
		RetryIn:      time.Second,
		MaxAttempts:  3,
		Logger:       &nop,
	}
}

func runUntil(t *testing.T, box *fakeOutbox, d Dispatcher, done func() bool) {
	t.Helper()
	runWith(t, box, d, testOptions(), done)
}

func runWith(t *testing.T, box *fakeOutbox, d Dispatcher, opt WorkerOptions, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- RunWorker(ctx, box, d, opt) }()

	require.Eventually(t, done, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunWorkerNotifiesEveryClaimedMessage(t *testing.T) {
	box := newFakeOutbox("m1", "m2", "m3", "m4", "m5")
	d := &fakeDispatcher{}

	runUntil(t, box, d, func() bool {
		n, _ := box.snapshot()
		return len(n) == 5
	})

	notified, failed := box.snapshot()
	require.ElementsMatch(t, []string{"m1", "m2", "m3", "m4", "m5"}, notified)
	require.Empty(t, failed)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.seen, 5)
	for _, tr := range d.seen {
		require.Equal(t, core.KindDirect, tr.Kind)
		require.Equal(t, "conv-"+tr.MessageID, tr.ConversationID)
	}
}

func TestRunWorkerReschedulesDispatchErrors(t *testing.T) {
	box := newFakeOutbox("ok", "boom", "gone")
	box.missing["gone"] = true
	d := &fakeDispatcher{errOn: map[string]error{"boom": errors.New("store unavailable")}}

	runUntil(t, box, d, func() bool {
		n, f := box.snapshot()
		return len(n) == 1 && f["boom"] == 1
	})

	notified, failed := box.snapshot()
	require.Equal(t, []string{"ok"}, notified)
	require.Equal(t, map[string]int{"boom": 1}, failed)
}

func TestRunWorkerBacksOffOnClaimErrors(t *testing.T) {
	box := newFakeOutbox("m1")
	box.claimErrs = 3
	d := &fakeDispatcher{}

	runUntil(t, box, d, func() bool {
		n, _ := box.snapshot()
		return len(n) == 1
	})
}

// blockingDispatcher parks on the listed ids until ctx is done.
type blockingDispatcher struct {
	block   map[string]bool
	started chan string
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, t core.Trigger) (dispatch.Outcome, error) {
	if !b.block[t.MessageID] {
		return dispatch.Outcome{Built: 1, Sent: 1}, nil
	}
	b.started <- t.MessageID
	<-ctx.Done()
	return dispatch.Outcome{}, ctx.Err()
}

type chatDir struct{}

func (chatDir) DirectConversation(_ context.Context, id string) (core.Conversation, error) {
	return core.Conversation{ID: id, Kind: core.KindDirect, Members: []string{"u1", "u2"}}, nil
}

func (chatDir) GroupConversation(context.Context, string) (core.Conversation, error) {
	return core.Conversation{}, core.ErrNotFound
}

func (chatDir) PushProfile(_ context.Context, uid string) (core.UserPushProfile, error) {
	return core.UserPushProfile{UserID: uid, Username: "Noa", ExpoPushTokens: []string{"ExpoPushToken[" + uid + "]"}}, nil
}

// hangingProvider accepts the batch and never answers before ctx is done.
type hangingProvider struct{ started chan struct{} }

func (h *hangingProvider) Send(ctx context.Context, _ []provider.PushMessage) ([]provider.Ticket, error) {
	h.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunWorkerReschedulesRowCancelledMidSend(t *testing.T) {
	box := newFakeOutbox("m1")
	prov := &hangingProvider{started: make(chan struct{}, 1)}
	nop := zerolog.Nop()
	d := dispatch.New(chatDir{}, prov, dispatch.Options{
		MaxRetries: 2,
		BackoffMin: time.Millisecond,
		BackoffMax: time.Millisecond,
		Logger:     &nop,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- RunWorker(ctx, box, d, testOptions()) }()

	select {
	case <-prov.started:
	case <-time.After(2 * time.Second):
		t.Fatal("push was never sent")
	}
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	notified, failed := box.snapshot()
	require.Empty(t, notified, "an unconfirmed push must not be marked notified")
	require.Equal(t, map[string]int{"m1": 1}, failed)
	require.Empty(t, box.releasedIDs())
}

func TestRunWorkerMarksNotifiedAfterCancelOnceDispatchSucceeded(t *testing.T) {
	box := newFakeOutbox("m1")
	ctx, cancel := context.WithCancel(context.Background())
	d := dispatcherFunc(func(context.Context, core.Trigger) (dispatch.Outcome, error) {
		cancel()
		return dispatch.Outcome{Built: 1, Sent: 1}, nil
	})

	require.ErrorIs(t, RunWorker(ctx, box, d, testOptions()), context.Canceled)
	notified, failed := box.snapshot()
	require.Equal(t, []string{"m1"}, notified)
	require.Empty(t, failed)
}

type dispatcherFunc func(context.Context, core.Trigger) (dispatch.Outcome, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, t core.Trigger) (dispatch.Outcome, error) {
	return f(ctx, t)
}

func TestRunWorkerReleasesUnstartedClaimsOnShutdown(t *testing.T) {
	box := newFakeOutbox("m1", "m2", "m3", "m4", "m5")
	d := &blockingDispatcher{block: map[string]bool{"m1": true}, started: make(chan string, 1)}
	opt := testOptions()
	opt.BatchSize = 1 // jobs buffer holds two rows
	opt.Concurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- RunWorker(ctx, box, d, opt) }()

	require.Equal(t, "m1", <-d.started)
	// m2 and m3 are buffered; m4 is claimed and waiting for a free slot.
	require.Eventually(t, func() bool { return box.remaining() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	notified, failed := box.snapshot()
	require.Empty(t, notified)
	require.Equal(t, map[string]int{"m1": 1}, failed)
	require.ElementsMatch(t, []string{"m2", "m3", "m4"}, box.releasedIDs())
	require.Equal(t, 1, box.remaining())
}

func TestRunWorkerSweepsStaleClaims(t *testing.T) {
	box := newFakeOutbox()
	box.stale = []string{"s1"}
	opt := testOptions()
	opt.ClaimTimeout = time.Millisecond

	runWith(t, box, &fakeDispatcher{}, opt, func() bool {
		n, _ := box.snapshot()
		box.mu.Lock()
		defer box.mu.Unlock()
		return len(n) == 1 && box.sweeps >= 2
	})
	notified, _ := box.snapshot()
	require.Equal(t, []string{"s1"}, notified)
}

func TestRunWorkerWithoutClaimTimeoutNeverSweeps(t *testing.T) {
	box := newFakeOutbox("m1")
	box.stale = []string{"s1"}

	runUntil(t, box, &fakeDispatcher{}, func() bool {
		n, _ := box.snapshot()
		return len(n) == 1
	})
	box.mu.Lock()
	defer box.mu.Unlock()
	require.Zero(t, box.sweeps)
	require.Equal(t, []string{"s1"}, box.stale)
}

func TestJitterStaysInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := jitter(100*time.Millisecond, 0.2)
		require.GreaterOrEqual(t, j, 80*time.Millisecond)
		require.LessOrEqual(t, j, 120*time.Millisecond)
	}
	require.Equal(t, time.Second, jitter(time.Second, 0))
	require.Equal(t, time.Second, minDur(time.Second, 2*time.Second))
}
