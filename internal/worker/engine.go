// Package worker drains the chat-message outbox and dispatches a push
// fan-out for every claimed row.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Novo967/Tripping-app-sub001/internal/config"
	"github.com/Novo967/Tripping-app-sub001/internal/core"
	"github.com/Novo967/Tripping-app-sub001/internal/dispatch"
	"github.com/Novo967/Tripping-app-sub001/internal/logging"
	"github.com/Novo967/Tripping-app-sub001/internal/metrics"
)

// Outbox is the queue side of core.Store.
type Outbox interface {
	ClaimPendingMessages(ctx context.Context, limit int) ([]string, error)
	LoadTrigger(ctx context.Context, id string) (core.Trigger, error)
	MarkNotified(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryIn time.Duration, maxAttempts int) error
	ReleaseClaim(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, t core.Trigger) (dispatch.Outcome, error)
}

type WorkerOptions struct {
	BatchSize       int           // how many to claim per poll
	Concurrency     int           // number of dispatch goroutines
	PollInterval    time.Duration // how often to poll when work is found
	IdleSleep       time.Duration // sleep when queue empty
	DBBackoffMin    time.Duration
	DBBackoffMax    time.Duration
	RetryIn         time.Duration // delay before a failed row is claimable again
	MaxAttempts     int
	DispatchTimeout time.Duration // per-row timeout
	ClaimTimeout    time.Duration // 0 disables the stale-claim sweep
	Logger          *zerolog.Logger
}

func OptionsFromConfig(c config.WorkerConfig) WorkerOptions {
	return WorkerOptions{
		BatchSize:       c.BatchSize,
		Concurrency:     c.Concurrency,
		PollInterval:    c.PollInterval,
		IdleSleep:       c.IdleSleep,
		DBBackoffMin:    c.DBBackoffMin,
		DBBackoffMax:    c.DBBackoffMax,
		RetryIn:         c.RetryIn,
		MaxAttempts:     c.MaxAttempts,
		DispatchTimeout: c.DispatchTimeout,
		ClaimTimeout:    c.ClaimTimeout,
	}
}

func (o *WorkerOptions) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.DBBackoffMin <= 0 {
		o.DBBackoffMin = 200 * time.Millisecond
	}
	if o.DBBackoffMax < o.DBBackoffMin {
		o.DBBackoffMax = o.DBBackoffMin
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Logger == nil {
		o.Logger = logging.Get()
	}
}

// RunWorker polls the outbox until ctx is cancelled. In-flight rows are
// settled and queued but unstarted rows released before it returns ctx.Err().
func RunWorker(ctx context.Context, box Outbox, d Dispatcher, opt WorkerOptions) error {
	opt.normalize()
	log := opt.Logger.With().Str("component", "worker").Logger()

	// Fixed-size pool.
	jobs := make(chan string, opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(opt.Concurrency)
	for i := 0; i < opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for id := range jobs {
				if ctx.Err() != nil {
					release(ctx, log.With().Str("message_id", id).Logger(), box, id)
					continue
				}
				handle(ctx, log, box, d, id, opt)
			}
		}()
	}
	stop := func() error {
		close(jobs)
		wg.Wait()
		return ctx.Err()
	}

	dbBackoff := opt.DBBackoffMin
	var lastSweep time.Time
	for {
		if ctx.Err() != nil {
			return stop()
		}
		if opt.ClaimTimeout > 0 && time.Since(lastSweep) >= opt.ClaimTimeout {
			lastSweep = time.Now()
			sweepStale(ctx, log, box, opt.ClaimTimeout)
		}

		ids, err := box.ClaimPendingMessages(ctx, opt.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return stop()
			}
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			wait := jitter(dbBackoff, 0.20)
			log.Error().Err(err).Dur("backoff", wait).Msg("claim failed")
			sleep(ctx, wait)
			dbBackoff = minDur(opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = opt.DBBackoffMin
		metrics.ClaimBatchSize.Observe(float64(len(ids)))

		if len(ids) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			sleep(ctx, opt.IdleSleep)
			continue
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()

		for i, id := range ids {
			select {
			case <-ctx.Done():
				for _, rest := range ids[i:] {
					release(ctx, log.With().Str("message_id", rest).Logger(), box, rest)
				}
				return stop()
			case jobs <- id:
			}
		}

		sleep(ctx, opt.PollInterval)
	}
}

// handle dispatches one outbox row and records the result. A row whose
// dispatch returned an error is rescheduled; partial provider failures are
// not, since resending would duplicate the batches that went through.
func handle(ctx context.Context, log zerolog.Logger, box Outbox, d Dispatcher, id string, opt WorkerOptions) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	log = log.With().Str("message_id", id).Logger()

	t, err := box.LoadTrigger(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		log.Warn().Msg("claimed message disappeared")
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			release(ctx, log, box, id)
			return
		}
		reschedule(ctx, log, box, id, opt, err)
		return
	}

	dctx := ctx
	if opt.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, opt.DispatchTimeout)
		defer cancel()
	}
	out, err := d.Dispatch(dctx, t)
	if err != nil {
		reschedule(ctx, log, box, id, opt, err)
		return
	}
	if len(out.Failed) > 0 {
		log.Warn().Int("failed_batches", len(out.Failed)).Str("invocation", out.InvocationID).Msg("message notified partially")
	}
	if err := box.MarkNotified(context.WithoutCancel(ctx), id); err != nil {
		log.Error().Err(err).Msg("mark notified")
	}
}

func reschedule(ctx context.Context, log zerolog.Logger, box Outbox, id string, opt WorkerOptions, cause error) {
	metrics.RetryTotal.Inc()
	log.Error().Err(cause).Dur("retry_in", opt.RetryIn).Msg("dispatch failed")
	if err := box.MarkFailed(context.WithoutCancel(ctx), id, opt.RetryIn, opt.MaxAttempts); err != nil {
		log.Error().Err(err).Msg("mark failed")
	}
}

// release hands a claimed row that never reached the provider back to the
// queue without spending an attempt.
func release(ctx context.Context, log zerolog.Logger, box Outbox, id string) {
	if err := box.ReleaseClaim(context.WithoutCancel(ctx), id); err != nil {
		log.Error().Err(err).Msg("release claimed message")
	}
}

// sweepStale returns rows stuck in dispatching, e.g. after a crash, to pending.
func sweepStale(ctx context.Context, log zerolog.Logger, box Outbox, olderThan time.Duration) {
	n, err := box.RequeueStale(ctx, olderThan)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("requeue stale claims")
		}
		return
	}
	if n > 0 {
		log.Warn().Int64("requeued", n).Dur("claim_timeout", olderThan).Msg("stale claims requeued")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
