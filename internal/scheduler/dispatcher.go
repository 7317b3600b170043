package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lexmarket/internal/jobstore"
	"lexmarket/internal/telemetry"
)

// Handler executes one due job of a registered kind.
type Handler func(ctx context.Context, job jobstore.Job) error

// Dispatcher drives the background dispatch loop: it wakes on an
// interval, claims every trigger whose fire-at has elapsed, and invokes
// the handler for the job's kind exactly once per trigger. A failed
// handler is logged and dead-lettered; there is no automatic retry.
type Dispatcher struct {
	store    *jobstore.Store
	handlers map[Kind]Handler
	interval time.Duration
	batch    int64
	log      zerolog.Logger
}

func NewDispatcher(store *jobstore.Store, interval time.Duration, batch int, log zerolog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Dispatcher{
		store:    store,
		handlers: make(map[Kind]Handler),
		interval: interval,
		batch:    int64(batch),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	if kind == "" || h == nil {
		return
	}
	d.handlers[kind] = h
}

// Run polls for due triggers until context cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx, time.Now())
			if depth, err := d.store.TriggerDepth(ctx); err == nil {
				telemetry.TriggerDepth.Set(float64(depth))
			}
		}
	}
}

// Tick dispatches every job due at now. Split out from Run so tests can
// advance the clock explicitly.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	keys, err := d.store.Due(ctx, now, d.batch)
	if err != nil {
		d.log.Error().Err(err).Msg("poll due triggers")
		return
	}
	for _, key := range keys {
		claimed, err := d.store.Claim(ctx, key)
		if err != nil {
			d.log.Error().Err(err).Str("key", key).Msg("claim trigger")
			continue
		}
		if !claimed {
			// Another dispatcher owns it, or the job was cancelled
			// between poll and claim.
			continue
		}
		d.dispatch(ctx, key)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, key string) {
	job, ok, err := d.store.Get(ctx, key)
	if err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("load job")
		return
	}
	if !ok {
		// Cancelled after its trigger was claimed. Nothing to do.
		return
	}

	handler, ok := d.handlers[Kind(job.Kind)]
	if !ok {
		d.fail(ctx, key, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	telemetry.JobsFired.Inc()
	if err := handler(ctx, job); err != nil {
		d.fail(ctx, key, err)
		return
	}
	if err := d.store.Delete(ctx, key); err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("remove executed job")
	}
	d.log.Info().Str("key", key).Str("kind", job.Kind).Msg("job executed")
}

// fail marks a job non-recoverable: logged, dead-lettered, removed.
func (d *Dispatcher) fail(ctx context.Context, key string, cause error) {
	telemetry.JobsFailed.Inc()
	d.log.Error().Err(cause).Str("key", key).Msg("job failed, not retrying")
	if err := d.store.DeadLetter(ctx, key, cause.Error()); err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("dead-letter job")
	}
	if err := d.store.Delete(ctx, key); err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("remove failed job")
	}
}
