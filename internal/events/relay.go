package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"buscart/internal/domain"
	"buscart/internal/log"
	"buscart/internal/metrics"
	"buscart/internal/repo"
)

const defaultRelayBatch = 200

// Sink consumes committed events in id order.
type Sink interface {
	Deliver(ctx context.Context, evt domain.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt domain.Event) error

func (f SinkFunc) Deliver(ctx context.Context, evt domain.Event) error { return f(ctx, evt) }

// Relay tails the events table and hands every new event to its sinks. It
// starts at the newest event present when it first polls; earlier events are
// never replayed. With a Leader set, Run only polls while this process holds
// leadership and restarts from the newest event each time it takes over.
type Relay struct {
	Repo     repo.Repo
	Interval time.Duration
	Batch    int
	Sinks    []Sink
	Leader   Leader

	mu      sync.Mutex
	cursor  int64
	started bool
	leading bool
}

// Cursor returns the id of the last event handed to the sinks.
func (r *Relay) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Start pins the cursor to the newest stored event.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	id, err := r.Repo.LatestEventID(ctx)
	if err != nil {
		return fmt.Errorf("relay init cursor: %w", err)
	}
	r.cursor = id
	r.started = true
	metrics.RelayCursor.Set(float64(id))
	return nil
}

// Poll delivers one batch of events and reports how many it handled. Sink
// errors are logged and do not hold the cursor back.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if err := r.Start(ctx); err != nil {
		return 0, err
	}
	evts, err := r.Repo.EventsAfter(ctx, r.batchSize(), r.Cursor())
	if err != nil {
		return 0, fmt.Errorf("relay fetch events: %w", err)
	}
	l := log.FromContext(ctx, "relay")
	for _, evt := range evts {
		var g errgroup.Group
		for _, s := range r.Sinks {
			g.Go(func() error { return s.Deliver(ctx, evt) })
		}
		if err := g.Wait(); err != nil {
			l.Warn().Err(err).Int64("event_id", evt.ID).Str("type", evt.Type).Msg("event delivery failed")
		}
		r.mu.Lock()
		r.cursor = evt.ID
		r.mu.Unlock()
		metrics.RelayCursor.Set(float64(evt.ID))
	}
	return len(evts), nil
}

// Run polls until ctx is done. A full batch is followed by an immediate poll.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	l := log.FromContext(ctx, "relay")
	if err := r.Start(ctx); err != nil {
		return err
	}
	l.Info().Int64("cursor", r.Cursor()).Dur("interval", interval).Bool("elected", r.Leader != nil).Msg("event relay started")
	defer r.release(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.lead(ctx) {
			n, err := r.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				l.Error().Err(err).Msg("relay poll failed")
			}
			if err == nil && n >= r.batchSize() {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Leading reports whether the last leadership check succeeded.
func (r *Relay) Leading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leading
}

func (r *Relay) lead(ctx context.Context) bool {
	if r.Leader == nil {
		return true
	}
	l := log.FromContext(ctx, "relay")
	ok, err := r.Leader.Hold(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.Warn().Err(err).Msg("relay leadership check failed")
		}
		ok = false
	}
	was := r.Leading()
	switch {
	case ok && !was:
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		if err := r.Start(ctx); err != nil {
			l.Error().Err(err).Msg("relay takeover failed")
			return false
		}
		l.Info().Int64("cursor", r.Cursor()).Msg("relay leadership acquired")
	case !ok && was:
		l.Warn().Msg("relay leadership lost")
	}
	r.mu.Lock()
	r.leading = ok
	r.mu.Unlock()
	return ok
}

func (r *Relay) release(ctx context.Context) {
	if r.Leader == nil || !r.Leading() {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := r.Leader.Release(releaseCtx); err != nil {
		log.FromContext(ctx, "relay").Warn().Err(err).Msg("relay leadership release failed")
	}
}

func (r *Relay) batchSize() int {
	if r.Batch <= 0 {
		return defaultRelayBatch
	}
	return r.Batch
}
