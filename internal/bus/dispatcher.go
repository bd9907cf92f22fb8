package bus

import (
	"context"
	"log"
	"time"

	"github.com/anupbose/dhwani/internal/reliability"
)

// Sink delivers one entry to the external consumer. A nil error acks the
// entry; any error leaves it queued for redelivery (at-least-once).
type Sink func(ctx context.Context, e Entry) error

const (
	dispatchInterval   = 2 * time.Second
	dispatchBatchSize  = 100
	dispatchBackoff    = 500 * time.Millisecond
	dispatchBackoffCap = 30 * time.Second
)

// Dispatcher drains the outbox into a sink. Entries sharing a key are
// delivered strictly in submission order: a failed entry blocks later
// entries for the same key until it succeeds.
type Dispatcher struct {
	store OutboxStore
	sink  Sink
	depth func(int)
}

func NewDispatcher(store OutboxStore, sink Sink) *Dispatcher {
	return &Dispatcher{store: store, sink: sink}
}

// SetDepthHook installs a callback receiving the pending depth after each
// drain pass.
func (d *Dispatcher) SetDepthHook(hook func(int)) {
	d.depth = hook
}

// Run blocks until ctx is cancelled, draining the outbox periodically.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	entries, err := d.store.Pending(ctx, dispatchBatchSize)
	if err != nil {
		log.Printf("outbox: pending query failed: %v", err)
		return
	}

	// Keys that failed in this pass; later entries with the same key are
	// skipped to preserve per-key ordering.
	blocked := map[string]bool{}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if blocked[e.Key] {
			continue
		}
		if e.Attempts > 0 {
			wait := reliability.JitteredBackoff(e.Attempts-1, dispatchBackoff, dispatchBackoffCap)
			// Backoff runs from the last failed attempt, not enqueue
			// time, so an old entry is not retried on every pass.
			since := e.LastTriedAt
			if since.IsZero() {
				since = e.EnqueuedAt
			}
			if time.Since(since) < wait {
				blocked[e.Key] = true
				continue
			}
		}
		if err := d.sink(ctx, e); err != nil {
			log.Printf("outbox: delivery failed kind=%s key=%s attempt=%d: %v", e.Kind, e.Key, e.Attempts+1, err)
			if ferr := d.store.Fail(ctx, e.ID); ferr != nil {
				log.Printf("outbox: mark failed: %v", ferr)
			}
			blocked[e.Key] = true
			continue
		}
		if err := d.store.Ack(ctx, e.ID); err != nil {
			// Redelivery is acceptable under at-least-once semantics.
			log.Printf("outbox: ack failed id=%s: %v", e.ID, err)
		}
	}

	if d.depth != nil {
		if n, err := d.store.Depth(ctx); err == nil {
			d.depth(n)
		}
	}
}
