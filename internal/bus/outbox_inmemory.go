package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryOutbox keeps undelivered entries in process memory. Used when no
// DATABASE_URL is configured; durability is then best-effort across the
// process lifetime only.
type InMemoryOutbox struct {
	mu      sync.Mutex
	entries []Entry
}

func NewInMemoryOutbox() *InMemoryOutbox {
	return &InMemoryOutbox{}
}

func (o *InMemoryOutbox) Enqueue(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
	return nil
}

func (o *InMemoryOutbox) Pending(_ context.Context, limit int) ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.entries) {
		limit = len(o.entries)
	}
	out := make([]Entry, limit)
	copy(out, o.entries[:limit])
	return out, nil
}

func (o *InMemoryOutbox) Ack(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.entries {
		if e.ID == id {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}

func (o *InMemoryOutbox) Fail(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.entries {
		if o.entries[i].ID == id {
			o.entries[i].Attempts++
			o.entries[i].LastTriedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrEntryNotFound
}

func (o *InMemoryOutbox) Depth(_ context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries), nil
}

func (o *InMemoryOutbox) Close() error { return nil }
