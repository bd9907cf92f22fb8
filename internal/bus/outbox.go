package bus

import (
	"context"
	"errors"
	"time"
)

// Entry is one event queued for delivery to an external consumer. Entries
// sharing a Key preserve their submission order end to end.
type Entry struct {
	ID       string
	Key      string
	Kind     string
	Payload  []byte
	Attempts int
	// EnqueuedAt is when the entry was first submitted; LastTriedAt is
	// bumped on every failed delivery and paces the retry backoff.
	EnqueuedAt  time.Time
	LastTriedAt time.Time
}

var ErrEntryNotFound = errors.New("outbox entry not found")

// OutboxStore persists undelivered entries. Implementations must return
// pending entries in submission order.
type OutboxStore interface {
	Enqueue(ctx context.Context, e Entry) error
	Pending(ctx context.Context, limit int) ([]Entry, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id string) error
	Depth(ctx context.Context) (int, error)
	Close() error
}
