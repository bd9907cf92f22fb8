package bus

import (
	"context"
	"strings"
)

// NewOutbox creates a postgres-backed outbox when configured, otherwise
// in-memory.
func NewOutbox(ctx context.Context, databaseURL string) (OutboxStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryOutbox(), nil
	}
	return NewPostgresOutbox(ctx, databaseURL)
}
