package ioutboxrepo

import (
	"context"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
)

// IOutboxRepository defines the interface for outbox operations.
type IOutboxRepository interface {
	// Insert adds messages to the outbox
	Insert(ctx context.Context, msgs ...outbox.OutboxMessage) error

	// ClaimBatch locks up to limit deliverable messages, skipping rows locked by other workers
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]outbox.OutboxMessage, error)

	// Save persists the mutable delivery state of a message
	Save(ctx context.Context, msg outbox.OutboxMessage) error

	// ListPermanentlyFailed returns messages that reached the attempt ceiling
	ListPermanentlyFailed(ctx context.Context, limit int) ([]outbox.OutboxMessage, error)

	// Stats summarizes the queue
	Stats(ctx context.Context, now time.Time) (outbox.Stats, error)
}
