package iinboxrepo

import (
	"context"
	"errors"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/models/inbox"
)

var ErrNotFound = errors.New("inbox message not found")

// IInboxRepository defines the interface for inbox operations.
type IInboxRepository interface {
	// TryInsert records a received message. It returns false when the
	// message id was already recorded.
	TryInsert(ctx context.Context, msg inbox.InboxMessage) (bool, error)

	// ClaimPending locks up to limit unprocessed messages ready for an attempt
	ClaimPending(ctx context.Context, now time.Time, limit int) ([]inbox.InboxMessage, error)

	// Save persists the processing state of a message
	Save(ctx context.Context, msg inbox.InboxMessage) error
}
