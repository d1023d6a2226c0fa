package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/service/models/inbox"
	"github.com/jackc/pgx/v5"
)

const table = "inbox_messages"

var columns = []string{
	"message_id",
	"event_type",
	"content",
	"received_on_utc",
	"processed_on_utc",
	"attempt_count",
	"max_attempts",
	"next_attempt_on_utc",
	"last_error_message",
}

// InboxRepository implements the inbox repository for PostgreSQL.
type InboxRepository struct {
	db postgres.Querier
}

// NewInboxRepository creates a new inbox repository bound to a pool or a transaction.
func NewInboxRepository(db postgres.Querier) *InboxRepository {
	return &InboxRepository{
		db: db,
	}
}

// TryInsert records a received message. A conflict on message_id means the
// message was already received and is reported as false.
func (r *InboxRepository) TryInsert(ctx context.Context, msg inbox.InboxMessage) (bool, error) {
	query, args, err := sq.Insert(table).
		Columns(columns...).
		Values(
			msg.MessageID,
			msg.EventType,
			msg.Content,
			msg.ReceivedOnUtc,
			msg.ProcessedOnUtc,
			msg.AttemptCount,
			msg.MaxAttempts,
			msg.NextAttemptOnUtc,
			msg.LastErrorMessage,
		).
		Suffix("ON CONFLICT (message_id) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert query: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to insert inbox message: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ClaimPending locks unprocessed messages whose next attempt is due.
func (r *InboxRepository) ClaimPending(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]inbox.InboxMessage, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"processed_on_utc": nil}).
		Where(sq.Expr("attempt_count < max_attempts")).
		Where(sq.Or{
			sq.Eq{"next_attempt_on_utc": nil},
			sq.LtOrEq{"next_attempt_on_utc": now},
		}).
		OrderBy("received_on_utc ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbox messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inbox.InboxMessage, error) {
		var msg inbox.InboxMessage
		err := row.Scan(
			&msg.MessageID,
			&msg.EventType,
			&msg.Content,
			&msg.ReceivedOnUtc,
			&msg.ProcessedOnUtc,
			&msg.AttemptCount,
			&msg.MaxAttempts,
			&msg.NextAttemptOnUtc,
			&msg.LastErrorMessage,
		)

		return msg, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan inbox messages: %w", err)
	}

	return messages, nil
}

// Save updates the processing state of a message.
func (r *InboxRepository) Save(ctx context.Context, msg inbox.InboxMessage) error {
	query, args, err := sq.Update(table).
		Set("processed_on_utc", msg.ProcessedOnUtc).
		Set("attempt_count", msg.AttemptCount).
		Set("next_attempt_on_utc", msg.NextAttemptOnUtc).
		Set("last_error_message", msg.LastErrorMessage).
		Where(sq.Eq{"message_id": msg.MessageID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update inbox message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", iinboxrepo.ErrNotFound, msg.MessageID)
	}

	return nil
}
