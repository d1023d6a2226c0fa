package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/jackc/pgx/v5"
)

const table = "outbox_messages"

var columns = []string{
	"id",
	"event_type",
	"content",
	"occurred_on_utc",
	"claimed_on_utc",
	"processed_on_utc",
	"attempt_count",
	"max_attempt_count",
	"next_attempt_on_utc",
	"last_error_message",
}

// OutboxRepository implements the outbox repository for PostgreSQL.
type OutboxRepository struct {
	db postgres.Querier
}

// NewOutboxRepository creates a new outbox repository bound to a pool or a transaction.
func NewOutboxRepository(db postgres.Querier) *OutboxRepository {
	return &OutboxRepository{
		db: db,
	}
}

// Insert adds new messages to the outbox.
func (r *OutboxRepository) Insert(ctx context.Context, msgs ...outbox.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	builder := sq.Insert(table).Columns(columns...).PlaceholderFormat(sq.Dollar)
	for _, msg := range msgs {
		builder = builder.Values(
			msg.ID,
			msg.EventType,
			msg.Content,
			msg.OccurredOnUtc,
			msg.ClaimedOnUtc,
			msg.ProcessedOnUtc,
			msg.AttemptCount,
			msg.MaxAttemptCount,
			msg.NextAttemptOnUtc,
			msg.LastErrorMessage,
		)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert outbox messages: %w", err)
	}

	return nil
}

// ClaimBatch locks deliverable messages in occurrence order. Rows locked by
// a concurrent transaction are skipped, so two workers never receive the same row.
func (r *OutboxRepository) ClaimBatch(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]outbox.OutboxMessage, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"processed_on_utc": nil}).
		Where(sq.Expr("attempt_count < max_attempt_count")).
		Where(sq.Or{
			sq.Eq{"next_attempt_on_utc": nil},
			sq.LtOrEq{"next_attempt_on_utc": now},
		}).
		OrderBy("occurred_on_utc ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build claim query: %w", err)
	}

	return r.query(ctx, query, args...)
}

// Save updates the delivery state of a message.
func (r *OutboxRepository) Save(ctx context.Context, msg outbox.OutboxMessage) error {
	query, args, err := sq.Update(table).
		Set("claimed_on_utc", msg.ClaimedOnUtc).
		Set("processed_on_utc", msg.ProcessedOnUtc).
		Set("attempt_count", msg.AttemptCount).
		Set("next_attempt_on_utc", msg.NextAttemptOnUtc).
		Set("last_error_message", msg.LastErrorMessage).
		Where(sq.Eq{"id": msg.ID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update outbox message %s: row not found", msg.ID)
	}

	return nil
}

// ListPermanentlyFailed returns the most recent messages that exhausted their attempts.
func (r *OutboxRepository) ListPermanentlyFailed(
	ctx context.Context,
	limit int,
) ([]outbox.OutboxMessage, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"processed_on_utc": nil}).
		Where(sq.Expr("attempt_count >= max_attempt_count")).
		OrderBy("occurred_on_utc DESC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	return r.query(ctx, query, args...)
}

// Stats counts pending and permanently failed messages.
func (r *OutboxRepository) Stats(ctx context.Context, now time.Time) (outbox.Stats, error) {
	query, args, err := sq.Select(
		"COUNT(*) FILTER (WHERE attempt_count < max_attempt_count)",
		"COUNT(*) FILTER (WHERE attempt_count >= max_attempt_count)",
		"MIN(occurred_on_utc) FILTER (WHERE attempt_count < max_attempt_count)",
	).
		From(table).
		Where(sq.Eq{"processed_on_utc": nil}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return outbox.Stats{}, fmt.Errorf("failed to build stats query: %w", err)
	}

	var (
		stats  outbox.Stats
		oldest *time.Time
	)
	if err := r.db.QueryRow(ctx, query, args...).Scan(&stats.Pending, &stats.PermanentlyFailed, &oldest); err != nil {
		return outbox.Stats{}, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	if oldest != nil {
		stats.OldestPendingAge = now.Sub(*oldest)
	}

	return stats, nil
}

func (r *OutboxRepository) query(ctx context.Context, query string, args ...any) ([]outbox.OutboxMessage, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.OutboxMessage, error) {
		var msg outbox.OutboxMessage
		err := row.Scan(
			&msg.ID,
			&msg.EventType,
			&msg.Content,
			&msg.OccurredOnUtc,
			&msg.ClaimedOnUtc,
			&msg.ProcessedOnUtc,
			&msg.AttemptCount,
			&msg.MaxAttemptCount,
			&msg.NextAttemptOnUtc,
			&msg.LastErrorMessage,
		)

		return msg, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox messages: %w", err)
	}

	return messages, nil
}
