package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/service/models/order"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const table = "orders"

var columns = []string{
	"id",
	"customer_id",
	"delivery_address",
	"total_price",
	"currency",
	"payment_method",
	"status",
	"created_at",
	"updated_at",
}

// OrderRepository implements the order repository for PostgreSQL.
type OrderRepository struct {
	db postgres.Querier
}

// NewOrderRepository creates a new order repository bound to a pool or a transaction.
func NewOrderRepository(db postgres.Querier) *OrderRepository {
	return &OrderRepository{
		db: db,
	}
}

// Insert adds a new order.
func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) error {
	query, args, err := sq.Insert(table).
		Columns(columns...).
		Values(
			o.ID,
			o.CustomerID,
			o.DeliveryAddress,
			o.TotalPrice,
			o.Currency,
			o.PaymentMethod,
			string(o.Status),
			o.CreatedAt,
			o.UpdatedAt,
		).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

// GetForUpdate locks and returns an order.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (*order.Order, error) {
		var (
			o      order.Order
			status string
		)
		err := row.Scan(
			&o.ID,
			&o.CustomerID,
			&o.DeliveryAddress,
			&o.TotalPrice,
			&o.Currency,
			&o.PaymentMethod,
			&status,
			&o.CreatedAt,
			&o.UpdatedAt,
		)
		o.Status = order.Status(status)

		return &o, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", iorderrepo.ErrNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	return o, nil
}

// Update persists the order status.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	query, args, err := sq.Update(table).
		Set("status", string(o.Status)).
		Set("updated_at", o.UpdatedAt).
		Where(sq.Eq{"id": o.ID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", iorderrepo.ErrNotFound, o.ID)
	}

	return nil
}
