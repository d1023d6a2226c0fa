package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ipaymentrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/service/models/payment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const table = "payments"

var columns = []string{
	"id",
	"order_id",
	"method",
	"amount",
	"currency",
	"status",
	"transaction_id",
	"error_code",
	"error_message",
	"created_at",
	"updated_at",
	"reconcile_attempts",
	"next_reconcile_at",
}

// PaymentRepository implements the payment repository for PostgreSQL.
type PaymentRepository struct {
	db postgres.Querier
}

// NewPaymentRepository creates a new payment repository bound to a pool or a transaction.
func NewPaymentRepository(db postgres.Querier) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

// Insert adds a new payment.
func (r *PaymentRepository) Insert(ctx context.Context, p *payment.Payment) error {
	query, args, err := sq.Insert(table).
		Columns(columns...).
		Values(
			p.ID,
			p.OrderID,
			string(p.Method),
			p.Amount,
			p.Currency,
			string(p.Status),
			nullable(p.TransactionID),
			nullable(p.ErrorCode),
			nullable(p.ErrorMessage),
			p.CreatedAt,
			p.UpdatedAt,
			p.ReconcileAttempts,
			p.NextReconcileAt,
		).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	return nil
}

// GetByOrderID locks the payment of an order.
func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*payment.Payment, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"order_id": orderID}).
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	payments, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, fmt.Errorf("%w: order %s", ipaymentrepo.ErrNotFound, orderID)
	}

	return payments[0], nil
}

// ListStuck locks unsettled payments created before cutoff whose next
// reconciliation is due at now. Payments are ordered by the time they became
// due, so deferred ones queue behind payments never tried. Rows held by
// another reconciler are skipped.
func (r *PaymentRepository) ListStuck(
	ctx context.Context,
	cutoff time.Time,
	now time.Time,
	limit int,
) ([]*payment.Payment, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"status": []string{
			string(payment.StatusPending),
			string(payment.StatusProcessing),
		}}).
		Where(sq.Lt{"created_at": cutoff}).
		Where(sq.Or{
			sq.Eq{"next_reconcile_at": nil},
			sq.LtOrEq{"next_reconcile_at": now},
		}).
		OrderBy("COALESCE(next_reconcile_at, created_at) ASC", "created_at ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	return r.query(ctx, query, args...)
}

// Update persists the status fields of a payment.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	query, args, err := sq.Update(table).
		Set("status", string(p.Status)).
		Set("transaction_id", nullable(p.TransactionID)).
		Set("error_code", nullable(p.ErrorCode)).
		Set("error_message", nullable(p.ErrorMessage)).
		Set("updated_at", p.UpdatedAt).
		Set("reconcile_attempts", p.ReconcileAttempts).
		Set("next_reconcile_at", p.NextReconcileAt).
		Where(sq.Eq{"id": p.ID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ipaymentrepo.ErrNotFound, p.ID)
	}

	return nil
}

func (r *PaymentRepository) query(ctx context.Context, query string, args ...any) ([]*payment.Payment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}

	payments, err := pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return nil, fmt.Errorf("failed to scan payments: %w", err)
	}

	return payments, nil
}

func scanPayment(row pgx.CollectableRow) (*payment.Payment, error) {
	var (
		p                         payment.Payment
		method, status            string
		amount                    decimal.Decimal
		txID, errCode, errMessage *string
	)
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&method,
		&amount,
		&p.Currency,
		&status,
		&txID,
		&errCode,
		&errMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.ReconcileAttempts,
		&p.NextReconcileAt,
	)
	if err != nil {
		return nil, err
	}

	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	p.Amount = amount
	p.TransactionID = deref(txID)
	p.ErrorCode = deref(errCode)
	p.ErrorMessage = deref(errMessage)

	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

var _ ipaymentrepo.IPaymentRepository = (*PaymentRepository)(nil)
