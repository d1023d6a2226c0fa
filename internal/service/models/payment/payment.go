package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/models/aggregate"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrorCodeReconcileFailed marks payments failed by the reconciliation loop.
const ErrorCodeReconcileFailed = "RECONCILE_FAILED"

var ErrInvalidTransition = errors.New("invalid payment status transition")

// Status is the payment lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

// Unsettled reports whether the gateway outcome is still unknown.
func (s Status) Unsettled() bool {
	return s == StatusPending || s == StatusProcessing
}

// Method selects the gateway a payment goes through.
type Method string

const (
	MethodCard   Method = "card"
	MethodPayPal Method = "paypal"
	MethodBank   Method = "bank_transfer"
)

// Payment is the payment aggregate.
type Payment struct {
	aggregate.Root

	ID            uuid.UUID
	OrderID       uuid.UUID
	Method        Method
	Amount        decimal.Decimal
	Currency      string
	Status        Status
	TransactionID string
	ErrorCode     string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// ReconcileAttempts counts reconciliation passes that could not settle
	// the payment. NextReconcileAt hides it from the loop until then.
	ReconcileAttempts int
	NextReconcileAt   *time.Time
}

// New creates a pending payment for an order.
func New(orderID uuid.UUID, method Method, amount decimal.Decimal, currency string, now time.Time) *Payment {
	now = now.UTC()

	return &Payment{
		ID:        uuid.New(),
		OrderID:   orderID,
		Method:    method,
		Amount:    amount,
		Currency:  currency,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GatewayReference is the id the gateway knows this payment by.
func (p *Payment) GatewayReference() string {
	if p.TransactionID != "" {
		return p.TransactionID
	}

	return p.ID.String()
}

// DeferReconcile records a reconciliation pass that left the payment
// unsettled and schedules the next one.
func (p *Payment) DeferReconcile(now time.Time, policy retry.Policy) error {
	if !p.Status.Unsettled() {
		return fmt.Errorf("%w: %s is already settled", ErrInvalidTransition, p.Status)
	}

	p.ReconcileAttempts++
	next := policy.NextAttempt(p.ReconcileAttempts, now.UTC())
	p.NextReconcileAt = &next

	return nil
}

// DueForReconcile reports whether the reconciliation loop may pick p at now.
func (p *Payment) DueForReconcile(now time.Time) bool {
	return p.Status.Unsettled() && (p.NextReconcileAt == nil || !p.NextReconcileAt.After(now))
}

// RefundKey is the idempotency key of the refund of p. It is stable across
// retries, so the gateway refunds a payment at most once.
func (p *Payment) RefundKey() string {
	return "refund-" + p.ID.String()
}

// Complete settles the payment as successful.
func (p *Payment) Complete(transactionID string, now time.Time) error {
	if !p.Status.Unsettled() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusCompleted)
	}

	if transactionID != "" {
		p.TransactionID = transactionID
	}
	p.Status = StatusCompleted
	p.ErrorCode = ""
	p.ErrorMessage = ""
	p.UpdatedAt = now.UTC()

	p.AppendEvent(events.PaymentCompleted{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		TransactionID: p.TransactionID,
	})

	return nil
}

// Fail settles the payment as failed.
func (p *Payment) Fail(code, message string, now time.Time) error {
	if !p.Status.Unsettled() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusFailed)
	}

	p.Status = StatusFailed
	p.ErrorCode = code
	p.ErrorMessage = message
	p.UpdatedAt = now.UTC()

	p.AppendEvent(events.PaymentFailed{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		ErrorCode: code,
		Message:   message,
	})

	return nil
}

// Refund marks a completed payment as refunded.
func (p *Payment) Refund(transactionID string, now time.Time) error {
	if p.Status != StatusCompleted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusRefunded)
	}

	p.Status = StatusRefunded
	p.UpdatedAt = now.UTC()

	ref := transactionID
	if ref == "" {
		ref = p.TransactionID
	}
	p.AppendEvent(events.PaymentRefunded{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		TransactionID: ref,
		Amount:        p.Amount,
	})

	return nil
}
