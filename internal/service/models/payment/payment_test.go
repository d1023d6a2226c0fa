package payment

import (
	"testing"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newPayment() *Payment {
	return New(uuid.New(), MethodCard, decimal.RequireFromString("19.90"), "EUR", t0)
}

func TestCompleteRaisesEvent(t *testing.T) {
	p := newPayment()

	require.NoError(t, p.Complete("gw-123", t0.Add(time.Minute)))

	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, "gw-123", p.TransactionID)
	evs := p.PullEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.PaymentCompleted{PaymentID: p.ID, OrderID: p.OrderID, TransactionID: "gw-123"}, evs[0])
}

func TestFailRaisesEvent(t *testing.T) {
	p := newPayment()
	p.Status = StatusProcessing

	require.NoError(t, p.Fail(ErrorCodeReconcileFailed, "card declined", t0))

	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, ErrorCodeReconcileFailed, p.ErrorCode)
	evs := p.PullEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypePaymentFailed, evs[0].EventType())
}

func TestSettledPaymentRejectsTransitions(t *testing.T) {
	p := newPayment()
	require.NoError(t, p.Fail("X", "y", t0))

	assert.ErrorIs(t, p.Complete("gw", t0), ErrInvalidTransition)
	assert.ErrorIs(t, p.Fail("X", "y", t0), ErrInvalidTransition)
	assert.ErrorIs(t, p.Refund("", t0), ErrInvalidTransition)
}

func TestRefundCompletedPayment(t *testing.T) {
	p := newPayment()
	require.NoError(t, p.Complete("gw-1", t0))
	p.PullEvents()

	require.NoError(t, p.Refund("rf-9", t0))

	assert.Equal(t, StatusRefunded, p.Status)
	evs := p.PullEvents()
	require.Len(t, evs, 1)
	refunded := evs[0].(events.PaymentRefunded)
	assert.Equal(t, "rf-9", refunded.TransactionID)
	assert.True(t, refunded.Amount.Equal(p.Amount))
}

func TestGatewayReferenceFallsBackToID(t *testing.T) {
	p := newPayment()
	assert.Equal(t, p.ID.String(), p.GatewayReference())

	p.TransactionID = "gw-7"
	assert.Equal(t, "gw-7", p.GatewayReference())
}

func TestDeferReconcileBacksOff(t *testing.T) {
	p := newPayment()
	policy := retry.NewPolicy(time.Hour).WithRandom(func(time.Duration) time.Duration { return 0 })
	assert.True(t, p.DueForReconcile(t0))

	require.NoError(t, p.DeferReconcile(t0, policy))
	assert.Equal(t, 1, p.ReconcileAttempts)
	require.NotNil(t, p.NextReconcileAt)
	assert.Equal(t, t0.Add(time.Second), *p.NextReconcileAt)
	assert.False(t, p.DueForReconcile(t0))
	assert.True(t, p.DueForReconcile(t0.Add(time.Second)))

	require.NoError(t, p.DeferReconcile(t0.Add(time.Second), policy))
	assert.Equal(t, t0.Add(3*time.Second), *p.NextReconcileAt)
	assert.Empty(t, p.PullEvents())
}

func TestDeferReconcileRejectsSettledPayment(t *testing.T) {
	p := newPayment()
	require.NoError(t, p.Complete("gw-1", t0))

	assert.ErrorIs(t, p.DeferReconcile(t0, retry.NewPolicy(time.Hour)), ErrInvalidTransition)
	assert.False(t, p.DueForReconcile(t0))
}

func TestRefundKeyIsStablePerPayment(t *testing.T) {
	p := newPayment()
	require.NoError(t, p.Complete("gw-1", t0))

	assert.Equal(t, "refund-"+p.ID.String(), p.RefundKey())
	assert.Equal(t, p.RefundKey(), p.RefundKey())
	assert.NotEqual(t, p.RefundKey(), newPayment().RefundKey())
}
