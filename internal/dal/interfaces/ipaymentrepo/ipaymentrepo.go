package ipaymentrepo

import (
	"context"
	"errors"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/models/payment"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("payment not found")

// IPaymentRepository defines the interface for payment operations.
type IPaymentRepository interface {
	Insert(ctx context.Context, p *payment.Payment) error

	// GetByOrderID locks and returns the payment of an order
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*payment.Payment, error)

	// ListStuck locks unsettled payments created before cutoff and due for
	// reconciliation at now
	ListStuck(ctx context.Context, cutoff, now time.Time, limit int) ([]*payment.Payment, error)

	Update(ctx context.Context, p *payment.Payment) error
}
