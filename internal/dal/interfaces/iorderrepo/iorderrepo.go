package iorderrepo

import (
	"context"
	"errors"

	"github.com/corray333/backend-labs/delivery/internal/service/models/order"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("order not found")

// IOrderRepository defines the interface for order operations.
type IOrderRepository interface {
	Insert(ctx context.Context, o *order.Order) error

	// GetForUpdate locks and returns an order
	GetForUpdate(ctx context.Context, id uuid.UUID) (*order.Order, error)

	Update(ctx context.Context, o *order.Order) error
}
