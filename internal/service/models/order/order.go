package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/models/aggregate"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

// Status is the order lifecycle state.
type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusPaid          Status = "PAID"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
	StatusCancelled     Status = "CANCELLED"
)

// Order represents an order in the system.
type Order struct {
	aggregate.Root `json:"-"`

	ID              uuid.UUID       `json:"id"`
	CustomerID      int64           `json:"customerId"`
	DeliveryAddress string          `json:"deliveryAddress"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	Currency        string          `json:"currency"`
	PaymentMethod   string          `json:"paymentMethod"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Place creates a new order and raises order.created.
func Place(
	customerID int64,
	deliveryAddress string,
	total decimal.Decimal,
	currency, paymentMethod string,
	now time.Time,
) *Order {
	now = now.UTC()
	o := &Order{
		ID:              uuid.New(),
		CustomerID:      customerID,
		DeliveryAddress: deliveryAddress,
		TotalPrice:      total,
		Currency:        currency,
		PaymentMethod:   paymentMethod,
		Status:          StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	o.AppendEvent(events.OrderCreated{
		OrderID:       o.ID,
		CustomerID:    customerID,
		Amount:        total,
		Currency:      currency,
		PaymentMethod: paymentMethod,
	})

	return o
}

// Cancel cancels the order and raises order.cancelled.
func (o *Order) Cancel(reason string, now time.Time) error {
	if o.Status == StatusCancelled {
		return fmt.Errorf("%w: already cancelled", ErrInvalidTransition)
	}

	o.Status = StatusCancelled
	o.UpdatedAt = now.UTC()
	o.AppendEvent(events.OrderCancelled{OrderID: o.ID, Reason: reason})

	return nil
}

// ApplyPaymentResult moves a created order to paid or payment-failed.
// Orders that already left the created state are left untouched.
func (o *Order) ApplyPaymentResult(paid bool, now time.Time) bool {
	if o.Status != StatusCreated {
		return false
	}

	o.Status = StatusPaymentFailed
	if paid {
		o.Status = StatusPaid
	}
	o.UpdatedAt = now.UTC()

	return true
}
