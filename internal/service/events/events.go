// Package events holds the integration events exchanged between services and
// the registry that maps a discriminator string to its decoder.
package events

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is a domain event that can be written to the outbox.
type Event interface {
	// EventType returns the discriminator stored alongside the payload.
	EventType() string
}

const (
	TypeOrderCreated     = "order.created"
	TypeOrderCancelled   = "order.cancelled"
	TypePaymentCompleted = "payment.completed"
	TypePaymentFailed    = "payment.failed"
	TypePaymentRefunded  = "payment.refunded"
)

// OrderCreated is raised when an order is placed.
type OrderCreated struct {
	OrderID       uuid.UUID       `json:"orderId"`
	CustomerID    int64           `json:"customerId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod"`
}

func (OrderCreated) EventType() string { return TypeOrderCreated }

// OrderCancelled is raised when a customer cancels an order.
type OrderCancelled struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

func (OrderCancelled) EventType() string { return TypeOrderCancelled }

// PaymentCompleted is raised when a payment reaches the completed state.
type PaymentCompleted struct {
	PaymentID     uuid.UUID `json:"paymentId"`
	OrderID       uuid.UUID `json:"orderId"`
	TransactionID string    `json:"transactionId"`
}

func (PaymentCompleted) EventType() string { return TypePaymentCompleted }

// PaymentFailed is raised when a payment reaches the failed state.
type PaymentFailed struct {
	PaymentID uuid.UUID `json:"paymentId"`
	OrderID   uuid.UUID `json:"orderId"`
	ErrorCode string    `json:"errorCode"`
	Message   string    `json:"message"`
}

func (PaymentFailed) EventType() string { return TypePaymentFailed }

// PaymentRefunded is raised after the gateway confirmed a refund.
type PaymentRefunded struct {
	PaymentID     uuid.UUID       `json:"paymentId"`
	OrderID       uuid.UUID       `json:"orderId"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
}

func (PaymentRefunded) EventType() string { return TypePaymentRefunded }
