// Package gateway defines the payment gateway contract and selects a
// gateway by payment method.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corray333/backend-labs/delivery/internal/service/models/payment"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownMethod = errors.New("no gateway configured for payment method")
	// ErrPending is returned when the gateway has no final answer yet.
	ErrPending = errors.New("payment is still pending at the gateway")
)

// Result is the gateway answer for a verification or a refund.
type Result struct {
	Success       bool
	TransactionID string
	ErrorCode     string
	Message       string
}

// Gateway is an external payment provider.
type Gateway interface {
	VerifyPayment(ctx context.Context, transactionID string) (Result, error)

	// RefundPayment refunds amount. Calls repeating idempotencyKey return
	// the outcome of the first one instead of refunding again.
	RefundPayment(ctx context.Context, transactionID string, amount decimal.Decimal, idempotencyKey string) (Result, error)
}

// Factory returns the gateway serving a payment method.
type Factory interface {
	Gateway(method payment.Method) (Gateway, error)
}

// Registry is a Factory backed by a map of configured gateways.
type Registry struct {
	mu       sync.RWMutex
	gateways map[payment.Method]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[payment.Method]Gateway)}
}

// Register binds gw to method, replacing any previous binding.
func (r *Registry) Register(method payment.Method, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gateways[method] = gw
}

func (r *Registry) Gateway(method payment.Method) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gw, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	return gw, nil
}
