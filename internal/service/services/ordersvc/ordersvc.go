package ordersvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/service/models/order"
	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

var ErrInvalidInput = errors.New("invalid order input")

// OrderService is a service for managing orders.
type OrderService struct {
	newUOW   func() unitOfWork
	validate *validator.Validate
	now      func() time.Time

	outboxMaxAttempts int
}

type unitOfWork interface {
	uow.Tx

	OrderRepository() iorderrepo.IOrderRepository
	OutboxRepository() ioutboxrepo.IOutboxRepository
}

// option is a function that configures the OrderService.
type option func(*OrderService)

// MustNewOrderService creates a new OrderService.
func MustNewOrderService(opts ...option) *OrderService {
	s := &OrderService{
		validate:          validator.New(validator.WithRequiredStructEnabled()),
		now:               time.Now,
		outboxMaxAttempts: retry.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.newUOW == nil {
		panic("order service requires a unit of work factory")
	}

	return s
}

// WithPostgresClient sets the Postgres client for the OrderService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithPostgresClient(pgClient *postgres.Client) option {
	return func(s *OrderService) {
		s.newUOW = func() unitOfWork {
			return uow.NewUnitOfWork(pgClient)
		}
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithUnitOfWorkFactory(f func() unitOfWork) option {
	return func(s *OrderService) {
		s.newUOW = f
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(s *OrderService) {
		s.now = now
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxMaxAttempts(n int) option {
	return func(s *OrderService) {
		if n > 0 {
			s.outboxMaxAttempts = n
		}
	}
}

// CreateOrderInput is the data needed to place an order.
type CreateOrderInput struct {
	CustomerID      int64           `json:"customerId" validate:"gt=0"`
	DeliveryAddress string          `json:"deliveryAddress" validate:"required"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	PaymentMethod   string          `json:"paymentMethod" validate:"required,oneof=card paypal bank_transfer"`
}

// CreateOrder stores a new order and its order.created event in one transaction.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*order.Order, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "Service.CreateOrder")
	defer span.End()

	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if !in.TotalPrice.IsPositive() {
		return nil, fmt.Errorf("%w: total price must be positive", ErrInvalidInput)
	}

	now := s.now()
	o := order.Place(in.CustomerID, in.DeliveryAddress, in.TotalPrice, in.Currency, in.PaymentMethod, now)

	err := uow.WithinTx(ctx, s.newUOW(), func(work unitOfWork) error {
		if err := work.OrderRepository().Insert(ctx, o); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		return s.enqueue(ctx, work, o, now)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Order created", "order_id", o.ID, "customer_id", o.CustomerID)

	return o, nil
}

// CancelOrder cancels an order and enqueues order.cancelled in the same transaction.
func (s *OrderService) CancelOrder(ctx context.Context, id uuid.UUID, reason string) (*order.Order, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "Service.CancelOrder")
	defer span.End()

	var o *order.Order
	err := uow.WithinTx(ctx, s.newUOW(), func(work unitOfWork) error {
		var err error
		o, err = work.OrderRepository().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		if err := o.Cancel(reason, now); err != nil {
			return err
		}
		if err := work.OrderRepository().Update(ctx, o); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}

		return s.enqueue(ctx, work, o, now)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Order cancelled", "order_id", o.ID, "reason", reason)

	return o, nil
}

// ListFailedOutbox returns outbox messages that reached their attempt limit.
func (s *OrderService) ListFailedOutbox(ctx context.Context, limit int) ([]outbox.OutboxMessage, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "Service.ListFailedOutbox")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	return s.newUOW().OutboxRepository().ListPermanentlyFailed(ctx, limit)
}

func (s *OrderService) enqueue(ctx context.Context, work unitOfWork, o *order.Order, now time.Time) error {
	msgs, err := outbox.NewBatch(o.PullEvents(), now, s.outboxMaxAttempts)
	if err != nil {
		return err
	}

	if err := work.OutboxRepository().Insert(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to enqueue order events: %w", err)
	}

	return nil
}
