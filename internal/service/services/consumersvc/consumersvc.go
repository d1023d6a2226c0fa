package consumersvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/dal/gateway"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ipaymentrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/corray333/backend-labs/delivery/internal/service/models/payment"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// ErrRefundDeclined is returned when the gateway refuses a refund.
var ErrRefundDeclined = errors.New("refund declined by gateway")

// ConsumerService applies consumed events to the payment and order tables.
type ConsumerService struct {
	registry *events.Registry
	gateways gateway.Factory
	now      func() time.Time

	outboxMaxAttempts int
	callTimeout       time.Duration
}

// option is a function that configures the ConsumerService.
type option func(*ConsumerService)

// MustNewConsumerService creates a new ConsumerService.
func MustNewConsumerService(registry *events.Registry, opts ...option) *ConsumerService {
	s := &ConsumerService{
		registry:          registry,
		now:               time.Now,
		outboxMaxAttempts: retry.DefaultMaxAttempts,
		callTimeout:       10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		panic("consumer service requires an event registry")
	}

	return s
}

// WithGatewayFactory sets the gateways used for refunds.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithGatewayFactory(f gateway.Factory) option {
	return func(s *ConsumerService) {
		s.gateways = f
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(s *ConsumerService) {
		s.now = now
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxMaxAttempts(n int) option {
	return func(s *ConsumerService) {
		if n > 0 {
			s.outboxMaxAttempts = n
		}
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithCallTimeout(d time.Duration) option {
	return func(s *ConsumerService) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// Handle decodes env and applies its effect through repos. It runs inside the
// transaction that records the inbox row.
func (s *ConsumerService) Handle(ctx context.Context, repos uow.Repositories, env events.Envelope) error {
	ctx, span := otel.Tracer("service").Start(ctx, "Service.Handle")
	defer span.End()

	ev, err := s.registry.Decode(env.Type, env.Data)
	if err != nil {
		return err
	}

	switch ev := ev.(type) {
	case events.OrderCreated:
		return s.createPayment(ctx, repos, ev)
	case events.PaymentCompleted:
		return s.applyPaymentResult(ctx, repos, ev.OrderID, true)
	case events.PaymentFailed:
		return s.applyPaymentResult(ctx, repos, ev.OrderID, false)
	case events.OrderCancelled:
		return s.refund(ctx, repos, ev)
	default:
		slog.DebugContext(ctx, "Event has no effect", "event_type", env.Type, "message_id", env.ID)

		return nil
	}
}

func (s *ConsumerService) createPayment(ctx context.Context, repos uow.Repositories, ev events.OrderCreated) error {
	existing, err := repos.PaymentRepository().GetByOrderID(ctx, ev.OrderID)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "Payment already exists", "order_id", ev.OrderID, "payment_id", existing.ID)

		return nil
	case !errors.Is(err, ipaymentrepo.ErrNotFound):
		return fmt.Errorf("failed to load payment: %w", err)
	}

	p := payment.New(ev.OrderID, payment.Method(ev.PaymentMethod), ev.Amount, ev.Currency, s.now())
	if err := repos.PaymentRepository().Insert(ctx, p); err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	slog.InfoContext(ctx, "Payment created", "order_id", ev.OrderID, "payment_id", p.ID, "method", p.Method)

	return nil
}

func (s *ConsumerService) applyPaymentResult(ctx context.Context, repos uow.Repositories, orderID uuid.UUID, paid bool) error {
	o, err := repos.OrderRepository().GetForUpdate(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", orderID, err)
	}

	if !o.ApplyPaymentResult(paid, s.now()) {
		slog.InfoContext(ctx, "Order already settled", "order_id", orderID, "status", o.Status)

		return nil
	}

	if err := repos.OrderRepository().Update(ctx, o); err != nil {
		return fmt.Errorf("failed to update order %s: %w", orderID, err)
	}

	slog.InfoContext(ctx, "Order payment result applied", "order_id", orderID, "status", o.Status)

	return nil
}

func (s *ConsumerService) refund(ctx context.Context, repos uow.Repositories, ev events.OrderCancelled) error {
	p, err := repos.PaymentRepository().GetByOrderID(ctx, ev.OrderID)
	if errors.Is(err, ipaymentrepo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}

	if p.Status != payment.StatusCompleted {
		slog.InfoContext(ctx, "Nothing to refund", "order_id", ev.OrderID, "status", p.Status)

		return nil
	}

	if s.gateways == nil {
		return fmt.Errorf("%w: %s", gateway.ErrUnknownMethod, p.Method)
	}
	gw, err := s.gateways.Gateway(p.Method)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	// The call cannot join the transaction. If the transaction does not
	// commit, the event is redelivered and the gateway dedupes the retry by
	// RefundKey.
	res, err := gw.RefundPayment(callCtx, p.GatewayReference(), p.Amount, p.RefundKey())
	if err != nil {
		return fmt.Errorf("refund payment %s: %w", p.ID, err)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s %s", ErrRefundDeclined, res.ErrorCode, res.Message)
	}

	now := s.now()
	if err := p.Refund(res.TransactionID, now); err != nil {
		return err
	}
	if err := repos.PaymentRepository().Update(ctx, p); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	msgs, err := outbox.NewBatch(p.PullEvents(), now, s.outboxMaxAttempts)
	if err != nil {
		return err
	}
	if err := repos.OutboxRepository().Insert(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to enqueue refund event: %w", err)
	}

	slog.InfoContext(ctx, "Payment refunded", "order_id", ev.OrderID, "payment_id", p.ID)

	return nil
}
