package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/rabbitmq"
	"github.com/corray333/backend-labs/delivery/internal/metrics"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/services/inboxguard"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// guard records deliveries in the inbox before their effect runs.
type guard interface {
	Process(ctx context.Context, env events.Envelope, handle inboxguard.Handler) (inboxguard.Outcome, error)
}

// Settlement is how a delivery is answered to the broker.
type Settlement string

const (
	SettleAck     Settlement = "ack"
	SettleRequeue Settlement = "nack_requeue"
	SettleDrop    Settlement = "nack_drop"
)

// Consumer represents the RabbitMQ consumer transport.
type Consumer struct {
	consume func() (<-chan amqp.Delivery, error)
	guard   guard
	handle  inboxguard.Handler
	metrics *metrics.Metrics

	queue       string
	consumerTag string
	concurrency int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

// option is a function that configures the Consumer.
type option func(*Consumer)

//goland:noinspection GoExportedFuncWithUnexportedType
func WithMetrics(m *metrics.Metrics) option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// NewConsumer declares the queue, binds it to the event exchange and returns
// a consumer that routes every delivery through the inbox guard.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func NewConsumer(
	client *rabbitmq.Client,
	cfg config.RabbitMQ,
	g guard,
	handle inboxguard.Handler,
	opts ...option,
) *Consumer {
	if cfg.Queue == "" {
		panic("rabbitmq.queue is not set in config")
	}

	if err := client.DeclareExchange(cfg.Exchange); err != nil {
		panic(err)
	}

	queue, err := client.DeclareQueue(rabbitmq.DeclareQueueConfig{
		Name:    cfg.Queue,
		Durable: true,
	})
	if err != nil {
		panic(err)
	}

	if err := client.BindQueue(queue.Name, cfg.Exchange, cfg.EventTypes); err != nil {
		panic(err)
	}

	if cfg.Prefetch > 0 {
		if err := client.Qos(cfg.Prefetch); err != nil {
			panic(err)
		}
	}

	c := newConsumer(g, handle, opts...)
	c.consume = func() (<-chan amqp.Delivery, error) {
		return client.Consume(rabbitmq.ConsumeConfig{
			Queue:    c.queue,
			Consumer: c.consumerTag,
		})
	}
	c.queue = queue.Name
	c.consumerTag = cfg.ConsumerTag
	if cfg.Concurrency > 0 {
		c.concurrency = cfg.Concurrency
	}

	return c
}

func newConsumer(g guard, handle inboxguard.Handler, opts ...option) *Consumer {
	c := &Consumer{
		guard:       g,
		handle:      handle,
		metrics:     metrics.NewNop(),
		consumerTag: "delivery-svc",
		concurrency: 10,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run starts consuming messages from RabbitMQ. It returns once the consumer
// is stopped and every in-flight delivery is settled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.consumerTag == "" {
		c.consumerTag = "delivery-svc"
	}

	msgs, err := c.consume()
	if err != nil {
		c.markDone()

		return fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	slog.Info("Consumer started", "queue", c.queue, "consumer_tag", c.consumerTag, "concurrency", c.concurrency)

	return c.serve(ctx, msgs)
}

func (c *Consumer) serve(ctx context.Context, msgs <-chan amqp.Delivery) error {
	defer c.markDone()

	var g errgroup.Group
	g.SetLimit(c.concurrency)

loop:
	for {
		select {
		case <-ctx.Done():
			slog.Info("Consumer context cancelled")

			break loop
		case <-c.stop:
			slog.Info("Stopping consumer")

			break loop
		case msg, ok := <-msgs:
			if !ok {
				slog.Info("Message channel closed")

				break loop
			}

			g.Go(func() error {
				c.processMessage(context.WithoutCancel(ctx), msg)

				return nil
			})
		}
	}

	return g.Wait()
}

// markDone releases Shutdown. Called when serving ends or never starts.
func (c *Consumer) markDone() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// processMessage runs one delivery through the inbox guard and settles it.
func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) Settlement {
	ctx = otel.GetTextMapPropagator().Extract(ctx, rabbitmq.HeaderCarrier(msg.Headers))
	ctx, span := otel.Tracer("consumer").Start(ctx, "Consumer.processMessage")
	defer span.End()

	env, err := events.ParseEnvelope(msg.Body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to parse envelope", "delivery_tag", msg.DeliveryTag, "error", err)
		c.answer(ctx, msg, SettleDrop)

		return SettleDrop
	}

	outcome, err := c.guard.Process(ctx, env, c.handle)
	settlement := Settle(outcome, err)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to process message",
			"message_id", env.ID,
			"event_type", env.Type,
			"settlement", settlement,
			"error", err,
		)
	} else {
		slog.InfoContext(ctx, "Message consumed",
			"message_id", env.ID,
			"event_type", env.Type,
			"outcome", outcome,
		)
	}

	c.answer(ctx, msg, settlement)

	return settlement
}

func (c *Consumer) answer(ctx context.Context, msg amqp.Delivery, s Settlement) {
	var err error
	switch s {
	case SettleAck:
		err = msg.Ack(false)
	case SettleRequeue:
		err = msg.Nack(false, true)
	default:
		err = msg.Nack(false, false)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to settle message", "delivery_tag", msg.DeliveryTag, "settlement", s, "error", err)

		return
	}

	c.metrics.ConsumerDeliveries.WithLabelValues(string(s)).Inc()
}

// Settle maps a guard result to a broker answer. Processed, deferred and
// duplicate deliveries are acked; payloads that can never be decoded are
// dropped; anything else is requeued.
func Settle(_ inboxguard.Outcome, err error) Settlement {
	switch {
	case err == nil:
		return SettleAck
	case errors.Is(err, events.ErrUnknownEventType),
		errors.Is(err, events.ErrMalformedPayload),
		errors.Is(err, events.ErrInvalidEnvelope):
		return SettleDrop
	default:
		return SettleRequeue
	}
}

// Shutdown gracefully shuts down the consumer.
func (c *Consumer) Shutdown() error {
	slog.Info("Shutting down consumer")
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	select {
	case <-c.done:
		slog.Info("Consumer stopped successfully")
	case <-time.After(shutdownTimeout):
		slog.Warn("Consumer shutdown timeout")
	}

	return nil
}
