package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/dal/bus"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
)

// reconnectBackoffCap bounds the delay between two reopen attempts.
const reconnectBackoffCap = 30 * time.Second

var (
	ErrNacked        = errors.New("publish was nacked by the broker")
	ErrConfirmClosed = errors.New("confirmation channel closed")
)

// publishChannel is the part of *amqp.Channel a session publishes on.
type publishChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one confirm-mode channel. Delivery tags restart with every
// channel, so seq lives here.
type session struct {
	channel  publishChannel
	confirms <-chan amqp.Confirmation
	closed   <-chan *amqp.Error
	seq      uint64
}

// Publisher publishes events to a topic exchange on a dedicated channel in
// confirm mode. Publish returns only after the broker confirmed the message.
// A closed channel is reopened on the next Publish, redialing the broker if
// the connection is gone too; failed reopens are spaced by an exponential
// backoff.
type Publisher struct {
	mu       sync.Mutex
	exchange string
	session  *session
	open     func() (*session, error)

	dial     func() (*amqp.Connection, error)
	conn     *amqp.Connection
	ownsConn bool

	policy            retry.Policy
	now               func() time.Time
	reconnectAttempts int
	nextReconnect     time.Time
}

// NewPublisher opens a confirm-mode channel for exchange on the client
// connection.
func (r *Client) NewPublisher(exchange string) (*Publisher, error) {
	url := r.url
	p := &Publisher{
		exchange: exchange,
		conn:     r.conn,
		dial:     func() (*amqp.Connection, error) { return amqp.Dial(url) },
		policy:   retry.NewPolicy(reconnectBackoffCap),
		now:      time.Now,
	}
	p.open = p.openSession

	s, err := p.open()
	if err != nil {
		return nil, err
	}
	p.session = s

	return p, nil
}

// openSession opens and configures a channel, redialing first when the
// connection is closed.
func (p *Publisher) openSession() (*session, error) {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := p.dial()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		p.conn = conn
		p.ownsConn = true
	}

	channel, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}

	if err := channel.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()

		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}

	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()

		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &session{
		channel:  channel,
		confirms: channel.NotifyPublish(make(chan amqp.Confirmation, 16)),
		closed:   channel.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// ensureSession returns an open session, reopening it when needed. Callers
// hold p.mu.
func (p *Publisher) ensureSession() (*session, error) {
	if p.session != nil {
		select {
		case amqpErr := <-p.session.closed:
			slog.Warn("Publisher channel closed", "exchange", p.exchange, "error", amqpErr)
			p.dropSession()
		default:
			return p.session, nil
		}
	}

	now := p.now()
	if p.reconnectAttempts > 0 && now.Before(p.nextReconnect) {
		return nil, fmt.Errorf("%w: reopen of publisher channel rate-limited for %s",
			bus.ErrUnavailable, p.nextReconnect.Sub(now))
	}

	s, err := p.open()
	if err != nil {
		p.reconnectAttempts++
		p.nextReconnect = now.Add(p.policy.Delay(p.reconnectAttempts))
		slog.Error("Failed to reopen publisher channel",
			"exchange", p.exchange,
			"attempts", p.reconnectAttempts,
			"next_attempt", p.nextReconnect,
			"error", err,
		)

		return nil, fmt.Errorf("%w: %w", bus.ErrUnavailable, err)
	}

	if p.reconnectAttempts > 0 {
		slog.Info("Publisher channel reopened", "exchange", p.exchange, "attempts", p.reconnectAttempts)
	}
	p.reconnectAttempts = 0
	p.session = s

	return s, nil
}

func (p *Publisher) dropSession() {
	if p.session == nil {
		return
	}
	_ = p.session.channel.Close()
	p.session = nil
}

// Publish sends payload with eventType as routing key and waits for the
// broker confirmation or ctx cancellation. Failures caused by a lost channel
// or connection wrap bus.ErrUnavailable.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))

	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.ensureSession()
	if err != nil {
		return err
	}

	err = s.channel.Publish(p.exchange, eventType, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.dropSession()

			return fmt.Errorf("%w: failed to publish %s: %w", bus.ErrUnavailable, eventType, err)
		}

		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	s.seq++

	if err := awaitConfirm(ctx, s.confirms, s.seq); err != nil {
		if errors.Is(err, ErrConfirmClosed) {
			p.dropSession()

			return fmt.Errorf("%w: %w", bus.ErrUnavailable, err)
		}

		return err
	}

	return nil
}

// Close closes the publisher channel and any connection it redialed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.session != nil {
		err = p.session.channel.Close()
		p.session = nil
	}
	if p.ownsConn && p.conn != nil && !p.conn.IsClosed() {
		err = errors.Join(err, p.conn.Close())
	}

	return err
}

// awaitConfirm waits for the confirmation of delivery tag seq. Stale
// confirmations of publishes abandoned on timeout are discarded.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, seq uint64) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for publisher confirm: %w", ctx.Err())
		case confirm, ok := <-confirms:
			if !ok {
				return ErrConfirmClosed
			}
			if confirm.DeliveryTag < seq {
				continue
			}
			if !confirm.Ack {
				return ErrNacked
			}

			return nil
		}
	}
}
