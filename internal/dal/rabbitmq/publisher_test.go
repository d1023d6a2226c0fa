package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/dal/bus"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitConfirmAck(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	require.NoError(t, awaitConfirm(context.Background(), confirms, 1))
}

func TestAwaitConfirmNack(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}

	assert.ErrorIs(t, awaitConfirm(context.Background(), confirms, 1), ErrNacked)
}

func TestAwaitConfirmSkipsStaleConfirmations(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 3)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}
	confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: true}
	confirms <- amqp.Confirmation{DeliveryTag: 3, Ack: true}

	require.NoError(t, awaitConfirm(context.Background(), confirms, 3))
}

func TestAwaitConfirmTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := awaitConfirm(ctx, make(chan amqp.Confirmation), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitConfirmClosedChannel(t *testing.T) {
	confirms := make(chan amqp.Confirmation)
	close(confirms)

	assert.ErrorIs(t, awaitConfirm(context.Background(), confirms, 1), ErrConfirmClosed)
}

type fakeChannel struct {
	err      error
	confirms chan amqp.Confirmation
	closed   bool
	sent     []amqp.Publishing
}

func (c *fakeChannel) Publish(_, _ string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	c.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(c.sent)), Ack: true}

	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true

	return nil
}

type opener struct {
	calls    int
	err      error
	channels []*fakeChannel
	closed   chan *amqp.Error
}

func (o *opener) open() (*session, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}

	ch := &fakeChannel{confirms: make(chan amqp.Confirmation, 4)}
	o.channels = append(o.channels, ch)
	o.closed = make(chan *amqp.Error, 1)

	return &session{channel: ch, confirms: ch.confirms, closed: o.closed}, nil
}

func newTestPublisher(o *opener, now *time.Time) *Publisher {
	return &Publisher{
		exchange: "shop.events",
		open:     o.open,
		policy:   retry.NewPolicy(reconnectBackoffCap).WithRandom(func(time.Duration) time.Duration { return 0 }),
		now:      func() time.Time { return *now },
	}
}

func TestPublishOpensChannelLazily(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := &opener{}
	p := newTestPublisher(o, &now)

	require.NoError(t, p.Publish(context.Background(), "order.created", []byte(`{}`)))
	require.NoError(t, p.Publish(context.Background(), "order.cancelled", []byte(`{}`)))

	assert.Equal(t, 1, o.calls)
	require.Len(t, o.channels[0].sent, 2)
	assert.Equal(t, "order.cancelled", o.channels[0].sent[1].Type)
}

func TestPublishReopensAfterChannelClose(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := &opener{}
	p := newTestPublisher(o, &now)

	require.NoError(t, p.Publish(context.Background(), "order.created", []byte(`{}`)))
	o.closed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}

	require.NoError(t, p.Publish(context.Background(), "order.created", []byte(`{}`)))

	assert.Equal(t, 2, o.calls)
	assert.True(t, o.channels[0].closed)
	assert.Len(t, o.channels[1].sent, 1, "delivery tags restart on the new channel")
}

func TestPublishOnClosedChannelIsUnavailable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := &opener{}
	p := newTestPublisher(o, &now)

	require.NoError(t, p.Publish(context.Background(), "order.created", []byte(`{}`)))
	o.channels[0].err = amqp.ErrClosed

	err := p.Publish(context.Background(), "order.created", []byte(`{}`))
	require.ErrorIs(t, err, bus.ErrUnavailable)
	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.Nil(t, p.session)

	require.NoError(t, p.Publish(context.Background(), "order.created", []byte(`{}`)))
	assert.Equal(t, 2, o.calls)
}

func TestPublishRejectionIsNotUnavailable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := &opener{}
	p := newTestPublisher(o, &now)

	require.NoError(t, p.Publish(context.Background(), "order.created", []byte(`{}`)))
	o.channels[0].err = &amqp.Error{Code: amqp.NotFound, Reason: "no exchange"}

	err := p.Publish(context.Background(), "order.created", []byte(`{}`))
	require.Error(t, err)
	assert.False(t, bus.IsUnavailable(err))
	assert.NotNil(t, p.session)
}

func TestPublishRateLimitsReopen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := &opener{err: errors.New("dial tcp: connection refused")}
	p := newTestPublisher(o, &now)

	err := p.Publish(context.Background(), "order.created", []byte(`{}`))
	require.ErrorIs(t, err, bus.ErrUnavailable)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, o.calls)

	err = p.Publish(context.Background(), "order.created", []byte(`{}`))
	require.ErrorIs(t, err, bus.ErrUnavailable)
	assert.ErrorContains(t, err, "rate-limited")
	assert.Equal(t, 1, o.calls, "no dial inside the backoff window")

	now = now.Add(time.Second)
	_ = p.Publish(context.Background(), "order.created", []byte(`{}`))
	assert.Equal(t, 2, o.calls)

	now = now.Add(time.Second)
	_ = p.Publish(context.Background(), "order.created", []byte(`{}`))
	assert.Equal(t, 2, o.calls, "second failure doubles the window")

	o.err = nil
	now = now.Add(time.Second)
	require.NoError(t, p.Publish(context.Background(), "order.created", []byte(`{}`)))
	assert.Equal(t, 3, o.calls)
	assert.Zero(t, p.reconnectAttempts)
}

func TestPublishLostConfirmsIsUnavailable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	confirms := make(chan amqp.Confirmation)
	close(confirms)
	ch := &fakeChannel{confirms: make(chan amqp.Confirmation, 1)}
	p := newTestPublisher(&opener{}, &now)
	p.session = &session{channel: ch, confirms: confirms}

	err := p.Publish(context.Background(), "order.created", []byte(`{}`))
	require.ErrorIs(t, err, bus.ErrUnavailable)
	assert.ErrorIs(t, err, ErrConfirmClosed)
	assert.True(t, ch.closed)
}
