package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/services/inboxguard"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type answer struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	answers []answer
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, answer{tag: tag, ack: true})

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, answer{tag: tag, requeue: requeue})

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) all() []answer {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]answer(nil), a.answers...)
}

type guardFunc func(ctx context.Context, env events.Envelope, handle inboxguard.Handler) (inboxguard.Outcome, error)

func (f guardFunc) Process(ctx context.Context, env events.Envelope, handle inboxguard.Handler) (inboxguard.Outcome, error) {
	return f(ctx, env, handle)
}

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, env events.Envelope) amqp.Delivery {
	t.Helper()

	body, err := env.Marshal()
	require.NoError(t, err)

	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func envelope() events.Envelope {
	return events.Envelope{
		ID:            uuid.New(),
		Type:          events.TypeOrderCreated,
		OccurredOnUtc: time.Now().UTC(),
		Data:          []byte(`{}`),
	}
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name    string
		outcome inboxguard.Outcome
		err     error
		want    Settlement
	}{
		{"processed", inboxguard.OutcomeProcessed, nil, SettleAck},
		{"deferred", inboxguard.OutcomeDeferred, nil, SettleAck},
		{"duplicate", inboxguard.OutcomeDuplicate, nil, SettleAck},
		{"unknown type", "", fmt.Errorf("handle: %w", events.ErrUnknownEventType), SettleDrop},
		{"malformed", "", fmt.Errorf("handle: %w", events.ErrMalformedPayload), SettleDrop},
		{"transient", "", errors.New("connection refused"), SettleRequeue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Settle(tt.outcome, tt.err))
		})
	}
}

func TestProcessMessageDropsUnparsableBody(t *testing.T) {
	ack := &fakeAcknowledger{}
	called := false
	c := newConsumer(guardFunc(func(context.Context, events.Envelope, inboxguard.Handler) (inboxguard.Outcome, error) {
		called = true

		return inboxguard.OutcomeProcessed, nil
	}), nil)

	got := c.processMessage(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("not json")})
	assert.Equal(t, SettleDrop, got)
	assert.False(t, called)
	assert.Equal(t, []answer{{tag: 1}}, ack.all())
}

func TestProcessMessageRequeuesTransientFailures(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := newConsumer(guardFunc(func(context.Context, events.Envelope, inboxguard.Handler) (inboxguard.Outcome, error) {
		return "", errors.New("database is down")
	}), nil)

	got := c.processMessage(context.Background(), delivery(t, ack, 7, envelope()))
	assert.Equal(t, SettleRequeue, got)
	assert.Equal(t, []answer{{tag: 7, requeue: true}}, ack.all())
}

func TestRedeliveryIsAckedWithoutSecondEffect(t *testing.T) {
	seen := map[uuid.UUID]bool{}
	g := guardFunc(func(ctx context.Context, env events.Envelope, handle inboxguard.Handler) (inboxguard.Outcome, error) {
		if seen[env.ID] {
			return inboxguard.OutcomeDuplicate, nil
		}
		seen[env.ID] = true

		return inboxguard.OutcomeProcessed, handle(ctx, nil, env)
	})

	effects := 0
	handle := func(context.Context, uow.Repositories, events.Envelope) error {
		effects++

		return nil
	}

	ack := &fakeAcknowledger{}
	c := newConsumer(g, handle)
	env := envelope()

	assert.Equal(t, SettleAck, c.processMessage(context.Background(), delivery(t, ack, 1, env)))
	assert.Equal(t, SettleAck, c.processMessage(context.Background(), delivery(t, ack, 2, env)))
	assert.Equal(t, 1, effects)
	assert.Equal(t, []answer{{tag: 1, ack: true}, {tag: 2, ack: true}}, ack.all())
}

func TestServeSettlesEveryDeliveryBeforeReturning(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := newConsumer(guardFunc(func(context.Context, events.Envelope, inboxguard.Handler) (inboxguard.Outcome, error) {
		return inboxguard.OutcomeDeferred, nil
	}), nil)

	msgs := make(chan amqp.Delivery, 5)
	for i := range 5 {
		msgs <- delivery(t, ack, uint64(i+1), envelope())
	}
	close(msgs)

	require.NoError(t, c.serve(context.Background(), msgs))
	assert.Len(t, ack.all(), 5)

	select {
	case <-c.done:
	default:
		t.Fatal("done channel not closed")
	}
	require.NoError(t, c.Shutdown())
}

func TestShutdownReturnsPromptlyAfterFailedStart(t *testing.T) {
	c := newConsumer(guardFunc(func(context.Context, events.Envelope, inboxguard.Handler) (inboxguard.Outcome, error) {
		return inboxguard.OutcomeProcessed, nil
	}), nil)
	c.queue = "delivery.events"
	c.consume = func() (<-chan amqp.Delivery, error) {
		return nil, amqp.ErrClosed
	}

	err := c.Run(context.Background())
	require.ErrorIs(t, err, amqp.ErrClosed)
	assert.ErrorContains(t, err, "failed to consume delivery.events")

	start := time.Now()
	require.NoError(t, c.Shutdown())
	assert.Less(t, time.Since(start), time.Second)
}
