package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/bus"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow/uowtest"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	outboxmodel "github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	eventType string
	envelope  events.Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	err  func(eventType string) error
	sent []published
}

func (p *fakePublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	if p.err != nil {
		if err := p.err(eventType); err != nil {
			return err
		}
	}

	env, err := events.ParseEnvelope(payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{eventType: eventType, envelope: env})

	return ctx.Err()
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func noJitter(time.Duration) time.Duration { return 0 }

func newWorker(t *testing.T, store *uowtest.Store, pub publisher, c *clock) *Worker {
	t.Helper()

	factory := store.Factory()

	return MustNewWorker(pub, events.NewDefaultRegistry(), config.Outbox{
		PollInterval:   10 * time.Millisecond,
		BatchSize:      20,
		MaxAttempts:    3,
		BackoffCap:     5 * time.Minute,
		PublishTimeout: time.Second,
	},
		WithUnitOfWorkFactory(func() unitOfWork { return factory() }),
		WithRetryPolicy(retry.NewPolicy(5*time.Minute).WithRandom(noJitter)),
		WithClock(c.now),
	)
}

func seed(t *testing.T, store *uowtest.Store, ev events.Event, occurredOn time.Time) outboxmodel.OutboxMessage {
	t.Helper()

	msg, err := outboxmodel.New(ev, occurredOn, 3)
	require.NoError(t, err)
	store.SeedOutbox(msg)

	return msg
}

func TestDispatchPublishesAndMarksProcessed(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{}
	w := newWorker(t, store, pub, c)

	orderID := uuid.New()
	msg := seed(t, store, events.OrderCreated{
		OrderID:       orderID,
		CustomerID:    7,
		Amount:        decimal.RequireFromString("42.10"),
		Currency:      "USD",
		PaymentMethod: "card",
	}, c.t.Add(-time.Second))

	res, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Published: 1}, res)

	require.Len(t, pub.sent, 1)
	sent := pub.sent[0]
	assert.Equal(t, events.TypeOrderCreated, sent.eventType)
	assert.Equal(t, msg.ID, sent.envelope.ID)
	assert.Equal(t, events.TypeOrderCreated, sent.envelope.Type)
	assert.True(t, msg.OccurredOnUtc.Equal(sent.envelope.OccurredOnUtc))

	decoded, err := events.NewDefaultRegistry().Decode(sent.envelope.Type, sent.envelope.Data)
	require.NoError(t, err)
	assert.Equal(t, orderID, decoded.(events.OrderCreated).OrderID)

	stored, ok := store.OutboxMessage(msg.ID)
	require.True(t, ok)
	require.NotNil(t, stored.ProcessedOnUtc)
	assert.Nil(t, stored.NextAttemptOnUtc)
	assert.Equal(t, 0, stored.AttemptCount)
	assert.Equal(t, outboxmodel.StateProcessed, stored.State(c.t))

	c.advance(time.Hour)
	res, err = w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "processed rows are never selected again")
	assert.Len(t, pub.sent, 1)
}

func TestDispatchThreeFailuresFreezeMessage(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{err: func(string) error { return errors.New("broker unreachable") }}
	w := newWorker(t, store, pub, c)

	msg := seed(t, store, events.OrderCancelled{OrderID: uuid.New(), Reason: "customer"}, c.t)

	res, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Failed: 1}, res)

	stored, _ := store.OutboxMessage(msg.ID)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.NextAttemptOnUtc)
	assert.Equal(t, c.t.Add(time.Second), *stored.NextAttemptOnUtc)
	assert.Nil(t, stored.ClaimedOnUtc)

	res, err = w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "row waits for its next attempt")

	c.advance(time.Second)
	res, err = w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored, _ = store.OutboxMessage(msg.ID)
	assert.Equal(t, 2, stored.AttemptCount)
	assert.Equal(t, c.t.Add(2*time.Second), *stored.NextAttemptOnUtc)

	c.advance(2 * time.Second)
	res, err = w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, PermanentlyFailed: 1}, res)

	stored, _ = store.OutboxMessage(msg.ID)
	assert.Equal(t, 3, stored.AttemptCount)
	assert.Nil(t, stored.NextAttemptOnUtc)
	assert.Nil(t, stored.ProcessedOnUtc)
	require.NotNil(t, stored.LastErrorMessage)
	assert.Contains(t, *stored.LastErrorMessage, "Max attempt (3) reached")
	assert.Contains(t, *stored.LastErrorMessage, "broker unreachable")
	assert.Equal(t, outboxmodel.StatePermanentlyFailed, stored.State(c.t))

	c.advance(24 * time.Hour)
	res, err = w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "permanently failed rows are never retried")
}

func TestDispatchIsolatesPerRowFailures(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{err: func(eventType string) error {
		if eventType == events.TypePaymentFailed {
			return errors.New("rejected")
		}

		return nil
	}}
	w := newWorker(t, store, pub, c)

	unknown := outboxmodel.OutboxMessage{
		ID:              uuid.New(),
		EventType:       "inventory.reserved",
		Content:         []byte(`{}`),
		OccurredOnUtc:   c.t.Add(-3 * time.Second),
		MaxAttemptCount: 3,
	}
	store.SeedOutbox(unknown)
	rejected := seed(t, store, events.PaymentFailed{PaymentID: uuid.New(), OrderID: uuid.New()}, c.t.Add(-2*time.Second))
	ok := seed(t, store, events.PaymentCompleted{PaymentID: uuid.New(), OrderID: uuid.New()}, c.t.Add(-time.Second))

	res, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 3, Published: 1, Failed: 2}, res)

	stored, _ := store.OutboxMessage(unknown.ID)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.LastErrorMessage)
	assert.Contains(t, *stored.LastErrorMessage, "inventory.reserved")

	stored, _ = store.OutboxMessage(rejected.ID)
	assert.Equal(t, 1, stored.AttemptCount)

	stored, _ = store.OutboxMessage(ok.ID)
	assert.NotNil(t, stored.ProcessedOnUtc)
}

func TestDispatchRollsBackWhenSaveFails(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{}
	w := newWorker(t, store, pub, c)

	msg := seed(t, store, events.OrderCancelled{OrderID: uuid.New()}, c.t)
	store.OutboxSaveErr = errors.New("connection reset")

	_, err := w.DispatchOnce(context.Background())
	require.ErrorContains(t, err, "connection reset")

	stored, _ := store.OutboxMessage(msg.ID)
	assert.Equal(t, msg, stored, "no state mutated")
	assert.Equal(t, 1, store.Rollbacks)
	assert.Zero(t, store.Commits)
}

func TestDispatchRollsBackWhileBusIsDown(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{err: func(string) error { return amqp.ErrClosed }}
	w := newWorker(t, store, pub, c)

	seeded := make([]outboxmodel.OutboxMessage, 0, 5)
	for i := range 5 {
		seeded = append(seeded, seed(t, store, events.OrderCancelled{OrderID: uuid.New()}, c.t.Add(-time.Duration(5-i)*time.Second)))
	}

	for cycle := 1; cycle <= 3; cycle++ {
		_, err := w.DispatchOnce(context.Background())
		require.ErrorIs(t, err, amqp.ErrClosed)
		assert.Equal(t, cycle, store.Rollbacks)
		c.advance(10 * time.Second)
	}
	assert.Zero(t, store.Commits)

	for _, msg := range seeded {
		stored, ok := store.OutboxMessage(msg.ID)
		require.True(t, ok)
		assert.Equal(t, msg, stored, "no state mutated")
		assert.Zero(t, stored.AttemptCount)
		assert.Equal(t, outboxmodel.StatePending, stored.State(c.t))
	}

	pub.err = nil
	res, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 5, Published: 5}, res)
}

func TestDispatchOutageMidBatchDiscardsEarlierOutcomes(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	calls := 0
	pub := &fakePublisher{err: func(string) error {
		calls++
		switch calls {
		case 1:
			return nil
		case 2:
			return errors.New("rejected")
		default:
			return fmt.Errorf("%w: connection reset by peer", bus.ErrUnavailable)
		}
	}}
	w := newWorker(t, store, pub, c)

	first := seed(t, store, events.OrderCancelled{OrderID: uuid.New()}, c.t.Add(-3*time.Second))
	second := seed(t, store, events.OrderCancelled{OrderID: uuid.New()}, c.t.Add(-2*time.Second))
	third := seed(t, store, events.OrderCancelled{OrderID: uuid.New()}, c.t.Add(-time.Second))

	_, err := w.DispatchOnce(context.Background())
	require.ErrorIs(t, err, bus.ErrUnavailable)
	assert.Equal(t, 1, store.Rollbacks)

	for _, msg := range []outboxmodel.OutboxMessage{first, second, third} {
		stored, _ := store.OutboxMessage(msg.ID)
		assert.Equal(t, msg, stored)
	}
}

func TestDispatchFailsWhenClaimFails(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Now()}
	w := newWorker(t, store, &fakePublisher{}, c)
	store.ClaimErr = errors.New("db down")

	_, err := w.DispatchOnce(context.Background())
	assert.ErrorContains(t, err, "failed to claim outbox batch")
	assert.Equal(t, 1, store.Rollbacks)
}

func TestDispatchRespectsBatchSizeAndOrder(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{}
	w := newWorker(t, store, pub, c)
	w.batchSize = 2

	first := seed(t, store, events.OrderCancelled{OrderID: uuid.New()}, c.t.Add(-3*time.Second))
	second := seed(t, store, events.OrderCancelled{OrderID: uuid.New()}, c.t.Add(-2*time.Second))
	seed(t, store, events.OrderCancelled{OrderID: uuid.New()}, c.t.Add(-time.Second))

	res, err := w.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, first.ID, pub.sent[0].envelope.ID)
	assert.Equal(t, second.ID, pub.sent[1].envelope.ID)
}

func TestStartStopsOnStop(t *testing.T) {
	store := uowtest.NewStore()
	c := &clock{t: time.Now()}
	w := newWorker(t, store, &fakePublisher{}, c)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
