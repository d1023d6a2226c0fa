package inboxguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow/uowtest"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/models/inbox"
	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newGuard(store *uowtest.Store, mode string) *Guard {
	factory := store.Factory()

	return MustNewGuard(
		config.Inbox{Mode: mode, MaxAttempts: 3},
		WithUnitOfWorkFactory(func() unitOfWork { return factory() }),
		WithClock(func() time.Time { return now }),
	)
}

func envelope(t *testing.T) events.Envelope {
	t.Helper()

	return events.Envelope{
		ID:            uuid.New(),
		Type:          events.TypeOrderCancelled,
		OccurredOnUtc: now.Add(-time.Minute),
		Data:          []byte(`{"orderId":"` + uuid.NewString() + `","reason":"customer"}`),
	}
}

// effect enqueues an outbox message so the test can observe whether the
// effect was committed.
func effect(calls *int) Handler {
	return func(ctx context.Context, repos uow.Repositories, env events.Envelope) error {
		*calls++
		msg, err := outbox.New(events.PaymentRefunded{OrderID: uuid.New()}, now, 3)
		if err != nil {
			return err
		}

		return repos.OutboxRepository().Insert(ctx, msg)
	}
}

func TestProcessInlineRunsEffectOnce(t *testing.T) {
	store := uowtest.NewStore()
	g := newGuard(store, "inline")
	env := envelope(t)

	calls := 0
	outcome, err := g.Process(context.Background(), env, effect(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	msg, ok := store.InboxMessage(env.ID)
	require.True(t, ok)
	require.NotNil(t, msg.ProcessedOnUtc)
	assert.Equal(t, events.TypeOrderCancelled, msg.EventType)

	parsed, err := events.ParseEnvelope(msg.Content)
	require.NoError(t, err)
	assert.Equal(t, env.ID, parsed.ID)

	outcome, err = g.Process(context.Background(), env, effect(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, 1, calls, "effect skipped for the duplicate")
	assert.Len(t, store.OutboxMessages(), 1)
}

func TestTryInsertReportsDuplicate(t *testing.T) {
	store := uowtest.NewStore()
	g := newGuard(store, "inline")
	env := envelope(t)
	repo := store.Factory()().InboxRepository()

	msg, err := g.TryInsert(context.Background(), repo, env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, msg.MessageID)
	assert.Equal(t, 3, msg.MaxAttempts)

	_, err = g.TryInsert(context.Background(), repo, env)
	assert.ErrorIs(t, err, inbox.ErrDuplicate)
	assert.Equal(t, 1, store.InboxCount())
}

func TestProcessEffectErrorRollsBackInboxRow(t *testing.T) {
	store := uowtest.NewStore()
	g := newGuard(store, "inline")
	env := envelope(t)

	_, err := g.Process(context.Background(), env, func(ctx context.Context, repos uow.Repositories, _ events.Envelope) error {
		msg, _ := outbox.New(events.PaymentRefunded{OrderID: uuid.New()}, now, 3)
		_ = repos.OutboxRepository().Insert(ctx, msg)

		return errors.New("order service down")
	})
	require.ErrorContains(t, err, "order service down")

	assert.Zero(t, store.InboxCount(), "redelivery must be processed again")
	assert.Empty(t, store.OutboxMessages())

	calls := 0
	outcome, err := g.Process(context.Background(), env, effect(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, 1, calls)
}

func TestProcessDeferredOnlyRecordsMessage(t *testing.T) {
	store := uowtest.NewStore()
	g := newGuard(store, "deferred")
	env := envelope(t)

	calls := 0
	outcome, err := g.Process(context.Background(), env, effect(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Zero(t, calls)

	msg, ok := store.InboxMessage(env.ID)
	require.True(t, ok)
	assert.Nil(t, msg.ProcessedOnUtc)

	outcome, err = g.Process(context.Background(), env, effect(&calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestMustNewGuardRejectsUnknownMode(t *testing.T) {
	store := uowtest.NewStore()

	assert.Panics(t, func() { newGuard(store, "eventually") })
	assert.Equal(t, ModeInline, newGuard(store, "").Mode())
}
