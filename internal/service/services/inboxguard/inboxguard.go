// Package inboxguard makes message consumption idempotent: a message id is
// recorded in the inbox in the same transaction as its business effect, so
// a redelivered message is recognized and its effect skipped.
package inboxguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/metrics"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/models/inbox"
)

// Outcome tells the caller how a delivery was handled.
type Outcome string

const (
	// OutcomeProcessed means the effect ran and was committed with the inbox row.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means the message was seen before; the effect was skipped.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDeferred means only the inbox row was committed; the inbox worker runs the effect.
	OutcomeDeferred Outcome = "deferred"
)

type Mode string

const (
	ModeInline   Mode = "inline"
	ModeDeferred Mode = "deferred"
)

// Handler applies the business effect of a message using the repositories
// of the inbox transaction.
type Handler func(ctx context.Context, repos uow.Repositories, env events.Envelope) error

type unitOfWork interface {
	uow.Tx
	uow.Repositories
}

// Guard records received messages and runs their effects exactly once.
type Guard struct {
	newUOW      func() unitOfWork
	mode        Mode
	maxAttempts int
	metrics     *metrics.Metrics
	now         func() time.Time
}

// option is a function that configures the Guard.
type option func(*Guard)

//goland:noinspection GoExportedFuncWithUnexportedType
func WithPostgresClient(pgClient *postgres.Client) option {
	return func(g *Guard) {
		g.newUOW = func() unitOfWork {
			return uow.NewUnitOfWork(pgClient)
		}
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithUnitOfWorkFactory(f func() unitOfWork) option {
	return func(g *Guard) {
		g.newUOW = f
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithMetrics(m *metrics.Metrics) option {
	return func(g *Guard) {
		g.metrics = m
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(g *Guard) {
		g.now = now
	}
}

// MustNewGuard creates a new Guard.
func MustNewGuard(cfg config.Inbox, opts ...option) *Guard {
	g := &Guard{
		mode:        Mode(cfg.Mode),
		maxAttempts: cfg.MaxAttempts,
		metrics:     metrics.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.newUOW == nil {
		panic("inbox guard requires a unit of work factory")
	}
	switch g.mode {
	case ModeInline, ModeDeferred:
	case "":
		g.mode = ModeInline
	default:
		panic(fmt.Sprintf("unknown inbox mode %q", g.mode))
	}

	return g
}

// Mode returns the processing mode.
func (g *Guard) Mode() Mode {
	return g.mode
}

// TryInsert records env in repo. It returns inbox.ErrDuplicate when the
// message id was recorded before.
func (g *Guard) TryInsert(
	ctx context.Context,
	repo iinboxrepo.IInboxRepository,
	env events.Envelope,
) (inbox.InboxMessage, error) {
	content, err := env.Marshal()
	if err != nil {
		return inbox.InboxMessage{}, fmt.Errorf("failed to encode envelope: %w", err)
	}

	msg := inbox.New(env.ID, env.Type, content, g.now(), g.maxAttempts)
	inserted, err := repo.TryInsert(ctx, msg)
	if err != nil {
		return inbox.InboxMessage{}, err
	}
	if !inserted {
		return inbox.InboxMessage{}, fmt.Errorf("%w: %s", inbox.ErrDuplicate, env.ID)
	}

	return msg, nil
}

// Process records env and, in inline mode, runs handle in the same
// transaction. An error from handle rolls everything back, including the
// inbox row, so a redelivery is processed again.
func (g *Guard) Process(ctx context.Context, env events.Envelope, handle Handler) (Outcome, error) {
	var outcome Outcome

	err := uow.WithinTx(ctx, g.newUOW(), func(work unitOfWork) error {
		msg, err := g.TryInsert(ctx, work.InboxRepository(), env)
		if err != nil {
			if errors.Is(err, inbox.ErrDuplicate) {
				outcome = OutcomeDuplicate

				return nil
			}

			return err
		}

		if g.mode == ModeDeferred {
			outcome = OutcomeDeferred

			return nil
		}

		if err := handle(ctx, work, env); err != nil {
			return fmt.Errorf("failed to handle %s %s: %w", env.Type, env.ID, err)
		}

		if err := msg.MarkProcessed(g.now()); err != nil {
			return err
		}
		if err := work.InboxRepository().Save(ctx, msg); err != nil {
			return err
		}
		outcome = OutcomeProcessed

		return nil
	})
	if err != nil {
		return "", err
	}

	g.metrics.InboxMessages.WithLabelValues(env.Type, string(outcome)).Inc()
	if outcome == OutcomeDuplicate {
		slog.InfoContext(ctx, "Duplicate message skipped", "message_id", env.ID, "event_type", env.Type)
	}

	return outcome, nil
}
