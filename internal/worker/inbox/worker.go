package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/metrics"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/corray333/backend-labs/delivery/internal/service/services/inboxguard"
	"go.opentelemetry.io/otel"
)

type unitOfWork interface {
	uow.Tx
	uow.Repositories

	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// Result counts the outcomes of one inbox cycle.
type Result struct {
	Claimed           int
	Processed         int
	Failed            int
	PermanentlyFailed int
}

// Worker runs the effects of messages recorded by the inbox guard in
// deferred mode. Each effect runs in its own savepoint, so a failing
// message does not undo the others in the batch.
type Worker struct {
	newUOW  func() unitOfWork
	handle  inboxguard.Handler
	policy  retry.Policy
	metrics *metrics.Metrics
	now     func() time.Time

	pollInterval time.Duration
	batchSize    int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// option is a function that configures the Worker.
type option func(*Worker)

//goland:noinspection GoExportedFuncWithUnexportedType
func WithPostgresClient(pgClient *postgres.Client) option {
	return func(w *Worker) {
		w.newUOW = func() unitOfWork {
			return uow.NewUnitOfWork(pgClient)
		}
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithUnitOfWorkFactory(f func() unitOfWork) option {
	return func(w *Worker) {
		w.newUOW = f
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithMetrics(m *metrics.Metrics) option {
	return func(w *Worker) {
		w.metrics = m
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithRetryPolicy(p retry.Policy) option {
	return func(w *Worker) {
		w.policy = p
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(w *Worker) {
		w.now = now
	}
}

// MustNewWorker creates a new inbox worker.
func MustNewWorker(handle inboxguard.Handler, cfg config.Inbox, opts ...option) *Worker {
	w := &Worker{
		handle:       handle,
		policy:       retry.NewPolicy(cfg.BackoffCap),
		metrics:      metrics.NewNop(),
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.newUOW == nil || w.handle == nil {
		panic("inbox worker requires a unit of work factory and a handler")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 20
	}

	return w
}

// Start begins processing messages from the inbox.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	slog.Info("Inbox worker started", "poll_interval", w.pollInterval, "batch_size", w.batchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Inbox worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Inbox worker stopped")

			return
		case <-ticker.C:
			res, err := w.ProcessOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "Inbox batch rolled back", "error", err)

				continue
			}
			if res.Claimed > 0 {
				slog.InfoContext(ctx, "Inbox batch processed",
					"claimed", res.Claimed,
					"processed", res.Processed,
					"failed", res.Failed,
					"permanently_failed", res.PermanentlyFailed,
				)
			}
		}
	}
}

// Stop stops the worker.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// ProcessOnce claims a batch of pending inbox messages and runs their effects.
func (w *Worker) ProcessOnce(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("inbox").Start(ctx, "Inbox.ProcessOnce")
	defer span.End()

	work := w.newUOW()
	if err := work.Begin(ctx); err != nil {
		return Result{}, err
	}

	res, err := w.process(ctx, work)
	if err != nil {
		if rbErr := work.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			slog.ErrorContext(ctx, "Failed to roll back inbox batch", "error", rbErr)
		}

		return Result{}, err
	}

	if err := work.Commit(context.WithoutCancel(ctx)); err != nil {
		_ = work.Rollback(context.WithoutCancel(ctx))

		return Result{}, fmt.Errorf("failed to commit inbox batch: %w", err)
	}

	return res, nil
}

func (w *Worker) process(ctx context.Context, work unitOfWork) (Result, error) {
	repo := work.InboxRepository()

	msgs, err := repo.ClaimPending(ctx, w.now().UTC(), w.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to claim inbox batch: %w", err)
	}

	res := Result{Claimed: len(msgs)}
	for i := range msgs {
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "Inbox batch interrupted", "remaining", len(msgs)-i)

			break
		}

		msg := &msgs[i]
		err := w.run(ctx, work, msg.Content)
		if err != nil {
			if err := msg.RecordFailedAttempt(err, w.now(), w.policy); err != nil {
				return Result{}, err
			}

			if msg.PermanentlyFailed() {
				res.PermanentlyFailed++
				w.metrics.InboxAttempts.WithLabelValues(msg.EventType, "permanently_failed").Inc()
				slog.ErrorContext(ctx, "Inbox message permanently failed",
					"message_id", msg.MessageID,
					"event_type", msg.EventType,
					"error", err,
				)
			} else {
				res.Failed++
				w.metrics.InboxAttempts.WithLabelValues(msg.EventType, "failed").Inc()
				slog.WarnContext(ctx, "Failed to process inbox message, will retry",
					"message_id", msg.MessageID,
					"attempts", msg.AttemptCount,
					"next_attempt", msg.NextAttemptOnUtc,
					"error", err,
				)
			}
		} else {
			if err := msg.MarkProcessed(w.now()); err != nil {
				return Result{}, err
			}
			res.Processed++
			w.metrics.InboxAttempts.WithLabelValues(msg.EventType, "processed").Inc()
		}

		if err := repo.Save(ctx, *msg); err != nil {
			return Result{}, fmt.Errorf("failed to save inbox message %s: %w", msg.MessageID, err)
		}
	}

	return res, nil
}

func (w *Worker) run(ctx context.Context, work unitOfWork, content []byte) error {
	env, err := events.ParseEnvelope(content)
	if err != nil {
		return err
	}

	return work.Savepoint(ctx, func(ctx context.Context) error {
		return w.handle(ctx, work, env)
	})
}
