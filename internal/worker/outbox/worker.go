package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/bus"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/metrics"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	outboxmodel "github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type unitOfWork interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	OutboxRepository() ioutboxrepo.IOutboxRepository
}

// publisher is the bus contract. payload is a JSON envelope. Errors for which
// bus.IsUnavailable holds abort the whole batch.
type publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// Result counts the outcomes of one dispatch cycle.
type Result struct {
	Claimed           int
	Published         int
	Failed            int
	PermanentlyFailed int
}

// Worker publishes outbox messages to the bus. Each cycle claims a batch,
// publishes it row by row and stores every outcome in one transaction.
type Worker struct {
	newUOW    func() unitOfWork
	publisher publisher
	registry  *events.Registry
	policy    retry.Policy
	metrics   *metrics.Metrics
	now       func() time.Time

	pollInterval   time.Duration
	batchSize      int
	publishTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// option is a function that configures the Worker.
type option func(*Worker)

// WithPostgresClient runs every cycle in a transaction of pgClient.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithPostgresClient(pgClient *postgres.Client) option {
	return func(w *Worker) {
		w.newUOW = func() unitOfWork {
			return uow.NewUnitOfWork(pgClient)
		}
	}
}

// WithUnitOfWorkFactory overrides how cycles open their unit of work.
//
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

// WithClock replaces time.Now.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(w *Worker) {
		w.now = now
	}
}

// MustNewWorker creates a new outbox worker.
func MustNewWorker(
	pub publisher,
	registry *events.Registry,
	cfg config.Outbox,
	opts ...option,
) *Worker {
	w := &Worker{
		publisher:      pub,
		registry:       registry,
		policy:         retry.NewPolicy(cfg.BackoffCap),
		metrics:        metrics.NewNop(),
		now:            time.Now,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		publishTimeout: cfg.PublishTimeout,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.newUOW == nil {
		panic("outbox worker requires a unit of work factory")
	}
	if w.publisher == nil || w.registry == nil {
		panic("outbox worker requires a publisher and an event registry")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 20
	}
	if w.publishTimeout <= 0 {
		w.publishTimeout = 5 * time.Second
	}

	return w
}

// Start begins processing messages from the outbox.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	slog.Info("Outbox worker started", "poll_interval", w.pollInterval, "batch_size", w.batchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Outbox worker stopped")

			return
		case <-ticker.C:
			res, err := w.DispatchOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "Outbox batch rolled back", "error", err)

				continue
			}
			if res.Claimed > 0 {
				slog.InfoContext(ctx, "Outbox batch dispatched",
					"claimed", res.Claimed,
					"published", res.Published,
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

// DispatchOnce runs one claim and publish cycle. A failure of the claim
// query, of saving an outcome, of the commit or an unreachable bus rolls the
// whole batch back; any other publish failure is recorded on the row and
// never aborts the batch.
func (w *Worker) DispatchOnce(ctx context.Context) (res Result, err error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "Outbox.DispatchOnce")
	defer span.End()

	start := time.Now()
	defer func() {
		w.metrics.OutboxBatchDuration.Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.Int("outbox.claimed", res.Claimed),
			attribute.Int("outbox.published", res.Published),
		)
		if err != nil {
			w.metrics.OutboxBatchErrors.Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	work := w.newUOW()
	if err := work.Begin(ctx); err != nil {
		return Result{}, err
	}

	res, err = w.dispatch(ctx, work)
	if err != nil {
		if rbErr := work.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			slog.ErrorContext(ctx, "Failed to roll back outbox batch", "error", rbErr)
		}

		return Result{}, err
	}

	if err := work.Commit(context.WithoutCancel(ctx)); err != nil {
		_ = work.Rollback(context.WithoutCancel(ctx))

		return Result{}, fmt.Errorf("failed to commit outbox batch: %w", err)
	}

	w.refreshStats(ctx)

	return res, nil
}

func (w *Worker) dispatch(ctx context.Context, work unitOfWork) (Result, error) {
	repo := work.OutboxRepository()
	now := w.now().UTC()

	msgs, err := repo.ClaimBatch(ctx, now, w.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to claim outbox batch: %w", err)
	}

	res := Result{Claimed: len(msgs)}
	for i := range msgs {
		// Rows not reached stay pending; outcomes already saved are kept.
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "Outbox batch interrupted", "remaining", len(msgs)-i)

			break
		}

		msg := &msgs[i]
		claim, err := msg.Claim(now)
		if err != nil {
			slog.WarnContext(ctx, "Skipping unclaimable outbox message", "outbox_id", msg.ID, "error", err)

			continue
		}

		if err := w.deliver(ctx, msg); err != nil {
			if bus.IsUnavailable(err) {
				return Result{}, fmt.Errorf("bus unavailable while publishing outbox message %s: %w", msg.ID, err)
			}

			if err := claim.RecordFailedAttempt(err, w.now(), w.policy); err != nil {
				return Result{}, err
			}

			settled := claim.Message()
			if settled.State(w.now()) == outboxmodel.StatePermanentlyFailed {
				res.PermanentlyFailed++
				w.metrics.OutboxPermanentlyFailed.WithLabelValues(msg.EventType).Inc()
				slog.ErrorContext(ctx, "Outbox message permanently failed",
					"outbox_id", msg.ID,
					"event_type", msg.EventType,
					"attempts", settled.AttemptCount,
					"error", err,
				)
			} else {
				res.Failed++
				w.metrics.OutboxFailedAttempts.WithLabelValues(msg.EventType).Inc()
				slog.WarnContext(ctx, "Failed to publish outbox message, will retry",
					"outbox_id", msg.ID,
					"event_type", msg.EventType,
					"attempts", settled.AttemptCount,
					"next_attempt", settled.NextAttemptOnUtc,
					"error", err,
				)
			}
		} else {
			if err := claim.MarkProcessed(w.now()); err != nil {
				return Result{}, err
			}
			res.Published++
			w.metrics.OutboxDispatched.WithLabelValues(msg.EventType).Inc()
		}

		if err := repo.Save(ctx, claim.Message()); err != nil {
			return Result{}, fmt.Errorf("failed to save outbox message %s: %w", msg.ID, err)
		}
	}

	return res, nil
}

// deliver resolves the event type, wraps the content in an envelope and
// publishes it within the publish timeout.
func (w *Worker) deliver(ctx context.Context, msg *outboxmodel.OutboxMessage) error {
	ev, err := w.registry.Decode(msg.EventType, msg.Content)
	if err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.EventType, err)
	}

	payload, err := events.Envelope{
		ID:            msg.ID,
		Type:          msg.EventType,
		OccurredOnUtc: msg.OccurredOnUtc,
		Data:          data,
	}.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, w.publishTimeout)
	defer cancel()

	return w.publisher.Publish(pubCtx, msg.EventType, payload)
}

func (w *Worker) refreshStats(ctx context.Context) {
	stats, err := w.newUOW().OutboxRepository().Stats(ctx, w.now().UTC())
	if err != nil {
		slog.WarnContext(ctx, "Failed to read outbox stats", "error", err)

		return
	}

	w.metrics.OutboxPending.Set(float64(stats.Pending))
	w.metrics.OutboxFailedRows.Set(float64(stats.PermanentlyFailed))
	w.metrics.OutboxOldestPendingAge.Set(stats.OldestPendingAge.Seconds())
}
