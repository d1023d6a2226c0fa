package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/gateway"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ipaymentrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/metrics"
	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/corray333/backend-labs/delivery/internal/service/models/payment"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"go.opentelemetry.io/otel"
)

type unitOfWork interface {
	uow.Tx

	PaymentRepository() ipaymentrepo.IPaymentRepository
	OutboxRepository() ioutboxrepo.IOutboxRepository
}

// Result counts the outcomes of one reconciliation cycle.
type Result struct {
	Checked   int
	Completed int
	Failed    int
	Skipped   int
}

// Worker settles payments that stayed pending longer than the stuck
// timeout by asking their gateway for the final status. A payment the
// gateway cannot settle yet is pushed back with an exponential backoff so it
// does not hold a batch slot every cycle.
type Worker struct {
	newUOW   func() unitOfWork
	gateways gateway.Factory
	policy   retry.Policy
	metrics  *metrics.Metrics
	now      func() time.Time

	interval     time.Duration
	batchSize    int
	stuckTimeout time.Duration
	callTimeout  time.Duration
	maxAttempts  int

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

// WithRetryPolicy sets the backoff between passes over an unsettled payment.
//
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

// WithOutboxMaxAttempts sets the attempt ceiling of enqueued payment events.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxMaxAttempts(n int) option {
	return func(w *Worker) {
		w.maxAttempts = n
	}
}

// MustNewWorker creates a new reconciliation worker.
func MustNewWorker(gateways gateway.Factory, cfg config.Reconcile, opts ...option) *Worker {
	w := &Worker{
		gateways:     gateways,
		policy:       retry.NewPolicy(cfg.BackoffCap),
		metrics:      metrics.NewNop(),
		now:          time.Now,
		interval:     cfg.Interval,
		batchSize:    cfg.BatchSize,
		stuckTimeout: cfg.StuckTimeout,
		callTimeout:  cfg.CallTimeout,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.newUOW == nil || w.gateways == nil {
		panic("reconcile worker requires a unit of work factory and a gateway factory")
	}
	if w.interval <= 0 {
		w.interval = time.Minute
	}
	if w.batchSize <= 0 {
		w.batchSize = 50
	}
	if w.stuckTimeout <= 0 {
		w.stuckTimeout = 15 * time.Minute
	}
	if w.callTimeout <= 0 {
		w.callTimeout = 10 * time.Second
	}

	return w
}

// Start runs a reconciliation cycle every interval.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("Reconcile worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
		"stuck_timeout", w.stuckTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Reconcile worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Reconcile worker stopped")

			return
		case <-ticker.C:
			res, err := w.ReconcileOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "Reconciliation cycle rolled back", "error", err)

				continue
			}
			if res.Checked > 0 {
				slog.InfoContext(ctx, "Reconciliation cycle finished",
					"checked", res.Checked,
					"completed", res.Completed,
					"failed", res.Failed,
					"skipped", res.Skipped,
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

// ReconcileOnce settles one batch of stuck payments. Settled payments, their
// events and the backoff of skipped payments are written in a single
// transaction, which commits even when ctx is cancelled mid-cycle.
func (w *Worker) ReconcileOnce(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "Reconcile.ReconcileOnce")
	defer span.End()

	start := time.Now()
	defer func() {
		w.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	var res Result
	err := uow.WithinTx(ctx, w.newUOW(), func(work unitOfWork) error {
		var err error
		res, err = w.reconcile(ctx, work)

		return err
	})
	if err != nil {
		return Result{}, err
	}

	return res, nil
}

func (w *Worker) reconcile(ctx context.Context, work unitOfWork) (Result, error) {
	now := w.now().UTC()
	cutoff := now.Add(-w.stuckTimeout)

	payments, err := work.PaymentRepository().ListStuck(ctx, cutoff, now, w.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list stuck payments: %w", err)
	}

	res := Result{Checked: len(payments)}
	settled := make([]*payment.Payment, 0, len(payments))
	deferred := make([]*payment.Payment, 0)
	for _, p := range payments {
		if ctx.Err() != nil {
			break
		}

		outcome, err := w.settle(ctx, p)
		if err != nil {
			// Interrupted by shutdown, not by the gateway.
			if ctx.Err() != nil {
				break
			}
			if err := p.DeferReconcile(now, w.policy); err != nil {
				return Result{}, err
			}
			res.Skipped++
			w.metrics.ReconcileOutcomes.WithLabelValues(string(p.Method), "skipped").Inc()
			slog.WarnContext(ctx, "Payment left unreconciled",
				"payment_id", p.ID,
				"method", p.Method,
				"attempts", p.ReconcileAttempts,
				"next_attempt", p.NextReconcileAt,
				"error", err,
			)
			deferred = append(deferred, p)

			continue
		}

		switch outcome {
		case payment.StatusCompleted:
			res.Completed++
		case payment.StatusFailed:
			res.Failed++
		}
		w.metrics.ReconcileOutcomes.WithLabelValues(string(p.Method), string(outcome)).Inc()
		settled = append(settled, p)
	}

	// Answers already received are kept when ctx is cancelled.
	ctx = context.WithoutCancel(ctx)
	for _, p := range deferred {
		if err := work.PaymentRepository().Update(ctx, p); err != nil {
			return Result{}, err
		}
	}

	for _, p := range settled {
		if err := work.PaymentRepository().Update(ctx, p); err != nil {
			return Result{}, err
		}

		msgs, err := outbox.NewBatch(p.PullEvents(), now, w.maxAttempts)
		if err != nil {
			return Result{}, err
		}
		if err := work.OutboxRepository().Insert(ctx, msgs...); err != nil {
			return Result{}, err
		}
	}

	return res, nil
}

// settle verifies p with its gateway and applies the answer. It returns an
// error when p must be left untouched.
func (w *Worker) settle(ctx context.Context, p *payment.Payment) (payment.Status, error) {
	gw, err := w.gateways.Gateway(p.Method)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	result, err := gw.VerifyPayment(callCtx, p.GatewayReference())
	if err != nil {
		if errors.Is(err, gateway.ErrPending) {
			return "", err
		}

		return "", fmt.Errorf("verify payment: %w", err)
	}

	now := w.now()
	if result.Success {
		if err := p.Complete(result.TransactionID, now); err != nil {
			return "", err
		}

		return payment.StatusCompleted, nil
	}

	message := result.Message
	if message == "" {
		message = result.ErrorCode
	}
	if err := p.Fail(payment.ErrorCodeReconcileFailed, message, now); err != nil {
		return "", err
	}

	return payment.StatusFailed, nil
}
