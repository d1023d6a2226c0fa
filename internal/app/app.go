package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/gateway/httpgateway"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	"github.com/corray333/backend-labs/delivery/internal/dal/rabbitmq"
	"github.com/corray333/backend-labs/delivery/internal/dal/redisbus"
	"github.com/corray333/backend-labs/delivery/internal/metrics"
	"github.com/corray333/backend-labs/delivery/internal/otel"
	"github.com/corray333/backend-labs/delivery/internal/service/events"
	"github.com/corray333/backend-labs/delivery/internal/service/retry"
	"github.com/corray333/backend-labs/delivery/internal/service/services/consumersvc"
	"github.com/corray333/backend-labs/delivery/internal/service/services/inboxguard"
	"github.com/corray333/backend-labs/delivery/internal/service/services/ordersvc"
	"github.com/corray333/backend-labs/delivery/internal/transport/consumer"
	httptransport "github.com/corray333/backend-labs/delivery/internal/transport/http"
	inboxworker "github.com/corray333/backend-labs/delivery/internal/worker/inbox"
	outboxworker "github.com/corray333/backend-labs/delivery/internal/worker/outbox"
	"github.com/corray333/backend-labs/delivery/internal/worker/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// publisher is the bus the outbox relay writes to.
type publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
	Close() error
}

// App represents the application. Only the components listed in
// service.components are built.
type App struct {
	cfg *config.Config

	postgresClient *postgres.Client
	rabbitMqClient *rabbitmq.Client
	publisher      publisher
	otelController *otel.OtelController

	transport      *httptransport.HTTPTransport
	outboxWorker   *outboxworker.Worker
	consumerTransp *consumer.Consumer
	inboxWorker    *inboxworker.Worker
	reconciler     *reconcile.Worker
}

// MustNewApp creates a new application.
func MustNewApp(cfg *config.Config) *App {
	a := &App{cfg: cfg}

	a.otelController = otel.MustInitOtel(cfg.Service.Name, cfg.Tracing)
	a.postgresClient = postgres.MustNewClient(cfg.Postgres)

	m := metrics.NewMetrics(prometheus.DefaultRegisterer, "delivery")
	registry := events.NewDefaultRegistry()
	gateways := httpgateway.NewRegistry(cfg.Gateways)

	if cfg.Service.Enabled(config.ComponentHTTP) {
		orderSvc := ordersvc.MustNewOrderService(
			ordersvc.WithPostgresClient(a.postgresClient),
			ordersvc.WithOutboxMaxAttempts(cfg.Outbox.MaxAttempts),
		)
		a.transport = httptransport.NewHTTPTransport(cfg.HTTP, orderSvc)
		a.transport.RegisterRoutes()
	}

	if cfg.Service.Enabled(config.ComponentRelay) {
		a.publisher = a.mustNewPublisher()
		a.outboxWorker = outboxworker.MustNewWorker(a.publisher, registry, cfg.Outbox,
			outboxworker.WithPostgresClient(a.postgresClient),
			outboxworker.WithMetrics(m),
		)
	}

	consumerSvc := consumersvc.MustNewConsumerService(registry,
		consumersvc.WithGatewayFactory(gateways),
		consumersvc.WithOutboxMaxAttempts(cfg.Outbox.MaxAttempts),
		consumersvc.WithCallTimeout(cfg.Reconcile.CallTimeout),
	)

	if cfg.Service.Enabled(config.ComponentConsumer) {
		guard := inboxguard.MustNewGuard(cfg.Inbox,
			inboxguard.WithPostgresClient(a.postgresClient),
			inboxguard.WithMetrics(m),
		)
		a.consumerTransp = consumer.NewConsumer(a.mustRabbitMQ(), cfg.RabbitMQ, guard, consumerSvc.Handle,
			consumer.WithMetrics(m),
		)
	}

	if cfg.Service.Enabled(config.ComponentInboxWorker) {
		a.inboxWorker = inboxworker.MustNewWorker(consumerSvc.Handle, cfg.Inbox,
			inboxworker.WithPostgresClient(a.postgresClient),
			inboxworker.WithMetrics(m),
			inboxworker.WithRetryPolicy(retry.NewPolicy(cfg.Inbox.BackoffCap)),
		)
	}

	if cfg.Service.Enabled(config.ComponentReconciler) {
		a.reconciler = reconcile.MustNewWorker(gateways, cfg.Reconcile,
			reconcile.WithPostgresClient(a.postgresClient),
			reconcile.WithMetrics(m),
			reconcile.WithOutboxMaxAttempts(cfg.Outbox.MaxAttempts),
		)
	}

	return a
}

func (a *App) mustRabbitMQ() *rabbitmq.Client {
	if a.rabbitMqClient == nil {
		a.rabbitMqClient = rabbitmq.MustNewClient(a.cfg.RabbitMQ)
	}

	return a.rabbitMqClient
}

func (a *App) mustNewPublisher() publisher {
	if a.cfg.Bus.Driver == "redis" {
		pub, err := redisbus.NewPublisher(context.Background(), a.cfg.Redis)
		if err != nil {
			panic(err)
		}

		return pub
	}

	pub, err := a.mustRabbitMQ().NewPublisher(a.cfg.RabbitMQ.Exchange)
	if err != nil {
		panic(err)
	}

	return pub
}

// Run starts the application.
// Tracks interrupt signal to gracefully shut down the application.
func (a *App) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if a.transport != nil {
		g.Go(func() error {
			slog.Info("Starting HTTP server", "port", a.cfg.HTTP.Port)

			return a.transport.Run()
		})
	}
	if a.outboxWorker != nil {
		g.Go(func() error {
			a.outboxWorker.Start(gctx)

			return nil
		})
	}
	if a.consumerTransp != nil {
		g.Go(func() error {
			slog.Info("Starting consumer")

			return a.consumerTransp.Run(gctx)
		})
	}
	if a.inboxWorker != nil {
		g.Go(func() error {
			a.inboxWorker.Start(gctx)

			return nil
		})
	}
	if a.reconciler != nil {
		g.Go(func() error {
			a.reconciler.Start(gctx)

			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received")
		a.stopComponents()

		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Component stopped with error", "error", err)
	}

	a.gracefulShutdown()
}

// stopComponents asks every running loop to return.
func (a *App) stopComponents() {
	if a.transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := a.transport.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped gracefully")
		}
	}
	if a.outboxWorker != nil {
		a.outboxWorker.Stop()
	}
	if a.consumerTransp != nil {
		if err := a.consumerTransp.Shutdown(); err != nil {
			slog.Error("Consumer shutdown error", "error", err)
		}
	}
	if a.inboxWorker != nil {
		a.inboxWorker.Stop()
	}
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
}

// gracefulShutdown releases connections once every component returned.
func (a *App) gracefulShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			slog.Error("Publisher close error", "error", err)
		}
	}

	if a.rabbitMqClient != nil {
		if err := a.rabbitMqClient.Close(); err != nil {
			slog.Error("RabbitMQ connection close error", "error", err)
		} else {
			slog.Info("RabbitMQ connection closed gracefully")
		}
	}

	a.postgresClient.Close()
	slog.Info("Database connection closed gracefully")

	if err := a.otelController.Shutdown(ctx); err != nil {
		slog.Error("Otel trace provider connection close error", "error", err)
	} else {
		slog.Info("Otel trace provider connection closed gracefully")
	}

	slog.Info("Application shutdown complete")
}
