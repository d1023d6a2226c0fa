package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/service/models/order"
	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/corray333/backend-labs/delivery/internal/service/services/ordersvc"
	cancelorder "github.com/corray333/backend-labs/delivery/internal/transport/http/cancel_order"
	createorder "github.com/corray333/backend-labs/delivery/internal/transport/http/create_order"
	listfailedoutbox "github.com/corray333/backend-labs/delivery/internal/transport/http/list_failed_outbox"
	"github.com/corray333/backend-labs/delivery/pkg/http/middleware/trace"
	"github.com/corray333/backend-labs/delivery/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type service interface {
	CreateOrder(ctx context.Context, in ordersvc.CreateOrderInput) (*order.Order, error)
	CancelOrder(ctx context.Context, id uuid.UUID, reason string) (*order.Order, error)
	ListFailedOutbox(ctx context.Context, limit int) ([]outbox.OutboxMessage, error)
}

type HTTPTransport struct {
	server   *http.Server
	router   *chi.Mux
	service  service
	gatherer prometheus.Gatherer
}

// option is a function that configures the HTTPTransport.
type option func(*HTTPTransport)

// WithGatherer sets the registry served at /metrics.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithGatherer(g prometheus.Gatherer) option {
	return func(h *HTTPTransport) {
		h.gatherer = g
	}
}

func NewHTTPTransport(cfg config.HTTP, service service, opts ...option) *HTTPTransport {
	router := newRouter()
	h := &HTTPTransport{
		server:   newServer(cfg, router),
		router:   router,
		service:  service,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Run serves until Shutdown is called.
func (h *HTTPTransport) Run() error {
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (h *HTTPTransport) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Handler returns the router.
func (h *HTTPTransport) Handler() http.Handler {
	return h.router
}

// RegisterRoutes registers the routes for the HTTPTransport.
func (h *HTTPTransport) RegisterRoutes() {
	h.router.Get("/healthz", healthz)
	h.router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	h.router.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.createOrder)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.Get("/outbox/failed", h.listFailedOutbox)
	})
}

func (h *HTTPTransport) createOrder(w http.ResponseWriter, r *http.Request) {
	createorder.CreateOrder(w, r, h.service)
}

func (h *HTTPTransport) cancelOrder(w http.ResponseWriter, r *http.Request) {
	cancelorder.CancelOrder(w, r, h.service)
}

func (h *HTTPTransport) listFailedOutbox(w http.ResponseWriter, r *http.Request) {
	listfailedoutbox.ListFailedOutbox(w, r, h.service)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func newRouter() *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(trace.NewTraceMiddleware("delivery-svc"))
	router.Use(logger.NewLoggerMiddleware(slog.Default()))

	return router
}

func newServer(cfg config.HTTP, router http.Handler) *http.Server {
	return &http.Server{
		Addr:    "0.0.0.0:" + cfg.Port,
		Handler: router,
	}
}
