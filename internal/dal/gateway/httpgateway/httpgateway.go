// Package httpgateway talks to a payment provider over its JSON HTTP API.
// Calls go through a circuit breaker so a failing provider is not hammered
// by every reconciliation cycle.
package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/gateway"
	"github.com/corray333/backend-labs/delivery/internal/service/models/payment"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusPending   = "pending"

	maxBodySize = 1 << 20

	idempotencyKeyHeader = "Idempotency-Key"
)

// ErrUnavailable wraps calls rejected by an open or half-open breaker.
var ErrUnavailable = errors.New("payment gateway unavailable")

type paymentResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	ErrorCode     string `json:"error_code"`
	Message       string `json:"message"`
}

type refundRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// Client is a gateway.Gateway over HTTP.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// option is a function that configures the Client.
type option func(*Client)

// WithHTTPClient replaces the default HTTP client.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithHTTPClient(c *http.Client) option {
	return func(client *Client) {
		client.http = c
	}
}

// New creates a client for one provider.
func New(name string, cfg config.Gateway, opts ...option) *Client {
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	threshold := cfg.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway-" + name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("Gateway circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c
}

// NewRegistry builds a registry with one client per configured method.
func NewRegistry(gateways map[string]config.Gateway, opts ...option) *gateway.Registry {
	registry := gateway.NewRegistry()
	for method, cfg := range gateways {
		registry.Register(payment.Method(method), New(method, cfg, opts...))
	}

	return registry
}

// VerifyPayment asks the provider for the final status of a payment.
func (c *Client) VerifyPayment(ctx context.Context, transactionID string) (gateway.Result, error) {
	endpoint := c.baseURL + "/v1/payments/" + url.PathEscape(transactionID)

	return c.call(ctx, http.MethodGet, endpoint, nil, "")
}

// RefundPayment refunds amount of a settled payment. idempotencyKey is sent
// as the Idempotency-Key header so the provider dedupes retried refunds.
func (c *Client) RefundPayment(
	ctx context.Context,
	transactionID string,
	amount decimal.Decimal,
	idempotencyKey string,
) (gateway.Result, error) {
	body, err := json.Marshal(refundRequest{TransactionID: transactionID, Amount: amount})
	if err != nil {
		return gateway.Result{}, fmt.Errorf("failed to encode refund request: %w", err)
	}

	return c.call(ctx, http.MethodPost, c.baseURL+"/v1/refunds", body, idempotencyKey)
}

func (c *Client) call(ctx context.Context, method, endpoint string, body []byte, idempotencyKey string) (gateway.Result, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, method, endpoint, body, idempotencyKey)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return gateway.Result{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, c.name, err)
		}

		return gateway.Result{}, err
	}

	resp := out.(paymentResponse)
	switch resp.Status {
	case statusSucceeded:
		return gateway.Result{Success: true, TransactionID: resp.TransactionID, Message: resp.Message}, nil
	case statusFailed:
		return gateway.Result{
			TransactionID: resp.TransactionID,
			ErrorCode:     resp.ErrorCode,
			Message:       resp.Message,
		}, nil
	case statusPending:
		return gateway.Result{}, fmt.Errorf("%w: %s", gateway.ErrPending, resp.TransactionID)
	default:
		return gateway.Result{}, fmt.Errorf("unexpected gateway status %q", resp.Status)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, idempotencyKey string) (paymentResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return paymentResponse{}, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyKeyHeader, idempotencyKey)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return paymentResponse{}, fmt.Errorf("gateway %s request failed: %w", c.name, err)
	}
	defer res.Body.Close()

	slog.DebugContext(ctx, "Gateway call finished",
		"gateway", c.name,
		"method", method,
		"status", res.StatusCode,
		"duration", time.Since(start),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))

		return paymentResponse{}, fmt.Errorf("gateway %s returned %d: %s", c.name, res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var resp paymentResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxBodySize)).Decode(&resp); err != nil {
		return paymentResponse{}, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return resp, nil
}
