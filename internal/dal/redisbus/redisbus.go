// Package redisbus publishes events to a Redis stream.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/corray333/backend-labs/delivery/internal/config"
	"github.com/corray333/backend-labs/delivery/internal/dal/bus"
	"github.com/redis/go-redis/v9"
)

// Publisher appends every event to one stream. Each entry carries the event
// type and the raw envelope.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewPublisher connects to Redis and checks the connection.
func NewPublisher(ctx context.Context, cfg config.Redis) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis connected", "addr", cfg.Addr, "stream", cfg.Stream)

	return NewPublisherWithClient(client, cfg.Stream, cfg.MaxLen), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client *redis.Client, stream string, maxLen int64) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Publish adds the payload to the stream.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":    eventType,
			"payload": payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		if unreachable(err) {
			return fmt.Errorf("%w: failed to add %s to stream %s: %w", bus.ErrUnavailable, eventType, p.stream, err)
		}

		return fmt.Errorf("failed to add %s to stream %s: %w", eventType, p.stream, err)
	}

	return nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// unreachable reports connection failures, as opposed to command errors.
func unreachable(err error) bool {
	var opErr *net.OpError

	return errors.Is(err, redis.ErrClosed) || errors.As(err, &opErr)
}
