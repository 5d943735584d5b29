// Package redisbus publishes envelopes to a Redis stream. The stream entry
// ID returned by XADD serves as the opaque message identifier recorded in
// the ledger.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/domain/model"
)

// Bus implements core.MessageBus on top of a Redis stream.
type Bus struct {
	client redis.UniversalClient
	stream string
	logger *slog.Logger
}

// Options groups dependencies for creating a Bus.
type Options struct {
	Client redis.UniversalClient // Required: redis connection
	Stream string                // Required: stream key to publish to
	Logger *slog.Logger          // Optional: structured logger
}

// NewBus constructs a stream-backed message bus.
func NewBus(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client: opts.Client,
		stream: opts.Stream,
		logger: logger.With("component", "redis_bus", "stream", opts.Stream),
	}, nil
}

// Publish appends the envelope to the stream and returns the entry ID.
func (b *Bus) Publish(ctx context.Context, envelope model.Envelope) (string, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{
			"source":   envelope.Source,
			"type":     envelope.Type,
			"envelope": payload,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", b.stream, err)
	}

	b.logger.Debug("published envelope", "type", envelope.Type, "message_id", id)
	return id, nil
}

var _ core.MessageBus = (*Bus)(nil)
