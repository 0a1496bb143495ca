// Package events publishes staging row transitions to a Redis stream so
// downstream consumers (dashboards, notification workers) can follow the
// reconciliation pipeline without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Event types.
const (
	TypeRowStaged      = "row.staged"
	TypeRowTransition  = "row.transitioned"
	TypeMessageIngest  = "message.ingested"
	TypeMessageReject  = "message.rejected"
	defaultStreamLen   = 100000
	defaultPublishWait = 2 * time.Second
)

// Event is one entry on the stream.
type Event struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	RowID      string    `json:"row_id,omitempty"`
	SampleID   string    `json:"sample_id,omitempty"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink receives events. Publishing is best effort: a failing sink never
// rolls back a transition that already committed.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards every event. Used when no Redis is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// RedisPublisher appends events to a capped Redis stream with XADD.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger zerolog.Logger
}

// NewRedisPublisher connects to url (redis://...) and verifies it with PING.
func NewRedisPublisher(ctx context.Context, url, stream string, logger zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, stream, logger), nil
}

func NewRedisPublisherWithClient(client *redis.Client, stream string, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: defaultStreamLen,
		logger: logger.With().Str("component", "events").Str("stream", stream).Logger(),
	}
}

// Publish writes e with a short deadline of its own, detached from the
// request so a cancelled request still records what it committed.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishWait)
	defer cancel()

	if _, err := p.publish(ctx, e); err != nil {
		p.logger.Warn().Err(err).Str("type", e.Type).Str("row_id", e.RowID).Msg("failed to publish event")
	}
}

func (p *RedisPublisher) publish(ctx context.Context, e Event) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      e.Type,
			"data":      string(data),
			"timestamp": e.OccurredAt.Unix(),
		},
	}).Result()
}

// Ping reports whether Redis is reachable; used by the readiness probe.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
