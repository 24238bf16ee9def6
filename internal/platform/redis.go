package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/etsi014/kme/pkg/keyrecord"
)

// NewRedisClient creates a Redis client from the given URL.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}

// PoolHealthEvent is the JSON shape published to the pool health channel.
type PoolHealthEvent struct {
	MasterSAEID  string           `json:"master_sae_id"`
	SlaveSAEID   string           `json:"slave_sae_id"`
	Health       keyrecord.Health `json:"health"`
	CurrentCount int              `json:"current_count"`
}

// RedisPoolPublisher publishes pool health transitions to a Redis pub/sub
// channel so other interested processes (dashboards, alert routers) can
// observe pool state without polling /kme/pool/status. Implements
// pool.EventPublisher.
type RedisPoolPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPoolPublisher creates a RedisPoolPublisher.
func NewRedisPoolPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPoolPublisher {
	return &RedisPoolPublisher{client: client, channel: channel, logger: logger}
}

// PublishHealth implements pool.EventPublisher.
func (p *RedisPoolPublisher) PublishHealth(ctx context.Context, pair keyrecord.Pair, health keyrecord.Health, currentCount int) {
	payload, err := json.Marshal(PoolHealthEvent{
		MasterSAEID:  pair.MasterSAEID,
		SlaveSAEID:   pair.SlaveSAEID,
		Health:       health,
		CurrentCount: currentCount,
	})
	if err != nil {
		p.logger.Error("marshalling pool health event", "error", err)
		return
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Error("publishing pool health event", "error", err, "channel", p.channel)
	}
}
