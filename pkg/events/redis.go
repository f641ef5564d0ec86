package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "polis-gateway:pipeline-events"

// RedisConfig configures the Redis event sink.
type RedisConfig struct {
	Address        string        `yaml:"address" json:"address"`
	Password       string        `yaml:"password" json:"-"`
	DB             int           `yaml:"db" json:"db"`
	PoolSize       int           `yaml:"pool_size" json:"poolSize"`
	Channel        string        `yaml:"channel" json:"channel"`
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publishTimeout"`
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel so other
// gateway replicas and dashboards can follow pipeline transitions.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}

	return &RedisPublisher{
		rdb:     rdb,
		channel: cfg.Channel,
		timeout: cfg.PublishTimeout,
		logger:  logger,
	}, nil
}

// Channel returns the channel events are published on.
func (p *RedisPublisher) Channel() string { return p.channel }

// Publish sends one event.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.rdb.Publish(ctx, p.channel, data).Err()
}

// OnEvent implements Listener. Publish failures are logged, never returned to
// the manager.
func (p *RedisPublisher) OnEvent(ctx context.Context, event Event) {
	if err := p.Publish(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Warn("failed to publish pipeline event",
			"event_type", event.Type,
			"pipeline_id", event.PipelineID,
			"channel", p.channel,
			"error", err,
		)
	}
}

// Close releases the Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
