package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/rewired-gh/sigwatch/internal/logger"
	"github.com/rewired-gh/sigwatch/internal/models"
)

const latestTTL = 24 * time.Hour

// RedisConfig configures the Redis signal stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisSink appends signals to a Redis stream, keeps the latest signal per
// instrument, and publishes on a pub/sub channel named after the stream.
type RedisSink struct {
	client *goredis.Client
	stream string
	maxLen int64
}

// ConnectRedis creates a client for cfg and pings the server.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("Connected to redis at %s, stream %s", cfg.Addr, cfg.Stream)
	return NewRedisSink(client, cfg.Stream, cfg.MaxLen), nil
}

func NewRedisSink(client *goredis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisSink) Name() string { return "redis" }

// LatestKey is the key holding the newest signal for instrument.
func (r *RedisSink) LatestKey(instrument string) string {
	return r.stream + ":latest:" + instrument
}

func (r *RedisSink) Publish(ctx context.Context, sig models.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":       data,
			"instrument": sig.Instrument,
			"direction":  string(sig.Direction),
			"strength":   sig.Strength.String(),
		},
	})
	pipe.Set(ctx, r.LatestKey(sig.Instrument), data, latestTTL)
	pipe.Publish(ctx, r.stream, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (r *RedisSink) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
