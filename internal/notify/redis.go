package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel records are published on when
// none is configured.
const DefaultRedisChannel = "autodeposit:notifications"

// publisher is the subset of redis.UniversalClient used by RedisSink.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes each record as JSON on a Redis pub/sub channel, where
// the external subscription bus picks it up to schedule the next cycle.
type RedisSink struct {
	Client  publisher
	Channel string
}

// NewRedisSink connects a sink to the Redis server described by opt.
func NewRedisSink(opt *redis.Options, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{Client: redis.NewClient(opt), Channel: channel}
}

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis sink: marshal record %s: %w", r.ID, err)
	}
	if err := s.Client.Publish(ctx, s.Channel, b).Err(); err != nil {
		return fmt.Errorf("redis sink: publish record %s: %w", r.ID, err)
	}
	return nil
}

// Close releases the underlying client when it supports closing.
func (s *RedisSink) Close() error {
	if c, ok := s.Client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
