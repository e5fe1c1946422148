package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPrefix = "roomcast:"

// RedisBroker publishes envelopes on Redis channels so every instance's hub
// sees them.
type RedisBroker struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewRedisBroker parses url and verifies the server is reachable.
func NewRedisBroker(ctx context.Context, url string, log *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBroker{rdb: rdb, log: log}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, redisPrefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Relay subscribes to every roomcast channel and forwards messages to hub
// until ctx ends. The subscription is confirmed before Relay returns; the
// returned channel closes when forwarding stops.
func (b *RedisBroker) Relay(ctx context.Context, hub *Hub) (<-chan struct{}, error) {
	sub := b.rdb.PSubscribe(ctx, redisPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				channel := strings.TrimPrefix(msg.Channel, redisPrefix)
				n := hub.Deliver(channel, []byte(msg.Payload))
				b.log.Debug("relayed realtime event", zap.String("channel", channel), zap.Int("clients", n))
			}
		}
	}()
	return done, nil
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }
