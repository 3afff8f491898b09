// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ManuGH/mixlink/internal/bus"
	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Prefix   string // key and channel prefix (defaults to "mixlink")
}

// RedisSink forwards change notifications to a Redis event bus: every Event
// is PUBLISHed on <prefix>:events and the latest parts per host are kept in
// the hash <prefix>:state:<host>.
type RedisSink struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
	stats  struct {
		published atomic.Int64
		failed    atomic.Int64
	}
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(cfg RedisConfig, logger zerolog.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger = xglog.Component(logger, "redis_sink")
	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str(xglog.FieldEvent, "redis.connected").
		Msg("connected to Redis event sink")

	return newRedisSink(client, cfg.Prefix, logger), nil
}

func newRedisSink(client *redis.Client, prefix string, logger zerolog.Logger) *RedisSink {
	if prefix == "" {
		prefix = "mixlink"
	}
	return &RedisSink{client: client, prefix: prefix, logger: logger}
}

// EventsChannel is the pub/sub channel events are published on.
func (s *RedisSink) EventsChannel() string {
	return s.prefix + ":events"
}

// StateKey is the hash holding the latest parts for host.
func (s *RedisSink) StateKey(host string) string {
	return s.prefix + ":state:" + host
}

// Subscribe registers the sink on the bus. Call it before the first
// observation so no event is missed, then hand the result to Run.
func (s *RedisSink) Subscribe(ctx context.Context, b bus.Bus) (bus.Subscriber, error) {
	sub, err := b.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Topic, err)
	}
	return sub, nil
}

// Run forwards events from sub until ctx is done or sub closes. It closes sub
// on return.
func (s *RedisSink) Run(ctx context.Context, sub bus.Subscriber) error {
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			ev, ok := msg.(Event)
			if !ok {
				continue
			}
			if err := s.Forward(ctx, ev); err != nil {
				s.stats.failed.Add(1)
				s.logger.Warn().
					Err(err).
					Str(xglog.FieldHost, ev.Host).
					Uint64("seq", ev.Seq).
					Str(xglog.FieldEvent, "redis.forward_failed").
					Msg("failed to forward change notification")
			}
		}
	}
}

// Forward writes one event to Redis.
func (s *RedisSink) Forward(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	fields := map[string]any{"seq": ev.Seq}
	if fields["status"], err = json.Marshal(ev.Status); err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if ev.Changed.Roster {
		if fields["inputs"], err = json.Marshal(ev.Inputs); err != nil {
			return fmt.Errorf("marshal inputs: %w", err)
		}
	}
	if ev.Changed.VideoLists {
		if fields["video_lists"], err = json.Marshal(ev.VideoLists); err != nil {
			return fmt.Errorf("marshal video lists: %w", err)
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.HSet(opCtx, s.StateKey(ev.Host), fields)
	pipe.Publish(opCtx, s.EventsChannel(), payload)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	s.stats.published.Add(1)
	return nil
}

// Published returns the number of events forwarded successfully.
func (s *RedisSink) Published() int64 {
	return s.stats.published.Load()
}

// Close releases the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
