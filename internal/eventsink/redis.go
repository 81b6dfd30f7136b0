// Package eventsink publishes kernel events to external observers over
// redis pub/sub. The sink subscribes to the bus wildcard, so it sees
// every event of every kernel; delivery is fire-and-forget and must not
// slow down the execution path.
package eventsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oeway/kernel-engine/internal/config"
	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/logging"
)

const publishTimeout = 2 * time.Second

// RedisSink forwards bus events to one redis channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	subs    []event.Subscription
	bus     *event.Bus

	// queue decouples bus handlers (which must not block) from redis
	// round-trips. Full queue drops the event with a warning.
	queue chan event.Record
	done  chan struct{}
}

// NewRedisSink connects to redis and attaches to the bus. The connection
// is verified with a ping so a misconfigured sink fails at startup, not
// on the first event.
func NewRedisSink(ctx context.Context, cfg config.RedisConfig, bus *event.Bus) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	s := &RedisSink{
		client:  client,
		channel: cfg.Channel,
		bus:     bus,
		queue:   make(chan event.Record, 1024),
		done:    make(chan struct{}),
	}
	s.subs = subscribeAll(bus, s.enqueue)
	go s.pump()

	logging.Op().Info("redis event sink attached",
		"addr", cfg.Addr, "channel", cfg.Channel)
	return s, nil
}

// subscribeAll registers one wildcard handler per published event type.
func subscribeAll(bus *event.Bus, h event.Handler) []event.Subscription {
	types := append([]event.Type{}, event.ExecutionTypes...)
	types = append(types, event.TypeExecutionStalled)
	return bus.SubscribeTypes(event.WildcardKernel, types, h)
}

func (s *RedisSink) enqueue(rec event.Record) {
	select {
	case s.queue <- rec:
	default:
		logging.Op().Warn("redis sink queue full, dropping event",
			"kernel_id", rec.KernelID, "type", string(rec.Type))
	}
}

func (s *RedisSink) pump() {
	for {
		select {
		case rec := <-s.queue:
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
				logging.Op().Warn("redis publish failed", "error", err)
			}
			cancel()
		case <-s.done:
			return
		}
	}
}

// Close detaches from the bus and closes the redis connection.
func (s *RedisSink) Close() error {
	s.bus.UnsubscribeAll(s.subs)
	close(s.done)
	return s.client.Close()
}
