package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds connection settings for the Redis-backed bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns settings suitable for a local instance.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
}

// Redis is an EventBus over Redis pub/sub. Delivery is at most once per
// subscriber; disconnected subscribers miss messages, which matches the
// broadcaster's contract.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

type redisSub struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedis connects and pings the server before returning.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("redis bus connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &Redis{rdb: rdb, logger: logger.Named("bus.redis")}, nil
}

// Publish sends payload on the Redis channel named topic.
func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

// Subscribe opens a dedicated Redis subscription for topic and pumps messages
// into h until unsubscribed.
func (b *Redis) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: bus is closed", topic)
	}
	pubsub := b.rdb.Subscribe(context.Background(), topic)
	sub := &redisSub{pubsub: pubsub, done: make(chan struct{})}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(msg.Channel, []byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(sub.done)
			if err := pubsub.Close(); err != nil {
				b.logger.Warn("pubsub close failed", zap.String("topic", topic), zap.Error(err))
			}
		})
	}, nil
}

// Close tears down every subscription and the client connection.
func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		select {
		case <-sub.done:
		default:
			close(sub.done)
		}
		sub.pubsub.Close()
	}
	return b.rdb.Close()
}
