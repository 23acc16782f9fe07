package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"TaskMesh-Chain/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the pub/sub channel shared by all replicas.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
	// Buffer bounds the outgoing notification backlog; extra signals are dropped.
	Buffer int
}

// RedisNotifier propagates wake-up signals between replicas so a subscriber
// attached to one replica sees events appended by another without waiting for
// its poll interval. Local watchers are served by an embedded Bus.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	bus     *Bus
	pending chan string
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisNotifier connects to Redis and starts the publish and subscribe loops.
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "taskmesh:events"
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n := &RedisNotifier{
		client:  client,
		channel: channel,
		bus:     NewBus(),
		pending: make(chan string, buffer),
		logger:  logger.Named("events"),
		cancel:  cancel,
	}
	sub := client.Subscribe(runCtx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	n.wg.Add(2)
	go n.publishLoop(runCtx)
	go n.subscribeLoop(runCtx, sub)
	return n, nil
}

// Notify wakes local watchers immediately and forwards the key to other
// replicas in the background.
func (n *RedisNotifier) Notify(key string) {
	n.bus.Notify(key)
	select {
	case n.pending <- key:
	default:
		n.logger.Debug("event notification dropped", slog.String("key", key))
	}
}

// Watch implements the subscriber side of the signal.
func (n *RedisNotifier) Watch(key string) (<-chan struct{}, func()) {
	return n.bus.Watch(key)
}

func (n *RedisNotifier) publishLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-n.pending:
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := n.client.Publish(pubCtx, n.channel, key).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				n.logger.Warn("publish event notification failed", slog.String("key", key), slog.Any("error", err))
			}
		}
	}
}

func (n *RedisNotifier) subscribeLoop(ctx context.Context, sub *redis.PubSub) {
	defer n.wg.Done()
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
			n.bus.Notify(msg.Payload)
		}
	}
}

// Close stops both loops and closes the client.
func (n *RedisNotifier) Close() error {
	n.cancel()
	n.wg.Wait()
	return n.client.Close()
}
