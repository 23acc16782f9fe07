package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"TaskMesh-Chain/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publisher is the subset of *amqp.Channel the mirror needs.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type envelope struct {
	key     string
	payload any
}

// AMQPMirror copies progress events to a RabbitMQ fanout exchange for
// dashboards. Publish only enqueues; a full buffer drops the event.
type AMQPMirror struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
	queue    chan envelope
	dropped  atomic.Int64
	logger   *slog.Logger
}

// MirrorConfig configures NewAMQPMirror.
type MirrorConfig struct {
	URL      string
	Exchange string
	Buffer   int
}

// NewAMQPMirror dials RabbitMQ and declares a durable fanout exchange.
func NewAMQPMirror(cfg MirrorConfig) (*AMQPMirror, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "taskmesh.progress"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	m := newMirror(ch, exchange, cfg.Buffer)
	m.conn = conn
	return m, nil
}

func newMirror(ch publisher, exchange string, buffer int) *AMQPMirror {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AMQPMirror{
		ch:       ch,
		exchange: exchange,
		queue:    make(chan envelope, buffer),
		logger:   logger.Named("events"),
	}
}

// Publish enqueues payload for delivery under routing key key.
func (m *AMQPMirror) Publish(key string, payload any) {
	select {
	case m.queue <- envelope{key: key, payload: payload}:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			m.logger.Warn("progress mirror buffer full, dropping events", slog.Int64("dropped", n))
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (m *AMQPMirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run delivers queued events until ctx is done.
func (m *AMQPMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.queue:
			m.deliver(ctx, env)
		}
	}
}

func (m *AMQPMirror) deliver(ctx context.Context, env envelope) {
	body, err := json.Marshal(env.payload)
	if err != nil {
		m.logger.Warn("encode mirrored event failed", slog.String("key", env.key), slog.Any("error", err))
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = m.ch.PublishWithContext(pubCtx, m.exchange, env.key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("mirror progress event failed", slog.String("key", env.key), slog.Any("error", err))
	}
}

// Close closes the AMQP connection.
func (m *AMQPMirror) Close() error {
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
