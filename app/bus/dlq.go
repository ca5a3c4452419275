package bus

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetterFunc reports one dead-lettered envelope to the operator channel
type DeadLetterFunc func(ctx context.Context, topic string, env *Envelope) error

// DLQMonitor watches each <topic>.dlq stream and hands new arrivals to the
// notification callback. Entries stay on the stream for inspection; a
// per-topic cursor in redis keeps restarts from re-alerting old ones.
type DLQMonitor struct {
	bus      *RedisBus
	topics   []string
	notify   DeadLetterFunc
	interval time.Duration
	logger   *log.Logger
}

// NewDLQMonitor creates a monitor over the given topics
func NewDLQMonitor(b *RedisBus, topics []string, notify DeadLetterFunc, interval time.Duration, logger *log.Logger) *DLQMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DLQMonitor{bus: b, topics: topics, notify: notify, interval: interval, logger: logger}
}

// Run drains until the context is cancelled
func (m *DLQMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Printf("bus: dlq monitor started interval=%s topics=%d", m.interval, len(m.topics))

	for {
		select {
		case <-ctx.Done():
			m.logger.Printf("bus: dlq monitor stopped")
			return
		case <-ticker.C:
			for _, topic := range m.topics {
				m.drain(ctx, topic)
			}
		}
	}
}

func (m *DLQMonitor) cursorKey(topic string) string {
	return m.bus.cfg.StreamPrefix + ":dlq-cursor:" + topic
}

func (m *DLQMonitor) drain(ctx context.Context, topic string) {
	cursor, err := m.bus.client.Get(ctx, m.cursorKey(topic)).Result()
	if err != nil && err != redis.Nil {
		if ctx.Err() == nil {
			m.logger.Printf("bus: dlq monitor cursor read failed topic=%s: %v", topic, err)
		}
		return
	}

	msgs, err := m.bus.client.XRangeN(ctx, m.bus.stream(topic+dlqSuffix), cursorStart(cursor), "+", 128).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			m.logger.Printf("bus: dlq monitor read failed topic=%s: %v", topic, err)
		}
		return
	}

	last, derr := m.deliver(ctx, topic, msgs)
	if last != "" {
		if err := m.bus.client.Set(ctx, m.cursorKey(topic), last, 0).Err(); err != nil {
			m.logger.Printf("bus: dlq monitor cursor write failed topic=%s: %v", topic, err)
		}
	}
	if derr != nil {
		m.logger.Printf("bus: dlq monitor notification failed topic=%s, retrying next tick: %v", topic, derr)
	}
}

// deliver reports the entries in order and returns the id of the last one
// handled. A notification failure stops the walk so the next tick resumes
// right behind the cursor.
func (m *DLQMonitor) deliver(ctx context.Context, topic string, msgs []redis.XMessage) (string, error) {
	var last string
	for _, msg := range msgs {
		env, err := parseEnvelope(msg)
		if err != nil {
			m.logger.Printf("bus: dlq monitor skipping malformed entry %s on %s: %v", msg.ID, topic, err)
			last = msg.ID
			continue
		}
		if err := m.notify(ctx, topic, env); err != nil {
			return last, err
		}
		m.logger.Printf("bus: dead letter reported topic=%s order=%d attempts=%d reason=%s",
			topic, env.OrderID, env.AttemptNumber, DeadLetterReason(env))
		last = msg.ID
	}
	return last, nil
}

// cursorStart converts a stored cursor into an exclusive XRANGE start bound
func cursorStart(cursor string) string {
	if cursor == "" {
		return "-"
	}
	return "(" + cursor
}

// DeadLetterReason extracts the recorded failure reason, if any
func DeadLetterReason(env *Envelope) string {
	if env.Failure == nil || env.Failure.Reason == "" {
		return "unknown"
	}
	return env.Failure.Reason
}
