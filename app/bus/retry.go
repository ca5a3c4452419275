package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryPump moves due entries from each <topic>.retry stream back onto the
// main topic stream. One pump instance serves the whole deployment; running
// more is harmless because XDEL makes the move race-safe enough for
// at-least-once semantics.
type RetryPump struct {
	bus      *RedisBus
	topics   []string
	interval time.Duration
	logger   *log.Logger
}

// NewRetryPump creates a pump over the given topics
func NewRetryPump(b *RedisBus, topics []string, interval time.Duration, logger *log.Logger) *RetryPump {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RetryPump{bus: b, topics: topics, interval: interval, logger: logger}
}

// Run pumps until the context is cancelled
func (p *RetryPump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Printf("bus: retry pump started interval=%s topics=%d", p.interval, len(p.topics))

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("bus: retry pump stopped")
			return
		case <-ticker.C:
			for _, topic := range p.topics {
				p.drain(ctx, topic)
			}
		}
	}
}

func (p *RetryPump) drain(ctx context.Context, topic string) {
	retryStream := p.bus.stream(topic + retrySuffix)

	msgs, err := p.bus.client.XRangeN(ctx, retryStream, "-", "+", 128).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			p.logger.Printf("bus: retry pump read failed topic=%s: %v", topic, err)
		}
		return
	}

	now := time.Now().UTC()
	for _, msg := range msgs {
		raw, ok := msg.Values[envelopeField].(string)
		if !ok {
			p.bus.client.XDel(ctx, retryStream, msg.ID)
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			p.logger.Printf("bus: retry pump dropping malformed entry %s on %s: %v", msg.ID, retryStream, err)
			p.bus.client.XDel(ctx, retryStream, msg.ID)
			continue
		}
		if env.ScheduleAt != nil && env.ScheduleAt.After(now) {
			continue
		}

		env.ScheduleAt = nil
		if err := p.bus.add(ctx, p.bus.stream(topic), &env); err != nil {
			p.logger.Printf("bus: retry pump redelivery failed topic=%s order=%d: %v", topic, env.OrderID, err)
			continue
		}
		p.bus.client.XDel(ctx, retryStream, msg.ID)
		p.logger.Printf("bus: redelivered topic=%s order=%d attempt=%d", topic, env.OrderID, env.AttemptNumber)
	}
}
