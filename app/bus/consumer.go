package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one delivered envelope. A nil return acknowledges the
// message; an error routes it to retry, or straight to the dead-letter stream
// when wrapped with Permanent.
type Handler func(ctx context.Context, env *Envelope) error

// Consumer reads one topic through a consumer group with manual acks
type Consumer struct {
	bus     *RedisBus
	topic   string
	group   string
	name    string
	handler Handler

	batchSize int64
	block     time.Duration
	logger    *log.Logger
}

// NewConsumer creates a consumer bound to a group on one topic
func NewConsumer(b *RedisBus, topic, group, name string, handler Handler, logger *log.Logger) *Consumer {
	return &Consumer{
		bus:       b,
		topic:     topic,
		group:     group,
		name:      name,
		handler:   handler,
		batchSize: 16,
		block:     5 * time.Second,
		logger:    logger,
	}
}

// Run consumes until the context is cancelled
func (c *Consumer) Run(ctx context.Context) {
	if err := c.ensureGroup(ctx); err != nil {
		c.logger.Printf("bus: consumer %s/%s failed to create group: %v", c.topic, c.group, err)
		return
	}

	c.logger.Printf("bus: consumer %s/%s/%s started", c.topic, c.group, c.name)

	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("bus: consumer %s/%s/%s stopped", c.topic, c.group, c.name)
			return
		default:
		}

		c.reclaim(ctx)

		batch := c.batchSize
		if c.bus.Saturated(ctx, c.topic) {
			// Under backlog pressure, smaller batches keep redelivery latency bounded
			batch = c.batchSize / 2
			if batch < 1 {
				batch = 1
			}
		}

		streams, err := c.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.bus.stream(c.topic), ">"},
			Count:    batch,
			Block:    c.block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.logger.Printf("bus: consumer %s/%s read failed: %v", c.topic, c.group, err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.process(ctx, msg)
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.bus.client.XGroupCreateMkStream(ctx, c.bus.stream(c.topic), c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// reclaim takes over messages stuck with dead consumers of the same group
func (c *Consumer) reclaim(ctx context.Context) {
	msgs, _, err := c.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.bus.stream(c.topic),
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.bus.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			c.logger.Printf("bus: consumer %s/%s autoclaim failed: %v", c.topic, c.group, err)
		}
		return
	}
	for _, msg := range msgs {
		c.process(ctx, msg)
	}
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	env, err := parseEnvelope(msg)
	if err != nil {
		// Unparseable entries can never succeed; drop them with a trace
		c.logger.Printf("bus: consumer %s/%s dropping malformed message %s: %v",
			c.topic, c.group, msg.ID, err)
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.handler(ctx, env); err != nil {
		if rerr := c.bus.retryOrDead(ctx, c.topic, env, err, c.name); rerr != nil {
			// Leave unacked so XAUTOCLAIM redelivers it later
			c.logger.Printf("bus: consumer %s/%s failed to reroute order %d: %v",
				c.topic, c.group, env.OrderID, rerr)
			return
		}
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.bus.client.XAck(ctx, c.bus.stream(c.topic), c.group, id).Err(); err != nil {
		c.logger.Printf("bus: consumer %s/%s ack failed for %s: %v", c.topic, c.group, id, err)
	}
}

func parseEnvelope(msg redis.XMessage) (*Envelope, error) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		return nil, errors.New("stream entry has no envelope field")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	return &env, nil
}
