// Package bus implements the durable message pipeline on Redis Streams: one
// stream per topic plus a retry and a dead-letter stream, consumer groups with
// manual acknowledgement, and exponential-backoff redelivery.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var deadLettersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_dead_letters_total",
		Help: "Total number of pipeline messages dead-lettered",
	},
	[]string{"topic"},
)

// Topics used by the pipeline
const (
	TopicOrderCreated      = "order.created"
	TopicOrderStateChanged = "order.state.changed"
	TopicVideoProcessing   = "video.processing"
	TopicOfferAssignment   = "offer.assignment"
	TopicInstagramResults  = "instagram.results"
)

const (
	retrySuffix = ".retry"
	dlqSuffix   = ".dlq"

	envelopeField = "envelope"
	orderIDField  = "order_id"
)

// Envelope is the wire format shared by every topic
type Envelope struct {
	MessageID     string           `json:"message_id"`
	OrderID       uint             `json:"order_id"`
	AttemptNumber int              `json:"attempt_number"`
	MaxAttempts   int              `json:"max_attempts"`
	PublishedAt   time.Time        `json:"published_at"`
	ScheduleAt    *time.Time       `json:"schedule_at,omitempty"`
	Payload       json.RawMessage  `json:"payload"`
	Failure       *FailureMetadata `json:"failure,omitempty"`
}

// FailureMetadata records why a message landed on the dead-letter stream
type FailureMetadata struct {
	Reason   string    `json:"reason"`
	Consumer string    `json:"consumer"`
	FailedAt time.Time `json:"failed_at"`
}

// PermanentError marks a handler failure that must go straight to the
// dead-letter stream without redelivery (poison messages).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error so the consumer dead-letters instead of retrying
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether the error refuses redelivery
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Publisher is the narrow interface the flows publish through
type Publisher interface {
	// Publish writes one message to a topic, idempotent by
	// (orderID, attemptNumber).
	Publish(ctx context.Context, topic string, env *Envelope) error
	// Saturated reports whether the topic's backlog exceeds the configured
	// threshold; intake sheds load while it does.
	Saturated(ctx context.Context, topic string) bool
}

// Config tunes the redis-streams bus
type Config struct {
	StreamPrefix        string
	DefaultMaxAttempts  int
	RetryBaseDelay      time.Duration
	DedupTTL            time.Duration
	SaturationThreshold int64
	ReclaimIdle         time.Duration
}

// RedisBus is the Redis Streams implementation of the pipeline bus
type RedisBus struct {
	client redis.UniversalClient
	cfg    Config
	logger *log.Logger
}

// NewRedisBus creates a new bus on the given redis client
func NewRedisBus(client redis.UniversalClient, cfg Config, logger *log.Logger) *RedisBus {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "bus"
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 7 * 24 * time.Hour
	}
	if cfg.SaturationThreshold <= 0 {
		cfg.SaturationThreshold = 10_000
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 5 * time.Minute
	}
	return &RedisBus{client: client, cfg: cfg, logger: logger}
}

// NewEnvelope builds a first-attempt envelope around a payload
func NewEnvelope(orderID uint, maxAttempts int, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Envelope{
		MessageID:     fmt.Sprintf("%d-%d", orderID, time.Now().UnixNano()),
		OrderID:       orderID,
		AttemptNumber: 1,
		MaxAttempts:   maxAttempts,
		PublishedAt:   time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into v
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

func (b *RedisBus) stream(topic string) string {
	return b.cfg.StreamPrefix + ":" + topic
}

func (b *RedisBus) dedupKey(topic string, env *Envelope) string {
	return fmt.Sprintf("%s:dedup:%s:%d:%d", b.cfg.StreamPrefix, topic, env.OrderID, env.AttemptNumber)
}

// Publish writes the envelope to the topic stream. A second publish of the
// same (orderID, attemptNumber) is dropped silently.
func (b *RedisBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = b.cfg.DefaultMaxAttempts
	}

	ok, err := b.client.SetNX(ctx, b.dedupKey(topic, env), 1, b.cfg.DedupTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve dedup key: %w", err)
	}
	if !ok {
		b.logger.Printf("bus: duplicate publish suppressed topic=%s order=%d attempt=%d",
			topic, env.OrderID, env.AttemptNumber)
		return nil
	}

	if err := b.add(ctx, b.stream(topic), env); err != nil {
		// Free the dedup slot so the recovery sweep can republish
		b.client.Del(context.WithoutCancel(ctx), b.dedupKey(topic, env))
		return err
	}
	return nil
}

func (b *RedisBus) add(ctx context.Context, stream string, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			envelopeField: string(raw),
			orderIDField:  env.OrderID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return nil
}

// Saturated compares the topic backlog against the configured threshold
func (b *RedisBus) Saturated(ctx context.Context, topic string) bool {
	length, err := b.client.XLen(ctx, b.stream(topic)).Result()
	if err != nil {
		b.logger.Printf("bus: saturation probe failed topic=%s: %v", topic, err)
		return false
	}
	return length > b.cfg.SaturationThreshold
}

// retryOrDead routes a failed delivery: back to <topic>.retry with an
// exponential schedule while attempts remain, to <topic>.dlq otherwise.
func (b *RedisBus) retryOrDead(ctx context.Context, topic string, env *Envelope, cause error, consumer string) error {
	next := *env
	next.AttemptNumber++
	next.Failure = &FailureMetadata{
		Reason:   cause.Error(),
		Consumer: consumer,
		FailedAt: time.Now().UTC(),
	}

	if next.AttemptNumber > next.MaxAttempts || IsPermanent(cause) {
		b.logger.Printf("bus: dead-lettering topic=%s order=%d attempts=%d reason=%v",
			topic, env.OrderID, env.AttemptNumber, cause)
		deadLettersTotal.WithLabelValues(topic).Inc()
		return b.add(ctx, b.stream(topic+dlqSuffix), &next)
	}

	at := time.Now().UTC().Add(RetryDelay(b.cfg.RetryBaseDelay, env.AttemptNumber))
	next.ScheduleAt = &at
	return b.add(ctx, b.stream(topic+retrySuffix), &next)
}

// DeadLetter places the envelope on the topic's dead-letter stream directly
func (b *RedisBus) DeadLetter(ctx context.Context, topic string, env *Envelope, cause error, consumer string) error {
	next := *env
	next.Failure = &FailureMetadata{
		Reason:   cause.Error(),
		Consumer: consumer,
		FailedAt: time.Now().UTC(),
	}
	return b.add(ctx, b.stream(topic+dlqSuffix), &next)
}

// RetryDelay computes the backoff before redelivery attempt n+1:
// base * 2^(attempt-1).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
