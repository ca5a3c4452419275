package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dlqEntry(t *testing.T, id string, env *Envelope) redis.XMessage {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]any{envelopeField: string(raw)}}
}

func deadEnvelope(t *testing.T, orderID uint, reason string) *Envelope {
	t.Helper()
	env, err := NewEnvelope(orderID, 3, OrderCreatedMessage{OrderID: orderID})
	require.NoError(t, err)
	if reason != "" {
		env.Failure = &FailureMetadata{Reason: reason, Consumer: "worker-1"}
	}
	return env
}

type reportedDeadLetter struct {
	topic   string
	orderID uint
	reason  string
}

func TestDLQMonitorDeliverReportsEveryEntry(t *testing.T) {
	var reports []reportedDeadLetter
	m := &DLQMonitor{
		notify: func(ctx context.Context, topic string, env *Envelope) error {
			reports = append(reports, reportedDeadLetter{topic, env.OrderID, DeadLetterReason(env)})
			return nil
		},
		logger: log.New(io.Discard, "", 0),
	}

	msgs := []redis.XMessage{
		dlqEntry(t, "1-0", deadEnvelope(t, 7, "campaign pool broken")),
		dlqEntry(t, "2-0", deadEnvelope(t, 8, "")),
	}
	last, err := m.deliver(context.Background(), TopicOfferAssignment, msgs)
	require.NoError(t, err)

	// The cursor lands on the newest handled entry
	assert.Equal(t, "2-0", last)
	assert.Equal(t, []reportedDeadLetter{
		{TopicOfferAssignment, 7, "campaign pool broken"},
		{TopicOfferAssignment, 8, "unknown"},
	}, reports)
}

func TestDLQMonitorDeliverStopsOnNotifyFailure(t *testing.T) {
	calls := 0
	m := &DLQMonitor{
		notify: func(ctx context.Context, topic string, env *Envelope) error {
			calls++
			if env.OrderID == 8 {
				return errors.New("webhook down")
			}
			return nil
		},
		logger: log.New(io.Discard, "", 0),
	}

	msgs := []redis.XMessage{
		dlqEntry(t, "1-0", deadEnvelope(t, 7, "x")),
		dlqEntry(t, "2-0", deadEnvelope(t, 8, "y")),
		dlqEntry(t, "3-0", deadEnvelope(t, 9, "z")),
	}
	last, err := m.deliver(context.Background(), TopicOrderCreated, msgs)
	require.Error(t, err)

	// The cursor stays behind the failed entry so the next tick retries it
	assert.Equal(t, "1-0", last)
	assert.Equal(t, 2, calls)
}

func TestDLQMonitorDeliverSkipsMalformedEntries(t *testing.T) {
	var orders []uint
	m := &DLQMonitor{
		notify: func(ctx context.Context, topic string, env *Envelope) error {
			orders = append(orders, env.OrderID)
			return nil
		},
		logger: log.New(io.Discard, "", 0),
	}

	msgs := []redis.XMessage{
		{ID: "1-0", Values: map[string]any{envelopeField: "{broken"}},
		dlqEntry(t, "2-0", deadEnvelope(t, 7, "x")),
	}
	last, err := m.deliver(context.Background(), TopicInstagramResults, msgs)
	require.NoError(t, err)

	// Garbage advances the cursor instead of wedging the monitor
	assert.Equal(t, "2-0", last)
	assert.Equal(t, []uint{7}, orders)
}

func TestDLQCursorStart(t *testing.T) {
	assert.Equal(t, "-", cursorStart(""))
	assert.Equal(t, "(5-1", cursorStart("5-1"))
}
