package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(42, 3, OrderCreatedMessage{OrderID: 42, Quantity: 1000})
	require.NoError(t, err)

	assert.Equal(t, uint(42), env.OrderID)
	assert.Equal(t, 1, env.AttemptNumber)
	assert.Equal(t, 3, env.MaxAttempts)
	assert.NotEmpty(t, env.MessageID)
	assert.False(t, env.PublishedAt.IsZero())
	assert.Nil(t, env.ScheduleAt)

	var msg OrderCreatedMessage
	require.NoError(t, env.Decode(&msg))
	assert.Equal(t, uint(42), msg.OrderID)
	assert.Equal(t, uint32(1000), msg.Quantity)
}

func TestNewEnvelopeRejectsUnmarshalablePayload(t *testing.T) {
	_, err := NewEnvelope(1, 3, make(chan int))
	assert.Error(t, err)
}

func TestEnvelopeDecodeMismatch(t *testing.T) {
	env, err := NewEnvelope(7, 3, map[string]string{"external_id": "7"})
	require.NoError(t, err)

	var msg InstagramResultMessage
	require.NoError(t, env.Decode(&msg))
	assert.Equal(t, "7", msg.ExternalID)
}

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second

	assert.Equal(t, 30*time.Second, RetryDelay(base, 1))
	assert.Equal(t, 60*time.Second, RetryDelay(base, 2))
	assert.Equal(t, 120*time.Second, RetryDelay(base, 3))

	// Attempts below 1 clamp to the base delay
	assert.Equal(t, 30*time.Second, RetryDelay(base, 0))
	assert.Equal(t, 30*time.Second, RetryDelay(base, -4))
}

func TestPermanentError(t *testing.T) {
	cause := errors.New("poison payload")
	err := Permanent(cause)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "permanent")

	// Wrapping keeps the marker visible
	wrapped := fmt.Errorf("handling failed: %w", err)
	assert.True(t, IsPermanent(wrapped))

	assert.False(t, IsPermanent(cause))
	assert.False(t, IsPermanent(nil))
}
