package services

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(false)
	}

	assert.Equal(t, "open", cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.Record(false)
	cb.Record(false)
	cb.Record(true)
	cb.Record(false)
	cb.Record(false)

	// Never three consecutive failures
	assert.Equal(t, "closed", cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.Record(false)
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)

	// One probe is admitted, a second concurrent call is not
	assert.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// A failed probe snaps the breaker open again
	cb.Record(false)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerRecoversAfterProbeSuccess(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.Record(false)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.Record(true)

	assert.Equal(t, "closed", cb.State())
	assert.NoError(t, cb.Allow())
	assert.NoError(t, cb.Allow())
}

func TestIsRetryableTrackerStatus(t *testing.T) {
	retryable := []int{http.StatusRequestTimeout, http.StatusTeapot, http.StatusTooManyRequests, 500, 502, 503, 504}
	for _, code := range retryable {
		assert.True(t, isRetryableTrackerStatus(code), "status %d", code)
	}

	terminal := []int{400, 401, 403, 409, 422}
	for _, code := range terminal {
		assert.False(t, isRetryableTrackerStatus(code), "status %d", code)
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	for retry := 1; retry <= 10; retry++ {
		delay := backoffWithJitter(time.Second, retry)
		assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
		assert.LessOrEqual(t, delay, 30*time.Second)
	}
}

func newTestTrackerClient(serverURL string) *HTTPTrackerClient {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Timeout: time.Second}
	return NewHTTPTrackerClient(serverURL, "test-key",
		policy, policy, NewCircuitBreaker(100, time.Minute), log.New(testWriter{}, "", 0))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCampaignExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/campaigns/known":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestTrackerClient(server.URL)

	exists, err := client.CampaignExists(context.Background(), "known")
	require.NoError(t, err)
	assert.True(t, exists)

	// 404 means "no", not "error"
	exists, err = client.CampaignExists(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTrackerRetriesTransientFailures(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"clicks":120,"conversions":4,"cost":"1.20","revenue":"2.40"}`))
	}))
	defer server.Close()

	client := newTestTrackerClient(server.URL)

	stats, err := client.GetDetailedStats(context.Background(), "c1", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(120), stats.Clicks)
	assert.Equal(t, "1.2", stats.Cost.String())
}

func TestTrackerGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestTrackerClient(server.URL)

	_, err := client.GetDetailedStats(context.Background(), "c1", time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrackerUnavailable)
	assert.Equal(t, 3, calls)
}

func TestTrackerStopsOnTerminalStatus(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newTestTrackerClient(server.URL)

	err := client.PauseCampaign(context.Background(), "c1", "pause-order-1-campaign-c1")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestTrackerSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyKeyHeader)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"off-1","name":"order-1","url":"https://example.com"}`))
	}))
	defer server.Close()

	client := newTestTrackerClient(server.URL)

	offer, err := client.CreateOffer(context.Background(), "order-1", "https://example.com", "order-1-attempt-1-campaign-c1")
	require.NoError(t, err)
	assert.Equal(t, "order-1-attempt-1-campaign-c1", gotKey)
	assert.Equal(t, "off-1", offer.ID)
}
