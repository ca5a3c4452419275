package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Tracker error constants
var (
	ErrTrackerGone        = errors.New("tracker resource does not exist")
	ErrTrackerUnavailable = errors.New("tracker unavailable")
	ErrCircuitOpen        = errors.New("tracker circuit breaker is open")
)

// IdempotencyKeyHeader carries the orderId:attemptNumber key on tracker writes
const IdempotencyKeyHeader = "X-Idempotency-Key"

// CampaignStats is the tracker's per-campaign counters snapshot
type CampaignStats struct {
	Clicks      uint64          `json:"clicks"`
	Conversions uint64          `json:"conversions"`
	Cost        decimal.Decimal `json:"cost"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// Offer is a tracker-side landing target
type Offer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TrackerClient talks to the external click-tracker panel
type TrackerClient interface {
	CampaignExists(ctx context.Context, campaignID string) (bool, error)
	GetDetailedStats(ctx context.Context, campaignID string, from, to time.Time) (*CampaignStats, error)
	PauseCampaign(ctx context.Context, campaignID, idempotencyKey string) error
	ListOffers(ctx context.Context) ([]Offer, error)
	CreateOffer(ctx context.Context, name, targetURL, idempotencyKey string) (*Offer, error)
	UpdateOffer(ctx context.Context, offerID, targetURL, idempotencyKey string) error
	SetClickCost(ctx context.Context, campaignID string, cost decimal.Decimal, idempotencyKey string) error
}

// RetryPolicy bounds one class of tracker calls
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

// DefaultReadPolicy suits idempotent reads: more attempts, short backoff
func DefaultReadPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 250 * time.Millisecond, Timeout: 5 * time.Second}
}

// DefaultWritePolicy suits side-effecting calls: fewer attempts, longer backoff
func DefaultWritePolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, Timeout: 15 * time.Second}
}

// CircuitBreaker protects the tracker from hammering while it is down.
// All reads and writes share one breaker because they share the upstream.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	coolDown         time.Duration

	failures    int
	state       breakerState
	openedAt    time.Time
	halfOpenTry bool
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes again after coolDown.
func NewCircuitBreaker(failureThreshold int, coolDown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, coolDown: coolDown}
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(cb.openedAt) >= cb.coolDown {
			cb.state = breakerHalfOpen
			cb.halfOpenTry = false
		} else {
			return ErrCircuitOpen
		}
		fallthrough
	default: // half-open: admit a single probe
		if cb.halfOpenTry {
			return ErrCircuitOpen
		}
		cb.halfOpenTry = true
		return nil
	}
}

// Record feeds a call outcome back into the breaker
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failures = 0
		cb.state = breakerClosed
		return
	}

	cb.failures++
	if cb.state == breakerHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = breakerOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current breaker state for metrics
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// HTTPTrackerClient is the HTTP implementation of TrackerClient
type HTTPTrackerClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	breaker     *CircuitBreaker
	readPolicy  RetryPolicy
	writePolicy RetryPolicy
	logger      *log.Logger
}

// NewHTTPTrackerClient creates a tracker client over HTTP
func NewHTTPTrackerClient(baseURL, apiKey string, readPolicy, writePolicy RetryPolicy, breaker *CircuitBreaker, logger *log.Logger) *HTTPTrackerClient {
	return &HTTPTrackerClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		breaker:     breaker,
		readPolicy:  readPolicy,
		writePolicy: writePolicy,
		logger:      logger,
	}
}

// CampaignExists performs a read-policy existence probe
func (c *HTTPTrackerClient) CampaignExists(ctx context.Context, campaignID string) (bool, error) {
	err := c.call(ctx, http.MethodGet, "/api/campaigns/"+url.PathEscape(campaignID), nil, "", c.readPolicy, nil)
	if err != nil {
		if errors.Is(err, ErrTrackerGone) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetDetailedStats pulls the campaign counters for a time window
func (c *HTTPTrackerClient) GetDetailedStats(ctx context.Context, campaignID string, from, to time.Time) (*CampaignStats, error) {
	path := fmt.Sprintf("/api/campaigns/%s/stats?from=%s&to=%s",
		url.PathEscape(campaignID), from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	var stats CampaignStats
	if err := c.call(ctx, http.MethodGet, path, nil, "", c.readPolicy, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// PauseCampaign stops traffic on a campaign
func (c *HTTPTrackerClient) PauseCampaign(ctx context.Context, campaignID, idempotencyKey string) error {
	path := fmt.Sprintf("/api/campaigns/%s/pause", url.PathEscape(campaignID))
	return c.call(ctx, http.MethodPost, path, nil, idempotencyKey, c.writePolicy, nil)
}

// ListOffers returns all offers of the account
func (c *HTTPTrackerClient) ListOffers(ctx context.Context) ([]Offer, error) {
	var offers []Offer
	if err := c.call(ctx, http.MethodGet, "/api/offers", nil, "", c.readPolicy, &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

// CreateOffer registers a new landing target
func (c *HTTPTrackerClient) CreateOffer(ctx context.Context, name, targetURL, idempotencyKey string) (*Offer, error) {
	body := map[string]string{"name": name, "url": targetURL}
	var offer Offer
	if err := c.call(ctx, http.MethodPost, "/api/offers", body, idempotencyKey, c.writePolicy, &offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

// UpdateOffer repoints an existing offer
func (c *HTTPTrackerClient) UpdateOffer(ctx context.Context, offerID, targetURL, idempotencyKey string) error {
	body := map[string]string{"url": targetURL}
	return c.call(ctx, http.MethodPut, "/api/offers/"+url.PathEscape(offerID), body, idempotencyKey, c.writePolicy, nil)
}

// SetClickCost updates the campaign's cost-per-click
func (c *HTTPTrackerClient) SetClickCost(ctx context.Context, campaignID string, cost decimal.Decimal, idempotencyKey string) error {
	body := map[string]string{"click_cost": cost.String()}
	path := fmt.Sprintf("/api/campaigns/%s/cost", url.PathEscape(campaignID))
	return c.call(ctx, http.MethodPut, path, body, idempotencyKey, c.writePolicy, nil)
}

// call executes one logical tracker operation under the shared breaker and
// the supplied retry policy. Exponential backoff with full jitter between
// attempts, per-attempt timeout from the policy.
func (c *HTTPTrackerClient) call(ctx context.Context, method, path string, body any, idempotencyKey string, policy RetryPolicy, out any) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffWithJitter(policy.BaseDelay, attempt-1)
			c.logger.Printf("tracker: retry %d/%d for %s %s (waiting %s)", attempt, policy.MaxAttempts, method, path, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.breaker.Allow(); err != nil {
			return err
		}

		retryable, err := c.attempt(ctx, method, path, body, idempotencyKey, policy.Timeout, out)
		c.breaker.Record(err == nil)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %s %s failed after %d attempts: %v", ErrTrackerUnavailable, method, path, policy.MaxAttempts, lastErr)
}

// attempt performs a single HTTP exchange; the bool reports retryability
func (c *HTTPTrackerClient) attempt(ctx context.Context, method, path string, body any, idempotencyKey string, timeout time.Duration, out any) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return false, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Network and timeout errors are transient
		return true, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return false, fmt.Errorf("tracker: failed to decode response: %w", err)
			}
		}
		return false, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return false, ErrTrackerGone
	}
	return isRetryableTrackerStatus(resp.StatusCode),
		fmt.Errorf("tracker: %s %s returned status %d", method, path, resp.StatusCode)
}

// isRetryableTrackerStatus classifies tracker status codes: 429, 418, 408 and
// all 5xx retry; other 4xx are terminal.
func isRetryableTrackerStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusTeapot, http.StatusRequestTimeout:
		return true
	}
	return statusCode >= 500
}

// backoffWithJitter computes random(100ms, base * 2^(retry-1)) capped at 30 s
func backoffWithJitter(base time.Duration, retry int) time.Duration {
	expDelay := float64(base) * math.Pow(2, float64(retry-1))
	if expDelay > float64(30*time.Second) {
		expDelay = float64(30 * time.Second)
	}
	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}
