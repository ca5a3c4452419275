package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// NotificationService raises operator-facing alerts for pipeline events:
// dead-lettered orders and completed deliveries.
type NotificationService interface {
	NotifyDeadLetter(ctx context.Context, topic string, orderID uint, reason string) error
	NotifyOrderCompleted(ctx context.Context, orderID uint, viewsDelivered uint64) error
}

// WebhookNotificationService posts alerts to a configured webhook endpoint
type WebhookNotificationService struct {
	webhookURL string
	httpClient *http.Client
	logger     *log.Logger
}

// NewWebhookNotificationService creates a webhook-backed notification service.
// An empty URL yields a no-op that only logs.
func NewWebhookNotificationService(webhookURL string, logger *log.Logger) NotificationService {
	return &WebhookNotificationService{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// NotifyDeadLetter reports an order that exhausted its pipeline retries
func (s *WebhookNotificationService) NotifyDeadLetter(ctx context.Context, topic string, orderID uint, reason string) error {
	return s.post(ctx, map[string]any{
		"event":    "order.dead_letter",
		"topic":    topic,
		"order_id": orderID,
		"reason":   reason,
	})
}

// NotifyOrderCompleted reports a fully delivered order
func (s *WebhookNotificationService) NotifyOrderCompleted(ctx context.Context, orderID uint, viewsDelivered uint64) error {
	return s.post(ctx, map[string]any{
		"event":           "order.completed",
		"order_id":        orderID,
		"views_delivered": viewsDelivered,
	})
}

func (s *WebhookNotificationService) post(ctx context.Context, payload map[string]any) error {
	if s.webhookURL == "" {
		s.logger.Printf("notify: %v", payload)
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
