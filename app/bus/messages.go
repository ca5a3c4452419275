package bus

// OrderCreatedMessage announces a freshly inserted order to the video worker
type OrderCreatedMessage struct {
	OrderID   uint   `json:"order_id"`
	OrderUUID string `json:"order_uuid"`
	UserID    uint   `json:"user_id"`
	ServiceID uint   `json:"service_id"`
	Link      string `json:"link"`
	Quantity  uint32 `json:"quantity"`
	IsRefill  bool   `json:"is_refill"`
}

// OrderStateChangedMessage mirrors an order status transition onto the bus
type OrderStateChangedMessage struct {
	OrderID   uint   `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// VideoProcessingMessage reports video worker progress for observability consumers
type VideoProcessingMessage struct {
	OrderID     uint   `json:"order_id"`
	Status      string `json:"status"`
	ClipCreated bool   `json:"clip_created"`
	TargetURL   string `json:"target_url,omitempty"`
}

// OfferAssignmentMessage hands a prepared order to the campaign assigner
type OfferAssignmentMessage struct {
	OrderID   uint    `json:"order_id"`
	TargetURL string  `json:"target_url"`
	Geo       *string `json:"geo,omitempty"`
}

// InstagramResultMessage is the external bot's delivery report, keyed by
// externalId = order id.
type InstagramResultMessage struct {
	ExternalID     string `json:"external_id"`
	Status         string `json:"status"`
	StartCount     uint64 `json:"start_count"`
	CurrentCount   uint64 `json:"current_count"`
	CompletedCount uint32 `json:"completed_count"`
	FailedCount    uint32 `json:"failed_count"`
}
