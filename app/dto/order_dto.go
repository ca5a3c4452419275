package dto

// CreateOrderRequest represents the order placement payload. UserID is filled
// from the authenticated API key, not the request body.
type CreateOrderRequest struct {
	UserID        uint    `json:"-"`
	ServiceUUID   string  `json:"service_uuid" validate:"required,uuid4" example:"550e8400-e29b-41d4-a716-446655440000"`
	Link          string  `json:"link" validate:"required,url,max=2048" example:"https://www.youtube.com/watch?v=dQw4w9WgXcQ"`
	Quantity      uint32  `json:"quantity" validate:"required,min=1" example:"1000"`
	TargetCountry *string `json:"target_country,omitempty" validate:"omitempty,max=64" example:"US"`
	BudgetLimit   *string `json:"budget_limit,omitempty" validate:"omitempty,max=32" example:"25.00"`
}

// CreateOrderResponse represents the successful order placement response
type CreateOrderResponse struct {
	Success bool     `json:"success" example:"true"`
	Message string   `json:"message" example:"Order placed successfully"`
	Order   OrderDTO `json:"order"`
}

// OrderDTO represents one order in API responses
type OrderDTO struct {
	UUID           string  `json:"uuid" example:"550e8400-e29b-41d4-a716-446655440000"`
	Link           string  `json:"link" example:"https://www.youtube.com/watch?v=dQw4w9WgXcQ"`
	Quantity       uint32  `json:"quantity" example:"1000"`
	Charge         string  `json:"charge" example:"12.50"`
	StartCount     uint64  `json:"start_count" example:"45210"`
	Remains        uint32  `json:"remains" example:"400"`
	ViewsDelivered uint64  `json:"views_delivered" example:"600"`
	Status         string  `json:"status" example:"active"`
	TrafficStatus  string  `json:"traffic_status" example:"running"`
	Coefficient    float64 `json:"coefficient,omitempty" example:"1.2"`
	IsRefill       bool    `json:"is_refill" example:"false"`
	CreatedAt      string  `json:"created_at" example:"2024-01-15T10:30:00Z"`
	TargetCountry  string  `json:"target_country,omitempty" example:"US"`
	BudgetLimit    string  `json:"budget_limit,omitempty" example:"25.00"`
}

// GetBalanceResponse represents the caller's ledger balance
type GetBalanceResponse struct {
	Balance  string `json:"balance" example:"104.75"`
	Currency string `json:"currency" example:"USD"`
}
