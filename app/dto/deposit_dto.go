package dto

// DepositWebhookRequest represents the payment provider's credit callback.
// ProviderReference is the provider-side idempotency handle.
type DepositWebhookRequest struct {
	UserUUID          string `json:"user_uuid" validate:"required,uuid4" example:"550e8400-e29b-41d4-a716-446655440000"`
	Amount            string `json:"amount" validate:"required,max=32" example:"50.00"`
	ProviderReference string `json:"provider_reference" validate:"required,max=128" example:"pay_9f8e7d6c"`
}

// DepositWebhookResponse acknowledges a provider callback
type DepositWebhookResponse struct {
	Success     bool   `json:"success" example:"true"`
	Message     string `json:"message" example:"Deposit credited"`
	DepositUUID string `json:"deposit_uuid" example:"550e8400-e29b-41d4-a716-446655440000"`
}
