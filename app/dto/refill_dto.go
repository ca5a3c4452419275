package dto

// RefillResponse represents the successful refill creation response
type RefillResponse struct {
	Success      bool     `json:"success" example:"true"`
	Message      string   `json:"message" example:"Refill created"`
	RefillNumber int      `json:"refill_number" example:"1"`
	Order        OrderDTO `json:"order"`
}
