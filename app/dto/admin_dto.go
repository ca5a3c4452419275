// Package dto contains Data Transfer Objects for API request and response structures
package dto

// AdminLoginRequest represents the operator login payload
type AdminLoginRequest struct {
	Username string `json:"username" validate:"required,min=3,max=255" example:"admin"`
	Password string `json:"password" validate:"required,min=8,max=100" example:"SecurePass123!"`
}

// AdminLoginResponse represents the successful operator login response
type AdminLoginResponse struct {
	Success     bool   `json:"success" example:"true"`
	Message     string `json:"message" example:"Login successful"`
	AccessToken string `json:"access_token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."`
	TokenType   string `json:"token_type" example:"Bearer"`
	ExpiresIn   int    `json:"expires_in" example:"86400"`
}
