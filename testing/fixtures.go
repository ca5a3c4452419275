// Package testing provides test utilities and database setup for integration tests
package testing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/mstolbov/viewboost/models"
	"github.com/mstolbov/viewboost/utils"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateTestUser creates a user with a balance and a usable API key.
// The plaintext key is returned alongside the row; only the digest is stored.
func (tf *TestFixtures) CreateTestUser(balance string) (*models.User, string, error) {
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, "", fmt.Errorf("invalid balance %q: %w", balance, err)
	}

	suffix := fmt.Sprintf("%09d", rand.Intn(900000000)+100000000)
	apiKey := fmt.Sprintf("vb_test_%s", suffix)
	digest := sha256.Sum256([]byte(apiKey))
	digestHex := hex.EncodeToString(digest[:])

	user := &models.User{
		UUID:         uuid.New(),
		Username:     fmt.Sprintf("user_%s", suffix),
		Email:        fmt.Sprintf("user.%s@example.com", suffix),
		Role:         models.UserRoleUser,
		Balance:      amount,
		APIKeyDigest: &digestHex,
		IsActive:     utils.ToPtr(true),
	}

	if err := tf.DB.DB.Create(user).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create test user: %w", err)
	}
	return user, apiKey, nil
}

// CreateTestAdmin creates an operator account; the plaintext password is returned
func (tf *TestFixtures) CreateTestAdmin() (*models.Admin, string, error) {
	password := "TestPass123!"
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	admin := &models.Admin{
		UUID:         uuid.New(),
		Username:     fmt.Sprintf("admin_%06d", rand.Intn(900000)+100000),
		PasswordHash: string(hashed),
		IsActive:     utils.ToPtr(true),
	}

	if err := tf.DB.DB.Create(admin).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create test admin: %w", err)
	}
	return admin, password, nil
}

// CreateTestService creates a catalog entry priced at 2.50 per thousand
func (tf *TestFixtures) CreateTestService(category models.ServiceCategory, clipEnabled bool) (*models.Service, error) {
	service := &models.Service{
		UUID:                uuid.New(),
		Name:                fmt.Sprintf("Test %s", category),
		Category:            category,
		MinOrderQty:         100,
		MaxOrderQty:         1_000_000,
		PricePerThousand:    decimal.RequireFromString("2.50"),
		ClipCreationEnabled: utils.ToPtr(clipEnabled),
		IsActive:            utils.ToPtr(true),
	}

	if err := tf.DB.DB.Create(service).Error; err != nil {
		return nil, fmt.Errorf("failed to create test service: %w", err)
	}
	return service, nil
}

// CreateTestCoefficient creates the clicks-to-views multiplier for one service/mode
func (tf *TestFixtures) CreateTestCoefficient(serviceID uint, mode models.ClipMode, value float64) (*models.CoefficientEntry, error) {
	entry := &models.CoefficientEntry{
		ServiceID:   serviceID,
		Mode:        mode,
		Coefficient: value,
	}

	if err := tf.DB.DB.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to create test coefficient: %w", err)
	}
	return entry, nil
}

// CreateTestOrder creates an order in the given status for the user and service
func (tf *TestFixtures) CreateTestOrder(userID, serviceID uint, quantity uint32, status models.OrderStatus) (*models.Order, error) {
	order := &models.Order{
		UUID:      uuid.New(),
		UserID:    userID,
		ServiceID: serviceID,
		Link:      "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Quantity:  quantity,
		Charge:    decimal.RequireFromString("2.50"),
		Remains:   quantity,
		Status:    status,
		IsRefill:  utils.ToPtr(false),
	}

	if err := tf.DB.DB.Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create test order: %w", err)
	}
	return order, nil
}

// CreateTestCampaignPool creates the fixed campaign pool the assigner expects:
// exactly models.ActiveFixedCampaignCount active campaigns with distinct priorities.
func (tf *TestFixtures) CreateTestCampaignPool() ([]*models.FixedCampaign, error) {
	campaigns := make([]*models.FixedCampaign, 0, models.ActiveFixedCampaignCount)
	for i := 0; i < models.ActiveFixedCampaignCount; i++ {
		c := &models.FixedCampaign{
			ExternalCampaignID: fmt.Sprintf("ext-%d-%06d", i+1, rand.Intn(900000)+100000),
			Name:               fmt.Sprintf("Pool campaign %d", i+1),
			Priority:           i + 1,
			Weight:             1,
			IsActive:           utils.ToPtr(true),
		}
		if err := tf.DB.DB.Create(c).Error; err != nil {
			return nil, fmt.Errorf("failed to create test campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

// CreateTestYouTubeAccount creates a clip-pool account with free daily quota
func (tf *TestFixtures) CreateTestYouTubeAccount() (*models.YouTubeAccount, error) {
	account := &models.YouTubeAccount{
		CredentialRef: fmt.Sprintf("vault://youtube/%06d", rand.Intn(900000)+100000),
		Status:        models.YouTubeAccountStatusActive,
		DailyLimit:    10,
	}

	if err := tf.DB.DB.Create(account).Error; err != nil {
		return nil, fmt.Errorf("failed to create test youtube account: %w", err)
	}
	return account, nil
}
