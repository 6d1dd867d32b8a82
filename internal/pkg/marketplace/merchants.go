package marketplace

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/HookFox/app/models"
)

var onboardingStateStatus = map[string]string{
	"APPROVED":         models.OnboardingStatusApproved,
	"REJECTED":         models.OnboardingStatusRejected,
	"PROVISIONING":     models.OnboardingStatusPending,
	"UPDATE_REQUESTED": models.OnboardingStatusActionRequired,
}

// OnboardingStatusForState maps a provider onboarding state to a status.
func OnboardingStatusForState(state string) (string, bool) {
	status, ok := onboardingStateStatus[strings.ToUpper(strings.TrimSpace(state))]
	return status, ok
}

// MerchantUpdate is the onboarding state reported by one merchant event.
type MerchantUpdate struct {
	MerchantID        string
	IdentityID        string
	State             string
	ProcessingEnabled bool
	ChangedAt         time.Time
}

// MerchantStore applies onboarding events to merchants.
type MerchantStore struct {
	db *gorm.DB
}

func NewMerchantStore(db *gorm.DB) *MerchantStore {
	return &MerchantStore{db: db}
}

// UpdateOnboardingStatus upserts the merchant and applies the state unless a
// newer state was already recorded. It reports whether the row changed.
func (s *MerchantStore) UpdateOnboardingStatus(ctx context.Context, u MerchantUpdate) (bool, error) {
	if u.MerchantID == "" {
		return false, errors.New("merchant id is required")
	}
	status, ok := OnboardingStatusForState(u.State)
	if !ok {
		status = models.OnboardingStatusPending
	}
	changedAt := u.ChangedAt.UTC()

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := &models.Merchant{
			ProviderMerchantID: u.MerchantID,
			IdentityID:         u.IdentityID,
			OnboardingStatus:   status,
			ProviderState:      strings.ToUpper(u.State),
			ProcessingEnabled:  u.ProcessingEnabled,
			StateChangedAt:     &changedAt,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_merchant_id"}},
			DoNothing: true,
		}).Create(seed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
			return nil
		}

		updates := map[string]interface{}{
			"onboarding_status":  status,
			"provider_state":     strings.ToUpper(u.State),
			"processing_enabled": u.ProcessingEnabled,
			"state_changed_at":   changedAt,
			"updated_at":         time.Now().UTC(),
		}
		if u.IdentityID != "" {
			updates["identity_id"] = u.IdentityID
		}
		res = tx.Model(&models.Merchant{}).
			Where("provider_merchant_id = ?", u.MerchantID).
			Where("state_changed_at IS NULL OR state_changed_at < ?", changedAt).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0
		return nil
	})
	return changed, err
}

// GetByProviderID loads a merchant.
func (s *MerchantStore) GetByProviderID(ctx context.Context, merchantID string) (*models.Merchant, error) {
	var m models.Merchant
	if err := s.db.WithContext(ctx).Where("provider_merchant_id = ?", merchantID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
