package models

import "time"

const (
	OnboardingStatusPending        = "pending"
	OnboardingStatusActionRequired = "action_required"
	OnboardingStatusApproved       = "approved"
	OnboardingStatusRejected       = "rejected"
)

// Merchant tracks the payment provider's onboarding decision for a seller.
type Merchant struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	ProviderMerchantID string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"provider_merchant_id"`
	IdentityID         string     `gorm:"type:varchar(191);index" json:"identity_id"`
	OnboardingStatus   string     `gorm:"type:varchar(32);not null;default:'pending';index" json:"onboarding_status"`
	ProviderState      string     `gorm:"type:varchar(64)" json:"provider_state"`
	ProcessingEnabled  bool       `gorm:"default:false" json:"processing_enabled"`
	StateChangedAt     *time.Time `gorm:"type:timestamp;default:null" json:"state_changed_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
