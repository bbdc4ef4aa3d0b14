package models

import (
	"fmt"

	"gorm.io/gorm"
)

// freeTierLimits is the default per-period send ceiling per provider for
// users without a purchased plan.
var freeTierLimits = map[string]int{
	"whatsapp":    200,
	"telegram":    200,
	"instagram":   100,
	ProviderEmail: 500,
}

// SeedFreeEntitlements creates the free-tier entitlements for a user. It is
// idempotent: providers that already have a plan entitlement are skipped.
func SeedFreeEntitlements(db *gorm.DB, userID uint) error {
	for provider, limit := range freeTierLimits {
		var existing Entitlement
		err := db.Where("user_id = ? AND provider = ? AND source = ?",
			userID, provider, EntitlementSourcePlan).First(&existing).Error
		if err == nil {
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to check entitlement for %s: %w", provider, err)
		}

		ent := Entitlement{
			UserID:   userID,
			Provider: provider,
			Source:   EntitlementSourcePlan,
			IsActive: true,
			Limits:   MetricMap{LimitMessagesPerPeriod: limit},
		}
		if err := db.Create(&ent).Error; err != nil {
			return fmt.Errorf("failed to seed entitlement for %s: %w", provider, err)
		}
	}
	return nil
}
