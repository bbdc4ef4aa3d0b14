package models

import (
	"gorm.io/gorm"
)

// User represents a user account in the system
type User struct {
	gorm.Model

	Email         string `gorm:"uniqueIndex;not null" json:"email"`
	EmailVerified bool   `gorm:"default:false" json:"email_verified"`

	// Profile information
	Name      *string `json:"name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Timezone  string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`

	PlanName string `gorm:"default:'free'" json:"plan_name"` // free, starter, grow, enterprise

	// Relations
	Accounts     []Account     `gorm:"foreignKey:UserID" json:"accounts,omitempty"`
	Entitlements []Entitlement `gorm:"foreignKey:UserID" json:"entitlements,omitempty"`
}
