package models

import "time"

// RefreshToken is one link of a device's refresh chain. Only the sha256
// of the opaque token is stored.
type RefreshToken struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	UserID            string     `gorm:"index:idx_refresh_user_device;size:36;not null" json:"user_id"`
	DeviceID          string     `gorm:"index:idx_refresh_user_device;size:100;not null" json:"device_id"`
	TokenHash         string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	IssuedAt          time.Time  `gorm:"not null" json:"issued_at"`
	ExpiresAt         time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt         *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	ReplacedByTokenID *string    `gorm:"size:36" json:"replaced_by_token_id,omitempty"`
	CreatedByIP       string     `gorm:"size:64" json:"created_by_ip,omitempty"`
	UserAgent         string     `gorm:"size:255" json:"user_agent,omitempty"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

func (t *RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

func (t *RefreshToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }
