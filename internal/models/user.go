package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents an account holder
type User struct {
	ID                  string         `gorm:"primaryKey;size:36" json:"id"`
	Email               string         `gorm:"uniqueIndex;size:255;not null" json:"email"`
	PasswordHash        string         `gorm:"size:255" json:"-"`
	Name                string         `gorm:"size:100" json:"name"`
	PhoneNumber         *string        `gorm:"size:20" json:"phoneNumber"`
	PhoneVerified       bool           `gorm:"default:false" json:"phoneVerified"`
	Role                string         `gorm:"size:20;default:user" json:"role"` // admin, user
	MFAEnabled          bool           `gorm:"default:false" json:"-"`
	Currency            string         `gorm:"size:8;default:INR" json:"currency"`
	Timezone            string         `gorm:"size:64;default:UTC" json:"timezone"`
	Theme               string         `gorm:"size:16;default:light" json:"theme"`
	Language            string         `gorm:"size:8;default:en" json:"language"`
	FailedLoginAttempts int            `gorm:"default:0" json:"-"`
	LastFailedLoginAt   *time.Time     `json:"-"`
	LastLoginAt         *time.Time     `json:"-"`
	LastLoginDeviceID   string         `gorm:"size:100" json:"-"`
	CreatedAt           time.Time      `json:"-"`
	UpdatedAt           time.Time      `json:"-"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }
