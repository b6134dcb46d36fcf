package models

import (
	"time"

	"gorm.io/datatypes"
)

// FeatureFlag persists a flag definition as JSON. The featureflags package
// owns the schema of Definition.
type FeatureFlag struct {
	Key        string         `gorm:"primaryKey;size:150" json:"key"`
	Type       string         `gorm:"size:20;index;not null" json:"type"`
	Definition datatypes.JSON `gorm:"not null" json:"definition"`
	UpdatedBy  string         `gorm:"size:36" json:"updated_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (FeatureFlag) TableName() string { return "feature_flags" }
