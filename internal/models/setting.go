package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting stores one live setting as a JSON value.
type Setting struct {
	Key       string         `gorm:"primaryKey;type:text"`    // Setting key.
	Value     datatypes.JSON `gorm:"type:jsonb"`              // JSON-encoded value.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
