package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateStore keeps small pieces of scheduler bookkeeping that must survive a
// restart. Values live in the settings table as JSON strings.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// GormStateStore is the gorm-backed StateStore.
type GormStateStore struct {
	db *gorm.DB
}

// NewGormStateStore constructs a GormStateStore.
func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db}
}

// GetState returns the value stored under key and whether it exists.
func (s *GormStateStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var row models.Setting
	errFind := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if errFind != nil {
		return "", false, fmt.Errorf("gorm state store: get %s: %w", key, errFind)
	}
	var value string
	if errUnmarshal := json.Unmarshal(row.Value, &value); errUnmarshal != nil {
		return "", false, fmt.Errorf("gorm state store: decode %s: %w", key, errUnmarshal)
	}
	return value, true, nil
}

// SetState stores value under key, replacing any previous value.
func (s *GormStateStore) SetState(ctx context.Context, key, value string) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("gorm state store: encode %s: %w", key, errMarshal)
	}
	row := models.Setting{Key: key, Value: datatypes.JSON(payload), UpdatedAt: time.Now().UTC()}
	errSave := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if errSave != nil {
		return fmt.Errorf("gorm state store: set %s: %w", key, errSave)
	}
	return nil
}
