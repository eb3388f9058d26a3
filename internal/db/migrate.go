package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	internalsettings "github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}

	if errAutoMigrate := conn.AutoMigrate(
		&models.Account{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	// Partial indexes keep the selector's hot filter cheap on both dialects.
	if errIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_accounts_session_ready
		ON accounts (id) WHERE session_id IS NOT NULL AND session_id <> ''
	`).Error; errIdx != nil {
		return fmt.Errorf("db: create session index: %w", errIdx)
	}
	if errIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_accounts_session_updated
		ON accounts (session_id_updated_at)
	`).Error; errIdx != nil {
		return fmt.Errorf("db: create session updated index: %w", errIdx)
	}
	return nil
}

// EnsureSettings creates every missing or empty setting row. Values from
// seeds win over the built-in defaults; existing values are never touched.
func EnsureSettings(conn *gorm.DB, seeds map[string]any) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	values := internalsettings.DefaultValues()
	for key, value := range seeds {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = value
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if errSeed := ensureSetting(conn, key, values[key]); errSeed != nil {
			return errSeed
		}
	}
	return nil
}

// ensureSetting ensures a setting exists and defaults when empty.
func ensureSetting(conn *gorm.DB, key string, value any) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	rawValue := datatypes.JSON(payload)

	var existing models.Setting
	if errFind := conn.Where("key = ?", key).First(&existing).Error; errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if len(existing.Value) == 0 || trimmed == "" || trimmed == "null" {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      rawValue,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	now := time.Now().UTC()
	setting := models.Setting{
		Key:       key,
		Value:     rawValue,
		UpdatedAt: now,
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}
