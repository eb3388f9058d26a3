package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	internalsettings "github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/watcher"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SettingHandler reads and writes the live settings table.
type SettingHandler struct {
	db       *gorm.DB                 // Database handle for settings.
	settings *internalsettings.Holder // Snapshot refreshed after writes.
}

// NewSettingHandler constructs a settings handler.
func NewSettingHandler(db *gorm.DB, holder *internalsettings.Holder) *SettingHandler {
	return &SettingHandler{db: db, settings: holder}
}

// List returns every stored setting keyed by name.
func (h *SettingHandler) List(c *gin.Context) {
	var rows []models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Order("key ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list settings failed"})
		return
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		out[row.Key] = json.RawMessage(row.Value)
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

// Update writes every key in the body, then publishes the rebuilt snapshot so
// the change applies without waiting for the watcher.
func (h *SettingHandler) Update(c *gin.Context) {
	var body map[string]json.RawMessage
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no settings given"})
		return
	}

	values := make(map[string]json.RawMessage, len(body))
	keys := make([]string, 0, len(body))
	for key, value := range body {
		key = strings.TrimSpace(key)
		if errValidate := internalsettings.Validate(key, value); errValidate != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
			return
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = value
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			value := datatypes.JSON(values[key])
			res := tx.Model(&models.Setting{}).Where("key = ?", key).Updates(map[string]any{
				"value":      value,
				"updated_at": now,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				continue
			}
			if errCreate := tx.Create(&models.Setting{Key: key, Value: value, UpdatedAt: now}).Error; errCreate != nil {
				return errCreate
			}
		}
		return nil
	})
	if errTx != nil {
		log.WithError(errTx).Warn("admin: update settings failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	snapshot, errLoad := watcher.LoadSettings(c.Request.Context(), h.db)
	if errLoad != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh settings snapshot failed"})
		return
	}
	h.settings.Store(snapshot)
	log.Infof("admin: settings updated (%s)", strings.Join(keys, ","))
	c.JSON(http.StatusOK, gin.H{"ok": true, "updated": keys})
}

// Get returns one setting by key.
func (h *SettingHandler) Get(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if errValidateKey := internalsettings.Validate(key, nil); errors.Is(errValidateKey, internalsettings.ErrUnknownKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}
	var setting models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Where("key = ?", key).First(&setting).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":   setting.Key,
		"value": json.RawMessage(setting.Value),
	})
}
