package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	internalsettings "github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Default timings for the watcher loop.
const (
	// defaultPollInterval controls how often the settings table is checked.
	defaultPollInterval = 2 * time.Second
	// defaultQueryTimeout bounds DB query duration.
	defaultQueryTimeout = 10 * time.Second
)

// SettingsWatcher polls the settings table and publishes a fresh snapshot to
// the holder whenever a row changes.
type SettingsWatcher struct {
	db           *gorm.DB
	holder       *internalsettings.Holder
	pollInterval time.Duration

	mu                sync.Mutex
	settingsLatestAt  time.Time
	settingsLatestKey string
	settingsCount     int64
	hasSettingsLatest bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSettingsWatcher constructs a watcher publishing into holder.
func NewSettingsWatcher(db *gorm.DB, holder *internalsettings.Holder) *SettingsWatcher {
	if db == nil || holder == nil {
		return nil
	}
	return &SettingsWatcher{
		db:           db,
		holder:       holder,
		pollInterval: defaultPollInterval,
	}
}

// Start launches the polling goroutine.
func (w *SettingsWatcher) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()
	log.Infof("settings watcher started (poll_interval=%s)", w.pollInterval)
}

// Stop cancels polling and waits for the goroutine to exit.
func (w *SettingsWatcher) Stop() {
	if w == nil {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *SettingsWatcher) run(ctx context.Context) {
	if _, err := w.PollOnce(ctx, true); err != nil {
		log.WithError(err).Warn("settings watcher: initial load failed")
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.PollOnce(ctx, false); err != nil {
				log.WithError(err).Warn("settings watcher: poll failed")
			}
		}
	}
}

// PollOnce reloads the snapshot when the newest row or the row count changed,
// or unconditionally when force is set. It reports whether a reload happened.
func (w *SettingsWatcher) PollOnce(ctx context.Context, force bool) (bool, error) {
	if w == nil || w.db == nil {
		return false, fmt.Errorf("settings watcher: nil db")
	}
	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	// latestRow captures the newest setting timestamp for change detection.
	type latestRow struct {
		Key       string     `gorm:"column:key"`        // Latest settings key.
		UpdatedAt *time.Time `gorm:"column:updated_at"` // Latest settings update time.
	}
	var latest latestRow
	hasLatest := true
	errLatest := w.db.WithContext(qctx).
		Model(&models.Setting{}).
		Select("key", "updated_at").
		Order("updated_at DESC, key DESC").
		Limit(1).
		Take(&latest).Error
	if errLatest != nil {
		if !errors.Is(errLatest, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("settings watcher: query latest row: %w", errLatest)
		}
		hasLatest = false
	}
	var count int64
	if errCount := w.db.WithContext(qctx).Model(&models.Setting{}).Count(&count).Error; errCount != nil {
		return false, fmt.Errorf("settings watcher: count rows: %w", errCount)
	}

	latestKey := strings.TrimSpace(latest.Key)
	latestAt := time.Time{}
	if hasLatest && latest.UpdatedAt != nil {
		latestAt = latest.UpdatedAt.UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !force && w.hasSettingsLatest == hasLatest &&
		latestAt.Equal(w.settingsLatestAt) && latestKey == w.settingsLatestKey && count == w.settingsCount {
		return false, nil
	}

	snapshot, errLoad := LoadSettings(qctx, w.db)
	if errLoad != nil {
		return false, errLoad
	}
	w.holder.Store(snapshot)
	log.Debugf("settings watcher: snapshot reloaded (latest_updated_at=%s latest_key=%s)", latestAt.Format(time.RFC3339Nano), latestKey)

	w.settingsLatestAt = latestAt
	w.settingsLatestKey = latestKey
	w.settingsCount = count
	w.hasSettingsLatest = hasLatest
	return true, nil
}

// LoadSettings reads every settings row and builds a snapshot. Missing or
// invalid values fall back to defaults.
func LoadSettings(ctx context.Context, db *gorm.DB) (internalsettings.Settings, error) {
	if db == nil {
		return internalsettings.Settings{}, fmt.Errorf("settings watcher: nil db")
	}
	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return internalsettings.Settings{}, fmt.Errorf("settings watcher: query settings: %w", errFind)
	}

	values := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = json.RawMessage(row.Value)
	}
	return internalsettings.FromValues(values), nil
}
