package watcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/db"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	internalsettings "github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "watcher.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if errSeed := db.EnsureSettings(conn, nil); errSeed != nil {
		t.Fatalf("seed settings: %v", errSeed)
	}
	return conn
}

func TestPollOnceReloadsOnlyOnChange(t *testing.T) {
	conn := newTestDB(t)
	holder := internalsettings.NewHolder(internalsettings.Defaults())
	w := NewSettingsWatcher(conn, holder)

	reloaded, err := w.PollOnce(context.Background(), true)
	if err != nil || !reloaded {
		t.Fatalf("expected forced reload, got %v (%v)", reloaded, err)
	}
	reloaded, err = w.PollOnce(context.Background(), false)
	if err != nil || reloaded {
		t.Fatalf("expected no reload without changes, got %v (%v)", reloaded, err)
	}

	later := time.Now().UTC().Add(time.Minute)
	if errUpdate := conn.Model(&models.Setting{}).
		Where("key = ?", internalsettings.LimitJimeng40Key).
		Updates(map[string]any{"value": datatypes.JSON(`"15"`), "updated_at": later}).Error; errUpdate != nil {
		t.Fatalf("update setting: %v", errUpdate)
	}

	reloaded, err = w.PollOnce(context.Background(), false)
	if err != nil || !reloaded {
		t.Fatalf("expected reload after change, got %v (%v)", reloaded, err)
	}
	if limit, _ := holder.Load().ModelLimit(models.ModelJimeng40); limit != 15 {
		t.Fatalf("expected new limit in snapshot, got %d", limit)
	}
}

func TestPollOnceNoticesDeletedRow(t *testing.T) {
	conn := newTestDB(t)
	holder := internalsettings.NewHolder(internalsettings.Defaults())
	w := NewSettingsWatcher(conn, holder)
	if _, err := w.PollOnce(context.Background(), true); err != nil {
		t.Fatalf("initial poll: %v", err)
	}

	if errDelete := conn.Where("key = ?", internalsettings.DefaultRegionKey).Delete(&models.Setting{}).Error; errDelete != nil {
		t.Fatalf("delete setting: %v", errDelete)
	}
	reloaded, err := w.PollOnce(context.Background(), false)
	if err != nil || !reloaded {
		t.Fatalf("expected reload after delete, got %v (%v)", reloaded, err)
	}
	if holder.Load().DefaultRegion != internalsettings.DefaultRegion {
		t.Fatalf("expected default region fallback, got %q", holder.Load().DefaultRegion)
	}
}

func TestStartLoadsSnapshot(t *testing.T) {
	conn := newTestDB(t)
	if errUpdate := conn.Model(&models.Setting{}).
		Where("key = ?", internalsettings.AdminTokenKey).
		Update("value", datatypes.JSON(`"from-db"`)).Error; errUpdate != nil {
		t.Fatalf("update token: %v", errUpdate)
	}

	holder := internalsettings.NewHolder(internalsettings.Defaults())
	w := NewSettingsWatcher(conn, holder)
	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if holder.Load().AdminToken == "from-db" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected watcher to publish admin token, got %q", holder.Load().AdminToken)
}
