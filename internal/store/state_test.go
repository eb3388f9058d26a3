package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/router-for-me/DreaminaPoolProxy/internal/db"
)

func TestStateStoreRoundTrip(t *testing.T) {
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	s := NewGormStateStore(conn)
	ctx := context.Background()

	if _, ok, errGet := s.GetState(ctx, "LAST_USAGE_RESET_DATE"); errGet != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, errGet)
	}
	if errSet := s.SetState(ctx, "LAST_USAGE_RESET_DATE", "2026-10-15"); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	if errSet := s.SetState(ctx, "LAST_USAGE_RESET_DATE", "2026-10-16"); errSet != nil {
		t.Fatalf("overwrite: %v", errSet)
	}
	value, ok, errGet := s.GetState(ctx, "LAST_USAGE_RESET_DATE")
	if errGet != nil || !ok || value != "2026-10-16" {
		t.Fatalf("expected latest value, got %q ok=%v err=%v", value, ok, errGet)
	}
}
