package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/db"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
)

type fakeCredit struct {
	points  float64
	err     error
	calls   int
	regions []string
}

func (f *fakeCredit) Lookup(_ context.Context, region, _ string) (float64, error) {
	f.calls++
	f.regions = append(f.regions, region)
	return f.points, f.err
}

func newTestUpdater(t *testing.T, credit CreditLookup) (*Updater, *store.GormAccountStore) {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "lifecycle.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	accounts := store.NewGormAccountStore(conn)
	return NewUpdater(accounts, credit, settings.NewHolder(settings.Defaults()), NewQueue(8, 1, nil)), accounts
}

func seed(t *testing.T, accounts *store.GormAccountStore, account models.Account) models.Account {
	t.Helper()
	if errCreate := accounts.Create(context.Background(), &account); errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	return account
}

func TestIncrementUsageVideoScenario(t *testing.T) {
	credit := &fakeCredit{points: 42}
	updater, accounts := newTestUpdater(t, credit)
	account := seed(t, accounts, models.Account{
		Email: "a@example.com", Password: "p", Region: "us", SessionID: "s", Points: 5,
		Jimeng40Count: 1, Jimeng41Count: 2, NanobananaCount: 3, NanobananaproCount: 4, Video30Count: 5,
	})

	if err := updater.IncrementUsage(context.Background(), account.ID, models.ModelVideo30); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, _ := accounts.Get(context.Background(), account.ID)
	if got.Video30Count != 6 {
		t.Fatalf("expected video counter 6, got %d", got.Video30Count)
	}
	if got.Jimeng40Count != 1 || got.Jimeng41Count != 2 || got.NanobananaCount != 3 || got.NanobananaproCount != 4 {
		t.Fatalf("expected other counters unchanged: %+v", got)
	}
	if got.Points != 42 || credit.calls != 1 {
		t.Fatalf("expected points refreshed to 42 via one lookup, got %v after %d", got.Points, credit.calls)
	}
}

func TestIncrementUsageSkipsCreditForSkippedRegion(t *testing.T) {
	credit := &fakeCredit{points: 42}
	updater, accounts := newTestUpdater(t, credit)
	account := seed(t, accounts, models.Account{Email: "cn@example.com", Password: "p", Region: "cn", SessionID: "s", Points: 5})

	if err := updater.IncrementUsage(context.Background(), account.ID, models.ModelJimeng41); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, _ := accounts.Get(context.Background(), account.ID)
	if got.Jimeng41Count != 1 || got.Points != 5 || credit.calls != 0 {
		t.Fatalf("expected counter bump without lookup: %+v calls=%d", got, credit.calls)
	}
}

func TestIncrementUsageCreditFailureKeepsPoints(t *testing.T) {
	credit := &fakeCredit{err: errors.New("commerce down")}
	updater, accounts := newTestUpdater(t, credit)
	account := seed(t, accounts, models.Account{Email: "a@example.com", Password: "p", Region: "us", SessionID: "s", Points: 5})

	if err := updater.IncrementUsage(context.Background(), account.ID, models.ModelNanobanana); err != nil {
		t.Fatalf("expected lookup failure to be swallowed, got %v", err)
	}
	got, _ := accounts.Get(context.Background(), account.ID)
	if got.NanobananaCount != 1 || got.Points != 5 {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestMissingAccountIsNoop(t *testing.T) {
	credit := &fakeCredit{points: 1}
	updater, _ := newTestUpdater(t, credit)
	if err := updater.IncrementUsage(context.Background(), 999, models.ModelVideo30); err != nil {
		t.Fatalf("expected no-op for missing account, got %v", err)
	}
	if err := updater.BanTemporarily(context.Background(), 999, time.Hour); err != nil {
		t.Fatalf("expected no-op ban for missing account, got %v", err)
	}
	if credit.calls != 0 {
		t.Fatalf("expected no credit lookups, got %d", credit.calls)
	}
}

func TestBanTemporarily(t *testing.T) {
	updater, accounts := newTestUpdater(t, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updater.nowFn = func() time.Time { return now }
	account := seed(t, accounts, models.Account{Email: "a@example.com", Password: "p", Region: "us", SessionID: "s", ErrorCount: 2})

	if err := updater.BanTemporarily(context.Background(), account.ID, 30*time.Minute); err != nil {
		t.Fatalf("ban: %v", err)
	}
	got, _ := accounts.Get(context.Background(), account.ID)
	if !got.IsBanned || got.ErrorCount != 3 || got.BanUntil == nil {
		t.Fatalf("unexpected row after ban: %+v", got)
	}
	if !got.BanUntil.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("expected ban until %s, got %s", now.Add(30*time.Minute), got.BanUntil)
	}
}

func TestBanTemporarilyUsesConfiguredDuration(t *testing.T) {
	updater, accounts := newTestUpdater(t, nil)
	cfg := settings.Defaults()
	cfg.BanDurationHours = 1.5
	updater.settings.Store(cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updater.nowFn = func() time.Time { return now }
	account := seed(t, accounts, models.Account{Email: "a@example.com", Password: "p", Region: "us", SessionID: "s"})

	if err := updater.BanTemporarily(context.Background(), account.ID, 0); err != nil {
		t.Fatalf("ban: %v", err)
	}
	got, _ := accounts.Get(context.Background(), account.ID)
	if got.BanUntil == nil || !got.BanUntil.Equal(now.Add(90*time.Minute)) {
		t.Fatalf("expected ban until %s, got %v", now.Add(90*time.Minute), got.BanUntil)
	}
}

func TestScheduleRunsThroughQueue(t *testing.T) {
	updater, accounts := newTestUpdater(t, nil)
	account := seed(t, accounts, models.Account{Email: "a@example.com", Password: "p", Region: "us", SessionID: "s"})

	updater.queue.Start()
	if !updater.ScheduleUsage(account.ID, models.ModelJimeng40) {
		t.Fatalf("expected usage task accepted")
	}
	if !updater.ScheduleBan(account.ID) {
		t.Fatalf("expected ban task accepted")
	}
	if err := updater.queue.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got, _ := accounts.Get(context.Background(), account.ID)
	if got.Jimeng40Count != 1 || !got.IsBanned || got.ErrorCount != 1 {
		t.Fatalf("unexpected row after scheduled tasks: %+v", got)
	}
}
