package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/db"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
)

type fakeRegistrar struct {
	mu         sync.Mutex
	configured bool
	failEmail  string
	refreshed  []string
	registered int
}

func (f *fakeRegistrar) Configured() bool { return f.configured }

func (f *fakeRegistrar) RegisterNewAccount(context.Context) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
	return &models.Account{ID: uint64(f.registered)}, nil
}

func (f *fakeRegistrar) RefreshSession(_ context.Context, account *models.Account) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account.Email == f.failEmail {
		return nil, errors.New("task failed")
	}
	f.refreshed = append(f.refreshed, account.Email)
	return account, nil
}

type fakeCredit struct {
	calls []string
}

func (f *fakeCredit) Lookup(_ context.Context, region, sessionID string) (float64, error) {
	f.calls = append(f.calls, region+"-"+sessionID)
	if sessionID == "broken" {
		return 0, errors.New("credit down")
	}
	return 42, nil
}

type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestStore(t *testing.T) *store.GormAccountStore {
	t.Helper()
	accounts, _ := newTestStores(t)
	return accounts
}

func newTestStores(t *testing.T) (*store.GormAccountStore, *store.GormStateStore) {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "reconcile.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return store.NewGormAccountStore(conn), store.NewGormStateStore(conn)
}

func mustCreate(t *testing.T, accounts store.AccountStore, account models.Account) models.Account {
	t.Helper()
	if err := accounts.Create(context.Background(), &account); err != nil {
		t.Fatalf("create %s: %v", account.Email, err)
	}
	return account
}

func timePtr(v time.Time) *time.Time {
	return &v
}

func TestSweepBansIsIdempotent(t *testing.T) {
	accounts := newTestStore(t)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	expired := mustCreate(t, accounts, models.Account{Email: "expired@example.com", Password: "p", Region: "us", IsBanned: true, BanUntil: timePtr(now.Add(-time.Minute)), ErrorCount: 2})
	active := mustCreate(t, accounts, models.Account{Email: "active@example.com", Password: "p", Region: "us", IsBanned: true, BanUntil: timePtr(now.Add(time.Hour))})

	s := NewScheduler(accounts, nil, nil, settings.NewHolder(settings.Defaults()), nil, Options{})
	s.now = func() time.Time { return now }

	cleared, err := s.SweepBans(context.Background())
	if err != nil || cleared != 1 {
		t.Fatalf("expected one cleared ban, got %d (%v)", cleared, err)
	}
	cleared, err = s.SweepBans(context.Background())
	if err != nil || cleared != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d (%v)", cleared, err)
	}

	got, _ := accounts.Get(context.Background(), expired.ID)
	if got.IsBanned || got.BanUntil != nil || got.ErrorCount != 2 {
		t.Fatalf("expected ban fields cleared and error count kept: %+v", got)
	}
	got, _ = accounts.Get(context.Background(), active.ID)
	if !got.IsBanned || got.BanUntil == nil {
		t.Fatalf("expected active ban to stay: %+v", got)
	}
}

func TestCheckResetFiresOncePerDay(t *testing.T) {
	accounts := newTestStore(t)
	account := mustCreate(t, accounts, models.Account{Email: "a@example.com", Password: "p", Region: "us", SessionID: "s", Jimeng40Count: 5, ErrorCount: 3})

	cfg := settings.Defaults()
	cfg.ResetCountsTime = "03:00"
	cfg.ResetTimezone = "UTC"
	s := NewScheduler(accounts, nil, nil, settings.NewHolder(cfg), nil, Options{})

	steps := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 10, 15, 2, 59, 30, 0, time.UTC), false},
		{time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 10, 15, 3, 0, 30, 0, time.UTC), false},
		{time.Date(2026, 10, 15, 15, 0, 0, 0, time.UTC), false},
		{time.Date(2026, 10, 16, 3, 0, 10, 0, time.UTC), true},
	}
	for i, step := range steps {
		at := step.at
		s.now = func() time.Time { return at }
		if i == 2 || i == 4 {
			if _, err := accounts.IncrementUsage(context.Background(), account.ID, models.ModelJimeng40); err != nil {
				t.Fatalf("increment: %v", err)
			}
		}
		ran, err := s.CheckReset(context.Background())
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ran != step.want {
			t.Fatalf("step %d at %s: expected ran=%v", i, at, step.want)
		}
	}

	got, _ := accounts.Get(context.Background(), account.ID)
	if got.Jimeng40Count != 0 || got.ErrorCount != 3 {
		t.Fatalf("expected counters reset and error count kept: %+v", got)
	}
}

func TestCheckResetSkipsAfterRestartSameDay(t *testing.T) {
	accounts, state := newTestStores(t)
	account := mustCreate(t, accounts, models.Account{Email: "a@example.com", Password: "p", Region: "us", SessionID: "s"})

	cfg := settings.Defaults()
	cfg.ResetCountsTime = "03:00"
	cfg.ResetTimezone = "UTC"
	holder := settings.NewHolder(cfg)
	at := time.Date(2026, 10, 15, 3, 0, 5, 0, time.UTC)

	first := NewScheduler(accounts, nil, nil, holder, nil, Options{State: state})
	first.now = func() time.Time { return at }
	if ran, err := first.CheckReset(context.Background()); err != nil || !ran {
		t.Fatalf("expected first reset to run, ran=%v err=%v", ran, err)
	}
	if stored, ok, err := state.GetState(context.Background(), LastResetDateKey); err != nil || !ok || stored != "2026-10-15" {
		t.Fatalf("expected persisted reset date, got %q ok=%v err=%v", stored, ok, err)
	}

	if _, err := accounts.IncrementUsage(context.Background(), account.ID, models.ModelJimeng40); err != nil {
		t.Fatalf("increment: %v", err)
	}
	restarted := NewScheduler(accounts, nil, nil, holder, nil, Options{State: state})
	restarted.now = func() time.Time { return at.Add(20 * time.Second) }
	if ran, err := restarted.CheckReset(context.Background()); err != nil || ran {
		t.Fatalf("expected restarted scheduler to skip, ran=%v err=%v", ran, err)
	}
	got, _ := accounts.Get(context.Background(), account.ID)
	if got.Jimeng40Count != 1 {
		t.Fatalf("expected counter kept after restart, got %d", got.Jimeng40Count)
	}

	restarted.now = func() time.Time { return at.Add(24 * time.Hour) }
	if ran, err := restarted.CheckReset(context.Background()); err != nil || !ran {
		t.Fatalf("expected next day reset, ran=%v err=%v", ran, err)
	}
}

func TestCheckResetRejectsInvalidClock(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ResetCountsTime = "25:99"
	s := NewScheduler(newTestStore(t), nil, nil, settings.NewHolder(cfg), nil, Options{})
	if _, err := s.CheckReset(context.Background()); err == nil {
		t.Fatalf("expected invalid reset time error")
	}
}

func TestRefreshStaleSessionsContinuesPastFailure(t *testing.T) {
	accounts := newTestStore(t)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	old := now.Add(-10 * 24 * time.Hour)
	mustCreate(t, accounts, models.Account{Email: "a@example.com", Password: "p", Region: "us", SessionID: "s1", SessionIDUpdatedAt: timePtr(old)})
	mustCreate(t, accounts, models.Account{Email: "b@example.com", Password: "p", Region: "us", SessionID: "s2", SessionIDUpdatedAt: timePtr(old)})
	mustCreate(t, accounts, models.Account{Email: "c@example.com", Password: "p", Region: "us"})
	mustCreate(t, accounts, models.Account{Email: "fresh@example.com", Password: "p", Region: "us", SessionID: "s4", SessionIDUpdatedAt: timePtr(now.Add(-time.Hour))})

	cfg := settings.Defaults()
	cfg.SessionUpdateBatchSize = 2
	registrar := &fakeRegistrar{configured: true, failEmail: "b@example.com"}
	sleeper := &recordingSleep{}
	s := NewScheduler(accounts, registrar, nil, settings.NewHolder(cfg), nil, Options{BatchDelay: 2 * time.Second})
	s.now = func() time.Time { return now }
	s.sleep = sleeper.sleep

	summary, err := s.RefreshStaleSessions(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if summary.Candidates != 3 || summary.Refreshed != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	refreshed := strings.Join(registrar.refreshed, ",")
	if !strings.Contains(refreshed, "a@example.com") || !strings.Contains(refreshed, "c@example.com") {
		t.Fatalf("expected a and c to be refreshed, got %s", refreshed)
	}
	if len(sleeper.waits) != 1 || sleeper.waits[0] != 2*time.Second {
		t.Fatalf("expected one inter-batch delay, got %v", sleeper.waits)
	}
}

func TestRefreshStaleSessionsSkipsWhenUnconfigured(t *testing.T) {
	accounts := newTestStore(t)
	mustCreate(t, accounts, models.Account{Email: "a@example.com", Password: "p", Region: "us"})
	registrar := &fakeRegistrar{}
	s := NewScheduler(accounts, registrar, nil, settings.NewHolder(settings.Defaults()), nil, Options{})

	summary, err := s.RefreshStaleSessions(context.Background())
	if err != nil || summary.Candidates != 0 || len(registrar.refreshed) != 0 {
		t.Fatalf("expected skip, got %+v (%v)", summary, err)
	}
}

func TestRegisterStepFollowsLiveSettings(t *testing.T) {
	cfg := settings.Defaults()
	holder := settings.NewHolder(cfg)
	registrar := &fakeRegistrar{configured: true}
	s := NewScheduler(newTestStore(t), registrar, nil, holder, nil, Options{IdleInterval: 7 * time.Second})

	if wait := s.registerStep(context.Background()); wait != 7*time.Second || registrar.registered != 0 {
		t.Fatalf("expected idle wait while disabled, got %s after %d registrations", wait, registrar.registered)
	}

	cfg.AutoRegisterEnabled = true
	cfg.AutoRegisterInterval = 90 * time.Second
	holder.Store(cfg)
	if wait := s.registerStep(context.Background()); wait != 90*time.Second || registrar.registered != 1 {
		t.Fatalf("expected one registration and configured wait, got %s after %d", wait, registrar.registered)
	}

	registrar.configured = false
	if wait := s.registerStep(context.Background()); wait != 7*time.Second || registrar.registered != 1 {
		t.Fatalf("expected idle wait when service is unconfigured, got %s", wait)
	}
}

func TestRefreshPoints(t *testing.T) {
	accounts := newTestStore(t)
	us := mustCreate(t, accounts, models.Account{Email: "us@example.com", Password: "p", Region: "us", SessionID: "ok", Points: 1})
	cn := mustCreate(t, accounts, models.Account{Email: "cn@example.com", Password: "p", Region: "cn", SessionID: "ok", Points: 1})
	broken := mustCreate(t, accounts, models.Account{Email: "hk@example.com", Password: "p", Region: "hk", SessionID: "broken", Points: 1})

	credit := &fakeCredit{}
	s := NewScheduler(accounts, nil, credit, settings.NewHolder(settings.Defaults()), nil, Options{})
	summary, err := s.RefreshPoints(context.Background())
	if err != nil {
		t.Fatalf("refresh points: %v", err)
	}
	if summary.Updated != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, call := range credit.calls {
		if strings.HasPrefix(call, "cn-") {
			t.Fatalf("expected no lookup for skipped region, got %v", credit.calls)
		}
	}

	got, _ := accounts.Get(context.Background(), us.ID)
	if got.Points != 42 {
		t.Fatalf("expected refreshed points, got %v", got.Points)
	}
	got, _ = accounts.Get(context.Background(), cn.ID)
	if got.Points != 1 {
		t.Fatalf("expected cn account untouched, got %v", got.Points)
	}
	got, _ = accounts.Get(context.Background(), broken.ID)
	if got.Points != 1 {
		t.Fatalf("expected failed lookup to keep points, got %v", got.Points)
	}
}

func TestLoopSurvivesPanic(t *testing.T) {
	s := NewScheduler(newTestStore(t), nil, nil, settings.NewHolder(settings.Defaults()), nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}

	calls := 0
	s.loop(ctx, "test", 3*time.Second, func(context.Context) time.Duration {
		calls++
		if calls == 1 {
			panic("boom")
		}
		cancel()
		return time.Second
	})

	if calls != 2 {
		t.Fatalf("expected loop to continue after panic, got %d calls", calls)
	}
	if len(waits) != 2 || waits[0] != 3*time.Second || waits[1] != time.Second {
		t.Fatalf("unexpected waits: %v", waits)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s := NewScheduler(newTestStore(t), nil, nil, settings.NewHolder(settings.Defaults()), nil, Options{})
	sleeper := &recordingSleep{}
	s.sleep = sleeper.sleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected loops to exit after cancellation")
	}
}
