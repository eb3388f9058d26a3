package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/metrics"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	defaultUnbanInterval      = 60 * time.Second
	defaultResetCheckInterval = 30 * time.Second
	defaultIdleInterval       = 60 * time.Second
	defaultBatchDelay         = 5 * time.Second
)

// Loop names, also used as metric labels.
const (
	LoopUnban    = "unban"
	LoopReset    = "reset"
	LoopRefresh  = "session_refresh"
	LoopRegister = "auto_register"
	LoopPoints   = "points_refresh"
)

// Registrar acquires accounts and refreshes their sessions.
type Registrar interface {
	Configured() bool
	RegisterNewAccount(ctx context.Context) (*models.Account, error)
	RefreshSession(ctx context.Context, account *models.Account) (*models.Account, error)
}

// CreditLookup fetches the credit balance for a session.
type CreditLookup interface {
	Lookup(ctx context.Context, region, sessionID string) (float64, error)
}

// LastResetDateKey holds the date of the last usage reset in the state store.
const LastResetDateKey = "LAST_USAGE_RESET_DATE"

// Options tunes loop cadence. Zero values use the defaults. State, when set,
// persists the last reset date across restarts.
type Options struct {
	UnbanInterval      time.Duration
	ResetCheckInterval time.Duration
	IdleInterval       time.Duration
	BatchDelay         time.Duration
	State              store.StateStore
}

// Scheduler runs the background loops that keep the account pool consistent.
type Scheduler struct {
	accounts  store.AccountStore
	registrar Registrar
	credit    CreditLookup
	settings  *settings.Holder
	metrics   *metrics.Metrics
	opts      Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	lastResetDate string

	wg sync.WaitGroup
}

// NewScheduler constructs a Scheduler. registrar and credit may be nil; the
// loops depending on them then stay idle.
func NewScheduler(accounts store.AccountStore, registrar Registrar, credit CreditLookup, holder *settings.Holder, m *metrics.Metrics, opts Options) *Scheduler {
	if opts.UnbanInterval <= 0 {
		opts.UnbanInterval = defaultUnbanInterval
	}
	if opts.ResetCheckInterval <= 0 {
		opts.ResetCheckInterval = defaultResetCheckInterval
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = defaultIdleInterval
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	} else if opts.BatchDelay == 0 {
		opts.BatchDelay = defaultBatchDelay
	}
	return &Scheduler{
		accounts:  accounts,
		registrar: registrar,
		credit:    credit,
		settings:  holder,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Start launches every loop in the background. Loops exit when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.spawn(ctx, LoopUnban, s.opts.UnbanInterval, s.unbanStep)
	s.spawn(ctx, LoopReset, s.opts.ResetCheckInterval, s.resetStep)
	s.spawn(ctx, LoopRegister, s.opts.IdleInterval, s.registerStep)
	s.spawn(ctx, LoopPoints, s.opts.IdleInterval, s.pointsStep)
	log.Infof("reconcile scheduler started (unban=%s reset-check=%s)", s.opts.UnbanInterval, s.opts.ResetCheckInterval)
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

func (s *Scheduler) spawn(ctx context.Context, name string, fallback time.Duration, step func(context.Context) time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, name, fallback, step)
	}()
}

// loop runs step until ctx is cancelled, sleeping for the duration step
// returns between runs.
func (s *Scheduler) loop(ctx context.Context, name string, fallback time.Duration, step func(context.Context) time.Duration) {
	entry := log.WithField("loop", name)
	for {
		if ctx.Err() != nil {
			entry.Debug("reconcile: loop stopped")
			return
		}
		wait := s.runStep(ctx, name, fallback, step)
		if errSleep := s.sleep(ctx, wait); errSleep != nil {
			entry.Debug("reconcile: loop stopped")
			return
		}
	}
}

func (s *Scheduler) runStep(ctx context.Context, name string, fallback time.Duration, step func(context.Context) time.Duration) (wait time.Duration) {
	wait = fallback
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithField("loop", name).Errorf("reconcile: loop panic recovered: %v", recovered)
			s.metrics.LoopRun(name, "panic")
			wait = fallback
		}
	}()
	wait = step(ctx)
	if wait <= 0 {
		wait = fallback
	}
	return wait
}

func (s *Scheduler) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
