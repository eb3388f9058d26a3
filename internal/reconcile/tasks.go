package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	log "github.com/sirupsen/logrus"
)

const resetDateLayout = "2006-01-02"

// RefreshSummary counts the outcome of one stale session refresh.
type RefreshSummary struct {
	Candidates int
	Refreshed  int
	Failed     int
}

// PointsSummary counts the outcome of one points refresh.
type PointsSummary struct {
	Updated int
	Failed  int
}

// SweepBans clears every ban whose expiry has passed.
func (s *Scheduler) SweepBans(ctx context.Context) (int64, error) {
	cleared, err := s.accounts.ClearExpiredBans(ctx, s.clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("reconcile: sweep bans: %w", err)
	}
	return cleared, nil
}

func (s *Scheduler) unbanStep(ctx context.Context) time.Duration {
	cleared, err := s.SweepBans(ctx)
	if err != nil {
		log.WithError(err).WithField("loop", LoopUnban).Warn("reconcile: unban sweep failed")
		s.metrics.LoopRun(LoopUnban, "error")
		return s.opts.UnbanInterval
	}
	if cleared > 0 {
		log.WithField("loop", LoopUnban).Infof("reconcile: lifted %d expired bans", cleared)
	}
	s.metrics.LoopRun(LoopUnban, "ok")
	return s.opts.UnbanInterval
}

// CheckReset zeroes every usage counter when the configured reset minute is
// reached, at most once per calendar day in the reset zone, and then refreshes
// stale sessions. It reports whether the reset ran.
func (s *Scheduler) CheckReset(ctx context.Context) (bool, error) {
	cfg := s.settings.Load()
	hour, minute, ok := settings.ParseClock(cfg.ResetCountsTime)
	if !ok {
		return false, fmt.Errorf("reconcile: invalid reset time %q", cfg.ResetCountsTime)
	}
	now := s.clock().In(cfg.ResetLocation())
	today := now.Format(resetDateLayout)

	s.mu.Lock()
	done := s.lastResetDate == today
	s.mu.Unlock()
	if done || now.Hour() != hour || now.Minute() != minute {
		return false, nil
	}

	if s.resetRecorded(ctx, today) {
		s.mu.Lock()
		s.lastResetDate = today
		s.mu.Unlock()
		return false, nil
	}

	reset, err := s.accounts.ResetUsageCounters(ctx)
	if err != nil {
		return false, fmt.Errorf("reconcile: reset usage counters: %w", err)
	}
	s.mu.Lock()
	s.lastResetDate = today
	s.mu.Unlock()
	if s.opts.State != nil {
		if errSave := s.opts.State.SetState(ctx, LastResetDateKey, today); errSave != nil {
			log.WithError(errSave).WithField("loop", LoopReset).Warn("reconcile: persist reset date failed")
		}
	}
	log.WithField("loop", LoopReset).Infof("reconcile: usage counters reset for %d accounts", reset)

	if _, errRefresh := s.RefreshStaleSessions(ctx); errRefresh != nil {
		log.WithError(errRefresh).WithField("loop", LoopRefresh).Warn("reconcile: session refresh failed")
	}
	return true, nil
}

// resetRecorded reports whether the state store already holds today's reset,
// as after a restart within the reset minute.
func (s *Scheduler) resetRecorded(ctx context.Context, today string) bool {
	if s.opts.State == nil {
		return false
	}
	last, ok, err := s.opts.State.GetState(ctx, LastResetDateKey)
	if err != nil {
		log.WithError(err).WithField("loop", LoopReset).Warn("reconcile: read reset date failed")
		return false
	}
	return ok && last == today
}

func (s *Scheduler) resetStep(ctx context.Context) time.Duration {
	ran, err := s.CheckReset(ctx)
	switch {
	case err != nil:
		log.WithError(err).WithField("loop", LoopReset).Warn("reconcile: usage reset failed")
		s.metrics.LoopRun(LoopReset, "error")
	case ran:
		s.metrics.LoopRun(LoopReset, "ok")
	}
	return s.opts.ResetCheckInterval
}

// RefreshStaleSessions renews the session of every account whose session is
// missing a timestamp or older than SESSION_UPDATE_DAYS. Accounts are handled
// in concurrent batches with a pause between batches; single failures are
// counted and skipped.
func (s *Scheduler) RefreshStaleSessions(ctx context.Context) (RefreshSummary, error) {
	var summary RefreshSummary
	if s.registrar == nil || !s.registrar.Configured() {
		log.WithField("loop", LoopRefresh).Info("reconcile: registration service not configured, skipping session refresh")
		s.metrics.LoopRun(LoopRefresh, "skipped")
		return summary, nil
	}

	cfg := s.settings.Load()
	cutoff := s.clock().UTC().Add(-cfg.SessionMaxAge())
	stale, err := s.accounts.ListStaleSessions(ctx, cutoff)
	if err != nil {
		s.metrics.LoopRun(LoopRefresh, "error")
		return summary, fmt.Errorf("reconcile: list stale sessions: %w", err)
	}
	summary.Candidates = len(stale)
	if len(stale) == 0 {
		s.metrics.LoopRun(LoopRefresh, "ok")
		return summary, nil
	}

	batchSize := cfg.SessionUpdateBatchSize
	if batchSize <= 0 {
		batchSize = settings.DefaultSessionUpdateBatchSize
	}

	var mu sync.Mutex
	for start := 0; start < len(stale); start += batchSize {
		if start > 0 {
			if errSleep := s.sleep(ctx, s.opts.BatchDelay); errSleep != nil {
				return summary, errSleep
			}
		}
		if errCtx := ctx.Err(); errCtx != nil {
			return summary, errCtx
		}

		end := min(start+batchSize, len(stale))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			account := &stale[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errRefresh := s.registrar.RefreshSession(ctx, account)
				mu.Lock()
				defer mu.Unlock()
				if errRefresh != nil {
					summary.Failed++
					log.WithError(errRefresh).WithFields(log.Fields{
						"loop":       LoopRefresh,
						"account_id": account.ID,
					}).Warn("reconcile: session refresh failed for account")
					return
				}
				summary.Refreshed++
			}()
		}
		wg.Wait()
		log.WithField("loop", LoopRefresh).Debugf("reconcile: refresh batch %d-%d done", start+1, end)
	}

	log.WithField("loop", LoopRefresh).Infof("reconcile: refreshed %d/%d stale sessions (%d failed)", summary.Refreshed, summary.Candidates, summary.Failed)
	s.metrics.LoopRun(LoopRefresh, "ok")
	return summary, nil
}

func (s *Scheduler) registerStep(ctx context.Context) time.Duration {
	cfg := s.settings.Load()
	if !cfg.AutoRegisterEnabled || s.registrar == nil || !s.registrar.Configured() {
		return s.opts.IdleInterval
	}

	account, err := s.registrar.RegisterNewAccount(ctx)
	if err != nil {
		log.WithError(err).WithField("loop", LoopRegister).Warn("reconcile: auto registration failed")
		s.metrics.LoopRun(LoopRegister, "error")
	} else {
		log.WithFields(log.Fields{
			"loop":       LoopRegister,
			"account_id": account.ID,
		}).Info("reconcile: auto registration added account")
		s.metrics.LoopRun(LoopRegister, "ok")
	}

	if cfg.AutoRegisterInterval <= 0 {
		return s.opts.IdleInterval
	}
	return cfg.AutoRegisterInterval
}

// RefreshPoints re-reads the credit balance of every account that has a
// session in a region with a credit endpoint.
func (s *Scheduler) RefreshPoints(ctx context.Context) (PointsSummary, error) {
	var summary PointsSummary
	if s.credit == nil {
		return summary, nil
	}
	cfg := s.settings.Load()
	accounts, err := s.accounts.ListForPointsRefresh(ctx, cfg.CreditSkipRegions)
	if err != nil {
		return summary, fmt.Errorf("reconcile: list accounts for points: %w", err)
	}

	for i := range accounts {
		if errCtx := ctx.Err(); errCtx != nil {
			return summary, errCtx
		}
		account := &accounts[i]
		if !account.HasSession() || !cfg.CreditSupported(account.Region) {
			continue
		}
		entry := log.WithFields(log.Fields{
			"loop":       LoopPoints,
			"account_id": account.ID,
		})
		points, errLookup := s.credit.Lookup(ctx, account.Region, account.SessionID)
		if errLookup != nil {
			summary.Failed++
			entry.WithError(errLookup).Warn("reconcile: credit lookup failed")
			continue
		}
		if errUpdate := s.accounts.UpdatePoints(ctx, account.ID, points); errUpdate != nil {
			summary.Failed++
			entry.WithError(errUpdate).Warn("reconcile: store points failed")
			continue
		}
		summary.Updated++
	}
	return summary, nil
}

func (s *Scheduler) pointsStep(ctx context.Context) time.Duration {
	cfg := s.settings.Load()
	if !cfg.PointsUpdateEnabled || s.credit == nil {
		return s.opts.IdleInterval
	}

	summary, err := s.RefreshPoints(ctx)
	if err != nil {
		log.WithError(err).WithField("loop", LoopPoints).Warn("reconcile: points refresh failed")
		s.metrics.LoopRun(LoopPoints, "error")
	} else {
		log.WithField("loop", LoopPoints).Infof("reconcile: points refreshed for %d accounts (%d failed)", summary.Updated, summary.Failed)
		s.metrics.LoopRun(LoopPoints, "ok")
	}

	if cfg.PointsUpdateInterval <= 0 {
		return s.opts.IdleInterval
	}
	return cfg.PointsUpdateInterval
}
