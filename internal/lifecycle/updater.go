package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
	log "github.com/sirupsen/logrus"
)

// Task kinds.
const (
	KindUsage = "usage"
	KindBan   = "ban"
)

// CreditLookup fetches the credit balance for a session.
type CreditLookup interface {
	Lookup(ctx context.Context, region, sessionID string) (float64, error)
}

// Updater applies post-response effects to the account that served a request.
// A row deleted in the meantime is a silent no-op.
type Updater struct {
	accounts store.AccountStore
	credit   CreditLookup
	settings *settings.Holder
	queue    *Queue
	nowFn    func() time.Time
}

// NewUpdater constructs an Updater. credit may be nil to skip point refreshes.
func NewUpdater(accounts store.AccountStore, credit CreditLookup, holder *settings.Holder, queue *Queue) *Updater {
	return &Updater{
		accounts: accounts,
		credit:   credit,
		settings: holder,
		queue:    queue,
		nowFn:    time.Now,
	}
}

// ScheduleUsage queues IncrementUsage for after the response.
func (u *Updater) ScheduleUsage(accountID uint64, model string) bool {
	return u.queue.Submit(Task{
		Kind:      KindUsage,
		AccountID: accountID,
		Run: func(ctx context.Context) error {
			return u.IncrementUsage(ctx, accountID, model)
		},
	})
}

// ScheduleBan queues a ban for the configured duration.
func (u *Updater) ScheduleBan(accountID uint64) bool {
	duration := u.settings.Load().BanDuration()
	return u.queue.Submit(Task{
		Kind:      KindBan,
		AccountID: accountID,
		Run: func(ctx context.Context) error {
			return u.BanTemporarily(ctx, accountID, duration)
		},
	})
}

// IncrementUsage bumps the model counter, then refreshes points from the
// credit service when the region supports it. The counter write commits
// before the lookup starts; a failed lookup leaves points unchanged.
func (u *Updater) IncrementUsage(ctx context.Context, accountID uint64, model string) error {
	account, errIncrement := u.accounts.IncrementUsage(ctx, accountID, model)
	if errIncrement != nil {
		if errors.Is(errIncrement, store.ErrNotFound) {
			log.WithField("account_id", accountID).Debug("lifecycle: account gone, usage skipped")
			return nil
		}
		return fmt.Errorf("lifecycle: increment usage: %w", errIncrement)
	}

	cfg := u.settings.Load()
	if u.credit == nil || !cfg.CreditSupported(account.Region) || !account.HasSession() {
		return nil
	}
	points, errLookup := u.credit.Lookup(ctx, account.Region, account.SessionID)
	if errLookup != nil {
		log.WithError(errLookup).WithFields(log.Fields{
			"account_id": accountID,
			"region":     account.Region,
		}).Warn("lifecycle: credit lookup failed, points unchanged")
		return nil
	}
	if errPoints := u.accounts.UpdatePoints(ctx, accountID, points); errPoints != nil {
		if errors.Is(errPoints, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lifecycle: update points: %w", errPoints)
	}
	return nil
}

// BanTemporarily suspends the account for d and counts the error. A
// non-positive d uses ACCOUNT_BAN_DURATION_HOURS.
func (u *Updater) BanTemporarily(ctx context.Context, accountID uint64, d time.Duration) error {
	if d <= 0 {
		d = u.settings.Load().BanDuration()
	}
	until := u.nowFn().Add(d)
	if errBan := u.accounts.Ban(ctx, accountID, until); errBan != nil {
		if errors.Is(errBan, store.ErrNotFound) {
			log.WithField("account_id", accountID).Debug("lifecycle: account gone, ban skipped")
			return nil
		}
		return fmt.Errorf("lifecycle: ban: %w", errBan)
	}
	log.WithFields(log.Fields{
		"account_id": accountID,
		"until":      until.UTC().Format(time.RFC3339),
	}).Info("lifecycle: account banned")
	return nil
}
