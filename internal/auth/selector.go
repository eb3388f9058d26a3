package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"github.com/router-for-me/DreaminaPoolProxy/internal/rotation"
	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
	log "github.com/sirupsen/logrus"
)

// ErrNoCapacity is returned when no account can serve the requested model.
var ErrNoCapacity = errors.New("auth: no eligible account")

// rotationKey names the single cursor shared by every pick.
const rotationKey = "select"

// Selector picks an eligible account per request using a shared round-robin cursor.
type Selector struct {
	accounts store.AccountStore
	settings *settings.Holder
	cursor   rotation.Cursor
	nowFn    func() time.Time

	// fallbackCursor serves positions while the shared cursor errors.
	fallbackCursor atomic.Uint64
}

// NewSelector constructs a selector. A nil cursor uses an in-memory one.
func NewSelector(accounts store.AccountStore, holder *settings.Holder, cursor rotation.Cursor) *Selector {
	if cursor == nil {
		cursor = rotation.NewMemoryCursor()
	}
	return &Selector{
		accounts: accounts,
		settings: holder,
		cursor:   cursor,
		nowFn:    time.Now,
	}
}

// Pick returns the next eligible account for model, or ErrNoCapacity.
func (s *Selector) Pick(ctx context.Context, model string) (*models.Account, error) {
	if s == nil || s.accounts == nil {
		return nil, fmt.Errorf("auth: selector not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.settings.Load()
	now := s.nowFn()

	filter := store.EligibilityFilter{
		RequirePoints: !cfg.PointsExempt(model),
		Now:           now,
	}
	if column, ok := models.UsageColumn(model); ok {
		limit, _ := cfg.ModelLimit(model)
		filter.Column = column
		filter.Limit = limit
	}

	rows, errList := s.accounts.ListEligible(ctx, filter)
	if errList != nil {
		return nil, fmt.Errorf("auth: list eligible: %w", errList)
	}
	available := make([]models.Account, 0, len(rows))
	for i := range rows {
		if Eligible(&rows[i], model, cfg, now) {
			available = append(available, rows[i])
		}
	}
	if len(available) == 0 {
		return nil, ErrNoCapacity
	}

	selected := available[s.nextIndex(ctx)%uint64(len(available))]
	return &selected, nil
}

func (s *Selector) nextIndex(ctx context.Context) uint64 {
	pos, errNext := s.cursor.Next(ctx, rotationKey)
	if errNext != nil {
		log.WithError(errNext).Warn("auth: rotation cursor failed, using local cursor")
		return s.fallbackCursor.Add(1) - 1
	}
	return pos
}

// Eligible reports whether account may serve model at now.
func Eligible(account *models.Account, model string, cfg settings.Settings, now time.Time) bool {
	if account == nil {
		return false
	}
	if account.Banned(now) {
		return false
	}
	if !account.HasSession() {
		return false
	}
	if used, counted := account.UsageFor(model); counted {
		limit, _ := cfg.ModelLimit(model)
		if used >= limit {
			return false
		}
	}
	if !cfg.PointsExempt(model) && account.Points <= 0 {
		return false
	}
	return true
}
