package register

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/metrics"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
	log "github.com/sirupsen/logrus"
)

// Registrar runs the account acquisition and session refresh workflows.
type Registrar struct {
	client   *Client
	accounts store.AccountStore
	settings *settings.Holder
	metrics  *metrics.Metrics
	nowFn    func() time.Time
}

// NewRegistrar constructs a Registrar.
func NewRegistrar(client *Client, accounts store.AccountStore, holder *settings.Holder, m *metrics.Metrics) *Registrar {
	return &Registrar{
		client:   client,
		accounts: accounts,
		settings: holder,
		metrics:  m,
		nowFn:    time.Now,
	}
}

// Configured reports whether the registration service URL is set.
func (r *Registrar) Configured() bool {
	return r != nil && r.settings.Load().RegisterConfigured()
}

// RegisterNewAccount acquires a brand-new account and stores it.
func (r *Registrar) RegisterNewAccount(ctx context.Context) (*models.Account, error) {
	account, err := r.registerNewAccount(ctx)
	r.metrics.Registration("register", resultLabel(err))
	return account, err
}

func (r *Registrar) registerNewAccount(ctx context.Context) (*models.Account, error) {
	if r == nil || r.client == nil || r.accounts == nil {
		return nil, fmt.Errorf("register: registrar not initialized")
	}
	cfg := r.settings.Load()
	if !cfg.RegisterConfigured() {
		return nil, ErrNotConfigured
	}

	result, errRegister := r.client.Register(ctx, cfg.RegisterMailType)
	if errRegister != nil {
		return nil, errRegister
	}
	email := strings.TrimSpace(result.Email)
	if email == "" || strings.TrimSpace(result.SessionID) == "" {
		return nil, fmt.Errorf("%w: task result is missing email or session_id", ErrRegistrationFailed)
	}

	exists, errExists := r.accounts.EmailExists(ctx, email)
	if errExists != nil {
		return nil, fmt.Errorf("register: check email: %w", errExists)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrEmailExists, email)
	}

	region, sessionID := SplitSession(result.SessionID, cfg.DefaultRegion)
	now := r.nowFn().UTC()
	account := &models.Account{
		Email:              email,
		Password:           result.Password,
		Region:             region,
		SessionID:          sessionID,
		Points:             cfg.DefaultPoints,
		SessionIDUpdatedAt: &now,
	}
	if errCreate := r.accounts.Create(ctx, account); errCreate != nil {
		if errors.Is(errCreate, store.ErrDuplicateEmail) {
			return nil, fmt.Errorf("%w: %s", ErrEmailExists, email)
		}
		return nil, fmt.Errorf("register: store account: %w", errCreate)
	}
	log.WithFields(log.Fields{
		"account_id": account.ID,
		"region":     account.Region,
	}).Info("register: account created")
	return account, nil
}

// RefreshSession fetches a new credential for account and persists it with
// its derived region.
func (r *Registrar) RefreshSession(ctx context.Context, account *models.Account) (*models.Account, error) {
	updated, err := r.refreshSession(ctx, account)
	r.metrics.Registration("refresh", resultLabel(err))
	return updated, err
}

func (r *Registrar) refreshSession(ctx context.Context, account *models.Account) (*models.Account, error) {
	if r == nil || r.client == nil || r.accounts == nil {
		return nil, fmt.Errorf("register: registrar not initialized")
	}
	if account == nil {
		return nil, fmt.Errorf("register: account is nil")
	}
	cfg := r.settings.Load()
	if !cfg.RegisterConfigured() {
		return nil, ErrNotConfigured
	}

	raw, errUpdate := r.client.UpdateSession(ctx, account.Email, account.Password)
	if errUpdate != nil {
		return nil, errUpdate
	}
	region, sessionID := SplitSession(raw, cfg.DefaultRegion)
	now := r.nowFn().UTC()
	if errStore := r.accounts.UpdateSession(ctx, account.ID, region, sessionID, now); errStore != nil {
		return nil, fmt.Errorf("register: store session: %w", errStore)
	}

	refreshed := *account
	refreshed.Region = region
	refreshed.SessionID = sessionID
	refreshed.SessionIDUpdatedAt = &now
	return &refreshed, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRegistrationTimeout):
		return "timeout"
	case errors.Is(err, ErrEmailExists):
		return "duplicate"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "error"
	}
}
