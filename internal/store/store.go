package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/db"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when an account id does not exist.
	ErrNotFound = errors.New("store: account not found")
	// ErrDuplicateEmail is returned when an email is already taken.
	ErrDuplicateEmail = errors.New("store: email already exists")
)

const (
	// DefaultPageSize is used when a list request omits the page size.
	DefaultPageSize = 20
	// MaxPageSize caps a single list page.
	MaxPageSize = 1000
)

// AccountStore is the storage boundary shared by the core and the admin surface.
type AccountStore interface {
	Get(ctx context.Context, id uint64) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	Update(ctx context.Context, id uint64, patch AccountPatch) (*models.Account, error)
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context, filter ListFilter) (*Page, error)
	BulkCreate(ctx context.Context, accounts []models.Account) (*BulkResult, error)
	EmailExists(ctx context.Context, email string) (bool, error)

	ListEligible(ctx context.Context, filter EligibilityFilter) ([]models.Account, error)
	IncrementUsage(ctx context.Context, id uint64, model string) (*models.Account, error)
	UpdatePoints(ctx context.Context, id uint64, points float64) error
	Ban(ctx context.Context, id uint64, until time.Time) error
	Unban(ctx context.Context, id uint64) error

	ClearExpiredBans(ctx context.Context, now time.Time) (int64, error)
	ResetUsageCounters(ctx context.Context) (int64, error)
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]models.Account, error)
	UpdateSession(ctx context.Context, id uint64, region, sessionID string, now time.Time) error
	ListForPointsRefresh(ctx context.Context, skipRegions []string) ([]models.Account, error)
}

// AccountPatch lists the admin-editable fields; nil fields are left unchanged.
type AccountPatch struct {
	Email     *string
	Password  *string
	Region    *string
	SessionID *string
	Points    *float64
}

// ListFilter narrows an admin listing.
type ListFilter struct {
	Region   string
	Email    string
	Page     int
	PageSize int
}

// Page is one page of a listing.
type Page struct {
	Items    []models.Account
	Total    int64
	Page     int
	PageSize int
}

// EligibilityFilter describes the accounts that may serve one request.
type EligibilityFilter struct {
	// Column is the usage counter to cap; empty skips the quota check.
	Column string
	Limit  int
	// RequirePoints excludes accounts with no remaining points.
	RequirePoints bool
	Now           time.Time
}

// BulkResult reports a batch import.
type BulkResult struct {
	Created []models.Account
	Skipped []string
}

// GormAccountStore persists accounts via GORM.
type GormAccountStore struct {
	db *gorm.DB
}

// NewGormAccountStore constructs a GormAccountStore.
func NewGormAccountStore(conn *gorm.DB) *GormAccountStore {
	return &GormAccountStore{db: conn}
}

var _ AccountStore = (*GormAccountStore)(nil)

func (s *GormAccountStore) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm account store: not initialized")
	}
	return nil
}

// Get loads one account.
func (s *GormAccountStore) Get(ctx context.Context, id uint64) (*models.Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var account models.Account
	if errFind := s.db.WithContext(ctx).First(&account, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gorm account store: get: %w", errFind)
	}
	return &account, nil
}

// Create inserts an account. A present session id stamps session_id_updated_at.
func (s *GormAccountStore) Create(ctx context.Context, account *models.Account) error {
	if err := s.ready(); err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("gorm account store: account is nil")
	}
	account.Email = strings.TrimSpace(account.Email)
	if account.Email == "" {
		return fmt.Errorf("gorm account store: missing email")
	}
	if account.Points < 0 {
		account.Points = 0
	}
	if account.HasSession() && account.SessionIDUpdatedAt == nil {
		now := time.Now().UTC()
		account.SessionIDUpdatedAt = &now
	}
	if errCreate := s.db.WithContext(ctx).Create(account).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("gorm account store: create: %w", errCreate)
	}
	return nil
}

// Update applies patch in one transaction and returns the stored row.
func (s *GormAccountStore) Update(ctx context.Context, id uint64, patch AccountPatch) (*models.Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var updated models.Account
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Account
		if errFind := tx.First(&existing, id).Error; errFind != nil {
			return errFind
		}
		now := time.Now().UTC()
		updates := map[string]any{"updated_at": now}
		if patch.Email != nil {
			email := strings.TrimSpace(*patch.Email)
			if email == "" {
				return fmt.Errorf("gorm account store: missing email")
			}
			updates["email"] = email
		}
		if patch.Password != nil {
			updates["password"] = *patch.Password
		}
		if patch.Region != nil {
			updates["region"] = strings.ToLower(strings.TrimSpace(*patch.Region))
		}
		if patch.SessionID != nil {
			sessionID := strings.TrimSpace(*patch.SessionID)
			updates["session_id"] = sessionID
			if sessionID != existing.SessionID {
				updates["session_id_updated_at"] = now
			}
		}
		if patch.Points != nil {
			points := *patch.Points
			if points < 0 {
				points = 0
			}
			updates["points"] = points
		}
		if errUpdate := tx.Model(&models.Account{}).Where("id = ?", id).Updates(updates).Error; errUpdate != nil {
			return errUpdate
		}
		return tx.First(&updated, id).Error
	})
	if errTx != nil {
		switch {
		case errors.Is(errTx, gorm.ErrRecordNotFound):
			return nil, ErrNotFound
		case db.IsUniqueViolation(errTx):
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("gorm account store: update: %w", errTx)
	}
	return &updated, nil
}

// Delete removes an account.
func (s *GormAccountStore) Delete(ctx context.Context, id uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Delete(&models.Account{}, id)
	if res.Error != nil {
		return fmt.Errorf("gorm account store: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns one page of accounts ordered by id.
func (s *GormAccountStore) List(ctx context.Context, filter ListFilter) (*Page, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	q := s.db.WithContext(ctx).Model(&models.Account{})
	if region := strings.ToLower(strings.TrimSpace(filter.Region)); region != "" {
		q = q.Where("region = ?", region)
	}
	if email := strings.TrimSpace(filter.Email); email != "" {
		pattern := db.NormalizeLikePattern(s.db, "%"+db.EscapeLike(email)+"%")
		q = q.Where(db.CaseInsensitiveLikeExpr(s.db, "email")+` ESCAPE '\'`, pattern)
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, fmt.Errorf("gorm account store: count: %w", errCount)
	}
	var rows []models.Account
	if errFind := q.Order("id ASC").Offset((page - 1) * size).Limit(size).Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("gorm account store: list: %w", errFind)
	}
	return &Page{Items: rows, Total: total, Page: page, PageSize: size}, nil
}

// BulkCreate inserts accounts one by one, skipping emails that repeat within
// the batch or already exist.
func (s *GormAccountStore) BulkCreate(ctx context.Context, accounts []models.Account) (*BulkResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	result := &BulkResult{}
	seen := make(map[string]struct{}, len(accounts))
	for i := range accounts {
		account := accounts[i]
		email := strings.ToLower(strings.TrimSpace(account.Email))
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			result.Skipped = append(result.Skipped, account.Email)
			continue
		}
		seen[email] = struct{}{}

		exists, errExists := s.EmailExists(ctx, account.Email)
		if errExists != nil {
			return result, errExists
		}
		if exists {
			result.Skipped = append(result.Skipped, account.Email)
			continue
		}
		if errCreate := s.Create(ctx, &account); errCreate != nil {
			if errors.Is(errCreate, ErrDuplicateEmail) {
				result.Skipped = append(result.Skipped, account.Email)
				continue
			}
			return result, errCreate
		}
		result.Created = append(result.Created, account)
	}
	return result, nil
}

// EmailExists reports whether an account already uses email, ignoring case.
func (s *GormAccountStore) EmailExists(ctx context.Context, email string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var count int64
	if errCount := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		Count(&count).Error; errCount != nil {
		return false, fmt.Errorf("gorm account store: email exists: %w", errCount)
	}
	return count > 0, nil
}

// ListEligible returns accounts passing the ban, session, quota and points
// filters, ordered by id so the rotation index is stable between calls.
func (s *GormAccountStore) ListEligible(ctx context.Context, filter EligibilityFilter) ([]models.Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	now := filter.Now
	if now.IsZero() {
		now = time.Now()
	}
	q := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("session_id IS NOT NULL AND session_id <> ''").
		Where("(is_banned = ? OR ban_until IS NULL OR ban_until <= ?)", false, now.UTC())
	if filter.Column != "" {
		if !isUsageColumn(filter.Column) {
			return nil, fmt.Errorf("gorm account store: unknown usage column %q", filter.Column)
		}
		q = q.Where(filter.Column+" < ?", filter.Limit)
	}
	if filter.RequirePoints {
		q = q.Where("points > 0")
	}
	var rows []models.Account
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("gorm account store: list eligible: %w", errFind)
	}
	return rows, nil
}

// IncrementUsage bumps the counter for model and returns the updated row.
// Unknown models leave the row untouched.
func (s *GormAccountStore) IncrementUsage(ctx context.Context, id uint64, model string) (*models.Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var account models.Account
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if column, ok := models.UsageColumn(model); ok {
			res := tx.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
				column:       gorm.Expr(column + " + 1"),
				"updated_at": time.Now().UTC(),
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
		}
		return tx.First(&account, id).Error
	})
	if errTx != nil {
		if errors.Is(errTx, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gorm account store: increment usage: %w", errTx)
	}
	return &account, nil
}

// UpdatePoints overwrites the points balance, clamped at zero.
func (s *GormAccountStore) UpdatePoints(ctx context.Context, id uint64, points float64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if points < 0 {
		points = 0
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"points":     points,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("gorm account store: update points: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ban suspends an account until the given time and counts the event.
func (s *GormAccountStore) Ban(ctx context.Context, id uint64, until time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"is_banned":   true,
		"ban_until":   until.UTC(),
		"error_count": gorm.Expr("error_count + 1"),
		"updated_at":  time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("gorm account store: ban: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Unban clears both ban fields.
func (s *GormAccountStore) Unban(ctx context.Context, id uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"is_banned":  false,
		"ban_until":  nil,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("gorm account store: unban: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearExpiredBans lifts every ban whose expiry has passed. Rows with the flag
// set but no expiry are cleared as well.
func (s *GormAccountStore) ClearExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("is_banned = ? AND (ban_until IS NULL OR ban_until <= ?)", true, now.UTC()).
		Updates(map[string]any{
			"is_banned":  false,
			"ban_until":  nil,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("gorm account store: clear expired bans: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ResetUsageCounters zeroes every per-model counter. error_count is kept.
func (s *GormAccountStore) ResetUsageCounters(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	for _, column := range models.UsageColumns() {
		updates[column] = 0
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("1 = 1").Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("gorm account store: reset usage: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListStaleSessions returns accounts whose session was never stamped or was
// last written before cutoff.
func (s *GormAccountStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]models.Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var rows []models.Account
	if errFind := s.db.WithContext(ctx).
		Where("session_id_updated_at IS NULL OR session_id_updated_at < ?", cutoff.UTC()).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("gorm account store: list stale sessions: %w", errFind)
	}
	return rows, nil
}

// UpdateSession writes a new credential together with its region and stamp.
func (s *GormAccountStore) UpdateSession(ctx context.Context, id uint64, region, sessionID string, now time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"region":                region,
		"session_id":            sessionID,
		"session_id_updated_at": now.UTC(),
		"updated_at":            time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("gorm account store: update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForPointsRefresh returns accounts with a session in a credit-supported region.
func (s *GormAccountStore) ListForPointsRefresh(ctx context.Context, skipRegions []string) ([]models.Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).
		Where("session_id IS NOT NULL AND session_id <> ''").
		Where("region IS NOT NULL AND region <> ''")
	if len(skipRegions) > 0 {
		lowered := make([]string, 0, len(skipRegions))
		for _, region := range skipRegions {
			lowered = append(lowered, strings.ToLower(strings.TrimSpace(region)))
		}
		q = q.Where("LOWER(region) NOT IN ?", lowered)
	}
	var rows []models.Account
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("gorm account store: list for points refresh: %w", errFind)
	}
	return rows, nil
}

func isUsageColumn(column string) bool {
	for _, known := range models.UsageColumns() {
		if known == column {
			return true
		}
	}
	return false
}
