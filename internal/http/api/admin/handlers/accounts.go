package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"github.com/router-for-me/DreaminaPoolProxy/internal/register"
	internalsettings "github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
	log "github.com/sirupsen/logrus"
)

const maskedPassword = "********"

// AccountRegistrar acquires accounts and refreshes sessions on demand.
type AccountRegistrar interface {
	RegisterNewAccount(ctx context.Context) (*models.Account, error)
	RefreshSession(ctx context.Context, account *models.Account) (*models.Account, error)
}

// AccountHandler manages pooled account endpoints.
type AccountHandler struct {
	accounts  store.AccountStore
	registrar AccountRegistrar
	settings  *internalsettings.Holder
	now       func() time.Time
}

// NewAccountHandler constructs an AccountHandler. registrar may be nil, in
// which case the registration endpoints answer 400.
func NewAccountHandler(accounts store.AccountStore, registrar AccountRegistrar, holder *internalsettings.Holder) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		registrar: registrar,
		settings:  holder,
		now:       time.Now,
	}
}

// createAccountRequest defines the request body for account creation.
type createAccountRequest struct {
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	Region    string   `json:"region"`
	SessionID string   `json:"session_id"`
	Points    *float64 `json:"points"`
}

// Create adds one account.
func (h *AccountHandler) Create(c *gin.Context) {
	var body createAccountRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	email := strings.TrimSpace(body.Email)
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing email"})
		return
	}
	if strings.TrimSpace(body.Password) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing password"})
		return
	}
	region := strings.ToLower(strings.TrimSpace(body.Region))
	if region == "" {
		region = h.settings.Load().DefaultRegion
	}
	account := models.Account{
		Email:     email,
		Password:  body.Password,
		Region:    region,
		SessionID: strings.TrimSpace(body.SessionID),
	}
	if body.Points != nil {
		if *body.Points < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "points must not be negative"})
			return
		}
		account.Points = *body.Points
	}

	if errCreate := h.accounts.Create(c.Request.Context(), &account); errCreate != nil {
		if errors.Is(errCreate, store.ErrDuplicateEmail) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create account failed"})
		return
	}
	c.JSON(http.StatusCreated, formatAccount(&account))
}

// List returns one page of accounts filtered by region and email substring.
func (h *AccountHandler) List(c *gin.Context) {
	page, errPage := queryInt(c, "page", 1)
	if errPage != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	size, errSize := queryInt(c, "size", store.DefaultPageSize)
	if errSize != nil || size < 1 || size > store.MaxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
		return
	}

	result, errList := h.accounts.List(c.Request.Context(), store.ListFilter{
		Region:   strings.TrimSpace(c.Query("region")),
		Email:    strings.TrimSpace(c.Query("email")),
		Page:     page,
		PageSize: size,
	})
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list accounts failed"})
		return
	}
	items := make([]gin.H, 0, len(result.Items))
	for i := range result.Items {
		items = append(items, formatAccount(&result.Items[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"total": result.Total,
		"page":  result.Page,
		"size":  result.PageSize,
		"items": items,
	})
}

// Get returns an account by ID.
func (h *AccountHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	account, errGet := h.accounts.Get(c.Request.Context(), id)
	if errGet != nil {
		writeStoreError(c, errGet, "query failed")
		return
	}
	c.JSON(http.StatusOK, formatAccount(account))
}

// updateAccountRequest defines the request body for account updates.
type updateAccountRequest struct {
	Email     *string  `json:"email"`
	Password  *string  `json:"password"`
	Region    *string  `json:"region"`
	SessionID *string  `json:"session_id"`
	Points    *float64 `json:"points"`
}

// Update modifies the editable fields of an account.
func (h *AccountHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body updateAccountRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Email != nil && strings.TrimSpace(*body.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email must not be empty"})
		return
	}
	if body.Points != nil && *body.Points < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "points must not be negative"})
		return
	}
	if body.Region != nil {
		region := strings.ToLower(strings.TrimSpace(*body.Region))
		body.Region = &region
	}

	account, errUpdate := h.accounts.Update(c.Request.Context(), id, store.AccountPatch{
		Email:     body.Email,
		Password:  body.Password,
		Region:    body.Region,
		SessionID: body.SessionID,
		Points:    body.Points,
	})
	if errUpdate != nil {
		writeStoreError(c, errUpdate, "update failed")
		return
	}
	c.JSON(http.StatusOK, formatAccount(account))
}

// Delete removes an account.
func (h *AccountHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if errDelete := h.accounts.Delete(c.Request.Context(), id); errDelete != nil {
		writeStoreError(c, errDelete, "delete failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// banAccountRequest optionally overrides the configured ban length.
type banAccountRequest struct {
	DurationHours *float64 `json:"duration_hours"`
}

// Ban suspends an account. The length comes from the body, the
// duration_hours query parameter, or ACCOUNT_BAN_DURATION_HOURS.
func (h *AccountHandler) Ban(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	duration := h.settings.Load().BanDuration()
	if raw := strings.TrimSpace(c.Query("duration_hours")); raw != "" {
		parsed, errParse := strconv.ParseFloat(raw, 64)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration_hours"})
			return
		}
		if parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "duration_hours must be positive"})
			return
		}
		duration = internalsettings.HoursDuration(parsed)
	}
	if c.Request.ContentLength > 0 {
		var body banAccountRequest
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		if body.DurationHours != nil {
			if *body.DurationHours <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "duration_hours must be positive"})
				return
			}
			duration = internalsettings.HoursDuration(*body.DurationHours)
		}
	}

	until := h.now().UTC().Add(duration)
	if errBan := h.accounts.Ban(c.Request.Context(), id, until); errBan != nil {
		writeStoreError(c, errBan, "ban failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "ban_until": until})
}

// Unban clears the ban of an account.
func (h *AccountHandler) Unban(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if errUnban := h.accounts.Unban(c.Request.Context(), id); errUnban != nil {
		writeStoreError(c, errUnban, "unban failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RefreshSession renews the session of one account through the registration service.
func (h *AccountHandler) RefreshSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if h.registrar == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "registration service not configured"})
		return
	}
	account, errGet := h.accounts.Get(c.Request.Context(), id)
	if errGet != nil {
		writeStoreError(c, errGet, "query failed")
		return
	}
	refreshed, errRefresh := h.registrar.RefreshSession(c.Request.Context(), account)
	if errRefresh != nil {
		writeRegistrationError(c, errRefresh)
		return
	}
	c.JSON(http.StatusOK, formatAccount(refreshed))
}

// Register acquires a brand-new account through the registration service.
func (h *AccountHandler) Register(c *gin.Context) {
	if h.registrar == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "registration service not configured"})
		return
	}
	account, errRegister := h.registrar.RegisterNewAccount(c.Request.Context())
	if errRegister != nil {
		writeRegistrationError(c, errRegister)
		return
	}
	c.JSON(http.StatusCreated, formatAccount(account))
}

func writeRegistrationError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, register.ErrNotConfigured):
		status = http.StatusBadRequest
	case errors.Is(err, register.ErrRegistrationTimeout):
		status = http.StatusRequestTimeout
	case errors.Is(err, register.ErrEmailExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	}
	log.WithError(err).Warn("admin: registration request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func writeStoreError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrDuplicateEmail):
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
	default:
		log.WithError(err).Warn("admin: store operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func parseID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// formatAccount renders an account with its password masked.
func formatAccount(a *models.Account) gin.H {
	password := ""
	if a.Password != "" {
		password = maskedPassword
	}
	return gin.H{
		"id":                    a.ID,
		"email":                 a.Email,
		"password":              password,
		"region":                a.Region,
		"session_id":            a.SessionID,
		"points":                a.Points,
		"jimeng_4_0_count":      a.Jimeng40Count,
		"jimeng_4_1_count":      a.Jimeng41Count,
		"nanobanana_count":      a.NanobananaCount,
		"nanobananapro_count":   a.NanobananaproCount,
		"video_3_0_count":       a.Video30Count,
		"error_count":           a.ErrorCount,
		"is_banned":             a.IsBanned,
		"ban_until":             a.BanUntil,
		"session_id_updated_at": a.SessionIDUpdatedAt,
		"created_at":            a.CreatedAt,
		"updated_at":            a.UpdatedAt,
	}
}
