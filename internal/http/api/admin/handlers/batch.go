package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"github.com/router-for-me/DreaminaPoolProxy/internal/register"
)

// batchCreateRequest carries newline separated credential and session lines.
// Line N of sessions belongs to line N of credentials.
type batchCreateRequest struct {
	Credentials string   `json:"credentials"`
	SessionIDs  string   `json:"session_ids"`
	Region      string   `json:"region"`
	Points      *float64 `json:"points"`
}

// BatchCreate imports many accounts at once, skipping duplicate emails.
func (h *AccountHandler) BatchCreate(c *gin.Context) {
	var body batchCreateRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	cfg := h.settings.Load()
	points := cfg.DefaultPoints
	if body.Points != nil {
		if *body.Points < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "points must not be negative"})
			return
		}
		points = *body.Points
	}
	defaultRegion := strings.ToLower(strings.TrimSpace(body.Region))
	if defaultRegion == "" {
		defaultRegion = cfg.DefaultRegion
	}

	accounts, invalid := ParseBatchLines(body.Credentials, body.SessionIDs, defaultRegion, points)
	if len(accounts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no valid credential lines", "invalid": invalid})
		return
	}

	result, errBulk := h.accounts.BulkCreate(c.Request.Context(), accounts)
	if errBulk != nil {
		writeStoreError(c, errBulk, "batch create failed")
		return
	}
	created := make([]gin.H, 0, len(result.Created))
	for i := range result.Created {
		created = append(created, formatAccount(&result.Created[i]))
	}
	skipped := result.Skipped
	if skipped == nil {
		skipped = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"created": created,
		"skipped": skipped,
		"invalid": invalid,
	})
}

// ParseBatchLines pairs "email----password" (or "email:password") lines with
// session id lines by position. Sessions may carry a region prefix; accounts
// without one use defaultRegion. Unparseable credential lines are reported by
// their 1-based line number.
func ParseBatchLines(credentials, sessionIDs, defaultRegion string, points float64) ([]models.Account, []string) {
	credentialLines := splitLines(credentials)
	sessionLines := splitLines(sessionIDs)

	accounts := make([]models.Account, 0, len(credentialLines))
	invalid := make([]string, 0)
	for i, line := range credentialLines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		email, password, ok := splitCredential(line)
		if !ok {
			invalid = append(invalid, fmt.Sprintf("line %d", i+1))
			continue
		}
		account := models.Account{
			Email:    email,
			Password: password,
			Region:   defaultRegion,
			Points:   points,
		}
		if i < len(sessionLines) {
			if raw := strings.TrimSpace(sessionLines[i]); raw != "" {
				account.Region, account.SessionID = register.SplitSession(raw, defaultRegion)
			}
		}
		accounts = append(accounts, account)
	}
	return accounts, invalid
}

func splitCredential(line string) (string, string, bool) {
	email, password, found := strings.Cut(line, "----")
	if !found {
		email, password, found = strings.Cut(line, ":")
	}
	email = strings.TrimSpace(email)
	password = strings.TrimSpace(password)
	if !found || email == "" || password == "" || !strings.Contains(email, "@") {
		return "", "", false
	}
	return email, password, true
}

func splitLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}
