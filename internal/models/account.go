package models

import (
	"strings"
	"time"
)

// Account stores one pooled upstream credential and its quota/ban bookkeeping.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Email    string `gorm:"type:text;not null;uniqueIndex"` // Unique login email.
	Password string `gorm:"type:text;not null"`             // Opaque credential, replayed to the registration service.

	Region    string `gorm:"type:text;not null;default:'us'"` // Region prefix used in the upstream token.
	SessionID string `gorm:"type:text"`                       // Region-stripped session credential.

	Points float64 `gorm:"not null;default:0"` // Shared credit balance.

	Jimeng40Count      int `gorm:"column:jimeng_4_0_count;not null;default:0"`    // Usage of jimeng-4.0.
	Jimeng41Count      int `gorm:"column:jimeng_4_1_count;not null;default:0"`    // Usage of jimeng-4.1.
	NanobananaCount    int `gorm:"column:nanobanana_count;not null;default:0"`    // Usage of nanobanana.
	NanobananaproCount int `gorm:"column:nanobananapro_count;not null;default:0"` // Usage of nanobananapro.
	Video30Count       int `gorm:"column:video_3_0_count;not null;default:0"`     // Usage of video-3.0.

	ErrorCount int        `gorm:"not null;default:0"`     // Ban-triggering events seen so far.
	IsBanned   bool       `gorm:"not null;default:false"` // Ban flag; only meaningful with BanUntil.
	BanUntil   *time.Time `gorm:"index"`                  // Ban expiry.

	SessionIDUpdatedAt *time.Time // Last session credential write.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Banned reports whether the account is suspended at now. An expired ban
// counts as lifted even before the sweep clears the flag.
func (a *Account) Banned(now time.Time) bool {
	if a == nil || !a.IsBanned || a.BanUntil == nil {
		return false
	}
	return a.BanUntil.After(now)
}

// HasSession reports whether a routing credential is present.
func (a *Account) HasSession() bool {
	return a != nil && strings.TrimSpace(a.SessionID) != ""
}

// UpstreamToken returns the bearer credential presented upstream.
func (a *Account) UpstreamToken() string {
	if a == nil {
		return ""
	}
	return a.Region + "-" + a.SessionID
}

// UsageFor returns the usage counter for a known model.
func (a *Account) UsageFor(model string) (int, bool) {
	if a == nil {
		return 0, false
	}
	switch model {
	case ModelJimeng40:
		return a.Jimeng40Count, true
	case ModelJimeng41:
		return a.Jimeng41Count, true
	case ModelNanobanana:
		return a.NanobananaCount, true
	case ModelNanobananaPro:
		return a.NanobananaproCount, true
	case ModelVideo30:
		return a.Video30Count, true
	default:
		return 0, false
	}
}
