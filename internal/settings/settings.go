package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
)

// Settings is an immutable snapshot of the live, hot-reloadable settings.
type Settings struct {
	AdminToken      string
	UpstreamBaseURL string
	ProxyTimeout    time.Duration

	ModelLimits        map[string]int
	PointsExemptModels []string
	CreditSkipRegions  []string
	DefaultRegion      string

	RegisterAPIURL   string
	RegisterAPIKey   string
	RegisterMailType string
	DefaultPoints    float64

	ResetCountsTime        string
	ResetTimezone          string
	SessionUpdateDays      int
	SessionUpdateBatchSize int

	AutoRegisterEnabled  bool
	AutoRegisterInterval time.Duration

	BanDurationHours float64

	PointsUpdateEnabled  bool
	PointsUpdateInterval time.Duration
}

var limitKeys = map[string]string{
	models.ModelJimeng40:      LimitJimeng40Key,
	models.ModelJimeng41:      LimitJimeng41Key,
	models.ModelNanobanana:    LimitNanobananaKey,
	models.ModelNanobananaPro: LimitNanobananaProKey,
	models.ModelVideo30:       LimitVideo30Key,
}

// Defaults returns the settings used when no row overrides a key.
func Defaults() Settings {
	limits := make(map[string]int, len(limitKeys))
	for model := range limitKeys {
		limits[model] = DefaultModelLimit
	}
	return Settings{
		AdminToken:             DefaultAdminToken,
		UpstreamBaseURL:        DefaultUpstreamBaseURL,
		ProxyTimeout:           DefaultProxyTimeoutSeconds * time.Second,
		ModelLimits:            limits,
		PointsExemptModels:     append([]string(nil), DefaultPointsExemptModels...),
		CreditSkipRegions:      append([]string(nil), DefaultCreditSkipRegions...),
		DefaultRegion:          DefaultRegion,
		RegisterMailType:       DefaultRegisterMailType,
		DefaultPoints:          DefaultPoints,
		ResetCountsTime:        DefaultResetCountsTime,
		SessionUpdateDays:      DefaultSessionUpdateDays,
		SessionUpdateBatchSize: DefaultSessionUpdateBatchSize,
		AutoRegisterInterval:   DefaultAutoRegisterInterval * time.Second,
		BanDurationHours:       DefaultBanDurationHours,
		PointsUpdateInterval:   DefaultPointsUpdateInterval * time.Second,
	}
}

// FromValues overlays raw DB values onto the defaults. Invalid values keep the default.
func FromValues(values map[string]json.RawMessage) Settings {
	s := Defaults()

	if v, ok := stringValue(values, AdminTokenKey); ok && v != "" {
		s.AdminToken = v
	}
	if v, ok := stringValue(values, UpstreamBaseURLKey); ok && v != "" {
		s.UpstreamBaseURL = strings.TrimRight(v, "/")
	}
	if v, ok := intValue(values, ProxyTimeoutKey); ok && v > 0 {
		s.ProxyTimeout = time.Duration(v) * time.Second
	}
	for model, key := range limitKeys {
		if v, ok := intValue(values, key); ok {
			s.ModelLimits[model] = v
		}
	}
	if v, ok := listValue(values, PointsExemptModelsKey); ok {
		s.PointsExemptModels = v
	}
	if v, ok := listValue(values, CreditSkipRegionsKey); ok {
		s.CreditSkipRegions = v
	}
	if v, ok := stringValue(values, DefaultRegionKey); ok && v != "" {
		s.DefaultRegion = strings.ToLower(v)
	}
	if v, ok := stringValue(values, RegisterAPIURLKey); ok {
		s.RegisterAPIURL = strings.TrimRight(v, "/")
	}
	if v, ok := stringValue(values, RegisterAPIKeyKey); ok {
		s.RegisterAPIKey = v
	}
	if v, ok := stringValue(values, RegisterMailTypeKey); ok && v != "" {
		s.RegisterMailType = v
	}
	if v, ok := floatValue(values, DefaultPointsKey); ok {
		s.DefaultPoints = v
	}
	if v, ok := stringValue(values, ResetCountsTimeKey); ok {
		if _, _, okParse := ParseClock(v); okParse {
			s.ResetCountsTime = v
		}
	}
	if v, ok := stringValue(values, ResetTimezoneKey); ok {
		s.ResetTimezone = v
	}
	if v, ok := intValue(values, SessionUpdateDaysKey); ok && v > 0 {
		s.SessionUpdateDays = v
	}
	if v, ok := intValue(values, SessionUpdateBatchSizeKey); ok && v > 0 {
		s.SessionUpdateBatchSize = v
	}
	if v, ok := boolValue(values, AutoRegisterEnabledKey); ok {
		s.AutoRegisterEnabled = v
	}
	if v, ok := intValue(values, AutoRegisterIntervalKey); ok && v > 0 {
		s.AutoRegisterInterval = time.Duration(v) * time.Second
	}
	if v, ok := floatValue(values, BanDurationHoursKey); ok && v > 0 {
		s.BanDurationHours = v
	}
	if v, ok := boolValue(values, PointsUpdateEnabledKey); ok {
		s.PointsUpdateEnabled = v
	}
	if v, ok := intValue(values, PointsUpdateIntervalKey); ok && v > 0 {
		s.PointsUpdateInterval = time.Duration(v) * time.Second
	}
	return s
}

// DefaultValues returns every key with its default, ready to be JSON encoded.
func DefaultValues() map[string]any {
	d := Defaults()
	return map[string]any{
		AdminTokenKey:             d.AdminToken,
		UpstreamBaseURLKey:        d.UpstreamBaseURL,
		ProxyTimeoutKey:           DefaultProxyTimeoutSeconds,
		LimitJimeng40Key:          DefaultModelLimit,
		LimitJimeng41Key:          DefaultModelLimit,
		LimitNanobananaKey:        DefaultModelLimit,
		LimitNanobananaProKey:     DefaultModelLimit,
		LimitVideo30Key:           DefaultModelLimit,
		PointsExemptModelsKey:     d.PointsExemptModels,
		CreditSkipRegionsKey:      d.CreditSkipRegions,
		DefaultRegionKey:          d.DefaultRegion,
		RegisterAPIURLKey:         "",
		RegisterAPIKeyKey:         "",
		RegisterMailTypeKey:       d.RegisterMailType,
		DefaultPointsKey:          d.DefaultPoints,
		ResetCountsTimeKey:        d.ResetCountsTime,
		ResetTimezoneKey:          "",
		SessionUpdateDaysKey:      d.SessionUpdateDays,
		SessionUpdateBatchSizeKey: d.SessionUpdateBatchSize,
		AutoRegisterEnabledKey:    false,
		AutoRegisterIntervalKey:   DefaultAutoRegisterInterval,
		BanDurationHoursKey:       d.BanDurationHours,
		PointsUpdateEnabledKey:    false,
		PointsUpdateIntervalKey:   DefaultPointsUpdateInterval,
	}
}

// ModelLimit returns the usage cap for a counted model.
func (s Settings) ModelLimit(model string) (int, bool) {
	if _, counted := models.UsageColumn(model); !counted {
		return 0, false
	}
	limit, ok := s.ModelLimits[model]
	if !ok {
		return DefaultModelLimit, true
	}
	return limit, true
}

// PointsExempt reports whether model may be served by an account with no points.
func (s Settings) PointsExempt(model string) bool {
	return containsFold(s.PointsExemptModels, model)
}

// CreditSupported reports whether region has a credit lookup endpoint.
func (s Settings) CreditSupported(region string) bool {
	region = strings.TrimSpace(region)
	if region == "" {
		return false
	}
	return !containsFold(s.CreditSkipRegions, region)
}

// BanDuration converts the configured hours to a duration.
func (s Settings) BanDuration() time.Duration {
	hours := s.BanDurationHours
	if hours <= 0 {
		hours = DefaultBanDurationHours
	}
	return HoursDuration(hours)
}

// HoursDuration converts fractional hours to a duration.
func HoursDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

// SessionMaxAge returns how old a session may get before it is refreshed.
func (s Settings) SessionMaxAge() time.Duration {
	days := s.SessionUpdateDays
	if days <= 0 {
		days = DefaultSessionUpdateDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ResetLocation resolves the zone of the daily reset clock.
func (s Settings) ResetLocation() *time.Location {
	name := strings.TrimSpace(s.ResetTimezone)
	if name == "" {
		return time.Local
	}
	loc, errLoad := time.LoadLocation(name)
	if errLoad != nil {
		return time.Local
	}
	return loc
}

// RegisterConfigured reports whether the registration service can be reached.
func (s Settings) RegisterConfigured() bool {
	return strings.TrimSpace(s.RegisterAPIURL) != ""
}

// ParseClock parses an HH:MM wall-clock time.
func ParseClock(raw string) (int, int, bool) {
	parsed, errParse := time.Parse("15:04", strings.TrimSpace(raw))
	if errParse != nil {
		return 0, 0, false
	}
	return parsed.Hour(), parsed.Minute(), true
}

func containsFold(list []string, value string) bool {
	value = strings.TrimSpace(value)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

func stringValue(values map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := values[key]
	if !ok {
		return "", false
	}
	return parseString(raw)
}

func intValue(values map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := values[key]
	if !ok {
		return 0, false
	}
	return parseNonNegativeInt(raw)
}

func floatValue(values map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := values[key]
	if !ok {
		return 0, false
	}
	return parseNonNegativeFloat(raw)
}

func boolValue(values map[string]json.RawMessage, key string) (bool, bool) {
	raw, ok := values[key]
	if !ok {
		return false, false
	}
	return parseBool(raw)
}

func listValue(values map[string]json.RawMessage, key string) ([]string, bool) {
	raw, ok := values[key]
	if !ok {
		return nil, false
	}
	return parseStringList(raw)
}

func parseBool(raw json.RawMessage) (bool, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false, false
	}
	var parsedBool bool
	if errUnmarshalBool := json.Unmarshal(raw, &parsedBool); errUnmarshalBool == nil {
		return parsedBool, true
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		switch strings.ToLower(strings.TrimSpace(parsedString)) {
		case "1", "true", "yes", "y", "on":
			return true, true
		case "0", "false", "no", "n", "off":
			return false, true
		default:
			return false, false
		}
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if parsedFloat == 1 {
			return true, true
		}
		if parsedFloat == 0 {
			return false, true
		}
	}
	return false, false
}

func parseString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	var parsedString string
	if errUnmarshal := json.Unmarshal(raw, &parsedString); errUnmarshal == nil {
		return strings.TrimSpace(parsedString), true
	}
	return "", false
}

func parseNonNegativeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return 0, false
		}
		if parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) {
			return 0, false
		}
		return int(parsedFloat), true
	}
	return 0, false
}

func parseNonNegativeFloat(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) || parsedFloat < 0 {
			return 0, false
		}
		return parsedFloat, true
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.ParseFloat(strings.TrimSpace(parsedString), 64)
		if errParse != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) || parsed < 0 {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// parseStringList accepts a JSON array of strings or a comma separated string.
func parseStringList(raw json.RawMessage) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	var list []string
	if errUnmarshalList := json.Unmarshal(raw, &list); errUnmarshalList != nil {
		var joined string
		if errUnmarshalString := json.Unmarshal(raw, &joined); errUnmarshalString != nil {
			return nil, false
		}
		list = strings.Split(joined, ",")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, true
}
