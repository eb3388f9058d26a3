package settings

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
)

func TestFromValuesDefaults(t *testing.T) {
	s := FromValues(nil)
	if s.AdminToken != DefaultAdminToken {
		t.Fatalf("expected default admin token, got %q", s.AdminToken)
	}
	if s.ProxyTimeout != 300*time.Second {
		t.Fatalf("expected 300s timeout, got %s", s.ProxyTimeout)
	}
	for _, model := range models.KnownModels {
		limit, ok := s.ModelLimit(model)
		if !ok || limit != DefaultModelLimit {
			t.Fatalf("expected default limit for %s, got %d/%v", model, limit, ok)
		}
	}
	if s.BanDuration() != 4*time.Hour {
		t.Fatalf("expected 4h ban duration, got %s", s.BanDuration())
	}
	if !s.PointsExempt(models.ModelNanobanana) {
		t.Fatalf("expected nanobanana to be points exempt")
	}
	if s.CreditSupported("cn") {
		t.Fatalf("expected cn to skip credit lookups")
	}
	if !s.CreditSupported("us") {
		t.Fatalf("expected us to support credit lookups")
	}
	if s.CreditSupported("") {
		t.Fatalf("expected empty region to skip credit lookups")
	}
}

func TestFromValuesLenientParsing(t *testing.T) {
	values := map[string]json.RawMessage{
		LimitJimeng40Key:       json.RawMessage(`"10"`),
		LimitVideo30Key:        json.RawMessage(`5`),
		LimitNanobananaKey:     json.RawMessage(`-3`),
		AutoRegisterEnabledKey: json.RawMessage(`"yes"`),
		BanDurationHoursKey:    json.RawMessage(`"0.5"`),
		PointsExemptModelsKey:  json.RawMessage(`"nanobanana, video-3.0"`),
		CreditSkipRegionsKey:   json.RawMessage(`["cn","eu"]`),
		ResetCountsTimeKey:     json.RawMessage(`"25:99"`),
		UpstreamBaseURLKey:     json.RawMessage(`"http://upstream.local/"`),
		ProxyTimeoutKey:        json.RawMessage(`0`),
	}
	s := FromValues(values)

	if limit, _ := s.ModelLimit(models.ModelJimeng40); limit != 10 {
		t.Fatalf("expected jimeng-4.0 limit 10, got %d", limit)
	}
	if limit, _ := s.ModelLimit(models.ModelVideo30); limit != 5 {
		t.Fatalf("expected video-3.0 limit 5, got %d", limit)
	}
	if limit, _ := s.ModelLimit(models.ModelNanobanana); limit != DefaultModelLimit {
		t.Fatalf("expected negative limit to be ignored, got %d", limit)
	}
	if !s.AutoRegisterEnabled {
		t.Fatalf("expected auto register enabled")
	}
	if s.BanDuration() != 30*time.Minute {
		t.Fatalf("expected 30m ban duration, got %s", s.BanDuration())
	}
	if !s.PointsExempt(models.ModelVideo30) {
		t.Fatalf("expected video-3.0 to be points exempt")
	}
	if s.CreditSupported("EU") {
		t.Fatalf("expected eu to skip credit lookups")
	}
	if s.ResetCountsTime != DefaultResetCountsTime {
		t.Fatalf("expected invalid reset time to be ignored, got %q", s.ResetCountsTime)
	}
	if s.UpstreamBaseURL != "http://upstream.local" {
		t.Fatalf("expected trailing slash trimmed, got %q", s.UpstreamBaseURL)
	}
	if s.ProxyTimeout != DefaultProxyTimeoutSeconds*time.Second {
		t.Fatalf("expected zero timeout to be ignored, got %s", s.ProxyTimeout)
	}
}

func TestModelLimitUnknownModel(t *testing.T) {
	if _, ok := Defaults().ModelLimit("some-other-model"); ok {
		t.Fatalf("expected unknown model to have no limit")
	}
}

func TestDefaultValuesRoundTrip(t *testing.T) {
	values := make(map[string]json.RawMessage)
	for key, value := range DefaultValues() {
		raw, errMarshal := json.Marshal(value)
		if errMarshal != nil {
			t.Fatalf("marshal %s: %v", key, errMarshal)
		}
		values[key] = raw
	}
	got := FromValues(values)
	want := Defaults()
	if got.ProxyTimeout != want.ProxyTimeout || got.DefaultPoints != want.DefaultPoints {
		t.Fatalf("default values did not round trip: %+v", got)
	}
	if got.AutoRegisterInterval != want.AutoRegisterInterval {
		t.Fatalf("expected interval %s, got %s", want.AutoRegisterInterval, got.AutoRegisterInterval)
	}
}

func TestParseClock(t *testing.T) {
	hour, minute, ok := ParseClock("07:30")
	if !ok || hour != 7 || minute != 30 {
		t.Fatalf("unexpected clock parse: %d:%d %v", hour, minute, ok)
	}
	if _, _, ok = ParseClock("7pm"); ok {
		t.Fatalf("expected invalid clock to fail")
	}
}

func TestHolderLoadStore(t *testing.T) {
	var empty *Holder
	if empty.Load().AdminToken != DefaultAdminToken {
		t.Fatalf("expected nil holder to return defaults")
	}
	s := Defaults()
	s.AdminToken = "secret"
	h := NewHolder(s)
	if h.Load().AdminToken != "secret" {
		t.Fatalf("expected stored token")
	}
	s.AdminToken = "rotated"
	h.Store(s)
	if h.Load().AdminToken != "rotated" {
		t.Fatalf("expected rotated token")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		key   string
		raw   string
		valid bool
	}{
		{LimitJimeng40Key, `10`, true},
		{LimitJimeng40Key, `"10"`, true},
		{LimitJimeng40Key, `-1`, false},
		{ProxyTimeoutKey, `0`, false},
		{AutoRegisterEnabledKey, `"yes"`, true},
		{AutoRegisterEnabledKey, `"maybe"`, false},
		{ResetCountsTimeKey, `"04:30"`, true},
		{ResetCountsTimeKey, `"4pm"`, false},
		{ResetTimezoneKey, `"Asia/Shanghai"`, true},
		{ResetTimezoneKey, `"Mars/Base"`, false},
		{BanDurationHoursKey, `0.5`, true},
		{CreditSkipRegionsKey, `["cn","eu"]`, true},
		{AdminTokenKey, `42`, false},
	}
	for _, tc := range cases {
		err := Validate(tc.key, json.RawMessage(tc.raw))
		if (err == nil) != tc.valid {
			t.Fatalf("Validate(%s, %s) = %v, want valid=%v", tc.key, tc.raw, err, tc.valid)
		}
	}
	if err := Validate("NOPE", json.RawMessage(`1`)); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestEveryDefaultKeyValidates(t *testing.T) {
	for key, value := range DefaultValues() {
		raw, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("marshal %s: %v", key, err)
		}
		if errValidate := Validate(key, raw); errValidate != nil {
			t.Fatalf("default for %s should validate: %v", key, errValidate)
		}
	}
}
