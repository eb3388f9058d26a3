package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKey is returned for keys outside the live settings set.
var ErrUnknownKey = errors.New("unknown setting key")

type valueKind int

const (
	kindString valueKind = iota
	kindPositiveInt
	kindNonNegativeInt
	kindNonNegativeFloat
	kindBool
	kindList
	kindClock
	kindTimezone
)

var keyKinds = map[string]valueKind{
	AdminTokenKey:             kindString,
	UpstreamBaseURLKey:        kindString,
	ProxyTimeoutKey:           kindPositiveInt,
	LimitJimeng40Key:          kindNonNegativeInt,
	LimitJimeng41Key:          kindNonNegativeInt,
	LimitNanobananaKey:        kindNonNegativeInt,
	LimitNanobananaProKey:     kindNonNegativeInt,
	LimitVideo30Key:           kindNonNegativeInt,
	PointsExemptModelsKey:     kindList,
	CreditSkipRegionsKey:      kindList,
	DefaultRegionKey:          kindString,
	RegisterAPIURLKey:         kindString,
	RegisterAPIKeyKey:         kindString,
	RegisterMailTypeKey:       kindString,
	DefaultPointsKey:          kindNonNegativeFloat,
	ResetCountsTimeKey:        kindClock,
	ResetTimezoneKey:          kindTimezone,
	SessionUpdateDaysKey:      kindPositiveInt,
	SessionUpdateBatchSizeKey: kindPositiveInt,
	AutoRegisterEnabledKey:    kindBool,
	AutoRegisterIntervalKey:   kindPositiveInt,
	BanDurationHoursKey:       kindNonNegativeFloat,
	PointsUpdateEnabledKey:    kindBool,
	PointsUpdateIntervalKey:   kindPositiveInt,
}

// Validate checks that raw is an acceptable value for key.
func Validate(key string, raw json.RawMessage) error {
	kind, ok := keyKinds[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	valid := false
	switch kind {
	case kindString:
		_, valid = parseString(raw)
	case kindPositiveInt:
		v, okInt := parseNonNegativeInt(raw)
		valid = okInt && v > 0
	case kindNonNegativeInt:
		_, valid = parseNonNegativeInt(raw)
	case kindNonNegativeFloat:
		_, valid = parseNonNegativeFloat(raw)
	case kindBool:
		_, valid = parseBool(raw)
	case kindList:
		_, valid = parseStringList(raw)
	case kindClock:
		if v, okString := parseString(raw); okString {
			_, _, valid = ParseClock(v)
		}
	case kindTimezone:
		if v, okString := parseString(raw); okString {
			_, errLoad := time.LoadLocation(v)
			valid = errLoad == nil
		}
	}
	if !valid {
		return fmt.Errorf("invalid value for %s", key)
	}
	return nil
}
