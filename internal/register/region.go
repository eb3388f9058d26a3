package register

import "strings"

// knownRegions lists the session id prefixes the upstream issues.
var knownRegions = []string{"us", "hk", "jp", "sg", "cn", "eu", "asia"}

// SplitSession derives the region from a "<region>-<session>" credential and
// strips the prefix. Unrecognized credentials keep their value and fall back
// to defaultRegion.
func SplitSession(raw, defaultRegion string) (region, sessionID string) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	for _, candidate := range knownRegions {
		prefix := candidate + "-"
		if strings.HasPrefix(lower, prefix) && len(raw) > len(prefix) {
			return candidate, raw[len(prefix):]
		}
	}
	region = strings.ToLower(strings.TrimSpace(defaultRegion))
	if region == "" {
		region = "us"
	}
	return region, raw
}
