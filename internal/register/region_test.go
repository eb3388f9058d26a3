package register

import "testing"

func TestSplitSession(t *testing.T) {
	cases := []struct {
		raw, defaultRegion      string
		wantRegion, wantSession string
	}{
		{"hk-abc123", "us", "hk", "abc123"},
		{"ASIA-xyz", "us", "asia", "xyz"},
		{"eb5e141efa7f", "jp", "jp", "eb5e141efa7f"},
		{"us-", "sg", "sg", "us-"},
		{"  cn-token  ", "", "cn", "token"},
		{"plain", "", "us", "plain"},
	}
	for _, tc := range cases {
		region, session := SplitSession(tc.raw, tc.defaultRegion)
		if region != tc.wantRegion || session != tc.wantSession {
			t.Fatalf("SplitSession(%q): got %q/%q, want %q/%q", tc.raw, region, session, tc.wantRegion, tc.wantSession)
		}
	}
}
