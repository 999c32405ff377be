package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestBuildRendersContext(t *testing.T) {
	now := time.Date(2026, time.March, 9, 14, 30, 0, 0, time.UTC)
	out := Build(Params{
		Now:      now,
		Timezone: "America/New_York",
		Locale:   "en-US",
		RoleName: "Analyst",
		RoleJob:  "Market research",
		Accounts: []string{"a@example.com"},
		Viewer:   &ViewerFile{CacheID: "abc123", Filename: "q3.pdf", Type: "pdf"},
	})

	// 14:30 UTC is 10:30 in New York during DST.
	if !strings.Contains(out, "Monday, March 9, 2026 at 10:30") {
		t.Errorf("date not rendered in timezone:\n%s", out)
	}
	if !strings.Contains(out, "imperial units") {
		t.Errorf("en-US should select imperial units")
	}
	if !strings.Contains(out, `role "Analyst"`) || !strings.Contains(out, "Market research") {
		t.Errorf("role block missing:\n%s", out)
	}
	if !strings.Contains(out, "a@example.com") {
		t.Error("accounts missing")
	}
	if !strings.Contains(out, `"q3.pdf"`) || !strings.Contains(out, "abc123") {
		t.Error("viewer document context missing")
	}
}

func TestBuildMinimal(t *testing.T) {
	out := Build(Params{Now: time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC)})
	if strings.Contains(out, "role") && strings.Contains(out, "acting as") {
		t.Error("role block rendered without a role")
	}
	if strings.Contains(out, "Connected accounts") {
		t.Error("accounts block rendered without accounts")
	}
	if !strings.Contains(out, "metric units") {
		t.Error("empty locale should default to metric")
	}
	if !strings.Contains(out, "search_tool") {
		t.Error("discovery policy missing")
	}
}

func TestUnitSystem(t *testing.T) {
	tests := []struct {
		locale string
		want   string
	}{
		{"en-US", "imperial"},
		{"en_US", "imperial"},
		{"en-GB", "metric"},
		{"fr-FR", "metric"},
		{"my-MM", "imperial"},
		{"", "metric"},
	}
	for _, tt := range tests {
		if got := unitSystem(tt.locale); got != tt.want {
			t.Errorf("unitSystem(%q) = %q, want %q", tt.locale, got, tt.want)
		}
	}
}
