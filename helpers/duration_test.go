package helpers

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    time.Duration
		expectError bool
	}{
		{name: "Minutes", input: "5m", expected: 5 * time.Minute},
		{name: "Hours", input: "12h", expected: 12 * time.Hour},
		{name: "Days", input: "3d", expected: 72 * time.Hour},
		{name: "Fractional days", input: "1.5d", expected: 36 * time.Hour},
		{name: "Whitespace", input: " 30s ", expected: 30 * time.Second},
		{name: "Empty", input: "", expectError: true},
		{name: "Garbage", input: "soon", expectError: true},
		{name: "Bad day value", input: "xd", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for %q, got %v", tt.input, d)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d != tt.expected {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, d, tt.expected)
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Approver@Example.COM "); got != "approver@example.com" {
		t.Errorf("NormalizeEmail = %q", got)
	}
}

func TestSplitEmailAddress(t *testing.T) {
	local, domain := SplitEmailAddress("User@Example.com")
	if local != "user" || domain != "example.com" {
		t.Errorf("SplitEmailAddress = %q, %q", local, domain)
	}

	local, domain = SplitEmailAddress("nodomain")
	if local != "nodomain" || domain != "" {
		t.Errorf("SplitEmailAddress without domain = %q, %q", local, domain)
	}
}
