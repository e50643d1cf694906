package main

import (
	"strings"
	"testing"
	"time"
)

func TestTruncateCenter(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 9, "abc...hij"},
		{"abc", 2, "ab"},
	}
	for _, tc := range cases {
		if got := TruncateCenter(tc.in, tc.maxLen); got != tc.want {
			t.Errorf("TruncateCenter(%q, %d) = %q, want %q", tc.in, tc.maxLen, got, tc.want)
		}
	}
}

func TestTruncateWithPreserve(t *testing.T) {
	got := TruncateWithPreserve("title", 100, "[YT] ", " (3m)")
	if got != "[YT] title (3m)" {
		t.Errorf("Expected untouched short title, got %q", got)
	}
	long := TruncateWithPreserve(strings.Repeat("a", 30), 20, "[YT] ", " (x)")
	if len([]rune(long)) > 20 {
		t.Errorf("Result exceeds max length: %q", long)
	}
	if !strings.HasPrefix(long, "[YT] ") || !strings.HasSuffix(long, " (x)") {
		t.Errorf("Prefix or suffix lost: %q", long)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "∞"},
		{45 * time.Second, "45s"},
		{3*time.Minute + 4*time.Second, "3m 4s"},
		{2*time.Hour + 30*time.Minute, "2h 30m"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseDurationColon(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"3:45", 3*time.Minute + 45*time.Second},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second},
		{"45", 45 * time.Second},
		{"", 0},
		{"abc", 0},
	}
	for _, tc := range cases {
		if got := parseDurationColon(tc.in); got != tc.want {
			t.Errorf("parseDurationColon(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
