package ratelimit

import (
	"testing"
	"time"
)

func TestParseResetDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"7.66s", 7660 * time.Millisecond},
		{"120ms", 120 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"1h", time.Hour},
		{"0s", 0},
		{"", 0},
		{"5", 0},
		{"-3s", 0},
		{"3 s", 0},
		{"s", 0},
		{"1.5.2s", 0},
		{"2d", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseResetDuration(tt.in); got != tt.want {
				t.Errorf("ParseResetDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatResetDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{2 * time.Hour, "2h"},
		{90 * time.Minute, "90m"},
		{45 * time.Second, "45s"},
		{1500 * time.Millisecond, "1500ms"},
		{7660 * time.Millisecond, "7660ms"},
		{0, "0s"},
		{-time.Second, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatResetDuration(tt.in); got != tt.want {
				t.Errorf("FormatResetDuration(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResetDurationRoundTrip(t *testing.T) {
	durations := []time.Duration{
		time.Millisecond,
		120 * time.Millisecond,
		1500 * time.Millisecond,
		time.Second,
		7660 * time.Millisecond,
		45 * time.Second,
		2 * time.Minute,
		90 * time.Minute,
		time.Hour,
	}

	for _, d := range durations {
		if got := ParseResetDuration(FormatResetDuration(d)); got != d {
			t.Errorf("round trip of %v produced %v", d, got)
		}
	}
}
