package ratelimit

import (
	"testing"
	"time"
)

func TestContainsLimitPhrase(t *testing.T) {
	limited := []string{
		"You've hit your limit for today",
		"Error: rate limit exceeded",
		"HTTP 429 Too Many Requests",
		"usage limit reached, resets 8pm (UTC)",
		"request exceeded your monthly quota",
		"the service is at capacity",
	}
	for _, s := range limited {
		if !ContainsLimitPhrase(s) {
			t.Errorf("not detected: %q", s)
		}
	}

	clean := []string{
		"",
		"task completed successfully",
		"wrote 3 files",
	}
	for _, s := range clean {
		if ContainsLimitPhrase(s) {
			t.Errorf("false positive: %q", s)
		}
	}
}

func TestParseResetTimeClock(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 0, 0, 0, time.Local)

	got := ParseResetTime("limit reached, resets 8pm (America/New_York)", now)
	want := time.Date(2025, 6, 1, 20, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("8pm: got %v, want %v", got, want)
	}

	got = ParseResetTime("resets 10:30pm (UTC)", now)
	want = time.Date(2025, 6, 1, 22, 30, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("10:30pm: got %v, want %v", got, want)
	}

	// A wall-clock time already past rolls to tomorrow.
	got = ParseResetTime("resets 9am (UTC)", now)
	want = time.Date(2025, 6, 2, 9, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("rollover: got %v, want %v", got, want)
	}

	// 12am and 12pm are midnight and noon.
	got = ParseResetTime("resets 12am (UTC)", now)
	want = time.Date(2025, 6, 2, 0, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("12am: got %v, want %v", got, want)
	}
}

func TestParseResetTimeISO(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	got := ParseResetTime("retry after 2025-06-01T20:15:00Z", now)
	want := time.Date(2025, 6, 1, 20, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("iso: got %v, want %v", got, want)
	}
}

func TestParseResetTimeRelative(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	got := ParseResetTime("try again in 45 minutes", now)
	if want := now.Add(45 * time.Minute); !got.Equal(want) {
		t.Errorf("minutes: got %v, want %v", got, want)
	}

	got = ParseResetTime("Try again in 2 hours.", now)
	if want := now.Add(2 * time.Hour); !got.Equal(want) {
		t.Errorf("hours: got %v, want %v", got, want)
	}
}

func TestParseResetTimeDefault(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	got := ParseResetTime("rate limit exceeded", now)
	if want := now.Add(time.Hour); !got.Equal(want) {
		t.Errorf("default: got %v, want %v", got, want)
	}
}
