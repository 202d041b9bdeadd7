// Package ratelimit detects agent-CLI quota exhaustion and caches the
// verdict so the scheduler can gate new work until the limit resets.
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Phrases the agent CLI emits when quota is exhausted.
var limitPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)you.ve hit your limit`),
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)usage limit`),
	regexp.MustCompile(`(?i)exceeded.*quota`),
	regexp.MustCompile(`(?i)capacity`),
}

// ContainsLimitPhrase reports whether the text carries a rate-limit signal.
func ContainsLimitPhrase(s string) bool {
	for _, re := range limitPhrases {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

var (
	clockRe = regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)(?:\s*\(([^)]+)\))?`)
	isoRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:?\d{2})?`)
	delayRe = regexp.MustCompile(`(?i)try again in (\d+)\s*(minute|hour)s?`)
)

// ParseResetTime extracts a reset deadline from rate-limit text. Recognized
// forms, first match wins: a wall-clock "resets 8pm (UTC)" (interpreted in
// local time, the timezone hint is ignored), an ISO-8601 datetime, and a
// relative "try again in N minutes". When nothing matches the fallback is
// one hour from now.
func ParseResetTime(s string, now time.Time) time.Time {
	if m := clockRe.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if strings.EqualFold(m[3], "pm") && hour != 12 {
			hour += 12
		}
		if strings.EqualFold(m[3], "am") && hour == 12 {
			hour = 0
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at
	}

	if m := isoRe.FindString(s); m != "" {
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02T15:04",
			"2006-01-02 15:04:05",
			"2006-01-02 15:04",
		} {
			if at, err := time.ParseInLocation(layout, m, now.Location()); err == nil {
				return at
			}
		}
	}

	if m := delayRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := time.Minute
		if strings.EqualFold(m[2], "hour") {
			unit = time.Hour
		}
		return now.Add(time.Duration(n) * unit)
	}

	return now.Add(time.Hour)
}

// Verdict classifies one probe outcome.
type Verdict int

const (
	// VerdictUnknown means the probe could not reach a conclusion
	// (timeout, exec failure). Callers fall back to the cached status.
	VerdictUnknown Verdict = iota
	VerdictAvailable
	VerdictLimited
)

// ProbeResult is the outcome of a single capacity probe. Text carries the
// raw rate-limit message when limited, for reset-time parsing.
type ProbeResult struct {
	Verdict Verdict
	Text    string
}
