// Package retry schedules whole-item retries.
package retry

import (
	"time"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

// DefaultDelays are the waits before the first, second and third retry.
var DefaultDelays = []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second}

// Policy retries failed items on a fixed schedule.
type Policy struct {
	delays []time.Duration
}

// NewPolicy builds a policy; an empty schedule falls back to DefaultDelays.
func NewPolicy(delays []time.Duration) *Policy {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	return &Policy{delays: append([]time.Duration(nil), delays...)}
}

// FromSeconds converts a configured schedule.
func FromSeconds(seconds []int) []time.Duration {
	out := make([]time.Duration, 0, len(seconds))
	for _, s := range seconds {
		if s < 0 {
			s = 0
		}
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// MaxRetries is the number of retries after the first attempt.
func (p *Policy) MaxRetries() int {
	return len(p.delays)
}

// ShouldRetry decides whether the item processed at attempt (0 for the first
// run) deserves another attempt.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if !archive.Retryable(err) {
		return false
	}
	return attempt >= 0 && attempt < len(p.delays)
}

// Backoff returns the wait before retrying after attempt failed.
func (p *Policy) Backoff(attempt int) time.Duration {
	switch {
	case attempt < 0:
		return p.delays[0]
	case attempt >= len(p.delays):
		return p.delays[len(p.delays)-1]
	default:
		return p.delays[attempt]
	}
}
