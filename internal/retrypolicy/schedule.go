// Package retrypolicy adapts the explicit per-stage delay schedules from
// configuration to the backoff library's retry loop.
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// schedule is a backoff.BackOff driven by an explicit delay list
// (e.g. 30s/60s/120s/300s/600s). Past the end of the list the last entry
// repeats; maxRetries bounds the total number of retries.
type schedule struct {
	delays     []time.Duration
	maxRetries int
	attempt    int
}

// NewSchedule builds a BackOff from a configured delay list.
func NewSchedule(delays []time.Duration, maxRetries int) backoff.BackOff {
	if len(delays) == 0 {
		delays = []time.Duration{30 * time.Second}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &schedule{delays: delays, maxRetries: maxRetries}
}

func (s *schedule) NextBackOff() time.Duration {
	if s.attempt >= s.maxRetries {
		return backoff.Stop
	}

	idx := s.attempt
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	s.attempt++
	return s.delays[idx]
}

func (s *schedule) Reset() {
	s.attempt = 0
}
