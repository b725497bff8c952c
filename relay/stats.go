package relay

import (
	"sync"
	"time"
)

// Stats tracks part upload durations for hung detection and reporting.
type Stats struct {
	sum           time.Duration
	finishedParts int64
	retries       int64
	mu            sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful part upload duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedParts++
}

// AddRetry records one retried operation.
func (s *Stats) AddRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Average returns the average upload duration of finished parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedParts == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedParts)
}

// FinishedCount returns the number of uploaded parts.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedParts
}

// RetryCount returns the number of retried reads and uploads.
func (s *Stats) RetryCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// TotalDuration returns the sum of all upload durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
