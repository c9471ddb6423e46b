package data

import (
	"sync"
	"time"
)

// TimeProvider supplies the clock repositories use for created_at/updated_at.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock in UTC.
type RealTimeProvider struct{}

// Now returns the current UTC time truncated to PostgreSQL precision.
func (r *RealTimeProvider) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// FixedTimeProvider implements TimeProvider with a settable time for testing.
// It is safe for concurrent use so worker pools can share one clock.
type FixedTimeProvider struct {
	mu        sync.RWMutex
	fixedTime time.Time
}

// NewFixedTimeProvider creates a new FixedTimeProvider with the given time.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{fixedTime: t}
}

// Now returns the fixed time.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fixedTime
}

// SetTime updates the fixed time.
func (f *FixedTimeProvider) SetTime(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixedTime = t
}

// AddTime advances the fixed time by d.
func (f *FixedTimeProvider) AddTime(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixedTime = f.fixedTime.Add(d)
}

func timeOr(t time.Time, tp TimeProvider) time.Time {
	if t.IsZero() {
		return tp.Now().UTC()
	}
	return t.UTC()
}
