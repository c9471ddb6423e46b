// Package retry holds the bounded exponential backoff shared by every retrying pipeline stage.
package retry

import (
	"errors"
	"time"
)

const (
	// DefaultThreshold is the number of failed attempts after which a row is marked failed.
	DefaultThreshold = 3
	// DefaultBaseIntervalSeconds is the backoff unit.
	DefaultBaseIntervalSeconds = 120
	// DefaultBaseInterval is DefaultBaseIntervalSeconds as a duration.
	DefaultBaseInterval = DefaultBaseIntervalSeconds * time.Second

	maxExponent = 30
)

// ErrInvalidThreshold indicates a non-positive retry threshold.
var ErrInvalidThreshold = errors.New("retry threshold must be positive")

// ComputeBackoffMs returns 2^retriesCount * baseIntervalSeconds * 1000.
// Negative retries are treated as zero and a non-positive base uses the default.
func ComputeBackoffMs(retriesCount, baseIntervalSeconds int) int64 {
	if retriesCount < 0 {
		retriesCount = 0
	}
	if retriesCount > maxExponent {
		retriesCount = maxExponent
	}
	if baseIntervalSeconds <= 0 {
		baseIntervalSeconds = DefaultBaseIntervalSeconds
	}
	return (int64(1) << retriesCount) * int64(baseIntervalSeconds) * 1000
}

// ComputeBackoff is ComputeBackoffMs expressed as a time.Duration.
func ComputeBackoff(retriesCount int, base time.Duration) time.Duration {
	return time.Duration(ComputeBackoffMs(retriesCount, int(base/time.Second))) * time.Millisecond
}

// Policy decides what happens to a row after a retryable failure.
type Policy struct {
	Threshold    int
	BaseInterval time.Duration
}

// NewPolicy validates and returns a Policy. A zero base interval uses DefaultBaseInterval.
func NewPolicy(threshold int, base time.Duration) (Policy, error) {
	if threshold <= 0 {
		return Policy{}, ErrInvalidThreshold
	}
	if base < time.Second {
		base = DefaultBaseInterval
	}
	return Policy{Threshold: threshold, BaseInterval: base}, nil
}

// DefaultPolicy returns the policy with the default threshold and base interval.
func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, BaseInterval: DefaultBaseInterval}
}

// Decision is the outcome of applying a Policy to a failed attempt.
type Decision struct {
	// RetriesCount is the new counter value to persist.
	RetriesCount int
	// WaitUntil is the earliest time the row may be attempted again. Zero when Exhausted.
	WaitUntil time.Time
	// Exhausted means the threshold was reached and the row must be marked failed.
	Exhausted bool
}

// Next increments retriesCount and computes the next eligible time.
// The wait uses the count before the increment so the first retry waits one base interval.
func (p Policy) Next(retriesCount int, now time.Time) Decision {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if retriesCount < 0 {
		retriesCount = 0
	}

	next := retriesCount + 1
	if next >= threshold {
		return Decision{RetriesCount: next, Exhausted: true}
	}
	return Decision{
		RetriesCount: next,
		WaitUntil:    now.Add(ComputeBackoff(retriesCount, p.BaseInterval)),
	}
}
