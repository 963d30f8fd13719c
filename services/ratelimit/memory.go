package ratelimit

import (
	"context"
	"sync"
	"time"

	"attendd/pkg/clock"
)

// Memory is a process-local Limiter.
type Memory struct {
	clock clock.Clock

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewMemory returns an empty limiter reading time from clk.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{clock: clk, attempts: make(map[string][]time.Time)}
}

func (m *Memory) Check(_ context.Context, identity string, max int, window time.Duration) (Result, error) {
	if err := (Policy{Max: max, Window: window}).validate(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cutoff := now.Add(-window)
	history := prune(m.attempts[identity], cutoff)

	if len(history) >= max {
		m.attempts[identity] = history
		return Result{Allowed: false, Remaining: 0, RetryAfter: history[0].Sub(cutoff)}, nil
	}

	history = append(history, now)
	m.attempts[identity] = history
	return Result{Allowed: true, Remaining: max - len(history)}, nil
}

// prune drops the timestamps at or before cutoff. history is ordered.
func prune(history []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(history) && !history[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return history
	}
	kept := make([]time.Time, len(history)-i)
	copy(kept, history[i:])
	return kept
}

func (m *Memory) Reset(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, identity)
	return nil
}

// Sweep forgets identities with no attempts inside window.
func (m *Memory) Sweep(window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-window)
	removed := 0
	for id, history := range m.attempts {
		if len(prune(history, cutoff)) == 0 {
			delete(m.attempts, id)
			removed++
		}
	}
	return removed
}
