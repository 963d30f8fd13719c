package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned by Allow when an identity has used up its
// attempts for the current window.
var ErrRateLimited = errors.New("too many attempts")

// Result reports the outcome of one Check.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the oldest attempt leaves the window.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter is a sliding-window attempt counter. Check prunes attempts older
// than window, decides, and records the attempt when allowed, all as one
// atomic step per identity.
type Limiter interface {
	Check(ctx context.Context, identity string, max int, window time.Duration) (Result, error)
	Reset(ctx context.Context, identity string) error
}

// Policy is the attempt budget applied to each identity.
type Policy struct {
	Max    int
	Window time.Duration
}

// DefaultPolicy allows five attempts per ten minutes.
var DefaultPolicy = Policy{Max: 5, Window: 10 * time.Minute}

func (p Policy) validate() error {
	if p.Max <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.Max)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	return nil
}

// LimitedError carries the retry hint for a rejected attempt and matches
// ErrRateLimited.
type LimitedError struct {
	Identity   string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Allow runs Check under p and turns a rejection into a *LimitedError.
func Allow(ctx context.Context, l Limiter, identity string, p Policy) (Result, error) {
	if identity == "" {
		return Result{}, errors.New("identity is required")
	}
	res, err := l.Check(ctx, identity, p.Max, p.Window)
	if err != nil {
		return Result{}, err
	}
	if !res.Allowed {
		return res, &LimitedError{Identity: identity, RetryAfter: res.RetryAfter}
	}
	return res, nil
}
