// Package ratelimit implements sliding-window admission over a pluggable
// counter store.
//
// Every mutating operation calls Admitter.Check as its first step. A request
// is admitted when fewer than Limit entries exist for the subject and category
// inside the trailing window; admitted requests are recorded, denied ones are
// not. The check and the record are two store round-trips, so concurrent
// requests racing inside one round-trip can overshoot the limit by the number
// of racers.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Count      int
	Remaining  int
	RetryAfter time.Duration
}

// DeniedError is returned by Check when a subject exhausted its quota.
type DeniedError struct {
	Subject    Subject
	Category   Category
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s): retry after %ds", e.Subject.Key(), e.Category, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds up and never reports less than one second.
func (e *DeniedError) RetryAfterSeconds() int {
	return retryAfterSeconds(e.RetryAfter)
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func IsDenied(err error) (*DeniedError, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

type Admitter struct {
	store    Store
	policies *Policies
	now      func() time.Time
}

type AdmitterOption func(*Admitter)

func WithClock(now func() time.Time) AdmitterOption {
	return func(a *Admitter) { a.now = now }
}

func WithPolicies(p *Policies) AdmitterOption {
	return func(a *Admitter) { a.policies = p }
}

func NewAdmitter(store Store, opts ...AdmitterOption) *Admitter {
	a := &Admitter{
		store:    store,
		policies: DefaultPolicies(0),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Admitter) Policies() *Policies {
	return a.policies
}

// Admit decides one request for key in category against limit per window.
func (a *Admitter) Admit(ctx context.Context, key string, cat Category, limit int, window time.Duration) (Decision, error) {
	now := a.now()
	windowStart := now.Add(-window)
	d := Decision{Limit: limit}

	if err := a.store.Prune(ctx, key, cat, windowStart); err != nil {
		return d, errors.Wrap(err, "prune rate window")
	}
	count, err := a.store.Count(ctx, key, cat, windowStart)
	if err != nil {
		return d, errors.Wrap(err, "count rate window")
	}
	d.Count = count

	if count >= limit {
		d.Remaining = 0
		oldest, ok, err := a.store.Oldest(ctx, key, cat, windowStart)
		if err != nil {
			return d, errors.Wrap(err, "oldest rate entry")
		}
		if ok {
			d.RetryAfter = oldest.Add(window).Sub(now)
		}
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
		log.Warn().
			Str("component", "ratelimit").
			Str("key", key).
			Str("category", string(cat)).
			Int("count", count).
			Int("limit", limit).
			Msg("rate limit exceeded")
		return d, nil
	}

	if err := a.store.Record(ctx, Entry{
		Key:       key,
		Category:  cat,
		Timestamp: now,
		ExpiresAt: now.Add(window),
	}); err != nil {
		return d, errors.Wrap(err, "record rate entry")
	}
	d.Allowed = true
	d.Count = count + 1
	d.Remaining = limit - d.Count
	return d, nil
}

// Check admits one request for every subject in order, using the policy
// table. The first denial is returned as a *DeniedError. Store failures are
// logged and the request is admitted.
func (a *Admitter) Check(ctx context.Context, cat Category, subjects ...Subject) error {
	for _, s := range subjects {
		if s.ID == "" {
			continue
		}
		pol := a.policies.For(s.Kind, cat)
		d, err := a.Admit(ctx, s.Key(), cat, pol.Limit, pol.Window)
		if err != nil {
			log.Error().Err(err).Str("component", "ratelimit").Str("key", s.Key()).Str("category", string(cat)).Msg("admission store failed, admitting")
			continue
		}
		if !d.Allowed {
			return &DeniedError{
				Subject:    s,
				Category:   cat,
				Limit:      d.Limit,
				Remaining:  d.Remaining,
				RetryAfter: d.RetryAfter,
			}
		}
	}
	return nil
}

// Remaining reports the unused quota and the time until the oldest entry in
// the window expires, without recording anything.
func (a *Admitter) Remaining(ctx context.Context, s Subject, cat Category) (int, time.Duration, error) {
	pol := a.policies.For(s.Kind, cat)
	now := a.now()
	windowStart := now.Add(-pol.Window)
	count, err := a.store.Count(ctx, s.Key(), cat, windowStart)
	if err != nil {
		return 0, 0, errors.Wrap(err, "count rate window")
	}
	remaining := pol.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	oldest, ok, err := a.store.Oldest(ctx, s.Key(), cat, windowStart)
	if err != nil {
		return remaining, 0, errors.Wrap(err, "oldest rate entry")
	}
	var reset time.Duration
	if ok {
		reset = oldest.Add(pol.Window).Sub(now)
		if reset < 0 {
			reset = 0
		}
	}
	return remaining, reset, nil
}
