// Package ratelimit admits requests per actor: a fixed quota per window,
// and a penalty block once the quota is exceeded.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/telemetry"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultPoints        = 10
	DefaultDuration      = 60 * time.Second
	DefaultBlockDuration = 120 * time.Second
	DefaultMaxActors     = 10000
)

// Info is the outcome of one admission check.
type Info struct {
	// Remaining admissions in the current window (0 when limited).
	Remaining int

	// ResetTime is the end of the current window, or the end of the block
	// when limited.
	ResetTime time.Time

	IsLimited bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPoints sets the admissions allowed per window.
func WithPoints(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.points = n
		}
	}
}

// WithDuration sets the window length.
func WithDuration(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithBlockDuration sets how long an actor is rejected after exceeding the
// quota.
func WithBlockDuration(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.block = d
		}
	}
}

// WithMaxActors bounds the number of actors tracked at once; the least
// recently seen actor is forgotten first.
func WithMaxActors(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxActors = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for rejection warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics counts rejections.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

type actorState struct {
	windowStart  time.Time
	consumed     int
	blockedUntil time.Time
}

// Limiter tracks per-actor consumption in process memory. It is safe for
// concurrent use. State is not shared between processes and does not
// survive a restart.
type Limiter struct {
	points    int
	window    time.Duration
	block     time.Duration
	maxActors int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	mu     sync.Mutex
	actors *expirable.LRU[string, *actorState]
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		points:    DefaultPoints,
		window:    DefaultDuration,
		block:     DefaultBlockDuration,
		maxActors: DefaultMaxActors,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	// An entry untouched for a full window plus a full block carries no
	// state that could still affect a decision.
	l.actors = expirable.NewLRU[string, *actorState](l.maxActors, nil, l.window+l.block)
	return l
}

// Check consumes one admission for actorID and reports the outcome.
// Rejections are logged at warn level; a rejected call does not extend an
// active block.
func (l *Limiter) Check(ctx context.Context, actorID string) Info {
	now := l.now()

	l.mu.Lock()
	st, ok := l.actors.Get(actorID)
	if !ok {
		st = &actorState{windowStart: now}
	}

	if !st.blockedUntil.IsZero() {
		if now.Before(st.blockedUntil) {
			until := st.blockedUntil
			l.mu.Unlock()
			return l.reject(ctx, actorID, until)
		}
		// The block has been served; start over.
		*st = actorState{windowStart: now}
	}

	if !now.Before(st.windowStart.Add(l.window)) {
		st.windowStart = now
		st.consumed = 0
	}

	st.consumed++
	if st.consumed > l.points {
		st.blockedUntil = now.Add(l.block)
		until := st.blockedUntil
		l.actors.Add(actorID, st)
		l.mu.Unlock()
		return l.reject(ctx, actorID, until)
	}

	info := Info{
		Remaining: l.points - st.consumed,
		ResetTime: st.windowStart.Add(l.window),
	}
	l.actors.Add(actorID, st)
	l.mu.Unlock()
	return info
}

func (l *Limiter) reject(ctx context.Context, actorID string, until time.Time) Info {
	l.logger.WarnContext(ctx, "rate limit exceeded",
		"actor_id", actorID,
		"reset_time", until,
		"points", l.points,
		"window", l.window,
	)
	l.metrics.RecordRateLimitRejection(ctx)
	return Info{Remaining: 0, ResetTime: until, IsLimited: true}
}

// Admit is Check for callers that want an error: it returns a RateLimit
// *apperr.Error carrying the reset time when actorID is limited.
func (l *Limiter) Admit(ctx context.Context, actorID string) error {
	info := l.Check(ctx, actorID)
	if !info.IsLimited {
		return nil
	}
	return apperr.NewRateLimit("rate limit exceeded", info.ResetTime, info.Remaining,
		apperr.WithField("actorId", actorID),
	)
}

// Reset forgets all state for actorID.
func (l *Limiter) Reset(actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actors.Remove(actorID)
}

// Actors returns the number of actors currently tracked.
func (l *Limiter) Actors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.actors.Len()
}
