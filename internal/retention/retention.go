// Package retention evaluates session age against the configured
// retention window and purges expired sessions on a periodic sweep.
package retention

import (
	"context"
	"log/slog"
	"time"

	"tabletop/internal/store"
)

// Policy is the retention window. Zero or negative days means sessions
// are kept forever.
type Policy struct {
	RetentionDays     int
	AutoDeleteEnabled bool
}

// Cutoff returns the creation-time boundary: sessions created strictly
// before it are eligible for purge.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionDays)
}

// IsEligible reports whether a session created at createdAt has
// outlived the window at time now.
func (p Policy) IsEligible(createdAt, now time.Time) bool {
	if p.RetentionDays <= 0 {
		return false
	}
	return createdAt.Before(p.Cutoff(now))
}

// Purger removes every artifact of one session.
type Purger interface {
	SessionsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	PurgeSession(ctx context.Context, sessionID string) error
}

// Sweeper periodically purges sessions that fall outside the policy.
type Sweeper struct {
	Policy   Policy
	Store    Purger
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time

	// OnPurge, when set, is called after each successful purge so the
	// caller can release per-session state.
	OnPurge func(sessionID string)
}

// NewSweeper builds a sweeper over a store.
func NewSweeper(st Purger, policy Policy, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		Policy:   policy,
		Store:    st,
		Logger:   slog.Default(),
		Interval: interval,
		Now:      time.Now,
	}
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run sweeps on the configured interval until the context is cancelled.
// Disabled policies make Run a no-op wait on the context.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Policy.AutoDeleteEnabled || s.Policy.RetentionDays <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce purges every currently expired session. Each session is
// purged independently; one failure never blocks the others.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := s.Policy.Cutoff(s.now())
	ids, err := s.Store.SessionsCreatedBefore(ctx, cutoff)
	if err != nil {
		s.logger().Error("retention sweep listing failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	purged := 0
	for _, id := range ids {
		if err := s.Store.PurgeSession(ctx, id); err != nil {
			s.logger().Error("retention purge failed", "session_id", id, "error", err)
			continue
		}
		purged++
		if s.OnPurge != nil {
			s.OnPurge(id)
		}
	}
	s.logger().Info("retention sweep complete",
		"expired", len(ids), "purged", purged, "cutoff", cutoff.Format(time.RFC3339))
}

var _ Purger = store.Store(nil)
