// Package store persists drill artifacts behind an engine-agnostic
// interface so the orchestration core stays portable across persistence
// engines and testable without a real database server.
package store

import (
	"context"
	"errors"
	"time"

	"tabletop/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract for the orchestration core. Audit
// events and decisions are append-only; PurgeSession is the only bulk
// delete and removes every artifact class for one session atomically.
type Store interface {
	// PutScenario stores a validated scenario. Scenarios are immutable:
	// writing an existing id is an error.
	PutScenario(ctx context.Context, s domain.Scenario) error
	GetScenario(ctx context.Context, id string) (domain.Scenario, error)
	ListScenarios(ctx context.Context) ([]domain.Scenario, error)

	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	UpdateSession(ctx context.Context, s domain.Session) error
	// ListSessions filters by tenant and status; empty values match all.
	ListSessions(ctx context.Context, tenantID string, status domain.SessionStatus) ([]domain.Session, error)

	AppendDecision(ctx context.Context, d domain.Decision) error
	ListDecisions(ctx context.Context, sessionID string) ([]domain.Decision, error)

	AppendAuditEvent(ctx context.Context, e domain.AuditEvent) error
	// ListAuditEvents returns the session ledger in timestamp order,
	// append order breaking ties.
	ListAuditEvents(ctx context.Context, sessionID string) ([]domain.AuditEvent, error)

	PutAAR(ctx context.Context, report domain.AAR) error
	GetAAR(ctx context.Context, sessionID, format string) (domain.AAR, error)

	// PurgeSession removes the session, its decisions, its audit trail,
	// and its AARs in one transaction. Purging an unknown id is a no-op.
	PurgeSession(ctx context.Context, sessionID string) error
	// SessionsCreatedBefore returns ids of sessions older than the cutoff.
	SessionsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
