// Package session owns the drill lifecycle state machine.
package session

import (
	"time"

	"tabletop/internal/domain"
)

// validTransitions defines the legal status transitions. Completed and
// cancelled are terminal; pause and resume are the only reversible pair.
var validTransitions = map[domain.SessionStatus]map[domain.SessionStatus]bool{
	domain.StatusPending: {
		domain.StatusActive:    true,
		domain.StatusCompleted: true,
		domain.StatusCancelled: true,
	},
	domain.StatusActive: {
		domain.StatusPaused:    true,
		domain.StatusCompleted: true,
		domain.StatusCancelled: true,
	},
	domain.StatusPaused: {
		domain.StatusActive:    true,
		domain.StatusCompleted: true,
		domain.StatusCancelled: true,
	},
}

// CanTransition reports whether the status change is legal.
func CanTransition(from, to domain.SessionStatus) bool {
	return validTransitions[from][to]
}

// Apply moves a session to the target status, or returns a
// TransitionError leaving the session untouched. StartedAt is set on the
// first entry into active and EndedAt on entry into completed, each
// exactly once.
func Apply(sess *domain.Session, to domain.SessionStatus, now time.Time) error {
	if !CanTransition(sess.Status, to) {
		return domain.TransitionError{SessionID: sess.ID, From: sess.Status, To: to}
	}
	sess.Status = to
	ts := domain.RFC3339(now)
	if to == domain.StatusActive && sess.StartedAt == nil {
		sess.StartedAt = &ts
	}
	if to == domain.StatusCompleted && sess.EndedAt == nil {
		sess.EndedAt = &ts
	}
	if to == domain.StatusCancelled && sess.EndedAt == nil {
		sess.EndedAt = &ts
	}
	return nil
}

// New builds a fresh pending session.
func New(id, scenarioID, tenantID string, participants []domain.Participant, settings domain.SessionSettings, now time.Time) domain.Session {
	return domain.Session{
		ID:           id,
		ScenarioID:   scenarioID,
		TenantID:     tenantID,
		Status:       domain.StatusPending,
		Participants: participants,
		Settings:     settings,
		Scores:       map[string]float64{},
		CreatedAt:    domain.RFC3339(now),
	}
}
