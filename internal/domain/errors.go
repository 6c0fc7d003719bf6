package domain

import "fmt"

// TransitionError reports an illegal session status change. The session
// is left untouched when one is returned.
type TransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid session status transition %s -> %s", e.From, e.To)
}

// ScenarioRejectedError reports an attempt to run a scenario that failed
// validation.
type ScenarioRejectedError struct {
	ScenarioID string
	Errors     []string
}

func (e ScenarioRejectedError) Error() string {
	return fmt.Sprintf("scenario %s failed validation (%d errors)", e.ScenarioID, len(e.Errors))
}
