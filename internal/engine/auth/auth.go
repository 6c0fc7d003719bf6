package auth

import (
	"fmt"

	"tabletop/internal/domain"
)

// FacilitatorRole is the privileged role controlling a drill.
const FacilitatorRole = "facilitator"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// TenantMismatchError indicates an actor reaching across tenants.
type TenantMismatchError struct {
	SessionID string
}

func (e TenantMismatchError) Error() string {
	return fmt.Sprintf("session %s belongs to a different tenant", e.SessionID)
}

// RequireFacilitator gates pause/resume/escalate/end, manual injects,
// and purges.
func RequireFacilitator(actor domain.Actor, permission string) error {
	if actor.Role != FacilitatorRole {
		return ForbiddenError{Permission: permission}
	}
	return nil
}

// RequireTenant ensures an actor only touches sessions of its tenant.
// An empty actor tenant is a trusted internal caller.
func RequireTenant(actor domain.Actor, sess domain.Session) error {
	if actor.TenantID == "" || actor.TenantID == sess.TenantID {
		return nil
	}
	return TenantMismatchError{SessionID: sess.ID}
}
