package server

import (
	"tabletop/internal/domain"
	"tabletop/internal/scenario"
)

// Request payloads

type ValidateScenarioRequest struct {
	Scenario domain.Scenario `json:"scenario"`
}

type CreateSessionRequest struct {
	ScenarioID   string                 `json:"scenario_id"`
	Participants []domain.Participant   `json:"participants,omitempty"`
	Settings     domain.SessionSettings `json:"settings,omitempty"`
}

type TransitionRequest struct {
	Status domain.SessionStatus `json:"status" enum:"pending,active,paused,completed,cancelled"`
}

type ManualInjectRequest struct {
	Inject domain.Inject `json:"inject"`
}

type EscalateRequest struct {
	Severity domain.Severity `json:"severity" enum:"info,warning,critical"`
}

type RecordDecisionRequest struct {
	Role       string            `json:"role"`
	Action     string            `json:"action"`
	Rationale  string            `json:"rationale,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type GenerateAARRequest struct {
	Format         string             `json:"format,omitempty" enum:"json"`
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
	Findings       []string           `json:"findings,omitempty"`
}

type VerifyAARRequest struct {
	Content   domain.AARContent   `json:"content"`
	Signature domain.AARSignature `json:"signature"`
}

// Response payloads

type ValidationResponse struct {
	Result scenario.Result `json:"result"`
}

type ImportScenarioResponse struct {
	Result   scenario.Result `json:"result"`
	Imported bool            `json:"imported"`
}

type ScenarioListResponse struct {
	Scenarios []domain.Scenario `json:"scenarios"`
}

type SessionResponse struct {
	Session domain.Session `json:"session"`
}

type SessionListResponse struct {
	Sessions []domain.Session `json:"sessions"`
}

type DecisionResponse struct {
	Decision domain.Decision `json:"decision"`
}

type AuditTrailResponse struct {
	Events []domain.AuditEvent `json:"events"`
}

type RetentionPolicyResponse struct {
	RetentionDays     int  `json:"retention_days"`
	AutoDeleteEnabled bool `json:"auto_delete_enabled"`
}

type VerifyAARResponse struct {
	Valid bool `json:"valid"`
}
