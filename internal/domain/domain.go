package domain

import "time"

// Severity grades an inject for participants and facilitators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// KnownSeverities lists every valid severity value.
var KnownSeverities = []Severity{SeverityInfo, SeverityWarning, SeverityCritical}

// InjectType classifies the stimulus delivered to participants.
type InjectType string

const (
	InjectAlert        InjectType = "alert"
	InjectEmail        InjectType = "email"
	InjectNews         InjectType = "news_report"
	InjectPhoneCall    InjectType = "phone_call"
	InjectSystemStatus InjectType = "system_status"
	InjectDirective    InjectType = "directive"
)

// KnownInjectTypes lists every valid inject type.
var KnownInjectTypes = []InjectType{
	InjectAlert, InjectEmail, InjectNews, InjectPhoneCall, InjectSystemStatus, InjectDirective,
}

// Branch redirects the drill from one inject to another. An empty or
// "always" condition is unconditional; otherwise the condition must be
// satisfied at runtime before Goto is scheduled, falling back to Else.
type Branch struct {
	Condition string  `json:"condition"`
	Goto      string  `json:"goto"`
	Else      *string `json:"else,omitempty"`
}

// RequiredAction obliges a role to respond to an inject within a window.
type RequiredAction struct {
	Role           string  `json:"role"`
	Description    string  `json:"description"`
	TimeoutMinutes float64 `json:"timeout_minutes"`
	Penalty        float64 `json:"penalty"`
	Bonus          float64 `json:"bonus"`
}

// Inject is one scripted stimulus in a scenario. TimeOffsetMinutes nil
// means the inject is reachable only through branching.
type Inject struct {
	ID                string          `json:"id"`
	TimeOffsetMinutes *float64        `json:"time_offset_minutes,omitempty"`
	Type              InjectType      `json:"type"`
	TargetRoles       []string        `json:"target_roles"`
	Content           string          `json:"content"`
	Severity          Severity        `json:"severity" enum:"info,warning,critical"`
	Branch            *Branch         `json:"branch,omitempty"`
	RequiredAction    *RequiredAction `json:"required_action,omitempty"`
}

// BranchingRule is a standalone conditional redirect between injects.
type BranchingRule struct {
	ID             string   `json:"id"`
	Condition      string   `json:"condition"`
	TrueGoto       string   `json:"true_goto"`
	FalseGoto      *string  `json:"false_goto,omitempty"`
	TimeoutGoto    *string  `json:"timeout_goto,omitempty"`
	TimeoutMinutes *float64 `json:"timeout_minutes,omitempty"`
}

// EndConditionType enumerates how a drill can end.
type EndConditionType string

const (
	EndTimeElapsed        EndConditionType = "time_elapsed"
	EndAllInjectsComplete EndConditionType = "all_injects_complete"
	EndManual             EndConditionType = "manual_end"
)

// KnownEndConditionTypes lists every valid end condition type.
var KnownEndConditionTypes = []EndConditionType{EndTimeElapsed, EndAllInjectsComplete, EndManual}

// EndCondition describes one way the session terminates on its own.
type EndCondition struct {
	Type           EndConditionType `json:"type" enum:"time_elapsed,all_injects_complete,manual_end"`
	ElapsedMinutes *float64         `json:"elapsed_minutes,omitempty"`
	InjectIDs      []string         `json:"inject_ids,omitempty"`
}

// Scenario is an authored drill script. Immutable once validated.
type Scenario struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	DurationMinutes float64           `json:"duration_minutes"`
	Roles           []string          `json:"roles"`
	Injects         []Inject          `json:"injects"`
	BranchingRules  []BranchingRule   `json:"branching_rules,omitempty"`
	EndConditions   []EndCondition    `json:"end_conditions,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       string            `json:"created_at,omitempty" format:"date-time"`
}

// InjectByID returns the inject with the given id, if any.
func (s Scenario) InjectByID(id string) (Inject, bool) {
	for _, inj := range s.Injects {
		if inj.ID == id {
			return inj, true
		}
	}
	return Inject{}, false
}

// HasRole reports whether the scenario declares the role.
func (s Scenario) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SessionStatus is the lifecycle state of a running drill.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Participant is one person playing a role in a session.
type Participant struct {
	Role         string `json:"role"`
	Name         string `json:"name"`
	JoinedAt     string `json:"joined_at" format:"date-time"`
	LastActivity string `json:"last_activity,omitempty" format:"date-time"`
}

// SessionSettings tune one drill run. TimeCompression scales scenario
// minutes to wall time: 2.0 runs the drill at double speed.
type SessionSettings struct {
	TimeCompression float64 `json:"time_compression,omitempty"`
	AutoEnd         bool    `json:"auto_end,omitempty"`
}

// Session is one timed run of a scenario with real participants.
type Session struct {
	ID           string             `json:"id"`
	ScenarioID   string             `json:"scenario_id"`
	TenantID     string             `json:"tenant_id"`
	Status       SessionStatus      `json:"status" enum:"pending,active,paused,completed,cancelled"`
	Participants []Participant      `json:"participants"`
	Settings     SessionSettings    `json:"settings"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	CreatedAt    string             `json:"created_at" format:"date-time"`
	StartedAt    *string            `json:"started_at,omitempty" format:"date-time"`
	EndedAt      *string            `json:"ended_at,omitempty" format:"date-time"`
}

// Decision is one participant response, append-only.
type Decision struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Role       string            `json:"role"`
	Action     string            `json:"action"`
	Rationale  string            `json:"rationale,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Timestamp  string            `json:"timestamp" format:"date-time"`
}

// AuditEventType classifies ledger entries.
type AuditEventType string

const (
	AuditFacilitatorAction   AuditEventType = "facilitator_action"
	AuditParticipantDecision AuditEventType = "participant_decision"
	AuditInjectDelivery      AuditEventType = "inject_delivery"
	AuditMilestone           AuditEventType = "milestone"
)

// AuditEvent is one entry in the append-only per-session ledger. The
// ledger is the sole source of truth for AAR generation.
type AuditEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      AuditEventType `json:"type" enum:"facilitator_action,participant_decision,inject_delivery,milestone"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TimelineEntry is one AAR timeline row derived from an audit event.
type TimelineEntry struct {
	Timestamp string         `json:"timestamp"`
	Type      AuditEventType `json:"type"`
	Actor     string         `json:"actor"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AARContent is the signed payload of an after-action report.
type AARContent struct {
	SessionID      string             `json:"session_id"`
	ScenarioID     string             `json:"scenario_id"`
	ScenarioTitle  string             `json:"scenario_title"`
	TenantID       string             `json:"tenant_id"`
	Status         SessionStatus      `json:"status"`
	StartedAt      string             `json:"started_at,omitempty"`
	EndedAt        string             `json:"ended_at,omitempty"`
	Participants   []Participant      `json:"participants"`
	Timeline       []TimelineEntry    `json:"timeline"`
	Scores         map[string]float64 `json:"scores,omitempty"`
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
	Findings       []string           `json:"findings,omitempty"`
	DecisionCount  int                `json:"decision_count"`
	DeliveredCount int                `json:"delivered_count"`
	MilestoneCount int                `json:"milestone_count"`
}

// AARSignature proves an AAR has not been altered since generation.
// SigningKeyID travels with the signature so reports stay verifiable
// after key rotation.
type AARSignature struct {
	ContentHash  string `json:"content_hash"`
	SignedHash   string `json:"signed_hash"`
	SigningKeyID string `json:"signing_key_id"`
	GeneratedAt  string `json:"generated_at" format:"date-time"`
}

// AAR is a generated, signed after-action report.
type AAR struct {
	SessionID   string       `json:"session_id"`
	Format      string       `json:"format"`
	GeneratedAt string       `json:"generated_at" format:"date-time"`
	Content     AARContent   `json:"content"`
	Signature   AARSignature `json:"signature"`
}

// BroadcastEvent is the fire-and-forget notification emitted for every
// delivery, pause, resume, escalation, and end event.
type BroadcastEvent struct {
	EventName string         `json:"event_name"`
	SessionID string         `json:"session_id"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Actor is the authenticated caller attached to every operation.
type Actor struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
}

// timestampLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing zeros, which makes lexicographic order diverge from
// chronological order; ledger queries sort on these strings.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RFC3339 formats a time the way all persisted timestamps are stored.
func RFC3339(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
