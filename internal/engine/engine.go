// Package engine wires the validator, session state machine, scheduler,
// audit trail, report signer, and retention policy into the drill
// orchestration API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tabletop/internal/aar"
	"tabletop/internal/audit"
	"tabletop/internal/config"
	"tabletop/internal/domain"
	"tabletop/internal/engine/auth"
	"tabletop/internal/scenario"
	"tabletop/internal/scheduler"
	"tabletop/internal/session"
	"tabletop/internal/store"
)

// Engine exposes every drill operation. Operations on different sessions
// never contend; within one session, writes are serialized.
type Engine struct {
	Store     store.Store
	Audit     *audit.Writer
	Scheduler *scheduler.Scheduler
	Keyring   *aar.Keyring
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time

	mu        sync.Mutex
	sessLocks map[string]*sync.Mutex
}

// New assembles an engine over a store and keyring. The broadcast
// callback may be nil.
func New(st store.Store, keyring *aar.Keyring, cfg *config.Config, broadcast scheduler.Broadcast) *Engine {
	aw := audit.NewWriter(st)
	e := &Engine{
		Store:     st,
		Audit:     aw,
		Keyring:   keyring,
		Config:    cfg,
		Logger:    slog.Default(),
		Now:       time.Now,
		sessLocks: map[string]*sync.Mutex{},
	}
	sched := scheduler.New(st, aw, broadcast)
	if cfg != nil && cfg.Scheduler.MinuteSeconds > 0 {
		sched.MinuteScale = time.Duration(cfg.Scheduler.MinuteSeconds) * time.Second
	}
	sched.EndSession = e.endFromScheduler
	sched.AdjustScore = e.adjustScore
	e.Scheduler = sched
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// sessionLock serializes writes per session id, never globally.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessLocks == nil {
		e.sessLocks = map[string]*sync.Mutex{}
	}
	l, ok := e.sessLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.sessLocks[sessionID] = l
	}
	return l
}

// ValidateScenario statically checks a scenario document.
func (e *Engine) ValidateScenario(sc domain.Scenario) scenario.Result {
	return scenario.Validate(sc)
}

// ImportScenario validates and, unless validation fails, stores a
// scenario. The stored document is immutable.
func (e *Engine) ImportScenario(ctx context.Context, sc domain.Scenario) (scenario.Result, error) {
	res := scenario.Validate(sc)
	if res.Status == scenario.StatusFail {
		return res, nil
	}
	sc.CreatedAt = domain.RFC3339(e.now())
	if err := e.Store.PutScenario(ctx, sc); err != nil {
		return res, err
	}
	return res, nil
}

// GetScenario fetches one stored scenario.
func (e *Engine) GetScenario(ctx context.Context, id string) (domain.Scenario, error) {
	return e.Store.GetScenario(ctx, id)
}

// ListScenarios lists stored scenarios.
func (e *Engine) ListScenarios(ctx context.Context) ([]domain.Scenario, error) {
	return e.Store.ListScenarios(ctx)
}

// CreateSession instantiates a pending drill from a stored scenario.
// Scenarios that fail validation can never be run.
func (e *Engine) CreateSession(ctx context.Context, scenarioID string, participants []domain.Participant, settings domain.SessionSettings, actor domain.Actor) (domain.Session, error) {
	sc, err := e.Store.GetScenario(ctx, scenarioID)
	if err != nil {
		return domain.Session{}, err
	}
	if res := scenario.Validate(sc); res.Status == scenario.StatusFail {
		var msgs []string
		for _, issue := range res.Errors {
			msgs = append(msgs, issue.Message)
		}
		return domain.Session{}, domain.ScenarioRejectedError{ScenarioID: scenarioID, Errors: msgs}
	}
	for i := range participants {
		if !sc.HasRole(participants[i].Role) {
			return domain.Session{}, fmt.Errorf("participant role %q not declared by scenario %s", participants[i].Role, scenarioID)
		}
		if participants[i].JoinedAt == "" {
			participants[i].JoinedAt = domain.RFC3339(e.now())
		}
	}
	sess := session.New(uuid.New().String(), scenarioID, actor.TenantID, participants, settings, e.now())
	if err := e.Store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	if _, err := e.Audit.Append(ctx, sess.ID, domain.AuditFacilitatorAction, actor.ID, map[string]any{
		"action":      "session_created",
		"scenario_id": scenarioID,
	}); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// GetSession fetches one session.
func (e *Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return e.Store.GetSession(ctx, id)
}

// ListSessions filters sessions by tenant and status; empty values match
// all.
func (e *Engine) ListSessions(ctx context.Context, tenantID string, status domain.SessionStatus) ([]domain.Session, error) {
	return e.Store.ListSessions(ctx, tenantID, status)
}

// Transition moves a session through its lifecycle. Illegal transitions
// return a typed error and change nothing. Ending or cancelling cancels
// every outstanding delivery before the terminal state is recorded.
func (e *Engine) Transition(ctx context.Context, sessionID string, target domain.SessionStatus, actor domain.Actor) (domain.Session, error) {
	if err := auth.RequireFacilitator(actor, "session.transition"); err != nil {
		return domain.Session{}, err
	}
	l := e.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := auth.RequireTenant(actor, sess); err != nil {
		return domain.Session{}, err
	}
	from := sess.Status
	if err := session.Apply(&sess, target, e.now()); err != nil {
		return domain.Session{}, err
	}

	// Scheduler effects come before the persisted transition for
	// terminal states, so no late delivery can follow one, and before
	// resume recreates deliveries for pause.
	switch {
	case target == domain.StatusActive && from == domain.StatusPending:
		sc, err := e.Store.GetScenario(ctx, sess.ScenarioID)
		if err != nil {
			return domain.Session{}, err
		}
		if err := e.Store.UpdateSession(ctx, sess); err != nil {
			return domain.Session{}, err
		}
		if err := e.Scheduler.Start(sess, sc); err != nil {
			return domain.Session{}, err
		}
	case target == domain.StatusActive && from == domain.StatusPaused:
		if err := e.Store.UpdateSession(ctx, sess); err != nil {
			return domain.Session{}, err
		}
		if err := e.Scheduler.Resume(sessionID); err != nil {
			e.logger().Warn("resume with no runner", "session_id", sessionID, "error", err)
		}
	case target == domain.StatusPaused:
		if err := e.Scheduler.Pause(sessionID); err != nil {
			e.logger().Warn("pause with no runner", "session_id", sessionID, "error", err)
		}
		if err := e.Store.UpdateSession(ctx, sess); err != nil {
			return domain.Session{}, err
		}
	case target.Terminal():
		e.Scheduler.Stop(sessionID)
		if err := e.Store.UpdateSession(ctx, sess); err != nil {
			return domain.Session{}, err
		}
	default:
		if err := e.Store.UpdateSession(ctx, sess); err != nil {
			return domain.Session{}, err
		}
	}

	evt, err := e.Audit.Append(ctx, sessionID, domain.AuditFacilitatorAction, actor.ID, map[string]any{
		"action":      "status_transition",
		"from_status": string(from),
		"to_status":   string(target),
	})
	if err != nil {
		return domain.Session{}, err
	}
	e.broadcastTransition(sess, from, target, evt.Timestamp)
	return sess, nil
}

func (e *Engine) broadcastTransition(sess domain.Session, from, to domain.SessionStatus, ts string) {
	var name string
	switch {
	case to == domain.StatusActive && from == domain.StatusPending:
		name = "session_started"
	case to == domain.StatusActive && from == domain.StatusPaused:
		name = "session_resumed"
	case to == domain.StatusPaused:
		name = "session_paused"
	case to.Terminal():
		name = "session_ended"
	default:
		return
	}
	e.emit(domain.BroadcastEvent{
		EventName: name,
		SessionID: sess.ID,
		Timestamp: ts,
		Payload:   map[string]any{"status": string(to)},
	})
}

func (e *Engine) emit(evt domain.BroadcastEvent) {
	if e.Scheduler == nil || e.Scheduler.Broadcast == nil {
		return
	}
	cb := e.Scheduler.Broadcast
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger().Error("broadcast subscriber panicked", "event", evt.EventName, "panic", r)
			}
		}()
		cb(evt)
	}()
}

// endFromScheduler completes a session whose end condition fired.
func (e *Engine) endFromScheduler(sessionID, reason string) {
	ctx := context.Background()
	actor := domain.Actor{ID: "scheduler", Role: auth.FacilitatorRole}
	if _, err := e.Transition(ctx, sessionID, domain.StatusCompleted, actor); err != nil {
		var te domain.TransitionError
		if errors.As(err, &te) {
			return // already terminal; nothing to do
		}
		e.logger().Error("auto-end failed", "session_id", sessionID, "reason", reason, "error", err)
	}
}

// adjustScore applies a required-action score delta under the session
// lock.
func (e *Engine) adjustScore(ctx context.Context, sessionID, role string, delta float64) {
	l := e.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		e.logger().Error("score adjustment lookup failed", "session_id", sessionID, "error", err)
		return
	}
	if sess.Scores == nil {
		sess.Scores = map[string]float64{}
	}
	sess.Scores[role] += delta
	if err := e.Store.UpdateSession(ctx, sess); err != nil {
		e.logger().Error("score adjustment write failed", "session_id", sessionID, "error", err)
	}
}

// SendManualInject delivers facilitator-authored content immediately,
// bypassing the schedule.
func (e *Engine) SendManualInject(ctx context.Context, sessionID string, inj domain.Inject, actor domain.Actor) error {
	if err := auth.RequireFacilitator(actor, "inject.manual"); err != nil {
		return err
	}
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := auth.RequireTenant(actor, sess); err != nil {
		return err
	}
	if sess.Status != domain.StatusActive {
		return fmt.Errorf("manual inject requires an active session, status is %s", sess.Status)
	}
	if inj.ID == "" {
		inj.ID = "manual-" + uuid.New().String()
	}
	return e.Scheduler.DeliverManual(ctx, sess, inj, actor.ID)
}

// Escalate records a facilitator-only severity change and broadcasts it.
// It has no scheduling effect of its own.
func (e *Engine) Escalate(ctx context.Context, sessionID, injectID string, severity domain.Severity, actor domain.Actor) error {
	if err := auth.RequireFacilitator(actor, "inject.escalate"); err != nil {
		return err
	}
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := auth.RequireTenant(actor, sess); err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("cannot escalate in a %s session", sess.Status)
	}
	evt, err := e.Audit.Append(ctx, sessionID, domain.AuditFacilitatorAction, actor.ID, map[string]any{
		"action":    "escalate",
		"inject_id": injectID,
		"severity":  string(severity),
	})
	if err != nil {
		return err
	}
	e.emit(domain.BroadcastEvent{
		EventName: "inject_escalated",
		SessionID: sessionID,
		Timestamp: evt.Timestamp,
		Payload:   map[string]any{"inject_id": injectID, "severity": string(severity)},
	})
	return nil
}

// RecordDecision appends a participant decision, audits it, bumps the
// participant's activity, and lets the scheduler re-evaluate waiting
// branches and required actions.
func (e *Engine) RecordDecision(ctx context.Context, sessionID string, d domain.Decision, actor domain.Actor) (domain.Decision, error) {
	l := e.sessionLock(sessionID)
	l.Lock()
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		l.Unlock()
		return domain.Decision{}, err
	}
	if err := auth.RequireTenant(actor, sess); err != nil {
		l.Unlock()
		return domain.Decision{}, err
	}
	if sess.Status != domain.StatusActive {
		l.Unlock()
		return domain.Decision{}, fmt.Errorf("decisions require an active session, status is %s", sess.Status)
	}
	if d.Role == "" || d.Action == "" {
		l.Unlock()
		return domain.Decision{}, fmt.Errorf("decision role and action are required")
	}

	d.ID = uuid.New().String()
	d.SessionID = sessionID
	d.Timestamp = domain.RFC3339(e.now())
	if err := e.Store.AppendDecision(ctx, d); err != nil {
		l.Unlock()
		return domain.Decision{}, err
	}
	for i := range sess.Participants {
		if sess.Participants[i].Role == d.Role {
			sess.Participants[i].LastActivity = d.Timestamp
		}
	}
	if err := e.Store.UpdateSession(ctx, sess); err != nil {
		l.Unlock()
		return domain.Decision{}, err
	}
	l.Unlock()

	if _, err := e.Audit.Append(ctx, sessionID, domain.AuditParticipantDecision, actor.ID, map[string]any{
		"decision_id": d.ID,
		"role":        d.Role,
		"action":      d.Action,
		"rationale":   d.Rationale,
	}); err != nil {
		return domain.Decision{}, err
	}
	e.Scheduler.NotifyDecision(ctx, d)
	return d, nil
}

// GetAuditTrail returns the session ledger timestamp-ordered.
func (e *Engine) GetAuditTrail(ctx context.Context, sessionID string) ([]domain.AuditEvent, error) {
	if _, err := e.Store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Audit.Trail(ctx, sessionID)
}

// GenerateAAR folds a finished session and its ledger into a signed
// report and persists it per (session, format).
func (e *Engine) GenerateAAR(ctx context.Context, sessionID, format string, categoryScores map[string]float64, findings []string, actor domain.Actor) (domain.AAR, error) {
	if format == "" {
		format = "json"
	}
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.AAR{}, err
	}
	if err := auth.RequireTenant(actor, sess); err != nil {
		return domain.AAR{}, err
	}
	if !sess.Status.Terminal() {
		return domain.AAR{}, fmt.Errorf("after-action report requires a finished session, status is %s", sess.Status)
	}
	trail, err := e.Audit.Trail(ctx, sessionID)
	if err != nil {
		return domain.AAR{}, err
	}
	sc, err := e.Store.GetScenario(ctx, sess.ScenarioID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.AAR{}, err
	}

	content := aar.Compose(sess, trail, categoryScores, findings)
	content.ScenarioTitle = sc.Title
	sig, err := e.Keyring.Sign(content)
	if err != nil {
		return domain.AAR{}, err
	}
	report := domain.AAR{
		SessionID:   sessionID,
		Format:      format,
		GeneratedAt: sig.GeneratedAt,
		Content:     content,
		Signature:   sig,
	}
	if err := e.Store.PutAAR(ctx, report); err != nil {
		return domain.AAR{}, err
	}
	return report, nil
}

// VerifyAAR reports whether content matches its signature. Tampering is
// a false return, never an error.
func (e *Engine) VerifyAAR(content domain.AARContent, sig domain.AARSignature) bool {
	return e.Keyring.Verify(content, sig)
}

// PurgeSession irreversibly removes every artifact of one session. A
// second purge of the same id is a no-op success.
func (e *Engine) PurgeSession(ctx context.Context, sessionID string, actor domain.Actor) error {
	if err := auth.RequireFacilitator(actor, "session.purge"); err != nil {
		return err
	}
	l := e.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	e.Scheduler.Stop(sessionID)
	if err := e.Store.PurgeSession(ctx, sessionID); err != nil {
		return err
	}
	e.Audit.Forget(sessionID)
	return nil
}
