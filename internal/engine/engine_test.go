package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"tabletop/internal/aar"
	"tabletop/internal/db"
	"tabletop/internal/domain"
	"tabletop/internal/engine/auth"
	"tabletop/internal/migrate"
	"tabletop/internal/scenario"
	"tabletop/internal/store"
)

func off(minutes float64) *float64 { return &minutes }

func drillScenario() domain.Scenario {
	return domain.Scenario{
		ID:              "ransomware-101",
		Title:           "Ransomware on the build farm",
		Description:     "Build farm hit by ransomware during release week",
		DurationMinutes: 60,
		Roles:           []string{"incident_commander", "comms_lead"},
		Injects: []domain.Inject{
			{
				ID:                "i1",
				Type:              domain.InjectAlert,
				Severity:          domain.SeverityWarning,
				TimeOffsetMinutes: off(0),
				TargetRoles:       []string{"incident_commander"},
				Content:           "EDR flags mass encryption on builder-7.",
			},
			{
				ID:                "i2",
				Type:              domain.InjectEmail,
				Severity:          domain.SeverityCritical,
				TimeOffsetMinutes: off(30),
				TargetRoles:       []string{"comms_lead"},
				Content:           "Ransom note delivered to press@.",
			},
		},
		EndConditions: []domain.EndCondition{
			{Type: domain.EndTimeElapsed, ElapsedMinutes: off(60)},
		},
	}
}

type capturedEvents struct {
	mu     sync.Mutex
	events []domain.BroadcastEvent
}

func (c *capturedEvents) record(evt domain.BroadcastEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturedEvents) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, evt := range c.events {
		out = append(out, evt.EventName)
	}
	return out
}

type testEnv struct {
	engine *Engine
	events *capturedEvents
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key, err := hex.DecodeString("6b6579206d6174657269616c206b6579206d6174657269616c21")
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	ring, err := aar.NewKeyring(map[string][]byte{"k1": key}, "k1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	events := &capturedEvents{}
	e := New(store.NewSQLite(conn), ring, nil, events.record)
	// One scenario minute is one millisecond so timing tests finish fast.
	e.Scheduler.MinuteScale = time.Millisecond
	return &testEnv{engine: e, events: events}
}

func facilitator() domain.Actor {
	return domain.Actor{ID: "fac-1", Role: auth.FacilitatorRole}
}

func participantActor(role string) domain.Actor {
	return domain.Actor{ID: "p-" + role, Role: role}
}

func (env *testEnv) startSession(t *testing.T, sc domain.Scenario, settings domain.SessionSettings) domain.Session {
	t.Helper()
	ctx := context.Background()
	if res, err := env.engine.ImportScenario(ctx, sc); err != nil || res.Status == scenario.StatusFail {
		t.Fatalf("import scenario: status=%s err=%v", res.Status, err)
	}
	participants := []domain.Participant{
		{Name: "Ada", Role: "incident_commander"},
		{Name: "Lin", Role: "comms_lead"},
	}
	sess, err := env.engine.CreateSession(ctx, sc.ID, participants, settings, facilitator())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess, err = env.engine.Transition(ctx, sess.ID, domain.StatusActive, facilitator())
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return sess
}

func (env *testEnv) waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func deliveredInjects(t *testing.T, env *testEnv, sessionID string) []string {
	t.Helper()
	trail, err := env.engine.GetAuditTrail(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	var out []string
	for _, evt := range trail {
		if evt.Type == domain.AuditInjectDelivery {
			id, _ := evt.Metadata["inject_id"].(string)
			out = append(out, id)
		}
	}
	return out
}

func TestEndToEndDeliveryOrder(t *testing.T) {
	env := newTestEnv(t)
	sess := env.startSession(t, drillScenario(), domain.SessionSettings{})

	env.waitFor(t, 5*time.Second, func() bool {
		return len(deliveredInjects(t, env, sess.ID)) == 2
	}, "both injects to deliver")

	got := deliveredInjects(t, env, sess.ID)
	if got[0] != "i1" || got[1] != "i2" {
		t.Fatalf("delivery order = %v, want [i1 i2]", got)
	}

	// The 60-minute end condition completes the session on its own.
	env.waitFor(t, 5*time.Second, func() bool {
		s, err := env.engine.GetSession(context.Background(), sess.ID)
		return err == nil && s.Status == domain.StatusCompleted
	}, "auto completion")
}

func TestPauseFreezesRemainingDelay(t *testing.T) {
	env := newTestEnv(t)
	// 20ms per scenario minute: i2 is due 600ms after start.
	env.engine.Scheduler.MinuteScale = 20 * time.Millisecond
	sess := env.startSession(t, drillScenario(), domain.SessionSettings{})
	ctx := context.Background()

	env.waitFor(t, 5*time.Second, func() bool {
		return len(deliveredInjects(t, env, sess.ID)) >= 1
	}, "immediate inject")

	// Pause well before the 30-minute offset elapses.
	time.Sleep(100 * time.Millisecond)
	if _, err := env.engine.Transition(ctx, sess.ID, domain.StatusPaused, facilitator()); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Stay paused past the point where i2 would have fired unpaused.
	time.Sleep(800 * time.Millisecond)
	if got := deliveredInjects(t, env, sess.ID); len(got) != 1 {
		t.Fatalf("paused session delivered %v, want only i1", got)
	}

	if _, err := env.engine.Transition(ctx, sess.ID, domain.StatusActive, facilitator()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	env.waitFor(t, 5*time.Second, func() bool {
		return len(deliveredInjects(t, env, sess.ID)) == 2
	}, "i2 after resume")
}

func TestIllegalTransitionChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sc := drillScenario()
	if _, err := env.engine.ImportScenario(ctx, sc); err != nil {
		t.Fatalf("import: %v", err)
	}
	sess, err := env.engine.CreateSession(ctx, sc.ID, nil, domain.SessionSettings{}, facilitator())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = env.engine.Transition(ctx, sess.ID, domain.StatusPaused, facilitator())
	var te domain.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("pending->paused error = %v, want TransitionError", err)
	}
	got, err := env.engine.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status after illegal transition = %s, want pending", got.Status)
	}
}

func TestCancelWhileScoreWriteInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Scheduler.MinuteScale = 10 * time.Millisecond
	sc := drillScenario()
	sc.Injects = sc.Injects[:1]
	sc.Injects[0].RequiredAction = &domain.RequiredAction{
		Role:           "incident_commander",
		Description:    "isolate builder-7",
		TimeoutMinutes: 1,
		Penalty:        5,
	}

	// Hold the penalty write open so it is still in flight when the
	// facilitator cancels. Cancellation must not wait behind it.
	gate := make(chan struct{})
	inner := env.engine.Scheduler.AdjustScore
	env.engine.Scheduler.AdjustScore = func(ctx context.Context, sessionID, role string, delta float64) {
		<-gate
		inner(ctx, sessionID, role, delta)
	}
	defer close(gate)

	sess := env.startSession(t, sc, domain.SessionSettings{})

	// The timeout milestone lands before the penalty write starts.
	env.waitFor(t, 5*time.Second, func() bool {
		trail, err := env.engine.GetAuditTrail(context.Background(), sess.ID)
		if err != nil {
			return false
		}
		for _, evt := range trail {
			if evt.Type != domain.AuditMilestone {
				continue
			}
			if name, _ := evt.Metadata["milestone"].(string); name == "required_action_timeout" {
				return true
			}
		}
		return false
	}, "action timeout milestone")

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Transition(context.Background(), sess.ID, domain.StatusCancelled, facilitator())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancel blocked behind a pending score write")
	}
}

func TestCreateSessionRejectsFailingScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sc := drillScenario()
	sc.Injects[1].Branch = &domain.Branch{Condition: "", Goto: "ghost"}
	// Direct store write: the import path would already have refused.
	if err := env.engine.Store.PutScenario(ctx, sc); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := env.engine.CreateSession(ctx, sc.ID, nil, domain.SessionSettings{}, facilitator())
	var rejected domain.ScenarioRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want ScenarioRejectedError", err)
	}
}

func TestManualInjectAndEscalation(t *testing.T) {
	env := newTestEnv(t)
	// Slow clock so the 60-minute end condition stays far away.
	env.engine.Scheduler.MinuteScale = time.Second
	sc := drillScenario()
	sc.Injects = sc.Injects[:1] // keep only the immediate inject
	sess := env.startSession(t, sc, domain.SessionSettings{})
	ctx := context.Background()

	inj := domain.Inject{
		Type:        domain.InjectPhoneCall,
		Severity:    domain.SeverityWarning,
		TargetRoles: []string{"comms_lead"},
		Content:     "Reporter asking about the outage.",
	}
	if err := env.engine.SendManualInject(ctx, sess.ID, inj, facilitator()); err != nil {
		t.Fatalf("manual inject: %v", err)
	}
	if err := env.engine.SendManualInject(ctx, sess.ID, inj, participantActor("comms_lead")); err == nil {
		t.Fatal("participant manual inject accepted, want forbidden")
	}

	if err := env.engine.Escalate(ctx, sess.ID, "i1", domain.SeverityCritical, facilitator()); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	env.waitFor(t, 5*time.Second, func() bool {
		names := env.events.names()
		var sawManual, sawEscalation bool
		for _, n := range names {
			if n == "inject_delivered" {
				sawManual = true
			}
			if n == "inject_escalated" {
				sawEscalation = true
			}
		}
		return sawManual && sawEscalation
	}, "manual delivery and escalation broadcasts")

	trail, err := env.engine.GetAuditTrail(ctx, sess.ID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	var manualAudited bool
	for _, evt := range trail {
		if evt.Type == domain.AuditInjectDelivery && evt.Metadata["manual"] == true {
			manualAudited = true
		}
	}
	if !manualAudited {
		t.Fatal("manual delivery missing from audit trail")
	}
}

func TestDecisionRequiresActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sc := drillScenario()
	if _, err := env.engine.ImportScenario(ctx, sc); err != nil {
		t.Fatalf("import: %v", err)
	}
	sess, err := env.engine.CreateSession(ctx, sc.ID, nil, domain.SessionSettings{}, facilitator())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.engine.RecordDecision(ctx, sess.ID, domain.Decision{
		Role:   "incident_commander",
		Action: "isolate_host",
	}, participantActor("incident_commander"))
	if err == nil {
		t.Fatal("decision accepted in pending session")
	}
}

func TestGenerateAndVerifyAAR(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Scheduler.MinuteScale = time.Second
	sc := drillScenario()
	sc.Injects = sc.Injects[:1]
	sess := env.startSession(t, sc, domain.SessionSettings{})
	ctx := context.Background()

	if _, err := env.engine.RecordDecision(ctx, sess.ID, domain.Decision{
		Role:      "incident_commander",
		Action:    "isolate_host",
		Rationale: "Contain before eradication.",
	}, participantActor("incident_commander")); err != nil {
		t.Fatalf("decision: %v", err)
	}

	if _, err := env.engine.GenerateAAR(ctx, sess.ID, "json", nil, nil, facilitator()); err == nil {
		t.Fatal("AAR generated for an active session")
	}

	if _, err := env.engine.Transition(ctx, sess.ID, domain.StatusCompleted, facilitator()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	report, err := env.engine.GenerateAAR(ctx, sess.ID, "json",
		map[string]float64{"communication": 8.5}, []string{"Faster triage needed."}, facilitator())
	if err != nil {
		t.Fatalf("generate AAR: %v", err)
	}
	if !env.engine.VerifyAAR(report.Content, report.Signature) {
		t.Fatal("fresh report failed verification")
	}
	tampered := report.Content
	tampered.CategoryScores = map[string]float64{"communication": 10}
	if env.engine.VerifyAAR(tampered, report.Signature) {
		t.Fatal("tampered report verified")
	}
	if report.Content.DecisionCount != 1 {
		t.Fatalf("decision count = %d, want 1", report.Content.DecisionCount)
	}
	if report.Content.ScenarioTitle != sc.Title {
		t.Fatalf("scenario title = %q", report.Content.ScenarioTitle)
	}
}

func TestPurgeSessionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Scheduler.MinuteScale = time.Second
	sc := drillScenario()
	sc.Injects = sc.Injects[:1]
	sess := env.startSession(t, sc, domain.SessionSettings{})
	ctx := context.Background()

	if _, err := env.engine.Transition(ctx, sess.ID, domain.StatusCompleted, facilitator()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.engine.GenerateAAR(ctx, sess.ID, "json", nil, nil, facilitator()); err != nil {
		t.Fatalf("generate AAR: %v", err)
	}

	if err := env.engine.PurgeSession(ctx, sess.ID, facilitator()); err != nil {
		t.Fatalf("first purge: %v", err)
	}
	if err := env.engine.PurgeSession(ctx, sess.ID, facilitator()); err != nil {
		t.Fatalf("second purge: %v", err)
	}

	if _, err := env.engine.GetSession(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("session after purge: err = %v, want ErrNotFound", err)
	}
	if _, err := env.engine.Store.GetAAR(ctx, sess.ID, "json"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("aar after purge: err = %v, want ErrNotFound", err)
	}
	if events, err := env.engine.Store.ListAuditEvents(ctx, sess.ID); err != nil || len(events) != 0 {
		t.Fatalf("audit after purge: events=%d err=%v", len(events), err)
	}
	if decisions, err := env.engine.Store.ListDecisions(ctx, sess.ID); err != nil || len(decisions) != 0 {
		t.Fatalf("decisions after purge: n=%d err=%v", len(decisions), err)
	}
}
