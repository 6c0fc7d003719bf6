package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"tabletop/internal/audit"
	"tabletop/internal/db"
	"tabletop/internal/domain"
	"tabletop/internal/migrate"
	"tabletop/internal/store"
)

func off(minutes float64) *float64 { return &minutes }

func strp(s string) *string { return &s }

type harness struct {
	sched *Scheduler
	store store.Store

	mu     sync.Mutex
	ended  []string
	deltas map[string]float64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.NewSQLite(conn)
	h := &harness{store: st, deltas: map[string]float64{}}
	sched := New(st, audit.NewWriter(st), nil)
	sched.MinuteScale = time.Millisecond
	sched.EndSession = func(sessionID, reason string) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.ended = append(h.ended, reason)
	}
	sched.AdjustScore = func(_ context.Context, _, role string, delta float64) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.deltas[role] += delta
	}
	h.sched = sched
	return h
}

func (h *harness) endReasons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ended...)
}

func (h *harness) delta(role string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deltas[role]
}

func (h *harness) start(t *testing.T, sc domain.Scenario, settings domain.SessionSettings) domain.Session {
	t.Helper()
	sess := domain.Session{
		ID:         "sess-" + t.Name(),
		ScenarioID: sc.ID,
		Status:     domain.StatusActive,
		Settings:   settings,
	}
	if err := h.sched.Start(sess, sc); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { h.sched.Stop(sess.ID) })
	return sess
}

func (h *harness) delivered(t *testing.T, sessionID string) []string {
	t.Helper()
	events, err := h.store.ListAuditEvents(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var out []string
	for _, evt := range events {
		if evt.Type == domain.AuditInjectDelivery {
			id, _ := evt.Metadata["inject_id"].(string)
			out = append(out, id)
		}
	}
	return out
}

func (h *harness) milestones(t *testing.T, sessionID string) []string {
	t.Helper()
	events, err := h.store.ListAuditEvents(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var out []string
	for _, evt := range events {
		if evt.Type == domain.AuditMilestone {
			name, _ := evt.Metadata["milestone"].(string)
			out = append(out, name)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
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

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func linearScenario() domain.Scenario {
	return domain.Scenario{
		ID:              "linear",
		Title:           "Linear drill",
		DurationMinutes: 90,
		Roles:           []string{"ic"},
		Injects: []domain.Inject{
			{ID: "a", Type: domain.InjectAlert, Severity: domain.SeverityInfo, TimeOffsetMinutes: off(0), TargetRoles: []string{"ic"}, Content: "first"},
			{ID: "b", Type: domain.InjectAlert, Severity: domain.SeverityInfo, TimeOffsetMinutes: off(5), TargetRoles: []string{"ic"}, Content: "second"},
			{ID: "c", Type: domain.InjectAlert, Severity: domain.SeverityInfo, TimeOffsetMinutes: off(10), TargetRoles: []string{"ic"}, Content: "third"},
		},
	}
}

func TestTimedInjectsFireInOffsetOrder(t *testing.T) {
	h := newHarness(t)
	sess := h.start(t, linearScenario(), domain.SessionSettings{})

	waitFor(t, 5*time.Second, func() bool {
		return len(h.delivered(t, sess.ID)) == 3
	}, "all three injects")
	got := h.delivered(t, sess.ID)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestTimeCompressionSpeedsDeliveries(t *testing.T) {
	h := newHarness(t)
	h.sched.MinuteScale = 100 * time.Millisecond
	sc := linearScenario()
	// 10x compression: the minute-10 inject lands around 100ms.
	sess := h.start(t, sc, domain.SessionSettings{TimeCompression: 10})

	start := time.Now()
	waitFor(t, 5*time.Second, func() bool {
		return len(h.delivered(t, sess.ID)) == 3
	}, "compressed deliveries")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("compressed run took %v", elapsed)
	}
}

func TestAtMostOnceDelivery(t *testing.T) {
	h := newHarness(t)
	sc := linearScenario()
	// A branch pointing back at an already-fired inject must not
	// deliver it twice.
	sc.Injects[2].Branch = &domain.Branch{Condition: "always", Goto: "a"}
	sess := h.start(t, sc, domain.SessionSettings{})

	waitFor(t, 5*time.Second, func() bool {
		return len(h.delivered(t, sess.ID)) >= 3
	}, "deliveries")
	time.Sleep(50 * time.Millisecond)
	counts := map[string]int{}
	for _, id := range h.delivered(t, sess.ID) {
		counts[id]++
	}
	for id, n := range counts {
		if n != 1 {
			t.Fatalf("inject %s delivered %d times", id, n)
		}
	}
}

func TestUnconditionalBranchSchedulesTarget(t *testing.T) {
	h := newHarness(t)
	sc := domain.Scenario{
		ID:              "branchy",
		DurationMinutes: 60,
		Roles:           []string{"ic"},
		Injects: []domain.Inject{
			{ID: "root", Type: domain.InjectAlert, Severity: domain.SeverityInfo, TimeOffsetMinutes: off(0), TargetRoles: []string{"ic"}, Content: "go",
				Branch: &domain.Branch{Condition: "always", Goto: "followup"}},
			{ID: "followup", Type: domain.InjectEmail, Severity: domain.SeverityWarning, TargetRoles: []string{"ic"}, Content: "next"},
		},
	}
	sess := h.start(t, sc, domain.SessionSettings{})

	waitFor(t, 5*time.Second, func() bool {
		return contains(h.delivered(t, sess.ID), "followup")
	}, "branch target delivery")
}

func TestDecisionBranchElseArm(t *testing.T) {
	h := newHarness(t)
	sc := domain.Scenario{
		ID:              "decide",
		DurationMinutes: 60,
		Roles:           []string{"ic"},
		Injects: []domain.Inject{
			{ID: "root", Type: domain.InjectAlert, Severity: domain.SeverityInfo, TimeOffsetMinutes: off(0), TargetRoles: []string{"ic"}, Content: "go",
				Branch: &domain.Branch{Condition: "decision:ic:isolate", Goto: "good", Else: strp("bad")}},
			{ID: "good", Type: domain.InjectEmail, Severity: domain.SeverityInfo, TargetRoles: []string{"ic"}, Content: "well done"},
			{ID: "bad", Type: domain.InjectEmail, Severity: domain.SeverityCritical, TargetRoles: []string{"ic"}, Content: "it spread"},
		},
	}
	sess := h.start(t, sc, domain.SessionSettings{})

	// No isolate decision exists when root delivers, so the else arm
	// fires.
	waitFor(t, 5*time.Second, func() bool {
		return contains(h.delivered(t, sess.ID), "bad")
	}, "else arm delivery")
	if contains(h.delivered(t, sess.ID), "good") {
		t.Fatal("true arm fired without a matching decision")
	}
}

func TestRequiredActionTimeoutAppliesPenalty(t *testing.T) {
	h := newHarness(t)
	sc := domain.Scenario{
		ID:              "penalize",
		DurationMinutes: 60,
		Roles:           []string{"ic"},
		Injects: []domain.Inject{
			{ID: "root", Type: domain.InjectAlert, Severity: domain.SeverityCritical, TimeOffsetMinutes: off(0), TargetRoles: []string{"ic"}, Content: "act now",
				RequiredAction: &domain.RequiredAction{Role: "ic", Description: "isolate", TimeoutMinutes: 2, Penalty: 5}},
		},
	}
	sess := h.start(t, sc, domain.SessionSettings{})

	waitFor(t, 5*time.Second, func() bool {
		return contains(h.milestones(t, sess.ID), "required_action_timeout")
	}, "action timeout milestone")
	waitFor(t, time.Second, func() bool {
		return h.delta("ic") == -5
	}, "penalty applied")
}

func TestRequiredActionSatisfiedAwardsBonus(t *testing.T) {
	h := newHarness(t)
	h.sched.MinuteScale = 50 * time.Millisecond
	sc := domain.Scenario{
		ID:              "reward",
		DurationMinutes: 60,
		Roles:           []string{"ic"},
		Injects: []domain.Inject{
			{ID: "root", Type: domain.InjectAlert, Severity: domain.SeverityCritical, TimeOffsetMinutes: off(0), TargetRoles: []string{"ic"}, Content: "act now",
				RequiredAction: &domain.RequiredAction{Role: "ic", Description: "isolate", TimeoutMinutes: 30, Penalty: 5, Bonus: 3}},
		},
	}
	sess := h.start(t, sc, domain.SessionSettings{})
	waitFor(t, 5*time.Second, func() bool {
		return len(h.delivered(t, sess.ID)) == 1
	}, "root delivery")

	h.sched.NotifyDecision(context.Background(), domain.Decision{
		SessionID: sess.ID, Role: "ic", Action: "isolate",
	})
	waitFor(t, 5*time.Second, func() bool {
		return contains(h.milestones(t, sess.ID), "required_action_satisfied")
	}, "satisfaction milestone")
	if got := h.delta("ic"); got != 3 {
		t.Fatalf("bonus delta = %v, want 3", got)
	}
	// The timeout entry later fires against a cleared pending action and
	// must not add a penalty.
	time.Sleep(100 * time.Millisecond)
	if contains(h.milestones(t, sess.ID), "required_action_timeout") {
		t.Fatal("timeout milestone recorded after satisfaction")
	}
}

func TestBranchingRuleDecisionAndTimeout(t *testing.T) {
	h := newHarness(t)
	sc := domain.Scenario{
		ID:              "ruled",
		DurationMinutes: 60,
		Roles:           []string{"ic"},
		Injects: []domain.Inject{
			{ID: "root", Type: domain.InjectAlert, Severity: domain.SeverityInfo, TimeOffsetMinutes: off(0), TargetRoles: []string{"ic"}, Content: "go"},
			{ID: "escalation", Type: domain.InjectNews, Severity: domain.SeverityCritical, TargetRoles: []string{"ic"}, Content: "leaked"},
		},
		BranchingRules: []domain.BranchingRule{
			{ID: "leak", Condition: "decision:ic:go_public", TrueGoto: "escalation",
				TimeoutGoto: strp("escalation"), TimeoutMinutes: off(5)},
		},
	}
	sess := h.start(t, sc, domain.SessionSettings{})

	// Nobody decides to go public; the rule times out onto its
	// timeout_goto.
	waitFor(t, 5*time.Second, func() bool {
		return contains(h.delivered(t, sess.ID), "escalation")
	}, "rule timeout delivery")
}

func TestAllInjectsCompleteEndsSession(t *testing.T) {
	h := newHarness(t)
	sc := linearScenario()
	sc.EndConditions = []domain.EndCondition{
		{Type: domain.EndAllInjectsComplete, InjectIDs: []string{"a", "b", "c"}},
	}
	sess := h.start(t, sc, domain.SessionSettings{})

	waitFor(t, 5*time.Second, func() bool {
		return contains(h.endReasons(), "all_injects_complete")
	}, "completion end condition")
	if !contains(h.milestones(t, sess.ID), "end_condition_met") {
		t.Fatal("end milestone not recorded")
	}
}

func TestTimeElapsedEndsSession(t *testing.T) {
	h := newHarness(t)
	sc := linearScenario()
	sc.EndConditions = []domain.EndCondition{
		{Type: domain.EndTimeElapsed, ElapsedMinutes: off(20)},
	}
	sess := h.start(t, sc, domain.SessionSettings{})

	waitFor(t, 5*time.Second, func() bool {
		return contains(h.endReasons(), "time_elapsed")
	}, "elapsed end condition")
	if !contains(h.milestones(t, sess.ID), "end_condition_met") {
		t.Fatal("end milestone not recorded")
	}
}

func TestPauseFreezesAndResumeRestores(t *testing.T) {
	h := newHarness(t)
	h.sched.MinuteScale = 20 * time.Millisecond
	sc := linearScenario() // b at minute 5 = 100ms, c at minute 10 = 200ms
	sess := h.start(t, sc, domain.SessionSettings{})

	waitFor(t, 5*time.Second, func() bool {
		return contains(h.delivered(t, sess.ID), "a")
	}, "immediate inject")
	if err := h.sched.Pause(sess.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Paused across both remaining deadlines.
	time.Sleep(400 * time.Millisecond)
	if got := h.delivered(t, sess.ID); len(got) != 1 {
		t.Fatalf("paused deliveries = %v, want only a", got)
	}

	if err := h.sched.Resume(sess.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(h.delivered(t, sess.ID)) == 3
	}, "remaining injects after resume")
}

func TestStopCancelsOutstandingDeliveries(t *testing.T) {
	h := newHarness(t)
	h.sched.MinuteScale = 50 * time.Millisecond
	sess := h.start(t, linearScenario(), domain.SessionSettings{})

	waitFor(t, 5*time.Second, func() bool {
		return contains(h.delivered(t, sess.ID), "a")
	}, "immediate inject")
	h.sched.Stop(sess.ID)

	time.Sleep(700 * time.Millisecond)
	if got := h.delivered(t, sess.ID); len(got) != 1 {
		t.Fatalf("deliveries after stop = %v, want only a", got)
	}
}

func TestManualDeliveryDedupes(t *testing.T) {
	h := newHarness(t)
	h.sched.MinuteScale = time.Second
	sc := linearScenario()
	sc.Injects = sc.Injects[:1]
	sess := h.start(t, sc, domain.SessionSettings{})
	ctx := context.Background()

	waitFor(t, 5*time.Second, func() bool {
		return contains(h.delivered(t, sess.ID), "a")
	}, "scheduled delivery")

	if err := h.sched.DeliverManual(ctx, sess, sc.Injects[0], "fac-1"); err == nil {
		t.Fatal("re-delivery of a fired inject accepted")
	}
	extra := domain.Inject{ID: "manual-1", Type: domain.InjectDirective, Severity: domain.SeverityWarning, TargetRoles: []string{"ic"}, Content: "stand up the bridge"}
	if err := h.sched.DeliverManual(ctx, sess, extra, "fac-1"); err != nil {
		t.Fatalf("manual delivery: %v", err)
	}
	if !contains(h.delivered(t, sess.ID), "manual-1") {
		t.Fatal("manual inject missing from trail")
	}
}
