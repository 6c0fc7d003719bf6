// Package scheduler drives live delivery of time- and condition-triggered
// injects against a pausable session timeline. Each session gets one
// cooperative waiting goroutine over a single priority queue of pending
// firings; sessions never contend with one another.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tabletop/internal/audit"
	"tabletop/internal/domain"
	"tabletop/internal/scenario"
	"tabletop/internal/store"
)

// Broadcast is the fire-and-forget notification callback.
type Broadcast func(domain.BroadcastEvent)

// schedulerActor is the audit actor for machine-triggered entries.
const schedulerActor = "scheduler"

// Scheduler owns one runner per active session.
type Scheduler struct {
	Store     store.Store
	Audit     *audit.Writer
	Broadcast Broadcast
	Logger    *slog.Logger
	Now       func() time.Time

	// MinuteScale is the wall time of one scenario minute before the
	// session's time compression is applied. Tests shrink it.
	MinuteScale time.Duration

	// EndSession is called, in its own goroutine, when an end condition
	// is met. Wired to the engine's complete routine.
	EndSession func(sessionID, reason string)

	// AdjustScore applies a required-action bonus or penalty to a
	// session's per-role score. Wired to the engine so session writes
	// stay serialized. The runner dispatches it in its own goroutine:
	// the engine takes the session lock, and a runner blocked on that
	// lock would deadlock a Stop issued under it.
	AdjustScore func(ctx context.Context, sessionID, role string, delta float64)

	mu      sync.Mutex
	runners map[string]*runner
}

// New builds a scheduler with real time defaults.
func New(st store.Store, aw *audit.Writer, broadcast Broadcast) *Scheduler {
	return &Scheduler{
		Store:       st,
		Audit:       aw,
		Broadcast:   broadcast,
		Logger:      slog.Default(),
		Now:         time.Now,
		MinuteScale: time.Minute,
		runners:     map[string]*runner{},
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Scheduler) broadcast(evt domain.BroadcastEvent) {
	if s.Broadcast == nil {
		return
	}
	// Fire-and-forget: a slow or panicking subscriber must not stall or
	// kill a session runner.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger().Error("broadcast subscriber panicked", "event", evt.EventName, "panic", r)
			}
		}()
		s.Broadcast(evt)
	}()
}

// Start schedules every timed inject of the scenario and begins the
// session runner. Offset zero fires immediately.
func (s *Scheduler) Start(sess domain.Session, sc domain.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runners == nil {
		s.runners = map[string]*runner{}
	}
	if _, exists := s.runners[sess.ID]; exists {
		return fmt.Errorf("session %s already scheduled", sess.ID)
	}

	minute := s.MinuteScale
	if minute <= 0 {
		minute = time.Minute
	}
	if c := sess.Settings.TimeCompression; c > 0 {
		minute = time.Duration(float64(minute) / c)
	}

	r := &runner{
		sched:          s,
		sessionID:      sess.ID,
		scenario:       sc,
		minute:         minute,
		fired:          map[string]bool{},
		pendingActions: map[string]domain.RequiredAction{},
		activeRules:    map[string]domain.BranchingRule{},
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	now := s.now()
	for _, inj := range sc.Injects {
		if inj.TimeOffsetMinutes == nil {
			continue
		}
		r.queue.push(&entry{
			kind:     entryInject,
			deadline: now.Add(r.scaled(*inj.TimeOffsetMinutes)),
			injectID: inj.ID,
		})
	}
	for _, ec := range sc.EndConditions {
		if ec.Type == domain.EndTimeElapsed && ec.ElapsedMinutes != nil {
			r.queue.push(&entry{
				kind:     entryAutoEnd,
				deadline: now.Add(r.scaled(*ec.ElapsedMinutes)),
				reason:   "time_elapsed",
			})
		}
	}
	for _, rule := range sc.BranchingRules {
		if scenario.RuleAnchor(sc, rule) == "" {
			r.activateRuleLocked(rule, now)
		}
	}

	s.runners[sess.ID] = r
	go r.loop()
	return nil
}

// Pause snapshots the remaining delay of every pending firing and drains
// the queue. No deliveries occur while paused.
func (s *Scheduler) Pause(sessionID string) error {
	r := s.runner(sessionID)
	if r == nil {
		return fmt.Errorf("session %s is not scheduled", sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.closed {
		return nil
	}
	r.paused = true
	now := s.now()
	for _, e := range r.queue.drain() {
		remaining := e.deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		r.frozen = append(r.frozen, frozenEntry{entry: e, remaining: remaining})
	}
	r.wakeLocked()
	return nil
}

// Resume reschedules every frozen firing using its captured remaining
// delay, preserving cumulative in-scenario elapsed time across pauses.
func (s *Scheduler) Resume(sessionID string) error {
	r := s.runner(sessionID)
	if r == nil {
		return fmt.Errorf("session %s is not scheduled", sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused || r.closed {
		return nil
	}
	r.paused = false
	now := s.now()
	for _, f := range r.frozen {
		f.entry.deadline = now.Add(f.remaining)
		r.queue.push(f.entry)
	}
	r.frozen = nil
	r.wakeLocked()
	return nil
}

// Stop cancels every outstanding firing for the session and waits for
// its runner to exit, so no late delivery can follow a terminal state.
func (s *Scheduler) Stop(sessionID string) {
	s.mu.Lock()
	r := s.runners[sessionID]
	delete(s.runners, sessionID)
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	r.closed = true
	r.queue.drain()
	r.frozen = nil
	r.wakeLocked()
	r.mu.Unlock()
	<-r.done
}

// DeliverManual bypasses scheduling and delivers a facilitator-authored
// inject immediately.
func (s *Scheduler) DeliverManual(ctx context.Context, sess domain.Session, inj domain.Inject, facilitatorID string) error {
	if r := s.runner(sess.ID); r != nil {
		r.mu.Lock()
		if r.fired[inj.ID] {
			r.mu.Unlock()
			return fmt.Errorf("inject %s already delivered", inj.ID)
		}
		r.fired[inj.ID] = true
		r.mu.Unlock()
		r.deliver(ctx, inj, facilitatorID, true)
		return nil
	}
	// No runner (e.g. session ended between checks); record directly.
	return s.recordDelivery(ctx, sess.ID, inj, facilitatorID, true)
}

// NotifyDecision re-evaluates pending required actions and active
// branching rules against a freshly recorded decision.
func (s *Scheduler) NotifyDecision(ctx context.Context, d domain.Decision) {
	r := s.runner(d.SessionID)
	if r == nil {
		return
	}
	r.onDecision(ctx, d)
}

func (s *Scheduler) runner(sessionID string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[sessionID]
}

func (s *Scheduler) recordDelivery(ctx context.Context, sessionID string, inj domain.Inject, actor string, manual bool) error {
	meta := map[string]any{
		"inject_id":    inj.ID,
		"inject_type":  string(inj.Type),
		"severity":     string(inj.Severity),
		"target_roles": inj.TargetRoles,
		"content":      inj.Content,
		"manual":       manual,
	}
	evt, err := s.Audit.Append(ctx, sessionID, domain.AuditInjectDelivery, actor, meta)
	if err != nil {
		return err
	}
	s.broadcast(domain.BroadcastEvent{
		EventName: "inject_delivered",
		SessionID: sessionID,
		Timestamp: evt.Timestamp,
		Payload: map[string]any{
			"inject_id":    inj.ID,
			"inject_type":  string(inj.Type),
			"severity":     string(inj.Severity),
			"target_roles": inj.TargetRoles,
			"manual":       manual,
		},
	})
	return nil
}

// milestone records a scheduler fault or notable moment without
// interrupting the rest of the schedule.
func (s *Scheduler) milestone(ctx context.Context, sessionID, name string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["milestone"] = name
	if _, err := s.Audit.Append(ctx, sessionID, domain.AuditMilestone, schedulerActor, meta); err != nil {
		s.logger().Error("append milestone failed", "session_id", sessionID, "milestone", name, "error", err)
	}
}

type frozenEntry struct {
	entry     *entry
	remaining time.Duration
}

// runner is the single writer over one session's pending-delivery set.
type runner struct {
	sched     *Scheduler
	sessionID string
	scenario  domain.Scenario
	minute    time.Duration

	mu             sync.Mutex
	queue          pendingQueue
	frozen         []frozenEntry
	paused         bool
	closed         bool
	fired          map[string]bool
	pendingActions map[string]domain.RequiredAction
	activeRules    map[string]domain.BranchingRule

	wake chan struct{}
	done chan struct{}
}

func (r *runner) scaled(minutes float64) time.Duration {
	return time.Duration(minutes * float64(r.minute))
}

func (r *runner) wakeLocked() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *runner) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if r.paused || r.queue.Len() == 0 {
			r.mu.Unlock()
			<-r.wake
			continue
		}
		now := r.sched.now()
		next := r.queue.peek()
		if !next.deadline.After(now) {
			e := r.queue.popNext()
			r.mu.Unlock()
			r.fire(e)
			continue
		}
		delay := next.deadline.Sub(now)
		r.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.wake:
			timer.Stop()
		}
	}
}

// fire executes one popped entry. Faults are contained to this session
// and recorded as audit milestones.
func (r *runner) fire(e *entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.sched.logger().Error("session runner recovered from panic",
				"session_id", r.sessionID, "panic", rec)
			r.sched.milestone(context.Background(), r.sessionID, "scheduler_fault",
				map[string]any{"detail": fmt.Sprint(rec)})
		}
	}()
	ctx := context.Background()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.paused {
		// Lost the race with a concurrent pause before delivering:
		// freeze the entry again instead of firing it.
		r.frozen = append(r.frozen, frozenEntry{entry: e, remaining: 0})
		r.mu.Unlock()
		return
	}

	switch e.kind {
	case entryInject:
		if r.fired[e.injectID] {
			r.mu.Unlock()
			return
		}
		inj, ok := r.scenario.InjectByID(e.injectID)
		if !ok {
			r.mu.Unlock()
			r.sched.milestone(ctx, r.sessionID, "delivery_failed",
				map[string]any{"inject_id": e.injectID, "detail": "inject not in scenario"})
			return
		}
		r.fired[e.injectID] = true
		r.mu.Unlock()
		r.deliver(ctx, inj, schedulerActor, false)

	case entryActionTimeout:
		act, ok := r.pendingActions[e.injectID]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.pendingActions, e.injectID)
		r.mu.Unlock()
		r.sched.milestone(ctx, r.sessionID, "required_action_timeout", map[string]any{
			"inject_id": e.injectID,
			"role":      act.Role,
			"penalty":   act.Penalty,
		})
		if act.Penalty > 0 && r.sched.AdjustScore != nil {
			go r.sched.AdjustScore(ctx, r.sessionID, act.Role, -act.Penalty)
		}

	case entryBranchTimeout:
		rule, ok := r.activeRules[e.ruleID]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.activeRules, e.ruleID)
		r.mu.Unlock()
		r.resolveRuleTimeout(ctx, rule)

	case entryAutoEnd:
		r.mu.Unlock()
		r.sched.milestone(ctx, r.sessionID, "end_condition_met", map[string]any{"reason": e.reason})
		if end := r.sched.EndSession; end != nil {
			go end(r.sessionID, e.reason)
		}

	default:
		r.mu.Unlock()
	}
}

// deliver appends the delivery audit event, notifies targets, and runs
// post-delivery effects: required-action windows, branches, anchored
// rules, and completion end conditions.
func (r *runner) deliver(ctx context.Context, inj domain.Inject, actor string, manual bool) {
	if err := r.sched.recordDelivery(ctx, r.sessionID, inj, actor, manual); err != nil {
		r.sched.logger().Error("inject delivery failed",
			"session_id", r.sessionID, "inject_id", inj.ID, "error", err)
		r.sched.milestone(ctx, r.sessionID, "delivery_failed",
			map[string]any{"inject_id": inj.ID, "detail": err.Error()})
		// Fall through: post-delivery effects still run so the rest of
		// the schedule is unaffected.
	}

	now := r.sched.now()
	r.mu.Lock()
	if act := inj.RequiredAction; act != nil {
		r.pendingActions[inj.ID] = *act
		r.queue.push(&entry{
			kind:     entryActionTimeout,
			deadline: now.Add(r.scaled(act.TimeoutMinutes)),
			injectID: inj.ID,
		})
		r.wakeLocked()
	}
	r.mu.Unlock()

	if inj.Branch != nil {
		r.followBranch(ctx, inj)
	}
	for _, rule := range r.scenario.BranchingRules {
		if scenario.RuleAnchor(r.scenario, rule) == inj.ID {
			r.mu.Lock()
			r.activateRuleLocked(rule, now)
			r.mu.Unlock()
		}
	}
	r.checkCompletion()
}

// followBranch resolves an inject's inline branch at delivery time.
func (r *runner) followBranch(ctx context.Context, inj domain.Inject) {
	b := inj.Branch
	if scenario.IsUnconditional(b.Condition) {
		r.scheduleInjectNow(b.Goto)
		return
	}
	met, err := r.conditionMet(ctx, b.Condition)
	if err != nil {
		r.sched.milestone(ctx, r.sessionID, "branch_evaluation_failed",
			map[string]any{"inject_id": inj.ID, "detail": err.Error()})
		return
	}
	if met {
		r.scheduleInjectNow(b.Goto)
	} else if b.Else != nil {
		r.scheduleInjectNow(*b.Else)
	}
}

// activateRuleLocked arms a standalone branching rule: satisfied
// conditions fire immediately, otherwise the rule watches decisions and
// optionally a timeout. Caller holds r.mu.
func (r *runner) activateRuleLocked(rule domain.BranchingRule, now time.Time) {
	if scenario.IsUnconditional(rule.Condition) {
		r.scheduleInjectLocked(rule.TrueGoto, 0)
		return
	}
	r.activeRules[rule.ID] = rule
	if rule.TimeoutGoto != nil && rule.TimeoutMinutes != nil {
		r.queue.push(&entry{
			kind:     entryBranchTimeout,
			deadline: now.Add(r.scaled(*rule.TimeoutMinutes)),
			ruleID:   rule.ID,
		})
		r.wakeLocked()
	}
}

// resolveRuleTimeout decides a rule whose waiting window expired.
func (r *runner) resolveRuleTimeout(ctx context.Context, rule domain.BranchingRule) {
	met, err := r.conditionMet(ctx, rule.Condition)
	if err != nil {
		r.sched.milestone(ctx, r.sessionID, "branch_evaluation_failed",
			map[string]any{"rule_id": rule.ID, "detail": err.Error()})
		return
	}
	switch {
	case met:
		r.scheduleInjectNow(rule.TrueGoto)
	case rule.TimeoutGoto != nil:
		r.scheduleInjectNow(*rule.TimeoutGoto)
	case rule.FalseGoto != nil:
		r.scheduleInjectNow(*rule.FalseGoto)
	}
}

func (r *runner) onDecision(ctx context.Context, d domain.Decision) {
	type satisfiedAction struct {
		injectID string
		action   domain.RequiredAction
	}
	r.mu.Lock()
	var satisfied []satisfiedAction
	for injectID, act := range r.pendingActions {
		if act.Role == d.Role {
			satisfied = append(satisfied, satisfiedAction{injectID: injectID, action: act})
			delete(r.pendingActions, injectID)
		}
	}
	var firedRules []domain.BranchingRule
	for id, rule := range r.activeRules {
		if decisionSatisfies(rule.Condition, d) {
			firedRules = append(firedRules, rule)
			delete(r.activeRules, id)
		}
	}
	r.mu.Unlock()

	for _, sa := range satisfied {
		r.sched.milestone(ctx, r.sessionID, "required_action_satisfied", map[string]any{
			"inject_id": sa.injectID,
			"role":      d.Role,
			"bonus":     sa.action.Bonus,
		})
		if sa.action.Bonus > 0 && r.sched.AdjustScore != nil {
			r.sched.AdjustScore(ctx, r.sessionID, d.Role, sa.action.Bonus)
		}
	}
	for _, rule := range firedRules {
		r.scheduleInjectNow(rule.TrueGoto)
	}
}

func (r *runner) scheduleInjectNow(injectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleInjectLocked(injectID, 0)
}

func (r *runner) scheduleInjectLocked(injectID string, delay time.Duration) {
	if r.closed || r.fired[injectID] {
		return
	}
	e := &entry{kind: entryInject, deadline: r.sched.now().Add(delay), injectID: injectID}
	if r.paused {
		r.frozen = append(r.frozen, frozenEntry{entry: e, remaining: delay})
		return
	}
	r.queue.push(e)
	r.wakeLocked()
}

// checkCompletion ends the session once every inject named by an
// all_injects_complete condition has fired.
func (r *runner) checkCompletion() {
	r.mu.Lock()
	var reason string
	for _, ec := range r.scenario.EndConditions {
		if ec.Type != domain.EndAllInjectsComplete || len(ec.InjectIDs) == 0 {
			continue
		}
		complete := true
		for _, id := range ec.InjectIDs {
			if !r.fired[id] {
				complete = false
				break
			}
		}
		if complete {
			reason = "all_injects_complete"
			break
		}
	}
	r.mu.Unlock()
	if reason == "" {
		return
	}
	r.sched.milestone(context.Background(), r.sessionID, "end_condition_met", map[string]any{"reason": reason})
	if end := r.sched.EndSession; end != nil {
		go end(r.sessionID, reason)
	}
}

// conditionMet evaluates a predicate against every decision recorded so
// far. Unknown predicate shapes never auto-fire.
func (r *runner) conditionMet(ctx context.Context, condition string) (bool, error) {
	if scenario.IsUnconditional(condition) {
		return true, nil
	}
	decisions, err := r.sched.Store.ListDecisions(ctx, r.sessionID)
	if err != nil {
		return false, err
	}
	for _, d := range decisions {
		if decisionSatisfies(condition, d) {
			return true, nil
		}
	}
	return false, nil
}

// decisionSatisfies matches predicates of the form
// decision:<role>:<action> against one decision.
func decisionSatisfies(condition string, d domain.Decision) bool {
	parts := strings.Split(condition, ":")
	if len(parts) != 3 || parts[0] != "decision" {
		return false
	}
	return parts[1] == d.Role && parts[2] == d.Action
}
