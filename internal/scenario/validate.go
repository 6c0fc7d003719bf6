// Package scenario statically checks drill scripts before they may run:
// structural integrity, reference resolution, unconditional-loop freedom,
// and reachability of every inject.
package scenario

import (
	"fmt"
	"sort"
	"strings"

	"tabletop/internal/domain"
)

// Status is the overall validation verdict.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Issue is one validation error or warning.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the structured outcome of Validate. Validation problems are
// data, never errors: callers always get a Result.
type Result struct {
	Status   Status  `json:"status" enum:"pass,warn,fail"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	Summary  Summary `json:"summary"`
}

// Summary carries headline counts for reporting.
type Summary struct {
	Roles          int `json:"roles"`
	Injects        int `json:"injects"`
	TimedInjects   int `json:"timed_injects"`
	BranchedOnly   int `json:"branched_only"`
	BranchingRules int `json:"branching_rules"`
	EndConditions  int `json:"end_conditions"`
}

// sanityDurationMinutes flags drills over eight hours as suspect authoring.
const sanityDurationMinutes = 8 * 60

// Validate statically checks one scenario document. It is pure and
// deterministic: no I/O, and identical input yields an identical Result.
func Validate(s domain.Scenario) Result {
	v := &checker{scenario: s}

	v.checkBasics()
	v.checkRoles()
	v.checkInjects()
	v.checkBranchingRules()
	v.checkEndConditions()
	v.checkTiming()
	v.checkCycles()
	v.checkReachability()

	res := Result{
		Errors:   v.errors,
		Warnings: v.warnings,
		Summary:  v.summary(),
	}
	switch {
	case len(res.Errors) > 0:
		res.Status = StatusFail
	case len(res.Warnings) > 0:
		res.Status = StatusWarn
	default:
		res.Status = StatusPass
	}
	return res
}

type checker struct {
	scenario domain.Scenario
	errors   []Issue
	warnings []Issue
}

func (v *checker) fail(code, format string, args ...any) {
	v.errors = append(v.errors, Issue{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (v *checker) warn(code, format string, args ...any) {
	v.warnings = append(v.warnings, Issue{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (v *checker) checkBasics() {
	s := v.scenario
	if strings.TrimSpace(s.ID) == "" {
		v.fail("missing_id", "scenario id is required")
	}
	if strings.TrimSpace(s.Title) == "" {
		v.fail("missing_title", "scenario title is required")
	}
	if strings.TrimSpace(s.Description) == "" {
		v.fail("missing_description", "scenario description is required")
	}
	if s.DurationMinutes <= 0 {
		v.fail("invalid_duration", "scenario duration must be greater than zero, got %v", s.DurationMinutes)
	}
	if len(s.Injects) == 0 {
		v.fail("no_injects", "scenario must declare at least one inject")
	}
}

func (v *checker) checkRoles() {
	s := v.scenario
	if len(s.Roles) == 0 {
		v.fail("no_roles", "scenario must declare at least one role")
		return
	}
	seen := map[string]bool{}
	for i, role := range s.Roles {
		if strings.TrimSpace(role) == "" {
			v.fail("blank_role", "role at index %d is blank", i)
			continue
		}
		if seen[role] {
			v.fail("duplicate_role", "role %q declared more than once", role)
		}
		seen[role] = true
	}
}

func (v *checker) checkInjects() {
	s := v.scenario
	seen := map[string]bool{}
	for _, inj := range s.Injects {
		if strings.TrimSpace(inj.ID) == "" {
			v.fail("missing_inject_id", "inject with empty id")
			continue
		}
		if seen[inj.ID] {
			v.fail("duplicate_inject_id", "inject id %q declared more than once", inj.ID)
		}
		seen[inj.ID] = true

		if !validInjectType(inj.Type) {
			v.fail("invalid_inject_type", "inject %s has unknown type %q", inj.ID, inj.Type)
		}
		if inj.TimeOffsetMinutes != nil && *inj.TimeOffsetMinutes < 0 {
			v.fail("negative_offset", "inject %s has negative time offset %v", inj.ID, *inj.TimeOffsetMinutes)
		}
		if len(inj.TargetRoles) == 0 {
			v.fail("no_target_roles", "inject %s has no target roles", inj.ID)
		}
		for _, role := range inj.TargetRoles {
			if !v.scenario.HasRole(role) {
				v.fail("unknown_target_role", "inject %s targets undeclared role %q", inj.ID, role)
			}
		}
		if strings.TrimSpace(inj.Content) == "" {
			v.fail("missing_content", "inject %s has no content", inj.ID)
		}
		if !validSeverity(inj.Severity) {
			v.fail("invalid_severity", "inject %s has unknown severity %q", inj.ID, inj.Severity)
		}
		if inj.Branch != nil {
			v.checkInjectRef("branch_target", inj.ID, inj.Branch.Goto)
			if inj.Branch.Else != nil {
				v.checkInjectRef("branch_else_target", inj.ID, *inj.Branch.Else)
			}
			if !knownCondition(inj.Branch.Condition) {
				v.warn("opaque_condition", "inject %s branch has unrecognized condition %q; it will never auto-fire", inj.ID, inj.Branch.Condition)
			}
		}
		if ra := inj.RequiredAction; ra != nil {
			if !v.scenario.HasRole(ra.Role) {
				v.fail("unknown_action_role", "inject %s required action names undeclared role %q", inj.ID, ra.Role)
			}
			if ra.TimeoutMinutes <= 0 {
				v.fail("invalid_action_timeout", "inject %s required action timeout must be positive, got %v", inj.ID, ra.TimeoutMinutes)
			}
			if ra.Penalty < 0 {
				v.fail("negative_penalty", "inject %s required action penalty must not be negative", inj.ID)
			}
			if ra.Bonus < 0 {
				v.fail("negative_bonus", "inject %s required action bonus must not be negative", inj.ID)
			}
		}
	}
}

func (v *checker) checkInjectRef(code, owner, target string) {
	if _, ok := v.scenario.InjectByID(target); !ok {
		v.fail(code, "%s references unknown inject %q", owner, target)
	}
}

func (v *checker) checkBranchingRules() {
	for _, rule := range v.scenario.BranchingRules {
		if strings.TrimSpace(rule.ID) == "" {
			v.fail("missing_rule_id", "branching rule with empty id")
			continue
		}
		v.checkInjectRef("rule_true_target", "branching rule "+rule.ID, rule.TrueGoto)
		if rule.FalseGoto != nil {
			v.checkInjectRef("rule_false_target", "branching rule "+rule.ID, *rule.FalseGoto)
		}
		if rule.TimeoutGoto != nil {
			v.checkInjectRef("rule_timeout_target", "branching rule "+rule.ID, *rule.TimeoutGoto)
			if rule.TimeoutMinutes == nil || *rule.TimeoutMinutes <= 0 {
				v.fail("invalid_rule_timeout", "branching rule %s has a timeout target without a positive timeout", rule.ID)
			}
		}
		if !knownCondition(rule.Condition) {
			v.warn("opaque_condition", "branching rule %s has unrecognized condition %q; it will never auto-fire", rule.ID, rule.Condition)
		}
	}
}

func (v *checker) checkEndConditions() {
	for i, ec := range v.scenario.EndConditions {
		switch ec.Type {
		case domain.EndTimeElapsed:
			if ec.ElapsedMinutes == nil || *ec.ElapsedMinutes <= 0 {
				v.fail("invalid_end_condition", "end condition %d: time_elapsed requires positive elapsed_minutes", i)
			}
		case domain.EndAllInjectsComplete:
			if len(ec.InjectIDs) == 0 {
				v.fail("invalid_end_condition", "end condition %d: all_injects_complete requires inject ids", i)
			}
			for _, id := range ec.InjectIDs {
				v.checkInjectRef("end_condition_target", fmt.Sprintf("end condition %d", i), id)
			}
		case domain.EndManual:
		default:
			v.fail("invalid_end_condition", "end condition %d has unknown type %q", i, ec.Type)
		}
	}
}

func (v *checker) checkTiming() {
	s := v.scenario
	if s.DurationMinutes <= 0 {
		return
	}
	maxOffset := 0.0
	for _, inj := range s.Injects {
		if inj.TimeOffsetMinutes == nil {
			continue
		}
		if *inj.TimeOffsetMinutes > s.DurationMinutes {
			v.warn("inject_beyond_duration", "inject %s is scheduled at minute %v, beyond the %v minute duration", inj.ID, *inj.TimeOffsetMinutes, s.DurationMinutes)
		}
		if *inj.TimeOffsetMinutes > maxOffset {
			maxOffset = *inj.TimeOffsetMinutes
		}
	}
	if maxOffset > s.DurationMinutes {
		v.fail("duration_too_short", "scenario duration %v is shorter than the latest inject offset %v", s.DurationMinutes, maxOffset)
	}
	if s.DurationMinutes > sanityDurationMinutes {
		v.warn("duration_sanity", "scenario duration %v minutes exceeds the %d minute sanity threshold", s.DurationMinutes, sanityDurationMinutes)
	}
}

// checkCycles detects loops over the unconditional edge subgraph only.
// A conditional edge can evaluate false and break the loop at runtime,
// so including it would over-report.
func (v *checker) checkCycles() {
	if cycle := findUnconditionalCycle(v.scenario); len(cycle) > 0 {
		v.fail("circular_branching", "circular unconditional branching detected involving inject %q (cycle: %s)", cycle[0], strings.Join(cycle, " -> "))
	}
}

// checkReachability warns on injects with no time trigger that no branch
// path, conditional or not, can ever reach.
func (v *checker) checkReachability() {
	unreachable := findUnreachable(v.scenario)
	sort.Strings(unreachable)
	for _, id := range unreachable {
		v.warn("unreachable_inject", "inject %s has no time offset and is never a branch target; it is unreachable", id)
	}
}

func (v *checker) summary() Summary {
	s := v.scenario
	timed := 0
	for _, inj := range s.Injects {
		if inj.TimeOffsetMinutes != nil {
			timed++
		}
	}
	return Summary{
		Roles:          len(s.Roles),
		Injects:        len(s.Injects),
		TimedInjects:   timed,
		BranchedOnly:   len(s.Injects) - timed,
		BranchingRules: len(s.BranchingRules),
		EndConditions:  len(s.EndConditions),
	}
}

func validSeverity(sev domain.Severity) bool {
	for _, known := range domain.KnownSeverities {
		if sev == known {
			return true
		}
	}
	return false
}

func validInjectType(t domain.InjectType) bool {
	for _, known := range domain.KnownInjectTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsUnconditional reports whether a branch condition always fires.
func IsUnconditional(condition string) bool {
	c := strings.TrimSpace(strings.ToLower(condition))
	return c == "" || c == "always"
}

// knownCondition reports whether the runtime can ever evaluate the
// predicate to true: unconditional forms and decision predicates of the
// shape decision:<role>:<action>.
func knownCondition(condition string) bool {
	if IsUnconditional(condition) {
		return true
	}
	parts := strings.Split(condition, ":")
	return len(parts) == 3 && parts[0] == "decision" && parts[1] != "" && parts[2] != ""
}
