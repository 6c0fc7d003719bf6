package scenario

import "tabletop/internal/domain"

// findUnconditionalCycle runs DFS with a recursion stack over the
// subgraph of unconditional branch edges. It returns the members of the
// first cycle found, or nil.
func findUnconditionalCycle(s domain.Scenario) []string {
	edges := map[string][]string{}
	addEdge := func(from, to string) {
		if _, ok := s.InjectByID(to); !ok {
			return
		}
		edges[from] = append(edges[from], to)
	}
	for _, inj := range s.Injects {
		// Conditional branches are excluded entirely: a condition that
		// evaluates true redirects to goto instead of else, so either arm
		// of a conditional branch can break a loop at runtime.
		if inj.Branch != nil && IsUnconditional(inj.Branch.Condition) {
			addEdge(inj.ID, inj.Branch.Goto)
		}
	}
	for _, rule := range s.BranchingRules {
		if anchor := RuleAnchor(s, rule); anchor != "" && IsUnconditional(rule.Condition) {
			addEdge(anchor, rule.TrueGoto)
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := map[string]int{}
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range edges[id] {
			switch state[next] {
			case inStack:
				// Slice the stack back to the cycle entry point.
				for i, member := range stack {
					if member == next {
						return append([]string(nil), stack[i:]...)
					}
				}
				return []string{next}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, inj := range s.Injects {
		if state[inj.ID] == unvisited {
			stack = stack[:0]
			if cycle := visit(inj.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// findUnreachable computes the fixed point of reachability over the full
// edge set, conditional edges included, and returns ids of injects no
// path can reach.
func findUnreachable(s domain.Scenario) []string {
	reachable := map[string]bool{}
	for _, inj := range s.Injects {
		if inj.TimeOffsetMinutes != nil {
			reachable[inj.ID] = true
		}
	}

	targets := func(id string) []string {
		inj, ok := s.InjectByID(id)
		if !ok {
			return nil
		}
		var out []string
		if inj.Branch != nil {
			out = append(out, inj.Branch.Goto)
			if inj.Branch.Else != nil {
				out = append(out, *inj.Branch.Else)
			}
		}
		return out
	}

	for changed := true; changed; {
		changed = false
		for id := range reachable {
			for _, next := range targets(id) {
				if !reachable[next] {
					if _, ok := s.InjectByID(next); ok {
						reachable[next] = true
						changed = true
					}
				}
			}
		}
		// Standalone rules are anchored to a reachable inject when they
		// have one, otherwise they are treated as global redirects.
		for _, rule := range s.BranchingRules {
			anchor := RuleAnchor(s, rule)
			if anchor != "" && !reachable[anchor] {
				continue
			}
			for _, target := range ruleTargets(rule) {
				if !reachable[target] {
					if _, ok := s.InjectByID(target); ok {
						reachable[target] = true
						changed = true
					}
				}
			}
		}
	}

	var unreachable []string
	for _, inj := range s.Injects {
		if !reachable[inj.ID] {
			unreachable = append(unreachable, inj.ID)
		}
	}
	return unreachable
}

// RuleAnchor resolves the inject a standalone rule hangs off: a rule id
// matching an inject id anchors there, otherwise the rule is global and
// the anchor is empty.
func RuleAnchor(s domain.Scenario, rule domain.BranchingRule) string {
	if _, ok := s.InjectByID(rule.ID); ok {
		return rule.ID
	}
	return ""
}

func ruleTargets(rule domain.BranchingRule) []string {
	out := []string{rule.TrueGoto}
	if rule.FalseGoto != nil {
		out = append(out, *rule.FalseGoto)
	}
	if rule.TimeoutGoto != nil {
		out = append(out, *rule.TimeoutGoto)
	}
	return out
}
