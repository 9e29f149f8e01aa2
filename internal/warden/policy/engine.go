package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// AuditFunc receives every evaluation outcome. Implementations must not
// block; the engine calls it with no locks held.
type AuditFunc func(req Request, res Result)

// surfaceRules holds the ordered rules and default decision for one surface.
type surfaceRules struct {
	defaultDecision Decision
	rules           []orderedRule
	nextOrder       int
}

type orderedRule struct {
	rule  Rule
	order int // insertion order, ties broken ascending
}

// Engine evaluates access requests against per-surface rule lists.
// Safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	surfaces map[Surface]*surfaceRules
	audit    AuditFunc
	log      *slog.Logger
}

// NewEngine creates an engine whose surfaces all default to the given
// decision. Rules are added with AddRule or loaded with LoadSet.
func NewEngine(defaultDecision Decision, audit AuditFunc) *Engine {
	e := &Engine{
		surfaces: make(map[Surface]*surfaceRules, 4),
		audit:    audit,
		log:      slog.With("component", "policy"),
	}
	for _, s := range []Surface{SurfaceFile, SurfaceNetwork, SurfaceShell, SurfaceSecret} {
		e.surfaces[s] = &surfaceRules{defaultDecision: defaultDecision}
	}
	return e
}

// SetDefault changes the default decision for one surface.
func (e *Engine) SetDefault(surface Surface, d Decision) error {
	if !ValidDecision(d) {
		return fmt.Errorf("policy: invalid decision %q", d)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sr, ok := e.surfaces[surface]
	if !ok {
		return fmt.Errorf("policy: unknown surface %q", surface)
	}
	sr.defaultDecision = d
	return nil
}

// AddRule appends a rule to its surface's list. Insertion order is retained
// for tie-breaking between rules of equal priority.
func (e *Engine) AddRule(r Rule) error {
	if !ValidDecision(r.Decision) {
		return fmt.Errorf("policy: rule %q has invalid decision %q", r.ID, r.Decision)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sr, ok := e.surfaces[r.Surface]
	if !ok {
		return fmt.Errorf("policy: rule %q has unknown surface %q", r.ID, r.Surface)
	}
	if r.ID == "" {
		r.ID = fmt.Sprintf("%s-%d", r.Surface, sr.nextOrder)
	}
	sr.rules = append(sr.rules, orderedRule{rule: r, order: sr.nextOrder})
	sr.nextOrder++
	return nil
}

// RemoveRule deletes the rule with the given ID from the surface list.
// Returns false when no such rule exists.
func (e *Engine) RemoveRule(surface Surface, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sr, ok := e.surfaces[surface]
	if !ok {
		return false
	}
	for i, or := range sr.rules {
		if or.rule.ID == id {
			sr.rules = append(sr.rules[:i], sr.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a copy of the surface's rules in evaluation order.
func (e *Engine) Rules(surface Surface) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sr, ok := e.surfaces[surface]
	if !ok {
		return nil
	}
	ordered := sortedRules(sr)
	out := make([]Rule, 0, len(ordered))
	for _, or := range ordered {
		out = append(out, or.rule)
	}
	return out
}

// Evaluate applies the surface's rules to the request and returns the first
// match's decision, or the surface default. The evaluation is reported to the
// audit sink with the matched rule ID ("default" when nothing matched).
func (e *Engine) Evaluate(req Request) Result {
	e.mu.RLock()
	sr, ok := e.surfaces[req.Surface]
	if !ok {
		e.mu.RUnlock()
		res := Result{Decision: Block, RuleID: DefaultRuleID, Reason: "unknown surface"}
		e.report(req, res)
		return res
	}

	res := Result{Decision: sr.defaultDecision, RuleID: DefaultRuleID}
	for _, or := range sortedRules(sr) {
		if !or.rule.Enabled {
			continue
		}
		if or.rule.matches(req) {
			res = Result{Decision: or.rule.Decision, RuleID: or.rule.ID, Reason: or.rule.Reason}
			break
		}
	}
	e.mu.RUnlock()

	e.report(req, res)
	return res
}

func (e *Engine) report(req Request, res Result) {
	e.log.Debug("policy evaluated",
		"surface", req.Surface, "resource", req.Describe(),
		"decision", res.Decision, "rule", res.RuleID)
	if e.audit != nil {
		e.audit(req, res)
	}
}

// sortedRules returns the surface's rules sorted by priority descending,
// insertion order ascending. Must be called with e.mu held.
func sortedRules(sr *surfaceRules) []orderedRule {
	ordered := make([]orderedRule, len(sr.rules))
	copy(ordered, sr.rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].rule.Priority != ordered[j].rule.Priority {
			return ordered[i].rule.Priority > ordered[j].rule.Priority
		}
		return ordered[i].order < ordered[j].order
	})
	return ordered
}
