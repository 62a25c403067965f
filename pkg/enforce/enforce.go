// Package enforce matches each proposed action against a Contract's
// ordered rules and produces an EnforceResult.
package enforce

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/trace"
)

// Enforcer evaluates actions against a Contract's ordered rule list. It
// caches compiled CEL programs for any rule carrying a Match.When
// predicate, so repeated evaluation of the same contract does not
// recompile expressions.
//
// The CEL layer is deliberately narrow: predicates see only the
// candidate action's fields and must return a bool. It augments the
// literal subset-match algorithm; it never replaces it, and a rule with
// no When predicate never touches CEL at all.
type Enforcer struct {
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewEnforcer builds an Enforcer with a CEL environment exposing the
// action's well-known fields plus an `extra` map for opaque ones.
func NewEnforcer() (*Enforcer, error) {
	env, err := cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("path_prefix", cel.StringType),
		cel.Variable("extra", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("enforce: new CEL env: %w", err)
	}
	return &Enforcer{env: env, programs: make(map[string]cel.Program)}, nil
}

// Evaluate runs the match algorithm for every action in in.Actions
// against in.Contract's ordered rules, in list order, first match wins.
func (e *Enforcer) Evaluate(tr *trace.Trace, in contracts.EnforceInput) (contracts.EnforceResult, error) {
	if tr != nil {
		if _, err := tr.Append(contracts.EventEnforceStart, map[string]any{
			"contract_rules": len(in.Contract.Rules),
			"action_count":   len(in.Actions),
		}); err != nil {
			return contracts.EnforceResult{}, fmt.Errorf("enforce: append enforce_start: %w", err)
		}
	}

	result := contracts.EnforceResult{}
	def := in.Contract.EffectiveDefault()

	for _, action := range in.Actions {
		rule, fired, err := e.firstMatch(in.Contract.Rules, action)
		if err != nil {
			return contracts.EnforceResult{}, fmt.Errorf("enforce: evaluate match: %w", err)
		}

		switch {
		case fired && rule.Effect == contracts.EffectDeny:
			result.Blocked = append(result.Blocked, contracts.BlockedAction{
				Action: action, RuleID: rule.ID, Rationale: rule.Rationale,
			})
		case fired && rule.Effect == contracts.EffectAllow:
			result.Allowed = append(result.Allowed, action)
		case !fired && def == contracts.DefaultDeny:
			result.Blocked = append(result.Blocked, contracts.BlockedAction{
				Action: action, RuleID: contracts.DefaultDenyRuleID,
				Rationale: "no rule matched and the contract's default policy is DENY",
			})
		default:
			result.Allowed = append(result.Allowed, action)
		}
	}

	result.BlockedCount = len(result.Blocked)
	result.AllowedCount = len(result.Allowed)
	for _, b := range result.Blocked {
		result.BlockedRuleIDs = append(result.BlockedRuleIDs, b.RuleID)
	}
	if result.BlockedCount > 0 {
		result.DecisionSummary = contracts.DecisionBlock
	} else {
		result.DecisionSummary = contracts.DecisionAllow
	}

	if tr != nil {
		if _, err := tr.Append(contracts.EventEnforceEnd, result); err != nil {
			return contracts.EnforceResult{}, fmt.Errorf("enforce: append enforce_end: %w", err)
		}
	}
	return result, nil
}

// firstMatch returns the first rule whose Match is a subset-match of
// action, iterating in list order.
func (e *Enforcer) firstMatch(rules []contracts.Rule, action contracts.ProposedAction) (contracts.Rule, bool, error) {
	for _, rule := range rules {
		ok, err := e.matches(rule.Match, action)
		if err != nil {
			return contracts.Rule{}, false, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if ok {
			return rule, true, nil
		}
	}
	return contracts.Rule{}, false, nil
}

// matches reports whether m is a subset-match of action: every
// non-empty field in m must equal the corresponding action field
// (path_prefix matches as a string prefix against the action's
// path_prefix, or against its resource when the action has no
// path_prefix), and an optional When predicate must evaluate true. Missing
// match keys are wildcards.
func (e *Enforcer) matches(m contracts.Match, action contracts.ProposedAction) (bool, error) {
	if m.ActionType != "" && m.ActionType != action.ActionType {
		return false, nil
	}
	if m.Tool != "" && m.Tool != action.Tool {
		return false, nil
	}
	if m.Resource != "" && m.Resource != action.Resource {
		return false, nil
	}
	if m.PathPrefix != "" {
		target := action.Resource
		if action.PathPrefix != "" {
			target = action.PathPrefix
		}
		if !strings.HasPrefix(target, m.PathPrefix) {
			return false, nil
		}
	}
	if m.When != "" {
		return e.evalWhen(m.When, action)
	}
	return true, nil
}

func (e *Enforcer) evalWhen(expr string, action contracts.ProposedAction) (bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}
	extra := map[string]any{}
	for k, v := range action.Extra {
		extra[k] = v
	}
	out, _, err := prg.Eval(map[string]any{
		"action_type": action.ActionType,
		"tool":        action.Tool,
		"resource":    action.Resource,
		"path_prefix": action.PathPrefix,
		"extra":       extra,
	})
	if err != nil {
		return false, fmt.Errorf("when %q: eval: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("when %q: result is not a bool", expr)
	}
	return val, nil
}

func (e *Enforcer) compile(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("when %q: compile: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("when %q: program: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}
