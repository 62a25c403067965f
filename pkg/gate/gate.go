// Package gate implements the risk/unknown classifier: it evaluates a
// proposed-action set against a baseline risk taxonomy and derives a
// deterministic GateReport decision.
package gate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/trace"
)

// reservedPathPrefixes are write targets treated as protected scope.
var reservedPathPrefixes = []string{"/prod/", "config/security/"}

// confidentialDataPattern is the baseline task-description heuristic for
// data.sensitive; it intentionally mirrors the classifier's lightweight
// PII/secret heuristics rather than a full DLP engine.
var confidentialDataPattern = regexp.MustCompile(
	`(?i)ssn|social security|password|private key|credit card|api[_-]?key|secret`,
)

// actionTypePattern is the baseline shape an action_type must match to be
// considered well-formed; the taxonomy does not maintain a closed verb
// whitelist — any non-empty, schema-shaped verb (e.g. "send_email") is a
// known action, it simply may not match any baseline or contract rule.
var actionTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Rule is one baseline risk predicate. Predicate receives the full gate
// input and returns the risks it contributes; a Rule contributes no
// unknowns (those come only from unknownActionRisks).
type Rule struct {
	ID        string
	Severity  contracts.Severity
	Predicate func(contracts.GateInput) []contracts.Risk
}

// baselineRules is the non-exhaustive, extensible-via-config risk
// taxonomy. Order does not affect the decision (derivation only
// consults the set of severities present), but is kept stable so
// GateReport.Risks renders deterministically.
var baselineRules = []Rule{
	{
		ID:       "destructive.delete",
		Severity: contracts.SeverityCritical,
		Predicate: func(in contracts.GateInput) []contracts.Risk {
			var risks []contracts.Risk
			for _, a := range in.ProposedActions {
				if a.ActionType == "delete" {
					risks = append(risks, contracts.Risk{
						ID: "destructive.delete", Severity: contracts.SeverityCritical,
						Description: fmt.Sprintf("proposed action deletes %s", describeTarget(a)),
						TriggeredBy: a.ActionType,
					})
				}
			}
			return risks
		},
	},
	{
		ID:       "scope.protected_write",
		Severity: contracts.SeverityHigh,
		Predicate: func(in contracts.GateInput) []contracts.Risk {
			var risks []contracts.Risk
			for _, a := range in.ProposedActions {
				if !isWrite(a.ActionType) {
					continue
				}
				target := a.PathPrefix
				if target == "" {
					target = a.Resource
				}
				if matchesReservedPath(target) {
					risks = append(risks, contracts.Risk{
						ID: "scope.protected_write", Severity: contracts.SeverityHigh,
						Description: fmt.Sprintf("write to reserved path %q", target),
						TriggeredBy: a.ActionType,
					})
				}
			}
			return risks
		},
	},
	{
		ID:       "data.sensitive",
		Severity: contracts.SeverityMedium,
		Predicate: func(in contracts.GateInput) []contracts.Risk {
			if confidentialDataPattern.MatchString(in.Task) {
				return []contracts.Risk{{
					ID: "data.sensitive", Severity: contracts.SeverityMedium,
					Description: "task description matches confidential-data pattern",
					TriggeredBy: "task",
				}}
			}
			return nil
		},
	},
	{
		ID:       "input.empty",
		Severity: contracts.SeverityInfo,
		Predicate: func(in contracts.GateInput) []contracts.Risk {
			if len(in.ProposedActions) == 0 {
				return []contracts.Risk{{
					ID: "input.empty", Severity: contracts.SeverityInfo,
					Description: "proposed_actions is empty",
					TriggeredBy: "proposed_actions",
				}}
			}
			return nil
		},
	},
}

func isWrite(actionType string) bool {
	switch actionType {
	case "write", "update", "create", "delete":
		return true
	default:
		return false
	}
}

func matchesReservedPath(target string) bool {
	for _, prefix := range reservedPathPrefixes {
		if strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

func describeTarget(a contracts.ProposedAction) string {
	if a.Resource != "" {
		return a.Resource
	}
	if a.PathPrefix != "" {
		return a.PathPrefix
	}
	return "unspecified resource"
}

// unknownActionRisks implements schema.unknown_action: unlike the other
// baseline rules it contributes both a medium risk AND an Unknown per
// spec, so it is evaluated separately from the Rule table. It fires only
// for an empty or malformed action_type — an ordinary verb the baseline
// taxonomy has no rule for (e.g. "send_email") is still a known action,
// it simply carries no risk on its own and is left to Enforce.
func unknownActionRisks(in contracts.GateInput) ([]contracts.Risk, []contracts.Unknown) {
	var risks []contracts.Risk
	var unknowns []contracts.Unknown
	for i, a := range in.ProposedActions {
		if a.ActionType == "" || !actionTypePattern.MatchString(a.ActionType) {
			id := fmt.Sprintf("schema.unknown_action.%d", i)
			risks = append(risks, contracts.Risk{
				ID: "schema.unknown_action", Severity: contracts.SeverityMedium,
				Description: fmt.Sprintf("proposed action %d has no well-formed action_type (%q)", i, a.ActionType),
				TriggeredBy: "proposed_actions",
			})
			unknowns = append(unknowns, contracts.Unknown{
				ID:          id,
				Description: fmt.Sprintf("action_type %q is empty or malformed", a.ActionType),
			})
		}
	}
	return risks, unknowns
}

// Gate evaluates proposed actions against the baseline risk taxonomy and
// emits gate_start/gate_end trace events.
type Gate struct {
	rules []Rule
}

// New constructs a Gate with the baseline taxonomy. extraRules, if any,
// are appended after the baseline and evaluated the same way.
func New(extraRules ...Rule) *Gate {
	rules := make([]Rule, 0, len(baselineRules)+len(extraRules))
	rules = append(rules, baselineRules...)
	rules = append(rules, extraRules...)
	return &Gate{rules: rules}
}

// Evaluate runs the taxonomy over in and returns a GateReport with its
// decision deterministically derived from the resulting risks/unknowns.
// If tr is non-nil, gate_start and gate_end events are appended.
func (g *Gate) Evaluate(ctx context.Context, tr *trace.Trace, in contracts.GateInput) (contracts.GateReport, error) {
	if tr != nil {
		if _, err := tr.Append(contracts.EventGateStart, map[string]any{
			"task_len":     len(in.Task),
			"action_count": len(in.ProposedActions),
		}); err != nil {
			return contracts.GateReport{}, fmt.Errorf("gate: append gate_start: %w", err)
		}
	}

	// Non-nil so the report serializes "risks": [] rather than null,
	// which the GateReport schema (and so Replay) rejects.
	risks := []contracts.Risk{}
	unknowns := []contracts.Unknown{}

	for _, r := range g.rules {
		risks = append(risks, r.Predicate(in)...)
	}
	uRisks, uUnknowns := unknownActionRisks(in)
	risks = append(risks, uRisks...)
	unknowns = append(unknowns, uUnknowns...)

	report := contracts.GateReport{
		Version:  "1",
		Decision: deriveDecision(risks, unknowns),
		Risks:    risks,
		Unknowns: unknowns,
	}
	if tr != nil {
		report.TraceID = tr.ID()
		if _, err := tr.Append(contracts.EventGateEnd, report); err != nil {
			return contracts.GateReport{}, fmt.Errorf("gate: append gate_end: %w", err)
		}
	}
	return report, nil
}

// deriveDecision implements the deterministic derivation table: critical
// or high risk forces BLOCK; else an unresolved unknown forces UNKNOWN;
// else a medium risk forces DEGRADE; else ALLOW.
func deriveDecision(risks []contracts.Risk, unknowns []contracts.Unknown) contracts.Decision {
	hasSeverity := func(sev contracts.Severity) bool {
		for _, r := range risks {
			if r.Severity == sev {
				return true
			}
		}
		return false
	}

	switch {
	case hasSeverity(contracts.SeverityCritical):
		return contracts.DecisionBlock
	case hasSeverity(contracts.SeverityHigh):
		return contracts.DecisionBlock
	case len(unknowns) > 0:
		return contracts.DecisionUnknown
	case hasSeverity(contracts.SeverityMedium):
		return contracts.DecisionDegrade
	default:
		return contracts.DecisionAllow
	}
}
