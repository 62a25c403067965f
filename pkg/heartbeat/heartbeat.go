// Package heartbeat runs the kernel's autonomous learning loop: each
// Tick discovers newly completed runs, detects recurring patterns in
// them, crystallizes promising patterns into candidate policies, checks
// whether existing candidates have earned promotion, and rebuilds the
// policy bundle when anything changed. Every Tick is gated by a switch
// resolver (kill switch first), a cooldown window, a cost preflight,
// and a file lock so overlapping ticks never race.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/costmeter"
	"github.com/liyecom/governance-kernel/pkg/statestore"
	"github.com/liyecom/governance-kernel/pkg/switches"
)

// Run is one completed autonomous run's observed facts, the raw input
// the pattern detector mines for repetition.
type Run struct {
	ID       string
	Domain   string
	ActionType string
	Outcome  string // "success" or "failure"
	Tenant   string
	Facts    map[string]any
}

// Pattern is a candidate regularity detected across a batch of Runs.
type Pattern struct {
	Domain      string
	ActionType  string
	Support     int // number of corroborating runs
	SuccessRate float64
	Tenant      string
}

// Fact is one append-only record of a notable orchestrator event.
type Fact struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// FactLog appends Facts durably (typically a JSONL file).
type FactLog interface {
	Append(Fact) error
}

// RunSource discovers runs not yet processed by a previous Tick.
type RunSource interface {
	DiscoverNewRuns(since time.Time) ([]Run, error)
}

// BundleBuilder builds a deterministic policy bundle from the current
// production policy set whenever it changes.
type BundleBuilder interface {
	Build(policies []contracts.Policy) error
}

const (
	minSupport          = 3
	minSuccessRateForCandidate = 0.7
	minConfidenceForProduction = 0.9
	defaultEvaluationWindowDays = 7
)

// Orchestrator ties the switch/lock/budget preflight to the detect →
// crystallize → promote → rebuild pipeline.
type Orchestrator struct {
	TenantID   string
	Switches   *switches.Resolver
	State      *statestore.FileStateStore
	Meter      *costmeter.Meter
	Runs       RunSource
	Bundles    BundleBuilder
	Facts      FactLog
	log        *slog.Logger

	// Policies is the in-memory candidate/production set the
	// crystallizer and promotion checker operate on, keyed by policy_id.
	Policies map[string]contracts.Policy
}

// New builds an Orchestrator. Policies should be preloaded from the
// current bundle or local policy directory before the first Tick.
func New(tenantID string, sw *switches.Resolver, st *statestore.FileStateStore, meter *costmeter.Meter,
	runs RunSource, bundles BundleBuilder, facts FactLog) *Orchestrator {
	return &Orchestrator{
		TenantID: tenantID, Switches: sw, State: st, Meter: meter,
		Runs: runs, Bundles: bundles, Facts: facts,
		log:      slog.Default().With("component", "heartbeat_orchestrator"),
		Policies: make(map[string]contracts.Policy),
	}
}

// Tick runs one cycle of the learning loop. It returns nil (a no-op)
// whenever a gate — disabled switch, cooldown, budget, lock contention
// — holds, logging why at info level; only unexpected errors propagate.
func (o *Orchestrator) Tick(ctx context.Context, cooldown time.Duration, dailyBudgetCents int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("heartbeat: context canceled before tick: %w", err)
	}

	enabled, err := o.Switches.Bool("AUTONOMY_ENABLED", false)
	if err != nil {
		return fmt.Errorf("heartbeat: resolve autonomy switch: %w", err)
	}
	if !enabled {
		o.log.Info("autonomy disabled, skipping tick")
		return nil
	}

	if held := o.withinCooldown(cooldown); held {
		o.log.Info("cooldown active, skipping tick")
		return nil
	}

	decision, err := o.Meter.CheckBudget(o.TenantID, dailyBudgetCents, costmeter.Cost{AmountCents: 1, Reason: "heartbeat_tick"})
	if err != nil {
		return fmt.Errorf("heartbeat: cost preflight: %w", err)
	}
	if !decision.Allowed {
		o.log.Info("cost preflight denied tick", "reason", decision.Reason)
		return nil
	}

	acquired, err := o.State.AcquireLock("heartbeat", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("heartbeat: acquire lock: %w", err)
	}
	if !acquired {
		o.log.Info("lock held by another worker, skipping tick")
		return nil
	}
	defer o.State.ReleaseLock("heartbeat")

	changed, err := o.runPipeline()
	if err != nil {
		return err
	}

	if changed && o.Bundles != nil {
		if err := o.Bundles.Build(o.productionPolicies()); err != nil {
			return fmt.Errorf("heartbeat: rebuild bundle: %w", err)
		}
		o.emitFact("bundle_rebuilt", map[string]any{"policy_count": len(o.productionPolicies())})
	}

	if err := o.Meter.RecordSpend(o.TenantID, dailyBudgetCents, costmeter.Cost{AmountCents: 1, Reason: "heartbeat_tick"}); err != nil {
		return fmt.Errorf("heartbeat: record spend: %w", err)
	}
	return o.State.SetString("last_tick", time.Now().UTC().Format(time.RFC3339))
}

func (o *Orchestrator) withinCooldown(cooldown time.Duration) bool {
	raw, ok := o.State.GetString("last_tick")
	if !ok {
		return false
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return time.Since(last) < cooldown
}

// runPipeline discovers new runs, detects patterns, crystallizes and
// promotes policies, and reports whether the production policy set
// changed.
func (o *Orchestrator) runPipeline() (bool, error) {
	since := time.Unix(0, 0)
	if raw, ok := o.State.GetString("last_run_cursor"); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}

	runs, err := o.Runs.DiscoverNewRuns(since)
	if err != nil {
		return false, fmt.Errorf("heartbeat: discover new runs: %w", err)
	}
	if len(runs) == 0 {
		return false, nil
	}
	o.emitFact("runs_discovered", map[string]any{"count": len(runs)})

	patterns := detectPatterns(runs)
	changed := false
	for _, p := range patterns {
		policy := crystallize(p)
		prior, existed := o.Policies[policy.PolicyID]
		if existed {
			policy.ValidationStatus = promote(prior, p)
		}
		o.Policies[policy.PolicyID] = policy
		o.emitFact("policy_crystallized", map[string]any{
			"policy_id": policy.PolicyID, "status": string(policy.ValidationStatus), "support": p.Support,
		})
		if policy.ValidationStatus == contracts.PolicyProduction ||
			(existed && prior.ValidationStatus == contracts.PolicyProduction) {
			changed = true
		}
	}

	if err := o.State.SetString("last_run_cursor", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return changed, fmt.Errorf("heartbeat: advance run cursor: %w", err)
	}
	return changed, nil
}

func (o *Orchestrator) productionPolicies() []contracts.Policy {
	var out []contracts.Policy
	for _, p := range o.Policies {
		if p.ValidationStatus == contracts.PolicyProduction {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

func (o *Orchestrator) emitFact(factType string, detail map[string]any) {
	if o.Facts == nil {
		return
	}
	_ = o.Facts.Append(Fact{Type: factType, Timestamp: time.Now().UTC(), Detail: detail})
}

// detectPatterns groups runs by (domain, action_type, tenant) and keeps
// groups with at least minSupport corroborating runs.
func detectPatterns(runs []Run) []Pattern {
	type key struct{ domain, action, tenant string }
	groups := make(map[key][]Run)
	for _, r := range runs {
		k := key{r.Domain, r.ActionType, r.Tenant}
		groups[k] = append(groups[k], r)
	}

	var patterns []Pattern
	for k, rs := range groups {
		if len(rs) < minSupport {
			continue
		}
		successes := 0
		for _, r := range rs {
			if r.Outcome == "success" {
				successes++
			}
		}
		patterns = append(patterns, Pattern{
			Domain: k.domain, ActionType: k.action, Tenant: k.tenant,
			Support: len(rs), SuccessRate: float64(successes) / float64(len(rs)),
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Domain != patterns[j].Domain {
			return patterns[i].Domain < patterns[j].Domain
		}
		return patterns[i].ActionType < patterns[j].ActionType
	})
	return patterns
}

// crystallize turns a detected Pattern into a candidate Policy. Patterns
// below minSuccessRateForCandidate stay in PolicySandbox; the rest start
// as PolicyCandidate.
func crystallize(p Pattern) contracts.Policy {
	status := contracts.PolicySandbox
	if p.SuccessRate >= minSuccessRateForCandidate {
		status = contracts.PolicyCandidate
	}
	return contracts.Policy{
		SchemaVersion: "1",
		PolicyID:      fmt.Sprintf("policy.%s.%s", p.Domain, p.ActionType),
		Domain:        p.Domain,
		LearnedAt:     time.Now().UTC(),
		Scope:         contracts.PolicyScope{Type: "tenant", Keys: map[string]string{"tenant_id": p.Tenant}},
		RiskLevel:     "low",
		ValidationStatus: status,
		Confidence:    p.SuccessRate,
		Actions: []contracts.PolicyAction{
			{ActionType: p.ActionType, DryRunCompatible: true},
		},
		SuccessSignals:       contracts.SuccessSignals{Exec: []string{"success_rate"}},
		EvaluationWindowDays: defaultEvaluationWindowDays,
	}
}

// promote re-evaluates an already-crystallized policy against a fresh
// observation batch, advancing candidate → production once confidence
// clears minConfidenceForProduction, and demoting production → disabled
// if success rate collapses.
func promote(prior contracts.Policy, latest Pattern) contracts.ValidationStatus {
	switch prior.ValidationStatus {
	case contracts.PolicyCandidate:
		if latest.SuccessRate >= minConfidenceForProduction {
			return contracts.PolicyProduction
		}
		if latest.SuccessRate < minSuccessRateForCandidate {
			return contracts.PolicySandbox
		}
		return contracts.PolicyCandidate
	case contracts.PolicyProduction:
		if latest.SuccessRate < minSuccessRateForCandidate {
			return contracts.PolicyDisabled
		}
		return contracts.PolicyProduction
	default:
		if latest.SuccessRate >= minSuccessRateForCandidate {
			return contracts.PolicyCandidate
		}
		return contracts.PolicySandbox
	}
}
