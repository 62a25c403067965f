// Package costmeter enforces a daily spend budget on the heartbeat
// orchestrator's autonomous work, failing closed: any read/write error
// against the backing store denies the operation rather than letting
// it through. Daily usage rolls over at UTC midnight; the first
// preflight of a new day emits one cost_day_reset fact before the
// balance resets.
package costmeter

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liyecom/governance-kernel/pkg/contracts"
)

// Cost is a single cost estimate or actual, in integer cents.
type Cost struct {
	AmountCents int64
	Reason      string
}

// Ledger is a tenant's daily budget and usage.
type Ledger struct {
	TenantID    string    `json:"tenant_id"`
	DailyLimit  int64     `json:"daily_limit"`
	DailyUsed   int64     `json:"daily_used"`
	LastUpdated time.Time `json:"last_updated"`
}

func (l *Ledger) remaining() int64 {
	r := l.DailyLimit - l.DailyUsed
	if r < 0 {
		return 0
	}
	return r
}

// Receipt is evidence of one preflight/record decision.
type Receipt struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Action    string    `json:"action"`
	CostCents int64     `json:"cost_cents"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the outcome of a preflight budget check.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason"`
	Remaining int64    `json:"remaining_cents"`
	Receipt   *Receipt `json:"receipt"`
}

// Store persists one Ledger per tenant.
type Store interface {
	Get(tenantID string) (*Ledger, bool, error)
	Set(tenantID string, l *Ledger) error
}

// Fact is an append-only record emitted for notable meter events (a
// day rollover), written to the caller's evidence trail.
type Fact struct {
	Type      string    `json:"type"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

// FactSink receives Facts as they're emitted. nil is a valid no-op sink.
type FactSink interface {
	Record(Fact)
}

// Meter enforces and records spend against a daily budget, fail-closed.
type Meter struct {
	store Store
	facts FactSink
	mu    sync.Mutex
}

// New builds a Meter backed by store, optionally emitting rollover
// facts to facts (nil disables fact emission).
func New(store Store, facts FactSink) *Meter {
	return &Meter{store: store, facts: facts}
}

// CheckBudget preflights cost against tenantID's remaining daily
// budget without committing the spend. Any store error denies.
func (m *Meter) CheckBudget(tenantID string, dailyLimitCents int64, cost Cost) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ledger, err := m.loadOrInit(tenantID, dailyLimitCents)
	if err != nil {
		return m.denyReceipt(tenantID, cost, "internal_error"), err
	}

	newUsed := ledger.DailyUsed + cost.AmountCents
	if newUsed > ledger.DailyLimit {
		return Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("daily budget exceeded: %d > %d", newUsed, ledger.DailyLimit),
			Remaining: ledger.remaining(),
			Receipt:   m.receipt(tenantID, "denied", cost, "daily_limit_exceeded"),
		}, nil
	}

	return Decision{
		Allowed:   true,
		Reason:    "within budget",
		Remaining: ledger.DailyLimit - newUsed,
		Receipt:   m.receipt(tenantID, "allowed", cost, "ok"),
	}, nil
}

// RecordSpend commits actual incurred cost against tenantID's ledger.
// Call this after the work completes, even if CheckBudget was already
// called — CheckBudget never adds a cost to stored usage; the only write
// it makes is persisting a day-rollover reset.
func (m *Meter) RecordSpend(tenantID string, dailyLimitCents int64, cost Cost) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ledger, err := m.loadOrInit(tenantID, dailyLimitCents)
	if err != nil {
		return fmt.Errorf("costmeter: record spend: %w", err)
	}
	ledger.DailyUsed += cost.AmountCents
	ledger.LastUpdated = time.Now().UTC()
	if err := m.store.Set(tenantID, ledger); err != nil {
		return contracts.NewBudgetExceededError("failed to persist spend", map[string]any{
			"tenant_id": tenantID, "cause": err.Error(),
		})
	}
	return nil
}

// loadOrInit loads tenantID's ledger, resetting DailyUsed to zero and
// emitting a cost_day_reset fact if the last update fell on an earlier
// UTC calendar day.
func (m *Meter) loadOrInit(tenantID string, dailyLimitCents int64) (*Ledger, error) {
	ledger, found, err := m.store.Get(tenantID)
	if err != nil {
		return nil, contracts.NewBudgetExceededError("failed to read budget ledger", map[string]any{
			"tenant_id": tenantID, "cause": err.Error(),
		})
	}
	now := time.Now().UTC()
	if !found {
		ledger = &Ledger{TenantID: tenantID, DailyLimit: dailyLimitCents, LastUpdated: now}
		return ledger, nil
	}

	if !sameUTCDay(ledger.LastUpdated, now) {
		ledger.DailyUsed = 0
		ledger.LastUpdated = now
		if m.facts != nil {
			m.facts.Record(Fact{
				Type:      "cost_day_reset",
				TenantID:  tenantID,
				Timestamp: now,
				Detail:    "daily budget rolled over at UTC midnight",
			})
		}
		if err := m.store.Set(tenantID, ledger); err != nil {
			return nil, contracts.NewBudgetExceededError("failed to persist day reset", map[string]any{
				"tenant_id": tenantID, "cause": err.Error(),
			})
		}
	}
	ledger.DailyLimit = dailyLimitCents
	return ledger, nil
}

func sameUTCDay(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (m *Meter) receipt(tenantID, action string, cost Cost, reason string) *Receipt {
	return &Receipt{
		ID: uuid.NewString(), TenantID: tenantID, Action: action,
		CostCents: cost.AmountCents, Reason: reason, Timestamp: time.Now().UTC(),
	}
}

func (m *Meter) denyReceipt(tenantID string, cost Cost, reason string) Decision {
	return Decision{
		Allowed: false, Reason: reason,
		Receipt: m.receipt(tenantID, "denied", cost, reason),
	}
}
