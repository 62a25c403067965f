package heartbeat

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/costmeter"
	"github.com/liyecom/governance-kernel/pkg/statestore"
	"github.com/liyecom/governance-kernel/pkg/switches"
)

type memLedgerStore struct{ ledgers map[string]*costmeter.Ledger }

func (m *memLedgerStore) Get(tenantID string) (*costmeter.Ledger, bool, error) {
	l, ok := m.ledgers[tenantID]
	return l, ok, nil
}
func (m *memLedgerStore) Set(tenantID string, l *costmeter.Ledger) error {
	cp := *l
	m.ledgers[tenantID] = &cp
	return nil
}

type capturingBundleBuilder struct {
	calls [][]contracts.Policy
}

func (b *capturingBundleBuilder) Build(policies []contracts.Policy) error {
	b.calls = append(b.calls, policies)
	return nil
}

func writeRunFile(t *testing.T, dir, id, domain, actionType, outcome, tenant string, finishedAt time.Time) {
	t.Helper()
	rf := runFile{
		ID: id, Domain: domain, ActionType: actionType, Outcome: outcome,
		Tenant: tenant, FinishedAt: finishedAt,
	}
	raw, err := json.Marshal(rf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), raw, 0o644))
}

func newOrchestrator(t *testing.T, autonomyEnabled bool) (*Orchestrator, *capturingBundleBuilder, string) {
	t.Helper()
	dir := t.TempDir()
	runsDir := filepath.Join(dir, "runs")
	require.NoError(t, os.MkdirAll(runsDir, 0o755))

	st, err := statestore.NewFileStateStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	sw := switches.New("GK_", st)
	if autonomyEnabled {
		require.NoError(t, st.SetString("AUTONOMY_ENABLED", "true"))
	}

	meter := costmeter.New(&memLedgerStore{ledgers: map[string]*costmeter.Ledger{}}, nil)
	bundles := &capturingBundleBuilder{}
	facts, err := NewJSONLFactLog(filepath.Join(dir, "facts.jsonl"))
	require.NoError(t, err)

	o := New("tenant-1", sw, st, meter, &DirRunSource{Dir: runsDir}, bundles, facts)
	return o, bundles, runsDir
}

func TestOrchestrator_TickNoopWhenAutonomyDisabled(t *testing.T) {
	o, bundles, runsDir := newOrchestrator(t, false)
	writeRunFile(t, runsDir, "r1", "inventory", "reorder", "success", "t1", time.Now().UTC())

	require.NoError(t, o.Tick(context.Background(), time.Minute, 10000))
	assert.Empty(t, bundles.calls)
}

func TestOrchestrator_TickCrystallizesPatternFromRepeatedRuns(t *testing.T) {
	o, _, runsDir := newOrchestrator(t, true)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		writeRunFile(t, runsDir, "r"+string(rune('a'+i)), "inventory", "reorder", "success", "t1",
			now.Add(time.Duration(i)*time.Second))
	}

	require.NoError(t, o.Tick(context.Background(), time.Minute, 10000))

	policy, ok := o.Policies["policy.inventory.reorder"]
	require.True(t, ok)
	assert.Equal(t, contracts.PolicyCandidate, policy.ValidationStatus)
	assert.InDelta(t, 1.0, policy.Confidence, 0.0001)
}

func TestOrchestrator_TickHonorsCooldown(t *testing.T) {
	o, _, runsDir := newOrchestrator(t, true)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		writeRunFile(t, runsDir, "first"+string(rune('a'+i)), "inventory", "reorder", "success", "t1",
			now.Add(time.Duration(i)*time.Second))
	}
	require.NoError(t, o.Tick(context.Background(), time.Hour, 10000))
	require.Len(t, o.Policies, 1)

	// A second batch of runs should be ignored while the cooldown holds.
	for i := 0; i < 3; i++ {
		writeRunFile(t, runsDir, "second"+string(rune('a'+i)), "billing", "refund", "success", "t1",
			now.Add(time.Duration(10+i)*time.Second))
	}
	require.NoError(t, o.Tick(context.Background(), time.Hour, 10000))
	assert.Len(t, o.Policies, 1, "cooldown should have prevented a second pipeline run")
}

func TestOrchestrator_PromotesCandidateToProductionOnStrongRepeat(t *testing.T) {
	o, bundles, runsDir := newOrchestrator(t, true)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		writeRunFile(t, runsDir, "a"+string(rune('a'+i)), "inventory", "reorder", "success", "t1",
			now.Add(time.Duration(i)*time.Second))
	}
	require.NoError(t, o.Tick(context.Background(), 0, 10000))
	require.Equal(t, contracts.PolicyCandidate, o.Policies["policy.inventory.reorder"].ValidationStatus)

	for i := 0; i < 3; i++ {
		writeRunFile(t, runsDir, "b"+string(rune('a'+i)), "inventory", "reorder", "success", "t1",
			now.Add(time.Duration(10+i)*time.Second))
	}
	require.NoError(t, o.Tick(context.Background(), 0, 10000))
	assert.Equal(t, contracts.PolicyProduction, o.Policies["policy.inventory.reorder"].ValidationStatus)
	assert.NotEmpty(t, bundles.calls, "promotion to production should trigger a bundle rebuild")
}
