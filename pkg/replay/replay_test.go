package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/enforce"
	"github.com/liyecom/governance-kernel/pkg/gate"
	"github.com/liyecom/governance-kernel/pkg/trace"
	"github.com/liyecom/governance-kernel/pkg/verdict"
)

func TestReplay_PassesForCleanTrace(t *testing.T) {
	dir := t.TempDir()
	w, err := trace.NewWriter(dir)
	require.NoError(t, err)
	tr, err := w.Open("clean")
	require.NoError(t, err)

	g := gate.New()
	gr, err := g.Evaluate(nil, tr, contracts.GateInput{
		Task: "read the readme",
		ProposedActions: []contracts.ProposedAction{
			{ActionType: "read", Resource: "README.md"},
		},
	})
	require.NoError(t, err)

	en, err := enforce.NewEnforcer()
	require.NoError(t, err)
	er, err := en.Evaluate(tr, contracts.EnforceInput{
		Contract: contracts.Contract{Version: "1", Scope: contracts.Scope{Name: "s"}},
		Actions: []contracts.ProposedAction{
			{ActionType: "read", Resource: "README.md"},
		},
	})
	require.NoError(t, err)

	m := verdict.New()
	_, err = m.Merge(tr, contracts.VerdictInput{
		TraceID:       "clean",
		GateReport:    gr,
		EnforceResult: er,
		EvidenceRefs:  []string{"clean"},
	})
	require.NoError(t, err)

	eng, err := NewEngine()
	require.NoError(t, err)
	result, diff := eng.Replay(dir, "clean")
	assert.Nil(t, diff)
	assert.Equal(t, StatusPass, result.Status)
	assert.True(t, result.Pass)
	assert.True(t, result.Checks.HashChainValid)
	assert.True(t, result.Checks.StructureValid)
	assert.True(t, result.Checks.SchemaValid)
}

func TestReplay_DetectsHashTampering(t *testing.T) {
	dir := t.TempDir()
	w, err := trace.NewWriter(dir)
	require.NoError(t, err)
	tr, err := w.Open("tampered")
	require.NoError(t, err)
	_, err = tr.Append(contracts.EventGateStart, map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = tr.Append(contracts.EventGateEnd, contracts.GateReport{
		Version: "1", TraceID: "tampered", Decision: contracts.DecisionAllow,
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "tampered", "events.ndjson")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte{}
	tampered = append(tampered, content...)
	// Flip a character inside the second line's hash field to corrupt the chain.
	idx := len(content) - 20
	if tampered[idx] == 'a' {
		tampered[idx] = 'b'
	} else {
		tampered[idx] = 'a'
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	eng, err := NewEngine()
	require.NoError(t, err)
	result, diff := eng.Replay(dir, "tampered")
	assert.Equal(t, StatusFail, result.Status)
	assert.False(t, result.Checks.HashChainValid)
	require.NotNil(t, diff)
}

func TestReplay_DetectsVerdictInconsistentWithGateAndEnforce(t *testing.T) {
	dir := t.TempDir()
	w, err := trace.NewWriter(dir)
	require.NoError(t, err)
	tr, err := w.Open("inconsistent")
	require.NoError(t, err)

	g := gate.New()
	gr, err := g.Evaluate(nil, tr, contracts.GateInput{
		Task: "read the readme",
		ProposedActions: []contracts.ProposedAction{
			{ActionType: "read", Resource: "README.md"},
		},
	})
	require.NoError(t, err)

	en, err := enforce.NewEnforcer()
	require.NoError(t, err)
	er, err := en.Evaluate(tr, contracts.EnforceInput{
		Contract: contracts.Contract{Version: "1", Scope: contracts.Scope{Name: "s"}},
		Actions: []contracts.ProposedAction{
			{ActionType: "read", Resource: "README.md"},
		},
	})
	require.NoError(t, err)

	// Emit a verdict whose summary (BLOCK) could not have been derived
	// from the clean ALLOW gate/enforce results above, then overwrite
	// verdict.json to match — simulating a tampering of both the
	// verdict_emitted event and its artifact in lockstep. Comparing
	// verdict.json only against verdict_emitted would miss this; an
	// independent reconstruction from gate_end/enforce_end must not.
	tamperedVerdict := contracts.Verdict{
		Version: "1", TraceID: "inconsistent", Summary: contracts.DecisionBlock,
		Confidence: 1.0,
	}
	_, err = tr.Append(contracts.EventVerdictEmit, tamperedVerdict)
	require.NoError(t, err)
	raw, err := json.MarshalIndent(tamperedVerdict, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inconsistent", "verdict.json"), raw, 0o644))
	_ = gr
	_ = er

	eng, err := NewEngine()
	require.NoError(t, err)
	result, _ := eng.Replay(dir, "inconsistent")
	assert.False(t, result.Checks.StructureValid)
	assert.False(t, result.Pass)
}

func TestReplay_DropsTruncatedFinalLine(t *testing.T) {
	dir := t.TempDir()
	w, err := trace.NewWriter(dir)
	require.NoError(t, err)
	tr, err := w.Open("truncated")
	require.NoError(t, err)
	_, err = tr.Append(contracts.EventGateStart, map[string]any{"x": 1})
	require.NoError(t, err)

	path := filepath.Join(dir, "truncated", "events.ndjson")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := append(content, []byte(`{"trace_id":"truncated","seq":1,"ty`)...)
	require.NoError(t, os.WriteFile(path, truncated, 0o644))

	eng, err := NewEngine()
	require.NoError(t, err)
	result, _ := eng.Replay(dir, "truncated")
	assert.Equal(t, StatusFail, result.Status)
	assert.Equal(t, 1, result.EventCount)
}
