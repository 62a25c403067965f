package verdict

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/trace"
)

func TestMerge_AllowAllowYieldsAllow(t *testing.T) {
	m := New()
	v, err := m.Merge(nil, contracts.VerdictInput{
		TraceID:       "t1",
		GateReport:    contracts.GateReport{Decision: contracts.DecisionAllow},
		EnforceResult: contracts.EnforceResult{DecisionSummary: contracts.DecisionAllow},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, v.Summary)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestMerge_BlockDominatesEnforce(t *testing.T) {
	m := New()
	v, err := m.Merge(nil, contracts.VerdictInput{
		GateReport:    contracts.GateReport{Decision: contracts.DecisionUnknown},
		EnforceResult: contracts.EnforceResult{DecisionSummary: contracts.DecisionBlock},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionBlock, v.Summary)
}

func TestMerge_DegradeWithAllowStaysDegrade(t *testing.T) {
	m := New()
	v, err := m.Merge(nil, contracts.VerdictInput{
		GateReport:    contracts.GateReport{Decision: contracts.DecisionDegrade},
		EnforceResult: contracts.EnforceResult{DecisionSummary: contracts.DecisionAllow},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDegrade, v.Summary)
}

func TestConfidence_PenaltiesClampToZero(t *testing.T) {
	in := contracts.VerdictInput{
		GateReport: contracts.GateReport{
			Decision: contracts.DecisionBlock,
			Risks: []contracts.Risk{
				{Severity: contracts.SeverityCritical},
				{Severity: contracts.SeverityCritical},
				{Severity: contracts.SeverityCritical},
			},
			Unknowns: []contracts.Unknown{{ID: "u1"}},
		},
		EnforceResult: contracts.EnforceResult{DecisionSummary: contracts.DecisionBlock, BlockedCount: 1},
	}
	assert.Equal(t, 0.0, confidence(in))
}

func TestConfidence_SingleMediumRiskPenalty(t *testing.T) {
	in := contracts.VerdictInput{
		GateReport: contracts.GateReport{
			Risks: []contracts.Risk{{Severity: contracts.SeverityMedium}},
		},
	}
	assert.InDelta(t, 0.95, confidence(in), 0.0001)
}

func TestMerge_WritesVerdictArtifacts(t *testing.T) {
	dir := t.TempDir()
	w, err := trace.NewWriter(dir)
	require.NoError(t, err)
	tr, err := w.Open("t2")
	require.NoError(t, err)

	m := New()
	v, err := m.Merge(tr, contracts.VerdictInput{
		TraceID:       "t2",
		GateReport:    contracts.GateReport{Decision: contracts.DecisionAllow},
		EnforceResult: contracts.EnforceResult{DecisionSummary: contracts.DecisionAllow},
		EvidenceRefs:  []string{"t2"},
	})
	require.NoError(t, err)
	assert.True(t, tr.Sealed())

	jsonPath := filepath.Join(dir, "t2", "verdict.json")
	content, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"summary": "ALLOW"`)

	mdPath := filepath.Join(dir, "t2", "verdict.md")
	mdContent, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	assert.Contains(t, string(mdContent), "# Verdict")
	assert.Contains(t, string(mdContent), v.TraceID)
}
