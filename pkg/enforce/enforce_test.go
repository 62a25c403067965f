package enforce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liyecom/governance-kernel/pkg/contracts"
)

func contract(rules []contracts.Rule, def contracts.DefaultPolicy) contracts.Contract {
	return contracts.Contract{
		Version: "1",
		Scope:   contracts.Scope{Name: "test"},
		Rules:   rules,
		Default: def,
	}
}

func TestEnforcer_DenyRuleBlocksMatchingAction(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	c := contract([]contracts.Rule{
		{ID: "no-prod-writes", Effect: contracts.EffectDeny, Rationale: "prod is locked",
			Match: contracts.Match{PathPrefix: "/prod/"}},
	}, "")

	res, err := e.Evaluate(nil, contracts.EnforceInput{
		Contract: c,
		Actions:  []contracts.ProposedAction{{ActionType: "write", PathPrefix: "/prod/app.yaml"}},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionBlock, res.DecisionSummary)
	require.Len(t, res.Blocked, 1)
	assert.Equal(t, "no-prod-writes", res.Blocked[0].RuleID)
}

func TestEnforcer_DefaultAllowWhenNoRuleMatches(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	c := contract(nil, "")
	res, err := e.Evaluate(nil, contracts.EnforceInput{
		Contract: c,
		Actions:  []contracts.ProposedAction{{ActionType: "read", Resource: "docs"}},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, res.DecisionSummary)
	assert.Equal(t, 1, res.AllowedCount)
}

func TestEnforcer_DefaultDenyBlocksUnmatchedAction(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	c := contract(nil, contracts.DefaultDeny)
	res, err := e.Evaluate(nil, contracts.EnforceInput{
		Contract: c,
		Actions:  []contracts.ProposedAction{{ActionType: "read", Resource: "docs"}},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionBlock, res.DecisionSummary)
	require.Len(t, res.Blocked, 1)
	assert.Equal(t, contracts.DefaultDenyRuleID, res.Blocked[0].RuleID)
}

func TestEnforcer_FirstMatchingRuleWins(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	c := contract([]contracts.Rule{
		{ID: "allow-all-reads", Effect: contracts.EffectAllow, Match: contracts.Match{ActionType: "read"}},
		{ID: "deny-all", Effect: contracts.EffectDeny, Match: contracts.Match{}},
	}, "")

	res, err := e.Evaluate(nil, contracts.EnforceInput{
		Contract: c,
		Actions:  []contracts.ProposedAction{{ActionType: "read", Resource: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, res.DecisionSummary)
}

func TestEnforcer_WhenPredicateNarrowsMatch(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	c := contract([]contracts.Rule{
		{ID: "deny-large-deletes", Effect: contracts.EffectDeny,
			Match: contracts.Match{ActionType: "delete", When: `extra["count"] > 100`}},
	}, "")

	small, err := e.Evaluate(nil, contracts.EnforceInput{
		Contract: c,
		Actions: []contracts.ProposedAction{
			{ActionType: "delete", Resource: "x", Extra: map[string]any{"count": int64(5)}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, small.DecisionSummary)

	large, err := e.Evaluate(nil, contracts.EnforceInput{
		Contract: c,
		Actions: []contracts.ProposedAction{
			{ActionType: "delete", Resource: "x", Extra: map[string]any{"count": int64(500)}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionBlock, large.DecisionSummary)
}

func TestEnforcer_CachesCompiledWhenPrograms(t *testing.T) {
	e, err := NewEnforcer()
	require.NoError(t, err)

	c := contract([]contracts.Rule{
		{ID: "r1", Effect: contracts.EffectDeny, Match: contracts.Match{When: `action_type == "delete"`}},
	}, "")

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(nil, contracts.EnforceInput{
			Contract: c,
			Actions:  []contracts.ProposedAction{{ActionType: "delete"}},
		})
		require.NoError(t, err)
	}
	assert.Len(t, e.programs, 1)
}
