package schemas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_TraceEvent(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	good := map[string]any{
		"trace_id":  "t1",
		"seq":       0,
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"type":      "gate_start",
		"payload":   map[string]any{"x": 1},
		"prev_hash": "",
		"hash":      "abc123",
	}
	res := v.Validate(KindTraceEvent, good)
	assert.True(t, res.Valid, res.Errors)
}

func TestValidator_RejectsUnknownProperties(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	bad := map[string]any{
		"trace_id":       "t1",
		"seq":            0,
		"ts":             time.Now().UTC().Format(time.RFC3339Nano),
		"type":           "gate_start",
		"payload":        map[string]any{},
		"prev_hash":      "",
		"hash":           "abc123",
		"extra_unlisted": "nope",
	}
	res := v.Validate(KindTraceEvent, bad)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)
}

func TestValidator_Verdict(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	good := map[string]any{
		"version":       "1",
		"trace_id":      "t1",
		"summary":       "ALLOW",
		"why":           []string{},
		"next_steps":    []string{},
		"confidence":    1.0,
		"evidence_refs": []string{"t1"},
	}
	res := v.Validate(KindVerdict, good)
	assert.True(t, res.Valid, res.Errors)

	bad := good
	bad["summary"] = "MAYBE"
	res = v.Validate(KindVerdict, bad)
	assert.False(t, res.Valid)
}

func TestValidator_UnknownKind(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	res := v.Validate(Kind("nope"), map[string]any{})
	assert.False(t, res.Valid)
}
