package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callLine(t *testing.T, srv *Server, line string) rpcResponse {
	t.Helper()
	var out bytes.Buffer
	err := srv.Serve(context.Background(), strings.NewReader(line+"\n"), &out)
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	return resp
}

func TestServer_ToolsList(t *testing.T) {
	srv, err := New(t.TempDir())
	require.NoError(t, err)

	resp := callLine(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, 4)
}

func TestServer_UnknownMethod(t *testing.T) {
	srv, err := New(t.TempDir())
	require.NoError(t, err)

	resp := callLine(t, srv, `{"jsonrpc":"2.0","id":1,"method":"nope"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestServer_GateToolCall(t *testing.T) {
	srv, err := New(t.TempDir())
	require.NoError(t, err)

	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"governance_gate","arguments":{"task":"read it","proposed_actions":[{"action_type":"read","resource":"x"}]}}}`
	resp := callLine(t, srv, req)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ALLOW", result["decision"])
	assert.NotEmpty(t, result["trace_id"])
}

func TestServer_PipelineStagesContinueSameTrace(t *testing.T) {
	srv, err := New(t.TempDir())
	require.NoError(t, err)

	gateResp := srv.handleToolCall(context.Background(), mustParseRequest(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"governance_gate","arguments":{"task":"read it","proposed_actions":[{"action_type":"read","resource":"x"}]}}}`))
	require.Nil(t, gateResp.Error)
	gateResult, ok := gateResp.Result.(map[string]any)
	require.True(t, ok)
	traceID, ok := gateResult["trace_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, traceID)

	enforceResp := srv.handleToolCall(context.Background(), mustParseRequest(t,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"governance_enforce","arguments":{"trace_id":"`+traceID+`","contract":{"version":"1","scope":{"name":"s"}},"actions":[{"action_type":"read","resource":"x"}]}}}`))
	require.Nil(t, enforceResp.Error)
	enforceResult, ok := enforceResp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, traceID, enforceResult["trace_id"])

	verdictResp := srv.handleToolCall(context.Background(), mustParseRequest(t,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"governance_verdict","arguments":{"trace_id":"`+traceID+`","gate_report":{"version":"1","decision":"ALLOW"},"enforce_result":{"decision_summary":"ALLOW"},"evidence_refs":[]}}}`))
	require.Nil(t, verdictResp.Error)
	verdictResult, ok := verdictResp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, traceID, verdictResult["trace_id"])

	replayResp := srv.handleToolCall(context.Background(), mustParseRequest(t,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"governance_replay","arguments":{"trace_id":"`+traceID+`"}}}`))
	require.Nil(t, replayResp.Error)
	replayResult, ok := replayResp.Result.(map[string]any)
	require.True(t, ok)
	result, ok := replayResult["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "PASS", result["status"])
}

func TestServer_ReplayToolRequiresTraceID(t *testing.T) {
	srv, err := New(t.TempDir())
	require.NoError(t, err)

	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"governance_replay","arguments":{}}}`
	resp := callLine(t, srv, req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32000, resp.Error.Code)
}

func TestServer_MalformedLineReturnsParseError(t *testing.T) {
	srv, err := New(t.TempDir())
	require.NoError(t, err)

	resp := callLine(t, srv, `not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestServer_ToolCallRateLimitRejectsBurstOverflow(t *testing.T) {
	srv, err := New(t.TempDir())
	require.NoError(t, err)
	srv.limiter.SetBurst(1)

	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"governance_gate","arguments":{"task":"read it","proposed_actions":[{"action_type":"read","resource":"x"}]}}}`

	first := srv.handleToolCall(context.Background(), mustParseRequest(t, req))
	require.Nil(t, first.Error)

	second := srv.handleToolCall(context.Background(), mustParseRequest(t, req))
	require.NotNil(t, second.Error)
	assert.Equal(t, -32001, second.Error.Code)
}

func mustParseRequest(t *testing.T, line string) rpcRequest {
	t.Helper()
	var req rpcRequest
	require.NoError(t, json.Unmarshal([]byte(line), &req))
	return req
}
