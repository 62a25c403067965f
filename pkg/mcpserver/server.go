// Package mcpserver exposes the Gate, Enforce, Verdict and Replay
// operations over a single-process JSON-RPC 2.0 stdio server, in the
// shape Model Context Protocol clients expect: tools/list enumerates
// the four governance tools, tools/call dispatches to them. The server
// never panics or writes malformed output over the wire; every failure
// is reported as a structured JSON-RPC error object.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/enforce"
	"github.com/liyecom/governance-kernel/pkg/gate"
	"github.com/liyecom/governance-kernel/pkg/replay"
	"github.com/liyecom/governance-kernel/pkg/trace"
	"github.com/liyecom/governance-kernel/pkg/verdict"
)

// defaultToolCallRate bounds tool-call throughput per Server so a
// misbehaving agent loop cannot flood the trace store with proposals.
// 20/s with a burst of 40 comfortably covers a legitimate interactive
// agent while still capping a runaway retry loop.
const (
	defaultToolCallRate  = 20
	defaultToolCallBurst = 40
)

const (
	toolGate    = "governance_gate"
	toolEnforce = "governance_enforce"
	toolVerdict = "governance_verdict"
	toolReplay  = "governance_replay"
)

// rpcRequest is one line of JSON-RPC 2.0 input.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// rpcResponse is one line of JSON-RPC 2.0 output.
type rpcResponse struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id,omitempty"`
	Result  any        `json:"result,omitempty"`
	Error   *rpcErrror `json:"error,omitempty"`
}

type rpcErrror struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// toolCallParams is the params shape of a tools/call request.
type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolSpec describes one tool for tools/list.
type toolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Server wires the four core operations to MCP tool names.
type Server struct {
	baseDir string
	writer  *trace.Writer
	gate    *gate.Gate
	enforce *enforce.Enforcer
	verdict *verdict.Merger
	replay  *replay.Engine
	limiter *rate.Limiter
	log     *slog.Logger
}

// New builds a Server rooted at baseDir for trace storage.
func New(baseDir string) (*Server, error) {
	w, err := trace.NewWriter(baseDir)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: new trace writer: %w", err)
	}
	e, err := enforce.NewEnforcer()
	if err != nil {
		return nil, fmt.Errorf("mcpserver: new enforcer: %w", err)
	}
	r, err := replay.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("mcpserver: new replay engine: %w", err)
	}
	return &Server{
		baseDir: baseDir,
		writer:  w,
		gate:    gate.New(),
		enforce: e,
		verdict: verdict.New(),
		replay:  r,
		limiter: rate.NewLimiter(rate.Limit(defaultToolCallRate), defaultToolCallBurst),
		log:     slog.Default().With("component", "mcp_server"),
	}, nil
}

// Serve reads newline-delimited JSON-RPC requests from r and writes
// responses to w until r is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(rpcResponse{JSONRPC: "2.0", Error: &rpcErrror{
				Code: -32700, Message: "parse error: " + err.Error(),
			}})
			continue
		}

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("mcpserver: encode response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	switch req.Method {
	case "tools/list":
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": toolList()}}
	case "tools/call":
		return s.handleToolCall(ctx, req)
	default:
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcErrror{
			Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method),
		}}
	}
}

func (s *Server) handleToolCall(ctx context.Context, req rpcRequest) rpcResponse {
	if !s.limiter.Allow() {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcErrror{
			Code: -32001, Message: "rate limit exceeded: too many tool calls",
		}}
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcErrror{
			Code: -32602, Message: "invalid params: " + err.Error(),
		}}
	}

	result, err := s.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)}
	}
	return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// callTool allocates or reuses a trace (via a "trace_id" argument) and
// invokes the named operation, returning its typed result alongside
// trace_id.
func (s *Server) callTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case toolGate:
		var in contracts.GateInput
		if err := reencode(args, &in); err != nil {
			return nil, fmt.Errorf("decode gate input: %w", err)
		}
		tr, err := s.openTrace(args)
		if err != nil {
			return nil, err
		}
		report, err := s.gate.Evaluate(ctx, tr, in)
		if err != nil {
			return nil, err
		}
		return withTraceID(tr.ID(), report)

	case toolEnforce:
		var in contracts.EnforceInput
		if err := reencode(args, &in); err != nil {
			return nil, fmt.Errorf("decode enforce input: %w", err)
		}
		tr, err := s.openTrace(args)
		if err != nil {
			return nil, err
		}
		result, err := s.enforce.Evaluate(tr, in)
		if err != nil {
			return nil, err
		}
		return withTraceID(tr.ID(), result)

	case toolVerdict:
		var in contracts.VerdictInput
		if err := reencode(args, &in); err != nil {
			return nil, fmt.Errorf("decode verdict input: %w", err)
		}
		tr, err := s.openTrace(args)
		if err != nil {
			return nil, err
		}
		in.TraceID = tr.ID()
		v, err := s.verdict.Merge(tr, in)
		if err != nil {
			return nil, err
		}
		return withTraceID(tr.ID(), v)

	case toolReplay:
		traceID, _ := args["trace_id"].(string)
		if traceID == "" {
			return nil, contracts.NewContractParseError("trace_id is required for governance_replay", nil)
		}
		result, diff := s.replay.Replay(s.baseDir, traceID)
		out := map[string]any{"trace_id": traceID, "result": result}
		if diff != nil {
			out["diff"] = diff
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// openTrace opens a fresh trace, or continues one if args carries a
// non-empty "trace_id" — the latter is how enforce/verdict resume the
// hash chain a prior gate (or enforce) tools/call started.
func (s *Server) openTrace(args map[string]any) (*trace.Trace, error) {
	traceID, _ := args["trace_id"].(string)
	if traceID != "" {
		tr, err := s.writer.OpenForAppend(traceID)
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		return tr, nil
	}
	tr, err := s.writer.Open(traceID)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	return tr, nil
}

func withTraceID(traceID string, payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["trace_id"] = traceID
	return m, nil
}

func reencode(src map[string]any, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// toRPCError maps a KernelError to a structured JSON-RPC error,
// preserving its code and data; any other error becomes a generic
// internal error.
func toRPCError(err error) *rpcErrror {
	var kerr *contracts.KernelError
	if errors.As(err, &kerr) {
		data := map[string]any{"kind": kerr.Kind, "code": kerr.Code}
		if len(kerr.Data) > 0 {
			data["data"] = kerr.Data
		}
		return &rpcErrror{Code: -32000, Message: kerr.Error(), Data: data}
	}
	return &rpcErrror{Code: -32603, Message: err.Error()}
}

func toolList() []toolSpec {
	return []toolSpec{
		{
			Name:        toolGate,
			Description: "Evaluate a proposed-action set against the baseline risk taxonomy and return a GateReport.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"task", "proposed_actions"},
				"properties": map[string]any{
					"task":             map[string]any{"type": "string"},
					"context":          map[string]any{"type": "object"},
					"proposed_actions": map[string]any{"type": "array"},
					"trace_id":         map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        toolEnforce,
			Description: "Match proposed actions against a Contract's ordered rules and return an EnforceResult.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"contract", "actions"},
				"properties": map[string]any{
					"contract": map[string]any{"type": "object"},
					"actions":  map[string]any{"type": "array"},
					"trace_id": map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        toolVerdict,
			Description: "Merge a GateReport and EnforceResult into a final Verdict.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"gate_report", "enforce_result"},
				"properties": map[string]any{
					"gate_report":    map[string]any{"type": "object"},
					"enforce_result": map[string]any{"type": "object"},
					"evidence_refs":  map[string]any{"type": "array"},
					"trace_id":       map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        toolReplay,
			Description: "Re-derive a trace's outcome from its evidence trail and report PASS/FAIL with any divergence.",
			InputSchema: map[string]any{
				"type":       "object",
				"required":   []string{"trace_id"},
				"properties": map[string]any{"trace_id": map[string]any{"type": "string"}},
			},
		},
	}
}
