// Command governance-kernel dispatches the kernel's subcommands: gate,
// enforce, verdict, and replay run one pipeline stage against JSON
// input and print a JSON result; serve-mcp runs the stdio MCP server;
// heartbeat runs one tick of the autonomous learning loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liyecom/governance-kernel/pkg/bundle"
	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/costmeter"
	"github.com/liyecom/governance-kernel/pkg/enforce"
	"github.com/liyecom/governance-kernel/pkg/gate"
	"github.com/liyecom/governance-kernel/pkg/heartbeat"
	"github.com/liyecom/governance-kernel/pkg/mcpserver"
	"github.com/liyecom/governance-kernel/pkg/replay"
	"github.com/liyecom/governance-kernel/pkg/statestore"
	"github.com/liyecom/governance-kernel/pkg/switches"
	"github.com/liyecom/governance-kernel/pkg/trace"
	"github.com/liyecom/governance-kernel/pkg/verdict"
)

func main() {
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Run is the CLI entrypoint, factored out from main for testing.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "gate":
		return runGate(args[2:], stdin, stdout, stderr)
	case "enforce":
		return runEnforce(args[2:], stdin, stdout, stderr)
	case "verdict":
		return runVerdict(args[2:], stdin, stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "serve-mcp":
		return runServeMCP(args[2:], stdin, stdout, stderr)
	case "heartbeat":
		return runHeartbeat(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "governance-kernel — autonomous-agent action mediation")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: governance-kernel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  gate      --base-dir DIR [--trace-id ID]   evaluate proposed actions from stdin JSON")
	fmt.Fprintln(w, "  enforce   --base-dir DIR [--trace-id ID]   match actions against a contract from stdin JSON")
	fmt.Fprintln(w, "  verdict   --base-dir DIR [--trace-id ID]   merge a gate report and enforce result from stdin JSON")
	fmt.Fprintln(w, "  replay    --base-dir DIR --trace-id ID     re-derive a trace's outcome and report PASS/FAIL")
	fmt.Fprintln(w, "  serve-mcp --base-dir DIR                   run the stdio MCP server")
	fmt.Fprintln(w, "  heartbeat --base-dir DIR --tenant ID        run one tick of the learning loop")
	fmt.Fprintln(w, "  help                                        show this help")
}

func runGate(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseDir := fs.String("base-dir", "data/traces", "trace storage root")
	traceID := fs.String("trace-id", "", "reuse an existing trace id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var in contracts.GateInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		fmt.Fprintf(stderr, "decode gate input: %v\n", err)
		return 2
	}

	w, err := trace.NewWriter(*baseDir)
	if err != nil {
		fmt.Fprintf(stderr, "open trace writer: %v\n", err)
		return 1
	}
	tr, err := openTraceForStage(w, *traceID)
	if err != nil {
		fmt.Fprintf(stderr, "open trace: %v\n", err)
		return 1
	}

	report, err := gate.New().Evaluate(context.Background(), tr, in)
	if err != nil {
		fmt.Fprintf(stderr, "gate: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, report)
}

func runEnforce(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("enforce", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseDir := fs.String("base-dir", "data/traces", "trace storage root")
	traceID := fs.String("trace-id", "", "reuse an existing trace id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var in contracts.EnforceInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		fmt.Fprintf(stderr, "decode enforce input: %v\n", err)
		return 2
	}

	w, err := trace.NewWriter(*baseDir)
	if err != nil {
		fmt.Fprintf(stderr, "open trace writer: %v\n", err)
		return 1
	}
	tr, err := openTraceForStage(w, *traceID)
	if err != nil {
		fmt.Fprintf(stderr, "open trace: %v\n", err)
		return 1
	}

	en, err := enforce.NewEnforcer()
	if err != nil {
		fmt.Fprintf(stderr, "new enforcer: %v\n", err)
		return 1
	}
	result, err := en.Evaluate(tr, in)
	if err != nil {
		fmt.Fprintf(stderr, "enforce: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, result)
}

func runVerdict(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verdict", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseDir := fs.String("base-dir", "data/traces", "trace storage root")
	traceID := fs.String("trace-id", "", "reuse an existing trace id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var in contracts.VerdictInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		fmt.Fprintf(stderr, "decode verdict input: %v\n", err)
		return 2
	}

	w, err := trace.NewWriter(*baseDir)
	if err != nil {
		fmt.Fprintf(stderr, "open trace writer: %v\n", err)
		return 1
	}
	tr, err := openTraceForStage(w, *traceID)
	if err != nil {
		fmt.Fprintf(stderr, "open trace: %v\n", err)
		return 1
	}
	in.TraceID = tr.ID()

	v, err := verdict.New().Merge(tr, in)
	if err != nil {
		fmt.Fprintf(stderr, "verdict: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, v)
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseDir := fs.String("base-dir", "data/traces", "trace storage root")
	traceID := fs.String("trace-id", "", "trace id to replay (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *traceID == "" {
		fmt.Fprintln(stderr, "error: --trace-id is required")
		return 2
	}

	eng, err := replay.NewEngine()
	if err != nil {
		fmt.Fprintf(stderr, "new replay engine: %v\n", err)
		return 1
	}
	result, diff := eng.Replay(*baseDir, *traceID)
	out := map[string]any{"result": result}
	if diff != nil {
		out["diff"] = diff
	}
	if exitCode := printJSON(stdout, stderr, out); exitCode != 0 {
		return exitCode
	}
	if !result.Pass {
		return 1
	}
	return 0
}

func runServeMCP(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve-mcp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseDir := fs.String("base-dir", "data/traces", "trace storage root")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	srv, err := mcpserver.New(*baseDir)
	if err != nil {
		fmt.Fprintf(stderr, "new mcp server: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Serve(ctx, stdin, stdout); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "mcp server: %v\n", err)
		return 1
	}
	return 0
}

func runHeartbeat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("heartbeat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseDir := fs.String("base-dir", "data/heartbeat", "heartbeat state/runs/facts root")
	tenant := fs.String("tenant", "default", "tenant id for budget enforcement")
	cooldown := fs.Duration("cooldown", 10*time.Minute, "minimum duration between ticks")
	dailyBudgetCents := fs.Int64("daily-budget-cents", 100000, "daily cost budget in cents")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st, err := statestore.NewFileStateStore(*baseDir + "/state.json")
	if err != nil {
		fmt.Fprintf(stderr, "open state store: %v\n", err)
		return 1
	}
	sw := switches.New("GOVERNANCE_KERNEL_", st)
	meter := costmeter.New(&stateLedgerStore{state: st}, nil)
	facts, err := heartbeat.NewJSONLFactLog(*baseDir + "/facts.jsonl")
	if err != nil {
		fmt.Fprintf(stderr, "open fact log: %v\n", err)
		return 1
	}
	builder := &bundle.TarGzBuilder{OutputPath: *baseDir + "/policy-bundle.tar.gz"}
	runs := &heartbeat.DirRunSource{Dir: *baseDir + "/runs"}

	orch := heartbeat.New(*tenant, sw, st, meter, runs, builder, facts)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := orch.Tick(ctx, *cooldown, *dailyBudgetCents); err != nil {
		fmt.Fprintf(stderr, "heartbeat tick: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "heartbeat tick complete")
	return 0
}

// stateLedgerStore persists costmeter ledgers as JSON-encoded state
// values, reusing the same state file heartbeat's switches read from.
type stateLedgerStore struct {
	state *statestore.FileStateStore
}

func (s *stateLedgerStore) Get(tenantID string) (*costmeter.Ledger, bool, error) {
	raw, ok := s.state.GetString("ledger:" + tenantID)
	if !ok {
		return nil, false, nil
	}
	var l costmeter.Ledger
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, false, err
	}
	return &l, true, nil
}

func (s *stateLedgerStore) Set(tenantID string, l *costmeter.Ledger) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.state.SetString("ledger:"+tenantID, string(raw))
}

// openTraceForStage opens a fresh trace when traceID is empty (a bare
// gate call starting a new run), or continues an existing one when
// traceID is set — each subcommand is a separate process, so enforce
// and verdict must resume the gate's on-disk hash chain rather than
// start a second, conflicting one.
func openTraceForStage(w *trace.Writer, traceID string) (*trace.Trace, error) {
	if traceID != "" {
		return w.OpenForAppend(traceID)
	}
	return w.Open(traceID)
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}
