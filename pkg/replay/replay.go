// Package replay reconstructs a decision from its trace: it re-reads
// events.ndjson, re-validates every event's schema, re-verifies the
// hash chain, structurally reconstructs the expected verdict, and
// returns the result (plus a diff on the first hash-chain divergence).
// It does not write replay.json or diff.json into the trace directory;
// its callers print or return the result instead. Replay
// is pure: given the same trace bytes it is bit-identical, and it runs
// in time bounded by the trace's event count.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/liyecom/governance-kernel/pkg/canonicalize"
	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/schemas"
	"github.com/liyecom/governance-kernel/pkg/verdict"
)

// Status is the overall outcome of a replay run.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Checks records which independent replay checks passed.
type Checks struct {
	SchemaValid    bool `json:"schema_valid"`
	HashChainValid bool `json:"hash_chain_valid"`
	StructureValid bool `json:"structure_valid"`
}

// Result is the emitted replay.json body.
type Result struct {
	Status     Status   `json:"status"`
	Pass       bool     `json:"pass"`
	EventCount int      `json:"event_count"`
	ErrorCount int      `json:"error_count"`
	Checks     Checks   `json:"checks"`
	Errors     []string `json:"errors,omitempty"`
}

// Diff describes the first point of hash-chain divergence.
type Diff struct {
	Seq          uint64 `json:"seq"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	HashedFields any    `json:"hashed_fields"`
}

// schemaKindFor maps an event type to the schema its payload is
// validated against. Event types whose payload has no dedicated schema
// (the *_start digests and enforce_end, which carries an EnforceResult
// with no frozen schema of its own) are accepted structurally as opaque
// objects.
var schemaKindFor = map[contracts.EventType]schemas.Kind{
	contracts.EventGateEnd:     schemas.KindGateReport,
	contracts.EventVerdictEmit: schemas.KindVerdict,
}

// Engine replays traces written by pkg/trace.
type Engine struct {
	validator *schemas.Validator
}

// NewEngine builds a replay Engine backed by a fresh schema Validator.
func NewEngine() (*Engine, error) {
	v, err := schemas.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("replay: new validator: %w", err)
	}
	return &Engine{validator: v}, nil
}

// Replay reconstructs trace_id's outcome from <baseDir>/<trace_id>/events.ndjson
// and returns the Result plus an optional Diff describing the first
// hash-chain divergence. It never mutates the trace directory itself;
// callers decide whether/where to persist the returned artifacts.
func (e *Engine) Replay(baseDir, traceID string) (Result, *Diff) {
	events, malformed, err := loadEvents(filepath.Join(baseDir, traceID, "events.ndjson"))
	if err != nil {
		return Result{Status: StatusFail, Errors: []string{err.Error()}}, nil
	}

	result := Result{EventCount: len(events)}
	var errs []string

	result.Checks.SchemaValid = e.validateSchemas(events, &errs)

	hashOK, diff := verifyHashChain(events)
	result.Checks.HashChainValid = hashOK
	if !hashOK {
		errs = append(errs, fmt.Sprintf("hash chain diverged at seq=%d", diff.Seq))
	}

	structOK, structErrs := verifyStructure(baseDir, traceID, events)
	result.Checks.StructureValid = structOK
	errs = append(errs, structErrs...)

	result.ErrorCount = malformed + len(errs)
	if malformed > 0 {
		errs = append([]string{fmt.Sprintf("%d malformed line(s) dropped", malformed)}, errs...)
	}
	result.Errors = errs

	result.Pass = result.Checks.SchemaValid && result.Checks.HashChainValid &&
		result.Checks.StructureValid && malformed == 0
	if result.Pass {
		result.Status = StatusPass
	} else {
		result.Status = StatusFail
	}
	return result, diff
}

// loadEvents reads events.ndjson line by line, dropping any line that
// fails to unmarshal as a TraceEvent (a truncated final line from a
// crash mid-write is the common case) and reporting how many were
// dropped.
func loadEvents(path string) ([]contracts.TraceEvent, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open events.ndjson: %w", err)
	}
	defer f.Close()

	var events []contracts.TraceEvent
	malformed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev contracts.TraceEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			malformed++
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed, fmt.Errorf("scan events.ndjson: %w", err)
	}
	return events, malformed, nil
}

// validateSchemas checks every event's payload against the schema for
// its event type, where one exists. Returns false and appends to errs
// on the first validation failure, but continues checking the rest.
func (e *Engine) validateSchemas(events []contracts.TraceEvent, errs *[]string) bool {
	valid := true
	for _, ev := range events {
		kind, ok := schemaKindFor[ev.Type]
		if !ok {
			continue
		}
		res := e.validator.Validate(kind, ev.Payload)
		if !res.Valid {
			valid = false
			*errs = append(*errs, fmt.Sprintf("seq=%d type=%s schema invalid: %v", ev.Seq, ev.Type, res.Errors))
		}
	}
	return valid
}

// verifyHashChain recomputes each event's hash from its own hashed
// fields and checks it against both the event's own recorded hash and
// the prev_hash recorded by its successor. It returns the first
// divergence found, if any.
func verifyHashChain(events []contracts.TraceEvent) (bool, *Diff) {
	prev := ""
	for _, ev := range events {
		if ev.PrevHash != prev {
			return false, &Diff{
				Seq: ev.Seq, ExpectedHash: prev, ActualHash: ev.PrevHash,
				HashedFields: ev.HashedFields(),
			}
		}
		wantHash, err := canonicalize.Hash(ev.HashedFields())
		if err != nil {
			return false, &Diff{Seq: ev.Seq, HashedFields: ev.HashedFields()}
		}
		if wantHash != ev.Hash {
			return false, &Diff{
				Seq: ev.Seq, ExpectedHash: wantHash, ActualHash: ev.Hash,
				HashedFields: ev.HashedFields(),
			}
		}
		prev = ev.Hash
	}
	return true, nil
}

// verifyStructure independently reconstructs the verdict from the
// trace's gate_end and enforce_end events — re-running the same merge
// logic the verdict stage itself uses — and compares that reconstruction
// to the on-disk verdict.json. Comparing verdict.json against the
// verdict_emitted event alone (as opposed to a true reconstruction)
// would only prove the two were written consistently at the time, not
// that either is the decision gate_end/enforce_end actually implies; a
// tampered verdict.json with a matching tampered verdict_emitted event
// would pass that weaker check.
func verifyStructure(baseDir, traceID string, events []contracts.TraceEvent) (bool, []string) {
	var gateReport *contracts.GateReport
	var enforceResult *contracts.EnforceResult
	var emitted *contracts.Verdict

	for _, ev := range events {
		switch ev.Type {
		case contracts.EventGateEnd:
			var r contracts.GateReport
			if err := reencode(ev.Payload, &r); err == nil {
				gateReport = &r
			}
		case contracts.EventEnforceEnd:
			var r contracts.EnforceResult
			if err := reencode(ev.Payload, &r); err == nil {
				enforceResult = &r
			}
		case contracts.EventVerdictEmit:
			var v contracts.Verdict
			if err := reencode(ev.Payload, &v); err == nil {
				emitted = &v
			}
		}
	}

	if gateReport == nil || enforceResult == nil || emitted == nil {
		return false, []string{"trace is missing gate_end, enforce_end, or verdict_emitted"}
	}

	reconstructed, err := verdict.New().Merge(nil, contracts.VerdictInput{
		TraceID:       traceID,
		GateReport:    *gateReport,
		EnforceResult: *enforceResult,
		EvidenceRefs:  emitted.EvidenceRefs,
	})
	if err != nil {
		return false, []string{fmt.Sprintf("reconstruct verdict from gate/enforce events: %v", err)}
	}

	onDisk, err := os.ReadFile(filepath.Join(baseDir, traceID, "verdict.json"))
	if err != nil {
		return false, []string{fmt.Sprintf("read verdict.json: %v", err)}
	}
	var onDiskVerdict contracts.Verdict
	if err := json.Unmarshal(onDisk, &onDiskVerdict); err != nil {
		return false, []string{fmt.Sprintf("parse verdict.json: %v", err)}
	}

	onDiskHash, err1 := canonicalize.Hash(onDiskVerdict)
	reconstructedHash, err2 := canonicalize.Hash(reconstructed)
	if err1 != nil || err2 != nil {
		return false, []string{"failed to canonicalize verdict for comparison"}
	}
	if onDiskHash != reconstructedHash {
		return false, []string{"verdict.json does not match the verdict reconstructed from gate_end/enforce_end"}
	}
	return true, nil
}

func reencode(payload any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
