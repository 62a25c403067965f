// Package trace implements the Trace Writer: it opens a
// trace run, appends hash-chained TraceEvents to events.ndjson, and
// atomically writes the trace's supporting artifacts. A trace directory
// is owned exclusively by the writer that created it until sealed.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liyecom/governance-kernel/pkg/canonicalize"
	"github.com/liyecom/governance-kernel/pkg/contracts"
)

// allowedArtifacts are the only file names WriteFile may create.
var allowedArtifacts = map[string]bool{
	"verdict.json": true,
	"verdict.md":   true,
	"replay.json":  true,
	"diff.json":    true,
}

// sealOnlyArtifacts are the file names still writable after Seal.
var sealOnlyArtifacts = map[string]bool{
	"replay.json": true,
	"diff.json":   true,
}

// Trace owns one run's directory from Open until Seal. One trace has at
// most one writer; the owning Writer enforces this via its owned map.
type Trace struct {
	id       string
	dir      string
	mu       sync.Mutex
	seq      uint64
	prevHash string
	sealed   bool
	log      *slog.Logger
}

// ID returns the trace's stable identifier.
func (t *Trace) ID() string { return t.id }

// Dir returns the trace's directory on disk.
func (t *Trace) Dir() string { return t.dir }

// Writer creates and tracks Trace instances rooted at a base directory.
// It owns the trace_id -> ownership map, so a run's events can never
// be written by two writers at once.
type Writer struct {
	baseDir string
	mu      sync.Mutex
	owned   map[string]bool
	log     *slog.Logger
}

// NewWriter creates a Writer rooted at baseDir, creating it if absent.
func NewWriter(baseDir string) (*Writer, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("trace: mkdir base dir: %w", err)
	}
	return &Writer{
		baseDir: baseDir,
		owned:   make(map[string]bool),
		log:     slog.Default().With("component", "trace_writer"),
	}, nil
}

// NewTraceID generates a time-sortable, UUIDv7 trace identifier.
func NewTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system RNG is broken; fall back
		// to a random v4 rather than panic a governance decision path.
		return uuid.NewString()
	}
	return id.String()
}

// Open creates a new trace directory. traceID is generated if empty.
// Fails with a TraceExists KernelError if the directory already exists
// and is non-empty.
func (w *Writer) Open(traceID string) (*Trace, error) {
	if traceID == "" {
		traceID = NewTraceID()
	}

	w.mu.Lock()
	if w.owned[traceID] {
		w.mu.Unlock()
		return nil, contracts.NewTraceSealedError(traceID)
	}
	w.owned[traceID] = true
	w.mu.Unlock()

	dir := filepath.Join(w.baseDir, traceID)
	entries, statErr := os.ReadDir(dir)
	if statErr == nil && len(entries) > 0 {
		w.mu.Lock()
		delete(w.owned, traceID)
		w.mu.Unlock()
		return nil, &contracts.KernelError{
			Kind: "TraceExists", Code: contracts.CodeTraceExists,
			Message: fmt.Sprintf("trace directory %s already exists and is non-empty", traceID),
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.mu.Lock()
		delete(w.owned, traceID)
		w.mu.Unlock()
		return nil, fmt.Errorf("trace: mkdir %s: %w", dir, err)
	}

	t := &Trace{
		id:  traceID,
		dir: dir,
		log: w.log.With("trace_id", traceID),
	}
	t.log.Info("trace opened")
	return t, nil
}

// Release drops ownership of a trace_id, allowing it to be reopened.
// Called once a trace is sealed and no further writes are expected.
func (w *Writer) Release(traceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.owned, traceID)
}

// OpenForAppend resumes an existing, not-yet-sealed trace directory so a
// later pipeline stage (enforce, verdict) can continue the same hash
// chain a prior stage (gate) started — across a fresh process (the CLI)
// or a later tools/call on a Writer that never released the trace_id
// (the MCP server). It replays events.ndjson to recover the next seq
// and the chain's current head hash, tolerating a truncated final line
// the way Replay does. Unlike Open, it does not fail with TraceExists;
// it fails with TraceSealedError if the trace was already sealed, and
// with a plain error if traceID is empty or the trace was never opened.
func (w *Writer) OpenForAppend(traceID string) (*Trace, error) {
	if traceID == "" {
		return nil, fmt.Errorf("trace: OpenForAppend requires a non-empty trace_id")
	}

	dir := filepath.Join(w.baseDir, traceID)
	path := filepath.Join(dir, "events.ndjson")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s for append: %w", path, err)
	}
	defer f.Close()

	var last contracts.TraceEvent
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev contracts.TraceEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// A truncated final line from a crash mid-append; stop here
			// the same way Replay drops an unparseable tail line.
			break
		}
		last = ev
		found = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: scan %s: %w", path, err)
	}
	if found && (last.Type == contracts.EventVerdictEmit || last.Type == contracts.EventError) {
		return nil, contracts.NewTraceSealedError(traceID)
	}

	t := &Trace{
		id:  traceID,
		dir: dir,
		log: w.log.With("trace_id", traceID),
	}
	if found {
		t.seq = last.Seq + 1
		t.prevHash = last.Hash
	}

	w.mu.Lock()
	w.owned[traceID] = true
	w.mu.Unlock()

	t.log.Info("trace reopened for append", "resume_seq", t.seq)
	return t, nil
}

// Append computes the next hash-chain link and appends one JSON line to
// events.ndjson. Fails with TraceSealedError once a verdict_emitted or
// error event has been appended.
func (t *Trace) Append(eventType contracts.EventType, payload any) (contracts.TraceEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return contracts.TraceEvent{}, contracts.NewTraceSealedError(t.id)
	}

	ev := contracts.TraceEvent{
		TraceID:  t.id,
		Seq:      t.seq,
		TS:       time.Now().UTC(),
		Type:     eventType,
		Payload:  payload,
		PrevHash: t.prevHash,
	}
	hash, err := canonicalize.Hash(ev.HashedFields())
	if err != nil {
		return contracts.TraceEvent{}, fmt.Errorf("trace: hash event: %w", err)
	}
	ev.Hash = hash

	if err := t.appendLine(ev); err != nil {
		return contracts.TraceEvent{}, err
	}

	t.seq++
	t.prevHash = hash

	if eventType == contracts.EventVerdictEmit || eventType == contracts.EventError {
		t.sealed = true
	}

	t.log.Debug("event appended", "seq", ev.Seq, "type", eventType)
	return ev, nil
}

// appendLine performs a durable append: it writes the line directly to
// events.ndjson opened with O_APPEND and fsyncs that file; no temp file
// is used. A crash mid-write leaves at worst a truncated final line
// (which Replay handles by dropping it).
func (t *Trace) appendLine(ev contracts.TraceEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("trace: marshal event: %w", err)
	}
	line = append(line, '\n')

	path := filepath.Join(t.dir, "events.ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("trace: open events.ndjson: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("trace: write event: %w", err)
	}
	return f.Sync()
}

// WriteFile atomically writes one of the allowed supporting artifacts
// (verdict.json, verdict.md, replay.json, diff.json) into the trace
// directory via write-to-temp then rename.
func (t *Trace) WriteFile(name string, content []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !allowedArtifacts[name] {
		return "", fmt.Errorf("trace: %q is not a permitted artifact name", name)
	}
	if t.sealed && !sealOnlyArtifacts[name] {
		return "", contracts.NewTraceSealedError(t.id)
	}

	dest := filepath.Join(t.dir, name)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("trace: write temp %s: %w", name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("trace: rename %s: %w", name, err)
	}
	t.log.Debug("artifact written", "name", name)
	return dest, nil
}

// Seal idempotently marks the trace sealed. After Seal, only
// WriteFile("replay.json"|"diff.json") remain permitted.
func (t *Trace) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sealed {
		t.sealed = true
		t.log.Info("trace sealed")
	}
}

// Sealed reports whether the trace has been sealed.
func (t *Trace) Sealed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

// AppendError appends a final error event and seals the trace, used by
// callers when a fatal write error occurs and the trace is still
// writable.
func (t *Trace) AppendError(reason string) {
	if _, err := t.Append(contracts.EventError, map[string]any{"reason": reason}); err != nil {
		t.log.Error("failed to append error event", "error", err)
	}
}

// OpenReader opens an existing trace directory for read-only access
// (Replay reads events.ndjson itself and does not use it). It performs
// no ownership bookkeeping — sealed
// traces may be read concurrently by many readers.
func OpenReader(baseDir, traceID string) (*bufio.Scanner, *os.File, error) {
	path := filepath.Join(baseDir, traceID, "events.ndjson")
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner, f, nil
}
