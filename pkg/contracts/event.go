// Package contracts defines the typed records exchanged across every
// kernel component: TraceEvent, GateReport, Contract, ProposedAction,
// EnforceResult, Verdict, Policy and BundleManifest. These are the
// system's spine — every JSON Schema in pkg/schemas validates one of
// these shapes, and the trace event hash chain is computed over them
// via pkg/canonicalize.
package contracts

import "time"

// EventType enumerates the kinds of TraceEvent that may appear in a run.
type EventType string

const (
	EventGateStart     EventType = "gate_start"
	EventGateEnd       EventType = "gate_end"
	EventEnforceStart  EventType = "enforce_start"
	EventEnforceEnd    EventType = "enforce_end"
	EventVerdictEmit   EventType = "verdict_emitted"
	EventReplayStart   EventType = "replay_start"
	EventReplayEnd     EventType = "replay_end"
	EventError         EventType = "error"
)

// TraceEvent is a single append-only, hash-chained record in a trace's
// events.ndjson. Per invariant H1:
//
//	hash[i] = H(canonical_json({trace_id, seq, ts, type, payload, prev_hash: hash[i-1]}))
//
// with prev_hash="" at seq=0.
type TraceEvent struct {
	TraceID  string    `json:"trace_id"`
	Seq      uint64    `json:"seq"`
	TS       time.Time `json:"ts"`
	Type     EventType `json:"type"`
	Payload  any       `json:"payload"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
}

// hashedFields is the canonical view of a TraceEvent that feeds the
// hash chain — everything except the event's own Hash field.
type hashedFields struct {
	TraceID  string    `json:"trace_id"`
	Seq      uint64    `json:"seq"`
	TS       time.Time `json:"ts"`
	Type     EventType `json:"type"`
	Payload  any       `json:"payload"`
	PrevHash string    `json:"prev_hash"`
}

// HashedFields returns the value whose canonical encoding is hashed to
// produce e.Hash. Callers (the Trace Writer and Replay) must hash
// exactly this value, never the TraceEvent itself (which also carries
// Hash).
func (e TraceEvent) HashedFields() any {
	return hashedFields{
		TraceID:  e.TraceID,
		Seq:      e.Seq,
		TS:       e.TS,
		Type:     e.Type,
		Payload:  e.Payload,
		PrevHash: e.PrevHash,
	}
}
