package contracts

// Verdict is the merged, explainable decision emitted by the Verdict
// stage.
type Verdict struct {
	Version      string   `json:"version"`
	TraceID      string   `json:"trace_id"`
	Summary      Decision `json:"summary"`
	Why          []string `json:"why"`
	NextSteps    []string `json:"next_steps"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// VerdictInput bundles the two upstream stage outputs the Verdict
// stage merges, plus the evidence references (trace ids / artifact
// paths) to attach.
type VerdictInput struct {
	TraceID       string        `json:"trace_id,omitempty"`
	GateReport    GateReport    `json:"gate_report"`
	EnforceResult EnforceResult `json:"enforce_result"`
	EvidenceRefs  []string      `json:"evidence_refs,omitempty"`
}
