// Package verdict merges a GateReport and EnforceResult into a final,
// explainable Verdict with a deterministic confidence score.
package verdict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/trace"
)

// merge is the (gate decision, enforce summary) -> final summary table.
var merge = map[contracts.Decision]map[contracts.Decision]contracts.Decision{
	contracts.DecisionBlock: {
		contracts.DecisionAllow: contracts.DecisionBlock,
		contracts.DecisionBlock: contracts.DecisionBlock,
	},
	contracts.DecisionUnknown: {
		contracts.DecisionAllow: contracts.DecisionUnknown,
		contracts.DecisionBlock: contracts.DecisionBlock,
	},
	contracts.DecisionDegrade: {
		contracts.DecisionAllow: contracts.DecisionDegrade,
		contracts.DecisionBlock: contracts.DecisionBlock,
	},
	contracts.DecisionAllow: {
		contracts.DecisionAllow: contracts.DecisionAllow,
		contracts.DecisionBlock: contracts.DecisionBlock,
	},
}

// playbooks is the canned next_steps table keyed by final summary.
var playbooks = map[contracts.Decision][]string{
	contracts.DecisionBlock:   {"review the blocked actions and their rule rationale", "obtain explicit approval before retrying"},
	contracts.DecisionUnknown: {"classify the unrecognized action type", "obtain explicit approval before proceeding"},
	contracts.DecisionDegrade: {"proceed with heightened monitoring", "confirm risk acceptance with an operator"},
	contracts.DecisionAllow:   {"proceed"},
}

// Merger builds a Verdict from a GateReport + EnforceResult pair.
type Merger struct{}

// New constructs a Merger.
func New() *Merger { return &Merger{} }

// Merge computes the final Verdict, appends a verdict_emitted event, and
// writes verdict.json + verdict.md into the trace directory.
func (m *Merger) Merge(tr *trace.Trace, in contracts.VerdictInput) (contracts.Verdict, error) {
	summary, ok := merge[in.GateReport.Decision][in.EnforceResult.DecisionSummary]
	if !ok {
		// DEGRADE/UNKNOWN enforce summaries never occur per EnforceResult's
		// invariant (Enforce only emits ALLOW or BLOCK); any pair missing
		// from the table fails closed to BLOCK rather than panic.
		summary = contracts.DecisionBlock
	}

	v := contracts.Verdict{
		Version:      "1",
		TraceID:      in.TraceID,
		Summary:      summary,
		Why:          rationale(in),
		NextSteps:    playbooks[summary],
		Confidence:   confidence(in),
		EvidenceRefs: in.EvidenceRefs,
	}

	if tr != nil {
		if _, err := tr.Append(contracts.EventVerdictEmit, v); err != nil {
			return contracts.Verdict{}, fmt.Errorf("verdict: append verdict_emitted: %w", err)
		}
		jsonBytes, err := renderJSON(v)
		if err != nil {
			return contracts.Verdict{}, fmt.Errorf("verdict: render json: %w", err)
		}
		if _, err := tr.WriteFile("verdict.json", jsonBytes); err != nil {
			return contracts.Verdict{}, fmt.Errorf("verdict: write verdict.json: %w", err)
		}
		mdBytes, err := renderMarkdown(v)
		if err != nil {
			return contracts.Verdict{}, fmt.Errorf("verdict: render markdown: %w", err)
		}
		if _, err := tr.WriteFile("verdict.md", mdBytes); err != nil {
			return contracts.Verdict{}, fmt.Errorf("verdict: write verdict.md: %w", err)
		}
	}
	return v, nil
}

// rationale concatenates triggered risk descriptions with fired
// DENY-rule rationales, in that order.
func rationale(in contracts.VerdictInput) []string {
	why := make([]string, 0, len(in.GateReport.Risks)+len(in.EnforceResult.Blocked))
	for _, r := range in.GateReport.Risks {
		why = append(why, fmt.Sprintf("[%s] %s", r.Severity, r.Description))
	}
	for _, b := range in.EnforceResult.Blocked {
		why = append(why, fmt.Sprintf("[rule %s] %s", b.RuleID, b.Rationale))
	}
	return why
}

// confidence applies the deterministic penalty table, clamped to [0,1].
func confidence(in contracts.VerdictInput) float64 {
	c := 1.0
	c -= 0.10 * float64(len(in.GateReport.Unknowns))
	for _, r := range in.GateReport.Risks {
		switch r.Severity {
		case contracts.SeverityMedium:
			c -= 0.05
		case contracts.SeverityHigh:
			c -= 0.20
		case contracts.SeverityCritical:
			c -= 0.50
		}
	}
	if in.EnforceResult.BlockedCount > 0 {
		c -= 0.15
	}
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

func renderJSON(v contracts.Verdict) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

var verdictMDTemplate = template.Must(template.New("verdict.md").Parse(`# Verdict

**Trace:** {{.TraceID}}
**Summary:** {{.Summary}}
**Confidence:** {{printf "%.2f" .Confidence}}

## Why
{{range .Why}}- {{.}}
{{else}}(no findings){{end}}

## Next Steps
{{range .NextSteps}}- {{.}}
{{end}}

## Evidence
{{range .EvidenceRefs}}- {{.}}
{{else}}(none){{end}}
`))

func renderMarkdown(v contracts.Verdict) ([]byte, error) {
	var buf bytes.Buffer
	if err := verdictMDTemplate.Execute(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
