// Package explain builds the structured rationale artifact for a decision.
//
// Output is deterministic: templates are fixed, numbers are formatted to six
// significant digits, and every ordered section derives from already-sorted
// inputs. Identical inputs produce byte-identical renderings on every run
// and OS.
package explain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/quorumnet/steward/pkg/decision"
)

// Explanation is the immutable rationale for one decision.
type Explanation struct {
	DecisionID             string             `json:"decision_id"`
	Summary                string             `json:"summary"`
	ReasoningSteps         []string           `json:"reasoning_steps"`
	EvidenceRefs           []string           `json:"evidence_refs,omitempty"`
	ConfidenceAnalysis     ConfidenceAnalysis `json:"confidence_analysis"`
	ConsideredAlternatives []Alternative      `json:"considered_alternatives"`
}

// ConfidenceAnalysis compares observed confidence to the gate it faced.
type ConfidenceAnalysis struct {
	Threshold         string `json:"threshold"`
	Observed          string `json:"observed"`
	Margin            string `json:"margin"`
	RecentSuccessRate string `json:"recent_success_rate"`
}

// Alternative is a rejected course of action and why.
type Alternative struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// Input bundles everything the builder needs.
type Input struct {
	Context    decision.Context
	Evaluation decision.Evaluation

	// Action is the decided course, e.g. "approve", "reject".
	Action string

	Threshold   float64
	SuccessRate float64

	// EvidenceRefs are memory record ids supporting the cited facts,
	// already in citation order.
	EvidenceRefs []string
}

// Builder renders explanations. Stateless; one instance serves all loops.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder { return &Builder{} }

// Build assembles the explanation for in. Reasoning steps list the weighted
// contributions in descending magnitude (the evaluation's order).
func (b *Builder) Build(in Input) Explanation {
	steps := make([]string, 0, len(in.Evaluation.Contributions)+1)
	for i, c := range in.Evaluation.Contributions {
		if c.Missing {
			steps = append(steps, fmt.Sprintf(
				"%d. criterion %s was missing: contributed %s (weight %s)",
				i+1, c.Criterion, sig6(c.Weighted), sig6(c.Weight)))
			continue
		}
		steps = append(steps, fmt.Sprintf(
			"%d. criterion %s scored %s: contributed %s (weight %s)",
			i+1, c.Criterion, sig6(c.Normalized), sig6(c.Weighted), sig6(c.Weight)))
	}
	steps = append(steps, fmt.Sprintf(
		"%d. weighted score %s at confidence %s yields %s risk",
		len(steps)+1, sig6(in.Evaluation.WeightedScore),
		sig6(in.Evaluation.Confidence), in.Evaluation.Risk))

	margin := in.Evaluation.Confidence - in.Threshold

	return Explanation{
		DecisionID: in.Context.ID,
		Summary: fmt.Sprintf("%s %s decision %s: score %s, confidence %s against threshold %s",
			in.Action, in.Context.Level, in.Context.ID,
			sig6(in.Evaluation.WeightedScore), sig6(in.Evaluation.Confidence), sig6(in.Threshold)),
		ReasoningSteps: steps,
		EvidenceRefs:   append([]string(nil), in.EvidenceRefs...),
		ConfidenceAnalysis: ConfidenceAnalysis{
			Threshold:         sig6(in.Threshold),
			Observed:          sig6(in.Evaluation.Confidence),
			Margin:            sig6(margin),
			RecentSuccessRate: sig6(in.SuccessRate),
		},
		ConsideredAlternatives: alternatives(in, margin),
	}
}

// alternatives derives at least one rejected course from the decision shape.
func alternatives(in Input, margin float64) []Alternative {
	var alts []Alternative
	if in.Action == "approve" {
		alts = append(alts, Alternative{
			Action: "defer for review",
			Reason: fmt.Sprintf("confidence margin %s above the %s threshold made deferral unnecessary",
				sig6(margin), in.Context.Level),
		})
		if in.Evaluation.Risk == decision.RiskLow {
			alts = append(alts, Alternative{
				Action: "reject",
				Reason: "low derived risk gave no grounds for rejection",
			})
		}
	} else {
		alts = append(alts, Alternative{
			Action: "approve",
			Reason: fmt.Sprintf("confidence %s did not reach the %s threshold %s",
				sig6(in.Evaluation.Confidence), in.Context.Level, sig6(in.Threshold)),
		})
	}
	return alts
}

var renderTemplate = template.Must(template.New("explanation").Parse(
	`decision: {{.DecisionID}}
summary: {{.Summary}}
reasoning:
{{- range .ReasoningSteps}}
  {{.}}
{{- end}}
{{- if .EvidenceRefs}}
evidence:
{{- range .EvidenceRefs}}
  - {{.}}
{{- end}}
{{- end}}
confidence:
  threshold: {{.ConfidenceAnalysis.Threshold}}
  observed: {{.ConfidenceAnalysis.Observed}}
  margin: {{.ConfidenceAnalysis.Margin}}
  recent_success_rate: {{.ConfidenceAnalysis.RecentSuccessRate}}
alternatives:
{{- range .ConsideredAlternatives}}
  - {{.Action}}: {{.Reason}}
{{- end}}
`))

// Render produces the canonical byte form.
func (e Explanation) Render() []byte {
	var buf bytes.Buffer
	if err := renderTemplate.Execute(&buf, e); err != nil {
		// The template is fixed and the struct is plain data; execution
		// cannot fail at runtime.
		panic(fmt.Sprintf("render explanation: %v", err))
	}
	return buf.Bytes()
}

// sig6 formats v to six significant digits with no locale variance.
func sig6(v float64) string {
	s := strconv.FormatFloat(v, 'g', 6, 64)
	// FormatFloat may emit exponent forms like 1e-07; keep them — they are
	// deterministic. Trim a trailing "+" sign variant never appears with 'g'.
	return strings.TrimSpace(s)
}
