package decision

import (
	"fmt"
	"math"
	"sort"

	"github.com/quorumnet/steward/pkg/fault"
)

// Evaluator scores decision contexts. Evaluate is pure given the evaluator's
// tables; the zero-input penalties and risk matrix are fixed at construction.
type Evaluator struct {
	weights    WeightTable
	categories CategoryTables
	required   map[Level][]string

	// missingPenalty is subtracted from confidence per missing required
	// criterion.
	missingPenalty float64

	// varianceThreshold is the input variance above which variancePenalty is
	// subtracted from confidence.
	varianceThreshold float64
	variancePenalty   float64
}

// EvaluatorParams bundles the evaluator's construction inputs.
type EvaluatorParams struct {
	Weights    WeightTable
	Categories CategoryTables

	// Required lists the criteria each level must carry.
	Required map[Level][]string

	// MissingPenalty defaults to 0.1 when zero.
	MissingPenalty float64

	// VarianceThreshold defaults to 0.25; VariancePenalty to 0.1.
	VarianceThreshold float64
	VariancePenalty   float64
}

// NewEvaluator validates the tables and builds an evaluator.
func NewEvaluator(p EvaluatorParams) (*Evaluator, error) {
	if err := p.Weights.Validate(); err != nil {
		return nil, err
	}
	if err := p.Categories.Validate(); err != nil {
		return nil, err
	}
	e := &Evaluator{
		weights:           p.Weights,
		categories:        p.Categories,
		required:          p.Required,
		missingPenalty:    p.MissingPenalty,
		varianceThreshold: p.VarianceThreshold,
		variancePenalty:   p.VariancePenalty,
	}
	if e.missingPenalty == 0 {
		e.missingPenalty = 0.1
	}
	if e.varianceThreshold == 0 {
		e.varianceThreshold = 0.25
	}
	if e.variancePenalty == 0 {
		e.variancePenalty = 0.1
	}
	return e, nil
}

// Evaluate scores ctx against the level's weight table.
//
// Unknown input criteria, unknown categories, and non-finite numeric inputs
// are an InvalidContext failure — there is no silent defaulting beyond the
// normalization rules. Missing criteria contribute 0 to the score; missing
// REQUIRED criteria additionally cost confidence.
func (e *Evaluator) Evaluate(ctx Context) (Evaluation, error) {
	weights, ok := e.weights[ctx.Level]
	if !ok {
		return Evaluation{}, fault.NewInputError("level",
			fmt.Errorf("no weight table for level %s", ctx.Level))
	}

	// Inputs not named in the weight table are a context mismatch.
	for name := range ctx.Inputs {
		if _, ok := weights[name]; !ok {
			return Evaluation{}, fault.NewInputError("inputs",
				fmt.Errorf("criterion %q not in %s weight table", name, ctx.Level))
		}
	}

	requiredMissing := 0
	variancePenalties := 0
	contributions := make([]Contribution, 0, len(weights))
	score := 0.0

	for _, name := range weights.Criteria() {
		weight := weights[name]
		input, present := ctx.Inputs[name]

		var normalized float64
		missing := !present
		if present {
			var err error
			normalized, err = e.normalize(name, input)
			if err != nil {
				return Evaluation{}, err
			}
			if input.Variance > e.varianceThreshold {
				variancePenalties++
			}
		} else if e.isRequired(ctx.Level, name) {
			requiredMissing++
		}

		weighted := weight * normalized
		score += weighted
		contributions = append(contributions, Contribution{
			Criterion:  name,
			Weight:     weight,
			Normalized: normalized,
			Weighted:   weighted,
			Missing:    missing,
		})
	}

	confidence := 1.0
	confidence -= float64(requiredMissing) * e.missingPenalty
	confidence -= float64(variancePenalties) * e.variancePenalty
	confidence = clamp01(confidence)
	score = clamp01(score)

	// Descending by criterion magnitude, ties broken by weighted share and
	// then name so the order is deterministic for the explanation builder.
	sort.SliceStable(contributions, func(i, j int) bool {
		if contributions[i].Normalized != contributions[j].Normalized {
			return contributions[i].Normalized > contributions[j].Normalized
		}
		if contributions[i].Weighted != contributions[j].Weighted {
			return contributions[i].Weighted > contributions[j].Weighted
		}
		return contributions[i].Criterion < contributions[j].Criterion
	})

	return Evaluation{
		ContextID:     ctx.ID,
		WeightedScore: score,
		Confidence:    confidence,
		Risk:          riskFor(score, confidence),
		Contributions: contributions,
	}, nil
}

// normalize maps one input to [0,1] per the criterion's kind.
func (e *Evaluator) normalize(name string, input CriterionValue) (float64, error) {
	switch input.Kind {
	case ValueNumeric:
		if math.IsNaN(input.Number) || math.IsInf(input.Number, 0) {
			return 0, fault.NewInputError("inputs",
				fmt.Errorf("criterion %q: numeric value is not finite", name))
		}
		return clamp01(input.Number), nil
	case ValueCategorical:
		table, ok := e.categories[name]
		if !ok {
			return 0, fault.NewInputError("inputs",
				fmt.Errorf("criterion %q: no category table", name))
		}
		v, ok := table[input.Category]
		if !ok {
			return 0, fault.NewInputError("inputs",
				fmt.Errorf("criterion %q: unknown category %q", name, input.Category))
		}
		return v, nil
	default:
		return 0, fault.NewInputError("inputs",
			fmt.Errorf("criterion %q: unknown value kind %d", name, input.Kind))
	}
}

// isRequired reports whether the level requires the criterion.
func (e *Evaluator) isRequired(level Level, name string) bool {
	for _, r := range e.required[level] {
		if r == name {
			return true
		}
	}
	return false
}

// riskFor derives the qualitative risk class. The matrix is shared across
// levels: high score with high confidence is safe; low on both is critical.
//
//	score ≥ 0.7 and confidence ≥ 0.8 → low
//	score ≥ 0.5 and confidence ≥ 0.6 → medium
//	score ≥ 0.3 or  confidence ≥ 0.4 → high
//	otherwise                        → critical
func riskFor(score, confidence float64) Risk {
	switch {
	case score >= 0.7 && confidence >= 0.8:
		return RiskLow
	case score >= 0.5 && confidence >= 0.6:
		return RiskMedium
	case score >= 0.3 || confidence >= 0.4:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
