package decision

import (
	"fmt"
	"math"
	"sort"

	"github.com/quorumnet/steward/pkg/fault"
)

// weightSumTolerance is the permitted deviation of a weight table's sum from 1.
const weightSumTolerance = 1e-6

// Weights maps criterion name to its weight in [0,1]. A valid table sums to
// 1 within tolerance.
type Weights map[string]float64

// Validate checks the table for NaN weights, out-of-range weights, and a sum
// off by more than the tolerance.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fault.NewInputError("weights", fmt.Errorf("empty weight table"))
	}
	sum := 0.0
	for name, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fault.NewInputError("weights", fmt.Errorf("criterion %q: weight is not finite", name))
		}
		if v < 0 || v > 1 {
			return fault.NewInputError("weights", fmt.Errorf("criterion %q: weight %v outside [0,1]", name, v))
		}
		sum += v
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fault.NewInputError("weights", fmt.Errorf("weights sum to %v, want 1 ± %v", sum, weightSumTolerance))
	}
	return nil
}

// Criteria returns the criterion names in deterministic order.
func (w Weights) Criteria() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WeightTable holds per-level weightings.
type WeightTable map[Level]Weights

// Validate checks every level's table.
func (t WeightTable) Validate() error {
	for _, level := range Levels {
		w, ok := t[level]
		if !ok {
			return fault.NewInputError("weights", fmt.Errorf("no weight table for level %s", level))
		}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("level %s: %w", level, err)
		}
	}
	return nil
}

// CategoryTables maps criterion name to its category→value lookup. Values
// must lie in [0,1].
type CategoryTables map[string]map[string]float64

// Validate checks every category value is finite and in range.
func (c CategoryTables) Validate() error {
	for criterion, table := range c {
		for category, v := range table {
			if math.IsNaN(v) || v < 0 || v > 1 {
				return fault.NewInputError("categories",
					fmt.Errorf("criterion %q category %q: value %v outside [0,1]", criterion, category, v))
			}
		}
	}
	return nil
}
