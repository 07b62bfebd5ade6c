/*
Package rules evaluates compensation plan components and selects variants.

PURPOSE:
  Turns resolved metrics into payouts. Every evaluator is a pure function of
  (component config, metric values) returning a payout and a trace that is
  enough to explain the number without re-running the engine.

COMPONENT TYPES:
  tier                    One metric against ascending bands; flat value or rate
  matrix                  Two metrics, each banded, indexing a payout grid
  percentage              metric * rate
  conditional_percentage  metric * rate of the first satisfied condition

BAND RULES:
  Every band table partitions [0, +inf): the first band starts at 0, each
  band starts where the previous ended, and only the last is unbounded.
  Membership is min <= v < max; the last band is min <= v. A table that does
  not partition its domain is a ConfigurationError and aborts the whole run
  before any entity is evaluated.

SEE ALSO:
  - evaluate.go: The evaluators
  - selector.go: Variant selection
  - calc/orchestrator.go: Calls ValidateRuleSet before fan-out
*/
package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/compensation"
)

// ValidateRuleSet checks every enabled component of every variant and that
// each metric a component reads is derived by the rule set. It returns the
// first problem as a *compensation.ConfigurationError.
func ValidateRuleSet(rs *compensation.RuleSet) error {
	if rs == nil {
		return &compensation.ConfigurationError{Reason: "rule set is nil"}
	}
	if len(rs.Variants) == 0 {
		return &compensation.ConfigurationError{RuleSetID: rs.ID, Reason: "rule set has no variants"}
	}

	derived := make(map[string]bool, len(rs.Bindings.Derivations))
	for _, d := range rs.Bindings.Derivations {
		if !d.Operation.Valid() {
			return &compensation.ConfigurationError{RuleSetID: rs.ID, Component: "derivation " + d.Metric,
				Reason: fmt.Sprintf("unknown operation %q", d.Operation)}
		}
		derived[d.Metric] = true
	}

	for _, v := range rs.Variants {
		for _, c := range v.Components {
			if !c.Enabled {
				continue
			}
			if err := ValidateComponent(c); err != nil {
				return &compensation.ConfigurationError{RuleSetID: rs.ID, Variant: v.ID, Component: c.Name, Reason: err.Error()}
			}
			for _, m := range c.MetricNames() {
				if !derived[m] {
					return &compensation.ConfigurationError{RuleSetID: rs.ID, Variant: v.ID, Component: c.Name,
						Reason: fmt.Sprintf("metric %q has no derivation", m)}
				}
			}
		}
	}

	if a := rs.Attainment; a != nil {
		for _, m := range []string{a.Metric, a.TargetMetric} {
			if m != "" && !derived[m] {
				return &compensation.ConfigurationError{RuleSetID: rs.ID, Component: "attainment",
					Reason: fmt.Sprintf("metric %q has no derivation", m)}
			}
		}
	}
	return nil
}

// ValidateComponent checks one component's config against its type.
func ValidateComponent(c compensation.Component) error {
	switch c.Type {
	case compensation.ComponentTier:
		if c.Tier == nil {
			return fmt.Errorf("tier config missing")
		}
		return validateTier(*c.Tier)
	case compensation.ComponentMatrix:
		if c.Matrix == nil {
			return fmt.Errorf("matrix config missing")
		}
		return validateMatrix(*c.Matrix)
	case compensation.ComponentPercentage:
		if c.Percentage == nil {
			return fmt.Errorf("percentage config missing")
		}
		if c.Percentage.AppliedToMetric == "" {
			return fmt.Errorf("applied_to_metric is required")
		}
		return nil
	case compensation.ComponentConditionalPercentage:
		if c.Conditional == nil {
			return fmt.Errorf("conditional_percentage config missing")
		}
		return validateConditional(*c.Conditional)
	default:
		return fmt.Errorf("unknown component type %q", c.Type)
	}
}

func validateTier(cfg compensation.TierConfig) error {
	if cfg.Metric == "" {
		return fmt.Errorf("tier metric is required")
	}
	bands := make([]compensation.Band, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		if (t.Value == nil) == (t.Rate == nil) {
			return fmt.Errorf("tier %d must set exactly one of value or rate", i+1)
		}
		bands[i] = t.Band
	}
	if err := ValidatePartition(bands); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	return nil
}

func validateMatrix(cfg compensation.MatrixConfig) error {
	if cfg.RowMetric == "" || cfg.ColumnMetric == "" {
		return fmt.Errorf("row_metric and column_metric are required")
	}
	if err := ValidatePartition(cfg.RowBands); err != nil {
		return fmt.Errorf("row bands: %w", err)
	}
	if err := ValidatePartition(cfg.ColumnBands); err != nil {
		return fmt.Errorf("column bands: %w", err)
	}
	if len(cfg.Payouts) != len(cfg.RowBands) {
		return fmt.Errorf("payout matrix has %d rows, want %d", len(cfg.Payouts), len(cfg.RowBands))
	}
	for i, row := range cfg.Payouts {
		if len(row) != len(cfg.ColumnBands) {
			return fmt.Errorf("payout matrix row %d has %d columns, want %d", i+1, len(row), len(cfg.ColumnBands))
		}
	}
	return nil
}

func validateConditional(cfg compensation.ConditionalPercentageConfig) error {
	if cfg.AppliedToMetric == "" {
		return fmt.Errorf("applied_to_metric is required")
	}
	for i, c := range cfg.Conditions {
		if c.Metric == "" {
			return fmt.Errorf("condition %d has no metric", i+1)
		}
		if c.Min != nil && c.Max != nil && !c.Max.GreaterThan(*c.Min) {
			return fmt.Errorf("condition %d: max must exceed min", i+1)
		}
	}
	return nil
}

// ValidatePartition checks that bands cover [0, +inf) with no gaps or
// overlaps, in ascending order, with only the final band unbounded.
func ValidatePartition(bands []compensation.Band) error {
	if len(bands) == 0 {
		return fmt.Errorf("no bands defined")
	}
	if !bands[0].Min.IsZero() {
		return fmt.Errorf("first band starts at %s, want 0", bands[0].Min)
	}
	last := len(bands) - 1
	for i, b := range bands {
		if i == last {
			if b.Max != nil {
				return fmt.Errorf("final band %s ends at %s; it must be unbounded", label(b, i), b.Max)
			}
			break
		}
		if b.Max == nil {
			return fmt.Errorf("band %s is unbounded but is not the final band", label(b, i))
		}
		if !b.Max.GreaterThan(b.Min) {
			return fmt.Errorf("band %s is empty or inverted [%s, %s)", label(b, i), b.Min, b.Max)
		}
		next := bands[i+1].Min
		switch next.Cmp(*b.Max) {
		case 1:
			return fmt.Errorf("gap between %s and %s: [%s, %s) uncovered", label(b, i), label(bands[i+1], i+1), b.Max, next)
		case -1:
			return fmt.Errorf("overlap between %s and %s at %s", label(b, i), label(bands[i+1], i+1), next)
		}
	}
	return nil
}

// findBand returns the index of the band containing v, or -1.
func findBand(bands []compensation.Band, v decimal.Decimal) int {
	last := len(bands) - 1
	for i, b := range bands {
		if b.Contains(v, i == last) {
			return i
		}
	}
	return -1
}

func label(b compensation.Band, i int) string {
	if b.Label != "" {
		return b.Label
	}
	return fmt.Sprintf("#%d", i+1)
}
