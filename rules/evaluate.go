package rules

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/compensation"
)

// ErrMissingMetric is returned when a component reads a metric the caller
// did not supply.
var ErrMissingMetric = errors.New("metric not resolved")

// Metrics maps metric name to resolved value.
type Metrics map[string]decimal.Decimal

// Trace explains an outcome: the bands matched (in metric order) and the raw
// values read.
type Trace struct {
	MatchedBandLabels []string
	RawMetricValues   map[string]decimal.Decimal
	Flags             []string
}

// Outcome is a component's payout and its trace.
type Outcome struct {
	Payout decimal.Decimal
	Trace  Trace
}

// Evaluate dispatches on the component type. Payouts are rounded to cents.
func Evaluate(c compensation.Component, metrics Metrics) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	switch c.Type {
	case compensation.ComponentTier:
		if c.Tier == nil {
			return out, fmt.Errorf("component %s: tier config missing", c.Name)
		}
		out, err = EvaluateTier(*c.Tier, metrics)
	case compensation.ComponentMatrix:
		if c.Matrix == nil {
			return out, fmt.Errorf("component %s: matrix config missing", c.Name)
		}
		out, err = EvaluateMatrix(*c.Matrix, metrics)
	case compensation.ComponentPercentage:
		if c.Percentage == nil {
			return out, fmt.Errorf("component %s: percentage config missing", c.Name)
		}
		out, err = EvaluatePercentage(*c.Percentage, metrics)
	case compensation.ComponentConditionalPercentage:
		if c.Conditional == nil {
			return out, fmt.Errorf("component %s: conditional_percentage config missing", c.Name)
		}
		out, err = EvaluateConditionalPercentage(*c.Conditional, metrics)
	default:
		return out, fmt.Errorf("component %s: unknown type %q", c.Name, c.Type)
	}
	if err != nil {
		return out, fmt.Errorf("component %s: %w", c.Name, err)
	}
	out.Payout = compensation.RoundMoney(out.Payout)
	return out, nil
}

// =============================================================================
// TIER
// =============================================================================

func EvaluateTier(cfg compensation.TierConfig, metrics Metrics) (Outcome, error) {
	v, err := lookup(metrics, cfg.Metric)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Payout: decimal.Zero, Trace: newTrace(cfg.Metric, v)}

	bands := make([]compensation.Band, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		bands[i] = t.Band
	}
	i := findBand(bands, v)
	if i < 0 {
		out.Trace.Flags = append(out.Trace.Flags, compensation.FlagOutOfRange)
		return out, nil
	}

	t := cfg.Tiers[i]
	out.Trace.MatchedBandLabels = []string{label(t.Band, i)}
	if t.Rate != nil {
		out.Payout = t.Rate.Mul(v)
	} else {
		out.Payout = *t.Value
	}
	return out, nil
}

// =============================================================================
// MATRIX
// =============================================================================

func EvaluateMatrix(cfg compensation.MatrixConfig, metrics Metrics) (Outcome, error) {
	rv, err := lookup(metrics, cfg.RowMetric)
	if err != nil {
		return Outcome{}, err
	}
	cv, err := lookup(metrics, cfg.ColumnMetric)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Payout: decimal.Zero, Trace: newTrace(cfg.RowMetric, rv)}
	out.Trace.RawMetricValues[cfg.ColumnMetric] = cv

	r := findBand(cfg.RowBands, rv)
	c := findBand(cfg.ColumnBands, cv)
	if r < 0 || c < 0 {
		out.Trace.Flags = append(out.Trace.Flags, compensation.FlagOutOfRange)
		return out, nil
	}
	if r >= len(cfg.Payouts) || c >= len(cfg.Payouts[r]) {
		return Outcome{}, fmt.Errorf("payout matrix has no cell [%d][%d]", r, c)
	}
	out.Trace.MatchedBandLabels = []string{label(cfg.RowBands[r], r), label(cfg.ColumnBands[c], c)}
	out.Payout = cfg.Payouts[r][c]
	return out, nil
}

// =============================================================================
// PERCENTAGE
// =============================================================================

func EvaluatePercentage(cfg compensation.PercentageConfig, metrics Metrics) (Outcome, error) {
	v, err := lookup(metrics, cfg.AppliedToMetric)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Payout: v.Mul(cfg.Rate), Trace: newTrace(cfg.AppliedToMetric, v)}, nil
}

// =============================================================================
// CONDITIONAL PERCENTAGE
// =============================================================================

// EvaluateConditionalPercentage uses the rate of the first condition whose
// metric lies in [min, max); no match pays a rate of zero.
func EvaluateConditionalPercentage(cfg compensation.ConditionalPercentageConfig, metrics Metrics) (Outcome, error) {
	base, err := lookup(metrics, cfg.AppliedToMetric)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Payout: decimal.Zero, Trace: newTrace(cfg.AppliedToMetric, base)}

	for i, cond := range cfg.Conditions {
		v, err := lookup(metrics, cond.Metric)
		if err != nil {
			return Outcome{}, err
		}
		out.Trace.RawMetricValues[cond.Metric] = v
		if cond.Min != nil && v.LessThan(*cond.Min) {
			continue
		}
		if cond.Max != nil && !v.LessThan(*cond.Max) {
			continue
		}
		name := cond.Label
		if name == "" {
			name = fmt.Sprintf("condition-%d", i+1)
		}
		out.Trace.MatchedBandLabels = []string{name}
		out.Payout = base.Mul(cond.Rate)
		return out, nil
	}
	return out, nil
}

func lookup(metrics Metrics, name string) (decimal.Decimal, error) {
	v, ok := metrics[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingMetric, name)
	}
	return v, nil
}

func newTrace(metric string, v decimal.Decimal) Trace {
	return Trace{RawMetricValues: map[string]decimal.Decimal{metric: v}}
}
