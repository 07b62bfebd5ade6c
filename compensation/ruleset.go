package compensation

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE SET - The declarative compensation plan
// =============================================================================

// RuleSet is a plan: eligibility-gated variants, each a list of payout
// components, plus the bindings that derive the metrics those components
// read from committed data.
type RuleSet struct {
	ID         RuleSetID
	TenantID   TenantID
	Name       string
	Version    int
	Variants   []Variant
	Bindings   InputBindings
	Attainment *AttainmentSpec
}

// MatchMode selects how derivation source patterns find data buckets.
type MatchMode string

const (
	// MatchFuzzy tries exact/glob names first, then token overlap.
	MatchFuzzy MatchMode = "fuzzy"
	// MatchExact never falls back to heuristics.
	MatchExact MatchMode = "exact"
)

type InputBindings struct {
	MatchMode   MatchMode
	Derivations []Derivation
}

// =============================================================================
// DERIVATION - Binds a named metric to source rows
// =============================================================================

type Operation string

const (
	OpSum   Operation = "sum"
	OpAvg   Operation = "avg"
	OpFirst Operation = "first"
	OpMin   Operation = "min"
	OpMax   Operation = "max"
	OpCount Operation = "count"
)

func (o Operation) Valid() bool {
	switch o {
	case OpSum, OpAvg, OpFirst, OpMin, OpMax, OpCount:
		return true
	}
	return false
}

type Scope string

const (
	ScopeEntity Scope = "entity"
	ScopeGroup  Scope = "group"
)

// DefaultGroupAttribute is the entity attribute group-scope rows join on.
const DefaultGroupAttribute = "store_id"

type Derivation struct {
	Metric        string
	SourcePattern string
	Operation     Operation
	Scope         Scope

	// Field is the row_data key aggregated. Empty means "the key named like
	// the metric, else the row's only numeric key".
	Field string

	// GroupAttribute is the entity attribute a group-scope row must match;
	// JoinField is the row_data key holding it (defaults to GroupAttribute).
	GroupAttribute string
	JoinField      string
}

// GroupKeys returns the (entity attribute, row field) pair for group joins.
func (d Derivation) GroupKeys() (attribute, field string) {
	attribute = d.GroupAttribute
	if attribute == "" {
		attribute = DefaultGroupAttribute
	}
	field = d.JoinField
	if field == "" {
		field = attribute
	}
	return attribute, field
}

// =============================================================================
// ATTAINMENT - Actual against target, reported beside payout
// =============================================================================

// AttainmentSpec computes Metric / target * 100, where the target is either
// another resolved metric or a constant.
type AttainmentSpec struct {
	Metric       string
	TargetMetric string
	Target       *decimal.Decimal
}

// =============================================================================
// VARIANT - Eligibility-gated component set
// =============================================================================

type Variant struct {
	ID          string
	Name        string
	Eligibility Eligibility
	Components  []Component
}

// Eligibility is a conjunction of attribute tests. An empty predicate
// matches every entity.
type Eligibility struct {
	All []Condition
}

type ConditionOp string

const (
	CondEq     ConditionOp = "eq"
	CondNe     ConditionOp = "ne"
	CondIn     ConditionOp = "in"
	CondNotIn  ConditionOp = "not_in"
	CondExists ConditionOp = "exists"
)

type Condition struct {
	Field  string
	Op     ConditionOp
	Value  string
	Values []string
}

// =============================================================================
// COMPONENT - One payout rule
// =============================================================================

type ComponentType string

const (
	ComponentTier                  ComponentType = "tier"
	ComponentMatrix                ComponentType = "matrix"
	ComponentPercentage            ComponentType = "percentage"
	ComponentConditionalPercentage ComponentType = "conditional_percentage"
)

// Component holds exactly one config pointer, the one matching Type.
type Component struct {
	Name        string
	Type        ComponentType
	Enabled     bool
	Tier        *TierConfig
	Matrix      *MatrixConfig
	Percentage  *PercentageConfig
	Conditional *ConditionalPercentageConfig
}

// Band is a half-open range [Min, Max). A nil Max is unbounded.
type Band struct {
	Min   decimal.Decimal
	Max   *decimal.Decimal
	Label string
}

// Contains applies inclusive-min/exclusive-max, or inclusive-min only when
// last is set (the final band of a partition).
func (b Band) Contains(v decimal.Decimal, last bool) bool {
	if v.LessThan(b.Min) {
		return false
	}
	if b.Max == nil {
		return true
	}
	if last {
		return v.LessThanOrEqual(*b.Max)
	}
	return v.LessThan(*b.Max)
}

// Tier is a band paying either a flat Value or Rate * metric.
type Tier struct {
	Band
	Value *decimal.Decimal
	Rate  *decimal.Decimal
}

type TierConfig struct {
	Metric string
	Tiers  []Tier
}

type MatrixConfig struct {
	RowMetric    string
	ColumnMetric string
	RowBands     []Band
	ColumnBands  []Band
	Payouts      [][]decimal.Decimal
}

type PercentageConfig struct {
	AppliedToMetric string
	Rate            decimal.Decimal
}

// RateCondition selects Rate when Min <= metric < Max. Nil bounds are open.
type RateCondition struct {
	Metric string
	Min    *decimal.Decimal
	Max    *decimal.Decimal
	Rate   decimal.Decimal
	Label  string
}

type ConditionalPercentageConfig struct {
	AppliedToMetric string
	Conditions      []RateCondition
}

// MetricNames lists every metric a component reads.
func (c Component) MetricNames() []string {
	switch {
	case c.Tier != nil:
		return []string{c.Tier.Metric}
	case c.Matrix != nil:
		return []string{c.Matrix.RowMetric, c.Matrix.ColumnMetric}
	case c.Percentage != nil:
		return []string{c.Percentage.AppliedToMetric}
	case c.Conditional != nil:
		names := []string{c.Conditional.AppliedToMetric}
		for _, cond := range c.Conditional.Conditions {
			names = append(names, cond.Metric)
		}
		return names
	}
	return nil
}
