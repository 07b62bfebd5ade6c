/*
Package factory provides JSON to Go rule set conversion.

PURPOSE:
  Converts JSON plan documents into compensation.RuleSet values. Plans are
  authored by compensation administrators and stored as documents, so the
  engine never hard-codes a payout rule: the factory is the single place the
  document shape is interpreted.

JSON SCHEMA:
  {
    "id": "floor-2025",
    "name": "Retail Floor Plan",
    "version": 1,
    "input_bindings": {
      "match_mode": "fuzzy",
      "metric_derivations": [
        {"metric_name": "revenue", "source_pattern": "Sales Detail",
         "operation": "sum", "scope": "entity", "field": "amount"}
      ]
    },
    "attainment": {"metric": "revenue", "target_metric": "revenue_target"},
    "variants": [
      {
        "id": "associate",
        "eligibility": {"all": [{"field": "role", "op": "eq", "value": "associate"}]},
        "components": [
          {"name": "revenue_tier", "type": "tier", "config": {
            "metric": "revenue",
            "tiers": [
              {"min": 0, "max": 80, "rate": 0.5, "label": "base"},
              {"min": 80, "max": null, "rate": 1.0, "label": "accelerator"}
            ]}}
        ]
      }
    ]
  }

KEY FEATURES:
  - Sets defaults (operation=sum, scope=entity, match_mode=fuzzy, enabled)
  - Decodes each component's config by its type
  - Rejects unknown component types, operations, scopes and condition ops
    with a ConfigurationError naming the component
  - Band partitioning is checked by rules.ValidateRuleSet, not here

USAGE:
  f := factory.NewRuleSetFactory()
  rs, err := f.ParseRuleSet(tenantID, documentJSON)

SEE ALSO:
  - compensation/ruleset.go: RuleSet type definition
  - factory/presets.go: Ready-made plan documents
  - rules/validate.go: Partition and dimension validation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/compensation"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleSetJSON is the JSON representation of a plan.
type RuleSetJSON struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Version       int               `json:"version,omitempty"`
	InputBindings InputBindingsJSON `json:"input_bindings"`
	Attainment    *AttainmentJSON   `json:"attainment,omitempty"`
	Variants      []VariantJSON     `json:"variants"`
}

type InputBindingsJSON struct {
	MatchMode         string           `json:"match_mode,omitempty"`
	MetricDerivations []DerivationJSON `json:"metric_derivations"`
}

type DerivationJSON struct {
	MetricName     string `json:"metric_name"`
	SourcePattern  string `json:"source_pattern"`
	Operation      string `json:"operation,omitempty"`
	Scope          string `json:"scope,omitempty"`
	Field          string `json:"field,omitempty"`
	GroupAttribute string `json:"group_attribute,omitempty"`
	JoinField      string `json:"join_field,omitempty"`
}

type AttainmentJSON struct {
	Metric       string           `json:"metric"`
	TargetMetric string           `json:"target_metric,omitempty"`
	Target       *decimal.Decimal `json:"target,omitempty"`
}

type VariantJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Eligibility EligibilityJSON `json:"eligibility"`
	Components  []ComponentJSON `json:"components"`
}

type EligibilityJSON struct {
	All []ConditionJSON `json:"all,omitempty"`
}

type ConditionJSON struct {
	Field  string   `json:"field"`
	Op     string   `json:"op,omitempty"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

type ComponentJSON struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled,omitempty"` // default true
	Config  json.RawMessage `json:"config"`
}

type BandJSON struct {
	Min   decimal.Decimal  `json:"min"`
	Max   *decimal.Decimal `json:"max"`
	Label string           `json:"label,omitempty"`
}

type TierJSON struct {
	BandJSON
	Value *decimal.Decimal `json:"value,omitempty"`
	Rate  *decimal.Decimal `json:"rate,omitempty"`
}

type TierConfigJSON struct {
	Metric string     `json:"metric"`
	Tiers  []TierJSON `json:"tiers"`
}

type MatrixConfigJSON struct {
	RowMetric    string              `json:"row_metric"`
	ColumnMetric string              `json:"column_metric"`
	RowBands     []BandJSON          `json:"row_bands"`
	ColumnBands  []BandJSON          `json:"column_bands"`
	PayoutMatrix [][]decimal.Decimal `json:"payout_matrix"`
}

type PercentageConfigJSON struct {
	AppliedToMetric string          `json:"applied_to_metric"`
	Rate            decimal.Decimal `json:"rate"`
}

type RateConditionJSON struct {
	Metric string           `json:"metric"`
	Min    *decimal.Decimal `json:"min,omitempty"`
	Max    *decimal.Decimal `json:"max,omitempty"`
	Rate   decimal.Decimal  `json:"rate"`
	Label  string           `json:"label,omitempty"`
}

type ConditionalConfigJSON struct {
	AppliedToMetric string              `json:"applied_to_metric"`
	Conditions      []RateConditionJSON `json:"conditions"`
}

// =============================================================================
// RULE SET FACTORY
// =============================================================================

// RuleSetFactory converts JSON plan documents to rule sets.
type RuleSetFactory struct{}

// NewRuleSetFactory creates a new rule set factory.
func NewRuleSetFactory() *RuleSetFactory {
	return &RuleSetFactory{}
}

// ParseRuleSet parses a JSON document into a RuleSet owned by tenantID.
func (f *RuleSetFactory) ParseRuleSet(tenantID compensation.TenantID, jsonStr string) (*compensation.RuleSet, error) {
	var rj RuleSetJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("failed to parse rule set JSON: %w: %v", compensation.ErrInvalidInput, err)
	}
	return f.FromJSON(tenantID, rj)
}

// FromJSON converts RuleSetJSON to a RuleSet.
func (f *RuleSetFactory) FromJSON(tenantID compensation.TenantID, rj RuleSetJSON) (*compensation.RuleSet, error) {
	ruleSetID := compensation.RuleSetID(rj.ID)
	if strings.TrimSpace(rj.ID) == "" {
		return nil, &compensation.ConfigurationError{Reason: "rule set id is required"}
	}
	if len(rj.Variants) == 0 {
		return nil, &compensation.ConfigurationError{RuleSetID: ruleSetID, Reason: "rule set has no variants"}
	}

	rs := &compensation.RuleSet{
		ID:       ruleSetID,
		TenantID: tenantID,
		Name:     rj.Name,
		Version:  rj.Version,
	}
	if rs.Version == 0 {
		rs.Version = 1
	}

	bindings, err := parseBindings(ruleSetID, rj.InputBindings)
	if err != nil {
		return nil, err
	}
	rs.Bindings = bindings

	if rj.Attainment != nil {
		if rj.Attainment.Metric == "" || (rj.Attainment.TargetMetric == "" && rj.Attainment.Target == nil) {
			return nil, &compensation.ConfigurationError{RuleSetID: ruleSetID, Reason: "attainment needs a metric and a target or target_metric"}
		}
		rs.Attainment = &compensation.AttainmentSpec{
			Metric:       rj.Attainment.Metric,
			TargetMetric: rj.Attainment.TargetMetric,
			Target:       rj.Attainment.Target,
		}
	}

	for i, vj := range rj.Variants {
		v, err := parseVariant(ruleSetID, i, vj)
		if err != nil {
			return nil, err
		}
		rs.Variants = append(rs.Variants, v)
	}
	return rs, nil
}

func parseBindings(ruleSetID compensation.RuleSetID, bj InputBindingsJSON) (compensation.InputBindings, error) {
	out := compensation.InputBindings{MatchMode: compensation.MatchFuzzy}
	switch strings.ToLower(bj.MatchMode) {
	case "", string(compensation.MatchFuzzy):
	case string(compensation.MatchExact):
		out.MatchMode = compensation.MatchExact
	default:
		return out, &compensation.ConfigurationError{RuleSetID: ruleSetID, Reason: fmt.Sprintf("unknown match_mode %q", bj.MatchMode)}
	}

	seen := make(map[string]bool)
	for _, dj := range bj.MetricDerivations {
		d := compensation.Derivation{
			Metric:         strings.TrimSpace(dj.MetricName),
			SourcePattern:  strings.TrimSpace(dj.SourcePattern),
			Operation:      compensation.Operation(strings.ToLower(dj.Operation)),
			Scope:          compensation.Scope(strings.ToLower(dj.Scope)),
			Field:          dj.Field,
			GroupAttribute: dj.GroupAttribute,
			JoinField:      dj.JoinField,
		}
		if d.Operation == "" {
			d.Operation = compensation.OpSum
		}
		if d.Scope == "" {
			d.Scope = compensation.ScopeEntity
		}
		fail := func(reason string) error {
			return &compensation.ConfigurationError{RuleSetID: ruleSetID, Component: "derivation " + d.Metric, Reason: reason}
		}
		switch {
		case d.Metric == "":
			return out, fail("metric_name is required")
		case d.SourcePattern == "":
			return out, fail("source_pattern is required")
		case !d.Operation.Valid():
			return out, fail(fmt.Sprintf("unknown operation %q", d.Operation))
		case d.Scope != compensation.ScopeEntity && d.Scope != compensation.ScopeGroup:
			return out, fail(fmt.Sprintf("unknown scope %q", d.Scope))
		case seen[d.Metric]:
			return out, fail("metric derived twice")
		}
		seen[d.Metric] = true
		out.Derivations = append(out.Derivations, d)
	}
	return out, nil
}

func parseVariant(ruleSetID compensation.RuleSetID, index int, vj VariantJSON) (compensation.Variant, error) {
	v := compensation.Variant{ID: vj.ID, Name: vj.Name}
	if v.ID == "" {
		v.ID = fmt.Sprintf("variant-%d", index+1)
	}
	if v.Name == "" {
		v.Name = v.ID
	}

	for _, cj := range vj.Eligibility.All {
		c := compensation.Condition{
			Field:  cj.Field,
			Op:     compensation.ConditionOp(strings.ToLower(cj.Op)),
			Value:  cj.Value,
			Values: cj.Values,
		}
		if c.Op == "" {
			c.Op = compensation.CondEq
			if len(c.Values) > 0 {
				c.Op = compensation.CondIn
			}
		}
		switch c.Op {
		case compensation.CondEq, compensation.CondNe, compensation.CondIn, compensation.CondNotIn, compensation.CondExists:
		default:
			return v, &compensation.ConfigurationError{RuleSetID: ruleSetID, Variant: v.ID, Reason: fmt.Sprintf("unknown eligibility op %q", cj.Op)}
		}
		if c.Field == "" {
			return v, &compensation.ConfigurationError{RuleSetID: ruleSetID, Variant: v.ID, Reason: "eligibility condition without field"}
		}
		v.Eligibility.All = append(v.Eligibility.All, c)
	}

	names := make(map[string]bool)
	for _, cj := range vj.Components {
		c, err := parseComponent(cj)
		if err != nil {
			return v, &compensation.ConfigurationError{RuleSetID: ruleSetID, Variant: v.ID, Component: cj.Name, Reason: err.Error()}
		}
		if names[c.Name] {
			return v, &compensation.ConfigurationError{RuleSetID: ruleSetID, Variant: v.ID, Component: c.Name, Reason: "duplicate component name"}
		}
		names[c.Name] = true
		v.Components = append(v.Components, c)
	}
	return v, nil
}

func parseComponent(cj ComponentJSON) (compensation.Component, error) {
	c := compensation.Component{
		Name:    strings.TrimSpace(cj.Name),
		Type:    compensation.ComponentType(strings.ToLower(cj.Type)),
		Enabled: cj.Enabled == nil || *cj.Enabled,
	}
	if c.Name == "" {
		return c, fmt.Errorf("component name is required")
	}
	if len(cj.Config) == 0 {
		return c, fmt.Errorf("config is required")
	}

	switch c.Type {
	case compensation.ComponentTier:
		var tj TierConfigJSON
		if err := json.Unmarshal(cj.Config, &tj); err != nil {
			return c, fmt.Errorf("invalid tier config: %v", err)
		}
		cfg := &compensation.TierConfig{Metric: tj.Metric}
		for _, t := range tj.Tiers {
			cfg.Tiers = append(cfg.Tiers, compensation.Tier{Band: toBand(t.BandJSON), Value: t.Value, Rate: t.Rate})
		}
		c.Tier = cfg

	case compensation.ComponentMatrix:
		var mj MatrixConfigJSON
		if err := json.Unmarshal(cj.Config, &mj); err != nil {
			return c, fmt.Errorf("invalid matrix config: %v", err)
		}
		c.Matrix = &compensation.MatrixConfig{
			RowMetric:    mj.RowMetric,
			ColumnMetric: mj.ColumnMetric,
			RowBands:     toBands(mj.RowBands),
			ColumnBands:  toBands(mj.ColumnBands),
			Payouts:      mj.PayoutMatrix,
		}

	case compensation.ComponentPercentage:
		var pj PercentageConfigJSON
		if err := json.Unmarshal(cj.Config, &pj); err != nil {
			return c, fmt.Errorf("invalid percentage config: %v", err)
		}
		c.Percentage = &compensation.PercentageConfig{AppliedToMetric: pj.AppliedToMetric, Rate: pj.Rate}

	case compensation.ComponentConditionalPercentage:
		var cpj ConditionalConfigJSON
		if err := json.Unmarshal(cj.Config, &cpj); err != nil {
			return c, fmt.Errorf("invalid conditional_percentage config: %v", err)
		}
		cfg := &compensation.ConditionalPercentageConfig{AppliedToMetric: cpj.AppliedToMetric}
		for _, rc := range cpj.Conditions {
			cfg.Conditions = append(cfg.Conditions, compensation.RateCondition{
				Metric: rc.Metric, Min: rc.Min, Max: rc.Max, Rate: rc.Rate, Label: rc.Label,
			})
		}
		c.Conditional = cfg

	default:
		return c, fmt.Errorf("unknown component type %q", cj.Type)
	}
	return c, nil
}

func toBand(bj BandJSON) compensation.Band {
	return compensation.Band{Min: bj.Min, Max: bj.Max, Label: bj.Label}
}

func toBands(bjs []BandJSON) []compensation.Band {
	out := make([]compensation.Band, len(bjs))
	for i, b := range bjs {
		out[i] = toBand(b)
	}
	return out
}
