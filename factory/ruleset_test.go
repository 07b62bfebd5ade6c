package factory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/rules"
)

func TestParseRuleSet_RetailFloorPreset(t *testing.T) {
	// GIVEN: the retail floor preset
	f := NewRuleSetFactory()

	// WHEN: parsed
	rs, err := f.ParseRuleSet("t1", RetailFloorPlanJSON("floor", "Floor"))

	// THEN: every part of the document is decoded
	require.NoError(t, err)
	assert.Equal(t, compensation.RuleSetID("floor"), rs.ID)
	assert.Equal(t, compensation.TenantID("t1"), rs.TenantID)
	assert.Equal(t, compensation.MatchFuzzy, rs.Bindings.MatchMode)
	require.Len(t, rs.Bindings.Derivations, 6)
	assert.Equal(t, compensation.ScopeGroup, rs.Bindings.Derivations[3].Scope)
	assert.Equal(t, "store_id", rs.Bindings.Derivations[3].GroupAttribute)
	require.NotNil(t, rs.Attainment)
	assert.Equal(t, "revenue_target", rs.Attainment.TargetMetric)

	require.Len(t, rs.Variants, 2)
	manager := rs.Variants[0]
	assert.Equal(t, "Store Manager", manager.Name)
	require.Len(t, manager.Components, 2)
	matrix := manager.Components[1].Matrix
	require.NotNil(t, matrix)
	assert.Len(t, matrix.RowBands, 3)
	assert.Nil(t, matrix.RowBands[2].Max)
	assert.Equal(t, "400", matrix.Payouts[1][1].String())

	associate := rs.Variants[1]
	assert.Equal(t, compensation.CondIn, associate.Eligibility.All[0].Op)
	tier := associate.Components[0].Tier
	require.NotNil(t, tier)
	require.NotNil(t, tier.Tiers[1].Rate)
	assert.Equal(t, "0.03", tier.Tiers[1].Rate.String())
	assert.Nil(t, tier.Tiers[1].Value)
	assert.Len(t, associate.Components[1].Conditional.Conditions, 2)

	// AND: it passes run-time validation
	assert.NoError(t, rules.ValidateRuleSet(rs))
}

func TestParseRuleSet_FlatTierDefaults(t *testing.T) {
	rs, err := NewRuleSetFactory().ParseRuleSet("t1", FlatTierPlanJSON("q", "Quarterly", "attainment", "attainment summary"))

	require.NoError(t, err)
	assert.Equal(t, 1, rs.Version)
	d := rs.Bindings.Derivations[0]
	assert.Equal(t, compensation.OpSum, d.Operation)
	assert.Equal(t, compensation.ScopeEntity, d.Scope)
	assert.Empty(t, d.Field)
	assert.Equal(t, "default", rs.Variants[0].ID)
	assert.True(t, rs.Variants[0].Components[0].Enabled)
	assert.NoError(t, rules.ValidateRuleSet(rs))
}

func TestParseRuleSet_Rejections(t *testing.T) {
	cases := map[string]string{
		"no id":          `{"variants": [{"components": []}]}`,
		"no variants":    `{"id": "x", "variants": []}`,
		"match mode":     `{"id": "x", "input_bindings": {"match_mode": "regex"}, "variants": [{}]}`,
		"operation":      `{"id": "x", "input_bindings": {"metric_derivations": [{"metric_name": "m", "source_pattern": "S", "operation": "median"}]}, "variants": [{}]}`,
		"scope":          `{"id": "x", "input_bindings": {"metric_derivations": [{"metric_name": "m", "source_pattern": "S", "scope": "region"}]}, "variants": [{}]}`,
		"twice":          `{"id": "x", "input_bindings": {"metric_derivations": [{"metric_name": "m", "source_pattern": "S"}, {"metric_name": "m", "source_pattern": "T"}]}, "variants": [{}]}`,
		"eligibility op": `{"id": "x", "variants": [{"eligibility": {"all": [{"field": "role", "op": "gt", "value": "1"}]}}]}`,
		"component type": `{"id": "x", "variants": [{"components": [{"name": "c", "type": "bonus", "config": {}}]}]}`,
		"no config":      `{"id": "x", "variants": [{"components": [{"name": "c", "type": "tier"}]}]}`,
		"duplicate":      `{"id": "x", "variants": [{"components": [{"name": "c", "type": "percentage", "config": {"rate": 1}}, {"name": "c", "type": "percentage", "config": {"rate": 1}}]}]}`,
		"attainment":     `{"id": "x", "attainment": {"metric": "revenue"}, "variants": [{}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRuleSetFactory().ParseRuleSet("t1", doc)

			var ce *compensation.ConfigurationError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.True(t, compensation.IsClientError(err))
		})
	}
}

func TestParseRuleSet_MalformedJSON(t *testing.T) {
	_, err := NewRuleSetFactory().ParseRuleSet("t1", `{"id": "x",`)

	assert.True(t, errors.Is(err, compensation.ErrInvalidInput))
}

func TestParseRuleSet_DisabledComponent(t *testing.T) {
	doc := `{"id": "x", "variants": [{"components": [
	  {"name": "off", "type": "percentage", "enabled": false, "config": {"applied_to_metric": "m", "rate": 0.1}}
	]}]}`

	rs, err := NewRuleSetFactory().ParseRuleSet("t1", doc)

	require.NoError(t, err)
	assert.False(t, rs.Variants[0].Components[0].Enabled)
	assert.Equal(t, "variant-1", rs.Variants[0].ID)
}
