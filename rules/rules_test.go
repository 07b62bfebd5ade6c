package rules

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/compensation"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func band(min string, max *decimal.Decimal, label string) compensation.Band {
	return compensation.Band{Min: d(min), Max: max, Label: label}
}

// flatTiers pays 0 below 80, 100 in [80,120) and 250 from 120.
func flatTiers() compensation.TierConfig {
	return compensation.TierConfig{
		Metric: "attainment",
		Tiers: []compensation.Tier{
			{Band: band("0", dp("80"), "below"), Value: dp("0")},
			{Band: band("80", dp("120"), "target"), Value: dp("100")},
			{Band: band("120", nil, "stretch"), Value: dp("250")},
		},
	}
}

// =============================================================================
// TIER
// =============================================================================

func TestEvaluateTier_BoundariesBelongToUpperBand(t *testing.T) {
	cases := []struct {
		value  string
		payout string
		label  string
	}{
		{"0", "0", "below"},
		{"79.99", "0", "below"},
		{"80", "100", "target"},
		{"119.99", "100", "target"},
		{"120", "250", "stretch"},
		{"1000000", "250", "stretch"},
	}
	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			// GIVEN: a flat tier table and an attainment value
			// WHEN: the tier is evaluated
			out, err := EvaluateTier(flatTiers(), Metrics{"attainment": d(tc.value)})

			// THEN: the value lands in exactly one band
			require.NoError(t, err)
			assert.True(t, d(tc.payout).Equal(out.Payout), "payout %s", out.Payout)
			assert.Equal(t, []string{tc.label}, out.Trace.MatchedBandLabels)
			assert.True(t, d(tc.value).Equal(out.Trace.RawMetricValues["attainment"]))
		})
	}
}

func TestEvaluateTier_NegativeValueIsOutOfRange(t *testing.T) {
	// GIVEN: a metric below the first band
	out, err := EvaluateTier(flatTiers(), Metrics{"attainment": d("-5")})

	// THEN: zero payout with an out_of_range flag, not an error
	require.NoError(t, err)
	assert.True(t, out.Payout.IsZero())
	assert.Contains(t, out.Trace.Flags, compensation.FlagOutOfRange)
	assert.Empty(t, out.Trace.MatchedBandLabels)
}

func TestEvaluateTier_RateTier(t *testing.T) {
	// GIVEN: a rate tier table
	cfg := compensation.TierConfig{
		Metric: "revenue",
		Tiers: []compensation.Tier{
			{Band: band("0", dp("5000"), "base"), Rate: dp("0.02")},
			{Band: band("5000", nil, "accelerator"), Rate: dp("0.04")},
		},
	}

	// WHEN: revenue is in the accelerator band
	out, err := Evaluate(compensation.Component{Name: "rev", Type: compensation.ComponentTier, Enabled: true, Tier: &cfg},
		Metrics{"revenue": d("6500.555")})

	// THEN: the payout is rate x metric rounded to cents
	require.NoError(t, err)
	assert.Equal(t, "260.02", out.Payout.StringFixed(2))
}

// =============================================================================
// MATRIX
// =============================================================================

func storeMatrix() compensation.MatrixConfig {
	return compensation.MatrixConfig{
		RowMetric:    "store_attainment",
		ColumnMetric: "team_size",
		RowBands: []compensation.Band{
			band("0", dp("90"), "below"),
			band("90", dp("110"), "on_target"),
			band("110", nil, "above"),
		},
		ColumnBands: []compensation.Band{
			band("0", dp("10"), "small"),
			band("10", nil, "large"),
		},
		Payouts: [][]decimal.Decimal{
			{d("0"), d("0")},
			{d("250"), d("400")},
			{d("500"), d("800")},
		},
	}
}

func TestEvaluateMatrix_PicksCell(t *testing.T) {
	// GIVEN: an on-target store with a large team
	out, err := EvaluateMatrix(storeMatrix(), Metrics{"store_attainment": d("104"), "team_size": d("12")})

	// THEN: the [on_target][large] cell pays
	require.NoError(t, err)
	assert.True(t, d("400").Equal(out.Payout))
	assert.Equal(t, []string{"on_target", "large"}, out.Trace.MatchedBandLabels)
	assert.Len(t, out.Trace.RawMetricValues, 2)
}

func TestEvaluateMatrix_MissingColumnMetric(t *testing.T) {
	// GIVEN: only the row metric
	_, err := EvaluateMatrix(storeMatrix(), Metrics{"store_attainment": d("104")})

	// THEN: the evaluator reports the missing metric
	assert.True(t, errors.Is(err, ErrMissingMetric))
}

func TestValidateComponent_MatrixWithGapIsRejected(t *testing.T) {
	// GIVEN: row bands with a gap between 90 and 95
	cfg := storeMatrix()
	cfg.RowBands[1] = band("95", dp("110"), "on_target")

	// WHEN: validated
	err := ValidateComponent(compensation.Component{Name: "m", Type: compensation.ComponentMatrix, Matrix: &cfg})

	// THEN: the gap is named
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
}

func TestValidateComponent_MatrixDimensionMismatch(t *testing.T) {
	// GIVEN: a payout grid with a short row
	cfg := storeMatrix()
	cfg.Payouts[2] = []decimal.Decimal{d("500")}

	err := ValidateComponent(compensation.Component{Name: "m", Type: compensation.ComponentMatrix, Matrix: &cfg})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 3")
}

// =============================================================================
// PERCENTAGE / CONDITIONAL
// =============================================================================

func TestEvaluatePercentage(t *testing.T) {
	// GIVEN: 1% of store revenue
	c := compensation.Component{
		Name: "override", Type: compensation.ComponentPercentage, Enabled: true,
		Percentage: &compensation.PercentageConfig{AppliedToMetric: "store_revenue", Rate: d("0.01")},
	}

	out, err := Evaluate(c, Metrics{"store_revenue": d("48000")})

	require.NoError(t, err)
	assert.Equal(t, "480.00", out.Payout.StringFixed(2))
}

func TestEvaluateConditionalPercentage_FirstMatchingConditionWins(t *testing.T) {
	cfg := compensation.ConditionalPercentageConfig{
		AppliedToMetric: "revenue",
		Conditions: []compensation.RateCondition{
			{Metric: "units", Min: dp("100"), Rate: d("0.01"), Label: "high_volume"},
			{Metric: "units", Min: dp("50"), Max: dp("100"), Rate: d("0.005"), Label: "volume"},
		},
	}

	cases := []struct {
		units  string
		payout string
		label  []string
	}{
		{"120", "100", []string{"high_volume"}},
		{"100", "100", []string{"high_volume"}},
		{"70", "50", []string{"volume"}},
		{"49", "0", nil},
	}
	for _, tc := range cases {
		t.Run(tc.units, func(t *testing.T) {
			// GIVEN: revenue 10000 and a units count
			out, err := EvaluateConditionalPercentage(cfg, Metrics{"revenue": d("10000"), "units": d(tc.units)})

			// THEN: the first satisfied condition sets the rate
			require.NoError(t, err)
			assert.True(t, d(tc.payout).Equal(out.Payout), "payout %s", out.Payout)
			assert.Equal(t, tc.label, out.Trace.MatchedBandLabels)
		})
	}
}

// =============================================================================
// PARTITION VALIDATION
// =============================================================================

func TestValidatePartition(t *testing.T) {
	cases := []struct {
		name  string
		bands []compensation.Band
		want  string
	}{
		{"empty", nil, "no bands"},
		{"not from zero", []compensation.Band{band("10", nil, "a")}, "want 0"},
		{"overlap", []compensation.Band{band("0", dp("80"), "a"), band("70", nil, "b")}, "overlap"},
		{"bounded final", []compensation.Band{band("0", dp("80"), "a"), band("80", dp("100"), "b")}, "unbounded"},
		{"unbounded middle", []compensation.Band{band("0", nil, "a"), band("80", nil, "b")}, "not the final"},
		{"inverted", []compensation.Band{band("0", dp("0"), "a"), band("0", nil, "b")}, "empty or inverted"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePartition(tc.bands)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	assert.NoError(t, ValidatePartition([]compensation.Band{band("0", dp("80"), "a"), band("80", nil, "b")}))
}

func TestValidateRuleSet_UnderivedMetricIsConfigurationError(t *testing.T) {
	// GIVEN: a component reading a metric nothing derives
	tiers := flatTiers()
	rs := &compensation.RuleSet{
		ID: "rs",
		Variants: []compensation.Variant{{
			ID:         "default",
			Components: []compensation.Component{{Name: "t", Type: compensation.ComponentTier, Enabled: true, Tier: &tiers}},
		}},
	}

	err := ValidateRuleSet(rs)

	// THEN: a ConfigurationError naming the component
	require.Error(t, err)
	assert.True(t, errors.Is(err, compensation.ErrConfiguration))
	var cfgErr *compensation.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "t", cfgErr.Component)
	assert.Equal(t, "default", cfgErr.Variant)
}

func TestValidateRuleSet_DisabledComponentsAreSkipped(t *testing.T) {
	// GIVEN: a broken component that is disabled
	broken := compensation.TierConfig{Metric: "x"}
	rs := &compensation.RuleSet{
		ID: "rs",
		Variants: []compensation.Variant{{
			ID:         "default",
			Components: []compensation.Component{{Name: "off", Type: compensation.ComponentTier, Enabled: false, Tier: &broken}},
		}},
	}

	assert.NoError(t, ValidateRuleSet(rs))
}

// =============================================================================
// VARIANT SELECTION
// =============================================================================

func variants() []compensation.Variant {
	return []compensation.Variant{
		{ID: "manager", Eligibility: compensation.Eligibility{All: []compensation.Condition{
			{Field: "role", Op: compensation.CondEq, Value: "manager"},
		}}},
		{ID: "associate", Eligibility: compensation.Eligibility{All: []compensation.Condition{
			{Field: "role", Op: compensation.CondIn, Values: []string{"associate", "senior_associate"}},
		}}},
		{ID: "store-101", Eligibility: compensation.Eligibility{All: []compensation.Condition{
			{Field: "store_id", Op: compensation.CondEq, Value: "101"},
		}}},
	}
}

func entity(attrs map[string]string) compensation.Entity {
	return compensation.Entity{ID: "e1", Attributes: attrs}
}

func TestSelectVariant_SingleMatch(t *testing.T) {
	sel, err := SelectVariant(entity(map[string]string{"role": "Associate", "store_id": "102"}), variants())

	require.NoError(t, err)
	assert.Equal(t, "associate", sel.Variant.ID)
	assert.False(t, sel.Ambiguous)
	assert.Contains(t, sel.Reason, "associate")
}

func TestSelectVariant_MultipleMatchesUseFirstAndFlag(t *testing.T) {
	// GIVEN: a manager at store 101 matches two variants
	sel, err := SelectVariant(entity(map[string]string{"role": "manager", "store_id": "101"}), variants())

	// THEN: declared order wins and the choice is marked ambiguous
	require.NoError(t, err)
	assert.Equal(t, "manager", sel.Variant.ID)
	assert.Equal(t, 0, sel.Index)
	assert.True(t, sel.Ambiguous)
	assert.Equal(t, []string{"manager", "store-101"}, sel.Matches)
}

func TestSelectVariant_NoMatchDefaultsToFirst(t *testing.T) {
	sel, err := SelectVariant(entity(map[string]string{"role": "cashier"}), variants())

	require.NoError(t, err)
	assert.Equal(t, "manager", sel.Variant.ID)
	assert.True(t, sel.Ambiguous)
	assert.Empty(t, sel.Matches)
	assert.Contains(t, sel.Reason, "no variant eligible")
}

func TestSelectVariant_NoVariants(t *testing.T) {
	_, err := SelectVariant(entity(nil), nil)
	assert.True(t, errors.Is(err, compensation.ErrConfiguration))
}

func TestEligible_NegativeOperators(t *testing.T) {
	e := entity(map[string]string{"role": "associate"})

	assert.True(t, Eligible(e, compensation.Eligibility{All: []compensation.Condition{{Field: "region", Op: compensation.CondNe, Value: "west"}}}))
	assert.True(t, Eligible(e, compensation.Eligibility{All: []compensation.Condition{{Field: "role", Op: compensation.CondNotIn, Values: []string{"manager"}}}}))
	assert.False(t, Eligible(e, compensation.Eligibility{All: []compensation.Condition{{Field: "region", Op: compensation.CondExists}}}))
	assert.True(t, Eligible(e, compensation.Eligibility{}))
}
