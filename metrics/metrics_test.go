package metrics

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/compensation"
)

// =============================================================================
// TOKENS
// =============================================================================

func TestTokenize(t *testing.T) {
	stop := stopSet(DefaultStopWords)
	cases := map[string][]string{
		"StoreSales_2025 Data":   {"store", "sales", "2025"},
		"HTTPServer":             {"http", "server"},
		"Datos de Ventas":        {"ventas"},
		"Sales Detail":           {"sales", "detail"},
		"attainment-pct":         {"attainment", "pct"},
		"Attainment Summary - Q1": {"attainment", "summary", "q", "1"},
	}
	for in, want := range cases {
		assert.Equal(t, want, Tokenize(in, stop), in)
	}
	assert.Empty(t, Tokenize("the data sheet", stop))
}

func TestOverlap(t *testing.T) {
	assert.Equal(t, 1.0, Overlap([]string{"a", "b"}, []string{"b", "a"}))
	assert.Equal(t, 0.5, Overlap([]string{"a", "b"}, []string{"a", "b", "c", "d"}))
	assert.Equal(t, 0.0, Overlap(nil, []string{"a"}))
}

// =============================================================================
// MATCHERS
// =============================================================================

func TestExactMatcher(t *testing.T) {
	names := []string{"Sales Detail", "sales detail", "Store Totals", "Targets Q1", "Targets Q2"}

	c, ok := ExactMatcher{}.Match("sales detail", names)
	require.True(t, ok)
	assert.Equal(t, "sales detail", c.Name)

	// GIVEN: a case-insensitive hit with two twins
	c, ok = ExactMatcher{}.Match("SALES DETAIL", names)
	require.True(t, ok)
	assert.Equal(t, "Sales Detail", c.Name, "smallest byte-order twin wins")

	// GIVEN: a glob matching two buckets
	c, ok = ExactMatcher{}.Match("targets*", names)
	require.True(t, ok)
	assert.Equal(t, "Targets Q1", c.Name)
	assert.Equal(t, StrategyGlob, c.Strategy)

	_, ok = ExactMatcher{}.Match("Sales", names)
	assert.False(t, ok)
}

func TestFuzzyMatcher_TieBreaksOnName(t *testing.T) {
	// GIVEN: two buckets scoring the same overlap, imported in reverse order
	names := []string{"Sales Store B", "Sales Store A"}

	// WHEN: matched repeatedly
	m := NewFuzzyMatcher(0.5, nil)
	for i := 0; i < 5; i++ {
		c, ok := m.Match("store sales", names)

		// THEN: the lexicographically smallest always wins
		require.True(t, ok)
		assert.Equal(t, "Sales Store A", c.Name)
		assert.Equal(t, StrategyFuzzy, c.Strategy)
	}
}

func TestFuzzyMatcher_BelowThreshold(t *testing.T) {
	m := NewFuzzyMatcher(0.5, nil)
	_, ok := m.Match("attainment", []string{"Quarterly Attainment Results"})
	assert.False(t, ok, "1/3 overlap is below 0.5")
}

// =============================================================================
// RESOLVER
// =============================================================================

func num(f float64) compensation.Value { return compensation.NumberFloat(f) }

func row(id, dataType string, entityID compensation.EntityID, data map[string]compensation.Value) compensation.CommittedRow {
	return compensation.CommittedRow{ID: id, TenantID: "t1", PeriodID: "p1", DataType: dataType, EntityID: entityID, Data: data}
}

func TestPlan_EntitySumAcrossRows(t *testing.T) {
	// GIVEN: two sales rows of 100 and 50 for one entity
	ds := NewDataSet([]compensation.CommittedRow{
		row("r2", "Sales", "e1", map[string]compensation.Value{"amount": num(50)}),
		row("r1", "Sales", "e1", map[string]compensation.Value{"amount": num(100)}),
		row("r3", "Sales", "e2", map[string]compensation.Value{"amount": num(999)}),
	})
	bindings := compensation.InputBindings{MatchMode: compensation.MatchExact, Derivations: []compensation.Derivation{
		{Metric: "revenue", SourcePattern: "Sales", Operation: compensation.OpSum, Scope: compensation.ScopeEntity, Field: "amount"},
	}}

	// WHEN: resolved
	got := NewResolver(Options{}).Prepare(ds, bindings).Resolve(compensation.Entity{ID: "e1"})

	// THEN: 150 with high confidence and both rows traced
	m := got["revenue"]
	assert.True(t, decimal.NewFromInt(150).Equal(m.Value))
	assert.Equal(t, compensation.ConfidenceHigh, m.Confidence)
	assert.Equal(t, []string{"r1", "r2"}, m.SourceRows)
	assert.Empty(t, m.Flags)
}

func TestPlan_EntityJoinedByExternalIDKeyField(t *testing.T) {
	// GIVEN: rows carrying only employee_id, the metric read from the
	// row's only non-key numeric field
	ds := NewDataSet([]compensation.CommittedRow{
		row("a1", "Attainment", "", map[string]compensation.Value{
			"employee_id":    compensation.Text("E-7"),
			"attainment_pct": compensation.Text("104.5%"),
		}),
	})
	bindings := compensation.InputBindings{MatchMode: compensation.MatchExact, Derivations: []compensation.Derivation{
		{Metric: "attainment", SourcePattern: "attainment", Operation: compensation.OpFirst, Scope: compensation.ScopeEntity},
	}}

	got := NewResolver(Options{}).Prepare(ds, bindings).Resolve(compensation.Entity{ID: "e7", ExternalID: "e-7"})

	m := got["attainment"]
	assert.True(t, decimal.RequireFromString("104.5").Equal(m.Value), "got %s", m.Value)
	assert.Equal(t, compensation.ConfidenceHigh, m.Confidence)
}

func TestPlan_GroupScopePrefersAggregateRows(t *testing.T) {
	// GIVEN: one aggregate store row and member rows for another store
	ds := NewDataSet([]compensation.CommittedRow{
		row("s101", "Store Totals", "", map[string]compensation.Value{"store_id": num(101), "revenue": num(48000)}),
		row("m1", "Store Totals", "e9", map[string]compensation.Value{"store_id": compensation.Text("102"), "revenue": num(700)}),
		row("m2", "Store Totals", "e8", map[string]compensation.Value{"store_id": compensation.Text("102"), "revenue": num(300)}),
	})
	bindings := compensation.InputBindings{MatchMode: compensation.MatchExact, Derivations: []compensation.Derivation{
		{Metric: "store_revenue", SourcePattern: "Store Totals", Operation: compensation.OpSum, Scope: compensation.ScopeGroup, Field: "revenue", GroupAttribute: "store_id"},
	}}
	plan := NewResolver(Options{}).Prepare(ds, bindings)

	// WHEN: a store-101 entity resolves (numeric join value 101 vs attribute "101")
	got101 := plan.Resolve(compensation.Entity{ID: "e1", Attributes: map[string]string{"store_id": "101"}})
	// AND: a store-102 entity resolves with no aggregate row
	got102 := plan.Resolve(compensation.Entity{ID: "e2", Attributes: map[string]string{"store_id": "102"}})

	// THEN: the aggregate row is used for 101 and members roll up for 102
	assert.True(t, decimal.NewFromInt(48000).Equal(got101["store_revenue"].Value))
	assert.Equal(t, []string{"s101"}, got101["store_revenue"].SourceRows)
	assert.True(t, decimal.NewFromInt(1000).Equal(got102["store_revenue"].Value))
}

func TestPlan_MissingDataIsLowConfidenceZero(t *testing.T) {
	ds := NewDataSet([]compensation.CommittedRow{
		row("r1", "Sales", "e1", map[string]compensation.Value{"amount": num(10)}),
	})
	bindings := compensation.InputBindings{MatchMode: compensation.MatchExact, Derivations: []compensation.Derivation{
		{Metric: "revenue", SourcePattern: "Sales", Operation: compensation.OpSum, Scope: compensation.ScopeEntity, Field: "amount"},
		{Metric: "target", SourcePattern: "Targets", Operation: compensation.OpFirst, Scope: compensation.ScopeEntity},
	}}
	plan := NewResolver(Options{}).Prepare(ds, bindings)

	// WHEN: an entity with no rows resolves
	got := plan.Resolve(compensation.Entity{ID: "e2"})

	// THEN: both metrics are zero, low confidence, and say why
	rev := got["revenue"]
	assert.True(t, rev.Value.IsZero())
	assert.Equal(t, compensation.ConfidenceLow, rev.Confidence)
	assert.Contains(t, rev.Flags, compensation.FlagNoMatchingRows)
	assert.Contains(t, rev.Flags, compensation.FlagLowConfidence)

	tgt := got["target"]
	assert.Contains(t, tgt.Flags, compensation.FlagNoSourceBucket)
	assert.Equal(t, "", plan.Buckets()["target"])
	assert.Equal(t, "Sales", plan.Buckets()["revenue"])
}

func TestPlan_FuzzyMatchIsMediumConfidence(t *testing.T) {
	ds := NewDataSet([]compensation.CommittedRow{
		row("r1", "Attainment Summary - Q1", "e1", map[string]compensation.Value{"attainment": num(95)}),
	})
	bindings := compensation.InputBindings{MatchMode: compensation.MatchFuzzy, Derivations: []compensation.Derivation{
		{Metric: "attainment", SourcePattern: "attainment summary", Operation: compensation.OpSum, Scope: compensation.ScopeEntity},
	}}

	got := NewResolver(Options{}).Prepare(ds, bindings).Resolve(compensation.Entity{ID: "e1"})

	m := got["attainment"]
	assert.True(t, decimal.NewFromInt(95).Equal(m.Value))
	assert.Equal(t, compensation.ConfidenceMedium, m.Confidence)
	assert.Contains(t, m.Flags, compensation.FlagFuzzyMatch)

	// GIVEN: the same data with fuzzy matching switched off globally
	got = NewResolver(Options{ExactOnly: true}).Prepare(ds, bindings).Resolve(compensation.Entity{ID: "e1"})
	assert.Contains(t, got["attainment"].Flags, compensation.FlagNoSourceBucket)
}

func TestPlan_NonNumericValuesAreSkipped(t *testing.T) {
	ds := NewDataSet([]compensation.CommittedRow{
		row("r1", "Sales", "e1", map[string]compensation.Value{"amount": compensation.Text("n/a")}),
		row("r2", "Sales", "e1", map[string]compensation.Value{"amount": compensation.Text("$1,200.50")}),
	})
	bindings := compensation.InputBindings{MatchMode: compensation.MatchExact, Derivations: []compensation.Derivation{
		{Metric: "revenue", SourcePattern: "Sales", Operation: compensation.OpSum, Scope: compensation.ScopeEntity, Field: "amount"},
	}}

	m := NewResolver(Options{}).Prepare(ds, bindings).Resolve(compensation.Entity{ID: "e1"})["revenue"]

	assert.True(t, decimal.RequireFromString("1200.50").Equal(m.Value))
	assert.Contains(t, m.Flags, compensation.FlagNonNumericValue)
	assert.Equal(t, compensation.ConfidenceHigh, m.Confidence)
}

func TestPlan_Count(t *testing.T) {
	ds := NewDataSet([]compensation.CommittedRow{
		row("r1", "Visits", "e1", map[string]compensation.Value{"note": compensation.Text("x")}),
		row("r2", "Visits", "e1", map[string]compensation.Value{"note": compensation.Text("y")}),
	})
	bindings := compensation.InputBindings{MatchMode: compensation.MatchExact, Derivations: []compensation.Derivation{
		{Metric: "visits", SourcePattern: "Visits", Operation: compensation.OpCount, Scope: compensation.ScopeEntity},
	}}

	m := NewResolver(Options{}).Prepare(ds, bindings).Resolve(compensation.Entity{ID: "e1"})["visits"]
	assert.True(t, decimal.NewFromInt(2).Equal(m.Value))
}
