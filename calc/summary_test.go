package calc

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/compensation/store"
)

func result(id compensation.EntityID, payout string, flags ...string) compensation.Result {
	return compensation.Result{
		EntityID:    id,
		TotalPayout: decimal.RequireFromString(payout),
		Flags:       flags,
		Components: []compensation.ComponentResult{
			{Name: "base", Payout: decimal.RequireFromString(payout)},
		},
	}
}

func TestSummarize_Totals(t *testing.T) {
	// GIVEN: four results, one zero and one flagged
	results := []compensation.Result{
		result("a", "100.00"),
		result("b", "0"),
		result("c", "50.25", compensation.FlagLowConfidence),
		result("d", "300"),
	}

	// WHEN: summarized
	s := Summarize(results, map[string]string{"revenue": "Sales", "target": ""}, 2)

	// THEN: totals, counts, median and extremes
	assertMoney(t, "450.25", s.TotalPayout)
	assertMoney(t, "450.25", s.ComponentTotals["base"])
	assert.Equal(t, 4, s.EntityCount)
	assert.Equal(t, 1, s.ZeroPayoutCount)
	assert.Equal(t, 1, s.FlaggedEntityCount)
	assertMoney(t, "75.13", s.MedianPayout, "average of 50.25 and 100 rounded half away from zero")
	assert.Equal(t, []compensation.EntityID{"d", "a"}, ids(s.Top))
	assert.Equal(t, []compensation.EntityID{"b", "c"}, ids(s.Bottom))
	assert.Equal(t, []string{"unresolved_metric:target"}, s.Flags)
}

func TestSummarize_PayoutNotesAreNotFlags(t *testing.T) {
	// GIVEN: results noting only the payout shape, and one fuzzy match
	results := []compensation.Result{
		result("a", "0", compensation.FlagOutOfRange),
		result("b", "10", compensation.FlagAttainmentUnavailable),
		result("c", "10", compensation.FlagFuzzyMatch, compensation.FlagOutOfRange),
	}

	s := Summarize(results, nil, 5)

	// THEN: only the resolution flag counts
	assert.Equal(t, 1, s.FlaggedEntityCount)
	assert.False(t, results[0].Flagged())
	assert.True(t, results[2].Flagged())
}

func TestSummarize_TiesOrderedByEntityID(t *testing.T) {
	results := []compensation.Result{result("z", "10"), result("m", "10"), result("a", "10")}

	s := Summarize(results, nil, 5)

	assert.Equal(t, []compensation.EntityID{"a", "m", "z"}, ids(s.Top))
	assert.Equal(t, []compensation.EntityID{"a", "m", "z"}, ids(s.Bottom))
	assertMoney(t, "10.00", s.MedianPayout)
	assert.Empty(t, s.Flags)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, nil, 5)

	assert.True(t, s.TotalPayout.IsZero())
	assert.True(t, s.MedianPayout.IsZero())
	assert.Empty(t, s.Top)
	assert.Empty(t, s.Bottom)
}

func ids(ps []compensation.EntityPayout) []compensation.EntityID {
	out := make([]compensation.EntityID, len(ps))
	for i, p := range ps {
		out[i] = p.EntityID
	}
	return out
}

// =============================================================================
// REPORTS
// =============================================================================

func TestReports_VisibilityByRole(t *testing.T) {
	// GIVEN: one PREVIEW batch
	mem := store.NewMemory()
	ctx := context.Background()
	b := compensation.Batch{ID: "b1", TenantID: tenant, PeriodID: period, RuleSetID: "rev", State: compensation.StatePreview}
	require.NoError(t, mem.WriteBatch(ctx, compensation.BatchWrite{Batch: b}))
	reports := NewReports(mem)

	viewer := compensation.Actor{ID: "v", Role: compensation.RoleViewer}
	approver := compensation.Actor{ID: "ap", Role: compensation.RoleApprover}

	// WHEN/THEN: admins see it; approvers and viewers do not
	got, err := reports.GetBatch(ctx, tenant, "b1", admin)
	require.NoError(t, err)
	assert.Equal(t, compensation.BatchID("b1"), got.ID)

	_, err = reports.GetBatch(ctx, tenant, "b1", approver)
	assert.True(t, errors.Is(err, compensation.ErrNotVisible))
	assert.True(t, compensation.IsNotFound(err))

	_, err = reports.Results(ctx, tenant, "b1", viewer)
	assert.True(t, errors.Is(err, compensation.ErrNotVisible))

	list, err := reports.ListBatches(ctx, compensation.BatchFilter{TenantID: tenant}, viewer)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = reports.ListBatches(ctx, compensation.BatchFilter{TenantID: tenant}, admin)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReports_PostedIsVisibleToEveryone(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	b := compensation.Batch{ID: "b1", TenantID: tenant, PeriodID: period, RuleSetID: "rev", State: compensation.StatePosted}
	require.NoError(t, mem.WriteBatch(ctx, compensation.BatchWrite{Batch: b}))

	for _, role := range []compensation.Role{compensation.RoleViewer, compensation.RoleManager, compensation.RoleApprover} {
		_, err := NewReports(mem).GetBatch(ctx, tenant, "b1", compensation.Actor{ID: "x", Role: role})
		assert.NoError(t, err, role)
	}
}
