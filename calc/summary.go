package calc

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/compensation"
)

// Summarize aggregates a batch's results. buckets maps each derived metric
// to the data bucket it bound to ("" when none); unbound metrics become
// batch-level unresolved_metric:<name> flags.
func Summarize(results []compensation.Result, buckets map[string]string, topN int) compensation.Summary {
	s := compensation.Summary{
		TotalPayout:     decimal.Zero,
		MedianPayout:    decimal.Zero,
		EntityCount:     len(results),
		ComponentTotals: make(map[string]decimal.Decimal),
	}

	payouts := make([]compensation.EntityPayout, len(results))
	var failed bool
	for i, r := range results {
		s.TotalPayout = s.TotalPayout.Add(r.TotalPayout)
		if r.TotalPayout.IsZero() {
			s.ZeroPayoutCount++
		}
		if r.Flagged() {
			s.FlaggedEntityCount++
		}
		if r.Error != "" {
			failed = true
		}
		for _, c := range r.Components {
			s.ComponentTotals[c.Name] = s.ComponentTotals[c.Name].Add(c.Payout)
		}
		payouts[i] = compensation.EntityPayout{EntityID: r.EntityID, TotalPayout: r.TotalPayout}
	}

	s.MedianPayout = median(payouts)
	s.Top, s.Bottom = extremes(payouts, topN)

	var flags []string
	for metric, bucket := range buckets {
		if bucket == "" {
			flags = append(flags, compensation.FlagUnresolvedMetric+":"+metric)
		}
	}
	if failed {
		flags = append(flags, compensation.FlagEvaluationError)
	}
	s.Flags = compensation.MergeFlags(flags)
	return s
}

func median(payouts []compensation.EntityPayout) decimal.Decimal {
	n := len(payouts)
	if n == 0 {
		return decimal.Zero
	}
	values := make([]decimal.Decimal, n)
	for i, p := range payouts {
		values[i] = p.TotalPayout
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })
	if n%2 == 1 {
		return values[n/2]
	}
	return compensation.RoundMoney(values[n/2-1].Add(values[n/2]).Div(decimal.NewFromInt(2)))
}

// extremes returns the n highest and n lowest payouts. Equal payouts are
// ordered by entity id in both lists.
func extremes(payouts []compensation.EntityPayout, n int) (top, bottom []compensation.EntityPayout) {
	if n > len(payouts) {
		n = len(payouts)
	}
	sorted := append([]compensation.EntityPayout(nil), payouts...)

	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].TotalPayout.Cmp(sorted[j].TotalPayout); c != 0 {
			return c > 0
		}
		return sorted[i].EntityID < sorted[j].EntityID
	})
	top = append([]compensation.EntityPayout(nil), sorted[:n]...)

	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].TotalPayout.Cmp(sorted[j].TotalPayout); c != 0 {
			return c < 0
		}
		return sorted[i].EntityID < sorted[j].EntityID
	})
	bottom = append([]compensation.EntityPayout(nil), sorted[:n]...)
	return top, bottom
}
