/*
Package metrics resolves named business metrics from committed data rows.

PURPOSE:
  Imported data arrives as loosely structured rows grouped into data_type
  buckets whose names are whatever the source sheet was called. A rule set
  declares metric derivations ("revenue = sum of amount in the Sales Detail
  bucket for this entity"). This package binds each derivation to a bucket,
  filters that bucket's rows to the target entity (or its group), and
  aggregates a single decimal per metric.

RESOLUTION STEPS (per derivation):
  1. Bucket: match source_pattern against bucket names with the rule set's
     Matcher (exact/glob first, token-overlap fallback unless match_mode is
     exact). Done once per run, not per entity.
  2. Scope:  entity scope keeps rows whose entity_id is the entity, or whose
     entity key fields carry its external id; group scope keeps aggregate
     rows whose join field equals the entity's group attribute.
  3. Aggregate: sum | avg | first | min | max | count over the numeric field.

MISSING DATA:
  No bucket, no rows or no numeric values resolve to 0 with low confidence
  and a flag. This never aborts resolution for other metrics or entities.

CONFIDENCE:
  high    bucket found by exact name or glob
  medium  bucket found by token overlap (also flagged fuzzy_match)
  low     metric defaulted to 0

USAGE:
  r := metrics.NewResolver(metrics.Options{Threshold: 0.5})
  plan := r.Prepare(metrics.NewDataSet(rows), ruleSet.Bindings)
  resolved := plan.Resolve(entity)

SEE ALSO:
  - matcher.go: Bucket matching strategies
  - dataset.go: Row grouping and indexes
  - calc/orchestrator.go: Prepares one plan per run
*/
package metrics

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/compensation"
)

// Options configures a Resolver.
type Options struct {
	// Threshold is the minimum token overlap for fuzzy bucket matches.
	Threshold float64
	StopWords []string

	// EntityKeyFields override DefaultEntityKeyFields.
	EntityKeyFields []string

	// Exact and Fuzzy replace the default strategies.
	Exact Matcher
	Fuzzy Matcher

	// ExactOnly ignores fuzzy match_mode and never falls back to overlap.
	ExactOnly bool
}

// Resolver binds derivations to data. It holds no per-run state.
type Resolver struct {
	exact     Matcher
	fuzzy     Matcher
	stop      map[string]bool
	keyFields []string
	exactOnly bool
}

func NewResolver(opts Options) *Resolver {
	stopWords := opts.StopWords
	if stopWords == nil {
		stopWords = DefaultStopWords
	}
	r := &Resolver{
		exact:     opts.Exact,
		fuzzy:     opts.Fuzzy,
		stop:      stopSet(stopWords),
		keyFields: opts.EntityKeyFields,
		exactOnly: opts.ExactOnly,
	}
	if r.exact == nil {
		r.exact = ExactMatcher{}
	}
	if r.fuzzy == nil {
		r.fuzzy = NewFuzzyMatcher(opts.Threshold, stopWords)
	}
	if len(r.keyFields) == 0 {
		r.keyFields = DefaultEntityKeyFields
	}
	return r
}

// MatcherFor returns the bucket matcher for a rule set's match mode.
func (r *Resolver) MatcherFor(mode compensation.MatchMode) Matcher {
	if mode == compensation.MatchExact || r.exactOnly {
		return r.exact
	}
	return Chain{r.exact, r.fuzzy}
}

// Resolve is the one-shot form: load the period's rows, prepare a plan and
// resolve a single entity. Batch runs use Prepare once and Plan.Resolve per
// entity instead.
func (r *Resolver) Resolve(
	ctx context.Context,
	store compensation.ReferenceStore,
	tenantID compensation.TenantID,
	periodID compensation.PeriodID,
	entity compensation.Entity,
	bindings compensation.InputBindings,
) (map[string]compensation.ResolvedMetric, error) {
	rows, err := store.ListRows(ctx, tenantID, periodID)
	if err != nil {
		return nil, err
	}
	return r.Prepare(NewDataSet(rows), bindings).Resolve(entity), nil
}

// =============================================================================
// PLAN - derivations bound to buckets, shared read-only by workers
// =============================================================================

type boundDerivation struct {
	compensation.Derivation
	bucket    Candidate
	found     bool
	index     *bucketIndex
	fieldNorm string
}

// Plan is the per-run binding of every derivation to its bucket.
type Plan struct {
	derivations []boundDerivation
	stop        map[string]bool
	keyFields   map[string]bool
}

// Prepare matches every derivation's source pattern once and builds the
// indexes its scope needs. The returned Plan is safe for concurrent use.
func (r *Resolver) Prepare(ds *DataSet, bindings compensation.InputBindings) *Plan {
	matcher := r.MatcherFor(bindings.MatchMode)
	names := ds.DataTypes()

	plan := &Plan{stop: r.stop, keyFields: make(map[string]bool)}
	for _, f := range r.keyFields {
		plan.keyFields[f] = true
	}

	indexes := make(map[string]*bucketIndex)
	for _, d := range bindings.Derivations {
		bd := boundDerivation{Derivation: d, fieldNorm: Normalize(d.Metric, r.stop)}
		bd.bucket, bd.found = matcher.Match(d.SourcePattern, names)
		if bd.found {
			idx, ok := indexes[bd.bucket.Name]
			if !ok {
				idx = newBucketIndex(ds.Rows(bd.bucket.Name), r.keyFields)
				indexes[bd.bucket.Name] = idx
			}
			if d.Scope == compensation.ScopeGroup {
				_, field := d.GroupKeys()
				idx.addJoin(field)
				plan.keyFields[field] = true
			}
			bd.index = idx
		}
		plan.derivations = append(plan.derivations, bd)
	}
	return plan
}

// Buckets reports which bucket each metric bound to ("" when none).
func (p *Plan) Buckets() map[string]string {
	out := make(map[string]string, len(p.derivations))
	for _, d := range p.derivations {
		if d.found {
			out[d.Metric] = d.bucket.Name
		} else {
			out[d.Metric] = ""
		}
	}
	return out
}

// Resolve computes every derived metric for one entity.
func (p *Plan) Resolve(entity compensation.Entity) map[string]compensation.ResolvedMetric {
	out := make(map[string]compensation.ResolvedMetric, len(p.derivations))
	for _, d := range p.derivations {
		out[d.Metric] = p.resolveOne(d, entity)
	}
	return out
}

func (p *Plan) resolveOne(d boundDerivation, entity compensation.Entity) compensation.ResolvedMetric {
	if !d.found {
		return lowConfidence("", nil, compensation.FlagNoSourceBucket)
	}

	var rows []compensation.CommittedRow
	if d.Scope == compensation.ScopeGroup {
		attr, field := d.GroupKeys()
		rows = d.index.groupRowsFor(entity, attr, field)
	} else {
		rows = d.index.entityRows(entity)
	}
	if len(rows) == 0 {
		return lowConfidence(d.bucket.Name, nil, compensation.FlagNoMatchingRows)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	if d.Operation == compensation.OpCount {
		return p.confident(d, decimal.NewFromInt(int64(len(rows))), ids, nil)
	}

	var (
		values []decimal.Decimal
		flags  []string
	)
	for _, r := range rows {
		v, ok := p.numericField(d, r)
		if !ok {
			flags = append(flags, compensation.FlagNonNumericValue)
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return lowConfidence(d.bucket.Name, ids, flags...)
	}
	return p.confident(d, aggregate(d.Operation, values), ids, flags)
}

func (p *Plan) confident(d boundDerivation, v decimal.Decimal, ids []string, flags []string) compensation.ResolvedMetric {
	conf := compensation.ConfidenceHigh
	if d.bucket.Strategy == StrategyFuzzy {
		conf = compensation.ConfidenceMedium
		flags = append(flags, compensation.FlagFuzzyMatch)
	}
	return compensation.ResolvedMetric{
		Value:      v,
		Confidence: conf,
		Bucket:     d.bucket.Name,
		SourceRows: ids,
		Flags:      compensation.MergeFlags(flags),
	}
}

// numericField picks the value a row contributes: the configured field,
// else the key named like the metric, else the row's only numeric key that
// is not an entity or join key.
func (p *Plan) numericField(d boundDerivation, r compensation.CommittedRow) (decimal.Decimal, bool) {
	if d.Field != "" {
		v, ok := r.Data[d.Field]
		if !ok {
			return decimal.Zero, false
		}
		return v.Number()
	}

	var (
		only  decimal.Decimal
		count int
	)
	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := r.Data[k]
		if Normalize(k, p.stop) == d.fieldNorm {
			return v.Number()
		}
		if p.keyFields[k] {
			continue
		}
		if n, ok := v.Number(); ok {
			only = n
			count++
		}
	}
	if count == 1 {
		return only, true
	}
	return decimal.Zero, false
}

func aggregate(op compensation.Operation, values []decimal.Decimal) decimal.Decimal {
	switch op {
	case compensation.OpFirst:
		return values[0]
	case compensation.OpMin:
		return decimal.Min(values[0], values[1:]...)
	case compensation.OpMax:
		return decimal.Max(values[0], values[1:]...)
	case compensation.OpAvg:
		return decimal.Avg(values[0], values[1:]...)
	default:
		return decimal.Sum(values[0], values[1:]...)
	}
}

func lowConfidence(bucket string, ids []string, flags ...string) compensation.ResolvedMetric {
	return compensation.ResolvedMetric{
		Value:      decimal.Zero,
		Confidence: compensation.ConfidenceLow,
		Bucket:     bucket,
		SourceRows: ids,
		Flags:      compensation.MergeFlags(flags, []string{compensation.FlagLowConfidence}),
	}
}
