/*
Package calc runs compensation calculations and serves their results.

PURPOSE:
  A run takes (tenant, period, rule set), evaluates every assigned, active
  entity and persists the whole result set as one batch. The orchestrator
  owns the order of operations; the metric resolver, evaluators and variant
  selector it calls are pure.

RUN STEPS:
  1. Load period, rule set and assigned entities (read-only)
  2. Validate the rule set; a ConfigurationError aborts before any write
  3. Allocate the batch: new, recomputed in place, or superseding
  4. Bind derivations to data buckets once (metrics.Plan)
  5. Fan out per entity over a bounded errgroup: resolve, select, evaluate
  6. Fan in, summarize, then write batch + results in one transaction

BATCH ALLOCATION (by lineage = tenant, period, rule set):
  no current batch                 -> new PREVIEW batch
  current DRAFT/PREVIEW/RECONCILE  -> same batch id, results replaced, PREVIEW
  current OFFICIAL/REJECTED        -> new PREVIEW batch, old one superseded
  current ever reached OFFICIAL    -> same as above, its snapshot is kept
  anything later                   -> ErrRecalculationLocked

FAILURE POLICY:
  An entity whose components read a metric with no source bucket or no
  matching rows is paid 0 and keeps its low_confidence flags.
  One entity failing (including a panic) yields total_payout 0 with an
  evaluation_error flag; the rest of the batch continues. Cancelling the
  context discards every in-flight result and writes nothing.

SEE ALSO:
  - summary.go: Batch aggregates
  - reports.go: Visibility-scoped reads
  - lifecycle/machine.go: State changes after a run
*/
package calc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/logger"
	"github.com/warp/incentive-engine/metrics"
	"github.com/warp/incentive-engine/rules"
)

const (
	DefaultWorkers = 8
	DefaultTopN    = 5
)

// Store is what a run reads and writes.
type Store interface {
	compensation.ReferenceStore
	compensation.BatchStore
}

type Options struct {
	Workers int
	TopN    int
}

type Orchestrator struct {
	store    Store
	resolver *metrics.Resolver
	log      *logger.Logger
	workers  int
	topN     int

	// Now and NewBatchID are replaceable for tests.
	Now        func() time.Time
	NewBatchID func() compensation.BatchID
}

func NewOrchestrator(store Store, resolver *metrics.Resolver, log *logger.Logger, opts Options) *Orchestrator {
	if resolver == nil {
		resolver = metrics.NewResolver(metrics.Options{Threshold: metrics.DefaultThreshold})
	}
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.TopN < 1 {
		opts.TopN = DefaultTopN
	}
	return &Orchestrator{
		store:      store,
		resolver:   resolver,
		log:        log,
		workers:    opts.Workers,
		topN:       opts.TopN,
		Now:        func() time.Time { return time.Now().UTC() },
		NewBatchID: func() compensation.BatchID { return compensation.BatchID(uuid.NewString()) },
	}
}

// =============================================================================
// RUN
// =============================================================================

type RunRequest struct {
	TenantID  compensation.TenantID
	PeriodID  compensation.PeriodID
	RuleSetID compensation.RuleSetID
	Actor     compensation.Actor
}

// Allocation says how a run placed its batch in the lineage.
type Allocation string

const (
	AllocationCreated    Allocation = "created"
	AllocationRecomputed Allocation = "recomputed"
	AllocationSuperseded Allocation = "superseded"
)

type RunOutcome struct {
	Batch       compensation.Batch
	Allocation  Allocation
	Superseded  *compensation.BatchID
	TotalPayout decimal.Decimal
	EntityCount int
}

// Run executes one calculation and persists it atomically.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	if req.TenantID == "" || req.PeriodID == "" || req.RuleSetID == "" {
		return nil, fmt.Errorf("%w: tenant, period and rule set are required", compensation.ErrInvalidInput)
	}
	log := o.log.With("tenant", req.TenantID, "period", req.PeriodID, "rule_set", req.RuleSetID)

	period, err := o.store.GetPeriod(ctx, req.TenantID, req.PeriodID)
	if err != nil {
		return nil, err
	}
	rs, err := o.store.GetRuleSet(ctx, req.TenantID, req.RuleSetID)
	if err != nil {
		return nil, err
	}
	if err := rules.ValidateRuleSet(rs); err != nil {
		log.Error("calculation aborted: invalid rule set", "error", err)
		return nil, err
	}
	entities, err := o.store.ListAssignedEntities(ctx, req.TenantID, req.RuleSetID)
	if err != nil {
		return nil, err
	}

	lineage := compensation.Lineage{TenantID: req.TenantID, PeriodID: period.ID, RuleSetID: rs.ID}
	current, err := o.store.CurrentBatch(ctx, lineage)
	if err != nil {
		return nil, err
	}
	write, alloc, err := o.allocate(lineage, current, req.Actor)
	if err != nil {
		return nil, err
	}
	batchID := write.Batch.ID
	log = log.With("batch", batchID)
	log.Info("calculation started", "entities", len(entities), "allocation", alloc)

	rows, err := o.store.ListRows(ctx, req.TenantID, period.ID)
	if err != nil {
		return nil, err
	}
	plan := o.resolver.Prepare(metrics.NewDataSet(rows), rs.Bindings)

	results, err := o.evaluateAll(ctx, log, plan, rs, batchID, entities)
	if err != nil {
		log.Error("calculation aborted", "error", err)
		return nil, err
	}

	now := o.Now()
	write.Batch.State = compensation.StatePreview
	write.Batch.EntityCount = len(results)
	write.Batch.Summary = Summarize(results, plan.Buckets(), o.topN)
	write.Batch.CalculatedAt = now
	write.Batch.UpdatedAt = now
	write.Results = results

	// Last chance to honour cancellation: nothing has been written yet.
	if err := ctx.Err(); err != nil {
		log.Error("calculation aborted before write", "error", err)
		return nil, fmt.Errorf("calculation aborted: %w", err)
	}
	if err := o.store.WriteBatch(ctx, write); err != nil {
		log.Error("batch write failed", "error", err)
		return nil, err
	}

	out := &RunOutcome{
		Batch:       write.Batch,
		Allocation:  alloc,
		TotalPayout: write.Batch.Summary.TotalPayout,
		EntityCount: write.Batch.EntityCount,
	}
	if alloc == AllocationSuperseded {
		out.Superseded = write.ExpectCurrent
	}
	log.Info("calculation finished",
		"entities", out.EntityCount,
		"total_payout", out.TotalPayout.StringFixed(compensation.MoneyPlaces),
		"flagged", write.Batch.Summary.FlaggedEntityCount)
	return out, nil
}

// allocate decides which batch the run writes and the compare-and-swap
// expectations that guard the write.
func (o *Orchestrator) allocate(lineage compensation.Lineage, current *compensation.Batch, actor compensation.Actor) (compensation.BatchWrite, Allocation, error) {
	now := o.Now()
	fresh := compensation.Batch{
		ID:        o.NewBatchID(),
		TenantID:  lineage.TenantID,
		PeriodID:  lineage.PeriodID,
		RuleSetID: lineage.RuleSetID,
		State:     compensation.StatePreview,
		CreatedBy: actor.ID,
		CreatedAt: now,
	}

	switch {
	case current == nil:
		return compensation.BatchWrite{Batch: fresh}, AllocationCreated, nil
	case current.State.Recomputable() && current.Snapshot == nil:
		id := current.ID
		w := compensation.BatchWrite{Batch: *current, ExpectCurrent: &id, ExpectState: current.State}
		if current.State != compensation.StatePreview {
			w.Record = &compensation.TransitionRecord{
				ID:      uuid.NewString(),
				BatchID: current.ID,
				From:    current.State,
				To:      compensation.StatePreview,
				ActorID: actor.ID,
				Role:    actor.Role,
				Details: "recalculated",
				At:      now,
			}
		}
		return w, AllocationRecomputed, nil
	case current.State.Recomputable(), current.State.Supersedable():
		// A batch that was ever OFFICIAL keeps its rows; re-runs get a new id.
		id := current.ID
		return compensation.BatchWrite{Batch: fresh, ExpectCurrent: &id}, AllocationSuperseded, nil
	default:
		return compensation.BatchWrite{}, "", fmt.Errorf("%w: batch %s is %s",
			compensation.ErrRecalculationLocked, current.ID, current.State)
	}
}

// =============================================================================
// FAN-OUT / FAN-IN
// =============================================================================

func (o *Orchestrator) evaluateAll(
	ctx context.Context,
	log *logger.Logger,
	plan *metrics.Plan,
	rs *compensation.RuleSet,
	batchID compensation.BatchID,
	entities []compensation.Entity,
) ([]compensation.Result, error) {
	results := make([]compensation.Result, len(entities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, e := range entities {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = o.evaluateEntity(log, plan, rs, batchID, e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("calculation aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("calculation aborted: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].EntityID < results[j].EntityID })
	return results, nil
}

// evaluateEntity never fails: errors and panics become a zero payout with
// an evaluation_error flag.
func (o *Orchestrator) evaluateEntity(
	log *logger.Logger,
	plan *metrics.Plan,
	rs *compensation.RuleSet,
	batchID compensation.BatchID,
	e compensation.Entity,
) (res compensation.Result) {
	res = compensation.Result{
		ID:          resultID(batchID, e.ID),
		BatchID:     batchID,
		TenantID:    e.TenantID,
		EntityID:    e.ID,
		ExternalID:  e.ExternalID,
		TotalPayout: decimal.Zero,
	}
	defer func() {
		if r := recover(); r != nil {
			res = o.failed(log, res, fmt.Errorf("panic: %v", r))
		}
	}()

	resolved := plan.Resolve(e)
	res.Metrics = resolved

	values := make(rules.Metrics, len(resolved))
	flagLists := make([][]string, 0, len(resolved)+2)
	for name, m := range resolved {
		values[name] = m.Value
		flagLists = append(flagLists, m.Flags)
	}

	sel, err := rules.SelectVariant(e, rs.Variants)
	if err != nil {
		return o.failed(log, res, err)
	}
	res.Variant = sel.Variant.ID
	res.VariantReason = sel.Reason
	if sel.Ambiguous {
		flagLists = append(flagLists, []string{compensation.FlagAmbiguousSelection})
	}

	total := decimal.Zero
	for _, c := range sel.Variant.Components {
		if !c.Enabled {
			continue
		}
		out, err := rules.Evaluate(c, values)
		if err != nil {
			res.Flags = compensation.MergeFlags(flagLists...)
			if errors.Is(err, rules.ErrMissingMetric) {
				res.Flags = compensation.MergeFlags(res.Flags, []string{compensation.FlagMissingMetric})
			}
			return o.failed(log, res, err)
		}
		res.Components = append(res.Components, compensation.ComponentResult{
			Name:        c.Name,
			Type:        c.Type,
			Payout:      out.Payout,
			MatchedBand: strings.Join(out.Trace.MatchedBandLabels, " x "),
			Metrics:     out.Trace.RawMetricValues,
			Flags:       compensation.MergeFlags(out.Trace.Flags),
		})
		flagLists = append(flagLists, out.Trace.Flags)
		total = total.Add(out.Payout)
	}
	res.TotalPayout = total

	// An entity paid from metrics that found no source data earns nothing;
	// the resolution flags explain why.
	if readsMissingData(res.Components, resolved) {
		for i := range res.Components {
			res.Components[i].Payout = decimal.Zero
		}
		res.TotalPayout = decimal.Zero
	}

	if rs.Attainment != nil {
		if pct, ok := attainment(*rs.Attainment, resolved); ok {
			res.Attainment = &pct
		} else {
			flagLists = append(flagLists, []string{compensation.FlagAttainmentUnavailable})
		}
	}

	res.Flags = compensation.MergeFlags(flagLists...)
	return res
}

func (o *Orchestrator) failed(log *logger.Logger, res compensation.Result, err error) compensation.Result {
	log.Warn("entity evaluation failed", "entity", res.EntityID, "error", err)
	res.TotalPayout = decimal.Zero
	res.Components = nil
	res.Attainment = nil
	res.Error = err.Error()
	res.Flags = compensation.MergeFlags(res.Flags, []string{compensation.FlagEvaluationError})
	return res
}

// readsMissingData reports whether any component read a metric that matched
// no bucket or no rows.
func readsMissingData(components []compensation.ComponentResult, resolved map[string]compensation.ResolvedMetric) bool {
	for _, c := range components {
		for name := range c.Metrics {
			m, ok := resolved[name]
			if !ok {
				continue
			}
			if slices.Contains(m.Flags, compensation.FlagNoSourceBucket) || slices.Contains(m.Flags, compensation.FlagNoMatchingRows) {
				return true
			}
		}
	}
	return false
}

// attainment is metric / target * 100. A defaulted metric or a zero target
// makes it unavailable.
func attainment(spec compensation.AttainmentSpec, resolved map[string]compensation.ResolvedMetric) (decimal.Decimal, bool) {
	actual, ok := resolved[spec.Metric]
	if !ok || actual.Confidence == compensation.ConfidenceLow {
		return decimal.Zero, false
	}
	var target decimal.Decimal
	switch {
	case spec.Target != nil:
		target = *spec.Target
	case spec.TargetMetric != "":
		t, ok := resolved[spec.TargetMetric]
		if !ok || t.Confidence == compensation.ConfidenceLow {
			return decimal.Zero, false
		}
		target = t.Value
	default:
		return decimal.Zero, false
	}
	if target.IsZero() {
		return decimal.Zero, false
	}
	return actual.Value.Div(target).Mul(decimal.NewFromInt(100)).Round(compensation.MoneyPlaces), true
}

// resultID is stable per (batch, entity) so an in-place recompute rewrites
// the same row ids.
func resultID(batchID compensation.BatchID, entityID compensation.EntityID) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(batchID)+"/"+string(entityID))).String()
}
