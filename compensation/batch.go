package compensation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LIFECYCLE STATE - Approval-governance stage of a batch
// =============================================================================

type State string

const (
	StateDraft           State = "DRAFT"
	StatePreview         State = "PREVIEW"
	StateReconcile       State = "RECONCILE"
	StateOfficial        State = "OFFICIAL"
	StatePendingApproval State = "PENDING_APPROVAL"
	StateApproved        State = "APPROVED"
	StateRejected        State = "REJECTED"
	StatePosted          State = "POSTED"
	StateClosed          State = "CLOSED"
	StatePaid            State = "PAID"
	StatePublished       State = "PUBLISHED"
)

// States lists every state in declared order.
var States = []State{
	StateDraft, StatePreview, StateReconcile, StateOfficial, StatePendingApproval,
	StateApproved, StateRejected, StatePosted, StateClosed, StatePaid, StatePublished,
}

// Rank is the position of s in declared order, -1 when unknown.
func (s State) Rank() int {
	for i, st := range States {
		if st == s {
			return i
		}
	}
	return -1
}

func (s State) Valid() bool { return s.Rank() >= 0 }

// Recomputable reports whether a run may rewrite this batch in place.
func (s State) Recomputable() bool {
	return s == StateDraft || s == StatePreview || s == StateReconcile
}

// Supersedable reports whether a run may replace this batch with a new one.
func (s State) Supersedable() bool {
	return s == StateOfficial || s == StateRejected
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleApprover Role = "approver"
	RoleManager  Role = "manager"
	RoleViewer   Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleApprover, RoleManager, RoleViewer:
		return true
	}
	return false
}

type Actor struct {
	ID   string
	Role Role
}

// =============================================================================
// BATCH - One atomic, replaceable unit of results
// =============================================================================

// Lineage identifies the batches that compete to be "current".
type Lineage struct {
	TenantID  TenantID
	PeriodID  PeriodID
	RuleSetID RuleSetID
}

type Batch struct {
	ID           BatchID
	TenantID     TenantID
	PeriodID     PeriodID
	RuleSetID    RuleSetID
	State        State
	EntityCount  int
	Summary      Summary
	Snapshot     *OfficialSnapshot
	SupersededBy *BatchID
	SubmittedBy  string
	ApprovedBy   string
	CreatedBy    string
	CreatedAt    time.Time
	CalculatedAt time.Time
	UpdatedAt    time.Time
}

func (b Batch) Lineage() Lineage {
	return Lineage{TenantID: b.TenantID, PeriodID: b.PeriodID, RuleSetID: b.RuleSetID}
}

// IsCurrent reports whether no newer batch replaced this one.
func (b Batch) IsCurrent() bool { return b.SupersededBy == nil }

// OfficialSnapshot freezes the totals a batch had when it first became
// OFFICIAL. It is written once and never overwritten.
type OfficialSnapshot struct {
	TotalPayout     decimal.Decimal
	ComponentTotals map[string]decimal.Decimal
	EntityCount     int
	TakenAt         time.Time
	TakenBy         string
}

// =============================================================================
// SUMMARY - Batch aggregates
// =============================================================================

type EntityPayout struct {
	EntityID    EntityID
	TotalPayout decimal.Decimal
}

type Summary struct {
	TotalPayout        decimal.Decimal
	MedianPayout       decimal.Decimal
	ZeroPayoutCount    int
	EntityCount        int
	FlaggedEntityCount int
	ComponentTotals    map[string]decimal.Decimal
	Top                []EntityPayout
	Bottom             []EntityPayout
	Flags              []string
}

// =============================================================================
// RESULT - Per-entity payout with its audit trace
// =============================================================================

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Flags attached to results and summaries.
const (
	FlagLowConfidence         = "low_confidence"
	FlagNoSourceBucket        = "no_source_bucket"
	FlagNoMatchingRows        = "no_matching_rows"
	FlagFuzzyMatch            = "fuzzy_match"
	FlagNonNumericValue       = "non_numeric_value"
	FlagAmbiguousSelection    = "ambiguous_selection"
	FlagEvaluationError       = "evaluation_error"
	FlagOutOfRange            = "out_of_range"
	FlagMissingMetric         = "missing_metric"
	FlagAttainmentUnavailable = "attainment_unavailable"
	FlagUnresolvedMetric      = "unresolved_metric"
)

// ResolvedMetric is a metric value plus where it came from.
type ResolvedMetric struct {
	Value      decimal.Decimal
	Confidence Confidence
	Bucket     string
	SourceRows []string
	Flags      []string
}

// ComponentResult is one component's contribution. MatchedBand and Metrics
// are enough to reconstruct the payout without re-running the engine.
type ComponentResult struct {
	Name        string
	Type        ComponentType
	Payout      decimal.Decimal
	MatchedBand string
	Metrics     map[string]decimal.Decimal
	Flags       []string
}

type Result struct {
	ID            string
	BatchID       BatchID
	TenantID      TenantID
	EntityID      EntityID
	ExternalID    string
	TotalPayout   decimal.Decimal
	Variant       string
	VariantReason string
	Components    []ComponentResult
	Metrics       map[string]ResolvedMetric
	Attainment    *decimal.Decimal
	Flags         []string
	Error         string
}

// reviewFlags mark a result whose inputs or variant need a second look.
// out_of_range and attainment_unavailable describe the payout instead.
var reviewFlags = map[string]bool{
	FlagLowConfidence:      true,
	FlagNoSourceBucket:     true,
	FlagNoMatchingRows:     true,
	FlagFuzzyMatch:         true,
	FlagNonNumericValue:    true,
	FlagAmbiguousSelection: true,
	FlagEvaluationError:    true,
	FlagMissingMetric:      true,
}

// Flagged reports whether the entity hit any resolution, selection or
// evaluation flag.
func (r Result) Flagged() bool {
	for _, f := range r.Flags {
		if reviewFlags[f] {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSITION RECORD - Lifecycle audit trail
// =============================================================================

type TransitionRecord struct {
	ID      string
	BatchID BatchID
	From    State
	To      State
	ActorID string
	Role    Role
	Details string
	At      time.Time
}

// =============================================================================
// FLAG SETS
// =============================================================================

// MergeFlags returns the sorted union of the given flag lists.
func MergeFlags(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, f := range l {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
