/*
store.go - Persistence interfaces for reference data, batches and results

PURPOSE:
  Defines the interface between the engine and the database. Reference data
  (periods, entities, rule sets, assignments, committed rows) is read-only
  to the engine; batches and results are the only records a run mutates.

KEY INTERFACES:
  ReferenceStore: Lookup-by-tenant reads of upstream data
  BatchStore:     Batch/result persistence with the idempotency guard
  AdminStore:     Writes used by upstream administration and import flows

IDEMPOTENCY GUARD:
  WriteBatch replaces a batch's results wholesale inside one transaction:
    DELETE FROM results WHERE batch_id = X; INSERT new rows
  Readers never observe a partially replaced batch. A write that creates a
  new batch marks the lineage's previous current batch superseded in the
  same transaction and never deletes its rows.

COMPARE-AND-SWAP:
  WriteBatch checks BatchWrite.ExpectCurrent against the lineage's current
  batch; UpdateState checks StateChange.Expected against the batch's state.
  A mismatch returns ErrConcurrentModification and writes nothing.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - compensation/store: In-memory for tests and development

SEE ALSO:
  - calc/orchestrator.go: Produces BatchWrite
  - lifecycle/machine.go: Produces StateChange
*/
package compensation

import (
	"context"
	"time"
)

// =============================================================================
// REFERENCE STORE - Upstream data, read-only during a run
// =============================================================================

type ReferenceStore interface {
	GetPeriod(ctx context.Context, tenantID TenantID, periodID PeriodID) (*Period, error)
	GetRuleSet(ctx context.Context, tenantID TenantID, ruleSetID RuleSetID) (*RuleSet, error)

	// ListAssignedEntities returns active entities assigned to the rule set,
	// ordered by entity id.
	ListAssignedEntities(ctx context.Context, tenantID TenantID, ruleSetID RuleSetID) ([]Entity, error)

	// ListRows returns every committed row of the period, ordered by
	// data type then row id.
	ListRows(ctx context.Context, tenantID TenantID, periodID PeriodID) ([]CommittedRow, error)
}

// =============================================================================
// BATCH STORE - Results and lifecycle state
// =============================================================================

// BatchWrite is everything one run persists, applied atomically.
type BatchWrite struct {
	Batch   Batch
	Results []Result

	// ExpectCurrent is the lineage's current batch id the run was planned
	// against; nil means "no current batch".
	ExpectCurrent *BatchID

	// ExpectState guards in-place recomputation; empty for new batches.
	// An in-place write also requires the batch to carry no OFFICIAL
	// snapshot, so a batch that went OFFICIAL and back is never rewritten.
	ExpectState State

	// Record audits a state change made by the write itself (a DRAFT or
	// RECONCILE batch recomputed into PREVIEW). Nil when the state is kept.
	Record *TransitionRecord
}

// StateChange is one compare-and-swap lifecycle update.
type StateChange struct {
	BatchID     BatchID
	Expected    State
	To          State
	SubmittedBy *string
	ApprovedBy  *string
	Snapshot    *OfficialSnapshot
	Record      TransitionRecord
	At          time.Time
}

type BatchFilter struct {
	TenantID          TenantID
	PeriodID          PeriodID
	RuleSetID         RuleSetID
	IncludeSuperseded bool
}

type BatchStore interface {
	// CurrentBatch returns the lineage's non-superseded batch, or nil.
	CurrentBatch(ctx context.Context, lineage Lineage) (*Batch, error)
	GetBatch(ctx context.Context, tenantID TenantID, batchID BatchID) (*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)

	// ListResults returns the batch's results ordered by entity id.
	ListResults(ctx context.Context, batchID BatchID) ([]Result, error)

	// WriteBatch persists a run atomically (see package docs above).
	WriteBatch(ctx context.Context, w BatchWrite) error

	// UpdateState applies a lifecycle transition if the batch is still in
	// the expected state. Returns false when the swap lost.
	UpdateState(ctx context.Context, change StateChange) (bool, error)

	ListTransitions(ctx context.Context, batchID BatchID) ([]TransitionRecord, error)
}

// =============================================================================
// ADMIN STORE - Upstream administration and import
// =============================================================================

// RuleSetDocument is a stored plan document (the JSON the factory parses).
type RuleSetDocument struct {
	ID        RuleSetID
	TenantID  TenantID
	Name      string
	Version   int
	Document  string
	CreatedAt time.Time
}

type AdminStore interface {
	SavePeriod(ctx context.Context, p Period) error
	SaveEntity(ctx context.Context, e Entity) error
	SaveRuleSet(ctx context.Context, doc RuleSetDocument) error
	SaveAssignment(ctx context.Context, a Assignment) error
	AppendRows(ctx context.Context, rows []CommittedRow) error
	ListPeriods(ctx context.Context, tenantID TenantID) ([]Period, error)
	ListEntities(ctx context.Context, tenantID TenantID) ([]Entity, error)
	ListRuleSets(ctx context.Context, tenantID TenantID) ([]RuleSetDocument, error)
}

// Repository is the full surface a deployment provides.
type Repository interface {
	ReferenceStore
	BatchStore
	AdminStore
}
