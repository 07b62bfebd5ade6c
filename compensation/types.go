/*
Package compensation provides the core domain model of the incentive engine.

PURPOSE:
  This package contains the types every other package speaks: tenant-scoped
  identifiers, the imported data rows the engine consumes, the declarative
  compensation plan (rule set), and the calculation batch and result records
  the engine produces. It holds no algorithms beyond small helpers; metric
  resolution lives in metrics/, evaluation in rules/, orchestration in calc/
  and approval governance in lifecycle/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: TenantID, PeriodID, EntityID, RuleSetID, BatchID
  - Period: A time bucket with a canonical key and open/closed status
  - Entity: A compensable actor (employee, store) with an attribute bag
  - CommittedRow: One normalized imported row inside a data_type bucket
  - Assignment: Links an entity to the rule set it is paid under

DESIGN PRINCIPLES:
  1. Tenant isolation: every record carries its TenantID
  2. Precision: money and metrics use decimal.Decimal, never float64
  3. Read-only inputs: periods, entities, rows and rule sets are never
     mutated by a calculation run
  4. Auditability: results carry the traces and flags that explain them

SEE ALSO:
  - value.go: Tagged scalar stored in CommittedRow.Data
  - ruleset.go: Plan, variants, components and band tables
  - batch.go: Calculation batches, results and lifecycle states
  - store.go: Persistence interfaces
*/
package compensation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type PeriodID string
type EntityID string
type RuleSetID string
type BatchID string

// =============================================================================
// PERIOD - Time bucket results are computed for
// =============================================================================

type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "open"
	PeriodClosed PeriodStatus = "closed"
)

// Period is immutable once created. Its Status moves independently of
// any calculation batch lifecycle.
type Period struct {
	ID       PeriodID
	TenantID TenantID
	Key      string // canonical key, e.g. "2025-03"
	Start    time.Time
	End      time.Time
	Status   PeriodStatus
}

// =============================================================================
// ENTITY - A compensable actor
// =============================================================================

// Entity is an employee, store or similar actor. Attributes hold the role,
// grouping keys (store_id, region) and anything else eligibility rules or
// group-level data joins refer to.
type Entity struct {
	ID         EntityID
	TenantID   TenantID
	ExternalID string
	Name       string
	Attributes map[string]string
	Active     bool
}

// Attribute returns an attribute value. The pseudo-fields "id" and
// "external_id" resolve to the entity's identifiers.
func (e Entity) Attribute(name string) (string, bool) {
	switch name {
	case "id":
		return string(e.ID), true
	case "external_id":
		return e.ExternalID, e.ExternalID != ""
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// =============================================================================
// COMMITTED DATA - Normalized rows produced by the import pipeline
// =============================================================================

// CommittedRow belongs to exactly one (tenant, period, data_type) bucket.
// An empty EntityID marks an aggregate row (store totals, team totals) that
// joins to entities through a field inside Data, never through the id.
type CommittedRow struct {
	ID       string
	TenantID TenantID
	PeriodID PeriodID
	DataType string
	EntityID EntityID
	Data     map[string]Value
}

// IsGroupLevel reports whether the row is an aggregate row.
func (r CommittedRow) IsGroupLevel() bool {
	return r.EntityID == ""
}

// =============================================================================
// ASSIGNMENT - Entity to rule set link
// =============================================================================

// Assignment determines which entities are evaluated for a plan. Many
// entities map to one rule set.
type Assignment struct {
	TenantID  TenantID
	EntityID  EntityID
	RuleSetID RuleSetID
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// MoneyPlaces is the precision payouts are rounded to.
const MoneyPlaces = 2

// RoundMoney rounds half away from zero to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// MustParseDecimal parses s or returns zero.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
