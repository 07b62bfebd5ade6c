/*
Package sqlstore provides a SQL-backed compensation.Repository.

PURPOSE:
  Implements every persistence interface (ReferenceStore, BatchStore,
  AdminStore) over database/sql. SQLite (mattn/go-sqlite3) is the default
  driver; PostgreSQL (lib/pq) uses the same schema and queries, with "?"
  placeholders rebound to "$n".

IDEMPOTENCY GUARD:
  WriteBatch runs in one transaction:
    - new batch:     mark the prior current batch superseded (CAS on
                     superseded_by IS NULL), INSERT the new batch
    - in place:      UPDATE the batch (CAS on state and snapshot_json IS
                     NULL), DELETE its results
    - always:        INSERT every result row, then the transition record
                     when the write changed the batch's state
  Any failure rolls the whole transaction back. Prior batches' result rows
  are never deleted.

KEY TABLES:
  periods, entities, rule_sets, assignments, committed_rows   reference data
  calculation_batches                                          one row per batch
  calculation_results                                          one row per (batch, entity)
  batch_transitions                                            lifecycle audit trail

INDEXES:
  - idx_batches_current_lineage: at most one current batch per lineage
    (partial unique index WHERE superseded_by IS NULL)
  - idx_results_batch_entity: one result per entity per batch
  - idx_rows_period_type: the resolver's period load

CONCURRENCY:
  SQLite is opened with a single connection; a RWMutex serializes writers.
  PostgreSQL relies on the CAS predicates and the unique index.

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/incentives.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - compensation/store.go: Interface definitions
  - compensation/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/factory"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements compensation.Repository over database/sql.
type Store struct {
	db      *sql.DB
	driver  string
	mu      sync.RWMutex
	factory *factory.RuleSetFactory
}

var _ compensation.Repository = (*Store)(nil)

// New opens a SQLite database at path. Use ":memory:" for a throwaway
// database.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open connects with the given driver ("sqlite3" or "postgres") and
// migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection: ":memory:" databases are per-connection, and a
		// single writer avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
	}

	s := &Store{db: db, driver: driver, factory: factory.NewRuleSetFactory()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS periods (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS entities (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		attributes_json TEXT NOT NULL DEFAULT '{}',
		active INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS rule_sets (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		document TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS assignments (
		tenant_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		rule_set_id TEXT NOT NULL,
		PRIMARY KEY (tenant_id, entity_id, rule_set_id)
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_rule_set
		ON assignments(tenant_id, rule_set_id);

	CREATE TABLE IF NOT EXISTS committed_rows (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period_id TEXT NOT NULL,
		data_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		row_data_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rows_period_type
		ON committed_rows(tenant_id, period_id, data_type);

	CREATE TABLE IF NOT EXISTS calculation_batches (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period_id TEXT NOT NULL,
		rule_set_id TEXT NOT NULL,
		state TEXT NOT NULL,
		entity_count INTEGER NOT NULL DEFAULT 0,
		summary_json TEXT NOT NULL,
		snapshot_json TEXT,
		superseded_by TEXT,
		submitted_by TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		calculated_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one current batch per (tenant, period, rule set)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_current_lineage
		ON calculation_batches(tenant_id, period_id, rule_set_id)
		WHERE superseded_by IS NULL;

	CREATE INDEX IF NOT EXISTS idx_batches_tenant
		ON calculation_batches(tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS calculation_results (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		total_payout TEXT NOT NULL,
		variant TEXT NOT NULL DEFAULT '',
		variant_reason TEXT NOT NULL DEFAULT '',
		attainment TEXT,
		components_json TEXT NOT NULL,
		metrics_json TEXT NOT NULL,
		flags_json TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_results_batch_entity
		ON calculation_results(batch_id, entity_id);

	CREATE TABLE IF NOT EXISTS batch_transitions (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		role TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_batch
		ON batch_transitions(batch_id, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes every row. Used by scenario loading.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"batch_transitions", "calculation_results", "calculation_batches",
		"committed_rows", "assignments", "rule_sets", "entities", "periods",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites "?" placeholders for drivers that number them.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation recognizes unique and primary-key violations from
// either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
