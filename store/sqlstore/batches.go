package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/compensation"
)

// =============================================================================
// BATCH STORE (compensation.BatchStore interface)
// =============================================================================

const batchColumns = `
	id, tenant_id, period_id, rule_set_id, state, entity_count, summary_json,
	snapshot_json, superseded_by, submitted_by, approved_by, created_by,
	created_at, calculated_at, updated_at`

func (s *Store) CurrentBatch(ctx context.Context, lineage compensation.Lineage) (*compensation.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBatch(ctx, s.db, lineage)
}

func (s *Store) currentBatch(ctx context.Context, q queryer, lineage compensation.Lineage) (*compensation.Batch, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+batchColumns+`
		FROM calculation_batches
		WHERE tenant_id = ? AND period_id = ? AND rule_set_id = ? AND superseded_by IS NULL
	`), lineage.TenantID, lineage.PeriodID, lineage.RuleSetID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current batch: %w", err)
	}
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, tenantID compensation.TenantID, batchID compensation.BatchID) (*compensation.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+batchColumns+`
		FROM calculation_batches WHERE tenant_id = ? AND id = ?
	`), tenantID, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", compensation.ErrBatchNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBatches(ctx context.Context, f compensation.BatchFilter) ([]compensation.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + batchColumns + ` FROM calculation_batches WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.PeriodID != "" {
		query += ` AND period_id = ?`
		args = append(args, f.PeriodID)
	}
	if f.RuleSetID != "" {
		query += ` AND rule_set_id = ?`
		args = append(args, f.RuleSetID)
	}
	if !f.IncludeSuperseded {
		query += ` AND superseded_by IS NULL`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []compensation.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListResults(ctx context.Context, batchID compensation.BatchID) ([]compensation.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, batch_id, tenant_id, entity_id, external_id, total_payout, variant,
		       variant_reason, attainment, components_json, metrics_json, flags_json, error
		FROM calculation_results
		WHERE batch_id = ?
		ORDER BY entity_id
	`), batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []compensation.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WriteBatch persists a run in one transaction. See the package docs for
// the statement sequence.
func (s *Store) WriteBatch(ctx context.Context, w compensation.BatchWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := "write batch " + string(w.Batch.ID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &compensation.PersistenceError{Op: op, Err: err}
	}
	defer tx.Rollback()

	current, err := s.currentBatch(ctx, tx, w.Batch.Lineage())
	if err != nil {
		return &compensation.PersistenceError{Op: op, Err: err}
	}
	switch {
	case w.ExpectCurrent == nil && current != nil:
		return fmt.Errorf("%w: lineage already has current batch %s", compensation.ErrConcurrentModification, current.ID)
	case w.ExpectCurrent != nil && (current == nil || current.ID != *w.ExpectCurrent):
		return fmt.Errorf("%w: current batch changed", compensation.ErrConcurrentModification)
	}

	inPlace := current != nil && current.ID == w.Batch.ID
	if inPlace {
		if err := s.updateBatchTx(ctx, tx, w.Batch, w.ExpectState); err != nil {
			return wrapWrite(op, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM calculation_results WHERE batch_id = ?`), w.Batch.ID); err != nil {
			return &compensation.PersistenceError{Op: op, Err: err}
		}
	} else {
		if current != nil {
			if err := s.supersedeTx(ctx, tx, current.ID, w.Batch.ID); err != nil {
				return wrapWrite(op, err)
			}
		}
		if err := s.insertBatchTx(ctx, tx, w.Batch); err != nil {
			return wrapWrite(op, err)
		}
	}

	for _, r := range w.Results {
		if err := s.insertResultTx(ctx, tx, r); err != nil {
			return &compensation.PersistenceError{Op: op, Err: fmt.Errorf("result for %s: %w", r.EntityID, err)}
		}
	}
	if w.Record != nil {
		if err := s.insertTransitionTx(ctx, tx, *w.Record); err != nil {
			return &compensation.PersistenceError{Op: op, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &compensation.PersistenceError{Op: op, Err: err}
	}
	return nil
}

// wrapWrite passes compare-and-swap failures through and marks everything
// else as a persistence failure.
func wrapWrite(op string, err error) error {
	if errors.Is(err, compensation.ErrConcurrentModification) {
		return err
	}
	return &compensation.PersistenceError{Op: op, Err: err}
}

func (s *Store) updateBatchTx(ctx context.Context, tx *sql.Tx, b compensation.Batch, expected compensation.State) error {
	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE calculation_batches
		SET state = ?, entity_count = ?, summary_json = ?, calculated_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND superseded_by IS NULL AND snapshot_json IS NULL
	`), b.State, b.EntityCount, string(summary), formatTime(b.CalculatedAt), formatTime(b.UpdatedAt), b.ID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: batch %s is no longer an unofficial %s", compensation.ErrConcurrentModification, b.ID, expected)
	}
	return nil
}

func (s *Store) supersedeTx(ctx context.Context, tx *sql.Tx, prior, next compensation.BatchID) error {
	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE calculation_batches SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL
	`), next, prior)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: batch %s was already superseded", compensation.ErrConcurrentModification, prior)
	}
	return nil
}

func (s *Store) insertBatchTx(ctx context.Context, tx *sql.Tx, b compensation.Batch) error {
	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return err
	}
	var snapshot sql.NullString
	if b.Snapshot != nil {
		raw, err := json.Marshal(b.Snapshot)
		if err != nil {
			return err
		}
		snapshot = nullString(string(raw))
	}
	var supersededBy sql.NullString
	if b.SupersededBy != nil {
		supersededBy = nullString(string(*b.SupersededBy))
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO calculation_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		b.ID, b.TenantID, b.PeriodID, b.RuleSetID, b.State, b.EntityCount, string(summary),
		snapshot, supersededBy, b.SubmittedBy, b.ApprovedBy, b.CreatedBy,
		formatTime(b.CreatedAt), formatTime(b.CalculatedAt), formatTime(b.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: lineage gained a current batch concurrently", compensation.ErrConcurrentModification)
	}
	return err
}

func (s *Store) insertResultTx(ctx context.Context, tx *sql.Tx, r compensation.Result) error {
	components, err := json.Marshal(r.Components)
	if err != nil {
		return err
	}
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return err
	}
	flags, err := json.Marshal(r.Flags)
	if err != nil {
		return err
	}
	var attainment sql.NullString
	if r.Attainment != nil {
		attainment = nullString(r.Attainment.String())
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO calculation_results
		(id, batch_id, tenant_id, entity_id, external_id, total_payout, variant,
		 variant_reason, attainment, components_json, metrics_json, flags_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		r.ID, r.BatchID, r.TenantID, r.EntityID, r.ExternalID, r.TotalPayout.String(), r.Variant,
		r.VariantReason, attainment, string(components), string(metrics), string(flags), r.Error,
	)
	return err
}

// UpdateState applies one lifecycle transition and its audit record in a
// transaction. The UPDATE's WHERE clause is the compare-and-swap.
func (s *Store) UpdateState(ctx context.Context, c compensation.StateChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := "update state " + string(c.BatchID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &compensation.PersistenceError{Op: op, Err: err}
	}
	defer tx.Rollback()

	var snapshot sql.NullString
	if c.Snapshot != nil {
		raw, err := json.Marshal(c.Snapshot)
		if err != nil {
			return false, err
		}
		snapshot = nullString(string(raw))
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE calculation_batches
		SET state = ?,
		    updated_at = ?,
		    submitted_by = COALESCE(?, submitted_by),
		    approved_by = COALESCE(?, approved_by),
		    snapshot_json = COALESCE(snapshot_json, ?)
		WHERE id = ? AND state = ? AND superseded_by IS NULL
	`), c.To, formatTime(c.At), optional(c.SubmittedBy), optional(c.ApprovedBy), snapshot, c.BatchID, c.Expected)
	if err != nil {
		return false, &compensation.PersistenceError{Op: op, Err: err}
	}
	if n, _ := res.RowsAffected(); n != 1 {
		var exists int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM calculation_batches WHERE id = ?`), c.BatchID).Scan(&exists); err != nil {
			return false, &compensation.PersistenceError{Op: op, Err: err}
		}
		if exists == 0 {
			return false, fmt.Errorf("%w: %s", compensation.ErrBatchNotFound, c.BatchID)
		}
		return false, nil
	}

	if err := s.insertTransitionTx(ctx, tx, c.Record); err != nil {
		return false, &compensation.PersistenceError{Op: op, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return false, &compensation.PersistenceError{Op: op, Err: err}
	}
	return true, nil
}

func (s *Store) insertTransitionTx(ctx context.Context, tx *sql.Tx, rec compensation.TransitionRecord) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO batch_transitions (id, batch_id, from_state, to_state, actor_id, role, details, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.BatchID, rec.From, rec.To, rec.ActorID, rec.Role, rec.Details, formatTime(rec.At))
	return err
}

func (s *Store) ListTransitions(ctx context.Context, batchID compensation.BatchID) ([]compensation.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, batch_id, from_state, to_state, actor_id, role, details, at
		FROM batch_transitions WHERE batch_id = ? ORDER BY at, id
	`), batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []compensation.TransitionRecord
	for rows.Next() {
		var (
			rec compensation.TransitionRecord
			at  string
		)
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.From, &rec.To, &rec.ActorID, &rec.Role, &rec.Details, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.At = parseTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

func optional(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func scanBatch(sc scanner) (compensation.Batch, error) {
	var (
		b                                   compensation.Batch
		summary                             string
		snapshot, supersededBy              sql.NullString
		createdAt, calculatedAt, updatedAt string
	)
	err := sc.Scan(
		&b.ID, &b.TenantID, &b.PeriodID, &b.RuleSetID, &b.State, &b.EntityCount, &summary,
		&snapshot, &supersededBy, &b.SubmittedBy, &b.ApprovedBy, &b.CreatedBy,
		&createdAt, &calculatedAt, &updatedAt,
	)
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(summary), &b.Summary); err != nil {
		return b, fmt.Errorf("batch %s summary: %w", b.ID, err)
	}
	if snapshot.Valid {
		var snap compensation.OfficialSnapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return b, fmt.Errorf("batch %s snapshot: %w", b.ID, err)
		}
		b.Snapshot = &snap
	}
	if supersededBy.Valid {
		id := compensation.BatchID(supersededBy.String)
		b.SupersededBy = &id
	}
	b.CreatedAt = parseTime(createdAt)
	b.CalculatedAt = parseTime(calculatedAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func scanResult(sc scanner) (compensation.Result, error) {
	var (
		r                       compensation.Result
		total                   string
		attainment              sql.NullString
		components, metrics, fl string
	)
	err := sc.Scan(
		&r.ID, &r.BatchID, &r.TenantID, &r.EntityID, &r.ExternalID, &total, &r.Variant,
		&r.VariantReason, &attainment, &components, &metrics, &fl, &r.Error,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan result: %w", err)
	}
	r.TotalPayout = compensation.MustParseDecimal(total)
	if attainment.Valid {
		a, err := decimal.NewFromString(attainment.String)
		if err == nil {
			r.Attainment = &a
		}
	}
	if err := json.Unmarshal([]byte(components), &r.Components); err != nil {
		return r, fmt.Errorf("result %s components: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return r, fmt.Errorf("result %s metrics: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(fl), &r.Flags); err != nil {
		return r, fmt.Errorf("result %s flags: %w", r.ID, err)
	}
	return r, nil
}
