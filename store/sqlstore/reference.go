package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/incentive-engine/compensation"
)

// =============================================================================
// ADMIN STORE (compensation.AdminStore interface)
// =============================================================================

// SavePeriod inserts or replaces a period.
func (s *Store) SavePeriod(ctx context.Context, p compensation.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO periods (tenant_id, id, period_key, start_date, end_date, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			period_key = excluded.period_key,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		p.TenantID, p.ID, p.Key, formatTime(p.Start), formatTime(p.End), string(p.Status))
	if err != nil {
		return fmt.Errorf("failed to save period: %w", err)
	}
	return nil
}

func (s *Store) SaveEntity(ctx context.Context, e compensation.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO entities (tenant_id, id, external_id, name, attributes_json, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			external_id = excluded.external_id,
			name = excluded.name,
			attributes_json = excluded.attributes_json,
			active = excluded.active
	`
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		e.TenantID, e.ID, e.ExternalID, e.Name, string(attrsJSON), boolInt(e.Active))
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// SaveRuleSet stores a rule-set document after checking that it parses.
// Band partitions are validated at run time, not here.
func (s *Store) SaveRuleSet(ctx context.Context, doc compensation.RuleSetDocument) error {
	if _, err := s.factory.ParseRuleSet(doc.TenantID, doc.Document); err != nil {
		return err
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.Version == 0 {
		doc.Version = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rule_sets (tenant_id, id, name, version, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			document = excluded.document
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		doc.TenantID, doc.ID, doc.Name, doc.Version, doc.Document, formatTime(doc.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save rule set: %w", err)
	}
	return nil
}

func (s *Store) SaveAssignment(ctx context.Context, a compensation.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO assignments (tenant_id, entity_id, rule_set_id)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, entity_id, rule_set_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), a.TenantID, a.EntityID, a.RuleSetID); err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

// AppendRows inserts committed rows atomically. Rows without an id get one.
func (s *Store) AppendRows(ctx context.Context, rows []compensation.CommittedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(`
		INSERT INTO committed_rows (id, tenant_id, period_id, data_type, entity_id, row_data_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		data, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Errorf("row %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, r.ID, r.TenantID, r.PeriodID, r.DataType, string(r.EntityID), string(data)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate row id %s", compensation.ErrInvalidInput, r.ID)
			}
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListPeriods(ctx context.Context, tenantID compensation.TenantID) ([]compensation.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT tenant_id, id, period_key, start_date, end_date, status
		FROM periods WHERE tenant_id = ? ORDER BY id
	`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var out []compensation.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListEntities(ctx context.Context, tenantID compensation.TenantID) ([]compensation.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntities(ctx, `
		SELECT tenant_id, id, external_id, name, attributes_json, active
		FROM entities WHERE tenant_id = ? ORDER BY id
	`, tenantID)
}

func (s *Store) ListRuleSets(ctx context.Context, tenantID compensation.TenantID) ([]compensation.RuleSetDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT tenant_id, id, name, version, document, created_at
		FROM rule_sets WHERE tenant_id = ? ORDER BY id
	`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule sets: %w", err)
	}
	defer rows.Close()

	var out []compensation.RuleSetDocument
	for rows.Next() {
		var (
			doc       compensation.RuleSetDocument
			createdAt string
		)
		if err := rows.Scan(&doc.TenantID, &doc.ID, &doc.Name, &doc.Version, &doc.Document, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule set: %w", err)
		}
		doc.CreatedAt = parseTime(createdAt)
		out = append(out, doc)
	}
	return out, rows.Err()
}

// =============================================================================
// REFERENCE STORE (compensation.ReferenceStore interface)
// =============================================================================

func (s *Store) GetPeriod(ctx context.Context, tenantID compensation.TenantID, periodID compensation.PeriodID) (*compensation.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT tenant_id, id, period_key, start_date, end_date, status
		FROM periods WHERE tenant_id = ? AND id = ?
	`), tenantID, periodID)
	p, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", compensation.ErrPeriodNotFound, periodID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetRuleSet loads and parses the stored document. The stored id wins over
// whatever id the document carries.
func (s *Store) GetRuleSet(ctx context.Context, tenantID compensation.TenantID, ruleSetID compensation.RuleSetID) (*compensation.RuleSet, error) {
	s.mu.RLock()
	var document string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT document FROM rule_sets WHERE tenant_id = ? AND id = ?
	`), tenantID, ruleSetID).Scan(&document)
	s.mu.RUnlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", compensation.ErrRuleSetNotFound, ruleSetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule set: %w", err)
	}
	rs, err := s.factory.ParseRuleSet(tenantID, document)
	if err != nil {
		return nil, err
	}
	rs.ID = ruleSetID
	return rs, nil
}

func (s *Store) ListAssignedEntities(ctx context.Context, tenantID compensation.TenantID, ruleSetID compensation.RuleSetID) ([]compensation.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntities(ctx, `
		SELECT e.tenant_id, e.id, e.external_id, e.name, e.attributes_json, e.active
		FROM entities e
		JOIN assignments a ON a.tenant_id = e.tenant_id AND a.entity_id = e.id
		WHERE a.tenant_id = ? AND a.rule_set_id = ? AND e.active = 1
		ORDER BY e.id
	`, tenantID, ruleSetID)
}

func (s *Store) ListRows(ctx context.Context, tenantID compensation.TenantID, periodID compensation.PeriodID) ([]compensation.CommittedRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, period_id, data_type, entity_id, row_data_json
		FROM committed_rows
		WHERE tenant_id = ? AND period_id = ?
		ORDER BY data_type, id
	`), tenantID, periodID)
	if err != nil {
		return nil, fmt.Errorf("failed to query committed rows: %w", err)
	}
	defer rows.Close()

	var out []compensation.CommittedRow
	for rows.Next() {
		var (
			r        compensation.CommittedRow
			dataJSON string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.PeriodID, &r.DataType, &r.EntityID, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan committed row: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
			return nil, fmt.Errorf("row %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanPeriod(sc scanner) (compensation.Period, error) {
	var (
		p          compensation.Period
		start, end string
		status     string
	)
	if err := sc.Scan(&p.TenantID, &p.ID, &p.Key, &start, &end, &status); err != nil {
		return p, err
	}
	p.Start = parseTime(start)
	p.End = parseTime(end)
	p.Status = compensation.PeriodStatus(status)
	return p, nil
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]compensation.Entity, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []compensation.Entity
	for rows.Next() {
		var (
			e         compensation.Entity
			attrsJSON string
			active    int
		)
		if err := rows.Scan(&e.TenantID, &e.ID, &e.ExternalID, &e.Name, &attrsJSON, &active); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if err := json.Unmarshal([]byte(attrsJSON), &e.Attributes); err != nil {
			return nil, fmt.Errorf("entity %s attributes: %w", e.ID, err)
		}
		e.Active = active != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
