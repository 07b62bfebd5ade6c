// Package store provides an in-memory compensation.Repository.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/factory"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	periods     map[key]compensation.Period
	entities    map[key]compensation.Entity
	ruleSets    map[key]compensation.RuleSetDocument
	assignments map[assignmentKey]compensation.Assignment
	rows        []compensation.CommittedRow

	batches     map[compensation.BatchID]compensation.Batch
	results     map[compensation.BatchID][]compensation.Result
	transitions map[compensation.BatchID][]compensation.TransitionRecord

	factory *factory.RuleSetFactory

	// BeforeCommit runs after a batch write has been applied but before it
	// is committed. Returning an error rolls the write back. Tests use it to
	// simulate storage failures.
	BeforeCommit func(w compensation.BatchWrite) error
}

type key struct {
	TenantID compensation.TenantID
	ID       string
}

type assignmentKey struct {
	TenantID  compensation.TenantID
	EntityID  compensation.EntityID
	RuleSetID compensation.RuleSetID
}

func NewMemory() *Memory {
	return &Memory{
		periods:     make(map[key]compensation.Period),
		entities:    make(map[key]compensation.Entity),
		ruleSets:    make(map[key]compensation.RuleSetDocument),
		assignments: make(map[assignmentKey]compensation.Assignment),
		batches:     make(map[compensation.BatchID]compensation.Batch),
		results:     make(map[compensation.BatchID][]compensation.Result),
		transitions: make(map[compensation.BatchID][]compensation.TransitionRecord),
		factory:     factory.NewRuleSetFactory(),
	}
}

var _ compensation.Repository = (*Memory)(nil)

// Reset drops every record. BeforeCommit is kept.
func (m *Memory) Reset(_ context.Context) error {
	fresh := NewMemory()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods = fresh.periods
	m.entities = fresh.entities
	m.ruleSets = fresh.ruleSets
	m.assignments = fresh.assignments
	m.rows = nil
	m.batches = fresh.batches
	m.results = fresh.results
	m.transitions = fresh.transitions
	return nil
}

// =============================================================================
// ADMIN STORE
// =============================================================================

func (m *Memory) SavePeriod(_ context.Context, p compensation.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods[key{p.TenantID, string(p.ID)}] = p
	return nil
}

func (m *Memory) SaveEntity(_ context.Context, e compensation.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[key{e.TenantID, string(e.ID)}] = e
	return nil
}

func (m *Memory) SaveRuleSet(_ context.Context, doc compensation.RuleSetDocument) error {
	if _, err := m.factory.ParseRuleSet(doc.TenantID, doc.Document); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	m.ruleSets[key{doc.TenantID, string(doc.ID)}] = doc
	return nil
}

func (m *Memory) SaveAssignment(_ context.Context, a compensation.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[assignmentKey{a.TenantID, a.EntityID, a.RuleSetID}] = a
	return nil
}

func (m *Memory) AppendRows(_ context.Context, rows []compensation.CommittedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *Memory) ListPeriods(_ context.Context, tenantID compensation.TenantID) ([]compensation.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []compensation.Period
	for k, p := range m.periods {
		if k.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListEntities(_ context.Context, tenantID compensation.TenantID) ([]compensation.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []compensation.Entity
	for k, e := range m.entities {
		if k.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRuleSets(_ context.Context, tenantID compensation.TenantID) ([]compensation.RuleSetDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []compensation.RuleSetDocument
	for k, d := range m.ruleSets {
		if k.TenantID == tenantID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// REFERENCE STORE
// =============================================================================

func (m *Memory) GetPeriod(_ context.Context, tenantID compensation.TenantID, periodID compensation.PeriodID) (*compensation.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[key{tenantID, string(periodID)}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", compensation.ErrPeriodNotFound, periodID)
	}
	return &p, nil
}

func (m *Memory) GetRuleSet(_ context.Context, tenantID compensation.TenantID, ruleSetID compensation.RuleSetID) (*compensation.RuleSet, error) {
	m.mu.RLock()
	doc, ok := m.ruleSets[key{tenantID, string(ruleSetID)}]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", compensation.ErrRuleSetNotFound, ruleSetID)
	}
	rs, err := m.factory.ParseRuleSet(tenantID, doc.Document)
	if err != nil {
		return nil, err
	}
	// The stored id is authoritative even if the document disagrees.
	rs.ID = doc.ID
	return rs, nil
}

func (m *Memory) ListAssignedEntities(_ context.Context, tenantID compensation.TenantID, ruleSetID compensation.RuleSetID) ([]compensation.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []compensation.Entity
	for k := range m.assignments {
		if k.TenantID != tenantID || k.RuleSetID != ruleSetID {
			continue
		}
		e, ok := m.entities[key{tenantID, string(k.EntityID)}]
		if !ok || !e.Active {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRows(_ context.Context, tenantID compensation.TenantID, periodID compensation.PeriodID) ([]compensation.CommittedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []compensation.CommittedRow
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.PeriodID == periodID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DataType != out[j].DataType {
			return out[i].DataType < out[j].DataType
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// BATCH STORE
// =============================================================================

func (m *Memory) CurrentBatch(_ context.Context, lineage compensation.Lineage) (*compensation.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLocked(lineage), nil
}

func (m *Memory) currentLocked(lineage compensation.Lineage) *compensation.Batch {
	for _, b := range m.batches {
		if b.Lineage() == lineage && b.IsCurrent() {
			b := b
			return &b
		}
	}
	return nil
}

func (m *Memory) GetBatch(_ context.Context, tenantID compensation.TenantID, batchID compensation.BatchID) (*compensation.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[batchID]
	if !ok || b.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", compensation.ErrBatchNotFound, batchID)
	}
	return &b, nil
}

func (m *Memory) ListBatches(_ context.Context, f compensation.BatchFilter) ([]compensation.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []compensation.Batch
	for _, b := range m.batches {
		if b.TenantID != f.TenantID {
			continue
		}
		if f.PeriodID != "" && b.PeriodID != f.PeriodID {
			continue
		}
		if f.RuleSetID != "" && b.RuleSetID != f.RuleSetID {
			continue
		}
		if !f.IncludeSuperseded && !b.IsCurrent() {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListResults(_ context.Context, batchID compensation.BatchID) ([]compensation.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]compensation.Result(nil), m.results[batchID]...), nil
}

// WriteBatch applies the write under the store lock with a snapshot taken
// first; any failure restores the snapshot so no partial batch is visible.
func (m *Memory) WriteBatch(_ context.Context, w compensation.BatchWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.currentLocked(w.Batch.Lineage())
	switch {
	case w.ExpectCurrent == nil && current != nil:
		return fmt.Errorf("%w: lineage already has current batch %s", compensation.ErrConcurrentModification, current.ID)
	case w.ExpectCurrent != nil && (current == nil || current.ID != *w.ExpectCurrent):
		return fmt.Errorf("%w: current batch changed", compensation.ErrConcurrentModification)
	}
	inPlace := current != nil && current.ID == w.Batch.ID
	switch {
	case inPlace && current.State != w.ExpectState:
		return fmt.Errorf("%w: batch %s moved to %s", compensation.ErrConcurrentModification, current.ID, current.State)
	case inPlace && current.Snapshot != nil:
		return fmt.Errorf("%w: batch %s was made official", compensation.ErrConcurrentModification, current.ID)
	}

	snapshot := m.snapshot()

	if inPlace {
		// Only the calculated fields change; lifecycle fields stay as stored.
		b := m.batches[current.ID]
		b.State = w.Batch.State
		b.EntityCount = w.Batch.EntityCount
		b.Summary = w.Batch.Summary
		b.CalculatedAt = w.Batch.CalculatedAt
		b.UpdatedAt = w.Batch.UpdatedAt
		m.batches[b.ID] = b
	} else {
		if current != nil {
			prior := m.batches[current.ID]
			newID := w.Batch.ID
			prior.SupersededBy = &newID
			m.batches[prior.ID] = prior
		}
		m.batches[w.Batch.ID] = w.Batch
	}
	delete(m.results, w.Batch.ID)
	m.results[w.Batch.ID] = append([]compensation.Result(nil), w.Results...)

	if m.BeforeCommit != nil {
		if err := m.BeforeCommit(w); err != nil {
			m.restore(snapshot)
			return &compensation.PersistenceError{Op: "write batch " + string(w.Batch.ID), Err: err}
		}
	}
	if w.Record != nil {
		m.transitions[w.Batch.ID] = append(m.transitions[w.Batch.ID], *w.Record)
	}
	return nil
}

func (m *Memory) UpdateState(_ context.Context, c compensation.StateChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[c.BatchID]
	if !ok {
		return false, fmt.Errorf("%w: %s", compensation.ErrBatchNotFound, c.BatchID)
	}
	if b.State != c.Expected || !b.IsCurrent() {
		return false, nil
	}
	b.State = c.To
	b.UpdatedAt = c.At
	if c.SubmittedBy != nil {
		b.SubmittedBy = *c.SubmittedBy
	}
	if c.ApprovedBy != nil {
		b.ApprovedBy = *c.ApprovedBy
	}
	if c.Snapshot != nil && b.Snapshot == nil {
		snap := *c.Snapshot
		b.Snapshot = &snap
	}
	m.batches[b.ID] = b
	m.transitions[b.ID] = append(m.transitions[b.ID], c.Record)
	return true, nil
}

func (m *Memory) ListTransitions(_ context.Context, batchID compensation.BatchID) ([]compensation.TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]compensation.TransitionRecord(nil), m.transitions[batchID]...), nil
}

// =============================================================================
// SNAPSHOT / ROLLBACK
// =============================================================================

type memorySnapshot struct {
	batches map[compensation.BatchID]compensation.Batch
	results map[compensation.BatchID][]compensation.Result
}

func (m *Memory) snapshot() memorySnapshot {
	batches := make(map[compensation.BatchID]compensation.Batch, len(m.batches))
	for k, v := range m.batches {
		batches[k] = v
	}
	results := make(map[compensation.BatchID][]compensation.Result, len(m.results))
	for k, v := range m.results {
		results[k] = v
	}
	return memorySnapshot{batches: batches, results: results}
}

func (m *Memory) restore(s memorySnapshot) {
	m.batches = s.batches
	m.results = s.results
}
