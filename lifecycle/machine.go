package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/logger"
)

// Machine applies lifecycle transitions to stored batches.
type Machine struct {
	Store compensation.BatchStore
	Log   *logger.Logger
	Now   func() time.Time
}

func NewMachine(store compensation.BatchStore, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Machine{Store: store, Log: log, Now: func() time.Time { return time.Now().UTC() }}
}

// Transition moves a batch to state to on behalf of actor. Rejections are
// *compensation.TransitionError and leave the batch untouched; a lost
// compare-and-swap returns compensation.ErrConcurrentModification.
func (m *Machine) Transition(
	ctx context.Context,
	tenantID compensation.TenantID,
	batchID compensation.BatchID,
	to compensation.State,
	actor compensation.Actor,
	details string,
) (*compensation.Batch, error) {
	batch, err := m.Store.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	if !CanObserve(actor.Role, batch.State) {
		return nil, fmt.Errorf("%w: batch %s is %s, role %q sees %s and later",
			compensation.ErrNotVisible, batch.ID, batch.State, actor.Role, MinimumVisibleState(actor.Role))
	}
	if err := m.check(batch, to, actor); err != nil {
		return nil, err
	}

	now := m.Now()
	change := compensation.StateChange{
		BatchID:  batch.ID,
		Expected: batch.State,
		To:       to,
		At:       now,
		Record: compensation.TransitionRecord{
			ID:      uuid.NewString(),
			BatchID: batch.ID,
			From:    batch.State,
			To:      to,
			ActorID: actor.ID,
			Role:    actor.Role,
			Details: details,
			At:      now,
		},
	}
	switch to {
	case compensation.StatePendingApproval:
		change.SubmittedBy = &actor.ID
	case compensation.StateApproved:
		change.ApprovedBy = &actor.ID
	case compensation.StateOfficial:
		if batch.Snapshot == nil {
			change.Snapshot = snapshotOf(batch, actor, now)
		}
	}

	ok, err := m.Store.UpdateState(ctx, change)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: batch %s is no longer %s", compensation.ErrConcurrentModification, batch.ID, batch.State)
	}

	m.Log.Info("batch transitioned",
		"tenant", tenantID, "batch", batch.ID, "from", batch.State, "to", to, "actor", actor.ID, "role", actor.Role)

	return m.Store.GetBatch(ctx, tenantID, batchID)
}

// check validates the request without touching storage.
func (m *Machine) check(batch *compensation.Batch, to compensation.State, actor compensation.Actor) error {
	reject := func(reason string) *compensation.TransitionError {
		return &compensation.TransitionError{
			BatchID: batch.ID,
			From:    batch.State,
			To:      to,
			Allowed: AllowedFrom(batch.State),
			Reason:  reason,
		}
	}

	if !to.Valid() {
		return reject(fmt.Sprintf("unknown state %q", to))
	}
	if actor.ID == "" {
		return reject("actor is required")
	}
	if !batch.IsCurrent() {
		err := reject(fmt.Sprintf("batch was superseded by %s", *batch.SupersededBy))
		err.Allowed = nil
		return err
	}
	if !CanTransition(batch.State, to) {
		if IsTerminal(batch.State) {
			return reject(fmt.Sprintf("%s is terminal", batch.State))
		}
		return reject("edge is not in the transition table")
	}

	if !MayMove(actor.Role, batch.State, to) {
		return reject(fmt.Sprintf("role %q may not move a batch from %s to %s", actor.Role, batch.State, to))
	}
	if to == compensation.StateApproved && actor.ID == batch.SubmittedBy {
		return reject(fmt.Sprintf("separation of duties: %s submitted this batch and cannot approve it", actor.ID))
	}
	return nil
}

func snapshotOf(batch *compensation.Batch, actor compensation.Actor, at time.Time) *compensation.OfficialSnapshot {
	totals := make(map[string]decimal.Decimal, len(batch.Summary.ComponentTotals))
	for k, v := range batch.Summary.ComponentTotals {
		totals[k] = v
	}
	return &compensation.OfficialSnapshot{
		TotalPayout:     batch.Summary.TotalPayout,
		ComponentTotals: totals,
		EntityCount:     batch.EntityCount,
		TakenAt:         at,
		TakenBy:         actor.ID,
	}
}
