package calc

import (
	"context"
	"fmt"

	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/lifecycle"
)

// Reports serves read-only batch queries, filtered by what the actor's role
// may observe.
type Reports struct {
	store compensation.BatchStore
}

func NewReports(store compensation.BatchStore) *Reports {
	return &Reports{store: store}
}

// ListBatches returns the batches matching filter that actor may see.
// Superseded batches are included only when the filter asks for them.
func (r *Reports) ListBatches(ctx context.Context, filter compensation.BatchFilter, actor compensation.Actor) ([]compensation.Batch, error) {
	batches, err := r.store.ListBatches(ctx, filter)
	if err != nil {
		return nil, err
	}
	visible := make([]compensation.Batch, 0, len(batches))
	for _, b := range batches {
		if lifecycle.CanObserve(actor.Role, b.State) {
			visible = append(visible, b)
		}
	}
	return visible, nil
}

func (r *Reports) GetBatch(ctx context.Context, tenantID compensation.TenantID, batchID compensation.BatchID, actor compensation.Actor) (*compensation.Batch, error) {
	b, err := r.store.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	if !lifecycle.CanObserve(actor.Role, b.State) {
		return nil, fmt.Errorf("%w: batch %s is %s, role %q sees %s and later",
			compensation.ErrNotVisible, b.ID, b.State, actor.Role, lifecycle.MinimumVisibleState(actor.Role))
	}
	return b, nil
}

func (r *Reports) Results(ctx context.Context, tenantID compensation.TenantID, batchID compensation.BatchID, actor compensation.Actor) ([]compensation.Result, error) {
	if _, err := r.GetBatch(ctx, tenantID, batchID, actor); err != nil {
		return nil, err
	}
	return r.store.ListResults(ctx, batchID)
}

func (r *Reports) Transitions(ctx context.Context, tenantID compensation.TenantID, batchID compensation.BatchID, actor compensation.Actor) ([]compensation.TransitionRecord, error) {
	if _, err := r.GetBatch(ctx, tenantID, batchID, actor); err != nil {
		return nil, err
	}
	return r.store.ListTransitions(ctx, batchID)
}
