/*
Package lifecycle governs when a calculation batch may be recomputed,
approved, paid and published.

STATE MACHINE (from -> allowed to):
  DRAFT            -> PREVIEW
  PREVIEW          -> DRAFT, RECONCILE, OFFICIAL, PREVIEW
  RECONCILE        -> PREVIEW, OFFICIAL
  OFFICIAL         -> PREVIEW, PENDING_APPROVAL
  PENDING_APPROVAL -> OFFICIAL, APPROVED, REJECTED
  REJECTED         -> OFFICIAL
  APPROVED         -> OFFICIAL, POSTED
  POSTED           -> APPROVED, CLOSED
  CLOSED           -> POSTED, PAID
  PAID             -> CLOSED, PUBLISHED
  PUBLISHED        (terminal)

GOVERNANCE:
  - Reaching OFFICIAL freezes a snapshot (totals, per-component sums,
    entity count) the first time only.
  - APPROVED requires an approver or admin who is not the actor that moved
    the batch to PENDING_APPROVAL.
  - Transitions are compare-and-swap on (batch id, expected state), so two
    concurrent requests cannot both pass validation.
  - Superseded batches are history and accept no transitions.

ROLES:
  An actor must be able to see the batch to move it; otherwise the batch
  is reported as not visible.
  admin     every edge
  approver  edges out of PENDING_APPROVAL, and into APPROVED or REJECTED
  others    no edges

VISIBILITY:
  admin     every state
  approver  PENDING_APPROVAL and later
  others    POSTED and later

SEE ALSO:
  - machine.go: Transition implementation
  - calc/orchestrator.go: Uses State.Recomputable / Supersedable
*/
package lifecycle

import "github.com/warp/incentive-engine/compensation"

// transitions is the allowed-edge table, from -> to.
var transitions = map[compensation.State][]compensation.State{
	compensation.StateDraft:           {compensation.StatePreview},
	compensation.StatePreview:         {compensation.StateDraft, compensation.StateReconcile, compensation.StateOfficial, compensation.StatePreview},
	compensation.StateReconcile:       {compensation.StatePreview, compensation.StateOfficial},
	compensation.StateOfficial:        {compensation.StatePreview, compensation.StatePendingApproval},
	compensation.StatePendingApproval: {compensation.StateOfficial, compensation.StateApproved, compensation.StateRejected},
	compensation.StateRejected:        {compensation.StateOfficial},
	compensation.StateApproved:        {compensation.StateOfficial, compensation.StatePosted},
	compensation.StatePosted:          {compensation.StateApproved, compensation.StateClosed},
	compensation.StateClosed:          {compensation.StatePosted, compensation.StatePaid},
	compensation.StatePaid:            {compensation.StateClosed, compensation.StatePublished},
	compensation.StatePublished:       {},
}

// AllowedFrom returns the states reachable from s in one step.
func AllowedFrom(s compensation.State) []compensation.State {
	return append([]compensation.State(nil), transitions[s]...)
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to compensation.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s compensation.State) bool {
	return len(transitions[s]) == 0
}

// =============================================================================
// VISIBILITY
// =============================================================================

// MinimumVisibleState is the earliest state role may observe.
func MinimumVisibleState(role compensation.Role) compensation.State {
	switch role {
	case compensation.RoleAdmin:
		return compensation.StateDraft
	case compensation.RoleApprover:
		return compensation.StatePendingApproval
	default:
		return compensation.StatePosted
	}
}

// CanObserve reports whether role may see a batch in state s.
func CanObserve(role compensation.Role, s compensation.State) bool {
	return s.Rank() >= MinimumVisibleState(role).Rank()
}

// MayMove reports whether role may take the from -> to edge. It does not
// check the table or visibility.
func MayMove(role compensation.Role, from, to compensation.State) bool {
	switch role {
	case compensation.RoleAdmin:
		return true
	case compensation.RoleApprover:
		return from == compensation.StatePendingApproval ||
			to == compensation.StateApproved || to == compensation.StateRejected
	default:
		return false
	}
}
