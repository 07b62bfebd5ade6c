/*
errors.go - Centralized error types for the compensation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Fatal conditions are errors; non-fatal conditions (missing data, ambiguous
  variant selection) are flags on results and never surface here.

ERROR CATEGORIES:
  1. Configuration errors - Malformed plans, abort a run before any write
  2. Transition errors   - Invalid lifecycle edges, separation of duties
  3. Persistence errors  - Write failures, whole transaction rolled back
  4. Lookup errors       - Missing periods, rule sets, batches

USAGE:
  if errors.Is(err, compensation.ErrConfiguration) {
      var cfgErr *compensation.ConfigurationError
      errors.As(err, &cfgErr)
      log.Printf("component %s: %s", cfgErr.Component, cfgErr.Reason)
  }

SEE ALSO:
  - lifecycle/machine.go: Raises TransitionError
  - rules/validate.go: Raises ConfigurationError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package compensation

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is returned when a rule set cannot be evaluated for
	// anyone (non-partitioning bands, matrix dimension mismatch).
	ErrConfiguration = errors.New("invalid rule set configuration")

	// ErrInvalidTransition is returned for lifecycle edges outside the
	// transition table and separation-of-duties violations.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrPersistence is returned when a batch write fails. The run can be
	// retried unchanged.
	ErrPersistence = errors.New("persistence failure")

	// ErrConcurrentModification is returned when a compare-and-swap finds
	// the batch (or lineage) changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrRecalculationLocked is returned when the current batch has moved
	// past the states a run may replace.
	ErrRecalculationLocked = errors.New("batch lifecycle does not allow recalculation")

	// ErrNotVisible is returned when an actor's role may not observe a batch
	// in its current state.
	ErrNotVisible = errors.New("batch not visible to actor")

	ErrBatchNotFound   = errors.New("batch not found")
	ErrRuleSetNotFound = errors.New("rule set not found")
	ErrPeriodNotFound  = errors.New("period not found")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError names the offending component.
type ConfigurationError struct {
	RuleSetID RuleSetID
	Variant   string
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	var where []string
	if e.Variant != "" {
		where = append(where, "variant "+e.Variant)
	}
	if e.Component != "" {
		where = append(where, "component "+e.Component)
	}
	if len(where) == 0 {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error in %s: %s", strings.Join(where, ", "), e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// TransitionError explains a rejected lifecycle transition and lists the
// edges that were allowed from the current state.
type TransitionError struct {
	BatchID BatchID
	From    State
	To      State
	Allowed []State
	Reason  string
}

func (e *TransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	list := "none"
	if len(allowed) > 0 {
		list = strings.Join(allowed, ", ")
	}
	return fmt.Sprintf("cannot transition batch %s from %s to %s: %s (allowed: %s)",
		e.BatchID, e.From, e.To, e.Reason, list)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// PersistenceError wraps a storage failure. It matches both ErrPersistence
// and the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidInput)
}

// IsConflict returns true if the request clashed with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrRecalculationLocked)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrRuleSetNotFound) ||
		errors.Is(err, ErrPeriodNotFound) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrNotVisible)
}
