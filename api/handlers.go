/*
handlers.go - HTTP API handlers for the incentive compensation engine

PURPOSE:
  Exposes calculation runs, lifecycle transitions and visibility-scoped
  batch reads over REST. Handles HTTP request/response and JSON
  serialization; every rule lives in calc, lifecycle and rules.

ENDPOINTS:
  Calculations:
    POST   /api/tenants/{tenant}/calculations              Run a calculation

  Batches:
    GET    /api/tenants/{tenant}/batches                   List visible batches
    GET    /api/tenants/{tenant}/batches/{id}              Batch + summary
    GET    /api/tenants/{tenant}/batches/{id}/results      Per-entity results
    GET    /api/tenants/{tenant}/batches/{id}/transitions  Audit trail
    POST   /api/tenants/{tenant}/batches/{id}/transitions  Lifecycle transition

  Upstream data:
    POST   /api/tenants/{tenant}/periods|entities|rule-sets|assignments|committed-data

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario

ACTORS:
  X-Actor-ID and X-Actor-Role identify the caller. Authentication happens
  upstream; a missing role is treated as viewer.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Configuration errors, invalid transitions, invalid input
  - 404: Not found, or not visible to the caller's role
  - 409: Concurrent modification, recalculation locked
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/incentive-engine/calc"
	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/factory"
	"github.com/warp/incentive-engine/lifecycle"
	"github.com/warp/incentive-engine/logger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: the full repository plus a reset
// for scenario loading.
type Store interface {
	compensation.Repository
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store          Store
	Orchestrator   *calc.Orchestrator
	Machine        *lifecycle.Machine
	Reports        *calc.Reports
	RuleSetFactory *factory.RuleSetFactory
	Log            *logger.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine around store.
func NewHandler(store Store, orchestrator *calc.Orchestrator, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	if orchestrator == nil {
		orchestrator = calc.NewOrchestrator(store, nil, log, calc.Options{})
	}
	return &Handler{
		Store:          store,
		Orchestrator:   orchestrator,
		Machine:        lifecycle.NewMachine(store, log),
		Reports:        calc.NewReports(store),
		RuleSetFactory: factory.NewRuleSetFactory(),
		Log:            log,
	}
}

// =============================================================================
// CALCULATIONS
// =============================================================================

// RunCalculation executes one run for a (period, rule set).
// POST /api/tenants/{tenant}/calculations
func (h *Handler) RunCalculation(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantParam(r)
	actor, err := actorFrom(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RunCalculationResponse{Error: err.Error()})
		return
	}

	var req RunCalculationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, RunCalculationResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	out, err := h.Orchestrator.Run(r.Context(), calc.RunRequest{
		TenantID:  tenantID,
		PeriodID:  compensation.PeriodID(req.PeriodID),
		RuleSetID: compensation.RuleSetID(req.RuleSetID),
		Actor:     actor,
	})
	if err != nil {
		writeJSON(w, statusFor(err), RunCalculationResponse{Error: err.Error()})
		return
	}

	resp := RunCalculationResponse{
		Success:     true,
		BatchID:     string(out.Batch.ID),
		TotalPayout: money(out.TotalPayout),
		EntityCount: out.EntityCount,
		State:       string(out.Batch.State),
		Allocation:  string(out.Allocation),
	}
	if out.Superseded != nil {
		resp.SupersededBatchID = string(*out.Superseded)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// BATCHES
// =============================================================================

// ListBatches returns the batches the caller may see.
// GET /api/tenants/{tenant}/batches?period_id=&rule_set_id=&include_superseded=
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid actor", err)
		return
	}
	q := r.URL.Query()
	includeSuperseded, _ := strconv.ParseBool(q.Get("include_superseded"))

	batches, err := h.Reports.ListBatches(r.Context(), compensation.BatchFilter{
		TenantID:          tenantParam(r),
		PeriodID:          compensation.PeriodID(q.Get("period_id")),
		RuleSetID:         compensation.RuleSetID(q.Get("rule_set_id")),
		IncludeSuperseded: includeSuperseded,
	}, actor)
	if err != nil {
		writeDomainError(w, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatch returns one batch with its summary and snapshot.
// GET /api/tenants/{tenant}/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid actor", err)
		return
	}
	b, err := h.Reports.GetBatch(r.Context(), tenantParam(r), batchParam(r), actor)
	if err != nil {
		writeDomainError(w, "Failed to get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(*b))
}

// GetResults returns per-entity results with their traces.
// GET /api/tenants/{tenant}/batches/{id}/results
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid actor", err)
		return
	}
	results, err := h.Reports.Results(r.Context(), tenantParam(r), batchParam(r), actor)
	if err != nil {
		writeDomainError(w, "Failed to get results", err)
		return
	}
	dtos := make([]ResultDTO, len(results))
	for i, res := range results {
		dtos[i] = toResultDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransitions returns the batch's lifecycle audit trail.
// GET /api/tenants/{tenant}/batches/{id}/transitions
func (h *Handler) GetTransitions(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid actor", err)
		return
	}
	records, err := h.Reports.Transitions(r.Context(), tenantParam(r), batchParam(r), actor)
	if err != nil {
		writeDomainError(w, "Failed to get transitions", err)
		return
	}
	dtos := make([]TransitionDTO, len(records))
	for i, rec := range records {
		dtos[i] = toTransitionDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Transition moves a batch through its lifecycle.
// POST /api/tenants/{tenant}/batches/{id}/transitions
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid actor", err)
		return
	}
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Machine.Transition(r.Context(), tenantParam(r), batchParam(r),
		compensation.State(req.ToState), actor, req.Details)
	if err != nil {
		writeDomainError(w, "Transition rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(*b))
}

// =============================================================================
// UPSTREAM DATA
// =============================================================================

// CreatePeriod registers a period.
// POST /api/tenants/{tenant}/periods
func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req PeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	start, err := time.Parse("2006-01-02", req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start date (use YYYY-MM-DD)", err)
		return
	}
	end, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end date (use YYYY-MM-DD)", err)
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end is before start", nil)
		return
	}
	status := compensation.PeriodStatus(req.Status)
	if status == "" {
		status = compensation.PeriodOpen
	}
	key := req.Key
	if key == "" {
		key = start.Format("2006-01")
	}

	p := compensation.Period{
		ID:       compensation.PeriodID(req.ID),
		TenantID: tenantParam(r),
		Key:      key,
		Start:    start,
		End:      end,
		Status:   status,
	}
	if err := h.Store.SavePeriod(r.Context(), p); err != nil {
		writeDomainError(w, "Failed to save period", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// CreateEntity registers or updates an entity.
// POST /api/tenants/{tenant}/entities
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req EntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	e := compensation.Entity{
		ID:         compensation.EntityID(req.ID),
		TenantID:   tenantParam(r),
		ExternalID: req.ExternalID,
		Name:       req.Name,
		Attributes: req.Attributes,
		Active:     active,
	}
	if err := h.Store.SaveEntity(r.Context(), e); err != nil {
		writeDomainError(w, "Failed to save entity", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// CreateRuleSet stores a rule-set document. The body is the document itself.
// POST /api/tenants/{tenant}/rule-sets
func (h *Handler) CreateRuleSet(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tenantID := tenantParam(r)
	rs, err := h.RuleSetFactory.ParseRuleSet(tenantID, string(raw))
	if err != nil {
		writeDomainError(w, "Invalid rule set", err)
		return
	}
	if rs.ID == "" {
		writeError(w, http.StatusBadRequest, "rule set id is required", nil)
		return
	}

	doc := compensation.RuleSetDocument{
		ID:       rs.ID,
		TenantID: tenantID,
		Name:     rs.Name,
		Version:  rs.Version,
		Document: string(raw),
	}
	if err := h.Store.SaveRuleSet(r.Context(), doc); err != nil {
		writeDomainError(w, "Failed to save rule set", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": rs.ID, "name": rs.Name, "version": rs.Version})
}

// CreateAssignments links entities to a rule set.
// POST /api/tenants/{tenant}/assignments
func (h *Handler) CreateAssignments(w http.ResponseWriter, r *http.Request) {
	var req AssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.RuleSetID == "" || len(req.EntityIDs) == 0 {
		writeError(w, http.StatusBadRequest, "rule_set_id and entity_ids are required", nil)
		return
	}
	tenantID := tenantParam(r)
	for _, id := range req.EntityIDs {
		a := compensation.Assignment{
			TenantID:  tenantID,
			EntityID:  compensation.EntityID(id),
			RuleSetID: compensation.RuleSetID(req.RuleSetID),
		}
		if err := h.Store.SaveAssignment(r.Context(), a); err != nil {
			writeDomainError(w, "Failed to save assignment", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]int{"assigned": len(req.EntityIDs)})
}

// AppendCommittedData imports normalized rows into one data_type bucket.
// POST /api/tenants/{tenant}/committed-data
func (h *Handler) AppendCommittedData(w http.ResponseWriter, r *http.Request) {
	var req CommittedDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PeriodID == "" || req.DataType == "" {
		writeError(w, http.StatusBadRequest, "period_id and data_type are required", nil)
		return
	}
	tenantID := tenantParam(r)
	rows := make([]compensation.CommittedRow, len(req.Rows))
	for i, row := range req.Rows {
		id := row.ID
		if id == "" {
			id = uuid.NewString()
		}
		rows[i] = compensation.CommittedRow{
			ID:       id,
			TenantID: tenantID,
			PeriodID: compensation.PeriodID(req.PeriodID),
			DataType: req.DataType,
			EntityID: compensation.EntityID(row.EntityID),
			Data:     row.Data,
		}
	}
	if err := h.Store.AppendRows(r.Context(), rows); err != nil {
		writeDomainError(w, "Failed to append rows", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"appended": len(rows)})
}

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func tenantParam(r *http.Request) compensation.TenantID {
	return compensation.TenantID(chi.URLParam(r, "tenant"))
}

func batchParam(r *http.Request) compensation.BatchID {
	return compensation.BatchID(chi.URLParam(r, "id"))
}

// actorFrom reads the caller identity headers.
func actorFrom(r *http.Request) (compensation.Actor, error) {
	actor := compensation.Actor{
		ID:   r.Header.Get("X-Actor-ID"),
		Role: compensation.Role(r.Header.Get("X-Actor-Role")),
	}
	if actor.Role == "" {
		actor.Role = compensation.RoleViewer
	}
	if !actor.Role.Valid() {
		return actor, fmt.Errorf("%w: unknown role %q", compensation.ErrInvalidInput, actor.Role)
	}
	return actor, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case compensation.IsNotFound(err):
		return http.StatusNotFound
	case compensation.IsConflict(err):
		return http.StatusConflict
	case compensation.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
