/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	upstream data for demos: a period, entities, a rule set, assignments and
	committed rows. After loading, the scenario's plan is calculated once so
	a PREVIEW batch is ready to walk through the lifecycle.

AVAILABLE SCENARIOS:

	retail-floor:  Managers and associates on one plan, group-level store
	               totals, one associate with no sales rows
	flat-tier:     One flat-amount tier plan fed by a bucket whose name only
	               matches the plan's source pattern by token overlap

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save period and entities
 3. Save the rule set document from factory presets
 4. Assign entities and append committed rows
 5. Run one calculation as the scenario loader

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "retail-floor"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Upstream data handlers the loaders mirror
  - factory/presets.go: Plan JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/incentive-engine/calc"
	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioTenant is the tenant every demo scenario loads into.
const ScenarioTenant compensation.TenantID = "demo"

const scenarioPeriod compensation.PeriodID = "2025-03"

var scenarioActor = compensation.Actor{ID: "scenario-loader", Role: compensation.RoleAdmin}

var scenarios = []ScenarioDTO{
	{
		ID:          "retail-floor",
		Name:        "Retail Floor",
		Description: "Store managers and associates: tiered rates, unit bonus, store matrix",
		Category:    "retail",
	},
	{
		ID:          "flat-tier",
		Name:        "Flat Attainment Tiers",
		Description: "Flat payouts at 80% and 120% attainment, fuzzy-matched source data",
		Category:    "attainment",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler) (compensation.RuleSetID, error)

var scenarioLoaders = map[string]scenarioLoader{
	"retail-floor": loadRetailFloorScenario,
	"flat-tier":    loadFlatTierScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	ruleSetID, err := load(ctx, h)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	out, err := h.Orchestrator.Run(ctx, calc.RunRequest{
		TenantID:  ScenarioTenant,
		PeriodID:  scenarioPeriod,
		RuleSetID: ruleSetID,
		Actor:     scenarioActor,
	})
	if err != nil {
		writeError(w, statusFor(err), "Scenario loaded but calculation failed", err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Log.Info("scenario loaded", "scenario", req.ScenarioID, "batch_id", out.Batch.ID)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "loaded",
		"scenario":  req.ScenarioID,
		"tenant_id": string(ScenarioTenant),
		"batch_id":  string(out.Batch.ID),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadRetailFloorScenario(ctx context.Context, h *Handler) (compensation.RuleSetID, error) {
	const ruleSetID compensation.RuleSetID = "retail-floor"

	if err := saveScenarioPeriod(ctx, h); err != nil {
		return "", err
	}
	if err := saveScenarioRuleSet(ctx, h, factory.RetailFloorPlanJSON(string(ruleSetID), "Retail Floor Plan")); err != nil {
		return "", err
	}

	entities := []compensation.Entity{
		{ID: "mgr-101", ExternalID: "E-1001", Name: "Dana Reyes", Attributes: map[string]string{"role": "manager", "store_id": "101"}},
		{ID: "asc-101-a", ExternalID: "E-1002", Name: "Sam Ortiz", Attributes: map[string]string{"role": "associate", "store_id": "101"}},
		{ID: "asc-101-b", ExternalID: "E-1003", Name: "Kim Lee", Attributes: map[string]string{"role": "senior_associate", "store_id": "101"}},
		{ID: "mgr-102", ExternalID: "E-2001", Name: "Alex Park", Attributes: map[string]string{"role": "manager", "store_id": "102"}},
		// No sales rows: shows up flagged with a zero payout.
		{ID: "asc-102-a", ExternalID: "E-2002", Name: "Jo Smith", Attributes: map[string]string{"role": "associate", "store_id": "102"}},
	}
	if err := saveScenarioEntities(ctx, h, ruleSetID, entities); err != nil {
		return "", err
	}

	sales := []compensation.CommittedRow{
		salesRow("sale-1", "asc-101-a", 4000, 40),
		salesRow("sale-2", "asc-101-a", 2500, 30),
		salesRow("sale-3", "asc-101-b", 7000, 70),
		salesRow("sale-4", "asc-101-b", 5000, 50),
	}
	targets := []compensation.CommittedRow{
		{ID: "target-1", EntityID: "asc-101-a", Data: map[string]compensation.Value{"target": compensation.NumberFloat(6000)}},
		{ID: "target-2", EntityID: "asc-101-b", Data: map[string]compensation.Value{"target": compensation.NumberFloat(10000)}},
	}
	totals := []compensation.CommittedRow{
		storeTotalsRow("store-101", "101", 48000, 104, 12),
		storeTotalsRow("store-102", "102", 30000, 85, 6),
	}

	if err := appendScenarioRows(ctx, "Sales Detail", sales, h); err != nil {
		return "", err
	}
	if err := appendScenarioRows(ctx, "Targets", targets, h); err != nil {
		return "", err
	}
	if err := appendScenarioRows(ctx, "Store Totals", totals, h); err != nil {
		return "", err
	}
	return ruleSetID, nil
}

func loadFlatTierScenario(ctx context.Context, h *Handler) (compensation.RuleSetID, error) {
	const ruleSetID compensation.RuleSetID = "quarterly-attainment"

	if err := saveScenarioPeriod(ctx, h); err != nil {
		return "", err
	}
	planJSON := factory.FlatTierPlanJSON(string(ruleSetID), "Quarterly Attainment", "attainment", "attainment summary")
	if err := saveScenarioRuleSet(ctx, h, planJSON); err != nil {
		return "", err
	}

	attainments := []struct {
		id    compensation.EntityID
		value float64
	}{
		{"rep-1", 79.99},
		{"rep-2", 80},
		{"rep-3", 119.99},
		{"rep-4", 120},
		{"rep-5", 150},
	}

	entities := make([]compensation.Entity, len(attainments))
	rows := make([]compensation.CommittedRow, len(attainments))
	for i, a := range attainments {
		ext := fmt.Sprintf("R-%d", i+1)
		entities[i] = compensation.Entity{
			ID:         a.id,
			ExternalID: ext,
			Name:       fmt.Sprintf("Rep %d", i+1),
			Attributes: map[string]string{"region": "west"},
		}
		// Rows carry only the external id, joined through employee_id.
		rows[i] = compensation.CommittedRow{
			ID: fmt.Sprintf("att-%d", i+1),
			Data: map[string]compensation.Value{
				"employee_id":    compensation.Text(ext),
				"attainment_pct": compensation.NumberFloat(a.value),
			},
		}
	}
	if err := saveScenarioEntities(ctx, h, ruleSetID, entities); err != nil {
		return "", err
	}
	if err := appendScenarioRows(ctx, "Attainment Summary - Q1", rows, h); err != nil {
		return "", err
	}
	return ruleSetID, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func saveScenarioPeriod(ctx context.Context, h *Handler) error {
	return h.Store.SavePeriod(ctx, compensation.Period{
		ID:       scenarioPeriod,
		TenantID: ScenarioTenant,
		Key:      string(scenarioPeriod),
		Start:    time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC),
		Status:   compensation.PeriodOpen,
	})
}

func saveScenarioRuleSet(ctx context.Context, h *Handler, doc string) error {
	rs, err := h.RuleSetFactory.ParseRuleSet(ScenarioTenant, doc)
	if err != nil {
		return err
	}
	return h.Store.SaveRuleSet(ctx, compensation.RuleSetDocument{
		ID:        rs.ID,
		TenantID:  ScenarioTenant,
		Name:      rs.Name,
		Version:   rs.Version,
		Document:  doc,
		CreatedAt: time.Now().UTC(),
	})
}

func saveScenarioEntities(ctx context.Context, h *Handler, ruleSetID compensation.RuleSetID, entities []compensation.Entity) error {
	for _, e := range entities {
		e.TenantID = ScenarioTenant
		e.Active = true
		if err := h.Store.SaveEntity(ctx, e); err != nil {
			return err
		}
		if err := h.Store.SaveAssignment(ctx, compensation.Assignment{
			TenantID:  ScenarioTenant,
			EntityID:  e.ID,
			RuleSetID: ruleSetID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func appendScenarioRows(ctx context.Context, dataType string, rows []compensation.CommittedRow, h *Handler) error {
	for i := range rows {
		rows[i].TenantID = ScenarioTenant
		rows[i].PeriodID = scenarioPeriod
		rows[i].DataType = dataType
	}
	return h.Store.AppendRows(ctx, rows)
}

func salesRow(id string, entityID compensation.EntityID, amount, units float64) compensation.CommittedRow {
	return compensation.CommittedRow{
		ID:       id,
		EntityID: entityID,
		Data: map[string]compensation.Value{
			"amount": compensation.NumberFloat(amount),
			"units":  compensation.NumberFloat(units),
		},
	}
}

func storeTotalsRow(id, storeID string, revenue, attainmentPct, headcount float64) compensation.CommittedRow {
	return compensation.CommittedRow{
		ID: id,
		Data: map[string]compensation.Value{
			"store_id":       compensation.Text(storeID),
			"revenue":        compensation.NumberFloat(revenue),
			"attainment_pct": compensation.NumberFloat(attainmentPct),
			"headcount":      compensation.NumberFloat(headcount),
		},
	}
}
