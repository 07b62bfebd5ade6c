/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Money and metric values
  travel as decimal strings so clients never see float rounding.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Calculations:  RunCalculationRequest, RunCalculationResponse
  Batches:       BatchDTO, SummaryDTO, SnapshotDTO, ResultDTO, TransitionDTO
  Lifecycle:     TransitionRequest
  Upstream data: PeriodRequest, EntityRequest, AssignmentRequest,
                 CommittedDataRequest
  Scenarios:     ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/ruleset.go: Rule-set documents are posted as RuleSetJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/lifecycle"
)

// =============================================================================
// CALCULATIONS
// =============================================================================

type RunCalculationRequest struct {
	PeriodID  string `json:"period_id"`
	RuleSetID string `json:"rule_set_id"`
}

// RunCalculationResponse is {success, batchId, totalPayout, entityCount} or
// {success: false, error}.
type RunCalculationResponse struct {
	Success           bool   `json:"success"`
	BatchID           string `json:"batch_id,omitempty"`
	TotalPayout       string `json:"total_payout,omitempty"`
	EntityCount       int    `json:"entity_count"`
	State             string `json:"state,omitempty"`
	Allocation        string `json:"allocation,omitempty"`
	SupersededBatchID string `json:"superseded_batch_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// =============================================================================
// BATCHES
// =============================================================================

type EntityPayoutDTO struct {
	EntityID    string `json:"entity_id"`
	TotalPayout string `json:"total_payout"`
}

type SummaryDTO struct {
	TotalPayout        string            `json:"total_payout"`
	MedianPayout       string            `json:"median_payout"`
	ZeroPayoutCount    int               `json:"zero_payout_count"`
	EntityCount        int               `json:"entity_count"`
	FlaggedEntityCount int               `json:"flagged_entity_count"`
	ComponentTotals    map[string]string `json:"component_totals"`
	Top                []EntityPayoutDTO `json:"top"`
	Bottom             []EntityPayoutDTO `json:"bottom"`
	Flags              []string          `json:"flags"`
}

type SnapshotDTO struct {
	TotalPayout     string            `json:"total_payout"`
	ComponentTotals map[string]string `json:"component_totals"`
	EntityCount     int               `json:"entity_count"`
	TakenAt         string            `json:"taken_at"`
	TakenBy         string            `json:"taken_by"`
}

type BatchDTO struct {
	ID                 string       `json:"id"`
	TenantID           string       `json:"tenant_id"`
	PeriodID           string       `json:"period_id"`
	RuleSetID          string       `json:"rule_set_id"`
	State              string       `json:"state"`
	EntityCount        int          `json:"entity_count"`
	Summary            SummaryDTO   `json:"summary"`
	Snapshot           *SnapshotDTO `json:"official_snapshot,omitempty"`
	SupersededBy       *string      `json:"superseded_by"`
	SubmittedBy        string       `json:"submitted_by,omitempty"`
	ApprovedBy         string       `json:"approved_by,omitempty"`
	CreatedBy          string       `json:"created_by,omitempty"`
	CreatedAt          string       `json:"created_at"`
	CalculatedAt       string       `json:"calculated_at"`
	UpdatedAt          string       `json:"updated_at"`
	AllowedTransitions []string     `json:"allowed_transitions"`
}

type ResolvedMetricDTO struct {
	Value      string   `json:"value"`
	Confidence string   `json:"confidence"`
	Bucket     string   `json:"bucket,omitempty"`
	SourceRows []string `json:"source_rows,omitempty"`
	Flags      []string `json:"flags,omitempty"`
}

type ComponentResultDTO struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Payout      string            `json:"payout"`
	MatchedBand string            `json:"matched_band,omitempty"`
	Metrics     map[string]string `json:"metrics"`
	Flags       []string          `json:"flags,omitempty"`
}

type ResultDTO struct {
	ID            string                       `json:"id"`
	BatchID       string                       `json:"batch_id"`
	EntityID      string                       `json:"entity_id"`
	ExternalID    string                       `json:"external_id,omitempty"`
	TotalPayout   string                       `json:"total_payout"`
	Variant       string                       `json:"variant"`
	VariantReason string                       `json:"variant_reason"`
	Attainment    *string                      `json:"attainment"`
	Components    []ComponentResultDTO         `json:"components"`
	Metrics       map[string]ResolvedMetricDTO `json:"metrics"`
	Flags         []string                     `json:"flags"`
	Error         string                       `json:"error,omitempty"`
}

type TransitionRequest struct {
	ToState string `json:"to_state"`
	Details string `json:"details"`
}

type TransitionDTO struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Details string `json:"details,omitempty"`
	At      string `json:"at"`
}

// =============================================================================
// UPSTREAM DATA
// =============================================================================

type PeriodRequest struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Start  string `json:"start"` // YYYY-MM-DD
	End    string `json:"end"`   // YYYY-MM-DD
	Status string `json:"status"`
}

type EntityRequest struct {
	ID         string            `json:"id"`
	ExternalID string            `json:"external_id"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
	Active     *bool             `json:"active"`
}

type AssignmentRequest struct {
	RuleSetID string   `json:"rule_set_id"`
	EntityIDs []string `json:"entity_ids"`
}

type CommittedRowRequest struct {
	ID       string                        `json:"id"`
	EntityID string                        `json:"entity_id"`
	Data     map[string]compensation.Value `json:"row_data"`
}

type CommittedDataRequest struct {
	PeriodID string                `json:"period_id"`
	DataType string                `json:"data_type"`
	Rows     []CommittedRowRequest `json:"rows"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(compensation.MoneyPlaces)
}

func moneyMap(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = money(v)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func payoutDTOs(ps []compensation.EntityPayout) []EntityPayoutDTO {
	out := make([]EntityPayoutDTO, len(ps))
	for i, p := range ps {
		out[i] = EntityPayoutDTO{EntityID: string(p.EntityID), TotalPayout: money(p.TotalPayout)}
	}
	return out
}

func toBatchDTO(b compensation.Batch) BatchDTO {
	dto := BatchDTO{
		ID:          string(b.ID),
		TenantID:    string(b.TenantID),
		PeriodID:    string(b.PeriodID),
		RuleSetID:   string(b.RuleSetID),
		State:       string(b.State),
		EntityCount: b.EntityCount,
		Summary: SummaryDTO{
			TotalPayout:        money(b.Summary.TotalPayout),
			MedianPayout:       money(b.Summary.MedianPayout),
			ZeroPayoutCount:    b.Summary.ZeroPayoutCount,
			EntityCount:        b.Summary.EntityCount,
			FlaggedEntityCount: b.Summary.FlaggedEntityCount,
			ComponentTotals:    moneyMap(b.Summary.ComponentTotals),
			Top:                payoutDTOs(b.Summary.Top),
			Bottom:             payoutDTOs(b.Summary.Bottom),
			Flags:              emptyIfNil(b.Summary.Flags),
		},
		SubmittedBy:  b.SubmittedBy,
		ApprovedBy:   b.ApprovedBy,
		CreatedBy:    b.CreatedBy,
		CreatedAt:    formatTime(b.CreatedAt),
		CalculatedAt: formatTime(b.CalculatedAt),
		UpdatedAt:    formatTime(b.UpdatedAt),
	}
	if b.Snapshot != nil {
		dto.Snapshot = &SnapshotDTO{
			TotalPayout:     money(b.Snapshot.TotalPayout),
			ComponentTotals: moneyMap(b.Snapshot.ComponentTotals),
			EntityCount:     b.Snapshot.EntityCount,
			TakenAt:         formatTime(b.Snapshot.TakenAt),
			TakenBy:         b.Snapshot.TakenBy,
		}
	}
	if b.SupersededBy != nil {
		s := string(*b.SupersededBy)
		dto.SupersededBy = &s
	}
	dto.AllowedTransitions = []string{}
	if b.IsCurrent() {
		for _, s := range lifecycle.AllowedFrom(b.State) {
			dto.AllowedTransitions = append(dto.AllowedTransitions, string(s))
		}
	}
	return dto
}

func toResultDTO(r compensation.Result) ResultDTO {
	dto := ResultDTO{
		ID:            r.ID,
		BatchID:       string(r.BatchID),
		EntityID:      string(r.EntityID),
		ExternalID:    r.ExternalID,
		TotalPayout:   money(r.TotalPayout),
		Variant:       r.Variant,
		VariantReason: r.VariantReason,
		Components:    make([]ComponentResultDTO, len(r.Components)),
		Metrics:       make(map[string]ResolvedMetricDTO, len(r.Metrics)),
		Flags:         emptyIfNil(r.Flags),
		Error:         r.Error,
	}
	if r.Attainment != nil {
		a := r.Attainment.StringFixed(2)
		dto.Attainment = &a
	}
	for i, c := range r.Components {
		metrics := make(map[string]string, len(c.Metrics))
		for k, v := range c.Metrics {
			metrics[k] = v.String()
		}
		dto.Components[i] = ComponentResultDTO{
			Name:        c.Name,
			Type:        string(c.Type),
			Payout:      money(c.Payout),
			MatchedBand: c.MatchedBand,
			Metrics:     metrics,
			Flags:       c.Flags,
		}
	}
	for name, m := range r.Metrics {
		dto.Metrics[name] = ResolvedMetricDTO{
			Value:      m.Value.String(),
			Confidence: string(m.Confidence),
			Bucket:     m.Bucket,
			SourceRows: m.SourceRows,
			Flags:      m.Flags,
		}
	}
	return dto
}

func toTransitionDTO(t compensation.TransitionRecord) TransitionDTO {
	return TransitionDTO{
		ID:      t.ID,
		BatchID: string(t.BatchID),
		From:    string(t.From),
		To:      string(t.To),
		ActorID: t.ActorID,
		Role:    string(t.Role),
		Details: t.Details,
		At:      formatTime(t.At),
	}
}
