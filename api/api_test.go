package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/compensation"
	"github.com/warp/incentive-engine/compensation/store"
)

type client struct {
	t      *testing.T
	router http.Handler
}

func newClient(t *testing.T) *client {
	t.Helper()
	h := NewHandler(store.NewMemory(), nil, nil)
	return &client{t: t, router: NewRouter(h, nil)}
}

// do sends body as JSON with the given actor and decodes the response into
// out when out is non-nil.
func (c *client) do(method, path string, actor compensation.Actor, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set("X-Actor-ID", actor.ID)
	}
	if actor.Role != "" {
		req.Header.Set("X-Actor-Role", string(actor.Role))
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

var (
	admin    = compensation.Actor{ID: "admin-1", Role: compensation.RoleAdmin}
	approver = compensation.Actor{ID: "approver-1", Role: compensation.RoleApprover}
	viewer   = compensation.Actor{ID: "viewer-1", Role: compensation.RoleViewer}
)

const revenueShare = `{
  "id": "rev",
  "name": "Revenue Share",
  "input_bindings": {
    "match_mode": "exact",
    "metric_derivations": [
      {"metric_name": "revenue", "source_pattern": "Sales", "operation": "sum", "field": "amount"}
    ]
  },
  "variants": [
    {"id": "default", "components": [
      {"name": "share", "type": "percentage", "config": {"applied_to_metric": "revenue", "rate": 0.1}}
    ]}
  ]
}`

func TestHealth(t *testing.T) {
	c := newClient(t)
	var body map[string]string

	code := c.do(http.MethodGet, "/api/health", compensation.Actor{}, nil, &body)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestUpstreamLoadCalculateAndApprove(t *testing.T) {
	c := newClient(t)
	base := "/api/tenants/acme"

	// GIVEN: a period, a plan, two entities and their sales loaded over HTTP
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, base+"/periods", admin,
		PeriodRequest{ID: "2025-03", Start: "2025-03-01", End: "2025-03-31"}, nil))
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, base+"/rule-sets", admin,
		json.RawMessage(revenueShare), nil))
	for _, id := range []string{"e1", "e2"} {
		require.Equal(t, http.StatusCreated, c.do(http.MethodPost, base+"/entities", admin,
			EntityRequest{ID: id, Name: id}, nil))
	}
	var assigned map[string]int
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, base+"/assignments", admin,
		AssignmentRequest{RuleSetID: "rev", EntityIDs: []string{"e1", "e2"}}, &assigned))
	assert.Equal(t, 2, assigned["assigned"])
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, base+"/committed-data", admin,
		CommittedDataRequest{PeriodID: "2025-03", DataType: "Sales", Rows: []CommittedRowRequest{
			{EntityID: "e1", Data: map[string]compensation.Value{"amount": compensation.NumberFloat(1000)}},
			{EntityID: "e1", Data: map[string]compensation.Value{"amount": compensation.NumberFloat(250)}},
			{EntityID: "e2", Data: map[string]compensation.Value{"amount": compensation.NumberFloat(500)}},
		}}, nil))

	// WHEN: an admin runs the calculation
	var run RunCalculationResponse
	code := c.do(http.MethodPost, base+"/calculations", admin,
		RunCalculationRequest{PeriodID: "2025-03", RuleSetID: "rev"}, &run)

	// THEN: a PREVIEW batch pays 10% of revenue
	require.Equal(t, http.StatusOK, code, run.Error)
	assert.True(t, run.Success)
	assert.Equal(t, "175.00", run.TotalPayout)
	assert.Equal(t, 2, run.EntityCount)
	assert.Equal(t, "PREVIEW", run.State)
	assert.Equal(t, "created", run.Allocation)
	batchURL := base + "/batches/" + run.BatchID

	// AND: viewers cannot see it yet
	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, batchURL, viewer, nil, &errResp))

	// AND: they cannot move it either, nor learn anything from trying
	errResp = ErrorResponse{}
	code = c.do(http.MethodPost, batchURL+"/transitions", viewer, TransitionRequest{ToState: "OFFICIAL"}, &errResp)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotContains(t, errResp.Details, "175")

	var results []ResultDTO
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, batchURL+"/results", admin, nil, &results))
	require.Len(t, results, 2)
	assert.Equal(t, "e1", results[0].EntityID)
	assert.Equal(t, "125.00", results[0].TotalPayout)
	assert.Equal(t, "1250", results[0].Metrics["revenue"].Value)

	// WHEN: the batch is walked to APPROVED
	move := func(actor compensation.Actor, to string, out any) int {
		return c.do(http.MethodPost, batchURL+"/transitions", actor, TransitionRequest{ToState: to}, out)
	}
	var batch BatchDTO
	require.Equal(t, http.StatusOK, move(admin, "OFFICIAL", &batch))
	require.NotNil(t, batch.Snapshot)
	assert.Equal(t, "175.00", batch.Snapshot.TotalPayout)
	require.Equal(t, http.StatusOK, move(admin, "PENDING_APPROVAL", nil))

	// THEN: the submitter may not approve, an approver may
	assert.Equal(t, http.StatusBadRequest, move(admin, "APPROVED", &errResp))
	assert.Contains(t, errResp.Details, "separation of duties")
	require.Equal(t, http.StatusOK, move(approver, "APPROVED", &batch))
	assert.Equal(t, "approver-1", batch.ApprovedBy)

	// AND: a recalculation is now refused
	assert.Equal(t, http.StatusConflict, c.do(http.MethodPost, base+"/calculations", admin,
		RunCalculationRequest{PeriodID: "2025-03", RuleSetID: "rev"}, &run))
	assert.False(t, run.Success)

	// AND: once POSTED, viewers see the batch and its audit trail
	require.Equal(t, http.StatusOK, move(admin, "POSTED", nil))
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, batchURL, viewer, nil, &batch))
	assert.Equal(t, "POSTED", batch.State)
	var trail []TransitionDTO
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, batchURL+"/transitions", viewer, nil, &trail))
	assert.Len(t, trail, 4)

	var listed []BatchDTO
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, base+"/batches?period_id=2025-03", viewer, nil, &listed))
	assert.Len(t, listed, 1)
}

func TestRunCalculation_Errors(t *testing.T) {
	c := newClient(t)
	var run RunCalculationResponse

	code := c.do(http.MethodPost, "/api/tenants/acme/calculations", admin,
		RunCalculationRequest{PeriodID: "2025-03", RuleSetID: "rev"}, &run)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, run.Error)

	code = c.do(http.MethodPost, "/api/tenants/acme/calculations", admin,
		RunCalculationRequest{}, &run)
	assert.Equal(t, http.StatusBadRequest, code)

	code = c.do(http.MethodPost, "/api/tenants/acme/calculations", compensation.Actor{ID: "x", Role: "owner"},
		RunCalculationRequest{PeriodID: "2025-03", RuleSetID: "rev"}, &run)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreatePeriod_Validation(t *testing.T) {
	c := newClient(t)

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/tenants/acme/periods", admin,
		PeriodRequest{ID: "p", Start: "2025-03-31", End: "2025-03-01"}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/tenants/acme/periods", admin,
		PeriodRequest{ID: "p", Start: "March", End: "2025-03-01"}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/tenants/acme/rule-sets", admin,
		json.RawMessage(`{"id": "x", "variants": []}`), nil))
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestLoadScenario_RetailFloor(t *testing.T) {
	c := newClient(t)

	// WHEN: the retail scenario is loaded
	var loaded map[string]string
	code := c.do(http.MethodPost, "/api/scenarios/load", admin, LoadScenarioRequest{ScenarioID: "retail-floor"}, &loaded)

	// THEN: it is calculated straight away
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(ScenarioTenant), loaded["tenant_id"])
	var batch BatchDTO
	require.Equal(t, http.StatusOK, c.do(http.MethodGet,
		"/api/tenants/demo/batches/"+loaded["batch_id"], admin, nil, &batch))
	assert.Equal(t, "2007.50", batch.Summary.TotalPayout)
	assert.Equal(t, 5, batch.EntityCount)
	assert.Equal(t, 1, batch.Summary.ZeroPayoutCount)

	var current ScenarioDTO
	c.do(http.MethodGet, "/api/scenarios/current", compensation.Actor{}, nil, &current)
	assert.Equal(t, "retail-floor", current.ID)
}

func TestLoadScenario_FlatTierReplacesPrevious(t *testing.T) {
	c := newClient(t)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/scenarios/load", admin, LoadScenarioRequest{ScenarioID: "retail-floor"}, nil))

	var loaded map[string]string
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/scenarios/load", admin, LoadScenarioRequest{ScenarioID: "flat-tier"}, &loaded))

	var listed []BatchDTO
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/tenants/demo/batches?include_superseded=true", admin, nil, &listed))
	require.Len(t, listed, 1, "loading a scenario resets the store")
	assert.Equal(t, "quarterly-attainment", listed[0].RuleSetID)
	assert.Equal(t, "700.00", listed[0].Summary.TotalPayout)
}

func TestLoadScenario_Unknown(t *testing.T) {
	c := newClient(t)

	code := c.do(http.MethodPost, "/api/scenarios/load", admin, LoadScenarioRequest{ScenarioID: "nope"}, nil)

	assert.Equal(t, http.StatusBadRequest, code)
	var list []ScenarioDTO
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/scenarios", compensation.Actor{}, nil, &list))
	assert.Len(t, list, 2)
}
