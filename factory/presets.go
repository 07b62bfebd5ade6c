package factory

import "fmt"

// =============================================================================
// PRESET PLAN DOCUMENTS
// =============================================================================
// Presets return JSON so they go through the same parse path as documents
// uploaded by administrators.

// RetailFloorPlanJSON is a two-variant store plan:
//   - managers earn a percentage of their store's revenue plus a
//     store-attainment x team-size matrix bonus
//   - associates earn a tiered rate on personal revenue plus a conditional
//     unit bonus
func RetailFloorPlanJSON(id, name string) string {
	return fmt.Sprintf(`{
  "id": %q,
  "name": %q,
  "version": 1,
  "input_bindings": {
    "match_mode": "fuzzy",
    "metric_derivations": [
      {"metric_name": "revenue", "source_pattern": "Sales Detail", "operation": "sum", "scope": "entity", "field": "amount"},
      {"metric_name": "units", "source_pattern": "Sales Detail", "operation": "sum", "scope": "entity", "field": "units"},
      {"metric_name": "revenue_target", "source_pattern": "Targets", "operation": "first", "scope": "entity", "field": "target"},
      {"metric_name": "store_revenue", "source_pattern": "Store Totals", "operation": "sum", "scope": "group", "field": "revenue", "group_attribute": "store_id"},
      {"metric_name": "store_attainment", "source_pattern": "Store Totals", "operation": "avg", "scope": "group", "field": "attainment_pct", "group_attribute": "store_id"},
      {"metric_name": "team_size", "source_pattern": "Store Totals", "operation": "max", "scope": "group", "field": "headcount", "group_attribute": "store_id"}
    ]
  },
  "attainment": {"metric": "revenue", "target_metric": "revenue_target"},
  "variants": [
    {
      "id": "manager",
      "name": "Store Manager",
      "eligibility": {"all": [{"field": "role", "op": "eq", "value": "manager"}]},
      "components": [
        {"name": "store_override", "type": "percentage", "config": {"applied_to_metric": "store_revenue", "rate": 0.01}},
        {"name": "store_matrix", "type": "matrix", "config": {
          "row_metric": "store_attainment",
          "column_metric": "team_size",
          "row_bands": [
            {"min": 0, "max": 90, "label": "below"},
            {"min": 90, "max": 110, "label": "on_target"},
            {"min": 110, "max": null, "label": "above"}
          ],
          "column_bands": [
            {"min": 0, "max": 10, "label": "small"},
            {"min": 10, "max": null, "label": "large"}
          ],
          "payout_matrix": [[0, 0], [250, 400], [500, 800]]
        }}
      ]
    },
    {
      "id": "associate",
      "name": "Sales Associate",
      "eligibility": {"all": [{"field": "role", "op": "in", "values": ["associate", "senior_associate"]}]},
      "components": [
        {"name": "revenue_tier", "type": "tier", "config": {
          "metric": "revenue",
          "tiers": [
            {"min": 0, "max": 5000, "rate": 0.02, "label": "base"},
            {"min": 5000, "max": 10000, "rate": 0.03, "label": "target"},
            {"min": 10000, "max": null, "rate": 0.04, "label": "accelerator"}
          ]
        }},
        {"name": "unit_bonus", "type": "conditional_percentage", "config": {
          "applied_to_metric": "revenue",
          "conditions": [
            {"metric": "units", "min": 100, "rate": 0.01, "label": "high_volume"},
            {"metric": "units", "min": 50, "max": 100, "rate": 0.005, "label": "volume"}
          ]
        }}
      ]
    }
  ]
}`, id, name)
}

// FlatTierPlanJSON is a single-variant plan paying a flat amount per tier of
// one metric. Tiers: [0,80) 0, [80,120) 100, [120,inf) 250.
func FlatTierPlanJSON(id, name, metric, sourcePattern string) string {
	return fmt.Sprintf(`{
  "id": %q,
  "name": %q,
  "input_bindings": {
    "metric_derivations": [
      {"metric_name": %q, "source_pattern": %q, "operation": "sum", "scope": "entity"}
    ]
  },
  "variants": [
    {
      "id": "default",
      "components": [
        {"name": "attainment_tier", "type": "tier", "config": {
          "metric": %q,
          "tiers": [
            {"min": 0, "max": 80, "value": 0, "label": "below"},
            {"min": 80, "max": 120, "value": 100, "label": "target"},
            {"min": 120, "max": null, "value": 250, "label": "stretch"}
          ]
        }}
      ]
    }
  ]
}`, id, name, metric, sourcePattern, metric)
}
