package rules

import (
	"fmt"
	"strings"

	"github.com/warp/incentive-engine/compensation"
)

// Selection is the variant chosen for an entity and why.
type Selection struct {
	Variant   compensation.Variant
	Index     int
	Reason    string
	Matches   []string
	Ambiguous bool
}

// SelectVariant walks variants in declared order and picks the first whose
// eligibility the entity satisfies. No match falls back to the first
// variant; no match and multiple matches both set Ambiguous so the audit
// trail shows it.
func SelectVariant(entity compensation.Entity, variants []compensation.Variant) (Selection, error) {
	if len(variants) == 0 {
		return Selection{}, &compensation.ConfigurationError{Reason: "rule set has no variants"}
	}

	sel := Selection{Index: -1}
	for i, v := range variants {
		if !Eligible(entity, v.Eligibility) {
			continue
		}
		sel.Matches = append(sel.Matches, v.ID)
		if sel.Index < 0 {
			sel.Index = i
		}
	}

	switch len(sel.Matches) {
	case 0:
		sel.Index = 0
		sel.Ambiguous = true
		sel.Reason = fmt.Sprintf("no variant eligible; defaulted to first variant %s", variants[0].ID)
	case 1:
		sel.Reason = fmt.Sprintf("eligible for variant %s", variants[sel.Index].ID)
	default:
		sel.Ambiguous = true
		sel.Reason = fmt.Sprintf("eligible for %d variants (%s); first match %s used",
			len(sel.Matches), strings.Join(sel.Matches, ", "), variants[sel.Index].ID)
	}
	sel.Variant = variants[sel.Index]
	return sel, nil
}

// Eligible evaluates the conjunction of attribute tests.
func Eligible(entity compensation.Entity, el compensation.Eligibility) bool {
	for _, c := range el.All {
		if !holds(entity, c) {
			return false
		}
	}
	return true
}

func holds(entity compensation.Entity, c compensation.Condition) bool {
	v, ok := entity.Attribute(c.Field)
	switch c.Op {
	case compensation.CondExists:
		return ok && strings.TrimSpace(v) != ""
	case compensation.CondEq:
		return ok && strings.EqualFold(v, c.Value)
	case compensation.CondNe:
		return !ok || !strings.EqualFold(v, c.Value)
	case compensation.CondIn:
		return ok && contains(c.Values, v)
	case compensation.CondNotIn:
		return !ok || !contains(c.Values, v)
	}
	return false
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
