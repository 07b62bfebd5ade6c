package metrics

import (
	"sort"
	"strings"

	"github.com/warp/incentive-engine/compensation"
)

// DefaultEntityKeyFields are the row_data keys that identify an entity by
// its external id on entity-scope rows that carry no relational id.
var DefaultEntityKeyFields = []string{"entity_id", "employee_id", "external_id"}

// DataSet holds one period's committed rows grouped by data_type. It is
// built once per run and only read afterwards, so workers share it without
// locking.
type DataSet struct {
	buckets map[string][]compensation.CommittedRow
	names   []string
}

// NewDataSet groups rows by data type. Rows inside a bucket are ordered by
// id so "first" and trace output are stable.
func NewDataSet(rows []compensation.CommittedRow) *DataSet {
	ds := &DataSet{buckets: make(map[string][]compensation.CommittedRow)}
	for _, r := range rows {
		ds.buckets[r.DataType] = append(ds.buckets[r.DataType], r)
	}
	for name, rs := range ds.buckets {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
		ds.names = append(ds.names, name)
	}
	sort.Strings(ds.names)
	return ds
}

// DataTypes returns the bucket names in ascending order.
func (ds *DataSet) DataTypes() []string {
	return append([]string(nil), ds.names...)
}

// Rows returns a bucket's rows.
func (ds *DataSet) Rows(dataType string) []compensation.CommittedRow {
	return ds.buckets[dataType]
}

// RowCount is the number of rows across all buckets.
func (ds *DataSet) RowCount() int {
	n := 0
	for _, rs := range ds.buckets {
		n += len(rs)
	}
	return n
}

// =============================================================================
// BUCKET INDEX - row lookup by entity or group key
// =============================================================================

type bucketIndex struct {
	rows []compensation.CommittedRow

	// entity-scope lookups
	byEntityID map[compensation.EntityID][]int
	byKeyField map[string][]int

	// group-scope lookups, per join field, split by row level
	groupRows  map[string]map[string][]int
	memberRows map[string]map[string][]int
}

func newBucketIndex(rows []compensation.CommittedRow, keyFields []string) *bucketIndex {
	idx := &bucketIndex{
		rows:       rows,
		byEntityID: make(map[compensation.EntityID][]int),
		byKeyField: make(map[string][]int),
		groupRows:  make(map[string]map[string][]int),
		memberRows: make(map[string]map[string][]int),
	}
	for i, r := range rows {
		if r.EntityID != "" {
			idx.byEntityID[r.EntityID] = append(idx.byEntityID[r.EntityID], i)
		}
		seen := make(map[string]bool)
		for _, f := range keyFields {
			v, ok := r.Data[f]
			if !ok {
				continue
			}
			k := joinKey(v.String())
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			idx.byKeyField[k] = append(idx.byKeyField[k], i)
		}
	}
	return idx
}

// addJoin indexes rows by the given row_data field for group scope.
func (idx *bucketIndex) addJoin(field string) {
	if _, done := idx.groupRows[field]; done {
		return
	}
	group := make(map[string][]int)
	member := make(map[string][]int)
	for i, r := range idx.rows {
		v, ok := r.Data[field]
		if !ok {
			continue
		}
		k := joinKey(v.String())
		if k == "" {
			continue
		}
		if r.IsGroupLevel() {
			group[k] = append(group[k], i)
		} else {
			member[k] = append(member[k], i)
		}
	}
	idx.groupRows[field] = group
	idx.memberRows[field] = member
}

// entityRows returns rows whose relational id is the entity, or whose key
// fields carry the entity's external id (or id).
func (idx *bucketIndex) entityRows(e compensation.Entity) []compensation.CommittedRow {
	var hits [][]int
	hits = append(hits, idx.byEntityID[e.ID])
	if k := joinKey(e.ExternalID); k != "" {
		hits = append(hits, idx.byKeyField[k])
	}
	if k := joinKey(string(e.ID)); k != "" && k != joinKey(e.ExternalID) {
		hits = append(hits, idx.byKeyField[k])
	}
	return idx.collect(hits...)
}

// groupRowsFor returns aggregate rows whose join field equals the entity's
// group attribute. When the bucket has no aggregate row for that group it
// rolls up the member-level rows carrying the same join value.
func (idx *bucketIndex) groupRowsFor(e compensation.Entity, attribute, field string) []compensation.CommittedRow {
	v, ok := e.Attribute(attribute)
	k := joinKey(v)
	if !ok || k == "" {
		return nil
	}
	if rows := idx.collect(idx.groupRows[field][k]); len(rows) > 0 {
		return rows
	}
	return idx.collect(idx.memberRows[field][k])
}

func (idx *bucketIndex) collect(lists ...[]int) []compensation.CommittedRow {
	seen := make(map[int]bool)
	var ids []int
	for _, l := range lists {
		for _, i := range l {
			if !seen[i] {
				seen[i] = true
				ids = append(ids, i)
			}
		}
	}
	sort.Ints(ids)
	out := make([]compensation.CommittedRow, len(ids))
	for j, i := range ids {
		out[j] = idx.rows[i]
	}
	return out
}

// joinKey normalizes a join value. Numeric keys imported as 101 and "101.0"
// compare equal to the attribute "101".
func joinKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.Contains(s, ".") {
		trimmed := strings.TrimRight(strings.TrimRight(s, "0"), ".")
		if trimmed != "" && isDigits(trimmed) {
			return trimmed
		}
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
