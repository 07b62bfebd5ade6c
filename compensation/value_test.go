package compensation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_NumberReadsLooseText(t *testing.T) {
	cases := map[string]string{
		"$1,200.50": "1200.5",
		" 12.5% ":   "12.5",
		"€3 400":    "3400",
		"£-7.25":    "-7.25",
		"42":        "42",
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			got, ok := Text(raw).Number()

			require.True(t, ok)
			assert.True(t, decimal.RequireFromString(want).Equal(got), "got %s", got)
		})
	}
}

func TestValue_NumberRejects(t *testing.T) {
	for _, v := range []Value{Text("n/a"), Text(""), Text("%"), Text("1.2.3"), Date(time.Now())} {
		_, ok := v.Number()
		assert.False(t, ok, "%+v", v)
	}

	got, ok := Number(decimal.NewFromInt(5)).Number()
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(5).Equal(got))
}

func TestParseText_DetectsDates(t *testing.T) {
	d := ParseText("2025-03-31")
	assert.Equal(t, KindDate, d.Kind)
	assert.True(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC).Equal(d.Time))

	ts := ParseText("2025-03-31T10:00:00+02:00")
	assert.Equal(t, KindDate, ts.Kind)
	assert.True(t, time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC).Equal(ts.Time))
	assert.Equal(t, time.UTC, ts.Time.Location())

	for _, s := range []string{"31/03/2025", "March 31", "2025-13-01", "1,200"} {
		assert.Equal(t, KindText, ParseText(s).Kind, s)
	}
}

func TestValue_UnmarshalRow(t *testing.T) {
	// GIVEN: a row with one cell of every scalar shape
	raw := `{"amount": 1.50, "day": "2025-03-31", "region": "north", "closed": true, "note": null, "pct": "12%"}`

	// WHEN: decoded
	var row map[string]Value
	require.NoError(t, json.Unmarshal([]byte(raw), &row))

	// THEN: numbers stay numbers, ISO dates become dates, the rest is text
	assert.Equal(t, KindNumber, row["amount"].Kind)
	assert.True(t, decimal.RequireFromString("1.5").Equal(row["amount"].Num))
	assert.Equal(t, KindDate, row["day"].Kind)
	assert.Equal(t, Text("north"), row["region"])
	assert.Equal(t, Text("true"), row["closed"])
	assert.Equal(t, Text(""), row["note"])
	assert.Equal(t, KindText, row["pct"].Kind)
	pct, ok := row["pct"].Number()
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(12).Equal(pct), "percent text is not rescaled")
}

func TestValue_UnmarshalRejectsNestedValues(t *testing.T) {
	for _, raw := range []string{
		`{"amount": {"value": 10}}`,
		`{"amount": [10, 20]}`,
	} {
		var row map[string]Value
		err := json.Unmarshal([]byte(raw), &row)
		assert.ErrorContains(t, err, "must be scalars", raw)
	}
}

func TestValue_MarshalKeepsKinds(t *testing.T) {
	out, err := json.Marshal(map[string]Value{
		"amount": Number(decimal.RequireFromString("10.25")),
		"day":    Date(time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)),
		"region": Text("north"),
	})

	require.NoError(t, err)
	assert.JSONEq(t, `{"amount": 10.25, "day": "2025-03-31", "region": "north"}`, string(out))
}
