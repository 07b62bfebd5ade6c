package compensation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VALUE - Tagged scalar for loosely typed imported rows
// =============================================================================

// ValueKind tags which field of a Value is populated.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindText   ValueKind = "text"
	KindDate   ValueKind = "date"
)

// Value is one cell of an imported row. Rows never contain nested
// structures, only numbers, text and dates.
type Value struct {
	Kind ValueKind
	Num  decimal.Decimal
	Str  string
	Time time.Time
}

func Number(d decimal.Decimal) Value { return Value{Kind: KindNumber, Num: d} }
func NumberFloat(f float64) Value    { return Value{Kind: KindNumber, Num: decimal.NewFromFloat(f)} }
func Text(s string) Value            { return Value{Kind: KindText, Str: s} }
func Date(t time.Time) Value         { return Value{Kind: KindDate, Time: t.UTC()} }

const dateLayout = "2006-01-02"

// Number returns the numeric view of the value. Text is parsed after
// stripping whitespace, thousands separators, a leading currency sign and a
// trailing percent sign. Dates are never numeric.
func (v Value) Number() (decimal.Decimal, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindText:
		return parseLooseNumber(v.Str)
	default:
		return decimal.Zero, false
	}
}

// String renders the value the way it is compared in joins.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return v.Num.String()
	case KindDate:
		return v.Time.Format(dateLayout)
	default:
		return v.Str
	}
}

// Equal compares kinds and contents.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num.Equal(o.Num)
	case KindDate:
		return v.Time.Equal(o.Time)
	default:
		return v.Str == o.Str
	}
}

func parseLooseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimLeft(s, "$€£")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// =============================================================================
// JSON - numbers stay numbers, ISO dates become dates, everything else text
// =============================================================================

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return []byte(v.Num.String()), nil
	case KindDate:
		return json.Marshal(v.Time.Format(dateLayout))
	default:
		return json.Marshal(v.Str)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Text("")
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = ParseText(s)
		return nil
	case '{', '[':
		return fmt.Errorf("row values must be scalars, got %s", string(data))
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Text(fmt.Sprintf("%t", b))
		return nil
	default:
		d, err := decimal.NewFromString(string(data))
		if err != nil {
			return fmt.Errorf("invalid numeric value %s: %w", string(data), err)
		}
		*v = Number(d)
		return nil
	}
}

// ParseText classifies a raw string cell: ISO dates become Date values,
// anything else stays Text (numeric text is still usable via Number()).
func ParseText(s string) Value {
	trimmed := strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, trimmed); err == nil {
		return Date(t)
	}
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return Date(t)
	}
	return Text(s)
}
