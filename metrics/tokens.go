package metrics

import (
	"strings"
	"unicode"
)

// DefaultStopWords are dropped before comparing names. Import sheets are
// commonly named in English or Spanish ("Datos de Ventas").
var DefaultStopWords = []string{
	"the", "of", "and", "a", "an", "data", "sheet", "tab", "report",
	"de", "del", "la", "el", "los", "las", "y", "datos",
}

// Tokenize splits a name on separators, lower/upper case changes, acronym
// ends and letter/digit boundaries, lowercases the pieces and drops stop
// words. "StoreSales_2025 Data" -> [store sales 2025].
func Tokenize(name string, stop map[string]bool) []string {
	var (
		tokens []string
		cur    []rune
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		t := strings.ToLower(string(cur))
		cur = cur[:0]
		if !stop[t] {
			tokens = append(tokens, t)
		}
	}

	runes := []rune(name)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			switch {
			case unicode.IsDigit(r) != unicode.IsDigit(prev):
				flush()
			case unicode.IsUpper(r) && unicode.IsLower(prev):
				flush()
			case unicode.IsUpper(r) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
				// "HTTPServer": split before the S
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}

// Normalize joins the tokens of name with underscores.
func Normalize(name string, stop map[string]bool) string {
	return strings.Join(Tokenize(name, stop), "_")
}

// Overlap is the Jaccard ratio |A∩B| / |A∪B| of two token lists.
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]int, len(a)+len(b))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	inter := 0
	for _, m := range set {
		if m == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

func stopSet(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = true
	}
	return m
}
