package metrics

import (
	"path"
	"sort"
	"strings"
)

// Strategy records how a bucket was found.
type Strategy string

const (
	StrategyExact Strategy = "exact"
	StrategyGlob  Strategy = "glob"
	StrategyFuzzy Strategy = "fuzzy"
)

// Candidate is a selected data_type bucket.
type Candidate struct {
	Name     string
	Score    float64
	Strategy Strategy
}

// Matcher picks the data_type bucket a source pattern refers to. Names are
// the available buckets; implementations must be deterministic.
type Matcher interface {
	Match(pattern string, names []string) (Candidate, bool)
}

// =============================================================================
// EXACT - configured names, case-insensitive names, glob patterns
// =============================================================================

// ExactMatcher never guesses. When several buckets qualify at the same step
// (case-insensitive twins, glob hits) the lexicographically smallest wins.
type ExactMatcher struct{}

func (ExactMatcher) Match(pattern string, names []string) (Candidate, bool) {
	sorted := sortedCopy(names)
	for _, n := range sorted {
		if n == pattern {
			return Candidate{Name: n, Score: 1, Strategy: StrategyExact}, true
		}
	}
	for _, n := range sorted {
		if strings.EqualFold(strings.TrimSpace(n), strings.TrimSpace(pattern)) {
			return Candidate{Name: n, Score: 1, Strategy: StrategyExact}, true
		}
	}
	if strings.ContainsAny(pattern, "*?[") {
		lp := strings.ToLower(pattern)
		for _, n := range sorted {
			if ok, err := path.Match(lp, strings.ToLower(n)); err == nil && ok {
				return Candidate{Name: n, Score: 1, Strategy: StrategyGlob}, true
			}
		}
	}
	return Candidate{}, false
}

// =============================================================================
// FUZZY - token overlap scoring
// =============================================================================

// DefaultThreshold is the minimum overlap a fuzzy candidate needs.
const DefaultThreshold = 0.5

// FuzzyMatcher scores every bucket by token overlap with the pattern and
// returns the best one at or above Threshold. Equal scores resolve to the
// lexicographically smallest bucket name (byte order), so the choice never
// depends on the order buckets were imported in.
type FuzzyMatcher struct {
	Threshold float64
	stop      map[string]bool
}

func NewFuzzyMatcher(threshold float64, stopWords []string) *FuzzyMatcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if stopWords == nil {
		stopWords = DefaultStopWords
	}
	return &FuzzyMatcher{Threshold: threshold, stop: stopSet(stopWords)}
}

func (f *FuzzyMatcher) Match(pattern string, names []string) (Candidate, bool) {
	want := Tokenize(pattern, f.stop)
	if len(want) == 0 {
		return Candidate{}, false
	}
	var best Candidate
	found := false
	for _, n := range sortedCopy(names) {
		score := Overlap(want, Tokenize(n, f.stop))
		if score < f.Threshold {
			continue
		}
		// Names are visited in ascending order, so a strict comparison keeps
		// the smallest name among equal scores.
		if !found || score > best.Score {
			best = Candidate{Name: n, Score: score, Strategy: StrategyFuzzy}
			found = true
		}
	}
	return best, found
}

// =============================================================================
// CHAIN
// =============================================================================

// Chain tries matchers in order and returns the first hit.
type Chain []Matcher

func (c Chain) Match(pattern string, names []string) (Candidate, bool) {
	for _, m := range c {
		if cand, ok := m.Match(pattern, names); ok {
			return cand, true
		}
	}
	return Candidate{}, false
}

func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
