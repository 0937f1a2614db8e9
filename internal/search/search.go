// Package search filters cache records by fuzzy matching their keys.
package search

import (
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/mmcdole/rescache/internal/domain"
)

// Score penalties (lower = better)
const (
	scoreExact      = 0
	scorePrefix     = 10
	scoreSubstring  = 50
	scoreTypo       = 100
	scoreSubseq     = 1000
	extraTokenScore = 1
)

// Source supplies the records to filter.
type Source interface {
	Records() []domain.CacheRecord
}

// Result is a matching record with its score.
type Result struct {
	Record domain.CacheRecord
	Score  int
}

// Filter matches queries against record keys.
type Filter struct {
	source Source
	logger *slog.Logger
}

// NewFilter creates a record filter over source.
func NewFilter(source Source, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{source: source, logger: logger}
}

// Filter returns records whose key matches query, best first.
//
// Every query word must match a distinct word of the key, in any order, by
// exact, prefix, substring or small-typo match. When no record matches that
// way, keys containing the query as a case-insensitive subsequence are returned.
func (f *Filter) Filter(query string) []Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	records := f.source.Records()
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}

	results := rank(query, keys, records)
	f.logger.Debug("filtered records", "query", query, "results", len(results), "total", len(records))
	return results
}

func rank(query string, keys []string, records []domain.CacheRecord) []Result {
	var results []Result
	queryWords := words(query)
	for i, key := range keys {
		if score, ok := matchWords(queryWords, words(key)); ok {
			results = append(results, Result{Record: records[i], Score: score})
		}
	}

	if len(results) == 0 {
		for _, m := range fuzzy.RankFindFold(query, keys) {
			results = append(results, Result{Record: records[m.OriginalIndex], Score: scoreSubseq + m.Distance})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		return len(results[i].Record.Key) < len(results[j].Record.Key)
	})
	return results
}

// words splits s into lowercase letter/digit runs.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// matchWords pairs each query word with its best unused key word.
func matchWords(query, key []string) (int, bool) {
	if len(query) == 0 {
		return 0, false
	}
	used := make([]bool, len(key))
	total := 0
	for _, q := range query {
		best, bestIdx := -1, -1
		for i, k := range key {
			if used[i] {
				continue
			}
			if s := matchWord(q, k); s >= 0 && (best < 0 || s < best) {
				best, bestIdx = s, i
			}
		}
		if bestIdx < 0 {
			return 0, false
		}
		used[bestIdx] = true
		total += best
	}
	if extra := len(key) - len(query); extra > 0 {
		total += extra * extraTokenScore
	}
	return total, true
}

// matchWord returns a score, or -1 when q does not match k.
func matchWord(q, k string) int {
	switch {
	case q == k:
		return scoreExact
	case strings.HasPrefix(k, q):
		return scorePrefix
	}
	if idx := strings.Index(k, q); idx >= 0 {
		return scoreSubstring + idx
	}
	if maxTypos := allowedTypos(len([]rune(q))); maxTypos > 0 {
		if d := fuzzy.LevenshteinDistance(q, k); d <= maxTypos {
			return scoreTypo + d*20
		}
	}
	return -1
}

// allowedTypos: 1-3 chars = 0, 4-6 chars = 1, 7+ chars = 2
func allowedTypos(length int) int {
	switch {
	case length <= 3:
		return 0
	case length <= 6:
		return 1
	default:
		return 2
	}
}
