package model

import (
	"fmt"
	"sort"
	"strings"
)

// QueryClass is the telemetry classification of a search term.
type QueryClass string

const (
	// QueryClassIdentifierExact is a strict 9-digit identifier query.
	QueryClassIdentifierExact QueryClass = "identifier-exact"
	// QueryClassFullText is a textual query long enough for full-text matching.
	QueryClassFullText QueryClass = "fulltext-search"
	// QueryClassPartialMatch is a short textual query needing partial matching.
	QueryClassPartialMatch QueryClass = "partial-match"
)

// fullTextMinLen is the minimum term length for full-text matching.
const fullTextMinLen = 3

// ClassifyTerm classifies a search term by length and character class.
func ClassifyTerm(term string) QueryClass {
	term = strings.TrimSpace(term)
	if IsExactIdentifier(term) {
		return QueryClassIdentifierExact
	}
	if len(term) >= fullTextMinLen {
		return QueryClassFullText
	}
	return QueryClassPartialMatch
}

// IsExactIdentifier reports whether the term is a strict 9-digit identifier.
func IsExactIdentifier(term string) bool {
	if len(term) != 9 {
		return false
	}
	for i := 0; i < len(term); i++ {
		if term[i] < '0' || term[i] > '9' {
			return false
		}
	}
	return true
}

// CanonicalIdentifier derives the canonical 9-digit identifier from an
// upstream identifier. A longer all-digit identifier (e.g. a 14-digit SIRET)
// contributes its first 9 digits. Returns "" when nothing canonical can be
// derived.
func CanonicalIdentifier(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) < 9 {
		return ""
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return ""
		}
	}
	return raw[:9]
}

// SearchQuery is one inbound search request.
type SearchQuery struct {
	Term       string   `json:"term"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
	ActiveOnly bool     `json:"active_only"`
	Sources    []Source `json:"sources,omitempty"`
}

// Normalize returns a copy with a canonical term and pagination clamped into
// [1, maxLimit] / [0, ∞). Source filters are sorted for stable keys.
func (q SearchQuery) Normalize(defaultLimit, maxLimit int) SearchQuery {
	q.Term = strings.ToLower(strings.Join(strings.Fields(q.Term), " "))
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if len(q.Sources) > 1 {
		sorted := make([]Source, len(q.Sources))
		copy(sorted, q.Sources)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		q.Sources = sorted
	}
	return q
}

// Class returns the telemetry classification of the query term.
func (q SearchQuery) Class() QueryClass {
	return ClassifyTerm(q.Term)
}

// WantsSource reports whether the query consults the given source. An empty
// filter consults every source.
func (q SearchQuery) WantsSource(s Source) bool {
	if len(q.Sources) == 0 {
		return true
	}
	for _, want := range q.Sources {
		if want == s {
			return true
		}
	}
	return false
}

// Key builds the exact request key used for deduplication and caching. Two
// requests with the same key are interchangeable.
func (q SearchQuery) Key() string {
	var b strings.Builder
	b.WriteString("search:v1:")
	b.WriteString(q.Term)
	fmt.Fprintf(&b, ":%d:%d:%t", q.Limit, q.Offset, q.ActiveOnly)
	for _, s := range q.Sources {
		b.WriteString(":")
		b.WriteString(string(s))
	}
	return b.String()
}

// PatternKey builds the coarse request pattern used for adaptive TTL
// frequency tracking; variants of one shape share a pattern even though their
// cache keys differ.
func (q SearchQuery) PatternKey() string {
	return "search:" + string(q.Class())
}

// BatchKey builds the grouping key for the batch window. Requests sharing a
// term ride one unit of backend work; an empty term is not batchable.
func (q SearchQuery) BatchKey() string {
	return q.Term
}
