package model

import "time"

// Source identifies one of the upstream providers of company data.
type Source string

const (
	// SourceLocal is the authoritative local store.
	SourceLocal Source = "local"
	// SourceRegistryA is the external company registry (rate-limited).
	SourceRegistryA Source = "registryA"
	// SourceRegistryB is the external legal-announcement registry.
	SourceRegistryB Source = "registryB"
)

// SourcePriority returns the merge priority of a source; lower is better.
// Unknown sources sort after every known one.
func SourcePriority(s Source) int {
	switch s {
	case SourceLocal:
		return 0
	case SourceRegistryA:
		return 1
	case SourceRegistryB:
		return 2
	default:
		return 3
	}
}

// AllSources lists the known sources in priority order.
func AllSources() []Source {
	return []Source{SourceLocal, SourceRegistryA, SourceRegistryB}
}

// SourceRecord is the canonical, source-tagged company record produced by the
// normalization step from each source's native shape.
type SourceRecord struct {
	// Identifier is the canonical 9-digit SIREN.
	Identifier string `json:"identifier"`
	// RawIdentifier keeps the upstream identifier (e.g. a 14-digit SIRET)
	// when it differed from the canonical one.
	RawIdentifier     string    `json:"raw_identifier,omitempty"`
	DisplayName       string    `json:"display_name"`
	LegalForm         string    `json:"legal_form,omitempty"`
	Address           string    `json:"address,omitempty"`
	IndustryCode      string    `json:"industry_code,omitempty"`
	Active            bool      `json:"active"`
	Source            Source    `json:"source"`
	CompletenessScore float64   `json:"completeness_score"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// MergedResult is one deduplicated, ranked entry of a search response. Built
// fresh per query; persisted only inside the cache entry holding the
// response.
type MergedResult struct {
	Identifier          string       `json:"identifier"`
	BestRecord          SourceRecord `json:"best_record"`
	RelevanceScore      int          `json:"relevance_score"`
	ContributingSources []Source     `json:"contributing_sources"`
}

// SourceError reports a non-fatal upstream failure attached to an otherwise
// successful response.
type SourceError struct {
	Source  Source `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pagination echoes the window applied to the result list.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// Performance carries per-request telemetry back to the caller.
type Performance struct {
	DurationMs int64  `json:"duration_ms"`
	Cached     bool   `json:"cached"`
	Strategy   string `json:"strategy,omitempty"`
	QueryClass string `json:"query_class,omitempty"`
}

// SearchResponse is the aggregate answer for one search request.
type SearchResponse struct {
	Success     bool           `json:"success"`
	Results     []MergedResult `json:"results"`
	Pagination  Pagination     `json:"pagination"`
	Performance Performance    `json:"performance"`
	Errors      []SourceError  `json:"errors,omitempty"`
}

// Clone returns a shallow copy with its own Results and Errors slices, so a
// cached response can be reshaped per caller without mutating shared state.
func (r *SearchResponse) Clone() *SearchResponse {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Results = make([]MergedResult, len(r.Results))
	copy(cp.Results, r.Results)
	if len(r.Errors) > 0 {
		cp.Errors = make([]SourceError, len(r.Errors))
		copy(cp.Errors, r.Errors)
	}
	return &cp
}
