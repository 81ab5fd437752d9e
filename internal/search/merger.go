package search

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// Merger combines per-source record lists into one deduplicated, relevance
// ranked result list.
type Merger struct {
	policies *PolicyManager
	logger   *zap.Logger
}

// NewMerger creates a new result merger
func NewMerger(policies *PolicyManager, logger *zap.Logger) *Merger {
	return &Merger{
		policies: policies,
		logger:   logger,
	}
}

// Merge deduplicates records by canonical identifier and ranks them. Sources
// are consumed in priority order, so on equal scores the higher-priority
// source keeps the slot; a strictly higher score replaces the best record
// while the contributing sources accumulate. Ordering is stable: ties keep
// their first-seen position.
func (m *Merger) Merge(bySource map[model.Source][]model.SourceRecord, now time.Time) []model.MergedResult {
	policy := m.policies.Current()

	sources := make([]model.Source, 0, len(bySource))
	for src := range bySource {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool {
		pi, pj := model.SourcePriority(sources[i]), model.SourcePriority(sources[j])
		if pi != pj {
			return pi < pj
		}
		return sources[i] < sources[j]
	})

	var ordered []model.MergedResult
	index := make(map[string]int)

	for _, src := range sources {
		for i, record := range bySource[src] {
			key := record.Identifier
			if key == "" {
				// Records that cannot be canonicalized never merge
				key = fmt.Sprintf("unkeyed:%s:%d", src, i)
			}

			score := policy.Score(record, now)

			pos, seen := index[key]
			if !seen {
				index[key] = len(ordered)
				ordered = append(ordered, model.MergedResult{
					Identifier:          key,
					BestRecord:          record,
					RelevanceScore:      score,
					ContributingSources: []model.Source{src},
				})
				continue
			}

			result := &ordered[pos]
			if !containsSource(result.ContributingSources, src) {
				result.ContributingSources = append(result.ContributingSources, src)
			}
			if score > result.RelevanceScore {
				result.BestRecord = record
				result.RelevanceScore = score
			}
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RelevanceScore > ordered[j].RelevanceScore
	})

	m.logger.Debug("Merged source records",
		zap.Int("sources", len(sources)),
		zap.Int("merged", len(ordered)))
	return ordered
}

func containsSource(sources []model.Source, src model.Source) bool {
	for _, s := range sources {
		if s == src {
			return true
		}
	}
	return false
}

// FilterActive drops results whose best record is inactive.
func FilterActive(results []model.MergedResult) []model.MergedResult {
	filtered := make([]model.MergedResult, 0, len(results))
	for _, result := range results {
		if result.BestRecord.Active {
			filtered = append(filtered, result)
		}
	}
	return filtered
}

// Paginate returns the [offset, offset+limit) window of results.
func Paginate(results []model.MergedResult, limit, offset int) []model.MergedResult {
	if offset >= len(results) || limit <= 0 {
		return []model.MergedResult{}
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	window := make([]model.MergedResult, end-offset)
	copy(window, results[offset:end])
	return window
}
