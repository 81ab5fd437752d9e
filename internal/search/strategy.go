package search

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// Strategy labels, reported in response performance metadata.
const (
	StrategyActiveView = "active_view"
	StrategyIndexed    = "indexed"
	StrategyFullScan   = "full_scan"
)

// LocalSearcher is the tier query surface of the local registry store.
type LocalSearcher interface {
	SearchActiveView(ctx context.Context, term string, fullText bool, limit, offset int) ([]model.SourceRecord, error)
	LookupByIdentifier(ctx context.Context, identifier string, includeInactive bool) (*model.SourceRecord, error)
	SearchIndexed(ctx context.Context, term string, activeOnly bool, limit, offset int) ([]model.SourceRecord, error)
	ScanAll(ctx context.Context, term string, activeOnly bool, limit, offset int) ([]model.SourceRecord, error)
}

type tier struct {
	name string
	run  func(ctx context.Context) ([]model.SourceRecord, error)
}

// Selector executes local queries through tiered strategies, cheapest first.
// A tier's error escalates silently to the next tier; empty results are a
// final answer, not a reason to escalate. When the last tier fails the
// search itself has failed.
type Selector struct {
	local  LocalSearcher
	prom   *metrics.Metrics
	logger *zap.Logger
}

// NewSelector creates a new tiered strategy selector. prom may be nil when
// Prometheus exposition is disabled.
func NewSelector(local LocalSearcher, prom *metrics.Metrics, logger *zap.Logger) *Selector {
	return &Selector{
		local:  local,
		prom:   prom,
		logger: logger,
	}
}

// Execute runs query through its strategy chain and returns the records of
// the first tier that succeeds, with the tier's strategy label.
func (s *Selector) Execute(ctx context.Context, query model.SearchQuery) ([]model.SourceRecord, string, error) {
	tiers := s.plan(query)

	var lastErr error
	for i, t := range tiers {
		records, err := t.run(ctx)
		if err == nil {
			return records, t.name, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if i+1 < len(tiers) {
			next := tiers[i+1].name
			s.logger.Warn("Query strategy failed, escalating",
				zap.String("from", t.name),
				zap.String("to", next),
				zap.String("term", query.Term),
				zap.Error(err))
			if s.prom != nil {
				s.prom.RecordStrategyEscalation(t.name, next)
			}
		}
	}

	return nil, "", apperrors.Wrap(apperrors.ErrorCodeSearchError, "all query strategies failed", lastErr)
}

// plan builds the strategy chain for a query. Identifier queries start at
// the indexed tier; the precomputed view only serves active-only searches.
func (s *Selector) plan(query model.SearchQuery) []tier {
	if query.Class() == model.QueryClassIdentifierExact {
		return []tier{
			{name: StrategyIndexed, run: func(ctx context.Context) ([]model.SourceRecord, error) {
				record, err := s.local.LookupByIdentifier(ctx, query.Term, !query.ActiveOnly)
				if err != nil {
					return nil, err
				}
				if record == nil {
					return nil, nil
				}
				return []model.SourceRecord{*record}, nil
			}},
			s.fullScanTier(query),
		}
	}

	tiers := make([]tier, 0, 3)
	if query.ActiveOnly {
		fullText := query.Class() == model.QueryClassFullText
		tiers = append(tiers, tier{name: StrategyActiveView, run: func(ctx context.Context) ([]model.SourceRecord, error) {
			return s.local.SearchActiveView(ctx, query.Term, fullText, query.Limit, query.Offset)
		}})
	}
	tiers = append(tiers, tier{name: StrategyIndexed, run: func(ctx context.Context) ([]model.SourceRecord, error) {
		return s.local.SearchIndexed(ctx, query.Term, query.ActiveOnly, query.Limit, query.Offset)
	}})
	tiers = append(tiers, s.fullScanTier(query))
	return tiers
}

func (s *Selector) fullScanTier(query model.SearchQuery) tier {
	return tier{name: StrategyFullScan, run: func(ctx context.Context) ([]model.SourceRecord, error) {
		return s.local.ScanAll(ctx, query.Term, query.ActiveOnly, query.Limit, query.Offset)
	}}
}
