package source

import (
	"context"
	"time"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// Registry is an external company data source consulted during fan-out.
// Implementations must honor ctx and map upstream failures to coded errors;
// a registry failure never fails the overall search.
type Registry interface {
	// Name identifies the source in merge priority and error reports.
	Name() model.Source
	// Search returns records matching term. includeInactive widens the search
	// to ceased companies where the upstream supports it.
	Search(ctx context.Context, term string, includeInactive bool, limit int) ([]model.SourceRecord, error)
	// Lookup fetches one company by its 9-digit identifier. A missing company
	// is (nil, nil), not an error.
	Lookup(ctx context.Context, identifier string) (*model.SourceRecord, error)
}

// ClientConfig holds the connection settings of one external registry.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateRPS   float64
	RateBurst int
}
