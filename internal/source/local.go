package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

const recordColumns = "siren, display_name, legal_form, address, industry_code, active, updated_at"

// LocalStore is the locally replicated company registry in PostgreSQL. It
// backs the tiered query strategies: a precomputed active-only search view,
// indexed lookups, and a last-resort full scan.
type LocalStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewLocalStore creates a new local registry store
func NewLocalStore(dsn string, logger *zap.Logger) (*LocalStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &LocalStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// NewLocalStoreWithPool wraps an existing pool, used by tests.
func NewLocalStoreWithPool(pool *pgxpool.Pool, logger *zap.Logger) *LocalStore {
	return &LocalStore{pool: pool, logger: logger}
}

// SearchActiveView queries the precomputed active-only search view. Terms of
// three or more characters use full-text matching ranked by relevance;
// shorter terms fall back to prefix matching within the view.
func (s *LocalStore) SearchActiveView(ctx context.Context, term string, fullText bool, limit, offset int) ([]model.SourceRecord, error) {
	var query string
	if fullText {
		query = `
			SELECT siren, display_name, legal_form, address, industry_code, true, updated_at
			FROM companies_active_search
			WHERE search_vector @@ plainto_tsquery('french', $1)
			ORDER BY ts_rank(search_vector, plainto_tsquery('french', $1)) DESC, siren
			LIMIT $2 OFFSET $3
		`
	} else {
		query = `
			SELECT siren, display_name, legal_form, address, industry_code, true, updated_at
			FROM companies_active_search
			WHERE lower(display_name) LIKE lower($1) || '%'
			ORDER BY display_name, siren
			LIMIT $2 OFFSET $3
		`
	}

	rows, err := s.pool.Query(ctx, query, term, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("active view search failed: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// LookupByIdentifier fetches one company by its 9-digit identifier.
// A missing company is (nil, nil), not an error.
func (s *LocalStore) LookupByIdentifier(ctx context.Context, identifier string, includeInactive bool) (*model.SourceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM companies WHERE siren = $1`, recordColumns)
	if !includeInactive {
		query += ` AND active`
	}

	var record model.SourceRecord
	err := s.pool.QueryRow(ctx, query, identifier).Scan(
		&record.Identifier,
		&record.DisplayName,
		&record.LegalForm,
		&record.Address,
		&record.IndustryCode,
		&record.Active,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identifier lookup failed: %w", err)
	}

	finalizeLocal(&record)
	return &record, nil
}

// SearchIndexed performs a prefix search against the indexed name column of
// the base table, optionally restricted to active companies.
func (s *LocalStore) SearchIndexed(ctx context.Context, term string, activeOnly bool, limit, offset int) ([]model.SourceRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM companies
		WHERE lower(display_name) LIKE lower($1) || '%%'
	`, recordColumns)
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY display_name, siren LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, term, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("indexed search failed: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ScanAll is the last-resort substring search across every descriptive
// column. Slow but exhaustive.
func (s *LocalStore) ScanAll(ctx context.Context, term string, activeOnly bool, limit, offset int) ([]model.SourceRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM companies
		WHERE (display_name ILIKE '%%' || $1 || '%%'
			OR address ILIKE '%%' || $1 || '%%'
			OR industry_code ILIKE '%%' || $1 || '%%'
			OR siren LIKE $1 || '%%')
	`, recordColumns)
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY display_name, siren LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, term, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("full scan failed: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// RefreshActiveView rebuilds the precomputed search view. Called from the
// admin surface after bulk data loads.
func (s *LocalStore) RefreshActiveView(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY companies_active_search`)
	if err != nil {
		return fmt.Errorf("failed to refresh search view: %w", err)
	}

	s.logger.Info("Refreshed active search view")
	return nil
}

// Ping checks database connectivity.
func (s *LocalStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *LocalStore) Close() {
	s.pool.Close()
}

func scanRecords(rows pgx.Rows) ([]model.SourceRecord, error) {
	var records []model.SourceRecord
	for rows.Next() {
		var record model.SourceRecord
		err := rows.Scan(
			&record.Identifier,
			&record.DisplayName,
			&record.LegalForm,
			&record.Address,
			&record.IndustryCode,
			&record.Active,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		finalizeLocal(&record)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return records, nil
}

func finalizeLocal(record *model.SourceRecord) {
	record.RawIdentifier = record.Identifier
	record.Source = model.SourceLocal
	record.CompletenessScore = scoreCompleteness(*record)
}
