package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// registryACompany is the official registry's wire format for one company.
type registryACompany struct {
	Siren          string `json:"siren"`
	NomComplet     string `json:"nom_complet"`
	FormeJuridique string `json:"forme_juridique"`
	Adresse        string `json:"adresse"`
	CodeNAF        string `json:"code_naf"`
	Etat           string `json:"etat"`
	DateMiseAJour  string `json:"date_mise_a_jour"`
}

type registryASearchResponse struct {
	Total   int                `json:"total"`
	Results []registryACompany `json:"results"`
}

// RegistryAClient queries the official company registry over HTTP. Calls are
// rate limited client-side; an upstream 429 surfaces as a rate limit error
// so the caller can report the source as throttled rather than down.
type RegistryAClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewRegistryAClient creates a new official registry client
func NewRegistryAClient(cfg ClientConfig, logger *zap.Logger) *RegistryAClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	return &RegistryAClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		logger:     logger,
	}
}

// Name identifies this source in merge priority and error reports.
func (c *RegistryAClient) Name() model.Source {
	return model.SourceRegistryA
}

// Search queries the registry's company search endpoint.
func (c *RegistryAClient) Search(ctx context.Context, term string, includeInactive bool, limit int) ([]model.SourceRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("q", term)
	params.Set("per_page", strconv.Itoa(limit))
	if includeInactive {
		params.Set("etat", "tous")
	}

	endpoint := fmt.Sprintf("%s/api/v1/entreprises?%s", c.baseURL, params.Encode())
	body, err := c.do(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	defer body.Close()

	var payload registryASearchResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeSourceUnavailable, "official registry returned malformed payload", err)
	}

	records := make([]model.SourceRecord, 0, len(payload.Results))
	for _, company := range payload.Results {
		records = append(records, c.toRecord(company))
	}

	c.logger.Debug("Official registry search",
		zap.String("term", term),
		zap.Int("results", len(records)))
	return records, nil
}

// Lookup fetches one company by identifier. A missing company is (nil, nil).
func (c *RegistryAClient) Lookup(ctx context.Context, identifier string) (*model.SourceRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/entreprises/%s", c.baseURL, url.PathEscape(identifier))
	body, err := c.do(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	defer body.Close()

	var company registryACompany
	if err := json.NewDecoder(body).Decode(&company); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeSourceUnavailable, "official registry returned malformed payload", err)
	}

	record := c.toRecord(company)
	return &record, nil
}

// do issues an authenticated GET and maps upstream status codes to coded
// errors. A 404 returns a nil body so callers can treat it as empty.
func (c *RegistryAClient) do(ctx context.Context, endpoint string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeSourceUnavailable, "official registry unreachable", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, apperrors.New(apperrors.ErrorCodeRateLimitExceeded, "official registry rate limit exceeded")
	default:
		resp.Body.Close()
		return nil, apperrors.Newf(apperrors.ErrorCodeSourceUnavailable, "official registry returned status %d", resp.StatusCode)
	}
}

func (c *RegistryAClient) toRecord(company registryACompany) model.SourceRecord {
	record := model.SourceRecord{
		RawIdentifier: company.Siren,
		DisplayName:   company.NomComplet,
		LegalForm:     company.FormeJuridique,
		Address:       company.Adresse,
		IndustryCode:  company.CodeNAF,
		Active:        company.Etat != "C",
		Source:        model.SourceRegistryA,
		UpdatedAt:     parseUpstreamTime(company.DateMiseAJour),
	}
	return finalizeRecord(record)
}
