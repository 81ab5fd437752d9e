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

// registryBRecord is the announcements registry's wire format. Registration
// numbers carry establishment suffixes and spacing, so identifiers need
// canonicalization before merging.
type registryBRecord struct {
	Registration string `json:"registration"`
	CompanyName  string `json:"company_name"`
	Category     string `json:"category"`
	Address      string `json:"address"`
	Status       string `json:"status"`
	PublishedAt  string `json:"published_at"`
}

type registryBSearchResponse struct {
	Records []registryBRecord `json:"records"`
}

// RegistryBClient queries the legal announcements registry over HTTP. Its
// data is sparser than the official registry's but often fresher for recent
// filings.
type RegistryBClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewRegistryBClient creates a new announcements registry client
func NewRegistryBClient(cfg ClientConfig, logger *zap.Logger) *RegistryBClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	return &RegistryBClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		logger:     logger,
	}
}

// Name identifies this source in merge priority and error reports.
func (c *RegistryBClient) Name() model.Source {
	return model.SourceRegistryB
}

// Search queries the announcements search endpoint.
func (c *RegistryBClient) Search(ctx context.Context, term string, includeInactive bool, limit int) ([]model.SourceRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("query", term)
	params.Set("size", strconv.Itoa(limit))
	if !includeInactive {
		params.Set("status", "active")
	}

	endpoint := fmt.Sprintf("%s/v2/announcements?%s", c.baseURL, params.Encode())
	body, err := c.do(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	defer body.Close()

	var payload registryBSearchResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeSourceUnavailable, "announcements registry returned malformed payload", err)
	}

	records := make([]model.SourceRecord, 0, len(payload.Records))
	for _, announcement := range payload.Records {
		records = append(records, c.toRecord(announcement))
	}

	c.logger.Debug("Announcements registry search",
		zap.String("term", term),
		zap.Int("results", len(records)))
	return records, nil
}

// Lookup fetches the latest announcement for one company. A company with no
// announcements is (nil, nil).
func (c *RegistryBClient) Lookup(ctx context.Context, identifier string) (*model.SourceRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/announcements/company/%s", c.baseURL, url.PathEscape(identifier))
	body, err := c.do(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	defer body.Close()

	var announcement registryBRecord
	if err := json.NewDecoder(body).Decode(&announcement); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeSourceUnavailable, "announcements registry returned malformed payload", err)
	}

	record := c.toRecord(announcement)
	return &record, nil
}

func (c *RegistryBClient) do(ctx context.Context, endpoint string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeSourceUnavailable, "announcements registry unreachable", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, apperrors.New(apperrors.ErrorCodeRateLimitExceeded, "announcements registry rate limit exceeded")
	default:
		resp.Body.Close()
		return nil, apperrors.Newf(apperrors.ErrorCodeSourceUnavailable, "announcements registry returned status %d", resp.StatusCode)
	}
}

func (c *RegistryBClient) toRecord(announcement registryBRecord) model.SourceRecord {
	record := model.SourceRecord{
		RawIdentifier: announcement.Registration,
		DisplayName:   announcement.CompanyName,
		IndustryCode:  announcement.Category,
		Address:       announcement.Address,
		Active:        announcement.Status != "ceased",
		Source:        model.SourceRegistryB,
		UpdatedAt:     parseUpstreamTime(announcement.PublishedAt),
	}
	return finalizeRecord(record)
}
