// Package handler provides HTTP request handlers for the company search API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/middleware"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// SearchService is the search surface the HTTP layer depends on.
type SearchService interface {
	Search(ctx context.Context, query model.SearchQuery) (*model.SearchResponse, error)
	Lookup(ctx context.Context, identifier string) (*model.SearchResponse, error)
}

// SearchHandlers serves the public company endpoints.
type SearchHandlers struct {
	service      SearchService
	errorHandler *apperrors.Handler
	logger       *zap.Logger
}

// NewSearchHandlers creates the public endpoint handlers.
func NewSearchHandlers(service SearchService, errorHandler *apperrors.Handler, logger *zap.Logger) *SearchHandlers {
	return &SearchHandlers{
		service:      service,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Search handles GET /api/v1/companies/search requests.
func (h *SearchHandlers) Search(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	query, err := parseSearchQuery(r)
	if err != nil {
		h.errorHandler.WriteValidationError(w, err.Error(), requestID)
		return
	}

	resp, err := h.service.Search(r.Context(), query)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp, h.logger)
}

// companyResponse is the single-company answer for identifier lookups.
type companyResponse struct {
	Success     bool                `json:"success"`
	Company     model.MergedResult  `json:"company"`
	Performance model.Performance   `json:"performance"`
	Errors      []model.SourceError `json:"errors,omitempty"`
}

// GetCompany handles GET /api/v1/companies/{identifier} requests.
func (h *SearchHandlers) GetCompany(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]

	resp, err := h.service.Lookup(r.Context(), identifier)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, companyResponse{
		Success:     true,
		Company:     resp.Results[0],
		Performance: resp.Performance,
		Errors:      resp.Errors,
	}, h.logger)
}

// parseSearchQuery validates and decodes the search query parameters.
func parseSearchQuery(r *http.Request) (model.SearchQuery, error) {
	params := r.URL.Query()

	query := model.SearchQuery{Term: params.Get("q")}
	if strings.TrimSpace(query.Term) == "" {
		return query, fmt.Errorf("query parameter q is required")
	}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return query, fmt.Errorf("limit must be a non-negative integer")
		}
		query.Limit = limit
	}

	if raw := params.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return query, fmt.Errorf("offset must be a non-negative integer")
		}
		query.Offset = offset
	}

	if raw := params.Get("active_only"); raw != "" {
		activeOnly, err := strconv.ParseBool(raw)
		if err != nil {
			return query, fmt.Errorf("active_only must be a boolean")
		}
		query.ActiveOnly = activeOnly
	}

	if raw := params.Get("sources"); raw != "" {
		sources, err := parseSources(raw)
		if err != nil {
			return query, err
		}
		query.Sources = sources
	}

	return query, nil
}

func parseSources(raw string) ([]model.Source, error) {
	known := model.AllSources()

	var sources []model.Source
	for _, part := range strings.Split(raw, ",") {
		name := model.Source(strings.TrimSpace(part))
		if name == "" {
			continue
		}

		valid := false
		for _, s := range known {
			if s == name {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown source %q", name)
		}
		sources = append(sources, name)
	}
	return sources, nil
}

// writeJSON writes a JSON response to the HTTP response writer.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}
