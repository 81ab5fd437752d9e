package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// Handler provides error handling functionality for HTTP handlers.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError maps an application error to an HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeOf(err)
	requestID := r.Header.Get("X-Request-ID")
	h.WriteErrorResponse(w, HTTPStatus(code), code, MessageOf(err), requestID)
}

// HTTPStatus converts an application error code to an HTTP status code.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeRateLimited, ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case ErrorCodeStrategyExhausted, ErrorCodeSearchError:
		return http.StatusBadGateway
	case ErrorCodeSourceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(errorCode)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteValidationError writes a validation error response.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, requestID)
}

// WriteInternalError writes an internal error response.
func (h *Handler) WriteInternalError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusInternalServerError, ErrorCodeInternalError, message, requestID)
}

// WriteNotFound writes a not found response.
func (h *Handler) WriteNotFound(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusNotFound, ErrorCodeNotFound, message, requestID)
}

// WriteRateLimitedError writes a rate limit exceeded response.
func (h *Handler) WriteRateLimitedError(w http.ResponseWriter, requestID string) {
	h.WriteErrorResponse(w, http.StatusTooManyRequests, ErrorCodeRateLimited, "rate limit exceeded", requestID)
}
