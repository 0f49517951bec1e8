// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/middleware"
)

// APIResponse is the envelope every endpoint returns.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError carries machine-readable error details.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta carries response metadata.
type APIMeta struct {
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Error codes used in API responses.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeUpstreamFailed     = "UPSTREAM_FAILED"
)

// ResponseWriter writes enveloped JSON responses.
type ResponseWriter struct {
	w         http.ResponseWriter
	r         *http.Request
	startTime time.Time
}

// NewResponseWriter creates a response writer for one request.
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{w: w, r: r, startTime: time.Now()}
}

// Success writes a 200 response with data.
func (rw *ResponseWriter) Success(data interface{}) {
	rw.write(http.StatusOK, data)
}

// Accepted writes a 202 response with data, used when work continues
// in the background after the response.
func (rw *ResponseWriter) Accepted(data interface{}) {
	rw.write(http.StatusAccepted, data)
}

func (rw *ResponseWriter) write(statusCode int, data interface{}) {
	rw.writeJSON(statusCode, APIResponse{
		Success: true,
		Data:    data,
		Meta: &APIMeta{
			RequestID:  middleware.GetRequestID(rw.r.Context()),
			Timestamp:  time.Now(),
			DurationMs: time.Since(rw.startTime).Milliseconds(),
		},
	})
}

// Error writes an error response with the given status and code.
func (rw *ResponseWriter) Error(statusCode int, code, message string) {
	requestID := middleware.GetRequestID(rw.r.Context())
	rw.writeJSON(statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
		Meta: &APIMeta{
			RequestID:  requestID,
			Timestamp:  time.Now(),
			DurationMs: time.Since(rw.startTime).Milliseconds(),
		},
	})
}

// BadRequest writes a 400 error.
func (rw *ResponseWriter) BadRequest(message string) {
	rw.Error(http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound writes a 404 error.
func (rw *ResponseWriter) NotFound(message string) {
	rw.Error(http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict writes a 409 error.
func (rw *ResponseWriter) Conflict(message string) {
	rw.Error(http.StatusConflict, ErrCodeConflict, message)
}

// InternalError writes a 500 error.
func (rw *ResponseWriter) InternalError(message string) {
	rw.Error(http.StatusInternalServerError, ErrCodeInternalError, message)
}

// UpstreamError writes a 502 error for cloud provider failures.
func (rw *ResponseWriter) UpstreamError(message string) {
	rw.Error(http.StatusBadGateway, ErrCodeUpstreamFailed, message)
}

func (rw *ResponseWriter) writeJSON(statusCode int, data interface{}) {
	rw.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.w.WriteHeader(statusCode)
	if err := json.NewEncoder(rw.w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("failed to encode JSON response")
	}
}
