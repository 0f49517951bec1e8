// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package api provides the HTTP surface: report reads and refreshes,
// scan control, account listing, the websocket endpoint, health and
// metrics. Routing uses chi; responses share one JSON envelope.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/orchestrator"
	"github.com/xammer/xamops/internal/scan"
	"github.com/xammer/xamops/internal/task"
	ws "github.com/xammer/xamops/internal/websocket"
)

// ReportService is the orchestrator surface the handlers use.
type ReportService interface {
	GetOrCompute(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error)
	ForceRefresh(ctx context.Context, req orchestrator.Request) *task.Future[*orchestrator.Report]
}

// ScanService controls external security scans.
type ScanService interface {
	TriggerScan(ctx context.Context, accountID string) (*task.Future[*scan.StatusRecord], error)
	Status(ctx context.Context, accountID string) (*scan.StatusRecord, bool, error)
	Findings(ctx context.Context, accountID string) ([]scan.Finding, bool, error)
}

// AccountDirectory lists the registered cloud accounts.
type AccountDirectory interface {
	List() []*account.Account
}

// Handler serves all API endpoints.
type Handler struct {
	reports   ReportService
	scans     ScanService
	accounts  AccountDirectory
	hub       *ws.Hub
	wsOrigins []string
	startedAt time.Time
}

// HandlerOptions are the collaborators a Handler needs.
type HandlerOptions struct {
	Reports  ReportService
	Scans    ScanService
	Accounts AccountDirectory
	Hub      *ws.Hub

	// WebSocketOrigins are the origins accepted for websocket
	// upgrades. Empty means any origin, for development setups.
	WebSocketOrigins []string
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOptions) *Handler {
	return &Handler{
		reports:   opts.Reports,
		scans:     opts.Scans,
		accounts:  opts.Accounts,
		hub:       opts.Hub,
		wsOrigins: opts.WebSocketOrigins,
		startedAt: time.Now(),
	}
}

// refreshHandle is the response body for an accepted refresh.
type refreshHandle struct {
	Handle    string `json:"handle"`
	Report    string `json:"report"`
	AccountID string `json:"account_id"`

	// Topic is the update bus topic the result will be published to.
	// Clients subscribe over the websocket to receive it.
	Topic string `json:"topic"`
}

// GetReport serves GET /api/v1/reports/{type}. Returns the cached
// report when fresh, computing it on a miss. force=true bypasses the
// cache.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	req, ok := h.parseReportRequest(rw, r)
	if !ok {
		return
	}

	report, err := h.reports.GetOrCompute(r.Context(), req)
	if err != nil {
		h.writeReportError(rw, req, err)
		return
	}
	rw.Success(report)
}

// RefreshReport serves POST /api/v1/reports/{type}/refresh. The
// recompute runs in the background; the response carries the topic the
// finished report, or an error notice, will be published to.
func (h *Handler) RefreshReport(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	req, ok := h.parseReportRequest(rw, r)
	if !ok {
		return
	}
	req.ForceRefresh = true

	h.reports.ForceRefresh(r.Context(), req)

	rw.Accepted(refreshHandle{
		Handle:    uuid.New().String(),
		Report:    string(req.Type),
		AccountID: req.AccountID,
		Topic:     req.Topic(),
	})
}

// parseReportRequest builds an orchestrator request from the URL. On
// failure it writes the error response and returns ok=false.
func (h *Handler) parseReportRequest(rw *ResponseWriter, r *http.Request) (orchestrator.Request, bool) {
	req := orchestrator.Request{
		Type:      orchestrator.ReportType(chi.URLParam(r, "type")),
		AccountID: r.URL.Query().Get("accountId"),
		GroupBy:   r.URL.Query().Get("groupBy"),
		TagKey:    r.URL.Query().Get("tagKey"),
	}

	if !knownReportType(req.Type) {
		rw.BadRequest("unknown report type: " + string(req.Type))
		return req, false
	}
	if req.AccountID == "" {
		rw.BadRequest("accountId query parameter is required")
		return req, false
	}
	if req.GroupBy != "" && !knownGroupBy(req.GroupBy) {
		rw.BadRequest("groupBy must be one of SERVICE, REGION, TAG")
		return req, false
	}
	if months := r.URL.Query().Get("months"); months != "" {
		n, err := strconv.Atoi(months)
		if err != nil || n <= 0 {
			rw.BadRequest("months must be a positive integer")
			return req, false
		}
		req.Months = n
	}
	if force := r.URL.Query().Get("force"); force != "" {
		b, err := strconv.ParseBool(force)
		if err != nil {
			rw.BadRequest("force must be a boolean")
			return req, false
		}
		req.ForceRefresh = b
	}
	return req, true
}

func (h *Handler) writeReportError(rw *ResponseWriter, req orchestrator.Request, err error) {
	switch {
	case errors.Is(err, account.ErrAccountNotFound):
		rw.NotFound("account not registered: " + req.AccountID)
	case errors.Is(err, orchestrator.ErrUnknownReport):
		rw.BadRequest("unknown report type: " + string(req.Type))
	default:
		logging.Error().Err(err).Str("report", string(req.Type)).
			Str("account_id", req.AccountID).Msg("report computation failed")
		rw.UpstreamError("report computation failed")
	}
}

func knownReportType(rt orchestrator.ReportType) bool {
	for _, known := range orchestrator.ReportTypes {
		if rt == known {
			return true
		}
	}
	return false
}

func knownGroupBy(groupBy string) bool {
	switch strings.ToUpper(groupBy) {
	case "SERVICE", "REGION", "TAG":
		return true
	}
	return false
}

// TriggerScan serves POST /api/v1/scan/{accountId}. The scan runs in
// the background past the lifetime of this request.
func (h *Handler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	accountID := chi.URLParam(r, "accountId")

	_, err := h.scans.TriggerScan(r.Context(), accountID)
	switch {
	case errors.Is(err, scan.ErrScanInProgress):
		rw.Conflict("a scan is already running for this account")
		return
	case errors.Is(err, account.ErrAccountNotFound):
		rw.NotFound("account not registered: " + accountID)
		return
	case err != nil:
		logging.Error().Err(err).Str("account_id", accountID).Msg("scan trigger failed")
		rw.InternalError("failed to start scan")
		return
	}

	rw.Accepted(map[string]string{
		"account_id": accountID,
		"status":     string(scan.StatusRunning),
	})
}

// ScanStatus serves GET /api/v1/scan/{accountId}/status.
func (h *Handler) ScanStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	accountID := chi.URLParam(r, "accountId")

	record, ok, err := h.scans.Status(r.Context(), accountID)
	if err != nil {
		rw.InternalError("failed to read scan status")
		return
	}
	if !ok {
		rw.NotFound("no scan recorded for account " + accountID)
		return
	}
	rw.Success(record)
}

// ScanFindings serves GET /api/v1/scan/{accountId}/findings.
func (h *Handler) ScanFindings(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	accountID := chi.URLParam(r, "accountId")

	findings, ok, err := h.scans.Findings(r.Context(), accountID)
	if err != nil {
		rw.InternalError("failed to read scan findings")
		return
	}
	if !ok {
		rw.NotFound("no completed scan for account " + accountID)
		return
	}
	rw.Success(findings)
}

// Accounts serves GET /api/v1/accounts.
func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.accounts.List())
}

// Health serves GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status":            "ok",
		"uptime_seconds":    int64(time.Since(h.startedAt).Seconds()),
		"websocket_clients": h.hub.GetClientCount(),
	})
}

// WebSocket serves GET /ws, upgrading the connection and attaching the
// client to the hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		NewResponseWriter(w, r).Error(http.StatusServiceUnavailable,
			ErrCodeServiceUnavailable, "websocket service unavailable")
		return
	}

	upgrader := gorillaws.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}

func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	if len(h.wsOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Browser websockets always send Origin. Non-browser clients
		// are allowed through without one.
		return true
	}
	for _, allowed := range h.wsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("websocket connection rejected, origin not allowed")
	return false
}
