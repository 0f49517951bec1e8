// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/config"
	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/orchestrator"
	"github.com/xammer/xamops/internal/scan"
	"github.com/xammer/xamops/internal/task"
	ws "github.com/xammer/xamops/internal/websocket"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type fakeReports struct {
	mu        sync.Mutex
	gets      []orchestrator.Request
	refreshes []orchestrator.Request
	err       error
}

func (f *fakeReports) GetOrCompute(_ context.Context, req orchestrator.Request) (*orchestrator.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, req)
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Report{
		Type:        req.Type,
		AccountID:   req.AccountID,
		GeneratedAt: time.Now(),
		Counts:      map[string]float64{"total": 42},
	}, nil
}

func (f *fakeReports) ForceRefresh(_ context.Context, req orchestrator.Request) *task.Future[*orchestrator.Report] {
	f.mu.Lock()
	f.refreshes = append(f.refreshes, req)
	f.mu.Unlock()
	return task.Go(context.Background(), "test-refresh", func(context.Context) (*orchestrator.Report, error) {
		return &orchestrator.Report{Type: req.Type, AccountID: req.AccountID}, nil
	})
}

func (f *fakeReports) lastGet(t *testing.T) orchestrator.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.gets) == 0 {
		t.Fatal("no GetOrCompute calls recorded")
	}
	return f.gets[len(f.gets)-1]
}

type fakeScans struct {
	mu         sync.Mutex
	triggerErr error
	record     *scan.StatusRecord
	findings   []scan.Finding
	triggered  []string
}

func (f *fakeScans) TriggerScan(_ context.Context, accountID string) (*task.Future[*scan.StatusRecord], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, accountID)
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	return task.Go(context.Background(), "test-scan", func(context.Context) (*scan.StatusRecord, error) {
		return &scan.StatusRecord{AccountID: accountID, Status: scan.StatusCompleted}, nil
	}), nil
}

func (f *fakeScans) Status(context.Context, string) (*scan.StatusRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.record == nil {
		return nil, false, nil
	}
	return f.record, true, nil
}

func (f *fakeScans) Findings(context.Context, string) ([]scan.Finding, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findings == nil {
		return nil, false, nil
	}
	return f.findings, true, nil
}

type apiFixture struct {
	server   *httptest.Server
	reports  *fakeReports
	scans    *fakeScans
	registry *account.Registry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	registry := account.NewRegistry()
	registry.Upsert(&account.Account{
		ID:     "111111111111",
		Name:   "production",
		Status: account.StatusConnected,
	})

	reports := &fakeReports{}
	scans := &fakeScans{}
	handler := NewHandler(HandlerOptions{
		Reports:  reports,
		Scans:    scans,
		Accounts: registry,
		Hub:      ws.NewHub(),
	})

	cfg := config.ServerConfig{CORSOrigins: []string{"*"}}
	server := httptest.NewServer(NewRouter(cfg, handler))
	t.Cleanup(server.Close)

	return &apiFixture{server: server, reports: reports, scans: scans, registry: registry}
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func (f *apiFixture) post(t *testing.T, path string) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	return envelope
}

func TestGetReport(t *testing.T) {
	f := newAPIFixture(t)

	resp, envelope := f.get(t, "/api/v1/reports/dashboard?accountId=111111111111")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !envelope.Success {
		t.Error("envelope.Success = false")
	}
	if envelope.Meta == nil || envelope.Meta.RequestID == "" {
		t.Error("envelope missing request ID metadata")
	}

	req := f.reports.lastGet(t)
	if req.Type != orchestrator.ReportDashboard || req.AccountID != "111111111111" {
		t.Errorf("unexpected request %+v", req)
	}
	if req.ForceRefresh {
		t.Error("plain GET set ForceRefresh")
	}
}

func TestGetReport_QueryParameters(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.get(t, "/api/v1/reports/historicalCost?accountId=111111111111&months=12&force=true")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	req := f.reports.lastGet(t)
	if req.Months != 12 {
		t.Errorf("Months = %d, want 12", req.Months)
	}
	if !req.ForceRefresh {
		t.Error("force=true not propagated")
	}
}

func TestGetReport_Validation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		path string
	}{
		{"missing account", "/api/v1/reports/dashboard"},
		{"unknown type", "/api/v1/reports/wheelbarrows?accountId=111111111111"},
		{"bad months", "/api/v1/reports/historicalCost?accountId=111111111111&months=soon"},
		{"negative months", "/api/v1/reports/historicalCost?accountId=111111111111&months=-3"},
		{"bad force", "/api/v1/reports/dashboard?accountId=111111111111&force=banana"},
		{"unknown groupBy", "/api/v1/reports/costBreakdown?accountId=111111111111&groupBy=DROP"},
		{"groupBy with delimiter", "/api/v1/reports/costBreakdown?accountId=111111111111&groupBy=SERVICE-ENV"},
	}
	for _, tc := range cases {
		resp, envelope := f.get(t, tc.path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
		if envelope.Error == nil || envelope.Error.Code != ErrCodeBadRequest {
			t.Errorf("%s: missing BAD_REQUEST error code", tc.name)
		}
	}
}

func TestGetReport_UnknownAccountIs404(t *testing.T) {
	f := newAPIFixture(t)
	f.reports.err = account.NotFoundError("999999999999")

	resp, envelope := f.get(t, "/api/v1/reports/dashboard?accountId=999999999999")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeNotFound {
		t.Error("missing NOT_FOUND error code")
	}
}

func TestRefreshReport_Accepted(t *testing.T) {
	f := newAPIFixture(t)

	resp, envelope := f.post(t, "/api/v1/reports/finopsReport/refresh?accountId=111111111111")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatal(err)
	}
	var handle refreshHandle
	if err := json.Unmarshal(raw, &handle); err != nil {
		t.Fatal(err)
	}
	if handle.Handle == "" {
		t.Error("empty refresh handle")
	}
	if handle.Topic != "dashboard/111111111111/finopsReport" {
		t.Errorf("topic = %q", handle.Topic)
	}

	f.reports.mu.Lock()
	defer f.reports.mu.Unlock()
	if len(f.reports.refreshes) != 1 || !f.reports.refreshes[0].ForceRefresh {
		t.Errorf("refreshes = %+v, want one forced request", f.reports.refreshes)
	}
}

func TestTriggerScan(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.post(t, "/api/v1/scan/111111111111")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	f.scans.mu.Lock()
	triggered := len(f.scans.triggered)
	f.scans.mu.Unlock()
	if triggered != 1 {
		t.Errorf("triggered = %d scans, want 1", triggered)
	}
}

func TestTriggerScan_InProgressIsConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.scans.triggerErr = scan.ErrScanInProgress

	resp, envelope := f.post(t, "/api/v1/scan/111111111111")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeConflict {
		t.Error("missing CONFLICT error code")
	}
}

func TestTriggerScan_UnknownAccountIs404(t *testing.T) {
	f := newAPIFixture(t)
	f.scans.triggerErr = account.NotFoundError("999999999999")

	resp, _ := f.post(t, "/api/v1/scan/999999999999")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestScanStatus(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.get(t, "/api/v1/scan/111111111111/status")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status with no scan = %d, want 404", resp.StatusCode)
	}

	f.scans.mu.Lock()
	f.scans.record = &scan.StatusRecord{
		AccountID: "111111111111",
		Status:    scan.StatusCompleted,
	}
	f.scans.mu.Unlock()

	resp, envelope := f.get(t, "/api/v1/scan/111111111111/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !envelope.Success {
		t.Error("envelope.Success = false")
	}
}

func TestScanFindings(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.get(t, "/api/v1/scan/111111111111/findings")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("findings with no scan = %d, want 404", resp.StatusCode)
	}

	f.scans.mu.Lock()
	f.scans.findings = []scan.Finding{{ID: "f-1", Severity: "HIGH", Status: "FAIL"}}
	f.scans.mu.Unlock()

	resp, envelope := f.get(t, "/api/v1/scan/111111111111/findings")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	raw, _ := json.Marshal(envelope.Data)
	var findings []scan.Finding
	if err := json.Unmarshal(raw, &findings); err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].ID != "f-1" {
		t.Errorf("findings = %+v", findings)
	}
}

func TestAccounts(t *testing.T) {
	f := newAPIFixture(t)

	resp, envelope := f.get(t, "/api/v1/accounts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	raw, _ := json.Marshal(envelope.Data)
	var accounts []account.Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].ID != "111111111111" {
		t.Errorf("accounts = %+v", accounts)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	resp, envelope := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !envelope.Success {
		t.Error("envelope.Success = false")
	}
}

func TestRequestIDHeader(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.get(t, "/health")
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("empty metrics exposition")
	}
}
