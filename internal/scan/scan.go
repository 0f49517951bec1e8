// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package scan runs the external long-running security scanner
// (prowler-style) against connected accounts. Scans execute on a
// dedicated pool so a long scan never starves interactive report
// fan-out; status and findings live in the volatile cache tier with
// TTLs sized for polling.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/xammer/xamops/internal/account"
	"github.com/xammer/xamops/internal/cache"
	"github.com/xammer/xamops/internal/config"
	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
	"github.com/xammer/xamops/internal/task"
)

// Status is the lifecycle state of an account's scan.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ErrScanInProgress is returned when a trigger races an active scan for
// the same account.
var ErrScanInProgress = errors.New("scan already in progress")

// StatusRecord is the poll-able scan state stored in the volatile cache.
type StatusRecord struct {
	AccountID     string     `json:"account_id"`
	RunID         string     `json:"run_id"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	FindingsCount int        `json:"findings_count"`
}

// Finding is one scanner finding, trimmed to the fields the dashboard
// renders.
type Finding struct {
	ID       string `json:"finding_id"`
	CheckID  string `json:"check_id,omitempty"`
	Title    string `json:"title"`
	Severity string `json:"severity"`
	Service  string `json:"service,omitempty"`
	Region   string `json:"region,omitempty"`
	Status   string `json:"status,omitempty"`
	Resource string `json:"resource,omitempty"`
}

// Notifier receives scan lifecycle broadcasts. The websocket hub
// satisfies this; nil disables notification.
type Notifier interface {
	BroadcastJSON(messageType string, data interface{})
}

// Service triggers and tracks external security scans.
type Service struct {
	cfg      config.ScanConfig
	volatile cache.Store
	durable  cache.Store
	resolver account.Resolver
	creds    account.CredentialProvider
	runner   *task.Runner
	notifier Notifier

	// trigger serializes the in-flight check with the RUNNING write so
	// two concurrent triggers cannot both launch a scanner.
	trigger sync.Mutex
}

// New creates a scan Service. runner must be the dedicated scan pool.
func New(cfg config.ScanConfig, volatile, durable cache.Store, resolver account.Resolver, creds account.CredentialProvider, runner *task.Runner, notifier Notifier) *Service {
	return &Service{
		cfg:      cfg,
		volatile: volatile,
		durable:  durable,
		resolver: resolver,
		creds:    creds,
		runner:   runner,
		notifier: notifier,
	}
}

// TriggerScan starts a scan for accountID and returns a handle the
// caller may await or discard. The scan itself outlives the caller's
// context; only the configured wall-clock cap bounds it.
func (s *Service) TriggerScan(ctx context.Context, accountID string) (*task.Future[*StatusRecord], error) {
	acct, err := s.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s.trigger.Lock()
	var current StatusRecord
	if ok, _ := s.volatile.GetJSON(ctx, cache.ScanStatusKey(accountID), &current); ok && current.Status == StatusRunning {
		s.trigger.Unlock()
		return nil, fmt.Errorf("account %s: %w", accountID, ErrScanInProgress)
	}

	record := &StatusRecord{
		AccountID: accountID,
		RunID:     uuid.NewString(),
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	err = s.volatile.PutJSONTTL(ctx, cache.ScanStatusKey(accountID), record, s.cfg.StatusTTL)
	s.trigger.Unlock()
	if err != nil {
		return nil, fmt.Errorf("record scan status: %w", err)
	}

	logging.Ctx(ctx).Info().Str("account_id", accountID).Str("run_id", record.RunID).
		Msg("security scan triggered")

	runCtx := context.WithoutCancel(ctx)
	future := task.Submit(s.runner, runCtx, "scan-"+accountID, func(ctx context.Context) (*StatusRecord, error) {
		return s.run(ctx, acct, record)
	})
	return future, nil
}

// Status returns the poll-able scan state for accountID.
func (s *Service) Status(ctx context.Context, accountID string) (*StatusRecord, bool, error) {
	var record StatusRecord
	ok, err := s.volatile.GetJSON(ctx, cache.ScanStatusKey(accountID), &record)
	if err != nil || !ok {
		return nil, false, err
	}
	return &record, true, nil
}

// Findings returns the most recent completed scan's findings.
func (s *Service) Findings(ctx context.Context, accountID string) ([]Finding, bool, error) {
	var findings []Finding
	ok, err := s.volatile.GetJSON(ctx, cache.ScanFindingsKey(accountID), &findings)
	if err != nil || !ok {
		return nil, false, err
	}
	return findings, true, nil
}

// run executes the scanner process and settles the status record. Runs
// on the scan pool.
func (s *Service) run(ctx context.Context, acct *account.Account, record *StatusRecord) (*StatusRecord, error) {
	log := logging.Ctx(ctx).With().
		Str("account_id", acct.ID).
		Str("run_id", record.RunID).
		Logger()

	findings, err := s.execute(ctx, acct, record.RunID)
	finished := time.Now().UTC()
	record.FinishedAt = &finished

	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()

		outcome := "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.ScanRuns.WithLabelValues(outcome).Inc()
		log.Error().Err(err).Str("outcome", outcome).Msg("security scan failed")

		s.settle(ctx, record, nil)
		return record, err
	}

	record.Status = StatusCompleted
	record.FindingsCount = len(findings)
	metrics.ScanRuns.WithLabelValues("completed").Inc()
	metrics.ScanFindings.WithLabelValues(acct.ID).Set(float64(len(findings)))
	log.Info().Int("findings", len(findings)).Dur("took", finished.Sub(record.StartedAt)).
		Msg("security scan completed")

	s.settle(ctx, record, findings)

	// The aggregated security report is now stale; drop it so the next
	// request recomputes against fresh findings.
	if _, err := s.durable.Evict(ctx, cache.SecurityFindingsKey(acct.ID)); err != nil {
		log.Warn().Err(err).Msg("failed to evict downstream security report")
	}
	return record, nil
}

// settle writes the final status (and findings, when present) and
// notifies subscribers. Best effort: a failed write leaves the RUNNING
// record to expire by TTL.
func (s *Service) settle(ctx context.Context, record *StatusRecord, findings []Finding) {
	if err := s.volatile.PutJSONTTL(ctx, cache.ScanStatusKey(record.AccountID), record, s.cfg.StatusTTL); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to write final scan status")
	}
	if findings != nil {
		if err := s.volatile.PutJSONTTL(ctx, cache.ScanFindingsKey(record.AccountID), findings, s.cfg.FindingsTTL); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to write scan findings")
		}
	}
	if s.notifier != nil {
		s.notifier.BroadcastJSON("scan_status", record)
	}
}

// execute runs the scanner binary with the account's credentials in the
// environment, bounded by the configured wall-clock cap, and parses the
// JSON output file it leaves behind.
func (s *Service) execute(ctx context.Context, acct *account.Account, runID string) ([]Finding, error) {
	creds, err := s.creds.Credentials(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}

	outputDir := s.cfg.OutputDir
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("scan output dir: %w", err)
	}
	outputName := "scan-" + acct.ID + "-" + runID
	outputPath := filepath.Join(outputDir, outputName+".json")
	defer os.Remove(outputPath)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	// prowler-style invocation: JSON findings written to the output
	// directory under the run-scoped filename.
	cmd := exec.CommandContext(ctx, s.cfg.Executable,
		"aws",
		"-M", "json",
		"-o", outputDir,
		"-F", outputName,
	)
	// The scanner forks workers. Killing only the direct child leaves
	// descendants holding the stderr pipe and Run blocked past the
	// wall-clock cap, so the whole process group goes down together.
	// WaitDelay backstops descendants that survive the group kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = append(os.Environ(),
		"AWS_ACCESS_KEY_ID="+creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY="+creds.SecretAccessKey,
		"AWS_SESSION_TOKEN="+creds.SessionToken,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// The process was killed at the wall-clock cap.
			return nil, fmt.Errorf("scanner exceeded %s: %w", s.cfg.Timeout, context.DeadlineExceeded)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("scanner exited %d: %s", exitErr.ExitCode(), firstLine(stderr.Bytes()))
		}
		return nil, fmt.Errorf("run scanner: %w", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("scanner produced no output file: %w", err)
	}
	return decodeFindings(data)
}

// decodeFindings parses the scanner's JSON output. Missing or empty
// output means the scan produced nothing usable and counts as failure.
func decodeFindings(data []byte) ([]Finding, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("scanner output file is empty")
	}

	var findings []Finding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("parse scanner output: %w", err)
	}
	if len(findings) == 0 {
		return nil, errors.New("scanner output contains no findings")
	}
	return findings, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
