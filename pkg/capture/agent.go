// Package capture is the agent's public surface: the entry point a host
// application imports to start a session, write log records and metric
// samples, and end the session for upload (spec §1/§4).
package capture

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/metricstore"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/publisher"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/repository"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/sessionfile"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/config"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/hostinfo"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/logging"
)

// Agent is a single diagnostic recording session: the publisher, the
// session-file messenger writing it to disk, the repository entry that
// indexes it, and the metric store layered on top.
type Agent struct {
	cfg       config.Config
	logger    *logging.Logger
	pub       *publisher.Publisher
	messenger *sessionfile.Messenger
	repo      *repository.Repository
	handle    *repository.SessionHandle
	store     *metricstore.Store
	sessionID uuid.UUID
	version   string
}

// Option customizes Start beyond what Config expresses.
type Option func(*startOptions)

type startOptions struct {
	version   string
	principal *record.Principal
	filters   []publisher.Filter
}

// WithVersion sets the instrumented application's version string recorded
// in the session summary.
func WithVersion(v string) Option { return func(o *startOptions) { o.version = v } }

// WithPrincipal attaches an acting-user identity to the session summary.
func WithPrincipal(p *record.Principal) Option { return func(o *startOptions) { o.principal = p } }

// WithFilter registers a publisher filter at start time.
func WithFilter(f publisher.Filter) Option { return func(o *startOptions) { o.filters = append(o.filters, f) } }

// Start opens a repository at cfg.SessionFile.RootDir, begins a new session
// directory under it, opens the session-file messenger, and starts the
// publisher. The returned Agent is ready to accept Write/RecordMetric calls.
func Start(cfg config.Config, logger *logging.Logger) (*Agent, error) {
	return StartWithOptions(cfg, logger)
}

// StartWithOptions is Start plus capture-specific options not expressed in
// config.Config (acting principal, application version, extra filters).
func StartWithOptions(cfg config.Config, logger *logging.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = logging.Default()
	}
	so := &startOptions{}
	for _, o := range opts {
		o(so)
	}

	if cfg.Packager.ApplicationName == "" || cfg.Packager.ProductName == "" {
		return nil, agenterrors.New(agenterrors.CodeConfiguration, "packager.application_name and packager.product_name are required")
	}

	repo, err := repository.Open(repository.Options{
		Root:         cfg.SessionFile.RootDir,
		DiskCapBytes: cfg.Limits.DiskCapBytes,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New()
	handle, err := repo.OpenSession(context.Background(), cfg.Packager.ProductName, cfg.Packager.ApplicationName, sessionID)
	if err != nil {
		return nil, err
	}

	summary := record.SessionSummary{
		SessionID: sessionID,
		FileID:    uuid.New(),
		Sequence:  0,
		Host:      hostinfo.Capture(),
		Application: record.ApplicationIdentity{
			Product:     cfg.Packager.ProductName,
			Application: cfg.Packager.ApplicationName,
			Version:     so.version,
		},
		Principal: so.principal,
		StartTime: time.Now(),
		Status:    record.StatusRunning,
	}

	messenger, err := sessionfile.Open(summary, sessionfile.Options{
		PathForSequence:   handle.PathForSequence,
		MaxFileBytes:      cfg.SessionFile.MaxFileBytes,
		MaxFileAge:        time.Duration(cfg.SessionFile.MaxFileAgeSeconds) * time.Second,
		MaxRecordsPerFile: cfg.SessionFile.MaxRecordsPerFile,
		FlushInterval:     time.Duration(cfg.SessionFile.FlushIntervalMs) * time.Millisecond,
		Logger:            logger,
	})
	if err != nil {
		handle.Release()
		return nil, err
	}
	handle.NoteFile(0, messenger.BytesWritten(), repository.FileActive)
	handle.UpdateSummary(summary)

	pubCfg := publisher.DefaultConfig()
	pubCfg.QueueSoftCap = cfg.Publisher.QueueSoftCap
	if cfg.Publisher.BackpressureDeadlineMs > 0 {
		pubCfg.BackpressureDeadline = time.Duration(cfg.Publisher.BackpressureDeadlineMs) * time.Millisecond
	}
	pub := publisher.New(pubCfg, logger)
	pub.AddMessenger(messenger)
	for _, f := range so.filters {
		pub.AddFilter(f)
	}
	if err := pub.Start(); err != nil {
		return nil, err
	}

	store := metricstore.New(pub, messenger)

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		pub:       pub,
		messenger: messenger,
		repo:      repo,
		handle:    handle,
		store:     store,
		sessionID: sessionID,
		version:   so.version,
	}, nil
}

// SessionID returns the session's identifier.
func (a *Agent) SessionID() uuid.UUID { return a.sessionID }

// Publisher exposes the underlying Publisher for notifier subscription.
func (a *Agent) Publisher() *publisher.Publisher { return a.pub }

// MetricStore exposes the underlying metric store.
func (a *Agent) MetricStore() *metricstore.Store { return a.store }

// WriteOptions customizes one Write call beyond severity/category/caption.
type WriteOptions struct {
	Description   string
	Details       []byte
	Exception     *record.ExceptionInfo
	Principal     *record.Principal
	WaitForCommit bool
	SkipCaller    bool // tests: avoid runtime.Caller overhead/noise
}

// Write submits one log record at the given severity. Category is a
// dotted namespace (e.g. "MyApp.Database"); caption is the short,
// human-readable summary.
func (a *Agent) Write(ctx context.Context, severity record.Severity, category, caption string, opts WriteOptions) error {
	r := &record.LogRecord{
		Severity:      severity,
		Category:      category,
		Timestamp:     time.Now(),
		ThreadID:      int64(os.Getpid()),
		Caption:       caption,
		Description:   opts.Description,
		Details:       opts.Details,
		Exception:     opts.Exception,
		Principal:     opts.Principal,
		WaitForCommit: opts.WaitForCommit,
	}
	if !opts.SkipCaller {
		r.Source = captureSource(2)
	}
	return a.pub.PublishLog(ctx, r)
}

// Verbose, Information, Warning, Error, and Critical are severity-named
// conveniences over Write, mirroring the five producer-facing entry points
// named in spec §3.
func (a *Agent) Verbose(ctx context.Context, category, caption string, opts WriteOptions) error {
	return a.Write(ctx, record.Verbose, category, caption, opts)
}

func (a *Agent) Information(ctx context.Context, category, caption string, opts WriteOptions) error {
	return a.Write(ctx, record.Information, category, caption, opts)
}

func (a *Agent) Warning(ctx context.Context, category, caption string, opts WriteOptions) error {
	return a.Write(ctx, record.Warning, category, caption, opts)
}

func (a *Agent) Error(ctx context.Context, category, caption string, opts WriteOptions) error {
	return a.Write(ctx, record.Error, category, caption, opts)
}

func (a *Agent) Critical(ctx context.Context, category, caption string, opts WriteOptions) error {
	return a.Write(ctx, record.Critical, category, caption, opts)
}

func captureSource(skip int) *record.SourceLocation {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return nil
	}
	fn := runtime.FuncForPC(pc)
	method := ""
	if fn != nil {
		method = fn.Name()
	}
	return &record.SourceLocation{File: file, Line: line, Method: method}
}

// RegisterMetric is a thin wrapper over the metric store's Register.
func (a *Agent) RegisterMetric(def *record.MetricDefinition) (uuid.UUID, error) {
	return a.store.Register(def)
}

// RecordMetricSample is a thin wrapper over the metric store's RecordSample.
func (a *Agent) RecordMetricSample(ctx context.Context, sample *record.MetricSample) error {
	return a.store.RecordSample(ctx, sample)
}

// End performs the two-phase publisher drain, closes the messenger with the
// given terminal status/reason, and releases the repository's session lock.
// If cfg.SendOnExit is set, callers are expected to follow End with an
// upload.Engine.SendSession call; End itself never uploads.
func (a *Agent) End(status record.SessionStatus, reason string) error {
	drainErr := a.pub.EndSession(status, reason)
	a.handle.UpdateSummary(a.messenger.CurrentSummary())
	a.handle.NoteFile(a.messenger.CurrentSummary().Sequence, a.messenger.BytesWritten(), repository.FileComplete)
	if releaseErr := a.handle.Release(); releaseErr != nil && drainErr == nil {
		return fmt.Errorf("capture: release session lock: %w", releaseErr)
	}
	return drainErr
}

// Repository exposes the agent's repository for host applications that want
// to drive upload or maintenance directly.
func (a *Agent) Repository() *repository.Repository { return a.repo }
