// Package upload implements the resumable-upload engine described in
// spec §4.4: HEAD/PUT byte-range resumption against a remote hub, a
// cross-process per-session lock colocated with the resume marker, a
// bounded-concurrency worker pool, and a global single-flight gate over
// send().
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/repository"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agentmetrics"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/config"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/logging"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/resilience"
)

// uploadLockFileName is the cross-process upload lock colocated with each
// session's resume markers, distinct from the repository package's own
// ".writer.lock" (which guards index mutation, not in-flight uploads).
const uploadLockFileName = ".upload.lock"

// lockAcquireTimeout bounds how long SendSession waits for another process
// already uploading the same session to finish.
const lockAcquireTimeout = 30 * time.Second

// ErrAlreadyInProgress is returned by SendSessions when a prior call's send
// has not yet finished, per spec §4.4's global single-flight gate.
var ErrAlreadyInProgress = fmt.Errorf("upload: a send is already in progress")

// Engine transmits session files to a remote hub.
type Engine struct {
	repo   *repository.Repository
	cfg    config.ServerConfig
	limits config.LimitsConfig
	auth   AuthProvider
	client *http.Client
	logger *logging.Logger
	stats  *agentmetrics.Metrics

	baseURL string
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	gate    atomic.Bool

	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig

	sessionLocksMu sync.Mutex
	sessionLocks   map[uuid.UUID]*sync.Mutex
}

// New constructs an Engine bound to repo, resolving the base URL from
// cfg.Server per spec §4.4's server-selection rule.
func New(repo *repository.Repository, cfg config.Config, auth AuthProvider, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if auth == nil {
		auth = NoAuthProvider{}
	}
	baseURL, err := resolveBaseURL(cfg.Server)
	if err != nil {
		return nil, err
	}
	concurrency := cfg.Limits.ConcurrentUploads
	if concurrency <= 0 {
		concurrency = 2
	}
	rps := cfg.Limits.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	stats := agentmetrics.Global()
	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(from, to resilience.State) {
		stats.CircuitBreakerState.WithLabelValues(cfg.Server.Repository).Set(float64(to))
		if to == resilience.StateOpen {
			stats.CircuitBreakerTrips.Inc()
			logger.WithFields(map[string]interface{}{
				"destination": cfg.Server.Repository,
				"from":        from.String(),
			}).Warn("upload circuit breaker tripped")
		}
	}

	return &Engine{
		repo:         repo,
		cfg:          cfg.Server,
		limits:       cfg.Limits,
		auth:         auth,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		stats:        stats,
		baseURL:      baseURL,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		breaker:      resilience.NewCircuitBreaker(breakerCfg),
		retry:        resilience.DefaultRetryConfig(),
		sessionLocks: make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// SendSessions uploads every session matching criteria, up to
// limits.ConcurrentUploads at a time. A concurrent call made while one is
// already in flight returns ErrAlreadyInProgress immediately (spec §4.4's
// global gate).
func (e *Engine) SendSessions(ctx context.Context, criteria repository.SessionCriteria) error {
	if !e.gate.CompareAndSwap(false, true) {
		return ErrAlreadyInProgress
	}
	defer e.gate.Store(false)

	summaries := e.repo.Find(criteria)
	var wg sync.WaitGroup
	errs := make([]error, len(summaries))
	for i, s := range summaries {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, sessionID uuid.UUID) {
			defer wg.Done()
			defer e.sem.Release(1)
			errs[i] = e.SendSession(ctx, sessionID)
		}(i, s.SessionID)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// SendSession uploads every file of one session, in sequence order, then
// commits the session with the hub. Single-writer locking per session-id
// holds both in-process (so two goroutines in this Engine never race) and
// cross-process (so a second agent process touching the same repository
// root never races this one either) for the duration of the upload.
func (e *Engine) SendSession(ctx context.Context, sessionID uuid.UUID) error {
	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	flLock, err := e.acquireUploadLock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer flLock.Unlock()

	files, ok := e.repo.Files(sessionID)
	if !ok {
		return agenterrors.New(agenterrors.CodeValidationFailed, "unknown session "+sessionID.String())
	}

	for _, f := range files {
		start := time.Now()
		err := e.sendFile(ctx, sessionID, f.Sequence, f.Path)
		e.stats.UploadDuration.Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		e.stats.UploadAttemptsTotal.WithLabelValues(outcome).Inc()
		if err != nil {
			return err
		}
	}

	if err := e.commitSession(ctx, sessionID); err != nil {
		return err
	}
	return e.repo.MarkSent(sessionID)
}

// lockFor returns the in-process mutex guarding sessionID, so two SendSession
// calls inside this same Engine serialize before either reaches the
// cross-process flock below.
func (e *Engine) lockFor(sessionID uuid.UUID) *sync.Mutex {
	e.sessionLocksMu.Lock()
	defer e.sessionLocksMu.Unlock()
	l, ok := e.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.sessionLocks[sessionID] = l
	}
	return l
}

// acquireUploadLock takes the cross-process upload lock colocated with
// sessionID's resume markers, so at most one process uploads a given session
// at a time regardless of how many separate agent processes share the
// repository root (spec §4.4, Invariant 5).
func (e *Engine) acquireUploadLock(ctx context.Context, sessionID uuid.UUID) (*flock.Flock, error) {
	dir, ok := e.repo.Dir(sessionID)
	if !ok {
		return nil, agenterrors.New(agenterrors.CodeValidationFailed, "unknown session "+sessionID.String())
	}

	fl := flock.New(filepath.Join(dir, uploadLockFileName))
	lockCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.CodeRepositoryLocked, "acquire upload lock", err)
	}
	if !ok {
		return nil, agenterrors.New(agenterrors.CodeRepositoryLocked, "session "+sessionID.String()+" is being uploaded by another process")
	}
	return fl, nil
}

// commitSession notifies the hub that every file of sessionID has been
// uploaded, so it can finalize the session server-side (spec §4.4 step 7 /
// §6). Run through the same circuit breaker and retry policy as the file
// transfers themselves.
func (e *Engine) commitSession(ctx context.Context, sessionID uuid.UUID) error {
	return e.breaker.Execute(func() error {
		return resilience.Retry(ctx, e.retry, agenterrors.IsRetryable, func() error {
			return e.commit(ctx, e.sessionURL(sessionID))
		})
	})
}

func (e *Engine) commit(ctx context.Context, resourceURL string) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return agenterrors.Wrap(agenterrors.CodeTransportTimeout, "rate limiter wait", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resourceURL, nil)
	if err != nil {
		return err
	}
	e.auth.Preprocess(req, resourceURL, true)

	resp, err := e.client.Do(req)
	if err != nil {
		return agenterrors.WrapRetryable(agenterrors.CodeConnectionReset, "POST "+resourceURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return agenterrors.New(agenterrors.CodeAuthRequired, "POST "+resourceURL+": unauthorized")
	case resp.StatusCode == http.StatusForbidden:
		return agenterrors.New(agenterrors.CodeAuthDenied, "POST "+resourceURL+": forbidden")
	case resp.StatusCode >= 500:
		return agenterrors.WrapRetryable(agenterrors.CodeTransportHTTP5xx, "POST "+resourceURL, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return agenterrors.New(agenterrors.CodePermanent, fmt.Sprintf("POST %s: unexpected status %d", resourceURL, resp.StatusCode))
	}
}

// sendFile runs the resumable upload protocol from spec §4.4 steps 1-6 for
// one session file, retrying transient failures with backoff.
func (e *Engine) sendFile(ctx context.Context, sessionID uuid.UUID, sequence uint32, path string) error {
	return e.breaker.Execute(func() error {
		return resilience.Retry(ctx, e.retry, agenterrors.IsRetryable, func() error {
			return e.attemptUpload(ctx, sessionID, sequence, path)
		})
	})
}

func (e *Engine) resourceURL(sessionID uuid.UUID, sequence uint32) string {
	return fmt.Sprintf("%s/hosts/%s/sessions/%s/files/%d", e.baseURL, e.cfg.Repository, sessionID, sequence)
}

// sessionURL is the commit endpoint for sessionID, distinct from
// resourceURL by omitting the per-file suffix.
func (e *Engine) sessionURL(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s/hosts/%s/sessions/%s", e.baseURL, e.cfg.Repository, sessionID)
}

func (e *Engine) attemptUpload(ctx context.Context, sessionID uuid.UUID, sequence uint32, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return agenterrors.Wrap(agenterrors.CodePermanent, "stat session file", err)
	}
	total := info.Size()

	resourceURL := e.resourceURL(sessionID, sequence)

	committed, err := e.head(ctx, resourceURL)
	if err != nil {
		return err
	}

	marker, err := readMarker(path)
	if err != nil {
		return err
	}
	startOffset := sanitizedOffset(marker, total)
	if committed > startOffset {
		startOffset = sanitizedOffset(committed, total)
	}

	if startOffset >= uint64(total) {
		return clearMarker(path)
	}

	if err := writeMarker(path, startOffset); err != nil {
		return err
	}

	if err := e.put(ctx, resourceURL, path, startOffset, uint64(total)); err != nil {
		return err
	}

	return clearMarker(path)
}

func (e *Engine) head(ctx context.Context, resourceURL string) (uint64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, agenterrors.Wrap(agenterrors.CodeTransportTimeout, "rate limiter wait", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, resourceURL, nil)
	if err != nil {
		return 0, err
	}
	e.auth.Preprocess(req, resourceURL, true)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, agenterrors.WrapRetryable(agenterrors.CodeConnectionReset, "HEAD "+resourceURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return 0, agenterrors.New(agenterrors.CodeAuthRequired, "HEAD "+resourceURL+": unauthorized")
	case resp.StatusCode == http.StatusForbidden:
		return 0, agenterrors.New(agenterrors.CodeAuthDenied, "HEAD "+resourceURL+": forbidden")
	case resp.StatusCode >= 500:
		return 0, agenterrors.WrapRetryable(agenterrors.CodeTransportHTTP5xx, "HEAD "+resourceURL, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return 0, agenterrors.New(agenterrors.CodePermanent, fmt.Sprintf("HEAD %s: unexpected status %d", resourceURL, resp.StatusCode))
	}
	return uint64(resp.ContentLength), nil
}

func (e *Engine) put(ctx context.Context, resourceURL, path string, startOffset, total uint64) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return agenterrors.Wrap(agenterrors.CodeTransportTimeout, "rate limiter wait", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return agenterrors.Wrap(agenterrors.CodePermanent, "open session file for upload", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(startOffset), io.SeekStart); err != nil {
		return agenterrors.Wrap(agenterrors.CodePermanent, "seek to resume offset", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, resourceURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = int64(total - startOffset)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", startOffset, total-1, total))
	e.auth.Preprocess(req, resourceURL, true)

	resp, err := e.client.Do(req)
	if err != nil {
		return agenterrors.WrapRetryable(agenterrors.CodeConnectionReset, "PUT "+resourceURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return agenterrors.New(agenterrors.CodeAuthRequired, "PUT "+resourceURL+": unauthorized")
	case resp.StatusCode == http.StatusForbidden:
		return agenterrors.New(agenterrors.CodeAuthDenied, "PUT "+resourceURL+": forbidden")
	case resp.StatusCode >= 500:
		ackOffset, ackErr := parseAckOffset(resp)
		if ackErr == nil && ackOffset > startOffset {
			_ = writeMarker(path, ackOffset)
		}
		return agenterrors.WrapRetryable(agenterrors.CodeTransportHTTP5xx, "PUT "+resourceURL, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return agenterrors.New(agenterrors.CodePermanent, fmt.Sprintf("PUT %s: unexpected status %d", resourceURL, resp.StatusCode))
	}
}

// parseAckOffset reads the server's acknowledged byte offset from a 5xx
// response body, used to update the resume marker before retrying (spec
// §4.4 step 6).
func parseAckOffset(resp *http.Response) (uint64, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32))
	if err != nil {
		return 0, err
	}
	var ack uint64
	if _, err := fmt.Sscanf(string(body), "%d", &ack); err != nil {
		return 0, err
	}
	return ack, nil
}
