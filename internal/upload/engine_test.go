package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/repository"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/config"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/logging"
)

func TestResolveBaseURL_HostedServiceRequiresCustomerName(t *testing.T) {
	_, err := resolveBaseURL(config.ServerConfig{UseHostedService: true})
	assert.Error(t, err)

	base, err := resolveBaseURL(config.ServerConfig{UseHostedService: true, CustomerName: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.hub.gibraltarsoftware.com", base)
}

func TestResolveBaseURL_ExplicitHostRequiresHost(t *testing.T) {
	_, err := resolveBaseURL(config.ServerConfig{})
	assert.Error(t, err)

	base, err := resolveBaseURL(config.ServerConfig{Host: "hub.example.com", Port: 8080, BasePath: "/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "http://hub.example.com:8080/v1", base)
}

func TestResolveBaseURL_TLSDefaultsPortTo443(t *testing.T) {
	base, err := resolveBaseURL(config.ServerConfig{Host: "hub.example.com", TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.com:443", base)
}

func TestBasicAuthProvider_PreprocessSetsExactHeaderValue(t *testing.T) {
	p := &BasicAuthProvider{User: "svc", Password: "s3cret"}
	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)

	p.Preprocess(req, "http://example.com", true)
	assert.Equal(t, basicAuthHeader("svc", "s3cret"), req.Header.Get("Authorization"))
}

func TestBasicAuthProvider_PreprocessNoopsWhenAuthUnsupported(t *testing.T) {
	p := &BasicAuthProvider{User: "svc", Password: "s3cret"}
	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)

	p.Preprocess(req, "http://example.com", false)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestBearerAuthProvider_LoginIssuesTokenThatPreprocessAttaches(t *testing.T) {
	p := &BearerAuthProvider{Issuer: "agent", Subject: "host-1", SigningKey: []byte("test-key")}
	assert.False(t, p.IsAuthenticated())

	require.NoError(t, p.Login(context.Background(), "http://example.com", http.DefaultClient))
	assert.True(t, p.IsAuthenticated())

	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)
	p.Preprocess(req, "http://example.com", true)
	assert.Contains(t, req.Header.Get("Authorization"), "Bearer ")

	require.NoError(t, p.Logout(context.Background(), "http://example.com", http.DefaultClient))
	assert.False(t, p.IsAuthenticated())
}

func TestNoAuthProvider_NeverTouchesRequest(t *testing.T) {
	p := NoAuthProvider{}
	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)
	p.Preprocess(req, "http://example.com", true)
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.True(t, p.IsAuthenticated())
}

// newTestEngine builds an Engine whose baseURL points at an httptest server,
// backed by a fresh repository rooted in a temp directory.
func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *repository.Repository) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	repo, err := repository.Open(repository.Options{Root: t.TempDir()})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.Host = u.Hostname()
	cfg.Server.Port = port
	cfg.Server.Repository = "test-repo"
	cfg.Limits.ConcurrentUploads = 1
	cfg.Limits.RequestsPerSecond = 1000

	e, err := New(repo, cfg, NoAuthProvider{}, logging.Default())
	require.NoError(t, err)
	return e, repo
}

func writeLocalFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.glf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestAttemptUpload_FreshUploadSendsFromOffsetZero(t *testing.T) {
	var headSeen, putSeen bool
	var putBody []byte
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			headSeen = true
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			putSeen = true
			assert.Equal(t, "bytes 0-10/11", r.Header.Get("Content-Range"))
			body, _ := io.ReadAll(r.Body)
			putBody = body
			w.WriteHeader(http.StatusOK)
		}
	})

	path := writeLocalFile(t, "hello world")
	sessionID := uuid.New()

	err := e.attemptUpload(context.Background(), sessionID, 0, path)
	require.NoError(t, err)
	assert.True(t, headSeen)
	assert.True(t, putSeen)
	assert.Equal(t, "hello world", string(putBody))

	off, err := readMarker(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off, "marker is cleared after a successful upload")
}

func TestAttemptUpload_ResumesFromCommittedOffset(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Length", "6")
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			assert.Equal(t, "bytes 6-10/11", r.Header.Get("Content-Range"))
			w.WriteHeader(http.StatusOK)
		}
	})

	path := writeLocalFile(t, "hello world")
	err := e.attemptUpload(context.Background(), uuid.New(), 0, path)
	require.NoError(t, err)
}

func TestAttemptUpload_AlreadyFullyCommittedSkipsPut(t *testing.T) {
	var putCalled bool
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Length", "11")
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			putCalled = true
			w.WriteHeader(http.StatusOK)
		}
	})

	path := writeLocalFile(t, "hello world")
	err := e.attemptUpload(context.Background(), uuid.New(), 0, path)
	require.NoError(t, err)
	assert.False(t, putCalled, "a file already fully committed on the server must not be re-sent")
}

func TestAttemptUpload_5xxUpdatesMarkerFromAckOffset(t *testing.T) {
	calls := 0
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, "5")
				return
			}
			assert.Equal(t, "bytes 5-10/11", r.Header.Get("Content-Range"))
			w.WriteHeader(http.StatusOK)
		}
	})

	path := writeLocalFile(t, "hello world")
	sessionID := uuid.New()

	err := e.attemptUpload(context.Background(), sessionID, 0, path)
	require.Error(t, err, "the first attempt's 5xx is surfaced as a retryable error to its caller")

	off, err := readMarker(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), off, "the marker advances to the server's acknowledged offset before the next retry")

	// A second, independent attempt now resumes from the updated marker.
	err = e.attemptUpload(context.Background(), sessionID, 0, path)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSendSessions_RejectsConcurrentCall(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	e.gate.Store(true)
	defer e.gate.Store(false)

	err := e.SendSessions(context.Background(), repository.CriteriaAll)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
}

// registerTestSession opens and releases a session through the repository so
// SendSession can find it by sessionID, then seeds one uploadable file.
func registerTestSession(t *testing.T, repo *repository.Repository, sessionID uuid.UUID, contents string) string {
	t.Helper()
	handle, err := repo.OpenSession(context.Background(), "product", "app", sessionID)
	require.NoError(t, err)
	path := handle.PathForSequence(0)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	handle.NoteFile(0, int64(len(contents)), repository.FileComplete)
	require.NoError(t, handle.Release())
	return path
}

func TestSendSession_IssuesCommitPostAfterAllFilesUpload(t *testing.T) {
	var commitSeen bool
	var commitPath string
	e, repo := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			commitSeen = true
			commitPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}
	})

	sessionID := uuid.New()
	registerTestSession(t, repo, sessionID, "hello world")

	err := e.SendSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, commitSeen, "the commit POST must follow the last file's successful upload")
	assert.Equal(t, fmt.Sprintf("/hosts/test-repo/sessions/%s", sessionID), commitPath)
}

func TestSendSession_CommitFailureIsSurfacedAndSessionNotMarkedSent(t *testing.T) {
	e, repo := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			w.WriteHeader(http.StatusForbidden)
		}
	})

	sessionID := uuid.New()
	registerTestSession(t, repo, sessionID, "hello world")

	err := e.SendSession(context.Background(), sessionID)
	assert.Error(t, err)

	files, ok := repo.Files(sessionID)
	require.True(t, ok)
	for _, f := range files {
		assert.NotEqual(t, repository.FileSent, f.Status, "a rejected commit must not be treated as sent")
	}
}

func TestSendSession_CrossProcessLockRejectsConcurrentUpload(t *testing.T) {
	e, repo := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	sessionID := uuid.New()
	registerTestSession(t, repo, sessionID, "hello world")

	dir, ok := repo.Dir(sessionID)
	require.True(t, ok)

	held := flock.New(filepath.Join(dir, uploadLockFileName))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = e.SendSession(ctx, sessionID)
	assert.Error(t, err, "a session already locked by another process must not be uploaded concurrently")
}
