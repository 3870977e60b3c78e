package capture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Packager.ApplicationName = "TestApp"
	cfg.Packager.ProductName = "TestProduct"
	cfg.SessionFile.RootDir = t.TempDir()
	return cfg
}

func TestStart_RequiresApplicationAndProductName(t *testing.T) {
	cfg := config.Default()
	cfg.SessionFile.RootDir = t.TempDir()
	_, err := Start(cfg, nil)
	assert.Error(t, err)
}

func TestStartWriteEnd_RoundTripsASession(t *testing.T) {
	a, err := Start(testConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, a.Information(context.Background(), "App.Startup", "agent started", WriteOptions{SkipCaller: true}))
	require.NoError(t, a.Warning(context.Background(), "App.Disk", "disk usage high", WriteOptions{SkipCaller: true, WaitForCommit: true}))

	require.NoError(t, a.End(record.StatusNormal, "test shutdown"))

	summary, ok := a.Repository().Summary(a.SessionID())
	require.True(t, ok)
	assert.Equal(t, record.StatusNormal, summary.Status)
}

func TestRegisterMetric_ThenRecordSample(t *testing.T) {
	a, err := Start(testConfig(t), nil)
	require.NoError(t, err)
	defer a.End(record.StatusNormal, "done")

	id, err := a.RegisterMetric(&record.MetricDefinition{System: "sys", Category: "cat", Counter: "requests", Kind: record.DefinitionSampled})
	require.NoError(t, err)

	err = a.RecordMetricSample(context.Background(), &record.MetricSample{
		DefinitionID: id,
		Kind:         record.SampleCounter,
		Instance:     "instance-1",
		CounterValue: 1,
	})
	assert.NoError(t, err)
}

func TestDebugServer_HealthzRespondsOK(t *testing.T) {
	a, err := Start(testConfig(t), nil)
	require.NoError(t, err)
	defer a.End(record.StatusNormal, "done")

	srv := httptest.NewServer(a.DebugServer())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDebugServer_MetricsEndpointServesPrometheusFormat(t *testing.T) {
	a, err := Start(testConfig(t), nil)
	require.NoError(t, err)
	defer a.End(record.StatusNormal, "done")

	srv := httptest.NewServer(a.DebugServer())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
