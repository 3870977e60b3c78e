package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

type fakeMessenger struct {
	mu      sync.Mutex
	writes  []*record.LogRecord
	metrics []*record.MetricSample
	closed  bool
	status  record.SessionStatus
	reason  string
}

func (f *fakeMessenger) Write(ctx context.Context, r *record.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, r)
	return nil
}

func (f *fakeMessenger) WriteMetricDefinition(d *record.MetricDefinition) error { return nil }

func (f *fakeMessenger) WriteMetricSample(s *record.MetricSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, s)
	return nil
}

func (f *fakeMessenger) Close(status record.SessionStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.status = status
	f.reason = reason
	return nil
}

func (f *fakeMessenger) snapshot() []*record.LogRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*record.LogRecord(nil), f.writes...)
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeMessenger) {
	t.Helper()
	p := New(DefaultConfig(), nil)
	require.NoError(t, p.Start())
	m := &fakeMessenger{}
	p.AddMessenger(m)
	return p, m
}

func TestPublishLog_PreservesOrder(t *testing.T) {
	p, m := newTestPublisher(t)

	for i := 0; i < 50; i++ {
		r := &record.LogRecord{Severity: record.Information, Caption: "msg", Timestamp: time.Now()}
		require.NoError(t, p.PublishLog(context.Background(), r))
	}
	require.NoError(t, p.EndSession(record.StatusNormal, "done"))

	writes := m.snapshot()
	require.Len(t, writes, 50)
	for i, r := range writes {
		assert.Equal(t, uint64(i+1), r.Sequence)
	}
	assert.True(t, m.closed)
	assert.Equal(t, record.StatusNormal, m.status)
}

func TestPublishLog_WaitForCommitBlocksUntilWritten(t *testing.T) {
	p, m := newTestPublisher(t)
	defer p.EndSession(record.StatusNormal, "done")

	r := &record.LogRecord{Severity: record.Error, Caption: "durable", WaitForCommit: true, Timestamp: time.Now()}
	require.NoError(t, p.PublishLog(context.Background(), r))

	// By the time PublishLog returns, the fan-out to the messenger must have
	// already happened — no Sleep/poll needed.
	writes := m.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "durable", writes[0].Caption)
}

func TestPublish_UninitializedReturnsConfigurationError(t *testing.T) {
	p := New(DefaultConfig(), nil)
	err := p.PublishLog(context.Background(), &record.LogRecord{Severity: record.Information})
	require.Error(t, err)
}

func TestCancel_EntersSilentMode(t *testing.T) {
	p, m := newTestPublisher(t)
	p.Cancel()

	err := p.PublishLog(context.Background(), &record.LogRecord{Severity: record.Critical, WaitForCommit: true})
	require.NoError(t, err)
	assert.Empty(t, m.snapshot())
}

func TestFilter_SuppressStopsDelivery(t *testing.T) {
	p, m := newTestPublisher(t)
	p.AddFilter(FilterFunc(func(ctx context.Context, env *record.Envelope) (*record.Envelope, bool) {
		if env.Kind == record.KindLog && env.Log.Category == "noisy" {
			return env, true
		}
		return env, false
	}))

	require.NoError(t, p.PublishLog(context.Background(), &record.LogRecord{Severity: record.Information, Category: "noisy"}))
	require.NoError(t, p.PublishLog(context.Background(), &record.LogRecord{Severity: record.Information, Category: "kept", WaitForCommit: true}))

	writes := m.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "kept", writes[0].Category)
}

func TestNotifier_CoalescesIntoBatches(t *testing.T) {
	n := NewNotifier()
	batches := make(chan Batch, 10)
	unsubscribe := n.Subscribe(SubscriberOptions{
		Stream:       StreamMessagePublished,
		MinimumDelay: 30 * time.Millisecond,
	}, func(b Batch) { batches <- b })
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		n.Publish(record.LogEnvelope(&record.LogRecord{Severity: record.Information}))
	}

	select {
	case b := <-batches:
		assert.Equal(t, 5, b.TotalCount)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced batch")
	}
}

func TestNotifier_AlertStreamFiltersBelowWarning(t *testing.T) {
	n := NewNotifier()
	batches := make(chan Batch, 10)
	unsubscribe := n.Subscribe(SubscriberOptions{
		Stream:       StreamMessageAlert,
		MinimumDelay: 10 * time.Millisecond,
	}, func(b Batch) { batches <- b })
	defer unsubscribe()

	n.Publish(record.LogEnvelope(&record.LogRecord{Severity: record.Information}))
	n.Publish(record.LogEnvelope(&record.LogRecord{Severity: record.Error}))

	select {
	case b := <-batches:
		require.Len(t, b.Records, 1)
		assert.Equal(t, record.Error, b.Records[0].Severity())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert batch")
	}
}

func TestEndSession_DrainsQueuedItemsBeforeClosing(t *testing.T) {
	p, m := newTestPublisher(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.PublishLog(context.Background(), &record.LogRecord{Severity: record.Information, Timestamp: time.Now()}))
	}
	require.NoError(t, p.EndSession(record.StatusNormal, "shutdown"))

	assert.Len(t, m.snapshot(), 10)
	assert.Equal(t, StateClosed, p.State())
}

func TestDroppedCount_TracksBackpressureDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSoftCap = 1
	p := New(cfg, nil)
	// Deliberately do not Start(): the queue accepts pushes without a
	// consumer draining it, which is enough to exercise the soft-cap drop
	// path for sub-Warning severities without depending on goroutine timing.
	accepted := p.q.push(context.Background(), record.LogEnvelope(&record.LogRecord{Severity: record.Verbose}), 0)
	assert.True(t, accepted)
	accepted = p.q.push(context.Background(), record.LogEnvelope(&record.LogRecord{Severity: record.Verbose}), 0)
	assert.False(t, accepted)
	assert.Equal(t, uint64(1), p.DroppedCount())
}
