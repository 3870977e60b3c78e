package metricstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/publisher"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

type fakeDefMessenger struct {
	written []*record.MetricDefinition
}

func (f *fakeDefMessenger) WriteMetricDefinition(d *record.MetricDefinition) error {
	f.written = append(f.written, d)
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeDefMessenger, *publisher.Publisher) {
	t.Helper()
	pub := publisher.New(publisher.DefaultConfig(), nil)
	require.NoError(t, pub.Start())
	t.Cleanup(func() { pub.EndSession(record.StatusNormal, "test done") })
	msgr := &fakeDefMessenger{}
	return New(pub, msgr), msgr, pub
}

func sampledDef() *record.MetricDefinition {
	return &record.MetricDefinition{System: "sys", Category: "cat", Counter: "requests", Kind: record.DefinitionSampled}
}

func eventDef() *record.MetricDefinition {
	return &record.MetricDefinition{
		System: "sys", Category: "cat", Counter: "login",
		Kind: record.DefinitionEvent,
		Fields: []record.FieldSchema{
			{Name: "user", Kind: record.ScalarString},
			{Name: "latency_ms", Kind: record.ScalarInt64},
		},
	}
}

func TestRegister_IsIdempotentOnIdenticalSchema(t *testing.T) {
	s, msgr, _ := newTestStore(t)

	id1, err := s.Register(sampledDef())
	require.NoError(t, err)

	id2, err := s.Register(sampledDef())
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, msgr.written, 1, "the messenger sees the definition exactly once")
}

func TestRegister_ConflictingSchemaReturnsError(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Register(sampledDef())
	require.NoError(t, err)

	conflicting := sampledDef()
	conflicting.SampledRole = record.RoleRunningSum
	_, err = s.Register(conflicting)
	require.Error(t, err)
}

func TestGetOrCreateMetric_RequiresKnownDefinition(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.GetOrCreateMetric(uuidOf("unknown"), "instance-1")
	assert.Error(t, err)

	id, err := s.Register(sampledDef())
	require.NoError(t, err)

	m1, err := s.GetOrCreateMetric(id, "instance-1")
	require.NoError(t, err)
	m2, err := s.GetOrCreateMetric(id, "instance-1")
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID, "same instance name returns the same materialized metric")
}

func TestRecordSample_ValidatesEventFieldShape(t *testing.T) {
	s, _, _ := newTestStore(t)

	id, err := s.Register(eventDef())
	require.NoError(t, err)

	good := &record.MetricSample{
		DefinitionID: id,
		Kind:         record.SampleEvent,
		Timestamp:    time.Now(),
		EventValues: []record.NamedValue{
			{Name: "user", Value: record.String("alice")},
			{Name: "latency_ms", Value: record.Int64(42)},
		},
	}
	assert.NoError(t, s.RecordSample(context.Background(), good))

	wrongShape := &record.MetricSample{
		DefinitionID: id,
		Kind:         record.SampleEvent,
		EventValues: []record.NamedValue{
			{Name: "user", Value: record.Int64(1)}, // wrong scalar kind
		},
	}
	assert.Error(t, s.RecordSample(context.Background(), wrongShape))

	wrongKind := &record.MetricSample{DefinitionID: id, Kind: record.SampleCounter}
	assert.Error(t, s.RecordSample(context.Background(), wrongKind))
}

func TestRecordSample_RejectsUnregisteredDefinition(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.RecordSample(context.Background(), &record.MetricSample{DefinitionID: uuidOf("ghost")})
	assert.Error(t, err)
}

// uuidOf derives a deterministic UUID from a seed string purely for test
// readability; production code always uses uuid.New().
func uuidOf(seed string) (u [16]byte) {
	copy(u[:], seed)
	return u
}
