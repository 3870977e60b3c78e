// Package metricstore implements the metric registration and sampling path
// described in spec §4 "Metric Store": idempotent definition registration
// with conflict detection, per-instance metric materialization, and sample
// validation before a sample is handed to the publisher.
package metricstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/publisher"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
)

// Messenger is the subset of sessionfile.Messenger the store writes
// definitions directly to, so every definition lands in the session file
// exactly once regardless of how many samples reference it.
type Messenger interface {
	WriteMetricDefinition(d *record.MetricDefinition) error
}

// Store registers metric definitions, materializes per-instance metrics,
// and validates+enqueues samples through the given publisher.
type Store struct {
	pub       *publisher.Publisher
	messenger Messenger

	mu          sync.Mutex
	definitions map[record.DefinitionKey]*record.MetricDefinition
	metrics     map[record.MetricKey]*record.Metric
}

// New constructs an empty Store bound to pub. messenger may be nil if the
// caller writes definitions itself.
func New(pub *publisher.Publisher, messenger Messenger) *Store {
	return &Store{
		pub:         pub,
		messenger:   messenger,
		definitions: make(map[record.DefinitionKey]*record.MetricDefinition),
		metrics:     make(map[record.MetricKey]*record.Metric),
	}
}

// Register idempotently registers def, returning its assigned ID. A second
// registration with the same (system, category, counter) but a different
// schema returns a DefinitionConflict error; an identical re-registration
// returns the existing ID with no error, consistent with spec §4's
// idempotent register(definition) -> DefinitionId.
func (s *Store) Register(def *record.MetricDefinition) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := def.Key()
	if existing, ok := s.definitions[key]; ok {
		if !existing.SameSchema(def) {
			return uuid.Nil, agenterrors.New(agenterrors.CodeDefinitionConflict,
				"metric definition "+key.System+"/"+key.Category+"/"+key.Counter+" re-registered with a different schema")
		}
		return existing.ID, nil
	}

	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	s.definitions[key] = def

	if s.messenger != nil {
		if err := s.messenger.WriteMetricDefinition(def); err != nil {
			delete(s.definitions, key)
			return uuid.Nil, err
		}
	}
	return def.ID, nil
}

// GetOrCreateMetric materializes (or returns the existing) Metric for the
// given definition and instance name.
func (s *Store) GetOrCreateMetric(definitionID uuid.UUID, instance string) (*record.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := record.MetricKey{DefinitionID: definitionID, Instance: instance}
	if m, ok := s.metrics[key]; ok {
		return m, nil
	}

	found := false
	for _, d := range s.definitions {
		if d.ID == definitionID {
			found = true
			break
		}
	}
	if !found {
		return nil, agenterrors.New(agenterrors.CodeValidationFailed, "unknown metric definition "+definitionID.String())
	}

	m := &record.Metric{ID: uuid.New(), DefinitionID: definitionID, Instance: instance}
	s.metrics[key] = m
	return m, nil
}

// RecordSample validates a sample's shape against its definition and
// enqueues it on the publisher.
func (s *Store) RecordSample(ctx context.Context, sample *record.MetricSample) error {
	s.mu.Lock()
	var def *record.MetricDefinition
	for _, d := range s.definitions {
		if d.ID == sample.DefinitionID {
			def = d
			break
		}
	}
	s.mu.Unlock()

	if def == nil {
		return agenterrors.New(agenterrors.CodeValidationFailed, "sample references unregistered definition "+sample.DefinitionID.String())
	}
	if err := validateSample(def, sample); err != nil {
		return err
	}

	return s.pub.PublishMetric(ctx, sample)
}

func validateSample(def *record.MetricDefinition, sample *record.MetricSample) error {
	switch def.Kind {
	case record.DefinitionSampled:
		if sample.Kind != record.SampleCounter && sample.Kind != record.SampleSampledValue {
			return agenterrors.New(agenterrors.CodeValidationFailed, "sampled metric definition requires a counter or sampled-value sample")
		}
	case record.DefinitionEvent:
		if sample.Kind != record.SampleEvent {
			return agenterrors.New(agenterrors.CodeValidationFailed, "event metric definition requires an event sample")
		}
		if len(sample.EventValues) != len(def.Fields) {
			return agenterrors.New(agenterrors.CodeValidationFailed, "event sample field count does not match definition")
		}
		for i, v := range sample.EventValues {
			if v.Value.Kind != def.Fields[i].Kind {
				return agenterrors.New(agenterrors.CodeValidationFailed, "event sample field "+def.Fields[i].Name+" has the wrong scalar kind")
			}
		}
	}
	return nil
}
