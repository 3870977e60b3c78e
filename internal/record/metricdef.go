package record

import "github.com/google/uuid"

// SummarizationRole describes how an event-metric value should be
// summarized downstream (server- and query-side). The capture path never
// aggregates; it only preserves the role alongside the raw sample.
type SummarizationRole int

const (
	RoleTrend SummarizationRole = iota
	RoleSum
	RoleRunningAverage
	RoleRunningSum
	RoleIdentity
)

// FieldSchema describes one named value in an Event metric definition.
type FieldSchema struct {
	Name    string
	Kind    ScalarKind
	Role    SummarizationRole
	Caption string
}

// DefinitionKind discriminates Event vs Sampled metric definitions.
type DefinitionKind int

const (
	DefinitionEvent DefinitionKind = iota
	DefinitionSampled
)

// MetricDefinition identifies a (system, category, counter) triple and is
// immutable once registered.
type MetricDefinition struct {
	ID       uuid.UUID
	System   string
	Category string
	Counter  string
	Kind     DefinitionKind

	// Fields is populated for DefinitionEvent.
	Fields []FieldSchema
	// SampledRole is populated for DefinitionSampled.
	SampledRole SummarizationRole
}

// Key returns the (system, category, counter) identity used as a map key.
func (d *MetricDefinition) Key() DefinitionKey {
	return DefinitionKey{System: d.System, Category: d.Category, Counter: d.Counter}
}

// DefinitionKey is the process-wide identity of a MetricDefinition.
type DefinitionKey struct {
	System   string
	Category string
	Counter  string
}

// SameSchema reports whether two definitions describe the same wire shape,
// used to detect a DefinitionConflict on re-registration.
func (d *MetricDefinition) SameSchema(other *MetricDefinition) bool {
	if d.Kind != other.Kind {
		return false
	}
	switch d.Kind {
	case DefinitionSampled:
		return d.SampledRole == other.SampledRole
	case DefinitionEvent:
		if len(d.Fields) != len(other.Fields) {
			return false
		}
		for i, f := range d.Fields {
			g := other.Fields[i]
			if f.Name != g.Name || f.Kind != g.Kind || f.Role != g.Role {
				return false
			}
		}
		return true
	}
	return false
}

// Metric is a materialization of a definition for a specific instance name.
type Metric struct {
	ID           uuid.UUID
	DefinitionID uuid.UUID
	Instance     string
}

// MetricKey is the (definition-id, instance-name) identity of a Metric.
type MetricKey struct {
	DefinitionID uuid.UUID
	Instance     string
}
