package publisher

import (
	"context"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// Filter is a hook in the publisher's serial pipeline that may mutate
// mutable fields (caption/description/details/exception messages) and/or
// request suppression. Suppression halts further filter execution for that
// record (spec §4.1).
type Filter interface {
	Apply(ctx context.Context, env *record.Envelope) (mutated *record.Envelope, suppress bool)
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(ctx context.Context, env *record.Envelope) (*record.Envelope, bool)

func (f FilterFunc) Apply(ctx context.Context, env *record.Envelope) (*record.Envelope, bool) {
	return f(ctx, env)
}

// runFilters applies filters in registration order, strictly serially
// (spec §5: "Filter execution is strictly serial and single-threaded").
// It returns the (possibly mutated) envelope and whether any filter
// suppressed it.
func runFilters(ctx context.Context, filters []Filter, env *record.Envelope) (*record.Envelope, bool) {
	current := env
	for _, f := range filters {
		mutated, suppress := f.Apply(ctx, current)
		if mutated != nil {
			current = mutated
		}
		if suppress {
			return current, true
		}
	}
	return current, false
}
