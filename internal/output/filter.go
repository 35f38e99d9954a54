package output

import (
	"github.com/mrzor/durability-tracer/internal/attributes"
	"github.com/mrzor/durability-tracer/internal/engine"

	"github.com/sirupsen/logrus"
)

// FilterEmitter forwards the transitions accepted by a filter.
type FilterEmitter struct {
	filter *attributes.Filter
	next   engine.Emitter
	names  CommResolver
	log    logrus.FieldLogger
}

// NewFilterEmitter wraps next with filter.
func NewFilterEmitter(filter *attributes.Filter, next engine.Emitter, cfg Config) *FilterEmitter {
	cfg = cfg.withDefaults()
	return &FilterEmitter{filter: filter, next: next, names: cfg.Names, log: cfg.Logger}
}

// Emit implements engine.Emitter. Evaluation errors drop the transition.
func (f *FilterEmitter) Emit(t engine.Transition) {
	ok, err := f.filter.Match(t, f.names.Comm(t.JobID))
	if err != nil {
		f.log.WithError(err).WithField("job", t.JobID).Debug("Filter evaluation failed")
		return
	}
	if ok {
		f.next.Emit(t)
	}
}

// MultiEmitter hands every transition to each emitter in order.
type MultiEmitter []engine.Emitter

// Emit implements engine.Emitter.
func (m MultiEmitter) Emit(t engine.Transition) {
	for _, e := range m {
		e.Emit(t)
	}
}
