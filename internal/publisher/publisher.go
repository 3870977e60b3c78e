// Package publisher implements the single-consumer, multi-producer record
// bus described in spec §4.1: it multiplexes log and metric records from
// many producer threads into a single ordered stream, runs the filter
// chain, and fans out to messengers and notifier subscribers.
package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agentmetrics"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/logging"
)

// Messenger is what the publisher fans non-suppressed records out to. The
// session-file messenger is the primary implementation; tests and
// alternative sinks may provide others.
type Messenger interface {
	Write(ctx context.Context, r *record.LogRecord) error
	WriteMetricDefinition(d *record.MetricDefinition) error
	WriteMetricSample(s *record.MetricSample) error
	Close(status record.SessionStatus, reason string) error
}

// State is the publisher's lifecycle state (spec §4.1 state machine).
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateDraining
	StateClosed
	StateSilent
)

// Config tunes queue capacity and backpressure behavior.
type Config struct {
	QueueSoftCap           int
	BackpressureDeadline   time.Duration
	DrainDeadline          time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		QueueSoftCap:         10000,
		BackpressureDeadline: 5 * time.Second,
		DrainDeadline:        30 * time.Second,
	}
}

// Publisher is the record bus described in spec §4.1.
type Publisher struct {
	cfg    Config
	logger *logging.Logger
	stats  *agentmetrics.Metrics

	stateMu sync.RWMutex
	state   State

	q         *queue
	seq       uint64
	filters   []Filter
	filtersMu sync.RWMutex

	messengersMu sync.RWMutex
	messengers   []Messenger

	notifier *Notifier

	consumerDone chan struct{}
}

// New constructs a Publisher in state Uninitialized.
func New(cfg Config, logger *logging.Logger) *Publisher {
	if cfg.QueueSoftCap <= 0 {
		cfg.QueueSoftCap = DefaultConfig().QueueSoftCap
	}
	if cfg.BackpressureDeadline <= 0 {
		cfg.BackpressureDeadline = DefaultConfig().BackpressureDeadline
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = DefaultConfig().DrainDeadline
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		cfg:      cfg,
		logger:   logger,
		stats:    agentmetrics.Global(),
		q:        newQueue(cfg.QueueSoftCap),
		notifier: NewNotifier(),
	}
}

// Start transitions Uninitialized -> Running and launches the single
// consumer goroutine.
func (p *Publisher) Start() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.state != StateUninitialized {
		return agenterrors.New(agenterrors.CodeConfiguration, "publisher already started")
	}
	p.state = StateRunning
	p.consumerDone = make(chan struct{})
	go p.consumeLoop()
	return nil
}

// State returns the current lifecycle state.
func (p *Publisher) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// AddFilter registers a filter; filters run in registration order.
func (p *Publisher) AddFilter(f Filter) {
	p.filtersMu.Lock()
	defer p.filtersMu.Unlock()
	p.filters = append(p.filters, f)
}

// AddMessenger registers a messenger that receives every non-suppressed
// record.
func (p *Publisher) AddMessenger(m Messenger) {
	p.messengersMu.Lock()
	defer p.messengersMu.Unlock()
	p.messengers = append(p.messengers, m)
}

// Notifier exposes the notifier for subscriber registration.
func (p *Publisher) Notifier() *Notifier { return p.notifier }

// Cancel enters silent mode: publish becomes a no-op returning success.
// This is the state a host enters via the Initializing hook opt-out.
func (p *Publisher) Cancel() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = StateSilent
}

// PublishLog submits a log record. It returns immediately unless
// r.WaitForCommit is set, in which case it blocks until every messenger has
// durably flushed the record (or until ctx is done).
func (p *Publisher) PublishLog(ctx context.Context, r *record.LogRecord) error {
	return p.publish(ctx, record.LogEnvelope(r))
}

// PublishMetric submits a metric sample.
func (p *Publisher) PublishMetric(ctx context.Context, s *record.MetricSample) error {
	return p.publish(ctx, record.MetricEnvelope(s))
}

func (p *Publisher) publish(ctx context.Context, env *record.Envelope) error {
	p.stateMu.RLock()
	state := p.state
	p.stateMu.RUnlock()

	switch state {
	case StateSilent, StateClosed:
		return nil
	case StateUninitialized:
		return agenterrors.New(agenterrors.CodeConfiguration, "publisher not started")
	}

	if env.Kind == record.KindLog && env.Log == nil {
		return agenterrors.New(agenterrors.CodeValidationFailed, "nil log record")
	}

	seq := atomic.AddUint64(&p.seq, 1)
	env.SetSequence(seq)

	if env.WaitForCommit() {
		accepted, done := p.q.pushWait(ctx, env, p.cfg.BackpressureDeadline)
		if !accepted {
			p.recordDrop(env)
			return nil
		}
		p.stats.QueueDepth.Set(float64(p.q.depth()))
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	accepted := p.q.push(ctx, env, p.cfg.BackpressureDeadline)
	if !accepted {
		p.recordDrop(env)
	}
	p.stats.QueueDepth.Set(float64(p.q.depth()))
	return nil
}

func (p *Publisher) recordDrop(env *record.Envelope) {
	p.stats.RecordsDropped.WithLabelValues(env.Severity().String()).Inc()
}

func (p *Publisher) consumeLoop() {
	defer close(p.consumerDone)
	for {
		item, ok := p.q.pop()
		if !ok {
			return
		}
		p.processItem(item)
	}
}

func (p *Publisher) processItem(item queuedItem) {
	ctx := context.Background()

	p.filtersMu.RLock()
	filters := append([]Filter(nil), p.filters...)
	p.filtersMu.RUnlock()

	mutated, suppressed := runFilters(ctx, filters, item.env)
	if suppressed {
		if item.done != nil {
			close(item.done)
		}
		return
	}

	p.messengersMu.RLock()
	messengers := append([]Messenger(nil), p.messengers...)
	p.messengersMu.RUnlock()

	for _, m := range messengers {
		p.writeToMessenger(ctx, m, mutated)
	}

	p.notifier.Publish(mutated)

	switch mutated.Kind {
	case record.KindLog:
		p.stats.RecordsPublished.WithLabelValues("log").Inc()
	case record.KindMetric:
		p.stats.RecordsPublished.WithLabelValues("metric").Inc()
	case record.KindControl:
		p.stats.RecordsPublished.WithLabelValues("control").Inc()
	}

	if item.done != nil {
		close(item.done)
	}
}

func (p *Publisher) writeToMessenger(ctx context.Context, m Messenger, env *record.Envelope) {
	var err error
	switch env.Kind {
	case record.KindLog:
		err = m.Write(ctx, env.Log)
	case record.KindMetric:
		err = m.WriteMetricSample(env.Metric)
	case record.KindControl:
		// Control records (end-file/end-session) are handled by EndSession
		// directly against the messenger; the publisher doesn't route them
		// here to avoid double-closing.
	}
	if err != nil {
		p.logger.WithError(err).Warn("messenger write failed")
	}
}

// EndSession performs the two-phase cooperative shutdown from spec §5:
// phase 1 stops accepting new records and drains the queue through
// messengers with WaitForCommit semantics (bounded by deadline); phase 2
// closes messengers with the given terminal status/reason.
func (p *Publisher) EndSession(status record.SessionStatus, reason string) error {
	p.stateMu.Lock()
	if p.state == StateClosed {
		p.stateMu.Unlock()
		return nil
	}
	p.state = StateDraining
	p.stateMu.Unlock()

	p.q.close()

	select {
	case <-p.consumerDone:
	case <-time.After(p.cfg.DrainDeadline):
		p.logger.Warn("publisher drain deadline exceeded, force-closing messengers")
	}

	// Drain anything left (queue.close() wakes pop(), which returns false
	// once empty, so any remainder must be processed here before close).
	for _, item := range p.q.drain() {
		p.processItem(item)
	}

	p.messengersMu.RLock()
	messengers := append([]Messenger(nil), p.messengers...)
	p.messengersMu.RUnlock()

	var firstErr error
	for _, m := range messengers {
		if err := m.Close(status, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.stateMu.Lock()
	p.state = StateClosed
	p.stateMu.Unlock()

	return firstErr
}

// DroppedCount returns the number of Verbose/Information records dropped
// under backpressure so far.
func (p *Publisher) DroppedCount() uint64 { return p.q.dropped() }
