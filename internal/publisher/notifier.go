package publisher

import (
	"sync"
	"time"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// Stream selects which of the two logical notifier streams a subscriber
// receives: every non-suppressed record, or only Warning+ records.
type Stream int

const (
	StreamMessagePublished Stream = iota
	StreamMessageAlert
)

// Batch is the coalesced delivery a subscriber's handler receives.
type Batch struct {
	Records          []*record.Envelope
	CountsBySeverity map[record.Severity]int
	ExceptionCount   int
	TotalCount       int
	DroppedCount     int
}

// Handler processes one coalesced batch.
type Handler func(Batch)

// SubscriberOptions configures one notifier subscription.
type SubscriberOptions struct {
	Stream Stream
	// MinimumDelay: the notifier never delivers before this much time has
	// elapsed since the previous delivery; records accumulated during the
	// delay are batched together (spec §4.1.1).
	MinimumDelay time.Duration
	// Cap bounds how many records may accumulate before a delivery; past
	// the cap the oldest are dropped and DroppedCount reports the loss.
	Cap int
}

type subscription struct {
	opts    SubscriberOptions
	handler Handler

	mu       sync.Mutex
	pending  []*record.Envelope
	dropped  int
	lastSent time.Time
	running  bool
	timer    *time.Timer
}

// Notifier fans out published records to coalescing subscribers (spec
// §4.1.1).
type Notifier struct {
	mu   sync.Mutex
	subs []*subscription
}

// NewNotifier constructs an empty Notifier.
func NewNotifier() *Notifier { return &Notifier{} }

// Subscribe registers a handler on the given stream with the given
// coalescing options. It returns an unsubscribe function.
func (n *Notifier) Subscribe(opts SubscriberOptions, handler Handler) (unsubscribe func()) {
	if opts.Cap <= 0 {
		opts.Cap = 1000
	}
	sub := &subscription{opts: opts, handler: handler}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s == sub {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish fans env out to every subscriber whose stream it matches.
func (n *Notifier) Publish(env *record.Envelope) {
	n.mu.Lock()
	subs := append([]*subscription(nil), n.subs...)
	n.mu.Unlock()

	for _, s := range subs {
		if s.opts.Stream == StreamMessageAlert && !env.Severity().IsAlert() {
			continue
		}
		s.enqueue(env)
	}
}

func (s *subscription) enqueue(env *record.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) >= s.opts.Cap {
		s.pending = s.pending[1:]
		s.dropped++
	}
	s.pending = append(s.pending, env)

	if s.running {
		return
	}

	delay := s.opts.MinimumDelay - time.Since(s.lastSent)
	if delay < 0 {
		delay = 0
	}
	s.running = true
	s.timer = time.AfterFunc(delay, s.deliver)
}

// deliver runs the subscriber's handler with everything accumulated since
// the previous delivery. While the handler runs, further records queue in
// s.pending (enqueue sees s.running == true and does not schedule another
// timer); on return, if more accumulated, schedule the next delivery.
func (s *subscription) deliver() {
	s.mu.Lock()
	batchItems := s.pending
	s.pending = nil
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()

	batch := Batch{
		Records:          batchItems,
		CountsBySeverity: map[record.Severity]int{},
		DroppedCount:     dropped,
	}
	for _, env := range batchItems {
		batch.TotalCount++
		batch.CountsBySeverity[env.Severity()]++
		if env.Kind == record.KindLog && env.Log != nil && env.Log.Exception != nil {
			batch.ExceptionCount++
		}
	}

	s.handler(batch)

	s.mu.Lock()
	s.lastSent = time.Now()
	if len(s.pending) > 0 {
		delay := s.opts.MinimumDelay
		s.timer = time.AfterFunc(delay, s.deliver)
	} else {
		s.running = false
	}
	s.mu.Unlock()
}
