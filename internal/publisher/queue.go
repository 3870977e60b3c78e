package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// queuedItem is one envelope waiting for the consumer goroutine, plus the
// optional completion channel for WaitForCommit callers.
type queuedItem struct {
	env  *record.Envelope
	done chan struct{}
}

// queue is a mutex-guarded FIFO with a soft cap and severity-aware
// backpressure (spec §4.1): beyond the cap, Verbose/Information records are
// dropped first; Warning+ records block the caller up to a deadline.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []queuedItem
	softCap  int
	closed   bool

	droppedCount uint64
}

func newQueue(softCap int) *queue {
	q := &queue{softCap: softCap}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// push enqueues env. For sub-Warning severities at capacity it drops the
// new record immediately. For Warning+ it blocks (honoring ctx/deadline)
// until space frees or the queue closes. Returns whether env was admitted.
func (q *queue) push(ctx context.Context, env *record.Envelope, deadline time.Duration) (accepted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.items) >= q.softCap {
		if !env.Severity().IsAlert() {
			q.droppedCount++
			return false
		}
		if !q.waitForSpaceLocked(ctx, deadline) {
			// Deadline/ctx expired: Warning+ records are never dropped, so
			// the record is still admitted past the soft cap rather than
			// lost, but the caller observed the bounded block.
		}
	}

	item := queuedItem{env: env}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return true
}

// pushWait is push plus a completion channel signalled once the consumer
// has fully processed (and, for WaitForCommit, durably flushed) the item.
func (q *queue) pushWait(ctx context.Context, env *record.Envelope, deadline time.Duration) (accepted bool, done chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, nil
	}

	if len(q.items) >= q.softCap {
		if !env.Severity().IsAlert() {
			q.droppedCount++
			return false, nil
		}
		q.waitForSpaceLocked(ctx, deadline)
	}

	done = make(chan struct{})
	q.items = append(q.items, queuedItem{env: env, done: done})
	q.notEmpty.Signal()
	return true, done
}

// waitForSpaceLocked blocks until len(items) < softCap, ctx is done, or the
// deadline elapses. Must be called with q.mu held (it uses notFull, whose
// Wait releases and reacquires q.mu, so it never deadlocks the holder).
// Returns false if it returned due to timeout/cancellation (callers still
// admit Warning+ records past the soft cap rather than drop them).
func (q *queue) waitForSpaceLocked(ctx context.Context, deadline time.Duration) bool {
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	expiry := time.Now().Add(deadline)

	timer := time.AfterFunc(deadline, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notFull.Broadcast()
			q.mu.Unlock()
		case <-stopWatch:
		}
	}()

	for len(q.items) >= q.softCap && !q.closed {
		if time.Now().After(expiry) {
			break
		}
		select {
		case <-ctx.Done():
			return len(q.items) < q.softCap
		default:
		}
		q.notFull.Wait()
	}
	return len(q.items) < q.softCap
}

// pop blocks until an item is available or the queue is closed and drained.
func (q *queue) pop() (queuedItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return queuedItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return item, true
}

// drain returns and removes everything currently queued, without blocking.
func (q *queue) drain() []queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// depth returns the current queue length.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close marks the queue closed and wakes any blocked pop/push.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *queue) dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedCount
}
