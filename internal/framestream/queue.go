package framestream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/cribwatch/internal/frame"
)

// ErrClosed is returned by Next and Push once the queue has been closed.
var ErrClosed = errors.New("framestream: queue closed")

// ============================================================================
//  STREAM QUEUE
// ============================================================================

// Queue is the FIFO feeding a live viewer. It has its own lock so a stalled
// viewer never blocks ingest, recording or sampling. Consumers suspend on a
// condition variable while the queue is empty and are woken by Push, Close, or
// cancellation of their context.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []*frame.Frame
	limit  int // 0 means unbounded
	closed bool

	stats struct {
		pushed        atomic.Int64
		delivered     atomic.Int64
		dropped       atomic.Int64
		lastFrameTime atomic.Value // time.Time
	}
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Pushed        int64
	Delivered     int64
	Dropped       int64
	Pending       int
	LastFrameTime time.Time
}

// NewQueue creates a queue holding at most limit frames. When full, the oldest
// pending frame is dropped. limit <= 0 disables the bound.
func NewQueue(limit int) *Queue {
	if limit < 0 {
		limit = 0
	}
	q := &Queue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	q.stats.lastFrameTime.Store(time.Time{})
	return q
}

// Push appends f. It reports whether an older frame had to be dropped to make
// room, and returns ErrClosed if the queue no longer accepts frames.
func (q *Queue) Push(f *frame.Frame) (dropped bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if q.limit > 0 && len(q.frames) >= q.limit {
		q.frames[0] = nil
		q.frames = q.frames[1:]
		dropped = true
	}
	q.frames = append(q.frames, f)
	q.cond.Signal()
	q.mu.Unlock()

	q.stats.pushed.Add(1)
	q.stats.lastFrameTime.Store(time.Now())
	if dropped {
		q.stats.dropped.Add(1)
	}
	return dropped, nil
}

// Next blocks until a frame is available, the queue is closed (ErrClosed), or
// ctx is done (ctx.Err()). Closing the queue discards undelivered frames.
func (q *Queue) Next(ctx context.Context) (*frame.Frame, error) {
	// Wake the waiter when the viewer goes away; sync.Cond has no ctx support.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.frames) == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
	if q.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.stats.delivered.Add(1)
	return f, nil
}

// Close releases pending frames and wakes every blocked consumer. Safe to call
// more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.frames = nil
	q.cond.Broadcast()
}

// Len returns the number of pending frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats returns current counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pushed:        q.stats.pushed.Load(),
		Delivered:     q.stats.delivered.Load(),
		Dropped:       q.stats.dropped.Load(),
		Pending:       q.Len(),
		LastFrameTime: q.stats.lastFrameTime.Load().(time.Time),
	}
}
