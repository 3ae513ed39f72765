package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rjboer/iqstream/internal/sdr"
)

// ErrClosed is returned by Pop once the queue is closed and drained, and by
// Push after Close.
var ErrClosed = errors.New("queue closed")

// Policy selects what Push does when the queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued frame so the newest one fits.
	DropOldest Policy = iota
	// BlockProducer makes Push wait for free space.
	BlockProducer
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case BlockProducer:
		return "block-producer"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configured overflow policy name.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-oldest", "":
		return DropOldest, nil
	case "block-producer", "block":
		return BlockProducer, nil
	default:
		return DropOldest, fmt.Errorf("unsupported overflow policy %q", s)
	}
}

const (
	DefaultCapacity = 32
	MaxCapacity     = 4096
)

// FrameQueue is a bounded FIFO of sample frames shared by exactly one
// producer and one consumer loop.
type FrameQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []sdr.Frame // ring
	head     int
	size     int
	policy   Policy
	closed   bool
	dropped  uint64
}

// New builds a queue. A non-positive capacity uses DefaultCapacity.
func New(capacity int, policy Policy) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &FrameQueue{
		buf:    make([]sdr.Frame, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends f. Under DropOldest a full queue loses its oldest frame and
// dropped is true. Under BlockProducer Push waits for space, for Close
// (ErrClosed) or for ctx to end.
func (q *FrameQueue) Push(ctx context.Context, f sdr.Frame) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	if q.size == len(q.buf) {
		switch q.policy {
		case BlockProducer:
			stop := context.AfterFunc(ctx, q.wakeAll)
			defer stop()
			for q.size == len(q.buf) && !q.closed && ctx.Err() == nil {
				q.notFull.Wait()
			}
			if q.closed {
				return false, ErrClosed
			}
			if err := ctx.Err(); err != nil {
				return false, err
			}
		default:
			q.buf[q.head] = sdr.Frame{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.dropped++
			dropped = true
		}
	}

	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	q.notEmpty.Signal()
	return dropped, nil
}

// Pop removes the oldest frame, blocking while the queue is empty. After
// Close it keeps returning queued frames in order, then ErrClosed.
func (q *FrameQueue) Pop(ctx context.Context) (sdr.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 && !q.closed {
		stop := context.AfterFunc(ctx, q.wakeAll)
		defer stop()
		for q.size == 0 && !q.closed && ctx.Err() == nil {
			q.notEmpty.Wait()
		}
	}
	if q.size == 0 {
		if q.closed {
			return sdr.Frame{}, ErrClosed
		}
		return sdr.Frame{}, ctx.Err()
	}

	f := q.buf[q.head]
	q.buf[q.head] = sdr.Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.notFull.Signal()
	return f, nil
}

// Close stops accepting frames and wakes blocked callers. Queued frames stay
// available to Pop.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wakeAll()
}

func (q *FrameQueue) wakeAll() {
	// Taking the lock orders the broadcast after a waiter's condition check.
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return len(q.buf) }

// Dropped returns how many frames DropOldest has evicted.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Policy returns the overflow policy.
func (q *FrameQueue) Policy() Policy { return q.policy }
