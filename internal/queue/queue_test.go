package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rjboer/iqstream/internal/sdr"
)

func frame(seq uint64) sdr.Frame {
	return sdr.Frame{Seq: seq, Samples: []complex64{complex(float32(seq), 0)}}
}

func TestFIFOOrder(t *testing.T) {
	q := New(4, DropOldest)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		if dropped, err := q.Push(ctx, frame(i)); err != nil || dropped {
			t.Fatalf("push %d: dropped=%v err=%v", i, dropped, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		f, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if f.Seq != i || f.Samples[0] != complex(float32(i), 0) {
			t.Fatalf("expected frame %d unchanged, got %+v", i, f)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty, got %d", q.Len())
	}
}

func TestDropOldestKeepsLastC(t *testing.T) {
	const capacity, n = 8, 21
	q := New(capacity, DropOldest)
	ctx := context.Background()
	drops := 0
	for i := uint64(1); i <= n; i++ {
		dropped, err := q.Push(ctx, frame(i))
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		if dropped {
			drops++
		}
	}
	if q.Len() != capacity || drops != n-capacity || q.Dropped() != n-capacity {
		t.Fatalf("len=%d drops=%d dropped=%d", q.Len(), drops, q.Dropped())
	}
	for want := uint64(n - capacity + 1); want <= n; want++ {
		f, err := q.Pop(ctx)
		if err != nil || f.Seq != want {
			t.Fatalf("expected seq %d, got %d (%v)", want, f.Seq, err)
		}
	}
}

func TestBlockProducerWaitsForSpace(t *testing.T) {
	q := New(1, BlockProducer)
	ctx := context.Background()
	if _, err := q.Push(ctx, frame(1)); err != nil {
		t.Fatalf("push: %v", err)
	}

	pushed := make(chan error, 1)
	go func() {
		_, err := q.Push(ctx, frame(2))
		pushed <- err
	}()

	select {
	case err := <-pushed:
		t.Fatalf("push should block on a full queue, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if f, err := q.Pop(ctx); err != nil || f.Seq != 1 {
		t.Fatalf("pop: %+v %v", f, err)
	}
	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("blocked push failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("push did not resume after pop")
	}
	if f, _ := q.Pop(ctx); f.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", f.Seq)
	}
}

func TestBlockedPushReleasedByCloseAndContext(t *testing.T) {
	q := New(1, BlockProducer)
	q.Push(context.Background(), frame(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Push(ctx, frame(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Push(context.Background(), frame(3))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not release producer")
	}
}

func TestCloseDrainsThenErrClosed(t *testing.T) {
	q := New(4, DropOldest)
	ctx := context.Background()
	q.Push(ctx, frame(1))
	q.Push(ctx, frame(2))
	q.Close()

	if _, err := q.Push(ctx, frame(3)); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close: %v", err)
	}
	for want := uint64(1); want <= 2; want++ {
		f, err := q.Pop(ctx)
		if err != nil || f.Seq != want {
			t.Fatalf("drain: expected %d got %d (%v)", want, f.Seq, err)
		}
	}
	if _, err := q.Pop(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestPopBlocksUntilPushOrClose(t *testing.T) {
	q := New(2, DropOldest)
	var wg sync.WaitGroup
	wg.Add(1)
	var got sdr.Frame
	var popErr error
	go func() {
		defer wg.Done()
		got, popErr = q.Pop(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	q.Push(context.Background(), frame(9))
	wg.Wait()
	if popErr != nil || got.Seq != 9 {
		t.Fatalf("pop: %+v %v", got, popErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestConcurrentProducerConsumerPreservesOrder(t *testing.T) {
	q := New(4, BlockProducer)
	const n = 500
	go func() {
		for i := uint64(1); i <= n; i++ {
			if _, err := q.Push(context.Background(), frame(i)); err != nil {
				return
			}
		}
		q.Close()
	}()
	want := uint64(1)
	for {
		f, err := q.Pop(context.Background())
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if f.Seq != want {
			t.Fatalf("out of order: expected %d got %d", want, f.Seq)
		}
		want++
	}
	if want != n+1 {
		t.Fatalf("received %d frames, expected %d", want-1, n)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("block-producer"); err != nil || p != BlockProducer {
		t.Fatalf("ParsePolicy = %v, %v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != DropOldest {
		t.Fatalf("default policy = %v, %v", p, err)
	}
	if _, err := ParsePolicy("drop-newest"); err == nil {
		t.Fatalf("expected error")
	}
}
