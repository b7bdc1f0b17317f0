package encode

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 4; i++ {
		if err := q.Push(context.Background(), Frame{Seq: uint64(i)}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if q.Len() != 4 {
		t.Fatalf("Len = %d, want 4", q.Len())
	}

	for i := 0; i < 4; i++ {
		f, ok := q.Pop()
		if !ok || f.Seq != uint64(i) {
			t.Fatalf("Pop %d = (%d, %v)", i, f.Seq, ok)
		}
	}
}

func TestQueueWrapsAround(t *testing.T) {
	q := NewQueue(3)
	next := uint64(0)
	want := uint64(0)
	for round := 0; round < 10; round++ {
		for q.Len() < 2 {
			_ = q.Push(context.Background(), Frame{Seq: next})
			next++
		}
		f, _ := q.Pop()
		if f.Seq != want {
			t.Fatalf("round %d: popped %d, want %d", round, f.Seq, want)
		}
		want++
	}
}

func TestQueueFullBlocksUntilPop(t *testing.T) {
	q := NewQueue(2)
	_ = q.Push(context.Background(), Frame{Seq: 0})
	_ = q.Push(context.Background(), Frame{Seq: 1})

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push(context.Background(), Frame{Seq: 2})
	}()

	select {
	case <-pushed:
		t.Fatal("Push on a full queue returned without waiting")
	case <-time.After(50 * time.Millisecond):
	}

	if q.Len() > q.Cap() {
		t.Fatalf("Len %d exceeds capacity %d", q.Len(), q.Cap())
	}

	if _, ok := q.Pop(); !ok {
		t.Fatal("Pop failed")
	}

	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked producer was not released after one pop")
	}

	for _, want := range []uint64{1, 2} {
		f, _ := q.Pop()
		if f.Seq != want {
			t.Fatalf("popped %d, want %d", f.Seq, want)
		}
	}
}

func TestQueuePushHonoursContext(t *testing.T) {
	q := NewQueue(1)
	_ = q.Push(context.Background(), Frame{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Push(ctx, Frame{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Push error = %v, want DeadlineExceeded", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue(4)
	_ = q.Push(context.Background(), Frame{Seq: 7})
	q.Close()

	if err := q.Push(context.Background(), Frame{}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Push after Close = %v, want ErrQueueClosed", err)
	}

	f, ok := q.Pop()
	if !ok || f.Seq != 7 {
		t.Fatalf("Pop after Close = (%d, %v), want (7, true)", f.Seq, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on a closed empty queue should report !ok")
	}
}

func TestQueueCloseWakesBlockedProducer(t *testing.T) {
	q := NewQueue(1)
	_ = q.Push(context.Background(), Frame{})

	done := make(chan error, 1)
	go func() { done <- q.Push(context.Background(), Frame{}) }()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("Push = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake blocked producer")
	}
}
