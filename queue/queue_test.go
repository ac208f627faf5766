package queue

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

func TestQueue_StartsPaused(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	q := New(func(item int) error {
		mu.Lock()
		seen = append(seen, item)
		mu.Unlock()
		return nil
	}, nil)
	defer q.Close()

	q.Push(1)
	q.Push(2)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("paused queue processed %d items", n)
	}
	if !q.Paused() {
		t.Error("queue should report paused")
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	q := New(func(item int) error {
		mu.Lock()
		seen = append(seen, item)
		mu.Unlock()
		return nil
	}, nil)
	defer q.Close()

	for i := 1; i <= 20; i++ {
		q.Push(i)
	}
	q.Resume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i+1 {
			t.Fatalf("seen[%d] = %d, want %d", i, v, i+1)
		}
	}
}

func TestQueue_HandlerErrorPausesAndReports(t *testing.T) {
	boom := errors.New("boom")
	var mu sync.Mutex
	var reported error
	var processed int

	q := New(func(item int) error {
		mu.Lock()
		processed++
		mu.Unlock()
		if item == 2 {
			return boom
		}
		return nil
	}, func(err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	})
	defer q.Close()

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.Resume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reported != nil
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(reported, boom) {
		t.Errorf("reported = %v, want %v", reported, boom)
	}
	if processed != 2 {
		t.Errorf("processed = %d, want 2 (queue should pause after the failure)", processed)
	}
	if !q.Paused() {
		t.Error("queue should be paused after a handler error")
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New(func(item int) error { return nil }, nil)
	defer q.Close()

	q.Push(1)
	q.Push(2)
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("len = %d after clear, want 0", q.Len())
	}
}

func TestQueue_PushAfterClose(t *testing.T) {
	q := New(func(item int) error { return nil }, nil)
	q.Close()
	q.Close() // idempotent

	if err := q.Push(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close = %v, want ErrClosed", err)
	}
	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestQueue_Idle(t *testing.T) {
	block := make(chan struct{})
	q := New(func(item int) error {
		<-block
		return nil
	}, nil)
	defer q.Close()

	if !q.Idle() {
		t.Error("empty queue should be idle")
	}
	q.Push(1)
	q.Resume()
	waitFor(t, func() bool { return q.Len() == 0 })
	if q.Idle() {
		t.Error("queue with an in-flight item should not be idle")
	}
	close(block)
	waitFor(t, func() bool { return q.Idle() })
}
