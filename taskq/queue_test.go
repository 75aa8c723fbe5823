package taskq

import (
	"sync"
	"testing"
	"time"
)

func TestSerialQueueFIFO(t *testing.T) {
	q := New("test")
	defer q.Stop()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	for i := 0; i < 100; i++ {
		i := i
		q.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d, FIFO order violated", v, i)
		}
	}
}

func TestSerialQueueDelayedAtOrAfter(t *testing.T) {
	q := New("test")
	defer q.Stop()

	const delay = 50 * time.Millisecond
	start := time.Now()
	fired := make(chan time.Time, 1)

	q.PostDelayed(delay, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if elapsed := at.Sub(start); elapsed < delay {
			t.Fatalf("delayed task fired after %v, want >= %v", elapsed, delay)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task never fired")
	}
}

func TestSerialQueueZeroDelayIsImmediatePost(t *testing.T) {
	q := New("test")
	defer q.Stop()

	fired := make(chan struct{})
	q.PostDelayed(0, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("zero-delay task never fired")
	}
}

func TestBelongsToCurrent(t *testing.T) {
	q := New("test")
	defer q.Stop()

	if q.BelongsToCurrent() {
		t.Fatal("test goroutine should not belong to the queue")
	}

	result := make(chan bool, 1)
	q.Post(func() { result <- q.BelongsToCurrent() })

	select {
	case on := <-result:
		if !on {
			t.Fatal("task should run on the queue's goroutine")
		}
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	q := New("test")

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		q.Post(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	if ran != 10 {
		t.Fatalf("Stop drained %d tasks, want 10", ran)
	}
}

func TestPostAfterStopIsDropped(t *testing.T) {
	q := New("test")
	q.Stop()

	// Must not panic or run
	ran := make(chan struct{}, 1)
	q.Post(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("task posted after stop should not run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopFromOwnGoroutine(t *testing.T) {
	q := New("test")
	done := make(chan struct{})

	q.Post(func() {
		q.Stop()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop from the queue goroutine deadlocked")
	}
	// Runner exits after the current task; wait for it.
	<-q.done
}

func TestCurrentGoroutineID(t *testing.T) {
	id := CurrentGoroutineID()
	if id == 0 {
		t.Fatal("CurrentGoroutineID returned 0")
	}

	other := make(chan uint64, 1)
	go func() { other <- CurrentGoroutineID() }()
	if oid := <-other; oid == id || oid == 0 {
		t.Fatalf("distinct goroutines should have distinct ids: %d vs %d", id, oid)
	}
}
