package taskq

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestFDWatcherReadReadiness(t *testing.T) {
	q := New("test")
	defer q.Stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	ready := make(chan bool, 1)
	fw, err := Watch(int(r.Fd()), ModeRead, q, func(readable, writable bool) {
		// Consume so the level-triggered loop goes idle
		buf := make([]byte, 16)
		r.Read(buf)
		select {
		case ready <- readable:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Stop()

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case readable := <-ready:
		if !readable {
			t.Fatal("callback fired without readability")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("readiness callback never fired")
	}
}

func TestFDWatcherCallbackRunsOnQueue(t *testing.T) {
	q := New("test")
	defer q.Stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	onQueue := make(chan bool, 1)
	fw, err := Watch(int(r.Fd()), ModeRead, q, func(readable, writable bool) {
		buf := make([]byte, 16)
		r.Read(buf)
		select {
		case onQueue <- q.BelongsToCurrent():
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Stop()

	w.Write([]byte("x"))

	select {
	case on := <-onQueue:
		if !on {
			t.Fatal("readiness callback ran off the queue goroutine")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("readiness callback never fired")
	}
}

func TestFDWatcherStopSuppressesCallback(t *testing.T) {
	q := New("test")
	defer q.Stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	fired := make(chan struct{}, 1)
	fw, err := Watch(int(r.Fd()), ModeRead, q, func(readable, writable bool) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	fw.Stop()
	w.Write([]byte("x"))

	select {
	case <-fired:
		t.Fatal("callback fired after Stop returned")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFDWatcherStopIdempotent(t *testing.T) {
	q := New("test")
	defer q.Stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	fw, err := Watch(int(r.Fd()), ModeRead, q, func(readable, writable bool) {})
	if err != nil {
		t.Fatal(err)
	}

	fw.Stop()
	fw.Stop() // must not panic or block
}

func TestModeEvents(t *testing.T) {
	tests := []struct {
		mode     Mode
		readable bool
		writable bool
	}{
		{ModeRead, true, false},
		{ModeWrite, false, true},
		{ModeRead | ModeWrite, true, true},
	}
	for _, tt := range tests {
		ev := tt.mode.events()
		if got := ev&unix.POLLIN != 0; got != tt.readable {
			t.Errorf("mode %v POLLIN = %v, want %v", tt.mode, got, tt.readable)
		}
		if got := ev&unix.POLLOUT != 0; got != tt.writable {
			t.Errorf("mode %v POLLOUT = %v, want %v", tt.mode, got, tt.writable)
		}
	}
}
