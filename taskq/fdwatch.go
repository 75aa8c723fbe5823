package taskq

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mbira/go-busclient/logger"
)

// Mode selects the readiness direction of an FDWatcher.
type Mode int

const (
	ModeRead Mode = 1 << iota
	ModeWrite
)

func (m Mode) events() int16 {
	var ev int16
	if m&ModeRead != 0 {
		ev |= unix.POLLIN
	}
	if m&ModeWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// FDWatcher is a persistent, auto-rearming readiness watch on one file
// descriptor. Readiness callbacks run as tasks on the given queue. The
// watcher is level-triggered: it does not re-poll the descriptor until the
// previous readiness callback has run.
type FDWatcher struct {
	fd      int
	mode    Mode
	queue   *SerialQueue
	onReady func(readable, writable bool)

	wakeR, wakeW int
	stopped      atomic.Bool
	quit         chan struct{}
	done         chan struct{}
}

// Watch starts watching fd for the given mode. The callback runs on queue
// for every readiness edge until Stop is called.
func Watch(fd int, mode Mode, queue *SerialQueue, onReady func(readable, writable bool)) (*FDWatcher, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	w := &FDWatcher{
		fd:      fd,
		mode:    mode,
		queue:   queue,
		onReady: onReady,
		wakeR:   p[0],
		wakeW:   p[1],
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *FDWatcher) loop() {
	defer close(w.done)

	fds := []unix.PollFd{
		{Fd: int32(w.fd), Events: w.mode.events()},
		{Fd: int32(w.wakeR), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logger.Error("[taskq] poll failed on fd %d: %v", w.fd, err)
			return
		}
		if fds[1].Revents != 0 {
			// Woken for stop
			return
		}
		if n == 0 {
			continue
		}

		readable := fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		writable := fds[0].Revents&unix.POLLOUT != 0
		if !readable && !writable {
			continue
		}

		ran := make(chan struct{})
		w.queue.Post(func() {
			defer close(ran)
			if !w.stopped.Load() {
				w.onReady(readable, writable)
			}
		})
		select {
		case <-ran:
		case <-w.quit:
			return
		}
	}
}

// Stop cancels the watch. After Stop returns, the readiness callback will not
// run again. Stop is idempotent and safe to call from the queue's goroutine.
func (w *FDWatcher) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.quit)
	if _, err := unix.Write(w.wakeW, []byte{0}); err != nil {
		logger.Warn("[taskq] wake write failed: %v", err)
	}
	<-w.done
	unix.Close(w.wakeW)
	unix.Close(w.wakeR)
}
