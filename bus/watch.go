package bus

import (
	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/taskq"
	"github.com/mbira/go-busclient/wire"
)

// watchHandle bridges one wire watch to the dispatch queue's fd watcher.
// Lives entirely on the dispatch queue.
type watchHandle struct {
	bus       *Bus
	watch     wire.Watch
	fdWatcher *taskq.FDWatcher
}

func newWatchHandle(b *Bus, w wire.Watch) *watchHandle {
	return &watchHandle{bus: b, watch: w}
}

func (h *watchHandle) startWatching() {
	if h.fdWatcher != nil {
		return
	}
	var mode taskq.Mode
	flags := h.watch.Flags()
	if flags&wire.FlagReadable != 0 {
		mode |= taskq.ModeRead
	}
	if flags&wire.FlagWritable != 0 {
		mode |= taskq.ModeWrite
	}
	fw, err := taskq.Watch(h.watch.Fd(), mode, h.bus.dispatchQueue, h.onReady)
	if err != nil {
		logger.Fatal("[bus] failed to watch fd %d: %v", h.watch.Fd(), err)
		return
	}
	h.fdWatcher = fw
}

// stopWatching is a no-op for a handle that never started, so removal of a
// disabled watch is safe.
func (h *watchHandle) stopWatching() {
	if h.fdWatcher == nil {
		return
	}
	h.fdWatcher.Stop()
	h.fdWatcher = nil
}

func (h *watchHandle) onReady(readable, writable bool) {
	var flags wire.WatchFlags
	if readable {
		flags |= wire.FlagReadable
	}
	if writable {
		flags |= wire.FlagWritable
	}
	// The only failure Handle reports is memory exhaustion.
	logger.Check(h.watch.Handle(flags), "[bus] watch on fd %d failed", h.watch.Fd())
}
