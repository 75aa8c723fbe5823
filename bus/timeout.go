package bus

import (
	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/wire"
)

// timeoutHandle arms one wire timeout as a delayed task on the dispatch
// queue. A posted task cannot be revoked, so cancellation is flag-based: run
// re-checks the flags when it finally executes. Lives entirely on the
// dispatch queue.
type timeoutHandle struct {
	bus     *Bus
	timeout wire.Timeout

	active    bool
	completed bool
}

func newTimeoutHandle(b *Bus, t wire.Timeout) *timeoutHandle {
	return &timeoutHandle{bus: b, timeout: t}
}

func (h *timeoutHandle) startMonitoring() {
	h.active = true
	h.bus.PostDelayedTaskToDBusThread(h.timeout.Interval(), h.run)
}

func (h *timeoutHandle) stopMonitoring() {
	h.active = false
}

// complete severs the wire timeout. The connection may free its side right
// after removal, so a late-firing task must find nothing to touch.
func (h *timeoutHandle) complete() {
	h.completed = true
	h.active = false
	h.timeout = nil
}

func (h *timeoutHandle) run() {
	if h.completed || !h.active {
		return
	}
	logger.Check(h.timeout.Handle(), "[bus] timeout handler failed")
}
