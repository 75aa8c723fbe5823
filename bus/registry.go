package bus

import (
	"sync"

	"github.com/mbira/go-busclient/wire"
)

type registryKey struct {
	busType wire.BusType
	mode    wire.ConnectionMode
	address string
}

// Registry hands out at most one Bus per (type, mode, address) triple. It is
// the composition root's view of the buses a process talks to, and the only
// mutex-guarded piece of this package: it is called from arbitrary
// goroutines, never from inside a Bus queue.
type Registry struct {
	mu    sync.Mutex
	buses map[registryKey]*Bus
}

func NewRegistry() *Registry {
	return &Registry{buses: map[registryKey]*Bus{}}
}

// Bus returns the Bus for opts, creating it on first use.
func (r *Registry) Bus(opts Options) *Bus {
	key := registryKey{busType: opts.BusType, mode: opts.ConnectionMode, address: opts.Address}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buses[key]; ok {
		return b
	}
	b := New(opts)
	r.buses[key] = b
	return b
}

// ShutdownAll shuts down and destroys every registered Bus, blocking until
// each one has finished.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	buses := make([]*Bus, 0, len(r.buses))
	for _, b := range r.buses {
		buses = append(buses, b)
	}
	r.buses = map[registryKey]*Bus{}
	r.mu.Unlock()

	for _, b := range buses {
		done := make(chan struct{})
		b.PostTaskToOriginThread(func() {
			defer close(done)
			if b.HasDBusThread() {
				b.ShutdownOnDBusThreadAndBlock()
			} else {
				b.ShutdownAndBlock()
			}
		})
		<-done
		b.Destroy()
	}
}
