package main

import (
	"fmt"

	"github.com/mbira/go-busclient/bus"
	"github.com/mbira/go-busclient/cache"
	"github.com/mbira/go-busclient/config"
	"github.com/mbira/go-busclient/events"
	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/wire"
)

// monitor subscribes to the configured match rules and reports everything it
// sees as events. It registers itself as a message filter on the bus, so
// classification happens on the dispatch queue; reporting happens on its own
// goroutine.
type monitor struct {
	bus    *bus.Bus
	cfg    *config.MonitorConfig
	owners *cache.Cache[string]
	filter events.Filter
	out    chan events.Event
	done   chan struct{}
}

func newMonitor(b *bus.Bus, cfg *config.MonitorConfig) *monitor {
	return &monitor{
		bus:    b,
		cfg:    cfg,
		owners: cache.New[string](cfg.OwnerCacheTTL),
		filter: events.FilterTypes(cfg.EventTypes),
		out:    make(chan events.Event, 64),
		done:   make(chan struct{}),
	}
}

// start wires the monitor onto the bus and begins reporting. It blocks until
// the dispatch-side setup has finished.
func (m *monitor) start() error {
	go m.report()

	errc := make(chan error, 1)
	m.bus.PostTaskToDBusThread(func() {
		errc <- m.setUp()
	})
	if err := <-errc; err != nil {
		return err
	}

	// A quick round trip through a proxy; mostly a connectivity probe.
	m.bus.PostTaskToOriginThread(func() {
		proxy := m.bus.GetObjectProxy(wire.DBusService, wire.DBusPath)
		proxy.CallMethod(wire.DBusInterface, "ListNames", nil, 0,
			func(reply *wire.Message, err error) {
				if err != nil {
					logger.Warn("[busmon] ListNames failed: %v", err)
					return
				}
				if len(reply.Body) > 0 {
					if names, ok := reply.Body[0].([]string); ok {
						logger.Info("[busmon] %d names on the bus", len(names))
					}
				}
			})
	})
	return nil
}

func (m *monitor) setUp() error {
	if !m.bus.SetUpAsyncOperations() {
		return fmt.Errorf("failed to set up bus connection")
	}
	m.emit(events.Event{Type: events.TypeConnected, Data: m.bus.UniqueName()})

	m.bus.AddFilterFunction(m)
	for _, rule := range m.cfg.Matches {
		m.bus.AddMatch(rule)
	}

	for _, name := range m.cfg.ResolveNames {
		owner, err := m.resolveOwner(name)
		if err != nil {
			logger.Warn("[busmon] cannot resolve %s: %v", name, err)
			continue
		}
		logger.Info("[busmon] %s is owned by %s", name, owner)
	}

	if m.cfg.OwnName != "" {
		if m.bus.RequestOwnershipAndBlock(m.cfg.OwnName) {
			m.emit(events.Event{Type: events.TypeNameAcquired, Data: m.cfg.OwnName})
		} else {
			logger.Error("[busmon] failed to claim %s", m.cfg.OwnName)
		}
	}
	return nil
}

// resolveOwner maps a well-known name to its current unique name, memoized
// for the configured TTL. Runs on the dispatch queue.
func (m *monitor) resolveOwner(name string) (string, error) {
	return m.owners.GetOrCompute(name, func() (string, error) {
		reply, err := m.bus.SendWithReplyAndBlock(&wire.Message{
			Type:        wire.TypeMethodCall,
			Destination: wire.DBusService,
			Path:        wire.DBusPath,
			Interface:   wire.DBusInterface,
			Member:      "GetNameOwner",
			Body:        []interface{}{name},
		}, 0)
		if err != nil {
			return "", err
		}
		if len(reply.Body) == 0 {
			return "", fmt.Errorf("empty GetNameOwner reply for %s", name)
		}
		owner, ok := reply.Body[0].(string)
		if !ok {
			return "", fmt.Errorf("unexpected GetNameOwner reply for %s: %v", name, reply.Body)
		}
		return owner, nil
	})
}

// HandleMessage classifies dispatched messages into events. Runs on the
// dispatch queue as part of the bus filter chain.
func (m *monitor) HandleMessage(msg *wire.Message) wire.HandlerResult {
	switch {
	case msg.Name() == wire.SignalNameAcquired:
		m.emit(events.Event{Type: events.TypeNameAcquired, Data: msg.Body})
	case msg.Name() == wire.SignalNameLost:
		m.emit(events.Event{Type: events.TypeNameLost, Data: msg.Body})
	case msg.Type == wire.TypeSignal:
		m.emit(events.Event{
			Type: events.TypeSignal,
			Data: fmt.Sprintf("%s from %s at %s %v", msg.Name(), msg.Sender, msg.Path, msg.Body),
		})
	case msg.Type == wire.TypeMethodCall:
		m.emit(events.Event{
			Type: events.TypeMethodCall,
			Data: fmt.Sprintf("%s from %s", msg.Name(), msg.Sender),
		})
	default:
		return wire.ResultNotYetHandled
	}
	return wire.ResultHandled
}

func (m *monitor) emit(e events.Event) {
	if m.filter != nil && !m.filter(e) {
		return
	}
	select {
	case m.out <- e:
	default:
		logger.Warn("[busmon] event queue full, dropping %s", e.Type)
	}
}

func (m *monitor) report() {
	for {
		select {
		case e := <-m.out:
			logger.Info("[busmon] %s: %v", e.Type, e.Data)
		case <-m.done:
			return
		}
	}
}

func (m *monitor) stop() {
	m.emit(events.Event{Type: events.TypeShutdown})
	close(m.done)
}
