package main

import (
	"testing"
	"time"

	"github.com/mbira/go-busclient/bus"
	"github.com/mbira/go-busclient/config"
	"github.com/mbira/go-busclient/events"
	"github.com/mbira/go-busclient/wire"
	"github.com/mbira/go-busclient/wire/wiretest"
)

func newMonitorBus(t *testing.T) (*bus.Bus, *wiretest.Dialer) {
	t.Helper()
	d := &wiretest.Dialer{}
	b := bus.New(bus.Options{
		BusType:                wire.Session,
		DedicatedDispatchQueue: true,
		Dialer:                 d,
	})
	t.Cleanup(func() {
		done := make(chan struct{})
		b.PostTaskToDBusThread(func() {
			defer close(done)
			b.ShutdownAndBlock()
		})
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("shutdown timed out")
		}
	})
	return b, d
}

func onDispatch(t *testing.T, b *bus.Bus, f func()) {
	t.Helper()
	done := make(chan struct{})
	b.PostTaskToDBusThread(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch task timed out")
	}
}

func TestHandleMessageClassification(t *testing.T) {
	tests := []struct {
		name string
		msg  *wire.Message
		want string
	}{
		{
			"name acquired",
			&wire.Message{Type: wire.TypeSignal, Interface: wire.DBusInterface, Member: "NameAcquired", Body: []interface{}{"org.example.X"}},
			events.TypeNameAcquired,
		},
		{
			"name lost",
			&wire.Message{Type: wire.TypeSignal, Interface: wire.DBusInterface, Member: "NameLost", Body: []interface{}{"org.example.X"}},
			events.TypeNameLost,
		},
		{
			"plain signal",
			&wire.Message{Type: wire.TypeSignal, Interface: "org.example.Iface", Member: "Changed"},
			events.TypeSignal,
		},
		{
			"method call",
			&wire.Message{Type: wire.TypeMethodCall, Interface: "org.example.Iface", Member: "Get"},
			events.TypeMethodCall,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMonitor(nil, &config.MonitorConfig{})
			if got := m.HandleMessage(tt.msg); got != wire.ResultHandled {
				t.Fatalf("HandleMessage = %v, want handled", got)
			}
			select {
			case e := <-m.out:
				if e.Type != tt.want {
					t.Fatalf("event type = %s, want %s", e.Type, tt.want)
				}
			default:
				t.Fatal("no event emitted")
			}
		})
	}
}

func TestHandleMessageIgnoresReplies(t *testing.T) {
	m := newMonitor(nil, &config.MonitorConfig{})
	msg := &wire.Message{Type: wire.TypeMethodReturn}
	if got := m.HandleMessage(msg); got != wire.ResultNotYetHandled {
		t.Fatalf("HandleMessage = %v, want not-yet-handled", got)
	}
}

func TestEventTypeFilter(t *testing.T) {
	m := newMonitor(nil, &config.MonitorConfig{EventTypes: []string{events.TypeSignal}})

	m.HandleMessage(&wire.Message{Type: wire.TypeSignal, Interface: wire.DBusInterface, Member: "NameLost"})
	select {
	case e := <-m.out:
		t.Fatalf("filtered event delivered: %s", e.Type)
	default:
	}

	m.HandleMessage(&wire.Message{Type: wire.TypeSignal, Interface: "org.example.Iface", Member: "Changed"})
	select {
	case e := <-m.out:
		if e.Type != events.TypeSignal {
			t.Fatalf("event type = %s", e.Type)
		}
	default:
		t.Fatal("allowed event not delivered")
	}
}

func TestMonitorSetUp(t *testing.T) {
	b, d := newMonitorBus(t)
	const rule = "type='signal',interface='org.example.Iface'"
	m := newMonitor(b, &config.MonitorConfig{
		Matches: []string{rule},
		OwnName: "org.example.Monitor",
	})
	if err := m.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.stop()
	onDispatch(t, b, func() {})

	conn := d.Conn(0)
	if !conn.Matches[rule] {
		t.Fatalf("match rule not added: %v", conn.Matches)
	}
	if !conn.OwnedNames["org.example.Monitor"] {
		t.Fatal("configured name not claimed")
	}
	if got := conn.FilterCount(); got != 1 {
		t.Fatalf("FilterCount = %d, want 1", got)
	}
}

func TestResolveOwnerIsMemoized(t *testing.T) {
	b, d := newMonitorBus(t)
	m := newMonitor(b, &config.MonitorConfig{OwnerCacheTTL: time.Minute})
	onDispatch(t, b, func() {
		if !b.Connect() {
			t.Fatal("Connect failed")
		}
		for i := 0; i < 3; i++ {
			// The fake echoes the request body, so the owner is the name.
			owner, err := m.resolveOwner("org.example.Service")
			if err != nil {
				t.Fatalf("resolveOwner: %v", err)
			}
			if owner != "org.example.Service" {
				t.Fatalf("owner = %q", owner)
			}
		}
	})
	var calls int
	for _, e := range d.Conn(0).LogCopy() {
		if e == "send-blocking:"+wire.BusGetNameOwner {
			calls++
		}
	}
	if calls != 1 {
		t.Fatalf("daemon saw %d GetNameOwner calls, want 1", calls)
	}
}
