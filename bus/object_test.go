package bus

import (
	"testing"
	"time"

	"github.com/mbira/go-busclient/wire"
)

func TestCallMethodDeliversReplyOnOrigin(t *testing.T) {
	b, _ := newTestBus(t, true)
	got := make(chan []interface{}, 1)
	onOrigin(t, b, func() {
		p := b.GetObjectProxy("org.example.Service", "/org/example/Object")
		p.CallMethod("org.example.Iface", "Echo", []interface{}{"hello", uint32(7)}, 0,
			func(reply *wire.Message, err error) {
				if !b.originQueue.BelongsToCurrent() {
					t.Error("response callback ran off the origin queue")
				}
				if err != nil {
					t.Errorf("CallMethod failed: %v", err)
				}
				got <- reply.Body
			})
	})
	select {
	case body := <-got:
		// The fake echoes the request body.
		if len(body) != 2 || body[0] != "hello" {
			t.Fatalf("reply body = %v", body)
		}
	case <-time.After(testTimeout):
		t.Fatal("response callback never ran")
	}
}

func TestCallMethodAndBlock(t *testing.T) {
	b, _ := newTestBus(t, false)
	onOrigin(t, b, func() {
		p := b.GetObjectProxy("org.example.Service", "/org/example/Object")
		if !b.Connect() {
			t.Fatal("Connect failed")
		}
		body, err := p.CallMethodAndBlock("org.example.Iface", "Get", []interface{}{"volume"}, time.Second)
		if err != nil {
			t.Fatalf("CallMethodAndBlock: %v", err)
		}
		if len(body) != 1 || body[0] != "volume" {
			t.Fatalf("reply body = %v", body)
		}
	})
}

func TestConnectToSignal(t *testing.T) {
	b, d := newTestBus(t, true)

	connected := make(chan bool, 1)
	sigs := make(chan *wire.Message, 4)
	onOrigin(t, b, func() {
		p := b.GetObjectProxy("org.example.Service", "/org/example/Object")
		p.ConnectToSignal("org.example.Iface", "Changed",
			func(sig *wire.Message) {
				if !b.originQueue.BelongsToCurrent() {
					t.Error("signal callback ran off the origin queue")
				}
				sigs <- sig
			},
			func(iface, signal string, success bool) { connected <- success })
	})
	select {
	case ok := <-connected:
		if !ok {
			t.Fatal("signal connection failed")
		}
	case <-time.After(testTimeout):
		t.Fatal("connected callback never ran")
	}

	conn := d.Conn(0)
	if len(conn.Matches) != 1 {
		t.Fatalf("match rules = %v, want one", conn.Matches)
	}

	// A signal from the right object reaches the handler.
	conn.QueueMessage(&wire.Message{
		Type: wire.TypeSignal, Path: "/org/example/Object",
		Interface: "org.example.Iface", Member: "Changed",
		Body: []interface{}{int32(42)},
	})
	select {
	case sig := <-sigs:
		if sig.Body[0] != int32(42) {
			t.Fatalf("signal body = %v", sig.Body)
		}
	case <-time.After(testTimeout):
		t.Fatal("signal never delivered")
	}

	// A signal from another path does not.
	conn.QueueMessage(&wire.Message{
		Type: wire.TypeSignal, Path: "/org/example/Other",
		Interface: "org.example.Iface", Member: "Changed",
	})
	onDispatch(t, b, func() {})
	select {
	case sig := <-sigs:
		t.Fatalf("signal for foreign path delivered: %+v", sig)
	default:
	}
}

func TestProxyDetachAtShutdown(t *testing.T) {
	b, d := newTestBus(t, true)
	connected := make(chan bool, 1)
	onOrigin(t, b, func() {
		p := b.GetObjectProxy("org.example.Service", "/org/example/Object")
		p.ConnectToSignal("org.example.Iface", "Changed",
			func(*wire.Message) {},
			func(_, _ string, success bool) { connected <- success })
	})
	if !<-connected {
		t.Fatal("signal connection failed")
	}

	onDispatch(t, b, func() { b.ShutdownAndBlock() })
	conn := d.Conn(0)
	if got := conn.FilterCount(); got != 0 {
		t.Fatalf("FilterCount = %d after shutdown, want 0", got)
	}
	if len(conn.Matches) != 0 {
		t.Fatalf("match rules survived shutdown: %v", conn.Matches)
	}
	b.Destroy()
}

func TestExportMethodAndCall(t *testing.T) {
	b, d := newTestBus(t, true)

	exported := make(chan bool, 1)
	onOrigin(t, b, func() {
		eo := b.GetExportedObject("/org/example/Exported")
		eo.ExportMethod("org.example.Iface", "Add",
			func(call *wire.MethodCall) ([]interface{}, error) {
				a := call.Body[0].(int32)
				c := call.Body[1].(int32)
				return []interface{}{a + c}, nil
			},
			func(_, _ string, success bool) { exported <- success })
	})
	if !<-exported {
		t.Fatal("export failed")
	}

	conn := d.Conn(0)
	vtable := conn.VTables["/org/example/Exported"]
	if vtable == nil {
		t.Fatal("object path not registered")
	}

	var body []interface{}
	var err error
	onDispatch(t, b, func() {
		body, err = vtable.Method(&wire.MethodCall{
			Sender:    ":1.7",
			Path:      "/org/example/Exported",
			Interface: "org.example.Iface",
			Member:    "Add",
			Body:      []interface{}{int32(2), int32(3)},
		})
	})
	if err != nil {
		t.Fatalf("method call failed: %v", err)
	}
	if len(body) != 1 || body[0] != int32(5) {
		t.Fatalf("reply body = %v", body)
	}

	onDispatch(t, b, func() {
		_, err = vtable.Method(&wire.MethodCall{
			Interface: "org.example.Iface",
			Member:    "Missing",
		})
	})
	if err == nil {
		t.Fatal("unknown method did not fail")
	}
}

func TestSendSignal(t *testing.T) {
	b, d := newTestBus(t, true)
	onDispatch(t, b, func() {
		if !b.Connect() {
			t.Fatal("Connect failed")
		}
	})
	onOrigin(t, b, func() {
		eo := b.GetExportedObject("/org/example/Emitter")
		eo.SendSignal("org.example.Iface", "Ping", []interface{}{"pong"})
	})
	onDispatch(t, b, func() {})

	conn := d.Conn(0)
	if len(conn.Sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(conn.Sent))
	}
	sig := conn.Sent[0]
	if sig.Type != wire.TypeSignal || sig.Name() != "org.example.Iface.Ping" || sig.Path != "/org/example/Emitter" {
		t.Fatalf("emitted signal = %+v", sig)
	}
}

func TestUnregisteredExportedObjectReleasesPath(t *testing.T) {
	b, d := newTestBus(t, true)
	exported := make(chan bool, 1)
	onOrigin(t, b, func() {
		eo := b.GetExportedObject("/org/example/Temp")
		eo.ExportMethod("org.example.Iface", "Noop",
			func(*wire.MethodCall) ([]interface{}, error) { return nil, nil },
			func(_, _ string, success bool) { exported <- success })
	})
	if !<-exported {
		t.Fatal("export failed")
	}

	onOrigin(t, b, func() { b.UnregisterExportedObject("/org/example/Temp") })
	onDispatch(t, b, func() {})

	if _, held := d.Conn(0).VTables["/org/example/Temp"]; held {
		t.Fatal("object path still registered after unregister")
	}
}
