package bus

import (
	"fmt"

	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/wire"
)

// MethodCallHandler serves one exported method on the dispatch queue. The
// returned body becomes the reply; a non-nil error becomes an error reply.
type MethodCallHandler func(call *wire.MethodCall) ([]interface{}, error)

// ExportedCallback reports the outcome of an asynchronous method export on
// the origin queue.
type ExportedCallback func(iface, method string, success bool)

// ExportedObject makes methods under one object path callable from the bus
// and emits signals from that path. Obtained from Bus.GetExportedObject on
// the origin queue; the method table lives on the dispatch queue.
type ExportedObject struct {
	bus        *Bus
	objectPath string

	// Dispatch-queue state.
	methods    map[string]MethodCallHandler
	registered bool
}

func newExportedObject(b *Bus, objectPath string) *ExportedObject {
	return &ExportedObject{
		bus:        b,
		objectPath: objectPath,
		methods:    map[string]MethodCallHandler{},
	}
}

func (eo *ExportedObject) ObjectPath() string { return eo.objectPath }

// ExportMethod exports iface.method asynchronously; onExported reports the
// outcome on the origin queue.
func (eo *ExportedObject) ExportMethod(iface, method string, handler MethodCallHandler, onExported ExportedCallback) {
	eo.bus.AssertOnOriginThread()
	eo.bus.PostTaskToDBusThread(func() {
		success := eo.ExportMethodAndBlock(iface, method, handler)
		if onExported != nil {
			eo.bus.PostTaskToOriginThread(func() { onExported(iface, method, success) })
		}
	})
}

// ExportMethodAndBlock exports iface.method on the dispatch queue. The
// object path is registered with the connection on first export.
func (eo *ExportedObject) ExportMethodAndBlock(iface, method string, handler MethodCallHandler) bool {
	eo.bus.AssertOnDBusThread()
	if !eo.bus.SetUpAsyncOperations() {
		return false
	}
	if !eo.registered {
		vtable := &wire.ObjectPathVTable{
			Method:     eo.onMethodCall,
			Unregister: eo.onUnregistered,
		}
		if !eo.bus.TryRegisterObjectPath(eo.objectPath, vtable) {
			logger.Error("[exported] failed to register %s", eo.objectPath)
			return false
		}
		eo.registered = true
	}
	eo.methods[iface+"."+method] = handler
	return true
}

// SendSignal emits iface.signal from this object's path. Callable from the
// origin queue; the send happens on the dispatch queue.
func (eo *ExportedObject) SendSignal(iface, signal string, body []interface{}) {
	eo.bus.AssertOnOriginThread()
	msg := &wire.Message{
		Type:      wire.TypeSignal,
		Path:      eo.objectPath,
		Interface: iface,
		Member:    signal,
		Body:      body,
	}
	eo.bus.PostTaskToDBusThread(func() {
		if !eo.bus.Connect() {
			logger.Error("[exported] cannot emit %s: not connected", msg.Name())
			return
		}
		if err := eo.bus.Send(msg); err != nil {
			logger.Error("[exported] failed to emit %s: %v", msg.Name(), err)
		}
	})
}

// onMethodCall dispatches one incoming call to its handler. Runs on the
// dispatch queue through the connection's vtable.
func (eo *ExportedObject) onMethodCall(call *wire.MethodCall) ([]interface{}, error) {
	name := call.Interface + "." + call.Member
	handler, ok := eo.methods[name]
	if !ok {
		logger.Warn("[exported] unknown method %s on %s", name, eo.objectPath)
		return nil, fmt.Errorf("unknown method %s", name)
	}
	return handler(call)
}

func (eo *ExportedObject) onUnregistered() {
	logger.Debug("[exported] %s unregistered", eo.objectPath)
}

// Unregister tears the object down: path unregistered, method table
// cleared. Runs on the dispatch queue.
func (eo *ExportedObject) Unregister() {
	eo.bus.AssertOnDBusThread()
	if !eo.registered {
		return
	}
	eo.bus.UnregisterObjectPath(eo.objectPath)
	eo.registered = false
	eo.methods = map[string]MethodCallHandler{}
}
