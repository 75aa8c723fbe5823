package bus

import (
	"fmt"
	"time"

	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/wire"
)

// ProxyOptions tunes a proxy's behavior. Options are part of the proxy cache
// key, so two callers wanting different options get distinct proxies.
type ProxyOptions struct {
	// IgnoreServiceUnknownErrors downgrades "service unknown" call failures
	// to debug logging. Useful for probing a service that may not run.
	IgnoreServiceUnknownErrors bool
}

// ResponseCallback receives a method reply on the origin queue. Exactly one
// of reply and err is set.
type ResponseCallback func(reply *wire.Message, err error)

// SignalCallback receives a matched signal on the origin queue.
type SignalCallback func(sig *wire.Message)

// ConnectedCallback reports the outcome of a signal connection attempt on
// the origin queue.
type ConnectedCallback func(iface, signal string, success bool)

// ObjectProxy calls methods on and receives signals from one remote object.
// Obtained from Bus.GetObjectProxy on the origin queue; signal bookkeeping
// lives on the dispatch queue.
type ObjectProxy struct {
	bus         *Bus
	serviceName string
	objectPath  string
	options     ProxyOptions

	// Dispatch-queue state.
	signalCallbacks map[string][]SignalCallback
	matchRules      map[string]struct{}
	filterAdded     bool
	detached        bool
}

func newObjectProxy(b *Bus, serviceName, objectPath string, options ProxyOptions) *ObjectProxy {
	return &ObjectProxy{
		bus:             b,
		serviceName:     serviceName,
		objectPath:      objectPath,
		options:         options,
		signalCallbacks: map[string][]SignalCallback{},
		matchRules:      map[string]struct{}{},
	}
}

func (p *ObjectProxy) ServiceName() string { return p.serviceName }
func (p *ObjectProxy) ObjectPath() string  { return p.objectPath }

// CallMethod invokes iface.method asynchronously. The callback runs on the
// origin queue; a zero timeout means the connection default.
func (p *ObjectProxy) CallMethod(iface, method string, args []interface{}, timeout time.Duration, callback ResponseCallback) {
	p.bus.AssertOnOriginThread()
	msg := &wire.Message{
		Type:        wire.TypeMethodCall,
		Destination: p.serviceName,
		Path:        p.objectPath,
		Interface:   iface,
		Member:      method,
		Body:        args,
	}
	p.bus.PostTaskToDBusThread(func() {
		if !p.bus.SetUpAsyncOperations() {
			p.respond(callback, nil, wire.ErrNotConnected)
			return
		}
		err := p.bus.SendWithReply(msg, timeout, func(reply *wire.Message) {
			if reply.Type == wire.TypeError {
				p.logCallFailure(msg.Name(), reply.Err)
				p.respond(callback, nil, reply.Err)
				return
			}
			p.respond(callback, reply, nil)
		})
		if err != nil {
			p.respond(callback, nil, err)
		}
	})
}

// CallMethodAndBlock invokes iface.method and blocks for the reply body.
// Runs on the dispatch queue.
func (p *ObjectProxy) CallMethodAndBlock(iface, method string, args []interface{}, timeout time.Duration) ([]interface{}, error) {
	p.bus.AssertOnDBusThread()
	if !p.bus.Connect() {
		return nil, wire.ErrNotConnected
	}
	msg := &wire.Message{
		Type:        wire.TypeMethodCall,
		Destination: p.serviceName,
		Path:        p.objectPath,
		Interface:   iface,
		Member:      method,
		Body:        args,
	}
	reply, err := p.bus.SendWithReplyAndBlock(msg, timeout)
	if err != nil {
		p.logCallFailure(msg.Name(), err)
		return nil, err
	}
	return reply.Body, nil
}

// ConnectToSignal subscribes handler to iface.signal from this object. The
// subscription happens on the dispatch queue; onConnected reports the
// outcome on the origin queue.
func (p *ObjectProxy) ConnectToSignal(iface, signal string, handler SignalCallback, onConnected ConnectedCallback) {
	p.bus.AssertOnOriginThread()
	p.bus.PostTaskToDBusThread(func() {
		success := p.connectToSignalInternal(iface, signal, handler)
		if onConnected != nil {
			p.bus.PostTaskToOriginThread(func() { onConnected(iface, signal, success) })
		}
	})
}

func (p *ObjectProxy) connectToSignalInternal(iface, signal string, handler SignalCallback) bool {
	p.bus.AssertOnDBusThread()
	if p.detached {
		return false
	}
	if !p.bus.SetUpAsyncOperations() {
		return false
	}
	if !p.filterAdded {
		p.bus.AddFilterFunction(p)
		p.filterAdded = true
	}
	rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='%s',path='%s'",
		p.serviceName, iface, signal, p.objectPath)
	if _, have := p.matchRules[rule]; !have {
		p.bus.AddMatch(rule)
		p.matchRules[rule] = struct{}{}
	}
	name := iface + "." + signal
	p.signalCallbacks[name] = append(p.signalCallbacks[name], handler)
	return true
}

// HandleMessage routes matching signals to registered callbacks. Runs on
// the dispatch queue as part of the Bus filter chain.
func (p *ObjectProxy) HandleMessage(msg *wire.Message) wire.HandlerResult {
	if msg.Type != wire.TypeSignal || msg.Path != p.objectPath {
		return wire.ResultNotYetHandled
	}
	callbacks := p.signalCallbacks[msg.Name()]
	if len(callbacks) == 0 {
		return wire.ResultNotYetHandled
	}
	for _, cb := range callbacks {
		cb := cb
		p.bus.PostTaskToOriginThread(func() { cb(msg) })
	}
	return wire.ResultHandled
}

// Detach severs the proxy from the connection: filter out, match rules
// dropped, callbacks cleared. Called by the Bus at shutdown on the dispatch
// queue.
func (p *ObjectProxy) Detach() {
	p.bus.AssertOnDBusThread()
	if p.detached {
		return
	}
	p.detached = true
	if p.filterAdded {
		p.bus.RemoveFilterFunction(p)
		p.filterAdded = false
	}
	for rule := range p.matchRules {
		p.bus.RemoveMatch(rule)
	}
	p.matchRules = map[string]struct{}{}
	p.signalCallbacks = map[string][]SignalCallback{}
}

func (p *ObjectProxy) respond(callback ResponseCallback, reply *wire.Message, err error) {
	if callback == nil {
		return
	}
	p.bus.PostTaskToOriginThread(func() { callback(reply, err) })
}

func (p *ObjectProxy) logCallFailure(method string, err error) {
	if p.options.IgnoreServiceUnknownErrors && wire.ErrorName(err) == wire.ErrorServiceUnknown {
		logger.Debug("[proxy] %s on %s failed: %v", method, p.serviceName, err)
		return
	}
	logger.Error("[proxy] %s on %s failed: %v", method, p.serviceName, err)
}
