package wire

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/mbira/go-busclient/logger"
)

// DefaultCallTimeout bounds method replies when the caller passes no
// explicit timeout.
var DefaultCallTimeout = 5 * time.Second

// GodbusDialer opens connections backed by github.com/godbus/dbus/v5.
// Incoming traffic is surfaced demand-driven: messages queue internally and
// a synthetic read watch on a self-pipe signals the event loop that dispatch
// work is pending. Method replies register wire timeouts; expiry fabricates
// a NoReply error reply.
type GodbusDialer struct {
	// CallTimeout bounds pending method replies; zero means
	// DefaultCallTimeout.
	CallTimeout time.Duration
}

var (
	sharedMu    sync.Mutex
	sharedConns = map[BusType]*godbusConn{}
)

func (d *GodbusDialer) Dial(busType BusType, address string, mode ConnectionMode) (Conn, error) {
	if mode == Shared && busType != Custom {
		sharedMu.Lock()
		defer sharedMu.Unlock()
		if g := sharedConns[busType]; g != nil {
			g.refs++
			return g, nil
		}
		g, err := d.dial(busType, address, mode)
		if err != nil {
			return nil, err
		}
		sharedConns[busType] = g
		return g, nil
	}
	return d.dial(busType, address, mode)
}

func (d *GodbusDialer) dial(busType BusType, address string, mode ConnectionMode) (*godbusConn, error) {
	h := &pathHandler{vtables: map[string]*ObjectPathVTable{}}
	opts := []dbus.ConnOption{dbus.WithHandler(h)}

	var conn *dbus.Conn
	var err error
	switch busType {
	case Session:
		conn, err = dbus.SessionBusPrivate(opts...)
	case System:
		conn, err = dbus.SystemBusPrivate(opts...)
	case Custom:
		conn, err = dbus.Dial(address, opts...)
	default:
		return nil, fmt.Errorf("wire: unknown bus type %d", busType)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, err
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		conn.Close()
		return nil, err
	}

	timeout := d.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	g := &godbusConn{
		conn:        conn,
		handler:     h,
		busType:     busType,
		mode:        mode,
		callTimeout: timeout,
		wakeR:       p[0],
		wakeW:       p[1],
		signalCh:    make(chan *dbus.Signal, 64),
		refs:        1,
	}
	h.g = g
	g.watch = &pipeWatch{g: g}
	conn.Signal(g.signalCh)
	go g.pump()
	return g, nil
}

// dispatchItem is one unit of work for the dispatch thread: either a message
// to route through the filter chain, or a closure (reply delivery, method
// marshaling, timeout removal).
type dispatchItem struct {
	msg *Message
	run func()
}

type godbusConn struct {
	conn        *dbus.Conn
	handler     *pathHandler
	busType     BusType
	mode        ConnectionMode
	callTimeout time.Duration

	wakeR, wakeW int
	watch        *pipeWatch
	signalCh     chan *dbus.Signal

	// refs is guarded by sharedMu for shared connections.
	refs int

	mu           sync.Mutex
	closed       bool
	queue        []dispatchItem
	watchFuncs   WatchFuncs
	timeoutFuncs TimeoutFuncs
	statusFn     func(DispatchStatus)
	// pending holds the wire timeouts announced through timeoutFuncs.Add
	// that have not been removed yet. Teardown retracts them so the event
	// loop's timeout bookkeeping balances.
	pending map[*wireTimeout]struct{}

	// filters is touched only on the dispatch goroutine.
	filters []MessageFilter
}

func (g *godbusConn) pump() {
	// The channel is closed by godbus when the connection closes.
	for sig := range g.signalCh {
		g.enqueue(dispatchItem{msg: signalToMessage(sig)})
	}
}

func (g *godbusConn) enqueue(it dispatchItem) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.queue = append(g.queue, it)
	g.mu.Unlock()
	// Wake the watch; EAGAIN just means it is already pending.
	unix.Write(g.wakeW, []byte{0})
}

func (g *godbusConn) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(g.wakeR, buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (g *godbusConn) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *godbusConn) dispatching() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.watchFuncs.Add != nil
}

func (g *godbusConn) SetExitOnDisconnect(exit bool) {
	// godbus never terminates the process on transport loss; the setting
	// exists to satisfy the wire contract.
	if exit {
		logger.Warn("[wire] exit-on-disconnect is not supported, ignoring")
	}
}

func (g *godbusConn) SetWatchFuncs(funcs WatchFuncs) bool {
	g.mu.Lock()
	if g.watchFuncs.Add != nil {
		logger.Warn("[wire] replacing watch functions on %s connection", g.busType)
	}
	g.watchFuncs = funcs
	g.mu.Unlock()
	if funcs.Add != nil {
		return funcs.Add(g.watch)
	}
	return true
}

func (g *godbusConn) SetTimeoutFuncs(funcs TimeoutFuncs) bool {
	g.mu.Lock()
	g.timeoutFuncs = funcs
	g.mu.Unlock()
	return true
}

func (g *godbusConn) SetDispatchStatusFunc(fn func(DispatchStatus)) {
	g.mu.Lock()
	g.statusFn = fn
	g.mu.Unlock()
}

func (g *godbusConn) Send(msg *Message) error {
	if g.isClosed() {
		return ErrNotConnected
	}
	switch msg.Type {
	case TypeSignal:
		return g.conn.Emit(dbus.ObjectPath(msg.Path), msg.Name(), msg.Body...)
	case TypeMethodCall:
		obj := g.conn.Object(msg.Destination, dbus.ObjectPath(msg.Path))
		call := obj.Go(msg.Name(), dbus.FlagNoReplyExpected, nil, msg.Body...)
		return call.Err
	default:
		return fmt.Errorf("wire: cannot send message of type %d", msg.Type)
	}
}

// pendingReply tracks one in-flight method call; done flips exactly once,
// whichever of reply arrival and timeout expiry comes first.
type pendingReply struct {
	deliver      func(*Message)
	timeout      *wireTimeout
	timeoutAdded bool
	done         bool
}

func (g *godbusConn) SendWithReply(msg *Message, timeout time.Duration, deliver func(reply *Message)) error {
	if g.isClosed() {
		return ErrNotConnected
	}
	if timeout <= 0 {
		timeout = g.callTimeout
	}

	p := &pendingReply{deliver: deliver}
	t := &wireTimeout{interval: timeout}
	t.fire = func() { g.expirePending(p, t, msg) }
	p.timeout = t

	g.mu.Lock()
	add := g.timeoutFuncs.Add
	g.mu.Unlock()
	if add != nil {
		p.timeoutAdded = add(t)
		if p.timeoutAdded {
			g.trackTimeout(t)
		}
	}

	ch := make(chan *dbus.Call, 1)
	obj := g.conn.Object(msg.Destination, dbus.ObjectPath(msg.Path))
	obj.Go(msg.Name(), 0, ch, msg.Body...)
	go func() {
		g.completePending(p, <-ch, msg)
	}()
	return nil
}

// completePending runs on an arbitrary goroutine; delivery and timeout
// removal are marshaled onto the dispatch path.
func (g *godbusConn) completePending(p *pendingReply, call *dbus.Call, req *Message) {
	g.mu.Lock()
	if p.done {
		g.mu.Unlock()
		return
	}
	p.done = true
	g.mu.Unlock()

	reply := callToReply(call, req)
	g.enqueue(dispatchItem{run: func() {
		if p.timeoutAdded {
			g.removeTimeout(p.timeout)
		}
		p.deliver(reply)
	}})
}

// expirePending runs on the dispatch goroutine, invoked through the wire
// timeout's Handle.
func (g *godbusConn) expirePending(p *pendingReply, t *wireTimeout, req *Message) {
	g.mu.Lock()
	if p.done {
		g.mu.Unlock()
		return
	}
	p.done = true
	g.mu.Unlock()

	if p.timeoutAdded {
		g.removeTimeout(t)
	}
	p.deliver(&Message{
		Type:   TypeError,
		Sender: req.Destination,
		Err:    dbus.Error{Name: ErrorNoReply, Body: []interface{}{"reply timed out"}},
	})
}

func (g *godbusConn) trackTimeout(t *wireTimeout) {
	g.mu.Lock()
	if g.pending == nil {
		g.pending = map[*wireTimeout]struct{}{}
	}
	g.pending[t] = struct{}{}
	g.mu.Unlock()
}

func (g *godbusConn) removeTimeout(t *wireTimeout) {
	g.mu.Lock()
	delete(g.pending, t)
	remove := g.timeoutFuncs.Remove
	g.mu.Unlock()
	if remove != nil {
		remove(t)
	}
}

func (g *godbusConn) SendWithReplyAndBlock(msg *Message, timeout time.Duration) (*Message, error) {
	if g.isClosed() {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = g.callTimeout
	}

	ch := make(chan *dbus.Call, 1)
	obj := g.conn.Object(msg.Destination, dbus.ObjectPath(msg.Path))
	obj.Go(msg.Name(), 0, ch, msg.Body...)

	select {
	case call := <-ch:
		if call.Err != nil {
			return nil, call.Err
		}
		return &Message{
			Type:   TypeMethodReturn,
			Sender: msg.Destination,
			Body:   call.Body,
		}, nil
	case <-time.After(timeout):
		return nil, ErrCallTimeout
	}
}

func (g *godbusConn) AddFilter(f MessageFilter) error {
	for _, e := range g.filters {
		if e == f {
			return errors.New("wire: filter already added")
		}
	}
	g.filters = append(g.filters, f)
	return nil
}

func (g *godbusConn) RemoveFilter(f MessageFilter) error {
	for i, e := range g.filters {
		if e == f {
			g.filters = append(g.filters[:i], g.filters[i+1:]...)
			return nil
		}
	}
	return errors.New("wire: unknown filter")
}

func (g *godbusConn) AddMatch(rule string) error {
	return g.conn.BusObject().Call(BusAddMatch, 0, rule).Err
}

func (g *godbusConn) RemoveMatch(rule string) error {
	return g.conn.BusObject().Call(BusRemoveMatch, 0, rule).Err
}

func (g *godbusConn) TryRegisterObjectPath(path string, vtable *ObjectPathVTable) error {
	if vtable == nil || vtable.Method == nil {
		return errors.New("wire: nil vtable")
	}
	h := g.handler
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.vtables[path]; exists {
		return ErrObjectPathInUse
	}
	h.vtables[path] = vtable
	return nil
}

func (g *godbusConn) UnregisterObjectPath(path string) {
	h := g.handler
	h.mu.Lock()
	vtable, ok := h.vtables[path]
	delete(h.vtables, path)
	h.mu.Unlock()
	if ok && vtable.Unregister != nil {
		vtable.Unregister()
	}
}

func (g *godbusConn) RequestName(name string) (RequestNameReply, error) {
	r, err := g.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return 0, err
	}
	switch r {
	case dbus.RequestNameReplyPrimaryOwner:
		return RequestNameReplyPrimaryOwner, nil
	case dbus.RequestNameReplyInQueue:
		return RequestNameReplyInQueue, nil
	case dbus.RequestNameReplyExists:
		return RequestNameReplyExists, nil
	case dbus.RequestNameReplyAlreadyOwner:
		return RequestNameReplyAlreadyOwner, nil
	default:
		return 0, fmt.Errorf("wire: unexpected RequestName reply %d", r)
	}
}

func (g *godbusConn) ReleaseName(name string) (ReleaseNameReply, error) {
	r, err := g.conn.ReleaseName(name)
	if err != nil {
		return 0, err
	}
	switch r {
	case dbus.ReleaseNameReplyReleased:
		return ReleaseNameReplyReleased, nil
	case dbus.ReleaseNameReplyNonExistent:
		return ReleaseNameReplyNonExistent, nil
	case dbus.ReleaseNameReplyNotOwner:
		return ReleaseNameReplyNotOwner, nil
	default:
		return 0, fmt.Errorf("wire: unexpected ReleaseName reply %d", r)
	}
}

func (g *godbusConn) DispatchStatus() DispatchStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) > 0 {
		return StatusDataRemains
	}
	return StatusComplete
}

func (g *godbusConn) Dispatch() DispatchStatus {
	g.mu.Lock()
	if len(g.queue) == 0 {
		g.mu.Unlock()
		return StatusComplete
	}
	it := g.queue[0]
	g.queue = g.queue[1:]
	g.mu.Unlock()

	if it.run != nil {
		it.run()
	} else {
		g.route(it.msg)
	}
	return g.DispatchStatus()
}

func (g *godbusConn) route(m *Message) {
	for _, f := range g.filters {
		if f.HandleMessage(m) == ResultHandled {
			return
		}
	}
	logger.Debug("[wire] unhandled message %s from %s", m.Name(), m.Sender)
}

func (g *godbusConn) Flush() {
	// godbus writes eagerly from its out worker; nothing is buffered here.
}

func (g *godbusConn) UniqueName() string {
	names := g.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (g *godbusConn) Close() error {
	if g.mode == Shared && g.busType != Custom {
		sharedMu.Lock()
		g.refs--
		last := g.refs <= 0
		if last {
			delete(sharedConns, g.busType)
		}
		sharedMu.Unlock()
		if !last {
			// The connection stays up for the remaining endpoints, but
			// the closing endpoint's watch and timeout registrations must
			// still balance.
			g.retractEventHooks()
			return nil
		}
	}
	return g.teardown()
}

// retractEventHooks announces removal of the synthetic watch and every
// outstanding wire timeout to the endpoint that installed the callback
// triples, then forgets the hooks. A later SetWatchFuncs re-adds the watch.
func (g *godbusConn) retractEventHooks() {
	g.mu.Lock()
	wf := g.watchFuncs
	tf := g.timeoutFuncs
	outstanding := make([]*wireTimeout, 0, len(g.pending))
	for t := range g.pending {
		outstanding = append(outstanding, t)
	}
	g.pending = nil
	g.watchFuncs = WatchFuncs{}
	g.timeoutFuncs = TimeoutFuncs{}
	g.statusFn = nil
	g.mu.Unlock()

	if tf.Remove != nil {
		for _, t := range outstanding {
			tf.Remove(t)
		}
	}
	if wf.Remove != nil {
		wf.Remove(g.watch)
	}
}

func (g *godbusConn) teardown() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.queue = nil
	g.mu.Unlock()

	g.retractEventHooks()

	var err error
	if g.conn != nil {
		// Closing the connection makes godbus close signalCh, ending pump.
		err = g.conn.Close()
	}
	unix.Close(g.wakeW)
	unix.Close(g.wakeR)
	return err
}

// pipeWatch is the single synthetic read watch on the self-pipe: readable
// whenever dispatch work is queued.
type pipeWatch struct {
	g    *godbusConn
	data any
}

func (w *pipeWatch) Fd() int           { return w.g.wakeR }
func (w *pipeWatch) Flags() WatchFlags { return FlagReadable }
func (w *pipeWatch) Enabled() bool     { return true }
func (w *pipeWatch) Data() any         { return w.data }
func (w *pipeWatch) SetData(d any)     { w.data = d }

func (w *pipeWatch) Handle(flags WatchFlags) bool {
	g := w.g
	g.drainWake()
	g.mu.Lock()
	fn := g.statusFn
	pending := len(g.queue) > 0
	g.mu.Unlock()
	if pending && fn != nil {
		fn(StatusDataRemains)
	}
	return true
}

// wireTimeout backs one pending-reply deadline.
type wireTimeout struct {
	interval time.Duration
	fire     func()
	data     any
}

func (t *wireTimeout) Interval() time.Duration { return t.interval }
func (t *wireTimeout) Enabled() bool           { return true }
func (t *wireTimeout) Data() any               { return t.data }
func (t *wireTimeout) SetData(d any)           { t.data = d }

func (t *wireTimeout) Handle() bool {
	if t.fire != nil {
		t.fire()
	}
	return true
}

// pathHandler routes incoming method calls into registered vtables. It is
// installed as the godbus handler at dial time; lookups run on godbus's
// reader goroutine, so the table is lock-guarded.
type pathHandler struct {
	mu      sync.Mutex
	g       *godbusConn
	vtables map[string]*ObjectPathVTable
}

func (h *pathHandler) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vtable, ok := h.vtables[string(path)]
	if !ok {
		return nil, false
	}
	return &serverObject{h: h, path: string(path), vtable: vtable}, true
}

type serverObject struct {
	h      *pathHandler
	path   string
	vtable *ObjectPathVTable
}

func (o *serverObject) LookupInterface(name string) (dbus.Interface, bool) {
	return &genericInterface{o: o, name: name}, true
}

type genericInterface struct {
	o    *serverObject
	name string
}

func (i *genericInterface) LookupMethod(name string) (dbus.Method, bool) {
	return &genericMethod{
		h:      i.o.h,
		vtable: i.o.vtable,
		path:   i.o.path,
		iface:  i.name,
		member: name,
	}, true
}

// genericMethod forwards any method on a registered path to its vtable. One
// instance serves one call; DecodeArguments stashes the sender.
type genericMethod struct {
	h      *pathHandler
	vtable *ObjectPathVTable
	path   string
	iface  string
	member string
	sender string
}

func (m *genericMethod) DecodeArguments(conn *dbus.Conn, sender string, msg *dbus.Message, args []interface{}) ([]interface{}, error) {
	m.sender = sender
	return msg.Body, nil
}

func (m *genericMethod) NumArguments() int             { return 0 }
func (m *genericMethod) ArgumentValue(int) interface{} { return nil }
func (m *genericMethod) NumReturns() int               { return 0 }
func (m *genericMethod) ReturnValue(int) interface{}   { return nil }

// Call marshals the invocation onto the dispatch goroutine and blocks for
// the result. It runs on godbus's call-handling goroutine.
func (m *genericMethod) Call(args ...interface{}) ([]interface{}, error) {
	g := m.h.g
	if g == nil || !g.dispatching() {
		return nil, ErrNotDispatching
	}

	type result struct {
		body []interface{}
		err  error
	}
	ch := make(chan result, 1)
	call := &MethodCall{
		Sender:    m.sender,
		Path:      m.path,
		Interface: m.iface,
		Member:    m.member,
		Body:      args,
	}
	g.enqueue(dispatchItem{run: func() {
		body, err := m.vtable.Method(call)
		ch <- result{body: body, err: err}
	}})

	select {
	case r := <-ch:
		return r.body, r.err
	case <-time.After(g.callTimeout):
		return nil, dbus.Error{Name: ErrorNoReply, Body: []interface{}{"dispatch timed out"}}
	}
}

func signalToMessage(sig *dbus.Signal) *Message {
	iface, member := splitMemberName(sig.Name)
	return &Message{
		Type:      TypeSignal,
		Sender:    sig.Sender,
		Path:      string(sig.Path),
		Interface: iface,
		Member:    member,
		Body:      sig.Body,
	}
}

// splitMemberName splits "org.example.Iface.Member" into interface and
// member parts.
func splitMemberName(name string) (iface, member string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func callToReply(call *dbus.Call, req *Message) *Message {
	if call.Err != nil {
		return &Message{
			Type:   TypeError,
			Sender: req.Destination,
			Err:    call.Err,
		}
	}
	return &Message{
		Type:   TypeMethodReturn,
		Sender: req.Destination,
		Body:   call.Body,
	}
}
