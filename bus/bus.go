// Package bus implements a thread-affine message-bus client. A Bus owns two
// serial task queues: the origin queue, where the application lives and
// proxies and exported objects are handed out, and the dispatch queue, where
// all connection I/O happens. With no dedicated dispatch queue both are the
// same queue. No Bus state is guarded by a mutex; every field is owned by
// exactly one queue, and crossing over means posting a task.
package bus

import (
	"errors"
	"time"

	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/taskq"
	"github.com/mbira/go-busclient/wire"
)

// DefaultShutdownTimeout bounds ShutdownOnDBusThreadAndBlock when Options
// leaves ShutdownTimeout zero.
var DefaultShutdownTimeout = 3 * time.Second

// Options configures a Bus.
type Options struct {
	BusType        wire.BusType
	ConnectionMode wire.ConnectionMode

	// Address is the transport address for wire.Custom bus types.
	Address string

	// DedicatedDispatchQueue gives the Bus its own dispatch queue so
	// blocking connection work never stalls the origin queue.
	DedicatedDispatchQueue bool

	// Dialer opens the wire connection; nil means the godbus-backed dialer.
	Dialer wire.Dialer

	// ShutdownTimeout bounds ShutdownOnDBusThreadAndBlock; zero means
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

type proxyKey struct {
	serviceName string
	objectPath  string
	options     ProxyOptions
}

// Bus is one client endpoint on a message bus.
type Bus struct {
	opts Options

	originQueue   *taskq.SerialQueue
	dispatchQueue *taskq.SerialQueue

	// Origin-queue state.
	objectProxies   map[proxyKey]*ObjectProxy
	exportedObjects map[string]*ExportedObject

	// Dispatch-queue state.
	conn                  wire.Conn
	asyncOperationsSetUp  bool
	shutdownCompleted     bool
	ownedNames            map[string]struct{}
	matchRules            map[string]struct{}
	filters               map[wire.MessageFilter]struct{}
	registeredObjectPaths map[string]struct{}
	pendingWatches        int
	pendingTimeouts       int
}

// New creates a Bus and starts its queues. The caller interacts with the Bus
// through PostTaskToOriginThread and PostTaskToDBusThread; calling an
// origin- or dispatch-affine method from the wrong goroutine panics.
func New(opts Options) *Bus {
	if opts.Dialer == nil {
		opts.Dialer = &wire.GodbusDialer{}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	origin := taskq.New("bus-origin")
	dispatch := origin
	if opts.DedicatedDispatchQueue {
		dispatch = taskq.New("bus-dispatch")
	}
	return &Bus{
		opts:                  opts,
		originQueue:           origin,
		dispatchQueue:         dispatch,
		objectProxies:         map[proxyKey]*ObjectProxy{},
		exportedObjects:       map[string]*ExportedObject{},
		ownedNames:            map[string]struct{}{},
		matchRules:            map[string]struct{}{},
		filters:               map[wire.MessageFilter]struct{}{},
		registeredObjectPaths: map[string]struct{}{},
	}
}

// HasDBusThread reports whether the Bus runs connection work on a dedicated
// dispatch queue.
func (b *Bus) HasDBusThread() bool {
	return b.dispatchQueue != b.originQueue
}

func (b *Bus) PostTaskToOriginThread(task func()) {
	b.originQueue.Post(task)
}

func (b *Bus) PostTaskToDBusThread(task func()) {
	b.dispatchQueue.Post(task)
}

func (b *Bus) PostDelayedTaskToDBusThread(delay time.Duration, task func()) {
	b.dispatchQueue.PostDelayed(delay, task)
}

// AssertOnOriginThread panics unless the caller runs on the origin queue.
func (b *Bus) AssertOnOriginThread() {
	if !b.originQueue.BelongsToCurrent() {
		panic("bus: called off the origin queue")
	}
}

// AssertOnDBusThread panics unless the caller runs on the dispatch queue.
func (b *Bus) AssertOnDBusThread() {
	if !b.dispatchQueue.BelongsToCurrent() {
		panic("bus: called off the dispatch queue")
	}
}

// Connect opens the wire connection. Idempotent; reports success.
func (b *Bus) Connect() bool {
	b.AssertOnDBusThread()
	if b.conn != nil {
		return true
	}
	conn, err := b.opts.Dialer.Dial(b.opts.BusType, b.opts.Address, b.opts.ConnectionMode)
	if err != nil {
		logger.Error("[bus] failed to connect to %s bus: %v", b.opts.BusType, err)
		return false
	}
	// The client must survive transport loss; teardown is its own job.
	conn.SetExitOnDisconnect(false)
	b.conn = conn
	logger.Info("[bus] connected to %s bus as %q", b.opts.BusType, conn.UniqueName())
	return true
}

// IsConnected reports whether the wire connection is open.
func (b *Bus) IsConnected() bool {
	b.AssertOnDBusThread()
	return b.conn != nil
}

// UniqueName returns the connection's unique bus name, or "".
func (b *Bus) UniqueName() string {
	b.AssertOnDBusThread()
	if b.conn == nil {
		return ""
	}
	return b.conn.UniqueName()
}

// SetUpAsyncOperations connects and installs the watch, timeout and
// dispatch-status plumbing that lets incoming traffic flow without blocking.
// Idempotent; reports success.
func (b *Bus) SetUpAsyncOperations() bool {
	b.AssertOnDBusThread()
	if b.asyncOperationsSetUp {
		return true
	}
	if !b.Connect() {
		return false
	}

	// Drain anything buffered before the status callback exists, otherwise
	// it would sit unnoticed until the next wire event.
	b.processAllIncomingDataIfAny()

	ok := b.conn.SetWatchFuncs(wire.WatchFuncs{
		Add:    b.onAddWatch,
		Remove: b.onRemoveWatch,
		Toggle: b.onToggleWatch,
	})
	logger.Check(ok, "[bus] failed to set watch functions")
	ok = b.conn.SetTimeoutFuncs(wire.TimeoutFuncs{
		Add:    b.onAddTimeout,
		Remove: b.onRemoveTimeout,
		Toggle: b.onToggleTimeout,
	})
	logger.Check(ok, "[bus] failed to set timeout functions")
	b.conn.SetDispatchStatusFunc(b.onDispatchStatusChanged)

	b.asyncOperationsSetUp = true
	return true
}

// Send transmits a message with no reply expected.
func (b *Bus) Send(msg *wire.Message) error {
	b.AssertOnDBusThread()
	if b.conn == nil {
		return wire.ErrNotConnected
	}
	if err := b.conn.Send(msg); err != nil {
		if errors.Is(err, wire.ErrNoMemory) {
			logger.Fatal("[bus] out of memory sending %s", msg.Name())
		}
		logger.Error("[bus] failed to send %s: %v", msg.Name(), err)
		return err
	}
	return nil
}

// SendWithReply transmits a method call; deliver runs on the dispatch queue
// when the reply or a timeout error arrives.
func (b *Bus) SendWithReply(msg *wire.Message, timeout time.Duration, deliver func(reply *wire.Message)) error {
	b.AssertOnDBusThread()
	if b.conn == nil {
		return wire.ErrNotConnected
	}
	if err := b.conn.SendWithReply(msg, timeout, deliver); err != nil {
		if errors.Is(err, wire.ErrNoMemory) {
			logger.Fatal("[bus] out of memory sending %s", msg.Name())
		}
		logger.Error("[bus] failed to send %s: %v", msg.Name(), err)
		return err
	}
	return nil
}

// SendWithReplyAndBlock transmits a method call and blocks the dispatch
// queue until the reply arrives or the timeout elapses.
func (b *Bus) SendWithReplyAndBlock(msg *wire.Message, timeout time.Duration) (*wire.Message, error) {
	b.AssertOnDBusThread()
	if b.conn == nil {
		return nil, wire.ErrNotConnected
	}
	reply, err := b.conn.SendWithReplyAndBlock(msg, timeout)
	if err != nil {
		if errors.Is(err, wire.ErrNoMemory) {
			logger.Fatal("[bus] out of memory sending %s", msg.Name())
		}
		return nil, err
	}
	return reply, nil
}

// GetObjectProxy returns the proxy for (serviceName, objectPath), creating
// it on first use. Proxies are cached; the same pair always yields the same
// instance.
func (b *Bus) GetObjectProxy(serviceName, objectPath string) *ObjectProxy {
	return b.GetObjectProxyWithOptions(serviceName, objectPath, ProxyOptions{})
}

// GetObjectProxyWithOptions is GetObjectProxy with per-proxy options. The
// options take part in the cache key, so the first caller for a given
// (service, path, options) triple fixes the instance.
func (b *Bus) GetObjectProxyWithOptions(serviceName, objectPath string, options ProxyOptions) *ObjectProxy {
	b.AssertOnOriginThread()
	key := proxyKey{serviceName: serviceName, objectPath: objectPath, options: options}
	if p, ok := b.objectProxies[key]; ok {
		return p
	}
	p := newObjectProxy(b, serviceName, objectPath, options)
	b.objectProxies[key] = p
	return p
}

// GetExportedObject returns the exported object for objectPath, creating it
// on first use.
func (b *Bus) GetExportedObject(objectPath string) *ExportedObject {
	b.AssertOnOriginThread()
	if eo, ok := b.exportedObjects[objectPath]; ok {
		return eo
	}
	eo := newExportedObject(b, objectPath)
	b.exportedObjects[objectPath] = eo
	return eo
}

// UnregisterExportedObject drops objectPath from the cache and tears the
// object down on the dispatch queue. Because the teardown is posted before
// control returns, a subsequent GetExportedObject for the same path gets a
// fresh object whose registration is queued behind the teardown.
func (b *Bus) UnregisterExportedObject(objectPath string) {
	b.AssertOnOriginThread()
	eo, ok := b.exportedObjects[objectPath]
	if !ok {
		return
	}
	delete(b.exportedObjects, objectPath)
	b.PostTaskToDBusThread(eo.Unregister)
}

// RequestOwnership obtains ownership of serviceName on the dispatch queue
// and reports the outcome to callback on the origin queue.
func (b *Bus) RequestOwnership(serviceName string, callback func(serviceName string, success bool)) {
	b.AssertOnOriginThread()
	b.PostTaskToDBusThread(func() {
		success := b.RequestOwnershipAndBlock(serviceName)
		if callback != nil {
			b.PostTaskToOriginThread(func() { callback(serviceName, success) })
		}
	})
}

// RequestOwnershipAndBlock obtains ownership of serviceName with no-queue
// semantics. Idempotent for names already owned.
func (b *Bus) RequestOwnershipAndBlock(serviceName string) bool {
	b.AssertOnDBusThread()
	if !b.Connect() {
		return false
	}
	if _, owned := b.ownedNames[serviceName]; owned {
		return true
	}
	reply, err := b.conn.RequestName(serviceName)
	if err != nil {
		logger.Error("[bus] failed to request ownership of %s: %v", serviceName, err)
		return false
	}
	if reply != wire.RequestNameReplyPrimaryOwner && reply != wire.RequestNameReplyAlreadyOwner {
		logger.Error("[bus] failed to obtain ownership of %s: reply %d", serviceName, reply)
		return false
	}
	b.ownedNames[serviceName] = struct{}{}
	return true
}

// ReleaseOwnership gives up a name previously obtained through
// RequestOwnershipAndBlock.
func (b *Bus) ReleaseOwnership(serviceName string) bool {
	b.AssertOnDBusThread()
	if _, owned := b.ownedNames[serviceName]; !owned {
		logger.Error("[bus] cannot release %s: not owned", serviceName)
		return false
	}
	if b.conn == nil {
		logger.Error("[bus] cannot release %s: not connected", serviceName)
		return false
	}
	reply, err := b.conn.ReleaseName(serviceName)
	if err != nil {
		logger.Error("[bus] failed to release %s: %v", serviceName, err)
		return false
	}
	if reply != wire.ReleaseNameReplyReleased {
		logger.Error("[bus] failed to release %s: reply %d", serviceName, reply)
		return false
	}
	delete(b.ownedNames, serviceName)
	return true
}

// AddFilterFunction registers f to see every dispatched message. Duplicate
// registrations are ignored with a warning.
func (b *Bus) AddFilterFunction(f wire.MessageFilter) {
	b.AssertOnDBusThread()
	if _, exists := b.filters[f]; exists {
		logger.Warn("[bus] filter already registered")
		return
	}
	if b.conn == nil {
		logger.Error("[bus] cannot add filter: not connected")
		return
	}
	if err := b.conn.AddFilter(f); err != nil {
		if errors.Is(err, wire.ErrNoMemory) {
			logger.Fatal("[bus] out of memory adding filter")
		}
		logger.Error("[bus] failed to add filter: %v", err)
		return
	}
	b.filters[f] = struct{}{}
}

// RemoveFilterFunction unregisters a filter added with AddFilterFunction.
func (b *Bus) RemoveFilterFunction(f wire.MessageFilter) {
	b.AssertOnDBusThread()
	if _, exists := b.filters[f]; !exists {
		logger.Warn("[bus] cannot remove filter: not registered")
		return
	}
	if b.conn == nil {
		// Teardown already dropped the connection's filter list; only the
		// local entry is left to clear.
		delete(b.filters, f)
		return
	}
	if err := b.conn.RemoveFilter(f); err != nil {
		logger.Error("[bus] failed to remove filter: %v", err)
	}
	delete(b.filters, f)
}

// AddMatch registers a match rule with the bus daemon. Duplicate rules are
// ignored with a warning.
func (b *Bus) AddMatch(rule string) {
	b.AssertOnDBusThread()
	if _, exists := b.matchRules[rule]; exists {
		logger.Warn("[bus] match rule already added: %s", rule)
		return
	}
	if b.conn == nil {
		logger.Error("[bus] cannot add match rule: not connected")
		return
	}
	if err := b.conn.AddMatch(rule); err != nil {
		logger.Error("[bus] failed to add match rule %q: %v", rule, err)
		return
	}
	b.matchRules[rule] = struct{}{}
}

// RemoveMatch drops a match rule added with AddMatch. Reports success; a
// failed daemon call leaves the rule tracked so a retry stays possible.
func (b *Bus) RemoveMatch(rule string) bool {
	b.AssertOnDBusThread()
	if _, exists := b.matchRules[rule]; !exists {
		logger.Warn("[bus] cannot remove match rule: not added: %s", rule)
		return false
	}
	if b.conn == nil {
		logger.Error("[bus] cannot remove match rule: not connected")
		return false
	}
	if err := b.conn.RemoveMatch(rule); err != nil {
		logger.Error("[bus] failed to remove match rule %q: %v", rule, err)
		return false
	}
	delete(b.matchRules, rule)
	return true
}

// TryRegisterObjectPath installs a vtable for objectPath. A path already
// registered through this Bus fails with a warning; a path held elsewhere on
// the connection fails with an error log.
func (b *Bus) TryRegisterObjectPath(objectPath string, vtable *wire.ObjectPathVTable) bool {
	b.AssertOnDBusThread()
	if _, exists := b.registeredObjectPaths[objectPath]; exists {
		logger.Warn("[bus] object path already registered: %s", objectPath)
		return false
	}
	if b.conn == nil {
		logger.Error("[bus] cannot register %s: not connected", objectPath)
		return false
	}
	err := b.conn.TryRegisterObjectPath(objectPath, vtable)
	switch {
	case err == nil:
		b.registeredObjectPaths[objectPath] = struct{}{}
		return true
	case errors.Is(err, wire.ErrNoMemory):
		logger.Fatal("[bus] out of memory registering %s", objectPath)
		return false
	case errors.Is(err, wire.ErrObjectPathInUse):
		logger.Error("[bus] object path in use: %s", objectPath)
		return false
	default:
		logger.Error("[bus] failed to register %s: %v", objectPath, err)
		return false
	}
}

// UnregisterObjectPath removes a vtable installed with
// TryRegisterObjectPath.
func (b *Bus) UnregisterObjectPath(objectPath string) {
	b.AssertOnDBusThread()
	if _, exists := b.registeredObjectPaths[objectPath]; !exists {
		logger.Warn("[bus] cannot unregister %s: not registered", objectPath)
		return
	}
	b.conn.UnregisterObjectPath(objectPath)
	delete(b.registeredObjectPaths, objectPath)
}

// ShutdownAndBlock releases every owned name, unregisters every exported
// object, detaches every proxy and closes the connection. Runs on the
// dispatch queue; by the time it is called the origin queue must have gone
// quiet.
func (b *Bus) ShutdownAndBlock() {
	b.AssertOnDBusThread()

	for _, eo := range b.exportedObjects {
		eo.Unregister()
	}

	// Snapshot first; releasing mutates the set.
	names := make([]string, 0, len(b.ownedNames))
	for name := range b.ownedNames {
		names = append(names, name)
	}
	for _, name := range names {
		if !b.ReleaseOwnership(name) {
			logger.Error("[bus] failed to release %s at shutdown", name)
		}
	}

	for _, p := range b.objectProxies {
		p.Detach()
	}

	b.objectProxies = map[proxyKey]*ObjectProxy{}
	b.exportedObjects = map[string]*ExportedObject{}

	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			logger.Warn("[bus] close failed: %v", err)
		}
		b.conn = nil
	}
	b.asyncOperationsSetUp = false
	b.shutdownCompleted = true
}

// ShutdownOnDBusThreadAndBlock posts ShutdownAndBlock to the dispatch queue
// and blocks the origin queue until it finishes or the shutdown timeout
// elapses. Requires a dedicated dispatch queue.
func (b *Bus) ShutdownOnDBusThreadAndBlock() {
	b.AssertOnOriginThread()
	if !b.HasDBusThread() {
		panic("bus: ShutdownOnDBusThreadAndBlock requires a dedicated dispatch queue")
	}
	done := make(chan struct{})
	b.PostTaskToDBusThread(func() {
		b.ShutdownAndBlock()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(b.opts.ShutdownTimeout):
		logger.Error("[bus] timed out waiting for shutdown; the dispatch queue may be hung")
	}
}

// Destroy stops the queues. Valid only after a completed shutdown; panics if
// the Bus still holds live state.
func (b *Bus) Destroy() {
	if !b.shutdownCompleted {
		panic("bus: Destroy before shutdown")
	}
	if b.pendingWatches != 0 || b.pendingTimeouts != 0 {
		panic("bus: Destroy with pending watches or timeouts")
	}
	if len(b.objectProxies) != 0 || len(b.exportedObjects) != 0 {
		panic("bus: Destroy with live proxies or exported objects")
	}
	if b.HasDBusThread() {
		b.dispatchQueue.Stop()
	}
	b.originQueue.Stop()
}

// onDispatchStatusChanged is installed as the wire dispatch-status callback.
// Dispatching inside the callback is forbidden, so the drain is posted.
func (b *Bus) onDispatchStatusChanged(status wire.DispatchStatus) {
	if status != wire.StatusDataRemains {
		return
	}
	b.PostTaskToDBusThread(b.processAllIncomingDataIfAny)
}

func (b *Bus) processAllIncomingDataIfAny() {
	b.AssertOnDBusThread()
	// The connection may be gone by the time the posted drain runs.
	if b.conn == nil {
		return
	}
	for b.conn.DispatchStatus() == wire.StatusDataRemains {
		b.conn.Dispatch()
	}
}

func (b *Bus) onAddWatch(w wire.Watch) bool {
	b.AssertOnDBusThread()
	h := newWatchHandle(b, w)
	w.SetData(h)
	b.pendingWatches++
	if w.Enabled() {
		h.startWatching()
	}
	return true
}

func (b *Bus) onRemoveWatch(w wire.Watch) {
	b.AssertOnDBusThread()
	h, ok := w.Data().(*watchHandle)
	if !ok {
		logger.Warn("[bus] remove for unknown watch on fd %d", w.Fd())
		return
	}
	h.stopWatching()
	w.SetData(nil)
	b.pendingWatches--
}

func (b *Bus) onToggleWatch(w wire.Watch) {
	b.AssertOnDBusThread()
	h, ok := w.Data().(*watchHandle)
	if !ok {
		logger.Warn("[bus] toggle for unknown watch on fd %d", w.Fd())
		return
	}
	if w.Enabled() {
		h.startWatching()
	} else {
		h.stopWatching()
	}
}

func (b *Bus) onAddTimeout(t wire.Timeout) bool {
	b.AssertOnDBusThread()
	h := newTimeoutHandle(b, t)
	t.SetData(h)
	b.pendingTimeouts++
	if t.Enabled() {
		h.startMonitoring()
	}
	return true
}

func (b *Bus) onRemoveTimeout(t wire.Timeout) {
	b.AssertOnDBusThread()
	h, ok := t.Data().(*timeoutHandle)
	if !ok {
		logger.Warn("[bus] remove for unknown timeout")
		return
	}
	h.complete()
	t.SetData(nil)
	b.pendingTimeouts--
}

func (b *Bus) onToggleTimeout(t wire.Timeout) {
	b.AssertOnDBusThread()
	h, ok := t.Data().(*timeoutHandle)
	if !ok {
		logger.Warn("[bus] toggle for unknown timeout")
		return
	}
	if t.Enabled() {
		h.startMonitoring()
	} else {
		h.stopMonitoring()
	}
}
