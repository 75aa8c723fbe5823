// Package wiretest provides a scriptable in-memory implementation of the
// wire connection surface for exercising the bus client without a message
// bus daemon.
package wiretest

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbira/go-busclient/wire"
)

// Dialer hands out fake connections and counts dials.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn

	// Err, when set, makes Dial fail.
	Err error
}

func (d *Dialer) Dial(busType wire.BusType, address string, mode wire.ConnectionMode) (wire.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	c := NewConn()
	c.BusType = busType
	c.Address = address
	c.Mode = mode
	d.conns = append(d.conns, c)
	return c, nil
}

// DialCount returns how many connections have been opened.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Conn returns the i-th dialed connection.
func (d *Dialer) Conn(i int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// Conn is a fake wire connection. Tests script name-ownership outcomes via
// TakenNames, feed incoming messages with QueueMessage, and demand watches
// and timeouts with DemandWatch/DemandTimeout. Every mutation is recorded in
// Log for ordering assertions.
type Conn struct {
	BusType wire.BusType
	Address string
	Mode    wire.ConnectionMode

	mu sync.Mutex

	ExitOnDisconnect bool
	Closed           bool

	watchFuncs   wire.WatchFuncs
	timeoutFuncs wire.TimeoutFuncs
	statusFn     func(wire.DispatchStatus)

	// TakenNames simulates names owned by another connection.
	TakenNames map[string]bool
	// RemoveMatchErr, when set, makes RemoveMatch fail.
	RemoveMatchErr error
	// OwnedNames are names this connection currently owns.
	OwnedNames map[string]bool

	Matches map[string]bool
	filters []wire.MessageFilter
	VTables map[string]*wire.ObjectPathVTable
	Sent    []*wire.Message
	queue   []*wire.Message
	Log     []string

	demandedWatches  []*Watch
	demandedTimeouts []*Timeout
}

func NewConn() *Conn {
	return &Conn{
		TakenNames: map[string]bool{},
		OwnedNames: map[string]bool{},
		Matches:    map[string]bool{},
		VTables:    map[string]*wire.ObjectPathVTable{},
	}
}

func (c *Conn) logf(format string, args ...interface{}) {
	c.Log = append(c.Log, fmt.Sprintf(format, args...))
}

// LogCopy returns a snapshot of the mutation log.
func (c *Conn) LogCopy() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Log))
	copy(out, c.Log)
	return out
}

func (c *Conn) SetExitOnDisconnect(exit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExitOnDisconnect = exit
}

func (c *Conn) SetWatchFuncs(funcs wire.WatchFuncs) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchFuncs = funcs
	c.logf("set-watch-funcs")
	return true
}

func (c *Conn) SetTimeoutFuncs(funcs wire.TimeoutFuncs) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeoutFuncs = funcs
	c.logf("set-timeout-funcs")
	return true
}

func (c *Conn) SetDispatchStatusFunc(fn func(wire.DispatchStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFn = fn
}

func (c *Conn) Send(msg *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed {
		return wire.ErrNotConnected
	}
	c.Sent = append(c.Sent, msg)
	c.logf("send:%s", msg.Name())
	return nil
}

func (c *Conn) SendWithReply(msg *wire.Message, timeout time.Duration, deliver func(*wire.Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed {
		return wire.ErrNotConnected
	}
	c.Sent = append(c.Sent, msg)
	c.logf("send-with-reply:%s", msg.Name())
	// Replies echo the request body; enough for plumbing tests.
	reply := &wire.Message{Type: wire.TypeMethodReturn, Sender: msg.Destination, Body: msg.Body}
	deliver(reply)
	return nil
}

func (c *Conn) SendWithReplyAndBlock(msg *wire.Message, timeout time.Duration) (*wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed {
		return nil, wire.ErrNotConnected
	}
	c.Sent = append(c.Sent, msg)
	c.logf("send-blocking:%s", msg.Name())
	return &wire.Message{Type: wire.TypeMethodReturn, Sender: msg.Destination, Body: msg.Body}, nil
}

func (c *Conn) AddFilter(f wire.MessageFilter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.filters {
		if e == f {
			return fmt.Errorf("wiretest: filter already added")
		}
	}
	c.filters = append(c.filters, f)
	c.logf("add-filter")
	return nil
}

func (c *Conn) RemoveFilter(f wire.MessageFilter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.filters {
		if e == f {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			c.logf("remove-filter")
			return nil
		}
	}
	return fmt.Errorf("wiretest: unknown filter")
}

func (c *Conn) FilterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filters)
}

func (c *Conn) AddMatch(rule string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Matches[rule] = true
	c.logf("add-match:%s", rule)
	return nil
}

func (c *Conn) RemoveMatch(rule string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RemoveMatchErr != nil {
		return c.RemoveMatchErr
	}
	delete(c.Matches, rule)
	c.logf("remove-match:%s", rule)
	return nil
}

func (c *Conn) TryRegisterObjectPath(path string, vtable *wire.ObjectPathVTable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.VTables[path]; exists {
		return wire.ErrObjectPathInUse
	}
	c.VTables[path] = vtable
	c.logf("register:%s", path)
	return nil
}

func (c *Conn) UnregisterObjectPath(path string) {
	c.mu.Lock()
	vtable, ok := c.VTables[path]
	delete(c.VTables, path)
	c.logf("unregister:%s", path)
	c.mu.Unlock()
	if ok && vtable.Unregister != nil {
		vtable.Unregister()
	}
}

func (c *Conn) RequestName(name string) (wire.RequestNameReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TakenNames[name] {
		return wire.RequestNameReplyExists, nil
	}
	if c.OwnedNames[name] {
		return wire.RequestNameReplyAlreadyOwner, nil
	}
	c.OwnedNames[name] = true
	c.logf("request-name:%s", name)
	return wire.RequestNameReplyPrimaryOwner, nil
}

func (c *Conn) ReleaseName(name string) (wire.ReleaseNameReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.OwnedNames[name] {
		return wire.ReleaseNameReplyNotOwner, nil
	}
	delete(c.OwnedNames, name)
	c.logf("release-name:%s", name)
	return wire.ReleaseNameReplyReleased, nil
}

// QueueMessage appends an incoming message and fires the dispatch-status
// callback, mimicking data arrival.
func (c *Conn) QueueMessage(msg *wire.Message) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		fn(wire.StatusDataRemains)
	}
}

func (c *Conn) DispatchStatus() wire.DispatchStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		return wire.StatusDataRemains
	}
	return wire.StatusComplete
}

func (c *Conn) Dispatch() wire.DispatchStatus {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return wire.StatusComplete
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	filters := make([]wire.MessageFilter, len(c.filters))
	copy(filters, c.filters)
	c.mu.Unlock()

	for _, f := range filters {
		if f.HandleMessage(msg) == wire.ResultHandled {
			break
		}
	}
	return c.DispatchStatus()
}

func (c *Conn) Flush() {}

func (c *Conn) UniqueName() string { return ":1.1" }

func (c *Conn) Close() error {
	c.mu.Lock()
	wf := c.watchFuncs
	tf := c.timeoutFuncs
	watches := c.demandedWatches
	timeouts := c.demandedTimeouts
	c.demandedWatches = nil
	c.demandedTimeouts = nil
	c.Closed = true
	c.logf("close")
	c.mu.Unlock()
	// Mirror the real adapter: outstanding watches and timeouts are
	// retracted on close.
	for _, tmo := range timeouts {
		if tf.Remove != nil {
			tf.Remove(tmo)
		}
	}
	for _, w := range watches {
		if wf.Remove != nil {
			wf.Remove(w)
		}
	}
	return nil
}

// --- demand-side scripting ---

// DemandWatch asks the event-loop side (through the registered WatchFuncs)
// to watch fd. Returns the created fake watch.
func (c *Conn) DemandWatch(fd int, flags wire.WatchFlags, enabled bool) *Watch {
	w := &Watch{fd: fd, flags: flags, enabled: enabled}
	c.mu.Lock()
	add := c.watchFuncs.Add
	c.demandedWatches = append(c.demandedWatches, w)
	c.mu.Unlock()
	if add != nil {
		add(w)
	}
	return w
}

// RetractWatch announces watch removal.
func (c *Conn) RetractWatch(w *Watch) {
	c.mu.Lock()
	remove := c.watchFuncs.Remove
	for i, dw := range c.demandedWatches {
		if dw == w {
			c.demandedWatches = append(c.demandedWatches[:i], c.demandedWatches[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if remove != nil {
		remove(w)
	}
}

// ToggleWatch flips the enabled flag and announces the toggle.
func (c *Conn) ToggleWatch(w *Watch, enabled bool) {
	w.SetEnabled(enabled)
	c.mu.Lock()
	toggle := c.watchFuncs.Toggle
	c.mu.Unlock()
	if toggle != nil {
		toggle(w)
	}
}

// DemandTimeout asks the event-loop side to arm a timeout.
func (c *Conn) DemandTimeout(interval time.Duration, enabled bool) *Timeout {
	t := &Timeout{interval: interval, enabled: enabled}
	c.mu.Lock()
	add := c.timeoutFuncs.Add
	c.demandedTimeouts = append(c.demandedTimeouts, t)
	c.mu.Unlock()
	if add != nil {
		add(t)
	}
	return t
}

// ToggleTimeout flips the enabled flag and announces the toggle.
func (c *Conn) ToggleTimeout(t *Timeout, enabled bool) {
	t.SetEnabled(enabled)
	c.mu.Lock()
	toggle := c.timeoutFuncs.Toggle
	c.mu.Unlock()
	if toggle != nil {
		toggle(t)
	}
}

// RetractTimeout announces timeout removal.
func (c *Conn) RetractTimeout(t *Timeout) {
	c.mu.Lock()
	remove := c.timeoutFuncs.Remove
	for i, dt := range c.demandedTimeouts {
		if dt == t {
			c.demandedTimeouts = append(c.demandedTimeouts[:i], c.demandedTimeouts[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if remove != nil {
		remove(t)
	}
}

// Watch is a scriptable wire watch.
type Watch struct {
	mu      sync.Mutex
	fd      int
	flags   wire.WatchFlags
	enabled bool
	data    any

	HandleCalls []wire.WatchFlags
	// HandleFail makes Handle report resource exhaustion.
	HandleFail bool
}

func (w *Watch) Fd() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fd
}

func (w *Watch) Flags() wire.WatchFlags {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flags
}

func (w *Watch) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

func (w *Watch) SetEnabled(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = enabled
}

func (w *Watch) Handle(flags wire.WatchFlags) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.HandleCalls = append(w.HandleCalls, flags)
	return !w.HandleFail
}

// Handled returns a snapshot of the flags Handle has been called with.
func (w *Watch) Handled() []wire.WatchFlags {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]wire.WatchFlags, len(w.HandleCalls))
	copy(out, w.HandleCalls)
	return out
}

func (w *Watch) Data() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data
}

func (w *Watch) SetData(d any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = d
}

// Timeout is a scriptable wire timeout.
type Timeout struct {
	mu       sync.Mutex
	interval time.Duration
	enabled  bool
	data     any

	HandleCalls int
}

func (t *Timeout) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *Timeout) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Timeout) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Timeout) Handle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.HandleCalls++
	return true
}

func (t *Timeout) Handled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.HandleCalls
}

func (t *Timeout) Data() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

func (t *Timeout) SetData(d any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = d
}
