// Package wire defines the wire-level connection surface the bus client
// drives: an opaque message-bus connection exposing demand-driven watch and
// timeout registration, message sending, filter and match-rule management,
// object-path dispatch tables and name ownership. The production
// implementation is backed by github.com/godbus/dbus/v5; tests use the
// wiretest fake.
package wire

import "time"

// BusType selects which message bus a connection targets.
type BusType int

const (
	Session BusType = iota
	System
	Custom
)

func (t BusType) String() string {
	switch t {
	case Session:
		return "session"
	case System:
		return "system"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// ConnectionMode selects whether a connection is private to its Bus or
// shared process-wide with other Buses of the same type.
type ConnectionMode int

const (
	Private ConnectionMode = iota
	Shared
)

// WatchFlags is the readiness direction of a watch.
type WatchFlags uint8

const (
	FlagReadable WatchFlags = 1 << iota
	FlagWritable
)

// DispatchStatus reports whether a connection holds buffered incoming data.
type DispatchStatus int

const (
	StatusDataRemains DispatchStatus = iota
	StatusComplete
	StatusNeedMemory
)

// HandlerResult is returned by filter functions.
type HandlerResult int

const (
	ResultHandled HandlerResult = iota
	ResultNotYetHandled
	ResultNeedMemory
)

// MessageType discriminates dispatched messages.
type MessageType int

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

// Message is one bus message as seen by filters and reply callbacks.
type Message struct {
	Type        MessageType
	Sender      string
	Destination string
	Path        string
	Interface   string
	Member      string
	Body        []interface{}

	// Err is set on TypeError messages.
	Err error
}

// Name returns the fully qualified "Interface.Member" name.
func (m *Message) Name() string {
	return m.Interface + "." + m.Member
}

// MessageFilter inspects every dispatched message before object-path
// routing. Filters are paired for add/remove by interface identity, so
// implementations must be comparable (use a pointer receiver, or wrap a
// function with NewFilter) and the value passed to RemoveFilter must be the
// identical value given to AddFilter.
type MessageFilter interface {
	HandleMessage(msg *Message) HandlerResult
}

type funcFilter struct {
	fn func(*Message) HandlerResult
}

func (f *funcFilter) HandleMessage(msg *Message) HandlerResult { return f.fn(msg) }

// NewFilter wraps fn in a registerable filter. Keep the returned value; it
// is the handle for removal.
func NewFilter(fn func(*Message) HandlerResult) MessageFilter {
	return &funcFilter{fn: fn}
}

// MethodCall is a method invocation addressed to a registered object path.
type MethodCall struct {
	Sender    string
	Path      string
	Interface string
	Member    string
	Body      []interface{}
}

// ObjectPathVTable dispatches method calls for one registered object path.
type ObjectPathVTable struct {
	// Method handles a call and returns the reply body. Returning an error
	// produces an error reply instead.
	Method func(call *MethodCall) ([]interface{}, error)
	// Unregister runs when the path is unregistered.
	Unregister func()
}

// Watch is one demand-driven readiness registration requested by the
// connection. The data slot carries whatever the event-loop side attaches;
// the watch does not own it.
type Watch interface {
	Fd() int
	Flags() WatchFlags
	Enabled() bool
	// Handle informs the connection that the descriptor is ready in the
	// given direction. Returns false only on resource exhaustion.
	Handle(flags WatchFlags) bool
	Data() any
	SetData(any)
}

// Timeout is one deadline registration requested by the connection.
type Timeout interface {
	Interval() time.Duration
	Enabled() bool
	// Handle fires the timeout. Returns false only on resource exhaustion.
	Handle() bool
	Data() any
	SetData(any)
}

// WatchFuncs is the callback triple through which the connection announces
// watch lifecycle changes.
type WatchFuncs struct {
	Add    func(Watch) bool
	Remove func(Watch)
	Toggle func(Watch)
}

// TimeoutFuncs is the callback triple for timeout lifecycle changes.
type TimeoutFuncs struct {
	Add    func(Timeout) bool
	Remove func(Timeout)
	Toggle func(Timeout)
}

// RequestNameReply is the bus daemon's answer to a no-queue name request.
type RequestNameReply int

const (
	RequestNameReplyPrimaryOwner RequestNameReply = iota + 1
	RequestNameReplyInQueue
	RequestNameReplyExists
	RequestNameReplyAlreadyOwner
)

// ReleaseNameReply is the bus daemon's answer to a name release.
type ReleaseNameReply int

const (
	ReleaseNameReplyReleased ReleaseNameReply = iota + 1
	ReleaseNameReplyNonExistent
	ReleaseNameReplyNotOwner
)

// Conn is one wire-level connection to a message bus. All methods except
// Close are driven from the bus client's dispatch goroutine.
type Conn interface {
	// SetExitOnDisconnect controls whether transport loss terminates the
	// process. The bus client always disables it right after connecting.
	SetExitOnDisconnect(exit bool)

	SetWatchFuncs(funcs WatchFuncs) bool
	SetTimeoutFuncs(funcs TimeoutFuncs) bool
	SetDispatchStatusFunc(fn func(DispatchStatus))

	// Send transmits a fire-and-forget message (signal or no-reply call).
	Send(msg *Message) error
	// SendWithReply transmits a method call and delivers the reply through
	// the dispatch path; on expiry a NoReply error message is fabricated.
	SendWithReply(msg *Message, timeout time.Duration, deliver func(reply *Message)) error
	// SendWithReplyAndBlock transmits a method call and blocks the calling
	// goroutine until the reply arrives or the timeout elapses.
	SendWithReplyAndBlock(msg *Message, timeout time.Duration) (*Message, error)

	AddFilter(f MessageFilter) error
	RemoveFilter(f MessageFilter) error

	AddMatch(rule string) error
	RemoveMatch(rule string) error

	TryRegisterObjectPath(path string, vtable *ObjectPathVTable) error
	UnregisterObjectPath(path string)

	// RequestName asks for ownership of a well-known name with no-queue
	// semantics.
	RequestName(name string) (RequestNameReply, error)
	ReleaseName(name string) (ReleaseNameReply, error)

	DispatchStatus() DispatchStatus
	// Dispatch processes one buffered incoming message and returns the
	// status afterwards.
	Dispatch() DispatchStatus
	// Flush blocks until all outgoing messages have been written.
	Flush()

	// UniqueName returns the connection's unique bus name, or "".
	UniqueName() string

	Close() error
}

// Dialer opens wire-level connections.
type Dialer interface {
	Dial(busType BusType, address string, mode ConnectionMode) (Conn, error)
}
