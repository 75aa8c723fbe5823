package wire

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// ErrNoMemory marks resource exhaustion inside the connection. The bus
// client treats it as fatal.
var ErrNoMemory = errors.New("wire: out of memory")

// ErrObjectPathInUse is returned when registering a vtable for a path that
// already has one.
var ErrObjectPathInUse = errors.New("wire: object path already registered")

// ErrNotConnected is returned by operations on a closed connection.
var ErrNotConnected = errors.New("wire: not connected")

// ErrCallTimeout is returned when a blocking call exceeds its deadline.
var ErrCallTimeout = errors.New("wire: call timed out")

// ErrNotDispatching is returned to method callers when demand-driven
// dispatch has not been set up on the connection.
var ErrNotDispatching = errors.New("wire: async operations not set up")

// ErrorName extracts the D-Bus error name carried by err, or "" when err
// holds none.
func ErrorName(err error) string {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name
	}
	return ""
}
