package events

const (
	TypeConnected    = "bus.connected"
	TypeDisconnected = "bus.disconnected"
	TypeNameAcquired = "name.acquired"
	TypeNameLost     = "name.lost"
	TypeSignal       = "bus.signal"
	TypeMethodCall   = "bus.method_call"
	TypeShutdown     = "bus.shutdown"
)

type Event struct {
	Type string
	Data any
}

// Filter decides whether an event should be delivered.
type Filter func(Event) bool

// FilterTypes returns a filter passing only the listed event types.
// A nil or empty list means pass-all (nil filter).
func FilterTypes(types []string) Filter {
	if len(types) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(e Event) bool {
		return allowed[e.Type]
	}
}
