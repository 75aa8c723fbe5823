package wire

// Standard D-Bus names
const (
	DBusService   = "org.freedesktop.DBus"
	DBusPath      = "/org/freedesktop/DBus"
	DBusInterface = "org.freedesktop.DBus"

	BusAddMatch     = DBusInterface + ".AddMatch"
	BusRemoveMatch  = DBusInterface + ".RemoveMatch"
	BusGetNameOwner = DBusInterface + ".GetNameOwner"
	BusListNames    = DBusInterface + ".ListNames"

	SignalNameAcquired = DBusInterface + ".NameAcquired"
	SignalNameLost     = DBusInterface + ".NameLost"

	ErrorNoReply        = DBusInterface + ".Error.NoReply"
	ErrorServiceUnknown = DBusInterface + ".Error.ServiceUnknown"
)
