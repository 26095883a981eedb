package faciet

// Protocol is the capability set bound to a connection. OnData is the one
// required callback; the optional capabilities below are discovered by type
// assertion at dispatch time, so a protocol implements exactly what it needs.
//
// The framework guarantees at most one protocol callback runs for a given
// connection at any moment, and that a callback observes the connection
// between OnOpen-time attachment and OnClose.
type Protocol interface {
	// OnData fires when there is data to Read. Edge-triggered: drain until
	// Read returns zero bytes, or the event will not re-fire.
	OnData(rt *Runtime, u UUID)
}

// Pinger receives timeout events. A protocol that wants keep-alives writes
// from Ping (refreshing the deadline); one that does nothing will be pinged
// again on the next timeout. Connections whose protocol lacks Ping are
// closed when their timeout hits.
type Pinger interface {
	Ping(rt *Runtime, u UUID)
}

// ReadyHandler is notified when the outgoing queue drains after having been
// under pressure — the moment to resume producing.
type ReadyHandler interface {
	OnReady(rt *Runtime, u UUID)
}

// ShutdownHandler is notified once when the process begins a graceful stop,
// before the drain window. Typical use: write a goodbye and Close.
type ShutdownHandler interface {
	OnShutdown(rt *Runtime, u UUID)
}

// CloseHandler runs exactly once after the connection left the table. The
// handle is already invalid for I/O; it serves as identity only.
type CloseHandler interface {
	OnClose(rt *Runtime, u UUID)
}

// Servicer tags a protocol for introspection and for Each. Untagged
// protocols report an empty service name.
type Servicer interface {
	Service() string
}

func serviceOf(p Protocol) string {
	if s, ok := p.(Servicer); ok {
		return s.Service()
	}
	return ""
}
