package vpn

import "time"

// EventKind identifies a session notification.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventDisconnecting
	EventDisconnected
	EventAdvisory
	EventExit
)

// String returns the event name used by status surfaces.
func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnecting:
		return "disconnecting"
	case EventDisconnected:
		return "disconnected"
	case EventAdvisory:
		return "advisory"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is a notification emitted by the manager loop.
type Event struct {
	Kind       EventKind
	Mode       Mode
	Address    string
	SessionID  string
	Generation uint64
	Time       time.Time

	// Advisory is set for EventAdvisory.
	Advisory *Advisory
	// Err is the abort reason on EventDisconnecting, if any.
	Err error
}

// Name returns the event name, qualified with the mode for connected
// events, e.g. "connected:tun".
func (e Event) Name() string {
	if e.Kind == EventConnected {
		return e.Kind.String() + ":" + e.Mode.String()
	}
	return e.Kind.String()
}

// Observer receives session notifications. OnEvent is called from the
// manager loop and must not block or call back into the manager
// synchronously.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Observers fans an event out to several observers in order.
type Observers []Observer

// OnEvent delivers e to every non-nil observer.
func (o Observers) OnEvent(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.OnEvent(e)
		}
	}
}
