package usb

import "time"

// EventKind identifies a bus or link event raised by the stack.
type EventKind uint8

// Link events.
const (
	EventAttached  EventKind = iota // HAL started, device visible on the bus
	EventStarted                    // Host configured the device
	EventSuspended                  // Host suspended the bus
	EventResumed                    // Host resumed the bus
	EventStopped                    // Host released the device or the stack ended
	EventReset                      // Bulk-Only Mass Storage Reset
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventAttached:
		return "attached"
	case EventStarted:
		return "started"
	case EventSuspended:
		return "suspended"
	case EventResumed:
		return "resumed"
	case EventStopped:
		return "stopped"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event is delivered to handlers registered with Stack.OnEvent.
type Event struct {
	Kind EventKind
	Time time.Time
}

// EventHandler receives stack events on the stack's event goroutine.
type EventHandler func(Event)
