package bridge

import (
	"sync"
	"time"

	"github.com/ardnew/cardbridge/pkg"
	"github.com/ardnew/cardbridge/usb"
)

// LinkState is the host connection state as last reported by the stack.
type LinkState uint8

// Link states.
const (
	LinkOffline LinkState = iota
	LinkOnline
)

// String returns the state name.
func (s LinkState) String() string {
	if s == LinkOnline {
		return "online"
	}
	return "offline"
}

// LinkMonitor tracks whether the host link is up. It is advisory: it never
// changes the mount state or gates medium access.
type LinkMonitor struct {
	state     LinkState
	changed   time.Time
	listeners []func(LinkState)
	mutex     sync.RWMutex
}

// NewLinkMonitor creates an offline monitor.
func NewLinkMonitor() *LinkMonitor {
	return &LinkMonitor{}
}

// HandleEvent updates the state from a stack event. Started and resumed
// bring the link online; suspended and stopped take it offline; other
// events are ignored.
func (m *LinkMonitor) HandleEvent(ev usb.Event) {
	var next LinkState
	switch ev.Kind {
	case usb.EventStarted, usb.EventResumed:
		next = LinkOnline
	case usb.EventSuspended, usb.EventStopped:
		next = LinkOffline
	default:
		return
	}

	m.mutex.Lock()
	if m.state == next {
		m.mutex.Unlock()
		return
	}
	m.state = next
	m.changed = ev.Time
	listeners := make([]func(LinkState), len(m.listeners))
	copy(listeners, m.listeners)
	m.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentLink, "usb link changed",
		"state", next,
		"event", ev.Kind)

	for _, fn := range listeners {
		fn(next)
	}
}

// State returns the current link state.
func (m *LinkMonitor) State() LinkState {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

// IsOnline reports whether the link is online.
func (m *LinkMonitor) IsOnline() bool {
	return m.State() == LinkOnline
}

// Changed returns the time of the last state change.
func (m *LinkMonitor) Changed() time.Time {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.changed
}

// OnChange registers fn to be called after each state change.
func (m *LinkMonitor) OnChange(fn func(LinkState)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.listeners = append(m.listeners, fn)
}
