package usb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/cardbridge/pkg"
)

// Stack runs a HAL and exposes its bulk pipe and link events.
//
// Begin is idempotent so several owners may each ensure the stack is up.
// Event handlers run in registration order on a single goroutine owned by
// the stack.
type Stack struct {
	hal HAL

	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	handlers []EventHandler
	mutex    sync.RWMutex

	// Bulk OUT packets are consumed as a byte stream.
	readMutex sync.Mutex
	packet    [MaxPacketSize]byte
	pending   []byte
}

// NewStack creates a stopped stack over h.
func NewStack(h HAL) *Stack {
	return &Stack{hal: h}
}

// OnEvent registers fn to receive every later event.
func (s *Stack) OnEvent(fn EventHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Begin initializes and starts the HAL unless the stack is already
// running. The event goroutine outlives ctx; only End stops it.
func (s *Stack) Begin(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return nil
	}

	if err := s.hal.Init(ctx); err != nil {
		return fmt.Errorf("hal init: %w", err)
	}
	if err := s.hal.Start(); err != nil {
		s.hal.Stop()
		return fmt.Errorf("hal start: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.linkLoop(loopCtx, s.done)

	pkg.LogInfo(pkg.ComponentStack, "device stack started")
	return nil
}

// End stops the HAL and the event goroutine, then raises EventStopped.
// It is a no-op when not running.
func (s *Stack) End() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mutex.Unlock()

	err := s.hal.Stop()
	<-done

	s.readMutex.Lock()
	s.pending = nil
	s.readMutex.Unlock()

	s.dispatch(EventStopped)
	pkg.LogInfo(pkg.ComponentStack, "device stack stopped")
	return err
}

// IsRunning reports whether Begin has succeeded without a later End.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// ReadBulk reads bulk OUT data into buf. Packets larger than buf are
// returned across several calls. It fails with pkg.ErrNotRunning when the
// stack is stopped.
func (s *Stack) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	if !s.IsRunning() {
		return 0, pkg.ErrNotRunning
	}

	s.readMutex.Lock()
	defer s.readMutex.Unlock()

	if len(s.pending) == 0 {
		n, err := s.hal.Read(ctx, s.packet[:])
		if err != nil {
			if !s.IsRunning() {
				return 0, pkg.ErrNotRunning
			}
			return 0, err
		}
		s.pending = s.packet[:n]
	}

	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// WriteBulk sends data to the host in packets of at most MaxPacketSize.
func (s *Stack) WriteBulk(ctx context.Context, data []byte) (int, error) {
	if !s.IsRunning() {
		return 0, pkg.ErrNotRunning
	}

	total := 0
	for total < len(data) {
		end := min(total+MaxPacketSize, len(data))
		n, err := s.hal.Write(ctx, data[total:end])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// linkLoop turns HAL link messages into events until ctx is cancelled.
func (s *Stack) linkLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.dispatch(EventAttached)

	for {
		kind, err := s.hal.ReadLink(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentStack, "error reading link", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		s.dispatch(kind)
	}
}

// dispatch delivers an event to a snapshot of the handlers.
func (s *Stack) dispatch(kind EventKind) {
	s.mutex.RLock()
	handlers := make([]EventHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mutex.RUnlock()

	ev := Event{Kind: kind, Time: time.Now()}
	pkg.LogDebug(pkg.ComponentStack, "link event", "event", kind)

	for _, fn := range handlers {
		fn(ev)
	}
}
