package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/cardbridge/card"
	"github.com/ardnew/cardbridge/msc"
	"github.com/ardnew/cardbridge/usb"
)

// journal is an ordered record of calls shared by the fakes and the card
// trace hook.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

// fakeClass records how the bridge drives the mass-storage class.
type fakeClass struct {
	log      *journal
	beginErr error

	mu          sync.Mutex
	vendor      string
	product     string
	revision    string
	onRead      msc.ReadFunc
	onWrite     msc.WriteFunc
	onStartStop msc.StartStopFunc
	present     bool
	started     bool
	begins      int
	blockCount  uint32
	blockSize   uint32
	ended       chan struct{}
}

func newFakeClass(log *journal) *fakeClass {
	return &fakeClass{log: log}
}

func (c *fakeClass) SetVendorID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vendor = id
}

func (c *fakeClass) SetProductID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.product = id
}

func (c *fakeClass) SetProductRevision(rev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revision = rev
}

func (c *fakeClass) OnRead(fn msc.ReadFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRead = fn
}

func (c *fakeClass) OnWrite(fn msc.WriteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
}

func (c *fakeClass) OnStartStop(fn msc.StartStopFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStartStop = fn
}

func (c *fakeClass) SetMediaPresent(present bool) {
	c.mu.Lock()
	c.present = present
	c.mu.Unlock()
	c.log.add("present %v", present)
}

func (c *fakeClass) Begin(blockCount, blockSize uint32) error {
	c.mu.Lock()
	c.begins++
	err := c.beginErr
	if err == nil {
		c.started = true
		c.blockCount = blockCount
		c.blockSize = blockSize
	}
	c.mu.Unlock()
	c.log.add("begin %d %d", blockCount, blockSize)
	return err
}

func (c *fakeClass) End() {
	c.mu.Lock()
	c.started = false
	ended := c.ended
	c.mu.Unlock()
	c.log.add("end")
	if ended != nil {
		select {
		case ended <- struct{}{}:
		default:
		}
	}
}

// classState is a copy of what a fakeClass has been told.
type classState struct {
	vendor     string
	product    string
	revision   string
	present    bool
	started    bool
	begins     int
	blockCount uint32
	blockSize  uint32
}

func (c *fakeClass) snapshot() classState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return classState{
		vendor:     c.vendor,
		product:    c.product,
		revision:   c.revision,
		present:    c.present,
		started:    c.started,
		begins:     c.begins,
		blockCount: c.blockCount,
		blockSize:  c.blockSize,
	}
}

func (c *fakeClass) startStop() msc.StartStopFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onStartStop
}

// fakeStack records Begin calls and lets tests raise events.
type fakeStack struct {
	log      *journal
	beginErr error

	mu       sync.Mutex
	begins   int
	running  bool
	handlers []usb.EventHandler
}

func newFakeStack(log *journal) *fakeStack {
	return &fakeStack{log: log}
}

func (s *fakeStack) Begin(ctx context.Context) error {
	s.mu.Lock()
	s.begins++
	err := s.beginErr
	if err == nil {
		s.running = true
	}
	s.mu.Unlock()
	s.log.add("stack begin")
	return err
}

func (s *fakeStack) OnEvent(fn usb.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *fakeStack) emit(kind usb.EventKind) {
	s.mu.Lock()
	handlers := append([]usb.EventHandler(nil), s.handlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(usb.Event{Kind: kind, Time: time.Now()})
	}
}

func (s *fakeStack) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// fixture is a bridge over a MemoryCard and fakes sharing one journal.
type fixture struct {
	bridge *Bridge
	card   *card.MemoryCard
	class  *fakeClass
	stack  *fakeStack
	log    *journal
}

func newFixture(t *testing.T, sectorSize uint32, sectors uint64) *fixture {
	t.Helper()

	log := &journal{}
	mem := card.NewMemoryCard(sectorSize, sectors)
	mem.SetTrace(func(op card.Op, sector uint64) {
		switch op {
		case card.OpOpen, card.OpClose:
			log.add("card %s", op)
		}
	})

	class := newFakeClass(log)
	stack := newFakeStack(log)
	b := New(context.Background(), DefaultConfig(), mem, class, stack)
	b.lifecycle.sleep = func(d time.Duration) { log.add("sleep %s", d) }

	return &fixture{bridge: b, card: mem, class: class, stack: stack, log: log}
}

// mount mounts the fixture and clears the journal and card counters.
func (f *fixture) mount(t *testing.T) {
	t.Helper()
	if err := f.bridge.MountContext(context.Background()); err != nil {
		t.Fatalf("mount: %v", err)
	}
	f.log.reset()
	f.card.ResetStats()
}
