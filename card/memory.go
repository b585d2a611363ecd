package card

import (
	"sync"

	"github.com/ardnew/cardbridge/pkg"
)

// Op identifies a medium operation reported to a trace hook.
type Op uint8

// Medium operations.
const (
	OpOpen Op = iota
	OpClose
	OpRead
	OpWrite
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Stats counts operations performed on a MemoryCard.
type Stats struct {
	Opens  uint64
	Closes uint64
	Reads  uint64
	Writes uint64
}

// MemoryCard implements Medium with an in-memory sector array.
//
// It models card insertion and per-sector failures so mount and
// translation logic can be exercised without hardware.
type MemoryCard struct {
	data     []byte
	geometry Geometry
	present  bool
	open     bool
	pins     Pins

	failRead  map[uint64]bool
	failWrite map[uint64]bool
	trace     func(op Op, sector uint64)
	stats     Stats

	mutex sync.RWMutex
}

// NewMemoryCard creates an inserted card with the given geometry.
// A zero sector size or count produces a card that fails to open.
func NewMemoryCard(sectorSize uint32, sectorCount uint64) *MemoryCard {
	return &MemoryCard{
		data:      make([]byte, uint64(sectorSize)*sectorCount),
		geometry:  Geometry{SectorSize: sectorSize, SectorCount: sectorCount},
		present:   true,
		failRead:  make(map[uint64]bool),
		failWrite: make(map[uint64]bool),
	}
}

// Open implements Medium.
func (m *MemoryCard) Open(pins Pins) (Geometry, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stats.Opens++
	m.emit(OpOpen, 0)

	if !m.present || !m.geometry.Valid() {
		return Geometry{}, pkg.ErrMediaAbsent
	}
	m.open = true
	m.pins = pins
	return m.geometry, nil
}

// ReadSector implements Medium.
func (m *MemoryCard) ReadSector(index uint64, dst []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stats.Reads++
	m.emit(OpRead, index)

	if !m.open {
		return &SectorError{Op: "read", Sector: index, Err: pkg.ErrMediumClosed}
	}
	if err := checkAccess(m.geometry, index, dst); err != nil {
		return &SectorError{Op: "read", Sector: index, Err: err}
	}
	if m.failRead[index] {
		return &SectorError{Op: "read", Sector: index, Err: pkg.ErrIO}
	}

	size := uint64(m.geometry.SectorSize)
	copy(dst[:size], m.data[index*size:(index+1)*size])
	return nil
}

// WriteSector implements Medium.
func (m *MemoryCard) WriteSector(index uint64, src []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stats.Writes++
	m.emit(OpWrite, index)

	if !m.open {
		return &SectorError{Op: "write", Sector: index, Err: pkg.ErrMediumClosed}
	}
	if err := checkAccess(m.geometry, index, src); err != nil {
		return &SectorError{Op: "write", Sector: index, Err: err}
	}
	if m.failWrite[index] {
		return &SectorError{Op: "write", Sector: index, Err: pkg.ErrIO}
	}

	size := uint64(m.geometry.SectorSize)
	copy(m.data[index*size:(index+1)*size], src[:size])
	return nil
}

// Close implements Medium.
func (m *MemoryCard) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.open {
		m.stats.Closes++
		m.emit(OpClose, 0)
	}
	m.open = false
	return nil
}

// IsOpen reports whether the card is currently open.
func (m *MemoryCard) IsOpen() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.open
}

// Pins returns the pins passed to the last successful Open.
func (m *MemoryCard) Pins() Pins {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.pins
}

// SetPresent inserts or removes the card. Removing an open card does not
// close it; subsequent operations keep working until Close, matching a
// card whose removal has not been detected yet.
func (m *MemoryCard) SetPresent(present bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.present = present
}

// FailRead makes reads of sector fail with pkg.ErrIO.
func (m *MemoryCard) FailRead(sector uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failRead[sector] = true
}

// FailWrite makes writes of sector fail with pkg.ErrIO.
func (m *MemoryCard) FailWrite(sector uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failWrite[sector] = true
}

// ClearFaults removes all injected failures.
func (m *MemoryCard) ClearFaults() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	clear(m.failRead)
	clear(m.failWrite)
}

// SetTrace installs a hook called for every operation, under the card's
// lock. Pass nil to remove it.
func (m *MemoryCard) SetTrace(fn func(op Op, sector uint64)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.trace = fn
}

// Stats returns the operation counters.
func (m *MemoryCard) Stats() Stats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// ResetStats zeroes the operation counters.
func (m *MemoryCard) ResetStats() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stats = Stats{}
}

// Sector returns a copy of the raw contents of sector index, regardless
// of open state.
func (m *MemoryCard) Sector(index uint64) []byte {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	size := uint64(m.geometry.SectorSize)
	if index >= m.geometry.SectorCount {
		return nil
	}
	out := make([]byte, size)
	copy(out, m.data[index*size:(index+1)*size])
	return out
}

// Fill sets every byte of the card to b.
func (m *MemoryCard) Fill(b byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i := range m.data {
		m.data[i] = b
	}
}

func (m *MemoryCard) emit(op Op, sector uint64) {
	if m.trace != nil {
		m.trace(op, sector)
	}
}

var _ Medium = (*MemoryCard)(nil)
