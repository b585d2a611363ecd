package card

import (
	"fmt"

	"github.com/ardnew/cardbridge/pkg"
)

// Pins describes the SD host bus wiring used when a card is opened.
type Pins struct {
	CLK    int  `json:"clk"`
	CMD    int  `json:"cmd"`
	D0     int  `json:"d0"`
	OneBit bool `json:"one_bit"` // 1-bit bus mode (D1-D3 unused)
}

// DefaultPins is the 1-bit wiring of the reference board.
var DefaultPins = Pins{CLK: 6, CMD: 5, D0: 7, OneBit: true}

// Validate rejects negative or duplicated pin numbers.
func (p Pins) Validate() error {
	if p.CLK < 0 || p.CMD < 0 || p.D0 < 0 {
		return fmt.Errorf("pins %+v: %w", p, pkg.ErrInvalidParameter)
	}
	if p.CLK == p.CMD || p.CLK == p.D0 || p.CMD == p.D0 {
		return fmt.Errorf("pins %+v share a line: %w", p, pkg.ErrInvalidParameter)
	}
	return nil
}

// Geometry is the sector layout reported by a medium when opened.
type Geometry struct {
	SectorSize  uint32 // Bytes per sector
	SectorCount uint64 // Total addressable sectors
}

// Valid reports whether both sector size and count are nonzero.
func (g Geometry) Valid() bool {
	return g.SectorSize != 0 && g.SectorCount != 0
}

// Bytes returns the capacity in bytes.
func (g Geometry) Bytes() uint64 {
	return uint64(g.SectorSize) * g.SectorCount
}

// Medium is a removable storage device addressed in whole sectors.
//
// All operations block until they complete or fail; there are no partial
// results. Geometry is fixed from Open until Close.
type Medium interface {
	// Open brings up the card on the given pins and returns its geometry.
	// A missing card, or one reporting zero sectors, fails with
	// pkg.ErrMediaAbsent.
	Open(pins Pins) (Geometry, error)

	// ReadSector fills dst[:SectorSize] with the contents of sector index.
	ReadSector(index uint64, dst []byte) error

	// WriteSector stores src[:SectorSize] at sector index.
	WriteSector(index uint64, src []byte) error

	// Close releases the card. It is safe to call when not open.
	Close() error
}

// SectorError records a failed sector operation.
type SectorError struct {
	Op     string // "read" or "write"
	Sector uint64
	Err    error
}

func (e *SectorError) Error() string {
	return fmt.Sprintf("%s sector %d: %v", e.Op, e.Sector, e.Err)
}

func (e *SectorError) Unwrap() error { return e.Err }

// checkAccess validates a sector index and buffer length against g.
func checkAccess(g Geometry, index uint64, buf []byte) error {
	if index >= g.SectorCount {
		return pkg.ErrOutOfRange
	}
	if uint64(len(buf)) < uint64(g.SectorSize) {
		return pkg.ErrBufferTooSmall
	}
	return nil
}
