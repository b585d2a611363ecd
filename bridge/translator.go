package bridge

import (
	"fmt"
	"math"
	"sync"

	"github.com/ardnew/cardbridge/card"
	"github.com/ardnew/cardbridge/pkg"
)

// Direction is the data direction of a BlockRequest.
type Direction uint8

// Request directions.
const (
	DirectionRead Direction = iota
	DirectionWrite
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionWrite {
		return "write"
	}
	return "read"
}

// BlockRequest is a host access addressed by sector plus byte offset.
type BlockRequest struct {
	StartSector uint64
	ByteOffset  uint32 // Less than the sector size
	Length      uint32 // Bytes to transfer, at least 1
	Direction   Direction
}

// newRequest builds a request for length bytes, rejecting lengths a
// BlockRequest cannot carry.
func newRequest(dir Direction, startSector uint64, byteOffset uint32, length uint64) (BlockRequest, error) {
	if length > math.MaxUint32 {
		return BlockRequest{}, fmt.Errorf("%d-byte %s: %w", length, dir, pkg.ErrInvalidParameter)
	}
	return BlockRequest{
		StartSector: startSector,
		ByteOffset:  byteOffset,
		Length:      uint32(length),
		Direction:   dir,
	}, nil
}

// span returns the number of sectors the request touches.
func (r BlockRequest) span(sectorSize uint32) uint64 {
	end := uint64(r.ByteOffset) + uint64(r.Length)
	return (end + uint64(sectorSize) - 1) / uint64(sectorSize)
}

// validate checks r against g without touching the medium.
func (r BlockRequest) validate(g card.Geometry) error {
	switch {
	case g.SectorSize == 0:
		return pkg.ErrNotMounted
	case r.ByteOffset >= g.SectorSize:
		return fmt.Errorf("offset %d with %d-byte sectors: %w",
			r.ByteOffset, g.SectorSize, pkg.ErrInvalidParameter)
	case r.StartSector >= g.SectorCount || r.span(g.SectorSize) > g.SectorCount-r.StartSector:
		return fmt.Errorf("sectors %d+%d of %d: %w",
			r.StartSector, r.span(g.SectorSize), g.SectorCount, pkg.ErrOutOfRange)
	}
	return nil
}

// TranslatorStats counts translator activity.
type TranslatorStats struct {
	Requests         uint64 `json:"requests"`
	SectorReads      uint64 `json:"sector_reads"`
	SectorWrites     uint64 `json:"sector_writes"`
	ReadModifyWrites uint64 `json:"read_modify_writes"`
	Failures         uint64 `json:"failures"`
}

// Translator turns byte-range requests into whole-sector medium
// operations. Requests are serialized; one sector-sized scratch buffer is
// reused across them.
type Translator struct {
	lifecycle *Lifecycle

	scratch []byte
	stats   TranslatorStats
	mutex   sync.Mutex
}

// NewTranslator creates a translator over the medium owned by lc.
func NewTranslator(lc *Lifecycle) *Translator {
	return &Translator{lifecycle: lc}
}

// Read fills dst starting byteOffset bytes into startSector.
func (t *Translator) Read(startSector uint64, byteOffset uint32, dst []byte) error {
	req, err := newRequest(DirectionRead, startSector, byteOffset, uint64(len(dst)))
	if err != nil {
		return err
	}
	return t.Do(req, dst)
}

// Write stores src starting byteOffset bytes into startSector. Sectors
// only partly covered by src are read, patched and written back; fully
// covered sectors are written straight from src.
func (t *Translator) Write(startSector uint64, byteOffset uint32, src []byte) error {
	req, err := newRequest(DirectionWrite, startSector, byteOffset, uint64(len(src)))
	if err != nil {
		return err
	}
	return t.Do(req, src)
}

// Do executes req using buf[:req.Length] as the destination or source.
//
// The first failure aborts the request and is returned unmodified.
// Sectors written before a failure stay written. If the medium is
// unmounted or remounted between sectors, the request fails with
// pkg.ErrNotMounted.
func (t *Translator) Do(req BlockRequest, buf []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.stats.Requests++
	err := t.do(req, buf)
	if err != nil {
		t.stats.Failures++
		pkg.LogDebug(pkg.ComponentBridge, "request failed",
			"dir", req.Direction,
			"sector", req.StartSector,
			"offset", req.ByteOffset,
			"length", req.Length,
			"error", err)
	}
	return err
}

func (t *Translator) do(req BlockRequest, buf []byte) error {
	if req.Length == 0 {
		return fmt.Errorf("zero-length %s: %w", req.Direction, pkg.ErrInvalidParameter)
	}
	if uint64(len(buf)) < uint64(req.Length) {
		return pkg.ErrBufferTooSmall
	}

	s, err := t.lifecycle.begin()
	if err != nil {
		return err
	}
	if err := req.validate(s.geometry); err != nil {
		return err
	}

	size := s.geometry.SectorSize
	if uint32(len(t.scratch)) < size {
		t.scratch = make([]byte, size)
	}
	scratch := t.scratch[:size]

	data := buf[:req.Length]
	sector := req.StartSector
	offset := req.ByteOffset

	for len(data) > 0 {
		n := min(size-offset, uint32(len(data)))
		whole := offset == 0 && n == size

		switch {
		case req.Direction == DirectionRead && whole:
			err = t.readSector(s, sector, data[:n])
		case req.Direction == DirectionRead:
			if err = t.readSector(s, sector, scratch); err == nil {
				copy(data[:n], scratch[offset:offset+n])
			}
		case whole:
			err = t.writeSector(s, sector, data[:n])
		default:
			t.stats.ReadModifyWrites++
			if err = t.readSector(s, sector, scratch); err == nil {
				copy(scratch[offset:offset+n], data[:n])
				err = t.writeSector(s, sector, scratch)
			}
		}
		if err != nil {
			return err
		}

		data = data[n:]
		sector++
		offset = 0
	}
	return nil
}

func (t *Translator) readSector(s session, index uint64, dst []byte) error {
	return t.lifecycle.withMedium(s, func(m card.Medium) error {
		t.stats.SectorReads++
		return m.ReadSector(index, dst)
	})
}

func (t *Translator) writeSector(s session, index uint64, src []byte) error {
	return t.lifecycle.withMedium(s, func(m card.Medium) error {
		t.stats.SectorWrites++
		return m.WriteSector(index, src)
	})
}

// Stats returns the activity counters.
func (t *Translator) Stats() TranslatorStats {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.stats
}
