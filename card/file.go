package card

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/ardnew/cardbridge/pkg"
)

// DefaultSectorSize is the sector size assumed for disk image files.
const DefaultSectorSize = 512

// FileCard implements Medium over a disk image file or a block device
// node such as /dev/mmcblk0.
//
// Block devices report their own geometry. Image files are divided into
// sectors of the configured size; a trailing partial sector is ignored.
type FileCard struct {
	path       string
	sectorSize uint32
	readOnly   bool
	checkLocal bool

	file     *os.File
	geometry Geometry
	pins     Pins
	mutex    sync.RWMutex
}

// FileOption configures a FileCard.
type FileOption func(*FileCard)

// WithSectorSize sets the sector size used for image files.
func WithSectorSize(size uint32) FileOption {
	return func(f *FileCard) { f.sectorSize = size }
}

// WithReadOnly opens the card read-only; writes fail with pkg.ErrReadOnly.
func WithReadOnly() FileOption {
	return func(f *FileCard) { f.readOnly = true }
}

// WithoutLocalMountCheck skips the local mount table check performed
// before opening a block device.
func WithoutLocalMountCheck() FileOption {
	return func(f *FileCard) { f.checkLocal = false }
}

// NewFileCard creates a card backed by the file or device at path.
// Nothing is opened until Open.
func NewFileCard(path string, opts ...FileOption) *FileCard {
	f := &FileCard{
		path:       path,
		sectorSize: DefaultSectorSize,
		checkLocal: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the backing path.
func (f *FileCard) Path() string {
	return f.path
}

// Open implements Medium.
func (f *FileCard) Open(pins Pins) (Geometry, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file != nil {
		return f.geometry, nil
	}

	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Geometry{}, fmt.Errorf("%s: %w", f.path, pkg.ErrMediaAbsent)
		}
		return Geometry{}, fmt.Errorf("stat %s: %w", f.path, err)
	}

	if info.Mode()&os.ModeDevice != 0 && f.checkLocal {
		mounts, err := LocalMounts(context.Background(), f.path)
		if err != nil {
			pkg.LogWarn(pkg.ComponentCard, "local mount check failed",
				"path", f.path,
				"error", err)
		} else if len(mounts) > 0 {
			return Geometry{}, fmt.Errorf("%s mounted at %s: %w",
				mounts[0].Device, mounts[0].Mountpoint, pkg.ErrBusy)
		}
	}

	flags := os.O_RDWR
	if f.readOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(f.path, flags, 0)
	if err != nil {
		return Geometry{}, fmt.Errorf("open %s: %w", f.path, err)
	}

	geometry, err := probeGeometry(file, info, f.sectorSize)
	if err != nil {
		file.Close()
		return Geometry{}, fmt.Errorf("geometry %s: %w", f.path, err)
	}
	if !geometry.Valid() {
		file.Close()
		return Geometry{}, fmt.Errorf("%s reports %d x %d bytes: %w",
			f.path, geometry.SectorCount, geometry.SectorSize, pkg.ErrMediaAbsent)
	}

	f.file = file
	f.geometry = geometry
	f.pins = pins

	pkg.LogDebug(pkg.ComponentCard, "card opened",
		"path", f.path,
		"sectorSize", geometry.SectorSize,
		"sectors", geometry.SectorCount,
		"clk", pins.CLK,
		"cmd", pins.CMD,
		"d0", pins.D0,
		"oneBit", pins.OneBit)

	return geometry, nil
}

// ReadSector implements Medium.
func (f *FileCard) ReadSector(index uint64, dst []byte) error {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return &SectorError{Op: "read", Sector: index, Err: pkg.ErrMediumClosed}
	}
	if err := checkAccess(f.geometry, index, dst); err != nil {
		return &SectorError{Op: "read", Sector: index, Err: err}
	}

	size := int64(f.geometry.SectorSize)
	n, err := f.file.ReadAt(dst[:size], int64(index)*size)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
		return &SectorError{Op: "read", Sector: index, Err: fmt.Errorf("%w: %v", pkg.ErrIO, err)}
	}
	return nil
}

// WriteSector implements Medium.
func (f *FileCard) WriteSector(index uint64, src []byte) error {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return &SectorError{Op: "write", Sector: index, Err: pkg.ErrMediumClosed}
	}
	if f.readOnly {
		return &SectorError{Op: "write", Sector: index, Err: pkg.ErrReadOnly}
	}
	if err := checkAccess(f.geometry, index, src); err != nil {
		return &SectorError{Op: "write", Sector: index, Err: err}
	}

	size := int64(f.geometry.SectorSize)
	if _, err := f.file.WriteAt(src[:size], int64(index)*size); err != nil {
		return &SectorError{Op: "write", Sector: index, Err: fmt.Errorf("%w: %v", pkg.ErrIO, err)}
	}
	return nil
}

// Close implements Medium. Pending writes are flushed before the file is
// released.
func (f *FileCard) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return nil
	}

	var syncErr error
	if !f.readOnly {
		syncErr = f.file.Sync()
	}
	closeErr := f.file.Close()
	f.file = nil
	f.geometry = Geometry{}

	pkg.LogDebug(pkg.ComponentCard, "card closed", "path", f.path)
	return errors.Join(syncErr, closeErr)
}

// IsOpen reports whether the card is currently open.
func (f *FileCard) IsOpen() bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.file != nil
}

// CreateImage creates (or resizes) a disk image of sectorCount sectors.
func CreateImage(path string, sectorSize uint32, sectorCount uint64) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := file.Truncate(int64(uint64(sectorSize) * sectorCount)); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// imageGeometry divides a regular file into whole sectors.
func imageGeometry(info os.FileInfo, sectorSize uint32) Geometry {
	if sectorSize == 0 || info.Size() <= 0 {
		return Geometry{SectorSize: sectorSize}
	}
	return Geometry{
		SectorSize:  sectorSize,
		SectorCount: uint64(info.Size()) / uint64(sectorSize),
	}
}

var _ Medium = (*FileCard)(nil)
