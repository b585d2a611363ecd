package msc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/cardbridge/pkg"
)

// ReadFunc fills buf with len(buf) bytes starting offset bytes into block
// lba. The range may extend past the end of that block.
type ReadFunc func(lba, offset uint32, buf []byte) error

// WriteFunc stores buf starting offset bytes into block lba. The range may
// extend past the end of that block.
type WriteFunc func(lba, offset uint32, buf []byte) error

// StartStopFunc handles START STOP UNIT. Returning false fails the command
// with ILLEGAL REQUEST.
type StartStopFunc func(power uint8, start, loadEject bool) bool

// Pipe moves bulk data between the class and the host.
type Pipe interface {
	// ReadBulk reads the next OUT packet into buf.
	ReadBulk(ctx context.Context, buf []byte) (int, error)
	// WriteBulk sends data as one IN packet.
	WriteBulk(ctx context.Context, data []byte) (int, error)
}

// notRunningBackoff is how long Run waits before retrying a pipe that
// reported pkg.ErrNotRunning or pkg.ErrNotConfigured.
const notRunningBackoff = 10 * time.Millisecond

// Class is a single-LUN Bulk-Only Transport mass-storage class whose
// storage is supplied through callbacks.
//
// Identity and callbacks may be set at any time; they are read at each
// command. Begin and End toggle whether media commands are served. The
// class never holds its lock while calling a callback, so callbacks may
// call back into the class.
type Class struct {
	vendor   string
	product  string
	revision string

	onRead      ReadFunc
	onWrite     WriteFunc
	onStartStop StartStopFunc

	started    bool
	present    bool
	attention  bool
	blockCount uint32
	blockSize  uint32

	senseKey uint8
	asc      uint8
	ascq     uint8

	mutex sync.RWMutex

	// Owned by the Run goroutine.
	cbw     CommandBlockWrapper
	cbwBuf  [CBWSize]byte
	cswBuf  [CSWSize]byte
	respBuf [64]byte
	dataBuf []byte
}

// New creates a stopped class with no media and the default transfer
// buffer size.
func New() *Class {
	return &Class{
		dataBuf: make([]byte, DefaultTransferBufferSize),
	}
}

// SetVendorID sets the 8-character INQUIRY vendor identification.
func (c *Class) SetVendorID(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.vendor = id
}

// SetProductID sets the 16-character INQUIRY product identification.
func (c *Class) SetProductID(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.product = id
}

// SetProductRevision sets the 4-character INQUIRY product revision.
func (c *Class) SetProductRevision(rev string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.revision = rev
}

// OnRead binds the block read callback.
func (c *Class) OnRead(fn ReadFunc) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onRead = fn
}

// OnWrite binds the block write callback.
func (c *Class) OnWrite(fn WriteFunc) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onWrite = fn
}

// OnStartStop binds the START STOP UNIT callback.
func (c *Class) OnStartStop(fn StartStopFunc) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onStartStop = fn
}

// SetMediaPresent reports whether media is available. A change from
// absent to present makes the next media command fail once with UNIT
// ATTENTION so the host re-reads capacity.
func (c *Class) SetMediaPresent(present bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if present && !c.present {
		c.attention = true
	}
	if !present {
		c.attention = false
	}
	c.present = present

	pkg.LogDebug(pkg.ComponentMSC, "media present changed", "present", present)
}

// MediaPresent reports the media-present flag.
func (c *Class) MediaPresent() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.present
}

// SetTransferBufferSize sets the data-phase chunk size. READ and WRITE
// data reach the callbacks in chunks of this size.
func (c *Class) SetTransferBufferSize(size int) error {
	if size <= 0 || size > MaxTransferBufferSize {
		return fmt.Errorf("transfer buffer size %d: %w", size, pkg.ErrInvalidParameter)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.dataBuf = make([]byte, size)
	return nil
}

// Begin starts serving media commands for a medium of blockCount blocks of
// blockSize bytes. It fails with pkg.ErrClassStart if the geometry is
// unusable or the read, write, or start-stop callback is unbound.
func (c *Class) Begin(blockCount, blockSize uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch {
	case blockCount == 0:
		return fmt.Errorf("zero block count: %w", pkg.ErrClassStart)
	case blockSize < MinBlockSize || blockSize > MaxBlockSize || blockSize%MinBlockSize != 0:
		return fmt.Errorf("block size %d: %w", blockSize, pkg.ErrClassStart)
	case c.onRead == nil || c.onWrite == nil || c.onStartStop == nil:
		return fmt.Errorf("callbacks not bound: %w", pkg.ErrClassStart)
	}

	c.blockCount = blockCount
	c.blockSize = blockSize
	c.started = true
	c.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)

	pkg.LogInfo(pkg.ComponentMSC, "class started",
		"blocks", blockCount,
		"blockSize", blockSize,
		"vendor", c.vendor,
		"product", c.product)
	return nil
}

// End stops serving media commands. Identity and callbacks are kept.
func (c *Class) End() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.started {
		return
	}
	c.started = false
	pkg.LogInfo(pkg.ComponentMSC, "class stopped")
}

// IsStarted reports whether Begin has succeeded without a later End.
func (c *Class) IsStarted() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.started
}

// Reset handles a Bulk-Only Mass Storage Reset by clearing sense data.
func (c *Class) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	pkg.LogDebug(pkg.ComponentMSC, "class reset")
}

// Run processes commands from pipe until ctx is done or the pipe reports
// pkg.ErrCancelled. While the pipe is not running it retries after a short
// backoff. Other errors are logged and the next command is read.
func (c *Class) Run(ctx context.Context, pipe Pipe) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.processCBW(ctx, pipe)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, pkg.ErrCancelled):
			return err
		case errors.Is(err, pkg.ErrNotRunning), errors.Is(err, pkg.ErrNotConfigured):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(notRunningBackoff):
			}
		default:
			pkg.LogWarn(pkg.ComponentMSC, "CBW processing error", "error", err)
		}
	}
}

// processCBW reads one command, executes it, and sends its status.
func (c *Class) processCBW(ctx context.Context, pipe Pipe) error {
	n, err := pipe.ReadBulk(ctx, c.cbwBuf[:])
	if err != nil {
		return err
	}
	if n != CBWSize {
		pkg.LogWarn(pkg.ComponentMSC, "invalid CBW size",
			"expected", CBWSize,
			"got", n)
		return pkg.ErrInvalidRequest
	}
	if !ParseCBW(c.cbwBuf[:], &c.cbw) {
		pkg.LogWarn(pkg.ComponentMSC, "invalid CBW signature")
		return pkg.ErrInvalidRequest
	}

	pkg.LogDebug(pkg.ComponentMSC, "CBW received",
		"tag", c.cbw.Tag,
		"dataLen", c.cbw.DataTransferLength,
		"flags", c.cbw.Flags,
		"opcode", c.cbw.CB[0])

	status, residue := c.handleSCSICommand(ctx, pipe, &c.cbw)
	return c.sendCSW(ctx, pipe, c.cbw.Tag, status, residue)
}

func (c *Class) sendCSW(ctx context.Context, pipe Pipe, tag uint32, status uint8, residue uint32) error {
	csw := NewCSW(tag, residue, status)
	n := csw.MarshalTo(c.cswBuf[:])
	if _, err := pipe.WriteBulk(ctx, c.cswBuf[:n]); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentMSC, "CSW sent",
		"tag", tag,
		"residue", residue,
		"status", status)
	return nil
}

// setSense records sense data for the next REQUEST SENSE. Callers hold
// the lock.
func (c *Class) setSense(key, asc, ascq uint8) {
	c.senseKey = key
	c.asc = asc
	c.ascq = ascq
}

// fail records sense data and returns a failed status with the full
// expected length as residue.
func (c *Class) fail(cbw *CommandBlockWrapper, key, asc uint8) (uint8, uint32) {
	c.mutex.Lock()
	c.setSense(key, asc, 0)
	c.mutex.Unlock()
	return CSWStatusFailed, cbw.DataTransferLength
}

// senseForError maps a callback error to sense key and ASC.
func senseForError(err error, write bool) (key, asc uint8) {
	switch {
	case errors.Is(err, pkg.ErrNotMounted),
		errors.Is(err, pkg.ErrMediaAbsent),
		errors.Is(err, pkg.ErrMediumClosed):
		return SenseNotReady, ASCMediumNotPresent
	case errors.Is(err, pkg.ErrOutOfRange):
		return SenseIllegalRequest, ASCLBAOutOfRange
	case errors.Is(err, pkg.ErrReadOnly):
		return SenseDataProtect, ASCWriteProtected
	case write:
		return SenseMediumError, ASCWriteFault
	default:
		return SenseMediumError, ASCUnrecoveredReadError
	}
}

// session is the state a media command needs, copied under the lock.
type session struct {
	blockCount  uint32
	blockSize   uint32
	onRead      ReadFunc
	onWrite     WriteFunc
	onStartStop StartStopFunc
}

// checkMedia verifies media is ready for a media command, consuming a
// pending UNIT ATTENTION. On failure the sense data is already set.
func (c *Class) checkMedia() (session, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.started || !c.present || c.onRead == nil || c.onWrite == nil {
		c.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return session{}, false
	}
	if c.attention {
		c.attention = false
		c.setSense(SenseUnitAttention, ASCNotReadyToReadyChange, 0)
		return session{}, false
	}
	return session{
		blockCount:  c.blockCount,
		blockSize:   c.blockSize,
		onRead:      c.onRead,
		onWrite:     c.onWrite,
		onStartStop: c.onStartStop,
	}, true
}
