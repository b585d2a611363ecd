package fifo

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ardnew/cardbridge/pkg"
	"github.com/ardnew/cardbridge/usb"
)

// Message types carried on the FIFOs. Every message is framed as
// [type, len_lo, len_hi, payload...].
const (
	msgData    = 0x02 // Bulk data packet
	msgStart   = 0x10 // Host configured the device
	msgSuspend = 0x11 // Bus suspended
	msgReset   = 0x12 // Bulk-Only Mass Storage Reset
	msgResume  = 0x14 // Bus resumed
	msgStop    = 0x15 // Host released the device
)

const headerSize = 3

// Connection signal bytes written to the connection FIFO.
const (
	sigDisconnect = 0x00
	sigConnect    = 0x01
)

// FIFO file names inside the device directory.
const (
	fifoBulkOut    = "bulk_out"   // host to device data
	fifoBulkIn     = "bulk_in"    // device to host data
	fifoLink       = "link"       // host to device link messages
	fifoConnection = "connection" // device to host connection signal
)

// pollInterval bounds how long a FIFO read blocks before rechecking for
// cancellation.
const pollInterval = 100 * time.Millisecond

// HAL implements usb.HAL with named pipes. Each instance creates a unique
// device-{uuid} directory under the bus directory holding its FIFOs.
type HAL struct {
	busDir    string
	deviceDir string
	uuid      string

	bulkOut    *os.File
	bulkIn     *os.File
	link       *os.File
	connection *os.File

	connected uint32 // atomic
	initDone  bool
	closeCh   chan struct{}
	mutex     sync.RWMutex

	readMutex  sync.Mutex
	readBuf    [usb.MaxPacketSize + headerSize]byte
	linkBuf    [headerSize + 16]byte
	writeMutex sync.Mutex
	writeBuf   [usb.MaxPacketSize + headerSize]byte
}

// New creates a FIFO HAL rooted at busDir.
func New(busDir string) *HAL {
	return &HAL{busDir: busDir}
}

func generateUUID() (string, error) {
	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return "", err
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return hex.EncodeToString(uuid[:]), nil
}

// Init creates the device directory and its FIFOs and opens them.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initDone {
		return pkg.ErrAlreadyRunning
	}

	uuid, err := generateUUID()
	if err != nil {
		return fmt.Errorf("generate uuid: %w", err)
	}
	h.uuid = uuid
	h.deviceDir = filepath.Join(h.busDir, "device-"+uuid)

	if err := os.MkdirAll(h.deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	for _, name := range []string{fifoBulkOut, fifoBulkIn, fifoLink, fifoConnection} {
		if err := CreateFIFO(filepath.Join(h.deviceDir, name)); err != nil {
			h.cleanup()
			return err
		}
	}

	// O_RDWR keeps every FIFO open without waiting for the host side.
	files := []struct {
		name string
		dst  **os.File
	}{
		{fifoBulkOut, &h.bulkOut},
		{fifoBulkIn, &h.bulkIn},
		{fifoLink, &h.link},
		{fifoConnection, &h.connection},
	}
	for _, f := range files {
		*f.dst, err = OpenFIFO(filepath.Join(h.deviceDir, f.name))
		if err != nil {
			h.cleanup()
			return err
		}
	}

	h.closeCh = make(chan struct{})
	h.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo HAL initialized",
		"busDir", h.busDir,
		"deviceDir", h.deviceDir)
	return nil
}

// Start signals connection to the host.
func (h *HAL) Start() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if !h.initDone {
		return pkg.ErrNotConfigured
	}
	if _, err := h.connection.Write([]byte{sigConnect}); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to signal connection", "error", err)
	}
	atomic.StoreUint32(&h.connected, 1)

	pkg.LogInfo(pkg.ComponentHAL, "fifo HAL started")
	return nil
}

// Stop signals disconnection, unblocks readers, closes the FIFOs and
// removes the device directory.
func (h *HAL) Stop() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.initDone {
		return nil
	}
	if h.connection != nil {
		h.connection.Write([]byte{sigDisconnect})
	}
	atomic.StoreUint32(&h.connected, 0)
	close(h.closeCh)

	h.cleanup()
	h.initDone = false
	pkg.LogInfo(pkg.ComponentHAL, "fifo HAL stopped")
	return nil
}

// cleanup closes every FIFO and removes the device directory.
func (h *HAL) cleanup() {
	for _, f := range []**os.File{&h.bulkOut, &h.bulkIn, &h.link, &h.connection} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	if h.deviceDir != "" {
		os.RemoveAll(h.deviceDir)
	}
}

// IsConnected reports whether Start has run without a later Stop.
func (h *HAL) IsConnected() bool {
	return atomic.LoadUint32(&h.connected) == 1
}

// DeviceDir returns the device directory, empty before Init.
func (h *HAL) DeviceDir() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.deviceDir
}

// files snapshots the open FIFOs and the close channel.
func (h *HAL) files() (bulkOut, bulkIn, link *os.File, closeCh chan struct{}, err error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if !h.initDone {
		return nil, nil, nil, nil, pkg.ErrNotConfigured
	}
	return h.bulkOut, h.bulkIn, h.link, h.closeCh, nil
}

// Read implements usb.HAL.
func (h *HAL) Read(ctx context.Context, buf []byte) (int, error) {
	f, _, _, closeCh, err := h.files()
	if err != nil {
		return 0, err
	}

	h.readMutex.Lock()
	defer h.readMutex.Unlock()

	msgType, length, err := readMessage(ctx, closeCh, f, h.readBuf[:])
	if err != nil {
		return 0, err
	}
	if msgType != msgData {
		return 0, pkg.ErrProtocol
	}
	if length > len(buf) {
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(buf, h.readBuf[headerSize:headerSize+length]), nil
}

// Write implements usb.HAL.
func (h *HAL) Write(ctx context.Context, data []byte) (int, error) {
	_, f, _, closeCh, err := h.files()
	if err != nil {
		return 0, err
	}
	if len(data) > usb.MaxPacketSize {
		return 0, pkg.ErrBufferTooSmall
	}

	h.writeMutex.Lock()
	defer h.writeMutex.Unlock()

	if err := writeMessage(ctx, closeCh, f, h.writeBuf[:], msgData, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadLink implements usb.HAL.
func (h *HAL) ReadLink(ctx context.Context) (usb.EventKind, error) {
	_, _, f, closeCh, err := h.files()
	if err != nil {
		return 0, err
	}

	for {
		msgType, _, err := readMessage(ctx, closeCh, f, h.linkBuf[:])
		if err != nil {
			return 0, err
		}

		switch msgType {
		case msgStart:
			return usb.EventStarted, nil
		case msgSuspend:
			return usb.EventSuspended, nil
		case msgResume:
			return usb.EventResumed, nil
		case msgStop:
			return usb.EventStopped, nil
		case msgReset:
			return usb.EventReset, nil
		default:
			pkg.LogWarn(pkg.ComponentHAL, "unknown link message", "type", msgType)
		}
	}
}

// CreateFIFO creates a named pipe at path, replacing any existing file.
func CreateFIFO(path string) error {
	os.Remove(path)
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", filepath.Base(path), err)
	}
	return nil
}

// OpenFIFO opens a named pipe for reading and writing without blocking on
// the peer.
func OpenFIFO(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// readFull reads exactly len(buf) bytes, polling for cancellation.
func readFull(ctx context.Context, closeCh <-chan struct{}, f *os.File, buf []byte) error {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closeCh:
			return pkg.ErrCancelled
		default:
		}

		f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if os.IsTimeout(err) || err == io.EOF {
				continue
			}
			select {
			case <-closeCh:
				return pkg.ErrCancelled
			default:
			}
			return err
		}
	}
	return nil
}

// readMessage reads one framed message into buf and returns its type and
// payload length. The payload starts at buf[headerSize].
func readMessage(ctx context.Context, closeCh <-chan struct{}, f *os.File, buf []byte) (byte, int, error) {
	if err := readFull(ctx, closeCh, f, buf[:headerSize]); err != nil {
		return 0, 0, err
	}

	msgType := buf[0]
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if headerSize+length > len(buf) {
		return 0, 0, pkg.ErrBufferTooSmall
	}
	if length > 0 {
		if err := readFull(ctx, closeCh, f, buf[headerSize:headerSize+length]); err != nil {
			return 0, 0, err
		}
	}
	return msgType, length, nil
}

// writeMessage frames data with msgType using buf as scratch and writes
// it to f.
func writeMessage(ctx context.Context, closeCh <-chan struct{}, f *os.File, buf []byte, msgType byte, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closeCh:
		return pkg.ErrCancelled
	default:
	}

	if headerSize+len(data) > len(buf) {
		return pkg.ErrBufferTooSmall
	}

	buf[0] = msgType
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(data)))
	copy(buf[headerSize:], data)

	total := headerSize + len(data)
	for written := 0; written < total; {
		n, err := f.Write(buf[written:total])
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

var _ usb.HAL = (*HAL)(nil)
