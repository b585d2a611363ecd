package fifo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ardnew/cardbridge/pkg"
	"github.com/ardnew/cardbridge/usb"
)

// Host is the host side of a FIFO device. It stands in for a USB host in
// tests and command-line tools.
type Host struct {
	deviceDir string

	bulkOut    *os.File
	bulkIn     *os.File
	link       *os.File
	connection *os.File
	closeCh    chan struct{}
	closeOnce  sync.Once

	readMutex  sync.Mutex
	readBuf    [usb.MaxPacketSize + headerSize]byte
	writeMutex sync.Mutex
	writeBuf   [usb.MaxPacketSize + headerSize]byte
}

// FindDevices returns the device directories under busDir, sorted.
func FindDevices(busDir string) ([]string, error) {
	dirs, err := filepath.Glob(filepath.Join(busDir, "device-*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Dial opens the FIFOs of the device at deviceDir.
func Dial(deviceDir string) (*Host, error) {
	h := &Host{
		deviceDir: deviceDir,
		closeCh:   make(chan struct{}),
	}

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
		file, err := OpenFIFO(filepath.Join(deviceDir, f.name))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("dial %s: %w", deviceDir, err)
		}
		*f.dst = file
	}

	pkg.LogDebug(pkg.ComponentHAL, "host attached", "deviceDir", deviceDir)
	return h, nil
}

// SendLink sends a link message for kind. Only EventStarted,
// EventSuspended, EventResumed, EventStopped and EventReset can be sent.
func (h *Host) SendLink(ctx context.Context, kind usb.EventKind) error {
	var msgType byte
	switch kind {
	case usb.EventStarted:
		msgType = msgStart
	case usb.EventSuspended:
		msgType = msgSuspend
	case usb.EventResumed:
		msgType = msgResume
	case usb.EventStopped:
		msgType = msgStop
	case usb.EventReset:
		msgType = msgReset
	default:
		return fmt.Errorf("link event %s: %w", kind, pkg.ErrInvalidParameter)
	}

	h.writeMutex.Lock()
	defer h.writeMutex.Unlock()
	return writeMessage(ctx, h.closeCh, h.link, h.writeBuf[:], msgType, nil)
}

// WriteBulk sends data to the device in packets of at most
// usb.MaxPacketSize bytes.
func (h *Host) WriteBulk(ctx context.Context, data []byte) error {
	h.writeMutex.Lock()
	defer h.writeMutex.Unlock()

	for len(data) > 0 {
		n := min(len(data), usb.MaxPacketSize)
		if err := writeMessage(ctx, h.closeCh, h.bulkOut, h.writeBuf[:], msgData, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReadBulk receives one packet from the device.
func (h *Host) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	h.readMutex.Lock()
	defer h.readMutex.Unlock()

	msgType, length, err := readMessage(ctx, h.closeCh, h.bulkIn, h.readBuf[:])
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

// Close releases the host side FIFOs. The device directory is left alone.
func (h *Host) Close() error {
	h.closeOnce.Do(func() { close(h.closeCh) })
	for _, f := range []**os.File{&h.bulkOut, &h.bulkIn, &h.link, &h.connection} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	return nil
}
