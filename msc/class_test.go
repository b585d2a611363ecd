package msc

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/cardbridge/pkg"
)

// memPipe is an in-memory bulk pipe. OUT data is a byte stream; each IN
// write is one packet.
type memPipe struct {
	out     chan []byte
	in      chan []byte
	pending []byte
	readErr error
}

func newMemPipe() *memPipe {
	return &memPipe{
		out: make(chan []byte, 1024),
		in:  make(chan []byte, 1024),
	}
}

func (p *memPipe) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.pending) == 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case pkt := <-p.out:
			p.pending = pkt
		}
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *memPipe) WriteBulk(ctx context.Context, data []byte) (int, error) {
	pkt := make([]byte, len(data))
	copy(pkt, data)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case p.in <- pkt:
		return len(data), nil
	}
}

type call struct {
	lba, offset uint32
	length      int
}

// fakeDisk serves class callbacks from a byte slice.
type fakeDisk struct {
	data      []byte
	blockSize uint32
	err       error

	mu     sync.Mutex
	reads  []call
	writes []call
	stops  []bool
	ack    bool
}

func newFakeDisk(blocks, blockSize uint32) *fakeDisk {
	d := &fakeDisk{data: make([]byte, blocks*blockSize), blockSize: blockSize, ack: true}
	for i := range d.data {
		d.data[i] = byte(i % 251)
	}
	return d
}

func (d *fakeDisk) read(lba, offset uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads = append(d.reads, call{lba, offset, len(buf)})
	if d.err != nil {
		return d.err
	}
	copy(buf, d.data[lba*d.blockSize+offset:])
	return nil
}

func (d *fakeDisk) write(lba, offset uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, call{lba, offset, len(buf)})
	if d.err != nil {
		return d.err
	}
	copy(d.data[lba*d.blockSize+offset:], buf)
	return nil
}

func (d *fakeDisk) startStop(power uint8, start, loadEject bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops = append(d.stops, start, loadEject)
	return d.ack
}

// testHost drives a Class over a memPipe.
type testHost struct {
	t    *testing.T
	pipe *memPipe
	tag  uint32
}

func (h *testHost) command(cb []byte, dataLen uint32, dataIn bool, out []byte) ([]byte, CommandStatusWrapper) {
	h.t.Helper()

	h.tag++
	cbw := CommandBlockWrapper{Tag: h.tag, DataTransferLength: dataLen, CBLength: uint8(len(cb))}
	if dataIn {
		cbw.Flags = CBWFlagDataIn
	}
	copy(cbw.CB[:], cb)

	raw := make([]byte, CBWSize)
	cbw.MarshalTo(raw)
	h.pipe.out <- raw

	for len(out) > 0 {
		n := min(64, len(out))
		h.pipe.out <- out[:n]
		out = out[n:]
	}

	var data []byte
	for {
		select {
		case pkt := <-h.pipe.in:
			var csw CommandStatusWrapper
			if len(pkt) == CSWSize && ParseCSW(pkt, &csw) && csw.Tag == h.tag {
				return data, csw
			}
			data = append(data, pkt...)
		case <-time.After(2 * time.Second):
			h.t.Fatalf("no CSW for tag %d", h.tag)
		}
	}
}

func (h *testHost) testUnitReady() CommandStatusWrapper {
	_, csw := h.command([]byte{SCSITestUnitReady}, 0, false, nil)
	return csw
}

func (h *testHost) requestSense() (key, asc uint8) {
	data, csw := h.command([]byte{SCSIRequestSense, 0, 0, 0, RequestSenseSize}, RequestSenseSize, true, nil)
	require.Equal(h.t, uint8(CSWStatusGood), csw.Status)
	require.Len(h.t, data, RequestSenseSize)
	return data[2], data[12]
}

func rw10(opcode uint8, lba uint32, blocks uint16) []byte {
	cb := make([]byte, 10)
	cb[0] = opcode
	binary.BigEndian.PutUint32(cb[2:6], lba)
	binary.BigEndian.PutUint16(cb[7:9], blocks)
	return cb
}

func newTestClass(t *testing.T, disk *fakeDisk) (*Class, *testHost) {
	t.Helper()

	c := New()
	c.SetVendorID("ESP32")
	c.SetProductID("SD-USB")
	c.SetProductRevision("1.0")
	c.OnRead(disk.read)
	c.OnWrite(disk.write)
	c.OnStartStop(disk.startStop)

	pipe := newMemPipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, pipe)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return c, &testHost{t: t, pipe: pipe}
}

// mount starts the class and consumes the initial UNIT ATTENTION.
func mount(t *testing.T, c *Class, h *testHost, blocks uint32) {
	t.Helper()
	c.SetMediaPresent(true)
	require.NoError(t, c.Begin(blocks, 512))

	csw := h.testUnitReady()
	require.Equal(t, uint8(CSWStatusFailed), csw.Status)
	key, asc := h.requestSense()
	require.Equal(t, uint8(SenseUnitAttention), key)
	require.Equal(t, uint8(ASCNotReadyToReadyChange), asc)

	require.Equal(t, uint8(CSWStatusGood), h.testUnitReady().Status)
}

func TestClassInquiryWithoutMedia(t *testing.T) {
	c, h := newTestClass(t, newFakeDisk(16, 512))
	require.False(t, c.IsStarted())

	data, csw := h.command([]byte{SCSIInquiry, 0, 0, 0, InquiryStandardSize}, InquiryStandardSize, true, nil)
	require.Equal(t, uint8(CSWStatusGood), csw.Status)
	require.Equal(t, uint32(0), csw.DataResidue)
	require.Len(t, data, InquiryStandardSize)
	require.Equal(t, "ESP32   ", string(data[8:16]))
	require.Equal(t, "SD-USB          ", string(data[16:32]))
	require.Equal(t, "1.0 ", string(data[32:36]))

	require.Equal(t, uint8(CSWStatusFailed), h.testUnitReady().Status)
	key, asc := h.requestSense()
	require.Equal(t, uint8(SenseNotReady), key)
	require.Equal(t, uint8(ASCMediumNotPresent), asc)
}

func TestClassBegin(t *testing.T) {
	disk := newFakeDisk(16, 512)

	tests := []struct {
		name      string
		bind      bool
		count     uint32
		blockSize uint32
		wantErr   bool
	}{
		{"ok", true, 16, 512, false},
		{"4k blocks", true, 16, 4096, false},
		{"zero count", true, 0, 512, true},
		{"odd block size", true, 16, 1000, true},
		{"oversized block", true, 16, 8192, true},
		{"unbound callbacks", false, 16, 512, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			if tt.bind {
				c.OnRead(disk.read)
				c.OnWrite(disk.write)
				c.OnStartStop(disk.startStop)
			}
			err := c.Begin(tt.count, tt.blockSize)
			if tt.wantErr {
				require.ErrorIs(t, err, pkg.ErrClassStart)
				require.False(t, c.IsStarted())
				return
			}
			require.NoError(t, err)
			require.True(t, c.IsStarted())
			c.End()
			require.False(t, c.IsStarted())
		})
	}
}

func TestClassReadCapacity(t *testing.T) {
	c, h := newTestClass(t, newFakeDisk(1000, 512))
	mount(t, c, h, 1000)

	data, csw := h.command([]byte{SCSIReadCapacity10}, 8, true, nil)
	require.Equal(t, uint8(CSWStatusGood), csw.Status)
	require.Equal(t, uint32(999), binary.BigEndian.Uint32(data[0:4]))
	require.Equal(t, uint32(512), binary.BigEndian.Uint32(data[4:8]))

	cb := make([]byte, 16)
	cb[0] = SCSIServiceActionIn16
	cb[1] = ServiceActionReadCapacity16
	binary.BigEndian.PutUint32(cb[10:14], 32)
	data, csw = h.command(cb, 32, true, nil)
	require.Equal(t, uint8(CSWStatusGood), csw.Status)
	require.Equal(t, uint64(999), binary.BigEndian.Uint64(data[0:8]))
	require.Equal(t, uint32(512), binary.BigEndian.Uint32(data[8:12]))
}

func TestClassReadChunks(t *testing.T) {
	disk := newFakeDisk(16, 512)
	c, h := newTestClass(t, disk)
	require.NoError(t, c.SetTransferBufferSize(200))
	mount(t, c, h, 16)

	data, csw := h.command(rw10(SCSIRead10, 3, 2), 1024, true, nil)
	require.Equal(t, uint8(CSWStatusGood), csw.Status)
	require.Equal(t, uint32(0), csw.DataResidue)
	require.Equal(t, disk.data[3*512:5*512], data)

	require.Equal(t, []call{
		{3, 0, 200},
		{3, 200, 200},
		{3, 400, 200},
		{4, 88, 200},
		{4, 288, 200},
		{4, 488, 24},
	}, disk.reads)
}

func TestClassWriteChunks(t *testing.T) {
	disk := newFakeDisk(16, 512)
	c, h := newTestClass(t, disk)
	require.NoError(t, c.SetTransferBufferSize(300))
	mount(t, c, h, 16)

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = 0xC3
	}
	_, csw := h.command(rw10(SCSIWrite10, 7, 2), 1024, false, payload)
	require.Equal(t, uint8(CSWStatusGood), csw.Status)
	require.Equal(t, payload, disk.data[7*512:9*512])

	require.Equal(t, []call{
		{7, 0, 300},
		{7, 300, 300},
		{8, 88, 300},
		{8, 388, 124},
	}, disk.writes)
}

func TestClassCallbackErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		opcode  uint8
		wantKey uint8
		wantASC uint8
	}{
		{"not mounted", pkg.ErrNotMounted, SCSIRead10, SenseNotReady, ASCMediumNotPresent},
		{"media absent", pkg.ErrMediaAbsent, SCSIWrite10, SenseNotReady, ASCMediumNotPresent},
		{"out of range", pkg.ErrOutOfRange, SCSIRead10, SenseIllegalRequest, ASCLBAOutOfRange},
		{"read io", pkg.ErrIO, SCSIRead10, SenseMediumError, ASCUnrecoveredReadError},
		{"write io", pkg.ErrIO, SCSIWrite10, SenseMediumError, ASCWriteFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk := newFakeDisk(16, 512)
			c, h := newTestClass(t, disk)
			mount(t, c, h, 16)
			disk.err = tt.err

			var out []byte
			dataIn := tt.opcode == SCSIRead10
			if !dataIn {
				out = make([]byte, 512)
			}
			_, csw := h.command(rw10(tt.opcode, 1, 1), 512, dataIn, out)
			require.Equal(t, uint8(CSWStatusFailed), csw.Status)

			key, asc := h.requestSense()
			require.Equal(t, tt.wantKey, key)
			require.Equal(t, tt.wantASC, asc)

			disk.err = nil
			require.Equal(t, uint8(CSWStatusGood), h.testUnitReady().Status)
		})
	}
}

func TestClassLBAOutOfRange(t *testing.T) {
	disk := newFakeDisk(16, 512)
	c, h := newTestClass(t, disk)
	mount(t, c, h, 16)

	_, csw := h.command(rw10(SCSIRead10, 15, 2), 1024, true, nil)
	require.Equal(t, uint8(CSWStatusFailed), csw.Status)
	require.Empty(t, disk.reads)

	key, asc := h.requestSense()
	require.Equal(t, uint8(SenseIllegalRequest), key)
	require.Equal(t, uint8(ASCLBAOutOfRange), asc)
}

func TestClassStartStopUnit(t *testing.T) {
	disk := newFakeDisk(16, 512)
	c, h := newTestClass(t, disk)
	mount(t, c, h, 16)

	// start=0, loej=1
	_, csw := h.command([]byte{SCSIStartStopUnit, 0, 0, 0, 0x02}, 0, false, nil)
	require.Equal(t, uint8(CSWStatusGood), csw.Status)
	require.Equal(t, []bool{false, true}, disk.stops)

	disk.ack = false
	_, csw = h.command([]byte{SCSIStartStopUnit, 0, 0, 0, 0x01}, 0, false, nil)
	require.Equal(t, uint8(CSWStatusFailed), csw.Status)
	key, asc := h.requestSense()
	require.Equal(t, uint8(SenseIllegalRequest), key)
	require.Equal(t, uint8(ASCInvalidFieldInCDB), asc)
}

func TestClassEndHidesMedia(t *testing.T) {
	disk := newFakeDisk(16, 512)
	c, h := newTestClass(t, disk)
	mount(t, c, h, 16)

	c.SetMediaPresent(false)
	c.End()

	_, csw := h.command(rw10(SCSIRead10, 0, 1), 512, true, nil)
	require.Equal(t, uint8(CSWStatusFailed), csw.Status)
	require.Empty(t, disk.reads)

	key, asc := h.requestSense()
	require.Equal(t, uint8(SenseNotReady), key)
	require.Equal(t, uint8(ASCMediumNotPresent), asc)
}

func TestClassUnsupportedCommand(t *testing.T) {
	_, h := newTestClass(t, newFakeDisk(16, 512))

	_, csw := h.command([]byte{0xEE}, 0, false, nil)
	require.Equal(t, uint8(CSWStatusFailed), csw.Status)
	key, asc := h.requestSense()
	require.Equal(t, uint8(SenseIllegalRequest), key)
	require.Equal(t, uint8(ASCInvalidCommand), asc)
}

func TestClassTransferBufferSize(t *testing.T) {
	c := New()
	require.ErrorIs(t, c.SetTransferBufferSize(0), pkg.ErrInvalidParameter)
	require.ErrorIs(t, c.SetTransferBufferSize(MaxTransferBufferSize+1), pkg.ErrInvalidParameter)
	require.NoError(t, c.SetTransferBufferSize(64))
}

func TestClassRunStopsOnCancelledPipe(t *testing.T) {
	pipe := newMemPipe()
	pipe.readErr = pkg.ErrCancelled

	err := New().Run(context.Background(), pipe)
	require.ErrorIs(t, err, pkg.ErrCancelled)
}

func TestClassRunBacksOffWhenNotRunning(t *testing.T) {
	pipe := newMemPipe()
	pipe.readErr = pkg.ErrNotRunning

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := New().Run(ctx, pipe)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClassRejectedDataOutIsDiscarded(t *testing.T) {
	tests := []struct {
		name    string
		eject   bool
		cb      []byte
		lun     uint8
		wantKey uint8
		wantASC uint8
	}{
		{"write without media", true, rw10(SCSIWrite10, 0, 8), 0, SenseNotReady, ASCMediumNotPresent},
		{"write out of range", false, rw10(SCSIWrite10, 12, 8), 0, SenseIllegalRequest, ASCLBAOutOfRange},
		{"unsupported command", false, []byte{0xEE}, 0, SenseIllegalRequest, ASCInvalidCommand},
		{"bad lun", false, rw10(SCSIWrite10, 0, 8), 1, SenseIllegalRequest, ASCInvalidFieldInCDB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk := newFakeDisk(16, 512)
			c, h := newTestClass(t, disk)
			mount(t, c, h, 16)
			if tt.eject {
				c.SetMediaPresent(false)
				c.End()
			}

			h.tag++
			cbw := CommandBlockWrapper{
				Tag:                h.tag,
				DataTransferLength: 4096,
				LUN:                tt.lun,
				CBLength:           uint8(len(tt.cb)),
			}
			copy(cbw.CB[:], tt.cb)
			raw := make([]byte, CBWSize)
			cbw.MarshalTo(raw)
			h.pipe.out <- raw
			payload := make([]byte, 4096)
			for i := 0; i < len(payload); i += 64 {
				h.pipe.out <- payload[i : i+64]
			}

			select {
			case pkt := <-h.pipe.in:
				var csw CommandStatusWrapper
				require.True(t, ParseCSW(pkt, &csw))
				require.Equal(t, h.tag, csw.Tag)
				require.Equal(t, uint8(CSWStatusFailed), csw.Status)
				require.Equal(t, uint32(4096), csw.DataResidue)
			case <-time.After(2 * time.Second):
				t.Fatal("no CSW")
			}
			require.Empty(t, h.pipe.out)

			key, asc := h.requestSense()
			require.Equal(t, tt.wantKey, key)
			require.Equal(t, tt.wantASC, asc)

			disk.mu.Lock()
			defer disk.mu.Unlock()
			require.Empty(t, disk.writes)
		})
	}
}
