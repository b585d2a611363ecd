package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/ardnew/cardbridge/msc"
	"github.com/ardnew/cardbridge/pkg"
	"github.com/ardnew/cardbridge/usb"
)

// BulkPipe is the host end of a bulk-only interface. fifo.Host satisfies
// it.
type BulkPipe interface {
	// WriteBulk sends data to the device.
	WriteBulk(ctx context.Context, data []byte) error
	// ReadBulk receives one packet from the device.
	ReadBulk(ctx context.Context, buf []byte) (int, error)
}

// CommandError reports a command that completed with a failed or
// phase-error status.
type CommandError struct {
	Opcode  uint8
	Status  uint8
	Residue uint32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("scsi opcode 0x%02X: status %d, residue %d", e.Opcode, e.Status, e.Residue)
}

// Sense is decoded REQUEST SENSE data.
type Sense struct {
	Key  uint8 `json:"key"`
	ASC  uint8 `json:"asc"`
	ASCQ uint8 `json:"ascq"`
}

// Identity is decoded standard INQUIRY data.
type Identity struct {
	Removable bool   `json:"removable"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Revision  string `json:"revision"`
}

// Capacity is decoded READ CAPACITY (10) data.
type Capacity struct {
	Blocks    uint64 `json:"blocks"`
	BlockSize uint32 `json:"block_size"`
}

// Bytes returns the capacity in bytes.
func (c Capacity) Bytes() uint64 {
	return c.Blocks * uint64(c.BlockSize)
}

// Initiator issues Bulk-Only Transport SCSI commands to a single LUN.
//
// Commands are serialized. A data-out command sends its whole data phase
// before reading status; the device drains OUT data it rejects.
type Initiator struct {
	pipe BulkPipe
	tag  uint32

	mutex  sync.Mutex
	cbwBuf [msc.CBWSize]byte
	packet [usb.MaxPacketSize]byte
}

// NewInitiator creates an initiator over pipe.
func NewInitiator(pipe BulkPipe) *Initiator {
	return &Initiator{pipe: pipe}
}

// Command sends cdb with an optional data phase and returns the status
// wrapper and the number of data-in bytes received. Exactly one of in
// and out may be non-empty. A failed status is returned as *CommandError
// alongside the wrapper.
func (i *Initiator) Command(ctx context.Context, cdb []byte, in, out []byte) (msc.CommandStatusWrapper, int, error) {
	if len(cdb) == 0 || len(cdb) > 16 || (len(in) > 0 && len(out) > 0) {
		return msc.CommandStatusWrapper{}, 0, pkg.ErrInvalidParameter
	}

	i.mutex.Lock()
	defer i.mutex.Unlock()

	i.tag++
	cbw := msc.CommandBlockWrapper{
		Tag:      i.tag,
		CBLength: uint8(len(cdb)),
	}
	copy(cbw.CB[:], cdb)
	switch {
	case len(in) > 0:
		cbw.DataTransferLength = uint32(len(in))
		cbw.Flags = msc.CBWFlagDataIn
	case len(out) > 0:
		cbw.DataTransferLength = uint32(len(out))
		cbw.Flags = msc.CBWFlagDataOut
	}

	n := cbw.MarshalTo(i.cbwBuf[:])
	if err := i.pipe.WriteBulk(ctx, i.cbwBuf[:n]); err != nil {
		return msc.CommandStatusWrapper{}, 0, fmt.Errorf("send CBW: %w", err)
	}

	pkg.LogDebug(pkg.ComponentHost, "CBW sent",
		"tag", cbw.Tag,
		"opcode", cdb[0],
		"dataLen", cbw.DataTransferLength)

	if len(out) > 0 {
		if err := i.pipe.WriteBulk(ctx, out); err != nil {
			return msc.CommandStatusWrapper{}, 0, fmt.Errorf("send data: %w", err)
		}
	}

	received := 0
	var csw msc.CommandStatusWrapper
	for {
		n, err := i.pipe.ReadBulk(ctx, i.packet[:])
		if err != nil {
			return csw, received, fmt.Errorf("receive: %w", err)
		}
		packet := i.packet[:n]

		// A status-sized packet carrying this tag ends the command, even
		// in the middle of a data-in phase.
		if n == msc.CSWSize && msc.ParseCSW(packet, &csw) && csw.Tag == cbw.Tag {
			break
		}
		if received+n > len(in) {
			return csw, received, fmt.Errorf("%d unexpected data bytes: %w", n, pkg.ErrProtocol)
		}
		received += copy(in[received:], packet)
	}

	pkg.LogDebug(pkg.ComponentHost, "CSW received",
		"tag", csw.Tag,
		"status", csw.Status,
		"residue", csw.DataResidue,
		"received", received)

	if csw.Status != msc.CSWStatusGood {
		return csw, received, &CommandError{
			Opcode:  cdb[0],
			Status:  csw.Status,
			Residue: csw.DataResidue,
		}
	}
	return csw, received, nil
}

// TestUnitReady issues TEST UNIT READY.
func (i *Initiator) TestUnitReady(ctx context.Context) error {
	_, _, err := i.Command(ctx, []byte{msc.SCSITestUnitReady, 0, 0, 0, 0, 0}, nil, nil)
	return err
}

// RequestSense issues REQUEST SENSE.
func (i *Initiator) RequestSense(ctx context.Context) (Sense, error) {
	var data [msc.RequestSenseSize]byte
	cdb := []byte{msc.SCSIRequestSense, 0, 0, 0, msc.RequestSenseSize, 0}
	if _, _, err := i.Command(ctx, cdb, data[:], nil); err != nil {
		return Sense{}, err
	}

	var resp msc.RequestSenseResponse
	if err := msc.Decode(data[:], &resp); err != nil {
		return Sense{}, fmt.Errorf("decode sense: %w", err)
	}
	return Sense{Key: resp.SenseKey & 0x0F, ASC: resp.ASC, ASCQ: resp.ASCQ}, nil
}

// Inquiry issues a standard INQUIRY.
func (i *Initiator) Inquiry(ctx context.Context) (Identity, error) {
	var data [msc.InquiryStandardSize]byte
	cdb := []byte{msc.SCSIInquiry, 0, 0, 0, msc.InquiryStandardSize, 0}
	if _, _, err := i.Command(ctx, cdb, data[:], nil); err != nil {
		return Identity{}, err
	}

	var resp msc.InquiryResponse
	if err := msc.Decode(data[:], &resp); err != nil {
		return Identity{}, fmt.Errorf("decode inquiry: %w", err)
	}
	return Identity{
		Removable: resp.RMB&msc.InquiryRMB != 0,
		VendorID:  strings.TrimRight(string(resp.VendorID[:]), " "),
		ProductID: strings.TrimRight(string(resp.ProductID[:]), " "),
		Revision:  strings.TrimRight(string(resp.ProductRev[:]), " "),
	}, nil
}

// ReadCapacity issues READ CAPACITY (10).
func (i *Initiator) ReadCapacity(ctx context.Context) (Capacity, error) {
	var data [8]byte
	cdb := []byte{msc.SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, _, err := i.Command(ctx, cdb, data[:], nil); err != nil {
		return Capacity{}, err
	}

	var resp msc.ReadCapacity10Response
	if err := msc.Decode(data[:], &resp); err != nil {
		return Capacity{}, fmt.Errorf("decode capacity: %w", err)
	}
	return Capacity{
		Blocks:    uint64(resp.LastLBA) + 1,
		BlockSize: resp.BlockLength,
	}, nil
}

// Read10 reads len(buf)/blockSize blocks starting at lba.
func (i *Initiator) Read10(ctx context.Context, lba uint32, blockSize uint32, buf []byte) error {
	cdb, err := rw10(msc.SCSIRead10, lba, blockSize, len(buf))
	if err != nil {
		return err
	}
	_, n, err := i.Command(ctx, cdb, buf, nil)
	if err == nil && n != len(buf) {
		err = fmt.Errorf("read %d of %d bytes: %w", n, len(buf), pkg.ErrProtocol)
	}
	return err
}

// Write10 writes len(buf)/blockSize blocks starting at lba.
func (i *Initiator) Write10(ctx context.Context, lba uint32, blockSize uint32, buf []byte) error {
	cdb, err := rw10(msc.SCSIWrite10, lba, blockSize, len(buf))
	if err != nil {
		return err
	}
	_, _, err = i.Command(ctx, cdb, nil, buf)
	return err
}

// StartStop issues START STOP UNIT.
func (i *Initiator) StartStop(ctx context.Context, start, loadEject bool) error {
	var flags byte
	if start {
		flags |= 0x01
	}
	if loadEject {
		flags |= 0x02
	}
	_, _, err := i.Command(ctx, []byte{msc.SCSIStartStopUnit, 0, 0, 0, flags, 0}, nil, nil)
	return err
}

// Eject asks the device to stop and release its medium.
func (i *Initiator) Eject(ctx context.Context) error {
	return i.StartStop(ctx, false, true)
}

// rw10 builds a READ (10) or WRITE (10) CDB for length bytes.
func rw10(opcode uint8, lba uint32, blockSize uint32, length int) ([]byte, error) {
	if blockSize == 0 || length == 0 || length%int(blockSize) != 0 {
		return nil, fmt.Errorf("%d bytes with %d-byte blocks: %w", length, blockSize, pkg.ErrInvalidParameter)
	}
	blocks := length / int(blockSize)
	if blocks > 0xFFFF {
		return nil, fmt.Errorf("%d blocks: %w", blocks, pkg.ErrInvalidParameter)
	}

	cdb := make([]byte, 10)
	cdb[0] = opcode
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], uint16(blocks))
	return cdb, nil
}
