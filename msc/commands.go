package msc

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/cardbridge/pkg"
)

// handleSCSICommand executes the CDB in cbw and returns the CSW status and
// data residue. Only WRITE (10) consumes a data-out phase; any other
// command's OUT data is discarded before the status is sent.
func (c *Class) handleSCSICommand(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (status uint8, residue uint32) {
	if cbw.LUN != 0 {
		status, residue = c.fail(cbw, SenseIllegalRequest, ASCInvalidFieldInCDB)
	} else {
		status, residue = c.dispatch(ctx, pipe, cbw)
	}
	if cbw.LUN != 0 || cbw.CB[0] != SCSIWrite10 {
		c.discard(ctx, pipe, cbw)
	}
	return status, residue
}

func (c *Class) dispatch(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	switch opcode := cbw.CB[0]; opcode {
	case SCSITestUnitReady:
		return c.handleTestUnitReady(cbw)
	case SCSIRequestSense:
		return c.handleRequestSense(ctx, pipe, cbw)
	case SCSIInquiry:
		return c.handleInquiry(ctx, pipe, cbw)
	case SCSIReadCapacity10:
		return c.handleReadCapacity10(ctx, pipe, cbw)
	case SCSIReadFormatCapacities:
		return c.handleReadFormatCapacities(ctx, pipe, cbw)
	case SCSIModeSense6:
		return c.handleModeSense6(ctx, pipe, cbw)
	case SCSIPreventAllowRemoval, SCSISynchronizeCache10:
		return c.acknowledge(cbw)
	case SCSIStartStopUnit:
		return c.handleStartStopUnit(cbw)
	case SCSIVerify10:
		return c.handleVerify10(cbw)
	case SCSIRead10:
		return c.handleRead10(ctx, pipe, cbw)
	case SCSIWrite10:
		return c.handleWrite10(ctx, pipe, cbw)
	case SCSIServiceActionIn16:
		if cbw.CB[1]&0x1F == ServiceActionReadCapacity16 {
			return c.handleReadCapacity16(ctx, pipe, cbw)
		}
		fallthrough
	default:
		pkg.LogWarn(pkg.ComponentMSC, "unsupported SCSI command", "opcode", opcode)
		return c.fail(cbw, SenseIllegalRequest, ASCInvalidCommand)
	}
}

// acknowledge completes a command with no data phase.
func (c *Class) acknowledge(cbw *CommandBlockWrapper) (uint8, uint32) {
	return c.succeed(cbw.DataTransferLength)
}

// succeed clears sense data and returns a good status with residue.
func (c *Class) succeed(residue uint32) (uint8, uint32) {
	c.mutex.Lock()
	c.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	c.mutex.Unlock()
	return CSWStatusGood, residue
}

func (c *Class) handleTestUnitReady(cbw *CommandBlockWrapper) (uint8, uint32) {
	if _, ok := c.checkMedia(); !ok {
		return CSWStatusFailed, cbw.DataTransferLength
	}
	return c.acknowledge(cbw)
}

func (c *Class) handleRequestSense(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	c.mutex.Lock()
	resp := NewRequestSenseResponse(c.senseKey, c.asc, c.ascq)
	c.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	c.mutex.Unlock()

	alloc := int(cbw.CB[4])
	if alloc == 0 {
		alloc = RequestSenseSize
	}
	return c.respond(ctx, pipe, cbw, &resp, alloc)
}

func (c *Class) handleInquiry(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	c.mutex.RLock()
	resp := NewInquiryResponse(c.vendor, c.product, c.revision)
	c.mutex.RUnlock()

	return c.respond(ctx, pipe, cbw, &resp, int(binary.BigEndian.Uint16(cbw.CB[3:5])))
}

func (c *Class) handleReadCapacity10(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	s, ok := c.checkMedia()
	if !ok {
		return CSWStatusFailed, cbw.DataTransferLength
	}

	resp := ReadCapacity10Response{
		LastLBA:     s.blockCount - 1,
		BlockLength: s.blockSize,
	}
	return c.respond(ctx, pipe, cbw, &resp, 8)
}

func (c *Class) handleReadCapacity16(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	s, ok := c.checkMedia()
	if !ok {
		return CSWStatusFailed, cbw.DataTransferLength
	}

	resp := ReadCapacity16Response{
		LastLBA:     uint64(s.blockCount) - 1,
		BlockLength: s.blockSize,
	}
	return c.respond(ctx, pipe, cbw, &resp, int(binary.BigEndian.Uint32(cbw.CB[10:14])))
}

func (c *Class) handleReadFormatCapacities(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	s, ok := c.checkMedia()
	if !ok {
		return CSWStatusFailed, cbw.DataTransferLength
	}

	resp := NewFormatCapacities(s.blockCount, s.blockSize)
	return c.respond(ctx, pipe, cbw, &resp, int(binary.BigEndian.Uint16(cbw.CB[7:9])))
}

func (c *Class) handleModeSense6(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	resp := ModeSense6Header{ModeDataLength: 3}
	return c.respond(ctx, pipe, cbw, &resp, int(cbw.CB[4]))
}

func (c *Class) handleStartStopUnit(cbw *CommandBlockWrapper) (uint8, uint32) {
	power := cbw.CB[4] >> 4
	start := cbw.CB[4]&0x01 != 0
	loej := cbw.CB[4]&0x02 != 0

	c.mutex.RLock()
	fn := c.onStartStop
	c.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentMSC, "START STOP UNIT",
		"power", power,
		"start", start,
		"loej", loej)

	if fn != nil && !fn(power, start, loej) {
		return c.fail(cbw, SenseIllegalRequest, ASCInvalidFieldInCDB)
	}
	return c.acknowledge(cbw)
}

func (c *Class) handleVerify10(cbw *CommandBlockWrapper) (uint8, uint32) {
	s, ok := c.checkMedia()
	if !ok {
		return CSWStatusFailed, cbw.DataTransferLength
	}

	lba := binary.BigEndian.Uint32(cbw.CB[2:6])
	blocks := binary.BigEndian.Uint16(cbw.CB[7:9])
	if uint64(lba)+uint64(blocks) > uint64(s.blockCount) {
		return c.fail(cbw, SenseIllegalRequest, ASCLBAOutOfRange)
	}
	return c.acknowledge(cbw)
}

// transfer validates a READ (10) or WRITE (10) CDB and returns the
// starting block and byte count.
func (c *Class) transfer(cbw *CommandBlockWrapper, s session) (lba uint32, total uint32, status uint8, ok bool) {
	lba = binary.BigEndian.Uint32(cbw.CB[2:6])
	blocks := binary.BigEndian.Uint16(cbw.CB[7:9])

	if uint64(lba)+uint64(blocks) > uint64(s.blockCount) {
		c.fail(cbw, SenseIllegalRequest, ASCLBAOutOfRange)
		return 0, 0, CSWStatusFailed, false
	}

	total = uint32(blocks) * s.blockSize
	if total > cbw.DataTransferLength {
		pkg.LogWarn(pkg.ComponentMSC, "transfer exceeds host length",
			"bytes", total,
			"dataLen", cbw.DataTransferLength)
		return 0, 0, CSWStatusPhaseError, false
	}
	return lba, total, CSWStatusGood, true
}

// transferBuffer returns the current data-phase buffer.
func (c *Class) transferBuffer() []byte {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.dataBuf
}

// handleRead10 streams blocks to the host in transfer-buffer chunks. The
// chunk at byte position done is requested from the read callback as
// block lba+done/blockSize at offset done%blockSize.
func (c *Class) handleRead10(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	s, ok := c.checkMedia()
	if !ok {
		return CSWStatusFailed, cbw.DataTransferLength
	}
	lba, total, status, ok := c.transfer(cbw, s)
	if !ok {
		return status, cbw.DataTransferLength
	}

	buf := c.transferBuffer()
	for done := uint32(0); done < total; {
		n := min(uint32(len(buf)), total-done)
		chunk := buf[:n]

		if err := s.onRead(lba+done/s.blockSize, done%s.blockSize, chunk); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "read callback failed",
				"lba", lba+done/s.blockSize,
				"offset", done%s.blockSize,
				"error", err)
			key, asc := senseForError(err, false)
			c.fail(cbw, key, asc)
			return CSWStatusFailed, cbw.DataTransferLength - done
		}
		if _, err := pipe.WriteBulk(ctx, chunk); err != nil {
			c.fail(cbw, SenseHardwareError, ASCNoAdditionalInfo)
			return CSWStatusFailed, cbw.DataTransferLength - done
		}
		done += n
	}

	return c.succeed(cbw.DataTransferLength - total)
}

// handleWrite10 receives blocks from the host in transfer-buffer chunks
// and passes each to the write callback the same way handleRead10 does.
// After a callback failure the remaining data is drained so the next CBW
// stays aligned; a command rejected before its data phase drains it all.
func (c *Class) handleWrite10(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) (uint8, uint32) {
	s, ok := c.checkMedia()
	if !ok {
		c.discard(ctx, pipe, cbw)
		return CSWStatusFailed, cbw.DataTransferLength
	}
	lba, total, status, ok := c.transfer(cbw, s)
	if !ok {
		c.discard(ctx, pipe, cbw)
		return status, cbw.DataTransferLength
	}

	buf := c.transferBuffer()
	var failed error
	var written uint32
	for done := uint32(0); done < total; {
		n := min(uint32(len(buf)), total-done)
		chunk := buf[:n]

		if err := receive(ctx, pipe, chunk); err != nil {
			c.fail(cbw, SenseHardwareError, ASCNoAdditionalInfo)
			return CSWStatusFailed, cbw.DataTransferLength - written
		}
		if failed == nil {
			if err := s.onWrite(lba+done/s.blockSize, done%s.blockSize, chunk); err != nil {
				pkg.LogWarn(pkg.ComponentMSC, "write callback failed",
					"lba", lba+done/s.blockSize,
					"offset", done%s.blockSize,
					"error", err)
				failed = err
			} else {
				written += n
			}
		}
		done += n
	}

	if failed != nil {
		key, asc := senseForError(failed, true)
		c.fail(cbw, key, asc)
		return CSWStatusFailed, cbw.DataTransferLength - written
	}
	return c.succeed(cbw.DataTransferLength - total)
}

// discard consumes the whole data-out phase announced by cbw.
func (c *Class) discard(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper) {
	if cbw.IsDataIn() || cbw.DataTransferLength == 0 {
		return
	}

	buf := c.transferBuffer()
	for left := cbw.DataTransferLength; left > 0; {
		n := min(uint32(len(buf)), left)
		if err := receive(ctx, pipe, buf[:n]); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "discard data-out",
				"tag", cbw.Tag,
				"remaining", left,
				"error", err)
			return
		}
		left -= n
	}

	pkg.LogDebug(pkg.ComponentMSC, "data-out discarded",
		"tag", cbw.Tag,
		"bytes", cbw.DataTransferLength)
}

// receive fills buf from consecutive OUT packets.
func receive(ctx context.Context, pipe Pipe, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := pipe.ReadBulk(ctx, buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return pkg.ErrProtocol
		}
		got += n
	}
	return nil
}

// respond encodes v and sends at most alloc bytes of it, further limited by
// the host's expected length.
func (c *Class) respond(ctx context.Context, pipe Pipe, cbw *CommandBlockWrapper, v any, alloc int) (uint8, uint32) {
	n, err := encodeTo(c.respBuf[:], v)
	if err != nil {
		pkg.LogError(pkg.ComponentMSC, "encode response", "error", err)
		return c.fail(cbw, SenseHardwareError, ASCNoAdditionalInfo)
	}

	size := min(n, alloc, int(cbw.DataTransferLength))
	if size == 0 {
		return c.acknowledge(cbw)
	}
	if _, err := pipe.WriteBulk(ctx, c.respBuf[:size]); err != nil {
		return c.fail(cbw, SenseHardwareError, ASCNoAdditionalInfo)
	}
	return CSWStatusGood, cbw.DataTransferLength - uint32(size)
}
