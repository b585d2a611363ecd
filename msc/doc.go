// Package msc implements a USB Mass Storage Class device using the
// Bulk-Only Transport (BOT) protocol and the SCSI transparent command set.
//
// Unlike a storage-backed driver, [Class] holds no block device of its
// own. Block data moves through callbacks bound with [Class.OnRead] and
// [Class.OnWrite], and host eject requests arrive through
// [Class.OnStartStop]. This lets the owner of the medium decide when it is
// available to the host: [Class.SetMediaPresent] and [Class.Begin] make it
// visible, [Class.End] hides it again, and neither touches the bus.
//
// # Data phase
//
// READ (10) and WRITE (10) data moves in chunks the size of the transfer
// buffer ([DefaultTransferBufferSize] unless changed). Chunk k of a command
// addressed to block L reaches the callback as
//
//	lba    = L + k*buf/blockSize
//	offset = k*buf % blockSize
//
// so a buffer smaller than a block produces nonzero offsets, and a chunk
// may straddle a block boundary. Callbacks must handle both.
//
// # Errors
//
// Callback errors become sense data: pkg.ErrNotMounted, pkg.ErrMediaAbsent
// and pkg.ErrMediumClosed report NOT READY / MEDIUM NOT PRESENT,
// pkg.ErrOutOfRange reports ILLEGAL REQUEST / LBA OUT OF RANGE, and
// anything else reports MEDIUM ERROR.
//
// # Usage
//
//	class := msc.New()
//	class.SetVendorID("ESP32")
//	class.SetProductID("SD-USB")
//	class.SetProductRevision("1.0")
//	class.OnRead(read)
//	class.OnWrite(write)
//	class.OnStartStop(startStop)
//	class.SetMediaPresent(true)
//	if err := class.Begin(blocks, 512); err != nil {
//		return err
//	}
//	go class.Run(ctx, stack)
//
// SCSI response payloads are encoded with github.com/go-restruct/restruct.
package msc
