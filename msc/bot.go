package msc

import "encoding/binary"

// CommandBlockWrapper is the command phase packet of Bulk-Only Transport.
type CommandBlockWrapper struct {
	Signature          uint32
	Tag                uint32
	DataTransferLength uint32   // Bytes the host expects in the data phase
	Flags              uint8    // Bit 7: direction (1 = IN)
	LUN                uint8    // Bits 0-3
	CBLength           uint8    // 1-16
	CB                 [16]byte // SCSI CDB
}

// ParseCBW decodes a Command Block Wrapper from data.
// It returns false if data is short or the signature is wrong.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) < CBWSize {
		return false
	}

	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CBWSignature {
		return false
	}

	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = data[14] & 0x1F
	copy(out.CB[:], data[15:31])

	return true
}

// MarshalTo encodes the wrapper into buf and returns CBWSize, or 0 if buf
// is too small. Used by host-side tools and tests.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN & 0x0F
	buf[14] = cbw.CBLength & 0x1F
	copy(buf[15:31], cbw.CB[:])

	return CBWSize
}

// IsDataIn reports whether the data phase is device-to-host.
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// CommandStatusWrapper is the status phase packet of Bulk-Only Transport.
type CommandStatusWrapper struct {
	Signature   uint32
	Tag         uint32 // Echoes the CBW tag
	DataResidue uint32 // Expected minus processed data bytes
	Status      uint8
}

// NewCSW creates a status wrapper for tag.
func NewCSW(tag, residue uint32, status uint8) CommandStatusWrapper {
	return CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         tag,
		DataResidue: residue,
		Status:      status,
	}
}

// MarshalTo encodes the wrapper into buf and returns CSWSize, or 0 if buf
// is too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], csw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = csw.Status

	return CSWSize
}

// ParseCSW decodes a status wrapper. It returns false if data is short or
// the signature is wrong.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) < CSWSize {
		return false
	}

	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CSWSignature {
		return false
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]

	return true
}
