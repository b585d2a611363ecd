package msc

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// SCSI response payloads. Each is laid out exactly as it appears on the
// wire and encoded big endian by restruct.

// InquiryResponse is standard INQUIRY data.
type InquiryResponse struct {
	DeviceType       uint8    `struct:"uint8"`
	RMB              uint8    `struct:"uint8"` // Bit 7: removable
	Version          uint8    `struct:"uint8"`
	ResponseFormat   uint8    `struct:"uint8"`
	AdditionalLength uint8    `struct:"uint8"` // n-4
	Flags            [3]uint8 `struct:"[3]uint8"`
	VendorID         [VendorIDLength]byte
	ProductID        [ProductIDLength]byte
	ProductRev       [ProductRevisionLength]byte
}

// NewInquiryResponse creates INQUIRY data for a removable disk with the
// given identity strings, space padded or truncated to their widths.
func NewInquiryResponse(vendor, product, revision string) InquiryResponse {
	resp := InquiryResponse{
		DeviceType:       DeviceTypeDisk,
		RMB:              InquiryRMB,
		Version:          InquiryVersionSPC4,
		ResponseFormat:   InquiryResponseFormatSPC,
		AdditionalLength: InquiryStandardSize - 5,
	}
	padInto(resp.VendorID[:], vendor)
	padInto(resp.ProductID[:], product)
	padInto(resp.ProductRev[:], revision)
	return resp
}

// ReadCapacity10Response is READ CAPACITY (10) data.
type ReadCapacity10Response struct {
	LastLBA     uint32 `struct:"uint32"`
	BlockLength uint32 `struct:"uint32"`
}

// ReadCapacity16Response is READ CAPACITY (16) data.
type ReadCapacity16Response struct {
	LastLBA     uint64 `struct:"uint64"`
	BlockLength uint32 `struct:"uint32"`
	Reserved    [20]byte
}

// RequestSenseResponse is fixed-format sense data.
type RequestSenseResponse struct {
	ResponseCode     uint8  `struct:"uint8"` // 0x70: current, fixed format
	Obsolete         uint8  `struct:"uint8"`
	SenseKey         uint8  `struct:"uint8"`
	Information      uint32 `struct:"uint32"`
	AdditionalLength uint8  `struct:"uint8"` // n-7
	CommandInfo      uint32 `struct:"uint32"`
	ASC              uint8  `struct:"uint8"`
	ASCQ             uint8  `struct:"uint8"`
	FRUCode          uint8  `struct:"uint8"`
	SenseKeySpecific [3]byte
}

// RequestSenseSize is the encoded size of RequestSenseResponse.
const RequestSenseSize = 18

// NewRequestSenseResponse creates current fixed-format sense data.
func NewRequestSenseResponse(key, asc, ascq uint8) RequestSenseResponse {
	return RequestSenseResponse{
		ResponseCode:     0x70,
		SenseKey:         key & 0x0F,
		AdditionalLength: RequestSenseSize - 8,
		ASC:              asc,
		ASCQ:             ascq,
	}
}

// ModeSense6Header is a MODE SENSE (6) response with no block
// descriptors or mode pages.
type ModeSense6Header struct {
	ModeDataLength uint8 `struct:"uint8"` // Excludes this field
	MediumType     uint8 `struct:"uint8"`
	DeviceParam    uint8 `struct:"uint8"` // Bit 7: write protect
	BlockDescLen   uint8 `struct:"uint8"`
}

// FormatCapacities is a READ FORMAT CAPACITIES response carrying the
// capacity list header and the current/maximum capacity descriptor.
type FormatCapacities struct {
	Reserved           [3]byte
	CapacityListLength uint8  `struct:"uint8"`
	BlockCount         uint32 `struct:"uint32"`
	DescriptorType     uint8  `struct:"uint8"` // 0x02: formatted media
	BlockLength        [3]byte                 // 24-bit big endian
}

// NewFormatCapacities creates a formatted-media capacity list.
func NewFormatCapacities(blockCount, blockSize uint32) FormatCapacities {
	return FormatCapacities{
		CapacityListLength: 8,
		BlockCount:         blockCount,
		DescriptorType:     0x02,
		BlockLength: [3]byte{
			byte(blockSize >> 16),
			byte(blockSize >> 8),
			byte(blockSize),
		},
	}
}

// encodeTo packs v big endian into buf, returning the bytes written.
// It fails with restruct's error if v cannot be encoded.
func encodeTo(buf []byte, v any) (int, error) {
	data, err := restruct.Pack(binary.BigEndian, v)
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

// padInto copies s into dst, padding with spaces.
func padInto(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// Decode unpacks a big-endian SCSI payload received from a device into v.
// It is the host-side counterpart of the class encoders.
func Decode(data []byte, v any) error {
	return restruct.Unpack(data, binary.BigEndian, v)
}
