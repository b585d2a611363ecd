package msc

// USB Mass Storage interface codes.
const (
	ClassMSC         = 0x08 // Mass Storage Class
	SubclassSCSI     = 0x06 // SCSI Transparent Command Set
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport (BOT)
)

// Bulk-Only Transport class request codes.
const (
	RequestBulkOnlyMassStorageReset = 0xFF
	RequestGetMaxLUN                = 0xFE
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC"
	CBWSize        = 31
	CBWFlagDataOut = 0x00 // host to device
	CBWFlagDataIn  = 0x80 // device to host
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS"
	CSWSize             = 13
	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// SCSI operation codes handled by Class.
const (
	SCSITestUnitReady        = 0x00
	SCSIRequestSense         = 0x03
	SCSIInquiry              = 0x12
	SCSIModeSense6           = 0x1A
	SCSIStartStopUnit        = 0x1B
	SCSIPreventAllowRemoval  = 0x1E
	SCSIReadFormatCapacities = 0x23
	SCSIReadCapacity10       = 0x25
	SCSIRead10               = 0x28
	SCSIWrite10              = 0x2A
	SCSIVerify10             = 0x2F
	SCSISynchronizeCache10   = 0x35
	SCSIServiceActionIn16    = 0x9E
)

// ServiceActionReadCapacity16 selects READ CAPACITY (16) under
// SERVICE ACTION IN (16).
const ServiceActionReadCapacity16 = 0x10

// SCSI sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo      = 0x00
	ASCWriteFault            = 0x03
	ASCUnrecoveredReadError  = 0x11
	ASCInvalidCommand        = 0x20
	ASCLBAOutOfRange         = 0x21
	ASCInvalidFieldInCDB     = 0x24
	ASCWriteProtected        = 0x27
	ASCNotReadyToReadyChange = 0x28
	ASCMediumNotPresent      = 0x3A
)

// INQUIRY response constants.
const (
	DeviceTypeDisk           = 0x00 // Direct access block device
	InquiryStandardSize      = 36
	InquiryVersionSPC4       = 0x06
	InquiryResponseFormatSPC = 0x02
	InquiryRMB               = 0x80 // Removable media bit
)

// Identity field widths in the INQUIRY response.
const (
	VendorIDLength        = 8
	ProductIDLength       = 16
	ProductRevisionLength = 4
)

// Block size limits accepted by Begin.
const (
	MinBlockSize = 512
	MaxBlockSize = 4096
)

// DefaultTransferBufferSize is the data-phase chunk size used unless
// SetTransferBufferSize is called.
const DefaultTransferBufferSize = 4096

// MaxTransferBufferSize bounds SetTransferBufferSize.
const MaxTransferBufferSize = 65536
