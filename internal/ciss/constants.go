package ciss

// Register offsets of the SA5 register window
const (
	RegRequestPort  = 0x40
	RegReplyPort    = 0x44
	RegIntrStatus   = 0x30
	RegIntrMask     = 0x34
	RegOutbDbStatus = 0x9c
	RegOutbDbClear  = 0xa0

	// FIFOEmpty is read from the reply port when nothing has completed
	FIFOEmpty = 0xffffffff

	IntrPendingSimple = 0x08
	IntrPendingPerf   = 0x04
	IntrMaskOffSimple = 0x08
	IntrMaskOffPerf   = 0x05
	OutbDbPerfBit     = 0x01
	OutbDbClearValue  = 0x01
)

// Transport method bits in the config table
const (
	TransportSimple     = 0x2
	TransportPerformant = 0x4
)

// Command status codes reported in ErrorInfo.CommandStatus
const (
	CmdSuccess         = 0x0000
	CmdTargetStatus    = 0x0001
	CmdDataUnderrun    = 0x0002
	CmdDataOverrun     = 0x0003
	CmdInvalid         = 0x0004
	CmdProtocolErr     = 0x0005
	CmdHardwareErr     = 0x0006
	CmdConnectionLost  = 0x0007
	CmdAborted         = 0x0008
	CmdAbortFailed     = 0x0009
	CmdUnsolicitedAbrt = 0x000a
	CmdTimeout         = 0x000b
	CmdUnabortable     = 0x000c
	CmdTMFStatus       = 0x000d
	CmdIOAccelDisabled = 0x000e
	CmdCtlrLockup      = 0xffff
)

var cmdStatusNames = map[uint16]string{
	CmdSuccess:         "success",
	CmdTargetStatus:    "target status",
	CmdDataUnderrun:    "data underrun",
	CmdDataOverrun:     "data overrun",
	CmdInvalid:         "invalid",
	CmdProtocolErr:     "protocol error",
	CmdHardwareErr:     "hardware error",
	CmdConnectionLost:  "connection lost",
	CmdAborted:         "aborted",
	CmdAbortFailed:     "abort failed",
	CmdUnsolicitedAbrt: "unsolicited abort",
	CmdTimeout:         "timeout",
	CmdUnabortable:     "unabortable",
	CmdTMFStatus:       "tmf status",
	CmdIOAccelDisabled: "ioaccel disabled",
	CmdCtlrLockup:      "controller lockup",
}

// CommandStatusName returns a readable name for a command status
func CommandStatusName(s uint16) string {
	if n, ok := cmdStatusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Request types, attributes and directions packed into TypeAttrDir
const (
	TypeCmd = 0
	TypeMsg = 1

	AttrUntagged = 0
	AttrSimple   = 4

	XferNone  = 0
	XferWrite = 1
	XferRead  = 2
)

// SCSI opcodes the driver and the simulator understand
const (
	OpTestUnitReady  = 0x00
	OpInquiry        = 0x12
	OpModeSense      = 0x1a
	OpReadCapacity   = 0x25
	OpBMICRead       = 0x26
	OpBMICWrite      = 0x27
	OpRead10         = 0x28
	OpWrite10        = 0x2a
	OpLogSense       = 0x4d
	OpRead16         = 0x88
	OpWrite16        = 0x8a
	OpWriteSame16    = 0x93
	OpServiceIn16    = 0x9e
	OpReportLUNs     = 0xa0
	OpReportLogical  = 0xc2
	OpReportPhysical = 0xc3

	// BMICCacheFlush goes in CDB[6] of a BMIC write
	BMICCacheFlush = 0xc2

	// SAIReadCapacity16 is the service action of READ CAPACITY(16)
	SAIReadCapacity16 = 0x10
)

// Message CDB values
const (
	MsgAbort       = 0x00
	MsgDeviceReset = 0x01

	ResetTypeTarget = 0x03
	ResetTypeLUN    = 0x04
)

// Report LUNs flags
const (
	ReportPhysExtended = 0x02
)

// Extended physical report entry fields
const (
	// ExtFlagNonDisk marks a physical device that is not a disk drive
	ExtFlagNonDisk = 0x01

	// ExtTypeController is the entry describing the controller itself
	ExtTypeController = 0x07
)

// VPD pages
const (
	VPDSupportedPages = 0x00
	VPDDeviceID       = 0x83
	VPDRAIDLevel      = 0xc1
	VPDLVStatus       = 0xc3

	// LVStatusUnsupported is used when the LV status page cannot be read
	LVStatusUnsupported = 0xff
)

// Logical volume status values that mean the volume is offline
const (
	LVOK                         = 0x00
	LVUndergoingErase            = 0x0f
	LVUndergoingRPI              = 0x12
	LVPendingRPI                 = 0x13
	LVEncryptedNoKey             = 0x14
	LVPlaintextInEncryptOnlyCtlr = 0x15
	LVUndergoingEncryption       = 0x16
	LVUndergoingEncryptionRekey  = 0x17
	LVEncryptedInNonEncryptCtlr  = 0x18
)

// Peripheral device types
const (
	TypeDisk          = 0x00
	TypeTape          = 0x01
	TypeROM           = 0x05
	TypeMediumChanger = 0x08
	TypeRAID          = 0x0c
	TypeEnclosure     = 0x0d
)

// SCSI status bytes
const (
	StatusGood           = 0x00
	StatusCheckCondition = 0x02
	StatusBusy           = 0x08
	StatusTaskSetFull    = 0x28
)

// Task management support flags in the config table
const (
	TMFBitsSupported = 1 << 0
	TMFPhysTaskAbort = 1 << 3
	TMFLogTaskAbort  = 1 << 19
)

// TMF response codes, carried in ErrorInfo.ScsiStatus when CommandStatus is CmdTMFStatus
const (
	TMFComplete      = 0x00
	TMFInvalidFrame  = 0x02
	TMFNotSupported  = 0x04
	TMFFailed        = 0x05
	TMFSuccess       = 0x08
	TMFWrongLUN      = 0x09
	TMFOverlappedTag = 0x0a
)

// Inquiry sizes
const (
	StdInquirySize  = 36
	OBDRInquirySize = 49
	OBDRSigOffset   = 43
	OBDRSignature   = "$DR-10"
)
