package scsi

import "fmt"

// Sense keys
const (
	KeyNoSense        = 0x00
	KeyRecoveredError = 0x01
	KeyNotReady       = 0x02
	KeyMediumError    = 0x03
	KeyHardwareError  = 0x04
	KeyIllegalRequest = 0x05
	KeyUnitAttention  = 0x06
	KeyDataProtect    = 0x07
	KeyBlankCheck     = 0x08
	KeyVendorSpecific = 0x09
	KeyCopyAborted    = 0x0a
	KeyAbortedCommand = 0x0b
	KeyVolumeOverflow = 0x0d
	KeyMiscompare     = 0x0e
)

// Additional sense codes the driver acts on
const (
	ASCLogicalUnitNotReady = 0x04
	ASCInvalidOpcode       = 0x20
	ASCInvalidFieldInCDB   = 0x24
	ASCLUNNotSupported     = 0x25
	ASCPowerOrReset        = 0x29
	ASCStateChanged        = 0x2a
	ASCUACleared           = 0x2f
	ASCLUNFailed           = 0x3e
	ASCReportLUNsChanged   = 0x3f

	ASCQManualIntervention = 0x03
	ASCQReportLUNsChanged  = 0x0e
)

// Sense is a decoded sense key, ASC and ASCQ
type Sense struct {
	Key   uint8
	ASC   uint8
	ASCQ  uint8
	Valid bool
}

func (s Sense) String() string {
	if !s.Valid {
		return "no sense"
	}
	return fmt.Sprintf("%02x/%02x/%02x", s.Key, s.ASC, s.ASCQ)
}

// DecodeSense decodes fixed (0x70/0x71) or descriptor (0x72/0x73) sense
// data. Fields past the end of b are left zero and the result is marked
// invalid when the key itself is missing.
func DecodeSense(b []byte) Sense {
	if len(b) < 1 {
		return Sense{}
	}
	at := func(i int) uint8 {
		if i < len(b) {
			return b[i]
		}
		return 0
	}
	switch b[0] & 0x7f {
	case 0x70, 0x71:
		if len(b) < 3 {
			return Sense{}
		}
		return Sense{Key: at(2) & 0x0f, ASC: at(12), ASCQ: at(13), Valid: true}
	case 0x72, 0x73:
		if len(b) < 2 {
			return Sense{}
		}
		return Sense{Key: at(1) & 0x0f, ASC: at(2), ASCQ: at(3), Valid: true}
	}
	return Sense{}
}

// EncodeFixedSense builds fixed format sense data
func EncodeFixedSense(key, asc, ascq uint8) []byte {
	b := make([]byte, 18)
	b[0] = 0x70
	b[2] = key & 0x0f
	b[7] = 10
	b[12] = asc
	b[13] = ascq
	return b
}

var keyNames = map[uint8]string{
	KeyNoSense:        "NO_SENSE",
	KeyRecoveredError: "RECOVERED_ERROR",
	KeyNotReady:       "NOT_READY",
	KeyMediumError:    "MEDIUM_ERROR",
	KeyHardwareError:  "HARDWARE_ERROR",
	KeyIllegalRequest: "ILLEGAL_REQUEST",
	KeyUnitAttention:  "UNIT_ATTENTION",
	KeyDataProtect:    "DATA_PROTECT",
	KeyBlankCheck:     "BLANK_CHECK",
	KeyVendorSpecific: "VENDOR_SPECIFIC",
	KeyCopyAborted:    "COPY_ABORTED",
	KeyAbortedCommand: "ABORTED_COMMAND",
	KeyVolumeOverflow: "VOLUME_OVERFLOW",
	KeyMiscompare:     "MISCOMPARE",
}

type ascPair struct{ key, asc, ascq uint8 }

var ascDescriptions = map[ascPair]string{
	{KeyNotReady, 0x04, 0x00}:        "cause not reportable",
	{KeyNotReady, 0x04, 0x01}:        "becoming ready",
	{KeyNotReady, 0x04, 0x02}:        "start unit needed",
	{KeyNotReady, 0x04, 0x03}:        "manual intervention required",
	{KeyNotReady, 0x05, 0x00}:        "logical unit does not respond to selection",
	{KeyNotReady, 0x2a, 0x06}:        "ALUA asymmetric access state change",
	{KeyNotReady, 0x3a, 0x00}:        "medium not present",
	{KeyNotReady, 0x3e, 0x01}:        "logical unit failure",
	{KeyNotReady, 0x3e, 0x00}:        "LUN not configured",
	{KeyMediumError, 0x0c, 0x00}:     "unrecovered write",
	{KeyMediumError, 0x11, 0x00}:     "unrecovered read",
	{KeyHardwareError, 0x0c, 0x00}:   "write error",
	{KeyIllegalRequest, 0x20, 0x00}:  "invalid opcode",
	{KeyIllegalRequest, 0x24, 0x00}:  "invalid field in CDB",
	{KeyIllegalRequest, 0x25, 0x00}:  "LUN not supported",
	{KeyIllegalRequest, 0x26, 0x04}:  "invalid release of persistent reservation",
	{KeyIllegalRequest, 0x27, 0x01}:  "LUN write protected by LUN mapping",
	{KeyIllegalRequest, 0x55, 0x02}:  "insufficient persistent reservation resources",
	{KeyUnitAttention, 0x28, 0x00}:   "logical drive just created",
	{KeyUnitAttention, 0x29, 0x00}:   "power on, reset, or target reset",
	{KeyUnitAttention, 0x29, 0x01}:   "power on or controller reboot",
	{KeyUnitAttention, 0x29, 0x02}:   "bus reset",
	{KeyUnitAttention, 0x29, 0x03}:   "target or logical drive reset",
	{KeyUnitAttention, 0x29, 0x04}:   "controller failover or reset",
	{KeyUnitAttention, 0x2a, 0x03}:   "reservations preempted",
	{KeyUnitAttention, 0x2a, 0x06}:   "ALUA asymmetric access state change",
	{KeyUnitAttention, 0x2a, 0x07}:   "ALUA implicit state transition failed",
	{KeyUnitAttention, 0x2a, 0x09}:   "LUN size changed",
	{KeyUnitAttention, 0x2f, 0x00}:   "commands cleared by another initiator",
	{KeyUnitAttention, 0x3f, 0x0e}:   "reported LUN data changed",
	{KeyVendorSpecific, 0x80, 0x00}:  "could not allocate memory",
	{KeyVendorSpecific, 0x80, 0x01}:  "passthrough not allowed",
	{KeyVendorSpecific, 0x80, 0x02}:  "invalid backend channel",
	{KeyVendorSpecific, 0x80, 0x03}:  "target did not respond",
	{KeyVendorSpecific, 0x80, 0x04}:  "general error",
	{KeyAbortedCommand, 0x2a, 0x06}:  "forwarded command aborted during failover",
	{KeyAbortedCommand, 0x47, 0x00}:  "parity or CRC error in data",
	{KeyAbortedCommand, 0x4e, 0x00}:  "overlapped commands",
}

// Describe returns a readable description of s
func (s Sense) Describe() string {
	if !s.Valid {
		return "no sense data"
	}
	name, ok := keyNames[s.Key]
	if !ok {
		name = fmt.Sprintf("KEY_0x%x", s.Key)
	}
	if d, ok := ascDescriptions[ascPair{s.Key, s.ASC, s.ASCQ}]; ok {
		return fmt.Sprintf("%s %s: %s", name, s, d)
	}
	return fmt.Sprintf("%s %s", name, s)
}
