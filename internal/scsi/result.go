// Package scsi interprets controller completion status into the result,
// residual and outcome reported to the storage stack.
package scsi

import "fmt"

// Host bytes, the driver's verdict on how a command was delivered
const (
	DIDOk          = 0x00
	DIDNoConnect   = 0x01
	DIDBusBusy     = 0x02
	DIDTimeOut     = 0x03
	DIDBadTarget   = 0x04
	DIDAbort       = 0x05
	DIDParity      = 0x06
	DIDError       = 0x07
	DIDReset       = 0x08
	DIDBadIntr     = 0x09
	DIDPassthrough = 0x0a
	DIDSoftError   = 0x0b
)

var hostByteNames = [...]string{
	DIDOk:          "DID_OK",
	DIDNoConnect:   "DID_NO_CONNECT",
	DIDBusBusy:     "DID_BUS_BUSY",
	DIDTimeOut:     "DID_TIME_OUT",
	DIDBadTarget:   "DID_BAD_TARGET",
	DIDAbort:       "DID_ABORT",
	DIDParity:      "DID_PARITY",
	DIDError:       "DID_ERROR",
	DIDReset:       "DID_RESET",
	DIDBadIntr:     "DID_BAD_INTR",
	DIDPassthrough: "DID_PASSTHROUGH",
	DIDSoftError:   "DID_SOFT_ERROR",
}

// Result is host<<16 | SCSI status, the value handed to the OS layer
type Result uint32

// MakeResult builds a result from a host byte and a SCSI status byte
func MakeResult(host, status uint8) Result {
	return Result(uint32(host)<<16 | uint32(status))
}

// Host returns the host byte
func (r Result) Host() uint8 { return uint8(r >> 16) }

// Status returns the SCSI status byte
func (r Result) Status() uint8 { return uint8(r) }

// WithHost replaces the host byte
func (r Result) WithHost(host uint8) Result {
	return Result(uint32(r)&0xff00ffff | uint32(host)<<16)
}

func (r Result) String() string {
	h := r.Host()
	name := fmt.Sprintf("DID_0x%02x", h)
	if int(h) < len(hostByteNames) {
		name = hostByteNames[h]
	}
	return fmt.Sprintf("%s status=0x%02x", name, r.Status())
}

// Outcome is the coarse classification of a completion
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetry
	OutcomeSoft
	OutcomeHard
	OutcomeNotReady
	OutcomeUnitAttention
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetry:
		return "retry"
	case OutcomeSoft:
		return "soft"
	case OutcomeHard:
		return "hard"
	case OutcomeNotReady:
		return "not-ready"
	case OutcomeUnitAttention:
		return "unit-attention"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}
