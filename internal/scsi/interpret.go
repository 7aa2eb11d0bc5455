package scsi

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
)

// ErrTMFFailed is returned by EvaluateTMF for a rejected task management request
var ErrTMFFailed = errors.New("scsi: task management function failed")

// Verdict is what a completion turns into at the OS boundary
type Verdict struct {
	Result   Result
	Residual int
	Outcome  Outcome
	Sense    Sense
	// SenseData is a copy of the valid sense bytes, if any
	SenseData []byte
	// Message is non-empty when the condition is worth logging
	Message string
	// Rescan is set when the target reported its LUN inventory changed
	Rescan bool
}

// Interpret translates the error info of a completed request into a
// result and residual. cdb is the request's CDB and length the total
// transfer length in bytes. A nil ei is a clean completion.
func Interpret(ei *ciss.ErrorInfo, cdb []byte, length int) Verdict {
	v := Verdict{Result: MakeResult(DIDOk, ciss.StatusGood)}
	if ei == nil {
		return v
	}
	if length < 0 {
		length = 0
	}
	v.Residual = clampResidual(int(ei.ResidualCnt), length)

	switch ei.CommandStatus {
	case ciss.CmdSuccess:
		return v

	case ciss.CmdCtlrLockup:
		v.Result = MakeResult(DIDNoConnect, 0)
		v.Residual = length
		v.Message = "controller lockup detected"

	case ciss.CmdTargetStatus:
		v.Result = MakeResult(DIDOk, ei.ScsiStatus)
		if sense := ei.Sense(); len(sense) > 0 {
			v.SenseData = append([]byte(nil), sense...)
		}
		switch ei.ScsiStatus {
		case ciss.StatusCheckCondition:
			v.Sense = DecodeSense(v.SenseData)
			decodeCheckCondition(&v, cdb, length)
		case ciss.StatusGood:
			// an error status with good SCSI status means the target is gone
			v.Result = MakeResult(DIDNoConnect, 0)
			v.Message = "target status error with good SCSI status"
		case ciss.StatusBusy, ciss.StatusTaskSetFull:
		default:
			v.Message = fmt.Sprintf("unexpected target status 0x%02x", ei.ScsiStatus)
		}

	case ciss.CmdDataUnderrun:
		// residual already reflects the short transfer

	case ciss.CmdDataOverrun:
		v.Message = "data overrun"

	case ciss.CmdInvalid:
		v.Result = MakeResult(DIDNoConnect, 0)
		v.Message = "command reported invalid"

	case ciss.CmdProtocolErr, ciss.CmdHardwareErr, ciss.CmdConnectionLost,
		ciss.CmdAbortFailed, ciss.CmdUnabortable:
		v.Result = MakeResult(DIDError, 0)
		v.Message = ciss.CommandStatusName(ei.CommandStatus)

	case ciss.CmdAborted, ciss.CmdUnsolicitedAbrt:
		v.Result = MakeResult(DIDReset, 0)
		v.Residual = length
		v.Message = ciss.CommandStatusName(ei.CommandStatus)

	case ciss.CmdTimeout:
		v.Result = MakeResult(DIDTimeOut, 0)
		v.Message = "command timed out"

	case ciss.CmdTMFStatus:
		if err := EvaluateTMF(ei.ScsiStatus); err != nil {
			v.Result = MakeResult(DIDError, 0)
			v.Message = err.Error()
		}

	case ciss.CmdIOAccelDisabled:
		v.Result = MakeResult(DIDSoftError, 0)

	default:
		v.Result = MakeResult(DIDError, 0)
		v.Message = fmt.Sprintf("unknown command status 0x%04x", ei.CommandStatus)
	}

	v.Outcome = classify(v)
	return v
}

func clampResidual(r, length int) int {
	if r < 0 {
		return 0
	}
	if r > length {
		return length
	}
	return r
}

func opcode(cdb []byte) int {
	if len(cdb) == 0 {
		return -1
	}
	return int(cdb[0])
}

func cdbByte(cdb []byte, i int) int {
	if i >= len(cdb) {
		return -1
	}
	return int(cdb[i])
}

// decodeCheckCondition applies the per sense key policy. v.Result
// carries CHECK CONDITION on entry.
func decodeCheckCondition(v *Verdict, cdb []byte, length int) {
	s := v.Sense
	if !s.Valid {
		v.Message = "check condition without sense data"
		return
	}
	msg := fmt.Sprintf("cdb 0x%02x: %s", opcode(cdb), s.Describe())

	switch s.Key {
	case KeyNotReady:
		v.Residual = length
		if s.ASC == ASCLogicalUnitNotReady && s.ASCQ == ASCQManualIntervention {
			v.Result = MakeResult(DIDNoConnect, 0)
		}
		v.Message = msg

	case KeyMediumError:
		v.Residual = length
		v.Message = msg

	case KeyIllegalRequest:
		v.Residual = length
		if illegalRequestNoise(s, cdb) {
			return
		}
		if s.ASC == ASCLUNNotSupported && s.ASCQ == 0 {
			v.Result = MakeResult(DIDOk, 0)
			v.Residual = 0
			return
		}
		v.Message = msg

	case KeyUnitAttention:
		v.Residual = length
		v.Result = v.Result.WithHost(DIDSoftError)
		if s.ASC == ASCReportLUNsChanged && s.ASCQ == ASCQReportLUNsChanged {
			v.Rescan = true
		}
		v.Message = msg

	case KeyAbortedCommand:
		v.Residual = length
		v.Result = v.Result.WithHost(DIDSoftError)
		v.Message = msg

	case KeyNoSense:
	default:
		v.Message = msg
	}
}

// illegalRequestNoise reports ILLEGAL REQUEST conditions that are the
// expected answer to a probe and not worth a log line
func illegalRequestNoise(s Sense, cdb []byte) bool {
	switch opcode(cdb) {
	case ciss.OpLogSense, ciss.OpWriteSame16:
		return true
	case ciss.OpReportLUNs:
		return s.ASC == ASCInvalidOpcode && s.ASCQ == 0
	case ciss.OpInquiry:
		if s.ASC != ASCInvalidFieldInCDB || s.ASCQ != 0 {
			return false
		}
		switch cdbByte(cdb, 2) {
		case 0x00, 0x83, 0xc1, 0xc2:
			return false
		}
		return true
	case ciss.OpModeSense:
		if s.ASC != ASCInvalidFieldInCDB || s.ASCQ != 0 {
			return false
		}
		switch cdbByte(cdb, 2) {
		case 0x00, 0x01, 0x03, 0x04, 0x08, 0x3f, 0x19:
			return false
		}
		return true
	}
	return false
}

func classify(v Verdict) Outcome {
	if v.Sense.Valid {
		switch v.Sense.Key {
		case KeyNotReady:
			return OutcomeNotReady
		case KeyUnitAttention:
			return OutcomeUnitAttention
		}
	}
	switch v.Result.Host() {
	case DIDOk:
		switch v.Result.Status() {
		case ciss.StatusGood:
			return OutcomeOK
		case ciss.StatusBusy, ciss.StatusTaskSetFull:
			return OutcomeRetry
		case ciss.StatusCheckCondition:
			if v.Sense.Key == KeyRecoveredError || v.Sense.Key == KeyNoSense {
				return OutcomeOK
			}
		}
		return OutcomeSoft
	case DIDSoftError, DIDReset, DIDTimeOut, DIDBusBusy:
		return OutcomeRetry
	}
	return OutcomeHard
}

// EvaluateTMF checks the response code of a task management request
func EvaluateTMF(code uint8) error {
	switch code {
	case ciss.TMFComplete, ciss.TMFSuccess:
		return nil
	case ciss.TMFInvalidFrame:
		return fmt.Errorf("%w: invalid frame", ErrTMFFailed)
	case ciss.TMFNotSupported:
		return fmt.Errorf("%w: not supported", ErrTMFFailed)
	case ciss.TMFFailed:
		return fmt.Errorf("%w: failed", ErrTMFFailed)
	case ciss.TMFWrongLUN:
		return fmt.Errorf("%w: wrong LUN", ErrTMFFailed)
	case ciss.TMFOverlappedTag:
		return fmt.Errorf("%w: overlapped tag", ErrTMFFailed)
	}
	return fmt.Errorf("%w: unknown response 0x%02x", ErrTMFFailed, code)
}

// IsUnitAttention reports whether an internally issued command ended in
// a unit attention, along with a description for the log
func IsUnitAttention(ei *ciss.ErrorInfo) (string, bool) {
	if ei == nil || ei.CommandStatus != ciss.CmdTargetStatus ||
		ei.ScsiStatus != ciss.StatusCheckCondition {
		return "", false
	}
	s := DecodeSense(ei.Sense())
	if !s.Valid || s.Key != KeyUnitAttention {
		return "", false
	}
	switch s.ASC {
	case ASCStateChanged:
		return "state changed", true
	case ASCLUNFailed:
		return "LUN failure", true
	case ASCReportLUNsChanged:
		return "reported LUNs changed", true
	case ASCPowerOrReset:
		return "power on or device reset", true
	case ASCUACleared:
		return "unit attention cleared by another initiator", true
	}
	return fmt.Sprintf("unknown unit attention %s", s), true
}

// IsBusy reports whether the target asked for the command to be retried
func IsBusy(ei *ciss.ErrorInfo) bool {
	if ei == nil || ei.CommandStatus != ciss.CmdTargetStatus {
		return false
	}
	return ei.ScsiStatus == ciss.StatusBusy || ei.ScsiStatus == ciss.StatusTaskSetFull
}
