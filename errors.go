package hpsa

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-hpsa/internal/cmdpool"
	"github.com/ehrlich-b/go-hpsa/internal/dma"
	"github.com/ehrlich-b/go-hpsa/internal/recovery"
	"github.com/ehrlich-b/go-hpsa/internal/sgl"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// Error is a structured controller error with context and errno mapping
type Error struct {
	Op     string         // Operation that failed (e.g. "OPEN", "PASSTHRU", "RESET_DEVICE")
	Ctlr   int            // Controller number (-1 if not applicable)
	Addr   *topology.Addr // LUN address (nil if not applicable)
	Code   ErrorCode      // High-level error category
	Errno  unix.Errno     // errno reported on the admin surface (0 if not applicable)
	Status uint16         // Controller command status (0 if not applicable)
	Msg    string         // Human-readable message
	Inner  error          // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Ctlr >= 0 {
		parts = append(parts, fmt.Sprintf("ctlr=%d", e.Ctlr))
	}
	if e.Addr != nil {
		parts = append(parts, fmt.Sprintf("lun=%s", e.Addr))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("hpsa: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("hpsa: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel HpsaError values and other *Error values by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if he, ok := target.(HpsaError); ok {
		return e.Code == ErrorCode(he)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeBusy              ErrorCode = "controller busy"
	ErrCodeNoResources       ErrorCode = "no resources"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeDeviceNotFound    ErrorCode = "device not found"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeRecoveryFailed    ErrorCode = "recovery failed"
	ErrCodeLockup            ErrorCode = "controller lockup"
	ErrCodeNotSupported      ErrorCode = "not supported"
	ErrCodeClosed            ErrorCode = "controller closed"
	ErrCodeTargetStatus      ErrorCode = "target status"
)

// HpsaError is a sentinel usable with errors.Is
type HpsaError string

func (e HpsaError) Error() string {
	return string(e)
}

const (
	ErrBusy              HpsaError = HpsaError(ErrCodeBusy)
	ErrNoResources       HpsaError = HpsaError(ErrCodeNoResources)
	ErrInvalidParameters HpsaError = HpsaError(ErrCodeInvalidParameters)
	ErrDeviceNotFound    HpsaError = HpsaError(ErrCodeDeviceNotFound)
	ErrTimeout           HpsaError = HpsaError(ErrCodeTimeout)
	ErrRecoveryFailed    HpsaError = HpsaError(ErrCodeRecoveryFailed)
	ErrLockup            HpsaError = HpsaError(ErrCodeLockup)
	ErrNotSupported      HpsaError = HpsaError(ErrCodeNotSupported)
	ErrClosed            HpsaError = HpsaError(ErrCodeClosed)
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Ctlr: -1,
		Code: code,
		Msg:  msg,
	}
}

// NewErrorWithErrno creates a new structured error carrying an errno
func NewErrorWithErrno(op string, code ErrorCode, errno unix.Errno) *Error {
	return &Error{
		Op:    op,
		Ctlr:  -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, ctlr int, addr topology.Addr, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Ctlr: ctlr,
		Addr: &addr,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with controller context. Errors from
// the internal packages are mapped to codes and errnos.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var he *Error
	if errors.As(inner, &he) {
		wrapped := *he
		wrapped.Op = op
		return &wrapped
	}

	if errno, ok := inner.(unix.Errno); ok {
		return &Error{
			Op:    op,
			Ctlr:  -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	code, errno := classify(inner)
	return &Error{
		Op:    op,
		Ctlr:  -1,
		Code:  code,
		Errno: errno,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// classify maps internal package errors to a code and the errno the
// admin surface reports for it
func classify(err error) (ErrorCode, unix.Errno) {
	switch {
	case errors.Is(err, cmdpool.ErrExhausted):
		return ErrCodeBusy, unix.EBUSY
	case errors.Is(err, sgl.ErrMapping), errors.Is(err, dma.ErrExhausted):
		return ErrCodeNoResources, unix.ENOMEM
	case errors.Is(err, sgl.ErrTooManyFragments):
		return ErrCodeInvalidParameters, unix.EINVAL
	case errors.Is(err, recovery.ErrNotReady), errors.Is(err, recovery.ErrAbortRejected):
		return ErrCodeRecoveryFailed, unix.EIO
	case errors.Is(err, recovery.ErrNoAbortSlot):
		return ErrCodeBusy, unix.EBUSY
	case errors.Is(err, topology.ErrTableFull):
		return ErrCodeNoResources, unix.ENOSPC
	case errors.Is(err, errLockedUp):
		return ErrCodeLockup, unix.ENODEV
	case errors.Is(err, errClosed), errors.Is(err, cmdpool.ErrClosed):
		return ErrCodeClosed, unix.ENODEV
	}
	return ErrCodeIOError, unix.EIO
}

// mapErrnoToCode maps an errno to an error code
func mapErrnoToCode(errno unix.Errno) ErrorCode {
	switch errno {
	case unix.ENOENT, unix.ENXIO:
		return ErrCodeDeviceNotFound
	case unix.EBUSY, unix.EAGAIN:
		return ErrCodeBusy
	case unix.EINVAL, unix.E2BIG, unix.EFAULT:
		return ErrCodeInvalidParameters
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return ErrCodeNotSupported
	case unix.ENOMEM, unix.ENOSPC:
		return ErrCodeNoResources
	case unix.ETIMEDOUT:
		return ErrCodeTimeout
	case unix.ENODEV:
		return ErrCodeClosed
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Errno == errno
	}
	return false
}

// Errno returns the errno the admin surface reports for err
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var he *Error
	if errors.As(err, &he) && he.Errno != 0 {
		return he.Errno
	}
	_, errno := classify(err)
	return errno
}
