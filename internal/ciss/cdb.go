package ciss

import (
	"encoding/binary"
	"fmt"
)

// TypeAttrDir packs a request type, attribute and direction
func TypeAttrDir(typ, attr, dir uint8) uint8 {
	return typ&0x07 | (attr&0x07)<<3 | (dir&0x03)<<6
}

// Type returns the request type (TypeCmd or TypeMsg)
func (r *Request) Type() uint8 { return r.TypeAttrDir & 0x07 }

// Direction returns the transfer direction
func (r *Request) Direction() uint8 { return r.TypeAttrDir >> 6 }

// ResetKind selects the granularity of a reset message
type ResetKind int

const (
	ResetLUN ResetKind = iota
	ResetTarget
	ResetBus
)

func (k ResetKind) String() string {
	switch k {
	case ResetLUN:
		return "lun reset"
	case ResetTarget:
		return "target reset"
	case ResetBus:
		return "bus reset"
	}
	return fmt.Sprintf("reset(%d)", int(k))
}

// Inquiry builds a standard INQUIRY, or a VPD INQUIRY when vpd is set
func Inquiry(vpd bool, page uint8, size int) Request {
	r := Request{
		CDBLen:      6,
		TypeAttrDir: TypeAttrDir(TypeCmd, AttrSimple, XferRead),
	}
	r.CDB[0] = OpInquiry
	if vpd {
		r.CDB[1] = 0x01
		r.CDB[2] = page
	}
	r.CDB[4] = uint8(size)
	return r
}

// ReportLUNs builds REPORT LOGICAL or REPORT PHYSICAL LUNS. The extended
// flag only applies to the physical report.
func ReportLUNs(physical, extended bool, size int) Request {
	r := Request{
		CDBLen:      12,
		TypeAttrDir: TypeAttrDir(TypeCmd, AttrSimple, XferRead),
	}
	r.CDB[0] = OpReportLogical
	if physical {
		r.CDB[0] = OpReportPhysical
	}
	if extended {
		r.CDB[1] = ReportPhysExtended
	}
	binary.BigEndian.PutUint32(r.CDB[6:10], uint32(size))
	return r
}

// ReadCapacity builds READ CAPACITY(10)
func ReadCapacity() Request {
	r := Request{
		CDBLen:      10,
		TypeAttrDir: TypeAttrDir(TypeCmd, AttrSimple, XferRead),
	}
	r.CDB[0] = OpReadCapacity
	return r
}

// CacheFlush builds the BMIC write that flushes the controller cache
func CacheFlush(size int) Request {
	r := Request{
		CDBLen:      12,
		TypeAttrDir: TypeAttrDir(TypeCmd, AttrSimple, XferWrite),
	}
	r.CDB[0] = OpBMICWrite
	r.CDB[6] = BMICCacheFlush
	binary.BigEndian.PutUint16(r.CDB[7:9], uint16(size))
	return r
}

// TestUnitReady builds TEST UNIT READY
func TestUnitReady() Request {
	return Request{
		CDBLen:      6,
		TypeAttrDir: TypeAttrDir(TypeCmd, AttrSimple, XferNone),
	}
}

// Reset builds a reset message. Bytes 4..7 all ones on a LUN reset widen
// it to the bus of the addressed unit.
func Reset(kind ResetKind) Request {
	r := Request{
		CDBLen:      16,
		TypeAttrDir: TypeAttrDir(TypeMsg, AttrSimple, XferNone),
	}
	r.CDB[0] = MsgDeviceReset
	switch kind {
	case ResetTarget:
		r.CDB[1] = ResetTypeTarget
	case ResetBus:
		r.CDB[1] = ResetTypeLUN
		r.CDB[4], r.CDB[5], r.CDB[6], r.CDB[7] = 0xff, 0xff, 0xff, 0xff
	default:
		r.CDB[1] = ResetTypeLUN
	}
	return r
}

// Abort builds a task abort for the command carrying tag. Some boards
// want each 32-bit half of the tag byte-reversed.
func Abort(tag uint64, swizzle bool) Request {
	r := Request{
		CDBLen:      16,
		TypeAttrDir: TypeAttrDir(TypeMsg, AttrSimple, XferWrite),
	}
	r.CDB[0] = MsgAbort
	r.CDB[1] = MsgAbort
	binary.LittleEndian.PutUint64(r.CDB[4:12], tag)
	if swizzle {
		swizzleTag(r.CDB[4:12])
	}
	return r
}

// AbortTag recovers the tag from an abort message
func AbortTag(r *Request, swizzled bool) uint64 {
	var b [8]byte
	copy(b[:], r.CDB[4:12])
	if swizzled {
		swizzleTag(b[:])
	}
	return binary.LittleEndian.Uint64(b[:])
}

func swizzleTag(b []byte) {
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5], b[6], b[7] = b[7], b[6], b[5], b[4]
}

// IsAbort reports whether r is a task abort message
func (r *Request) IsAbort() bool {
	return r.Type() == TypeMsg && r.CDB[0] == MsgAbort
}

// ResetKindOf decodes a reset message. ok is false for anything else.
func (r *Request) ResetKindOf() (kind ResetKind, ok bool) {
	if r.Type() != TypeMsg || r.CDB[0] != MsgDeviceReset {
		return 0, false
	}
	switch {
	case r.CDB[1] == ResetTypeTarget:
		return ResetTarget, true
	case r.CDB[4] == 0xff && r.CDB[5] == 0xff && r.CDB[6] == 0xff && r.CDB[7] == 0xff:
		return ResetBus, true
	default:
		return ResetLUN, true
	}
}

// AllocLen returns the allocation or transfer length carried in an
// internal command CDB built by this package.
func (r *Request) AllocLen() int {
	switch r.CDB[0] {
	case OpInquiry:
		return int(r.CDB[4])
	case OpReportLogical, OpReportPhysical:
		return int(binary.BigEndian.Uint32(r.CDB[6:10]))
	case OpBMICWrite, OpBMICRead:
		return int(binary.BigEndian.Uint16(r.CDB[7:9]))
	}
	return 0
}
