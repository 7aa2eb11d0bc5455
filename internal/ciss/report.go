package ciss

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/lunixbochs/struc"
)

// ErrReportFormat is returned when a LUN report does not have the format
// that was asked for.
var ErrReportFormat = errors.New("ciss: report LUNs format mismatch")

// Report entry sizes
const (
	ReportHeaderSize = 8
	LUNEntrySize     = 8
	ExtLUNEntrySize  = 24
)

// ReportHeader starts every REPORT LOGICAL/PHYSICAL LUNS response
type ReportHeader struct {
	ListLength uint32   `struc:"uint32,big"`
	Extended   uint8    `struc:"uint8"`
	Reserved   [3]uint8 `struc:"[3]uint8"`
}

// ExtLUNEntry is one entry of an extended physical report. A plain report
// only carries LUNID.
type ExtLUNEntry struct {
	LUNID          [8]uint8 `struc:"[8]uint8"`
	WWID           [8]uint8 `struc:"[8]uint8"`
	DeviceType     uint8    `struc:"uint8"`
	DeviceFlags    uint8    `struc:"uint8"`
	LUNCount       uint8    `struc:"uint8"`
	RedundantPaths uint8    `struc:"uint8"`
	IOAccelHandle  uint32   `struc:"uint32,little"`
}

// LUNReport is a decoded LUN report
type LUNReport struct {
	Extended bool
	Entries  []ExtLUNEntry

	// Reported is the entry count the controller claimed. It exceeds
	// len(Entries) when the allocation was too small.
	Reported int
}

func entrySize(extended bool) int {
	if extended {
		return ExtLUNEntrySize
	}
	return LUNEntrySize
}

// ParseLUNReport decodes a LUN report. wantExtended must match the
// format flag in the response.
func ParseLUNReport(buf []byte, wantExtended bool) (*LUNReport, error) {
	if len(buf) < ReportHeaderSize {
		return nil, fmt.Errorf("ciss: short LUN report: %d bytes", len(buf))
	}
	var hdr ReportHeader
	if err := struc.Unpack(bytes.NewReader(buf[:ReportHeaderSize]), &hdr); err != nil {
		return nil, fmt.Errorf("ciss: unpack report header: %w", err)
	}
	gotExtended := hdr.Extended&ReportPhysExtended != 0
	if gotExtended != wantExtended {
		return nil, fmt.Errorf("%w: asked extended=%v, flag 0x%02x", ErrReportFormat, wantExtended, hdr.Extended)
	}

	size := entrySize(wantExtended)
	rep := &LUNReport{Extended: wantExtended, Reported: int(hdr.ListLength) / size}
	n := rep.Reported
	if avail := (len(buf) - ReportHeaderSize) / size; n > avail {
		n = avail
	}
	rep.Entries = make([]ExtLUNEntry, n)
	body := buf[ReportHeaderSize:]
	for i := range rep.Entries {
		e := body[i*size : (i+1)*size]
		if !wantExtended {
			copy(rep.Entries[i].LUNID[:], e)
			continue
		}
		if err := struc.Unpack(bytes.NewReader(e), &rep.Entries[i]); err != nil {
			return nil, fmt.Errorf("ciss: unpack report entry %d: %w", i, err)
		}
	}
	return rep, nil
}

// Marshal encodes the report the way a controller returns it
func (r *LUNReport) Marshal() []byte {
	size := entrySize(r.Extended)
	var buf bytes.Buffer
	hdr := ReportHeader{ListLength: uint32(len(r.Entries) * size)}
	if r.Extended {
		hdr.Extended = ReportPhysExtended
	}
	struc.Pack(&buf, &hdr)
	for i := range r.Entries {
		if r.Extended {
			struc.Pack(&buf, &r.Entries[i])
			continue
		}
		buf.Write(r.Entries[i].LUNID[:])
	}
	return buf.Bytes()
}

// inquiryData is the fixed head of standard INQUIRY data
type inquiryData struct {
	Peripheral     uint8    `struc:"uint8"`
	RMB            uint8    `struc:"uint8"`
	Version        uint8    `struc:"uint8"`
	ResponseFormat uint8    `struc:"uint8"`
	AdditionalLen  uint8    `struc:"uint8"`
	Flags          [3]uint8 `struc:"[3]uint8"`
	Vendor         string   `struc:"[8]uint8"`
	Model          string   `struc:"[16]uint8"`
	Revision       string   `struc:"[4]uint8"`
}

// InquiryData is decoded standard INQUIRY data
type InquiryData struct {
	DeviceType uint8
	Version    uint8
	Vendor     string
	Model      string
	Revision   string

	raw []byte
}

// ParseInquiry decodes standard INQUIRY data. Short buffers are zero padded.
func ParseInquiry(buf []byte) (*InquiryData, error) {
	padded := buf
	if len(padded) < StdInquirySize {
		padded = make([]byte, StdInquirySize)
		copy(padded, buf)
	}
	var d inquiryData
	if err := struc.Unpack(bytes.NewReader(padded), &d); err != nil {
		return nil, fmt.Errorf("ciss: unpack inquiry: %w", err)
	}
	return &InquiryData{
		DeviceType: d.Peripheral & 0x1f,
		Version:    d.Version,
		Vendor:     cleanString(d.Vendor),
		Model:      cleanString(d.Model),
		Revision:   cleanString(d.Revision),
		raw:        buf,
	}, nil
}

func cleanString(s string) string {
	return strings.TrimRight(strings.TrimRight(s, "\x00"), " ")
}

// SCSIRevision returns the SPC version field
func (d *InquiryData) SCSIRevision() uint8 { return d.Version & 0x07 }

// IsOBDR reports whether the data carries the one-button disaster recovery
// signature of a bootable tape/CD.
func (d *InquiryData) IsOBDR() bool {
	if len(d.raw) < OBDRSigOffset+len(OBDRSignature) {
		return false
	}
	return string(d.raw[OBDRSigOffset:OBDRSigOffset+len(OBDRSignature)]) == OBDRSignature
}

// EncodeInquiry builds standard INQUIRY data of OBDRInquirySize bytes,
// with the OBDR signature when obdr is set.
func EncodeInquiry(devType, version uint8, vendor, model, revision string, obdr bool) []byte {
	d := inquiryData{
		Peripheral:     devType & 0x1f,
		Version:        version,
		ResponseFormat: 0x02,
		AdditionalLen:  OBDRInquirySize - 5,
		Vendor:         padString(vendor, 8),
		Model:          padString(model, 16),
		Revision:       padString(revision, 4),
	}
	var buf bytes.Buffer
	struc.Pack(&buf, &d)
	out := make([]byte, OBDRInquirySize)
	copy(out, buf.Bytes())
	if obdr {
		copy(out[OBDRSigOffset:], OBDRSignature)
	}
	return out
}

func padString(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

// SupportedPages decodes VPD page 0
func SupportedPages(buf []byte) []uint8 {
	if len(buf) < 4 {
		return nil
	}
	n := int(buf[3])
	if len(buf) < 4+n {
		n = len(buf) - 4
	}
	return buf[4 : 4+n]
}

// EncodeSupportedPages builds VPD page 0
func EncodeSupportedPages(pages []uint8) []byte {
	out := make([]byte, 4+len(pages))
	out[1] = VPDSupportedPages
	out[3] = uint8(len(pages))
	copy(out[4:], pages)
	return out
}

// Device ID page layout: a 16-byte identifier at offset 8
const (
	DeviceIDOffset = 8
	DeviceIDLen    = 16
)

// DeviceID extracts the identifier from VPD page 0x83
func DeviceID(buf []byte) (id [DeviceIDLen]byte, ok bool) {
	if len(buf) < DeviceIDOffset+DeviceIDLen {
		return id, false
	}
	copy(id[:], buf[DeviceIDOffset:])
	return id, true
}

// EncodeDeviceID builds VPD page 0x83 around id
func EncodeDeviceID(id [DeviceIDLen]byte) []byte {
	out := make([]byte, DeviceIDOffset+DeviceIDLen)
	out[1] = VPDDeviceID
	out[3] = uint8(len(out) - 4)
	copy(out[DeviceIDOffset:], id[:])
	return out
}

// RAIDLevelOffset is where VPD 0xC1 keeps the RAID level
const RAIDLevelOffset = 8

// EncodeRAIDLevel builds VPD page 0xC1
func EncodeRAIDLevel(level uint8) []byte {
	out := make([]byte, 64)
	out[1] = VPDRAIDLevel
	out[3] = uint8(len(out) - 4)
	out[RAIDLevelOffset] = level
	return out
}

// LVStatusOffset is where VPD 0xC3 keeps the logical volume status
const LVStatusOffset = 4

// EncodeLVStatus builds VPD page 0xC3
func EncodeLVStatus(status uint8) []byte {
	out := make([]byte, 64)
	out[1] = VPDLVStatus
	out[3] = uint8(len(out) - 4)
	out[LVStatusOffset] = status
	return out
}

// Capacity is READ CAPACITY(10) data
type Capacity struct {
	LastLBA   uint32 `struc:"uint32,big"`
	BlockSize uint32 `struc:"uint32,big"`
}

// ParseCapacity decodes READ CAPACITY(10) data
func ParseCapacity(buf []byte) (Capacity, error) {
	var c Capacity
	if len(buf) < 8 {
		return c, fmt.Errorf("ciss: short capacity data: %d bytes", len(buf))
	}
	err := struc.Unpack(bytes.NewReader(buf[:8]), &c)
	return c, err
}

// EncodeCapacity builds READ CAPACITY(10) data
func EncodeCapacity(c Capacity) []byte {
	var buf bytes.Buffer
	struc.Pack(&buf, &c)
	return buf.Bytes()
}

// EncodeCapacity16 builds READ CAPACITY(16) data
func EncodeCapacity16(lastLBA uint64, blockSize uint32) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[0:8], lastLBA)
	binary.BigEndian.PutUint32(out[8:12], blockSize)
	return out
}
