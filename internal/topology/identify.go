package topology

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
)

// Querier issues the discovery commands a scan needs. The controller
// implements it with internal commands.
type Querier interface {
	// ReportLUNs returns the raw REPORT PHYSICAL or LOGICAL LUNS data
	ReportLUNs(ctx context.Context, physical, extended bool, size int) ([]byte, error)

	// Inquiry returns standard (vpd false) or VPD inquiry data for addr
	Inquiry(ctx context.Context, addr Addr, vpd bool, page uint8, size int) ([]byte, error)

	// TestUnitReady returns the error info of a TEST UNIT READY, nil
	// when it completed cleanly
	TestUnitReady(ctx context.Context, addr Addr) (*ciss.ErrorInfo, error)

	// ProbeAborts reports whether addr accepts task aborts
	ProbeAborts(ctx context.Context, addr Addr) bool
}

const vpdBufferSize = 64

// identify fills in the identity of d from inquiry data. It reports
// whether the device is a one-button disaster recovery tape.
func identify(ctx context.Context, q Querier, d *Device) (obdr bool, err error) {
	buf, err := q.Inquiry(ctx, d.Addr, false, 0, ciss.OBDRInquirySize)
	if err != nil {
		return false, fmt.Errorf("inquiry %s: %w", d.Addr, err)
	}
	inq, err := ciss.ParseInquiry(buf)
	if err != nil {
		return false, err
	}
	d.DeviceType = inq.DeviceType
	d.Vendor = inq.Vendor
	d.Model = inq.Model
	d.Revision = inq.Revision
	d.RAIDLevel = RAIDUnknown

	if page, err := q.Inquiry(ctx, d.Addr, true, ciss.VPDDeviceID, vpdBufferSize); err == nil {
		d.DeviceID, _ = ciss.DeviceID(page)
	}

	if d.Addr.IsLogical() {
		d.External = IsExternalTargetModel(d.Model)
	}
	if d.Addr.IsLogical() && d.DeviceType == ciss.TypeDisk {
		d.RAIDLevel = RAIDLevel(ctx, q, d.Addr)
		d.VolumeStatus = VolumeOffline(ctx, q, d.Addr)
	}
	return inq.IsOBDR(), nil
}

// scsiRevision returns the SPC version of the device at addr, zero when
// it cannot be read
func scsiRevision(ctx context.Context, q Querier, addr Addr) uint8 {
	buf, err := q.Inquiry(ctx, addr, false, 0, ciss.StdInquirySize)
	if err != nil {
		return 0
	}
	inq, err := ciss.ParseInquiry(buf)
	if err != nil {
		return 0
	}
	return inq.SCSIRevision()
}

// PageSupported reports whether addr lists page in VPD page 0
func PageSupported(ctx context.Context, q Querier, addr Addr, page uint8) bool {
	buf, err := q.Inquiry(ctx, addr, true, ciss.VPDSupportedPages, vpdBufferSize)
	if err != nil {
		return false
	}
	for _, p := range ciss.SupportedPages(buf) {
		if p == page {
			return true
		}
	}
	return false
}

// RAIDLevel reads the RAID level of a logical volume
func RAIDLevel(ctx context.Context, q Querier, addr Addr) uint8 {
	if !PageSupported(ctx, q, addr, ciss.VPDRAIDLevel) {
		return RAIDUnknown
	}
	buf, err := q.Inquiry(ctx, addr, true, ciss.VPDRAIDLevel, vpdBufferSize)
	if err != nil || len(buf) <= ciss.RAIDLevelOffset {
		return RAIDUnknown
	}
	if level := buf[ciss.RAIDLevelOffset]; level < RAIDUnknown {
		return level
	}
	return RAIDUnknown
}

// VolumeStatus reads the logical volume status page
func VolumeStatus(ctx context.Context, q Querier, addr Addr) uint8 {
	if !PageSupported(ctx, q, addr, ciss.VPDLVStatus) {
		return ciss.LVStatusUnsupported
	}
	buf, err := q.Inquiry(ctx, addr, true, ciss.VPDLVStatus, vpdBufferSize)
	if err != nil || len(buf) <= ciss.LVStatusOffset || int(buf[3]) < 1 {
		return ciss.LVStatusUnsupported
	}
	return buf[ciss.LVStatusOffset]
}

// ASCQ values of LOGICAL UNIT NOT READY that keep a volume offline when
// the status page is unavailable
const (
	ascqFormatInProgress     = 0x04
	ascqInitializingRequired = 0x02
)

// VolumeOffline returns the reason a logical volume cannot take I/O, or
// LVOK when it can. Only a volume answering NOT READY / LOGICAL UNIT NOT
// READY is examined further.
func VolumeOffline(ctx context.Context, q Querier, addr Addr) uint8 {
	ei, err := q.TestUnitReady(ctx, addr)
	if err != nil || ei == nil {
		return ciss.LVOK
	}
	if ei.CommandStatus != ciss.CmdTargetStatus || ei.ScsiStatus != ciss.StatusCheckCondition {
		return ciss.LVOK
	}
	s := scsi.DecodeSense(ei.Sense())
	if s.Key != scsi.KeyNotReady || s.ASC != scsi.ASCLogicalUnitNotReady {
		return ciss.LVOK
	}

	status := VolumeStatus(ctx, q, addr)
	switch status {
	case ciss.LVUndergoingErase,
		ciss.LVUndergoingRPI,
		ciss.LVPendingRPI,
		ciss.LVEncryptedNoKey,
		ciss.LVPlaintextInEncryptOnlyCtlr,
		ciss.LVUndergoingEncryption,
		ciss.LVUndergoingEncryptionRekey,
		ciss.LVEncryptedInNonEncryptCtlr:
		return status
	case ciss.LVStatusUnsupported:
		if s.ASCQ == ascqFormatInProgress || s.ASCQ == ascqInitializingRequired {
			return status
		}
	}
	return ciss.LVOK
}

// VolumeStatusText describes an offline volume status
func VolumeStatusText(status uint8) string {
	switch status {
	case ciss.LVOK:
		return "online"
	case ciss.LVUndergoingErase:
		return "undergoing background erase"
	case ciss.LVUndergoingRPI:
		return "undergoing rapid parity initialization"
	case ciss.LVPendingRPI:
		return "queued for rapid parity initialization"
	case ciss.LVEncryptedNoKey:
		return "encrypted and the key is unavailable"
	case ciss.LVPlaintextInEncryptOnlyCtlr:
		return "plaintext volume on an encryption-only controller"
	case ciss.LVUndergoingEncryption:
		return "undergoing encryption"
	case ciss.LVUndergoingEncryptionRekey:
		return "undergoing encryption re-keying"
	case ciss.LVEncryptedInNonEncryptCtlr:
		return "encrypted volume on a controller without encryption enabled"
	case ciss.LVStatusUnsupported:
		return "not ready, status unavailable"
	}
	return fmt.Sprintf("unknown status 0x%02x", status)
}
