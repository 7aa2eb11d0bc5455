// Package topology keeps the controller's device table in step with what
// the hardware reports: it scans the LUN reports, identifies every device,
// places it at a bus/target/lun and tells the host about additions and
// removals.
package topology

import (
	"fmt"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
)

// RAID levels reported on VPD page 0xC1
const (
	RAID0       = 0
	RAID4       = 1
	RAID1       = 2
	RAID5       = 3
	RAID51      = 4
	RAID6       = 5
	RAID1ADM    = 6
	RAIDUnknown = 7
)

var raidLabels = [...]string{"0", "4", "1(+0)", "5", "5+1", "6", "1(+0)ADM", "UNKNOWN"}

// RAIDLabel returns the printable RAID level
func RAIDLabel(level uint8) string {
	if int(level) >= len(raidLabels) {
		level = RAIDUnknown
	}
	return raidLabels[level]
}

// Device is one entry of the device table
type Device struct {
	Addr   Addr
	Bus    int
	Target int
	LUN    int

	DeviceType uint8
	Vendor     string
	Model      string
	Revision   string
	DeviceID   [ciss.DeviceIDLen]byte
	WWID       [8]byte
	RAIDLevel  uint8

	// VolumeStatus is the logical volume status when the volume is
	// offline, zero otherwise
	VolumeStatus uint8

	SupportsAborts bool

	// External is set for volumes presented by an external array
	External bool

	// Expose is false for devices the host must not see
	Expose bool

	// Synthetic marks an enclosure added for an external target that
	// did not report LUN 0
	Synthetic bool
}

// Offline reports whether the device is a volume that cannot take I/O yet
func (d *Device) Offline() bool { return d.VolumeStatus != ciss.LVOK }

// Placed reports whether the device has a target and lun
func (d *Device) Placed() bool { return d.Target >= 0 && d.LUN >= 0 }

// TypeName returns the SCSI peripheral type as text
func (d *Device) TypeName() string {
	switch d.DeviceType {
	case ciss.TypeDisk:
		return "Direct-Access"
	case ciss.TypeTape:
		return "Sequential-Access"
	case ciss.TypeROM:
		return "CD-ROM"
	case ciss.TypeMediumChanger:
		return "Medium Changer"
	case ciss.TypeRAID:
		return "RAID"
	case ciss.TypeEnclosure:
		return "Enclosure"
	}
	return fmt.Sprintf("Type 0x%02x", d.DeviceType)
}

func (d Device) String() string {
	s := fmt.Sprintf("%d:%d:%d %s %-8s %-16s", d.Bus, d.Target, d.LUN, d.TypeName(), d.Vendor, d.Model)
	if d.Addr.IsLogical() && d.DeviceType == ciss.TypeDisk {
		s += " RAID-" + RAIDLabel(d.RAIDLevel)
	}
	return s
}

// sameDevice reports whether two records describe the same device. Bus
// is compared, target and lun are not: physicals are placed later.
func sameDevice(a, b *Device) bool {
	return a.Addr == b.Addr &&
		a.DeviceID == b.DeviceID &&
		a.Model == b.Model &&
		a.Vendor == b.Vendor &&
		a.DeviceType == b.DeviceType &&
		a.Bus == b.Bus
}

// updated reports a change the host does not need to hear about
func updated(old, cur *Device) bool {
	return old.RAIDLevel != cur.RAIDLevel || old.Revision != cur.Revision
}
