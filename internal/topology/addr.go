package topology

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Addr is the 8-byte LUN address the controller reports for a device
type Addr [8]byte

// ControllerAddr is the address of the RAID controller itself
var ControllerAddr = Addr{}

// IsLogical reports whether a uses logical volume addressing
func (a Addr) IsLogical() bool { return a[3]&0xc0 == 0x40 }

// IsController reports whether a addresses the controller
func (a Addr) IsController() bool { return a == ControllerAddr }

// Masked reports a physical device the controller asks us not to expose
func (a Addr) Masked() bool { return a[3]&0xc0 != 0 }

// lunID is the low 32 bits of the address, little-endian
func (a Addr) lunID() uint32 { return binary.LittleEndian.Uint32(a[:4]) }

// WithoutUnit returns a with the multi-LUN unit bytes cleared
func (a Addr) WithoutUnit() Addr {
	a[4], a[5] = 0, 0
	return a
}

func (a Addr) String() string {
	var sb strings.Builder
	for i, b := range a {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// LogicalAddr builds the address of the logical volume at target/lun in
// the traditional Smart Array layout
func LogicalAddr(target, lun int) Addr {
	var a Addr
	binary.LittleEndian.PutUint32(a[:4], uint32(target&0x3fff)<<16|uint32(lun&0xff))
	a[3] |= 0x40
	return a
}

// PhysicalAddr builds the address of a physical device in drive slot
// slot. unit is the logical unit number of a multi-LUN device.
func PhysicalAddr(slot, unit int) Addr {
	var a Addr
	binary.LittleEndian.PutUint16(a[:2], uint16(slot&0x3fff))
	a[4] = uint8(unit)
	return a
}

// EnclosureAddr is the address probed for the enclosure at LUN 0 of an
// external target
func EnclosureAddr(target int) Addr {
	var a Addr
	a[3] = uint8(target)
	return a
}

// Bus numbers
const (
	BusLogical    = 0
	BusExternal   = 1
	BusPhysical   = 2
	BusController = 3
)

var externalTargetModels = []string{
	"MSA2012",
	"MSA2024",
	"MSA2312",
	"MSA2324",
	"P2000 G3 SAS",
	"MSA 2040 SAS",
}

// IsExternalTargetModel reports a model presented by an external array
func IsExternalTargetModel(model string) bool {
	for _, m := range externalTargetModels {
		if strings.HasPrefix(model, m) {
			return true
		}
	}
	return false
}

// assignBusTargetLUN fills in d's bus/target/lun from its address.
// Physical devices other than the controller get target and lun -1;
// those are assigned when the device is added to the table.
func assignBusTargetLUN(d *Device, scsiRev5 bool) {
	id := d.Addr.lunID()
	switch {
	case !d.Addr.IsLogical() && d.Addr.IsController():
		d.Bus, d.Target, d.LUN = BusController, 0, int(id&0x3fff)
	case !d.Addr.IsLogical():
		d.Bus, d.Target, d.LUN = BusPhysical, -1, -1
	case d.External:
		d.Bus, d.Target, d.LUN = BusExternal, int(id>>16&0x3fff), int(id&0xff)
	case scsiRev5:
		d.Bus, d.Target, d.LUN = BusLogical, 0, int(id&0x3fff)+1
	default:
		d.Bus, d.Target, d.LUN = BusLogical, int(id>>16&0x3fff), int(id&0xff)
	}
}
