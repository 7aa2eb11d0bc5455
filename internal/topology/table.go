package topology

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTableFull is returned when the device table has no room left
	ErrTableFull = errors.New("topology: device table full")

	// ErrNoLUNZero is returned for a non-zero LUN of a multi-LUN physical
	// device whose LUN 0 is not in the table
	ErrNoLUNZero = errors.New("topology: physical device with no LUN 0")
)

// Table is the device table of one controller. Lookups may run
// concurrently with a scan; the reconciler mutates it only while holding
// the lock and calls the host after releasing it.
type Table struct {
	mu   sync.RWMutex
	devs []*Device
	max  int
}

// NewTable creates a table holding at most max devices
func NewTable(max int) *Table {
	return &Table{max: max}
}

// Lookup finds the device at bus/target/lun
func (t *Table) Lookup(bus, target, lun int) (Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.devs {
		if d.Bus == bus && d.Target == target && d.LUN == lun {
			return *d, true
		}
	}
	return Device{}, false
}

// LookupAddr finds the device with the given hardware address
func (t *Table) LookupAddr(addr Addr) (Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.indexOf(addr); i >= 0 {
		return *t.devs[i], true
	}
	return Device{}, false
}

// Snapshot returns a copy of every device in table order
func (t *Table) Snapshot() []Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Device, len(t.devs))
	for i, d := range t.devs {
		out[i] = *d
	}
	return out
}

// Len returns the number of devices
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devs)
}

// The methods below require t.mu held for writing.

func (t *Table) indexOf(addr Addr) int {
	for i, d := range t.devs {
		if d.Addr == addr {
			return i
		}
	}
	return -1
}

func (t *Table) removeAt(i int) *Device {
	d := t.devs[i]
	t.devs = append(t.devs[:i], t.devs[i+1:]...)
	return d
}

// add places d if it has no target yet and appends it
func (t *Table) add(d *Device) error {
	if len(t.devs) >= t.max {
		return ErrTableFull
	}
	if !d.Placed() {
		if err := t.place(d); err != nil {
			return err
		}
	}
	t.devs = append(t.devs, d)
	return nil
}

// place assigns target and lun to a physical device. LUN 0 of a device
// takes the first free target on its bus; other LUNs join the target of
// the device whose address differs only in the unit bytes.
func (t *Table) place(d *Device) error {
	if d.Addr[4] == 0 {
		taken := make(map[int]bool)
		for _, o := range t.devs {
			if o.Bus == d.Bus && o.Target >= 0 {
				taken[o.Target] = true
			}
		}
		for target := 0; target < t.max; target++ {
			if !taken[target] {
				d.Target, d.LUN = target, 0
				return nil
			}
		}
		return ErrTableFull
	}

	key := d.Addr.WithoutUnit()
	for _, o := range t.devs {
		if o.Addr.WithoutUnit() == key {
			d.Bus, d.Target, d.LUN = o.Bus, o.Target, int(d.Addr[4])
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoLUNZero, d.Addr)
}

// replaceAt swaps in d for the device at i. d inherits the old placement
// when it has none of its own.
func (t *Table) replaceAt(i int, d *Device) *Device {
	old := t.devs[i]
	if d.Target == -1 {
		d.Target, d.LUN = old.Target, old.LUN
	}
	t.devs[i] = d
	return old
}

// updateAt copies the attributes that may change in place
func (t *Table) updateAt(i int, d *Device) {
	cur := t.devs[i]
	cur.RAIDLevel = d.RAIDLevel
	cur.Revision = d.Revision
	cur.VolumeStatus = d.VolumeStatus
}

// drop removes the entry for d if it is still present
func (t *Table) drop(d *Device) bool {
	for i, o := range t.devs {
		if o == d {
			t.removeAt(i)
			return true
		}
	}
	return false
}
