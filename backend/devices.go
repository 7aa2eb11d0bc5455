package backend

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/interfaces"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// VolumeConfig describes a logical volume
type VolumeConfig struct {
	// Target and LUN place the volume in the logical address space
	Target int
	LUN    int

	Size      int64
	BlockSize uint32
	RAIDLevel uint8

	// Model defaults to "LOGICAL VOLUME". External array models put the
	// volume on the external target bus.
	Model string

	// Status is the logical volume status; anything but LVOK is offline
	Status uint8

	// NoAborts makes the volume refuse task aborts
	NoAborts bool

	// Store holds the volume data. Nil allocates a Memory of Size bytes.
	Store interfaces.Store
}

// PhysicalConfig describes a physical device
type PhysicalConfig struct {
	Slot int
	Unit int

	Type  uint8
	Model string

	// Masked devices are reported with the address bits the driver must
	// not expose
	Masked bool

	// OBDR marks a CD-ROM carrying the disaster recovery signature
	OBDR bool
}

type volume struct {
	addr   topology.Addr
	cfg    VolumeConfig
	store  interfaces.Store
	id     [ciss.DeviceIDLen]byte
	blocks uint64
}

type physical struct {
	addr topology.Addr
	cfg  PhysicalConfig
	id   [ciss.DeviceIDLen]byte
	wwid [8]byte
}

// identifier derives a stable identifier for a device of a board
func identifier(board uint32, name string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte(fmt.Sprintf("hpsa-sim/%08x/%s", board, name)))
}

func wwid(u uuid.UUID) [8]byte {
	var w [8]byte
	copy(w[:], u[:8])
	return w
}

// AddVolume creates a logical volume and returns its address
func (s *Simulator) AddVolume(cfg VolumeConfig) (topology.Addr, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 512
	}
	if cfg.Model == "" {
		cfg.Model = "LOGICAL VOLUME"
	}
	store := cfg.Store
	if store == nil {
		if cfg.Size <= 0 {
			return topology.Addr{}, fmt.Errorf("sim: volume needs a size or a store")
		}
		store = NewMemory(cfg.Size)
	}
	if store.Size() < int64(cfg.BlockSize) {
		return topology.Addr{}, fmt.Errorf("sim: volume smaller than one block")
	}

	addr := topology.LogicalAddr(cfg.Target, cfg.LUN)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.volumeLocked(addr) != nil {
		return topology.Addr{}, fmt.Errorf("sim: volume %d/%d exists", cfg.Target, cfg.LUN)
	}
	v := &volume{
		addr:   addr,
		cfg:    cfg,
		store:  store,
		id:     identifier(s.cfg.BoardID, "volume/"+addr.String()),
		blocks: uint64(store.Size()) / uint64(cfg.BlockSize),
	}
	s.volumes = append(s.volumes, v)
	return addr, nil
}

// RemoveVolume deletes a logical volume. Its store is closed.
func (s *Simulator) RemoveVolume(addr topology.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.volumes {
		if v.addr == addr {
			s.volumes = append(s.volumes[:i], s.volumes[i+1:]...)
			delete(s.faults, addr)
			return v.store.Close()
		}
	}
	return fmt.Errorf("sim: no volume at %s", addr)
}

// SetVolumeStatus changes the logical volume status of a volume
func (s *Simulator) SetVolumeStatus(addr topology.Addr, status uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.volumeLocked(addr)
	if v == nil {
		return fmt.Errorf("sim: no volume at %s", addr)
	}
	v.cfg.Status = status
	return nil
}

// SetRAIDLevel changes the RAID level a volume reports
func (s *Simulator) SetRAIDLevel(addr topology.Addr, level uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.volumeLocked(addr)
	if v == nil {
		return fmt.Errorf("sim: no volume at %s", addr)
	}
	v.cfg.RAIDLevel = level
	return nil
}

// AddPhysical creates a physical device and returns its address
func (s *Simulator) AddPhysical(cfg PhysicalConfig) (topology.Addr, error) {
	addr := topology.PhysicalAddr(cfg.Slot, cfg.Unit)
	if cfg.Masked {
		addr[3] |= 0xc0
	}
	if addr.IsController() {
		return topology.Addr{}, fmt.Errorf("sim: slot 0 unit 0 is the controller address")
	}
	if cfg.Model == "" {
		cfg.Model = "PHYSICAL DEVICE"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.physicalLocked(addr) != nil {
		return topology.Addr{}, fmt.Errorf("sim: physical device at %s exists", addr)
	}
	u := identifier(s.cfg.BoardID, "physical/"+addr.String())
	s.physicals = append(s.physicals, &physical{addr: addr, cfg: cfg, id: u, wwid: wwid(u)})
	return addr, nil
}

// RemovePhysical deletes a physical device
func (s *Simulator) RemovePhysical(addr topology.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.physicals {
		if p.addr == addr {
			s.physicals = append(s.physicals[:i], s.physicals[i+1:]...)
			delete(s.faults, addr)
			return nil
		}
	}
	return fmt.Errorf("sim: no physical device at %s", addr)
}

// Volumes returns the addresses of the logical volumes in report order
func (s *Simulator) Volumes() []topology.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]topology.Addr, len(s.volumes))
	for i, v := range s.volumes {
		out[i] = v.addr
	}
	return out
}

// ControllerWWID returns the identifier the extended physical report
// gives the controller
func (s *Simulator) ControllerWWID() [8]byte { return s.ctlrWWID }

// Close closes every volume store
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, v := range s.volumes {
		if err := v.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Simulator) volumeLocked(addr topology.Addr) *volume {
	for _, v := range s.volumes {
		if v.addr == addr {
			return v
		}
	}
	return nil
}

func (s *Simulator) physicalLocked(addr topology.Addr) *physical {
	for _, p := range s.physicals {
		if p.addr == addr {
			return p
		}
	}
	return nil
}

// enclosureLocked reports whether addr is LUN 0 of an external target
// that has volumes behind it
func (s *Simulator) enclosureLocked(addr topology.Addr) bool {
	if addr[0] != 0 || addr[1] != 0 || addr[2] != 0 || addr[3] == 0 {
		return false
	}
	for _, v := range s.volumes {
		if topology.IsExternalTargetModel(v.cfg.Model) && v.cfg.Target == int(addr[3]) {
			return true
		}
	}
	return false
}

// reportLogical builds REPORT LOGICAL LUNS data
func (s *Simulator) reportLogical() []byte {
	rep := ciss.LUNReport{}
	for _, v := range s.volumes {
		rep.Entries = append(rep.Entries, ciss.ExtLUNEntry{LUNID: v.addr})
	}
	return rep.Marshal()
}

// reportPhysical builds REPORT PHYSICAL LUNS data. The extended form
// carries the controller's own entry first.
func (s *Simulator) reportPhysical(extended bool) []byte {
	rep := ciss.LUNReport{Extended: extended && !s.cfg.BasicPhysicalReport}
	if rep.Extended {
		rep.Entries = append(rep.Entries, ciss.ExtLUNEntry{
			WWID:       s.ctlrWWID,
			DeviceType: ciss.ExtTypeController,
		})
	}
	for _, p := range s.physicals {
		e := ciss.ExtLUNEntry{
			LUNID:      p.addr,
			WWID:       p.wwid,
			DeviceType: p.cfg.Type,
			LUNCount:   1,
		}
		if p.cfg.Type != ciss.TypeDisk {
			e.DeviceFlags |= ciss.ExtFlagNonDisk
		}
		rep.Entries = append(rep.Entries, e)
	}
	return rep.Marshal()
}
