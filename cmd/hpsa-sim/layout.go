package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-hpsa/backend"
	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// volumeSpec is one logical volume of a topology file
type volumeSpec struct {
	Target    int    `mapstructure:"target"`
	LUN       int    `mapstructure:"lun"`
	Size      string `mapstructure:"size"`
	BlockSize uint32 `mapstructure:"blockSize"`
	RAIDLevel uint8  `mapstructure:"raidLevel"`
	Model     string `mapstructure:"model"`
	Status    uint8  `mapstructure:"status"`
	NoAborts  bool   `mapstructure:"noAborts"`
}

// physicalSpec is one physical device of a topology file
type physicalSpec struct {
	Slot   int    `mapstructure:"slot"`
	Unit   int    `mapstructure:"unit"`
	Type   string `mapstructure:"type"`
	Model  string `mapstructure:"model"`
	Masked bool   `mapstructure:"masked"`
	OBDR   bool   `mapstructure:"obdr"`
}

// layout is the device population of the simulated controller
type layout struct {
	Volumes   []volumeSpec   `mapstructure:"volumes"`
	Physicals []physicalSpec `mapstructure:"physicals"`
}

// defaultLayout is used when no topology file is given
func defaultLayout() *layout {
	return &layout{
		Volumes: []volumeSpec{
			{Target: 0, LUN: 0, Size: "64M", RAIDLevel: 5},
			{Target: 0, LUN: 1, Size: "16M", RAIDLevel: 1},
		},
		Physicals: []physicalSpec{
			{Slot: 1, Type: "disk"},
			{Slot: 2, Type: "disk"},
			{Slot: 3, Type: "tape", Model: "ULTRIUM 5"},
		},
	}
}

// loadLayout reads a topology file. The format is whatever viper
// recognises from the extension, normally YAML.
func loadLayout(path string) (*layout, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	var l layout
	if err := v.Unmarshal(&l); err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", path, err)
	}
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return &l, nil
}

func (l *layout) validate() error {
	seen := make(map[topology.Addr]bool)
	for _, v := range l.Volumes {
		if _, err := parseSize(v.Size); err != nil {
			return fmt.Errorf("volume %d/%d: bad size %q", v.Target, v.LUN, v.Size)
		}
		a := v.addr()
		if seen[a] {
			return fmt.Errorf("volume %d/%d listed twice", v.Target, v.LUN)
		}
		seen[a] = true
	}
	for _, p := range l.Physicals {
		if _, err := parseDeviceType(p.Type); err != nil {
			return fmt.Errorf("slot %d: %w", p.Slot, err)
		}
		a := p.addr()
		if a.IsController() {
			return fmt.Errorf("slot 0 unit 0 is the controller")
		}
		if seen[a] {
			return fmt.Errorf("slot %d unit %d listed twice", p.Slot, p.Unit)
		}
		seen[a] = true
	}
	return nil
}

func (v volumeSpec) addr() topology.Addr { return topology.LogicalAddr(v.Target, v.LUN) }

func (p physicalSpec) addr() topology.Addr {
	a := topology.PhysicalAddr(p.Slot, p.Unit)
	if p.Masked {
		a[3] |= 0xc0
	}
	return a
}

func (v volumeSpec) config() (backend.VolumeConfig, error) {
	size, err := parseSize(v.Size)
	if err != nil {
		return backend.VolumeConfig{}, err
	}
	return backend.VolumeConfig{
		Target:    v.Target,
		LUN:       v.LUN,
		Size:      size,
		BlockSize: v.BlockSize,
		RAIDLevel: v.RAIDLevel,
		Model:     v.Model,
		Status:    v.Status,
		NoAborts:  v.NoAborts,
	}, nil
}

func (p physicalSpec) config() (backend.PhysicalConfig, error) {
	typ, err := parseDeviceType(p.Type)
	if err != nil {
		return backend.PhysicalConfig{}, err
	}
	return backend.PhysicalConfig{
		Slot:   p.Slot,
		Unit:   p.Unit,
		Type:   typ,
		Model:  p.Model,
		Masked: p.Masked,
		OBDR:   p.OBDR,
	}, nil
}

var deviceTypes = map[string]uint8{
	"disk":    ciss.TypeDisk,
	"tape":    ciss.TypeTape,
	"rom":     ciss.TypeROM,
	"changer": ciss.TypeMediumChanger,
}

func parseDeviceType(s string) (uint8, error) {
	if s == "" {
		return ciss.TypeDisk, nil
	}
	t, ok := deviceTypes[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown device type %q", s)
	}
	return t, nil
}

// layoutDelta is what has to change on the simulator to go from one
// layout to another
type layoutDelta struct {
	addVolumes      []volumeSpec
	removeVolumes   []topology.Addr
	changedVolumes  []volumeSpec
	addPhysicals    []physicalSpec
	removePhysicals []topology.Addr
}

func (d *layoutDelta) empty() bool {
	return len(d.addVolumes) == 0 && len(d.removeVolumes) == 0 && len(d.changedVolumes) == 0 &&
		len(d.addPhysicals) == 0 && len(d.removePhysicals) == 0
}

// diffLayouts compares two layouts. A volume whose size, model or abort
// support changed is removed and added again; a status or RAID level
// change is applied in place.
func diffLayouts(old, cur *layout) *layoutDelta {
	d := &layoutDelta{}

	oldVols := make(map[topology.Addr]volumeSpec, len(old.Volumes))
	for _, v := range old.Volumes {
		oldVols[v.addr()] = v
	}
	for _, v := range cur.Volumes {
		prev, ok := oldVols[v.addr()]
		delete(oldVols, v.addr())
		switch {
		case !ok:
			d.addVolumes = append(d.addVolumes, v)
		case prev.Size != v.Size || prev.BlockSize != v.BlockSize || prev.Model != v.Model || prev.NoAborts != v.NoAborts:
			d.removeVolumes = append(d.removeVolumes, v.addr())
			d.addVolumes = append(d.addVolumes, v)
		case prev != v:
			d.changedVolumes = append(d.changedVolumes, v)
		}
	}
	for a := range oldVols {
		d.removeVolumes = append(d.removeVolumes, a)
	}

	oldPhys := make(map[topology.Addr]physicalSpec, len(old.Physicals))
	for _, p := range old.Physicals {
		oldPhys[p.addr()] = p
	}
	for _, p := range cur.Physicals {
		prev, ok := oldPhys[p.addr()]
		delete(oldPhys, p.addr())
		switch {
		case !ok:
			d.addPhysicals = append(d.addPhysicals, p)
		case prev != p:
			d.removePhysicals = append(d.removePhysicals, p.addr())
			d.addPhysicals = append(d.addPhysicals, p)
		}
	}
	for a := range oldPhys {
		d.removePhysicals = append(d.removePhysicals, a)
	}

	sortAddrs(d.removeVolumes)
	sortAddrs(d.removePhysicals)
	return d
}

func sortAddrs(a []topology.Addr) {
	sort.Slice(a, func(i, j int) bool { return a[i].String() < a[j].String() })
}

// apply makes the simulator match the delta. Removals go first so a
// replaced device can take its old address.
func (d *layoutDelta) apply(sim *backend.Simulator) error {
	for _, a := range d.removeVolumes {
		if err := sim.RemoveVolume(a); err != nil {
			return err
		}
	}
	for _, a := range d.removePhysicals {
		if err := sim.RemovePhysical(a); err != nil {
			return err
		}
	}
	for _, v := range d.changedVolumes {
		if err := sim.SetVolumeStatus(v.addr(), v.Status); err != nil {
			return err
		}
		if err := sim.SetRAIDLevel(v.addr(), v.RAIDLevel); err != nil {
			return err
		}
	}
	for _, v := range d.addVolumes {
		cfg, err := v.config()
		if err != nil {
			return err
		}
		if _, err := sim.AddVolume(cfg); err != nil {
			return err
		}
	}
	for _, p := range d.addPhysicals {
		cfg, err := p.config()
		if err != nil {
			return err
		}
		if _, err := sim.AddPhysical(cfg); err != nil {
			return err
		}
	}
	return nil
}

// populate builds the whole layout on an empty simulator
func (l *layout) populate(sim *backend.Simulator) error {
	return diffLayouts(&layout{}, l).apply(sim)
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if num <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
