package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"

	hpsa "github.com/ehrlich-b/go-hpsa"
	"github.com/ehrlich-b/go-hpsa/backend"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// logHost stands in for the OS storage stack: it logs what the
// controller attaches and detaches
type logHost struct {
	logger *logging.Logger

	mu       sync.Mutex
	attached map[[3]int]bool
}

func newLogHost(logger *logging.Logger) *logHost {
	return &logHost{logger: logger, attached: make(map[[3]int]bool)}
}

func (h *logHost) AddDevice(bus, target, lun int) error {
	h.mu.Lock()
	h.attached[[3]int{bus, target, lun}] = true
	h.mu.Unlock()
	h.logger.WithDevice(bus, target, lun).Info("device attached")
	return nil
}

func (h *logHost) RemoveDevice(bus, target, lun int) {
	h.mu.Lock()
	delete(h.attached, [3]int{bus, target, lun})
	h.mu.Unlock()
	h.logger.WithDevice(bus, target, lun).Info("device detached")
}

func (h *logHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.attached)
}

// session is a simulated board with a controller opened on it
type session struct {
	logger *logging.Logger
	sim    *backend.Simulator
	ctlr   *hpsa.Controller
	host   *logHost
	layout *layout
}

func openSession(ctx context.Context, logger *logging.Logger) (*session, error) {
	l, err := currentLayout()
	if err != nil {
		return nil, err
	}
	sim := backend.New(simConfig(logger))
	if err := l.populate(sim); err != nil {
		sim.Close()
		return nil, fmt.Errorf("build topology: %w", err)
	}
	host := newLogHost(logger)
	ctlr, err := hpsa.Open(ctx, sim, host, controllerConfig(logger))
	if err != nil {
		sim.Close()
		return nil, err
	}
	return &session{logger: logger, sim: sim, ctlr: ctlr, host: host, layout: l}, nil
}

func (s *session) close(ctx context.Context) error {
	err := s.ctlr.Close(ctx)
	if cerr := s.sim.Close(); err == nil {
		err = cerr
	}
	return err
}

// reload applies a changed layout to the board and rescans
func (s *session) reload(ctx context.Context, l *layout) error {
	d := diffLayouts(s.layout, l)
	if d.empty() {
		s.logger.Debug("topology unchanged")
		return nil
	}
	if err := d.apply(s.sim); err != nil {
		return err
	}
	s.layout = l
	s.logger.Info("topology changed",
		"volumes_added", len(d.addVolumes),
		"volumes_removed", len(d.removeVolumes),
		"volumes_changed", len(d.changedVolumes),
		"physicals_added", len(d.addPhysicals),
		"physicals_removed", len(d.removePhysicals))
	return s.ctlr.Rescan(ctx)
}

// lookup finds the device a bus:target:lun argument names
func (s *session) lookup(bus, target, lun int) (hpsa.Device, error) {
	dev, ok := s.ctlr.Device(bus, target, lun)
	if !ok {
		return hpsa.Device{}, fmt.Errorf("no device at %d:%d:%d", bus, target, lun)
	}
	return dev, nil
}

// printDevices writes the device table in bus:target:lun order
func printDevices(w io.Writer, devs []hpsa.Device) {
	sort.Slice(devs, func(i, j int) bool {
		a, b := devs[i], devs[j]
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.LUN < b.LUN
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "H:T:L\tADDRESS\tTYPE\tVENDOR\tMODEL\tRAID\tABORTS\tEXPOSED")
	for _, d := range devs {
		raid := "-"
		if d.Addr.IsLogical() {
			raid = topology.RAIDLabel(d.RAIDLevel)
		}
		fmt.Fprintf(tw, "%d:%d:%d\t%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
			d.Bus, d.Target, d.LUN, d.Addr, d.TypeName(), d.Vendor, d.Model, raid, d.SupportsAborts, d.Expose)
	}
	tw.Flush()
}
