package topology

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/interfaces"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
)

// Limits caps what a scan takes from the LUN reports
type Limits struct {
	Physical   int
	Logical    int
	ExtTargets int
	Devices    int
}

// DefaultLimits returns the controller family's limits
func DefaultLimits() Limits {
	return Limits{
		Physical:   constants.MaxPhysLUN,
		Logical:    constants.MaxLogicalLUN,
		ExtTargets: constants.MaxExtTargets,
		Devices:    constants.MaxDevices,
	}
}

// Changes is what one scan did to the device table
type Changes struct {
	Added      []Device
	Removed    []Device
	Updated    []Device
	Offline    []Device
	RolledBack []Device

	// Skipped counts devices left out because they could not be placed
	// or changed identity unexpectedly
	Skipped int
}

// Empty reports a scan that changed nothing the host can see
func (c *Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.RolledBack) == 0
}

// Options configures a Reconciler
type Options struct {
	Limits Limits
	Logger *logging.Logger
}

// Reconciler brings a Table in line with the controller's LUN reports
type Reconciler struct {
	q       Querier
	host    interfaces.Host
	table   *Table
	monitor *Monitor
	gate    Gate
	limits  Limits
	logger  *logging.Logger

	rescan         atomic.Bool
	controllerWWID atomic.Pointer[[8]byte]
}

// NewReconciler creates a reconciler that queries q and notifies host
func NewReconciler(q Querier, host interfaces.Host, opts Options) *Reconciler {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	return &Reconciler{
		q:       q,
		host:    host,
		table:   NewTable(opts.Limits.Devices),
		monitor: NewMonitor(),
		limits:  opts.Limits,
		logger:  logging.Or(opts.Logger),
	}
}

// Table returns the device table
func (r *Reconciler) Table() *Table { return r.table }

// Monitor returns the list of offline volumes being watched
func (r *Reconciler) Monitor() *Monitor { return r.monitor }

// RequestRescan asks the rescan worker for another pass
func (r *Reconciler) RequestRescan() { r.rescan.Store(true) }

// TakeRescanRequest clears and returns the rescan request flag
func (r *Reconciler) TakeRescanRequest() bool { return r.rescan.CompareAndSwap(true, false) }

// ControllerWWID returns the identifier the extended physical report gave
// for the controller, if any
func (r *Reconciler) ControllerWWID() ([8]byte, bool) {
	if p := r.controllerWWID.Load(); p != nil {
		return *p, true
	}
	return [8]byte{}, false
}

// Scan runs one reconciliation. Callers arriving while a scan is running
// wait for the next one instead of starting their own.
func (r *Reconciler) Scan(ctx context.Context) (*Changes, error) {
	return r.gate.Do(ctx, r.scan)
}

type candidate struct {
	addr     Addr
	physical bool
	nonDisk  bool
	wwid     [8]byte
}

func (r *Reconciler) scan(ctx context.Context) (*Changes, error) {
	phys, err := r.reportPhysical(ctx)
	if err != nil {
		r.RequestRescan()
		return nil, err
	}
	logical, err := r.reportLogical(ctx)
	if err != nil {
		r.RequestRescan()
		return nil, err
	}

	rev5 := scsiRevision(ctx, r.q, ControllerAddr) == 5
	ctlr := candidate{addr: ControllerAddr, physical: true}
	if wwid, ok := r.ControllerWWID(); ok {
		ctlr.wwid = wwid
	}
	cands := make([]candidate, 0, len(phys)+len(logical)+1)
	if rev5 {
		cands = append(cands, ctlr)
	}
	cands = append(cands, phys...)
	cands = append(cands, logical...)
	if !rev5 {
		cands = append(cands, ctlr)
	}

	devs := make([]*Device, 0, len(cands))
	for _, c := range cands {
		if c.physical && c.addr.Masked() && c.nonDisk {
			continue
		}
		d := &Device{Addr: c.addr, WWID: c.wwid}
		obdr, err := identify(ctx, r.q, d)
		if err != nil {
			r.logger.WithAddr(c.addr).Warn("inquiry failed, rescan stopped", "error", err)
			r.RequestRescan()
			return nil, err
		}
		assignBusTargetLUN(d, rev5)
		r.setSupportsAborts(ctx, d)
		d.Expose = !(c.physical && c.addr.Masked())
		if !keep(d, obdr, c.physical) {
			continue
		}
		if len(devs) >= r.limits.Devices {
			r.logger.Warnf("maximum devices (%d) exceeded, %s ignored", r.limits.Devices, d.Addr)
			break
		}
		devs = append(devs, d)
	}
	devs = r.addEnclosures(ctx, devs)
	return r.apply(devs), nil
}

// keep decides which identified devices go in the table
func keep(d *Device, obdr, physical bool) bool {
	switch d.DeviceType {
	case ciss.TypeROM:
		return obdr
	case ciss.TypeDisk:
		return !physical
	case ciss.TypeTape, ciss.TypeMediumChanger:
		return true
	case ciss.TypeRAID:
		return d.Addr.IsController()
	}
	return false
}

func (r *Reconciler) reportPhysical(ctx context.Context) ([]candidate, error) {
	buf, err := r.q.ReportLUNs(ctx, true, true, constants.ReportPhysExtBufferSize)
	if err != nil {
		return nil, fmt.Errorf("report physical LUNs: %w", err)
	}
	rep, err := ciss.ParseLUNReport(buf, true)
	if errors.Is(err, ciss.ErrReportFormat) {
		r.logger.Warn("extended physical report not supported, using the basic format")
		rep, err = ciss.ParseLUNReport(buf, false)
	}
	if err != nil {
		return nil, fmt.Errorf("report physical LUNs: %w", err)
	}
	r.warnTruncated("physical", rep)

	out := make([]candidate, 0, len(rep.Entries))
	for _, e := range rep.Entries {
		if rep.Extended && e.DeviceType == ciss.ExtTypeController {
			wwid := e.WWID
			r.controllerWWID.Store(&wwid)
			continue
		}
		addr := Addr(e.LUNID)
		if addr.IsController() {
			continue
		}
		out = append(out, candidate{
			addr:     addr,
			physical: true,
			nonDisk:  rep.Extended && e.DeviceFlags&ciss.ExtFlagNonDisk != 0,
			wwid:     e.WWID,
		})
	}
	if len(out) > r.limits.Physical {
		r.logger.Warnf("maximum physical LUNs (%d) exceeded, %d LUNs ignored", r.limits.Physical, len(out)-r.limits.Physical)
		out = out[:r.limits.Physical]
	}
	return out, nil
}

func (r *Reconciler) reportLogical(ctx context.Context) ([]candidate, error) {
	buf, err := r.q.ReportLUNs(ctx, false, false, constants.ReportLUNsBufferSize)
	if err != nil {
		return nil, fmt.Errorf("report logical LUNs: %w", err)
	}
	rep, err := ciss.ParseLUNReport(buf, false)
	if err != nil {
		return nil, fmt.Errorf("report logical LUNs: %w", err)
	}
	r.warnTruncated("logical", rep)

	out := make([]candidate, 0, len(rep.Entries))
	for _, e := range rep.Entries {
		out = append(out, candidate{addr: Addr(e.LUNID)})
	}
	if len(out) > r.limits.Logical {
		r.logger.Warnf("maximum logical LUNs (%d) exceeded, %d LUNs ignored", r.limits.Logical, len(out)-r.limits.Logical)
		out = out[:r.limits.Logical]
	}
	return out, nil
}

func (r *Reconciler) warnTruncated(kind string, rep *ciss.LUNReport) {
	if rep.Reported > len(rep.Entries) {
		r.logger.Warn("LUN report truncated", "report", kind, "reported", rep.Reported, "read", len(rep.Entries))
	}
}

// setSupportsAborts carries the flag over from the table when the device
// is already known, otherwise asks the hardware. Physical devices always
// take aborts.
func (r *Reconciler) setSupportsAborts(ctx context.Context, d *Device) {
	if old, ok := r.table.LookupAddr(d.Addr); ok && sameDevice(&old, d) {
		d.SupportsAborts = old.SupportsAborts
		return
	}
	if !d.Addr.IsLogical() {
		d.SupportsAborts = true
		return
	}
	d.SupportsAborts = r.q.ProbeAborts(ctx, d.Addr)
}

// addEnclosures inserts an enclosure at LUN 0 of every external target
// that did not report one, ahead of that target's first LUN. The host
// only discovers LUNs on a target it found LUN 0 on.
func (r *Reconciler) addEnclosures(ctx context.Context, devs []*Device) []*Device {
	lunZero := make(map[int]bool)
	for _, d := range devs {
		if d.External && d.LUN == 0 {
			lunZero[d.Target] = true
		}
	}

	out := make([]*Device, 0, len(devs))
	n := 0
	for _, d := range devs {
		if d.External && d.LUN != 0 && !lunZero[d.Target] {
			if e := r.enclosureFor(ctx, d, n); e != nil {
				out = append(out, e)
				lunZero[d.Target] = true
				n++
			}
		}
		out = append(out, d)
	}
	if len(out) > r.limits.Devices {
		r.logger.Warnf("maximum devices (%d) exceeded, %d devices ignored", r.limits.Devices, len(out)-r.limits.Devices)
		out = out[:r.limits.Devices]
	}
	return out
}

func (r *Reconciler) enclosureFor(ctx context.Context, d *Device, n int) *Device {
	if n >= r.limits.ExtTargets {
		r.logger.Warnf("maximum external targets (%d) exceeded, no LUN 0 for target %d", r.limits.ExtTargets, d.Target)
		return nil
	}
	addr := EnclosureAddr(d.Target)
	if addr.IsController() {
		return nil
	}
	e := &Device{Addr: addr}
	if _, err := identify(ctx, r.q, e); err != nil {
		r.logger.WithAddr(addr).Warn("no enclosure at LUN 0", "target", d.Target, "error", err)
		return nil
	}
	e.Bus, e.Target, e.LUN = d.Bus, d.Target, 0
	e.External, e.Synthetic, e.Expose = true, true, true
	r.setSupportsAborts(ctx, e)
	return e
}

type entryChange int

const (
	entryNotFound entryChange = iota
	entrySame
	entryUpdated
	entryChanged
)

// findEntry looks needle up in haystack by hardware address
func findEntry(needle *Device, haystack []*Device) (int, entryChange) {
	for i, d := range haystack {
		if d.Addr != needle.Addr {
			continue
		}
		if sameDevice(needle, d) {
			if updated(needle, d) {
				return i, entryUpdated
			}
			return i, entrySame
		}
		if needle.Offline() {
			return -1, entryNotFound
		}
		return i, entryChanged
	}
	return -1, entryNotFound
}

// apply diffs devs against the table, mutating it under its lock, then
// tells the host about removals before additions. An addition the host
// refuses is taken back out of the table.
func (r *Reconciler) apply(devs []*Device) *Changes {
	ch := &Changes{}
	consumed := make([]bool, len(devs))
	var added, removed []*Device

	t := r.table
	t.mu.Lock()
	for i := 0; i < len(t.devs); {
		cur := t.devs[i]
		j, change := findEntry(cur, devs)
		switch change {
		case entryNotFound:
			removed = append(removed, t.removeAt(i))
			continue
		case entryChanged:
			if devs[j].Offline() {
				removed = append(removed, t.removeAt(i))
				continue
			}
			removed = append(removed, t.replaceAt(i, devs[j]))
			added = append(added, devs[j])
			consumed[j] = true
		case entryUpdated:
			t.updateAt(i, devs[j])
			ch.Updated = append(ch.Updated, *t.devs[i])
			consumed[j] = true
		case entrySame:
			consumed[j] = true
		}
		i++
	}

	var offline []*Device
	for j, d := range devs {
		if consumed[j] {
			continue
		}
		if d.Offline() {
			offline = append(offline, d)
			continue
		}
		switch _, change := findEntry(d, t.devs); change {
		case entryNotFound:
			if err := t.add(d); err != nil {
				r.logger.WithAddr(d.Addr).Warn("device not added", "error", err)
				ch.Skipped++
				continue
			}
			added = append(added, d)
		case entryChanged:
			r.logger.WithAddr(d.Addr).Warn("device unexpectedly changed")
			ch.Skipped++
		}
	}
	t.mu.Unlock()

	for _, d := range offline {
		r.logger.WithAddr(d.Addr).Info("volume is offline", "status", VolumeStatusText(d.VolumeStatus))
		r.monitor.Track(d.Addr)
		ch.Offline = append(ch.Offline, *d)
	}

	for _, d := range removed {
		if d.Expose {
			r.host.RemoveDevice(d.Bus, d.Target, d.LUN)
		}
		r.logger.WithDevice(d.Bus, d.Target, d.LUN).Info("removed device", "device", d.String())
		ch.Removed = append(ch.Removed, *d)
	}
	for _, d := range added {
		if d.Expose {
			if err := r.host.AddDevice(d.Bus, d.Target, d.LUN); err != nil {
				r.logger.WithDevice(d.Bus, d.Target, d.LUN).Warn("host refused device", "error", err)
				t.mu.Lock()
				t.drop(d)
				t.mu.Unlock()
				ch.RolledBack = append(ch.RolledBack, *d)
				continue
			}
		}
		r.logger.WithDevice(d.Bus, d.Target, d.LUN).Info("added device", "device", d.String())
		ch.Added = append(ch.Added, *d)
	}
	return ch
}
