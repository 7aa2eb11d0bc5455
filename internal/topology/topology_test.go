package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
)

type fakeDev struct {
	typ      uint8
	version  uint8
	vendor   string
	model    string
	rev      string
	id       [16]byte
	raid     uint8
	pages    []uint8
	lvStatus uint8
	tur      *ciss.ErrorInfo
	obdr     bool
}

type fakeArray struct {
	mu       sync.Mutex
	physical []ciss.ExtLUNEntry
	logical  []Addr
	devs     map[Addr]*fakeDev
	basic    bool
	probes   int
}

func newArray(ctlrVersion uint8) *fakeArray {
	return &fakeArray{devs: map[Addr]*fakeDev{
		ControllerAddr: {typ: ciss.TypeRAID, version: ctlrVersion, vendor: "HP", model: "P420i", rev: "8.32"},
	}}
}

func (f *fakeArray) addVolume(target, lun int, model string) Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := LogicalAddr(target, lun)
	f.logical = append(f.logical, a)
	f.devs[a] = &fakeDev{
		typ:    ciss.TypeDisk,
		vendor: "HP",
		model:  model,
		rev:    "1.0",
		id:     [16]byte{0x60, 0x01, byte(target), byte(lun)},
		raid:   RAID5,
		pages:  []uint8{ciss.VPDRAIDLevel},
	}
	return a
}

func (f *fakeArray) addPhysical(a Addr, typ uint8, flags uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.physical = append(f.physical, ciss.ExtLUNEntry{LUNID: a, DeviceType: typ, DeviceFlags: flags})
	f.devs[a] = &fakeDev{typ: typ, vendor: "HP", model: "Ultrium 6", rev: "J5SW", id: [16]byte{0x50, a[0], a[4]}}
}

func (f *fakeArray) dropLogical(a Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.logical {
		if l == a {
			f.logical = append(f.logical[:i], f.logical[i+1:]...)
			return
		}
	}
}

func (f *fakeArray) dev(a Addr) *fakeDev {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devs[a]
}

func (f *fakeArray) ReportLUNs(_ context.Context, physical, extended bool, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if physical {
		rep := &ciss.LUNReport{Extended: extended && !f.basic, Entries: f.physical}
		return rep.Marshal(), nil
	}
	rep := &ciss.LUNReport{}
	for _, a := range f.logical {
		rep.Entries = append(rep.Entries, ciss.ExtLUNEntry{LUNID: a})
	}
	return rep.Marshal(), nil
}

func (f *fakeArray) Inquiry(_ context.Context, addr Addr, vpd bool, page uint8, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devs[addr]
	if !ok {
		return nil, errors.New("selection timeout")
	}
	if !vpd {
		return ciss.EncodeInquiry(d.typ, d.version, d.vendor, d.model, d.rev, d.obdr), nil
	}
	switch page {
	case ciss.VPDSupportedPages:
		return ciss.EncodeSupportedPages(append([]uint8{ciss.VPDSupportedPages, ciss.VPDDeviceID}, d.pages...)), nil
	case ciss.VPDDeviceID:
		return ciss.EncodeDeviceID(d.id), nil
	case ciss.VPDRAIDLevel:
		return ciss.EncodeRAIDLevel(d.raid), nil
	case ciss.VPDLVStatus:
		return ciss.EncodeLVStatus(d.lvStatus), nil
	}
	return nil, errors.New("unsupported page")
}

func (f *fakeArray) TestUnitReady(_ context.Context, addr Addr) (*ciss.ErrorInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devs[addr]; ok {
		return d.tur, nil
	}
	return nil, errors.New("selection timeout")
}

func (f *fakeArray) ProbeAborts(context.Context, Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return true
}

type btl struct{ bus, target, lun int }

type recordingHost struct {
	mu      sync.Mutex
	added   []btl
	removed []btl
	fail    map[btl]bool
}

func (h *recordingHost) AddDevice(bus, target, lun int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := btl{bus, target, lun}
	if h.fail[k] {
		return errors.New("no memory")
	}
	h.added = append(h.added, k)
	return nil
}

func (h *recordingHost) RemoveDevice(bus, target, lun int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, btl{bus, target, lun})
}

func (h *recordingHost) reset() {
	h.mu.Lock()
	h.added, h.removed = nil, nil
	h.mu.Unlock()
}

func newReconciler(f *fakeArray, h *recordingHost) *Reconciler {
	return NewReconciler(f, h, Options{Logger: logging.Nop()})
}

func placements(devs []Device) []btl {
	out := make([]btl, len(devs))
	for i, d := range devs {
		out[i] = btl{d.Bus, d.Target, d.LUN}
	}
	return out
}

func notReady(ascq uint8) *ciss.ErrorInfo {
	ei := &ciss.ErrorInfo{CommandStatus: ciss.CmdTargetStatus, ScsiStatus: ciss.StatusCheckCondition}
	ei.SenseLen = uint8(copy(ei.SenseInfo[:], scsi.EncodeFixedSense(scsi.KeyNotReady, scsi.ASCLogicalUnitNotReady, ascq)))
	return ei
}

func TestAddr(t *testing.T) {
	a := LogicalAddr(2, 1)
	assert.True(t, a.IsLogical())
	assert.False(t, a.IsController())
	assert.Equal(t, "01:00:02:40:00:00:00:00", a.String())

	p := PhysicalAddr(9, 3)
	assert.False(t, p.IsLogical())
	assert.False(t, p.Masked())
	assert.Equal(t, PhysicalAddr(9, 0), p.WithoutUnit())

	assert.True(t, ControllerAddr.IsController())
	assert.Equal(t, Addr{0, 0, 0, 5}, EnclosureAddr(5))

	masked := p
	masked[3] = 0x80
	assert.True(t, masked.Masked())

	assert.True(t, IsExternalTargetModel("MSA2324fc"))
	assert.True(t, IsExternalTargetModel("P2000 G3 SAS"))
	assert.False(t, IsExternalTargetModel("LOGICAL VOLUME"))
}

func TestAssignBusTargetLUN(t *testing.T) {
	tests := []struct {
		name     string
		addr     Addr
		external bool
		rev5     bool
		want     btl
	}{
		{"controller", ControllerAddr, false, false, btl{BusController, 0, 0}},
		{"physical", PhysicalAddr(4, 0), false, false, btl{BusPhysical, -1, -1}},
		{"logical", LogicalAddr(3, 2), false, false, btl{BusLogical, 3, 2}},
		{"external", LogicalAddr(1, 7), true, false, btl{BusExternal, 1, 7}},
		{"scsi rev 5", LogicalAddr(0, 3), false, true, btl{BusLogical, 0, 4}},
		{"external ignores rev 5", LogicalAddr(1, 2), true, true, btl{BusExternal, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Device{Addr: tt.addr, External: tt.external}
			assignBusTargetLUN(d, tt.rev5)
			assert.Equal(t, tt.want, btl{d.Bus, d.Target, d.LUN})
		})
	}
}

func TestScanInitial(t *testing.T) {
	f := newArray(6)
	f.addPhysical(PhysicalAddr(3, 0), ciss.TypeTape, ciss.ExtFlagNonDisk)
	f.addPhysical(PhysicalAddr(4, 0), ciss.TypeDisk, 0)
	f.addVolume(1, 0, "LOGICAL VOLUME")
	f.addVolume(2, 0, "LOGICAL VOLUME")
	h := &recordingHost{}
	r := newReconciler(f, h)

	ch, err := r.Scan(context.Background())
	require.NoError(t, err)

	want := []btl{{BusPhysical, 0, 0}, {BusLogical, 1, 0}, {BusLogical, 2, 0}, {BusController, 0, 0}}
	assert.Equal(t, want, h.added)
	assert.Equal(t, want, placements(ch.Added))
	assert.Empty(t, h.removed)
	assert.Equal(t, want, placements(r.Table().Snapshot()))

	vol, ok := r.Table().Lookup(BusLogical, 1, 0)
	require.True(t, ok)
	assert.Equal(t, uint8(RAID5), vol.RAIDLevel)
	assert.Equal(t, "LOGICAL VOLUME", vol.Model)
	assert.True(t, vol.SupportsAborts)
	assert.Contains(t, vol.String(), "RAID-5")

	_, ok = r.Table().LookupAddr(PhysicalAddr(4, 0))
	assert.False(t, ok, "physical disks stay hidden behind their volumes")
}

func TestScanIdempotent(t *testing.T) {
	f := newArray(6)
	f.addPhysical(PhysicalAddr(3, 0), ciss.TypeTape, 0)
	f.addVolume(1, 0, "LOGICAL VOLUME")
	f.addVolume(2, 0, "LOGICAL VOLUME")
	h := &recordingHost{}
	r := newReconciler(f, h)
	ctx := context.Background()

	_, err := r.Scan(ctx)
	require.NoError(t, err)
	before := r.Table().Snapshot()
	assert.Equal(t, 2, f.probes)
	h.reset()

	ch, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	assert.Empty(t, ch.Updated)
	assert.Empty(t, h.added)
	assert.Empty(t, h.removed)
	assert.Equal(t, before, r.Table().Snapshot())
	assert.Equal(t, 2, f.probes, "abort support carried over")
}

func TestScanRemoveAndAdd(t *testing.T) {
	f := newArray(6)
	a := f.addVolume(2, 0, "LOGICAL VOLUME")
	h := &recordingHost{}
	r := newReconciler(f, h)
	ctx := context.Background()

	_, err := r.Scan(ctx)
	require.NoError(t, err)
	_, ok := r.Table().Lookup(BusLogical, 2, 0)
	require.True(t, ok)
	h.reset()

	f.dropLogical(a)
	b := f.addVolume(3, 0, "LOGICAL VOLUME")

	ch, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []btl{{BusLogical, 2, 0}}, h.removed)
	assert.Equal(t, []btl{{BusLogical, 3, 0}}, h.added)
	assert.Len(t, ch.Removed, 1)
	assert.Len(t, ch.Added, 1)

	_, ok = r.Table().LookupAddr(a)
	assert.False(t, ok)
	_, ok = r.Table().LookupAddr(b)
	assert.True(t, ok)
}

func TestScanEnclosureSynthesis(t *testing.T) {
	f := newArray(6)
	for lun := 1; lun <= 3; lun++ {
		f.addVolume(1, lun, "MSA2324fc")
	}
	f.addVolume(2, 0, "MSA2324fc")
	f.devs[EnclosureAddr(1)] = &fakeDev{typ: ciss.TypeEnclosure, vendor: "HP", model: "MSA2324fc"}
	h := &recordingHost{}
	r := newReconciler(f, h)

	_, err := r.Scan(context.Background())
	require.NoError(t, err)

	var synthetic []Device
	var external []btl
	for _, d := range r.Table().Snapshot() {
		if d.Synthetic {
			synthetic = append(synthetic, d)
		}
		if d.Bus == BusExternal {
			external = append(external, btl{d.Bus, d.Target, d.LUN})
		}
	}
	require.Len(t, synthetic, 1)
	assert.Equal(t, btl{BusExternal, 1, 0}, btl{synthetic[0].Bus, synthetic[0].Target, synthetic[0].LUN})
	assert.Equal(t, uint8(ciss.TypeEnclosure), synthetic[0].DeviceType)
	assert.Equal(t, []btl{
		{BusExternal, 1, 0}, {BusExternal, 1, 1}, {BusExternal, 1, 2}, {BusExternal, 1, 3}, {BusExternal, 2, 0},
	}, external)
	assert.Contains(t, h.added, btl{BusExternal, 1, 0})

	h.reset()
	ch, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, ch.Empty(), "synthesized enclosure is stable across scans")
}

func TestScanEnclosureLimit(t *testing.T) {
	f := newArray(6)
	f.addVolume(1, 1, "MSA2312sa")
	f.addVolume(2, 1, "MSA2312sa")
	f.devs[EnclosureAddr(1)] = &fakeDev{typ: ciss.TypeEnclosure, model: "MSA2312sa"}
	f.devs[EnclosureAddr(2)] = &fakeDev{typ: ciss.TypeEnclosure, model: "MSA2312sa"}
	limits := DefaultLimits()
	limits.ExtTargets = 1
	r := NewReconciler(f, &recordingHost{}, Options{Limits: limits, Logger: logging.Nop()})

	_, err := r.Scan(context.Background())
	require.NoError(t, err)
	n := 0
	for _, d := range r.Table().Snapshot() {
		if d.Synthetic {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestScanIdentityChange(t *testing.T) {
	f := newArray(6)
	a := f.addVolume(1, 0, "LOGICAL VOLUME")
	h := &recordingHost{}
	r := newReconciler(f, h)
	ctx := context.Background()
	_, err := r.Scan(ctx)
	require.NoError(t, err)
	h.reset()

	f.dev(a).id[15] = 0xff

	ch, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []btl{{BusLogical, 1, 0}}, h.removed)
	assert.Equal(t, []btl{{BusLogical, 1, 0}}, h.added)
	assert.Len(t, ch.Removed, 1)
	assert.Len(t, ch.Added, 1)

	d, ok := r.Table().LookupAddr(a)
	require.True(t, ok)
	assert.Equal(t, uint8(0xff), d.DeviceID[15])
}

func TestScanUpdateInPlace(t *testing.T) {
	f := newArray(6)
	a := f.addVolume(1, 0, "LOGICAL VOLUME")
	h := &recordingHost{}
	r := newReconciler(f, h)
	ctx := context.Background()
	_, err := r.Scan(ctx)
	require.NoError(t, err)
	h.reset()

	f.dev(a).raid = RAID6

	ch, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, ch.Empty())
	require.Len(t, ch.Updated, 1)
	assert.Equal(t, uint8(RAID6), ch.Updated[0].RAIDLevel)
	assert.Empty(t, h.added)
	assert.Empty(t, h.removed)

	d, _ := r.Table().LookupAddr(a)
	assert.Equal(t, uint8(RAID6), d.RAIDLevel)
}

func TestScanRollback(t *testing.T) {
	f := newArray(6)
	f.addVolume(1, 0, "LOGICAL VOLUME")
	b := f.addVolume(2, 0, "LOGICAL VOLUME")
	h := &recordingHost{fail: map[btl]bool{{BusLogical, 2, 0}: true}}
	r := newReconciler(f, h)

	ch, err := r.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, ch.RolledBack, 1)
	assert.Equal(t, b, ch.RolledBack[0].Addr)
	_, ok := r.Table().LookupAddr(b)
	assert.False(t, ok)
	_, ok = r.Table().Lookup(BusLogical, 1, 0)
	assert.True(t, ok)

	// the next scan tries again
	h.fail = nil
	h.reset()
	_, err = r.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []btl{{BusLogical, 2, 0}}, h.added)
}

func TestScanOfflineVolume(t *testing.T) {
	f := newArray(6)
	a := f.addVolume(1, 0, "LOGICAL VOLUME")
	d := f.dev(a)
	d.pages = append(d.pages, ciss.VPDLVStatus)
	d.lvStatus = ciss.LVUndergoingRPI
	d.tur = notReady(0x00)

	h := &recordingHost{}
	r := newReconciler(f, h)
	ctx := context.Background()

	ch, err := r.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, ch.Offline, 1)
	assert.Equal(t, uint8(ciss.LVUndergoingRPI), ch.Offline[0].VolumeStatus)
	assert.NotContains(t, h.added, btl{BusLogical, 1, 0})
	assert.Equal(t, []Addr{a}, r.Monitor().Pending())

	_, ok := r.Monitor().Poll(ctx, f)
	assert.False(t, ok)

	f.mu.Lock()
	d.tur = nil
	d.lvStatus = ciss.LVOK
	f.mu.Unlock()

	got, ok := r.Monitor().Poll(ctx, f)
	require.True(t, ok)
	assert.Equal(t, a, got)
	assert.Empty(t, r.Monitor().Pending())

	h.reset()
	_, err = r.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []btl{{BusLogical, 1, 0}}, h.added)
}

func TestVolumeOffline(t *testing.T) {
	tests := []struct {
		name   string
		tur    *ciss.ErrorInfo
		pages  []uint8
		status uint8
		want   uint8
	}{
		{"ready", nil, nil, 0, ciss.LVOK},
		{"busy", &ciss.ErrorInfo{CommandStatus: ciss.CmdTargetStatus, ScsiStatus: ciss.StatusBusy}, nil, 0, ciss.LVOK},
		{"erase", notReady(0x00), []uint8{ciss.VPDLVStatus}, ciss.LVUndergoingErase, ciss.LVUndergoingErase},
		{"no key", notReady(0x00), []uint8{ciss.VPDLVStatus}, ciss.LVEncryptedNoKey, ciss.LVEncryptedNoKey},
		{"page says ok", notReady(0x00), []uint8{ciss.VPDLVStatus}, ciss.LVOK, ciss.LVOK},
		{"no page, format in progress", notReady(0x04), nil, 0, ciss.LVStatusUnsupported},
		{"no page, initializing", notReady(0x02), nil, 0, ciss.LVStatusUnsupported},
		{"no page, other", notReady(0x01), nil, 0, ciss.LVOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newArray(6)
			a := f.addVolume(1, 0, "LOGICAL VOLUME")
			d := f.dev(a)
			d.tur = tt.tur
			d.pages = tt.pages
			d.lvStatus = tt.status
			assert.Equal(t, tt.want, VolumeOffline(context.Background(), f, a))
		})
	}
	assert.Equal(t, "undergoing background erase", VolumeStatusText(ciss.LVUndergoingErase))
}

func TestScanMultiLUNPhysical(t *testing.T) {
	f := newArray(6)
	f.addPhysical(PhysicalAddr(5, 0), ciss.TypeMediumChanger, ciss.ExtFlagNonDisk)
	f.addPhysical(PhysicalAddr(5, 1), ciss.TypeTape, ciss.ExtFlagNonDisk)
	f.addPhysical(PhysicalAddr(6, 0), ciss.TypeTape, ciss.ExtFlagNonDisk)
	f.addPhysical(PhysicalAddr(7, 2), ciss.TypeTape, ciss.ExtFlagNonDisk)
	h := &recordingHost{}
	r := newReconciler(f, h)

	ch, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Skipped, "LUN 2 without a LUN 0")
	assert.Equal(t, []btl{
		{BusPhysical, 0, 0}, {BusPhysical, 0, 1}, {BusPhysical, 1, 0}, {BusController, 0, 0},
	}, h.added)
}

func TestScanMaskedPhysical(t *testing.T) {
	f := newArray(6)
	hidden := PhysicalAddr(3, 0)
	hidden[3] = 0x80
	skipped := PhysicalAddr(4, 0)
	skipped[3] = 0x80
	f.addPhysical(hidden, ciss.TypeTape, 0)
	f.addPhysical(skipped, ciss.TypeTape, ciss.ExtFlagNonDisk)
	h := &recordingHost{}
	r := newReconciler(f, h)

	_, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []btl{{BusController, 0, 0}}, h.added)

	d, ok := r.Table().LookupAddr(hidden)
	require.True(t, ok)
	assert.False(t, d.Expose)
	_, ok = r.Table().LookupAddr(skipped)
	assert.False(t, ok)
}

func TestScanControllerIdentity(t *testing.T) {
	f := newArray(5)
	f.addVolume(0, 3, "LOGICAL VOLUME")
	f.physical = append(f.physical, ciss.ExtLUNEntry{
		LUNID:      [8]byte{0, 0, 0, 0, 0, 0, 0, 0x01},
		WWID:       [8]byte{0x50, 0x01, 0x43, 0x80},
		DeviceType: ciss.ExtTypeController,
	})
	h := &recordingHost{}
	r := newReconciler(f, h)

	_, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []btl{{BusController, 0, 0}, {BusLogical, 0, 4}}, h.added)

	wwid, ok := r.ControllerWWID()
	require.True(t, ok)
	assert.Equal(t, [8]byte{0x50, 0x01, 0x43, 0x80}, wwid)
	ctlr, ok := r.Table().LookupAddr(ControllerAddr)
	require.True(t, ok)
	assert.Equal(t, wwid, ctlr.WWID)
}

func TestScanBasicPhysicalReport(t *testing.T) {
	f := newArray(6)
	f.basic = true
	f.addPhysical(PhysicalAddr(3, 0), ciss.TypeTape, 0)
	h := &recordingHost{}
	r := newReconciler(f, h)

	_, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Contains(t, h.added, btl{BusPhysical, 0, 0})
}

func TestScanLimits(t *testing.T) {
	f := newArray(6)
	f.addVolume(1, 0, "LOGICAL VOLUME")
	f.addVolume(2, 0, "LOGICAL VOLUME")
	limits := DefaultLimits()
	limits.Logical = 1
	h := &recordingHost{}
	r := NewReconciler(f, h, Options{Limits: limits, Logger: logging.Nop()})

	_, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []btl{{BusLogical, 1, 0}, {BusController, 0, 0}}, h.added)
}

func TestScanInquiryFailure(t *testing.T) {
	f := newArray(6)
	f.addVolume(1, 0, "LOGICAL VOLUME")
	h := &recordingHost{}
	r := newReconciler(f, h)
	ctx := context.Background()
	_, err := r.Scan(ctx)
	require.NoError(t, err)
	h.reset()

	f.logical = append(f.logical, LogicalAddr(9, 0))
	_, err = r.Scan(ctx)
	assert.Error(t, err)
	assert.True(t, r.TakeRescanRequest())
	assert.False(t, r.TakeRescanRequest())
	assert.Empty(t, h.removed, "a failed scan leaves the table alone")
	assert.Equal(t, 2, r.Table().Len())
}

func TestGate(t *testing.T) {
	var g Gate
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	ctx := context.Background()

	fn := func(context.Context) (*Changes, error) {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return &Changes{Skipped: int(runs.Load())}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch, err := g.Do(ctx, fn)
		assert.NoError(t, err)
		assert.Equal(t, 1, ch.Skipped)
	}()
	<-started
	assert.True(t, g.Busy())

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := g.Do(ctx, fn)
			assert.NoError(t, err)
			assert.Equal(t, 2, ch.Skipped)
		}()
	}
	require.Eventually(t, func() bool { return g.Waiting() == 2 }, time.Second, time.Millisecond)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), runs.Load())
	assert.False(t, g.Busy())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	ch, err := g.Do(cancelled, func(ctx context.Context) (*Changes, error) { return &Changes{}, ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotNil(t, ch)
}

func TestTablePlace(t *testing.T) {
	tbl := NewTable(4)
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	a := &Device{Addr: PhysicalAddr(1, 0), Bus: BusPhysical, Target: -1, LUN: -1}
	b := &Device{Addr: PhysicalAddr(2, 0), Bus: BusPhysical, Target: -1, LUN: -1}
	c := &Device{Addr: PhysicalAddr(1, 4), Bus: BusPhysical, Target: -1, LUN: -1}
	require.NoError(t, tbl.add(a))
	require.NoError(t, tbl.add(b))
	require.NoError(t, tbl.add(c))
	assert.Equal(t, btl{BusPhysical, 0, 0}, btl{a.Bus, a.Target, a.LUN})
	assert.Equal(t, btl{BusPhysical, 1, 0}, btl{b.Bus, b.Target, b.LUN})
	assert.Equal(t, btl{BusPhysical, 0, 4}, btl{c.Bus, c.Target, c.LUN})

	orphan := &Device{Addr: PhysicalAddr(3, 1), Bus: BusPhysical, Target: -1, LUN: -1}
	assert.ErrorIs(t, tbl.add(orphan), ErrNoLUNZero)

	require.NoError(t, tbl.add(&Device{Addr: LogicalAddr(0, 0)}))
	assert.ErrorIs(t, tbl.add(&Device{Addr: LogicalAddr(1, 0), Target: 1}), ErrTableFull)
}
