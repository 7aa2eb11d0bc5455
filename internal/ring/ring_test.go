package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
)

type fakeRegisters struct {
	regs    map[uint32]uint32
	writes  []write
	replies []uint32
}

type write struct {
	off, val uint32
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{regs: map[uint32]uint32{}}
}

func (f *fakeRegisters) ReadRegister(off uint32) uint32 {
	if off == ciss.RegReplyPort {
		if len(f.replies) == 0 {
			return ciss.FIFOEmpty
		}
		v := f.replies[0]
		f.replies = f.replies[1:]
		return v
	}
	return f.regs[off]
}

func (f *fakeRegisters) WriteRegister(off, val uint32) {
	f.writes = append(f.writes, write{off, val})
	f.regs[off] = val
}

func (f *fakeRegisters) Interrupts() <-chan struct{} { return nil }

func TestDirectTagRoundTrip(t *testing.T) {
	const n = 1024
	for i := 0; i < n; i++ {
		raw := DirectTag{Index: i}.Encode()
		for _, bits := range []uint64{0, 0x02, 0x03, 0x0f} {
			got := Decode(raw|bits, constants.PerfErrorBits)
			require.Equal(t, DirectTag{Index: i}, got, "index %d bits %#x", i, bits)
		}
	}
}

func TestSearchTag(t *testing.T) {
	const addr = 0x10004020
	tests := []struct {
		name      string
		raw       uint64
		errorBits uint64
	}{
		{"simple clean", addr, constants.SimpleErrorBits},
		{"simple error", addr | 0x02, constants.SimpleErrorBits},
		{"performant parity", addr | 0x01, constants.PerfErrorBits},
		{"performant bucket", addr | 0x0f, constants.PerfErrorBits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag := Decode(tt.raw, tt.errorBits)
			st, ok := tag.(SearchTag)
			require.True(t, ok, "got %v", tag)
			assert.Equal(t, uint64(addr), st.Addr)
		})
	}
	assert.True(t, ErrorInfoValid(addr|0x02))
	assert.False(t, ErrorInfoValid(addr))
}

func TestReplyQueueWraparound(t *testing.T) {
	const depth = 8
	q := NewReplyQueue(depth)
	p := NewProducer(q.Entries())

	_, ok := q.Next()
	assert.False(t, ok, "zeroed ring is empty")

	for i := 0; i < depth; i++ {
		p.Post(DirectTag{Index: i}.Encode())
		v, ok := q.Next()
		require.True(t, ok)
		assert.Equal(t, DirectTag{Index: i}, Decode(v, constants.PerfErrorBits))
	}
	assert.Equal(t, 0, q.Head(), "head back at base")
	assert.Equal(t, uint64(0), q.Wrap(), "parity flipped exactly once")

	// last pass's entries are stale now
	_, ok = q.Next()
	assert.False(t, ok)

	p.Post(DirectTag{Index: 3}.Encode())
	v, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(0), v&1)
	assert.Equal(t, DirectTag{Index: 3}, Decode(v, constants.PerfErrorBits))

	for i := 1; i < depth; i++ {
		p.Post(DirectTag{Index: i}.Encode())
		_, ok := q.Next()
		require.True(t, ok)
	}
	assert.Equal(t, uint64(1), q.Wrap(), "second pass flips back")
}

func TestCalcBucketMap(t *testing.T) {
	bft := BlockFetchTable(32)
	require.Len(t, bft, NumBuckets)
	assert.Equal(t, 36, bft[NumBuckets-1])

	m := CalcBucketMap(bft, 40, constants.MinBlockFetch)
	require.Len(t, m, 41)
	tests := map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 16: 5, 17: 6, 24: 6, 25: 7, 32: 7, 33: NumBuckets}
	for sg, want := range tests {
		assert.Equal(t, want, m[sg], "sg=%d", sg)
	}
	for sg := 0; sg <= 32; sg++ {
		b := m[sg]
		assert.GreaterOrEqual(t, bft[b], sg+constants.MinBlockFetch)
		if b > 0 {
			assert.Less(t, bft[b-1], sg+constants.MinBlockFetch, "smallest bucket that fits")
		}
	}
}

func TestSimpleAccess(t *testing.T) {
	regs := newFakeRegisters()
	a := NewSimple(regs)

	a.Submit(0x10000040, 3)
	require.Len(t, regs.writes, 1)
	assert.Equal(t, write{ciss.RegRequestPort, 0x10000040}, regs.writes[0])
	assert.Equal(t, 1, a.Outstanding())

	_, ok := a.Completed(0)
	assert.False(t, ok)

	regs.replies = []uint32{0x10000042}
	v, ok := a.Completed(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10000042), v)
	assert.Equal(t, 0, a.Outstanding())

	assert.False(t, a.IntrPending())
	regs.regs[ciss.RegIntrStatus] = ciss.IntrPendingSimple
	assert.True(t, a.IntrPending())

	a.SetIntrMask(false)
	assert.Equal(t, uint32(ciss.IntrMaskOffSimple), regs.regs[ciss.RegIntrMask])
	a.SetIntrMask(true)
	assert.Equal(t, uint32(0), regs.regs[ciss.RegIntrMask])
	assert.Equal(t, 1, a.Queues())
	assert.Equal(t, uint64(constants.SimpleErrorBits), a.ErrorBits())
}

func TestPerformantAccess(t *testing.T) {
	regs := newFakeRegisters()
	queues := []*ReplyQueue{NewReplyQueue(4), NewReplyQueue(4)}
	bm := CalcBucketMap(BlockFetchTable(32), 32, constants.MinBlockFetch)
	a := NewPerformant(regs, queues, bm, logging.Nop())

	a.Submit(0x10000020, 2)
	assert.Equal(t, uint32(0x10000020|1|1<<1), regs.regs[ciss.RegRequestPort])
	a.Submit(0x10000040, 0)
	assert.Equal(t, uint32(0x10000040|1), regs.regs[ciss.RegRequestPort])
	a.Submit(0x10000060, 99)
	assert.Equal(t, uint32(0x10000060|1|uint32(bm[32])<<1), regs.regs[ciss.RegRequestPort])
	assert.Equal(t, 3, a.Outstanding())

	NewProducer(queues[1].Entries()).Post(0x10000040)
	_, ok := a.Completed(0)
	assert.False(t, ok)
	v, ok := a.Completed(1)
	require.True(t, ok)
	assert.Equal(t, SearchTag{Addr: 0x10000040}, Decode(v, a.ErrorBits()))
	assert.Equal(t, 2, a.Outstanding())
	assert.Equal(t, uint32(ciss.OutbDbClearValue), regs.regs[ciss.RegOutbDbClear])

	_, ok = a.Completed(7)
	assert.False(t, ok)

	assert.False(t, a.IntrPending())
	regs.regs[ciss.RegIntrStatus] = ciss.IntrPendingPerf
	assert.False(t, a.IntrPending(), "doorbell not set")
	regs.regs[ciss.RegOutbDbStatus] = ciss.OutbDbPerfBit
	assert.True(t, a.IntrPending())

	a.SetIntrMask(false)
	assert.Equal(t, uint32(ciss.IntrMaskOffPerf), regs.regs[ciss.RegIntrMask])
	assert.Equal(t, 2, a.Queues())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("performant")
	require.NoError(t, err)
	assert.Equal(t, ModePerformant, m)
	assert.Equal(t, "simple", ModeSimple.String())
	_, err = ParseMode("auto")
	assert.Error(t, err)
}
