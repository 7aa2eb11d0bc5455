package cmdpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/dma"
	"github.com/ehrlich-b/go-hpsa/internal/ring"
	"github.com/ehrlich-b/go-hpsa/internal/sgl"
)

const testBlockSize = ciss.CommandFixedSize + 4*ciss.SGDescriptorSize

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	p, err := NewPool(dma.New(0), n, testBlockSize, 64)
	require.NoError(t, err)
	return p
}

func TestPoolExhaustion(t *testing.T) {
	p := newTestPool(t, 3)
	var got []*FastSlot
	for i := 0; i < 3; i++ {
		s, err := p.Get()
		require.NoError(t, err)
		got = append(got, s)
	}
	assert.Equal(t, 3, p.InUse())
	assert.Equal(t, 0, got[0].Index, "lowest index first")

	_, err := p.Get()
	assert.ErrorIs(t, err, ErrExhausted)

	p.Put(got[1])
	s, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, got[1], s)
}

func TestPoolTagsAndMemory(t *testing.T) {
	p := newTestPool(t, 4)
	for i := 0; i < p.Cap(); i++ {
		s := p.Slot(i)
		assert.Equal(t, ring.DirectTag{Index: i}.Encode(), s.Tag)
		assert.Zero(t, s.BusAddr%32)
		assert.Len(t, s.Block, testBlockSize)
		assert.Len(t, s.ErrInfo, ciss.ErrorInfoSize)
		assert.Len(t, s.Chain.Buf, 64)
	}
	assert.Nil(t, p.Slot(-1))
	assert.Nil(t, p.Slot(4))

	_, err := NewPool(dma.New(0), 0, testBlockSize, 0)
	assert.Error(t, err)
}

func TestPoolNeverDoubleOwns(t *testing.T) {
	const n = 8
	p := newTestPool(t, n)
	owned := make([]atomic.Int32, n)
	var maxInUse atomic.Int32
	var inUse atomic.Int32

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				s, err := p.Get()
				if err != nil {
					continue
				}
				if owned[s.Index].Add(1) != 1 {
					t.Errorf("slot %d owned twice", s.Index)
				}
				cur := inUse.Add(1)
				for {
					m := maxInUse.Load()
					if cur <= m || maxInUse.CompareAndSwap(m, cur) {
						break
					}
				}
				inUse.Add(-1)
				owned[s.Index].Add(-1)
				p.Put(s)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, int(maxInUse.Load()), n)
	assert.Equal(t, 0, p.InUse())
}

func TestPinDefersRelease(t *testing.T) {
	p := newTestPool(t, 1)
	s, err := p.Get()
	require.NoError(t, err)
	gen := s.Generation()

	assert.False(t, p.Pin(s), "in-flight command is not idle")
	p.Put(s) // command completes while pinned
	_, err = p.Get()
	assert.ErrorIs(t, err, ErrExhausted, "pinned slot stays out")

	p.Put(s) // unpin
	s2, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, s, s2)
	assert.NotEqual(t, gen, s2.Generation())
}

func TestPinIdleSlot(t *testing.T) {
	p := newTestPool(t, 1)
	s := p.Slot(0)

	assert.True(t, p.Pin(s), "free slot reads as already completed")
	_, err := p.Get()
	assert.ErrorIs(t, err, ErrExhausted, "Get skips a pinned free slot")

	p.Put(s)
	assert.Equal(t, 0, p.InUse())
	got, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, s, got)

	// an idle pin on a free slot must not push it twice
	p.Put(got)
	assert.True(t, p.Pin(s))
	p.Put(s)
	a, err := p.Get()
	require.NoError(t, err)
	_, err = p.Get()
	assert.ErrorIs(t, err, ErrExhausted)
	p.Put(a)
}

func TestCommandEncode(t *testing.T) {
	space := dma.New(0)
	p, err := NewPool(space, 1, testBlockSize, 64)
	require.NoError(t, err)
	s, err := p.Get()
	require.NoError(t, err)

	m := sgl.New(space, 4, 8)
	l, err := m.Map([][]byte{make([]byte, 512)}, s.Chain)
	require.NoError(t, err)
	s.SG = l
	s.Wire.Request = ciss.Inquiry(false, 0, 36)
	s.SetLUN([8]byte{0, 0, 0, 0x40})
	copy(s.ErrInfo, []byte{0xde, 0xad})

	require.NoError(t, s.Encode(1))
	assert.Equal(t, 1, s.SGList())
	assert.Zero(t, s.ErrInfo[0], "error info cleared before submit")

	c, err := ciss.UnmarshalCommand(s.Block)
	require.NoError(t, err)
	assert.Equal(t, s.Tag, c.Header.Tag)
	assert.Equal(t, uint8(1), c.Header.ReplyQueue)
	assert.Equal(t, s.ErrAddr, c.ErrDesc.Addr)
	assert.Equal(t, uint32(ciss.ErrorInfoSize), c.ErrDesc.Len)
	assert.Equal(t, l.Inline, c.SG)

	ei := &ciss.ErrorInfo{CommandStatus: ciss.CmdCtlrLockup}
	require.NoError(t, s.SetErrorInfo(ei))
	got, err := s.ErrorInfo()
	require.NoError(t, err)
	assert.Equal(t, uint16(ciss.CmdCtlrLockup), got.CommandStatus)
}

func TestSignal(t *testing.T) {
	p := newTestPool(t, 1)
	s, err := p.Get()
	require.NoError(t, err)

	s.Signal()
	s.Signal() // coalesces
	<-s.Done()
	select {
	case <-s.Done():
		t.Fatal("second signal should have coalesced")
	default:
	}

	s.Signal()
	p.Put(s)
	s, err = p.Get()
	require.NoError(t, err)
	select {
	case <-s.Done():
		t.Fatal("stale signal survived reuse")
	default:
	}
}

func TestAdminPool(t *testing.T) {
	p, err := NewAdminPool(dma.New(0), 2, testBlockSize, 64)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, a.Index)
	assert.Equal(t, a.BusAddr, a.Tag)
	assert.Equal(t, KindInternal, a.Kind)
	assert.IsType(t, ring.SearchTag{}, ring.Decode(a.Tag, 0x1f))

	b, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.Tag, b.Tag)
	assert.Equal(t, 2, p.InUse())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = p.Get(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Put(a)
	c, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, a, c, "slots are recycled")

	p.Put(b)
	p.Put(c)
	p.Close()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, p.InUse())
}

func TestBounce(t *testing.T) {
	for _, size := range []int{0, 100, 4096, 5000, 128 * 1024, 200 * 1024} {
		b := GetBounce(size)
		assert.Len(t, b, size)
		for i := range b {
			b[i] = 0xff
		}
		PutBounce(b)
	}
	b := GetBounce(64)
	assert.Equal(t, make([]byte, 64), b, "bounce buffers come back zeroed")
	PutBounce(b)
}
