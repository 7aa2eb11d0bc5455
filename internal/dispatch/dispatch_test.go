package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/cmdpool"
	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/dma"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
)

const blockSize = ciss.CommandFixedSize + 2*ciss.SGDescriptorSize

func setup(t *testing.T, n int) (*Dispatcher, *cmdpool.Pool, *cmdpool.AdminPool) {
	t.Helper()
	space := dma.New(0)
	pool, err := cmdpool.NewPool(space, n, blockSize, 0)
	require.NoError(t, err)
	admin, err := cmdpool.NewAdminPool(space, 4, blockSize, 0)
	require.NoError(t, err)
	return New(pool, logging.Nop()), pool, admin
}

func TestResolveDirect(t *testing.T) {
	d, pool, _ := setup(t, 4)
	s, err := pool.Get()
	require.NoError(t, err)
	d.Enqueue(&s.Command)
	assert.True(t, d.Outstanding(&s.Command))

	// simple mode error bit set
	c, err := d.Resolve(s.Tag|0x02, constants.SimpleErrorBits)
	require.NoError(t, err)
	assert.Same(t, &s.Command, c)
	assert.False(t, d.Outstanding(&s.Command))

	_, err = d.Resolve(s.Tag, constants.SimpleErrorBits)
	assert.ErrorIs(t, err, ErrNotOutstanding, "duplicate completion")
}

func TestResolveBadIndex(t *testing.T) {
	d, _, _ := setup(t, 4)
	raw := uint64(4)<<constants.DirectLookupShift | constants.DirectLookupBit
	_, err := d.Resolve(raw, constants.PerfErrorBits)
	assert.ErrorIs(t, err, ErrBadIndex)

	raw = uint64(1<<20)<<constants.DirectLookupShift | constants.DirectLookupBit
	_, err = d.Resolve(raw, constants.PerfErrorBits)
	assert.ErrorIs(t, err, ErrBadIndex)
}

func TestResolveSearch(t *testing.T) {
	d, pool, admin := setup(t, 2)
	ctx := context.Background()

	a1, err := admin.Get(ctx)
	require.NoError(t, err)
	a2, err := admin.Get(ctx)
	require.NoError(t, err)
	s, err := pool.Get()
	require.NoError(t, err)
	d.Enqueue(&a1.Command)
	d.Enqueue(&s.Command)
	d.Enqueue(&a2.Command)
	assert.Equal(t, 3, d.Len())

	// performant completion with parity and bucket bits
	c, err := d.Resolve(a2.Tag|0x07, constants.PerfErrorBits)
	require.NoError(t, err)
	assert.Same(t, &a2.Command, c)
	assert.Equal(t, 2, d.Len())

	_, err = d.Resolve(a2.Tag, constants.PerfErrorBits)
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = d.Resolve(0x40, constants.PerfErrorBits)
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, 2, d.Len(), "malformed tags leave the list alone")
}

func TestEnqueueTwice(t *testing.T) {
	d, pool, _ := setup(t, 2)
	s, err := pool.Get()
	require.NoError(t, err)
	d.Enqueue(&s.Command)
	d.Enqueue(&s.Command)
	assert.Equal(t, 1, d.Len())

	assert.Len(t, d.Drain(), 1)
	assert.Equal(t, 0, d.Len())
}

func TestDrain(t *testing.T) {
	d, pool, admin := setup(t, 2)
	s0, _ := pool.Get()
	s1, _ := pool.Get()
	a, err := admin.Get(context.Background())
	require.NoError(t, err)
	d.Enqueue(&s1.Command)
	d.Enqueue(&a.Command)
	d.Enqueue(&s0.Command)

	got := d.Drain()
	require.Len(t, got, 3)
	assert.Same(t, &s1.Command, got[0])
	assert.Same(t, &a.Command, got[1])
	assert.Same(t, &s0.Command, got[2])
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.Outstanding(&a.Command))
}
