package dma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapResolve(t *testing.T) {
	s := New(0)
	buf := []byte("hello world")
	addr, err := s.Map(buf)
	require.NoError(t, err)
	assert.Zero(t, addr%32, "bus addresses are 32-byte aligned")

	got, err := s.Resolve(addr+6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	// writes through the resolved slice land in the mapped buffer
	got[0] = 'W'
	assert.Equal(t, "hello World", string(buf))
}

func TestResolveBounds(t *testing.T) {
	s := New(0)
	a, _, err := s.Alloc(64)
	require.NoError(t, err)
	b, _, err := s.Alloc(64)
	require.NoError(t, err)
	assert.Greater(t, b, a+64, "mappings keep a gap between them")

	_, err = s.Resolve(a+32, 64)
	assert.ErrorIs(t, err, ErrUnmapped)

	_, err = s.Resolve(a-1, 1)
	assert.ErrorIs(t, err, ErrUnmapped)

	_, err = s.Resolve(b, 64)
	assert.NoError(t, err)
}

func TestUnmap(t *testing.T) {
	s := New(0)
	a, _, err := s.Alloc(16)
	require.NoError(t, err)
	b, _, err := s.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Mappings())

	require.NoError(t, s.Unmap(a))
	_, err = s.Resolve(a, 1)
	assert.ErrorIs(t, err, ErrUnmapped)
	_, err = s.Resolve(b, 16)
	assert.NoError(t, err)

	assert.ErrorIs(t, s.Unmap(a), ErrUnmapped)
	assert.ErrorIs(t, s.Unmap(b+1), ErrUnmapped, "unmap needs the start address")
}

func TestZeroLengthMapping(t *testing.T) {
	s := New(0)
	a, err := s.Map(nil)
	require.NoError(t, err)
	got, err := s.Resolve(a, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, s.Unmap(a))
}

func TestMapHook(t *testing.T) {
	s := New(0)
	boom := errors.New("no iommu entries")
	s.MapHook = func(n int) error {
		if n > 100 {
			return boom
		}
		return nil
	}
	_, err := s.Map(make([]byte, 10))
	assert.NoError(t, err)
	_, err = s.Map(make([]byte, 200))
	assert.ErrorIs(t, err, boom)
}

func TestExhausted(t *testing.T) {
	s := New(maxBusAddr - 64)
	_, err := s.Map(make([]byte, 128))
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReuseReleasedRange(t *testing.T) {
	s := New(0)
	a, _, err := s.Alloc(16)
	require.NoError(t, err)
	_, _, err = s.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, s.Unmap(a))
	again, _, err := s.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Zero(t, s.Reusable())
}

func TestReleasedNeighboursMerge(t *testing.T) {
	s := New(0)
	a, _, err := s.Alloc(16)
	require.NoError(t, err)
	b, _, err := s.Alloc(16)
	require.NoError(t, err)
	c, _, err := s.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, s.Unmap(b))
	require.NoError(t, s.Unmap(a))
	assert.Equal(t, c-a, s.Reusable(), "both ranges form one extent")

	// too big for either range alone
	big, _, err := s.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, a, big)

	_, err = s.Resolve(c, 16)
	assert.NoError(t, err)
}

func TestTopReleaseRetractsNext(t *testing.T) {
	s := New(0)
	a, _, err := s.Alloc(16)
	require.NoError(t, err)
	b, _, err := s.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, s.Unmap(b))
	assert.Zero(t, s.Reusable())
	require.NoError(t, s.Unmap(a))
	assert.Zero(t, s.Reusable())

	again, _, err := s.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestLongRunningChurn(t *testing.T) {
	s := New(0)
	pinned, _, err := s.Alloc(4096)
	require.NoError(t, err)

	// several times the 32-bit window in total, a few mappings live at once
	buf := make([]byte, 8<<20)
	var total uint64
	live := make([]uint64, 0, 4)
	for total < 5*maxBusAddr {
		addr, err := s.Map(buf)
		require.NoError(t, err)
		live = append(live, addr)
		total += uint64(len(buf))
		if len(live) == cap(live) {
			require.NoError(t, s.Unmap(live[0]))
			live = append(live[:0], live[1:]...)
		}
	}
	for _, addr := range live {
		require.NoError(t, s.Unmap(addr))
	}
	assert.Equal(t, 1, s.Mappings())
	_, err = s.Resolve(pinned, 4096)
	assert.NoError(t, err)
}
