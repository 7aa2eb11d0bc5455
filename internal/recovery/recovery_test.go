package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
)

func senseInfo(key, asc uint8) *ciss.ErrorInfo {
	ei := &ciss.ErrorInfo{CommandStatus: ciss.CmdTargetStatus, ScsiStatus: ciss.StatusCheckCondition}
	ei.SenseLen = uint8(copy(ei.SenseInfo[:], scsi.EncodeFixedSense(key, asc, 0)))
	return ei
}

func fast(attempts uint) Policy {
	return Policy{Attempts: attempts}
}

func TestPolicyDelay(t *testing.T) {
	p := InternalPolicy()
	want := []time.Duration{
		0, 0, 0,
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 160 * time.Millisecond, 320 * time.Millisecond,
		640 * time.Millisecond, time.Second, time.Second,
	}
	for n, d := range want {
		assert.Equal(t, d, p.Delay(uint(n)), "retry %d", n)
	}
	assert.Equal(t, time.Second, p.Delay(1000), "no overflow on long runs")
	assert.Equal(t, uint(26), p.Attempts)

	r := DefaultReadinessPolicy()
	assert.Equal(t, time.Second, r.Settle)
	assert.Equal(t, 2*time.Second, r.Delay(0))
	assert.Equal(t, 16*time.Second, r.Delay(3))
	assert.Equal(t, 30*time.Second, r.Delay(4))

	assert.Zero(t, fast(3).Delay(2))
}

func TestPolicyDo(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	err := fast(4).Do(ctx, func() error {
		calls++
		return boom
	}, nil, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)

	calls = 0
	err = fast(4).Do(ctx, func() error {
		calls++
		return boom
	}, func(error) bool { return false }, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "unretryable errors stop at once")

	var retries []uint
	calls = 0
	err = fast(5).Do(ctx, func() error {
		calls++
		if calls < 3 {
			return boom
		}
		return nil
	}, nil, func(n uint, _ error) { retries = append(retries, n) })
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1}, retries)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = fast(3).Do(cancelled, func() error { return nil }, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryInternal(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		replies []*ciss.ErrorInfo
		calls   int
		last    uint16
	}{
		{"clean", []*ciss.ErrorInfo{{}}, 1, ciss.CmdSuccess},
		{"unit attention then ok", []*ciss.ErrorInfo{senseInfo(scsi.KeyUnitAttention, scsi.ASCPowerOrReset), {}}, 2, ciss.CmdSuccess},
		{"busy then ok", []*ciss.ErrorInfo{{CommandStatus: ciss.CmdTargetStatus, ScsiStatus: ciss.StatusBusy}, {}}, 2, ciss.CmdSuccess},
		{"other errors are not retried", []*ciss.ErrorInfo{{CommandStatus: ciss.CmdHardwareErr}, {}}, 1, ciss.CmdHardwareErr},
		{"gives up", []*ciss.ErrorInfo{
			senseInfo(scsi.KeyUnitAttention, scsi.ASCStateChanged),
			senseInfo(scsi.KeyUnitAttention, scsi.ASCStateChanged),
			senseInfo(scsi.KeyUnitAttention, scsi.ASCStateChanged),
			{},
		}, 3, ciss.CmdTargetStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			ei, err := RetryInternal(ctx, fast(3), logging.Nop(), func() (*ciss.ErrorInfo, error) {
				r := tt.replies[calls]
				calls++
				return r, nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.calls, calls)
			assert.Equal(t, tt.last, ei.CommandStatus)
		})
	}

	boom := errors.New("no slot")
	calls := 0
	ei, err := RetryInternal(ctx, fast(3), nil, func() (*ciss.ErrorInfo, error) {
		calls++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, ei)
	assert.Equal(t, 1, calls)
}

func TestIsReady(t *testing.T) {
	tests := []struct {
		name string
		ei   *ciss.ErrorInfo
		want bool
	}{
		{"nil", nil, true},
		{"success", &ciss.ErrorInfo{}, true},
		{"unit attention", senseInfo(scsi.KeyUnitAttention, scsi.ASCPowerOrReset), true},
		{"no sense", senseInfo(scsi.KeyNoSense, 0), true},
		{"not ready", senseInfo(scsi.KeyNotReady, 0x04), false},
		{"busy", &ciss.ErrorInfo{CommandStatus: ciss.CmdTargetStatus, ScsiStatus: ciss.StatusBusy}, false},
		{"check condition without sense", &ciss.ErrorInfo{CommandStatus: ciss.CmdTargetStatus, ScsiStatus: ciss.StatusCheckCondition}, false},
		{"aborted", &ciss.ErrorInfo{CommandStatus: ciss.CmdAborted}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsReady(tt.ei))
		})
	}
}

type fakeProber struct {
	replies map[int][]*ciss.ErrorInfo
	probes  map[int]int
	err     error
}

func (f *fakeProber) TestUnitReady(_ context.Context, _ [8]byte, queue int) (*ciss.ErrorInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := f.probes[queue]
	f.probes[queue]++
	r := f.replies[queue]
	if n < len(r) {
		return r[n], nil
	}
	return nil, nil
}

func TestWaitReady(t *testing.T) {
	ctx := context.Background()
	notReady := senseInfo(scsi.KeyNotReady, 0x04)

	p := &fakeProber{
		replies: map[int][]*ciss.ErrorInfo{
			0: {notReady, notReady},
			1: {senseInfo(scsi.KeyUnitAttention, scsi.ASCPowerOrReset)},
		},
		probes: map[int]int{},
	}
	require.NoError(t, WaitReady(ctx, p, [8]byte{}, 2, fast(5), logging.Nop()))
	assert.Equal(t, 3, p.probes[0])
	assert.Equal(t, 1, p.probes[1])

	p = &fakeProber{
		replies: map[int][]*ciss.ErrorInfo{0: {notReady, notReady, notReady, notReady}},
		probes:  map[int]int{},
	}
	err := WaitReady(ctx, p, [8]byte{}, 1, fast(3), logging.Nop())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 3, p.probes[0])

	boom := errors.New("submit failed")
	p = &fakeProber{err: boom, probes: map[int]int{}}
	assert.ErrorIs(t, WaitReady(ctx, p, [8]byte{}, 0, fast(3), nil), boom)
}

func TestArbiter(t *testing.T) {
	ctx := context.Background()
	a := NewArbiter(2, time.Millisecond)
	require.NoError(t, a.Acquire(ctx))
	require.NoError(t, a.Acquire(ctx))
	assert.Equal(t, 0, a.Available())
	assert.ErrorIs(t, a.Acquire(ctx), ErrNoAbortSlot)

	a.Release()
	assert.Equal(t, 1, a.Available())
	require.NoError(t, a.Acquire(ctx))

	waiting := NewArbiter(1, 0)
	require.NoError(t, waiting.Acquire(ctx))
	assert.ErrorIs(t, waiting.Acquire(ctx), ErrNoAbortSlot, "zero wait never blocks")

	slow := NewArbiter(1, time.Minute)
	require.NoError(t, slow.Acquire(ctx))
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, slow.Acquire(cancelled), context.Canceled)

	a.Release() // releasing an idle arbiter is harmless
	a.Release()
	a.Release()
	assert.Equal(t, 2, a.Available())
}

func TestChooseMethod(t *testing.T) {
	tests := []struct {
		name     string
		flags    uint32
		external bool
		want     Method
	}{
		{"no support", 0, true, MethodNone},
		{"bits only", ciss.TMFBitsSupported, true, MethodNone},
		{"physical external", ciss.TMFBitsSupported | ciss.TMFPhysTaskAbort, true, MethodTaskAbort},
		{"physical internal", ciss.TMFBitsSupported | ciss.TMFPhysTaskAbort, false, MethodEmulated},
		{"logical only", ciss.TMFBitsSupported | ciss.TMFLogTaskAbort, true, MethodEmulated},
		{"no bits flag", ciss.TMFPhysTaskAbort, true, MethodEmulated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseMethod(tt.flags, tt.external))
		})
	}
	assert.Equal(t, "task-abort", MethodTaskAbort.String())
}

func TestAbortReplies(t *testing.T) {
	assert.True(t, ProbeSupportsAborts(&ciss.ErrorInfo{CommandStatus: ciss.CmdUnabortable}))
	assert.True(t, ProbeSupportsAborts(&ciss.ErrorInfo{CommandStatus: ciss.CmdAbortFailed}))
	assert.True(t, ProbeSupportsAborts(&ciss.ErrorInfo{CommandStatus: ciss.CmdTMFStatus, ScsiStatus: ciss.TMFComplete}))
	assert.False(t, ProbeSupportsAborts(&ciss.ErrorInfo{CommandStatus: ciss.CmdTMFStatus, ScsiStatus: ciss.TMFNotSupported}))
	assert.False(t, ProbeSupportsAborts(&ciss.ErrorInfo{CommandStatus: ciss.CmdInvalid}))
	assert.False(t, ProbeSupportsAborts(nil))

	assert.NoError(t, AbortResult(nil))
	assert.NoError(t, AbortResult(&ciss.ErrorInfo{}))
	assert.NoError(t, AbortResult(&ciss.ErrorInfo{CommandStatus: ciss.CmdTMFStatus, ScsiStatus: ciss.TMFSuccess}))
	assert.ErrorIs(t, AbortResult(&ciss.ErrorInfo{CommandStatus: ciss.CmdTMFStatus, ScsiStatus: ciss.TMFFailed}), scsi.ErrTMFFailed)
	assert.ErrorIs(t, AbortResult(&ciss.ErrorInfo{CommandStatus: ciss.CmdUnabortable}), ErrAbortRejected)
}
