package ciss

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandLayout(t *testing.T) {
	c := &Command{
		Header: Header{ReplyQueue: 2, SGList: 2, SGTotal: 3, Tag: 0x1230},
		Request: Inquiry(true, VPDDeviceID, 64),
		ErrDesc: ErrDescriptor{Addr: 0x10002000, Len: ErrorInfoSize},
		SG: []SGDescriptor{
			{Addr: 0x10003000, Len: 512},
			{Addr: 0x10004000, Len: 32, Ext: SGChain},
		},
	}
	c.Header.LUN = [8]byte{1, 0, 0, 0x40}
	block := make([]byte, c.Size())
	require.NoError(t, c.MarshalTo(block))

	assert.Equal(t, uint8(2), block[0])
	assert.Equal(t, uint8(2), block[1])
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(block[2:4]))
	assert.Equal(t, uint64(0x1230), binary.LittleEndian.Uint64(block[4:12]))
	assert.Equal(t, uint8(0x40), block[15])
	// request starts at 20, CDB at 24
	assert.Equal(t, uint8(6), block[20])
	assert.Equal(t, uint8(OpInquiry), block[24])
	assert.Equal(t, uint8(VPDDeviceID), block[26])
	// error descriptor at 40, SG at 52
	assert.Equal(t, uint64(0x10002000), binary.LittleEndian.Uint64(block[40:48]))
	assert.Equal(t, uint64(0x10004000), binary.LittleEndian.Uint64(block[CommandFixedSize+16:]))
	assert.Equal(t, uint32(SGChain), binary.LittleEndian.Uint32(block[CommandFixedSize+28:]))

	got, err := UnmarshalCommand(block)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.True(t, got.SG[1].IsChain())
}

func TestMarshalRejectsMismatchedSGCount(t *testing.T) {
	c := &Command{Header: Header{SGList: 1}}
	assert.Error(t, c.MarshalTo(make([]byte, 128)))

	c = &Command{Header: Header{SGList: 1}, SG: make([]SGDescriptor, 1)}
	assert.Error(t, c.MarshalTo(make([]byte, CommandFixedSize)), "block too small")
}

func TestErrorInfo(t *testing.T) {
	ei := &ErrorInfo{
		ScsiStatus:    StatusCheckCondition,
		SenseLen:      18,
		CommandStatus: CmdTargetStatus,
		ResidualCnt:   4096,
	}
	ei.SenseInfo[0] = 0x70
	ei.SenseInfo[2] = 0x02

	buf := make([]byte, ErrorInfoSize)
	require.NoError(t, MarshalErrorInfo(ei, buf))
	assert.Equal(t, uint16(CmdTargetStatus), binary.LittleEndian.Uint16(buf[2:4]))
	assert.Equal(t, uint32(4096), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, uint8(0x70), buf[16])

	got, err := UnmarshalErrorInfo(buf)
	require.NoError(t, err)
	assert.Equal(t, *ei, got)
	assert.Len(t, got.Sense(), 18)

	got.SenseLen = 200
	assert.Len(t, got.Sense(), SenseInfoSize)
}

func TestTypeAttrDir(t *testing.T) {
	r := TestUnitReady()
	assert.Equal(t, uint8(TypeCmd), r.Type())
	assert.Equal(t, uint8(XferNone), r.Direction())

	r = CacheFlush(4096)
	assert.Equal(t, uint8(XferWrite), r.Direction())
	assert.Equal(t, uint8(BMICCacheFlush), r.CDB[6])
	assert.Equal(t, 4096, r.AllocLen())

	r = ReportLUNs(true, true, 0x1808)
	assert.Equal(t, uint8(OpReportPhysical), r.CDB[0])
	assert.Equal(t, uint8(ReportPhysExtended), r.CDB[1])
	assert.Equal(t, uint8(XferRead), r.Direction())
	assert.Equal(t, 0x1808, r.AllocLen())
	assert.Equal(t, uint8(12), r.CDBLen)
}

func TestResetMessages(t *testing.T) {
	tests := []struct {
		kind  ResetKind
		cdb1  uint8
		bytes uint8
	}{
		{ResetLUN, ResetTypeLUN, 0x00},
		{ResetTarget, ResetTypeTarget, 0x00},
		{ResetBus, ResetTypeLUN, 0xff},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			r := Reset(tt.kind)
			assert.Equal(t, uint8(TypeMsg), r.Type())
			assert.Equal(t, uint8(16), r.CDBLen)
			assert.Equal(t, uint8(MsgDeviceReset), r.CDB[0])
			assert.Equal(t, tt.cdb1, r.CDB[1])
			assert.Equal(t, tt.bytes, r.CDB[4])
			assert.Equal(t, tt.bytes, r.CDB[7])

			kind, ok := r.ResetKindOf()
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
			assert.False(t, r.IsAbort())
		})
	}
}

func TestAbortTagSwizzle(t *testing.T) {
	const tag = 0x0011223344556677

	r := Abort(tag, false)
	assert.True(t, r.IsAbort())
	assert.Equal(t, uint8(XferWrite), r.Direction())
	assert.Equal(t, []byte{0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x00}, r.CDB[4:12])
	assert.Equal(t, uint64(tag), AbortTag(&r, false))

	r = Abort(tag, true)
	assert.Equal(t, []byte{0x44, 0x55, 0x66, 0x77, 0x00, 0x11, 0x22, 0x33}, r.CDB[4:12])
	assert.Equal(t, uint64(tag), AbortTag(&r, true))

	_, ok := r.ResetKindOf()
	assert.False(t, ok)
}

func TestLUNReport(t *testing.T) {
	rep := &LUNReport{Extended: true, Entries: []ExtLUNEntry{
		{LUNID: [8]uint8{0, 0, 0, 0, 0, 0, 0, 0}, DeviceType: TypeRAID},
		{LUNID: [8]uint8{1, 0, 0, 0, 0, 0, 0, 0}, WWID: [8]uint8{0x50, 1}, IOAccelHandle: 7},
	}}
	buf := rep.Marshal()
	require.Len(t, buf, ReportHeaderSize+2*ExtLUNEntrySize)
	assert.Equal(t, uint32(48), binary.BigEndian.Uint32(buf[0:4]))

	got, err := ParseLUNReport(buf, true)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Reported)
	assert.Equal(t, rep.Entries, got.Entries)

	_, err = ParseLUNReport(buf, false)
	assert.ErrorIs(t, err, ErrReportFormat)
}

func TestLUNReportTruncated(t *testing.T) {
	rep := &LUNReport{Entries: make([]ExtLUNEntry, 5)}
	for i := range rep.Entries {
		rep.Entries[i].LUNID[0] = uint8(i)
	}
	buf := rep.Marshal()

	got, err := ParseLUNReport(buf[:ReportHeaderSize+3*LUNEntrySize], false)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Reported, "claimed count survives truncation")
	require.Len(t, got.Entries, 3)
	assert.Equal(t, uint8(2), got.Entries[2].LUNID[0])
}

func TestInquiry(t *testing.T) {
	buf := EncodeInquiry(TypeTape, 0x05, "HP", "Ultrium 6", "35GD", true)
	d, err := ParseInquiry(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeTape), d.DeviceType)
	assert.Equal(t, uint8(5), d.SCSIRevision())
	assert.Equal(t, "HP", d.Vendor)
	assert.Equal(t, "Ultrium 6", d.Model)
	assert.Equal(t, "35GD", d.Revision)
	assert.True(t, d.IsOBDR())

	d, err = ParseInquiry(buf[:StdInquirySize])
	require.NoError(t, err)
	assert.False(t, d.IsOBDR(), "short inquiry cannot carry the signature")

	d, err = ParseInquiry([]byte{TypeDisk})
	require.NoError(t, err)
	assert.Empty(t, d.Vendor)
}

func TestVPDPages(t *testing.T) {
	pages := SupportedPages(EncodeSupportedPages([]uint8{0x00, 0x83, 0xc1}))
	assert.Equal(t, []uint8{0x00, 0x83, 0xc1}, pages)
	assert.Nil(t, SupportedPages([]byte{0, 0}))
	assert.Len(t, SupportedPages([]byte{0, 0, 0, 9, 0x83}), 1, "count is clamped to the buffer")

	id := [DeviceIDLen]byte{0x60, 0x01, 0x43, 0x80}
	got, ok := DeviceID(EncodeDeviceID(id))
	require.True(t, ok)
	assert.Equal(t, id, got)
	_, ok = DeviceID(make([]byte, 10))
	assert.False(t, ok)

	assert.Equal(t, uint8(5), EncodeRAIDLevel(5)[RAIDLevelOffset])
	assert.Equal(t, uint8(LVEncryptedNoKey), EncodeLVStatus(LVEncryptedNoKey)[LVStatusOffset])
}

func TestCapacity(t *testing.T) {
	c, err := ParseCapacity(EncodeCapacity(Capacity{LastLBA: 2047, BlockSize: 512}))
	require.NoError(t, err)
	assert.Equal(t, uint32(2047), c.LastLBA)
	assert.Equal(t, uint32(512), c.BlockSize)

	_, err = ParseCapacity([]byte{1, 2})
	assert.Error(t, err)
}
