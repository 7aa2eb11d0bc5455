package backend

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// pending is a fetched command waiting for, or going through, execution
type pending struct {
	cmd   *ciss.Command
	addr  topology.Addr
	segs  [][]byte
	bytes int
}

func (p *pending) cdb() []byte {
	n := int(p.cmd.Request.CDBLen)
	if n > len(p.cmd.Request.CDB) {
		n = len(p.cmd.Request.CDB)
	}
	return p.cmd.Request.CDB[:n]
}

// submit fetches the command block at the request port value and runs it.
// Called with s.mu held.
func (s *Simulator) submit(val uint32) {
	s.stats.Commands++
	if s.mem == nil {
		s.logger.Error("command submitted before host memory was set")
		s.stats.Malformed++
		return
	}
	addr, fetch, err := s.decodeSubmission(val)
	if err != nil {
		s.logger.Error("bad submission", "value", fmt.Sprintf("0x%08x", val), "error", err)
		s.stats.Malformed++
		return
	}
	head, err := s.mem.Resolve(addr, ciss.CommandFixedSize)
	if err != nil {
		s.logger.Error("command block not mapped", "addr", fmt.Sprintf("0x%x", addr), "error", err)
		s.stats.Malformed++
		return
	}
	// header byte 1 is the inline SG count
	size := ciss.CommandFixedSize + int(head[1])*ciss.SGDescriptorSize
	blk, err := s.mem.Resolve(addr, size)
	if err != nil {
		s.logger.Error("command block truncated", "addr", fmt.Sprintf("0x%x", addr), "error", err)
		s.stats.Malformed++
		return
	}
	cmd, err := ciss.UnmarshalCommand(blk)
	if err != nil {
		s.logger.Error("undecodable command block", "addr", fmt.Sprintf("0x%x", addr), "error", err)
		s.stats.Malformed++
		return
	}
	p := &pending{cmd: cmd, addr: topology.Addr(cmd.Header.LUN)}

	if fetch > 0 && size > fetch {
		s.logger.Warn("block fetch shorter than command", "fetch", fetch, "size", size)
		s.complete(p, &ciss.ErrorInfo{CommandStatus: ciss.CmdProtocolErr})
		return
	}
	if err := s.gather(p); err != nil {
		s.logger.Warn("bad scatter-gather list", "error", err)
		s.complete(p, &ciss.ErrorInfo{CommandStatus: ciss.CmdProtocolErr})
		return
	}
	if s.locked {
		s.complete(p, &ciss.ErrorInfo{CommandStatus: ciss.CmdCtlrLockup})
		return
	}
	if cmd.Request.Type() == ciss.TypeMsg {
		s.message(p)
		return
	}
	if f := s.faults[p.addr]; f != nil && f.hold && isDataTransfer(p.cdb()[0]) {
		s.held = append(s.held, p)
		return
	}
	s.complete(p, s.execute(p))
}

// gather resolves the data segments of a command, following a chain
// descriptor into its chain block
func (s *Simulator) gather(p *pending) error {
	var descs []ciss.SGDescriptor
	for _, d := range p.cmd.SG {
		if !d.IsChain() {
			descs = append(descs, d)
			continue
		}
		if d.Len%ciss.SGDescriptorSize != 0 {
			return fmt.Errorf("chain block length %d", d.Len)
		}
		buf, err := s.mem.Resolve(d.Addr, int(d.Len))
		if err != nil {
			return fmt.Errorf("chain block: %w", err)
		}
		chained, err := ciss.UnpackDescriptors(buf, int(d.Len)/ciss.SGDescriptorSize)
		if err != nil {
			return err
		}
		descs = append(descs, chained...)
	}
	for _, d := range descs {
		if d.IsChain() {
			return fmt.Errorf("nested chain descriptor")
		}
		seg, err := s.mem.Resolve(d.Addr, int(d.Len))
		if err != nil {
			return err
		}
		p.segs = append(p.segs, seg)
		p.bytes += len(seg)
	}
	return nil
}

// complete writes error info for a failed command and posts its tag
func (s *Simulator) complete(p *pending, ei *ciss.ErrorInfo) {
	raw := p.cmd.Header.Tag
	if ei != nil {
		s.stats.Errors++
		if p.cmd.ErrDesc.Len < ciss.ErrorInfoSize {
			s.logger.Warn("error descriptor too short", "len", p.cmd.ErrDesc.Len)
		} else if buf, err := s.mem.Resolve(p.cmd.ErrDesc.Addr, ciss.ErrorInfoSize); err != nil {
			s.logger.Warn("error descriptor not mapped", "error", err)
		} else if err := ciss.MarshalErrorInfo(ei, buf); err != nil {
			s.logger.Warn("error info", "error", err)
		} else {
			raw |= 0x2
		}
	}
	s.post(int(p.cmd.Header.ReplyQueue), raw)
}

func isDataTransfer(op byte) bool {
	switch op {
	case ciss.OpRead10, ciss.OpWrite10, ciss.OpRead16, ciss.OpWrite16, ciss.OpWriteSame16:
		return true
	}
	return false
}

func checkCondition(key, asc, ascq uint8) *ciss.ErrorInfo {
	ei := &ciss.ErrorInfo{
		CommandStatus: ciss.CmdTargetStatus,
		ScsiStatus:    ciss.StatusCheckCondition,
	}
	sense := scsi.EncodeFixedSense(key, asc, ascq)
	ei.SenseLen = uint8(copy(ei.SenseInfo[:], sense))
	return ei
}

func illegalRequest(asc uint8) *ciss.ErrorInfo {
	return checkCondition(scsi.KeyIllegalRequest, asc, 0)
}

// scatter copies data into the command's segments
func scatter(segs [][]byte, data []byte) int {
	n := 0
	for _, seg := range segs {
		if n == len(data) {
			break
		}
		n += copy(seg, data[n:])
	}
	return n
}

// collect copies up to n bytes out of the command's segments
func collect(segs [][]byte, n int) []byte {
	out := make([]byte, 0, n)
	for _, seg := range segs {
		if len(out) == n {
			break
		}
		take := n - len(out)
		if take > len(seg) {
			take = len(seg)
		}
		out = append(out, seg[:take]...)
	}
	return out
}

// dataIn returns data of which at most alloc bytes are wanted. A short
// transfer is reported as an underrun.
func dataIn(p *pending, data []byte, alloc int) *ciss.ErrorInfo {
	if alloc < len(data) {
		data = data[:alloc]
	}
	n := scatter(p.segs, data)
	if n < p.bytes {
		return &ciss.ErrorInfo{CommandStatus: ciss.CmdDataUnderrun, ResidualCnt: uint32(p.bytes - n)}
	}
	return nil
}

func inquiryAlloc(cdb []byte) int {
	return int(cdb[3])<<8 | int(cdb[4])
}

// execute runs a SCSI command against the addressed device
func (s *Simulator) execute(p *pending) *ciss.ErrorInfo {
	cdb := p.cdb()
	if len(cdb) == 0 {
		return &ciss.ErrorInfo{CommandStatus: ciss.CmdInvalid}
	}
	op := cdb[0]
	if ei := s.injected(p.addr, op); ei != nil {
		return ei
	}

	if p.addr.IsController() {
		return s.controllerCommand(p, cdb)
	}
	if v := s.volumeLocked(p.addr); v != nil {
		return s.volumeCommand(v, p, cdb)
	}
	if ph := s.physicalLocked(p.addr); ph != nil {
		return s.physicalCommand(ph, p, cdb)
	}
	if s.enclosureLocked(p.addr) {
		return s.enclosureCommand(p, cdb)
	}
	return &ciss.ErrorInfo{CommandStatus: ciss.CmdInvalid}
}

func (s *Simulator) controllerCommand(p *pending, cdb []byte) *ciss.ErrorInfo {
	switch cdb[0] {
	case ciss.OpTestUnitReady:
		return nil
	case ciss.OpInquiry:
		id := identifier(s.cfg.BoardID, "controller")
		return s.inquiry(p, cdb, func() []byte {
			return ciss.EncodeInquiry(ciss.TypeRAID, s.cfg.SCSIRevision, "HP", "SMART ARRAY SIM", "8.00", false)
		}, map[uint8][]byte{
			ciss.VPDDeviceID: ciss.EncodeDeviceID(id),
		})
	case ciss.OpReportLogical:
		return dataIn(p, s.reportLogical(), int(binary.BigEndian.Uint32(cdb[6:10])))
	case ciss.OpReportPhysical:
		extended := cdb[1]&ciss.ReportPhysExtended != 0
		return dataIn(p, s.reportPhysical(extended), int(binary.BigEndian.Uint32(cdb[6:10])))
	case ciss.OpBMICWrite:
		if cdb[6] != ciss.BMICCacheFlush {
			return illegalRequest(scsi.ASCInvalidFieldInCDB)
		}
		s.stats.Flushes++
		for _, v := range s.volumes {
			if err := v.store.Flush(); err != nil {
				s.logger.Warn("volume flush failed", "volume", v.addr.String(), "error", err)
				return &ciss.ErrorInfo{CommandStatus: ciss.CmdHardwareErr}
			}
		}
		return nil
	}
	return illegalRequest(scsi.ASCInvalidOpcode)
}

// inquiry answers a standard or VPD inquiry. Page 0 lists the pages given.
func (s *Simulator) inquiry(p *pending, cdb []byte, std func() []byte, pages map[uint8][]byte) *ciss.ErrorInfo {
	alloc := inquiryAlloc(cdb)
	if cdb[1]&0x01 == 0 {
		if cdb[2] != 0 {
			return illegalRequest(scsi.ASCInvalidFieldInCDB)
		}
		return dataIn(p, std(), alloc)
	}
	page := cdb[2]
	if page == ciss.VPDSupportedPages {
		list := []uint8{ciss.VPDSupportedPages}
		for _, pg := range []uint8{ciss.VPDDeviceID, ciss.VPDRAIDLevel, ciss.VPDLVStatus} {
			if _, ok := pages[pg]; ok {
				list = append(list, pg)
			}
		}
		return dataIn(p, ciss.EncodeSupportedPages(list), alloc)
	}
	data, ok := pages[page]
	if !ok {
		return illegalRequest(scsi.ASCInvalidFieldInCDB)
	}
	return dataIn(p, data, alloc)
}

func (s *Simulator) volumeCommand(v *volume, p *pending, cdb []byte) *ciss.ErrorInfo {
	op := cdb[0]
	if op == ciss.OpInquiry {
		return s.inquiry(p, cdb, func() []byte {
			return ciss.EncodeInquiry(ciss.TypeDisk, s.cfg.SCSIRevision, "HP", v.cfg.Model, "1.00", false)
		}, map[uint8][]byte{
			ciss.VPDDeviceID:  ciss.EncodeDeviceID(v.id),
			ciss.VPDRAIDLevel: ciss.EncodeRAIDLevel(v.cfg.RAIDLevel),
			ciss.VPDLVStatus:  ciss.EncodeLVStatus(v.cfg.Status),
		})
	}
	if v.cfg.Status != ciss.LVOK {
		return checkCondition(scsi.KeyNotReady, scsi.ASCLogicalUnitNotReady, 0x00)
	}

	switch op {
	case ciss.OpTestUnitReady:
		return nil
	case ciss.OpReadCapacity:
		last := v.blocks - 1
		if last > 0xffffffff {
			last = 0xffffffff
		}
		return dataIn(p, ciss.EncodeCapacity(ciss.Capacity{LastLBA: uint32(last), BlockSize: v.cfg.BlockSize}), 8)
	case ciss.OpServiceIn16:
		if cdb[1]&0x1f != ciss.SAIReadCapacity16 {
			return illegalRequest(scsi.ASCInvalidFieldInCDB)
		}
		return dataIn(p, ciss.EncodeCapacity16(v.blocks-1, v.cfg.BlockSize), int(binary.BigEndian.Uint32(cdb[10:14])))
	case ciss.OpRead10, ciss.OpWrite10:
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		count := uint64(binary.BigEndian.Uint16(cdb[7:9]))
		return s.readWrite(v, p, lba, count, op == ciss.OpWrite10)
	case ciss.OpRead16, ciss.OpWrite16:
		lba := binary.BigEndian.Uint64(cdb[2:10])
		count := uint64(binary.BigEndian.Uint32(cdb[10:14]))
		return s.readWrite(v, p, lba, count, op == ciss.OpWrite16)
	case ciss.OpWriteSame16:
		lba := binary.BigEndian.Uint64(cdb[2:10])
		count := uint64(binary.BigEndian.Uint32(cdb[10:14]))
		return s.writeSame(v, p, lba, count, cdb[1]&0x08 != 0)
	}
	return illegalRequest(scsi.ASCInvalidOpcode)
}

func (s *Simulator) inRange(v *volume, lba, count uint64) bool {
	return lba <= v.blocks && count <= v.blocks-lba
}

func (s *Simulator) readWrite(v *volume, p *pending, lba, count uint64, write bool) *ciss.ErrorInfo {
	if !s.inRange(v, lba, count) {
		return checkCondition(scsi.KeyIllegalRequest, 0x21, 0x00)
	}
	bs := uint64(v.cfg.BlockSize)
	n := int(count * bs)
	if p.bytes < n {
		return &ciss.ErrorInfo{CommandStatus: ciss.CmdDataOverrun}
	}
	off := int64(lba * bs)
	if write {
		s.stats.Writes++
		if _, err := v.store.WriteAt(collect(p.segs, n), off); err != nil {
			s.logger.Warn("volume write failed", "volume", v.addr.String(), "error", err)
			return checkCondition(scsi.KeyMediumError, 0x0c, 0x00)
		}
	} else {
		s.stats.Reads++
		buf := make([]byte, n)
		if _, err := v.store.ReadAt(buf, off); err != nil {
			s.logger.Warn("volume read failed", "volume", v.addr.String(), "error", err)
			return checkCondition(scsi.KeyMediumError, 0x11, 0x00)
		}
		scatter(p.segs, buf)
	}
	if p.bytes > n {
		return &ciss.ErrorInfo{CommandStatus: ciss.CmdDataUnderrun, ResidualCnt: uint32(p.bytes - n)}
	}
	return nil
}

// writeSame repeats the first data block over the range, or discards the
// range when unmap is set and the store supports it
func (s *Simulator) writeSame(v *volume, p *pending, lba, count uint64, unmap bool) *ciss.ErrorInfo {
	if !s.inRange(v, lba, count) {
		return checkCondition(scsi.KeyIllegalRequest, 0x21, 0x00)
	}
	bs := uint64(v.cfg.BlockSize)
	s.stats.Writes++
	if d, ok := v.store.(Discarder); ok && unmap {
		if err := d.Discard(int64(lba*bs), int64(count*bs)); err != nil {
			return checkCondition(scsi.KeyMediumError, 0x0c, 0x00)
		}
		return nil
	}
	if p.bytes < int(bs) {
		return &ciss.ErrorInfo{CommandStatus: ciss.CmdDataOverrun}
	}
	block := collect(p.segs, int(bs))
	if unmap {
		block = make([]byte, bs)
	}
	for i := uint64(0); i < count; i++ {
		if _, err := v.store.WriteAt(block, int64((lba+i)*bs)); err != nil {
			return checkCondition(scsi.KeyMediumError, 0x0c, 0x00)
		}
	}
	return nil
}

func (s *Simulator) physicalCommand(ph *physical, p *pending, cdb []byte) *ciss.ErrorInfo {
	switch cdb[0] {
	case ciss.OpTestUnitReady:
		return nil
	case ciss.OpInquiry:
		return s.inquiry(p, cdb, func() []byte {
			return ciss.EncodeInquiry(ph.cfg.Type, s.cfg.SCSIRevision, "HP", ph.cfg.Model, "HPG1", ph.cfg.OBDR)
		}, map[uint8][]byte{
			ciss.VPDDeviceID: ciss.EncodeDeviceID(ph.id),
		})
	}
	return illegalRequest(scsi.ASCInvalidOpcode)
}

func (s *Simulator) enclosureCommand(p *pending, cdb []byte) *ciss.ErrorInfo {
	switch cdb[0] {
	case ciss.OpTestUnitReady:
		return nil
	case ciss.OpInquiry:
		id := identifier(s.cfg.BoardID, "enclosure/"+p.addr.String())
		return s.inquiry(p, cdb, func() []byte {
			return ciss.EncodeInquiry(ciss.TypeRAID, s.cfg.SCSIRevision, "HP", "MSA CONTROLLER", "1.00", false)
		}, map[uint8][]byte{
			ciss.VPDDeviceID: ciss.EncodeDeviceID(id),
		})
	}
	return illegalRequest(scsi.ASCInvalidOpcode)
}

// message handles task abort and reset messages
func (s *Simulator) message(p *pending) {
	req := &p.cmd.Request
	if req.IsAbort() {
		s.stats.Aborts++
		s.complete(p, s.abort(p.addr, ciss.AbortTag(req, s.cfg.NeedsAbortTagSwizzle)))
		return
	}
	kind, ok := req.ResetKindOf()
	if !ok {
		s.complete(p, &ciss.ErrorInfo{CommandStatus: ciss.CmdInvalid})
		return
	}
	s.stats.Resets++
	s.reset(p.addr, kind)
	s.complete(p, nil)
}

func (s *Simulator) abort(addr topology.Addr, tag uint64) *ciss.ErrorInfo {
	v := s.volumeLocked(addr)
	if v == nil && s.physicalLocked(addr) == nil {
		return &ciss.ErrorInfo{CommandStatus: ciss.CmdInvalid}
	}
	if v != nil && v.cfg.NoAborts {
		return &ciss.ErrorInfo{CommandStatus: ciss.CmdInvalid}
	}
	for i, h := range s.held {
		if h.addr == addr && h.cmd.Header.Tag == tag {
			s.held = append(s.held[:i], s.held[i+1:]...)
			s.complete(h, &ciss.ErrorInfo{CommandStatus: ciss.CmdAborted})
			return nil
		}
	}
	return &ciss.ErrorInfo{CommandStatus: ciss.CmdAbortFailed}
}

// reset aborts the held commands it covers and leaves a power-on unit
// attention on every device it reaches
func (s *Simulator) reset(addr topology.Addr, kind ciss.ResetKind) {
	covers := func(a topology.Addr) bool {
		return kind == ciss.ResetBus || a == addr
	}
	kept := s.held[:0]
	var aborted []*pending
	for _, h := range s.held {
		if covers(h.addr) {
			aborted = append(aborted, h)
			continue
		}
		kept = append(kept, h)
	}
	s.held = kept
	for _, h := range aborted {
		s.complete(h, &ciss.ErrorInfo{CommandStatus: ciss.CmdAborted})
	}

	if kind != ciss.ResetBus {
		s.faultLocked(addr).addUnitAttention(scsi.ASCPowerOrReset, 0)
		return
	}
	for _, v := range s.volumes {
		s.faultLocked(v.addr).addUnitAttention(scsi.ASCPowerOrReset, 0)
	}
	for _, ph := range s.physicals {
		s.faultLocked(ph.addr).addUnitAttention(scsi.ASCPowerOrReset, 0)
	}
}
