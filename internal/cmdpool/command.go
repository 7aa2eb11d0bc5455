// Package cmdpool owns the controller's command blocks.
//
// Request-path commands come from Pool, a fixed arena of FastSlots that
// never blocks. Administrative commands come from AdminPool, which may
// wait for a slot and allocates block memory on demand. The two slot
// types are distinct so a slot can only go back to the pool it came from.
package cmdpool

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/sgl"
)

var (
	// ErrExhausted is returned by Pool.Get when every slot is taken
	ErrExhausted = errors.New("cmdpool: no free command slot")

	// ErrClosed is returned once a pool is closed
	ErrClosed = errors.New("cmdpool: pool closed")
)

// Kind says who waits for a command
type Kind int

const (
	// KindSCSI commands complete through the request callback
	KindSCSI Kind = iota
	// KindInternal commands wake a waiting caller
	KindInternal
)

func (k Kind) String() string {
	if k == KindSCSI {
		return "scsi"
	}
	return "internal"
}

// Allocator hands out bus-addressable memory
type Allocator interface {
	Alloc(n int) (uint64, []byte, error)
}

// Command is the state every command slot carries
type Command struct {
	// Index is the slot index in the fast pool, or -1 for admin slots
	Index int

	// Tag identifies the command in completions
	Tag uint64

	// BusAddr is the bus address of Block; it is what gets submitted
	BusAddr uint64
	Block   []byte

	ErrAddr uint64
	ErrInfo []byte

	// Chain is the slot's private overflow descriptor block
	Chain sgl.ChainBlock

	// Wire is the command as it will be encoded into Block
	Wire ciss.Command

	// SG is the mapped data of the current request, if any
	SG *sgl.List

	Kind Kind

	// Owner is the request the command serves
	Owner any

	done chan struct{}
}

func newCommand(mem Allocator, index int, blockSize, chainSize int) (*Command, error) {
	addr, block, err := mem.Alloc(blockSize)
	if err != nil {
		return nil, fmt.Errorf("command block: %w", err)
	}
	errAddr, errInfo, err := mem.Alloc(ciss.ErrorInfoSize)
	if err != nil {
		return nil, fmt.Errorf("error info: %w", err)
	}
	c := &Command{
		Index:   index,
		Tag:     addr,
		BusAddr: addr,
		Block:   block,
		ErrAddr: errAddr,
		ErrInfo: errInfo,
		done:    make(chan struct{}, 1),
	}
	if chainSize > 0 {
		chainAddr, chain, err := mem.Alloc(chainSize)
		if err != nil {
			return nil, fmt.Errorf("chain block: %w", err)
		}
		c.Chain = sgl.ChainBlock{Addr: chainAddr, Buf: chain}
	}
	return c, nil
}

// reset clears per-use state
func (c *Command) reset() {
	c.Wire = ciss.Command{}
	c.SG = nil
	c.Kind = KindSCSI
	c.Owner = nil
	clear(c.Block)
	clear(c.ErrInfo)
	select {
	case <-c.done:
	default:
	}
}

// SetLUN sets the addressed unit
func (c *Command) SetLUN(addr [8]byte) { c.Wire.Header.LUN = addr }

// Encode writes Wire into the command block, filling in the tag, the error
// descriptor and the SG layout. Error info is zeroed so a stale status is
// never read back.
func (c *Command) Encode(replyQueue int) error {
	w := &c.Wire
	w.Header.ReplyQueue = uint8(replyQueue)
	w.Header.Tag = c.Tag
	w.ErrDesc = ciss.ErrDescriptor{Addr: c.ErrAddr, Len: uint32(len(c.ErrInfo))}
	w.SG = nil
	w.Header.SGList = 0
	w.Header.SGTotal = 0
	if c.SG != nil && len(c.SG.Inline) > 0 {
		w.SG = c.SG.Inline
		w.Header.SGList = uint8(len(c.SG.Inline))
		w.Header.SGTotal = uint16(c.SG.Total)
	}
	clear(c.ErrInfo)
	return w.MarshalTo(c.Block)
}

// SGList returns the inline descriptor count of the encoded command
func (c *Command) SGList() int { return int(c.Wire.Header.SGList) }

// ErrorInfo decodes the error info block
func (c *Command) ErrorInfo() (ciss.ErrorInfo, error) {
	return ciss.UnmarshalErrorInfo(c.ErrInfo)
}

// SetErrorInfo overwrites the error info block. The driver uses it to
// fail commands it completes itself.
func (c *Command) SetErrorInfo(ei *ciss.ErrorInfo) error {
	return ciss.MarshalErrorInfo(ei, c.ErrInfo)
}

// Signal wakes the waiter of an internal command
func (c *Command) Signal() {
	select {
	case c.done <- struct{}{}:
	default:
	}
}

// Done receives once when an internal command completes
func (c *Command) Done() <-chan struct{} { return c.done }
