// Package ciss holds the wire format shared by the driver and the controller:
// command blocks, scatter-gather descriptors, error info, and the data
// layouts returned by discovery commands.
package ciss

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
)

// Wire sizes in bytes
const (
	HeaderSize        = 20
	RequestSize       = 20
	ErrDescriptorSize = 12
	SGDescriptorSize  = 16
	ErrorInfoSize     = 48

	// CommandFixedSize is the part of a command block ahead of the inline SG list
	CommandFixedSize = HeaderSize + RequestSize + ErrDescriptorSize

	SenseInfoSize = 32
)

// SG descriptor Ext bits
const (
	SGChain = 0x80000000
	SGLast  = 0x40000000
)

// Header is the command list header
type Header struct {
	ReplyQueue uint8   `struc:"uint8"`
	SGList     uint8   `struc:"uint8"`
	SGTotal    uint16  `struc:"uint16,little"`
	Tag        uint64  `struc:"uint64,little"`
	LUN        [8]byte `struc:"[8]uint8"`
}

// Request is the request block carrying the CDB
type Request struct {
	CDBLen      uint8    `struc:"uint8"`
	TypeAttrDir uint8    `struc:"uint8"`
	Timeout     uint16   `struc:"uint16,little"`
	CDB         [16]byte `struc:"[16]uint8"`
}

// ErrDescriptor points at the host buffer the controller fills on error
type ErrDescriptor struct {
	Addr uint64 `struc:"uint64,little"`
	Len  uint32 `struc:"uint32,little"`
}

// SGDescriptor is one scatter-gather element
type SGDescriptor struct {
	Addr uint64 `struc:"uint64,little"`
	Len  uint32 `struc:"uint32,little"`
	Ext  uint32 `struc:"uint32,little"`
}

// IsChain reports whether the descriptor points at a chain block
func (d SGDescriptor) IsChain() bool { return d.Ext&SGChain != 0 }

// ErrorInfo is written by the controller when a command does not succeed
type ErrorInfo struct {
	ScsiStatus    uint8    `struc:"uint8"`
	SenseLen      uint8    `struc:"uint8"`
	CommandStatus uint16   `struc:"uint16,little"`
	ResidualCnt   uint32   `struc:"uint32,little"`
	MoreErrInfo   [8]byte  `struc:"[8]uint8"`
	SenseInfo     [32]byte `struc:"[32]uint8"`
}

// Sense returns the valid portion of the sense buffer
func (e *ErrorInfo) Sense() []byte {
	n := int(e.SenseLen)
	if n > SenseInfoSize {
		n = SenseInfoSize
	}
	return e.SenseInfo[:n]
}

// Command is a decoded command block
type Command struct {
	Header  Header
	Request Request
	ErrDesc ErrDescriptor
	SG      []SGDescriptor // inline descriptors, len == Header.SGList
}

// Size returns the encoded size of the command block
func (c *Command) Size() int {
	return CommandFixedSize + SGDescriptorSize*len(c.SG)
}

// MarshalTo encodes the command block into dst, which must be large enough
func (c *Command) MarshalTo(dst []byte) error {
	if len(c.SG) != int(c.Header.SGList) {
		return fmt.Errorf("ciss: header says %d inline SG entries, have %d", c.Header.SGList, len(c.SG))
	}
	if len(dst) < c.Size() {
		return fmt.Errorf("ciss: command needs %d bytes, block has %d", c.Size(), len(dst))
	}
	var buf bytes.Buffer
	buf.Grow(c.Size())
	for _, part := range []interface{}{&c.Header, &c.Request, &c.ErrDesc} {
		if err := struc.Pack(&buf, part); err != nil {
			return fmt.Errorf("ciss: pack command: %w", err)
		}
	}
	if err := PackDescriptors(&buf, c.SG); err != nil {
		return err
	}
	copy(dst, buf.Bytes())
	return nil
}

// UnmarshalCommand decodes the fixed part of a command block plus its
// inline SG list.
func UnmarshalCommand(src []byte) (*Command, error) {
	if len(src) < CommandFixedSize {
		return nil, fmt.Errorf("ciss: short command block: %d bytes", len(src))
	}
	c := &Command{}
	r := bytes.NewReader(src)
	for _, part := range []interface{}{&c.Header, &c.Request, &c.ErrDesc} {
		if err := struc.Unpack(r, part); err != nil {
			return nil, fmt.Errorf("ciss: unpack command: %w", err)
		}
	}
	n := int(c.Header.SGList)
	if len(src) < CommandFixedSize+n*SGDescriptorSize {
		return nil, fmt.Errorf("ciss: block too short for %d SG entries", n)
	}
	sg, err := UnpackDescriptors(src[CommandFixedSize:], n)
	if err != nil {
		return nil, err
	}
	c.SG = sg
	return c, nil
}

type writer interface {
	Write(p []byte) (int, error)
}

// PackDescriptors encodes descriptors back to back
func PackDescriptors(w writer, descs []SGDescriptor) error {
	for i := range descs {
		if err := struc.Pack(w, &descs[i]); err != nil {
			return fmt.Errorf("ciss: pack SG %d: %w", i, err)
		}
	}
	return nil
}

// UnpackDescriptors decodes n descriptors from src
func UnpackDescriptors(src []byte, n int) ([]SGDescriptor, error) {
	if len(src) < n*SGDescriptorSize {
		return nil, fmt.Errorf("ciss: %d bytes cannot hold %d SG entries", len(src), n)
	}
	descs := make([]SGDescriptor, n)
	r := bytes.NewReader(src[:n*SGDescriptorSize])
	for i := range descs {
		if err := struc.Unpack(r, &descs[i]); err != nil {
			return nil, fmt.Errorf("ciss: unpack SG %d: %w", i, err)
		}
	}
	return descs, nil
}

// MarshalErrorInfo encodes ei into dst (at least ErrorInfoSize bytes)
func MarshalErrorInfo(ei *ErrorInfo, dst []byte) error {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, ei); err != nil {
		return fmt.Errorf("ciss: pack error info: %w", err)
	}
	if len(dst) < buf.Len() {
		return fmt.Errorf("ciss: error info needs %d bytes, have %d", buf.Len(), len(dst))
	}
	copy(dst, buf.Bytes())
	return nil
}

// UnmarshalErrorInfo decodes an error info block
func UnmarshalErrorInfo(src []byte) (ErrorInfo, error) {
	var ei ErrorInfo
	if len(src) < ErrorInfoSize {
		return ei, fmt.Errorf("ciss: short error info: %d bytes", len(src))
	}
	if err := struc.Unpack(bytes.NewReader(src[:ErrorInfoSize]), &ei); err != nil {
		return ei, fmt.Errorf("ciss: unpack error info: %w", err)
	}
	return ei, nil
}
