package ring

import (
	"fmt"

	"github.com/ehrlich-b/go-hpsa/internal/constants"
)

// Tag is a decoded completion tag: DirectTag or SearchTag
type Tag interface {
	isTag()
	String() string
}

// DirectTag carries the fast-pool slot index of the command
type DirectTag struct {
	Index int
}

// SearchTag carries a command block address that has to be looked up
type SearchTag struct {
	Addr uint64
}

func (DirectTag) isTag() {}
func (SearchTag) isTag() {}

func (t DirectTag) String() string { return fmt.Sprintf("direct:%d", t.Index) }
func (t SearchTag) String() string { return fmt.Sprintf("search:0x%x", t.Addr) }

// Encode returns the wire tag for a fast-pool slot
func (t DirectTag) Encode() uint64 {
	return uint64(t.Index)<<constants.DirectLookupShift | constants.DirectLookupBit
}

// Decode classifies a raw completion. errorBits are the low bits the
// transport mode uses for status and are dropped from search tags.
func Decode(raw uint64, errorBits uint64) Tag {
	if raw&constants.DirectLookupBit != 0 {
		return DirectTag{Index: int(raw >> constants.DirectLookupShift)}
	}
	return SearchTag{Addr: raw &^ errorBits}
}

// ErrorInfoValid reports whether the controller flagged error info in a
// completion.
func ErrorInfoValid(raw uint64) bool { return raw&0x02 != 0 }
