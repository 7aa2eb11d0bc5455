package ring

import "sync/atomic"

// ReplyQueue is the consumer side of a host-resident reply ring. The
// controller stores completions with the low bit set to the parity of its
// current pass; an entry is new only when that bit matches ours.
//
// Only the interrupt path reads a queue, so head and wrap need no lock.
type ReplyQueue struct {
	entries []uint64
	head    int
	wrap    uint64
}

// NewReplyQueue allocates a zeroed ring of depth entries
func NewReplyQueue(depth int) *ReplyQueue {
	return &ReplyQueue{entries: make([]uint64, depth), wrap: 1}
}

// Entries is the ring memory handed to the controller
func (q *ReplyQueue) Entries() []uint64 { return q.entries }

// Head returns the next entry to be consumed
func (q *ReplyQueue) Head() int { return q.head }

// Wrap returns the parity the next valid entry must carry
func (q *ReplyQueue) Wrap() uint64 { return q.wrap }

// Next consumes one completion if there is a new one
func (q *ReplyQueue) Next() (uint64, bool) {
	if len(q.entries) == 0 {
		return 0, false
	}
	e := atomic.LoadUint64(&q.entries[q.head])
	if e&1 != q.wrap {
		return 0, false
	}
	q.head++
	if q.head == len(q.entries) {
		q.head = 0
		q.wrap ^= 1
	}
	return e, true
}

// Producer is the controller side of a reply ring
type Producer struct {
	entries []uint64
	head    int
	wrap    uint64
}

// NewProducer attaches to ring memory given to the controller
func NewProducer(entries []uint64) *Producer {
	return &Producer{entries: entries, wrap: 1}
}

// Post stores a completion with the current parity
func (p *Producer) Post(tag uint64) {
	atomic.StoreUint64(&p.entries[p.head], tag&^1|p.wrap)
	p.head++
	if p.head == len(p.entries) {
		p.head = 0
		p.wrap ^= 1
	}
}
