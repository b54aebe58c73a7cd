// Package ring holds the per-session bounded event ring: every browser-facing
// event gets a monotonically increasing sequence number, and a reconnecting
// browser replays from its last acknowledged seq. Eviction is FIFO; the
// oldest surviving seq is the replay floor.
package ring

import (
	"sync"

	"github.com/agentmux/agentmux/internal/protocol"
)

// Entry is one sequenced event.
type Entry struct {
	Seq uint64
	Msg *protocol.ServerMessage
}

// Ring is a bounded ring of sequenced events.
type Ring struct {
	mu       sync.RWMutex
	buf      []Entry
	capacity int
	nextSeq  uint64
	head     int // oldest element index
	count    int
}

// New creates a ring with the given capacity.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 512
	}
	return &Ring{
		buf:      make([]Entry, capacity),
		capacity: capacity,
		nextSeq:  1,
	}
}

// Append assigns the next sequence number, stamps it onto the message, and
// stores the entry, evicting the oldest when full. Returns the assigned seq.
func (r *Ring) Append(msg *protocol.ServerMessage) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++
	msg.Seq = seq

	e := Entry{Seq: seq, Msg: msg}
	if r.count < r.capacity {
		r.buf[(r.head+r.count)%r.capacity] = e
		r.count++
	} else {
		r.buf[r.head] = e
		r.head = (r.head + 1) % r.capacity
	}
	return seq
}

// After returns all entries with seq > afterSeq, oldest first. When afterSeq
// is below the replay floor the caller gets everything that survives; the
// subscriber must tolerate the gap and rebuild from a snapshot.
func (r *Ring) After(afterSeq uint64) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head+i)%r.capacity]
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

// OldestSeq returns the replay floor, or 0 when the ring is empty.
func (r *Ring) OldestSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return 0
	}
	return r.buf[r.head].Seq
}

// LastSeq returns the most recently assigned seq, or 0 before any append.
func (r *Ring) LastSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSeq - 1
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
