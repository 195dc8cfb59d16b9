package lib

import "sync"

// maxReliableGap bounds how far ahead of the read cursor a reliable index may
// be before the packet is refused instead of growing the window.
const maxReliableGap = 1 << 16

// bitQueue is a growable ring of bits.
type bitQueue struct {
	bits []byte
	head int // next write position
	tail int // oldest bit
	size int
}

func newBitQueue(capacity int) *bitQueue {
	capacity = powerOfTwoCeiling(capacity)
	if capacity < 8 {
		capacity = 8
	}
	return &bitQueue{bits: make([]byte, capacity>>3)}
}

func (q *bitQueue) capBits() int {
	return len(q.bits) << 3
}

func (q *bitQueue) Len() int {
	return q.size
}

func (q *bitQueue) IsEmpty() bool {
	return q.size == 0
}

func (q *bitQueue) bit(pos int) bool {
	return q.bits[pos>>3]&(1<<(pos&7)) != 0
}

func (q *bitQueue) setBit(pos int, v bool) {
	if v {
		q.bits[pos>>3] |= 1 << (pos & 7)
	} else {
		q.bits[pos>>3] &^= 1 << (pos & 7)
	}
}

func (q *bitQueue) Add(v bool) {
	if q.size == q.capBits() {
		q.grow()
	}
	q.setBit(q.head, v)
	q.head = (q.head + 1) & (q.capBits() - 1)
	q.size++
}

// Get returns the n-th bit from the front; out of range reads are false.
func (q *bitQueue) Get(n int) bool {
	if n < 0 || n >= q.size {
		return false
	}
	return q.bit((q.tail + n) & (q.capBits() - 1))
}

func (q *bitQueue) Set(n int, v bool) {
	if n < 0 || n >= q.size {
		return
	}
	q.setBit((q.tail+n)&(q.capBits()-1), v)
}

func (q *bitQueue) Peek() bool {
	return q.Get(0)
}

func (q *bitQueue) Poll() bool {
	if q.size == 0 {
		return false
	}
	v := q.bit(q.tail)
	q.tail = (q.tail + 1) & (q.capBits() - 1)
	q.size--
	return v
}

func (q *bitQueue) Reset() {
	for i := range q.bits {
		q.bits[i] = 0
	}
	q.head, q.tail, q.size = 0, 0, 0
}

func (q *bitQueue) grow() {
	nq := &bitQueue{bits: make([]byte, len(q.bits)<<1)}
	for i := 0; i < q.size; i++ {
		nq.setBit(i, q.Get(i))
	}
	nq.head = q.size
	nq.size = q.size
	*q = *nq
}

// reliabilityWindow tracks which reliable indices have been delivered.
// readIndex is the next index expected in order and bit n of missing stands
// for readIndex+n. A set bit means that index is still outstanding.
type reliabilityWindow struct {
	mu        sync.Mutex // guards readIndex and missing
	readIndex uint32
	missing   *bitQueue
}

func newReliabilityWindow() *reliabilityWindow {
	return &reliabilityWindow{missing: newBitQueue(512)}
}

// Accept records index ri and reports whether the packet is new. A false
// return means a duplicate or an index too far ahead to track.
func (w *reliabilityWindow) Accept(ri uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	missed := int(seqDiff24(ri, w.readIndex))
	switch {
	case missed > 0:
		if missed >= maxReliableGap {
			return false
		}
		if missed < w.missing.Len() {
			if !w.missing.Get(missed) {
				return false
			}
			w.missing.Set(missed, false)
		} else {
			for i := w.missing.Len(); i < missed; i++ {
				w.missing.Add(true)
			}
			w.missing.Add(false)
		}
	case missed == 0:
		w.readIndex = seqIncrement24(w.readIndex)
		if !w.missing.IsEmpty() {
			w.missing.Poll()
		}
	default:
		return false
	}
	for !w.missing.IsEmpty() && !w.missing.Peek() {
		w.missing.Poll()
		w.readIndex = seqIncrement24(w.readIndex)
	}
	return true
}

// ReadIndex returns the next reliable index expected in order.
func (w *reliabilityWindow) ReadIndex() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readIndex
}

func (w *reliabilityWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readIndex = 0
	w.missing.Reset()
}
