package lib

import (
	"github.com/pkg/errors"
	"golang.org/x/tools/container/intsets"
)

var ErrInvalidRange = errors.New("range start greater than end")

// IntRange is an inclusive range of datagram sequence numbers.
type IntRange struct {
	Min, Max uint32
}

func SingleRange(v uint32) IntRange {
	return IntRange{Min: v, Max: v}
}

// rangeQueue is a FIFO of ranges. Not safe for concurrent use.
type rangeQueue struct {
	items []IntRange
}

func (q *rangeQueue) Len() int {
	return len(q.items)
}

func (q *rangeQueue) Push(r IntRange) {
	q.items = append(q.items, r)
}

func (q *rangeQueue) pushFront(r IntRange) {
	q.items = append(q.items, IntRange{})
	copy(q.items[1:], q.items)
	q.items[0] = r
}

func (q *rangeQueue) Peek() (IntRange, bool) {
	if len(q.items) == 0 {
		return IntRange{}, false
	}
	return q.items[0], true
}

func (q *rangeQueue) Pop() (IntRange, bool) {
	if len(q.items) == 0 {
		return IntRange{}, false
	}
	r := q.items[0]
	q.items[0] = IntRange{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return r, true
}

// WriteIntRanges encodes as many queued ranges as fit into budget bytes,
// coalescing contiguous neighbours. Ranges that do not fit stay queued.
// It returns the number of entries written.
func WriteIntRanges(w *Writer, q *rangeQueue, budget int) int {
	countOff := w.Len()
	w.WriteUint16(0)
	budget -= 2
	count := 0
	for {
		r, ok := q.Pop()
		if !ok {
			break
		}
		for {
			next, ok := q.Peek()
			if !ok || r.Max+1 != next.Min {
				break
			}
			q.Pop()
			r.Max = next.Max
		}
		if r.Min == r.Max {
			if budget < 4 {
				q.pushFront(r)
				break
			}
			budget -= 4
			w.WriteBool(true)
			w.WriteUint24LE(r.Min)
		} else {
			if budget < 7 {
				q.pushFront(r)
				break
			}
			budget -= 7
			w.WriteBool(false)
			w.WriteUint24LE(r.Min)
			w.WriteUint24LE(r.Max)
		}
		count++
	}
	w.PutUint16At(countOff, uint16(count))
	return count
}

// ReadIntRanges decodes an ACK or NACK body.
func ReadIntRanges(r *Reader) ([]IntRange, error) {
	count, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	ranges := make([]IntRange, 0, count)
	for i := 0; i < int(count); i++ {
		singleton, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		start, err := r.ReadUint24LE()
		if err != nil {
			return nil, err
		}
		end := start
		if !singleton {
			if end, err = r.ReadUint24LE(); err != nil {
				return nil, err
			}
		}
		if start > end {
			return nil, errors.Wrapf(ErrInvalidRange, "%d > %d", start, end)
		}
		ranges = append(ranges, IntRange{Min: start, Max: end})
	}
	return ranges, nil
}

// ackSet collects received sequence numbers until the next ACK flush and
// hands them out as sorted, coalesced ranges.
type ackSet struct {
	set intsets.Sparse
}

func (a *ackSet) Add(seq uint32) {
	a.set.Insert(int(seq))
}

func (a *ackSet) IsEmpty() bool {
	return a.set.IsEmpty()
}

// DrainTo moves every collected number into q as ranges.
func (a *ackSet) DrainTo(q *rangeQueue) {
	var x int
	started := false
	var cur IntRange
	for a.set.TakeMin(&x) {
		v := uint32(x)
		if started && cur.Max+1 == v {
			cur.Max = v
			continue
		}
		if started {
			q.Push(cur)
		}
		cur = SingleRange(v)
		started = true
	}
	if started {
		q.Push(cur)
	}
}
