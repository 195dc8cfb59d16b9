package lib

import (
	"time"

	"github.com/pkg/errors"
)

var (
	errBadSplit       = errors.New("malformed split fragment")
	errSplitTableFull = errors.New("too many split packets in flight")
)

// splitSlot accumulates the fragments of one split group.
type splitSlot struct {
	inUse    bool
	partID   uint16
	count    uint32
	received uint32
	parts    [][]byte
	have     []bool
	created  time.Time
}

// splitArena is a fixed set of reassembly slots. Finished slots go back on
// the free list and keep their fragment buffers for the next group.
type splitArena struct {
	slots []splitSlot
	free  []int32
	byID  map[uint16]int32
}

func newSplitArena(capacity int) *splitArena {
	a := &splitArena{
		slots: make([]splitSlot, capacity),
		free:  make([]int32, 0, capacity),
		byID:  make(map[uint16]int32),
	}
	for i := capacity - 1; i >= 0; i-- {
		a.free = append(a.free, int32(i))
	}
	return a
}

// Len returns the number of groups being reassembled.
func (a *splitArena) Len() int {
	return len(a.byID)
}

// Add stores a fragment. It returns the reassembled packet once every part
// of the group has arrived, or nil while the group is incomplete. Duplicate
// part indices are ignored.
func (a *splitArena) Add(p *EncapsulatedPacket, now time.Time) (*EncapsulatedPacket, error) {
	if p.PartCount == 0 || p.PartCount > MaxSplitParts || p.PartIndex >= p.PartCount {
		return nil, errors.Wrapf(errBadSplit, "part %d of %d", p.PartIndex, p.PartCount)
	}
	idx, ok := a.byID[p.PartID]
	if !ok {
		if len(a.free) == 0 {
			return nil, errSplitTableFull
		}
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.byID[p.PartID] = idx
		a.slots[idx].open(p.PartID, p.PartCount, now)
	}
	slot := &a.slots[idx]
	if slot.count != p.PartCount {
		return nil, errors.Wrapf(errBadSplit, "group %d expects %d parts, fragment says %d", p.PartID, slot.count, p.PartCount)
	}
	if slot.have[p.PartIndex] {
		return nil, nil
	}
	slot.parts[p.PartIndex] = append(slot.parts[p.PartIndex][:0], p.Payload...)
	slot.have[p.PartIndex] = true
	slot.received++
	if slot.received < slot.count {
		return nil, nil
	}

	size := 0
	for _, part := range slot.parts {
		size += len(part)
	}
	payload := make([]byte, 0, size)
	for _, part := range slot.parts {
		payload = append(payload, part...)
	}
	a.release(idx)

	return &EncapsulatedPacket{
		Reliability:      p.Reliability,
		ReliabilityIndex: p.ReliabilityIndex,
		SequenceIndex:    p.SequenceIndex,
		OrderingIndex:    p.OrderingIndex,
		OrderingChannel:  p.OrderingChannel,
		Payload:          payload,
	}, nil
}

// Expire frees groups older than ttl and returns how many were dropped.
func (a *splitArena) Expire(now time.Time, ttl time.Duration) int {
	dropped := 0
	for id, idx := range a.byID {
		if now.Sub(a.slots[idx].created) >= ttl {
			delete(a.byID, id)
			a.slots[idx].close()
			a.free = append(a.free, idx)
			dropped++
		}
	}
	return dropped
}

// Reset frees every slot.
func (a *splitArena) Reset() {
	for id, idx := range a.byID {
		delete(a.byID, id)
		a.slots[idx].close()
		a.free = append(a.free, idx)
	}
}

func (a *splitArena) release(idx int32) {
	delete(a.byID, a.slots[idx].partID)
	a.slots[idx].close()
	a.free = append(a.free, idx)
}

func (s *splitSlot) open(partID uint16, count uint32, now time.Time) {
	s.inUse = true
	s.partID = partID
	s.count = count
	s.received = 0
	s.created = now
	if cap(s.parts) < int(count) {
		s.parts = make([][]byte, count)
		s.have = make([]bool, count)
		return
	}
	s.parts = s.parts[:count]
	s.have = s.have[:count]
	for i := range s.have {
		s.have[i] = false
		s.parts[i] = s.parts[i][:0]
	}
}

func (s *splitSlot) close() {
	s.inUse = false
	s.received = 0
	if cap(s.parts) > MaxSplitParts/8 {
		// do not pin memory for an unusually large group
		s.parts = nil
		s.have = nil
	}
}
