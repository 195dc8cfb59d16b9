package lib

import "container/heap"

// orderNode holds one packet waiting for its turn on a channel.
type orderNode struct {
	index  uint32
	packet *EncapsulatedPacket
}

// orderingHeap is a min-heap of held packets for one ordering channel. The
// packets live in an arena of nodes; the heap itself only moves int32 slot
// numbers, and freed slots are reused by later inserts.
type orderingHeap struct {
	nodes []orderNode
	free  []int32
	order []int32
}

func (h *orderingHeap) Len() int { return len(h.order) }

func (h *orderingHeap) Less(i, j int) bool {
	return isLess24(h.nodes[h.order[i]].index, h.nodes[h.order[j]].index)
}

func (h *orderingHeap) Swap(i, j int) { h.order[i], h.order[j] = h.order[j], h.order[i] }

func (h *orderingHeap) Push(x any) { h.order = append(h.order, x.(int32)) }

func (h *orderingHeap) Pop() any {
	n := len(h.order)
	x := h.order[n-1]
	h.order = h.order[:n-1]
	return x
}

// insert holds p under its ordering index.
func (h *orderingHeap) insert(index uint32, p *EncapsulatedPacket) {
	var slot int32
	if n := len(h.free); n > 0 {
		slot = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.nodes = append(h.nodes, orderNode{})
		slot = int32(len(h.nodes) - 1)
	}
	h.nodes[slot] = orderNode{index: index, packet: p}
	heap.Push(h, slot)
}

// peekMin returns the lowest held index.
func (h *orderingHeap) peekMin() (uint32, bool) {
	if len(h.order) == 0 {
		return 0, false
	}
	return h.nodes[h.order[0]].index, true
}

// popMin removes and returns the packet with the lowest index.
func (h *orderingHeap) popMin() *EncapsulatedPacket {
	slot := heap.Pop(h).(int32)
	p := h.nodes[slot].packet
	h.nodes[slot] = orderNode{}
	h.free = append(h.free, slot)
	return p
}

func (h *orderingHeap) reset() {
	for i := range h.nodes {
		h.nodes[i] = orderNode{}
	}
	h.nodes = h.nodes[:0]
	h.free = h.free[:0]
	h.order = h.order[:0]
}

// orderingChannels is the per-connection reorder buffer. Callers hold the
// connection's ordering lock.
type orderingChannels struct {
	readIndex         [NumOrderingChannels]uint32
	sequenceReadIndex [NumOrderingChannels]uint32
	heaps             [NumOrderingChannels]orderingHeap
}

// receive feeds an ordered packet and calls deliver for every packet that
// is now in order, in order. Stale duplicates are dropped; packets from the
// future are held.
func (o *orderingChannels) receive(p *EncapsulatedPacket, deliver func(*EncapsulatedPacket)) {
	ch := p.OrderingChannel
	switch d := seqDiff24(p.OrderingIndex, o.readIndex[ch]); {
	case d > 0:
		p.detach()
		o.heaps[ch].insert(p.OrderingIndex, p)
		return
	case d < 0:
		return
	}
	o.readIndex[ch] = seqIncrement24(o.readIndex[ch])
	deliver(p)
	h := &o.heaps[ch]
	for {
		idx, ok := h.peekMin()
		if !ok {
			break
		}
		if isLess24(idx, o.readIndex[ch]) {
			h.popMin() // duplicate of something already delivered
			continue
		}
		if idx != o.readIndex[ch] {
			break
		}
		queued := h.popMin()
		o.readIndex[ch] = seqIncrement24(o.readIndex[ch])
		deliver(queued)
	}
}

// sequenced reports whether a sequenced packet is newer than every packet
// already delivered on its channel. Older ones are dropped by the caller.
func (o *orderingChannels) sequenced(p *EncapsulatedPacket) bool {
	ch := p.OrderingChannel
	if isLess24(p.OrderingIndex, o.readIndex[ch]) {
		return false
	}
	if isLess24(p.SequenceIndex, o.sequenceReadIndex[ch]) {
		return false
	}
	o.sequenceReadIndex[ch] = seqIncrement24(p.SequenceIndex)
	return true
}

// held returns the number of packets waiting on ch.
func (o *orderingChannels) held(ch uint8) int {
	return o.heaps[ch].Len()
}

func (o *orderingChannels) reset() {
	for i := range o.heaps {
		o.heaps[i].reset()
		o.readIndex[i] = 0
		o.sequenceReadIndex[i] = 0
	}
}
