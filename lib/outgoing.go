package lib

import "container/heap"

type queuedPacket struct {
	weight uint64
	packet *EncapsulatedPacket
}

// outgoingQueue orders queued packets by a per-priority weight that grows
// with every push, so High drains before Medium before Low while each
// priority stays FIFO. Guarded by the connection's outgoingMu.
type outgoingQueue struct {
	items       []queuedPacket
	nextWeights [numPriorities]uint64
}

func newOutgoingQueue() *outgoingQueue {
	q := &outgoingQueue{}
	q.resetWeights()
	return q
}

func (q *outgoingQueue) resetWeights() {
	for p := range q.nextWeights {
		q.nextWeights[p] = uint64((1<<p)*p + p)
	}
}

func (q *outgoingQueue) Len() int           { return len(q.items) }
func (q *outgoingQueue) Less(i, j int) bool { return q.items[i].weight < q.items[j].weight }
func (q *outgoingQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *outgoingQueue) Push(x any)         { q.items = append(q.items, x.(queuedPacket)) }

func (q *outgoingQueue) Pop() any {
	n := len(q.items)
	x := q.items[n-1]
	q.items[n-1] = queuedPacket{}
	q.items = q.items[:n-1]
	return x
}

func (q *outgoingQueue) push(p *EncapsulatedPacket) {
	if len(q.items) == 0 {
		q.resetWeights()
	}
	pr := int(p.priority)
	weight := q.nextWeights[pr]
	q.nextWeights[pr] += uint64((1<<pr)*(pr+1) + pr)
	heap.Push(q, queuedPacket{weight: weight, packet: p})
}

func (q *outgoingQueue) peek() *EncapsulatedPacket {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].packet
}

func (q *outgoingQueue) pop() *EncapsulatedPacket {
	return heap.Pop(q).(queuedPacket).packet
}

func (q *outgoingQueue) reset() {
	clear(q.items)
	q.items = q.items[:0]
	q.resetWeights()
}
