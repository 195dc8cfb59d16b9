package lib

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrInvalidReliability = errors.New("invalid reliability")

// Reliability is the delivery class of an encapsulated packet. The numeric
// value is what goes on the wire in the top three bits of the header flags.
type Reliability uint8

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	UnreliableWithAckReceipt
	Reliable
	ReliableOrdered
	ReliableSequenced
	ReliableWithAckReceipt
	ReliableOrderedWithAckReceipt
)

var reliabilityNames = [...]string{
	"UNRELIABLE",
	"UNRELIABLE_SEQUENCED",
	"UNRELIABLE_WITH_ACK_RECEIPT",
	"RELIABLE",
	"RELIABLE_ORDERED",
	"RELIABLE_SEQUENCED",
	"RELIABLE_WITH_ACK_RECEIPT",
	"RELIABLE_ORDERED_WITH_ACK_RECEIPT",
}

func ReliabilityFromID(id uint8) (Reliability, error) {
	if id > uint8(ReliableOrderedWithAckReceipt) {
		return 0, errors.Wrapf(ErrInvalidReliability, "id %d", id)
	}
	return Reliability(id), nil
}

func (r Reliability) IsReliable() bool {
	switch r {
	case Reliable, ReliableOrdered, ReliableSequenced, ReliableWithAckReceipt, ReliableOrderedWithAckReceipt:
		return true
	}
	return false
}

func (r Reliability) IsOrdered() bool {
	return r == ReliableOrdered || r == ReliableOrderedWithAckReceipt
}

func (r Reliability) IsSequenced() bool {
	return r == UnreliableSequenced || r == ReliableSequenced
}

func (r Reliability) WithAckReceipt() bool {
	return r == UnreliableWithAckReceipt || r == ReliableWithAckReceipt || r == ReliableOrderedWithAckReceipt
}

// HeaderSize is the number of header bytes the class adds on top of the
// 3 fixed bytes (flags + bit length). Sequenced packets carry the ordering
// index and channel as well as their own sequence index.
func (r Reliability) HeaderSize() int {
	size := 0
	if r.IsReliable() {
		size += 3
	}
	if r.IsSequenced() {
		size += 3
	}
	if r.IsOrdered() || r.IsSequenced() {
		size += 4
	}
	return size
}

// upgrade returns the reliable counterpart used when a payload has to be split.
func (r Reliability) upgrade() Reliability {
	switch r {
	case Unreliable:
		return Reliable
	case UnreliableSequenced:
		return ReliableSequenced
	case UnreliableWithAckReceipt:
		return ReliableWithAckReceipt
	}
	return r
}

func (r Reliability) String() string {
	if int(r) < len(reliabilityNames) {
		return reliabilityNames[r]
	}
	return fmt.Sprintf("Reliability(%d)", uint8(r))
}

// Priority selects how soon a queued packet leaves. Immediate bypasses the
// queue and is framed on the caller's goroutine.
type Priority uint8

const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	numPriorities
)
