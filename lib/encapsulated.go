package lib

import (
	"github.com/pkg/errors"
)

// EncapsulatedPacket is one framed message inside a datagram.
type EncapsulatedPacket struct {
	Reliability      Reliability
	ReliabilityIndex uint32 // valid if Reliability.IsReliable()
	SequenceIndex    uint32 // valid if Reliability.IsSequenced()
	OrderingIndex    uint32 // valid if ordered or sequenced
	OrderingChannel  uint8
	Split            bool
	PartCount        uint32
	PartID           uint16
	PartIndex        uint32
	Payload          []byte
	priority         Priority // send side only
}

// Size is the encoded length of the packet.
func (p *EncapsulatedPacket) Size() int {
	size := 3 + p.Reliability.HeaderSize() + len(p.Payload)
	if p.Split {
		size += 10
	}
	return size
}

// Marshal appends the packet to w.
func (p *EncapsulatedPacket) Marshal(w *Writer) {
	flags := uint8(p.Reliability) << 5
	if p.Split {
		flags |= FlagSplit
	}
	w.WriteUint8(flags)
	w.WriteUint16(uint16(len(p.Payload) << 3))
	if p.Reliability.IsReliable() {
		w.WriteUint24LE(p.ReliabilityIndex)
	}
	if p.Reliability.IsSequenced() {
		w.WriteUint24LE(p.SequenceIndex)
	}
	if p.Reliability.IsOrdered() || p.Reliability.IsSequenced() {
		w.WriteUint24LE(p.OrderingIndex)
		w.WriteUint8(p.OrderingChannel)
	}
	if p.Split {
		w.WriteUint32(p.PartCount)
		w.WriteUint16(p.PartID)
		w.WriteUint32(p.PartIndex)
	}
	w.WriteBytes(p.Payload)
}

// Unmarshal decodes one packet from r. Payload aliases the reader's buffer.
func (p *EncapsulatedPacket) Unmarshal(r *Reader) error {
	flags, err := r.ReadUint8()
	if err != nil {
		return err
	}
	if p.Reliability, err = ReliabilityFromID((flags & 0xE0) >> 5); err != nil {
		return err
	}
	p.Split = flags&FlagSplit != 0
	bits, err := r.ReadUint16()
	if err != nil {
		return err
	}
	length := (int(bits) + 7) >> 3
	if p.Reliability.IsReliable() {
		if p.ReliabilityIndex, err = r.ReadUint24LE(); err != nil {
			return err
		}
	}
	if p.Reliability.IsSequenced() {
		if p.SequenceIndex, err = r.ReadUint24LE(); err != nil {
			return err
		}
	}
	if p.Reliability.IsOrdered() || p.Reliability.IsSequenced() {
		if p.OrderingIndex, err = r.ReadUint24LE(); err != nil {
			return err
		}
		if p.OrderingChannel, err = r.ReadUint8(); err != nil {
			return err
		}
		if p.OrderingChannel >= NumOrderingChannels {
			return errors.Errorf("ordering channel %d out of range", p.OrderingChannel)
		}
	}
	if p.Split {
		if p.PartCount, err = r.ReadUint32(); err != nil {
			return err
		}
		if p.PartID, err = r.ReadUint16(); err != nil {
			return err
		}
		if p.PartIndex, err = r.ReadUint32(); err != nil {
			return err
		}
	}
	if p.Payload, err = r.ReadBytes(length); err != nil {
		return errors.Wrap(err, "encapsulated payload")
	}
	return nil
}

// detach copies the payload so the packet can outlive the receive buffer.
func (p *EncapsulatedPacket) detach() {
	b := make([]byte, len(p.Payload))
	copy(b, p.Payload)
	p.Payload = b
}
