package lib

import (
	"time"

	"github.com/pkg/errors"
)

// Datagram is a framed wire datagram: flags, a 24-bit sequence number and
// the encapsulated packets in transmission order.
type Datagram struct {
	Flags         uint8
	SequenceIndex uint32
	Packets       []*EncapsulatedPacket
	Timestamp     time.Time // receive time on decode, creation time on send
	nextSend      time.Time // retransmission deadline
	sent          bool
}

func NewDatagram(now time.Time) *Datagram {
	return &Datagram{Flags: FlagValid, Timestamp: now}
}

// Size is the encoded length of the datagram.
func (d *Datagram) Size() int {
	size := DatagramHeaderSize
	for _, p := range d.Packets {
		size += p.Size()
	}
	return size
}

// TryAddPacket appends p if the result still fits in mtu. Split packets mark
// the datagram as part of a continuous send.
func (d *Datagram) TryAddPacket(p *EncapsulatedPacket, mtu int) bool {
	if d.Size()+p.Size() > mtu-DatagramHeaderSize {
		return false
	}
	d.Packets = append(d.Packets, p)
	if p.Split {
		d.Flags |= FlagContinuousSend
	}
	return true
}

// needsReceipt reports whether the remote must acknowledge this datagram for
// it to be dropped from the resend table.
func (d *Datagram) needsReceipt() bool {
	for _, p := range d.Packets {
		if p.Reliability != Unreliable && p.Reliability != UnreliableSequenced {
			return true
		}
	}
	return false
}

func (d *Datagram) Marshal(w *Writer) {
	w.WriteUint8(d.Flags)
	w.WriteUint24LE(d.SequenceIndex)
	for _, p := range d.Packets {
		p.Marshal(w)
	}
}

// Unmarshal decodes b into d. The packets keep referencing b.
func (d *Datagram) Unmarshal(b []byte) error {
	r := NewReader(b)
	var err error
	if d.Flags, err = r.ReadUint8(); err != nil {
		return err
	}
	if d.SequenceIndex, err = r.ReadUint24LE(); err != nil {
		return err
	}
	d.Packets = d.Packets[:0]
	for r.Remaining() > 0 {
		p := &EncapsulatedPacket{}
		if err := p.Unmarshal(r); err != nil {
			return errors.Wrapf(err, "datagram %d packet %d", d.SequenceIndex, len(d.Packets))
		}
		d.Packets = append(d.Packets, p)
	}
	return nil
}
