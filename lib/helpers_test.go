package lib

import (
	"net"
	"sync"
	"testing"
	"time"
)

// recorder is a packetWriter that keeps a copy of everything written.
type recorder struct {
	mu      sync.Mutex
	packets [][]byte
	addrs   []*net.UDPAddr
}

func (r *recorder) WritePacket(b []byte, addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, append([]byte(nil), b...))
	r.addrs = append(r.addrs, addr)
}

// take returns and forgets everything recorded so far.
func (r *recorder) take() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.packets
	r.packets, r.addrs = nil, nil
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testListener records every callback.
type testListener struct {
	BaseListener
	mu          sync.Mutex
	refuse      bool
	serverData  []byte
	created     int
	established int
	payloads    [][]byte
	direct      [][]byte
	unhandled   [][]byte
	reasons     []DisconnectReason
}

func (l *testListener) OnConnect(*net.UDPAddr) bool {
	return !l.refuse
}

func (l *testListener) OnRequestServerData() []byte {
	return l.serverData
}

func (l *testListener) OnConnectionCreation(*Connection) {
	l.mu.Lock()
	l.created++
	l.mu.Unlock()
}

func (l *testListener) OnConnectionEstablished(*Connection) {
	l.mu.Lock()
	l.established++
	l.mu.Unlock()
}

func (l *testListener) OnEncapsulated(_ *Connection, payload []byte) {
	l.mu.Lock()
	l.payloads = append(l.payloads, payload)
	l.mu.Unlock()
}

func (l *testListener) OnDirect(_ *Connection, payload []byte) {
	l.mu.Lock()
	l.direct = append(l.direct, payload)
	l.mu.Unlock()
}

func (l *testListener) OnUnhandledDatagram(_ *net.UDPAddr, payload []byte) {
	l.mu.Lock()
	l.unhandled = append(l.unhandled, payload)
	l.mu.Unlock()
}

func (l *testListener) OnDisconnect(_ *Connection, reason DisconnectReason) {
	l.mu.Lock()
	l.reasons = append(l.reasons, reason)
	l.mu.Unlock()
}

// wire sorts recorded packets by kind.
type wire struct {
	raw       []Packet
	acks      []IntRange
	nacks     []IntRange
	datagrams []*Datagram
}

func decodeWire(t *testing.T, packets [][]byte) wire {
	t.Helper()
	var w wire
	for _, b := range packets {
		switch {
		case b[0]&FlagValid == 0:
			p, err := DecodePacket(b)
			if err != nil {
				t.Fatalf("undecodable raw packet % x: %v", b, err)
			}
			w.raw = append(w.raw, p)
		case b[0]&FlagACK != 0:
			ranges, err := ReadIntRanges(NewReader(b[1:]))
			if err != nil {
				t.Fatalf("undecodable ACK: %v", err)
			}
			w.acks = append(w.acks, ranges...)
		case b[0]&FlagNACK != 0:
			ranges, err := ReadIntRanges(NewReader(b[1:]))
			if err != nil {
				t.Fatalf("undecodable NACK: %v", err)
			}
			w.nacks = append(w.nacks, ranges...)
		default:
			d := &Datagram{}
			if err := d.Unmarshal(b); err != nil {
				t.Fatalf("undecodable datagram: %v", err)
			}
			w.datagrams = append(w.datagrams, d)
		}
	}
	return w
}

// packets returns the encapsulated packets whose payload starts with id.
func (w wire) packets(id uint8) []*EncapsulatedPacket {
	var out []*EncapsulatedPacket
	for _, d := range w.datagrams {
		for _, p := range d.Packets {
			if len(p.Payload) > 0 && p.Payload[0] == id {
				out = append(out, p)
			}
		}
	}
	return out
}

func datagramBytes(seq uint32, packets ...*EncapsulatedPacket) []byte {
	d := &Datagram{Flags: FlagValid, SequenceIndex: seq, Packets: packets}
	w := NewWriterSize(d.Size())
	d.Marshal(w)
	return w.Bytes()
}

func rangesBytes(flags uint8, ranges ...IntRange) []byte {
	q := &rangeQueue{}
	for _, r := range ranges {
		q.Push(r)
	}
	w := NewWriterSize(64)
	w.WriteUint8(flags)
	WriteIntRanges(w, q, 1024)
	return w.Bytes()
}
