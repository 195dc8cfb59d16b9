package lib

import (
	"bytes"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type connFixture struct {
	t        *testing.T
	conn     *Connection
	out      *recorder
	listener *testListener
	clock    *testClock
}

func newConnFixture(t *testing.T, mtu int, clock *testClock) *connFixture {
	t.Helper()
	if clock == nil {
		clock = newTestClock()
	}
	f := &connFixture{t: t, out: &recorder{}, listener: &testListener{}, clock: clock}
	cfg := &connectionConfig{
		serverID:    99,
		logger:      zap.NewNop(),
		listener:    f.listener,
		writer:      f.out,
		congestion:  NewSlidingWindow,
		timeout:     ConnectionTimeout,
		inputBuffer: 4,
		clock:       clock.Now,
		onError:     func(err error) { t.Errorf("unexpected connection error: %v", err) },
	}
	f.conn = newConnection(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 50000}, mtu, cfg)
	f.conn.setState(StateConnected)
	f.quiet()
	return f
}

// quiet postpones the keepalive ping so Tick output only holds what a test
// provoked.
func (f *connFixture) quiet() {
	f.conn.currentPingTime.Store(f.clock.Now().UnixMilli())
}

func (f *connFixture) tick() wire {
	f.conn.Tick(f.clock.Now())
	return f.wire()
}

func (f *connFixture) wire() wire {
	return decodeWire(f.t, f.out.take())
}

func TestSendValidation(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)

	tests := []struct {
		name     string
		payload  []byte
		priority Priority
		rel      Reliability
		channel  uint8
	}{
		{"empty", nil, PriorityHigh, Reliable, 0},
		{"channel", []byte{0xfe}, PriorityHigh, Reliable, NumOrderingChannels},
		{"priority", []byte{0xfe}, numPriorities, Reliable, 0},
		{"reliability", []byte{0xfe}, PriorityHigh, Reliability(8), 0},
		{"too large", make([]byte, MaxSplitParts*MaxMTU), PriorityHigh, Reliable, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.conn.Send(tt.payload, tt.priority, tt.rel, tt.channel); err == nil {
				t.Error("Send accepted invalid arguments")
			}
		})
	}

	f.conn.state.Store(int32(StateInitializing))
	if err := f.conn.Send([]byte{0xfe}, PriorityHigh, Reliable, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	f.conn.Close(ReasonDisconnected)
	if err := f.conn.Send([]byte{0xfe}, PriorityHigh, Reliable, 0); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("err = %v, want ErrConnectionClosed", err)
	}
}

func TestSendSplitsLargePayload(t *testing.T) {
	f := newConnFixture(t, MinMTU, nil)
	payload := make([]byte, 2000)
	rand.New(rand.NewSource(3)).Read(payload)
	payload[0] = 0xfe

	if err := f.conn.Send(payload, PriorityImmediate, Unreliable, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w := f.wire()
	// 576 - 8 - 20 - 28 - 4 bytes per fragment
	if len(w.datagrams) != 4 {
		t.Fatalf("%d datagrams, want 4", len(w.datagrams))
	}

	arena := newSplitArena(4)
	var whole *EncapsulatedPacket
	for i, d := range w.datagrams {
		if d.SequenceIndex != uint32(i) || d.Flags&FlagContinuousSend == 0 {
			t.Errorf("datagram %d: seq %d flags %02x", i, d.SequenceIndex, d.Flags)
		}
		if d.Size() > f.conn.adjustedMtu {
			t.Errorf("datagram %d is %d bytes, over %d", i, d.Size(), f.conn.adjustedMtu)
		}
		p := d.Packets[0]
		if p.Reliability != Reliable || p.ReliabilityIndex != uint32(i) || p.PartCount != 4 || p.PartIndex != uint32(i) {
			t.Errorf("fragment %d header %+v", i, p)
		}
		out, err := arena.Add(p, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			whole = out
		}
	}
	if whole == nil || !bytes.Equal(whole.Payload, payload) {
		t.Fatal("fragments do not reassemble to the payload")
	}
	if len(f.conn.sentDatagrams) != 4 {
		t.Errorf("%d datagrams kept for resend, want 4", len(f.conn.sentDatagrams))
	}
}

func TestQueuedPacketsShareDatagram(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	for i := byte(0); i < 3; i++ {
		if err := f.conn.Send([]byte{0xfe, i}, PriorityMedium, ReliableOrdered, 2); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.out.take(); len(got) != 0 {
		t.Fatalf("%d packets written before Tick", len(got))
	}
	w := f.tick()
	if len(w.datagrams) != 1 || len(w.datagrams[0].Packets) != 3 {
		t.Fatalf("got %d datagrams, want one holding three packets", len(w.datagrams))
	}
	for i, p := range w.datagrams[0].Packets {
		if p.OrderingIndex != uint32(i) || p.OrderingChannel != 2 || p.Payload[1] != byte(i) {
			t.Errorf("packet %d: %+v", i, p)
		}
	}
}

func TestTwoConnectionsTransferLargePayload(t *testing.T) {
	clock := newTestClock()
	sender := newConnFixture(t, MaxMTU, clock)
	receiver := newConnFixture(t, MaxMTU, clock)

	payload := make([]byte, 5000)
	rand.New(rand.NewSource(4)).Read(payload)
	payload[0] = 0xfe
	if err := sender.conn.Send(payload, PriorityHigh, ReliableOrdered, 0); err != nil {
		t.Fatal(err)
	}
	if err := sender.conn.Send([]byte{0xfe, 'b'}, PriorityHigh, ReliableOrdered, 0); err != nil {
		t.Fatal(err)
	}

	// The first datagram is held back until the end so the receiver has to
	// NACK it, and every batch arrives reversed.
	var held []byte
	for round := 0; round < 20; round++ {
		sender.conn.Tick(clock.Now())
		batch := sender.out.take()
		if round == 0 {
			if len(batch) == 0 {
				t.Fatal("nothing sent on the first tick")
			}
			held, batch = batch[0], batch[1:]
		}
		for i := len(batch) - 1; i >= 0; i-- {
			receiver.conn.HandleRawDatagram(batch[i])
		}
		w := receiver.tick()
		for _, r := range w.acks {
			sender.conn.HandleRawDatagram(rangesBytes(FlagValid|FlagACK, r))
		}
		for _, r := range w.nacks {
			sender.conn.HandleRawDatagram(rangesBytes(FlagValid|FlagNACK, r))
		}
		if sender.conn.outgoing.Len() == 0 && len(sender.conn.sentDatagrams) == 0 {
			break
		}
	}
	receiver.conn.HandleRawDatagram(held)

	if sender.conn.outgoing.Len() != 0 || len(sender.conn.sentDatagrams) != 0 || sender.conn.unACKedBytes != 0 {
		t.Errorf("sender still has %d queued and %d unacknowledged datagrams (%d bytes)",
			sender.conn.outgoing.Len(), len(sender.conn.sentDatagrams), sender.conn.unACKedBytes)
	}
	got := receiver.listener.payloads
	if len(got) != 2 {
		t.Fatalf("received %d payloads, want 2", len(got))
	}
	if !bytes.Equal(got[0], payload) || string(got[1]) != "\xfeb" {
		t.Error("payloads arrived corrupted or out of order")
	}
	if cw := sender.conn.cc.(*SlidingWindow).CongestionWindow(); cw <= sender.conn.adjustedMtu {
		t.Errorf("congestion window %d did not grow", cw)
	}
}

func TestGapProducesNACK(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	unreliable := func() *EncapsulatedPacket {
		return &EncapsulatedPacket{Reliability: Unreliable, Payload: []byte{0xfe}}
	}
	f.conn.HandleRawDatagram(datagramBytes(0, unreliable()))
	f.conn.HandleRawDatagram(datagramBytes(3, unreliable()))

	w := f.tick()
	if len(w.nacks) != 1 || w.nacks[0] != (IntRange{1, 2}) {
		t.Errorf("NACKs = %v, want [{1 2}]", w.nacks)
	}
	if len(w.acks) != 2 || w.acks[0] != SingleRange(0) || w.acks[1] != SingleRange(3) {
		t.Errorf("ACKs = %v, want [{0 0} {3 3}]", w.acks)
	}

	// the late datagram is still delivered, and not NACKed again
	f.conn.HandleRawDatagram(datagramBytes(1, unreliable()))
	if n := len(f.listener.payloads); n != 3 {
		t.Errorf("%d payloads delivered, want 3", n)
	}
	w = f.tick()
	if len(w.nacks) != 0 {
		t.Errorf("NACKs = %v after a late arrival", w.nacks)
	}
}

func TestDuplicateReliablePacketDeliveredOnce(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	p := &EncapsulatedPacket{Reliability: Reliable, ReliabilityIndex: 0, Payload: []byte{0xfe, 1}}
	f.conn.HandleRawDatagram(datagramBytes(0, p))
	f.conn.HandleRawDatagram(datagramBytes(1, p))
	if n := len(f.listener.payloads); n != 1 {
		t.Errorf("%d deliveries, want 1", n)
	}
}

func TestNACKTriggersResend(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	if err := f.conn.Send([]byte{0xfe, 'x'}, PriorityImmediate, Reliable, 0); err != nil {
		t.Fatal(err)
	}
	f.out.take()

	f.conn.HandleRawDatagram(rangesBytes(FlagValid|FlagNACK, SingleRange(0)))
	w := f.tick()
	resent := w.packets(0xfe)
	if len(w.datagrams) != 1 || w.datagrams[0].SequenceIndex != 1 || len(resent) != 1 || resent[0].Payload[1] != 'x' {
		t.Fatalf("resend = %+v", w.datagrams)
	}
	if _, ok := f.conn.sentDatagrams[1]; !ok || len(f.conn.sentDatagrams) != 1 {
		t.Error("resent datagram not tracked under its new sequence number")
	}
}

func TestStaleDatagramResentAfterRTO(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	if err := f.conn.Send([]byte{0xfe, 'y'}, PriorityImmediate, Reliable, 0); err != nil {
		t.Fatal(err)
	}
	f.out.take()

	f.clock.advance(CCMaximumThreshold*time.Millisecond - time.Millisecond)
	f.quiet()
	if w := f.tick(); len(w.datagrams) != 0 {
		t.Fatalf("resent before the RTO: %+v", w.datagrams)
	}
	f.clock.advance(time.Millisecond)
	f.quiet()
	w := f.tick()
	if len(w.packets(0xfe)) != 1 {
		t.Fatalf("datagram not resent after the RTO")
	}
}

func TestUnreliableDatagramNotKept(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	if err := f.conn.Send([]byte{0xfe}, PriorityImmediate, Unreliable, 0); err != nil {
		t.Fatal(err)
	}
	if len(f.conn.sentDatagrams) != 0 || f.conn.unACKedBytes != 0 {
		t.Error("unreliable datagram kept for resend")
	}
}

func TestConnectionTimesOut(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	f.clock.advance(ConnectionTimeout - time.Second)
	f.quiet()
	f.tick()
	if f.conn.IsClosed() {
		t.Fatal("closed before the timeout")
	}
	f.clock.advance(time.Second)
	f.tick()
	if !f.conn.IsClosed() || f.conn.State() != StateClosed {
		t.Fatal("not closed after the timeout")
	}
	if len(f.listener.reasons) != 1 || f.listener.reasons[0] != ReasonTimedOut {
		t.Errorf("reasons = %v", f.listener.reasons)
	}
}

func TestKeepalivePing(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	f.clock.advance(PingInterval + time.Millisecond)
	w := f.tick()
	pings := w.packets(IDConnectedPing)
	if len(pings) != 1 {
		t.Fatalf("%d pings sent, want 1", len(pings))
	}

	ping, _ := DecodePacket(pings[0].Payload)
	f.clock.advance(30 * time.Millisecond)
	pong := EncodePacket(&ConnectedPong{PingTime: ping.(*ConnectedPing).PingTime, PongTime: 1})
	f.conn.HandleRawDatagram(datagramBytes(0, &EncapsulatedPacket{Reliability: Unreliable, Payload: pong}))
	if f.conn.Latency() != 30*time.Millisecond {
		t.Errorf("latency = %s, want 30ms", f.conn.Latency())
	}
}

func TestConnectedPingAnswered(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	ping := EncodePacket(&ConnectedPing{PingTime: 77})
	f.conn.HandleRawDatagram(datagramBytes(0, &EncapsulatedPacket{Reliability: Unreliable, Payload: ping}))

	pongs := f.wire().packets(IDConnectedPong)
	if len(pongs) != 1 {
		t.Fatalf("%d pongs, want 1", len(pongs))
	}
	p, err := DecodePacket(pongs[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if pong := p.(*ConnectedPong); pong.PingTime != 77 || pong.PongTime != f.clock.Now().UnixMilli() {
		t.Errorf("pong = %+v", pong)
	}
}

func TestDisconnect(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	f.conn.Disconnect(ReasonDisconnected)
	w := f.wire()
	if len(w.packets(IDDisconnectionNotification)) != 1 {
		t.Error("no disconnection notification sent")
	}
	f.conn.Disconnect(ReasonDisconnected)
	if len(f.listener.reasons) != 1 {
		t.Errorf("OnDisconnect called %d times", len(f.listener.reasons))
	}
}

func TestRemoteDisconnect(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	f.conn.HandleRawDatagram(datagramBytes(0, &EncapsulatedPacket{
		Reliability: ReliableOrdered,
		Payload:     EncodePacket(&DisconnectionNotification{}),
	}))
	if !f.conn.IsClosed() || len(f.listener.reasons) != 1 || f.listener.reasons[0] != ReasonClosedByRemotePeer {
		t.Errorf("closed %t, reasons %v", f.conn.IsClosed(), f.listener.reasons)
	}
}

func TestInvalidAckRangeDisconnects(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	f.conn.HandleRawDatagram(rangesBytes(FlagValid|FlagACK, IntRange{5, 2}))
	if !f.conn.IsClosed() || len(f.listener.reasons) != 1 || f.listener.reasons[0] != ReasonBadPacket {
		t.Errorf("closed %t, reasons %v", f.conn.IsClosed(), f.listener.reasons)
	}
}

func TestDirectPacket(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	b := []byte{0x99, 1, 2}
	f.conn.onAdministrative(b)
	b[1] = 0
	if len(f.listener.direct) != 1 || f.listener.direct[0][1] != 1 {
		t.Errorf("direct = %v", f.listener.direct)
	}
}

func TestDatagramsIgnoredBeforeInitialized(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	f.conn.state.Store(int32(StateInitializing))
	f.conn.HandleRawDatagram(datagramBytes(0, &EncapsulatedPacket{Reliability: Unreliable, Payload: []byte{0xfe}}))
	if len(f.listener.payloads) != 0 {
		t.Error("datagram delivered before the handshake")
	}
}

func TestSetMTUClamps(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{100, MinMTU},
		{1200, 1200},
		{9000, MaxMTU},
	}
	for _, tt := range tests {
		f := newConnFixture(t, tt.in, nil)
		if f.conn.MTU() != tt.want {
			t.Errorf("MTU(%d) = %d, want %d", tt.in, f.conn.MTU(), tt.want)
		}
		if f.conn.adjustedMtu != tt.want-UDPHeaderSize-IPv4HeaderSize {
			t.Errorf("adjusted MTU = %d", f.conn.adjustedMtu)
		}
	}
}

func TestMissingRanges(t *testing.T) {
	tests := []struct {
		name        string
		seq, missed uint32
		want        []IntRange
	}{
		{"plain gap", 10, 3, []IntRange{{7, 9}}},
		{"gap ends at zero", 1, 1, []IntRange{{0, 0}}},
		{"gap before zero", 0, 2, []IntRange{{0xFFFFFE, 0xFFFFFF}}},
		{"gap across the wrap", 2, 4, []IntRange{{0xFFFFFE, 0xFFFFFF}, {0, 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := missingRanges(tt.seq, tt.missed)
			if len(got) != len(tt.want) {
				t.Fatalf("missingRanges(%d, %d) = %v, want %v", tt.seq, tt.missed, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("missingRanges(%d, %d) = %v, want %v", tt.seq, tt.missed, got, tt.want)
				}
			}
		})
	}
}

func TestNACKAcrossSequenceWrap(t *testing.T) {
	f := newConnFixture(t, MaxMTU, nil)
	f.conn.datagramReadIndex.Store(0xFFFFFE)
	f.conn.HandleRawDatagram(datagramBytes(1, &EncapsulatedPacket{Reliability: Unreliable, Payload: []byte{0xfe}}))

	// decodeWire fails the test on a range with Min > Max
	w := f.tick()
	want := []IntRange{{0xFFFFFE, 0xFFFFFF}, {0, 0}}
	if len(w.nacks) != len(want) || w.nacks[0] != want[0] || w.nacks[1] != want[1] {
		t.Errorf("NACKs = %v, want %v", w.nacks, want)
	}
	if len(w.acks) != 1 || w.acks[0] != SingleRange(1) {
		t.Errorf("ACKs = %v, want [{1 1}]", w.acks)
	}
	if f.conn.IsClosed() {
		t.Error("connection closed")
	}
}

func TestHandshakeFieldsReadConcurrently(t *testing.T) {
	f := newConnFixture(t, MinMTU, nil)
	f.conn.setState(StateInitializing)
	ocr2 := EncodePacket(&OpenConnectionRequest2{
		ServerAddr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: DefaultPort},
		MTU:        1200,
		ClientID:   7,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if mtu := f.conn.MTU(); mtu != MinMTU && mtu != 1200 {
				t.Errorf("MTU = %d mid-handshake", mtu)
				return
			}
			_ = f.conn.UniqueID()
		}
	}()
	f.conn.HandleRawDatagram(ocr2)
	<-done

	if f.conn.MTU() != 1200 || f.conn.UniqueID() != 7 || f.conn.State() != StateInitialized {
		t.Errorf("after OPEN_CONNECTION_REQUEST_2: mtu %d id %d state %s", f.conn.MTU(), f.conn.UniqueID(), f.conn.State())
	}
}
