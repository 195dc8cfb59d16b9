package lib

import (
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("connection not initialized")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

// packetWriter queues an encoded datagram for the socket. It must not block.
type packetWriter interface {
	WritePacket(b []byte, addr *net.UDPAddr)
}

// connectionConfig is what a connection borrows from its socket.
type connectionConfig struct {
	serverID    int64
	logger      *zap.Logger
	listener    SocketListener
	writer      packetWriter
	congestion  CongestionControllerFactory
	timeout     time.Duration
	inputBuffer int
	pool        *payloadPool
	clock       func() time.Time
	onClose     func(c *Connection)
	onError     func(err error)
}

// Connection is one remote peer of the server socket.
type Connection struct {
	addr *net.UDPAddr
	key  string
	cfg  *connectionConfig
	log  *zap.Logger

	state       atomic.Int32
	closed      atomic.Bool
	lastTouched atomic.Int64 // unix nano

	// set by the handshake while the read goroutine may answer OCR1 retries
	mtu      atomic.Int32
	uniqueID atomic.Int64

	adjustedMtu     int // guarded by outgoingMu once the connection runs
	protocolVersion uint8

	currentPingTime atomic.Int64 // unix ms
	lastPingTime    atomic.Int64
	lastPongTime    atomic.Int64

	datagramReadIndex atomic.Uint32
	window            *reliabilityWindow

	orderingMu sync.Mutex // guards ordering
	ordering   orderingChannels

	splitMu sync.Mutex // guards split
	split   *splitArena

	ackMu         sync.Mutex // guards the ACK and NACK queues
	acks          ackSet
	outgoingNACKs rangeQueue
	incomingACKs  rangeQueue
	incomingNACKs rangeQueue

	outgoingMu            sync.Mutex // guards the send side and cc
	outgoing              *outgoingQueue
	orderWriteIndex       [NumOrderingChannels]uint32
	sequenceWriteIndex    [NumOrderingChannels]uint32
	reliabilityWriteIndex uint32
	splitIndex            uint16
	datagramWriteIndex    uint32
	sentDatagrams         map[uint32]*Datagram
	unACKedBytes          int
	cc                    CongestionController

	input   chan inbound
	closing chan struct{}
}

func newConnection(addr *net.UDPAddr, mtu int, cfg *connectionConfig) *Connection {
	c := &Connection{
		addr:            addr,
		key:             addr.String(),
		cfg:             cfg,
		log:             cfg.logger.With(zap.String("remote", addr.String())),
		protocolVersion: ProtocolVersion,
		window:          newReliabilityWindow(),
		split:           newSplitArena(MaxSplitGroups),
		outgoing:        newOutgoingQueue(),
		sentDatagrams:   make(map[uint32]*Datagram),
		input:           make(chan inbound, cfg.inputBuffer),
		closing:         make(chan struct{}),
	}
	c.setMTU(mtu)
	c.cc = cfg.congestion(c.adjustedMtu)
	c.state.Store(int32(StateUnconnected))
	c.touch(c.now())
	return c
}

func (c *Connection) now() time.Time {
	if c.cfg.clock != nil {
		return c.cfg.clock()
	}
	return time.Now()
}

func (c *Connection) Addr() *net.UDPAddr { return c.addr }

// UniqueID is the id the client chose in OPEN_CONNECTION_REQUEST_2.
func (c *Connection) UniqueID() int64 { return c.uniqueID.Load() }

func (c *Connection) MTU() int { return int(c.mtu.Load()) }

func (c *Connection) ProtocolVersion() uint8 { return c.protocolVersion }

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Latency is the round trip of the last answered ping.
func (c *Connection) Latency() time.Duration {
	return time.Duration(c.lastPongTime.Load()-c.lastPingTime.Load()) * time.Millisecond
}

func (c *Connection) LastTouched() time.Time {
	return time.Unix(0, c.lastTouched.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastTouched.Store(now.UnixNano())
}

func (c *Connection) setMTU(mtu int) {
	if mtu < MinMTU {
		mtu = MinMTU
	}
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	c.mtu.Store(int32(mtu))
	c.adjustedMtu = mtu - UDPHeaderSize - IPHeaderSize(c.addr)
}

func (c *Connection) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.log.Debug("Connection state changed", zap.Stringer("from", old), zap.Stringer("to", s))
	c.cfg.listener.OnConnectionStateChanged(c, old, s)
}

// run processes queued datagrams until the connection closes.
func (c *Connection) run() {
	for {
		select {
		case in := <-c.input:
			c.handleInbound(in)
		case <-c.closing:
			for {
				select {
				case in := <-c.input:
					c.cfg.pool.release(in)
				default:
					return
				}
			}
		}
	}
}

// enqueue hands a datagram to the connection goroutine. It reports false if
// the datagram was not taken; the caller still owns it then.
func (c *Connection) enqueue(in inbound) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.input <- in:
		return true
	default:
		c.log.Debug("Input queue full, dropping datagram")
		return false
	}
}

func (c *Connection) handleInbound(in inbound) {
	defer c.cfg.pool.release(in)
	defer func() {
		if r := recover(); r != nil {
			c.cfg.onError(errors.Errorf("panic while handling datagram from %s: %v", c.key, r))
			c.Close(ReasonBadPacket)
		}
	}()
	c.HandleRawDatagram(in.data)
}

// Send queues payload for delivery. The payload is copied.
func (c *Connection) Send(payload []byte, priority Priority, reliability Reliability, channel uint8) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if c.State() < StateInitialized {
		return ErrNotConnected
	}
	if channel >= NumOrderingChannels {
		return errors.Errorf("ordering channel %d out of range", channel)
	}
	if priority >= numPriorities {
		return errors.Errorf("invalid priority %d", priority)
	}
	if _, err := ReliabilityFromID(uint8(reliability)); err != nil {
		return err
	}
	if len(payload) == 0 {
		return errors.New("empty payload")
	}

	c.outgoingMu.Lock()
	defer c.outgoingMu.Unlock()

	packets, err := c.frame(payload, priority, reliability, channel)
	if err != nil {
		return err
	}
	if priority == PriorityImmediate {
		now := c.now()
		for _, p := range packets {
			d := NewDatagram(now)
			d.Packets = append(d.Packets, p)
			if p.Split {
				d.Flags |= FlagContinuousSend
			}
			c.sendDatagram(d, now)
		}
		return nil
	}
	for _, p := range packets {
		c.outgoing.push(p)
	}
	return nil
}

// SendPacket encodes a control packet and sends it reliably and at once.
func (c *Connection) SendPacket(p Packet) error {
	return c.Send(EncodePacket(p), PriorityImmediate, Reliable, 0)
}

// frame cuts payload into encapsulated packets and assigns their indices.
// Called with outgoingMu held.
func (c *Connection) frame(payload []byte, priority Priority, reliability Reliability, channel uint8) ([]*EncapsulatedPacket, error) {
	maxLen := c.adjustedMtu - MaxEncapsulatedHeaderSize - DatagramHeaderSize
	parts := (len(payload) + maxLen - 1) / maxLen
	if parts > MaxSplitParts {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}
	if parts > 1 {
		reliability = reliability.upgrade()
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	var orderIndex, sequenceIndex uint32
	switch {
	case reliability.IsOrdered():
		orderIndex = c.orderWriteIndex[channel]
		c.orderWriteIndex[channel] = seqIncrement24(orderIndex)
	case reliability.IsSequenced():
		orderIndex = c.orderWriteIndex[channel]
		sequenceIndex = c.sequenceWriteIndex[channel]
		c.sequenceWriteIndex[channel] = seqIncrement24(sequenceIndex)
	}

	var splitID uint16
	if parts > 1 {
		splitID = c.splitIndex
		c.splitIndex++
	}

	packets := make([]*EncapsulatedPacket, 0, parts)
	for i := 0; i < parts; i++ {
		end := min((i+1)*maxLen, len(buf))
		p := &EncapsulatedPacket{
			Reliability:     reliability,
			SequenceIndex:   sequenceIndex,
			OrderingIndex:   orderIndex,
			OrderingChannel: channel,
			Payload:         buf[i*maxLen : end],
			priority:        priority,
		}
		if reliability.IsReliable() {
			p.ReliabilityIndex = c.reliabilityWriteIndex
			c.reliabilityWriteIndex = seqIncrement24(c.reliabilityWriteIndex)
		}
		if parts > 1 {
			p.Split = true
			p.PartCount = uint32(parts)
			p.PartID = splitID
			p.PartIndex = uint32(i)
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// sendDatagram numbers d and writes it. Datagrams that need a receipt are
// kept for retransmission. Called with outgoingMu held.
func (c *Connection) sendDatagram(d *Datagram, now time.Time) {
	d.SequenceIndex = c.datagramWriteIndex
	c.datagramWriteIndex = seqIncrement24(c.datagramWriteIndex)
	d.Timestamp = now
	if d.needsReceipt() {
		d.nextSend = now.Add(c.cc.RetransmissionTimeout())
		if !d.sent {
			c.unACKedBytes += d.Size()
		}
		c.sentDatagrams[d.SequenceIndex] = d
	}
	d.sent = true

	w := NewWriterSize(d.Size())
	d.Marshal(w)
	c.cfg.writer.WritePacket(w.Bytes(), c.addr)
}

// writeRaw sends an unframed administrative packet.
func (c *Connection) writeRaw(p Packet) {
	c.cfg.writer.WritePacket(EncodePacket(p), c.addr)
}

// Tick runs the periodic maintenance: timeout, keepalive, ACK and NACK
// flushing, retransmission and draining of queued packets.
func (c *Connection) Tick(now time.Time) {
	if c.closed.Load() {
		return
	}
	if now.Sub(c.LastTouched()) >= c.cfg.timeout {
		c.log.Info("Connection timed out")
		c.Close(ReasonTimedOut)
		return
	}
	if c.State() < StateInitialized {
		return
	}

	if time.UnixMilli(c.currentPingTime.Load()).Add(PingInterval).Before(now) {
		c.ping(now)
	}

	c.splitMu.Lock()
	if n := c.split.Expire(now, SplitPacketExpiry); n > 0 {
		c.log.Debug("Expired incomplete split packets", zap.Int("count", n))
	}
	c.splitMu.Unlock()

	c.outgoingMu.Lock()
	defer c.outgoingMu.Unlock()

	c.ackMu.Lock()
	acks := c.incomingACKs.items
	nacks := c.incomingNACKs.items
	c.incomingACKs.items, c.incomingNACKs.items = nil, nil
	c.flushAcknowledgements(now)
	c.ackMu.Unlock()

	for _, r := range acks {
		c.forEachSent(r, func(seq uint32, d *Datagram) {
			delete(c.sentDatagrams, seq)
			c.unACKedBytes -= d.Size()
			c.cc.OnACK(now.Sub(d.Timestamp), seq, c.datagramWriteIndex)
		})
	}

	if len(nacks) > 0 {
		c.cc.OnNACK()
		for _, r := range nacks {
			c.forEachSent(r, func(seq uint32, d *Datagram) {
				delete(c.sentDatagrams, seq)
				c.sendDatagram(d, now)
			})
		}
	}

	c.resendStale(now)
	c.drainOutgoing(now)
}

// forEachSent calls fn for every stored datagram whose index lies in r.
func (c *Connection) forEachSent(r IntRange, fn func(seq uint32, d *Datagram)) {
	if int(r.Max-r.Min)+1 > len(c.sentDatagrams) {
		var hits []uint32
		for seq := range c.sentDatagrams {
			if seq >= r.Min && seq <= r.Max {
				hits = append(hits, seq)
			}
		}
		slices.Sort(hits)
		for _, seq := range hits {
			fn(seq, c.sentDatagrams[seq])
		}
		return
	}
	for seq := r.Min; ; seq++ {
		if d, ok := c.sentDatagrams[seq]; ok {
			fn(seq, d)
		}
		if seq == r.Max {
			break
		}
	}
}

// flushAcknowledgements writes pending NACKs and, when the congestion
// controller allows it, ACKs. Called with outgoingMu and ackMu held.
func (c *Connection) flushAcknowledgements(now time.Time) {
	budget := c.adjustedMtu - DatagramHeaderSize - 1
	for c.outgoingNACKs.Len() > 0 {
		if !c.writeRanges(FlagValid|FlagNACK, &c.outgoingNACKs, budget) {
			break
		}
	}
	if c.acks.IsEmpty() || !c.cc.ShouldSendACKs(now) {
		return
	}
	var q rangeQueue
	c.acks.DrainTo(&q)
	for q.Len() > 0 {
		if !c.writeRanges(FlagValid|FlagACK, &q, budget) {
			break
		}
		c.cc.OnSendACK()
	}
}

func (c *Connection) writeRanges(flags uint8, q *rangeQueue, budget int) bool {
	w := NewWriterSize(budget + 1)
	w.WriteUint8(flags)
	if WriteIntRanges(w, q, budget) == 0 {
		return false
	}
	c.cfg.writer.WritePacket(w.Bytes(), c.addr)
	return true
}

// resendStale retransmits datagrams whose deadline passed, oldest first.
// Called with outgoingMu held.
func (c *Connection) resendStale(now time.Time) {
	var stale []*Datagram
	for _, d := range c.sentDatagrams {
		if !d.nextSend.After(now) {
			stale = append(stale, d)
		}
	}
	if len(stale) == 0 {
		return
	}
	slices.SortFunc(stale, func(a, b *Datagram) int {
		return int(seqDiff24(a.SequenceIndex, b.SequenceIndex))
	})
	budget := c.unACKedBytes
	resent := false
	for _, d := range stale {
		size := d.Size()
		if size > budget {
			break
		}
		budget -= size
		delete(c.sentDatagrams, d.SequenceIndex)
		c.sendDatagram(d, now)
		resent = true
	}
	if resent {
		c.cc.OnResend(c.datagramWriteIndex)
	}
}

// drainOutgoing packs queued packets into datagrams within the congestion
// budget. Called with outgoingMu held.
func (c *Connection) drainOutgoing(now time.Time) {
	bandwidth := c.cc.TransmissionBandwidth(c.unACKedBytes)
	var d *Datagram
	for bandwidth > 0 {
		p := c.outgoing.peek()
		if p == nil {
			break
		}
		c.outgoing.pop()
		bandwidth -= p.Size()
		if d == nil {
			d = NewDatagram(now)
		}
		if d.TryAddPacket(p, c.adjustedMtu) {
			continue
		}
		c.sendDatagram(d, now)
		d = NewDatagram(now)
		if !d.TryAddPacket(p, c.adjustedMtu) {
			c.log.Error("Packet does not fit an empty datagram", zap.Int("size", p.Size()))
			d = nil
		}
	}
	if d != nil && len(d.Packets) > 0 {
		c.sendDatagram(d, now)
	}
}

func (c *Connection) ping(now time.Time) {
	ms := now.UnixMilli()
	c.currentPingTime.Store(ms)
	if err := c.SendPacket(&ConnectedPing{PingTime: ms}); err != nil {
		c.log.Debug("Failed to send ping", zap.Error(err))
	}
}

// Disconnect notifies the peer and closes the connection.
func (c *Connection) Disconnect(reason DisconnectReason) {
	if c.closed.Load() {
		return
	}
	if c.State() >= StateInitialized {
		err := c.Send(EncodePacket(&DisconnectionNotification{}), PriorityImmediate, ReliableOrdered, 0)
		if err != nil {
			c.log.Debug("Failed to send disconnection notification", zap.Error(err))
		}
	}
	c.Close(reason)
}

// Close drops the connection without telling the peer. Held fragments and
// queued packets are discarded. Only the first call has an effect.
func (c *Connection) Close(reason DisconnectReason) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.setState(StateClosed)
	close(c.closing)
	if c.cfg.onClose != nil {
		c.cfg.onClose(c)
	}

	c.orderingMu.Lock()
	c.ordering.reset()
	c.orderingMu.Unlock()

	c.splitMu.Lock()
	c.split.Reset()
	c.splitMu.Unlock()

	c.ackMu.Lock()
	c.acks = ackSet{}
	c.outgoingNACKs = rangeQueue{}
	c.incomingACKs = rangeQueue{}
	c.incomingNACKs = rangeQueue{}
	c.ackMu.Unlock()

	c.outgoingMu.Lock()
	c.outgoing.reset()
	clear(c.sentDatagrams)
	c.unACKedBytes = 0
	c.outgoingMu.Unlock()

	c.window.Reset()

	c.log.Info("Connection closed", zap.Stringer("reason", reason))
	c.cfg.listener.OnDisconnect(c, reason)
}
