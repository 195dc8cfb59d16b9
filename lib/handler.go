package lib

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HandleRawDatagram runs one received datagram through the connection. It
// is called from the connection goroutine; tests call it directly. b is
// only borrowed for the duration of the call.
func (c *Connection) HandleRawDatagram(b []byte) {
	if c.closed.Load() || len(b) == 0 {
		return
	}
	now := c.now()
	c.touch(now)

	flags := b[0]
	if flags&FlagValid == 0 {
		c.onAdministrative(b)
		return
	}
	if c.State() < StateInitialized {
		return
	}
	switch {
	case flags&FlagACK != 0:
		c.onAcknowledge(b[1:], false)
	case flags&FlagNACK != 0:
		c.onAcknowledge(b[1:], true)
	default:
		c.onDatagram(b, now)
	}
}

// onAdministrative handles a packet sent outside a framed datagram.
func (c *Connection) onAdministrative(b []byte) {
	if b[0] >= IDUserPacketEnum {
		payload := make([]byte, len(b))
		copy(payload, b)
		c.cfg.listener.OnDirect(c, payload)
		return
	}
	c.onHandshake(b)
}

func (c *Connection) onAcknowledge(b []byte, negative bool) {
	ranges, err := ReadIntRanges(NewReader(b))
	if err != nil {
		if errors.Is(err, ErrInvalidRange) {
			c.log.Warn("Malformed acknowledgement range", zap.Error(err))
			c.Disconnect(ReasonBadPacket)
			return
		}
		c.log.Debug("Failed to decode acknowledgement", zap.Error(err))
		return
	}
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	q := &c.incomingACKs
	if negative {
		q = &c.incomingNACKs
	}
	for _, r := range ranges {
		q.Push(r)
	}
}

func (c *Connection) onDatagram(b []byte, now time.Time) {
	var d Datagram
	if err := d.Unmarshal(b); err != nil {
		c.log.Debug("Failed to decode datagram", zap.Error(err))
		return
	}
	d.Timestamp = now

	// only the ACK timer matters here; drainOutgoing asks for the budget
	// again through TransmissionBandwidth
	c.outgoingMu.Lock()
	c.cc.OnDatagramReceived(now)
	c.outgoingMu.Unlock()

	seq := d.SequenceIndex
	var missed int32
	for {
		prev := c.datagramReadIndex.Load()
		missed = seqDiff24(seq, prev)
		if missed < 0 || c.datagramReadIndex.CompareAndSwap(prev, seqIncrement24(seq)) {
			break
		}
	}

	c.ackMu.Lock()
	if missed > 0 {
		for _, r := range missingRanges(seq, uint32(missed)) {
			c.outgoingNACKs.Push(r)
		}
	}
	c.acks.Add(seq)
	c.ackMu.Unlock()

	for _, p := range d.Packets {
		if c.closed.Load() {
			return
		}
		if p.Reliability.IsReliable() && !c.window.Accept(p.ReliabilityIndex) {
			continue
		}
		if p.Split {
			c.splitMu.Lock()
			whole, err := c.split.Add(p, now)
			c.splitMu.Unlock()
			if err != nil {
				c.log.Debug("Dropped split fragment", zap.Error(err))
				continue
			}
			if whole == nil {
				continue
			}
			p = whole
		}
		c.checkForOrdered(p)
	}
}

// checkForOrdered passes p through its ordering channel and dispatches
// every packet that is due. Dispatch happens after the ordering lock is
// released since handlers may close the connection.
func (c *Connection) checkForOrdered(p *EncapsulatedPacket) {
	switch {
	case p.Reliability.IsOrdered():
		var ready []*EncapsulatedPacket
		c.orderingMu.Lock()
		c.ordering.receive(p, func(q *EncapsulatedPacket) {
			ready = append(ready, q)
		})
		c.orderingMu.Unlock()
		for _, q := range ready {
			c.dispatch(q)
		}
	case p.Reliability.IsSequenced():
		c.orderingMu.Lock()
		ok := c.ordering.sequenced(p)
		c.orderingMu.Unlock()
		if ok {
			c.dispatch(p)
		}
	default:
		c.dispatch(p)
	}
}

// dispatch handles keepalive and disconnect packets inline and forwards
// application packets to the listener.
func (c *Connection) dispatch(p *EncapsulatedPacket) {
	if len(p.Payload) == 0 || c.closed.Load() {
		return
	}
	id := p.Payload[0]
	switch id {
	case IDConnectedPing:
		pk, err := DecodePacket(p.Payload)
		if err != nil {
			c.log.Debug("Bad connected ping", zap.Error(err))
			return
		}
		pong := &ConnectedPong{PingTime: pk.(*ConnectedPing).PingTime, PongTime: c.now().UnixMilli()}
		if err := c.SendPacket(pong); err != nil {
			c.log.Debug("Failed to send pong", zap.Error(err))
		}
	case IDConnectedPong:
		pk, err := DecodePacket(p.Payload)
		if err != nil {
			c.log.Debug("Bad connected pong", zap.Error(err))
			return
		}
		if pong := pk.(*ConnectedPong); pong.PingTime == c.currentPingTime.Load() {
			c.lastPingTime.Store(pong.PingTime)
			c.lastPongTime.Store(c.now().UnixMilli())
		}
	case IDDisconnectionNotification:
		c.Close(ReasonClosedByRemotePeer)
	default:
		if id >= IDUserPacketEnum {
			payload := make([]byte, len(p.Payload))
			copy(payload, p.Payload)
			c.cfg.listener.OnEncapsulated(c, payload)
			return
		}
		c.onHandshake(p.Payload)
	}
}

// onHandshake drives the connection through
// INITIALIZING -> INITIALIZED -> CONNECTING -> CONNECTED.
func (c *Connection) onHandshake(b []byte) {
	pk, err := DecodePacket(b)
	if err != nil {
		c.log.Debug("Dropped handshake packet", zap.Error(err))
		return
	}
	switch pk := pk.(type) {
	case *OpenConnectionRequest2:
		c.onOpenConnectionRequest2(pk)
	case *ConnectionRequest:
		c.onConnectionRequest(pk)
	case *NewIncomingConnection:
		c.onNewIncomingConnection()
	default:
		c.log.Debug("Unexpected packet", zap.String("packet", PacketName(pk.ID())), zap.Stringer("state", c.State()))
	}
}

func (c *Connection) onOpenConnectionRequest2(pk *OpenConnectionRequest2) {
	if c.State() != StateInitializing {
		return
	}
	c.outgoingMu.Lock()
	c.setMTU(int(pk.MTU))
	c.uniqueID.Store(pk.ClientID)
	c.cc = c.cfg.congestion(c.adjustedMtu)
	c.outgoingMu.Unlock()

	c.writeRaw(&OpenConnectionReply2{
		ServerID:   c.cfg.serverID,
		ClientAddr: c.addr,
		MTU:        uint16(c.MTU()),
	})
	c.setState(StateInitialized)
}

func (c *Connection) onConnectionRequest(pk *ConnectionRequest) {
	if c.State() != StateInitialized {
		return
	}
	if pk.ClientID != c.UniqueID() || pk.Security {
		c.log.Info("Connection request rejected", zap.Int64("clientID", pk.ClientID), zap.Bool("security", pk.Security))
		if err := c.SendPacket(&Rejection{PacketID: IDConnectionRequestFailed, ServerID: c.cfg.serverID}); err != nil {
			c.log.Debug("Failed to send connection request failed", zap.Error(err))
		}
		c.Close(ReasonConnectionRequestFailed)
		return
	}
	c.setState(StateConnecting)
	err := c.SendPacket(&ConnectionRequestAccepted{
		ClientAddr:      c.addr,
		SystemAddresses: systemAddresses(c.addr.IP.To4() == nil),
		RequestTime:     pk.Time,
		Time:            c.now().UnixMilli(),
	})
	if err != nil {
		c.log.Debug("Failed to send connection request accepted", zap.Error(err))
	}
}

func (c *Connection) onNewIncomingConnection() {
	if c.State() != StateConnecting {
		return
	}
	c.setState(StateConnected)
	c.log.Info("Connection established")
	c.cfg.listener.OnConnectionEstablished(c)
}

// missingRanges returns the missed datagram indices just before seq. A gap
// that crosses the 24-bit wrap is split so every range has Min <= Max.
func missingRanges(seq, missed uint32) []IntRange {
	first := (seq - missed) & uint24Mask
	if missed <= seq {
		return []IntRange{{first, seq - 1}}
	}
	ranges := []IntRange{{first, uint24Mask}}
	if seq > 0 {
		ranges = append(ranges, IntRange{0, seq - 1})
	}
	return ranges
}
