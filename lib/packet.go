package lib

import (
	"net"

	"github.com/pkg/errors"
)

var ErrUnknownPacket = errors.New("unknown packet id")

// Packet is a transport control message. Marshal writes the id byte first.
type Packet interface {
	ID() uint8
	Marshal(w *Writer)
}

type packetCodec struct {
	name   string
	decode func(r *Reader) (Packet, error)
}

// registry maps a packet id to its decoder. The id byte has already been
// consumed when decode runs.
var registry = map[uint8]packetCodec{
	IDConnectedPing:                 {"CONNECTED_PING", decodeConnectedPing},
	IDUnconnectedPing:               {"UNCONNECTED_PING", decodeUnconnectedPing},
	IDUnconnectedPingOpenConnection: {"UNCONNECTED_PING_OPEN_CONNECTIONS", decodeUnconnectedPingOpenConnections},
	IDConnectedPong:                 {"CONNECTED_PONG", decodeConnectedPong},
	IDOpenConnectionRequest1:        {"OPEN_CONNECTION_REQUEST_1", decodeOpenConnectionRequest1},
	IDOpenConnectionReply1:          {"OPEN_CONNECTION_REPLY_1", decodeOpenConnectionReply1},
	IDOpenConnectionRequest2:        {"OPEN_CONNECTION_REQUEST_2", decodeOpenConnectionRequest2},
	IDOpenConnectionReply2:          {"OPEN_CONNECTION_REPLY_2", decodeOpenConnectionReply2},
	IDConnectionRequest:             {"CONNECTION_REQUEST", decodeConnectionRequest},
	IDConnectionRequestAccepted:     {"CONNECTION_REQUEST_ACCEPTED", decodeConnectionRequestAccepted},
	IDConnectionRequestFailed:       {"CONNECTION_REQUEST_FAILED", rejectionDecoder(IDConnectionRequestFailed)},
	IDAlreadyConnected:              {"ALREADY_CONNECTED", rejectionDecoder(IDAlreadyConnected)},
	IDNewIncomingConnection:         {"NEW_INCOMING_CONNECTION", decodeNewIncomingConnection},
	IDMaximumConnection:             {"MAXIMUM_CONNECTION", rejectionDecoder(IDMaximumConnection)},
	IDDisconnectionNotification:     {"DISCONNECTION_NOTIFICATION", decodeDisconnectionNotification},
	IDConnectionBanned:              {"CONNECTION_BANNED", rejectionDecoder(IDConnectionBanned)},
	IDIncompatibleProtocolVersion:   {"INCOMPATIBLE_PROTOCOL_VERSION", decodeIncompatibleProtocolVersion},
	IDUnconnectedPong:               {"UNCONNECTED_PONG", decodeUnconnectedPong},
}

// DecodePacket decodes a control packet including its id byte.
func DecodePacket(b []byte) (Packet, error) {
	r := NewReader(b)
	id, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	codec, ok := registry[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPacket, "0x%02x", id)
	}
	p, err := codec.decode(r)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", codec.name)
	}
	return p, nil
}

// PacketName returns a readable name for id.
func PacketName(id uint8) string {
	if codec, ok := registry[id]; ok {
		return codec.name
	}
	if id >= IDUserPacketEnum {
		return "USER_PACKET"
	}
	return "UNKNOWN"
}

// EncodePacket frames a control packet into a fresh buffer.
func EncodePacket(p Packet) []byte {
	w := NewWriterSize(64)
	p.Marshal(w)
	return w.Bytes()
}

// FramePayload is the outbound framer: the wire id followed by body.
func FramePayload(id uint8, body []byte) []byte {
	w := NewWriterSize(1 + len(body))
	w.WriteUint8(id)
	w.WriteBytes(body)
	return w.Bytes()
}

type ConnectedPing struct {
	PingTime int64
}

func (*ConnectedPing) ID() uint8 { return IDConnectedPing }

func (p *ConnectedPing) Marshal(w *Writer) {
	w.WriteUint8(IDConnectedPing)
	w.WriteInt64(p.PingTime)
}

func decodeConnectedPing(r *Reader) (Packet, error) {
	t, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	return &ConnectedPing{PingTime: t}, nil
}

type ConnectedPong struct {
	PingTime int64
	PongTime int64
}

func (*ConnectedPong) ID() uint8 { return IDConnectedPong }

func (p *ConnectedPong) Marshal(w *Writer) {
	w.WriteUint8(IDConnectedPong)
	w.WriteInt64(p.PingTime)
	w.WriteInt64(p.PongTime)
}

func decodeConnectedPong(r *Reader) (Packet, error) {
	ping, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	p := &ConnectedPong{PingTime: ping}
	if r.Remaining() >= 8 {
		p.PongTime, _ = r.ReadInt64()
	}
	return p, nil
}

// UnconnectedPing is answered with an UnconnectedPong before any handshake.
type UnconnectedPing struct {
	OpenConnections bool // sent as UNCONNECTED_PING_OPEN_CONNECTIONS
	PingTime        int64
	ClientID        int64
}

func (p *UnconnectedPing) ID() uint8 {
	if p.OpenConnections {
		return IDUnconnectedPingOpenConnection
	}
	return IDUnconnectedPing
}

func (p *UnconnectedPing) Marshal(w *Writer) {
	w.WriteUint8(p.ID())
	w.WriteInt64(p.PingTime)
	w.WriteMagic()
	w.WriteInt64(p.ClientID)
}

func decodeUnconnectedPing(r *Reader) (Packet, error) {
	if r.Remaining() < 24 {
		return nil, errors.Wrapf(ErrShortBuffer, "unconnected ping has %d bytes", r.Remaining())
	}
	p := &UnconnectedPing{}
	p.PingTime, _ = r.ReadInt64()
	if err := r.ReadMagic(); err != nil {
		return nil, err
	}
	if r.Remaining() >= 8 {
		p.ClientID, _ = r.ReadInt64()
	}
	return p, nil
}

func decodeUnconnectedPingOpenConnections(r *Reader) (Packet, error) {
	p, err := decodeUnconnectedPing(r)
	if err != nil {
		return nil, err
	}
	p.(*UnconnectedPing).OpenConnections = true
	return p, nil
}

type UnconnectedPong struct {
	PingTime int64
	ServerID int64
	Data     []byte
}

func (*UnconnectedPong) ID() uint8 { return IDUnconnectedPong }

func (p *UnconnectedPong) Marshal(w *Writer) {
	w.WriteUint8(IDUnconnectedPong)
	w.WriteInt64(p.PingTime)
	w.WriteInt64(p.ServerID)
	w.WriteMagic()
	w.WriteUint16(uint16(len(p.Data)))
	w.WriteBytes(p.Data)
}

func decodeUnconnectedPong(r *Reader) (Packet, error) {
	p := &UnconnectedPong{}
	var err error
	if p.PingTime, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if p.ServerID, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if err = r.ReadMagic(); err != nil {
		return nil, err
	}
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if p.Data, err = r.ReadBytes(int(n)); err != nil {
		return nil, err
	}
	return p, nil
}

// OpenConnectionRequest1 is padded by the client to probe the path MTU.
type OpenConnectionRequest1 struct {
	Protocol uint8
	Padding  int // zero bytes after the protocol byte
}

func (*OpenConnectionRequest1) ID() uint8 { return IDOpenConnectionRequest1 }

func (p *OpenConnectionRequest1) Marshal(w *Writer) {
	w.WriteUint8(IDOpenConnectionRequest1)
	w.WriteMagic()
	w.WriteUint8(p.Protocol)
	w.WriteBytes(make([]byte, p.Padding))
}

// MTU estimates the path MTU from the size of the request as received.
func (p *OpenConnectionRequest1) MTU(from *net.UDPAddr) int {
	return p.Padding + 1 + len(unconnectedMagic) + 1 + IPHeaderSize(from) + UDPHeaderSize
}

func decodeOpenConnectionRequest1(r *Reader) (Packet, error) {
	if r.Remaining() < len(unconnectedMagic) {
		return nil, errors.Wrapf(ErrShortBuffer, "open connection request 1 has %d bytes", r.Remaining())
	}
	if err := r.ReadMagic(); err != nil {
		return nil, err
	}
	protocol, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	return &OpenConnectionRequest1{Protocol: protocol, Padding: r.Remaining()}, nil
}

type OpenConnectionReply1 struct {
	ServerID int64
	Security bool
	MTU      uint16
}

func (*OpenConnectionReply1) ID() uint8 { return IDOpenConnectionReply1 }

func (p *OpenConnectionReply1) Marshal(w *Writer) {
	w.WriteUint8(IDOpenConnectionReply1)
	w.WriteMagic()
	w.WriteInt64(p.ServerID)
	w.WriteBool(p.Security)
	w.WriteUint16(p.MTU)
}

func decodeOpenConnectionReply1(r *Reader) (Packet, error) {
	if err := r.ReadMagic(); err != nil {
		return nil, err
	}
	p := &OpenConnectionReply1{}
	var err error
	if p.ServerID, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if p.Security, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if p.MTU, err = r.ReadUint16(); err != nil {
		return nil, err
	}
	return p, nil
}

type OpenConnectionRequest2 struct {
	ServerAddr *net.UDPAddr
	MTU        uint16
	ClientID   int64
}

func (*OpenConnectionRequest2) ID() uint8 { return IDOpenConnectionRequest2 }

func (p *OpenConnectionRequest2) Marshal(w *Writer) {
	w.WriteUint8(IDOpenConnectionRequest2)
	w.WriteMagic()
	WriteAddress(w, p.ServerAddr)
	w.WriteUint16(p.MTU)
	w.WriteInt64(p.ClientID)
}

func decodeOpenConnectionRequest2(r *Reader) (Packet, error) {
	if err := r.ReadMagic(); err != nil {
		return nil, err
	}
	p := &OpenConnectionRequest2{}
	var err error
	if p.ServerAddr, err = ReadAddress(r); err != nil {
		return nil, err
	}
	if p.MTU, err = r.ReadUint16(); err != nil {
		return nil, err
	}
	if p.ClientID, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	return p, nil
}

type OpenConnectionReply2 struct {
	ServerID   int64
	ClientAddr *net.UDPAddr
	MTU        uint16
	Encryption bool
}

func (*OpenConnectionReply2) ID() uint8 { return IDOpenConnectionReply2 }

func (p *OpenConnectionReply2) Marshal(w *Writer) {
	w.WriteUint8(IDOpenConnectionReply2)
	w.WriteMagic()
	w.WriteInt64(p.ServerID)
	WriteAddress(w, p.ClientAddr)
	w.WriteUint16(p.MTU)
	w.WriteBool(p.Encryption)
}

func decodeOpenConnectionReply2(r *Reader) (Packet, error) {
	if err := r.ReadMagic(); err != nil {
		return nil, err
	}
	p := &OpenConnectionReply2{}
	var err error
	if p.ServerID, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if p.ClientAddr, err = ReadAddress(r); err != nil {
		return nil, err
	}
	if p.MTU, err = r.ReadUint16(); err != nil {
		return nil, err
	}
	if p.Encryption, err = r.ReadBool(); err != nil {
		return nil, err
	}
	return p, nil
}

type ConnectionRequest struct {
	ClientID int64
	Time     int64
	Security bool
}

func (*ConnectionRequest) ID() uint8 { return IDConnectionRequest }

func (p *ConnectionRequest) Marshal(w *Writer) {
	w.WriteUint8(IDConnectionRequest)
	w.WriteInt64(p.ClientID)
	w.WriteInt64(p.Time)
	w.WriteBool(p.Security)
}

func decodeConnectionRequest(r *Reader) (Packet, error) {
	p := &ConnectionRequest{}
	var err error
	if p.ClientID, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if p.Time, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if p.Security, err = r.ReadBool(); err != nil {
		return nil, err
	}
	return p, nil
}

type ConnectionRequestAccepted struct {
	ClientAddr      *net.UDPAddr
	SystemIndex     uint16
	SystemAddresses []*net.UDPAddr
	RequestTime     int64
	Time            int64
}

func (*ConnectionRequestAccepted) ID() uint8 { return IDConnectionRequestAccepted }

func (p *ConnectionRequestAccepted) Marshal(w *Writer) {
	w.WriteUint8(IDConnectionRequestAccepted)
	WriteAddress(w, p.ClientAddr)
	w.WriteUint16(p.SystemIndex)
	for _, addr := range p.SystemAddresses {
		WriteAddress(w, addr)
	}
	w.WriteInt64(p.RequestTime)
	w.WriteInt64(p.Time)
}

func decodeConnectionRequestAccepted(r *Reader) (Packet, error) {
	p := &ConnectionRequestAccepted{}
	var err error
	if p.ClientAddr, err = ReadAddress(r); err != nil {
		return nil, err
	}
	if p.SystemIndex, err = r.ReadUint16(); err != nil {
		return nil, err
	}
	if p.SystemAddresses, err = readSystemAddresses(r); err != nil {
		return nil, err
	}
	if p.RequestTime, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	if p.Time, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	return p, nil
}

type NewIncomingConnection struct {
	ServerAddr      *net.UDPAddr
	SystemAddresses []*net.UDPAddr
	PingTime        int64
	PongTime        int64
}

func (*NewIncomingConnection) ID() uint8 { return IDNewIncomingConnection }

func (p *NewIncomingConnection) Marshal(w *Writer) {
	w.WriteUint8(IDNewIncomingConnection)
	WriteAddress(w, p.ServerAddr)
	for _, addr := range p.SystemAddresses {
		WriteAddress(w, addr)
	}
	w.WriteInt64(p.PingTime)
	w.WriteInt64(p.PongTime)
}

// decodeNewIncomingConnection is lenient: the transport only needs the id,
// and clients differ in how many system addresses they send.
func decodeNewIncomingConnection(r *Reader) (Packet, error) {
	p := &NewIncomingConnection{}
	if r.Remaining() == 0 {
		return p, nil
	}
	var err error
	if p.ServerAddr, err = ReadAddress(r); err != nil {
		return p, nil
	}
	if p.SystemAddresses, err = readSystemAddresses(r); err != nil {
		return p, nil
	}
	p.PingTime, _ = r.ReadInt64()
	p.PongTime, _ = r.ReadInt64()
	return p, nil
}

// readSystemAddresses reads addresses until only the two trailing
// timestamps are left.
func readSystemAddresses(r *Reader) ([]*net.UDPAddr, error) {
	var addrs []*net.UDPAddr
	for r.Remaining() > 16 {
		addr, err := ReadAddress(r)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

type DisconnectionNotification struct{}

func (*DisconnectionNotification) ID() uint8 { return IDDisconnectionNotification }

func (*DisconnectionNotification) Marshal(w *Writer) {
	w.WriteUint8(IDDisconnectionNotification)
}

func decodeDisconnectionNotification(*Reader) (Packet, error) {
	return &DisconnectionNotification{}, nil
}

// Rejection covers the handshake refusals that carry only magic and the
// server id: ALREADY_CONNECTED, MAXIMUM_CONNECTION, CONNECTION_BANNED and
// CONNECTION_REQUEST_FAILED.
type Rejection struct {
	PacketID uint8
	ServerID int64
}

func (p *Rejection) ID() uint8 { return p.PacketID }

func (p *Rejection) Marshal(w *Writer) {
	w.WriteUint8(p.PacketID)
	w.WriteMagic()
	w.WriteInt64(p.ServerID)
}

func rejectionDecoder(id uint8) func(*Reader) (Packet, error) {
	return func(r *Reader) (Packet, error) {
		if err := r.ReadMagic(); err != nil {
			return nil, err
		}
		serverID, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		return &Rejection{PacketID: id, ServerID: serverID}, nil
	}
}

type IncompatibleProtocolVersion struct {
	Protocol uint8
	ServerID int64
}

func (*IncompatibleProtocolVersion) ID() uint8 { return IDIncompatibleProtocolVersion }

func (p *IncompatibleProtocolVersion) Marshal(w *Writer) {
	w.WriteUint8(IDIncompatibleProtocolVersion)
	w.WriteUint8(p.Protocol)
	w.WriteMagic()
	w.WriteInt64(p.ServerID)
}

func decodeIncompatibleProtocolVersion(r *Reader) (Packet, error) {
	p := &IncompatibleProtocolVersion{}
	var err error
	if p.Protocol, err = r.ReadUint8(); err != nil {
		return nil, err
	}
	if err = r.ReadMagic(); err != nil {
		return nil, err
	}
	if p.ServerID, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	return p, nil
}
