package lib

import "time"

// Datagram flag bits
const (
	FlagValid          uint8 = 0x80 // framed datagram, as opposed to a raw administrative packet
	FlagACK            uint8 = 0x40
	FlagNACK           uint8 = 0x20
	FlagSplit          uint8 = 0x10 // set on the encapsulated header, not on the datagram
	FlagContinuousSend uint8 = 0x08
)

// Packet ids handled by the transport itself
const (
	IDConnectedPing                 uint8 = 0x00
	IDUnconnectedPing               uint8 = 0x01
	IDUnconnectedPingOpenConnection uint8 = 0x02
	IDConnectedPong                 uint8 = 0x03
	IDDetectLostConnection          uint8 = 0x04
	IDOpenConnectionRequest1        uint8 = 0x05
	IDOpenConnectionReply1          uint8 = 0x06
	IDOpenConnectionRequest2        uint8 = 0x07
	IDOpenConnectionReply2          uint8 = 0x08
	IDConnectionRequest             uint8 = 0x09
	IDConnectionRequestAccepted     uint8 = 0x10
	IDConnectionRequestFailed       uint8 = 0x11
	IDAlreadyConnected              uint8 = 0x12
	IDNewIncomingConnection         uint8 = 0x13
	IDMaximumConnection             uint8 = 0x14
	IDDisconnectionNotification     uint8 = 0x15
	IDConnectionBanned              uint8 = 0x17
	IDIncompatibleProtocolVersion   uint8 = 0x19
	IDUnconnectedPong               uint8 = 0x1C
	IDUserPacketEnum                uint8 = 0x80 // first application packet id
)

const (
	MinMTU                    = 576
	MaxMTU                    = 1400
	UDPHeaderSize             = 8
	IPv4HeaderSize            = 20
	IPv6HeaderSize            = 40
	DatagramHeaderSize        = 4  // flags + 24-bit sequence number
	MaxEncapsulatedHeaderSize = 28 // worst case encapsulated header incl. split fields
	NumOrderingChannels       = 32
	ProtocolVersion           = 10
	SystemAddressCount        = 20 // addresses listed in CONNECTION_REQUEST_ACCEPTED
	MaxSplitParts             = 8192
	MaxSplitGroups            = 256 // concurrently reassembling split groups per connection
	DefaultPort               = 19132
	DefaultMaxConnections     = 1024
	afInet6                   = 23 // AF_INET6 as written by the reference client
	uint24Mask                = 0xFFFFFF
)

const (
	ConnectionTimeout   = 10 * time.Second
	SplitPacketExpiry   = 30 * time.Second
	PingInterval        = 2 * time.Second
	DefaultTickInterval = 10 * time.Millisecond
)

// Congestion control tuning, in milliseconds
const (
	CCAdditionalVariance = 30
	CCMaximumThreshold   = 2000
	CCSyn                = 10
)

// unconnectedMagic prefixes every offline message.
var unconnectedMagic = [16]byte{
	0x00, 0xff, 0xff, 0x00,
	0xfe, 0xfe, 0xfe, 0xfe,
	0xfd, 0xfd, 0xfd, 0xfd,
	0x12, 0x34, 0x56, 0x78,
}
