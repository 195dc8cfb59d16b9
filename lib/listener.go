package lib

import (
	"fmt"
	"net"
)

// ConnectionState is the handshake progress of a connection.
type ConnectionState int32

const (
	StateUnconnected ConnectionState = iota
	StateInitializing
	StateInitialized
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateInitializing:
		return "INITIALIZING"
	case StateInitialized:
		return "INITIALIZED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ConnectionState(%d)", int32(s))
}

// DisconnectReason tells the application why a connection went away.
type DisconnectReason int

const (
	ReasonClosedByRemotePeer DisconnectReason = iota
	ReasonShuttingDown
	ReasonDisconnected
	ReasonTimedOut
	ReasonConnectionRequestFailed
	ReasonAlreadyConnected
	ReasonNoFreeIncomingConnections
	ReasonIncompatibleProtocolVersion
	ReasonIPRecentlyConnected
	ReasonBadPacket
)

var disconnectReasonNames = [...]string{
	"CLOSED_BY_REMOTE_PEER",
	"SHUTTING_DOWN",
	"DISCONNECTED",
	"TIMED_OUT",
	"CONNECTION_REQUEST_FAILED",
	"ALREADY_CONNECTED",
	"NO_FREE_INCOMING_CONNECTIONS",
	"INCOMPATIBLE_PROTOCOL_VERSION",
	"IP_RECENTLY_CONNECTED",
	"BAD_PACKET",
}

func (r DisconnectReason) String() string {
	if r >= 0 && int(r) < len(disconnectReasonNames) {
		return disconnectReasonNames[r]
	}
	return fmt.Sprintf("DisconnectReason(%d)", int(r))
}

// SocketListener is implemented by the application sitting on top of the
// transport. Callbacks run on connection goroutines, or on the socket read
// goroutine for the pre-connection ones, and must not block.
type SocketListener interface {
	// OnConnect decides whether addr may open a connection.
	OnConnect(addr *net.UDPAddr) bool
	// OnRequestServerData returns the advertisement sent in unconnected pongs.
	OnRequestServerData() []byte
	OnConnectionCreation(c *Connection)
	// OnConnectionEstablished fires once the handshake reaches CONNECTED.
	OnConnectionEstablished(c *Connection)
	// OnEncapsulated receives an in-order, reassembled application payload.
	// The slice belongs to the listener.
	OnEncapsulated(c *Connection, payload []byte)
	// OnDirect receives an application packet sent outside a datagram.
	OnDirect(c *Connection, payload []byte)
	OnDisconnect(c *Connection, reason DisconnectReason)
	OnConnectionStateChanged(c *Connection, old, current ConnectionState)
	OnUnhandledDatagram(addr *net.UDPAddr, payload []byte)
}

// BaseListener accepts every address and ignores every event. Embed it to
// implement only the callbacks you need.
type BaseListener struct{}

func (BaseListener) OnConnect(*net.UDPAddr) bool { return true }
func (BaseListener) OnRequestServerData() []byte { return nil }
func (BaseListener) OnConnectionCreation(*Connection) {}
func (BaseListener) OnConnectionEstablished(*Connection) {}
func (BaseListener) OnEncapsulated(*Connection, []byte) {}
func (BaseListener) OnDirect(*Connection, []byte) {}
func (BaseListener) OnDisconnect(*Connection, DisconnectReason) {}
func (BaseListener) OnConnectionStateChanged(*Connection, ConnectionState, ConnectionState) {}
func (BaseListener) OnUnhandledDatagram(*net.UDPAddr, []byte) {}
