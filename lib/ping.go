package lib

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Ping sends an UNCONNECTED_PING to address and waits for the pong. It
// returns the pong and the measured round trip.
func Ping(ctx context.Context, address string) (*UnconnectedPong, time.Duration, error) {
	conn, err := dialContext(ctx, address)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	start := time.Now()
	ping := &UnconnectedPing{PingTime: start.UnixMilli(), ClientID: start.UnixNano()}
	if _, err := conn.Write(EncodePacket(ping)); err != nil {
		return nil, 0, errors.Wrap(err, "send ping")
	}

	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, 0, errors.Wrap(err, "wait for pong")
		}
		if n == 0 || buf[0] != IDUnconnectedPong {
			continue
		}
		pk, err := DecodePacket(buf[:n])
		if err != nil {
			return nil, 0, err
		}
		pong := pk.(*UnconnectedPong)
		if pong.PingTime != ping.PingTime {
			continue
		}
		return pong, time.Since(start), nil
	}
}

// ProbeMTU runs the two open connection requests against address, starting
// from mtu, and returns the MTU the server settled on. The server keeps a
// half open connection that expires after its timeout.
func ProbeMTU(ctx context.Context, address string, mtu int, clientID int64) (int, error) {
	conn, err := dialContext(ctx, address)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	remote := conn.RemoteAddr().(*net.UDPAddr)

	padding := mtu - (1 + len(unconnectedMagic) + 1 + IPHeaderSize(remote) + UDPHeaderSize)
	if padding < 0 {
		padding = 0
	}
	reply, err := roundTrip(conn, &OpenConnectionRequest1{Protocol: ProtocolVersion, Padding: padding})
	if err != nil {
		return 0, err
	}
	r1, ok := reply.(*OpenConnectionReply1)
	if !ok {
		return 0, errors.Errorf("server answered %s", PacketName(reply.ID()))
	}

	reply, err = roundTrip(conn, &OpenConnectionRequest2{ServerAddr: remote, MTU: r1.MTU, ClientID: clientID})
	if err != nil {
		return 0, err
	}
	r2, ok := reply.(*OpenConnectionReply2)
	if !ok {
		return 0, errors.Errorf("server answered %s", PacketName(reply.ID()))
	}
	return int(r2.MTU), nil
}

func dialContext(ctx context.Context, address string) (*net.UDPConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	conn := c.(*net.UDPConn)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

// roundTrip writes p and returns the next administrative packet received.
func roundTrip(conn *net.UDPConn, p Packet) (Packet, error) {
	if _, err := conn.Write(EncodePacket(p)); err != nil {
		return nil, errors.Wrapf(err, "send %s", PacketName(p.ID()))
	}
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "wait for reply to %s", PacketName(p.ID()))
		}
		if n == 0 || buf[0]&FlagValid != 0 {
			continue
		}
		return DecodePacket(buf[:n])
	}
}
