package lib

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const batchSize = 16

// batchConn is the recvmmsg/sendmmsg view of a UDP socket. ipv4.PacketConn
// and ipv6.PacketConn both satisfy it; ipv6 messages share the ipv4 type.
type batchConn interface {
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

func newBatchConn(conn *net.UDPConn) batchConn {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	if addr.IP.To4() != nil {
		return ipv4.NewPacketConn(conn)
	}
	return ipv6.NewPacketConn(conn)
}

// datagramConn reads and writes datagrams in batches when the platform
// supports it, and one at a time otherwise.
type datagramConn struct {
	conn  *net.UDPConn
	xconn batchConn

	rx      []ipv4.Message
	noBatch bool // set after the first batch error; never cleared
}

func newDatagramConn(conn *net.UDPConn, bufferLength int) *datagramConn {
	d := &datagramConn{conn: conn, xconn: newBatchConn(conn)}
	d.rx = make([]ipv4.Message, batchSize)
	for i := range d.rx {
		d.rx[i].Buffers = [][]byte{make([]byte, bufferLength)}
	}
	if d.xconn == nil {
		d.noBatch = true
	}
	return d
}

// readLoop calls handle for every datagram until the socket fails. The
// slice passed to handle is only valid during the call.
func (d *datagramConn) readLoop(handle func(b []byte, addr *net.UDPAddr)) error {
	for {
		if !d.noBatch {
			n, err := d.xconn.ReadBatch(d.rx, 0)
			if err == nil {
				for i := 0; i < n; i++ {
					msg := &d.rx[i]
					if addr, ok := msg.Addr.(*net.UDPAddr); ok {
						handle(msg.Buffers[0][:msg.N], addr)
					}
				}
				continue
			}
			if isClosedErr(err) {
				return err
			}
			d.noBatch = true
		}
		buf := d.rx[0].Buffers[0]
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		handle(buf[:n], addr)
	}
}

// writeBatch sends msgs, falling back to single writes if sendmmsg is not
// available.
func (d *datagramConn) writeBatch(msgs []ipv4.Message) error {
	if !d.noBatch {
		sent := 0
		for sent < len(msgs) {
			n, err := d.xconn.WriteBatch(msgs[sent:], 0)
			if err != nil {
				if isClosedErr(err) {
					return err
				}
				d.noBatch = true
				break
			}
			sent += n
		}
		if sent == len(msgs) {
			return nil
		}
		msgs = msgs[sent:]
	}
	for i := range msgs {
		if _, err := d.conn.WriteTo(msgs[i].Buffers[0], msgs[i].Addr); err != nil {
			return errors.Wrapf(err, "write to %s", msgs[i].Addr)
		}
	}
	return nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
