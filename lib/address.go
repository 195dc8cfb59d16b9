package lib

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

var ErrUnknownAddressFamily = errors.New("unknown address family")

// WriteAddress encodes a socket address the way the game client expects it.
// IPv4 bytes are bitwise inverted; IPv6 uses the sockaddr_in6 layout.
func WriteAddress(w *Writer, addr *net.UDPAddr) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		w.WriteUint8(4)
		for _, b := range ip4 {
			w.WriteUint8(^b)
		}
		w.WriteUint16(uint16(addr.Port))
		return
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		ip6 = net.IPv6unspecified
	}
	w.WriteUint8(6)
	w.WriteUint16LE(afInet6)
	w.WriteUint16(uint16(addr.Port))
	w.WriteUint32(0) // flow info
	w.WriteBytes(ip6)
	w.WriteUint32(zoneToScopeID(addr.Zone))
}

// ReadAddress decodes an address written by WriteAddress. Scope ids come back
// as numeric zones.
func ReadAddress(r *Reader) (*net.UDPAddr, error) {
	family, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch family {
	case 4:
		b, err := r.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		port, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: net.IPv4(^b[0], ^b[1], ^b[2], ^b[3]), Port: int(port)}, nil
	case 6:
		if _, err := r.ReadUint16LE(); err != nil {
			return nil, err
		}
		port, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		if _, err := r.ReadUint32(); err != nil {
			return nil, err
		}
		b, err := r.ReadBytes(net.IPv6len)
		if err != nil {
			return nil, err
		}
		scope, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, b)
		addr := &net.UDPAddr{IP: ip, Port: int(port)}
		if scope != 0 {
			addr.Zone = strconv.FormatUint(uint64(scope), 10)
		}
		return addr, nil
	default:
		return nil, errors.Wrapf(ErrUnknownAddressFamily, "family %d", family)
	}
}

// AddressSize is the encoded length of addr.
func AddressSize(addr *net.UDPAddr) int {
	if addr.IP.To4() != nil {
		return 7
	}
	return 29
}

// IPHeaderSize returns the IP header overhead for packets to or from addr.
func IPHeaderSize(addr *net.UDPAddr) int {
	if addr.IP.To4() != nil {
		return IPv4HeaderSize
	}
	return IPv6HeaderSize
}

func zoneToScopeID(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	return 0
}

// systemAddresses fills the address list of CONNECTION_REQUEST_ACCEPTED:
// loopback first, then unspecified placeholders.
func systemAddresses(ipv6 bool) []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, SystemAddressCount)
	if ipv6 {
		addrs[0] = &net.UDPAddr{IP: net.IPv6loopback, Port: DefaultPort}
	} else {
		addrs[0] = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort}
	}
	for i := 1; i < SystemAddressCount; i++ {
		if ipv6 {
			addrs[i] = &net.UDPAddr{IP: net.IPv6unspecified, Port: DefaultPort}
		} else {
			addrs[i] = &net.UDPAddr{IP: net.IPv4zero, Port: DefaultPort}
		}
	}
	return addrs
}
