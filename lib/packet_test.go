package lib

import (
	"bytes"
	"net"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func TestDecodePacketRegistry(t *testing.T) {
	v4 := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 40000}
	tests := []struct {
		name string
		p    Packet
	}{
		{"connected ping", &ConnectedPing{PingTime: 12}},
		{"connected pong", &ConnectedPong{PingTime: 12, PongTime: 13}},
		{"unconnected ping", &UnconnectedPing{PingTime: 1, ClientID: 2}},
		{"unconnected ping open", &UnconnectedPing{OpenConnections: true, PingTime: 1, ClientID: 2}},
		{"unconnected pong", &UnconnectedPong{PingTime: 1, ServerID: 2, Data: []byte("MCPE;x;")}},
		{"reply 1", &OpenConnectionReply1{ServerID: 42, MTU: 1400}},
		{"request 2", &OpenConnectionRequest2{ServerAddr: v4, MTU: 1200, ClientID: 7}},
		{"reply 2", &OpenConnectionReply2{ServerID: 42, ClientAddr: v4, MTU: 1200}},
		{"connection request", &ConnectionRequest{ClientID: 7, Time: 99}},
		{"accepted", &ConnectionRequestAccepted{ClientAddr: v4, SystemAddresses: systemAddresses(false), RequestTime: 5, Time: 6}},
		{"disconnect", &DisconnectionNotification{}},
		{"already connected", &Rejection{PacketID: IDAlreadyConnected, ServerID: 42}},
		{"banned", &Rejection{PacketID: IDConnectionBanned, ServerID: 42}},
		{"incompatible", &IncompatibleProtocolVersion{Protocol: ProtocolVersion, ServerID: 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := EncodePacket(tt.p)
			if b[0] != tt.p.ID() {
				t.Fatalf("first byte 0x%02x, want id 0x%02x", b[0], tt.p.ID())
			}
			got, err := DecodePacket(b)
			if err != nil {
				t.Fatalf("DecodePacket: %v", err)
			}
			if !reflect.DeepEqual(EncodePacket(got), b) {
				t.Errorf("re-encoded %T differs:\n got % x\nwant % x", got, EncodePacket(got), b)
			}
		})
	}
}

func TestDecodePacketErrors(t *testing.T) {
	if _, err := DecodePacket(nil); err == nil {
		t.Error("empty packet decoded")
	}
	if _, err := DecodePacket([]byte{0x7e}); !errors.Is(err, ErrUnknownPacket) {
		t.Errorf("err = %v, want ErrUnknownPacket", err)
	}
	ping := EncodePacket(&UnconnectedPing{PingTime: 1})
	ping[12] ^= 0xff
	if _, err := DecodePacket(ping); !errors.Is(err, ErrBadMagic) {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
	if _, err := DecodePacket([]byte{IDUnconnectedPing, 0, 0}); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("err = %v, want ErrShortBuffer", err)
	}
}

func TestOpenConnectionRequest1MTU(t *testing.T) {
	b := EncodePacket(&OpenConnectionRequest1{Protocol: ProtocolVersion, Padding: 1000})
	p, err := DecodePacket(b)
	if err != nil {
		t.Fatal(err)
	}
	req := p.(*OpenConnectionRequest1)
	if req.Protocol != ProtocolVersion || req.Padding != 1000 {
		t.Fatalf("got %+v", req)
	}
	v4 := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4)}
	if got, want := req.MTU(v4), len(b)+IPv4HeaderSize+UDPHeaderSize; got != want {
		t.Errorf("MTU = %d, want %d", got, want)
	}
	v6 := &net.UDPAddr{IP: net.ParseIP("::2")}
	if got, want := req.MTU(v6), len(b)+IPv6HeaderSize+UDPHeaderSize; got != want {
		t.Errorf("v6 MTU = %d, want %d", got, want)
	}
}

func TestNewIncomingConnectionLenient(t *testing.T) {
	for _, b := range [][]byte{
		{IDNewIncomingConnection},
		{IDNewIncomingConnection, 9, 9},
	} {
		p, err := DecodePacket(b)
		if err != nil {
			t.Fatalf("% x: %v", b, err)
		}
		if _, ok := p.(*NewIncomingConnection); !ok {
			t.Fatalf("% x decoded to %T", b, p)
		}
	}
}

func TestPacketName(t *testing.T) {
	tests := []struct {
		id   uint8
		want string
	}{
		{IDOpenConnectionRequest1, "OPEN_CONNECTION_REQUEST_1"},
		{IDUnconnectedPong, "UNCONNECTED_PONG"},
		{0x86, "USER_PACKET"},
		{0x7f, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := PacketName(tt.id); got != tt.want {
			t.Errorf("PacketName(0x%02x) = %s, want %s", tt.id, got, tt.want)
		}
	}
}

func TestFramePayload(t *testing.T) {
	if got := FramePayload(0xfe, []byte{1, 2}); !bytes.Equal(got, []byte{0xfe, 1, 2}) {
		t.Errorf("FramePayload = % x", got)
	}
}

func TestAdvertisement(t *testing.T) {
	ad := Advertisement{
		Motd:           "A Go Server",
		Protocol:       419,
		Version:        "1.16.100",
		Online:         3,
		MaxConnections: 20,
		ServerID:       -5,
		SubMotd:        "world",
		GameMode:       "Survival",
	}
	b := ad.Bytes()
	if want := "MCPE;A Go Server;419;1.16.100;3;20;-5;world;Survival;"; string(b) != want {
		t.Fatalf("Bytes = %q, want %q", b, want)
	}
	got, err := ParseAdvertisement(b)
	if err != nil {
		t.Fatalf("ParseAdvertisement: %v", err)
	}
	ad.Edition = "MCPE"
	if got != ad {
		t.Errorf("got %+v, want %+v", got, ad)
	}

	short, err := ParseAdvertisement([]byte("MCPE;motd;1;v;0;10;1;"))
	if err != nil || short.SubMotd != "" {
		t.Errorf("seven field advertisement = %+v, %v", short, err)
	}
	for _, bad := range []string{"MCPE;x", "MCPE;m;p;v;0;1;2;", "MCPE;m;1;v;0;1;id;"} {
		if _, err := ParseAdvertisement([]byte(bad)); err == nil {
			t.Errorf("%q parsed", bad)
		}
	}
}

func TestUnconnectedPingKind(t *testing.T) {
	for _, open := range []bool{false, true} {
		b := EncodePacket(&UnconnectedPing{OpenConnections: open, PingTime: 3})
		pk, err := DecodePacket(b)
		if err != nil {
			t.Fatalf("DecodePacket(% x): %v", b, err)
		}
		if got := pk.(*UnconnectedPing).OpenConnections; got != open {
			t.Errorf("id 0x%02x decoded with OpenConnections = %v, want %v", b[0], got, open)
		}
	}
}
