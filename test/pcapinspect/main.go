/*
pcapinspect prints the transport level view of a packet capture: handshake
packets by name, datagrams with their sequence numbers and encapsulated
frames, and ACK/NACK ranges. Only UDP traffic to or from the game port is
considered.

Usage:

	tcpdump -i lo -w game.pcap udp port 19132
	./pcapinspect -file game.pcap -port 19132
*/
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/Clouded-Sabre/pseudo-raknet/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

var (
	pcapFile string
	gamePort int
)

func init() {
	flag.StringVar(&pcapFile, "file", "capture.pcap", "pcap file to read")
	flag.IntVar(&gamePort, "port", lib.DefaultPort, "game server UDP port")
}

func main() {
	flag.Parse()

	f, err := os.Open(pcapFile)
	if err != nil {
		log.Fatalf("Error opening capture: %v", err)
	}
	defer f.Close()

	n, err := inspect(f, gamePort, os.Stdout)
	if err != nil {
		log.Fatalf("Error reading capture: %v", err)
	}
	log.Printf("%d game datagrams decoded", n)
}

// inspect writes one line per game datagram found in the capture read from
// r and returns how many it decoded.
func inspect(r io.Reader, port int, out io.Writer) (int, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, errors.Wrap(err, "pcap header")
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true

	count := 0
	for {
		packet, err := source.NextPacket()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, errors.Wrap(err, "next packet")
		}
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if int(udp.SrcPort) != port && int(udp.DstPort) != port {
			continue
		}
		direction := "C->S"
		if int(udp.SrcPort) == port {
			direction = "S->C"
		}
		var src, dst string
		if nl := packet.NetworkLayer(); nl != nil {
			flow := nl.NetworkFlow()
			src, dst = flow.Src().String(), flow.Dst().String()
		}
		fmt.Fprintf(out, "%s %s %s:%d > %s:%d %s\n",
			packet.Metadata().Timestamp.Format("15:04:05.000000"),
			direction, src, udp.SrcPort, dst, udp.DstPort, describe(udp.Payload))
		count++
	}
}

// describe renders one UDP payload.
func describe(b []byte) string {
	if len(b) == 0 {
		return "empty"
	}
	flags := b[0]
	switch {
	case flags&lib.FlagValid == 0:
		pk, err := lib.DecodePacket(b)
		if err != nil {
			return fmt.Sprintf("%s (%d bytes, %v)", lib.PacketName(flags), len(b), err)
		}
		return fmt.Sprintf("%s %+v", lib.PacketName(flags), pk)
	case flags&lib.FlagACK != 0:
		return "ACK " + describeRanges(b[1:])
	case flags&lib.FlagNACK != 0:
		return "NACK " + describeRanges(b[1:])
	}

	var d lib.Datagram
	if err := d.Unmarshal(b); err != nil {
		return fmt.Sprintf("datagram (%d bytes, %v)", len(b), err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "datagram #%d", d.SequenceIndex)
	if d.Flags&lib.FlagContinuousSend != 0 {
		sb.WriteString(" continuous")
	}
	for _, p := range d.Packets {
		sb.WriteString(" [")
		sb.WriteString(p.Reliability.String())
		if p.Reliability.IsReliable() {
			fmt.Fprintf(&sb, " r%d", p.ReliabilityIndex)
		}
		if p.Reliability.IsOrdered() || p.Reliability.IsSequenced() {
			fmt.Fprintf(&sb, " o%d@%d", p.OrderingIndex, p.OrderingChannel)
		}
		if p.Split {
			fmt.Fprintf(&sb, " split %d %d/%d", p.PartID, p.PartIndex+1, p.PartCount)
		} else if len(p.Payload) > 0 {
			fmt.Fprintf(&sb, " %s", lib.PacketName(p.Payload[0]))
		}
		fmt.Fprintf(&sb, " %dB]", len(p.Payload))
	}
	return sb.String()
}

func describeRanges(b []byte) string {
	ranges, err := lib.ReadIntRanges(lib.NewReader(b))
	if err != nil {
		return fmt.Sprintf("(%v)", err)
	}
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if r.Min == r.Max {
			parts = append(parts, fmt.Sprint(r.Min))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Min, r.Max))
		}
	}
	return strings.Join(parts, ",")
}
