// Package frame builds and parses the Ethernet+IPv4+UDP envelopes the
// engine sends and receives. The host network stack is bypassed entirely -
// the server reads and writes whole Ethernet frames on a raw socket - so
// this package is responsible for both framing and checksums.
package frame

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDP4 is a parsed, owned view of an inbound Ethernet+IPv4+UDP frame.
//
// Unlike the Rust original, which borrows a view into an owned buffer via a
// self-referential wrapper (see SPEC_FULL.md §9), this struct stores owned,
// already-decoded fields; Payload re-slices the original buffer rather than
// copying it, which is safe because Go has no borrow checker forcing a
// self-referential aggregate.
type UDP4 struct {
	SrcMAC, DstMAC net.HardwareAddr
	SrcIP, DstIP   net.IP
	SrcPort        uint16
	DstPort        uint16
	Payload        []byte
}

// ParseUDP4 parses buf as Ethernet -> IPv4 -> UDP. It returns an error for
// any frame that isn't IPv4-over-Ethernet carrying UDP; callers treat that
// as pxeerr.Ignore, not Malformed, since plenty of legitimate LAN traffic
// isn't DHCP/TFTP.
func ParseUDP4(buf []byte) (*UDP4, error) {
	pkt := gopacket.NewPacket(buf, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, fmt.Errorf("not an ethernet frame")
	}
	eth, _ := ethLayer.(*layers.Ethernet)

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, fmt.Errorf("not an ipv4 packet")
	}
	ip, _ := ipLayer.(*layers.IPv4)

	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, fmt.Errorf("not a udp packet")
	}
	udp, _ := udpLayer.(*layers.UDP)

	return &UDP4{
		SrcMAC:  net.HardwareAddr(eth.SrcMAC),
		DstMAC:  net.HardwareAddr(eth.DstMAC),
		SrcIP:   ip.SrcIP,
		DstIP:   ip.DstIP,
		SrcPort: uint16(udp.SrcPort),
		DstPort: uint16(udp.DstPort),
		Payload: udp.Payload,
	}, nil
}

// BuildUDP4 serializes Ethernet(srcMAC -> dstMAC) / IPv4(srcIP -> dstIP,
// TTL 128) / UDP(srcPort -> dstPort) around payload, with both the IPv4 and
// UDP checksums computed - the host stack never sees this frame, so nothing
// else will compute them.
func BuildUDP4(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      128,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("frame: set network layer for checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("frame: serialize: %w", err)
	}

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// Broadcast addresses used when replying to a client that has no IP yet.
var (
	BroadcastIP  = net.IPv4(255, 255, 255, 255)
	BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

const (
	// DHCPServerPort is the well-known DHCP server UDP port.
	DHCPServerPort = 67
	// DHCPClientPort is the well-known DHCP client UDP port.
	DHCPClientPort = 68
)
