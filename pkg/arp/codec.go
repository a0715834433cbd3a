package arp

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decode errors. Both are expected background noise on a busy LAN and
// should be discarded by the caller, never logged as failures.
var (
	// ErrNotARP indicates a structurally valid frame that carries
	// something other than ARP.
	ErrNotARP = errors.New("frame is not ARP")
	// ErrTruncated indicates a frame too short to hold an Ethernet
	// header plus an ARP payload.
	ErrTruncated = errors.New("truncated ARP frame")
)

// BroadcastMAC is the Ethernet broadcast address used for sweep probes.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// Request is an ARP request before encoding. Values are copied on
// encode; a Request is never mutated by this package.
type Request struct {
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
	TargetMAC net.HardwareAddr
	TargetIP  net.IP
}

// Reply is a parsed incoming ARP payload. Operation is carried through
// as seen on the wire: callers filter on it rather than the codec
// rejecting unexpected values.
type Reply struct {
	Operation uint16
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
	TargetMAC net.HardwareAddr
	TargetIP  net.IP
}

// IsReply reports whether the parsed payload is an ARP reply (opcode 2).
func (r Reply) IsReply() bool {
	return r.Operation == uint16(layers.ARPReply)
}

// EncodeRequest builds a complete Ethernet+ARP request frame. A real
// targetMAC produces a unicast-framed confirmation probe addressed
// directly to the device; BroadcastMAC produces a sweep probe with a
// zeroed ARP target hardware address.
func EncodeRequest(senderMAC net.HardwareAddr, senderIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) ([]byte, error) {
	return encode(layers.ARPRequest, senderMAC, senderIP, targetMAC, targetIP)
}

// EncodeReply builds a complete Ethernet+ARP reply frame. Used by the
// loopback transport to simulate answering devices.
func EncodeReply(senderMAC net.HardwareAddr, senderIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) ([]byte, error) {
	return encode(layers.ARPReply, senderMAC, senderIP, targetMAC, targetIP)
}

func encode(op uint16, senderMAC net.HardwareAddr, senderIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) ([]byte, error) {
	if len(senderMAC) != 6 || len(targetMAC) != 6 {
		return nil, fmt.Errorf("hardware addresses must be 6 bytes, got sender=%d target=%d", len(senderMAC), len(targetMAC))
	}
	srcIP := senderIP.To4()
	dstIP := targetIP.To4()
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("sender %v and target %v must be IPv4 addresses", senderIP, targetIP)
	}

	// On a broadcast request the ARP target hardware address is left
	// zeroed; the Ethernet destination still carries the broadcast MAC.
	arpTargetMAC := targetMAC
	if op == uint16(layers.ARPRequest) && targetMAC.String() == BroadcastMAC.String() {
		arpTargetMAC = zeroMAC
	}

	eth := layers.Ethernet{
		SrcMAC:       senderMAC,
		DstMAC:       targetMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   []byte(senderMAC),
		SourceProtAddress: []byte(srcIP),
		DstHwAddress:      []byte(arpTargetMAC),
		DstProtAddress:    []byte(dstIP),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return nil, fmt.Errorf("serializing ARP frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a raw frame into a Reply. Non-ARP frames return
// ErrNotARP and truncated or corrupt payloads return ErrTruncated;
// unexpected opcode or hardware-type values decode successfully and
// are left to the caller to ignore.
func Decode(data []byte) (Reply, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return Reply{}, ErrTruncated
	}
	eth := ethLayer.(*layers.Ethernet)
	if eth.EthernetType != layers.EthernetTypeARP {
		return Reply{}, ErrNotARP
	}

	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return Reply{}, ErrTruncated
	}
	a := arpLayer.(*layers.ARP)
	if len(a.SourceProtAddress) != 4 || len(a.DstProtAddress) != 4 {
		return Reply{}, ErrTruncated
	}

	reply := Reply{
		Operation: a.Operation,
		SenderMAC: append(net.HardwareAddr(nil), a.SourceHwAddress...),
		SenderIP:  append(net.IP(nil), a.SourceProtAddress...),
		TargetMAC: append(net.HardwareAddr(nil), a.DstHwAddress...),
		TargetIP:  append(net.IP(nil), a.DstProtAddress...),
	}
	return reply, nil
}
