package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
)

// ErrNoInterface is returned when no usable network interface is bound.
// The engine cannot run without one, so this is fatal at startup.
var ErrNoInterface = errors.New("no usable network interface")

// Handler receives every raw frame observed on the interface. It must
// return quickly; decoding and discarding irrelevant frames is the
// caller's job.
type Handler func(frame []byte)

// Transport owns raw network access: sending constructed frames and
// delivering received frames to a handler. It does not interpret
// payloads.
type Transport interface {
	// Send writes a complete Ethernet frame to the wire. The frame
	// carries its own destination addressing, unicast or broadcast.
	Send(frame []byte) error
	// Listen blocks, delivering every observed frame to h until the
	// context is cancelled or the capture fails.
	Listen(ctx context.Context, h Handler) error
	// LocalMAC returns the hardware address of the bound interface.
	LocalMAC() net.HardwareAddr
	// LocalIP returns the IPv4 address of the bound interface.
	LocalIP() net.IP
	Close() error
}

// Pcap is a Transport backed by a live pcap handle with a BPF filter
// restricting capture to ARP traffic.
type Pcap struct {
	ifaceName string
	handle    *pcap.Handle
	localMAC  net.HardwareAddr
	localIP   net.IP
	logger    *logrus.Logger
}

const snaplen = 65536

// OpenPcap binds a pcap transport to the named interface. An empty
// name selects the first non-loopback interface that is up and carries
// both a MAC and an IPv4 address.
func OpenPcap(ifaceName string, logger *logrus.Logger) (*Pcap, error) {
	if logger == nil {
		logger = logrus.New()
	}

	iface, localIP, err := selectInterface(ifaceName)
	if err != nil {
		return nil, err
	}

	handle, err := pcap.OpenLive(iface.Name, snaplen, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("opening interface %s: %w", iface.Name, err)
	}

	if err := handle.SetBPFFilter("arp"); err != nil {
		handle.Close()
		return nil, fmt.Errorf("setting BPF filter on %s: %w", iface.Name, err)
	}

	logger.Infof("Transport bound to %s (%s, %s)", iface.Name, iface.HardwareAddr, localIP)

	return &Pcap{
		ifaceName: iface.Name,
		handle:    handle,
		localMAC:  iface.HardwareAddr,
		localIP:   localIP,
		logger:    logger,
	}, nil
}

// selectInterface resolves the capture interface and its IPv4 address.
func selectInterface(name string) (*net.Interface, net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("listing interfaces: %w", err)
	}

	for i := range ifaces {
		iface := &ifaces[i]
		if name != "" && iface.Name != name {
			continue
		}
		if name == "" {
			if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
				continue
			}
			if len(iface.HardwareAddr) != 6 {
				continue
			}
		}
		ip := interfaceIPv4(iface)
		if ip == nil {
			if name != "" {
				return nil, nil, fmt.Errorf("%w: interface %s has no IPv4 address", ErrNoInterface, name)
			}
			continue
		}
		if len(iface.HardwareAddr) != 6 {
			return nil, nil, fmt.Errorf("%w: interface %s has no MAC address", ErrNoInterface, iface.Name)
		}
		return iface, ip, nil
	}

	if name != "" {
		return nil, nil, fmt.Errorf("%w: interface %s not found", ErrNoInterface, name)
	}
	return nil, nil, ErrNoInterface
}

func interfaceIPv4(iface *net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}

// Send writes a raw frame to the interface.
func (p *Pcap) Send(frame []byte) error {
	if err := p.handle.WritePacketData(frame); err != nil {
		return fmt.Errorf("sending frame on %s: %w", p.ifaceName, err)
	}
	return nil
}

// Listen delivers every captured frame to h until the context is
// cancelled. The BPF filter already restricts capture to ARP, but
// handlers must still treat frames as untrusted input.
func (p *Pcap) Listen(ctx context.Context, h Handler) error {
	src := gopacket.NewPacketSource(p.handle, layers.LayerTypeEthernet)
	packets := src.Packets()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				return fmt.Errorf("capture on %s ended unexpectedly", p.ifaceName)
			}
			h(pkt.Data())
		}
	}
}

// LocalMAC returns the hardware address of the bound interface.
func (p *Pcap) LocalMAC() net.HardwareAddr { return p.localMAC }

// LocalIP returns the IPv4 address of the bound interface.
func (p *Pcap) LocalIP() net.IP { return p.localIP }

// Close releases the pcap handle.
func (p *Pcap) Close() error {
	if p.handle != nil {
		p.handle.Close()
		p.handle = nil
	}
	return nil
}
