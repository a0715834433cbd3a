package presence

import (
	"encoding/binary"
	"fmt"
	"net"
)

// sweeper walks an inclusive IPv4 range round-robin, handing out a
// bounded batch of probe targets per scheduler tick so a sweep never
// floods the LAN in a single burst.
type sweeper struct {
	lower  uint32
	upper  uint32
	cursor uint32
	skip   uint32 // the local address, never probed
}

func newSweeper(lower, upper, local net.IP) (*sweeper, error) {
	lo, err := ipToUint32(lower)
	if err != nil {
		return nil, fmt.Errorf("range lower bound: %w", err)
	}
	hi, err := ipToUint32(upper)
	if err != nil {
		return nil, fmt.Errorf("range upper bound: %w", err)
	}
	if lo > hi {
		return nil, fmt.Errorf("address range %s-%s is inverted", lower, upper)
	}

	s := &sweeper{lower: lo, upper: hi, cursor: lo}
	if local != nil {
		if v, err := ipToUint32(local); err == nil {
			s.skip = v
		}
	}
	return s, nil
}

// size returns the number of addresses in the range.
func (s *sweeper) size() int {
	return int(s.upper-s.lower) + 1
}

// targets returns up to n addresses starting at the cursor, advancing
// and wrapping it. The local address is skipped.
func (s *sweeper) targets(n int) []net.IP {
	if n <= 0 {
		return nil
	}
	if n > s.size() {
		n = s.size()
	}

	out := make([]net.IP, 0, n)
	for steps := 0; steps < s.size() && len(out) < n; steps++ {
		addr := s.cursor
		if s.cursor == s.upper {
			s.cursor = s.lower
		} else {
			s.cursor++
		}
		if addr == s.skip {
			continue
		}
		out = append(out, uint32ToIP(addr))
	}
	return out
}

// rewind moves the cursor back to the start of the range. Called when
// a sweep cycle begins so offline devices are covered promptly.
func (s *sweeper) rewind() {
	s.cursor = s.lower
}

func ipToUint32(ip net.IP) (uint32, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("%v is not an IPv4 address", ip)
	}
	return binary.BigEndian.Uint32(ip4), nil
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
