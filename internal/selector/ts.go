package selector

import (
	"bytes"
	"net"

	"github.com/ikecore/charon/internal/proto"
)

// Selector is one traffic selector entry: an address range, port range and
// IP protocol, matching the shape a TSi/TSr payload carries.
type Selector struct {
	Type         proto.SelectorType
	IPProtocolID uint8
	StartPort    uint16
	EndPort      uint16
	StartAddress net.IP
	EndAddress   net.IP
}

func ipLE(a, b net.IP) bool { return bytes.Compare(a.To16(), b.To16()) <= 0 }

func maxIP(a, b net.IP) net.IP {
	if ipLE(a, b) {
		return b
	}
	return a
}

func minIP(a, b net.IP) net.IP {
	if ipLE(a, b) {
		return a
	}
	return b
}

// subset returns the componentwise greatest common subset of a and b: the
// intersection of their address ranges, port ranges, and IP protocol,
// mirroring get_subset's "largest subset of both" contract. ok is false if
// any dimension's intersection is empty.
func subset(a, b Selector) (Selector, bool) {
	if a.Type != b.Type {
		return Selector{}, false
	}
	if a.IPProtocolID != 0 && b.IPProtocolID != 0 && a.IPProtocolID != b.IPProtocolID {
		return Selector{}, false
	}
	ipProto := a.IPProtocolID
	if ipProto == 0 {
		ipProto = b.IPProtocolID
	}

	start := maxIP(a.StartAddress, b.StartAddress)
	end := minIP(a.EndAddress, b.EndAddress)
	if !ipLE(start, end) {
		return Selector{}, false
	}

	startPort := a.StartPort
	if b.StartPort > startPort {
		startPort = b.StartPort
	}
	endPort := a.EndPort
	if b.EndPort < endPort {
		endPort = b.EndPort
	}
	if startPort > endPort {
		return Selector{}, false
	}

	return Selector{
		Type:         a.Type,
		IPProtocolID: ipProto,
		StartPort:    startPort,
		EndPort:      endPort,
		StartAddress: start,
		EndAddress:   end,
	}, true
}

// contains reports whether outer is a superset of inner across every
// dimension — used to drop selectors made redundant by a broader one.
func contains(outer, inner Selector) bool {
	if outer.Type != inner.Type {
		return false
	}
	if outer.IPProtocolID != 0 && outer.IPProtocolID != inner.IPProtocolID {
		return false
	}
	if !ipLE(outer.StartAddress, inner.StartAddress) || !ipLE(inner.EndAddress, outer.EndAddress) {
		return false
	}
	return outer.StartPort <= inner.StartPort && inner.EndPort <= outer.EndPort
}

// Narrow computes the negotiated traffic selector set for a CHILD_SA: every
// pairwise subset between a mine-side and a theirs-side selector, with any
// result that is strictly contained in another result removed, so the
// narrowed set never carries redundant entries.
func Narrow(mine, theirs []Selector) []Selector {
	var candidates []Selector
	for _, m := range mine {
		for _, t := range theirs {
			if s, ok := subset(m, t); ok {
				candidates = append(candidates, s)
			}
		}
	}

	var out []Selector
	for i, c := range candidates {
		redundant := false
		for j, other := range candidates {
			if i == j {
				continue
			}
			if contains(other, c) && !contains(c, other) {
				redundant = true
				break
			}
			// equal selectors: keep the lower index's copy only
			if contains(other, c) && contains(c, other) && j < i {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, c)
		}
	}
	return out
}
