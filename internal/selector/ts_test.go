package selector

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/proto"
)

func ipSel(start, end string) Selector {
	return Selector{
		Type:         proto.TS_IPV4_ADDR_RANGE,
		StartPort:    0,
		EndPort:      65535,
		StartAddress: net.ParseIP(start),
		EndAddress:   net.ParseIP(end),
	}
}

func TestSubsetIntersectsOverlappingRanges(t *testing.T) {
	a := ipSel("10.0.0.0", "10.0.0.255")
	b := ipSel("10.0.0.128", "10.0.1.0")

	s, ok := subset(a, b)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.128", s.StartAddress.String())
	assert.Equal(t, "10.0.0.255", s.EndAddress.String())
}

func TestSubsetDisjointRangesNoMatch(t *testing.T) {
	a := ipSel("10.0.0.0", "10.0.0.10")
	b := ipSel("10.0.1.0", "10.0.1.10")

	_, ok := subset(a, b)
	assert.False(t, ok)
}

func TestSubsetDifferentTypesNeverMatch(t *testing.T) {
	a := ipSel("10.0.0.0", "10.0.0.10")
	b := ipSel("10.0.0.0", "10.0.0.10")
	b.Type = proto.TS_IPV6_ADDR_RANGE

	_, ok := subset(a, b)
	assert.False(t, ok)
}

func TestSubsetPortRangeIntersection(t *testing.T) {
	a := ipSel("10.0.0.1", "10.0.0.1")
	a.StartPort, a.EndPort = 80, 443
	b := ipSel("10.0.0.1", "10.0.0.1")
	b.StartPort, b.EndPort = 443, 8080

	s, ok := subset(a, b)
	require.True(t, ok)
	assert.EqualValues(t, 443, s.StartPort)
	assert.EqualValues(t, 443, s.EndPort)
}

func TestSubsetDisjointPortsNoMatch(t *testing.T) {
	a := ipSel("10.0.0.1", "10.0.0.1")
	a.StartPort, a.EndPort = 80, 80
	b := ipSel("10.0.0.1", "10.0.0.1")
	b.StartPort, b.EndPort = 443, 443

	_, ok := subset(a, b)
	assert.False(t, ok)
}

func TestNarrowSinglePairProducesOneSelector(t *testing.T) {
	mine := []Selector{ipSel("10.0.0.0", "10.0.0.255")}
	theirs := []Selector{ipSel("10.0.0.0", "10.0.255.255")}

	out := Narrow(mine, theirs)
	require.Len(t, out, 1)
	assert.Equal(t, "10.0.0.0", out[0].StartAddress.String())
	assert.Equal(t, "10.0.0.255", out[0].EndAddress.String())
}

func TestNarrowDropsRedundantSupersets(t *testing.T) {
	// two overlapping mine-side ranges against one theirs-side range: the
	// narrower pairwise result subsumes the broader one.
	mine := []Selector{
		ipSel("10.0.0.0", "10.0.0.255"),
		ipSel("10.0.0.0", "10.0.255.255"),
	}
	theirs := []Selector{ipSel("10.0.0.0", "10.0.0.255")}

	out := Narrow(mine, theirs)
	require.Len(t, out, 1)
	assert.Equal(t, "10.0.0.255", out[0].EndAddress.String())
}

func TestNarrowNoOverlapYieldsEmpty(t *testing.T) {
	mine := []Selector{ipSel("10.0.0.0", "10.0.0.10")}
	theirs := []Selector{ipSel("192.168.0.0", "192.168.0.10")}

	out := Narrow(mine, theirs)
	assert.Empty(t, out)
}

func TestContainsSupersetAndSubset(t *testing.T) {
	outer := ipSel("10.0.0.0", "10.0.255.255")
	inner := ipSel("10.0.1.0", "10.0.1.255")
	assert.True(t, contains(outer, inner))
	assert.False(t, contains(inner, outer))
}
