// Package kernel is the abstraction boundary over the IPsec SAD/SPD
// (component C): SA and policy installation, address/route queries, and an
// inbound event stream for kernel-initiated Acquire/Expire/Mapping/Migrate/
// RoamingHint notifications. Concrete implementations talk to a real
// netlink/PF_KEY backend; this package only defines the contract plus an
// in-memory double for tests.
package kernel

import (
	"net"
	"time"

	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/selector"
)

// SAParams describes one direction of one IPsec SA to install.
type SAParams struct {
	Src, Dst               net.IP
	SPI                    uint32
	Protocol               proto.ProtocolID
	ReqID                  uint32
	ExpireSoft, ExpireHard time.Duration
	EncAlg                 proto.EncrID
	EncKey                 []byte
	IntegAlg               proto.IntegID
	IntegKey               []byte
	Mode                   proto.Mode
	Encap                  bool // UDP encapsulation for NAT traversal
	Update                 bool // replace an SA already allocated by AllocateSPI
}

// PolicyParams describes one SPD policy.
type PolicyParams struct {
	Src, Dst     net.IP
	SrcTS, DstTS selector.Selector
	Dir          proto.PolicyDir
	Protocol     proto.ProtocolID
	ReqID        uint32
	HighPriority bool
	Mode         proto.Mode
}

func (p PolicyParams) key() policyKey {
	return policyKey{
		srcTS: p.SrcTS, dstTS: p.DstTS, dir: p.Dir,
		srcStr: p.Src.String(), dstStr: p.Dst.String(),
	}
}

type policyKey struct {
	srcTS, dstTS   selector.Selector
	dir            proto.PolicyDir
	srcStr, dstStr string
}

// EventKind tags the kind of asynchronous kernel notification.
type EventKind int

const (
	EventAcquire EventKind = iota
	EventExpire
	EventMapping
	EventMigrate
	EventRoamingHint
)

// Event is a kernel-initiated notification the daemon's job scheduler turns
// into a queued job (acquire → initiate CHILD_SA, expire → rekey/delete,
// mapping → MOBIKE update, migrate → route change, roaming hint → probe).
type Event struct {
	Kind     EventKind
	ReqID    uint32
	SPI      uint32
	Protocol proto.ProtocolID
	Hard     bool // Expire only: soft vs hard lifetime
	NewSrc   net.IP
	NewDst   net.IP
}

// Backend is the kernel interface contract every SA/policy installation and
// address query goes through.
type Backend interface {
	AllocateSPI(src, dst net.IP, protocol proto.ProtocolID, reqID uint32) (uint32, error)
	InstallSA(p SAParams) error
	UpdateSAEndpoints(spi uint32, protocol proto.ProtocolID, oldSrc, oldDst, newSrc, newDst net.IP, encap bool) error
	DeleteSA(dst net.IP, spi uint32, protocol proto.ProtocolID) error
	QuerySAUseTime(dst net.IP, spi uint32, protocol proto.ProtocolID) (time.Time, error)

	// InstallPolicy and RemovePolicy are reference counted: installing the
	// same policy twice (as happens across a CHILD_SA rekey window) keeps
	// it installed until RemovePolicy has been called an equal number of
	// times. Installing an already-present policy is not an error.
	InstallPolicy(p PolicyParams) error
	RemovePolicy(p PolicyParams) error
	QueryPolicyUseTime(p PolicyParams) (time.Time, error)

	SourceAddress(dest net.IP) (net.IP, error)
	LocalAddresses() ([]net.IP, error)
	AttachVirtualIP(virtual, ifaceIP net.IP) error
	DetachVirtualIP(virtual net.IP) error

	Events() <-chan Event
	Close() error
}
