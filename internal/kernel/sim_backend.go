package kernel

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/pkg/metrics"
)

// ErrNotFound is returned by Delete/Remove/Query operations on an SA or
// policy this backend never installed.
var ErrNotFound = errors.New("kernel: not found")

type saKey struct {
	dstStr   string
	spi      uint32
	protocol proto.ProtocolID
}

type saEntry struct {
	params  SAParams
	useTime time.Time
}

type policyEntry struct {
	params  PolicyParams
	refs    int
	useTime time.Time
}

// SimBackend is an in-memory Backend double: no real netlink/PF_KEY calls,
// just refcounted maps protected by a mutex, plus a channel callers can
// push synthetic Acquire/Expire/Mapping/Migrate/RoamingHint events onto via
// Inject. It is meant for tests and for running the daemon's core logic
// without root privileges or a real kernel underneath it.
type SimBackend struct {
	mu        sync.Mutex
	sas       map[saKey]*saEntry
	policies  map[policyKey]*policyEntry
	nextSPI   uint32
	localIPs  []net.IP
	virtualIP map[string]int // refcounted virtual IP attachments
	events    chan Event
}

func NewSimBackend(localIPs []net.IP) *SimBackend {
	return &SimBackend{
		sas:       make(map[saKey]*saEntry),
		policies:  make(map[policyKey]*policyEntry),
		nextSPI:   1,
		localIPs:  localIPs,
		virtualIP: make(map[string]int),
		events:    make(chan Event, 64),
	}
}

func (b *SimBackend) AllocateSPI(src, dst net.IP, protocol proto.ProtocolID, reqID uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSPI++
	return b.nextSPI, nil
}

func (b *SimBackend) InstallSA(p SAParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := saKey{dstStr: p.Dst.String(), spi: p.SPI, protocol: p.Protocol}
	b.sas[key] = &saEntry{params: p, useTime: time.Time{}}
	metrics.KernelCacheEntries.WithLabelValues("sa").Set(float64(len(b.sas)))
	return nil
}

func (b *SimBackend) UpdateSAEndpoints(spi uint32, protocol proto.ProtocolID, oldSrc, oldDst, newSrc, newDst net.IP, encap bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldKey := saKey{dstStr: oldDst.String(), spi: spi, protocol: protocol}
	e, ok := b.sas[oldKey]
	if !ok {
		return ErrNotFound
	}
	delete(b.sas, oldKey)
	e.params.Src, e.params.Dst, e.params.Encap = newSrc, newDst, encap
	newKey := saKey{dstStr: newDst.String(), spi: spi, protocol: protocol}
	b.sas[newKey] = e
	return nil
}

func (b *SimBackend) DeleteSA(dst net.IP, spi uint32, protocol proto.ProtocolID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := saKey{dstStr: dst.String(), spi: spi, protocol: protocol}
	if _, ok := b.sas[key]; !ok {
		return ErrNotFound
	}
	delete(b.sas, key)
	metrics.KernelCacheEntries.WithLabelValues("sa").Set(float64(len(b.sas)))
	return nil
}

func (b *SimBackend) QuerySAUseTime(dst net.IP, spi uint32, protocol proto.ProtocolID) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := saKey{dstStr: dst.String(), spi: spi, protocol: protocol}
	e, ok := b.sas[key]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return e.useTime, nil
}

// MarkUsed lets tests simulate traffic crossing an SA, for use-time-driven
// idle-rekey and DPD tests.
func (b *SimBackend) MarkUsed(dst net.IP, spi uint32, protocol proto.ProtocolID, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := saKey{dstStr: dst.String(), spi: spi, protocol: protocol}
	if e, ok := b.sas[key]; ok {
		e.useTime = at
	}
}

func (b *SimBackend) InstallPolicy(p PolicyParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := p.key()
	if e, ok := b.policies[k]; ok {
		e.refs++
		return nil
	}
	b.policies[k] = &policyEntry{params: p, refs: 1}
	metrics.KernelCacheEntries.WithLabelValues("policy").Set(float64(len(b.policies)))
	return nil
}

func (b *SimBackend) RemovePolicy(p PolicyParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := p.key()
	e, ok := b.policies[k]
	if !ok {
		return ErrNotFound
	}
	e.refs--
	if e.refs <= 0 {
		delete(b.policies, k)
		metrics.KernelCacheEntries.WithLabelValues("policy").Set(float64(len(b.policies)))
	}
	return nil
}

func (b *SimBackend) QueryPolicyUseTime(p PolicyParams) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.policies[p.key()]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return e.useTime, nil
}

func (b *SimBackend) SourceAddress(dest net.IP) (net.IP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.localIPs) == 0 {
		return nil, errors.New("kernel: no local addresses configured")
	}
	want6 := dest.To4() == nil
	for _, ip := range b.localIPs {
		if (ip.To4() == nil) == want6 {
			return ip, nil
		}
	}
	return b.localIPs[0], nil
}

func (b *SimBackend) LocalAddresses() ([]net.IP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]net.IP{}, b.localIPs...), nil
}

func (b *SimBackend) AttachVirtualIP(virtual, ifaceIP net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.virtualIP[virtual.String()]++
	return nil
}

func (b *SimBackend) DetachVirtualIP(virtual net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := virtual.String()
	if b.virtualIP[key] == 0 {
		return ErrNotFound
	}
	b.virtualIP[key]--
	if b.virtualIP[key] == 0 {
		delete(b.virtualIP, key)
	}
	return nil
}

func (b *SimBackend) Events() <-chan Event { return b.events }

// Inject pushes a synthetic kernel event, as a real backend's netlink/PF_KEY
// listener would when the kernel reports an acquire, expiry, NAT mapping
// change, migrate or roaming hint.
func (b *SimBackend) Inject(e Event) {
	b.events <- e
}

func (b *SimBackend) Close() error {
	close(b.events)
	return nil
}
