// Package manager is the IKE_SA manager (component G): a sharded table of
// every live IKE_SA, the checkout/checkin discipline that is the task
// engine's only concurrency guard, half-open accounting, and cookie
// generation/verification against spoofed-source flooding.
//
// No example repo implements anything shaped like this (an exclusive
// per-key checkout table is not a pattern the corpus happens to need), so
// the shard count, condition-variable blocking and cookie MAC are original
// within the pack, built on stdlib sync.Mutex/sync.Cond and crypto/hmac the
// way egorse-ike's tkm.go reaches for crypto/hmac for its own MAC
// verification (VerifyMac).
package manager

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/pkg/log"
	"github.com/ikecore/charon/pkg/metrics"
)

const shardCount = 32

var ErrNotFound = errors.New("ike_sa: not found")

// entry is one managed IKE_SA plus the checkout state guarding it.
type entry struct {
	sa          *ikesa.IKESA
	checkedOut  bool
	waiters     int
	cond        *sync.Cond
}

type shard struct {
	mu      sync.Mutex
	byID    map[proto.Spi]*entry // keyed by SpiI, the original initiator's SPI, on both sides
	byName  map[string]*entry
}

// Manager owns every live IKE_SA, sharded by SPI to bound lock contention.
type Manager struct {
	shards [shardCount]*shard

	logger zerolog.Logger

	mu           sync.Mutex
	halfOpen     int
	halfOpenAddr map[string]int
	established  int
	limits       Limits

	cookieMu      sync.Mutex
	cookieSecret  []byte
	prevSecret    []byte
	secretSetAt   time.Time
	secretTTL     time.Duration
}

// Limits mirrors config.Limits's manager-relevant fields, duplicated here
// rather than imported to keep internal/manager independent of
// internal/config (the manager is infrastructure; config is policy).
type Limits struct {
	MaxHalfOpenSAs  int
	CookieThreshold int
	BlockThreshold  int
}

func New(limits Limits, cookieSecretTTL time.Duration) (*Manager, error) {
	m := &Manager{
		logger:       log.WithComponent("manager"),
		limits:       limits,
		secretTTL:    cookieSecretTTL,
		halfOpenAddr: make(map[string]int),
	}
	for i := range m.shards {
		m.shards[i] = &shard{byID: make(map[proto.Spi]*entry), byName: make(map[string]*entry)}
	}
	if err := m.rotateCookieSecret(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) shardFor(spi proto.Spi) *shard {
	var h uint32
	for _, b := range spi {
		h = h*31 + uint32(b)
	}
	return m.shards[h%shardCount]
}

// CreateHalfOpen registers a brand-new IKE_SA under construction (before its
// peer SPI is known on the responder side, or before a response has arrived
// on the initiator side). BlockThreshold is enforced per sa.RemoteAddr, not
// against the global half-open count RequireCookie watches — a single
// flooding source tripping its own cap must not drop a different,
// well-behaved peer's IKE_SA_INIT. Returns ErrBlocked if that source's
// BlockThreshold is exceeded, or if the global half-open count has already
// reached MaxHalfOpenSAs.
func (m *Manager) CreateHalfOpen(sa *ikesa.IKESA) error {
	m.mu.Lock()
	if m.limits.MaxHalfOpenSAs > 0 && m.halfOpen >= m.limits.MaxHalfOpenSAs {
		m.mu.Unlock()
		return ErrBlocked
	}
	if m.limits.BlockThreshold > 0 && m.halfOpenAddr[sa.RemoteAddr] >= m.limits.BlockThreshold {
		m.mu.Unlock()
		return ErrBlocked
	}
	m.halfOpen++
	m.halfOpenAddr[sa.RemoteAddr]++
	metrics.HalfOpenSAs.Set(float64(m.halfOpen))
	metrics.CookieModeActive.Set(cookieModeValue(m.halfOpen, m.limits.CookieThreshold))
	m.mu.Unlock()

	e := &entry{sa: sa, checkedOut: true}
	e.cond = sync.NewCond(&sync.Mutex{})
	sh := m.shardFor(sa.SpiI)
	sh.mu.Lock()
	sh.byID[sa.SpiI] = e
	if sa.Name != "" {
		sh.byName[sa.Name] = e
	}
	sh.mu.Unlock()
	return nil
}

var ErrBlocked = errors.New("ike_sa: half-open limit exceeded, dropping silently")

// RequireCookie reports whether new IKE_SA_INIT requests should be
// challenged with a COOKIE notify: the global half-open count has crossed
// the cookie threshold.
func (m *Manager) RequireCookie() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halfOpen >= m.limits.CookieThreshold
}

// ReindexResponderSPI re-keys a half-open SA once its responder SPI is
// learned (on the initiator side, once the IKE_SA_INIT response arrives).
func (m *Manager) ReindexResponderSPI(oldKey proto.Spi, sa *ikesa.IKESA) {
	oldShard := m.shardFor(oldKey)
	oldShard.mu.Lock()
	e, ok := oldShard.byID[oldKey]
	if ok {
		delete(oldShard.byID, oldKey)
	}
	oldShard.mu.Unlock()
	if !ok {
		return
	}
	newShard := m.shardFor(sa.SpiI)
	newShard.mu.Lock()
	newShard.byID[sa.SpiI] = e
	newShard.mu.Unlock()
}

// PromoteEstablished moves the half-open accounting to established once the
// IKE_SA completes IKE_AUTH, freeing remoteAddr's half-open slot.
func (m *Manager) PromoteEstablished(remoteAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halfOpen > 0 {
		m.halfOpen--
	}
	if m.halfOpenAddr[remoteAddr] > 0 {
		m.halfOpenAddr[remoteAddr]--
	}
	m.established++
	metrics.HalfOpenSAs.Set(float64(m.halfOpen))
	metrics.EstablishedSAs.Set(float64(m.established))
	metrics.CookieModeActive.Set(cookieModeValue(m.halfOpen, m.limits.CookieThreshold))
}

// CheckoutByID blocks, with no timeout or cancellation, until the IKE_SA
// named by spi is free, then returns it checked out. Waiters are served FIFO via the
// shard's per-entry condition variable.
func (m *Manager) CheckoutByID(spi proto.Spi) (*ikesa.IKESA, error) {
	sh := m.shardFor(spi)
	sh.mu.Lock()
	e, ok := sh.byID[spi]
	sh.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return checkout(e), nil
}

// CheckoutByName looks up an IKE_SA by its administrative config name.
func (m *Manager) CheckoutByName(name string) (*ikesa.IKESA, error) {
	for _, sh := range m.shards {
		sh.mu.Lock()
		e, ok := sh.byName[name]
		sh.mu.Unlock()
		if ok {
			return checkout(e), nil
		}
	}
	return nil, ErrNotFound
}

func checkout(e *entry) *ikesa.IKESA {
	e.cond.L.Lock()
	for e.checkedOut {
		e.waiters++
		e.cond.Wait()
		e.waiters--
	}
	e.checkedOut = true
	e.cond.L.Unlock()
	return e.sa
}

// Checkin releases an IKE_SA obtained from any Checkout* call, waking the
// next waiter if one is queued.
func (m *Manager) Checkin(spi proto.Spi) {
	sh := m.shardFor(spi)
	sh.mu.Lock()
	e, ok := sh.byID[spi]
	sh.mu.Unlock()
	if !ok {
		return
	}
	e.cond.L.Lock()
	e.checkedOut = false
	if e.waiters > 0 {
		e.cond.Signal()
	}
	e.cond.L.Unlock()
}

// Destroy removes an IKE_SA from the table entirely (it must already be
// checked out by the caller, which Destroy implicitly releases). remoteAddr
// releases that source's half-open slot if the SA never reached
// PromoteEstablished; releasing twice is harmless, it only ever clamps at 0.
func (m *Manager) Destroy(spi proto.Spi, name string, remoteAddr string) {
	sh := m.shardFor(spi)
	sh.mu.Lock()
	delete(sh.byID, spi)
	if name != "" {
		delete(sh.byName, name)
	}
	sh.mu.Unlock()

	m.mu.Lock()
	if m.established > 0 {
		m.established--
	}
	if m.halfOpenAddr[remoteAddr] > 0 {
		m.halfOpenAddr[remoteAddr]--
	}
	metrics.EstablishedSAs.Set(float64(m.established))
	m.mu.Unlock()
}

// CheckoutAll enumerates every managed IKE_SA, checking each out in turn —
// snapshot the key set first so enumeration never holds more than one
// shard's lock at a time, then checkout (blocking) each one, call fn, and
// check it back in before moving to the next.
func (m *Manager) CheckoutAll(fn func(sa *ikesa.IKESA)) {
	var keys []proto.Spi
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k := range sh.byID {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	for _, k := range keys {
		sa, err := m.CheckoutByID(k)
		if err != nil {
			continue
		}
		fn(sa)
		m.Checkin(k)
	}
}

func cookieModeValue(halfOpen, threshold int) float64 {
	if halfOpen >= threshold {
		return 1
	}
	return 0
}

// --- Cookie generation/verification -----------------------------------
//
// Grounded on RFC 7296 §2.6: COOKIE = prf(secret, Ni | IPi | SPIi). Secrets
// rotate on a timer; the previous secret remains valid for one rotation so
// a cookie handed out just before a rotation still verifies.

func (m *Manager) rotateCookieSecret() error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	m.cookieMu.Lock()
	m.prevSecret = m.cookieSecret
	m.cookieSecret = secret
	m.secretSetAt = time.Now()
	m.cookieMu.Unlock()
	return nil
}

// MaybeRotateCookieSecret rotates the secret if secretTTL has elapsed since
// the last rotation; intended to be driven by a scheduled job.
func (m *Manager) MaybeRotateCookieSecret() error {
	m.cookieMu.Lock()
	due := time.Since(m.secretSetAt) >= m.secretTTL
	m.cookieMu.Unlock()
	if !due {
		return nil
	}
	return m.rotateCookieSecret()
}

// GenerateCookie computes COOKIE = prf(secret, Ni | IPi | SPIi) with the
// current secret.
func (m *Manager) GenerateCookie(ni []byte, srcIP []byte, spiI proto.Spi) []byte {
	m.cookieMu.Lock()
	secret := m.cookieSecret
	m.cookieMu.Unlock()
	return cookieMAC(secret, ni, srcIP, spiI)
}

// VerifyCookie checks cookie against both the current and previous secret,
// honoring the one-rotation grace period.
func (m *Manager) VerifyCookie(cookie []byte, ni []byte, srcIP []byte, spiI proto.Spi) bool {
	m.cookieMu.Lock()
	current, prev := m.cookieSecret, m.prevSecret
	m.cookieMu.Unlock()

	if hmac.Equal(cookie, cookieMAC(current, ni, srcIP, spiI)) {
		return true
	}
	if prev != nil && hmac.Equal(cookie, cookieMAC(prev, ni, srcIP, spiI)) {
		return true
	}
	return false
}

func cookieMAC(secret, ni, srcIP []byte, spiI proto.Spi) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(ni)
	h.Write(srcIP)
	h.Write(spiI[:])
	return h.Sum(nil)
}
