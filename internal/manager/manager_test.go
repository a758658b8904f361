package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/proto"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Limits{MaxHalfOpenSAs: 100, CookieThreshold: 5, BlockThreshold: 10}, time.Hour)
	require.NoError(t, err)
	return m
}

func saWithSpi(name string, spiByte byte) *ikesa.IKESA {
	sa := ikesa.New(false)
	sa.SpiI[0] = spiByte
	sa.Name = name
	return sa
}

func saFromAddr(name string, spiByte byte, remoteAddr string) *ikesa.IKESA {
	sa := saWithSpi(name, spiByte)
	sa.RemoteAddr = remoteAddr
	return sa
}

func TestCreateHalfOpenAndCheckoutByID(t *testing.T) {
	m := newTestManager(t)
	sa := saWithSpi("peer1", 1)
	require.NoError(t, m.CreateHalfOpen(sa))
	m.Checkin(sa.SpiI) // CreateHalfOpen checks the entry out; release it

	got, err := m.CheckoutByID(sa.SpiI)
	require.NoError(t, err)
	assert.Same(t, sa, got)
	m.Checkin(sa.SpiI)
}

func TestCheckoutByNameFindsAcrossShards(t *testing.T) {
	m := newTestManager(t)
	sa := saWithSpi("named-peer", 7)
	require.NoError(t, m.CreateHalfOpen(sa))
	m.Checkin(sa.SpiI)

	got, err := m.CheckoutByName("named-peer")
	require.NoError(t, err)
	assert.Same(t, sa, got)
	m.Checkin(sa.SpiI)
}

func TestCheckoutByIDUnknownSPI(t *testing.T) {
	m := newTestManager(t)
	var spi proto.Spi
	spi[0] = 0xff
	_, err := m.CheckoutByID(spi)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckoutBlocksUntilCheckin(t *testing.T) {
	m := newTestManager(t)
	sa := saWithSpi("blocked-peer", 3)
	require.NoError(t, m.CreateHalfOpen(sa)) // entry starts checked out

	gotCheckout := make(chan struct{})
	go func() {
		_, err := m.CheckoutByID(sa.SpiI)
		assert.NoError(t, err)
		close(gotCheckout)
	}()

	select {
	case <-gotCheckout:
		t.Fatal("checkout returned before the initial holder checked in")
	case <-time.After(50 * time.Millisecond):
	}

	m.Checkin(sa.SpiI)

	select {
	case <-gotCheckout:
	case <-time.After(2 * time.Second):
		t.Fatal("waiting checkout never unblocked after checkin")
	}
	m.Checkin(sa.SpiI)
}

func TestCreateHalfOpenRespectsBlockThreshold(t *testing.T) {
	m, err := New(Limits{BlockThreshold: 1, CookieThreshold: 1}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.CreateHalfOpen(saFromAddr("a", 1, "198.51.100.1")))
	err = m.CreateHalfOpen(saFromAddr("b", 2, "198.51.100.1"))
	assert.ErrorIs(t, err, ErrBlocked)
}

// TestCreateHalfOpenBlockThresholdIsPerRemoteAddress is the exact scenario a
// reviewer flagged: one source address tripping BlockThreshold must not drop
// a different, well-behaved peer's IKE_SA_INIT.
func TestCreateHalfOpenBlockThresholdIsPerRemoteAddress(t *testing.T) {
	m, err := New(Limits{BlockThreshold: 1, CookieThreshold: 100}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.CreateHalfOpen(saFromAddr("attacker", 1, "198.51.100.1")))
	err = m.CreateHalfOpen(saFromAddr("attacker2", 2, "198.51.100.1"))
	assert.ErrorIs(t, err, ErrBlocked, "second half-open from the same address must be blocked")

	err = m.CreateHalfOpen(saFromAddr("good-peer", 3, "198.51.100.2"))
	assert.NoError(t, err, "a different address must not be penalized by another source's block threshold")
}

// TestPromoteEstablishedFreesPerAddressSlot confirms a promoted SA's
// half-open slot is released, letting the same source initiate again.
func TestPromoteEstablishedFreesPerAddressSlot(t *testing.T) {
	m, err := New(Limits{BlockThreshold: 1, CookieThreshold: 100}, time.Hour)
	require.NoError(t, err)

	sa := saFromAddr("peer", 1, "198.51.100.3")
	require.NoError(t, m.CreateHalfOpen(sa))
	m.Checkin(sa.SpiI)
	m.PromoteEstablished(sa.RemoteAddr)

	require.NoError(t, m.CreateHalfOpen(saFromAddr("peer-rekey", 2, "198.51.100.3")))
}

func TestRequireCookieCrossesThreshold(t *testing.T) {
	m, err := New(Limits{BlockThreshold: 10, CookieThreshold: 2}, time.Hour)
	require.NoError(t, err)

	assert.False(t, m.RequireCookie())
	require.NoError(t, m.CreateHalfOpen(saWithSpi("a", 1)))
	assert.False(t, m.RequireCookie())
	require.NoError(t, m.CreateHalfOpen(saWithSpi("b", 2)))
	assert.True(t, m.RequireCookie())
}

func TestPromoteEstablishedAdjustsCounts(t *testing.T) {
	m := newTestManager(t)
	sa := saWithSpi("peer", 1)
	require.NoError(t, m.CreateHalfOpen(sa))
	m.Checkin(sa.SpiI)

	m.PromoteEstablished(sa.RemoteAddr)

	m.Destroy(sa.SpiI, sa.Name, sa.RemoteAddr)
	_, err := m.CheckoutByID(sa.SpiI)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReindexResponderSPIMovesEntry(t *testing.T) {
	m := newTestManager(t)
	sa := saWithSpi("peer", 1)
	require.NoError(t, m.CreateHalfOpen(sa))
	m.Checkin(sa.SpiI)

	oldKey := sa.SpiI
	sa.SpiI[0] = 9 // responder SPI learned
	m.ReindexResponderSPI(oldKey, sa)

	_, err := m.CheckoutByID(oldKey)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.CheckoutByID(sa.SpiI)
	require.NoError(t, err)
	assert.Same(t, sa, got)
	m.Checkin(sa.SpiI)
}

func TestDestroyRemovesByIDAndName(t *testing.T) {
	m := newTestManager(t)
	sa := saWithSpi("doomed", 4)
	require.NoError(t, m.CreateHalfOpen(sa))
	m.Checkin(sa.SpiI)

	m.Destroy(sa.SpiI, sa.Name, sa.RemoteAddr)

	_, err := m.CheckoutByID(sa.SpiI)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.CheckoutByName(sa.Name)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckoutAllVisitsEveryEntry(t *testing.T) {
	m := newTestManager(t)
	for i := byte(1); i <= 5; i++ {
		sa := saWithSpi("", i)
		require.NoError(t, m.CreateHalfOpen(sa))
		m.Checkin(sa.SpiI)
	}

	var mu sync.Mutex
	seen := 0
	m.CheckoutAll(func(sa *ikesa.IKESA) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	assert.Equal(t, 5, seen)
}

func TestGenerateAndVerifyCookie(t *testing.T) {
	m := newTestManager(t)
	var spi proto.Spi
	spi[0] = 1
	ni := []byte("nonce-bytes")
	ip := []byte{192, 0, 2, 1}

	cookie := m.GenerateCookie(ni, ip, spi)
	assert.True(t, m.VerifyCookie(cookie, ni, ip, spi))
	assert.False(t, m.VerifyCookie(cookie, []byte("different-nonce"), ip, spi))
}

func TestVerifyCookieHonorsRotationGracePeriod(t *testing.T) {
	m := newTestManager(t)
	var spi proto.Spi
	spi[0] = 2
	ni := []byte("nonce-bytes")
	ip := []byte{192, 0, 2, 2}

	cookie := m.GenerateCookie(ni, ip, spi)
	require.NoError(t, m.rotateCookieSecret())

	assert.True(t, m.VerifyCookie(cookie, ni, ip, spi), "cookie issued just before rotation must still verify once")

	require.NoError(t, m.rotateCookieSecret())
	assert.False(t, m.VerifyCookie(cookie, ni, ip, spi), "cookie must not verify two rotations later")
}

func TestMaybeRotateCookieSecretRespectsTTL(t *testing.T) {
	m, err := New(Limits{BlockThreshold: 10, CookieThreshold: 5}, time.Hour)
	require.NoError(t, err)
	before := m.cookieSecret

	require.NoError(t, m.MaybeRotateCookieSecret())
	assert.Equal(t, before, m.cookieSecret, "TTL not elapsed yet, secret must be unchanged")

	m.secretTTL = 0
	require.NoError(t, m.MaybeRotateCookieSecret())
	assert.NotEqual(t, before, m.cookieSecret)
}
