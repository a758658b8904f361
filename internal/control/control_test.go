package control

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/config"
	"github.com/ikecore/charon/internal/daemon"
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/kernel"
)

type stubConn struct{ sent int }

func (c *stubConn) ReadPacket() ([]byte, net.Addr, net.IP, error) { select {} }
func (c *stubConn) WritePacket(b []byte, addr net.Addr) error     { c.sent++; return nil }
func (c *stubConn) LocalAddr() net.Addr                           { return &net.UDPAddr{} }
func (c *stubConn) Close() error                                  { return nil }

func newTestContext(t *testing.T) (*daemon.Context, *stubConn) {
	t.Helper()
	cfg := &config.Config{
		Limits: config.DefaultLimits,
		Peers: []config.PeerConfig{{
			Name:   "branch1",
			Remote: "198.51.100.9:500",
		}},
	}
	kb := kernel.NewSimBackend([]net.IP{net.ParseIP("203.0.113.1")})
	ctx, err := daemon.New(cfg, kb, config.NewPSKStore())
	require.NoError(t, err)
	conn := &stubConn{}
	ctx.Conn = conn
	return ctx, conn
}

func TestInitiateUnknownPeerErrors(t *testing.T) {
	ctx, conn := newTestContext(t)
	c := New(ctx)

	resp := c.Initiate(context.Background(), InitiateRequest{PeerName: "nobody"})
	assert.NotEmpty(t, resp.Error)
	assert.False(t, resp.Established)
	assert.Zero(t, conn.sent)
}

func TestInitiateKnownPeerStartsHandshake(t *testing.T) {
	ctx, conn := newTestContext(t)
	c := New(ctx)

	resp := c.Initiate(context.Background(), InitiateRequest{PeerName: "branch1"})
	assert.Empty(t, resp.Error)
	assert.Equal(t, 1, conn.sent, "IKE_SA_INIT request should have been sent")

	sa, err := ctx.Manager.CheckoutByName("branch1")
	require.NoError(t, err)
	ctx.Manager.Checkin(sa.SpiI)
	assert.Equal(t, ikesa.StateConnecting, sa.State)
}

func registerSA(t *testing.T, ctx *daemon.Context, name string) *ikesa.IKESA {
	t.Helper()
	sa := ikesa.New(true)
	sa.Name = name
	sa.SpiI[0] = name[len(name)-1]
	sa.RemoteAddr = "198.51.100.9"
	sa.Transition(ikesa.StateEstablished)
	require.NoError(t, ctx.Manager.CreateHalfOpen(sa))
	ctx.Manager.Checkin(sa.SpiI)
	return sa
}

func TestTerminateTransitionsToDeleting(t *testing.T) {
	ctx, _ := newTestContext(t)
	registerSA(t, ctx, "branch1")
	c := New(ctx)

	resp := c.Terminate(context.Background(), TerminateRequest{PeerName: "branch1"})
	assert.Empty(t, resp.Error)

	sa, err := ctx.Manager.CheckoutByName("branch1")
	require.NoError(t, err)
	defer ctx.Manager.Checkin(sa.SpiI)
	assert.Equal(t, ikesa.StateDeleting, sa.State)
}

func TestTerminateUnknownPeerErrors(t *testing.T) {
	ctx, _ := newTestContext(t)
	c := New(ctx)
	resp := c.Terminate(context.Background(), TerminateRequest{PeerName: "ghost"})
	assert.NotEmpty(t, resp.Error)
}

func TestRekeyTransitionsToRekeying(t *testing.T) {
	ctx, _ := newTestContext(t)
	registerSA(t, ctx, "branch1")
	c := New(ctx)

	resp := c.Rekey(context.Background(), RekeyRequest{PeerName: "branch1"})
	assert.Empty(t, resp.Error)

	sa, err := ctx.Manager.CheckoutByName("branch1")
	require.NoError(t, err)
	defer ctx.Manager.Checkin(sa.SpiI)
	assert.Equal(t, ikesa.StateRekeying, sa.State)
}

func TestStatusFiltersByPeerName(t *testing.T) {
	ctx, _ := newTestContext(t)
	registerSA(t, ctx, "branch1")
	registerSA(t, ctx, "branch2")
	c := New(ctx)

	resp := c.Status(context.Background(), StatusRequest{PeerName: "branch1"})
	require.Len(t, resp.SAs, 1)
	assert.Equal(t, "branch1", resp.SAs[0].Name)
	assert.Equal(t, "ESTABLISHED", resp.SAs[0].State)
}

func TestStatusWithNoPeerNameListsEverySA(t *testing.T) {
	ctx, _ := newTestContext(t)
	registerSA(t, ctx, "branch1")
	registerSA(t, ctx, "branch2")
	c := New(ctx)

	resp := c.Status(context.Background(), StatusRequest{})
	assert.Len(t, resp.SAs, 2)
}
