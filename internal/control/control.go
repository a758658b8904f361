// Package control defines the daemon's administrative control plane:
// request/response shapes for initiating, terminating, rekeying and
// querying IKE_SAs, plus an in-process implementation over
// internal/daemon.Context. A future transport (unix socket, gRPC) only
// needs to marshal these types; this package never imports encoding/net
// code itself, the way egorse-ike keeps FSM-driven control logic free of
// transport concerns.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/ikecore/charon/internal/config"
	"github.com/ikecore/charon/internal/daemon"
	"github.com/ikecore/charon/internal/ikesa"
)

// InitiateRequest asks the daemon to bring up an IKE_SA (and its first
// CHILD_SA) to a configured peer.
type InitiateRequest struct {
	PeerName string
}

type InitiateResponse struct {
	Established bool
	Error       string
}

// TerminateRequest tears down an IKE_SA (and every CHILD_SA it carries) by
// administrative name.
type TerminateRequest struct {
	PeerName string
}

type TerminateResponse struct {
	Error string
}

// RekeyRequest forces an IKE_SA or a single CHILD_SA to rekey ahead of its
// soft lifetime expiring.
type RekeyRequest struct {
	PeerName string
	ChildOnly bool
	ChildReqID uint32
}

type RekeyResponse struct {
	Error string
}

// StatusRequest asks for a snapshot of one or every managed IKE_SA.
type StatusRequest struct {
	PeerName string // empty means every IKE_SA
}

type SAStatus struct {
	Name         string
	State        string
	IsInitiator  bool
	RemoteAddr   string
	CreatedAt    time.Time
	LastActivity time.Time
	ChildCount   int
}

type StatusResponse struct {
	SAs []SAStatus
}

// Controller is the in-process implementation of the control plane,
// wrapping a daemon.Context.
type Controller struct {
	ctx *daemon.Context
}

func New(ctx *daemon.Context) *Controller { return &Controller{ctx: ctx} }

func (c *Controller) Initiate(ctx context.Context, req InitiateRequest) InitiateResponse {
	var peer *config.PeerConfig
	for i := range c.ctx.Config.Peers {
		if c.ctx.Config.Peers[i].Name == req.PeerName {
			peer = &c.ctx.Config.Peers[i]
			break
		}
	}
	if peer == nil {
		return InitiateResponse{Error: fmt.Sprintf("no peer configured named %q", req.PeerName)}
	}
	if _, err := c.ctx.NewIKESAFromPeer(*peer, true); err != nil {
		return InitiateResponse{Error: err.Error()}
	}
	return InitiateResponse{Established: false}
}

func (c *Controller) Terminate(ctx context.Context, req TerminateRequest) TerminateResponse {
	sa, err := c.ctx.Manager.CheckoutByName(req.PeerName)
	if err != nil {
		return TerminateResponse{Error: err.Error()}
	}
	defer c.ctx.Manager.Checkin(sa.SpiI)
	sa.Transition(ikesa.StateDeleting)
	return TerminateResponse{}
}

func (c *Controller) Rekey(ctx context.Context, req RekeyRequest) RekeyResponse {
	sa, err := c.ctx.Manager.CheckoutByName(req.PeerName)
	if err != nil {
		return RekeyResponse{Error: err.Error()}
	}
	defer c.ctx.Manager.Checkin(sa.SpiI)
	sa.Transition(ikesa.StateRekeying)
	return RekeyResponse{}
}

func (c *Controller) Status(ctx context.Context, req StatusRequest) StatusResponse {
	var out StatusResponse
	collect := func(sa *ikesa.IKESA) {
		if req.PeerName != "" && sa.Name != req.PeerName {
			return
		}
		out.SAs = append(out.SAs, SAStatus{
			Name: sa.Name, State: sa.State.String(), IsInitiator: sa.IsInitiator,
			RemoteAddr: sa.RemoteAddr, CreatedAt: sa.CreatedAt,
			LastActivity: sa.LastActivity, ChildCount: len(sa.Children),
		})
	}
	if req.PeerName != "" {
		if sa, err := c.ctx.Manager.CheckoutByName(req.PeerName); err == nil {
			collect(sa)
			c.ctx.Manager.Checkin(sa.SpiI)
		}
		return out
	}
	c.ctx.Manager.CheckoutAll(collect)
	return out
}
