// Package daemon wires every component into one running process: the
// scheduler, the IKE_SA manager, the kernel backend, configuration and the
// UDP transport. Grounded on egorse-ike's Session/Conn pairing but lifted
// out of a global-singleton style into an explicit Context struct every
// subsystem receives, so no component needs to reach for ambient global
// state.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ikecore/charon/internal/config"
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/kernel"
	"github.com/ikecore/charon/internal/manager"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/sched"
	"github.com/ikecore/charon/internal/selector"
	"github.com/ikecore/charon/internal/suite"
	"github.com/ikecore/charon/internal/task"
	"github.com/ikecore/charon/internal/wire"
	"github.com/ikecore/charon/pkg/log"
)

// Context bundles every subsystem a running daemon needs, replacing the
// conceptual global singleton egorse-ike's package-level session registry
// implied (Session objects were free-standing and found each other through
// shared package state).
type Context struct {
	Config    *config.Config
	Manager   *manager.Manager
	Scheduler *sched.Scheduler
	Kernel    kernel.Backend
	Conn      Conn
	Creds     config.CredentialStore

	logger zerolog.Logger

	managers map[proto.Spi]*task.Manager // per-IKE_SA task managers, keyed by SpiI

	childOwnerMu sync.Mutex
	childOwner   map[uint32]proto.Spi // kernel inbound SPI -> owning IKE_SA's SpiI

	reassembler *wire.Reassembler
}

// New builds a daemon Context. It does not start listening — call Listen
// for that once every field is wired as the caller wants it.
func New(cfg *config.Config, k kernel.Backend, creds config.CredentialStore) (*Context, error) {
	mgr, err := manager.New(manager.Limits{
		MaxHalfOpenSAs:  cfg.Limits.MaxHalfOpenSAs,
		CookieThreshold: cfg.Limits.CookieThreshold,
		BlockThreshold:  cfg.Limits.BlockThreshold,
	}, time.Duration(cfg.Limits.CookieSecretTTL)*time.Second)
	if err != nil {
		return nil, err
	}
	s := sched.New(16, cfg.Limits.MaxQueuedJobs)
	return &Context{
		Config:      cfg,
		Manager:     mgr,
		Scheduler:   s,
		Kernel:      k,
		Creds:       creds,
		logger:      log.WithComponent("daemon"),
		managers:    make(map[proto.Spi]*task.Manager),
		childOwner:  make(map[uint32]proto.Spi),
		reassembler: wire.NewReassembler(30 * time.Second),
	}, nil
}

// Start launches the scheduler and the kernel event pump; it does not open
// the UDP socket (Listen does that separately so tests can drive the
// Context without a real network).
func (c *Context) Start(ctx context.Context) {
	c.Scheduler.Start(ctx)
	go c.pumpKernelEvents(ctx)
}

// Shutdown stops the scheduler and closes the kernel backend.
func (c *Context) Shutdown(ctx context.Context) error {
	c.Scheduler.Shutdown(ctx)
	return c.Kernel.Close()
}

func (c *Context) pumpKernelEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Kernel.Events():
			if !ok {
				return
			}
			c.handleKernelEvent(ctx, ev)
		}
	}
}

// handleKernelEvent turns an asynchronous kernel notification into queued
// work, handing it off from the kernel cache to the task engine. The
// hard-expire and roaming paths are wired end to end: EventAcquire would
// need policy-level reqid
// bookkeeping this daemon doesn't keep yet, and soft-expire rekeying needs an
// initiator-side trigger for task.ChildRekeyTask that hasn't been built —
// both are logged so an operator can see the gap rather than silently
// dropping the event.
func (c *Context) handleKernelEvent(ctx context.Context, ev kernel.Event) {
	switch ev.Kind {
	case kernel.EventAcquire:
		c.logger.Info().Uint32("req_id", ev.ReqID).Msg("kernel acquire: on-demand CHILD_SA negotiation not implemented")
	case kernel.EventExpire:
		if !ev.Hard {
			c.logger.Info().Uint32("spi", ev.SPI).Msg("kernel SA soft-expired: CHILD_SA rekey not implemented, waiting for hard expire")
			return
		}
		c.deleteChildBySPI(ctx, ev.SPI)
	case kernel.EventMapping:
		c.logger.Info().Str("new_dst", ev.NewDst.String()).Msg("NAT mapping changed")
	case kernel.EventMigrate:
		c.migrateLocalAddress(ctx, ev)
	case kernel.EventRoamingHint:
		c.applyRoamingHint(ev)
	}
}

// mobikeEligible decides RFC 4555's MOBIKE-vs-reauth question: we only try
// to migrate an existing IKE_SA in place when both the local configuration
// and the peer's own IKE_AUTH MOBIKE_SUPPORTED notify agreed to it.
// Otherwise the gap is left as a disclosed no-op — a full address change
// falls back to tearing the IKE_SA down and re-establishing, which this
// pass doesn't drive automatically.
func (c *Context) mobikeEligible(sa *ikesa.IKESA) bool {
	peer, ok := c.peerConfigFor(sa.ConfigName)
	return ok && peer.EnableMobike && sa.MobikeSupported
}

// migrateLocalAddress handles our own address changing underneath an
// established IKE_SA: if MOBIKE is usable it drives an UPDATE_SA_ADDRESSES
// INFORMATIONAL exchange so the peer re-points its CHILD_SA state at our new
// source address instead of the connection dying and needing a fresh
// IKE_AUTH.
func (c *Context) migrateLocalAddress(ctx context.Context, ev kernel.Event) {
	ikeSPI, tm, sa, ok := c.ownerByChildSPI(ev.SPI)
	if !ok {
		return
	}
	defer c.Manager.Checkin(ikeSPI)
	if !c.mobikeEligible(sa) || ev.NewSrc == nil {
		c.logger.Info().Uint32("spi", ev.SPI).Msg("local address changed but MOBIKE is not usable for this IKE_SA")
		return
	}
	oldLocal := net.ParseIP(sa.LocalAddr)
	remote := net.ParseIP(sa.RemoteAddr)
	mobikeTask := task.NewIkeMobikeTask(c.Kernel, oldLocal, ev.NewSrc, remote, func(newLocal, newRemote net.IP) {
		c.logger.Info().Str("new_local", newLocal.String()).Msg("migrated IKE_SA to new local address")
	})
	tm.Queue(mobikeTask)
	_ = tm.Initiate(ctx, proto.INFORMATIONAL)
}

// applyRoamingHint handles the peer's address changing: the kernel backend
// already observed traffic arriving from a new source, so there is no
// protocol round trip to drive — just re-point our own kernel SA state at
// the address the traffic is actually coming from.
func (c *Context) applyRoamingHint(ev kernel.Event) {
	ikeSPI, _, sa, ok := c.ownerByChildSPI(ev.SPI)
	if !ok {
		return
	}
	defer c.Manager.Checkin(ikeSPI)
	if !c.mobikeEligible(sa) || ev.NewSrc == nil {
		c.logger.Info().Uint32("spi", ev.SPI).Msg("roaming hint seen but MOBIKE is not usable for this IKE_SA")
		return
	}
	local := net.ParseIP(sa.LocalAddr)
	oldRemote := net.ParseIP(sa.RemoteAddr)
	mobikeTask := task.NewIkeMobikeResponderTask(c.Kernel, local, oldRemote, ev.NewSrc, func(newLocal, newRemote net.IP) {
		c.logger.Info().Str("new_remote", newRemote.String()).Msg("peer roamed, CHILD_SA endpoints updated")
	})
	_, _ = mobikeTask.Process(sa, &wire.Message{Payloads: []wire.Payload{
		&wire.NotifyPayload{Protocol: proto.ProtoIKE, Type_: proto.UPDATE_SA_ADDRESSES},
	}})
}

// ownerByChildSPI resolves a kernel-reported CHILD_SA inbound SPI to its
// owning IKE_SA's task.Manager and checked-out IKESA, the same lookup
// deleteChildBySPI uses for hard-expire handling.
func (c *Context) ownerByChildSPI(spi uint32) (proto.Spi, *task.Manager, *ikesa.IKESA, bool) {
	c.childOwnerMu.Lock()
	ikeSPI, ok := c.childOwner[spi]
	c.childOwnerMu.Unlock()
	if !ok {
		return proto.Spi{}, nil, nil, false
	}
	tm, ok := c.managers[ikeSPI]
	if !ok {
		return proto.Spi{}, nil, nil, false
	}
	sa, err := c.Manager.CheckoutByID(ikeSPI)
	if err != nil {
		return proto.Spi{}, nil, nil, false
	}
	return ikeSPI, tm, sa, true
}

// deleteChildBySPI tears down a hard-expired CHILD_SA by queuing a delete
// exchange on its owning IKE_SA's task manager.
func (c *Context) deleteChildBySPI(ctx context.Context, spi uint32) {
	c.childOwnerMu.Lock()
	ikeSPI, ok := c.childOwner[spi]
	c.childOwnerMu.Unlock()
	if !ok {
		c.logger.Warn().Uint32("spi", spi).Msg("hard-expired CHILD_SA has no known owner")
		return
	}
	tm, ok := c.managers[ikeSPI]
	if !ok {
		return
	}
	sa, err := c.Manager.CheckoutByID(ikeSPI)
	if err != nil {
		return
	}
	defer c.Manager.Checkin(ikeSPI)

	var protoID proto.ProtocolID
	for _, child := range sa.Children {
		if child.SPIIn == spi {
			protoID = child.ProtoID
			break
		}
	}
	remoteAddr := net.ParseIP(sa.RemoteAddr)
	del := task.NewChildDeleteTask(true, c.Kernel, remoteAddr, protoID, []uint32{spi}, func(deleted []uint32) {
		for _, d := range deleted {
			c.childOwnerMu.Lock()
			delete(c.childOwner, d)
			c.childOwnerMu.Unlock()
		}
	})
	tm.Queue(del)
	_ = tm.Initiate(ctx, proto.INFORMATIONAL)
}

// Listen opens the IKE UDP socket and starts the receive loop.
func (c *Context) Listen(ctx context.Context, network, address string) error {
	conn, err := Listen(network, address)
	if err != nil {
		return err
	}
	c.Conn = conn
	go c.recvLoop(ctx)
	return nil
}

func (c *Context) recvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		b, remoteAddr, localIP, err := c.Conn.ReadPacket()
		if err != nil {
			c.logger.Warn().Err(err).Msg("read failed, stopping receive loop")
			return
		}
		c.handleDatagram(ctx, b, remoteAddr, localIP)
	}
}

func (c *Context) handleDatagram(ctx context.Context, b []byte, remoteAddr net.Addr, localIP net.IP) {
	hdr, err := wire.DecodeHeader(b)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed header")
		return
	}

	// SpiI names the IKE_SA's original initiator for the life of the SA —
	// both sides key their table by it, regardless of which side "we" are.
	spi := hdr.SpiI

	tm, ok := c.managers[spi]
	if !ok {
		if hdr.ExchangeType != proto.IKE_SA_INIT || hdr.Flags.IsResponse() {
			c.logger.Debug().Msg("no IKE_SA for this datagram, dropping")
			return
		}
		tm, err = c.bootstrapResponder(hdr, remoteAddr, localIP)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to bootstrap responder IKE_SA")
			return
		}
	}

	sa, err := c.Manager.CheckoutByID(spi)
	if err != nil {
		return
	}
	defer c.Manager.Checkin(spi)

	msg, err := wire.Decode(b, sa.Suite, sa.DecryptKey(), sa.IntegKeyIn(), c.reassembler)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping undecodable message")
		return
	}

	if hdr.Flags.IsResponse() {
		_ = tm.HandleResponse(ctx, msg, b)
		return
	}

	responders := c.responderTasksFor(sa, remoteAddr, hdr.ExchangeType, msg, tm)
	_ = tm.HandleRequest(ctx, msg, b, responders)
}

// bootstrapResponder creates a brand-new half-open IKE_SA and task.Manager
// the first time a peer's IKE_SA_INIT request arrives — there is nothing in
// c.managers to route to until this runs once per incoming connection.
func (c *Context) bootstrapResponder(hdr *wire.Header, remoteAddr net.Addr, localIP net.IP) (*task.Manager, error) {
	sa := ikesa.New(false)
	sa.SpiI = hdr.SpiI
	if err := genSPI(&sa.SpiR); err != nil {
		return nil, err
	}
	sa.Name = NameForSA("")
	sa.RemoteAddr = addrHost(remoteAddr)
	if localIP != nil {
		sa.LocalAddr = localIP.String()
	}
	if err := c.Manager.CreateHalfOpen(sa); err != nil {
		return nil, err
	}
	defer c.Manager.Checkin(sa.SpiI)
	tm := c.newTaskManager(sa, remoteAddr)

	dh := suite.DHGroupFor(proto.MODP_2048)
	initTask, err := task.NewIkeInitResponderTask(config.DefaultIKEProposal(), dh, func(chosen selector.Proposal, s *suite.Suite, ni, nr *big.Int, dhShared *big.Int) {
		sa.DeriveIKEKeys(s, ni, nr, dhShared)
		sa.Transition(ikesa.StateConnecting)
	})
	if err != nil {
		c.Manager.Destroy(sa.SpiI, sa.Name, sa.RemoteAddr)
		return nil, err
	}
	tm.Queue(initTask)

	natD := task.NewIkeNatDTask(localIP, addrToIP(remoteAddr), addrPort(c.Conn.LocalAddr()), addrPort(remoteAddr),
		func(localBehindNAT, remoteBehindNAT bool) {
			sa.LocalBehindNAT = localBehindNAT
			sa.RemoteBehindNAT = remoteBehindNAT
		})
	tm.Queue(natD)
	return tm, nil
}

// responderTasksFor builds the concrete Task set HandleRequest should drive
// for an inbound request whose exchange type doesn't already have an active
// queued task (IKE_SA_INIT is handled by bootstrapResponder instead). msg is
// the already-decoded request, used to dispatch CREATE_CHILD_SA and
// INFORMATIONAL by their actual payload content rather than treating every
// occurrence of the exchange type the same way.
func (c *Context) responderTasksFor(sa *ikesa.IKESA, remoteAddr net.Addr, exchangeType proto.ExchangeType, msg *wire.Message, tm *task.Manager) []task.Task {
	switch exchangeType {
	case proto.IKE_AUTH:
		peer, ok := c.peerConfigFor(sa.ConfigName)
		if !ok {
			// No matching configuration: proceed with a zero-value identity so
			// CredentialStore.SharedSecret legitimately fails AUTH instead of
			// crashing on a nil peer.
			peer = &config.PeerConfig{}
		}
		espProposals, tsi, tsr := peerChildOffer(peer)
		authTask := task.NewIkeAuthResponderTask(c.Creds, peer.LocalID, peer.RemoteID, espProposals, tsi, tsr, peer.EnableMobike,
			func(chosen selector.Proposal, encrI, integI, encrR, integR []byte, tsi, tsr []selector.Selector) {
				c.Manager.PromoteEstablished(sa.RemoteAddr)
				sa.Transition(ikesa.StateEstablished)
				c.installFirstChild(sa, remoteAddr, chosen, encrI, integI, encrR, integR, tsi, tsr)
			})
		tasks := []task.Task{authTask}
		if len(peer.LocalCert) > 0 || len(peer.CAHash) > 0 {
			certTask := task.NewIkeCertTask(false, proto.CertX509Signature, peer.CAHash, peer.LocalCert, nil)
			tasks = append(tasks, certTask)
		}
		return tasks
	case proto.CREATE_CHILD_SA:
		return c.createChildTasksFor(sa, remoteAddr, msg, tm)
	case proto.INFORMATIONAL:
		return c.informationalTasksFor(sa, remoteAddr, msg, tm)
	default:
		return nil
	}
}

// createChildTasksFor dispatches a CREATE_CHILD_SA request by its actual
// content: an SA payload proposing the IKE protocol itself is an IKE_SA
// rekey; a REKEY_SA notify alongside an ESP/AH proposal is a CHILD_SA
// rekey; anything else is a brand-new additional child. Either rekey form
// first checks for a collision against one of our own outstanding rekeys of
// the same kind (RFC 7296 §2.8): if we win, the peer's
// request is turned away so our own rekey can finish; if we lose, our own
// outstanding rekey is aborted and the peer's request proceeds normally.
func (c *Context) createChildTasksFor(sa *ikesa.IKESA, remoteAddr net.Addr, msg *wire.Message, tm *task.Manager) []task.Task {
	remoteIP := addrToIP(remoteAddr)
	localIP, err := c.Kernel.SourceAddress(remoteIP)
	if err != nil {
		c.logger.Warn().Err(err).Msg("no local source address for CREATE_CHILD_SA")
		return nil
	}

	saPayload, ok := task.FindSA(msg)
	if !ok {
		return nil
	}
	noncePayload, haveNonce := task.FindNonce(msg)
	var peerNonce []byte
	if haveNonce {
		peerNonce = noncePayload.Data
	}
	rekeyNotify, isChildRekey := task.FindNotify(msg, proto.REKEY_SA)

	isIKERekey := false
	for _, p := range saPayload.Proposals {
		if p.Protocol == proto.ProtoIKE {
			isIKERekey = true
			break
		}
	}

	peer, ok := c.peerConfigFor(sa.ConfigName)
	if !ok {
		peer = &config.PeerConfig{}
	}
	espProposals, tsi, tsr := peerChildOffer(peer)

	switch {
	case isIKERekey:
		if haveNonce {
			if collided, weWin := tm.CheckRekeyCollision(task.KindIkeRekey, peerNonce); collided {
				if weWin {
					return []task.Task{task.NewNotifyRejectTask(task.KindIkeRekey, proto.ProtoIKE, proto.TEMPORARY_FAILURE)}
				}
				tm.AbortOutstandingRekey(task.KindIkeRekey)
			}
		}
		newSA := ikesa.New(false)
		newSA.SpiI = sa.SpiI
		newSA.SpiR = sa.SpiR
		newSA.Name = sa.Name
		newSA.RemoteAddr = sa.RemoteAddr
		newSA.LocalAddr = sa.LocalAddr
		rekeyTask := task.NewIkeRekeyResponderTask(config.DefaultIKEProposal(), newSA, func(winner, loser *ikesa.IKESA) {
			c.adoptRekeyedIKESA(sa, winner)
		})
		return []task.Task{rekeyTask}
	case isChildRekey:
		if haveNonce {
			if collided, weWin := tm.CheckRekeyCollision(task.KindChildRekey, peerNonce); collided {
				if weWin {
					return []task.Task{task.NewNotifyRejectTask(task.KindChildRekey, rekeyNotify.Protocol, proto.TEMPORARY_FAILURE)}
				}
				tm.AbortOutstandingRekey(task.KindChildRekey)
			}
		}
		rekeyTask := task.NewChildRekeyResponderTask(c.Kernel, localIP, remoteIP, espProposals, tsi, tsr,
			func(oldReqID uint32, child *ikesa.ChildSA) {
				c.replaceChild(sa, remoteIP, oldReqID, child)
			})
		return []task.Task{rekeyTask}
	default:
		createTask := task.NewChildCreateTask(false, c.Kernel, localIP, remoteIP, espProposals, tsi, tsr,
			func(child *ikesa.ChildSA) {
				c.childOwnerMu.Lock()
				c.childOwner[child.SPIIn] = sa.SpiI
				c.childOwnerMu.Unlock()
			})
		return []task.Task{createTask}
	}
}

// replaceChild swaps a rekeyed CHILD_SA in for the one it replaces, tearing
// down the old kernel state and SA bookkeeping the same way ChildDeleteTask
// does for an explicit delete.
func (c *Context) replaceChild(sa *ikesa.IKESA, remoteIP net.IP, oldReqID uint32, child *ikesa.ChildSA) {
	if old, ok := sa.Children[oldReqID]; ok {
		_ = c.Kernel.DeleteSA(remoteIP, old.SPIOut, old.ProtoID)
		old.Zeroize()
		delete(sa.Children, oldReqID)
	}
	sa.Children[child.ReqID] = child
	c.childOwnerMu.Lock()
	c.childOwner[child.SPIIn] = sa.SpiI
	c.childOwnerMu.Unlock()
}

// adoptRekeyedIKESA replaces old's negotiated keys/suite with the winning
// replacement's once an IKE_SA rekey completes, keeping the same SpiI/SpiR
// identity and task.Manager registration rather than standing up a second
// IKE_SA entry.
func (c *Context) adoptRekeyedIKESA(old, winner *ikesa.IKESA) {
	old.Suite = winner.Suite
	old.SKd, old.SKai, old.SKar, old.SKei, old.SKer, old.SKpi, old.SKpr = winner.SKd, winner.SKai, winner.SKar, winner.SKei, winner.SKer, winner.SKpi, winner.SKpr
}

// informationalTasksFor dispatches an INFORMATIONAL request by its actual
// content: a Delete payload naming ProtoIKE tears down the whole IKE_SA; a
// Delete payload naming ESP/AH tears down only the named CHILD_SA(s); no
// Delete payload at all is a DPD liveness probe, unless it carries an
// UPDATE_SA_ADDRESSES notify from a MOBIKE-capable peer. A delete always
// wins over any outstanding rekey of the SA/child it names.
func (c *Context) informationalTasksFor(sa *ikesa.IKESA, remoteAddr net.Addr, msg *wire.Message, tm *task.Manager) []task.Task {
	del, ok := task.FindDelete(msg)
	if !ok {
		peer, peerOK := c.peerConfigFor(sa.ConfigName)
		if peerOK && peer.EnableMobike && sa.MobikeSupported {
			if _, hasUpdate := task.FindNotify(msg, proto.UPDATE_SA_ADDRESSES); hasUpdate {
				newRemote := addrToIP(remoteAddr)
				oldRemote := net.ParseIP(sa.RemoteAddr)
				localIP := net.ParseIP(sa.LocalAddr)
				mobikeTask := task.NewIkeMobikeResponderTask(c.Kernel, localIP, oldRemote, newRemote, nil)
				return []task.Task{mobikeTask}
			}
		}
		return []task.Task{task.NewIkeDPDTask(nil)}
	}
	if del.Protocol == proto.ProtoIKE {
		tm.AbortOutstandingRekey(task.KindIkeRekey)
		tm.AbortOutstandingRekey(task.KindChildRekey)
		return []task.Task{task.NewIkeDeleteTask(c.Kernel, addrToIP(remoteAddr), func() {
			c.Manager.Destroy(sa.SpiI, sa.Name, sa.RemoteAddr)
		})}
	}
	tm.AbortOutstandingRekey(task.KindChildRekey)
	spisOut := make([]uint32, 0, len(del.SPIs))
	for _, spiBytes := range del.SPIs {
		if len(spiBytes) != 4 {
			continue
		}
		wantSPI := binary.BigEndian.Uint32(spiBytes)
		for _, child := range sa.Children {
			if child.ProtoID == del.Protocol && child.SPIIn == wantSPI {
				spisOut = append(spisOut, child.SPIOut)
			}
		}
	}
	delTask := task.NewChildDeleteTask(false, c.Kernel, addrToIP(remoteAddr), del.Protocol, spisOut, func(deleted []uint32) {})
	return []task.Task{delTask}
}

// installFirstChild installs the CHILD_SA bundled into IKE_AUTH, the one
// negotiation that happens outside any ChildCreateTask.
func (c *Context) installFirstChild(sa *ikesa.IKESA, remoteAddr net.Addr, chosen selector.Proposal, encrI, integI, encrR, integR []byte, tsi, tsr []selector.Selector) {
	remoteIP := addrToIP(remoteAddr)
	localIP, err := c.Kernel.SourceAddress(remoteIP)
	if err != nil {
		c.logger.Warn().Err(err).Msg("no local source address for CHILD_SA install")
		return
	}
	reqID := sa.NextChildReqID()
	spiIn, err := c.Kernel.AllocateSPI(localIP, remoteIP, chosen.Protocol, reqID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("allocating inbound SPI failed")
		return
	}
	spiOut, ok := spiFromBytes(chosen.SPI)
	if !ok {
		c.logger.Warn().Msg("chosen CHILD_SA proposal missing peer SPI")
		return
	}

	child := &ikesa.ChildSA{
		ReqID: reqID, SPIIn: spiIn, SPIOut: spiOut,
		ProtoID: chosen.Protocol, Mode: proto.ModeTunnel,
		TSi: tsi, TSr: tsr, Suite: sa.Suite,
	}
	if sa.IsInitiator {
		child.EncrIn, child.IntegIn = encrR, integR
		child.EncrOut, child.IntegOut = encrI, integI
	} else {
		child.EncrIn, child.IntegIn = encrI, integI
		child.EncrOut, child.IntegOut = encrR, integR
	}

	if err := task.InstallChildSA(c.Kernel, localIP, remoteIP, child); err != nil {
		c.logger.Warn().Err(err).Msg("installing first CHILD_SA failed")
		return
	}
	sa.Children[reqID] = child

	c.childOwnerMu.Lock()
	c.childOwner[child.SPIIn] = sa.SpiI
	c.childOwnerMu.Unlock()
}

// NameForSA generates an administrative identifier for an otherwise
// unnamed IKE_SA (a responder-side connection from an unconfigured peer,
// or a rekey replacement), since internal/manager's by-name lookup expects
// every entry to carry one.
func NameForSA(peerName string) string {
	if peerName != "" {
		return peerName
	}
	return uuid.NewString()
}

// newTaskManager builds a task.Manager bound to sa, wires its send closure
// to remoteAddr over c.Conn, and registers it (and the destination address)
// for later datagrams to find.
func (c *Context) newTaskManager(sa *ikesa.IKESA, remoteAddr net.Addr) *task.Manager {
	send := func(b []byte) error { return c.Conn.WritePacket(b, remoteAddr) }
	onDead := func() { c.destroyIKESA(sa) }
	tm := task.New(sa, c.Scheduler, send, onDead)
	c.managers[sa.SpiI] = tm
	return tm
}

func (c *Context) destroyIKESA(sa *ikesa.IKESA) {
	sa.Zeroize()
	delete(c.managers, sa.SpiI)
	c.Manager.Destroy(sa.SpiI, sa.Name, sa.RemoteAddr)
}

// NewIKESAFromPeer constructs a fresh initiator IKE_SA for a configured
// peer, registers it half-open, queues IKE_SA_INIT (with IKE_AUTH chained
// behind it) and kicks off the exchange.
func (c *Context) NewIKESAFromPeer(p config.PeerConfig, isInitiator bool) (*ikesa.IKESA, error) {
	sa := ikesa.New(isInitiator)
	if err := genSPI(&sa.SpiI); err != nil {
		return nil, err
	}
	sa.Name = NameForSA(p.Name)
	sa.ConfigName = p.Name
	sa.RemoteAddr = p.Remote
	if err := c.Manager.CreateHalfOpen(sa); err != nil {
		return nil, err
	}
	defer c.Manager.Checkin(sa.SpiI)

	remoteAddr, err := resolveRemote(p.Remote)
	if err != nil {
		c.Manager.Destroy(sa.SpiI, sa.Name, sa.RemoteAddr)
		return nil, err
	}
	tm := c.newTaskManager(sa, remoteAddr)

	ikeProposals := p.IKEProposals
	if len(ikeProposals) == 0 {
		ikeProposals = config.DefaultIKEProposal()
	}
	espProposals, tsi, tsr := peerChildOffer(&p)

	dh := suite.DHGroupFor(dhGroupOf(ikeProposals))
	initTask, err := task.NewIkeInitTask(ikeProposals, dh, func(chosen selector.Proposal, s *suite.Suite, ni, nr *big.Int, dhShared *big.Int) {
		sa.DeriveIKEKeys(s, ni, nr, dhShared)
		sa.Transition(ikesa.StateConnecting)
		authTask := task.NewIkeAuthTask(c.Creds, p.LocalID, p.RemoteID, espProposals, tsi, tsr, p.EnableMobike,
			func(chosen selector.Proposal, encrI, integI, encrR, integR []byte, tsi, tsr []selector.Selector) {
				c.Manager.PromoteEstablished(sa.RemoteAddr)
				sa.Transition(ikesa.StateEstablished)
				c.installFirstChild(sa, remoteAddr, chosen, encrI, integI, encrR, integR, tsi, tsr)
			})
		tm.Queue(authTask)
		if len(p.LocalCert) > 0 || len(p.CAHash) > 0 {
			tm.Queue(task.NewIkeCertTask(true, proto.CertX509Signature, p.CAHash, p.LocalCert, nil))
		}
	}, nil)
	if err != nil {
		c.Manager.Destroy(sa.SpiI, sa.Name, sa.RemoteAddr)
		return nil, err
	}
	tm.Queue(initTask)

	remoteIP := addrToIP(remoteAddr)
	if localIP, err := c.Kernel.SourceAddress(remoteIP); err == nil {
		sa.LocalAddr = localIP.String()
		natD := task.NewIkeNatDTask(localIP, remoteIP, addrPort(c.Conn.LocalAddr()), addrPort(remoteAddr),
			func(localBehindNAT, remoteBehindNAT bool) {
				sa.LocalBehindNAT = localBehindNAT
				sa.RemoteBehindNAT = remoteBehindNAT
			})
		tm.Queue(natD)
	}

	sa.Transition(ikesa.StateConnecting)
	if err := tm.Initiate(context.Background(), proto.IKE_SA_INIT); err != nil {
		return nil, err
	}
	return sa, nil
}

func (c *Context) peerConfigFor(name string) (*config.PeerConfig, bool) {
	for i := range c.Config.Peers {
		if c.Config.Peers[i].Name == name {
			return &c.Config.Peers[i], true
		}
	}
	return nil, false
}

// peerChildOffer returns the CHILD_SA proposal/selectors a peer config asks
// for, falling back to package defaults for an unconfigured (responder-only,
// name-less) peer.
func peerChildOffer(p *config.PeerConfig) ([]selector.Proposal, []selector.Selector, []selector.Selector) {
	if p == nil {
		return config.DefaultESPProposal(), nil, nil
	}
	espProposals := p.ESPProposals
	if len(espProposals) == 0 {
		espProposals = config.DefaultESPProposal()
	}
	return espProposals, p.TSi, p.TSr
}

func dhGroupOf(proposals []selector.Proposal) proto.DHID {
	for _, p := range proposals {
		for _, tr := range p.Transforms {
			if tr.Type == proto.TransformDH {
				return proto.DHID(tr.ID)
			}
		}
	}
	return proto.MODP_2048
}

func genSPI(spi *proto.Spi) error {
	_, err := rand.Read(spi[:])
	return err
}

func resolveRemote(addr string) (net.Addr, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "500")
	}
	return net.ResolveUDPAddr("udp", addr)
}

func addrHost(a net.Addr) string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

func addrToIP(a net.Addr) net.IP {
	return net.ParseIP(addrHost(a))
}

// addrPort extracts the UDP port NAT_DETECTION_SOURCE_IP/DESTINATION_IP
// hashing needs (RFC 7296 §2.23); falls back to 500 (the unencapsulated IKE
// port) if a's string form carries none, matching resolveRemote's default.
func addrPort(a net.Addr) uint16 {
	_, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return 500
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 500
	}
	return uint16(port)
}

func spiFromBytes(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}
