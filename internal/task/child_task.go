package task

import (
	"net"

	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/kernel"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/selector"
	"github.com/ikecore/charon/internal/wire"
)

// ChildCreateTask negotiates a brand-new CHILD_SA within CREATE_CHILD_SA (or
// as part of IKE_AUTH's bundled first child — that path is IkeAuthTask's
// job; this one handles every later additional child), grounded on
// session.go's HandleCreateChildSa and tkm.go's IpsecSaCreate.
type ChildCreateTask struct {
	initiator bool
	reqID     uint32

	kernelBackend kernel.Backend
	localAddr, remoteAddr net.IP

	myProposals []selector.Proposal
	tsi, tsr    []selector.Selector

	chosen     selector.Proposal
	peerNonce  []byte
	myNonce    []byte

	onInstalled func(child *ikesa.ChildSA)
}

func NewChildCreateTask(initiator bool, backend kernel.Backend, local, remote net.IP, proposals []selector.Proposal, tsi, tsr []selector.Selector, onInstalled func(*ikesa.ChildSA)) *ChildCreateTask {
	return &ChildCreateTask{
		initiator: initiator, kernelBackend: backend,
		localAddr: local, remoteAddr: remote,
		myProposals: proposals, tsi: tsi, tsr: tsr,
		onInstalled: onInstalled,
	}
}

func (t *ChildCreateTask) Kind() Kind { return KindChildCreate }

func (t *ChildCreateTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if t.myNonce == nil {
		nonce, err := randomNonce()
		if err != nil {
			return Failed, err
		}
		t.myNonce = padNonce(nonce.Bytes())
	}

	msg.Payloads = append(msg.Payloads,
		&wire.SAPayload{Proposals: toWireProposals(t.myProposals)},
		&wire.NoncePayload{Data: t.myNonce},
		wire.NewTSPayload(true, toWireSelectors(t.tsi)),
		wire.NewTSPayload(false, toWireSelectors(t.tsr)),
	)
	return Done, nil
}

func (t *ChildCreateTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if n, ok := findNotify(msg, proto.NO_PROPOSAL_CHOSEN); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer rejected every CHILD_SA proposal")}
	}
	if n, ok := findNotify(msg, proto.TS_UNACCEPTABLE); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyTSUnacceptable, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer rejected every traffic selector")}
	}

	saPayload, ok := findSA(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "CREATE_CHILD_SA missing SA payload")}
	}
	noncePayload, ok := findNonce(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "CREATE_CHILD_SA missing Nonce payload")}
	}
	peerTSi, ok := findTS(msg, true)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "CREATE_CHILD_SA missing TSi")}
	}
	peerTSr, ok := findTS(msg, false)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "CREATE_CHILD_SA missing TSr")}
	}

	theirs := fromWireProposals(saPayload.Proposals)
	chosen, ok := selector.Select(t.myProposals, theirs, selector.Options{StripDH: true})
	if !ok {
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "no CHILD_SA proposal matched")}
	}
	t.chosen = chosen
	t.peerNonce = noncePayload.Data

	narrowedI := selector.Narrow(t.tsi, fromWireSelectors(peerTSi.Selectors))
	narrowedR := selector.Narrow(t.tsr, fromWireSelectors(peerTSr.Selectors))
	if len(narrowedI) == 0 || len(narrowedR) == 0 {
		return Failed, &TaskError{Notify: NotifyTSUnacceptable, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "traffic selectors do not overlap")}
	}

	if t.myNonce == nil {
		// responder: Process runs before Build, so our nonce is drawn here
		// and Build sends the same one.
		nonce, err := randomNonce()
		if err != nil {
			return Failed, err
		}
		t.myNonce = padNonce(nonce.Bytes())
	}
	ni, nr := t.myNonce, t.peerNonce
	if !t.initiator {
		ni, nr = t.peerNonce, t.myNonce
	}
	encrI, integI, encrR, integR := sa.DeriveChildKeys(sa.Suite, ni, nr, nil)

	proto_, reqID := chosen.Protocol, sa.NextChildReqID()
	spiOut, err := t.kernelBackend.AllocateSPI(t.localAddr, t.remoteAddr, proto_, reqID)
	if err != nil {
		return Failed, ikeerr.New(ikeerr.KindKernel, err, "allocating inbound SPI")
	}

	spiIn, ok := spiFromProposal(theirs, chosen)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "chosen proposal missing peer SPI")}
	}

	child := &ikesa.ChildSA{
		ReqID: reqID, SPIIn: spiOut, SPIOut: spiIn,
		ProtoID: proto_, Mode: proto.ModeTunnel,
		TSi: narrowedI, TSr: narrowedR, Suite: sa.Suite,
	}
	if t.initiator {
		child.EncrIn, child.IntegIn = encrR, integR
		child.EncrOut, child.IntegOut = encrI, integI
	} else {
		child.EncrIn, child.IntegIn = encrI, integI
		child.EncrOut, child.IntegOut = encrR, integR
	}

	if err := InstallChildSA(t.kernelBackend, t.localAddr, t.remoteAddr, child); err != nil {
		return Failed, ikeerr.New(ikeerr.KindKernel, err, "installing CHILD_SA")
	}

	sa.Children[reqID] = child
	if t.onInstalled != nil {
		t.onInstalled(child)
	}
	return Done, nil
}

func (t *ChildCreateTask) Migrate(sa *ikesa.IKESA) {}
func (t *ChildCreateTask) Destroy()                {}

// ChildDeleteTask tears down one or more CHILD_SAs named by inbound SPI.
// Grounded on session.go's sendIkeSaDelete / HandleClose, generalized from
// IKE_SA deletion to CHILD_SA deletion by carrying a protocol+SPI list.
type ChildDeleteTask struct {
	initiator     bool
	kernelBackend kernel.Backend
	remoteAddr    net.IP
	protocol      proto.ProtocolID
	spisOut       []uint32 // our view of the peer's inbound SPI, what we send
	deleted       []uint32
	onDeleted     func(spis []uint32)
}

func NewChildDeleteTask(initiator bool, backend kernel.Backend, remote net.IP, protocol proto.ProtocolID, spisOut []uint32, onDeleted func([]uint32)) *ChildDeleteTask {
	return &ChildDeleteTask{initiator: initiator, kernelBackend: backend, remoteAddr: remote, protocol: protocol, spisOut: spisOut, onDeleted: onDeleted}
}

func (t *ChildDeleteTask) Kind() Kind { return KindChildDelete }

func (t *ChildDeleteTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	spiBytes := make([][]byte, len(t.spisOut))
	for i, spi := range t.spisOut {
		b := make([]byte, 4)
		putUint32(b, spi)
		spiBytes[i] = b
	}
	msg.Payloads = append(msg.Payloads, &wire.DeletePayload{
		Protocol: t.protocol, SPISize: 4, SPIs: spiBytes,
	})
	return Done, nil
}

func (t *ChildDeleteTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	d, ok := findDelete(msg)
	if !ok {
		// an empty INFORMATIONAL response to our delete, or a delete request
		// carrying no payload for this protocol: nothing to remove.
		return Done, nil
	}
	for _, spiBytes := range d.SPIs {
		spi := getUint32(spiBytes)
		for reqID, child := range sa.Children {
			if child.ProtoID == d.Protocol && child.SPIIn == spi {
				_ = t.kernelBackend.DeleteSA(t.remoteAddr, child.SPIOut, child.ProtoID)
				child.Zeroize()
				delete(sa.Children, reqID)
				t.deleted = append(t.deleted, spi)
			}
		}
	}
	if t.onDeleted != nil {
		t.onDeleted(t.deleted)
	}
	return Done, nil
}

func (t *ChildDeleteTask) Migrate(sa *ikesa.IKESA) {}
func (t *ChildDeleteTask) Destroy()                {}

func spiFromProposal(proposals []selector.Proposal, chosen selector.Proposal) (uint32, bool) {
	for _, p := range proposals {
		if p.Number != chosen.Number {
			continue
		}
		if len(p.SPI) != 4 {
			return 0, false
		}
		return getUint32(p.SPI), true
	}
	return 0, false
}

// InstallChildSA pushes both directions' kernel SA state and policies for a
// freshly negotiated CHILD_SA. Exported so the daemon's IKE_AUTH path (which
// negotiates the first CHILD_SA bundled into the exchange, outside any
// ChildCreateTask) can reuse the exact same kernel wiring.
func InstallChildSA(backend kernel.Backend, local, remote net.IP, child *ikesa.ChildSA) error {
	if err := backend.InstallSA(kernel.SAParams{
		Src: remote, Dst: local, SPI: child.SPIIn, Protocol: child.ProtoID,
		ReqID: child.ReqID, EncKey: child.EncrIn, IntegKey: child.IntegIn,
		Mode: child.Mode,
	}); err != nil {
		return err
	}
	if err := backend.InstallSA(kernel.SAParams{
		Src: local, Dst: remote, SPI: child.SPIOut, Protocol: child.ProtoID,
		ReqID: child.ReqID, EncKey: child.EncrOut, IntegKey: child.IntegOut,
		Mode: child.Mode, Update: false,
	}); err != nil {
		return err
	}
	for _, dir := range [2]proto.PolicyDir{proto.PolicyIn, proto.PolicyOut} {
		srcTS, dstTS := child.TSr, child.TSi
		if dir == proto.PolicyOut {
			srcTS, dstTS = child.TSi, child.TSr
		}
		if len(srcTS) == 0 || len(dstTS) == 0 {
			continue
		}
		if err := backend.InstallPolicy(kernel.PolicyParams{
			Src: local, Dst: remote, SrcTS: srcTS[0], DstTS: dstTS[0],
			Dir: dir, Protocol: child.ProtoID, ReqID: child.ReqID, Mode: child.Mode,
		}); err != nil {
			return err
		}
	}
	return nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
