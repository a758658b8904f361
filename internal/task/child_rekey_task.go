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

// ChildRekeyTask rekeys one CHILD_SA via CREATE_CHILD_SA carrying a REKEY_SA
// notify (RFC 7296 §2.8), generalized from ChildCreateTask's negotiation the
// same way IkeRekeyTask generalizes IkeInitTask for the parent IKE_SA. The
// initiator names the child being replaced up front; the responder learns
// it from the inbound REKEY_SA notify in Process.
type ChildRekeyTask struct {
	initiator bool

	oldReqID    uint32
	oldProtocol proto.ProtocolID
	oldSPIIn    uint32 // our own inbound SPI for the child being replaced

	kernelBackend kernel.Backend
	localAddr     net.IP
	remoteAddr    net.IP

	myProposals []selector.Proposal
	tsi, tsr    []selector.Selector

	myNonce []byte

	onRekeyed func(oldReqID uint32, newChild *ikesa.ChildSA)
}

// NewChildRekeyTask builds the initiator-side task for rekeying the CHILD_SA
// named by oldReqID/oldProtocol/oldSPIIn.
func NewChildRekeyTask(backend kernel.Backend, local, remote net.IP, oldReqID uint32, oldProtocol proto.ProtocolID, oldSPIIn uint32, proposals []selector.Proposal, tsi, tsr []selector.Selector, onRekeyed func(uint32, *ikesa.ChildSA)) *ChildRekeyTask {
	return &ChildRekeyTask{
		initiator: true, kernelBackend: backend, localAddr: local, remoteAddr: remote,
		oldReqID: oldReqID, oldProtocol: oldProtocol, oldSPIIn: oldSPIIn,
		myProposals: proposals, tsi: tsi, tsr: tsr, onRekeyed: onRekeyed,
	}
}

// NewChildRekeyResponderTask builds the responder-side task; the child being
// replaced is identified once Process sees the inbound REKEY_SA notify.
func NewChildRekeyResponderTask(backend kernel.Backend, local, remote net.IP, proposals []selector.Proposal, tsi, tsr []selector.Selector, onRekeyed func(uint32, *ikesa.ChildSA)) *ChildRekeyTask {
	return &ChildRekeyTask{
		initiator: false, kernelBackend: backend, localAddr: local, remoteAddr: remote,
		myProposals: proposals, tsi: tsi, tsr: tsr, onRekeyed: onRekeyed,
	}
}

func (t *ChildRekeyTask) Kind() Kind { return KindChildRekey }

// Nonce returns this side's nonce for the exchange, once Build has run —
// the manager compares it against a competing rekey's nonce to resolve a
// simultaneous-rekey collision (RFC 7296 §2.8).
func (t *ChildRekeyTask) Nonce() []byte { return t.myNonce }

// OldReqID names the CHILD_SA this task is replacing, known up front for
// the initiator or learned from the peer's REKEY_SA notify for the
// responder (valid only after Process has run on the responder side).
func (t *ChildRekeyTask) OldReqID() uint32 { return t.oldReqID }

func (t *ChildRekeyTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	nonce, err := randomNonce()
	if err != nil {
		return Failed, err
	}
	t.myNonce = padNonce(nonce.Bytes())

	if t.initiator {
		spiBytes := make([]byte, 4)
		putUint32(spiBytes, t.oldSPIIn)
		msg.Payloads = append(msg.Payloads, &wire.NotifyPayload{Protocol: t.oldProtocol, Type_: proto.REKEY_SA, SPI: spiBytes})
	}
	msg.Payloads = append(msg.Payloads,
		&wire.SAPayload{Proposals: toWireProposals(t.myProposals)},
		&wire.NoncePayload{Data: t.myNonce},
		wire.NewTSPayload(true, toWireSelectors(t.tsi)),
		wire.NewTSPayload(false, toWireSelectors(t.tsr)),
	)
	return Done, nil
}

func (t *ChildRekeyTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if n, ok := findNotify(msg, proto.NO_PROPOSAL_CHOSEN); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer rejected every CHILD_SA rekey proposal")}
	}
	if n, ok := findNotify(msg, proto.TS_UNACCEPTABLE); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyTSUnacceptable, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer rejected every traffic selector")}
	}

	if !t.initiator {
		rekeyN, ok := findNotify(msg, proto.REKEY_SA)
		if !ok || len(rekeyN.SPI) != 4 {
			return Failed, &TaskError{Notify: NotifyChildSANotFound, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "CHILD_SA rekey missing REKEY_SA notify")}
		}
		wantSPI := getUint32(rekeyN.SPI)
		found := false
		for reqID, child := range sa.Children {
			if child.ProtoID == rekeyN.Protocol && child.SPIOut == wantSPI {
				t.oldReqID, t.oldProtocol, t.oldSPIIn = reqID, child.ProtoID, child.SPIIn
				found = true
				break
			}
		}
		if !found {
			return Failed, &TaskError{Notify: NotifyChildSANotFound, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "REKEY_SA names an unknown CHILD_SA")}
		}
	}

	saPayload, ok := findSA(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "CHILD_SA rekey missing SA payload")}
	}
	noncePayload, ok := findNonce(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "CHILD_SA rekey missing Nonce payload")}
	}
	peerTSi, ok := findTS(msg, true)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "CHILD_SA rekey missing TSi")}
	}
	peerTSr, ok := findTS(msg, false)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "CHILD_SA rekey missing TSr")}
	}

	theirs := fromWireProposals(saPayload.Proposals)
	chosen, ok := selector.Select(t.myProposals, theirs, selector.Options{StripDH: true})
	if !ok {
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "no CHILD_SA rekey proposal matched")}
	}

	narrowedI := selector.Narrow(t.tsi, fromWireSelectors(peerTSi.Selectors))
	narrowedR := selector.Narrow(t.tsr, fromWireSelectors(peerTSr.Selectors))
	if len(narrowedI) == 0 || len(narrowedR) == 0 {
		return Failed, &TaskError{Notify: NotifyTSUnacceptable, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "traffic selectors do not overlap")}
	}

	ni, nr := t.myNonce, noncePayload.Data
	if !t.initiator {
		ni, nr = noncePayload.Data, t.myNonce
	}
	encrI, integI, encrR, integR := sa.DeriveChildKeys(sa.Suite, ni, nr, nil)

	reqID := sa.NextChildReqID()
	spiOut, err := t.kernelBackend.AllocateSPI(t.localAddr, t.remoteAddr, chosen.Protocol, reqID)
	if err != nil {
		return Failed, ikeerr.New(ikeerr.KindKernel, err, "allocating inbound SPI")
	}
	spiIn, ok := spiFromProposal(theirs, chosen)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "chosen proposal missing peer SPI")}
	}

	child := &ikesa.ChildSA{
		ReqID: reqID, SPIIn: spiOut, SPIOut: spiIn,
		ProtoID: chosen.Protocol, Mode: proto.ModeTunnel,
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
		return Failed, ikeerr.New(ikeerr.KindKernel, err, "installing rekeyed CHILD_SA")
	}

	sa.Children[reqID] = child
	if t.onRekeyed != nil {
		t.onRekeyed(t.oldReqID, child)
	}
	return Done, nil
}

func (t *ChildRekeyTask) Migrate(sa *ikesa.IKESA) {}
func (t *ChildRekeyTask) Destroy()                {}
