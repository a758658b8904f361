package task

import (
	"crypto/rand"
	"math/big"
	"net"

	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/kernel"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/selector"
	"github.com/ikecore/charon/internal/suite"
	"github.com/ikecore/charon/internal/wire"
)

// IkeDeleteTask tears down the whole IKE_SA (and, implicitly, every CHILD_SA
// it carries), grounded on session.go's sendIkeSaDelete/HandleClose.
type IkeDeleteTask struct {
	kernelBackend kernel.Backend
	remoteAddr    net.IP
	onDeleted     func()
}

func NewIkeDeleteTask(backend kernel.Backend, remote net.IP, onDeleted func()) *IkeDeleteTask {
	return &IkeDeleteTask{kernelBackend: backend, remoteAddr: remote, onDeleted: onDeleted}
}

func (t *IkeDeleteTask) Kind() Kind { return KindIkeDelete }

func (t *IkeDeleteTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	msg.Payloads = append(msg.Payloads, &wire.DeletePayload{Protocol: proto.ProtoIKE})
	return Done, nil
}

func (t *IkeDeleteTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	for _, child := range sa.Children {
		_ = t.kernelBackend.DeleteSA(t.remoteAddr, child.SPIOut, child.ProtoID)
		child.Zeroize()
	}
	sa.Children = make(map[uint32]*ikesa.ChildSA)
	sa.Transition(ikesa.StateDestroyed)
	if t.onDeleted != nil {
		t.onDeleted()
	}
	return Done, nil
}

func (t *IkeDeleteTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeDeleteTask) Destroy()                {}

// IkeDPDTask is an empty INFORMATIONAL exchange used as a liveness probe
// (dead peer detection), grounded on session.go's SendEmptyInformational.
// A response with no payloads is itself proof of liveness; Process needs no
// content check beyond having been reached at all.
type IkeDPDTask struct {
	onAlive func()
}

func NewIkeDPDTask(onAlive func()) *IkeDPDTask { return &IkeDPDTask{onAlive: onAlive} }

func (t *IkeDPDTask) Kind() Kind { return KindIkeDPD }

func (t *IkeDPDTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) { return Done, nil }

func (t *IkeDPDTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if t.onAlive != nil {
		t.onAlive()
	}
	return Done, nil
}

func (t *IkeDPDTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeDPDTask) Destroy()                {}

// IkeRekeyTask rekeys the IKE_SA itself via CREATE_CHILD_SA, carrying SA/KE/
// Nonce the same shape as IkeInitTask but deriving the replacement SA's keys
// from the rekeyed SA's own SK_d rather than a fresh SKEYSEED (RFC 7296
// §2.18), grounded on tkm.go's IsaCreate generalized the same way
// ikesa.DeriveIKEKeys already is. sa (the Build/Process receiver) is the
// OLD IKE_SA being replaced; newSA accumulates the replacement.
type IkeRekeyTask struct {
	initiator   bool
	myProposals []selector.Proposal
	dhGroup     proto.DHID
	dhPrivate   *big.Int
	dhPublic    *big.Int
	nonce       *big.Int
	ready       bool // responder only: DH/nonce generated once Process has seen the peer's offered group

	newSA     *ikesa.IKESA
	onRekeyed func(winner *ikesa.IKESA, loser *ikesa.IKESA)
}

// NewIkeRekeyTask builds the initiator-side task. The caller supplies the
// freshly constructed replacement IKE_SA (with its own new SPIs already
// assigned) so DeriveRekeyedKeys has somewhere to write the new keys.
func NewIkeRekeyTask(proposals []selector.Proposal, dh *suite.DHGroup, newSA *ikesa.IKESA, onRekeyed func(*ikesa.IKESA, *ikesa.IKESA)) (*IkeRekeyTask, error) {
	priv, err := dh.Private(rand.Reader)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return &IkeRekeyTask{
		initiator: true, myProposals: proposals, dhGroup: dh.ID,
		dhPrivate: priv, dhPublic: dh.Public(priv), nonce: nonce,
		newSA: newSA, onRekeyed: onRekeyed,
	}, nil
}

// NewIkeRekeyResponderTask builds the responder-side task. Unlike the
// initiator, the responder doesn't know which DH group it needs until it has
// processed the peer's request, so dhPrivate/dhPublic are generated lazily
// inside Process instead of up front.
func NewIkeRekeyResponderTask(proposals []selector.Proposal, newSA *ikesa.IKESA, onRekeyed func(*ikesa.IKESA, *ikesa.IKESA)) *IkeRekeyTask {
	return &IkeRekeyTask{initiator: false, myProposals: proposals, newSA: newSA, onRekeyed: onRekeyed}
}

func (t *IkeRekeyTask) Kind() Kind { return KindIkeRekey }

// Nonce returns this side's rekey nonce, used by the manager to resolve a
// simultaneous IKE_SA rekey collision against a competing IkeRekeyTask
// (RFC 7296 §2.8). The initiator's nonce is drawn in NewIkeRekeyTask; the
// responder's is nil until Process has run.
func (t *IkeRekeyTask) Nonce() []byte {
	if t.nonce == nil {
		return nil
	}
	return padNonce(t.nonce.Bytes())
}

func (t *IkeRekeyTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if !t.initiator && !t.ready {
		// Process hasn't run yet (shouldn't happen: HandleRequest always
		// processes before building), nothing to offer back.
		return Failed, ikeerr.New(ikeerr.KindNegotiation, nil, "IKE rekey response built before request was processed")
	}
	msg.Payloads = append(msg.Payloads,
		&wire.SAPayload{Proposals: toWireProposals(t.myProposals)},
		&wire.KEPayload{DHGroup: t.dhGroup, KeyData: t.dhPublic.Bytes()},
		&wire.NoncePayload{Data: padNonce(t.nonce.Bytes())},
	)
	return Done, nil
}

func (t *IkeRekeyTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if n, ok := findNotify(msg, proto.NO_PROPOSAL_CHOSEN); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer rejected every rekey proposal")}
	}

	saPayload, ok := findSA(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE rekey missing SA payload")}
	}
	kePayload, ok := findKE(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE rekey missing KE payload")}
	}
	noncePayload, ok := findNonce(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE rekey missing Nonce payload")}
	}

	theirs := fromWireProposals(saPayload.Proposals)
	chosen, ok := selector.Select(t.myProposals, theirs, selector.Options{})
	if !ok {
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "no rekey proposal matched")}
	}
	s, err := suite.Select(proposalToTransformSet(chosen))
	if err != nil {
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, err, "selected rekey proposal names unsupported algorithms")}
	}

	if !t.initiator {
		priv, err := s.DH.Private(rand.Reader)
		if err != nil {
			return Failed, ikeerr.New(ikeerr.KindNegotiation, err, "generating rekey DH keypair")
		}
		myNonce, err := randomNonce()
		if err != nil {
			return Failed, err
		}
		t.dhGroup = s.DH.ID
		t.dhPrivate = priv
		t.dhPublic = s.DH.Public(priv)
		t.nonce = myNonce
		t.ready = true
	}

	peerPublic := new(big.Int).SetBytes(kePayload.KeyData)
	dhShared := s.DH.Shared(peerPublic, t.dhPrivate)
	peerNonce := new(big.Int).SetBytes(noncePayload.Data)

	ni, nr := t.nonce, peerNonce
	if !t.initiator {
		ni, nr = peerNonce, t.nonce
	}

	t.newSA.DeriveRekeyedKeys(sa, s, ni, nr, dhShared)
	if t.onRekeyed != nil {
		t.onRekeyed(t.newSA, sa)
	}
	return Done, nil
}

func (t *IkeRekeyTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeRekeyTask) Destroy()                {}

// IkeConfigTask requests (or answers) a virtual IP via the CP payload,
// grounded on strongSwan's child_config-driven virtual IP assignment path —
// egorse-ike has no CP/MOBIKE support at all, so this is enrichment from
// the rest of the pack plus original_source/.
type IkeConfigTask struct {
	initiator   bool
	wantAddress bool
	assigned    net.IP
	onAssigned  func(addr net.IP)
}

func NewIkeConfigTask(initiator bool, wantAddress bool, onAssigned func(net.IP)) *IkeConfigTask {
	return &IkeConfigTask{initiator: initiator, wantAddress: wantAddress, onAssigned: onAssigned}
}

func (t *IkeConfigTask) Kind() Kind { return KindIkeConfig }

func (t *IkeConfigTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if t.initiator {
		if !t.wantAddress {
			return Done, nil
		}
		msg.Payloads = append(msg.Payloads, &wire.CPPayload{
			CfgType:    wire.CFG_REQUEST,
			Attributes: []wire.ConfigAttribute{{Type: internalIP4Address}},
		})
		return Done, nil
	}
	if t.assigned == nil {
		return Done, nil
	}
	msg.Payloads = append(msg.Payloads, &wire.CPPayload{
		CfgType:    wire.CFG_REPLY,
		Attributes: []wire.ConfigAttribute{{Type: internalIP4Address, Data: t.assigned.To4()}},
	})
	return Done, nil
}

func (t *IkeConfigTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	cp, ok := findCP(msg)
	if !ok {
		return Done, nil
	}
	if t.initiator {
		for _, a := range cp.Attributes {
			if a.Type == internalIP4Address && len(a.Data) == 4 {
				t.assigned = net.IP(a.Data)
				if t.onAssigned != nil {
					t.onAssigned(t.assigned)
				}
				return Done, nil
			}
		}
		return Failed, &TaskError{Notify: NotifyTemporaryFailure, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer did not assign a virtual address")}
	}
	// responder: record the request, the daemon's address pool assigns on Build
	for _, a := range cp.Attributes {
		if a.Type == internalIP4Address {
			t.wantAddress = true
		}
	}
	return Done, nil
}

func (t *IkeConfigTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeConfigTask) Destroy()                {}

const internalIP4Address uint16 = 1
