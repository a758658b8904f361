package task

import (
	"crypto/rand"
	"math/big"

	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/selector"
	"github.com/ikecore/charon/internal/suite"
	"github.com/ikecore/charon/internal/wire"
)

// IkeInitTask drives the IKE_SA_INIT exchange: SA, KE and Nonce payloads out,
// proposal selection and DH shared-secret computation on the response,
// grounded on egorse-ike's InitFromSession/HandleInitForSession pair but
// restructured into the Task contract's Build/Process split.
type IkeInitTask struct {
	initiator    bool
	myProposals  []selector.Proposal
	dhGroup      proto.DHID
	dhPrivate    *big.Int
	dhPublic     *big.Int
	nonce        *big.Int
	cookie       []byte // echoed on retry once the peer challenges us
	onNegotiated func(chosen selector.Proposal, s *suite.Suite, ni, nr *big.Int, dhShared *big.Int)
	onCookie     func(cookie []byte)
	done         bool
}

// NewIkeInitTask builds the initiator-side task. dh is the group this side
// offers its KE payload in (must match the first proposal's preferred DH
// transform, per RFC 7296 §2.4).
func NewIkeInitTask(proposals []selector.Proposal, dh *suite.DHGroup, onNegotiated func(selector.Proposal, *suite.Suite, *big.Int, *big.Int, *big.Int), onCookie func([]byte)) (*IkeInitTask, error) {
	priv, err := dh.Private(rand.Reader)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return &IkeInitTask{
		initiator:    true,
		myProposals:  proposals,
		dhGroup:      dh.ID,
		dhPrivate:    priv,
		dhPublic:     dh.Public(priv),
		nonce:        nonce,
		onNegotiated: onNegotiated,
		onCookie:     onCookie,
	}, nil
}

// NewIkeInitResponderTask builds the responder-side task. dh is the group
// this side offers back in its own KE payload, which must equal whatever
// proposal selection lands on — callers pick it from the peer's first
// proposed transform since the responder has no say beyond accepting it.
func NewIkeInitResponderTask(proposals []selector.Proposal, dh *suite.DHGroup, onNegotiated func(selector.Proposal, *suite.Suite, *big.Int, *big.Int, *big.Int)) (*IkeInitTask, error) {
	priv, err := dh.Private(rand.Reader)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return &IkeInitTask{
		initiator:    false,
		myProposals:  proposals,
		dhGroup:      dh.ID,
		dhPrivate:    priv,
		dhPublic:     dh.Public(priv),
		nonce:        nonce,
		onNegotiated: onNegotiated,
	}, nil
}

func randomNonce() (*big.Int, error) {
	buf := make([]byte, 32) // RFC 7296 §3.9: at least half the negotiated PRF's key size, 32 octets is ample
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(buf), nil
}

func (t *IkeInitTask) Kind() Kind { return KindIkeInit }

func (t *IkeInitTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	msg.Payloads = append(msg.Payloads,
		&wire.SAPayload{Proposals: toWireProposals(t.myProposals)},
		&wire.KEPayload{DHGroup: t.dhGroup, KeyData: t.dhPublic.Bytes()},
		&wire.NoncePayload{Data: padNonce(t.nonce.Bytes())},
	)
	if t.cookie != nil {
		msg.Payloads = append([]wire.Payload{&wire.NotifyPayload{
			Protocol: proto.ProtoIKE, Type_: proto.COOKIE, Data: t.cookie,
		}}, msg.Payloads...)
	}
	if t.done {
		return Done, nil
	}
	t.done = true
	return NeedMore, nil
}

func (t *IkeInitTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if n, ok := findNotify(msg, proto.COOKIE); ok && t.initiator {
		t.cookie = n.Data
		t.done = false
		if t.onCookie != nil {
			t.onCookie(n.Data)
		}
		return NeedMore, nil
	}
	if n, ok := findNotify(msg, proto.NO_PROPOSAL_CHOSEN); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer rejected every IKE proposal")}
	}
	if n, ok := findNotify(msg, proto.INVALID_KE_PAYLOAD); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyInvalidKE, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer requested a different DH group")}
	}

	saPayload, ok := findSA(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE_SA_INIT missing SA payload")}
	}
	kePayload, ok := findKE(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE_SA_INIT missing KE payload")}
	}
	noncePayload, ok := findNonce(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE_SA_INIT missing Nonce payload")}
	}

	theirs := fromWireProposals(saPayload.Proposals)
	chosen, ok := selector.Select(t.myProposals, theirs, selector.Options{})
	if !ok {
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "no IKE proposal matched")}
	}

	ts := proposalToTransformSet(chosen)
	s, err := suite.Select(ts)
	if err != nil {
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, err, "selected proposal names unsupported algorithms")}
	}
	if s.DH == nil || s.DH.ID != t.dhGroup {
		return Failed, &TaskError{Notify: NotifyInvalidKE, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer chose a DH group %d different from our KE payload's %d", ts.DH, t.dhGroup)}
	}

	peerPublic := new(big.Int).SetBytes(kePayload.KeyData)
	dhShared := s.DH.Shared(peerPublic, t.dhPrivate)
	peerNonce := new(big.Int).SetBytes(noncePayload.Data)

	ni, nr := t.nonce, peerNonce
	if !t.initiator {
		ni, nr = peerNonce, t.nonce
	}

	if t.onNegotiated != nil {
		t.onNegotiated(chosen, s, ni, nr, dhShared)
	}
	return Done, nil
}

func (t *IkeInitTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeInitTask) Destroy()                {}

func padNonce(b []byte) []byte {
	if len(b) < 16 {
		out := make([]byte, 16)
		copy(out[16-len(b):], b)
		return out
	}
	return b
}

func toWireProposals(ps []selector.Proposal) []wire.Proposal {
	out := make([]wire.Proposal, len(ps))
	for i, p := range ps {
		ts := make([]wire.Transform, len(p.Transforms))
		for j, tr := range p.Transforms {
			ts[j] = wire.Transform{Type: tr.Type, ID: tr.ID, KeyLen: tr.KeyLen}
		}
		out[i] = wire.Proposal{Number: p.Number, Protocol: p.Protocol, SPI: p.SPI, Transforms: ts}
	}
	return out
}

func fromWireProposals(ps []wire.Proposal) []selector.Proposal {
	out := make([]selector.Proposal, len(ps))
	for i, p := range ps {
		ts := make([]selector.Transform, len(p.Transforms))
		for j, tr := range p.Transforms {
			ts[j] = selector.Transform{Type: tr.Type, ID: tr.ID, KeyLen: tr.KeyLen}
		}
		out[i] = selector.Proposal{Number: p.Number, Protocol: p.Protocol, SPI: p.SPI, Transforms: ts}
	}
	return out
}

// proposalToTransformSet picks the first transform of each type out of a
// chosen proposal — Select already guarantees at most one survives per type.
func proposalToTransformSet(p selector.Proposal) suite.TransformSet {
	var ts suite.TransformSet
	for _, tr := range p.Transforms {
		switch tr.Type {
		case proto.TransformEncr:
			ts.Encr = proto.EncrID(tr.ID)
			ts.EncrKeyLen = int(tr.KeyLen) / 8
		case proto.TransformInteg:
			ts.Integ = proto.IntegID(tr.ID)
		case proto.TransformPRF:
			ts.Prf = proto.PRFID(tr.ID)
		case proto.TransformDH:
			ts.DH = proto.DHID(tr.ID)
		}
	}
	return ts
}
