package task

import (
	"github.com/ikecore/charon/internal/config"
	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/selector"
	"github.com/ikecore/charon/internal/wire"
)

// IkeAuthTask drives the IKE_AUTH exchange: IDi/IDr, AUTH, SA, TSi/TSr,
// grounded on egorse-ike's tkm.go Auth/AuthId pair and session.go's
// SendAuth/HandleIkeAuth, but split into the Build/Process task contract and
// generalized over config.CredentialStore instead of a single PSK field.
type IkeAuthTask struct {
	initiator bool
	creds     config.CredentialStore

	localID  config.Identity
	remoteID config.Identity

	espProposals []selector.Proposal
	tsi, tsr     []selector.Selector

	// offerMobike is our own willingness to speak MOBIKE (RFC 4555 §3.1):
	// when set, Build attaches an empty MOBIKE_SUPPORTED notify to IKE_AUTH.
	// It does not by itself mean MOBIKE is usable — that also needs the
	// peer's own MOBIKE_SUPPORTED notify, recorded via Process into
	// sa.MobikeSupported.
	offerMobike bool

	onEstablished func(chosen selector.Proposal, encrI, integI, encrR, integR []byte, tsi, tsr []selector.Selector)

	peerID *wire.IDPayload
}

// NewIkeAuthTask builds the initiator-side task for the first CHILD_SA
// negotiated alongside IKE_AUTH.
func NewIkeAuthTask(creds config.CredentialStore, local, remote config.Identity, espProposals []selector.Proposal, tsi, tsr []selector.Selector, offerMobike bool, onEstablished func(selector.Proposal, []byte, []byte, []byte, []byte, []selector.Selector, []selector.Selector)) *IkeAuthTask {
	return &IkeAuthTask{
		initiator:     true,
		creds:         creds,
		localID:       local,
		remoteID:      remote,
		espProposals:  espProposals,
		tsi:           tsi,
		tsr:           tsr,
		offerMobike:   offerMobike,
		onEstablished: onEstablished,
	}
}

// NewIkeAuthResponderTask builds the responder-side task; espProposals/tsi/tsr
// are this side's configured offer, narrowed against whatever the initiator
// proposes once Process sees the request.
func NewIkeAuthResponderTask(creds config.CredentialStore, local, remote config.Identity, espProposals []selector.Proposal, tsi, tsr []selector.Selector, offerMobike bool, onEstablished func(selector.Proposal, []byte, []byte, []byte, []byte, []selector.Selector, []selector.Selector)) *IkeAuthTask {
	return &IkeAuthTask{
		initiator:     false,
		creds:         creds,
		localID:       local,
		remoteID:      remote,
		espProposals:  espProposals,
		tsi:           tsi,
		tsr:           tsr,
		offerMobike:   offerMobike,
		onEstablished: onEstablished,
	}
}

func (t *IkeAuthTask) Kind() Kind { return KindIkeAuth }

func (t *IkeAuthTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	idPayload := wire.NewIDPayload(t.initiator, t.localID.Type, t.localID.Data)
	authValue, err := t.computeAuth(sa, idPayload)
	if err != nil {
		return Failed, err
	}

	msg.Payloads = append(msg.Payloads,
		idPayload,
		&wire.AuthPayload{Method: proto.AuthSharedKeyMIC, Data: authValue},
		&wire.SAPayload{Proposals: toWireProposals(t.espProposals)},
		wire.NewTSPayload(true, toWireSelectors(t.tsi)),
		wire.NewTSPayload(false, toWireSelectors(t.tsr)),
	)
	if t.offerMobike {
		msg.Payloads = append(msg.Payloads, &wire.NotifyPayload{Protocol: proto.ProtoIKE, Type_: proto.MOBIKE_SUPPORTED})
	}
	return Done, nil
}

func (t *IkeAuthTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if n, ok := findNotify(msg, proto.AUTHENTICATION_FAILED); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyAuthenticationFailed, Err: ikeerr.New(ikeerr.KindAuth, nil, "peer rejected our AUTH")}
	}
	if n, ok := findNotify(msg, proto.TS_UNACCEPTABLE); ok {
		_ = n
		return Failed, &TaskError{Notify: NotifyTSUnacceptable, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "peer rejected every traffic selector")}
	}

	peerID, ok := findID(msg, !t.initiator)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE_AUTH missing peer ID payload")}
	}
	t.peerID = peerID

	peerAuth, ok := findAuth(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE_AUTH missing AUTH payload")}
	}
	want, err := t.expectedPeerAuth(sa, peerID)
	if err != nil {
		return Failed, &TaskError{Notify: NotifyAuthenticationFailed, Err: err}
	}
	if !constantTimeEqual(want, peerAuth.Data) {
		return Failed, &TaskError{Notify: NotifyAuthenticationFailed, Err: ikeerr.New(ikeerr.KindAuth, nil, "AUTH mismatch")}
	}

	saPayload, ok := findSA(msg)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE_AUTH missing CHILD_SA proposal")}
	}
	peerProposals := fromWireProposals(saPayload.Proposals)
	chosen, ok := selector.Select(t.espProposals, peerProposals, selector.Options{StripDH: true})
	if !ok {
		return Failed, &TaskError{Notify: NotifyNoProposalChosen, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "no CHILD_SA proposal matched")}
	}

	peerTSi, ok := findTS(msg, true)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE_AUTH missing TSi")}
	}
	peerTSr, ok := findTS(msg, false)
	if !ok {
		return Failed, &TaskError{Notify: NotifyInvalidSyntax, Err: ikeerr.New(ikeerr.KindParse, nil, "IKE_AUTH missing TSr")}
	}
	narrowedI := selector.Narrow(t.tsi, fromWireSelectors(peerTSi.Selectors))
	narrowedR := selector.Narrow(t.tsr, fromWireSelectors(peerTSr.Selectors))
	if len(narrowedI) == 0 || len(narrowedR) == 0 {
		return Failed, &TaskError{Notify: NotifyTSUnacceptable, Err: ikeerr.New(ikeerr.KindNegotiation, nil, "traffic selectors do not overlap")}
	}

	if _, ok := findNotify(msg, proto.MOBIKE_SUPPORTED); ok {
		sa.MobikeSupported = true
	}

	encrI, integI, encrR, integR := sa.DeriveChildKeys(sa.Suite, sa.Ni, sa.Nr, nil)
	if t.onEstablished != nil {
		t.onEstablished(chosen, encrI, integI, encrR, integR, narrowedI, narrowedR)
	}
	return Done, nil
}

func (t *IkeAuthTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeAuthTask) Destroy()                {}

// computeAuth builds the AUTH payload for the message we're about to send.
// RFC 7296 §2.15: signed octets are our own first message (IKE_SA_INIT
// request if we're the initiator, response if we're the responder)
// concatenated with the peer's nonce and prf(SK_p-ours, our ID encoded).
// AUTH = prf(prf(shared secret, "Key Pad for IKEv2"), signed octets).
func (t *IkeAuthTask) computeAuth(sa *ikesa.IKESA, ourID *wire.IDPayload) ([]byte, error) {
	secret, ok := t.creds.SharedSecret(t.localID)
	if !ok {
		return nil, ikeerr.New(ikeerr.KindAuth, nil, "no shared secret configured for local identity")
	}

	var firstMsg, peerNonce []byte
	if t.initiator {
		firstMsg, peerNonce = sa.InitReqRaw, sa.Nr
	} else {
		firstMsg, peerNonce = sa.InitRespRaw, sa.Ni
	}

	signed := append(append([]byte{}, firstMsg...), peerNonce...)
	signed = append(signed, sa.Suite.Prf.Func(sa.AuthKeyOut(), ourID.Encode())...)

	padded := sa.Suite.Prf.Func(secret, []byte("Key Pad for IKEv2"))
	return sa.Suite.Prf.Func(padded, signed), nil
}

// expectedPeerAuth recomputes what the peer's AUTH value should be, using
// their first message, our nonce, and their own ID payload.
func (t *IkeAuthTask) expectedPeerAuth(sa *ikesa.IKESA, peerID *wire.IDPayload) ([]byte, error) {
	peerIdentity := config.Identity{Type: peerID.IDType, Data: peerID.Data}
	secret, ok := t.creds.SharedSecret(peerIdentity)
	if !ok {
		return nil, ikeerr.New(ikeerr.KindAuth, nil, "no shared secret configured for peer identity")
	}

	var firstMsg, ourNonce []byte
	if t.initiator {
		firstMsg, ourNonce = sa.InitRespRaw, sa.Ni
	} else {
		firstMsg, ourNonce = sa.InitReqRaw, sa.Nr
	}

	signed := append(append([]byte{}, firstMsg...), ourNonce...)
	signed = append(signed, sa.Suite.Prf.Func(sa.AuthKeyIn(), peerID.Encode())...)

	padded := sa.Suite.Prf.Func(secret, []byte("Key Pad for IKEv2"))
	return sa.Suite.Prf.Func(padded, signed), nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func toWireSelectors(ss []selector.Selector) []wire.Selector {
	out := make([]wire.Selector, len(ss))
	for i, s := range ss {
		out[i] = wire.Selector{
			Type: s.Type, IPProtocolID: s.IPProtocolID,
			StartPort: s.StartPort, EndPort: s.EndPort,
			StartAddress: s.StartAddress, EndAddress: s.EndAddress,
		}
	}
	return out
}

func fromWireSelectors(ss []wire.Selector) []selector.Selector {
	out := make([]selector.Selector, len(ss))
	for i, s := range ss {
		out[i] = selector.Selector{
			Type: s.Type, IPProtocolID: s.IPProtocolID,
			StartPort: s.StartPort, EndPort: s.EndPort,
			StartAddress: s.StartAddress, EndAddress: s.EndAddress,
		}
	}
	return out
}
