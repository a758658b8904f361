// Package ikesa is the IKE_SA state machine (component F): per-SA keying,
// state transitions, message-id discipline, and CHILD_SA bookkeeping. It
// depends on internal/suite for cryptographic primitives and internal/proto
// for wire constants, but never on internal/wire — the task engine is the
// layer that moves bytes in and out of an IKE_SA.
package ikesa

import (
	"math/big"
	"time"

	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/selector"
	"github.com/ikecore/charon/internal/suite"
)

// State is one node of the IKE_SA lifecycle.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateEstablished
	StateRekeying
	StateDeleting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRekeying:
		return "REKEYING"
	case StateDeleting:
		return "DELETING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// ChildSA is one negotiated CHILD_SA (an ESP or AH pair) within an IKE_SA.
type ChildSA struct {
	ReqID            uint32
	SPIIn, SPIOut    uint32
	ProtoID          proto.ProtocolID
	Mode             proto.Mode
	EncrIn, EncrOut  []byte
	IntegIn, IntegOut []byte
	TSi, TSr         []selector.Selector
	Suite            *suite.Suite
	InstalledAt      time.Time
}

// Zeroize wipes this CHILD_SA's key material.
func (c *ChildSA) Zeroize() {
	suite.Zeroize(c.EncrIn, c.EncrOut, c.IntegIn, c.IntegOut)
}

// IKESA is one IKE_SA: identity, negotiated keys, CHILD_SAs, and the
// message-id counters the task engine advances. The manager's checkout
// discipline is this struct's only concurrency guard — fields are read and
// mutated freely by whichever goroutine currently holds the checkout.
type IKESA struct {
	SpiI, SpiR  proto.Spi
	IsInitiator bool
	State       State

	Suite *suite.Suite

	// Ni, Nr are the IKE_SA_INIT nonces, retained for CHILD_SA keying and
	// collision resolution (lower-nonce-wins rule).
	Ni, Nr []byte

	SKd                  []byte
	SKai, SKar           []byte
	SKei, SKer           []byte
	SKpi, SKpr           []byte

	msgIDReq  uint32 // next outgoing request id (we are initiator for it)
	msgIDResp uint32 // next expected incoming request id (we are responder)

	LocalAddr, RemoteAddr string

	// LocalBehindNAT/RemoteBehindNAT record IKE_SA_INIT's NAT-D outcome (RFC
	// 7296 §2.23). IkeMobikeTask requests UDP encapsulation when either is
	// set as it re-points CHILD_SAs to new addresses; InstallChildSA does
	// not read them, so a newly installed CHILD_SA is not UDP-encapsulated,
	// and whether MOBIKE is used does not depend on them.
	LocalBehindNAT, RemoteBehindNAT bool

	// MobikeSupported records whether the peer advertised MOBIKE_SUPPORTED
	// in IKE_AUTH (RFC 4555); only set once both sides are known to support
	// it is UPDATE_SA_ADDRESSES preferred over tearing the IKE_SA down and
	// re-authenticating after a roam.
	MobikeSupported bool

	Children map[uint32]*ChildSA // keyed by ReqID

	Name       string // administrative name, from config
	ConfigName string

	CreatedAt    time.Time
	LastActivity time.Time

	childReqID uint32

	// InitReqRaw/InitRespRaw are the encoded IKE_SA_INIT request and response,
	// retained for the AUTH payload's signed-octets computation (RFC 7296
	// §2.15): each side's AUTH covers its own first message concatenated with
	// the peer's nonce and a prf of its own identity.
	InitReqRaw, InitRespRaw []byte
}

// New constructs a freshly created IKE_SA. Keys are filled in later by
// DeriveIKEKeys once IKE_SA_INIT completes.
func New(isInitiator bool) *IKESA {
	return &IKESA{
		IsInitiator: isInitiator,
		State:       StateCreated,
		Children:    make(map[uint32]*ChildSA),
		CreatedAt:   time.Now(),
	}
}

// DeriveIKEKeys computes SKEYSEED and the seven derived keys per RFC 7296
// §2.14: SKEYSEED = prf(Ni|Nr, g^ir); KEYMAT = prf+(SKEYSEED, Ni|Nr|SPIi|SPIr)
// sliced into SK_d, SK_ai, SK_ar, SK_ei, SK_er, SK_pi, SK_pr in that order.
func (sa *IKESA) DeriveIKEKeys(s *suite.Suite, ni, nr *big.Int, dhShared *big.Int) {
	sa.Suite = s
	sa.Ni, sa.Nr = ni.Bytes(), nr.Bytes()

	seed := s.Prf.Func(append(append([]byte{}, sa.Ni...), sa.Nr...), dhShared.Bytes())

	kmLen := 3*s.Prf.Len + 2*s.EncKeyLen() + 2*s.IntegKeyLen
	data := append(append([]byte{}, sa.Ni...), sa.Nr...)
	data = append(data, sa.SpiI[:]...)
	data = append(data, sa.SpiR[:]...)
	keymat := s.PRFPlus(seed, data, kmLen)

	off := 0
	take := func(n int) []byte {
		b := keymat[off : off+n]
		off += n
		return b
	}
	sa.SKd = take(s.Prf.Len)
	sa.SKai = take(s.IntegKeyLen)
	sa.SKar = take(s.IntegKeyLen)
	sa.SKei = take(s.EncKeyLen())
	sa.SKer = take(s.EncKeyLen())
	sa.SKpi = take(s.Prf.Len)
	sa.SKpr = take(s.Prf.Len)

	suite.Zeroize(seed)
}

// DeriveRekeyedKeys computes the replacement IKE_SA's keys per RFC 7296
// §2.18: SKEYSEED = prf(SK_d of the rekeyed SA, Ni | Nr | g^ir), then the
// same KEYMAT slicing DeriveIKEKeys uses. old is the IKE_SA being replaced;
// sa is the new one, already carrying its own SpiI/SpiR.
func (sa *IKESA) DeriveRekeyedKeys(old *IKESA, s *suite.Suite, ni, nr *big.Int, dhShared *big.Int) {
	sa.Suite = s
	sa.Ni, sa.Nr = ni.Bytes(), nr.Bytes()

	seed := s.Prf.Func(old.SKd, append(append(append([]byte{}, sa.Ni...), sa.Nr...), dhShared.Bytes()...))

	kmLen := 3*s.Prf.Len + 2*s.EncKeyLen() + 2*s.IntegKeyLen
	data := append(append([]byte{}, sa.Ni...), sa.Nr...)
	data = append(data, sa.SpiI[:]...)
	data = append(data, sa.SpiR[:]...)
	keymat := s.PRFPlus(seed, data, kmLen)

	off := 0
	take := func(n int) []byte {
		b := keymat[off : off+n]
		off += n
		return b
	}
	sa.SKd = take(s.Prf.Len)
	sa.SKai = take(s.IntegKeyLen)
	sa.SKar = take(s.IntegKeyLen)
	sa.SKei = take(s.EncKeyLen())
	sa.SKer = take(s.EncKeyLen())
	sa.SKpi = take(s.Prf.Len)
	sa.SKpr = take(s.Prf.Len)

	suite.Zeroize(seed)
}

// EncryptKey returns the key this side uses to encrypt its own messages.
func (sa *IKESA) EncryptKey() []byte {
	if sa.IsInitiator {
		return sa.SKei
	}
	return sa.SKer
}

// DecryptKey returns the key this side uses to decrypt the peer's messages.
func (sa *IKESA) DecryptKey() []byte {
	if sa.IsInitiator {
		return sa.SKer
	}
	return sa.SKei
}

// IntegKeyOut / IntegKeyIn mirror EncryptKey/DecryptKey for the MAC keys
// (relevant only for non-AEAD suites, where SK_a{i,r} back the ICV).
func (sa *IKESA) IntegKeyOut() []byte {
	if sa.IsInitiator {
		return sa.SKai
	}
	return sa.SKar
}

func (sa *IKESA) IntegKeyIn() []byte {
	if sa.IsInitiator {
		return sa.SKar
	}
	return sa.SKai
}

// AuthKeyOut / AuthKeyIn select SK_p{i,r} for the AUTH payload's MAC input,
// per RFC 7296 §2.15.
func (sa *IKESA) AuthKeyOut() []byte {
	if sa.IsInitiator {
		return sa.SKpi
	}
	return sa.SKpr
}

func (sa *IKESA) AuthKeyIn() []byte {
	if sa.IsInitiator {
		return sa.SKpr
	}
	return sa.SKpi
}

// DeriveChildKeys computes KEYMAT = prf+(SK_d, [g^ir_new |] Ni | Nr) and
// slices it in order (encr_i, integ_i, encr_r, integ_r), honoring s's exact
// negotiated key sizes. dhShared is nil unless this CHILD_SA negotiated PFS.
func (sa *IKESA) DeriveChildKeys(s *suite.Suite, ni, nr []byte, dhShared *big.Int) (encrI, integI, encrR, integR []byte) {
	data := []byte{}
	if dhShared != nil {
		data = append(data, dhShared.Bytes()...)
	}
	data = append(data, ni...)
	data = append(data, nr...)

	kmLen := 2*s.EncKeyLen() + 2*s.IntegKeyLen
	keymat := s.PRFPlus(sa.SKd, data, kmLen)

	off := 0
	take := func(n int) []byte {
		b := keymat[off : off+n]
		off += n
		return b
	}
	encrI = take(s.EncKeyLen())
	integI = take(s.IntegKeyLen)
	encrR = take(s.EncKeyLen())
	integR = take(s.IntegKeyLen)
	return
}

// NextChildReqID hands out the next locally-unique CHILD_SA request id.
func (sa *IKESA) NextChildReqID() uint32 {
	sa.childReqID++
	return sa.childReqID
}

// NextRequestID returns the message-id for our next outgoing request and
// advances the counter. Only call once the prior request's response (or a
// retransmit-budget failure) has been observed — message-ids advance only
// after a full successful exchange.
func (sa *IKESA) NextRequestID() uint32 {
	id := sa.msgIDReq
	sa.msgIDReq++
	return id
}

// PeekRequestID reports the message-id that NextRequestID will return next,
// without consuming it — used to validate an inbound response's id.
func (sa *IKESA) PeekRequestID() uint32 { return sa.msgIDReq }

// ExpectedRequestID is the message-id expected of the peer's next request.
func (sa *IKESA) ExpectedRequestID() uint32 { return sa.msgIDResp }

// AdvanceResponderID is called once a request has been fully processed and
// its response sent, advancing the expected-in counter.
func (sa *IKESA) AdvanceResponderID() {
	sa.msgIDResp++
}

// Zeroize wipes all derived key material, called on destroy.
func (sa *IKESA) Zeroize() {
	suite.Zeroize(sa.SKd, sa.SKai, sa.SKar, sa.SKei, sa.SKer, sa.SKpi, sa.SKpr)
	for _, c := range sa.Children {
		c.Zeroize()
	}
}

// Transition moves the IKE_SA to a new state. It does not validate that the
// transition is legal; callers (the task engine) are expected to only drive
// the allowed state-machine transitions.
func (sa *IKESA) Transition(to State) {
	sa.State = to
}

// LowerNonce reports whether our nonce is numerically lower than the peer's,
// both read as unsigned big-endian integers, used to resolve simultaneous IKE_SA/CHILD_SA rekey collisions
// ("lower nonce wins").
func LowerNonce(mine, theirs []byte) bool {
	return new(big.Int).SetBytes(mine).Cmp(new(big.Int).SetBytes(theirs)) < 0
}
