package wire

import (
	"encoding/binary"
	"net"

	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/proto"
)

// Payload is satisfied by every concrete payload body; the generic header
// (next-payload, critical bit, length) is handled by the Message codec, not
// by the payload itself.
type Payload interface {
	Type() proto.PayloadType
	Encode() []byte
}

// --- SA / Proposal / Transform ---------------------------------------------

const (
	attrKeyLength        = 14
	minTransformLen      = 8
	minProposalLen       = 8
	minAttrLen           = 4
)

// Attribute is a transform attribute; this codec only implements the
// fixed-length Key Length attribute IKEv2 actually uses.
type Attribute struct {
	Type  uint16
	Value uint16
}

// Transform is one algorithm choice within a Proposal.
type Transform struct {
	Type   proto.TransformType
	ID     uint16
	KeyLen uint16 // 0 if the transform carries no Key Length attribute
}

func decodeTransform(b []byte) (t Transform, isLast bool, used int, err error) {
	if len(b) < minTransformLen {
		return Transform{}, false, 0, ikeerr.ErrShortPacket
	}
	isLast = b[0] == 0
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < minTransformLen || length > len(b) {
		return Transform{}, false, 0, ikeerr.ErrBadLength
	}
	t.Type = proto.TransformType(b[4])
	t.ID = binary.BigEndian.Uint16(b[6:8])
	rest := b[minTransformLen:length]
	for len(rest) > 0 {
		if len(rest) < minAttrLen {
			return Transform{}, false, 0, ikeerr.ErrUnexpectedSyntax
		}
		at := binary.BigEndian.Uint16(rest[0:2]) &^ 0x8000
		av := binary.BigEndian.Uint16(rest[2:4])
		if at == attrKeyLength {
			t.KeyLen = av
		}
		rest = rest[minAttrLen:]
	}
	return t, isLast, length, nil
}

func encodeTransform(t Transform, isLast bool) []byte {
	b := make([]byte, minTransformLen)
	if !isLast {
		b[0] = 3
	}
	b[4] = byte(t.Type)
	binary.BigEndian.PutUint16(b[6:8], t.ID)
	if t.KeyLen != 0 {
		attr := make([]byte, minAttrLen)
		binary.BigEndian.PutUint16(attr[0:2], 0x8000|attrKeyLength)
		binary.BigEndian.PutUint16(attr[2:4], t.KeyLen)
		b = append(b, attr...)
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// Proposal is one numbered alternative within an SA payload.
type Proposal struct {
	Number     uint8
	Protocol   proto.ProtocolID
	SPI        []byte
	Transforms []Transform
}

func decodeProposal(b []byte) (p Proposal, isLast bool, used int, err error) {
	if len(b) < minProposalLen {
		return Proposal{}, false, 0, ikeerr.ErrShortPacket
	}
	isLast = b[0] == 0
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < minProposalLen || length > len(b) {
		return Proposal{}, false, 0, ikeerr.ErrBadLength
	}
	p.Number = b[4]
	p.Protocol = proto.ProtocolID(b[5])
	spiLen := int(b[6])
	numTransforms := int(b[7])
	if minProposalLen+spiLen > length {
		return Proposal{}, false, 0, ikeerr.ErrBadLength
	}
	p.SPI = append([]byte{}, b[minProposalLen:minProposalLen+spiLen]...)
	rest := b[minProposalLen+spiLen : length]
	for len(rest) > 0 {
		t, last, n, terr := decodeTransform(rest)
		if terr != nil {
			return Proposal{}, false, 0, terr
		}
		p.Transforms = append(p.Transforms, t)
		rest = rest[n:]
		if last {
			break
		}
	}
	if len(rest) != 0 || len(p.Transforms) != numTransforms {
		return Proposal{}, false, 0, ikeerr.ErrUnexpectedSyntax
	}
	return p, isLast, length, nil
}

func encodeProposal(p Proposal, isLast bool) []byte {
	b := make([]byte, minProposalLen)
	if !isLast {
		b[0] = 2
	}
	b[4] = p.Number
	b[5] = byte(p.Protocol)
	b[6] = byte(len(p.SPI))
	b[7] = byte(len(p.Transforms))
	b = append(b, p.SPI...)
	for i, t := range p.Transforms {
		b = append(b, encodeTransform(t, i == len(p.Transforms)-1)...)
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// SAPayload carries one or more candidate proposals.
type SAPayload struct {
	Proposals []Proposal
}

func (s *SAPayload) Type() proto.PayloadType { return proto.PayloadSA }

func (s *SAPayload) Encode() []byte {
	var b []byte
	for i, p := range s.Proposals {
		b = append(b, encodeProposal(p, i == len(s.Proposals)-1)...)
	}
	return b
}

func decodeSAPayload(b []byte) (*SAPayload, error) {
	s := &SAPayload{}
	for len(b) > 0 {
		p, last, used, err := decodeProposal(b)
		if err != nil {
			return nil, err
		}
		s.Proposals = append(s.Proposals, p)
		b = b[used:]
		if last {
			break
		}
	}
	if len(b) != 0 {
		return nil, ikeerr.ErrUnexpectedSyntax
	}
	return s, nil
}

// --- KE ----------------------------------------------------------------

// KEPayload carries one side's Diffie-Hellman public value.
type KEPayload struct {
	DHGroup proto.DHID
	KeyData []byte
}

func (k *KEPayload) Type() proto.PayloadType { return proto.PayloadKE }

func (k *KEPayload) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(k.DHGroup))
	return append(b, k.KeyData...)
}

func decodeKEPayload(b []byte) (*KEPayload, error) {
	if len(b) < 4 {
		return nil, ikeerr.ErrShortPacket
	}
	return &KEPayload{
		DHGroup: proto.DHID(binary.BigEndian.Uint16(b[0:2])),
		KeyData: append([]byte{}, b[4:]...),
	}, nil
}

// --- IDi / IDr ------------------------------------------------------------

// IDPayload carries either an initiator or responder identity; which one it
// is comes from the enclosing generic header's payload type, not from any
// field inside the body.
type IDPayload struct {
	payloadType proto.PayloadType
	IDType      proto.IDType
	Data        []byte
}

func NewIDPayload(initiator bool, idType proto.IDType, data []byte) *IDPayload {
	pt := proto.PayloadIDr
	if initiator {
		pt = proto.PayloadIDi
	}
	return &IDPayload{payloadType: pt, IDType: idType, Data: data}
}

func (p *IDPayload) Type() proto.PayloadType { return p.payloadType }

func (p *IDPayload) Encode() []byte {
	b := []byte{byte(p.IDType), 0, 0, 0}
	return append(b, p.Data...)
}

func decodeIDPayload(pt proto.PayloadType, b []byte) (*IDPayload, error) {
	if len(b) < 4 {
		return nil, ikeerr.ErrShortPacket
	}
	return &IDPayload{payloadType: pt, IDType: proto.IDType(b[0]), Data: append([]byte{}, b[4:]...)}, nil
}

// --- CERT / CERTREQ --------------------------------------------------------

// CertPayload carries a single encoded certificate or a CA key hash for
// CERTREQ; Encoding names the format from RFC 7296 §3.6's registry (4 =
// X.509 Certificate - Signature is the only one this daemon emits).
type CertPayload struct {
	Req      bool
	Encoding uint8
	Data     []byte
}

// NewCertReqPayload builds a CERTREQ payload naming the CA this side will
// accept a certificate chaining to, encoding carrying the CA's public key
// hash per RFC 7296 §3.7.
func NewCertReqPayload(encoding uint8, caHash []byte) *CertPayload {
	return &CertPayload{Req: true, Encoding: encoding, Data: caHash}
}

// NewCertPayload builds a CERT payload carrying one encoded certificate.
func NewCertPayload(encoding uint8, data []byte) *CertPayload {
	return &CertPayload{Req: false, Encoding: encoding, Data: data}
}

func (c *CertPayload) Type() proto.PayloadType {
	if c.Req {
		return proto.PayloadCERTREQ
	}
	return proto.PayloadCERT
}

func (c *CertPayload) Encode() []byte { return append([]byte{c.Encoding}, c.Data...) }

func decodeCertPayload(req bool, b []byte) (*CertPayload, error) {
	if len(b) < 1 {
		return nil, ikeerr.ErrShortPacket
	}
	return &CertPayload{Req: req, Encoding: b[0], Data: append([]byte{}, b[1:]...)}, nil
}

// --- AUTH -------------------------------------------------------------

// AuthPayload carries the AUTH value proving possession of the credential
// named by IDi/IDr.
type AuthPayload struct {
	Method proto.AuthMethod
	Data   []byte
}

func (a *AuthPayload) Type() proto.PayloadType { return proto.PayloadAUTH }

func (a *AuthPayload) Encode() []byte {
	b := []byte{byte(a.Method), 0, 0, 0}
	return append(b, a.Data...)
}

func decodeAuthPayload(b []byte) (*AuthPayload, error) {
	if len(b) < 4 {
		return nil, ikeerr.ErrShortPacket
	}
	return &AuthPayload{Method: proto.AuthMethod(b[0]), Data: append([]byte{}, b[4:]...)}, nil
}

// --- Nonce ------------------------------------------------------------

// NoncePayload is 16 to 256 octets of nonce data (RFC 7296 §3.9).
type NoncePayload struct {
	Data []byte
}

func (n *NoncePayload) Type() proto.PayloadType { return proto.PayloadNonce }
func (n *NoncePayload) Encode() []byte          { return n.Data }

func decodeNoncePayload(b []byte) (*NoncePayload, error) {
	if len(b) < 16 || len(b) > 256 {
		return nil, ikeerr.ErrUnexpectedSyntax
	}
	return &NoncePayload{Data: append([]byte{}, b...)}, nil
}

// --- Notify -------------------------------------------------------------

// NotifyPayload is either a status hint or an error notification; SPI is
// empty except when it names a CHILD_SA the notification is about.
type NotifyPayload struct {
	Protocol proto.ProtocolID
	Type_    proto.NotifyType
	SPI      []byte
	Data     []byte
}

func (n *NotifyPayload) Type() proto.PayloadType { return proto.PayloadN }

func (n *NotifyPayload) Encode() []byte {
	b := []byte{byte(n.Protocol), byte(len(n.SPI)), 0, 0}
	binary.BigEndian.PutUint16(b[2:4], uint16(n.Type_))
	b = append(b, n.SPI...)
	return append(b, n.Data...)
}

func decodeNotifyPayload(b []byte) (*NotifyPayload, error) {
	if len(b) < 4 {
		return nil, ikeerr.ErrShortPacket
	}
	spiLen := int(b[1])
	if len(b) < 4+spiLen {
		return nil, ikeerr.ErrBadLength
	}
	return &NotifyPayload{
		Protocol: proto.ProtocolID(b[0]),
		Type_:    proto.NotifyType(binary.BigEndian.Uint16(b[2:4])),
		SPI:      append([]byte{}, b[4:4+spiLen]...),
		Data:     append([]byte{}, b[4+spiLen:]...),
	}, nil
}

// --- Delete ---------------------------------------------------------------

// DeletePayload names SAs of Protocol to be deleted; for PROTO_IKE the SPI
// list is always empty (the enclosing message's header SPIs name the SA).
type DeletePayload struct {
	Protocol proto.ProtocolID
	SPISize  uint8
	SPIs     [][]byte
}

func (d *DeletePayload) Type() proto.PayloadType { return proto.PayloadD }

func (d *DeletePayload) Encode() []byte {
	b := []byte{byte(d.Protocol), d.SPISize, 0, 0}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(d.SPIs)))
	for _, spi := range d.SPIs {
		b = append(b, spi...)
	}
	return b
}

func decodeDeletePayload(b []byte) (*DeletePayload, error) {
	if len(b) < 4 {
		return nil, ikeerr.ErrShortPacket
	}
	d := &DeletePayload{Protocol: proto.ProtocolID(b[0]), SPISize: b[1]}
	numSPIs := int(binary.BigEndian.Uint16(b[2:4]))
	rest := b[4:]
	for i := 0; i < numSPIs; i++ {
		if len(rest) < int(d.SPISize) {
			return nil, ikeerr.ErrBadLength
		}
		d.SPIs = append(d.SPIs, append([]byte{}, rest[:d.SPISize]...))
		rest = rest[d.SPISize:]
	}
	if len(rest) != 0 {
		return nil, ikeerr.ErrUnexpectedSyntax
	}
	return d, nil
}

// --- Vendor ID --------------------------------------------------------

// VendorPayload is an opaque vendor identification string.
type VendorPayload struct {
	Data []byte
}

func (v *VendorPayload) Type() proto.PayloadType { return proto.PayloadV }
func (v *VendorPayload) Encode() []byte          { return v.Data }

func decodeVendorPayload(b []byte) (*VendorPayload, error) {
	return &VendorPayload{Data: append([]byte{}, b...)}, nil
}

// --- Traffic Selectors ------------------------------------------------

const minSelectorLen = 8

// Selector is a single traffic selector entry.
type Selector struct {
	Type         proto.SelectorType
	IPProtocolID uint8
	StartPort    uint16
	EndPort      uint16
	StartAddress net.IP
	EndAddress   net.IP
}

func decodeSelector(b []byte) (Selector, int, error) {
	if len(b) < minSelectorLen {
		return Selector{}, 0, ikeerr.ErrShortPacket
	}
	stype := proto.SelectorType(b[0])
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length > len(b) {
		return Selector{}, 0, ikeerr.ErrBadLength
	}
	ipLen := net.IPv4len
	if stype == proto.TS_IPV6_ADDR_RANGE {
		ipLen = net.IPv6len
	}
	if length < minSelectorLen+2*ipLen {
		return Selector{}, 0, ikeerr.ErrBadLength
	}
	sel := Selector{
		Type:         stype,
		IPProtocolID: b[1],
		StartPort:    binary.BigEndian.Uint16(b[4:6]),
		EndPort:      binary.BigEndian.Uint16(b[6:8]),
		StartAddress: append(net.IP{}, b[8:8+ipLen]...),
		EndAddress:   append(net.IP{}, b[8+ipLen:8+2*ipLen]...),
	}
	return sel, length, nil
}

func encodeSelector(sel Selector) []byte {
	ipLen := net.IPv4len
	if sel.Type == proto.TS_IPV6_ADDR_RANGE {
		ipLen = net.IPv6len
	}
	b := make([]byte, minSelectorLen)
	b[0] = byte(sel.Type)
	b[1] = sel.IPProtocolID
	binary.BigEndian.PutUint16(b[4:6], sel.StartPort)
	binary.BigEndian.PutUint16(b[6:8], sel.EndPort)
	b = append(b, sel.StartAddress.To16()[16-ipLen:]...)
	b = append(b, sel.EndAddress.To16()[16-ipLen:]...)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// TSPayload carries the initiator's or responder's traffic selector set.
type TSPayload struct {
	initiator bool
	Selectors []Selector
}

func NewTSPayload(initiator bool, sels []Selector) *TSPayload {
	return &TSPayload{initiator: initiator, Selectors: sels}
}

func (t *TSPayload) Type() proto.PayloadType {
	if t.initiator {
		return proto.PayloadTSi
	}
	return proto.PayloadTSr
}

func (t *TSPayload) Encode() []byte {
	b := []byte{byte(len(t.Selectors)), 0, 0, 0}
	for _, s := range t.Selectors {
		b = append(b, encodeSelector(s)...)
	}
	return b
}

func decodeTSPayload(pt proto.PayloadType, b []byte) (*TSPayload, error) {
	if len(b) < 4 {
		return nil, ikeerr.ErrShortPacket
	}
	numSel := int(b[0])
	t := &TSPayload{initiator: pt == proto.PayloadTSi}
	rest := b[4:]
	for len(rest) > 0 {
		sel, used, err := decodeSelector(rest)
		if err != nil {
			return nil, err
		}
		t.Selectors = append(t.Selectors, sel)
		rest = rest[used:]
	}
	if len(t.Selectors) != numSel {
		return nil, ikeerr.ErrUnexpectedSyntax
	}
	return t, nil
}

// --- Configuration (CP) ------------------------------------------------

// ConfigAttribute is one INTERNAL_IP4_ADDRESS/DNS/etc attribute of a CP
// payload, used for virtual-IP assignment in tunnel mode.
type ConfigAttribute struct {
	Type uint16
	Data []byte
}

// ConfigType distinguishes a CFG_REQUEST from a CFG_REPLY.
type ConfigType uint8

const (
	CFG_REQUEST ConfigType = 1
	CFG_REPLY   ConfigType = 2
)

// CPPayload negotiates virtual-IP / DNS configuration attributes.
type CPPayload struct {
	CfgType    ConfigType
	Attributes []ConfigAttribute
}

func (c *CPPayload) Type() proto.PayloadType { return proto.PayloadCP }

func (c *CPPayload) Encode() []byte {
	b := []byte{byte(c.CfgType), 0, 0, 0}
	for _, a := range c.Attributes {
		ah := make([]byte, 4)
		binary.BigEndian.PutUint16(ah[0:2], a.Type&0x7fff)
		binary.BigEndian.PutUint16(ah[2:4], uint16(len(a.Data)))
		b = append(b, ah...)
		b = append(b, a.Data...)
	}
	return b
}

func decodeCPPayload(b []byte) (*CPPayload, error) {
	if len(b) < 4 {
		return nil, ikeerr.ErrShortPacket
	}
	c := &CPPayload{CfgType: ConfigType(b[0])}
	rest := b[4:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, ikeerr.ErrUnexpectedSyntax
		}
		at := binary.BigEndian.Uint16(rest[0:2]) & 0x7fff
		al := int(binary.BigEndian.Uint16(rest[2:4]))
		if len(rest) < 4+al {
			return nil, ikeerr.ErrBadLength
		}
		c.Attributes = append(c.Attributes, ConfigAttribute{Type: at, Data: append([]byte{}, rest[4:4+al]...)})
		rest = rest[4+al:]
	}
	return c, nil
}

// --- EAP -------------------------------------------------------------

// EAPPayload carries an opaque EAP message (RFC 3748) exchanged during
// IKE_AUTH when the configured authentication method is EAP-based.
type EAPPayload struct {
	Data []byte
}

func (e *EAPPayload) Type() proto.PayloadType { return proto.PayloadEAP }
func (e *EAPPayload) Encode() []byte          { return e.Data }

func decodeEAPPayload(b []byte) (*EAPPayload, error) {
	if len(b) < 4 {
		return nil, ikeerr.ErrShortPacket
	}
	return &EAPPayload{Data: append([]byte{}, b...)}, nil
}
