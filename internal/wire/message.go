package wire

import (
	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/suite"
)

// Message is a fully decoded IKEv2 message: header plus an ordered payload
// chain. SK/SKF payloads are transparent to callers — Decode already
// decrypted and reassembled them into Payloads before returning.
type Message struct {
	Header   Header
	Payloads []Payload
}

// Encode serializes the message. If s is non-nil, everything in Payloads
// after the header is wrapped in a single SK payload using encKey/integKey;
// s nil is only valid for the unencrypted IKE_SA_INIT exchange.
func (m *Message) Encode(s *suite.Suite, encKey, integKey []byte) ([]byte, error) {
	if s == nil {
		return m.encodePlain(), nil
	}
	if len(m.Payloads) == 0 {
		return nil, ikeerr.New(ikeerr.KindInternal, nil, "encrypted message with no payloads")
	}
	var clear []byte
	for i, p := range m.Payloads {
		next := proto.PayloadNone
		if i < len(m.Payloads)-1 {
			next = m.Payloads[i+1].Type()
		}
		body := p.Encode()
		clear = append(clear, encodeGenericHeader(next, false, len(body))...)
		clear = append(clear, body...)
	}
	hdr := m.Header
	return EncryptSK(&hdr, m.Payloads[0].Type(), clear, s, encKey, integKey)
}

func (m *Message) encodePlain() []byte {
	var chain []byte
	for i, p := range m.Payloads {
		next := proto.PayloadNone
		if i < len(m.Payloads)-1 {
			next = m.Payloads[i+1].Type()
		}
		body := p.Encode()
		chain = append(chain, encodeGenericHeader(next, false, len(body))...)
		chain = append(chain, body...)
	}
	hdr := m.Header
	if len(m.Payloads) > 0 {
		hdr.NextPayload = m.Payloads[0].Type()
	} else {
		hdr.NextPayload = proto.PayloadNone
	}
	hdr.Length = uint32(proto.IKEHeaderLen + len(chain))
	return append(hdr.Encode(), chain...)
}

// Decode parses a complete on-wire message. If the message's first payload
// is SK, s/encKey/integKey must be supplied to decrypt it; reassembler, if
// non-nil, is consulted for SKF fragments and may return ErrFragment to
// signal that decoding should stop until the remaining fragments arrive.
func Decode(b []byte, s *suite.Suite, encKey, integKey []byte, reassembler *Reassembler) (*Message, error) {
	hdr, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	b = b[:hdr.Length]
	m := &Message{Header: *hdr}

	body := b[proto.IKEHeaderLen:]
	next := hdr.NextPayload

	if next == proto.PayloadSKF {
		if reassembler == nil {
			return nil, ikeerr.New(ikeerr.KindParse, nil, "fragmented message with no reassembler")
		}
		if s == nil {
			return nil, ikeerr.New(ikeerr.KindInternal, nil, "fragmented message decoded before keys available")
		}
		complete, firstInner, clear, ferr := reassembler.Add(*hdr, b, proto.IKEHeaderLen+proto.PayloadHeaderLen, s, encKey, integKey)
		if ferr != nil {
			return nil, ferr
		}
		if !complete {
			return nil, ErrFragment
		}
		payloads, perr := decodeChain(firstInner, clear)
		if perr != nil {
			return nil, perr
		}
		m.Payloads = payloads
		return m, nil
	}

	if next == proto.PayloadSK {
		if len(body) < proto.PayloadHeaderLen {
			return nil, ikeerr.ErrShortPacket
		}
		skHdr, err := decodeGenericHeader(body)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, ikeerr.New(ikeerr.KindInternal, nil, "encrypted message decoded before keys available")
		}
		clear, err := DecryptSK(b, proto.IKEHeaderLen+proto.PayloadHeaderLen, s, encKey, integKey)
		if err != nil {
			return nil, err
		}
		payloads, err := decodeChain(skHdr.NextPayload, clear)
		if err != nil {
			return nil, err
		}
		m.Payloads = payloads
		return m, nil
	}

	payloads, err := decodeChain(next, body)
	if err != nil {
		return nil, err
	}
	m.Payloads = payloads
	return m, nil
}

// decodeChain walks a generic-payload-header chain, decoding each body by
// the type named in the preceding header. An unrecognized critical payload
// aborts with ErrUnknownCriticalPayload; an unrecognized non-critical one is
// skipped, per RFC 7296 §3.2.
func decodeChain(first proto.PayloadType, b []byte) ([]Payload, error) {
	var out []Payload
	pt := first
	for pt != proto.PayloadNone {
		if len(b) < proto.PayloadHeaderLen {
			return nil, ikeerr.ErrShortPacket
		}
		gh, err := decodeGenericHeader(b)
		if err != nil {
			return nil, err
		}
		bodyLen := int(gh.Length) - proto.PayloadHeaderLen
		if bodyLen < 0 || proto.PayloadHeaderLen+bodyLen > len(b) {
			return nil, ikeerr.ErrBadLength
		}
		bodyBytes := b[proto.PayloadHeaderLen : proto.PayloadHeaderLen+bodyLen]

		p, err := decodeOne(pt, bodyBytes)
		if err != nil {
			if err == errUnknownPayload {
				if gh.Critical {
					return nil, ikeerr.ErrUnknownCriticalPayload
				}
				// silently skipped
			} else {
				return nil, err
			}
		} else {
			out = append(out, p)
		}

		b = b[proto.PayloadHeaderLen+bodyLen:]
		pt = gh.NextPayload
	}
	if len(b) != 0 {
		return nil, ikeerr.ErrUnexpectedSyntax
	}
	return out, nil
}

var errUnknownPayload = ikeerr.New(ikeerr.KindParse, nil, "unrecognized payload type")

func decodeOne(pt proto.PayloadType, b []byte) (Payload, error) {
	switch pt {
	case proto.PayloadSA:
		return decodeSAPayload(b)
	case proto.PayloadKE:
		return decodeKEPayload(b)
	case proto.PayloadIDi, proto.PayloadIDr:
		return decodeIDPayload(pt, b)
	case proto.PayloadCERT:
		return decodeCertPayload(false, b)
	case proto.PayloadCERTREQ:
		return decodeCertPayload(true, b)
	case proto.PayloadAUTH:
		return decodeAuthPayload(b)
	case proto.PayloadNonce:
		return decodeNoncePayload(b)
	case proto.PayloadN:
		return decodeNotifyPayload(b)
	case proto.PayloadD:
		return decodeDeletePayload(b)
	case proto.PayloadV:
		return decodeVendorPayload(b)
	case proto.PayloadTSi, proto.PayloadTSr:
		return decodeTSPayload(pt, b)
	case proto.PayloadCP:
		return decodeCPPayload(b)
	case proto.PayloadEAP:
		return decodeEAPPayload(b)
	default:
		return nil, errUnknownPayload
	}
}
