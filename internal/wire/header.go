// Package wire implements the IKEv2 header and payload codec (component A):
// fixed 28-byte header, chained generic payloads, SK encryption/decryption
// and SKF fragment reassembly. It depends only on internal/proto for wire
// constants and internal/suite for the cryptographic primitives an SK
// payload needs; it never reaches into internal/ikesa or internal/task.
package wire

import (
	"encoding/binary"

	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/proto"
)

// Header is the fixed 28-octet IKEv2 message header (RFC 7296 §3.1).
type Header struct {
	SpiI, SpiR   proto.Spi
	NextPayload  proto.PayloadType
	MajorVersion uint8
	MinorVersion uint8
	ExchangeType proto.ExchangeType
	Flags        proto.Flags
	MessageID    uint32
	Length       uint32
}

// DecodeHeader parses the fixed header from the front of b.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < proto.IKEHeaderLen {
		return nil, ikeerr.ErrShortPacket
	}
	h := &Header{}
	copy(h.SpiI[:], b[0:8])
	copy(h.SpiR[:], b[8:16])
	h.NextPayload = proto.PayloadType(b[16])
	h.MajorVersion = b[17] >> 4
	h.MinorVersion = b[17] & 0x0f
	h.ExchangeType = proto.ExchangeType(b[18])
	h.Flags = proto.Flags(b[19])
	h.MessageID = binary.BigEndian.Uint32(b[20:24])
	h.Length = binary.BigEndian.Uint32(b[24:28])
	if h.Length < proto.IKEHeaderLen || int(h.Length) > len(b) {
		return nil, ikeerr.ErrBadLength
	}
	return h, nil
}

// Encode serializes the header. Length must already reflect the full
// message size; callers patch it in after the payload chain is built.
func (h *Header) Encode() []byte {
	b := make([]byte, proto.IKEHeaderLen)
	copy(b[0:8], h.SpiI[:])
	copy(b[8:16], h.SpiR[:])
	b[16] = byte(h.NextPayload)
	b[17] = h.MajorVersion<<4 | h.MinorVersion
	b[18] = byte(h.ExchangeType)
	b[19] = byte(h.Flags)
	binary.BigEndian.PutUint32(b[20:24], h.MessageID)
	binary.BigEndian.PutUint32(b[24:28], h.Length)
	return b
}

// genericHeader is the 4-octet payload header preceding every payload body.
type genericHeader struct {
	NextPayload proto.PayloadType
	Critical    bool
	Length      uint16
}

func decodeGenericHeader(b []byte) (genericHeader, error) {
	if len(b) < proto.PayloadHeaderLen {
		return genericHeader{}, ikeerr.ErrShortPacket
	}
	h := genericHeader{
		NextPayload: proto.PayloadType(b[0]),
		Critical:    b[1]&0x80 != 0,
		Length:      binary.BigEndian.Uint16(b[2:4]),
	}
	if int(h.Length) < proto.PayloadHeaderLen {
		return genericHeader{}, ikeerr.ErrBadLength
	}
	return h, nil
}

func encodeGenericHeader(next proto.PayloadType, critical bool, bodyLen int) []byte {
	b := make([]byte, proto.PayloadHeaderLen)
	b[0] = byte(next)
	if critical {
		b[1] = 0x80
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(bodyLen+proto.PayloadHeaderLen))
	return b
}
