package wire

import (
	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/suite"
)

// EncryptSK wraps the already-encoded inner payload chain in an SK payload
// and returns the complete on-wire message: header, SK generic header,
// ciphertext and, for non-AEAD suites, a trailing ICV. The header's
// NextPayload and Length are set by this call.
//
// For AEAD suites the associated data is the header plus the SK payload's
// own generic header, exactly the prefix RFC 7296 §5.1 requires; for
// CBC+MAC suites the MAC instead covers that same prefix plus the IV and
// ciphertext, matching the encrypt-then-MAC order egorse-ike's tkm.go uses.
func EncryptSK(hdr *Header, firstInner proto.PayloadType, clear []byte, s *suite.Suite, encKey, integKey []byte) ([]byte, error) {
	ctLen := s.CiphertextLen(len(clear))
	trailerLen := 0
	if !s.Encr.IsAEAD() {
		trailerLen = s.IntegTagLen
	}
	skHeader := encodeGenericHeader(firstInner, false, ctLen+trailerLen)

	hdr.NextPayload = proto.PayloadSK
	hdr.Length = uint32(proto.IKEHeaderLen + proto.PayloadHeaderLen + ctLen + trailerLen)
	prefix := append(hdr.Encode(), skHeader...)

	ct, err := s.Encrypt(clear, prefix, encKey)
	if err != nil {
		return nil, err
	}
	full := append(prefix, ct...)
	if !s.Encr.IsAEAD() {
		mac := (*s.Integ)(integKey, full)
		full = append(full, mac...)
	}
	return full, nil
}

// DecryptSK verifies (for CBC+MAC suites) and decrypts an SK payload's body.
// full is the complete on-wire message; skBodyOffset is the offset of the SK
// payload's body (i.e. right after its generic header). It returns the
// decrypted inner payload chain; the caller takes the first inner payload's
// type from the SK payload's generic header.
func DecryptSK(full []byte, skBodyOffset int, s *suite.Suite, encKey, integKey []byte) ([]byte, error) {
	if !s.Encr.IsAEAD() {
		if len(full) < s.IntegTagLen {
			return nil, ikeerr.ErrShortPacket
		}
		signed, tag := full[:len(full)-s.IntegTagLen], full[len(full)-s.IntegTagLen:]
		want := (*s.Integ)(integKey, signed)
		if !constantTimeEqual(want, tag) {
			return nil, ikeerr.ErrIntegrityCheckFailed
		}
		ct := full[skBodyOffset : len(full)-s.IntegTagLen]
		clear, err := s.Decrypt(ct, nil, encKey)
		if err != nil {
			return nil, ikeerr.ErrPaddingInvalid
		}
		return clear, nil
	}
	prefix := full[:skBodyOffset]
	ct := full[skBodyOffset:]
	clear, err := s.Decrypt(ct, prefix, encKey)
	if err != nil {
		return nil, ikeerr.ErrIntegrityCheckFailed
	}
	return clear, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
