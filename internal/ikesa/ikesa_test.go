package ikesa

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/suite"
)

func testSuite(t *testing.T) *suite.Suite {
	t.Helper()
	s, err := suite.Select(suite.TransformSet{
		Encr: proto.ENCR_AES_CBC, EncrKeyLen: 16,
		Integ: proto.AUTH_HMAC_SHA2_256_128,
		Prf:   proto.PRF_HMAC_SHA2_256,
	})
	require.NoError(t, err)
	return s
}

func TestNewIKESAStartsInCreatedState(t *testing.T) {
	sa := New(true)
	assert.Equal(t, StateCreated, sa.State)
	assert.True(t, sa.IsInitiator)
	assert.NotNil(t, sa.Children)
}

func TestDeriveIKEKeysProducesDistinctNonEmptyKeys(t *testing.T) {
	sa := New(true)
	sa.SpiI[0] = 1
	sa.SpiR[0] = 2
	s := testSuite(t)

	ni := big.NewInt(111)
	nr := big.NewInt(222)
	shared := big.NewInt(333444555)

	sa.DeriveIKEKeys(s, ni, nr, shared)

	assert.Len(t, sa.SKd, s.Prf.Len)
	assert.Len(t, sa.SKai, s.IntegKeyLen)
	assert.Len(t, sa.SKar, s.IntegKeyLen)
	assert.Len(t, sa.SKei, s.EncKeyLen())
	assert.Len(t, sa.SKer, s.EncKeyLen())
	assert.Len(t, sa.SKpi, s.Prf.Len)
	assert.Len(t, sa.SKpr, s.Prf.Len)
	assert.NotEqual(t, sa.SKai, sa.SKar)
	assert.NotEqual(t, sa.SKei, sa.SKer)
}

func TestDeriveIKEKeysDeterministic(t *testing.T) {
	s := testSuite(t)
	ni, nr, shared := big.NewInt(1), big.NewInt(2), big.NewInt(3)

	a := New(true)
	a.SpiI[0], a.SpiR[0] = 9, 8
	a.DeriveIKEKeys(s, ni, nr, shared)

	b := New(true)
	b.SpiI[0], b.SpiR[0] = 9, 8
	b.DeriveIKEKeys(s, ni, nr, shared)

	assert.Equal(t, a.SKd, b.SKd)
	assert.Equal(t, a.SKei, b.SKei)
}

func TestEncryptDecryptKeySelectionByRole(t *testing.T) {
	s := testSuite(t)
	initiator := New(true)
	initiator.DeriveIKEKeys(s, big.NewInt(1), big.NewInt(2), big.NewInt(3))
	responder := New(false)
	responder.SKei, responder.SKer = initiator.SKei, initiator.SKer
	responder.SKai, responder.SKar = initiator.SKai, initiator.SKar
	responder.SKpi, responder.SKpr = initiator.SKpi, initiator.SKpr

	assert.Equal(t, initiator.SKei, initiator.EncryptKey())
	assert.Equal(t, initiator.SKer, initiator.DecryptKey())
	assert.Equal(t, responder.SKer, responder.EncryptKey())
	assert.Equal(t, responder.SKei, responder.DecryptKey())

	assert.Equal(t, initiator.SKai, initiator.IntegKeyOut())
	assert.Equal(t, initiator.SKar, initiator.IntegKeyIn())
	assert.Equal(t, responder.SKar, responder.IntegKeyOut())
	assert.Equal(t, responder.SKai, responder.IntegKeyIn())

	assert.Equal(t, initiator.SKpi, initiator.AuthKeyOut())
	assert.Equal(t, initiator.SKpr, initiator.AuthKeyIn())
	assert.Equal(t, responder.SKpr, responder.AuthKeyOut())
	assert.Equal(t, responder.SKpi, responder.AuthKeyIn())
}

func TestDeriveRekeyedKeysDiffersFromOriginal(t *testing.T) {
	s := testSuite(t)
	old := New(true)
	old.SpiI[0], old.SpiR[0] = 1, 2
	old.DeriveIKEKeys(s, big.NewInt(5), big.NewInt(6), big.NewInt(7))

	next := New(true)
	next.SpiI[0], next.SpiR[0] = 3, 4
	next.DeriveRekeyedKeys(old, s, big.NewInt(8), big.NewInt(9), big.NewInt(10))

	assert.NotEqual(t, old.SKd, next.SKd)
	assert.Len(t, next.SKd, s.Prf.Len)
}

func TestDeriveChildKeysWithAndWithoutPFS(t *testing.T) {
	s := testSuite(t)
	sa := New(true)
	sa.SpiI[0], sa.SpiR[0] = 1, 2
	sa.DeriveIKEKeys(s, big.NewInt(1), big.NewInt(2), big.NewInt(3))

	ni, nr := []byte("child-ni"), []byte("child-nr")
	encrI1, integI1, encrR1, integR1 := sa.DeriveChildKeys(s, ni, nr, nil)
	encrI2, integI2, encrR2, integR2 := sa.DeriveChildKeys(s, ni, nr, big.NewInt(987654321))

	assert.Len(t, encrI1, s.EncKeyLen())
	assert.Len(t, integI1, s.IntegKeyLen)
	assert.Len(t, encrR1, s.EncKeyLen())
	assert.Len(t, integR1, s.IntegKeyLen)
	assert.NotEqual(t, encrI1, encrR1)
	assert.NotEqual(t, encrI1, encrI2, "PFS-derived keys must differ from the non-PFS derivation")
	assert.NotEqual(t, integI1, integI2)
}

func TestNextChildReqIDIncrements(t *testing.T) {
	sa := New(true)
	a := sa.NextChildReqID()
	b := sa.NextChildReqID()
	assert.Equal(t, a+1, b)
}

func TestMessageIDDiscipline(t *testing.T) {
	sa := New(true)
	assert.EqualValues(t, 0, sa.PeekRequestID())
	assert.EqualValues(t, 0, sa.NextRequestID())
	assert.EqualValues(t, 1, sa.NextRequestID())
	assert.EqualValues(t, 2, sa.PeekRequestID())

	assert.EqualValues(t, 0, sa.ExpectedRequestID())
	sa.AdvanceResponderID()
	assert.EqualValues(t, 1, sa.ExpectedRequestID())
}

func TestTransitionChangesState(t *testing.T) {
	sa := New(true)
	sa.Transition(StateEstablished)
	assert.Equal(t, StateEstablished, sa.State)
}

func TestLowerNonceComparesAsBigEndianIntegers(t *testing.T) {
	assert.True(t, LowerNonce([]byte{0x00, 0x01}, []byte{0x00, 0x02}))
	assert.False(t, LowerNonce([]byte{0x00, 0x02}, []byte{0x00, 0x01}))
	assert.False(t, LowerNonce([]byte{0x01}, []byte{0x01}))
}

func TestZeroizeClearsKeysAndChildren(t *testing.T) {
	s := testSuite(t)
	sa := New(true)
	sa.SpiI[0], sa.SpiR[0] = 1, 2
	sa.DeriveIKEKeys(s, big.NewInt(1), big.NewInt(2), big.NewInt(3))

	child := &ChildSA{EncrIn: []byte{1, 2, 3}, EncrOut: []byte{4, 5, 6}}
	sa.Children[1] = child

	sa.Zeroize()

	for _, b := range [][]byte{sa.SKd, sa.SKai, sa.SKar, sa.SKei, sa.SKer, sa.SKpi, sa.SKpr} {
		for _, v := range b {
			assert.Zero(t, v)
		}
	}
	for _, v := range child.EncrIn {
		assert.Zero(t, v)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
