package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/proto"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		ExchangeType: proto.IKE_SA_INIT,
		Flags:        proto.FlagInitiator,
		MessageID:    42,
		Length:       proto.IKEHeaderLen,
	}
	h.SpiI[0] = 0xab
	h.SpiR[7] = 0xcd

	b := h.Encode()
	require.Len(t, b, proto.IKEHeaderLen)

	got, err := DecodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h.SpiI, got.SpiI)
	assert.Equal(t, h.SpiR, got.SpiR)
	assert.Equal(t, h.ExchangeType, got.ExchangeType)
	assert.True(t, got.Flags.IsInitiator())
	assert.False(t, got.Flags.IsResponse())
	assert.EqualValues(t, 42, got.MessageID)
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, 10))
	assert.Error(t, err)
}

func TestDecodeHeaderLengthExceedsBuffer(t *testing.T) {
	h := &Header{Length: 1000}
	b := h.Encode()
	_, err := DecodeHeader(b)
	assert.Error(t, err)
}

func TestDecodeHeaderLengthBelowHeaderSize(t *testing.T) {
	h := &Header{Length: 4}
	b := h.Encode()
	_, err := DecodeHeader(b)
	assert.Error(t, err)
}
