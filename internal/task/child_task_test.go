package task

import (
	"math/big"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/kernel"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/selector"
	"github.com/ikecore/charon/internal/wire"
)

func childSAPair(t *testing.T) authPair {
	t.Helper()
	pair := authSAPair(t)
	return pair
}

func TestChildCreateTaskNegotiatesAndInstallsBothDirections(t *testing.T) {
	pair := childSAPair(t)
	local, remote := net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2")
	backend := kernel.NewSimBackend([]net.IP{local})

	var installedInit, installedResp *ikesa.ChildSA
	initTask := NewChildCreateTask(true, backend, local, remote, espProposal(), fullRangeSelector(), fullRangeSelector(),
		func(c *ikesa.ChildSA) { installedInit = c })
	respTask := NewChildCreateTask(false, backend, remote, local, espProposal(), fullRangeSelector(), fullRangeSelector(),
		func(c *ikesa.ChildSA) { installedResp = c })

	reqMsg := &wire.Message{}
	_, err := initTask.Build(pair.initiator, reqMsg)
	require.NoError(t, err)

	// the responder's own proposal must carry the inbound SPI the initiator
	// will treat as the peer's SPI once it reads our proposal back.
	respSPI, err := backend.AllocateSPI(remote, local, proto.ProtoESP, 1)
	require.NoError(t, err)

	status, err := respTask.Process(pair.responder, withPeerSPI(reqMsg, respSPI))
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.NotNil(t, installedResp)

	respMsg := &wire.Message{}
	_, err = respTask.Build(pair.responder, respMsg)
	require.NoError(t, err)

	initSPI, err := backend.AllocateSPI(local, remote, proto.ProtoESP, 1)
	require.NoError(t, err)
	status, err = initTask.Process(pair.initiator, withPeerSPI(respMsg, initSPI))
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.NotNil(t, installedInit)

	assert.NotEqual(t, installedInit.EncrOut, installedInit.EncrIn)
	assert.Equal(t, installedInit.EncrOut, installedResp.EncrIn, "initiator's outbound key must equal responder's inbound key")
}

// withPeerSPI rewrites the lone SA payload's chosen proposal to carry spi as
// its responder SPI, the way a real peer's proposal always names the SPI it
// wants traffic sent to.
func withPeerSPI(msg *wire.Message, spi uint32) *wire.Message {
	spiBytes := make([]byte, 4)
	putUint32(spiBytes, spi)
	out := &wire.Message{Header: msg.Header}
	for _, p := range msg.Payloads {
		if sa, ok := p.(*wire.SAPayload); ok {
			props := make([]wire.Proposal, len(sa.Proposals))
			copy(props, sa.Proposals)
			for i := range props {
				props[i].SPI = spiBytes
			}
			out.Payloads = append(out.Payloads, &wire.SAPayload{Proposals: props})
			continue
		}
		out.Payloads = append(out.Payloads, p)
	}
	return out
}

func TestChildCreateTaskNoProposalChosenFails(t *testing.T) {
	pair := childSAPair(t)
	local, remote := net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2")
	backend := kernel.NewSimBackend([]net.IP{local})

	respTask := NewChildCreateTask(false, backend, remote, local, espProposal(), fullRangeSelector(), fullRangeSelector(), nil)
	msg := &wire.Message{Payloads: []wire.Payload{
		&wire.NotifyPayload{Protocol: proto.ProtoESP, Type_: proto.NO_PROPOSAL_CHOSEN},
	}}
	status, err := respTask.Process(pair.responder, msg)
	assert.Equal(t, Failed, status)
	taskErr, ok := err.(*TaskError)
	require.True(t, ok)
	assert.Equal(t, NotifyNoProposalChosen, taskErr.Notify)
}

func TestChildDeleteTaskRemovesMatchingChild(t *testing.T) {
	local, remote := net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2")
	backend := kernel.NewSimBackend([]net.IP{local})

	sa := ikesa.New(true)
	s := authTestSuite(t)
	sa.DeriveIKEKeys(s, big.NewInt(1), big.NewInt(2), big.NewInt(3))

	spiOut, err := backend.AllocateSPI(local, remote, proto.ProtoESP, 1)
	require.NoError(t, err)
	child := &ikesa.ChildSA{ReqID: 1, SPIIn: spiOut, SPIOut: 42, ProtoID: proto.ProtoESP, Suite: s,
		EncrIn: make([]byte, 16), IntegIn: make([]byte, 32), EncrOut: make([]byte, 16), IntegOut: make([]byte, 32)}
	sa.Children[1] = child
	require.NoError(t, backend.InstallSA(kernel.SAParams{Src: remote, Dst: local, SPI: spiOut, Protocol: proto.ProtoESP, ReqID: 1}))

	var deletedSPIs []uint32
	dt := NewChildDeleteTask(false, backend, remote, proto.ProtoESP, nil, func(spis []uint32) { deletedSPIs = spis })

	spiBytes := make([]byte, 4)
	putUint32(spiBytes, spiOut)
	msg := &wire.Message{Payloads: []wire.Payload{
		&wire.DeletePayload{Protocol: proto.ProtoESP, SPISize: 4, SPIs: [][]byte{spiBytes}},
	}}
	status, err := dt.Process(sa, msg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.Len(t, deletedSPIs, 1)
	assert.Equal(t, spiOut, deletedSPIs[0])
	_, stillPresent := sa.Children[1]
	assert.False(t, stillPresent)
}

func TestChildDeleteTaskBuildEncodesSPIs(t *testing.T) {
	backend := kernel.NewSimBackend(nil)
	dt := NewChildDeleteTask(true, backend, net.ParseIP("192.0.2.2"), proto.ProtoESP, []uint32{7, 9}, nil)

	msg := &wire.Message{}
	status, err := dt.Build(ikesa.New(true), msg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.Len(t, msg.Payloads, 1)
	d, ok := msg.Payloads[0].(*wire.DeletePayload)
	require.True(t, ok)
	require.Len(t, d.SPIs, 2)
	assert.Equal(t, uint32(7), getUint32(d.SPIs[0]))
	assert.Equal(t, uint32(9), getUint32(d.SPIs[1]))
}

func TestChildDeleteTaskProcessWithNoMatchingDeleteIsNoOp(t *testing.T) {
	backend := kernel.NewSimBackend(nil)
	dt := NewChildDeleteTask(false, backend, net.ParseIP("192.0.2.2"), proto.ProtoESP, nil, nil)
	sa := ikesa.New(false)
	status, err := dt.Process(sa, &wire.Message{})
	require.NoError(t, err)
	assert.Equal(t, Done, status)
}

func TestInstallChildSAInstallsBothDirectionSAsAndPolicies(t *testing.T) {
	local, remote := net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2")
	backend := kernel.NewSimBackend([]net.IP{local})

	child := &ikesa.ChildSA{
		ReqID: 1, SPIIn: 100, SPIOut: 200, ProtoID: proto.ProtoESP, Mode: proto.ModeTunnel,
		TSi: fullRangeSelector(), TSr: fullRangeSelector(),
		EncrIn: make([]byte, 16), IntegIn: make([]byte, 32),
		EncrOut: make([]byte, 16), IntegOut: make([]byte, 32),
	}
	require.NoError(t, InstallChildSA(backend, local, remote, child))

	_, err := backend.QuerySAUseTime(local, 100, proto.ProtoESP)
	assert.NoError(t, err)
	_, err = backend.QuerySAUseTime(remote, 200, proto.ProtoESP)
	assert.NoError(t, err)
}
