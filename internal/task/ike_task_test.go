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
	"github.com/ikecore/charon/internal/suite"
	"github.com/ikecore/charon/internal/wire"
)

func TestIkeDeleteTaskZeroizesChildrenAndTransitions(t *testing.T) {
	local, remote := net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2")
	backend := kernel.NewSimBackend([]net.IP{local})
	sa := ikesa.New(true)
	sa.Transition(ikesa.StateEstablished)
	sa.Children[1] = &ikesa.ChildSA{SPIOut: 5, ProtoID: proto.ProtoESP, EncrIn: []byte{1, 2}}

	var deletedCalled bool
	dt := NewIkeDeleteTask(backend, remote, func() { deletedCalled = true })

	msg := &wire.Message{}
	status, err := dt.Build(sa, msg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.Len(t, msg.Payloads, 1)
	d, ok := msg.Payloads[0].(*wire.DeletePayload)
	require.True(t, ok)
	assert.Equal(t, proto.ProtoIKE, d.Protocol)

	status, err = dt.Process(sa, &wire.Message{})
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.True(t, deletedCalled)
	assert.Empty(t, sa.Children)
	assert.Equal(t, ikesa.StateDestroyed, sa.State)
}

func TestIkeDPDTaskInvokesOnAlive(t *testing.T) {
	var alive bool
	dt := NewIkeDPDTask(func() { alive = true })
	sa := ikesa.New(true)

	status, err := dt.Build(sa, &wire.Message{})
	require.NoError(t, err)
	assert.Equal(t, Done, status)

	status, err = dt.Process(sa, &wire.Message{})
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.True(t, alive)
}

func TestIkeRekeyTaskDerivesNewKeysFromOldSKd(t *testing.T) {
	s := authTestSuite(t)
	oldSA := ikesa.New(true)
	oldSA.SpiI[0], oldSA.SpiR[0] = 1, 2
	oldSA.DeriveIKEKeys(s, big.NewInt(1), big.NewInt(2), big.NewInt(3))

	dh := suite.DHGroupFor(proto.MODP_2048)
	newSA := ikesa.New(true)
	newSA.SpiI[0], newSA.SpiR[0] = 3, 4

	var winner, loser *ikesa.IKESA
	rekeyTask, err := NewIkeRekeyTask(ikeProposal(), dh, newSA, func(w, l *ikesa.IKESA) {
		winner, loser = w, l
	})
	require.NoError(t, err)

	reqMsg := &wire.Message{}
	_, err = rekeyTask.Build(oldSA, reqMsg)
	require.NoError(t, err)

	// simulate the peer's reply: its own proposal/KE/nonce, chosen from our offer
	peerPriv, err := dh.Private(randReaderForTest())
	require.NoError(t, err)
	peerPublic := dh.Public(peerPriv)

	respMsg := &wire.Message{Payloads: []wire.Payload{
		&wire.SAPayload{Proposals: toWireProposals(ikeProposal())},
		&wire.KEPayload{DHGroup: proto.MODP_2048, KeyData: peerPublic.Bytes()},
		&wire.NoncePayload{Data: padNonce(big.NewInt(999).Bytes())},
	}}

	status, err := rekeyTask.Process(oldSA, respMsg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.Same(t, newSA, winner)
	require.Same(t, oldSA, loser)
	assert.NotEqual(t, oldSA.SKd, newSA.SKd)
	assert.Len(t, newSA.SKd, s.Prf.Len)
}

func TestIkeRekeyResponderTaskFailsBuildBeforeProcess(t *testing.T) {
	newSA := ikesa.New(false)
	rekeyTask := NewIkeRekeyResponderTask(ikeProposal(), newSA, nil)
	assert.Nil(t, rekeyTask.Nonce())

	status, err := rekeyTask.Build(ikesa.New(false), &wire.Message{})
	assert.Equal(t, Failed, status)
	assert.Error(t, err)
}

func TestIkeRekeyResponderTaskDerivesKeysAndBuildsReply(t *testing.T) {
	s := authTestSuite(t)
	oldSA := ikesa.New(false)
	oldSA.SpiI[0], oldSA.SpiR[0] = 1, 2
	oldSA.DeriveIKEKeys(s, big.NewInt(1), big.NewInt(2), big.NewInt(3))

	dh := suite.DHGroupFor(proto.MODP_2048)
	newSA := ikesa.New(false)
	newSA.SpiI[0], newSA.SpiR[0] = 3, 4

	var winner, loser *ikesa.IKESA
	rekeyTask := NewIkeRekeyResponderTask(ikeProposal(), newSA, func(w, l *ikesa.IKESA) { winner, loser = w, l })

	peerPriv, err := dh.Private(randReaderForTest())
	require.NoError(t, err)
	peerPublic := dh.Public(peerPriv)

	reqMsg := &wire.Message{Payloads: []wire.Payload{
		&wire.SAPayload{Proposals: toWireProposals(ikeProposal())},
		&wire.KEPayload{DHGroup: proto.MODP_2048, KeyData: peerPublic.Bytes()},
		&wire.NoncePayload{Data: padNonce(big.NewInt(777).Bytes())},
	}}

	status, err := rekeyTask.Process(oldSA, reqMsg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.Same(t, newSA, winner)
	require.Same(t, oldSA, loser)
	assert.NotEmpty(t, rekeyTask.Nonce())

	respMsg := &wire.Message{}
	status, err = rekeyTask.Build(oldSA, respMsg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.Len(t, respMsg.Payloads, 3)
}

func TestIkeConfigTaskInitiatorRequestsAndReceivesAddress(t *testing.T) {
	reqTask := NewIkeConfigTask(true, true, nil)
	msg := &wire.Message{}
	status, err := reqTask.Build(ikesa.New(true), msg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.Len(t, msg.Payloads, 1)
	cp := msg.Payloads[0].(*wire.CPPayload)
	assert.Equal(t, wire.CFG_REQUEST, cp.CfgType)

	var assigned net.IP
	respTask := NewIkeConfigTask(true, false, func(addr net.IP) { assigned = addr })
	reply := &wire.Message{Payloads: []wire.Payload{
		&wire.CPPayload{CfgType: wire.CFG_REPLY, Attributes: []wire.ConfigAttribute{
			{Type: internalIP4Address, Data: net.ParseIP("10.1.2.3").To4()},
		}},
	}}
	status, err = respTask.Process(ikesa.New(true), reply)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.Equal(t, net.ParseIP("10.1.2.3").To4(), assigned)
}

func TestIkeConfigTaskInitiatorFailsWithoutAssignment(t *testing.T) {
	respTask := NewIkeConfigTask(true, false, nil)
	reply := &wire.Message{Payloads: []wire.Payload{
		&wire.CPPayload{CfgType: wire.CFG_REPLY},
	}}
	status, err := respTask.Process(ikesa.New(true), reply)
	assert.Equal(t, Failed, status)
	taskErr, ok := err.(*TaskError)
	require.True(t, ok)
	assert.Equal(t, NotifyTemporaryFailure, taskErr.Notify)
}

func TestIkeConfigTaskResponderRecordsRequestThenBuildsReply(t *testing.T) {
	respTask := NewIkeConfigTask(false, false, nil)
	req := &wire.Message{Payloads: []wire.Payload{
		&wire.CPPayload{CfgType: wire.CFG_REQUEST, Attributes: []wire.ConfigAttribute{{Type: internalIP4Address}}},
	}}
	status, err := respTask.Process(ikesa.New(false), req)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.True(t, respTask.wantAddress)

	respTask.assigned = net.ParseIP("10.9.9.9")
	msg := &wire.Message{}
	status, err = respTask.Build(ikesa.New(false), msg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	cp := msg.Payloads[0].(*wire.CPPayload)
	assert.Equal(t, wire.CFG_REPLY, cp.CfgType)
}

func randReaderForTest() *fixedReader { return &fixedReader{} }

// fixedReader is crypto/rand-compatible but deterministic, since this test
// only needs a valid DH private scalar, not real entropy.
type fixedReader struct{ n byte }

func (r *fixedReader) Read(p []byte) (int, error) {
	for i := range p {
		r.n++
		p[i] = r.n
	}
	return len(p), nil
}
