package task

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/kernel"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/wire"
)

func installedChildSA(t *testing.T, backend *kernel.SimBackend, local, remote net.IP) *ikesa.ChildSA {
	t.Helper()
	require.NoError(t, backend.InstallSA(kernel.SAParams{Src: remote, Dst: local, SPI: 100, Protocol: proto.ProtoESP}))
	require.NoError(t, backend.InstallSA(kernel.SAParams{Src: local, Dst: remote, SPI: 200, Protocol: proto.ProtoESP}))
	return &ikesa.ChildSA{ReqID: 1, SPIIn: 100, SPIOut: 200, ProtoID: proto.ProtoESP}
}

func TestIkeMobikeInitiatorTaskBuildEmitsUpdateNotify(t *testing.T) {
	local, newLocal, remote := net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.9"), net.ParseIP("203.0.113.1")
	backend := kernel.NewSimBackend([]net.IP{local, newLocal, remote})
	mobikeTask := NewIkeMobikeTask(backend, local, newLocal, remote, nil)

	msg := &wire.Message{}
	status, err := mobikeTask.Build(ikesa.New(true), msg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	require.Len(t, msg.Payloads, 1)
	n, ok := msg.Payloads[0].(*wire.NotifyPayload)
	require.True(t, ok)
	assert.Equal(t, proto.UPDATE_SA_ADDRESSES, n.Type_)
}

func TestIkeMobikeResponderTaskBuildSendsEmptyAck(t *testing.T) {
	local, oldRemote, newRemote := net.ParseIP("192.0.2.1"), net.ParseIP("203.0.113.1"), net.ParseIP("203.0.113.9")
	backend := kernel.NewSimBackend([]net.IP{local, oldRemote, newRemote})
	mobikeTask := NewIkeMobikeResponderTask(backend, local, oldRemote, newRemote, nil)

	msg := &wire.Message{}
	status, err := mobikeTask.Build(ikesa.New(false), msg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.Empty(t, msg.Payloads)
}

func TestIkeMobikeTaskProcessMigratesEveryChildAndUpdatesAddresses(t *testing.T) {
	local, newLocal, remote := net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.9"), net.ParseIP("203.0.113.1")
	backend := kernel.NewSimBackend([]net.IP{local, newLocal, remote})
	child := installedChildSA(t, backend, local, remote)

	sa := ikesa.New(true)
	sa.LocalAddr, sa.RemoteAddr = local.String(), remote.String()
	sa.Children[1] = child

	var gotLocal, gotRemote net.IP
	mobikeTask := NewIkeMobikeTask(backend, local, newLocal, remote, func(nl, nr net.IP) { gotLocal, gotRemote = nl, nr })

	status, err := mobikeTask.Process(sa, &wire.Message{})
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.Equal(t, newLocal.String(), sa.LocalAddr)
	assert.Equal(t, remote.String(), sa.RemoteAddr)
	assert.Equal(t, newLocal, gotLocal)
	assert.Equal(t, remote, gotRemote)

	_, err = backend.QuerySAUseTime(newLocal, child.SPIIn, proto.ProtoESP)
	assert.NoError(t, err, "inbound SA should have moved to the new local destination")
	_, err = backend.QuerySAUseTime(remote, child.SPIOut, proto.ProtoESP)
	assert.NoError(t, err, "outbound SA keeps the same remote destination but should still be reachable")
}

func TestIkeMobikeResponderTaskProcessIgnoresMessageWithoutUpdateNotify(t *testing.T) {
	local, oldRemote, newRemote := net.ParseIP("192.0.2.1"), net.ParseIP("203.0.113.1"), net.ParseIP("203.0.113.9")
	backend := kernel.NewSimBackend([]net.IP{local, oldRemote, newRemote})

	sa := ikesa.New(false)
	sa.LocalAddr, sa.RemoteAddr = local.String(), oldRemote.String()

	called := false
	mobikeTask := NewIkeMobikeResponderTask(backend, local, oldRemote, newRemote, func(net.IP, net.IP) { called = true })

	status, err := mobikeTask.Process(sa, &wire.Message{})
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.False(t, called)
	assert.Equal(t, oldRemote.String(), sa.RemoteAddr, "address must not change without the peer's UPDATE_SA_ADDRESSES notify")
}

func TestIkeMobikeResponderTaskProcessAppliesPeerRoam(t *testing.T) {
	local, oldRemote, newRemote := net.ParseIP("192.0.2.1"), net.ParseIP("203.0.113.1"), net.ParseIP("203.0.113.9")
	backend := kernel.NewSimBackend([]net.IP{local, oldRemote, newRemote})
	child := installedChildSA(t, backend, local, oldRemote)

	sa := ikesa.New(false)
	sa.LocalAddr, sa.RemoteAddr = local.String(), oldRemote.String()
	sa.Children[1] = child

	mobikeTask := NewIkeMobikeResponderTask(backend, local, oldRemote, newRemote, nil)
	msg := &wire.Message{Payloads: []wire.Payload{
		&wire.NotifyPayload{Protocol: proto.ProtoIKE, Type_: proto.UPDATE_SA_ADDRESSES},
	}}

	status, err := mobikeTask.Process(sa, msg)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
	assert.Equal(t, newRemote.String(), sa.RemoteAddr)

	_, err = backend.QuerySAUseTime(local, child.SPIIn, proto.ProtoESP)
	assert.NoError(t, err, "inbound SA keeps the same local destination")
	_, err = backend.QuerySAUseTime(newRemote, child.SPIOut, proto.ProtoESP)
	assert.NoError(t, err, "outbound SA should have moved to the peer's new address")
}
