package task

import (
	"net"

	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/kernel"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/wire"
)

// IkeMobikeTask drives RFC 4555's UPDATE_SA_ADDRESSES exchange: an
// INFORMATIONAL carrying a single empty UPDATE_SA_ADDRESSES notify that
// tells the peer to re-point every CHILD_SA under this IKE_SA at a new
// address instead of tearing the IKE_SA down and re-authenticating, which
// is what an address change would otherwise force. Grounded on
// natd_task.go's split between emitting/validating a single notify type
// and ike_task.go's IkeDeleteTask for the "walk every CHILD_SA and
// re-point kernel state" shape.
//
// The initiator role is the side whose own local address changed (driven by
// a kernel EventMigrate); the responder role is invoked once a peer's
// UPDATE_SA_ADDRESSES has been matched to the remote address the packet
// actually arrived from (driven by a kernel EventRoamingHint, or simply the
// peer roaming on its own).
type IkeMobikeTask struct {
	initiator bool

	kernelBackend kernel.Backend

	oldLocal, newLocal   net.IP
	oldRemote, newRemote net.IP

	onUpdated func(newLocal, newRemote net.IP)
}

// NewIkeMobikeTask builds the initiator-side task: our own address changed
// from oldLocal to newLocal: remote is unchanged.
func NewIkeMobikeTask(backend kernel.Backend, oldLocal, newLocal, remote net.IP, onUpdated func(newLocal, newRemote net.IP)) *IkeMobikeTask {
	return &IkeMobikeTask{
		initiator: true, kernelBackend: backend,
		oldLocal: oldLocal, newLocal: newLocal,
		oldRemote: remote, newRemote: remote,
		onUpdated: onUpdated,
	}
}

// NewIkeMobikeResponderTask builds the responder-side task: the peer's
// address changed from oldRemote (sa.RemoteAddr) to newRemote, the source
// address the triggering packet actually carried. local is unchanged.
func NewIkeMobikeResponderTask(backend kernel.Backend, local, oldRemote, newRemote net.IP, onUpdated func(newLocal, newRemote net.IP)) *IkeMobikeTask {
	return &IkeMobikeTask{
		initiator: false, kernelBackend: backend,
		oldLocal: local, newLocal: local,
		oldRemote: oldRemote, newRemote: newRemote,
		onUpdated: onUpdated,
	}
}

func (t *IkeMobikeTask) Kind() Kind { return KindIkeMobike }

func (t *IkeMobikeTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if !t.initiator {
		// the responder's reply is an empty INFORMATIONAL ack; RFC 4555
		// needs no payload beyond the round trip itself.
		return Done, nil
	}
	msg.Payloads = append(msg.Payloads, &wire.NotifyPayload{Protocol: proto.ProtoIKE, Type_: proto.UPDATE_SA_ADDRESSES})
	return Done, nil
}

func (t *IkeMobikeTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if !t.initiator {
		if _, ok := findNotify(msg, proto.UPDATE_SA_ADDRESSES); !ok {
			return Done, nil
		}
	}
	t.repointChildren(sa)
	sa.LocalAddr = t.newLocal.String()
	sa.RemoteAddr = t.newRemote.String()
	if t.onUpdated != nil {
		t.onUpdated(t.newLocal, t.newRemote)
	}
	return Done, nil
}

// repointChildren moves every CHILD_SA's kernel state from the old endpoint
// pair to the new one. Traffic selectors and keys are untouched — MOBIKE
// changes where packets go, not what's inside them.
func (t *IkeMobikeTask) repointChildren(sa *ikesa.IKESA) {
	encap := sa.LocalBehindNAT || sa.RemoteBehindNAT
	for _, child := range sa.Children {
		_ = t.kernelBackend.UpdateSAEndpoints(child.SPIIn, child.ProtoID, t.oldRemote, t.oldLocal, t.newRemote, t.newLocal, encap)
		_ = t.kernelBackend.UpdateSAEndpoints(child.SPIOut, child.ProtoID, t.oldLocal, t.oldRemote, t.newLocal, t.newRemote, encap)
	}
}

func (t *IkeMobikeTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeMobikeTask) Destroy()                {}
