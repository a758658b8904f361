package task

import (
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/wire"
)

// NotifyRejectTask answers a request with a single error notify instead of
// negotiating anything. Used when a simultaneous-rekey collision (RFC 7296
// §2.8) resolves in our favor: the peer's colliding attempt is turned away
// with TEMPORARY_FAILURE while our own outstanding rekey keeps running
// undisturbed.
type NotifyRejectTask struct {
	kind     Kind
	protocol proto.ProtocolID
	notify   proto.NotifyType
}

func NewNotifyRejectTask(kind Kind, protocol proto.ProtocolID, notify proto.NotifyType) *NotifyRejectTask {
	return &NotifyRejectTask{kind: kind, protocol: protocol, notify: notify}
}

func (t *NotifyRejectTask) Kind() Kind { return t.kind }

func (t *NotifyRejectTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	msg.Payloads = append(msg.Payloads, &wire.NotifyPayload{Protocol: t.protocol, Type_: t.notify})
	return Done, nil
}

func (t *NotifyRejectTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	return Done, nil
}

func (t *NotifyRejectTask) Migrate(sa *ikesa.IKESA) {}
func (t *NotifyRejectTask) Destroy()                {}
