package task

import (
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/wire"
)

// findSA, findKE, ... locate one payload of the named type in a decoded
// message's payload chain. IKEv2 messages carry at most one of each type
// (TSi/TSr and IDi/IDr are distinguished by the payload's own Type()).

func findSA(msg *wire.Message) (*wire.SAPayload, bool) {
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.SAPayload); ok {
			return v, true
		}
	}
	return nil, false
}

func findKE(msg *wire.Message) (*wire.KEPayload, bool) {
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.KEPayload); ok {
			return v, true
		}
	}
	return nil, false
}

func findNonce(msg *wire.Message) (*wire.NoncePayload, bool) {
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.NoncePayload); ok {
			return v, true
		}
	}
	return nil, false
}

func findNotify(msg *wire.Message, t proto.NotifyType) (*wire.NotifyPayload, bool) {
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.NotifyPayload); ok && v.Type_ == t {
			return v, true
		}
	}
	return nil, false
}

func findAnyNotify(msg *wire.Message) (*wire.NotifyPayload, bool) {
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.NotifyPayload); ok {
			return v, true
		}
	}
	return nil, false
}

func idPayloadType(initiator bool) proto.PayloadType {
	if initiator {
		return proto.PayloadIDi
	}
	return proto.PayloadIDr
}

func tsPayloadType(initiator bool) proto.PayloadType {
	if initiator {
		return proto.PayloadTSi
	}
	return proto.PayloadTSr
}

func findID(msg *wire.Message, initiator bool) (*wire.IDPayload, bool) {
	want := idPayloadType(initiator)
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.IDPayload); ok && v.Type() == want {
			return v, true
		}
	}
	return nil, false
}

func findAuth(msg *wire.Message) (*wire.AuthPayload, bool) {
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.AuthPayload); ok {
			return v, true
		}
	}
	return nil, false
}

func findTS(msg *wire.Message, initiator bool) (*wire.TSPayload, bool) {
	want := tsPayloadType(initiator)
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.TSPayload); ok && v.Type() == want {
			return v, true
		}
	}
	return nil, false
}

func findDelete(msg *wire.Message) (*wire.DeletePayload, bool) {
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.DeletePayload); ok {
			return v, true
		}
	}
	return nil, false
}

func findCP(msg *wire.Message) (*wire.CPPayload, bool) {
	for _, p := range msg.Payloads {
		if v, ok := p.(*wire.CPPayload); ok {
			return v, true
		}
	}
	return nil, false
}

// FindSA, FindNonce, FindNotify and FindDelete are exported so daemon.go can
// inspect a decoded CREATE_CHILD_SA/INFORMATIONAL request's actual payload
// content (REKEY_SA presence, Delete payload protocol) before deciding which
// Task to build for it, without duplicating the payload-chain walk here.

func FindSA(msg *wire.Message) (*wire.SAPayload, bool) { return findSA(msg) }

func FindNonce(msg *wire.Message) (*wire.NoncePayload, bool) { return findNonce(msg) }

func FindNotify(msg *wire.Message, t proto.NotifyType) (*wire.NotifyPayload, bool) {
	return findNotify(msg, t)
}

func FindDelete(msg *wire.Message) (*wire.DeletePayload, bool) { return findDelete(msg) }
