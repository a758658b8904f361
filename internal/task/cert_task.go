package task

import (
	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/wire"
)

// IkeCertTask attaches an optional CERTREQ/CERT exchange to IKE_AUTH (RFC
// 7296 §3.7): the initiator may name a CA it wants the responder's
// certificate to chain to, and either side returns a CERT payload if it
// holds one worth sending. Grounded on IkeConfigTask's initiator/responder
// dual-role shape — like CP, this is a payload IKE_AUTH may or may not
// carry, not a full exchange of its own.
type IkeCertTask struct {
	initiator bool
	encoding  uint8
	caHash    []byte // initiator: CERTREQ body naming the CA to chain to
	localCert []byte // responder (or initiator answering a CERTREQ): CERT to send

	peerCert   []byte
	onPeerCert func(cert []byte)
}

// NewIkeCertTask builds a CERT task. encoding follows RFC 7296 §3.6's
// certificate-encoding registry; this daemon only ever emits 4 (X.509
// Certificate - Signature). caHash is sent as a CERTREQ if non-empty;
// localCert is offered back as a CERT if the peer requested one and we hold
// one. onPeerCert is called once for every CERT payload found in Process.
func NewIkeCertTask(initiator bool, encoding uint8, caHash, localCert []byte, onPeerCert func(cert []byte)) *IkeCertTask {
	return &IkeCertTask{initiator: initiator, encoding: encoding, caHash: caHash, localCert: localCert, onPeerCert: onPeerCert}
}

func (t *IkeCertTask) Kind() Kind { return KindIkeCert }

func (t *IkeCertTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	if t.initiator {
		if len(t.caHash) > 0 {
			msg.Payloads = append(msg.Payloads, wire.NewCertReqPayload(t.encoding, t.caHash))
		}
		return Done, nil
	}
	if len(t.localCert) > 0 {
		msg.Payloads = append(msg.Payloads, wire.NewCertPayload(t.encoding, t.localCert))
	}
	return Done, nil
}

func (t *IkeCertTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	for _, p := range msg.Payloads {
		cert, ok := p.(*wire.CertPayload)
		if !ok || cert.Req {
			continue
		}
		t.peerCert = cert.Data
		if t.onPeerCert != nil {
			t.onPeerCert(cert.Data)
		}
	}
	if t.initiator {
		return Done, nil
	}
	// responder: a CERTREQ in the same message asks us to answer with
	// localCert on Build, which already ran for this round's request; the
	// outbound CERT was only appended if localCert was set ahead of time,
	// so nothing further to do here beyond having recorded any peer CERT.
	return Done, nil
}

func (t *IkeCertTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeCertTask) Destroy()                {}
