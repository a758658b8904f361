package task

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/wire"
)

// IkeNatDTask emits and verifies the NAT_DETECTION_SOURCE_IP/
// NAT_DETECTION_DESTINATION_IP notifies RFC 7296 §2.23 bundles into
// IKE_SA_INIT, grounded on ike_sa_init.go's HandleInitForSession switch over
// the same two notify types (checkNatHash there is egorse-ike's own
// unexported helper; this recomputes the SHA1 digest directly using
// crypto/sha1 the way cipher_suites.go already does for its PRF/MAC table).
// A peer behind a NAT needs its CHILD_SA traffic UDP-encapsulated on port
// 4500 instead of sent in the clear on port 500.
type IkeNatDTask struct {
	localAddr, remoteAddr net.IP
	localPort, remotePort uint16
	onDetected            func(localBehindNAT, remoteBehindNAT bool)
}

func NewIkeNatDTask(local, remote net.IP, localPort, remotePort uint16, onDetected func(localBehindNAT, remoteBehindNAT bool)) *IkeNatDTask {
	return &IkeNatDTask{localAddr: local, remoteAddr: remote, localPort: localPort, remotePort: remotePort, onDetected: onDetected}
}

func (t *IkeNatDTask) Kind() Kind { return KindIkeNatD }

func (t *IkeNatDTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	msg.Payloads = append(msg.Payloads,
		&wire.NotifyPayload{Protocol: proto.ProtoIKE, Type_: proto.NAT_DETECTION_SOURCE_IP, Data: natDHash(msg.Header.SpiI, msg.Header.SpiR, t.localAddr, t.localPort)},
		&wire.NotifyPayload{Protocol: proto.ProtoIKE, Type_: proto.NAT_DETECTION_DESTINATION_IP, Data: natDHash(msg.Header.SpiI, msg.Header.SpiR, t.remoteAddr, t.remotePort)},
	)
	return Done, nil
}

func (t *IkeNatDTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	srcN, srcOK := findNotify(msg, proto.NAT_DETECTION_SOURCE_IP)
	dstN, dstOK := findNotify(msg, proto.NAT_DETECTION_DESTINATION_IP)
	if !srcOK || !dstOK {
		// peer doesn't support NAT-D: assume no NAT rather than guessing.
		return Done, nil
	}

	// The peer's SOURCE_IP hash covers its own address as it sees it, which
	// from our side is the remote address; its DESTINATION_IP hash covers
	// the address it sent to, which from our side is our own local address.
	expectSrc := natDHash(msg.Header.SpiI, msg.Header.SpiR, t.remoteAddr, t.remotePort)
	expectDst := natDHash(msg.Header.SpiI, msg.Header.SpiR, t.localAddr, t.localPort)

	remoteBehindNAT := !bytes.Equal(srcN.Data, expectSrc)
	localBehindNAT := !bytes.Equal(dstN.Data, expectDst)
	if t.onDetected != nil {
		t.onDetected(localBehindNAT, remoteBehindNAT)
	}
	return Done, nil
}

func (t *IkeNatDTask) Migrate(sa *ikesa.IKESA) {}
func (t *IkeNatDTask) Destroy()                {}

func natDHash(spiI, spiR proto.Spi, addr net.IP, port uint16) []byte {
	h := sha1.New()
	h.Write(spiI[:])
	h.Write(spiR[:])
	ip := addr.To4()
	if ip == nil {
		ip = addr.To16()
	}
	h.Write(ip)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], port)
	h.Write(portBytes[:])
	return h.Sum(nil)
}
