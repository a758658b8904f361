package daemon

import (
	"io"
	"net"
	"os"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/ikecore/charon/pkg/log"
)

// Conn is a UDP socket that reports the local address a packet actually
// arrived on — plain net.PacketConn throws that away, but source-address
// selection matters for a multi-homed gateway, grounded on egorse-ike's
// conn.go Conn interface.
type Conn interface {
	ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error)
	WritePacket(reply []byte, remoteAddr net.Addr) error
	LocalAddr() net.Addr
	Close() error
}

type pconnV4 ipv4.PacketConn

func (c *pconnV4) Close() error       { return c.Conn.Close() }
func (c *pconnV4) LocalAddr() net.Addr { return c.Conn.LocalAddr() }

type pconnV6 ipv6.PacketConn

func (c *pconnV6) Close() error       { return c.Conn.Close() }
func (c *pconnV6) LocalAddr() net.Addr { return c.Conn.LocalAddr() }

var ErrUDPOnly = errors.New("transport: only udp is supported")

// checkV4onX: on Darwin, a dual-stack bind to a v4 address does not return
// source addresses on read, so fall back to an explicit udp4 socket.
func checkV4onX(address string) (bool, error) {
	if runtime.GOOS != "darwin" {
		return false, nil
	}
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return false, err
	}
	return addr.IP.To16() == nil, nil
}

// Listen opens the daemon's IKE UDP socket (port 500 or 4500 for NAT-T),
// enabling per-packet control messages so ReadPacket can report the exact
// local address a datagram arrived on.
func Listen(network, address string) (Conn, error) {
	isV4, err := checkV4onX(address)
	if err != nil {
		return nil, err
	}
	if isV4 {
		return listenUDP4(address)
	}
	switch network {
	case "udp4":
		return listenUDP4(address)
	case "udp6", "udp":
		return listenUDP6(address)
	}
	return nil, ErrUDPOnly
}

func listenUDP4(localString string) (*pconnV4, error) {
	udp, err := net.ListenPacket("udp4", localString)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	p := ipv4.NewPacketConn(udp)
	cf := ipv4.FlagTTL | ipv4.FlagSrc | ipv4.FlagDst | ipv4.FlagInterface
	if err := p.SetControlMessage(cf, true); err != nil {
		if !protocolNotSupported(err) {
			p.Close()
			return nil, err
		}
		log.Logger.Warn().Str("os", runtime.GOOS).Msg("udp source address detection not supported")
	}
	return (*pconnV4)(p), nil
}

func listenUDP6(localString string) (*pconnV6, error) {
	udp, err := net.ListenPacket("udp", localString)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	p := ipv6.NewPacketConn(udp)
	cf := ipv6.FlagSrc | ipv6.FlagDst | ipv6.FlagInterface
	if err := p.SetControlMessage(cf, true); err != nil {
		if !protocolNotSupported(err) {
			p.Close()
			return nil, err
		}
		log.Logger.Warn().Str("os", runtime.GOOS).Msg("udp source address detection not supported")
	}
	return (*pconnV6)(p), nil
}

const maxDatagram = 65535 // IKE over UDP never fragments at this layer; the kernel/MTU handles it

func (p *pconnV4) ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error) {
	b = make([]byte, maxDatagram)
	n, cm, remoteAddr, err := p.ReadFrom(b)
	if err == nil {
		b = b[:n]
		if cm != nil {
			localIP = cm.Dst
		}
	}
	return
}

func (p *pconnV6) ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error) {
	b = make([]byte, maxDatagram)
	n, cm, remoteAddr, err := p.ReadFrom(b)
	if err == nil {
		b = b[:n]
		if cm != nil {
			localIP = cm.Dst
		}
	}
	return
}

func (p *pconnV4) WritePacket(reply []byte, remoteAddr net.Addr) error {
	n, err := p.WriteTo(reply, nil, remoteAddr)
	if err != nil {
		return err
	}
	if n != len(reply) {
		return io.ErrShortWrite
	}
	return nil
}

func (p *pconnV6) WritePacket(reply []byte, remoteAddr net.Addr) error {
	n, err := p.WriteTo(reply, nil, remoteAddr)
	if err != nil {
		return err
	}
	if n != len(reply) {
		return io.ErrShortWrite
	}
	return nil
}

// protocolNotSupported mirrors the check golang.org/x/net/internal/nettest
// uses internally to detect platforms without IP_PKTINFO support.
func protocolNotSupported(err error) bool {
	var errno syscall.Errno
	switch e := err.(type) {
	case syscall.Errno:
		errno = e
	case *os.SyscallError:
		if en, ok := e.Err.(syscall.Errno); ok {
			errno = en
		} else {
			return false
		}
	default:
		return false
	}
	return errno == syscall.EPROTONOSUPPORT || errno == syscall.ENOPROTOOPT
}
