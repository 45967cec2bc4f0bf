package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	siptxlog "github.com/halvar/siptx/log"
)

var zeroTime time.Time

// MaxDatagramSize is the largest UDP datagram the adapter will read,
// matching the network-layer maximum a SIP UDP message may occupy.
const MaxDatagramSize = 65535

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}

// UDPTransport is a [Transport] built over a UDP [net.PacketConn]. It is
// always unreliable: [UDPTransport.Reliable] reports false for every
// remote.
type UDPTransport struct {
	conn   net.PacketConn
	laddr  Addr
	log    *slog.Logger
	closed atomic.Bool

	receiver Receiver
	done     chan struct{}
}

// NewUDPTransport binds a UDP socket at addr (host:port, or ":0" for an
// ephemeral port) and starts its receive loop, dispatching datagrams to
// recv. log defaults to the package logger if nil.
func NewUDPTransport(addr string, recv Receiver, log *slog.Logger) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, err := NewUDPTransportWithConn(conn, recv, log)
	if err != nil {
		_ = conn.Close()
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

// NewUDPTransportWithConn wraps an already-bound [net.PacketConn] and
// starts its receive loop, dispatching datagrams to recv. log defaults to
// the package logger if nil. Exposed separately from [NewUDPTransport] so
// tests can drive the adapter over a mocked connection.
func NewUDPTransportWithConn(conn net.PacketConn, recv Receiver, log *slog.Logger) (*UDPTransport, error) {
	if conn == nil {
		return nil, errtrace.Wrap(NewTransportError("connection must not be nil"))
	}
	if log == nil {
		log = siptxlog.Default()
	}

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errtrace.Wrap(NewTransportError("unexpected local address type"))
	}

	tp := &UDPTransport{
		conn:     conn,
		laddr:    udpAddr.AddrPort(),
		log:      log,
		receiver: recv,
		done:     make(chan struct{}),
	}
	go tp.serve()
	return tp, nil
}

// NewTransportError wraps a UDP transport setup failure.
func NewTransportError(msg string) error { return transportSetupError(msg) }

type transportSetupError string

func (e transportSetupError) Error() string { return string(e) }

func (tp *UDPTransport) Protocol() string   { return "UDP" }
func (tp *UDPTransport) LocalAddr() Addr    { return tp.laddr }
func (tp *UDPTransport) Reliable(Addr) bool { return false }

// Send writes data to remote over the UDP socket.
func (tp *UDPTransport) Send(ctx context.Context, remote Addr, data []byte) error {
	if d, ok := ctx.Deadline(); ok {
		if err := tp.conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(err)
		}
		defer tp.conn.SetWriteDeadline(zeroTime)
	}
	raddr := net.UDPAddrFromAddrPort(remote)
	if _, err := tp.conn.WriteTo(data, raddr); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// serve reads datagrams until the socket closes, handing each one to the
// receiver along with its sender address. Read errors are logged and the
// loop continues unless the transport itself has been closed.
func (tp *UDPTransport) serve() {
	defer close(tp.done)

	for {
		bufp := bufPool.Get().(*[]byte) //nolint:forcetypeassert
		buf := *bufp

		n, addr, err := tp.conn.ReadFrom(buf)
		if err != nil {
			bufPool.Put(bufp)
			if tp.closed.Load() {
				return
			}
			tp.log.Error("udp read failed", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		bufPool.Put(bufp)

		remote, ok := addrPortFromNetAddr(addr)
		if !ok {
			tp.log.Warn("udp read from unexpected address type", "addr", addr)
			continue
		}
		if tp.receiver != nil {
			tp.receiver.OnReceive(data, remote)
		}
	}
}

// Close stops the receive loop and closes the underlying socket.
func (tp *UDPTransport) Close() error {
	tp.closed.Store(true)
	err := tp.conn.Close()
	<-tp.done
	return errtrace.Wrap(err)
}

func addrPortFromNetAddr(addr net.Addr) (Addr, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return Addr{}, false
	}
	return udpAddr.AddrPort(), true
}
