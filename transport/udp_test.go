package transport_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/halvar/siptx/internal/mocknet"
	"github.com/halvar/siptx/transport"
)

func TestUDPTransport_SendWritesToConn(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	conn := mocknet.NewMockPacketConn(ctrl)

	conn.EXPECT().
		LocalAddr().
		Return(&net.UDPAddr{IP: net.IPv4zero, Port: 5060}).
		MinTimes(1)

	blocked := make(chan struct{})
	conn.EXPECT().
		ReadFrom(gomock.Any()).
		DoAndReturn(func([]byte) (int, net.Addr, error) {
			<-blocked
			return 0, nil, net.ErrClosed
		}).
		AnyTimes()

	remote := netip.MustParseAddrPort("10.0.0.9:5060")
	conn.EXPECT().
		WriteTo(gomock.Any(), net.UDPAddrFromAddrPort(remote)).
		Return(5, nil).
		Times(1)

	conn.EXPECT().
		Close().
		DoAndReturn(func() error {
			close(blocked)
			return nil
		}).
		Times(1)

	tp, err := transport.NewUDPTransportWithConn(conn, nil, nil)
	if err != nil {
		t.Fatalf("NewUDPTransportWithConn: %v", err)
	}

	if err := tp.Send(context.Background(), remote, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tp.Protocol() != "UDP" {
		t.Fatalf("Protocol() = %q, want UDP", tp.Protocol())
	}
	if tp.Reliable(remote) {
		t.Fatal("Reliable() = true, want false")
	}

	if err := tp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUDPTransport_RejectsNilConn(t *testing.T) {
	t.Parallel()

	if _, err := transport.NewUDPTransportWithConn(nil, nil, nil); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

func TestUDPTransport_ReceiveDispatchesToReceiver(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	conn := mocknet.NewMockPacketConn(ctrl)

	conn.EXPECT().
		LocalAddr().
		Return(&net.UDPAddr{IP: net.IPv4zero, Port: 5060}).
		MinTimes(1)

	sender := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 6000}
	received := make(chan []byte, 1)

	first := true
	blocked := make(chan struct{})
	conn.EXPECT().
		ReadFrom(gomock.Any()).
		DoAndReturn(func(buf []byte) (int, net.Addr, error) {
			if first {
				first = false
				n := copy(buf, "ping")
				return n, sender, nil
			}
			<-blocked
			return 0, nil, net.ErrClosed
		}).
		AnyTimes()

	conn.EXPECT().
		Close().
		DoAndReturn(func() error {
			close(blocked)
			return nil
		}).
		Times(1)

	recv := transport.ReceiverFunc(func(data []byte, _ transport.Addr) {
		received <- data
	})

	tp, err := transport.NewUDPTransportWithConn(conn, recv, nil)
	if err != nil {
		t.Fatalf("NewUDPTransportWithConn: %v", err)
	}
	defer tp.Close()

	select {
	case data := <-received:
		if string(data) != "ping" {
			t.Fatalf("received %q, want %q", data, "ping")
		}
	case <-time.After(time.Second):
		t.Fatal("receiver was not invoked")
	}
}
