package transport_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/halvar/siptx/sip"
	"github.com/halvar/siptx/transport"
)

type fakeLowLevelTransport struct {
	sent     [][]byte
	remotes  []transport.Addr
	reliable bool
}

func (f *fakeLowLevelTransport) Send(_ context.Context, remote transport.Addr, data []byte) error {
	f.sent = append(f.sent, data)
	f.remotes = append(f.remotes, remote)
	return nil
}

func (f *fakeLowLevelTransport) Reliable(transport.Addr) bool { return f.reliable }
func (f *fakeLowLevelTransport) Protocol() string              { return "fake" }
func (f *fakeLowLevelTransport) LocalAddr() transport.Addr      { return transport.Addr{} }
func (f *fakeLowLevelTransport) Close() error                   { return nil }

func TestSIPTransport_SendMessageEncodesAndSends(t *testing.T) {
	t.Parallel()

	low := &fakeLowLevelTransport{reliable: true}
	remote := netip.MustParseAddrPort("10.0.0.1:5060")
	tp := transport.NewSIPTransport(low, remote)

	req := &sip.Request{
		RequestMethod: "INVITE",
		RequestURI:    "sip:bob@example.com",
		Vias:          []sip.Via{{Protocol: "UDP", Host: "10.0.0.1", Port: 5060, Branch: "z9hG4bK-1"}},
		CallID:        "call-1",
		CSeqNum:       1,
		To:            "sip:bob@example.com",
		From:          "sip:alice@example.com;tag=abc",
	}

	if err := tp.SendMessage(context.Background(), req); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(low.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(low.sent))
	}
	if low.remotes[0] != remote {
		t.Fatalf("remote = %v, want %v", low.remotes[0], remote)
	}

	decoded, err := transport.Decode(low.sent[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Method() != "INVITE" {
		t.Fatalf("decoded method = %q, want INVITE", decoded.Method())
	}

	if !tp.Reliable() {
		t.Fatal("Reliable() = false, want true")
	}
}
