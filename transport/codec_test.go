package transport_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/halvar/siptx/sip"
	"github.com/halvar/siptx/transport"
)

func TestEncodeDecode_RequestRoundTrip(t *testing.T) {
	t.Parallel()

	req := &sip.Request{
		RequestMethod: "INVITE",
		RequestURI:    "sip:bob@example.com",
		Vias:          []sip.Via{{Protocol: "UDP", Host: "10.0.0.1", Port: 5060, Branch: "z9hG4bK-abc"}},
		CallID:        "call-1",
		CSeqNum:       1,
		To:            "sip:bob@example.com",
		From:          "sip:alice@example.com;tag=abc",
	}

	data, err := transport.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := transport.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecode_ResponseRoundTrip(t *testing.T) {
	t.Parallel()

	req := &sip.Request{
		RequestMethod: "INVITE",
		RequestURI:    "sip:bob@example.com",
		Vias:          []sip.Via{{Protocol: "UDP", Host: "10.0.0.1", Port: 5060, Branch: "z9hG4bK-abc"}},
		CallID:        "call-1",
		CSeqNum:       1,
		To:            "sip:bob@example.com",
		From:          "sip:alice@example.com;tag=abc",
	}
	res := sip.NewResponse(req, 200, "OK")

	data, err := transport.Encode(res)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := transport.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := cmp.Diff(res, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_RejectsUnsupportedType(t *testing.T) {
	t.Parallel()

	if _, err := transport.Encode(unsupportedMessage{}); err == nil {
		t.Fatal("expected error encoding an unsupported message type")
	}
}

type unsupportedMessage struct{}

func (unsupportedMessage) IsRequest() bool           { return false }
func (unsupportedMessage) IsResponse() bool          { return false }
func (unsupportedMessage) Method() string            { return "" }
func (unsupportedMessage) StatusCode() (int, bool)   { return 0, false }
func (unsupportedMessage) Branch() string            { return "" }
func (unsupportedMessage) TopViaSentBy() string      { return "" }
func (unsupportedMessage) TopViaProtocol() string    { return "" }
func (unsupportedMessage) CSeqMethod() string        { return "" }

func TestDecode_RejectsUnrecognizedKind(t *testing.T) {
	t.Parallel()

	if _, err := transport.Decode([]byte("kind: nonsense\n")); err == nil {
		t.Fatal("expected error decoding an unrecognized message kind")
	}
}
