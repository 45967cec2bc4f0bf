package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/halvar/siptx/sip"
)

func inboundRegister() *sip.Request {
	return &sip.Request{
		RequestMethod: "REGISTER",
		RequestURI:    "sip:registrar.example.com",
		Vias:          []sip.Via{{Protocol: "UDP", Host: "10.0.0.2", Port: 5060, Branch: sip.GenerateBranch()}},
		CallID:        "call-4",
		CSeqNum:       1,
		To:            "sip:alice@example.com",
		From:          "sip:alice@example.com;tag=abc",
	}
}

func TestServerNonInviteTransaction_SendsNothingUntilSendResponse(t *testing.T) {
	t.Parallel()

	req := inboundRegister()
	tp := &recordingTransport{reliable: false}

	tx, err := sip.NewServerNonInviteTransaction(context.Background(), req, tp, fastTimings(), nil)
	if err != nil {
		t.Fatalf("NewServerNonInviteTransaction: %v", err)
	}
	if tx.State() != sip.TransactionStateTrying {
		t.Fatalf("state = %v, want Trying", tx.State())
	}
	if n := tp.count(); n != 0 {
		t.Fatalf("sent %d messages, want 0 before SendResponse", n)
	}
}

func TestServerNonInviteTransaction_FinalResponseArmsTimerJ(t *testing.T) {
	t.Parallel()

	req := inboundRegister()
	tp := &recordingTransport{reliable: false}

	tx, err := sip.NewServerNonInviteTransaction(context.Background(), req, tp, fastTimings(), nil)
	if err != nil {
		t.Fatalf("NewServerNonInviteTransaction: %v", err)
	}

	res := sip.NewResponse(req, 200, "OK")
	if err := tx.SendResponse(context.Background(), res); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	if tx.State() != sip.TransactionStateCompleted {
		t.Fatalf("state = %v, want Completed", tx.State())
	}
	if n := tp.count(); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}

	terminated := make(chan struct{})
	tx.OnTerminated(func(context.Context) { close(terminated) })
	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("transaction did not terminate after Timer J")
	}
}

func TestServerNonInviteTransaction_RetransmitResendsLastResponse(t *testing.T) {
	t.Parallel()

	req := inboundRegister()
	tp := &recordingTransport{reliable: false}

	tx, err := sip.NewServerNonInviteTransaction(context.Background(), req, tp, fastTimings(), nil)
	if err != nil {
		t.Fatalf("NewServerNonInviteTransaction: %v", err)
	}

	res := sip.NewResponse(req, 180, "Ringing")
	if err := tx.SendResponse(context.Background(), res); err != nil {
		t.Fatalf("SendResponse(180): %v", err)
	}
	if tx.State() != sip.TransactionStateProceeding {
		t.Fatalf("state = %v, want Proceeding", tx.State())
	}

	before := tp.count()
	if err := tx.RecvRequest(context.Background(), req); err != nil {
		t.Fatalf("RecvRequest (retransmit): %v", err)
	}
	if tp.count() != before+1 {
		t.Fatalf("sent %d messages after retransmit, want %d", tp.count(), before+1)
	}
}

func TestServerNonInviteTransaction_RejectsInviteAndAck(t *testing.T) {
	t.Parallel()

	tp := &recordingTransport{reliable: true}

	invite := inboundRegister()
	invite.RequestMethod = "INVITE"
	if _, err := sip.NewServerNonInviteTransaction(context.Background(), invite, tp, fastTimings(), nil); err == nil {
		t.Fatal("expected error for INVITE request")
	}

	ack := inboundRegister()
	ack.RequestMethod = "ACK"
	if _, err := sip.NewServerNonInviteTransaction(context.Background(), ack, tp, fastTimings(), nil); err == nil {
		t.Fatal("expected error for ACK request")
	}
}
