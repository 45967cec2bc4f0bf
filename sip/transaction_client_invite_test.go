package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/halvar/siptx/sip"
)

type recordingTransport struct {
	mu       sync.Mutex
	sent     []sip.MessageView
	reliable bool
	failNext bool
}

func (t *recordingTransport) SendMessage(_ context.Context, msg sip.MessageView) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext {
		t.failNext = false
		return sip.ErrTransportFailure
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *recordingTransport) Reliable() bool { return t.reliable }

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func testInvite() *sip.Request {
	return &sip.Request{
		RequestMethod: "INVITE",
		RequestURI:    "sip:bob@example.com",
		Vias:          []sip.Via{{Protocol: "UDP", Host: "10.0.0.1", Port: 5060, Branch: sip.GenerateBranch()}},
		CallID:        "call-1",
		CSeqNum:       1,
		To:            "sip:bob@example.com",
		From:          "sip:alice@example.com;tag=abc",
	}
}

func fastTimings() sip.TimingConfig {
	return sip.NewTimings(5*time.Millisecond, 20*time.Millisecond, 5*time.Millisecond, 20*time.Millisecond)
}

func TestClientInviteTransaction_2xxTerminatesDirectly(t *testing.T) {
	t.Parallel()

	req := testInvite()
	tp := &recordingTransport{reliable: true}

	tx, err := sip.NewClientInviteTransaction(context.Background(), req, tp, fastTimings(), nil)
	if err != nil {
		t.Fatalf("NewClientInviteTransaction: %v", err)
	}

	var finals []*sip.Response
	var mu sync.Mutex
	tx.OnFinal(func(_ context.Context, res *sip.Response) {
		mu.Lock()
		finals = append(finals, res)
		mu.Unlock()
	})

	terminated := make(chan struct{})
	tx.OnTerminated(func(context.Context) { close(terminated) })

	res := sip.NewResponse(req, 200, "OK")
	if err := tx.RecvResponse(context.Background(), res); err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}

	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("transaction did not terminate on 2xx")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(finals) != 1 || finals[0].Status != 200 {
		t.Fatalf("final responses = %v, want one 200", finals)
	}
	if tx.State() != sip.TransactionStateTerminated {
		t.Fatalf("state = %v, want Terminated", tx.State())
	}
}

func TestClientInviteTransaction_NonReliableRetransmitsOnTimerA(t *testing.T) {
	t.Parallel()

	req := testInvite()
	tp := &recordingTransport{reliable: false}

	_, err := sip.NewClientInviteTransaction(context.Background(), req, tp, fastTimings(), nil)
	if err != nil {
		t.Fatalf("NewClientInviteTransaction: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if n := tp.count(); n < 2 {
		t.Fatalf("sent %d messages, want at least 2 (initial + retransmit)", n)
	}
}

func TestClientInviteTransaction_NonAckAbsorbsRetransmits(t *testing.T) {
	t.Parallel()

	req := testInvite()
	tp := &recordingTransport{reliable: false}

	tx, err := sip.NewClientInviteTransaction(context.Background(), req, tp, fastTimings(), nil)
	if err != nil {
		t.Fatalf("NewClientInviteTransaction: %v", err)
	}

	res := sip.NewResponse(req, 486, "Busy Here")
	res.To = res.To + ";tag=xyz"
	if err := tx.RecvResponse(context.Background(), res); err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	if tx.State() != sip.TransactionStateCompleted {
		t.Fatalf("state = %v, want Completed", tx.State())
	}

	before := tp.count()
	// A retransmitted 486 should trigger exactly the cached ACK, not a
	// freshly rebuilt one.
	if err := tx.RecvResponse(context.Background(), res); err != nil {
		t.Fatalf("RecvResponse (retransmit): %v", err)
	}
	if tp.count() != before+1 {
		t.Fatalf("sent %d messages after retransmit, want %d", tp.count(), before+1)
	}

	terminated := make(chan struct{})
	tx.OnTerminated(func(context.Context) { close(terminated) })
	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("transaction did not terminate after Timer D")
	}
}

func TestClientInviteTransaction_RejectsNonInvite(t *testing.T) {
	t.Parallel()

	req := testInvite()
	req.RequestMethod = "BYE"
	tp := &recordingTransport{reliable: true}

	if _, err := sip.NewClientInviteTransaction(context.Background(), req, tp, fastTimings(), nil); err == nil {
		t.Fatal("expected error for non-INVITE request")
	}
}
