package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/halvar/siptx/sip"
)

func TestManager_ClientInviteReceivesMatchedResponse(t *testing.T) {
	t.Parallel()

	var handled []*sip.Request
	var mu sync.Mutex
	m := sip.NewManager(fastTimings(), func(_ context.Context, req *sip.Request, _ sip.Transport) {
		mu.Lock()
		handled = append(handled, req)
		mu.Unlock()
	}, nil)

	req := testInvite()
	tp := &recordingTransport{reliable: true}

	tx, err := m.BeginClientInvite(context.Background(), req, tp)
	if err != nil {
		t.Fatalf("BeginClientInvite: %v", err)
	}

	clients, servers := m.Len()
	if clients != 1 || servers != 0 {
		t.Fatalf("Len() = %d,%d want 1,0", clients, servers)
	}

	var got *sip.Response
	tx.OnFinal(func(_ context.Context, res *sip.Response) { got = res })

	// The 2xx terminates the transaction synchronously, so the callback
	// must be registered before the response is delivered.
	terminated := make(chan struct{})
	tx.OnTerminated(func(context.Context) { close(terminated) })

	res := sip.NewResponse(req, 200, "OK")
	m.HandleMessage(context.Background(), res, tp)

	if got == nil || got.Status != 200 {
		t.Fatalf("final response = %v, want 200", got)
	}

	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("transaction did not terminate")
	}

	clients, _ = m.Len()
	if clients != 0 {
		t.Fatalf("Len() clients = %d, want 0 after termination", clients)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 0 {
		t.Fatalf("request handler invoked %d times, want 0 (response path doesn't call it)", len(handled))
	}
}

func TestManager_UnmatchedResponseDroppedSilently(t *testing.T) {
	t.Parallel()

	m := sip.NewManager(fastTimings(), nil, nil)
	tp := &recordingTransport{reliable: true}

	req := testInvite()
	res := sip.NewResponse(req, 200, "OK")

	// No panic, no registered transaction: HandleMessage must simply drop it.
	m.HandleMessage(context.Background(), res, tp)

	clients, servers := m.Len()
	if clients != 0 || servers != 0 {
		t.Fatalf("Len() = %d,%d want 0,0", clients, servers)
	}
}

func TestManager_UnmatchedRequestInvokesHandler(t *testing.T) {
	t.Parallel()

	received := make(chan *sip.Request, 1)
	var m *sip.Manager
	m = sip.NewManager(fastTimings(), func(ctx context.Context, req *sip.Request, tp sip.Transport) {
		if _, err := m.BeginServerTransaction(ctx, req, tp); err != nil {
			t.Errorf("BeginServerTransaction: %v", err)
			return
		}
		received <- req
	}, nil)

	req := inboundInvite()
	tp := &recordingTransport{reliable: true}

	m.HandleMessage(context.Background(), req, tp)

	select {
	case got := <-received:
		if got.CallID != req.CallID {
			t.Fatalf("handler received CallID %q, want %q", got.CallID, req.CallID)
		}
	case <-time.After(time.Second):
		t.Fatal("request handler was not invoked")
	}

	_, servers := m.Len()
	if servers != 1 {
		t.Fatalf("Len() servers = %d, want 1", servers)
	}
}

func TestManager_ClosedRejectsNewTransactions(t *testing.T) {
	t.Parallel()

	m := sip.NewManager(fastTimings(), nil, nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	req := testInvite()
	tp := &recordingTransport{reliable: true}
	if _, err := m.BeginClientInvite(context.Background(), req, tp); err == nil {
		t.Fatal("expected error creating a transaction on a closed manager")
	}
}

func TestManager_DuplicateClientTransactionRejected(t *testing.T) {
	t.Parallel()

	m := sip.NewManager(fastTimings(), nil, nil)
	req := testInvite()
	tp := &recordingTransport{reliable: true}

	if _, err := m.BeginClientInvite(context.Background(), req, tp); err != nil {
		t.Fatalf("BeginClientInvite: %v", err)
	}
	if _, err := m.BeginClientInvite(context.Background(), req, tp); err == nil {
		t.Fatal("expected error registering a duplicate transaction key")
	}
}
