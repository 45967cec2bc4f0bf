package sip

import (
	"context"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/halvar/siptx/internal/syncutil"
)

// RequestHandler is called by a [Manager] for an inbound request that does
// not match any existing server transaction: either a new request that
// should start one, or an ACK to a 2xx response, which RFC 3261 §17
// explicitly hands to the transaction user directly since there is no
// server transaction covering the 2xx case.
type RequestHandler func(ctx context.Context, req *Request, tp Transport)

// Manager owns the live transaction table (component F, RFC 3261 §17.3/17.4)
// and dispatches inbound messages arriving from the transport layer to the
// transaction that matches them, or to the registered [RequestHandler] when
// none does.
type Manager struct {
	timings TimingConfig
	log     *slog.Logger

	onRequest RequestHandler
	stats     *StatsRecorder

	clientTxs *syncutil.ShardMap[ClientTransactionKey, clientTransaction]
	serverTxs *syncutil.ShardMap[ServerTransactionKey, serverTransaction]

	mu     sync.Mutex
	closed bool
}

// Stats returns the manager's transaction counters.
func (m *Manager) Stats() *StatsRecorder { return m.stats }

type clientTransaction interface {
	Key() ClientTransactionKey
	State() TransactionState
	RecvResponse(ctx context.Context, res *Response) error
	HandleTransportError(ctx context.Context, err error) error
	OnTerminated(fn func(ctx context.Context)) (unbind func())
}

type serverTransaction interface {
	Key() ServerTransactionKey
	State() TransactionState
	RecvRequest(ctx context.Context, req *Request) error
	HandleTransportError(ctx context.Context, err error) error
	OnTerminated(fn func(ctx context.Context)) (unbind func())
}

// NewManager creates a transaction manager. onRequest is invoked for every
// inbound request that doesn't match a live server transaction; it is the
// transaction user's entry point for starting new server transactions.
func NewManager(timings TimingConfig, onRequest RequestHandler, log *slog.Logger) *Manager {
	if log == nil {
		log = defaultLog()
	}
	return &Manager{
		timings:   timings,
		log:       log,
		onRequest: onRequest,
		stats:     &StatsRecorder{},
		clientTxs: syncutil.NewShardMap[ClientTransactionKey, clientTransaction](),
		serverTxs: syncutil.NewShardMap[ServerTransactionKey, serverTransaction](),
	}
}

// BeginClientInvite creates and starts a client INVITE transaction, sending
// req through tp, and registers it in the table so that responses routed
// through [Manager.HandleMessage] reach it.
func (m *Manager) BeginClientInvite(ctx context.Context, req *Request, tp Transport) (*ClientInviteTransaction, error) {
	if m.isClosed() {
		return nil, errtrace.Wrap(ErrManagerClosed)
	}
	tx, err := NewClientInviteTransaction(ctx, req, tp, m.timings, m.log)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := m.registerClient(tx.key, tx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.stats.Track(tx)
	return tx, nil
}

// BeginClientNonInvite creates and starts a client non-INVITE transaction.
func (m *Manager) BeginClientNonInvite(ctx context.Context, req *Request, tp Transport) (*ClientNonInviteTransaction, error) {
	if m.isClosed() {
		return nil, errtrace.Wrap(ErrManagerClosed)
	}
	tx, err := NewClientNonInviteTransaction(ctx, req, tp, m.timings, m.log)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := m.registerClient(tx.key, tx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.stats.Track(tx)
	return tx, nil
}

func (m *Manager) registerClient(key ClientTransactionKey, tx clientTransaction) error {
	if m.clientTxs.Has(key) {
		return errtrace.Wrap(ErrTransactionExists)
	}
	m.clientTxs.Set(key, tx)
	tx.OnTerminated(func(context.Context) {
		m.clientTxs.Del(key)
	})
	return nil
}

// beginServerInvite creates a server INVITE transaction for req, registers
// it, and sends the initial 100 Trying.
func (m *Manager) beginServerInvite(ctx context.Context, req *Request, tp Transport) (*ServerInviteTransaction, error) {
	tx, err := NewServerInviteTransaction(ctx, req, tp, m.timings, m.log)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := m.registerServer(tx.key, tx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.stats.Track(tx)
	return tx, nil
}

// beginServerNonInvite creates a server non-INVITE transaction for req and
// registers it; the transaction user supplies the first response.
func (m *Manager) beginServerNonInvite(ctx context.Context, req *Request, tp Transport) (*ServerNonInviteTransaction, error) {
	tx, err := NewServerNonInviteTransaction(ctx, req, tp, m.timings, m.log)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := m.registerServer(tx.key, tx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.stats.Track(tx)
	return tx, nil
}

func (m *Manager) registerServer(key ServerTransactionKey, tx serverTransaction) error {
	if m.serverTxs.Has(key) {
		return errtrace.Wrap(ErrTransactionExists)
	}
	m.serverTxs.Set(key, tx)
	tx.OnTerminated(func(context.Context) {
		m.serverTxs.Del(key)
	})
	return nil
}

// HandleMessage routes an inbound message arriving from tp to the
// transaction that matches it. Requests that don't match a live server
// transaction are passed, together with tp, to the manager's
// [RequestHandler] so a new transaction can be started (or, for an ACK to
// a 2xx response, handled directly per RFC 3261 §17 with no transaction at
// all). Responses that match no client transaction are dropped silently,
// per RFC 3261 §17.1.3's "simply drop it" guidance for stray responses.
func (m *Manager) HandleMessage(ctx context.Context, msg MessageView, tp Transport) {
	if msg.IsResponse() {
		m.handleResponse(ctx, msg, tp)
		return
	}
	m.handleRequest(ctx, msg, tp)
}

func (m *Manager) handleResponse(ctx context.Context, msg MessageView, tp Transport) {
	res, ok := msg.(*Response)
	if !ok {
		return
	}
	key, ok := MakeClientTransactionKeyForResponse(res)
	if !ok {
		m.log.DebugContext(ctx, "dropping response with no RFC 3261 branch")
		return
	}
	tx, ok := m.clientTxs.Get(key)
	if !ok {
		m.log.DebugContext(ctx, "dropping unmatched response", "branch", key.Branch, "method", key.Method)
		return
	}
	if err := tx.RecvResponse(ctx, res); err != nil {
		m.log.ErrorContext(ctx, "deliver response to transaction", "error", err)
	}
}

func (m *Manager) handleRequest(ctx context.Context, msg MessageView, tp Transport) {
	req, ok := msg.(*Request)
	if !ok {
		return
	}

	key, ok := MakeServerTransactionKey(req)
	if !ok {
		m.log.DebugContext(ctx, "dropping request with no RFC 3261 branch")
		return
	}

	if tx, ok := m.serverTxs.Get(key); ok {
		if err := tx.RecvRequest(ctx, req); err != nil {
			m.log.ErrorContext(ctx, "deliver request to transaction", "error", err)
		}
		return
	}

	// No existing transaction: either this is the start of a new one, or
	// (for ACK) it acknowledges a 2xx response, which RFC 3261 §17 leaves
	// entirely to the transaction user since there is no transaction
	// covering that case. Either way, the transaction user decides.
	if m.onRequest != nil {
		m.onRequest(ctx, req, tp)
	}
}

// BeginServerTransaction starts the correct server transaction kind for an
// inbound request not covered by an existing one, per the request method.
// Intended to be called from within a [RequestHandler].
func (m *Manager) BeginServerTransaction(ctx context.Context, req *Request, tp Transport) (any, error) {
	if m.isClosed() {
		return nil, errtrace.Wrap(ErrManagerClosed)
	}
	if req.RequestMethod == "INVITE" {
		return m.beginServerInvite(ctx, req, tp)
	}
	return m.beginServerNonInvite(ctx, req, tp)
}

// ClientTransaction returns the live client transaction for key, if any.
func (m *Manager) ClientTransaction(key ClientTransactionKey) (clientTransaction, bool) {
	return m.clientTxs.Get(key)
}

// ServerTransaction returns the live server transaction for key, if any.
func (m *Manager) ServerTransaction(key ServerTransactionKey) (serverTransaction, bool) {
	return m.serverTxs.Get(key)
}

// Len returns the number of live client and server transactions.
func (m *Manager) Len() (clients, servers int) {
	return m.clientTxs.Size(), m.serverTxs.Size()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the manager as closed; new transactions can no longer be
// started through it. Existing transactions continue running to
// completion and clean themselves up from the table as normal.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
