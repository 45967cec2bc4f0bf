package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/halvar/siptx/internal/timeutil"
	"github.com/halvar/siptx/internal/types"
)

// ServerNonInviteTransaction implements the non-INVITE server transaction
// state machine, RFC 3261 §17.2.2: Trying, Proceeding, Completed,
// Terminated. Unlike the INVITE machine, Trying sends nothing on entry:
// the transaction user is expected to provide the first response.
type ServerNonInviteTransaction struct {
	*core

	key     ServerTransactionKey
	req     *Request
	tp      Transport
	timings TimingConfig

	lastResponse atomic.Pointer[Response]
	tmrJ         atomic.Pointer[timeutil.Timer]

	onRequestFns       types.CallbackManager[requestFunc]
	onTransportFailFns types.CallbackManager[transportFailureFunc]
}

func (tx *ServerNonInviteTransaction) Key() ServerTransactionKey { return tx.key }
func (tx *ServerNonInviteTransaction) Request() *Request         { return tx.req }

// OnRequest registers fn to observe request retransmissions that trigger a
// resend of the last response while in Proceeding or Completed.
func (tx *ServerNonInviteTransaction) OnRequest(fn requestFunc) func() {
	return tx.onRequestFns.Add(fn)
}

func (tx *ServerNonInviteTransaction) OnTransportFailure(fn transportFailureFunc) func() {
	return tx.onTransportFailFns.Add(fn)
}

// NewServerNonInviteTransaction creates a server transaction for an inbound
// non-INVITE req. It sends nothing until the transaction user calls
// SendResponse.
func NewServerNonInviteTransaction(
	_ context.Context, req *Request, tp Transport, timings TimingConfig, log *slog.Logger,
) (*ServerNonInviteTransaction, error) {
	if req == nil || req.RequestMethod == "" || req.RequestMethod == "INVITE" || req.RequestMethod == "ACK" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request must be a non-nil non-INVITE, non-ACK request"))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("transport must not be nil"))
	}
	if log == nil {
		log = defaultLog()
	}

	key, ok := MakeServerTransactionKey(req)
	if !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request has no RFC 3261 branch"))
	}

	tx := &ServerNonInviteTransaction{
		core:    newCore(TransactionTypeServerNonInvite, TransactionStateTrying, log),
		key:     key,
		req:     req,
		tp:      tp,
		timings: timings,
	}
	tx.configureFSM()
	return tx, nil
}

func (tx *ServerNonInviteTransaction) configureFSM() {
	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(evtRecvRequest, tx.noop).
		Permit(evtSendResponse, TransactionStateProceeding).
		Permit(evtSendResponseFinal, TransactionStateCompleted).
		Permit(evtTransportErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(evtSendResponse, tx.actSend1xx).
		InternalTransition(evtSendResponse, tx.actSend1xx).
		InternalTransition(evtRecvRequest, tx.actRetransmitLast).
		Permit(evtSendResponseFinal, TransactionStateCompleted).
		Permit(evtTransportErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(evtSendResponseFinal, tx.actCompleted).
		InternalTransition(evtRecvRequest, tx.actRetransmitLast).
		Permit(evtTimerJ, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(evtTransportErr, tx.actTransportFailed)
}

func (tx *ServerNonInviteTransaction) noop(context.Context, ...any) error { return nil }

// SendResponse delivers a response from the transaction user to the
// transport. 1xx responses move to Proceeding; any final response (2xx or
// higher, there is no special 2xx case for non-INVITE) moves to Completed.
func (tx *ServerNonInviteTransaction) SendResponse(ctx context.Context, res *Response) error {
	if IsProvisional(res.Status) {
		return errtrace.Wrap(tx.fire(ctx, evtSendResponse, res))
	}
	return errtrace.Wrap(tx.fire(ctx, evtSendResponseFinal, res))
}

func (tx *ServerNonInviteTransaction) actSend1xx(ctx context.Context, args ...any) error {
	if len(args) == 0 {
		return nil
	}
	res, _ := args[0].(*Response)
	if res == nil {
		return nil
	}
	tx.lastResponse.Store(res)
	return errtrace.Wrap(tx.tp.SendMessage(ctx, res))
}

func (tx *ServerNonInviteTransaction) actRetransmitLast(ctx context.Context, args ...any) error {
	if len(args) > 0 {
		if req, ok := args[0].(*Request); ok && req != nil {
			for fn := range tx.onRequestFns.All() {
				fn(ctx, req)
			}
		}
	}
	res := tx.lastResponse.Load()
	if res == nil {
		return nil
	}
	return errtrace.Wrap(tx.tp.SendMessage(ctx, res))
}

// actCompleted sends the final response and arms Timer J, which absorbs
// request retransmits before the transaction is destroyed (RFC 3261
// §17.2.2). For reliable transports Timer J has zero duration and fires
// immediately.
func (tx *ServerNonInviteTransaction) actCompleted(ctx context.Context, args ...any) error {
	if len(args) > 0 {
		if res, ok := args[0].(*Response); ok && res != nil {
			tx.lastResponse.Store(res)
			if err := tx.tp.SendMessage(ctx, res); err != nil {
				tx.log.Error("send final response", "error", err)
			}
		}
	}

	tmrJ := timeutil.NewTimer()
	tx.tmrJ.Store(tmrJ)
	d := tx.timings.TimeJ()
	if tx.tp.Reliable() {
		d = 0
	}
	tmrJ.Arm(d, func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		if err := tx.fire(ctx, evtTimerJ); err != nil {
			tx.log.Error("fire timer J", "error", err)
		}
	})
	return nil
}

func (tx *ServerNonInviteTransaction) actTransportFailed(ctx context.Context, args ...any) error {
	if tmr := tx.tmrJ.Load(); tmr != nil {
		tmr.Cancel()
	}
	var err error
	if len(args) > 0 {
		err, _ = args[0].(error)
	}
	for fn := range tx.onTransportFailFns.All() {
		fn(ctx, err)
	}
	return nil
}

// RecvRequest delivers a retransmitted request to the transaction.
func (tx *ServerNonInviteTransaction) RecvRequest(ctx context.Context, req *Request) error {
	return errtrace.Wrap(tx.fire(ctx, evtRecvRequest, req))
}

// HandleTransportError notifies the transaction that the transport failed
// to deliver its last send.
func (tx *ServerNonInviteTransaction) HandleTransportError(ctx context.Context, err error) error {
	return errtrace.Wrap(tx.fire(ctx, evtTransportErr, err))
}
