package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/halvar/siptx/internal/timeutil"
	"github.com/halvar/siptx/internal/types"
)

type requestFunc func(ctx context.Context, req *Request)

// ServerInviteTransaction implements the INVITE server transaction state
// machine, RFC 3261 §17.2.1: Proceeding, Completed, Confirmed, Terminated.
// The transaction enters Proceeding on creation and sends a 100 Trying
// synchronously before the constructor returns, rather than arming a
// separate Timer 100. The 100 is always sent; 1xx responses the
// application sends afterwards follow it.
type ServerInviteTransaction struct {
	*core

	key     ServerTransactionKey
	req     *Request
	tp      Transport
	timings TimingConfig

	lastResponse atomic.Pointer[Response]
	tmrG, tmrH, tmrI atomic.Pointer[timeutil.Timer]

	onRequestFns       types.CallbackManager[requestFunc]
	onTimeoutFns       types.CallbackManager[terminatedFunc]
	onTransportFailFns types.CallbackManager[transportFailureFunc]
}

func (tx *ServerInviteTransaction) Key() ServerTransactionKey { return tx.key }
func (tx *ServerInviteTransaction) Request() *Request         { return tx.req }

// OnRequest registers fn to be called when a request retransmission arrives
// while the transaction is in Proceeding or Completed and the last response
// is resent automatically; fn is an additional observer, not a gate.
func (tx *ServerInviteTransaction) OnRequest(fn requestFunc) func() {
	return tx.onRequestFns.Add(fn)
}

func (tx *ServerInviteTransaction) OnTimeout(fn func(ctx context.Context)) func() {
	return tx.onTimeoutFns.Add(fn)
}

func (tx *ServerInviteTransaction) OnTransportFailure(fn transportFailureFunc) func() {
	return tx.onTransportFailFns.Add(fn)
}

// NewServerInviteTransaction creates a server INVITE transaction for an
// inbound INVITE req, sending a 100 Trying immediately.
func NewServerInviteTransaction(
	ctx context.Context, req *Request, tp Transport, timings TimingConfig, log *slog.Logger,
) (*ServerInviteTransaction, error) {
	if req == nil || req.RequestMethod != "INVITE" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request must be a non-nil INVITE"))
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

	tx := &ServerInviteTransaction{
		core:    newCore(TransactionTypeServerInvite, TransactionStateProceeding, log),
		key:     key,
		req:     req,
		tp:      tp,
		timings: timings,
	}
	tx.configureFSM()

	if err := tx.fire(ctx, evtEnterProceeding); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const evtEnterProceeding = "enter-proceeding"

func (tx *ServerInviteTransaction) configureFSM() {
	tx.fsm.Configure(TransactionStateProceeding).
		PermitReentry(evtEnterProceeding).
		OnEntryFrom(evtEnterProceeding, tx.actEnterProceeding).
		InternalTransition(evtRecvRequest, tx.actRetransmitLast).
		InternalTransition(evtSendResponse, tx.actSend1xx).
		Permit(evtSendResponse2xx, TransactionStateTerminated).
		Permit(evtSendResponseFinal, TransactionStateCompleted).
		Permit(evtTransportErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(evtSendResponseFinal, tx.actCompleted).
		InternalTransition(evtRecvRequest, tx.actRetransmitLast).
		InternalTransition(evtTimerG, tx.actRetransmitLast).
		Permit(evtRecvAck, TransactionStateConfirmed).
		Permit(evtTimerH, TransactionStateTerminated).
		Permit(evtTransportErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntryFrom(evtRecvAck, tx.actConfirmed).
		InternalTransition(evtRecvAck, tx.noop).
		Permit(evtTimerI, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(evtSendResponse2xx, tx.actNoTimers).
		OnEntryFrom(evtTimerH, tx.actTimedOut).
		OnEntryFrom(evtTimerI, tx.actNoTimers).
		OnEntryFrom(evtTransportErr, tx.actTransportFailed)
}

const (
	evtSendResponse2xx   = "send-response-2xx"
	evtSendResponseFinal = "send-response-final"
)

func (tx *ServerInviteTransaction) actEnterProceeding(ctx context.Context, _ ...any) error {
	trying := NewResponse(tx.req, 100, "Trying")
	tx.lastResponse.Store(trying)
	if err := tx.tp.SendMessage(ctx, trying); err != nil {
		return errtrace.Wrap(tx.fire(ctx, evtTransportErr, err))
	}
	return nil
}

// SendResponse delivers a response from the transaction user down to the
// transport, driving the FSM into Completed (non-2xx final) or Terminated
// (2xx final) as appropriate. 1xx responses stay in Proceeding.
func (tx *ServerInviteTransaction) SendResponse(ctx context.Context, res *Response) error {
	switch {
	case IsProvisional(res.Status):
		return errtrace.Wrap(tx.fire(ctx, evtSendResponse, res))
	case Is2xx(res.Status):
		tx.lastResponse.Store(res)
		if err := tx.tp.SendMessage(ctx, res); err != nil {
			return errtrace.Wrap(tx.fire(ctx, evtTransportErr, err))
		}
		return errtrace.Wrap(tx.fire(ctx, evtSendResponse2xx, res))
	default:
		return errtrace.Wrap(tx.fire(ctx, evtSendResponseFinal, res))
	}
}

func (tx *ServerInviteTransaction) actSend1xx(ctx context.Context, args ...any) error {
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

func (tx *ServerInviteTransaction) actRetransmitLast(ctx context.Context, args ...any) error {
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

// actCompleted arms Timers G (response retransmit, unreliable only) and H
// (ACK timeout, always), per RFC 3261 §17.2.1.
func (tx *ServerInviteTransaction) actCompleted(ctx context.Context, args ...any) error {
	if len(args) > 0 {
		if res, ok := args[0].(*Response); ok && res != nil {
			tx.lastResponse.Store(res)
			if err := tx.tp.SendMessage(ctx, res); err != nil {
				tx.log.Error("send final response", "error", err)
			}
		}
	}

	if !tx.tp.Reliable() {
		tx.armTimerG(ctx, tx.timings.TimeG())
	}
	tmrH := timeutil.NewTimer()
	tx.tmrH.Store(tmrH)
	tmrH.Arm(tx.timings.TimeH(), func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		if err := tx.fire(ctx, evtTimerH); err != nil {
			tx.log.Error("fire timer H", "error", err)
		}
	})
	return nil
}

func (tx *ServerInviteTransaction) armTimerG(ctx context.Context, d time.Duration) {
	tmrG := timeutil.NewTimer()
	tx.tmrG.Store(tmrG)
	tmrG.Arm(d, func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		if err := tx.fire(ctx, evtTimerG); err != nil {
			tx.log.Error("fire timer G", "error", err)
			return
		}
		next := 2 * d
		if t2 := tx.timings.T2(); next > t2 {
			next = t2
		}
		tx.armTimerG(ctx, next)
	})
}

// actConfirmed cancels Timers G/H and arms Timer I, which absorbs ACK
// retransmits before the transaction is destroyed (RFC 3261 §17.2.1).
func (tx *ServerInviteTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	if tmr := tx.tmrG.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrH.Load(); tmr != nil {
		tmr.Cancel()
	}

	tmrI := timeutil.NewTimer()
	tx.tmrI.Store(tmrI)
	d := tx.timings.TimeI()
	if tx.tp.Reliable() {
		d = 0
	}
	tmrI.Arm(d, func() {
		if tx.State() != TransactionStateConfirmed {
			return
		}
		if err := tx.fire(ctx, evtTimerI); err != nil {
			tx.log.Error("fire timer I", "error", err)
		}
	})
	return nil
}

func (tx *ServerInviteTransaction) noop(context.Context, ...any) error { return nil }

func (tx *ServerInviteTransaction) actNoTimers(context.Context, ...any) error {
	if tmr := tx.tmrG.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrH.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrI.Load(); tmr != nil {
		tmr.Cancel()
	}
	return nil
}

func (tx *ServerInviteTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	if tmr := tx.tmrG.Load(); tmr != nil {
		tmr.Cancel()
	}
	for fn := range tx.onTimeoutFns.All() {
		fn(ctx)
	}
	return nil
}

func (tx *ServerInviteTransaction) actTransportFailed(ctx context.Context, args ...any) error {
	if tmr := tx.tmrG.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrH.Load(); tmr != nil {
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

// RecvRequest delivers a retransmitted or in-dialog request to the
// transaction. An ACK matching a non-2xx final response drives Completed
// into Confirmed; any other retransmitted request triggers a resend of the
// last response.
func (tx *ServerInviteTransaction) RecvRequest(ctx context.Context, req *Request) error {
	if req.RequestMethod == "ACK" {
		return errtrace.Wrap(tx.fire(ctx, evtRecvAck, req))
	}
	return errtrace.Wrap(tx.fire(ctx, evtRecvRequest, req))
}

// HandleTransportError notifies the transaction that the transport failed
// to deliver its last send.
func (tx *ServerInviteTransaction) HandleTransportError(ctx context.Context, err error) error {
	return errtrace.Wrap(tx.fire(ctx, evtTransportErr, err))
}
