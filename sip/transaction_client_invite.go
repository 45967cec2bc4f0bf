package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/halvar/siptx/internal/timeutil"
	"github.com/halvar/siptx/internal/types"
	siptxlog "github.com/halvar/siptx/log"
)

type responseFunc func(ctx context.Context, res *Response)
type transportFailureFunc func(ctx context.Context, err error)

// ClientInviteTransaction implements the INVITE client transaction state
// machine, RFC 3261 §17.1.1: Calling, Proceeding, Completed, Terminated.
// A 2xx final response terminates the transaction directly; there is no
// Accepted state (RFC 6026 forked-response handling is out of scope).
type ClientInviteTransaction struct {
	*core

	key     ClientTransactionKey
	req     *Request
	tp      Transport
	timings TimingConfig

	tmrA, tmrB, tmrD atomic.Pointer[timeutil.Timer]
	ack              atomic.Pointer[Request]

	onProvisionalFns   types.CallbackManager[responseFunc]
	onFinalFns         types.CallbackManager[responseFunc]
	onTimeoutFns       types.CallbackManager[terminatedFunc]
	onTransportFailFns types.CallbackManager[transportFailureFunc]
}

func (tx *ClientInviteTransaction) Key() ClientTransactionKey { return tx.key }
func (tx *ClientInviteTransaction) Request() *Request         { return tx.req }

func (tx *ClientInviteTransaction) OnProvisional(fn responseFunc) func() {
	return tx.onProvisionalFns.Add(fn)
}

func (tx *ClientInviteTransaction) OnFinal(fn responseFunc) func() {
	return tx.onFinalFns.Add(fn)
}

func (tx *ClientInviteTransaction) OnTimeout(fn func(ctx context.Context)) func() {
	return tx.onTimeoutFns.Add(fn)
}

func (tx *ClientInviteTransaction) OnTransportFailure(fn transportFailureFunc) func() {
	return tx.onTransportFailFns.Add(fn)
}

// NewClientInviteTransaction creates and starts an INVITE client
// transaction, immediately sending req.
func NewClientInviteTransaction(
	ctx context.Context, req *Request, tp Transport, timings TimingConfig, log *slog.Logger,
) (*ClientInviteTransaction, error) {
	if req == nil || req.RequestMethod != "INVITE" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request must be a non-nil INVITE"))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("transport must not be nil"))
	}
	if log == nil {
		log = defaultLog()
	}

	tx := &ClientInviteTransaction{
		core:    newCore(TransactionTypeClientInvite, TransactionStateCalling, log),
		key:     MakeClientTransactionKeyForRequest(req),
		req:     req,
		tp:      tp,
		timings: timings,
	}
	tx.configureFSM()

	if err := tx.fire(ctx, evtEnterCalling); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const evtEnterCalling = "enter-calling"

func (tx *ClientInviteTransaction) configureFSM() {
	tx.fsm.Configure(TransactionStateCalling).
		PermitReentry(evtEnterCalling).
		OnEntryFrom(evtEnterCalling, tx.actCalling).
		InternalTransition(evtTimerA, tx.actRetransmit).
		Permit(evtRecv1xx, TransactionStateProceeding).
		Permit(evtRecv2xx, TransactionStateTerminated).
		Permit(evtRecv300to699, TransactionStateCompleted).
		Permit(evtTimerB, TransactionStateTerminated).
		Permit(evtTransportErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(evtRecv1xx, tx.actNotifyProvisional).
		InternalTransition(evtRecv1xx, tx.actNotifyProvisional).
		Permit(evtRecv2xx, TransactionStateTerminated).
		Permit(evtRecv300to699, TransactionStateCompleted).
		Permit(evtTransportErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(evtRecv300to699, tx.actCompleted).
		InternalTransition(evtRecv300to699, tx.actRetransmitAck).
		Permit(evtTimerD, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(evtRecv2xx, tx.actNotifyFinal).
		OnEntryFrom(evtTimerB, tx.actTimedOut).
		OnEntryFrom(evtTransportErr, tx.actTransportFailed)
}

func (tx *ClientInviteTransaction) actCalling(ctx context.Context, _ ...any) error {
	if err := tx.tp.SendMessage(ctx, tx.req); err != nil {
		return errtrace.Wrap(tx.fire(ctx, evtTransportErr, err))
	}

	if !tx.tp.Reliable() {
		tx.armTimerA(ctx, tx.timings.TimeA())
	}
	tmrB := timeutil.NewTimer()
	tx.tmrB.Store(tmrB)
	tmrB.Arm(tx.timings.TimeB(), func() {
		if tx.State() != TransactionStateCalling {
			return
		}
		if err := tx.fire(ctx, evtTimerB); err != nil {
			tx.log.Error("fire timer B", "error", err)
		}
	})
	return nil
}

func (tx *ClientInviteTransaction) armTimerA(ctx context.Context, d time.Duration) {
	tmrA := timeutil.NewTimer()
	tx.tmrA.Store(tmrA)
	tmrA.Arm(d, func() {
		if tx.State() != TransactionStateCalling {
			return
		}
		if err := tx.fire(ctx, evtTimerA); err != nil {
			tx.log.Error("fire timer A", "error", err)
			return
		}
		tx.armTimerA(ctx, 2*d)
	})
}

func (tx *ClientInviteTransaction) actRetransmit(ctx context.Context, _ ...any) error {
	return errtrace.Wrap(tx.tp.SendMessage(ctx, tx.req))
}

func (tx *ClientInviteTransaction) actNotifyProvisional(ctx context.Context, args ...any) error {
	if len(args) == 0 {
		return nil
	}
	res, _ := args[0].(*Response)
	if res == nil {
		return nil
	}
	for fn := range tx.onProvisionalFns.All() {
		fn(ctx, res)
	}
	return nil
}

func (tx *ClientInviteTransaction) actNotifyFinal(ctx context.Context, args ...any) error {
	if tmr := tx.tmrA.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrB.Load(); tmr != nil {
		tmr.Cancel()
	}
	if len(args) == 0 {
		return nil
	}
	res, _ := args[0].(*Response)
	if res == nil {
		return nil
	}
	for fn := range tx.onFinalFns.All() {
		fn(ctx, res)
	}
	return nil
}

// actCompleted builds and sends the ACK for a non-2xx final response per
// RFC 3261 §17.1.1.3: same branch and CSeq number as the INVITE, method
// ACK, To taken from the response (it carries the remote tag).
func (tx *ClientInviteTransaction) actCompleted(ctx context.Context, args ...any) error {
	if tmr := tx.tmrA.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrB.Load(); tmr != nil {
		tmr.Cancel()
	}

	var res *Response
	if len(args) > 0 {
		res, _ = args[0].(*Response)
	}
	ack := tx.buildAck(res)
	tx.ack.Store(ack)
	if err := tx.tp.SendMessage(ctx, ack); err != nil {
		tx.log.Error("send ACK", "error", err)
	}

	tmrD := timeutil.NewTimer()
	tx.tmrD.Store(tmrD)
	d := tx.timings.TimeD()
	if tx.tp.Reliable() {
		d = 0
	}
	tmrD.Arm(d, func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		if err := tx.fire(ctx, evtTimerD); err != nil {
			tx.log.Error("fire timer D", "error", err)
		}
	})

	if res != nil {
		for fn := range tx.onFinalFns.All() {
			fn(ctx, res)
		}
	}
	return nil
}

// actRetransmitAck resends the ACK built on first entry to Completed. The
// ACK must not be rebuilt here: a retransmitted final response must be
// absorbed with the same ACK, carrying the same To-tag, as the first one
// (RFC 3261 §17.1.1.3).
func (tx *ClientInviteTransaction) actRetransmitAck(ctx context.Context, _ ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		return nil
	}
	return errtrace.Wrap(tx.tp.SendMessage(ctx, ack))
}

func (tx *ClientInviteTransaction) buildAck(res *Response) *Request {
	to := tx.req.To
	if res != nil && res.To != "" {
		to = res.To
	}
	return &Request{
		RequestMethod: "ACK",
		RequestURI:    tx.req.RequestURI,
		Vias:          tx.req.Vias,
		CallID:        tx.req.CallID,
		CSeqNum:       tx.req.CSeqNum,
		To:            to,
		From:          tx.req.From,
	}
}

func (tx *ClientInviteTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	for fn := range tx.onTimeoutFns.All() {
		fn(ctx)
	}
	return nil
}

func (tx *ClientInviteTransaction) actTransportFailed(ctx context.Context, args ...any) error {
	if tmr := tx.tmrA.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrB.Load(); tmr != nil {
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

// RecvResponse delivers res to the transaction. Late provisional responses
// arriving after a final response has already been processed are silently
// ignored, as are any events after Terminated.
func (tx *ClientInviteTransaction) RecvResponse(ctx context.Context, res *Response) error {
	switch tx.State() {
	case TransactionStateTerminated:
		return nil
	case TransactionStateCompleted:
		if IsProvisional(res.Status) {
			return nil
		}
	}
	switch {
	case IsProvisional(res.Status):
		return errtrace.Wrap(tx.fire(ctx, evtRecv1xx, res))
	case Is2xx(res.Status):
		return errtrace.Wrap(tx.fire(ctx, evtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fire(ctx, evtRecv300to699, res))
	}
}

// HandleTransportError notifies the transaction that the transport failed
// to deliver its last send.
func (tx *ClientInviteTransaction) HandleTransportError(ctx context.Context, err error) error {
	return errtrace.Wrap(tx.fire(ctx, evtTransportErr, err))
}

func defaultLog() *slog.Logger { return siptxlog.Default() }
