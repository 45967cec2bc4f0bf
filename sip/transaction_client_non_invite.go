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

// ClientNonInviteTransaction implements the non-INVITE client transaction
// state machine, RFC 3261 §17.1.2: Trying, Proceeding, Completed,
// Terminated. Unlike the INVITE machine there is no ACK to build; a
// matching final response simply starts Timer K before terminating.
type ClientNonInviteTransaction struct {
	*core

	key     ClientTransactionKey
	req     *Request
	tp      Transport
	timings TimingConfig

	tmrE, tmrF, tmrK atomic.Pointer[timeutil.Timer]

	onProvisionalFns   types.CallbackManager[responseFunc]
	onFinalFns         types.CallbackManager[responseFunc]
	onTimeoutFns       types.CallbackManager[terminatedFunc]
	onTransportFailFns types.CallbackManager[transportFailureFunc]
}

func (tx *ClientNonInviteTransaction) Key() ClientTransactionKey { return tx.key }
func (tx *ClientNonInviteTransaction) Request() *Request         { return tx.req }

func (tx *ClientNonInviteTransaction) OnProvisional(fn responseFunc) func() {
	return tx.onProvisionalFns.Add(fn)
}

func (tx *ClientNonInviteTransaction) OnFinal(fn responseFunc) func() {
	return tx.onFinalFns.Add(fn)
}

func (tx *ClientNonInviteTransaction) OnTimeout(fn func(ctx context.Context)) func() {
	return tx.onTimeoutFns.Add(fn)
}

func (tx *ClientNonInviteTransaction) OnTransportFailure(fn transportFailureFunc) func() {
	return tx.onTransportFailFns.Add(fn)
}

// NewClientNonInviteTransaction creates and starts a non-INVITE client
// transaction, immediately sending req.
func NewClientNonInviteTransaction(
	ctx context.Context, req *Request, tp Transport, timings TimingConfig, log *slog.Logger,
) (*ClientNonInviteTransaction, error) {
	if req == nil || req.RequestMethod == "" || req.RequestMethod == "INVITE" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request must be a non-nil non-INVITE request"))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("transport must not be nil"))
	}
	if log == nil {
		log = defaultLog()
	}

	tx := &ClientNonInviteTransaction{
		core:    newCore(TransactionTypeClientNonInvite, TransactionStateTrying, log),
		key:     MakeClientTransactionKeyForRequest(req),
		req:     req,
		tp:      tp,
		timings: timings,
	}
	tx.configureFSM()

	if err := tx.fire(ctx, evtEnterTrying); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const evtEnterTrying = "enter-trying"

func (tx *ClientNonInviteTransaction) configureFSM() {
	tx.fsm.Configure(TransactionStateTrying).
		PermitReentry(evtEnterTrying).
		OnEntryFrom(evtEnterTrying, tx.actTrying).
		InternalTransition(evtTimerE, tx.actRetransmit).
		Permit(evtRecv1xx, TransactionStateProceeding).
		Permit(evtRecv2xx, TransactionStateCompleted).
		Permit(evtRecv300to699, TransactionStateCompleted).
		Permit(evtTimerF, TransactionStateTerminated).
		Permit(evtTransportErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(evtRecv1xx, tx.actNotifyProvisional).
		InternalTransition(evtRecv1xx, tx.actNotifyProvisional).
		InternalTransition(evtTimerE, tx.actRetransmit).
		Permit(evtRecv2xx, TransactionStateCompleted).
		Permit(evtRecv300to699, TransactionStateCompleted).
		Permit(evtTimerF, TransactionStateTerminated).
		Permit(evtTransportErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(evtRecv2xx, tx.actCompleted).
		OnEntryFrom(evtRecv300to699, tx.actCompleted).
		Permit(evtTimerK, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(evtTimerF, tx.actTimedOut).
		OnEntryFrom(evtTransportErr, tx.actTransportFailed)
}

func (tx *ClientNonInviteTransaction) actTrying(ctx context.Context, _ ...any) error {
	if err := tx.tp.SendMessage(ctx, tx.req); err != nil {
		return errtrace.Wrap(tx.fire(ctx, evtTransportErr, err))
	}

	if !tx.tp.Reliable() {
		tx.armTimerE(ctx, tx.timings.TimeE())
	}
	tmrF := timeutil.NewTimer()
	tx.tmrF.Store(tmrF)
	tmrF.Arm(tx.timings.TimeF(), func() {
		if s := tx.State(); s != TransactionStateTrying && s != TransactionStateProceeding {
			return
		}
		if err := tx.fire(ctx, evtTimerF); err != nil {
			tx.log.Error("fire timer F", "error", err)
		}
	})
	return nil
}

// armTimerE arms Timer E doubling up to T2 and then repeating at T2, per
// RFC 3261 §17.1.2.2.
func (tx *ClientNonInviteTransaction) armTimerE(ctx context.Context, d time.Duration) {
	tmrE := timeutil.NewTimer()
	tx.tmrE.Store(tmrE)
	tmrE.Arm(d, func() {
		s := tx.State()
		if s != TransactionStateTrying && s != TransactionStateProceeding {
			return
		}
		if err := tx.fire(ctx, evtTimerE); err != nil {
			tx.log.Error("fire timer E", "error", err)
			return
		}
		next := 2 * d
		if t2 := tx.timings.T2(); next > t2 {
			next = t2
		}
		tx.armTimerE(ctx, next)
	})
}

func (tx *ClientNonInviteTransaction) actRetransmit(ctx context.Context, _ ...any) error {
	return errtrace.Wrap(tx.tp.SendMessage(ctx, tx.req))
}

func (tx *ClientNonInviteTransaction) actNotifyProvisional(ctx context.Context, args ...any) error {
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

// actCompleted cancels the retransmit/timeout timers and arms Timer K,
// which absorbs further response retransmissions without forwarding them
// to the transaction user (RFC 3261 §17.1.2.2).
func (tx *ClientNonInviteTransaction) actCompleted(ctx context.Context, args ...any) error {
	if tmr := tx.tmrE.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrF.Load(); tmr != nil {
		tmr.Cancel()
	}

	tmrK := timeutil.NewTimer()
	tx.tmrK.Store(tmrK)
	d := tx.timings.TimeK()
	if tx.tp.Reliable() {
		d = 0
	}
	tmrK.Arm(d, func() {
		if tx.State() != TransactionStateCompleted {
			return
		}
		if err := tx.fire(ctx, evtTimerK); err != nil {
			tx.log.Error("fire timer K", "error", err)
		}
	})

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

func (tx *ClientNonInviteTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	for fn := range tx.onTimeoutFns.All() {
		fn(ctx)
	}
	return nil
}

func (tx *ClientNonInviteTransaction) actTransportFailed(ctx context.Context, args ...any) error {
	if tmr := tx.tmrE.Load(); tmr != nil {
		tmr.Cancel()
	}
	if tmr := tx.tmrF.Load(); tmr != nil {
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

// RecvResponse delivers res to the transaction.
func (tx *ClientNonInviteTransaction) RecvResponse(ctx context.Context, res *Response) error {
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
func (tx *ClientNonInviteTransaction) HandleTransportError(ctx context.Context, err error) error {
	return errtrace.Wrap(tx.fire(ctx, evtTransportErr, err))
}
