package sip

import (
	"context"
	"log/slog"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/halvar/siptx/internal/types"
)

// TransactionType identifies which of the four RFC 3261 §17 state machines
// a transaction runs.
type TransactionType int

const (
	TransactionTypeClientInvite TransactionType = iota
	TransactionTypeClientNonInvite
	TransactionTypeServerInvite
	TransactionTypeServerNonInvite
)

func (t TransactionType) String() string {
	switch t {
	case TransactionTypeClientInvite:
		return "client-invite"
	case TransactionTypeClientNonInvite:
		return "client-non-invite"
	case TransactionTypeServerInvite:
		return "server-invite"
	case TransactionTypeServerNonInvite:
		return "server-non-invite"
	default:
		return "unknown"
	}
}

// TransactionState is one of the states of a transaction's state machine.
// Not every state applies to every [TransactionType]; see §17.1/§17.2.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "Calling"
	TransactionStateTrying     TransactionState = "Trying"
	TransactionStateProceeding TransactionState = "Proceeding"
	TransactionStateCompleted  TransactionState = "Completed"
	TransactionStateConfirmed  TransactionState = "Confirmed"
	TransactionStateTerminated TransactionState = "Terminated"
)

// Internal FSM triggers, shared vocabulary across the four transaction kinds.
const (
	evtRecv1xx     = "recv-1xx"
	evtRecv2xx     = "recv-2xx"
	evtRecv300to699 = "recv-300-699"
	evtRecvRequest  = "recv-request"
	evtRecvAck      = "recv-ack"
	evtSendResponse = "send-response"
	evtTransportErr = "transport-error"
	evtTerminate    = "terminate"

	evtTimerA = "timer-a"
	evtTimerB = "timer-b"
	evtTimerD = "timer-d"
	evtTimerE = "timer-e"
	evtTimerF = "timer-f"
	evtTimerG = "timer-g"
	evtTimerH = "timer-h"
	evtTimerI = "timer-i"
	evtTimerJ = "timer-j"
	evtTimerK = "timer-k"
)

type stateChangedFunc func(ctx context.Context, from, to TransactionState)
type terminatedFunc func(ctx context.Context)

// core is the state and plumbing shared by all four transaction kinds: the
// FSM itself, its current-state mirror (read without going through the
// FSM's own lock, so timer callbacks can cheaply check for staleness),
// logging and lifecycle callbacks.
type core struct {
	typ TransactionType
	fsm *stateless.StateMachine
	log *slog.Logger

	mu    sync.RWMutex
	state TransactionState

	onStateChanged types.CallbackManager[stateChangedFunc]
	onTerminated   types.CallbackManager[terminatedFunc]
}

func newCore(typ TransactionType, initial TransactionState, log *slog.Logger) *core {
	c := &core{typ: typ, state: initial, log: log}
	c.fsm = stateless.NewStateMachine(initial)
	c.fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		from, _ := t.Source.(TransactionState)
		to, _ := t.Destination.(TransactionState)
		if from == to {
			return
		}
		c.mu.Lock()
		c.state = to
		c.mu.Unlock()

		for fn := range c.onStateChanged.All() {
			fn(context.Background(), from, to)
		}
		if to == TransactionStateTerminated {
			for fn := range c.onTerminated.All() {
				fn(context.Background())
			}
		}
	})
	return c
}

// Type returns the transaction's kind.
func (c *core) Type() TransactionType { return c.typ }

// State returns the transaction's current state. Safe for concurrent use,
// including from a timer-fired goroutine checking for staleness before it
// fires an event into the FSM.
func (c *core) State() TransactionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChanged registers fn to be called on every state transition.
func (c *core) OnStateChanged(fn func(ctx context.Context, from, to TransactionState)) (unbind func()) {
	return c.onStateChanged.Add(fn)
}

// OnTerminated registers fn to be called once, when the transaction reaches
// [TransactionStateTerminated] — the single point of destruction for a
// transaction record (§3 invariant).
func (c *core) OnTerminated(fn func(ctx context.Context)) (unbind func()) {
	return c.onTerminated.Add(fn)
}

func (c *core) fire(ctx context.Context, trigger string, args ...any) error {
	return c.fsm.FireCtx(ctx, trigger, args...)
}
