package sip

import "github.com/halvar/siptx/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument Error = errorutil.ErrInvalidArgument
)

// Transaction errors.
const (
	// ErrTransactionNotFound names the case where no transaction matches an
	// incoming message or lookup key. [Manager.HandleMessage] drops or
	// hands off unmatched messages and does not return it.
	ErrTransactionNotFound Error = "transaction not found"
	// ErrTransactionExists is returned when a transaction is created with a
	// key that already has a live transaction registered against it.
	ErrTransactionExists Error = "transaction already exists"
	// ErrTransactionTimedOut names a transaction's retransmit timeout
	// (Timer B, F or H). The transactions report timeouts through their
	// OnTimeout callbacks and do not return it.
	ErrTransactionTimedOut Error = "transaction timed out"
	// ErrTransactionTerminated names an operation attempted against a
	// transaction that has already reached the Terminated state. The
	// transactions do not return it; such calls return the state
	// machine's own error.
	ErrTransactionTerminated Error = "transaction terminated"
	// ErrManagerClosed is returned when the transaction manager has been shut down.
	ErrManagerClosed Error = "transaction manager closed"
)

// Transport errors.
const (
	// ErrTransportFailure names a send failure the transport adapter reports
	// for a transaction's message. The transactions pass the adapter's own
	// error to their OnTransportFailure callbacks and do not return it.
	ErrTransportFailure Error = "transport failure"
)

// Error represents a sentinel SIP transaction-layer error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps the provided error/message with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
