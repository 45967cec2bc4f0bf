package sip

import (
	"context"
	"sync/atomic"
	"time"
)

// StatsReport is a snapshot of transaction counts, suitable for periodic
// export to a metrics or logging sink.
type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transactions TransactionStats `json:"transactions"`
}

// TransactionStats holds live and cumulative transaction counts by kind.
type TransactionStats struct {
	InviteClientTransactions         uint64 `json:"invite_client_transactions"`
	NonInviteClientTransactions      uint64 `json:"non_invite_client_transactions"`
	InviteServerTransactions         uint64 `json:"invite_server_transactions"`
	NonInviteServerTransactions      uint64 `json:"non_invite_server_transactions"`
	InviteClientTransactionsTotal    uint64 `json:"invite_client_transactions_total"`
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	InviteServerTransactionsTotal    uint64 `json:"invite_server_transactions_total"`
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
}

// statefulTransaction is the subset of a transaction's API a [StatsRecorder]
// needs to track its lifetime: its kind, and a hook called on every state
// change.
type statefulTransaction interface {
	Type() TransactionType
	OnStateChanged(fn func(ctx context.Context, from, to TransactionState)) (unbind func())
}

// StatsRecorder records the number of live and historical transactions by
// kind. The zero value is ready to use.
type StatsRecorder struct {
	invClnTxs, invSrvTxs, ninvClnTxs, ninvSrvTxs atomic.Int64

	invClnTxsTotal, invSrvTxsTotal,
	ninvClnTxsTotal, ninvSrvTxsTotal atomic.Uint64
}

// Report returns a statistics snapshot. Call this periodically to export
// updated values.
func (r *StatsRecorder) Report() StatsReport {
	return StatsReport{
		Time: time.Now(),
		Transactions: TransactionStats{
			InviteClientTransactions:         clampToUint64(r.invClnTxs.Load()),
			NonInviteClientTransactions:      clampToUint64(r.ninvClnTxs.Load()),
			InviteServerTransactions:         clampToUint64(r.invSrvTxs.Load()),
			NonInviteServerTransactions:      clampToUint64(r.ninvSrvTxs.Load()),
			InviteClientTransactionsTotal:    r.invClnTxsTotal.Load(),
			NonInviteClientTransactionsTotal: r.ninvClnTxsTotal.Load(),
			InviteServerTransactionsTotal:    r.invSrvTxsTotal.Load(),
			NonInviteServerTransactionsTotal: r.ninvSrvTxsTotal.Load(),
		},
	}
}

func clampToUint64(v int64) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(v)
}

// Track registers tx with the recorder, incrementing the live and total
// counters for its kind and decrementing the live counter once it reaches
// [TransactionStateTerminated].
func (r *StatsRecorder) Track(tx statefulTransaction) {
	if r == nil || tx == nil {
		return
	}

	var live *atomic.Int64
	//nolint:exhaustive
	switch tx.Type() {
	case TransactionTypeClientInvite:
		live = &r.invClnTxs
		r.invClnTxsTotal.Add(1)
	case TransactionTypeClientNonInvite:
		live = &r.ninvClnTxs
		r.ninvClnTxsTotal.Add(1)
	case TransactionTypeServerInvite:
		live = &r.invSrvTxs
		r.invSrvTxsTotal.Add(1)
	case TransactionTypeServerNonInvite:
		live = &r.ninvSrvTxs
		r.ninvSrvTxsTotal.Add(1)
	default:
		return
	}
	live.Add(1)

	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) {
		if to == TransactionStateTerminated {
			live.Add(-1)
		}
	})
}
