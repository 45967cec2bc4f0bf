// Command siptxd is a minimal demo of the transaction layer over UDP: it
// listens on a local address, starts a server transaction for every
// inbound request, answers INVITEs with 180/200 and everything else with
// 200, and reports live transaction counts on a timer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halvar/siptx/log"
	"github.com/halvar/siptx/sip"
	"github.com/halvar/siptx/transport"
)

func main() {
	addr := flag.String("addr", ":5060", "UDP address to listen on")
	t1 := flag.Duration("t1", sip.T1, "RFC 3261 Timer T1 (RTT estimate)")
	t2 := flag.Duration("t2", sip.T2, "RFC 3261 Timer T2 (max non-INVITE/response retransmit interval)")
	t4 := flag.Duration("t4", sip.T4, "RFC 3261 Timer T4 (max message network lifetime)")
	timeD := flag.Duration("time-d", sip.TimeD, "RFC 3261 Timer D (ACK-absorption wait floor)")
	devLog := flag.Bool("dev", false, "use the development log formatter instead of console")
	flag.Parse()

	logger := log.Console()
	if *devLog {
		logger = log.Develop()
	}
	log.SetDefault(logger)

	timings := sip.NewTimings(*t1, *t2, *t4, *timeD)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var udpTp *transport.UDPTransport
	var mgr *sip.Manager

	mgr = sip.NewManager(timings, func(ctx context.Context, req *sip.Request, tp sip.Transport) {
		handleInboundRequest(ctx, mgr, req, tp, logger)
	}, logger)

	recv := transport.ReceiverFunc(func(data []byte, remote transport.Addr) {
		msg, err := transport.Decode(data)
		if err != nil {
			logger.Warn("dropping undecodable datagram", "remote", remote, "error", err)
			return
		}
		mgr.HandleMessage(ctx, msg, dialedTransport{low: udpTp, remote: remote})
	})

	var err error
	udpTp, err = transport.NewUDPTransport(*addr, recv, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen on %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer udpTp.Close()

	logger.Info("listening", "addr", udpTp.LocalAddr())

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			_ = mgr.Close()
			return
		case <-ticker.C:
			clients, servers := mgr.Len()
			report := mgr.Stats().Report()
			logger.Info("stats",
				"live_clients", clients,
				"live_servers", servers,
				"invite_client_total", report.Transactions.InviteClientTransactionsTotal,
				"non_invite_client_total", report.Transactions.NonInviteClientTransactionsTotal,
				"invite_server_total", report.Transactions.InviteServerTransactionsTotal,
				"non_invite_server_total", report.Transactions.NonInviteServerTransactionsTotal,
			)
		}
	}
}

// dialedTransport binds a [transport.Transport] to a single remote for one
// outbound send, satisfying [sip.Transport] without pre-allocating an
// adapter per peer.
type dialedTransport struct {
	low    transport.Transport
	remote transport.Addr
}

func (d dialedTransport) SendMessage(ctx context.Context, msg sip.MessageView) error {
	data, err := transport.Encode(msg)
	if err != nil {
		return err
	}
	return d.low.Send(ctx, d.remote, data)
}

func (d dialedTransport) Reliable() bool { return d.low.Reliable(d.remote) }

func handleInboundRequest(ctx context.Context, mgr *sip.Manager, req *sip.Request, tp sip.Transport, logger *slog.Logger) {
	switch req.RequestMethod {
	case "INVITE":
		tx, err := mgr.BeginServerTransaction(ctx, req, tp)
		if err != nil {
			logger.Error("begin server invite transaction", "error", err)
			return
		}
		inv, ok := tx.(*sip.ServerInviteTransaction)
		if !ok {
			return
		}
		logger.Info("inbound INVITE", "call_id", req.CallID)
		if err := inv.SendResponse(ctx, sip.NewResponse(req, 180, "Ringing")); err != nil {
			logger.Error("send 180", "error", err)
			return
		}
		if err := inv.SendResponse(ctx, sip.NewResponse(req, 200, "OK")); err != nil {
			logger.Error("send 200", "error", err)
		}
	case "ACK":
		// No transaction covers a 2xx ACK, per RFC 3261 §17; nothing to do
		// in this demo beyond logging it.
		logger.Info("inbound ACK for 2xx response", "call_id", req.CallID)
	default:
		tx, err := mgr.BeginServerTransaction(ctx, req, tp)
		if err != nil {
			logger.Error("begin server transaction", "error", err)
			return
		}
		ni, ok := tx.(*sip.ServerNonInviteTransaction)
		if !ok {
			return
		}
		logger.Info("inbound request", "method", req.RequestMethod, "call_id", req.CallID)
		if err := ni.SendResponse(ctx, sip.NewResponse(req, 200, "OK")); err != nil {
			logger.Error("send 200", "error", err)
		}
	}
}
