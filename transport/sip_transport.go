package transport

import (
	"context"

	"braces.dev/errtrace"

	"github.com/halvar/siptx/sip"
)

// SIPTransport adapts a [Transport] and a fixed remote peer into the
// narrow [sip.Transport] a transaction needs, encoding outbound messages
// with [Encode].
type SIPTransport struct {
	tp     Transport
	remote Addr
}

// NewSIPTransport binds tp to remote for one transaction's lifetime.
func NewSIPTransport(tp Transport, remote Addr) *SIPTransport {
	return &SIPTransport{tp: tp, remote: remote}
}

// SendMessage encodes msg and writes it to the bound remote.
func (a *SIPTransport) SendMessage(ctx context.Context, msg sip.MessageView) error {
	data, err := Encode(msg)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(a.tp.Send(ctx, a.remote, data))
}

// Reliable reports whether the bound transport is reliable for this remote.
func (a *SIPTransport) Reliable() bool { return a.tp.Reliable(a.remote) }
