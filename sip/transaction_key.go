package sip

import "strings"

// ServerTransactionKey identifies a server transaction by the branch, the
// sent-by of the request's topmost Via, and the matching method. RFC 3261
// §17.2.3 requires sent-by in addition to branch so that two different
// client interfaces reusing the same branch token don't collide.
type ServerTransactionKey struct {
	Branch string
	SentBy string
	Method string
}

// ClientTransactionKey identifies a client transaction by the branch the
// request was sent with and its CSeq method, per RFC 3261 §17.1.3.
type ClientTransactionKey struct {
	Branch string
	Method string
}

// HasRFC3261Branch reports whether branch carries the RFC 3261 magic cookie.
// Matching defined here only applies to such branches; older, cookie-less
// branches are out of scope and their messages are simply left unmatched.
func HasRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, RFC3261BranchMagicCookie)
}

// matchMethod returns the method a server transaction key is keyed on for
// a given request method: ACKs to non-2xx final responses match the
// server-INVITE transaction's own key (RFC 3261 §17.1.1.3), so they key on
// INVITE rather than ACK.
func matchMethod(requestMethod string) string {
	if requestMethod == "ACK" {
		return "INVITE"
	}
	return requestMethod
}

// MakeServerTransactionKey builds the key a server transaction is stored
// and looked up under from an inbound request view.
func MakeServerTransactionKey(req MessageView) (ServerTransactionKey, bool) {
	branch := req.Branch()
	if !HasRFC3261Branch(branch) {
		return ServerTransactionKey{}, false
	}
	return ServerTransactionKey{
		Branch: branch,
		SentBy: req.TopViaSentBy(),
		Method: matchMethod(req.Method()),
	}, true
}

// MakeClientTransactionKeyForResponse builds the key used to look up the
// client transaction a response belongs to. Per RFC 3261 §17.1.3, a 2xx
// response to INVITE is matched the same way at the transaction-layer
// level (dialog-layer ACK handling for 2xx retransmits is out of scope).
func MakeClientTransactionKeyForResponse(res MessageView) (ClientTransactionKey, bool) {
	branch := res.Branch()
	if !HasRFC3261Branch(branch) {
		return ClientTransactionKey{}, false
	}
	return ClientTransactionKey{
		Branch: branch,
		Method: res.CSeqMethod(),
	}, true
}

// MakeClientTransactionKeyForRequest builds the key a client transaction is
// stored under when it is created for an outbound request.
func MakeClientTransactionKeyForRequest(req *Request) ClientTransactionKey {
	return ClientTransactionKey{
		Branch: req.Branch(),
		Method: req.RequestMethod,
	}
}
