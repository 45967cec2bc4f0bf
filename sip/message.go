package sip

import "net"

// MessageView is the narrow projection of a SIP message that the
// transaction layer needs. A parser package produces concrete values
// satisfying this interface; this package never parses wire bytes itself.
type MessageView interface {
	// IsRequest reports whether the message is a request.
	IsRequest() bool
	// IsResponse reports whether the message is a response.
	IsResponse() bool
	// Method returns the request method, or the CSeq method for a response.
	Method() string
	// StatusCode returns the response status code. ok is false for requests.
	StatusCode() (code int, ok bool)
	// Branch returns the branch parameter of the topmost Via header.
	Branch() string
	// CSeqMethod returns the method named in the CSeq header.
	CSeqMethod() string
	// TopViaSentBy returns the host:port of the topmost Via header, used
	// together with Branch and Method to match server transactions per
	// RFC 3261 §17.2.3.
	TopViaSentBy() string
	// TopViaProtocol returns the transport protocol token of the topmost
	// Via header (e.g. "UDP").
	TopViaProtocol() string
}

// Via is a single SIP Via header field.
type Via struct {
	Protocol string
	Host     string
	Port     int
	Branch   string
}

// SentBy returns the host:port pair this Via identifies.
func (v Via) SentBy() string {
	return net.JoinHostPort(v.Host, itoa(v.Port))
}

func itoa(p int) string {
	if p == 0 {
		return "0"
	}
	neg := p < 0
	if neg {
		p = -p
	}
	var buf [8]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Request is a minimal concrete SIP request view.
type Request struct {
	RequestMethod string
	RequestURI    string
	Vias          []Via
	CallID        string
	CSeqNum       uint32
	To            string
	From          string
}

func (r *Request) IsRequest() bool  { return true }
func (r *Request) IsResponse() bool { return false }
func (r *Request) Method() string   { return r.RequestMethod }

func (r *Request) StatusCode() (int, bool) { return 0, false }
func (r *Request) CSeqMethod() string      { return r.RequestMethod }

func (r *Request) topVia() (Via, bool) {
	if len(r.Vias) == 0 {
		return Via{}, false
	}
	return r.Vias[0], true
}

func (r *Request) Branch() string {
	v, ok := r.topVia()
	if !ok {
		return ""
	}
	return v.Branch
}

func (r *Request) TopViaSentBy() string {
	v, ok := r.topVia()
	if !ok {
		return ""
	}
	return v.SentBy()
}

func (r *Request) TopViaProtocol() string {
	v, ok := r.topVia()
	if !ok {
		return ""
	}
	return v.Protocol
}

// Response is a minimal concrete SIP response view.
type Response struct {
	Status  int
	Reason  string
	Vias    []Via
	CallID  string
	CSeqNum uint32
	CSeqMeth string
	To      string
	From    string
}

func (r *Response) IsRequest() bool  { return false }
func (r *Response) IsResponse() bool { return true }
func (r *Response) Method() string   { return r.CSeqMeth }

func (r *Response) StatusCode() (int, bool) { return r.Status, true }
func (r *Response) CSeqMethod() string      { return r.CSeqMeth }

func (r *Response) topVia() (Via, bool) {
	if len(r.Vias) == 0 {
		return Via{}, false
	}
	return r.Vias[0], true
}

func (r *Response) Branch() string {
	v, ok := r.topVia()
	if !ok {
		return ""
	}
	return v.Branch
}

func (r *Response) TopViaSentBy() string {
	v, ok := r.topVia()
	if !ok {
		return ""
	}
	return v.SentBy()
}

func (r *Response) TopViaProtocol() string {
	v, ok := r.topVia()
	if !ok {
		return ""
	}
	return v.Protocol
}

// NewResponse builds a Response for req carrying the given status/reason,
// copying the Via, CSeq and dialog-identifying headers a transaction needs
// to route and match it, per RFC 3261 §8.2.6.
func NewResponse(req *Request, status int, reason string) *Response {
	vias := make([]Via, len(req.Vias))
	copy(vias, req.Vias)
	return &Response{
		Status:   status,
		Reason:   reason,
		Vias:     vias,
		CallID:   req.CallID,
		CSeqNum:  req.CSeqNum,
		CSeqMeth: req.RequestMethod,
		To:       req.To,
		From:     req.From,
	}
}

// IsProvisional reports whether status is in the 1xx range.
func IsProvisional(status int) bool { return status >= 100 && status < 200 }

// IsFinal reports whether status is >= 200.
func IsFinal(status int) bool { return status >= 200 }

// Is2xx reports whether status is in the 2xx range.
func Is2xx(status int) bool { return status >= 200 && status < 300 }
