package transport

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/halvar/siptx/sip"
)

// Encode and Decode realize the narrow wire format this layer needs: one
// line per field, sufficient to round-trip the [sip.Request]/[sip.Response]
// fields the transaction layer reads (To/From/Call-ID/CSeq/Via/branch).
// This is deliberately not a SIP grammar: header folding, multi-value
// headers and the rest of RFC 3261 §25 are a parser package's job, out of
// scope here (see SPEC_FULL.md §1).

const (
	fieldKind    = "kind"
	fieldMethod  = "method"
	fieldURI     = "uri"
	fieldStatus  = "status"
	fieldReason  = "reason"
	fieldCallID  = "call-id"
	fieldCSeqNum = "cseq-num"
	fieldCSeq    = "cseq-method"
	fieldTo      = "to"
	fieldFrom    = "from"
	fieldVia     = "via"
)

// Encode serializes msg into the wire form sent over the transport.
func Encode(msg sip.MessageView) ([]byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case *sip.Request:
		buf.WriteString(fieldKind + ": request\n")
		buf.WriteString(fieldMethod + ": " + m.RequestMethod + "\n")
		buf.WriteString(fieldURI + ": " + m.RequestURI + "\n")
		writeCommon(&buf, m.CallID, m.CSeqNum, m.RequestMethod, m.To, m.From, m.Vias)
	case *sip.Response:
		buf.WriteString(fieldKind + ": response\n")
		buf.WriteString(fieldStatus + ": " + strconv.Itoa(m.Status) + "\n")
		buf.WriteString(fieldReason + ": " + m.Reason + "\n")
		writeCommon(&buf, m.CallID, m.CSeqNum, m.CSeqMeth, m.To, m.From, m.Vias)
	default:
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("unsupported message type"))
	}
	return buf.Bytes(), nil
}

func writeCommon(buf *bytes.Buffer, callID string, cseqNum uint32, cseqMeth, to, from string, vias []sip.Via) {
	buf.WriteString(fieldCallID + ": " + callID + "\n")
	buf.WriteString(fieldCSeqNum + ": " + strconv.FormatUint(uint64(cseqNum), 10) + "\n")
	buf.WriteString(fieldCSeq + ": " + cseqMeth + "\n")
	buf.WriteString(fieldTo + ": " + to + "\n")
	buf.WriteString(fieldFrom + ": " + from + "\n")
	for _, v := range vias {
		buf.WriteString(fieldVia + ": " + v.Protocol + " " + v.Host + " " + strconv.Itoa(v.Port) + " " + v.Branch + "\n")
	}
}

// Decode parses the wire form written by [Encode] back into a
// [sip.Request] or [sip.Response].
func Decode(data []byte) (sip.MessageView, error) {
	fields := map[string]string{}
	var vias []sip.Via

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if key == fieldVia {
			if v, ok := parseVia(val); ok {
				vias = append(vias, v)
			}
			continue
		}
		fields[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, errtrace.Wrap(err)
	}

	cseqNum, _ := strconv.ParseUint(fields[fieldCSeqNum], 10, 32)

	switch fields[fieldKind] {
	case "request":
		return &sip.Request{
			RequestMethod: fields[fieldMethod],
			RequestURI:    fields[fieldURI],
			Vias:          vias,
			CallID:        fields[fieldCallID],
			CSeqNum:       uint32(cseqNum),
			To:            fields[fieldTo],
			From:          fields[fieldFrom],
		}, nil
	case "response":
		status, _ := strconv.Atoi(fields[fieldStatus])
		return &sip.Response{
			Status:   status,
			Reason:   fields[fieldReason],
			Vias:     vias,
			CallID:   fields[fieldCallID],
			CSeqNum:  uint32(cseqNum),
			CSeqMeth: fields[fieldCSeq],
			To:       fields[fieldTo],
			From:     fields[fieldFrom],
		}, nil
	default:
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("unrecognized message kind"))
	}
}

func parseVia(val string) (sip.Via, bool) {
	parts := strings.SplitN(val, " ", 4)
	if len(parts) != 4 {
		return sip.Via{}, false
	}
	port, _ := strconv.Atoi(parts[2])
	return sip.Via{
		Protocol: parts[0],
		Host:     parts[1],
		Port:     port,
		Branch:   parts[3],
	}, true
}
