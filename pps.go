// Package pps implements a capture/replay harness for the Postfix policy delegation
// protocol. A mock policy server captures every request it receives into an
// append-only JSON-Lines file and answers with a fixed verdict. The replay client
// reads such a file back and re-sends each request to a live policy server.
//
// See http://www.postfix.org/SMTPD_POLICY_README.html for the protocol.
package pps

import (
	"strings"
)

// DefaultAddr is the default address the server is listening on
const DefaultAddr = "0.0.0.0"

// DefaultPort is the default port the server is listening on
const DefaultPort = "10040"

// DefaultCaptureFile is the default path of the capture log
const DefaultCaptureFile = "captured_requests.jsonl"

// CtxKey represents the different key ids for values added to contexts
type CtxKey int

const (
	// CtxConnId represents the connection id in the connection context
	CtxConnId CtxKey = iota
)

// PostfixResp is a possible response value for the policy request
type PostfixResp string

// Possible responses to the postfix server
// See: http://www.postfix.org/access.5.html
const (
	RespOk            PostfixResp = "OK"
	RespReject        PostfixResp = "REJECT"
	RespDefer         PostfixResp = "DEFER"
	RespDeferIfReject PostfixResp = "DEFER_IF_REJECT"
	RespDeferIfPermit PostfixResp = "DEFER_IF_PERMIT"
	RespDiscard       PostfixResp = "DISCARD"
	RespDunno         PostfixResp = "DUNNO"
	RespHold          PostfixResp = "HOLD"
	RespInfo          PostfixResp = "INFO"
	RespWarn          PostfixResp = "WARN"
)

// knownResps holds every named action of access(5)
var knownResps = map[PostfixResp]struct{}{
	RespOk: {}, RespReject: {}, RespDefer: {}, RespDeferIfReject: {}, RespDeferIfPermit: {},
	RespDiscard: {}, RespDunno: {}, RespHold: {}, RespInfo: {}, RespWarn: {},
}

// Known reports whether r is one of the named access(5) actions. Numeric SMTP
// codes and other free-form actions return false.
func (r PostfixResp) Known() bool {
	_, ok := knownResps[PostfixResp(strings.ToUpper(string(r)))]
	return ok
}

// Response is the parsed answer of a policy server
type Response struct {
	Action PostfixResp
	Text   string
}

// ParseResponse extracts the action from the first "action=" line of a policy
// server response. Text holds anything following the action word, e.g. the
// rejection message of "action=REJECT go away". If no action line is found the
// returned Response is empty.
func ParseResponse(s string) Response {
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimRight(l, "\r")
		v, ok := strings.CutPrefix(l, "action=")
		if !ok {
			continue
		}
		act, text, _ := strings.Cut(strings.TrimSpace(v), " ")
		return Response{Action: PostfixResp(act), Text: strings.TrimSpace(text)}
	}
	return Response{}
}

// verdict renders the wire form of a response action
func verdict(r PostfixResp) []byte {
	return []byte("action=" + string(r) + "\n\n")
}
