package pps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResponse(t *testing.T) {
	testTable := []struct {
		testName string
		input    string
		action   PostfixResp
		text     string
	}{
		{`DUNNO`, "action=DUNNO\n\n", RespDunno, ""},
		{`DUNNO without terminator`, "action=DUNNO", RespDunno, ""},
		{`REJECT with text`, "action=REJECT relay access denied\n\n", RespReject, "relay access denied"},
		{`CRLF`, "action=DEFER_IF_PERMIT try later\r\n\r\n", RespDeferIfPermit, "try later"},
		{`SMTP code`, "action=450 4.7.1 greylisted\n\n", PostfixResp("450"), "4.7.1 greylisted"},
		{`Leading lines`, "foo\naction=OK\n\n", RespOk, ""},
		{`No action`, "Error: connection refused", "", ""},
	}
	for _, tc := range testTable {
		t.Run(tc.testName, func(t *testing.T) {
			r := ParseResponse(tc.input)
			assert.Equal(t, tc.action, r.Action)
			assert.Equal(t, tc.text, r.Text)
		})
	}
}

func TestPostfixRespKnown(t *testing.T) {
	for _, r := range []PostfixResp{RespOk, RespReject, RespDefer, RespDeferIfReject, RespDeferIfPermit,
		RespDiscard, RespDunno, RespHold, RespInfo, RespWarn, "dunno"} {
		assert.True(t, r.Known(), "%s should be known", r)
	}
	assert.False(t, PostfixResp("450").Known())
	assert.False(t, PostfixResp("").Known())
}

func TestVerdict(t *testing.T) {
	assert.Equal(t, "action=DUNNO\n\n", string(verdict(RespDunno)))
}
