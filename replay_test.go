package pps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startRawServer runs handler for every accepted connection until the test ends
func startRawServer(t *testing.T, handler func(net.Conn)) (host, port string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				handler(c)
			}()
		}
	}()

	host, port, err = net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	return host, port
}

func writeCapture(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return p
}

func TestNewReplayer(t *testing.T) {
	r := NewReplayer()
	assert.Equal(t, "localhost:10040", r.Addr())
	assert.Equal(t, DefaultReplayTimeout, r.to)
	assert.Equal(t, DefaultReplayDelay, r.delay)
	assert.Equal(t, DefaultReadLimit, r.limit)

	r = NewReplayer(WithTarget("10.0.0.1", "10041"), WithTimeout(time.Second), WithDelay(0),
		WithReadLimit(-1), nil)
	assert.Equal(t, "10.0.0.1:10041", r.Addr())
	assert.Equal(t, time.Second, r.to)
	assert.Equal(t, time.Duration(0), r.delay)
	assert.Equal(t, DefaultReadLimit, r.limit)
}

// TestReplayAgainstCaptureServer replays a capture against the mock server
func TestReplayAgainstCaptureServer(t *testing.T) {
	rec := &memRecorder{}
	addr := startServer(t, WithStore(rec))
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	var out bytes.Buffer
	r := NewReplayer(WithTarget(host, port), WithDelay(0), WithOutput(&out))
	sum, err := r.ReplayFile(context.Background(), writeCapture(t,
		`{"client_address":"10.0.0.1","recipient":"r@x.com"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Sent)
	require.Len(t, sum.Results, 1)
	assert.Contains(t, sum.Results[0].Response, "action=")
	assert.Equal(t, RespDunno, sum.Results[0].Action())
	assert.NoError(t, sum.Results[0].Err)

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, []Attribute{{"client_address", "10.0.0.1"}, {"recipient", "r@x.com"}}, recs[0].Attributes())

	assert.Contains(t, out.String(), "Replaying 1 requests to "+addr)
	assert.Contains(t, out.String(), "[1] sending request from 10.0.0.1 to r@x.com")
	assert.Contains(t, out.String(), "response: action=DUNNO")
}

// TestReplaySkipsCorruptedLine makes sure a bad line does not stop the run
func TestReplaySkipsCorruptedLine(t *testing.T) {
	rec := &memRecorder{}
	addr := startServer(t, WithStore(rec))
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	var out bytes.Buffer
	r := NewReplayer(WithTarget(host, port), WithDelay(0), WithOutput(&out))
	sum, err := r.ReplayFile(context.Background(), writeCapture(t,
		`{"sender":"a@x.com"}`,
		`{"sender":"b@x.com"}`,
		`{"sender":"c@x.com"`,
		`{"sender":"d@x.com"}`,
		`{"sender":"e@x.com"}`,
	))
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 4, sum.Sent)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Failed)
	require.Len(t, sum.Results, 5)
	assert.True(t, sum.Results[2].Skipped)
	assert.Equal(t, 3, sum.Results[2].Index)
	assert.ErrorIs(t, sum.Results[2].Err, ErrMalformedCapture)
	assert.Contains(t, out.String(), "[3] skipped invalid capture line")

	var senders []string
	for _, r := range rec.records() {
		senders = append(senders, r.Value("sender"))
	}
	assert.Equal(t, []string{"a@x.com", "b@x.com", "d@x.com", "e@x.com"}, senders)
}

// TestReplayConnectionFault makes sure unreachable targets are reported per entry
func TestReplayConnectionFault(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, l.Close())

	r := NewReplayer(WithTarget(host, port), WithDelay(0), WithTimeout(500*time.Millisecond))
	sum, err := r.Replay(context.Background(), []string{`{"sender":"a@x.com"}`, `{"sender":"b@x.com"}`})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 0, sum.Sent)
	for _, res := range sum.Results {
		assert.Error(t, res.Err)
		assert.True(t, strings.HasPrefix(res.Response, "Error: "), "unexpected response: %s", res.Response)
	}
}

// TestReplayHalfClose replays against a server that only answers once the
// client stopped sending
func TestReplayHalfClose(t *testing.T) {
	got := make(chan string, 1)
	host, port := startRawServer(t, func(c net.Conn) {
		_ = c.SetDeadline(time.Now().Add(2 * time.Second))
		req, err := io.ReadAll(c)
		if err != nil {
			return
		}
		got <- string(req)
		_, _ = c.Write([]byte("action=REJECT go away\n\n"))
	})

	r := NewReplayer(WithTarget(host, port))
	resp, err := r.Send(context.Background(),
		NewRecord(Attribute{"sender", "a@x.com"}, Attribute{"recipient", "b@y.com"}))
	require.NoError(t, err)
	assert.Equal(t, "action=REJECT go away", resp)
	assert.Equal(t, "sender=a@x.com\r\nrecipient=b@y.com\r\n\r\n", <-got)

	pr := ParseResponse(resp)
	assert.Equal(t, RespReject, pr.Action)
	assert.Equal(t, "go away", pr.Text)
}

// TestReplayKeepAliveServer makes sure the response is returned as soon as its
// terminator arrived, even if the server keeps the connection open
func TestReplayKeepAliveServer(t *testing.T) {
	host, port := startRawServer(t, func(c net.Conn) {
		buf := make([]byte, 1024)
		_, _ = c.Read(buf)
		_, _ = c.Write([]byte("action=DUNNO\n\n"))
		time.Sleep(3 * time.Second)
	})

	r := NewReplayer(WithTarget(host, port), WithTimeout(time.Second))
	start := time.Now()
	resp, err := r.Send(context.Background(), NewRecord(Attribute{"sender", "a@x.com"}))
	require.NoError(t, err)
	assert.Equal(t, "action=DUNNO", resp)
	assert.Less(t, time.Since(start), time.Second)
}

// TestReplayReadLimit makes sure the response read is bounded
func TestReplayReadLimit(t *testing.T) {
	host, port := startRawServer(t, func(c net.Conn) {
		_ = c.SetDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadAll(c); err != nil {
			return
		}
		_, _ = c.Write(bytes.Repeat([]byte("x"), 10000))
		time.Sleep(500 * time.Millisecond)
	})

	r := NewReplayer(WithTarget(host, port), WithReadLimit(100))
	resp, err := r.Send(context.Background(), NewRecord(Attribute{"sender", "a@x.com"}))
	require.NoError(t, err)
	assert.Len(t, resp, 100)
}

// TestReplayDelay makes sure requests are paced
func TestReplayDelay(t *testing.T) {
	addr := startServer(t, WithStore(&memRecorder{}))
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	r := NewReplayer(WithTarget(host, port), WithDelay(50*time.Millisecond))
	start := time.Now()
	sum, err := r.Replay(context.Background(),
		[]string{`{"sender":"a"}`, `{"sender":"b"}`, `{"sender":"c"}`})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Sent)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

// TestReplayContextCancel makes sure a cancelled run stops between entries
func TestReplayContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReplayer(WithTarget("127.0.0.1", "1"))
	sum, err := r.Replay(ctx, []string{`{"sender":"a"}`, `{"sender":"b"}`})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, sum.Sent+sum.Failed)
}

// TestReplayFileMissing makes sure an unreadable capture aborts before sending
func TestReplayFileMissing(t *testing.T) {
	var out bytes.Buffer
	r := NewReplayer(WithOutput(&out))
	_, err := r.ReplayFile(context.Background(), filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, out.String())
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

// logEvents decodes the JSON log lines written by a zerolog logger
func logEvents(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var evs []map[string]any
	for _, l := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		ev := map[string]any{}
		require.NoError(t, json.Unmarshal(l, &ev))
		evs = append(evs, ev)
	}
	return evs
}

func findEvent(evs []map[string]any, msg string) map[string]any {
	for _, ev := range evs {
		if ev["message"] == msg {
			return ev
		}
	}
	return nil
}

// TestReplayLogsUnnamedAction makes sure actions outside the access(5) names
// are flagged in the debug log
func TestReplayLogsUnnamedAction(t *testing.T) {
	testTable := []struct {
		testName string
		answer   string
		known    bool
	}{
		{`Named action`, "action=REJECT go away\n\n", true},
		{`SMTP code`, "action=450 4.7.1 try later\n\n", false},
	}
	for _, tc := range testTable {
		t.Run(tc.testName, func(t *testing.T) {
			host, port := startRawServer(t, func(c net.Conn) {
				_ = c.SetDeadline(time.Now().Add(2 * time.Second))
				if _, err := io.ReadAll(c); err != nil {
					return
				}
				_, _ = c.Write([]byte(tc.answer))
			})

			var logs bytes.Buffer
			r := NewReplayer(WithTarget(host, port), WithDelay(0),
				WithReplayLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))
			sum, err := r.Replay(context.Background(), []string{`{"sender":"a@x.com"}`})
			require.NoError(t, err)
			require.Equal(t, 1, sum.Sent)

			ev := findEvent(logEvents(t, logs.Bytes()), "request replayed")
			require.NotNil(t, ev)
			assert.Equal(t, tc.known, ev["known_action"])
		})
	}
}

// TestReplayLogsFailedRecord makes sure a failed request names its record
func TestReplayLogsFailedRecord(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, l.Close())

	var logs bytes.Buffer
	r := NewReplayer(WithTarget(host, port), WithDelay(0), WithTimeout(500*time.Millisecond),
		WithReplayLogger(zerolog.New(&logs)))
	sum, err := r.Replay(context.Background(), []string{`{"sender":"a@x.com","recipient":"b@y.com"}`})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)

	ev := findEvent(logEvents(t, logs.Bytes()), "replaying request failed")
	require.NotNil(t, ev)
	assert.Equal(t, "{sender=a@x.com recipient=b@y.com}", ev["record"])
	assert.Equal(t, float64(1), ev["line"])
}
