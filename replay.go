package pps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultReplayHost is the default policy server a replay is sent to
	DefaultReplayHost = "localhost"

	// DefaultReplayTimeout bounds connecting to and reading from the target
	DefaultReplayTimeout = 2 * time.Second

	// DefaultReplayDelay is the pause between two replayed requests
	DefaultReplayDelay = 200 * time.Millisecond

	// DefaultReadLimit is the maximum number of response bytes read per request
	DefaultReadLimit = 4096
)

// Replayer re-sends captured policy requests to a policy server, one request
// per connection and strictly one after another
type Replayer struct {
	host  string
	port  string
	to    time.Duration
	delay time.Duration
	limit int
	out   io.Writer
	l     zerolog.Logger
}

// ReplayOpt is an override function for the NewReplayer() method
type ReplayOpt func(*Replayer)

// Result is the outcome of replaying one capture line
type Result struct {
	// Index is the 1-based line number in the capture log
	Index    int
	Record   *Record
	Response string
	Err      error
	Skipped  bool
}

// Action returns the action of the policy server response
func (r Result) Action() PostfixResp {
	return ParseResponse(r.Response).Action
}

// Summary aggregates the results of a replay run
type Summary struct {
	RunID   string
	Total   int
	Sent    int
	Failed  int
	Skipped int
	Results []Result
}

// NewReplayer returns a new Replayer targeting DefaultReplayHost:DefaultPort
// unless overridden
func NewReplayer(options ...ReplayOpt) *Replayer {
	r := &Replayer{
		host:  DefaultReplayHost,
		port:  DefaultPort,
		to:    DefaultReplayTimeout,
		delay: DefaultReplayDelay,
		limit: DefaultReadLimit,
		out:   io.Discard,
		l:     zerolog.Nop(),
	}
	for _, o := range options {
		if o == nil {
			continue
		}
		o(r)
	}
	if r.limit <= 0 {
		r.limit = DefaultReadLimit
	}

	return r
}

// WithTarget sets the policy server the requests are sent to
func WithTarget(host, port string) ReplayOpt {
	return func(r *Replayer) {
		r.host = host
		r.port = port
	}
}

// WithTimeout overrides the connect and read timeout per request
func WithTimeout(d time.Duration) ReplayOpt {
	return func(r *Replayer) {
		r.to = d
	}
}

// WithDelay overrides the pause between two requests
func WithDelay(d time.Duration) ReplayOpt {
	return func(r *Replayer) {
		r.delay = d
	}
}

// WithReadLimit overrides the maximum response size read per request
func WithReadLimit(n int) ReplayOpt {
	return func(r *Replayer) {
		r.limit = n
	}
}

// WithOutput sets the writer that progress lines are printed to
func WithOutput(w io.Writer) ReplayOpt {
	return func(r *Replayer) {
		r.out = w
	}
}

// WithReplayLogger sets the logger of the replayer
func WithReplayLogger(l zerolog.Logger) ReplayOpt {
	return func(r *Replayer) {
		r.l = l
	}
}

// Addr returns the target address in host:port form
func (r *Replayer) Addr() string {
	return net.JoinHostPort(r.host, r.port)
}

// ReplayFile replays every line of the capture log at path. Only a failure to
// read the file is returned as an error; problems with single entries are
// reported in the Summary.
func (r *Replayer) ReplayFile(ctx context.Context, path string) (Summary, error) {
	lines, err := ReadAll(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read capture log %s: %w", path, err)
	}
	return r.Replay(ctx, lines)
}

// Replay sends each capture line to the target in order. Lines that are not
// valid captures are skipped and a failed request does not stop the run. The
// returned error is only non-nil if ctx was cancelled.
func (r *Replayer) Replay(ctx context.Context, lines []string) (Summary, error) {
	sum := Summary{RunID: uuid.NewString(), Total: len(lines)}
	rl := r.l.With().Str("run_id", sum.RunID).Str("target", r.Addr()).Logger()
	rl.Info().Int("entries", len(lines)).Msg("starting replay")
	r.printf("Replaying %d requests to %s\n", len(lines), r.Addr())

	sent := false
	for i, l := range lines {
		idx := i + 1
		rec := &Record{}
		if err := rec.UnmarshalJSON([]byte(l)); err != nil {
			rl.Warn().Int("line", idx).Err(err).Msg("skipping malformed capture line")
			r.printf("[%d] skipped invalid capture line: %s\n", idx, err)
			sum.Skipped++
			sum.Results = append(sum.Results, Result{Index: idx, Err: err, Skipped: true})
			continue
		}

		if sent {
			if err := sleepCtx(ctx, r.delay); err != nil {
				return sum, err
			}
		} else if err := ctx.Err(); err != nil {
			return sum, err
		}
		sent = true

		r.printf("[%d] sending request from %s to %s\n", idx, rec.Value("client_address"),
			rec.Value("recipient"))
		res := Result{Index: idx, Record: rec}
		res.Response, res.Err = r.Send(ctx, rec)
		if res.Err != nil {
			res.Response = "Error: " + res.Err.Error()
			sum.Failed++
			rl.Warn().Int("line", idx).Stringer("record", rec).Err(res.Err).Msg("replaying request failed")
		} else {
			sum.Sent++
			act := res.Action()
			rl.Debug().Int("line", idx).Str("action", string(act)).Bool("known_action", act.Known()).
				Msg("request replayed")
		}
		r.printf("    response: %s\n", res.Response)
		sum.Results = append(sum.Results, res)
	}

	rl.Info().Int("sent", sum.Sent).Int("failed", sum.Failed).Int("skipped", sum.Skipped).
		Msg("replay finished")
	return sum, nil
}

// Send performs a single request/response cycle for rec. The request is written
// with CRLF line terminators, followed by a half-close of the connection so the
// server sees the end of the request stream before it answers.
func (r *Replayer) Send(ctx context.Context, rec *Record) (string, error) {
	d := net.Dialer{Timeout: r.to}
	c, err := d.DialContext(ctx, "tcp", r.Addr())
	if err != nil {
		return "", fmt.Errorf("failed to connect to policy server: %w", err)
	}
	defer func() { _ = c.Close() }()

	if r.to > 0 {
		if err := c.SetDeadline(time.Now().Add(r.to)); err != nil {
			return "", fmt.Errorf("failed to set deadline on connection: %w", err)
		}
	}
	if _, err := c.Write(Encode(rec, CRLF)); err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return "", fmt.Errorf("failed to half-close connection: %w", err)
		}
	}

	resp, err := r.readResponse(c)
	if err != nil && len(resp) == 0 {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(resp), "")), nil
}

// readResponse reads until the response terminator, the end of the stream or
// the read limit, whichever comes first
func (r *Replayer) readResponse(c net.Conn) ([]byte, error) {
	buf := make([]byte, 0, r.limit)
	chunk := make([]byte, r.limit)
	for len(buf) < r.limit {
		n, err := c.Read(chunk[:r.limit-len(buf)])
		buf = append(buf, chunk[:n]...)
		if _, _, ok := requestEnd(buf); ok {
			return buf, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return buf, err
		}
	}
	return buf, nil
}

func (r *Replayer) printf(format string, a ...any) {
	if _, err := fmt.Fprintf(r.out, format, a...); err != nil {
		r.l.Debug().Err(err).Msg("failed to write replay progress")
	}
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
