package pps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxRequestSize is the default limit for a single policy request
	DefaultMaxRequestSize int64 = 1 << 20

	// DefaultReadTimeout is the default idle time allowed between two reads of
	// a request. It matches the default smtpd_policy_service_timeout of postfix.
	DefaultReadTimeout = 100 * time.Second

	// DefaultWriteTimeout is the default deadline for writing the response
	DefaultWriteTimeout = time.Second
)

// readChunkSize is the number of bytes requested from the socket per read
const readChunkSize = 1024

var (
	// ErrRequestTooLarge is reported when a request exceeds the configured size
	// limit before its terminator was seen
	ErrRequestTooLarge = errors.New("request exceeds maximum size")

	// ErrReadTimeout is reported when the peer stalled before sending the
	// request terminator
	ErrReadTimeout = errors.New("timed out waiting for request terminator")
)

// Server defines a new capturing policy server with corresponding settings
type Server struct {
	lp string
	la string
	ms int64
	rt time.Duration
	wt time.Duration
	st Recorder
	m  *Metrics
	l  zerolog.Logger
}

// ServerOpt is an override function for the New() method
type ServerOpt func(*Server)

// New returns a new server object. Unless WithStore is given, requests are
// captured to DefaultCaptureFile in the working directory.
func New(options ...ServerOpt) Server {
	s := Server{
		lp: DefaultPort,
		la: DefaultAddr,
		ms: DefaultMaxRequestSize,
		rt: DefaultReadTimeout,
		wt: DefaultWriteTimeout,
		l:  zerolog.Nop(),
	}
	for _, o := range options {
		if o == nil {
			continue
		}
		o(&s)
	}
	if s.st == nil {
		s.st = &Store{path: DefaultCaptureFile}
	}

	return s
}

// WithPort overrides the default listening port for the policy server
func WithPort(p string) ServerOpt {
	return func(s *Server) {
		s.lp = p
	}
}

// WithAddr overrides the default listening address for the policy server
func WithAddr(a string) ServerOpt {
	return func(s *Server) {
		s.la = a
	}
}

// WithStore sets the Recorder that captured requests are written to
func WithStore(r Recorder) ServerOpt {
	return func(s *Server) {
		s.st = r
	}
}

// WithLogger sets the logger of the policy server
func WithLogger(l zerolog.Logger) ServerOpt {
	return func(s *Server) {
		s.l = l
	}
}

// WithMaxRequestSize overrides the maximum size of a request. A value <= 0
// removes the limit.
func WithMaxRequestSize(n int64) ServerOpt {
	return func(s *Server) {
		s.ms = n
	}
}

// WithReadTimeout overrides the idle timeout while reading a request. A value
// <= 0 waits forever.
func WithReadTimeout(d time.Duration) ServerOpt {
	return func(s *Server) {
		s.rt = d
	}
}

// WithWriteTimeout overrides the deadline for writing the response
func WithWriteTimeout(d time.Duration) ServerOpt {
	return func(s *Server) {
		s.wt = d
	}
}

// WithMetrics makes the server record its activity in m
func WithMetrics(m *Metrics) ServerOpt {
	return func(s *Server) {
		s.m = m
	}
}

// Addr returns the configured listen address in host:port form
func (s *Server) Addr() string {
	return net.JoinHostPort(s.la, s.lp)
}

// Run binds the configured address and serves connections until ctx is done.
// A failure to bind is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	l, err := lc.Listen(ctx, "tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l and handles each of them in its own
// goroutine. It returns nil once ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.l.Error().Err(err).Msg("failed to close listener")
		}
	}()
	s.l.Info().Str("addr", l.Addr().String()).Msg("listening for policy requests")

	// Accept new connections
	var backoff time.Duration
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}
			backoff = min(backoff+50*time.Millisecond, time.Second)
			s.l.Error().Err(err).Dur("backoff", backoff).Msg("failed to accept new connection")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		connId := xid.New()
		conCtx := context.WithValue(ctx, CtxConnId, connId)
		go s.connHandler(conCtx, c)
	}
}

// connHandler reads a single policy request from c, captures it and answers
// with the fixed DUNNO verdict. The connection is always closed on return.
func (s *Server) connHandler(ctx context.Context, c net.Conn) {
	connId, _ := ctx.Value(CtxConnId).(xid.ID)
	cl := s.l.With().Str("conn_id", connId.String()).Str("peer", c.RemoteAddr().String()).Logger()
	s.m.connOpened()

	done := make(chan struct{})
	defer func() {
		if r := recover(); r != nil {
			cl.Error().Interface("panic", r).Msg("recovered from panic in connection handler")
		}
		close(done)
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			cl.Warn().Err(err).Msg("failed to close connection")
		}
		s.m.connClosed()
	}()

	// Make sure to close the connection when our context is done
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()

	raw, rerr := s.readRequest(c)
	s.m.requestRead(len(raw))
	if rerr != nil {
		cl.Warn().Err(rerr).Int("bytes", len(raw)).Msg("incomplete request, using partial data")
	}

	rec, derr := Decode(raw)
	if derr != nil {
		cl.Warn().Err(derr).Msg("tolerated malformed request")
	}
	s.m.decodeIssue(errors.Join(rerr, derr))

	attrs := zerolog.Dict()
	for _, a := range rec.Attributes() {
		attrs.Str(a.Key, a.Value)
	}
	cl.Info().Dict("request", attrs).Msg("captured policy request")

	err := s.st.Append(rec)
	s.m.captureResult(err)
	if err != nil {
		cl.Error().Err(err).Msg("failed to capture policy request")
	}

	if s.wt > 0 {
		if err := c.SetWriteDeadline(time.Now().Add(s.wt)); err != nil {
			cl.Warn().Err(err).Msg("failed to set write deadline on connection")
		}
	}
	if _, err := c.Write(verdict(RespDunno)); err != nil {
		cl.Warn().Err(err).Msg("failed to write response on connection")
	}
}

// readRequest reads from c until the request terminator was received, the peer
// closed its side of the connection or a limit was hit. The bytes read so far
// are returned in every case.
func (s *Server) readRequest(c net.Conn) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		if s.rt > 0 {
			if err := c.SetReadDeadline(time.Now().Add(s.rt)); err != nil {
				return buf, fmt.Errorf("failed to set read deadline on connection: %w", err)
			}
		}
		n, err := c.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if _, _, ok := requestEnd(buf); ok {
				return buf, nil
			}
			if s.ms > 0 && int64(len(buf)) >= s.ms {
				return buf[:s.ms], ErrRequestTooLarge
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return buf, ErrReadTimeout
			}
			return buf, err
		}
	}
}
