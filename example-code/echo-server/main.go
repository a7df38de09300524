package main

/*
	This code example implements a simple echo server using the postfix-policy-mock package.
	It creates a new mock policy server that listens for incoming policy requests from postfix on
	the default port (10040), answers every request with DUNNO and writes a JSON representation
	of the received attributes to STDOUT instead of a capture log

	To integrate this test server with your postfix configuration, you simply have to add
	"check_policy_service inet:127.0.0.1:10040" to the "smtpd_recipient_restrictions" of
	your postfix' main.cf and reload postfix.

	Example:

		smtpd_recipient_restrictions =
			[...]
			reject_unauth_destination
			check_policy_service inet:127.0.0.1:10040
			[...]
*/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	pps "github.com/wneessen/postfix-policy-mock"
)

// Echo is a pps.Recorder that prints every captured request to STDOUT
type Echo struct {
	mu sync.Mutex
}

// Append prints the JSON representation of r
func (e *Echo) Append(r *pps.Record) error {
	jr, err := r.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal policy request: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = fmt.Println(string(jr))
	return err
}

// main starts the server
func main() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	s := pps.New(pps.WithStore(&Echo{}), pps.WithLogger(l))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l.Info().Str("addr", s.Addr()).Msg("starting policy echo server")
	if err := s.Run(ctx); err != nil {
		l.Fatal().Err(err).Msg("could not run server")
	}
}
