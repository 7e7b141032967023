// Package tcpnet carries envelopes between peers over plain TCP: each
// envelope travels on its own short-lived connection, written in full and
// then half-closed by the sender.
package tcpnet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vimeo/bullyelection/envelope"
	"github.com/vimeo/bullyelection/peer"
)

// DefaultTimeout bounds the dial and the write of a single envelope.
const DefaultTimeout = 5 * time.Second

// Sender implements bullyelection.Transport over TCP.
type Sender struct {
	timeout time.Duration
	dialer  net.Dialer
}

// NewSender returns a Sender whose dial and write each give up after
// timeout. A non-positive timeout selects DefaultTimeout.
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Send opens a connection to to, writes env and closes the connection.
// Failures are returned as-is; Send never retries.
func (s *Sender) Send(ctx context.Context, to peer.Address, env *envelope.Envelope) error {
	b, marshalErr := envelope.Marshal(env)
	if marshalErr != nil {
		return marshalErr
	}
	conn, dialErr := s.dialer.DialContext(ctx, "tcp", to.String())
	if dialErr != nil {
		return fmt.Errorf("failed to dial %s: %w", to, dialErr)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if dlErr := conn.SetWriteDeadline(deadline); dlErr != nil {
		return fmt.Errorf("failed to set write deadline for %s: %w", to, dlErr)
	}
	if _, wrErr := conn.Write(b); wrErr != nil {
		return fmt.Errorf("failed to write %s to %s: %w", env.Tag, to, wrErr)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if cwErr := tc.CloseWrite(); cwErr != nil {
			return fmt.Errorf("failed to half-close connection to %s: %w", to, cwErr)
		}
	}
	return nil
}
