package tcpnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"

	"github.com/vimeo/bullyelection/envelope"
)

// DefaultReadTimeout bounds how long a single inbound connection may take to
// deliver its envelope.
const DefaultReadTimeout = 5 * time.Second

// Server accepts one envelope per inbound connection and hands it to
// Handler.
type Server struct {
	Handler envelope.Handler
	// ReadTimeout defaults to DefaultReadTimeout.
	ReadTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
	// Clock paces accept retries; defaults to the wall clock.
	Clock clocks.Clock
}

// Serve accepts connections on ln until ctx is done, then closes ln, waits
// for in-flight connections and returns ctx.Err(). Transient accept errors
// are retried with backoff; any other accept error is returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Handler == nil {
		return errors.New("tcpnet: Server.Handler must be set")
	}
	lg := s.Logger
	if lg == nil {
		nop := zerolog.Nop()
		lg = &nop
	}
	clock := s.Clock
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	readTimeout := s.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	connWG := sync.WaitGroup{}
	defer connWG.Wait()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	lg.Info().Str("addr", ln.Addr().String()).Msg("listening for envelopes")
	b := retry.DefaultBackoff()
	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(acceptErr, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", acceptErr)
			}
			wait := b.Next()
			lg.Warn().Err(acceptErr).Dur("backoff", wait).Msg("accept failed; retrying")
			if !clock.SleepFor(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		b.Reset()
		connWG.Add(1)
		go func() {
			defer connWG.Done()
			s.handleConn(ctx, lg, conn, readTimeout)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, lg *zerolog.Logger, conn net.Conn, readTimeout time.Duration) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	if dlErr := conn.SetReadDeadline(time.Now().Add(readTimeout)); dlErr != nil {
		lg.Warn().Err(dlErr).Str("remote", remote).Msg("failed to set read deadline")
		return
	}
	b, readErr := io.ReadAll(io.LimitReader(conn, envelope.MaxEnvelopeSize+1))
	if readErr != nil {
		lg.Warn().Err(readErr).Str("remote", remote).Msg("failed to read envelope")
		return
	}
	env, decodeErr := envelope.Unmarshal(b)
	if decodeErr != nil {
		lg.Warn().Err(decodeErr).Str("remote", remote).Int("bytes", len(b)).Msg("dropping malformed envelope")
		return
	}
	lg.Debug().Str("remote", remote).Str("tag", string(env.Tag)).Msg("received envelope")
	s.Handler.HandleEnvelope(ctx, env)
}
