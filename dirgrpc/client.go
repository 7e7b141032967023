package dirgrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vimeo/bullyelection/peer"
)

// Client defaults.
const (
	DefaultCallTimeout = 5 * time.Second
	DefaultMaxAttempts = 3
)

// Client implements bullyelection.Directory against a remote directory
// Server.
type Client struct {
	cc          grpc.ClientConnInterface
	callTimeout time.Duration
	maxAttempts int
	clock       clocks.Clock
	log         *zerolog.Logger
}

// ClientOpt configures a Client at construction-time
type ClientOpt func(*Client)

// WithCallTimeout bounds each Register attempt.
func WithCallTimeout(d time.Duration) ClientOpt {
	return func(c *Client) { c.callTimeout = d }
}

// WithMaxAttempts caps the attempts made per Register when the directory
// reports itself unavailable.
func WithMaxAttempts(n int) ClientOpt {
	return func(c *Client) { c.maxAttempts = n }
}

// WithClock sets the clock used to pace retries.
func WithClock(clock clocks.Clock) ClientOpt {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the client's logger.
func WithLogger(lg *zerolog.Logger) ClientOpt {
	return func(c *Client) { c.log = lg }
}

// NewClient returns a Client issuing calls on cc.
func NewClient(cc grpc.ClientConnInterface, opts ...ClientOpt) *Client {
	nop := zerolog.Nop()
	c := &Client{
		cc:          cc,
		callTimeout: DefaultCallTimeout,
		maxAttempts: DefaultMaxAttempts,
		clock:       clocks.DefaultClock(),
		log:         &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

// Register records self at addr with the directory and returns the full
// membership. Unavailable errors are retried with backoff.
func (c *Client) Register(ctx context.Context, self peer.Identity, addr peer.Address) (peer.Members, error) {
	req := encodeRequest(self, addr)
	b := retry.DefaultBackoff()
	for attempt := 1; ; attempt++ {
		resp, err := c.invoke(ctx, req)
		if err == nil {
			members, decodeErr := decodeResponse(resp)
			if decodeErr != nil {
				return nil, fmt.Errorf("malformed directory response: %w", decodeErr)
			}
			return members, nil
		}
		if status.Code(err) != codes.Unavailable || attempt >= c.maxAttempts {
			return nil, fmt.Errorf("directory registration failed after %d attempt(s): %w", attempt, err)
		}
		wait := b.Next()
		c.log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("directory unavailable; retrying")
		if !c.clock.SleepFor(ctx, wait) {
			return nil, ctx.Err()
		}
	}
}

func (c *Client) invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(callCtx, registerMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
