// Package bullyelection elects a leader among a group of peers using the
// Bully Algorithm: the live peer with the highest peer.Identity wins.
//
// The entrypoints are New, which builds a Node from a Config, and Node.Run,
// which registers with the membership Directory and starts the first
// election. Inbound envelopes are fed to Node.HandleEnvelope by whatever
// server accepts peer connections (see the tcpnet and memory packages), and
// WatchConfig.Watch observes leadership transitions.
package bullyelection

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	clocks "github.com/vimeo/go-clocks"

	"github.com/vimeo/bullyelection/envelope"
	"github.com/vimeo/bullyelection/peer"
)

// Directory is the membership service consulted on startup and at the
// beginning of every election.
type Directory interface {
	// Register announces self at addr and returns the directory's current
	// view of the group.
	Register(ctx context.Context, self peer.Identity, addr peer.Address) (peer.Members, error)
}

// Transport delivers one envelope to one peer. Implementations should bound
// each call; a returned error marks that single delivery as failed.
type Transport interface {
	Send(ctx context.Context, to peer.Address, env *envelope.Envelope) error
}

// Default wait windows.
const (
	DefaultOKTimeout          = 5 * time.Second
	DefaultCoordinatorTimeout = 15 * time.Second
)

var (
	// ErrMissingDirectory is returned by New when Config.Directory is nil.
	ErrMissingDirectory = errors.New("missing Directory")
	// ErrMissingTransport is returned by New when Config.Transport is nil.
	ErrMissingTransport = errors.New("missing Transport")
)

// Config is the immutable configuration of a Node.
type Config struct {
	// Self is this node's rank and membership key.
	Self peer.Identity
	// Address is where this node accepts peer connections.
	Address peer.Address

	Directory Directory
	Transport Transport

	// OKTimeout bounds the wait for an OK after ELECTION messages have
	// been sent. Zero means DefaultOKTimeout.
	OKTimeout time.Duration
	// CoordinatorTimeout bounds the wait for a COORDINATOR after an OK
	// arrived. Zero means DefaultCoordinatorTimeout.
	CoordinatorTimeout time.Duration

	// OnElected is called when this node declares itself leader.
	OnElected func(ctx context.Context)
	// OnOusting is called when another node replaces this one as leader.
	OnOusting func(ctx context.Context)
	// LeaderChanged is called whenever the recorded leader changes.
	LeaderChanged func(ctx context.Context, leader peer.Identity)

	// Clock implementation to use for the election waits.
	// The nil-value falls back to a default implementation that simply
	// wraps the `time` package's functions.
	Clock clocks.Clock

	// Logger receives the node's log output. nil discards it.
	Logger *zerolog.Logger
}

// State is the externally visible phase of a Node.
type State int

// Node states.
const (
	StateIdle State = iota
	StateElecting
	StateAwaitingOK
	StateAwaitingCoordinator
	StateLeader
	StateFollower
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateElecting:
		return "ELECTING"
	case StateAwaitingOK:
		return "AWAITING_OK"
	case StateAwaitingCoordinator:
		return "AWAITING_COORDINATOR"
	case StateLeader:
		return "LEADER"
	case StateFollower:
		return "FOLLOWER"
	default:
		return "UNKNOWN"
	}
}
