package bullyelection

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	clocks "github.com/vimeo/go-clocks"

	"github.com/vimeo/bullyelection/envelope"
	"github.com/vimeo/bullyelection/peer"
)

// Node runs the election state machine for one peer. Its methods are safe
// for concurrent use; inbound handlers may run on any goroutine.
type Node struct {
	cfg   Config
	clock clocks.Clock
	log   *zerolog.Logger

	// mu guards everything below. It is never held across a Send or a
	// Directory call.
	mu         sync.Mutex
	members    registry
	inElection bool
	leader     peer.Identity
	hasLeader  bool
	state      State
	round      xid.ID
	okWait     *signal
	coordWait  *signal

	// wg tracks elections started by inbound ELECTION messages and
	// callback goroutines.
	wg sync.WaitGroup
}

// New validates cfg, fills in defaults and returns an idle Node.
func New(cfg Config) (*Node, error) {
	if cfg.Directory == nil {
		return nil, ErrMissingDirectory
	}
	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}
	if cfg.OKTimeout < 0 {
		return nil, fmt.Errorf("OKTimeout (%s) is < 0; should be non-negative", cfg.OKTimeout)
	}
	if cfg.CoordinatorTimeout < 0 {
		return nil, fmt.Errorf("CoordinatorTimeout (%s) is < 0; should be non-negative", cfg.CoordinatorTimeout)
	}
	if cfg.OKTimeout == 0 {
		cfg.OKTimeout = DefaultOKTimeout
	}
	if cfg.CoordinatorTimeout == 0 {
		cfg.CoordinatorTimeout = DefaultCoordinatorTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	base := cfg.Logger
	if base == nil {
		base = nopLogger()
	}
	lg := base.With().Str("self", cfg.Self.String()).Logger()

	return &Node{
		cfg:     cfg,
		clock:   clock,
		log:     &lg,
		members: newRegistry(),
		state:   StateIdle,
	}, nil
}

// Run registers with the directory, runs the first election and then blocks
// until ctx is done. Background work started by inbound messages is awaited
// before returning ctx.Err().
func (n *Node) Run(ctx context.Context) error {
	defer n.wg.Wait()
	n.refreshMembers(ctx, n.log)
	n.StartElection(ctx)
	<-ctx.Done()
	return ctx.Err()
}

// Wait blocks until elections and callbacks started in the background have
// returned.
func (n *Node) Wait() {
	n.wg.Wait()
}

type electionOutcome int

const (
	outcomeSkipped electionOutcome = iota
	outcomeSuperseded
	outcomeCancelled
	outcomeLeader
	outcomeFollower
	outcomeRetry
)

// StartElection runs an election to completion. It is a no-op while another
// election is in progress on this node. When a higher peer answers OK but
// never announces itself, a fresh election is started.
func (n *Node) StartElection(ctx context.Context) {
	for {
		if n.runElection(ctx) != outcomeRetry {
			return
		}
	}
}

func (n *Node) runElection(ctx context.Context) electionOutcome {
	n.mu.Lock()
	if n.inElection {
		n.mu.Unlock()
		n.log.Debug().Msg("already in an election")
		return outcomeSkipped
	}
	round := xid.New()
	n.inElection = true
	n.round = round
	n.state = StateElecting
	n.mu.Unlock()

	lg := n.log.With().Str("round", round.String()).Logger()
	lg.Info().Msg("starting election")

	n.refreshMembers(ctx, &lg)

	n.mu.Lock()
	if !n.currentLocked(round) {
		n.mu.Unlock()
		lg.Info().Msg("election superseded during directory refresh")
		return outcomeSuperseded
	}
	higher := n.members.higherThan(n.cfg.Self)
	snapshot := n.members.snapshot()
	snapshot[n.cfg.Self] = n.cfg.Address
	// Both waits exist before any ELECTION leaves so that a fast reply
	// always finds them.
	okSig, coordSig := newSignal(), newSignal()
	n.okWait, n.coordWait = okSig, coordSig
	n.mu.Unlock()
	defer n.releaseWaits(okSig, coordSig)

	if len(higher) == 0 {
		lg.Info().Msg("no higher members found")
		if !n.declare(ctx, &lg, &round) {
			return outcomeSuperseded
		}
		return outcomeLeader
	}

	lg.Info().Int("higher", len(higher)).Msg("sending ELECTION to higher members")
	n.broadcast(ctx, &lg, envelope.NewElection(n.cfg.Self, snapshot), higher)

	n.setStateIfCurrent(round, StateAwaitingOK)
	switch awaitSignal(ctx, n.clock, n.cfg.OKTimeout, coordSig, okSig) {
	case coordSig:
		lg.Info().Msg("COORDINATOR arrived while waiting for OK")
		return outcomeFollower
	case okSig:
	default:
		if ctx.Err() != nil {
			n.abandon(round)
			return outcomeCancelled
		}
		lg.Info().Dur("timeout", n.cfg.OKTimeout).Msg("no OK received; higher members presumed down")
		if !n.declare(ctx, &lg, &round) {
			lg.Info().Msg("election superseded before OK wait expired")
			return outcomeSuperseded
		}
		return outcomeLeader
	}

	lg.Info().Msg("received OK; waiting for COORDINATOR")
	n.setStateIfCurrent(round, StateAwaitingCoordinator)
	if awaitSignal(ctx, n.clock, n.cfg.CoordinatorTimeout, coordSig) == coordSig {
		lg.Info().Msg("received COORDINATOR")
		return outcomeFollower
	}
	if ctx.Err() != nil {
		n.abandon(round)
		return outcomeCancelled
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.currentLocked(round) {
		return outcomeSuperseded
	}
	lg.Info().Dur("timeout", n.cfg.CoordinatorTimeout).Msg("no COORDINATOR received; restarting election")
	n.inElection = false
	n.state = StateIdle
	return outcomeRetry
}

// currentLocked reports whether round is still the live election.
func (n *Node) currentLocked(round xid.ID) bool {
	return n.inElection && n.round == round
}

func (n *Node) setStateIfCurrent(round xid.ID, s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.currentLocked(round) {
		n.state = s
	}
}

// abandon clears the election flag after ctx cancellation cut round short.
func (n *Node) abandon(round xid.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.currentLocked(round) {
		n.inElection = false
		n.state = StateIdle
	}
}

func (n *Node) releaseWaits(okSig, coordSig *signal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.okWait == okSig {
		n.okWait = nil
	}
	if n.coordWait == coordSig {
		n.coordWait = nil
	}
}

// DeclareLeader records this node as leader and announces it with a
// COORDINATOR to every other known member. Calling it again re-broadcasts.
func (n *Node) DeclareLeader(ctx context.Context) {
	n.declare(ctx, n.log, nil)
}

// declare is DeclareLeader, optionally conditioned on round still being the
// live election. It reports whether leadership was taken.
func (n *Node) declare(ctx context.Context, lg *zerolog.Logger, round *xid.ID) bool {
	n.mu.Lock()
	if round != nil && !n.currentLocked(*round) {
		n.mu.Unlock()
		return false
	}
	prev, hadLeader := n.leader, n.hasLeader
	n.leader, n.hasLeader = n.cfg.Self, true
	n.inElection = false
	n.state = StateLeader
	targets := n.members.except(n.cfg.Self)
	n.mu.Unlock()

	lg.Info().Int("members", len(targets)).Msg("declaring self leader")
	n.leaderTransition(ctx, prev, hadLeader, n.cfg.Self)
	n.broadcast(ctx, lg, envelope.NewCoordinator(n.cfg.Self), targets)
	return true
}

// HandleElection processes an ELECTION from sender: its membership snapshot
// is merged, an OK goes back regardless of rank, and an election of our own
// is started unless one is already running.
func (n *Node) HandleElection(ctx context.Context, sender peer.Identity, members peer.Members) {
	lg := n.log.With().Str("sender", sender.String()).Logger()
	lg.Info().Int("members", len(members)).Msg("received ELECTION")

	n.mu.Lock()
	n.members.mergePeer(members)
	addr, found := n.members.lookup(sender)
	busy := n.inElection
	n.mu.Unlock()

	if !sender.Less(n.cfg.Self) {
		lg.Warn().Msg("ELECTION from a member ranked at or above self")
	}

	switch {
	case !found:
		lg.Warn().Msg("no address known for sender; cannot reply OK")
	default:
		if err := n.cfg.Transport.Send(ctx, addr, envelope.NewOK()); err != nil {
			lg.Error().Err(err).Str("addr", addr.String()).Msg("failed to send OK")
		} else {
			lg.Debug().Str("addr", addr.String()).Msg("sent OK")
		}
	}

	if !busy {
		lg.Info().Msg("not in an election; starting our own")
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.StartElection(ctx)
		}()
	}
}

// HandleOK resolves the OK wait of the running election. Without one the
// message is logged and dropped.
func (n *Node) HandleOK(ctx context.Context) {
	n.mu.Lock()
	resolved := n.okWait.fire()
	n.mu.Unlock()
	if !resolved {
		n.log.Info().Msg("received OK with no election waiting; discarding")
		return
	}
	n.log.Debug().Msg("received OK")
}

// HandleCoordinator records leader as the group's leader, ends any running
// election and resolves its COORDINATOR wait.
func (n *Node) HandleCoordinator(ctx context.Context, leader peer.Identity) {
	n.mu.Lock()
	prev, hadLeader := n.leader, n.hasLeader
	n.leader, n.hasLeader = leader, true
	n.inElection = false
	if leader == n.cfg.Self {
		n.state = StateLeader
	} else {
		n.state = StateFollower
	}
	resolved := n.coordWait.fire()
	n.mu.Unlock()

	n.log.Info().Str("leader", leader.String()).Bool("awaited", resolved).Msg("received COORDINATOR")
	n.leaderTransition(ctx, prev, hadLeader, leader)
}

// leaderTransition dispatches the Config callbacks for a leader change.
func (n *Node) leaderTransition(ctx context.Context, prev peer.Identity, hadLeader bool, next peer.Identity) {
	if hadLeader && prev == next {
		return
	}
	self := n.cfg.Self
	if next == self && n.cfg.OnElected != nil {
		n.callback(func() { n.cfg.OnElected(ctx) })
	}
	if hadLeader && prev == self && next != self && n.cfg.OnOusting != nil {
		n.callback(func() { n.cfg.OnOusting(ctx) })
	}
	if n.cfg.LeaderChanged != nil {
		n.callback(func() { n.cfg.LeaderChanged(ctx, next) })
	}
}

func (n *Node) callback(f func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f()
	}()
}

// refreshMembers replaces the directory-sourced part of the registry with a
// fresh answer from the directory. Failures leave the registry untouched.
func (n *Node) refreshMembers(ctx context.Context, lg *zerolog.Logger) {
	members, err := n.cfg.Directory.Register(ctx, n.cfg.Self, n.cfg.Address)
	if err != nil {
		lg.Error().Err(err).Msg("failed to reach directory; keeping current membership")
		return
	}
	n.mu.Lock()
	n.members.replaceDirectory(members)
	known := len(n.members.entries)
	n.mu.Unlock()
	lg.Info().Int("directory", len(members)).Int("known", known).Msg("membership refreshed")
}

// broadcast sends env to every target, highest identity first. A failed
// send is logged and the loop moves on; the number of failures is returned.
func (n *Node) broadcast(ctx context.Context, lg *zerolog.Logger, env *envelope.Envelope, targets peer.Members) int {
	failed := 0
	for _, id := range targets.Identities() {
		addr := targets[id]
		if err := n.cfg.Transport.Send(ctx, addr, env); err != nil {
			failed++
			lg.Warn().Err(err).Str("to", id.String()).Str("addr", addr.String()).Msgf("failed to send %s", env.Tag)
			continue
		}
		lg.Debug().Str("to", id.String()).Msgf("sent %s", env.Tag)
	}
	if failed > 0 {
		lg.Warn().Int("failed", failed).Int("total", len(targets)).Msgf("%s broadcast incomplete", env.Tag)
	}
	return failed
}

// Self returns this node's identity.
func (n *Node) Self() peer.Identity {
	return n.cfg.Self
}

// Leader returns the recorded leader, if any.
func (n *Node) Leader() (peer.Identity, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader, n.hasLeader
}

// LeaderAddress returns the recorded leader and its address when both are
// known.
func (n *Node) LeaderAddress() (peer.Identity, peer.Address, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.hasLeader {
		return peer.Identity{}, peer.Address{}, false
	}
	if n.leader == n.cfg.Self {
		return n.leader, n.cfg.Address, true
	}
	addr, ok := n.members.lookup(n.leader)
	return n.leader, addr, ok
}

// InElection reports whether an election is running on this node.
func (n *Node) InElection() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inElection
}

// State returns the node's current phase.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Members returns a copy of the membership table.
func (n *Node) Members() peer.Members {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.members.snapshot()
}
