// Package legrpc points gRPC client connections at the current leader of a
// bully election.
package legrpc

import (
	"context"
	"sync"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"google.golang.org/grpc/resolver"

	"github.com/vimeo/bullyelection"
	"github.com/vimeo/bullyelection/peer"
)

// Scheme is the target scheme handled by ResolverBuilder, e.g.
// "bullyelection:///leader". The rest of the target is ignored.
const Scheme = "bullyelection"

// AddressMapper turns the leader's election address into the address gRPC
// should dial. Services rarely listen on the election port itself.
type AddressMapper func(leader peer.Identity, addr peer.Address) string

// Resolver implements google.golang.org/grpc/resolver.Resolver
type Resolver struct {
	cc        resolver.ClientConn
	node      bullyelection.LeaderSource
	mapAddr   AddressMapper
	cancel    context.CancelFunc
	errch     <-chan error
	reresolve chan<- struct{}
	wg        sync.WaitGroup
}

// ResolveNow will be called by gRPC to try to resolve the target name
// again. It's just a hint, resolver can ignore this if it's not necessary.
//
// It could be called multiple times concurrently.
func (r *Resolver) ResolveNow(_ resolver.ResolveNowOptions) {
	// do a non-blocking write to the reresolve channel
	select {
	case r.reresolve <- struct{}{}:
	default:
	}
}

// handleLeader pushes the leader's address, or an empty state while no
// leader is known.
func (r *Resolver) handleLeader(id peer.Identity, addr peer.Address, known bool) {
	state := resolver.State{}
	if known {
		state.Addresses = []resolver.Address{{
			Addr: r.mapAddr(id, addr),
			// this field intentionally left blank (per advice in
			// the library's docstring)
			ServerName: "",
		}}
	}
	r.cc.UpdateState(state)
}

func (r *Resolver) refresh() {
	id, addr, known := r.node.LeaderAddress()
	r.handleLeader(id, addr, known)
}

// Close closes the resolver.
func (r *Resolver) Close() {
	// cancel the watching goroutine's context and await the exit
	r.cancel()
	defer r.wg.Wait()
	<-r.errch
}

// ResolverBuilder implements google.golang.org/grpc/resolver.Builder
type ResolverBuilder struct {
	node         bullyelection.LeaderSource
	clock        clocks.Clock
	pollInterval time.Duration
	mapAddr      AddressMapper
}

// BuilderOpt configures a ResolverBuilder at construction-time
type BuilderOpt func(*ResolverBuilder)

// WithAddressMapper overrides the default mapping, which dials the leader's
// election address as-is.
func WithAddressMapper(m AddressMapper) BuilderOpt {
	return func(b *ResolverBuilder) { b.mapAddr = m }
}

// WithPollInterval sets how often the node is checked for a new leader.
func WithPollInterval(d time.Duration) BuilderOpt {
	return func(b *ResolverBuilder) { b.pollInterval = d }
}

// NewResolverBuilder creates a new ResolverBuilder following the leader
// recognized by node
func NewResolverBuilder(node bullyelection.LeaderSource, clock clocks.Clock, opts ...BuilderOpt) *ResolverBuilder {
	b := &ResolverBuilder{
		node:    node,
		clock:   clock,
		mapAddr: func(_ peer.Identity, addr peer.Address) string { return addr.String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates a new resolver for the given target.
//
// gRPC dial calls Build synchronously, and fails if the returned error is
// not nil.
// This implementation ignores the target. The current leader (or the lack
// of one) is reported before Build returns.
func (r *ResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (resolver.Resolver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	reresolveCh := make(chan struct{}, 1)
	res := &Resolver{
		cc:        cc,
		node:      r.node,
		mapAddr:   r.mapAddr,
		cancel:    cancel,
		errch:     errch,
		reresolve: reresolveCh,
	}
	res.refresh()

	watchCfg := bullyelection.WatchConfig{
		Node:         r.node,
		Clock:        r.clock,
		PollInterval: r.pollInterval,
	}
	res.wg.Add(2)
	go func() {
		defer res.wg.Done()
		watchErr := watchCfg.Watch(ctx, func(_ context.Context, id peer.Identity, addr peer.Address) {
			res.handleLeader(id, addr, true)
		})
		errch <- watchErr
		if watchErr != nil && watchErr != context.Canceled {
			cc.ReportError(watchErr)
		}
	}()
	go func() {
		defer res.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reresolveCh:
				res.refresh()
			}
		}
	}()

	return res, nil
}

// Scheme returns the scheme supported by this resolver.
// Scheme is defined at https://github.com/grpc/grpc/blob/master/doc/naming.md.
func (r *ResolverBuilder) Scheme() string {
	return Scheme
}
