package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vimeo/bullyelection/envelope"
	"github.com/vimeo/bullyelection/peer"
)

// ErrUnreachable is returned by Network.Send for addresses that have no
// listener or have been marked down.
var ErrUnreachable = errors.New("address unreachable")

type endpoint struct {
	ctx context.Context
	h   envelope.Handler
}

type sentKey struct {
	to  peer.Address
	tag envelope.Tag
}

// Network is an in-process transport. Every Send round-trips the envelope
// through the wire codec and delivers it on a fresh goroutine, the way a
// server hands each inbound connection to its own worker.
type Network struct {
	mu        sync.Mutex
	endpoints map[peer.Address]endpoint
	down      map[peer.Address]bool
	sent      map[sentKey]int
	wg        sync.WaitGroup
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{
		endpoints: map[peer.Address]endpoint{},
		down:      map[peer.Address]bool{},
		sent:      map[sentKey]int{},
	}
}

// Listen attaches h at addr. Envelopes are handed to h with ctx.
func (n *Network) Listen(ctx context.Context, addr peer.Address, h envelope.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[addr] = endpoint{ctx: ctx, h: h}
}

// SetDown marks addr unreachable (or reachable again).
func (n *Network) SetDown(addr peer.Address, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// Send implements bullyelection.Transport.
func (n *Network) Send(ctx context.Context, to peer.Address, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, marshalErr := envelope.Marshal(env)
	if marshalErr != nil {
		return marshalErr
	}
	n.mu.Lock()
	ep, ok := n.endpoints[to]
	if !ok || n.down[to] {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	n.sent[sentKey{to: to, tag: env.Tag}]++
	n.mu.Unlock()

	decoded, unmarshalErr := envelope.Unmarshal(b)
	if unmarshalErr != nil {
		return unmarshalErr
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ep.h.HandleEnvelope(ep.ctx, decoded)
	}()
	return nil
}

// Sent returns how many envelopes tagged tag were delivered to addr.
func (n *Network) Sent(to peer.Address, tag envelope.Tag) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[sentKey{to: to, tag: tag}]
}

// Wait blocks until every delivery goroutine has returned.
func (n *Network) Wait() {
	n.wg.Wait()
}
