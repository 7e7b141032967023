package bullyelection

import (
	"context"
	"sync"
	"testing"
	"time"

	clocks "github.com/vimeo/go-clocks"

	"github.com/vimeo/bullyelection/envelope"
	"github.com/vimeo/bullyelection/memory"
	"github.com/vimeo/bullyelection/peer"
)

type sentEnvelope struct {
	to  peer.Address
	env *envelope.Envelope
}

// recordingTransport records every send and fails the ones addressed to a
// member of fail.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentEnvelope
	fail map[peer.Address]error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{fail: map[peer.Address]error{}}
}

func (r *recordingTransport) Send(ctx context.Context, to peer.Address, env *envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEnvelope{to: to, env: env})
	return r.fail[to]
}

func (r *recordingTransport) count(to peer.Address, tag envelope.Tag) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.to == to && s.env.Tag == tag {
			n++
		}
	}
	return n
}

func (r *recordingTransport) countTag(tag envelope.Tag) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.env.Tag == tag {
			n++
		}
	}
	return n
}

func addrFor(port int) peer.Address {
	return peer.Address{Host: "127.0.0.1", Port: port}
}

func newTestNode(t testing.TB, self peer.Identity, addr peer.Address, d Directory, tr Transport, clock clocks.Clock) *Node {
	t.Helper()
	n, err := New(Config{
		Self:               self,
		Address:            addr,
		Directory:          d,
		Transport:          tr,
		OKTimeout:          5 * time.Second,
		CoordinatorTimeout: 15 * time.Second,
		Clock:              clock,
	})
	if err != nil {
		t.Fatalf("failed to construct node: %s", err)
	}
	return n
}

// waitFor polls cond until it holds or the (real-time) deadline passes.
func waitFor(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: "+format, args...)
		}
		time.Sleep(time.Millisecond)
	}
}

// the identities of the three-node scenario
var (
	idA = peer.Identity{Priority: 5, ID: 100}
	idB = peer.Identity{Priority: 5, ID: 200}
	idC = peer.Identity{Priority: 10, ID: 50}
)

func seededDirectory(members peer.Members) *memory.Directory {
	d := memory.NewDirectory()
	for id, addr := range members {
		d.Add(id, addr)
	}
	return d
}
