package bullyelection

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"github.com/vimeo/go-clocks/fake"

	"github.com/vimeo/bullyelection/envelope"
	"github.com/vimeo/bullyelection/peer"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Transport: newRecordingTransport()}); !errors.Is(err, ErrMissingDirectory) {
		t.Errorf("expected ErrMissingDirectory; got %v", err)
	}
	if _, err := New(Config{Directory: seededDirectory(nil)}); !errors.Is(err, ErrMissingTransport) {
		t.Errorf("expected ErrMissingTransport; got %v", err)
	}
	if _, err := New(Config{Directory: seededDirectory(nil), Transport: newRecordingTransport(), OKTimeout: -1}); err == nil {
		t.Error("expected error for negative OKTimeout")
	}
	n, err := New(Config{Directory: seededDirectory(nil), Transport: newRecordingTransport()})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if n.cfg.OKTimeout != DefaultOKTimeout || n.cfg.CoordinatorTimeout != DefaultCoordinatorTimeout {
		t.Errorf("defaults not applied: %s / %s", n.cfg.OKTimeout, n.cfg.CoordinatorTimeout)
	}
	if n.State() != StateIdle {
		t.Errorf("unexpected initial state %s", n.State())
	}
	if _, ok := n.Leader(); ok {
		t.Error("new node already has a leader")
	}
}

func TestStartElectionWithoutHigherMembersDeclaresLeader(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lowA := peer.Identity{Priority: 1, ID: 1}
	lowB := peer.Identity{Priority: 5, ID: 99}
	d := seededDirectory(peer.Members{lowA: addrFor(1), lowB: addrFor(2)})
	tr := newRecordingTransport()
	// one unreachable member must not stop the broadcast
	tr.fail[addrFor(1)] = errors.New("connection refused")

	electedCalls := int32(0)
	n, err := New(Config{
		Self:      idA,
		Address:   addrFor(3),
		Directory: d,
		Transport: tr,
		OnElected: func(context.Context) { atomic.AddInt32(&electedCalls, 1) },
	})
	if err != nil {
		t.Fatalf("failed to construct node: %s", err)
	}

	n.StartElection(ctx)
	n.Wait()

	if leader, ok := n.Leader(); !ok || leader != idA {
		t.Errorf("unexpected leader %s (known %t)", leader, ok)
	}
	if n.State() != StateLeader {
		t.Errorf("unexpected state %s", n.State())
	}
	if n.InElection() {
		t.Error("still in election after declaring")
	}
	if c := tr.countTag(envelope.Election); c != 0 {
		t.Errorf("unexpected ELECTION sends: %d", c)
	}
	for _, addr := range []peer.Address{addrFor(1), addrFor(2)} {
		if c := tr.count(addr, envelope.Coordinator); c != 1 {
			t.Errorf("unexpected COORDINATOR count to %s: %d", addr, c)
		}
	}
	if c := tr.count(addrFor(3), envelope.Coordinator); c != 0 {
		t.Errorf("node announced itself to itself %d times", c)
	}
	if got := atomic.LoadInt32(&electedCalls); got != 1 {
		t.Errorf("unexpected OnElected calls: %d", got)
	}

	// declaring again only re-broadcasts
	n.DeclareLeader(ctx)
	n.Wait()
	if c := tr.count(addrFor(2), envelope.Coordinator); c != 2 {
		t.Errorf("unexpected COORDINATOR count after re-declaring: %d", c)
	}
	if got := atomic.LoadInt32(&electedCalls); got != 1 {
		t.Errorf("OnElected repeated without a leader change: %d", got)
	}
}

func TestOKTimeoutDeclaresLeaderFakeClock(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := fake.NewClock(time.Now())
	d := seededDirectory(peer.Members{idC: addrFor(3)})
	tr := newRecordingTransport()
	n := newTestNode(t, idA, addrFor(1), d, tr, fc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.StartElection(ctx)
	}()

	// wait until the election goes to sleep waiting for an OK
	fc.AwaitSleepers(1)
	if n.State() != StateAwaitingOK {
		t.Errorf("unexpected state while waiting: %s", n.State())
	}
	if c := tr.count(addrFor(3), envelope.Election); c != 1 {
		t.Errorf("unexpected ELECTION count to higher member: %d", c)
	}
	if _, ok := n.Leader(); ok {
		t.Error("leader recorded before the OK wait expired")
	}

	fc.Advance(5 * time.Second)
	<-done

	if leader, ok := n.Leader(); !ok || leader != idA {
		t.Errorf("unexpected leader %s (known %t)", leader, ok)
	}
	if c := tr.count(addrFor(3), envelope.Coordinator); c != 1 {
		t.Errorf("unexpected COORDINATOR count to silent higher member: %d", c)
	}
}

func TestElectionCarriesSelfInSnapshot(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := fake.NewClock(time.Now())
	d := seededDirectory(peer.Members{idC: addrFor(3)})
	tr := newRecordingTransport()
	n := newTestNode(t, idA, addrFor(1), d, tr, fc)

	go n.StartElection(ctx)
	fc.AwaitSleepers(1)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 {
		t.Fatalf("unexpected sends: %d", len(tr.sent))
	}
	env := tr.sent[0].env
	if env.Sender != idA {
		t.Errorf("unexpected sender %s", env.Sender)
	}
	if addr, ok := env.Members[idA]; !ok || addr != addrFor(1) {
		t.Errorf("snapshot lacks the sender's address: %v", env.Members)
	}
}

func TestOKThenMissingCoordinatorRestartsElection(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	fc := fake.NewClock(start)
	d := seededDirectory(peer.Members{idB: addrFor(2)})
	tr := newRecordingTransport()
	n := newTestNode(t, idA, addrFor(1), d, tr, fc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.StartElection(ctx)
	}()

	fc.AwaitSleepers(1)
	n.HandleOK(ctx)
	waitFor(t, 5*time.Second, func() bool { return n.State() == StateAwaitingCoordinator },
		"state never reached %s", StateAwaitingCoordinator)

	// a second OK for the same wait is harmless
	n.HandleOK(ctx)

	// Step the clock until the COORDINATOR wait gives up and a second
	// ELECTION goes out.
	waitFor(t, 10*time.Second, func() bool {
		if tr.count(addrFor(2), envelope.Election) >= 2 {
			return true
		}
		fc.Advance(time.Second)
		return false
	}, "election was not restarted")

	if elapsed := fc.Now().Sub(start); elapsed < 15*time.Second {
		t.Errorf("election restarted after only %s", elapsed)
	}
	if !n.InElection() {
		t.Error("restarted election is not in progress")
	}
	if _, ok := n.Leader(); ok {
		t.Error("leader recorded without a COORDINATOR")
	}
	if c := tr.countTag(envelope.Election); c != 2 {
		t.Errorf("elections stacked: %d ELECTION sends", c)
	}

	cancel()
	<-done
	if n.InElection() {
		t.Error("cancelled election left in_election set")
	}
	if n.State() != StateIdle {
		t.Errorf("unexpected state after cancellation: %s", n.State())
	}
}

func TestCoordinatorWhileAwaitingOK(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := fake.NewClock(time.Now())
	d := seededDirectory(peer.Members{idC: addrFor(3), idB: addrFor(2)})
	tr := newRecordingTransport()

	changes := make(chan peer.Identity, 4)
	n, err := New(Config{
		Self:          idA,
		Address:       addrFor(1),
		Directory:     d,
		Transport:     tr,
		Clock:         fc,
		OnElected:     func(context.Context) { t.Error("unexpected election win") },
		LeaderChanged: func(_ context.Context, l peer.Identity) { changes <- l },
	})
	if err != nil {
		t.Fatalf("failed to construct node: %s", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.StartElection(ctx)
	}()
	fc.AwaitSleepers(1)

	// a duplicate trigger while the election runs is a no-op
	n.StartElection(ctx)
	if c := tr.countTag(envelope.Election); c != 2 {
		t.Errorf("unexpected ELECTION sends: %d", c)
	}

	n.HandleCoordinator(ctx, idC)
	<-done
	n.Wait()

	if leader, ok := n.Leader(); !ok || leader != idC {
		t.Errorf("unexpected leader %s", leader)
	}
	if n.State() != StateFollower {
		t.Errorf("unexpected state %s", n.State())
	}
	if n.InElection() {
		t.Error("still in election after COORDINATOR")
	}
	if c := tr.countTag(envelope.Coordinator); c != 0 {
		t.Errorf("follower sent %d COORDINATOR messages", c)
	}
	select {
	case l := <-changes:
		if l != idC {
			t.Errorf("unexpected LeaderChanged argument %s", l)
		}
	default:
		t.Error("LeaderChanged not called")
	}

	// a late OK finds no wait and is absorbed
	n.HandleOK(ctx)
	if n.State() != StateFollower {
		t.Errorf("late OK changed state to %s", n.State())
	}
}

func TestHandleElectionFromLowerMember(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := seededDirectory(nil)
	tr := newRecordingTransport()
	n := newTestNode(t, idB, addrFor(2), d, tr, nil)

	n.HandleElection(ctx, idA, peer.Members{idA: addrFor(1)})
	n.Wait()

	if c := tr.count(addrFor(1), envelope.OK); c != 1 {
		t.Errorf("unexpected OK count to sender: %d", c)
	}
	// B had no higher members, so its own election made it leader
	if leader, ok := n.Leader(); !ok || leader != idB {
		t.Errorf("unexpected leader %s", leader)
	}
	if c := tr.count(addrFor(1), envelope.Coordinator); c != 1 {
		t.Errorf("unexpected COORDINATOR count to sender: %d", c)
	}
	if _, ok := n.Members()[idA]; !ok {
		t.Error("sender's snapshot was not merged")
	}
}

func TestHandleElectionFromHigherMember(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := seededDirectory(nil)
	tr := newRecordingTransport()
	n, err := New(Config{
		Self:               idA,
		Address:            addrFor(1),
		Directory:          d,
		Transport:          tr,
		OKTimeout:          10 * time.Millisecond,
		CoordinatorTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct node: %s", err)
	}

	// protocol violation: a higher member should never send us ELECTION
	n.HandleElection(ctx, idC, peer.Members{idC: addrFor(3)})
	n.Wait()

	if c := tr.count(addrFor(3), envelope.OK); c != 1 {
		t.Errorf("unexpected OK count: %d", c)
	}
	if c := tr.count(addrFor(3), envelope.Election); c != 1 {
		t.Errorf("unexpected ELECTION count: %d", c)
	}
	if n.InElection() {
		t.Error("election did not finish")
	}
}

func TestHandleElectionWithoutSenderAddress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := newRecordingTransport()
	n := newTestNode(t, idB, addrFor(2), seededDirectory(nil), tr, nil)

	n.HandleElection(ctx, idA, peer.Members{})
	n.Wait()
	if c := tr.countTag(envelope.OK); c != 0 {
		t.Errorf("OK sent without a known address: %d", c)
	}
}

func TestHandleOKWithoutElection(t *testing.T) {
	n := newTestNode(t, idA, addrFor(1), seededDirectory(nil), newRecordingTransport(), nil)
	n.HandleOK(context.Background())
	if n.State() != StateIdle || n.InElection() {
		t.Errorf("stray OK changed state: %s", n.State())
	}
}

func TestDirectoryFailureIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := seededDirectory(peer.Members{idC: addrFor(3)})
	d.SetError(errors.New("no route to directory"))
	tr := newRecordingTransport()
	n := newTestNode(t, idA, addrFor(1), d, tr, nil)

	// with an empty registry nobody ranks higher
	n.StartElection(ctx)
	if leader, ok := n.Leader(); !ok || leader != idA {
		t.Errorf("unexpected leader %s", leader)
	}
}

func TestOustingCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ousted := int32(0)
	n, err := New(Config{
		Self:      idA,
		Address:   addrFor(1),
		Directory: seededDirectory(nil),
		Transport: newRecordingTransport(),
		OnOusting: func(context.Context) { atomic.AddInt32(&ousted, 1) },
	})
	if err != nil {
		t.Fatalf("failed to construct node: %s", err)
	}
	n.DeclareLeader(ctx)
	n.HandleCoordinator(ctx, idC)
	n.HandleCoordinator(ctx, idC)
	n.Wait()
	if got := atomic.LoadInt32(&ousted); got != 1 {
		t.Errorf("unexpected OnOusting calls: %d", got)
	}
}

func TestConcurrentHandlers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	self := peer.Identity{Priority: 50, ID: 5000}
	tr := newRecordingTransport()
	n := newTestNode(t, self, addrFor(1), seededDirectory(nil), tr, clocks.DefaultClock())

	const workers = 64
	leaders := map[peer.Identity]bool{self: true}
	senders := make([]peer.Identity, workers)
	for i := range senders {
		senders[i] = peer.Identity{Priority: int64(i % 7), ID: int64(1000 + i)}
		leaders[senders[i]] = true
	}

	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(i)))
			switch r.Intn(3) {
			case 0:
				n.HandleCoordinator(ctx, senders[r.Intn(workers)])
			case 1:
				n.HandleOK(ctx)
			}
			n.HandleElection(ctx, senders[i], peer.Members{senders[i]: addrFor(2000 + i)})
		}(i)
	}
	wg.Wait()
	n.Wait()

	if n.InElection() {
		t.Error("in_election left set after every handler returned")
	}
	leader, ok := n.Leader()
	if !ok || !leaders[leader] {
		t.Fatalf("leader %s (known %t) was never announced", leader, ok)
	}
	switch n.State() {
	case StateLeader:
		if leader != self {
			t.Errorf("state LEADER with leader %s", leader)
		}
	case StateFollower:
		if leader == self {
			t.Error("state FOLLOWER while recorded as leader")
		}
	default:
		t.Errorf("unexpected final state %s", n.State())
	}
	members := n.Members()
	for i, s := range senders {
		if addr, ok := members[s]; !ok || addr != addrFor(2000+i) {
			t.Errorf("lost registry update for %s", s)
		}
	}
	if c := tr.countTag(envelope.OK); c != workers {
		t.Errorf("unexpected OK count: %d", c)
	}
}

func TestRunRegistersAndElects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := seededDirectory(nil)
	n := newTestNode(t, idA, addrFor(1), d, newRecordingTransport(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- n.Run(ctx) }()
	waitFor(t, 5*time.Second, func() bool { return n.State() == StateLeader }, "node never became leader")
	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Errorf("unexpected Run error: %v", err)
	}
	// bootstrap registration plus the election's refresh
	if r := d.Registrations(); r != 2 {
		t.Errorf("unexpected registration count: %d", r)
	}
	if _, ok := d.Members()[idA]; !ok {
		t.Error("node did not register itself")
	}
}
