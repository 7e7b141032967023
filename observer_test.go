package bullyelection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vimeo/go-clocks/fake"

	"github.com/vimeo/bullyelection/peer"
)

type observedLeader struct {
	id   peer.Identity
	addr peer.Address
}

func TestWatchFollowsLeaderChangesFakeClock(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := seededDirectory(peer.Members{idC: addrFor(3)})
	tr := newRecordingTransport()
	n, err := New(Config{
		Self:               idA,
		Address:            addrFor(1),
		Directory:          d,
		Transport:          tr,
		OKTimeout:          time.Millisecond,
		CoordinatorTimeout: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct node: %s", err)
	}

	fc := fake.NewClock(time.Now())
	watchConfig := WatchConfig{Node: n, Clock: fc, PollInterval: time.Second}
	seen := make(chan observedLeader, 8)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchErr := watchConfig.Watch(ctx, func(_ context.Context, id peer.Identity, addr peer.Address) {
			seen <- observedLeader{id: id, addr: addr}
		})
		if watchErr != context.Canceled {
			t.Errorf("unexpected watch error: %v", watchErr)
		}
	}()

	// wait until the watcher goes to sleep waiting for a leader
	fc.AwaitSleepers(1)
	select {
	case o := <-seen:
		t.Fatalf("callback before any leader was known: %+v", o)
	default:
	}

	// C never answers, so A takes over
	n.StartElection(ctx)
	next := func() observedLeader {
		t.Helper()
		for {
			select {
			case o := <-seen:
				return o
			case <-time.After(time.Millisecond):
				fc.Advance(time.Second)
			}
		}
	}
	if o := next(); o.id != idA || o.addr != addrFor(1) {
		t.Errorf("unexpected first leader %+v", o)
	}

	n.HandleCoordinator(ctx, idC)
	if o := next(); o.id != idC || o.addr != addrFor(3) {
		t.Errorf("unexpected second leader %+v", o)
	}

	// a repeated announcement is not a change
	n.HandleCoordinator(ctx, idC)
	for i := 0; i < 5; i++ {
		fc.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}
	select {
	case o := <-seen:
		t.Errorf("unexpected callback for unchanged leader: %+v", o)
	default:
	}
	cancel()
	wg.Wait()
	n.Wait()
}

func TestWatchRequiresNode(t *testing.T) {
	if err := (WatchConfig{}).Watch(context.Background(), nil); err == nil {
		t.Error("expected an error without a node")
	}
}
