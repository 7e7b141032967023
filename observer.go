package bullyelection

import (
	"context"
	"errors"
	"sync"
	"time"

	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"

	"github.com/vimeo/bullyelection/peer"
)

// DefaultWatchPollInterval is how often Watch looks at the node once a
// leader is known.
const DefaultWatchPollInterval = 250 * time.Millisecond

// LeaderSource reports the leader a node currently recognizes. *Node
// implements it.
type LeaderSource interface {
	LeaderAddress() (peer.Identity, peer.Address, bool)
}

var _ LeaderSource = (*Node)(nil)

// WatchConfig configures the watcher
type WatchConfig struct {
	// Node whose view of the leader is followed
	Node LeaderSource
	// Clock implementation to use when scheduling sleeps.
	// The nil-value falls back to a sane default implementation that simply wraps
	// the `time` package's functions.
	Clock clocks.Clock
	// PollInterval between looks at Node once a leader is known. Zero
	// selects DefaultWatchPollInterval.
	PollInterval time.Duration
}

// Watch invokes cb every time the leader (or its address) changes, starting
// with the first leader the node learns about. Callbacks run sequentially on
// a single goroutine. Watch returns ctx.Err() once ctx is done, after the
// last callback has returned.
func (w WatchConfig) Watch(ctx context.Context, cb func(ctx context.Context, leader peer.Identity, addr peer.Address)) error {
	if w.Node == nil {
		return errors.New("WatchConfig.Node must be set")
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultWatchPollInterval
	}
	clock := w.Clock
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	// Until a leader shows up, poll on the backoff schedule, but never
	// slower than the steady-state interval.
	b := retry.DefaultBackoff()
	b.MaxBackoff = interval
	if b.MinBackoff > interval {
		b.MinBackoff = interval
	}

	type leaderChange struct {
		id   peer.Identity
		addr peer.Address
	}

	cbwg := sync.WaitGroup{}
	defer cbwg.Wait()

	cbRunCh := make(chan leaderChange, 128)
	defer close(cbRunCh)
	cbwg.Add(1)
	go func() {
		defer cbwg.Done()
		for c := range cbRunCh {
			cb(ctx, c.id, c.addr)
		}
	}()

	var last leaderChange
	reported := false
	for {
		nextPoll := interval
		if id, addr, ok := w.Node.LeaderAddress(); ok {
			b.Reset()
			if c := (leaderChange{id: id, addr: addr}); !reported || c != last {
				select {
				case cbRunCh <- c:
				case <-ctx.Done():
					return ctx.Err()
				}
				last, reported = c, true
			}
		} else {
			nextPoll = b.Next()
		}
		if !clock.SleepFor(ctx, nextPoll) {
			return ctx.Err()
		}
	}
}
