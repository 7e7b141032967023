package bullyelection

import (
	"context"
	"sync"
	"time"

	clocks "github.com/vimeo/go-clocks"
)

// signal is a single-shot event. A nil *signal stands for "no wait in
// progress" and absorbs fire calls.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// fire resolves s, returning false if there was nothing to resolve.
func (s *signal) fire() bool {
	if s == nil {
		return false
	}
	s.once.Do(func() { close(s.ch) })
	return true
}

func (s *signal) fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// awaitSignal blocks until one of sigs fires, dur elapses on clock, or ctx
// is done. It returns the first of sigs (in argument order) that has fired,
// or nil if none did.
func awaitSignal(ctx context.Context, clock clocks.Clock, dur time.Duration, sigs ...*signal) *signal {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, s := range sigs {
		go func(s *signal) {
			select {
			case <-s.ch:
				cancel()
			case <-waitCtx.Done():
			}
		}(s)
	}
	clock.SleepFor(waitCtx, dur)
	for _, s := range sigs {
		if s.fired() {
			return s
		}
	}
	return nil
}
