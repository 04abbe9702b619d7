// Package schedule provides cancellable deferred work on top of the
// standard library timer primitives. The transport client keeps the
// returned handle alongside the resource it guards (heartbeat, reply
// timeout, TURN refresh). The peer and P2P recovery delays are also
// scheduled here, but their handles are not kept, so those callbacks are
// never cancelled; they re-check the record's state when they fire.
package schedule

import "time"

// Handle cancels a scheduled piece of work. Calling it more than once, or
// after the work has already fired, is a no-op.
type Handle struct {
	timer *time.Timer
	stop  chan struct{}
}

// Cancel stops the underlying timer if it has not fired yet.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.stop != nil {
		select {
		case <-h.stop:
		default:
			close(h.stop)
		}
	}
}

// After runs fn after d, unless the returned Handle is cancelled first.
func After(d time.Duration, fn func()) *Handle {
	h := &Handle{stop: make(chan struct{})}
	h.timer = time.AfterFunc(d, func() {
		select {
		case <-h.stop:
		default:
			fn()
		}
	})
	return h
}

// Ticker runs fn every d until the returned Handle is cancelled.
func Ticker(d time.Duration, fn func()) *Handle {
	t := time.NewTicker(d)
	stop := make(chan struct{})
	h := &Handle{stop: stop}
	go func() {
		for {
			select {
			case <-stop:
				t.Stop()
				return
			case <-t.C:
				fn()
			}
		}
	}()
	return h
}
