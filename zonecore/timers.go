/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"sync"
	"time"
)

// zoneTimer is a single cancellable one-shot timer arm backing the
// REFRESH/RETRY/EXPIRE/NOTIFY-send/zonefile-sync events of §4.5-§4.8.
// time.Timer.Stop() does not block on an already-firing callback, which
// is exactly the use-after-free hazard §4.7's cancel_notify protocol
// warns about; zoneTimer closes that gap with an explicit per-arm "done"
// gate so Cancel always blocks until any in-flight callback has returned,
// the Go equivalent of the scheduler's synchronous-cancel contract the
// spec's DESIGN NOTES ask for in place of a literal RCU.
type zoneTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	running bool
	done    chan struct{}
	fired   bool
}

// newZoneTimer arms a timer that invokes fn after d, unless cancelled
// first. fn must not call Cancel on its own zoneTimer (that would
// deadlock waiting on its own completion).
func newZoneTimer(d time.Duration, fn func()) *zoneTimer {
	zt := &zoneTimer{done: make(chan struct{})}
	zt.timer = time.AfterFunc(d, func() {
		zt.mu.Lock()
		if zt.fired {
			zt.mu.Unlock()
			return
		}
		zt.running = true
		zt.mu.Unlock()

		fn()

		zt.mu.Lock()
		zt.running = false
		zt.fired = true
		close(zt.done)
		zt.mu.Unlock()
	})
	return zt
}

// Cancel stops the timer. If the callback is currently running, Cancel
// blocks until it has returned before reporting success, matching §4.7's
// "request cancellation, which blocks until any in-flight notification
// attempt completes" rule. Returns true if the timer was stopped before
// it fired, false if it had already fired (or already been cancelled).
func (zt *zoneTimer) Cancel() bool {
	stopped := zt.timer.Stop()

	zt.mu.Lock()
	running := zt.running
	alreadyFired := zt.fired
	zt.mu.Unlock()

	if running {
		<-zt.done
		return false
	}
	if alreadyFired {
		return false
	}
	if stopped {
		zt.mu.Lock()
		if !zt.fired {
			zt.fired = true
			close(zt.done)
		}
		zt.mu.Unlock()
	}
	return stopped
}

// reset cancels the current arm (blocking as Cancel does) and returns a
// fresh timer armed with the given duration and callback. Nothing in the
// package calls it: the REFRESH and EXPIRE paths in nameserver.go arm
// new timers with newZoneTimer directly.
func (zt *zoneTimer) reset(d time.Duration, fn func()) *zoneTimer {
	zt.Cancel()
	return newZoneTimer(d, fn)
}

// zoneTimerSet bundles the zone-wide timer arms a single zone record owns
// (the REFRESH/RETRY pair shares one slot, reused at a different interval
// on failure per §4.5's "reschedule self to SOA.retry ms"; per-downstream
// NOTIFY timers live on their own notifyEvent instead, see notify.go).
// Kept as its own type so ZoneRecord's timer fields can be swapped
// atomically under its mutex during TimersUpdate (nameserver.go).
type zoneTimerSet struct {
	refresh *zoneTimer
	expire  *zoneTimer
	sync    *zoneTimer
}

// cancelAll cancels every non-nil arm in the set, blocking on each in
// turn. Used by destroyZoneRecord when a zone is torn down (reload residue
// cleanup, §4.9 step 8; EXPIRE; shutdown).
func (s *zoneTimerSet) cancelAll() {
	for _, t := range []*zoneTimer{s.refresh, s.expire, s.sync} {
		if t != nil {
			t.Cancel()
		}
	}
}
