/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"math/rand"
	"time"

	"github.com/miekg/dns"
)

// NotifyRequest asks the notifier engine to send one NOTIFY message,
// mirroring tdns/notify.go's NotifyRequest.
type NotifyRequest struct {
	ZoneName string
	Target   string
	Serial   uint32
}

// NotifyResult reports the outcome of one target's NOTIFY attempt.
type NotifyResult struct {
	Target string
	Ok     bool
	Err    error
}

// NotifierEngine fans NOTIFY requests out to a single worker goroutine
// consuming a buffered queue, the same shape as tdns/notify.go's
// NotifierEngine (goroutine + channel fan-in), generalised from a single
// global channel to a struct so a Nameserver can own (and shut down) its
// own instance.
type NotifierEngine struct {
	reqQ   chan notifyJob
	client *dns.Client
	done   chan struct{}
}

type notifyJob struct {
	req  NotifyRequest
	done func(NotifyResult)
}

// NewNotifierEngine starts an engine consuming from an internally buffered
// request queue.
func NewNotifierEngine() *NotifierEngine {
	ne := &NotifierEngine{
		reqQ:   make(chan notifyJob, 64),
		client: &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		done:   make(chan struct{}),
	}
	go ne.run()
	return ne
}

func (ne *NotifierEngine) run() {
	for job := range ne.reqQ {
		res := ne.sendNotify(job.req)
		if job.done != nil {
			job.done(res)
		}
	}
	close(ne.done)
}

// Submit enqueues a NOTIFY request, non-blocking unless the queue is full.
// done, if non-nil, is invoked with the outcome once the send completes.
func (ne *NotifierEngine) Submit(req NotifyRequest, done func(NotifyResult)) {
	ne.reqQ <- notifyJob{req: req, done: done}
}

// Shutdown closes the request queue and waits for the worker to drain.
func (ne *NotifierEngine) Shutdown() {
	close(ne.reqQ)
	<-ne.done
}

// sendNotify builds one NOTIFY message and exchanges it with target,
// matching tdns/notify.go's SendNotify: SetNotify followed by a manual
// Answer override so the notified SOA serial is visible to the receiving
// slave.
func (ne *NotifierEngine) sendNotify(req NotifyRequest) NotifyResult {
	msg := new(dns.Msg)
	msg.SetNotify(req.ZoneName)

	if rr, err := dns.NewRR(req.ZoneName + " IN SOA . . " +
		itoa(req.Serial) + " 0 0 0 0"); err == nil {
		msg.Answer = []dns.RR{rr}
	}

	rsp, _, err := ne.client.Exchange(msg, req.Target)
	if err != nil {
		return NotifyResult{Target: req.Target, Ok: false, Err: err}
	}
	if rsp.Rcode != dns.RcodeSuccess {
		return NotifyResult{Target: req.Target, Ok: false,
			Err: NewError(CodeMismatch, "sendNotify", nil)}
	}
	return NotifyResult{Target: req.Target, Ok: true}
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// notifyEvent is one downstream's outstanding NOTIFY-send retry loop, §3's
// "ordered list of pending NOTIFY events" reduced to one map entry per
// event (DESIGN NOTES). retriesLeft mirrors ev.retries in §4.5: the event
// is freed once a send is attempted with retriesLeft already negative.
type notifyEvent struct {
	id          uint64
	target      string
	retriesLeft int
	timer       *zoneTimer
}

// ScheduleNotifyAll arms one notifyEvent per configured downstream,
// per §5's "initial NOTIFY fires 30 + uniform[0,30) seconds after
// scheduling". Called whenever the zone's contents change (a successful
// refresh, a manual serial bump).
func (zr *ZoneRecord) ScheduleNotifyAll(ne *NotifierEngine) {
	if len(zr.Config.Downstreams) == 0 {
		return
	}
	zr.mu.Lock()
	defer zr.mu.Unlock()

	retries := zr.Config.NotifyRetries
	if retries <= 0 {
		retries = 5
	}
	for _, target := range zr.Config.Downstreams {
		zr.scheduleNotifyLocked(ne, target, retries,
			30*time.Second+time.Duration(rand.Int63n(int64(30*time.Second))))
	}
}

// scheduleNotifyLocked registers a fresh notifyEvent for target and arms
// its timer to fire after delay. Caller holds zr.mu.
func (zr *ZoneRecord) scheduleNotifyLocked(ne *NotifierEngine, target string, retries int, delay time.Duration) *notifyEvent {
	zr.notifyNextID++
	ev := &notifyEvent{id: zr.notifyNextID, target: target, retriesLeft: retries}
	zr.notifyPending[ev.id] = ev
	ev.timer = newZoneTimer(delay, func() { zr.fireNotify(ne, ev) })
	return ev
}

// fireNotify implements the NOTIFY-send event of §4.5: ev.retries is
// checked and decremented; once exhausted the event is logged, removed
// from notify_pending under the zone lock, and freed. Otherwise a NOTIFY
// is sent for the zone's current serial and the event reschedules itself
// at config.notify_timeout.
func (zr *ZoneRecord) fireNotify(ne *NotifierEngine, ev *notifyEvent) {
	zr.mu.Lock()
	ev.retriesLeft--
	if ev.retriesLeft < 0 {
		delete(zr.notifyPending, ev.id)
		zr.mu.Unlock()
		if zr.Logger != nil {
			zr.Logger.Printf("notify to %s for %s: retries exhausted, giving up", ev.target, zr.Config.Name)
		}
		return
	}
	serial := zr.Contents.Serial()
	zoneName := zr.Config.Name
	timeout := zr.Config.NotifyTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	zr.mu.Unlock()

	ne.Submit(NotifyRequest{ZoneName: zoneName, Target: ev.target, Serial: serial}, nil)

	zr.mu.Lock()
	// Rearm only while ev is still pending. A concurrent CancelNotify that
	// snapshotted the previous timer and is blocked on this callback will
	// find ev still present with this new timer once it re-acquires the
	// lock, and cancels that one on its next pass (§4.7). An event that is
	// no longer in notifyPending is not rearmed.
	if _, ok := zr.notifyPending[ev.id]; ok {
		ev.timer = newZoneTimer(timeout, func() { zr.fireNotify(ne, ev) })
	}
	zr.mu.Unlock()
}

// CancelNotify implements the race-safe cancellation protocol of §4.7 for
// a single pending event, identified by id rather than by following an
// intrusive list pointer:
//
//  1. snapshot ev.timer, clear it, release the zone lock
//  2. request cancellation, which blocks until any in-flight send
//     completes
//  3. re-acquire the lock and look the event up by id; if it is gone (the
//     handler ran itself out and removed it) we're done
//  4. otherwise remove it, guaranteeing no use-after-free regardless of
//     whether this races the last retry running itself out.
//
// A currently-running handler may finish its synchronous body —
// including rearming a brand new timer — before step 2's Cancel()
// unblocks (exactly the case step 4 anticipates: "free the timer
// record" refers to whatever timer the event holds once cancellation has
// been observed, not necessarily the one we originally snapshotted). So
// steps 1-2 repeat until a pass finds the event's timer field unchanged
// by anyone else, which converges in at most one extra iteration since a
// timer this loop has itself stopped can never fire and rearm again.
func (zr *ZoneRecord) CancelNotify(id uint64) {
	for {
		zr.mu.Lock()
		ev, ok := zr.notifyPending[id]
		if !ok {
			zr.mu.Unlock()
			return
		}
		tmr := ev.timer
		ev.timer = nil
		zr.mu.Unlock()

		if tmr != nil {
			tmr.Cancel()
		}

		zr.mu.Lock()
		ev, ok = zr.notifyPending[id]
		if !ok {
			zr.mu.Unlock()
			return
		}
		if ev.timer == nil {
			delete(zr.notifyPending, id)
			zr.mu.Unlock()
			return
		}
		zr.mu.Unlock()
		// ev.timer was rearmed by the in-flight handler while we waited
		// on tmr.Cancel(); loop to cancel that one too.
	}
}

// CancelAllNotifies cancels every pending NOTIFY event for the zone, used
// by zone record destruction (§4.4) and by reload residue cleanup
// (§4.9 step 8).
func (zr *ZoneRecord) CancelAllNotifies() {
	zr.mu.Lock()
	ids := make([]uint64, 0, len(zr.notifyPending))
	for id := range zr.notifyPending {
		ids = append(ids, id)
	}
	zr.mu.Unlock()

	for _, id := range ids {
		zr.CancelNotify(id)
	}
}
