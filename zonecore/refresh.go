/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// Transferor is the collaborator that knows how to talk to a zone's
// upstream: query its SOA serial, and pull a full or incremental
// transfer. The default implementation (below) is grounded on
// tdns/zone_utils.go's DoTransfer/FetchFromUpstream, built on
// miekg/dns's own dns.Transfer rather than hand-rolling AXFR/IXFR framing.
type Transferor interface {
	QuerySOA(ctx context.Context, upstream, zone string) (*dns.SOA, error)
	Transfer(ctx context.Context, upstream, zone string, fromSerial uint32) (*ZoneContents, ChangesetBatch, error)
}

// DefaultTransferor implements Transferor against a real network upstream
// using miekg/dns's Client and Transfer types.
type DefaultTransferor struct {
	Client *dns.Client
}

// NewDefaultTransferor returns a Transferor using a 5 second UDP/TCP
// client, matching the timeout tdns/zone_utils.go's DoTransfer uses for
// its SOA exchange.
func NewDefaultTransferor() *DefaultTransferor {
	return &DefaultTransferor{Client: &dns.Client{Timeout: 5 * time.Second}}
}

// QuerySOA sends a SOA query to upstream and returns the answer, the
// realisation of zone_utils.go's GetSOA-over-the-wire probe used by
// REFRESH to decide whether a transfer is needed at all.
func (t *DefaultTransferor) QuerySOA(ctx context.Context, upstream, zone string) (*dns.SOA, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(zone), dns.TypeSOA)

	rsp, _, err := t.Client.ExchangeContext(ctx, msg, upstream)
	if err != nil {
		return nil, NewError(CodeFatal, "QuerySOA", err)
	}
	if rsp.Rcode != dns.RcodeSuccess {
		return nil, NewError(CodeMismatch, "QuerySOA", nil)
	}
	for _, rr := range rsp.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa, nil
		}
	}
	return nil, NewError(CodeNotFound, "QuerySOA", nil)
}

// Transfer pulls the zone from upstream via dns.Transfer, requesting IXFR
// when fromSerial is nonzero and falling back to the AXFR the server
// actually sends in its response (a server without the requested delta
// simply answers with a full zone, which dns.Transfer surfaces as an
// all-AXFR-shaped envelope; this mirrors zone_utils.go's DoTransfer rcode
// handling rather than failing on the downgrade).
func (t *DefaultTransferor) Transfer(ctx context.Context, upstream, zone string, fromSerial uint32) (*ZoneContents, ChangesetBatch, error) {
	m := new(dns.Msg)
	if fromSerial != 0 {
		m.SetIxfr(dns.Fqdn(zone), fromSerial, "", "")
	} else {
		m.SetAxfr(dns.Fqdn(zone))
	}

	tr := new(dns.Transfer)
	envelopes, err := tr.In(m, upstream)
	if err != nil {
		return nil, nil, NewError(CodeFatal, "Transfer", err)
	}

	var allRRs []dns.RR
	for env := range envelopes {
		if env.Error != nil {
			return nil, nil, NewError(CodeFatal, "Transfer", env.Error)
		}
		allRRs = append(allRRs, env.RR...)
	}

	if looksLikeIXFR(allRRs, fromSerial) {
		batch, err := changesetBatchFromIXFR(allRRs)
		if err != nil {
			return nil, nil, err
		}
		return nil, batch, nil
	}

	zc := NewZoneContents(zone)
	for _, rr := range allRRs {
		if err := zc.AddRR(rr); err != nil {
			return nil, nil, err
		}
	}
	return zc, nil, nil
}

// looksLikeIXFR reports whether the envelope stream is a genuine
// incremental transfer: an IXFR response carries at least three SOA
// records (final, then per-changeset from/to pairs, then the final SOA
// again), while an AXFR downgrade carries two (the SOA that opens and the
// one that closes the full zone dump).
func looksLikeIXFR(rrs []dns.RR, fromSerial uint32) bool {
	if fromSerial == 0 {
		return false
	}
	count := 0
	for _, rr := range rrs {
		if _, ok := rr.(*dns.SOA); ok {
			count++
		}
	}
	return count >= 3
}

// changesetBatchFromIXFR splits a raw IXFR RR stream into one Changeset
// per diff sequence, directly modelled on tdns/ixfr.IxfrFromResponse's
// SOA-toggle walk (ixfr_teacher/ixfr.go), generalised to build our
// Changeset type instead of tdns's Ixfr/DiffSequence pair.
func changesetBatchFromIXFR(rrs []dns.RR) (ChangesetBatch, error) {
	if len(rrs) < 3 {
		return nil, NewError(CodeMalformed, "changesetBatchFromIXFR", nil)
	}
	// rrs[0] is the final SOA (target serial) and is skipped; the rest is
	// walked as repeating [from-SOA, removals..., to-SOA, additions...]
	// groups. A trailing lone SOA is the stream's closing copy of the
	// final SOA and starts no group.
	var batch ChangesetBatch
	i := 1
	for i < len(rrs) {
		if _, isSOA := rrs[i].(*dns.SOA); isSOA && i == len(rrs)-1 {
			break
		}
		soaFrom, ok := rrs[i].(*dns.SOA)
		if !ok {
			return nil, NewError(CodeMalformed, "changesetBatchFromIXFR", nil)
		}
		i++
		cs := &Changeset{SOAFrom: soaFrom, SerialFrom: soaFrom.Serial}
		for i < len(rrs) {
			if soa, isSOA := rrs[i].(*dns.SOA); isSOA {
				cs.SOATo = soa
				cs.SerialTo = soa.Serial
				i++
				break
			}
			cs.Removals = append(cs.Removals, rrs[i])
			i++
		}
		for i < len(rrs) {
			if _, isSOA := rrs[i].(*dns.SOA); isSOA {
				break
			}
			cs.Additions = append(cs.Additions, rrs[i])
			i++
		}
		batch = append(batch, cs)
	}
	return batch, nil
}

// RunRefresh performs one REFRESH-event cycle for zr (§4.5): query the
// upstream's SOA, and if its serial is newer than ours, pull a transfer
// and publish the result. Returns the duration to wait before the next
// timer arm: the zone's refresh interval on success, or its retry interval
// on failure. io is needed only for the out-of-space journal recovery
// path (§4.1), which must run a zonefile-sync pass to reclaim space.
func RunRefresh(ctx context.Context, zr *ZoneRecord, tr Transferor, io ZoneTextIO) (time.Duration, error) {
	if zr.Config.Type != Secondary {
		return zr.Config.RefreshMin, nil
	}

	remoteSOA, err := tr.QuerySOA(ctx, zr.Config.Upstream, zr.Config.Name)
	if err != nil {
		return zr.Config.RetryMin, err
	}

	current := zr.CurrentSerial()
	if !SerialLess(current, remoteSOA.Serial) {
		return zr.Config.RefreshMin, nil
	}

	if err := zr.BeginTransfer(uint16(remoteSOA.Serial)); err != nil {
		return zr.Config.RetryMin, err
	}
	defer zr.EndTransfer()

	zc, batch, err := tr.Transfer(ctx, zr.Config.Upstream, zr.Config.Name, current)
	if err != nil {
		return zr.Config.RetryMin, err
	}

	if zc != nil {
		zr.PublishContents(zc)
	} else if len(batch) > 0 {
		if err := batch.Validate(); err != nil {
			return zr.Config.RetryMin, err
		}
		scratch := zr.SnapshotContents().Clone()
		for _, cs := range batch {
			if err := scratch.ApplyChangeset(cs); err != nil {
				return zr.Config.RetryMin, err
			}
			if err := storeChangeset(zr, cs, io); err != nil {
				return zr.Config.RetryMin, err
			}
		}
		zr.PublishContents(scratch)
	}

	zr.MarkDirty()
	return zr.Config.RefreshMin, nil
}

// storeChangeset writes cs to zr's journal, applying §4.1's out-of-space
// recovery: on CodeOutOfSpace, the periodic sync timer is cancelled so it
// cannot race this recovery pass, an immediate zonefile-sync runs to
// clear dirty flags and reclaim space, the timer is re-armed on the same
// cadence, and the write is retried exactly once more. A second
// CodeOutOfSpace is reported to the caller, matching "store_changesets
// loop" in §7's propagation policy: transient conditions are recovered
// in-place here, not handed further up.
func storeChangeset(zr *ZoneRecord, cs *Changeset, io ZoneTextIO) error {
	if zr.Journal == nil {
		return nil
	}
	if has, err := zr.Journal.Contains(cs.SerialTo); err == nil && has {
		return nil
	}
	data, err := cs.Serialize()
	if err != nil {
		return err
	}

	key := cs.JournalKey()
	werr := zr.Journal.Write(key, data)
	if werr == nil {
		return nil
	}
	if !IsCode(werr, CodeOutOfSpace) {
		return werr
	}

	interval := zr.Config.DBSyncTimeout
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	zr.mu.Lock()
	syncTimer := zr.timers.sync
	zr.timers.sync = nil
	zr.mu.Unlock()
	if syncTimer != nil {
		syncTimer.Cancel()
	}

	if io != nil {
		_ = SyncZoneFile(zr, io)
	}

	zr.mu.Lock()
	zr.timers.sync = newZoneTimer(interval, periodicSyncFn(zr, io, nil, interval))
	zr.mu.Unlock()

	return zr.Journal.Write(key, data)
}

// periodicSyncFn returns a self-rescheduling zonefile-sync callback,
// shared by storeChangeset's recovery rearm and Nameserver.armSync so the
// timer keeps ticking on its configured cadence after either arms it. bio
// may be nil: storeChangeset's recovery rearm only needs to reclaim
// journal space via the text dump, while Nameserver.armSync passes the
// real ZoneBinIO so the compiled cache stays current too.
func periodicSyncFn(zr *ZoneRecord, io ZoneTextIO, bio ZoneBinIO, interval time.Duration) func() {
	var fn func()
	fn = func() {
		if zr.IsDirty() {
			if err := syncZoneFile(zr, io, bio); err != nil && zr.Logger != nil {
				zr.Logger.Printf("zonefile sync failed for %s: %v", zr.Name(), err)
			}
		}
		zr.mu.Lock()
		zr.timers.sync = newZoneTimer(interval, fn)
		zr.mu.Unlock()
	}
	return fn
}

// RunExpire implements the EXPIRE event (§4.5): once a secondary's master
// has gone unreachable for a full SOA.expire interval without answering a
// single REFRESH/RETRY probe, the zone is no longer considered
// authoritative enough to answer from at all and is removed outright,
// rather than merely stubbed in place — matching "remove the zone from
// the live database ... deep-free the retired zone", not a content swap.
// RunExpire removes the zone from db (RemoveZone waits for that
// generation's readers to drain) and then tears the record down with
// destroyZoneRecord. Cancelling the pending REFRESH/RETRY timer first is
// left to the caller (Nameserver.runExpireCycle).
func RunExpire(db *Database, zr *ZoneRecord) {
	db.RemoveZone(zr.Name())
	destroyZoneRecord(zr)
}
