/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"log"
	"sync"
	"time"
)

// ZoneType distinguishes master-authoritative zones from zones slaved from
// an upstream, mirroring tdns/structs.go's ZoneType constants.
type ZoneType int

const (
	Primary ZoneType = iota
	Secondary
)

func (t ZoneType) String() string {
	if t == Primary {
		return "primary"
	}
	return "secondary"
}

// ZoneACLConfig groups the three ACL sets a zone record consults: who may
// request a transfer, who may send updates, who may send notifies.
type ZoneACLConfig struct {
	Transfer *ACLSet
	Update   *ACLSet
	Notify   *ACLSet
}

// ZoneConfig is the static, file-driven configuration for a single zone,
// separate from its runtime ZoneRecord so a reload (§4.9) can compare old
// vs. new configuration before deciding whether to reuse, reload, or
// rebuild a zone's timers.
type ZoneConfig struct {
	Name         string
	Type         ZoneType
	ZoneFile     string   // config.file: text master-file path
	CompiledFile string   // config.db: compiled (binary-cache) zone path
	Upstream     string   // secondary: master to transfer from
	Downstreams  []string // primary: slaves to notify
	ACL          ZoneACLConfig
	RefreshMin   time.Duration
	RetryMin     time.Duration
	ExpireMax    time.Duration

	// DBSyncTimeout is config.dbsync_timeout (§4.5): the period at which the
	// zonefile-sync timer unconditionally reschedules itself.
	DBSyncTimeout time.Duration

	// NotifyRetries and NotifyTimeout are config.notify_retries /
	// config.notify_timeout (§4.5/§4.7): how many times a NOTIFY-send event
	// retries before giving up, and the delay between retries.
	NotifyRetries int
	NotifyTimeout time.Duration

	// JournalSizeLimit is config.ixfr_fslimit (§6): the bounded entry count
	// the zone's journal is created with.
	JournalSizeLimit int
}

// ZoneRecord is the live, per-zone runtime state: its currently published
// contents, its journal, its timer arms, and the bookkeeping needed to
// drive the REFRESH/RETRY/EXPIRE/NOTIFY/sync state machine in §4.5-§4.8.
// This is the generalisation of tdns/structs.go's ZoneData away from a
// single do-everything struct: the zone database (database.go) treats a
// *ZoneRecord as an opaque, refcounted snapshot member, and every field
// mutation happens either under mu or by replacing Contents wholesale.
type ZoneRecord struct {
	mu sync.RWMutex

	Config   ZoneConfig
	Contents *ZoneContents
	Journal  *Journal

	Logger *log.Logger

	// xfrInFlight marks an in-progress inbound transfer; nil means none
	// running. RunRefresh stores the low 16 bits of the target serial here,
	// and only the nil check is ever consulted. Modelled as a pointer rather
	// than reusing an in-band sentinel value (open question resolved in
	// SPEC_FULL.md §9).
	xfrInFlight *uint16

	timers zoneTimerSet

	// notifyPending is the "ordered list of pending NOTIFY events" of §3,
	// realised as a map keyed by a per-zone monotonic event id rather than
	// an intrusive list node (DESIGN NOTES, "replacing inline intrusive
	// lists"): each entry is one downstream's outstanding NOTIFY retry
	// loop, independently cancellable by id per §4.7.
	notifyPending map[uint64]*notifyEvent
	notifyNextID  uint64

	zonefileSerial uint32 // serial last written to the text zonefile (§3, §4.8)
	dirty          bool   // unsynced changes since last zonefile_sync

	// loadedAt is the "in-memory version timestamp" §4.9 step 3 compares
	// against the on-disk compiled-db file's mtime to decide whether a
	// reload is required for an otherwise-unchanged zone configuration.
	loadedAt time.Time
}

// NewZoneRecord constructs a zone record in its initial, timer-less state.
// Timers are armed separately by TimersUpdate (nameserver.go), once the
// record has been published into the database, per §4.9 step 4.
func NewZoneRecord(cfg ZoneConfig, contents *ZoneContents, journal *Journal, logger *log.Logger) *ZoneRecord {
	if contents == nil {
		contents = NewStubContents(cfg.Name)
	}
	zr := &ZoneRecord{
		Config:        cfg,
		Contents:      contents,
		Journal:       journal,
		Logger:        logger,
		notifyPending: make(map[uint64]*notifyEvent),
		loadedAt:      time.Now(),
	}
	if contents != nil && !contents.IsStub() {
		zr.zonefileSerial = contents.Serial()
	}
	return zr
}

// Name returns the zone's canonical owner name.
func (zr *ZoneRecord) Name() string { return zr.Config.Name }

// SnapshotContents returns the currently published contents body under a
// read lock. Callers must not retain the pointer across a reload; ask
// again if a fresh view is needed (the ZoneContents itself is never
// mutated after publish — see ApplyChangeset's scratch-copy contract).
func (zr *ZoneRecord) SnapshotContents() *ZoneContents {
	zr.mu.RLock()
	defer zr.mu.RUnlock()
	return zr.Contents
}

// PublishContents atomically swaps in a newly built contents body, e.g.
// after a successful transfer or zone file reload.
func (zr *ZoneRecord) PublishContents(zc *ZoneContents) {
	zr.mu.Lock()
	zr.Contents = zc
	zr.dirty = true
	zr.mu.Unlock()
}

// CurrentSerial returns the zone's current SOA serial under a read lock.
func (zr *ZoneRecord) CurrentSerial() uint32 {
	zr.mu.RLock()
	defer zr.mu.RUnlock()
	return zr.Contents.Serial()
}

// BeginTransfer records that an inbound transfer targeting serial is in
// flight, refusing a second concurrent attempt (DoTransfer is not
// reentrant per zone, matching tdns/zone_utils.go's single-flight use of
// zd.Ready as a coarse gate).
func (zr *ZoneRecord) BeginTransfer(targetSerial uint16) error {
	zr.mu.Lock()
	defer zr.mu.Unlock()
	if zr.xfrInFlight != nil {
		return NewError(CodeMismatch, "ZoneRecord.BeginTransfer", nil)
	}
	zr.xfrInFlight = &targetSerial
	return nil
}

// EndTransfer clears the in-flight marker set by BeginTransfer.
func (zr *ZoneRecord) EndTransfer() {
	zr.mu.Lock()
	zr.xfrInFlight = nil
	zr.mu.Unlock()
}

// TransferInFlight reports whether an inbound transfer is currently
// running for this zone.
func (zr *ZoneRecord) TransferInFlight() bool {
	zr.mu.RLock()
	defer zr.mu.RUnlock()
	return zr.xfrInFlight != nil
}

// MarkDirty flags the zone as having unsynced changes since the last
// zonefile_sync pass.
func (zr *ZoneRecord) MarkDirty() {
	zr.mu.Lock()
	zr.dirty = true
	zr.mu.Unlock()
}

// ClearDirty resets the dirty flag. syncZoneFile clears the same flag
// directly while it holds zr.mu, so it does not go through this method.
func (zr *ZoneRecord) ClearDirty() {
	zr.mu.Lock()
	zr.dirty = false
	zr.mu.Unlock()
}

// IsDirty reports whether the zone has unsynced changes.
func (zr *ZoneRecord) IsDirty() bool {
	zr.mu.RLock()
	defer zr.mu.RUnlock()
	return zr.dirty
}

// PendingNotifyTargets returns the downstream addresses with a NOTIFY
// retry loop still in flight, for status reporting.
func (zr *ZoneRecord) PendingNotifyTargets() []string {
	zr.mu.Lock()
	defer zr.mu.Unlock()
	out := make([]string, 0, len(zr.notifyPending))
	for _, ev := range zr.notifyPending {
		out = append(out, ev.target)
	}
	return out
}

// ZonefileSerial returns the serial last written to the text zone file
// (§3's zonefile_serial watermark, invariant 2: it never exceeds the
// currently published SOA serial).
func (zr *ZoneRecord) ZonefileSerial() uint32 {
	zr.mu.RLock()
	defer zr.mu.RUnlock()
	return zr.zonefileSerial
}

// setZonefileSerial records serial as the last one flushed to disk.
func (zr *ZoneRecord) setZonefileSerial(serial uint32) {
	zr.mu.Lock()
	zr.zonefileSerial = serial
	zr.mu.Unlock()
}

// LoadedAt returns the time this record's contents were last (re)built,
// the "in-memory version timestamp" §4.9 step 3 weighs against the
// compiled-db file's mtime when deciding whether a reload is required.
func (zr *ZoneRecord) LoadedAt() time.Time {
	zr.mu.RLock()
	defer zr.mu.RUnlock()
	return zr.loadedAt
}
