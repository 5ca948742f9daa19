/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"context"
	"log"
	"time"

	"github.com/miekg/dns"
)

// Nameserver wires together a Database, its Transferor, its I/O
// collaborators and its NotifierEngine into the one object
// cmd/zoned drives: the generalisation of tdnsd/main.go's
// collection of package-level engines into a single struct with explicit
// dependencies instead of global state.
type Nameserver struct {
	DB         *Database
	Transferor Transferor
	TextIO     ZoneTextIO
	BinIO      ZoneBinIO
	Notifier   *NotifierEngine
	Watcher    *ZoneFileWatcher
	Logger     *log.Logger
}

// NewNameserver wires up the default collaborators.
func NewNameserver(logger *log.Logger) *Nameserver {
	return &Nameserver{
		DB:         NewDatabase(),
		Transferor: NewDefaultTransferor(),
		TextIO:     DefaultZoneTextIO{},
		BinIO:      DefaultZoneBinIO{},
		Notifier:   NewNotifierEngine(),
		Logger:     logger,
	}
}

// LoadConfigAndReload reads cfgPath and performs a full reload against it,
// the startup path and the SIGHUP path both funnel through this, matching
// tdnsd/main.go's mainloop hupper-channel handling.
func (ns *Nameserver) LoadConfigAndReload(cfgPath string) (*ReloadResult, error) {
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	zoneConfigs, err := ToZoneConfigs(cfg)
	if err != nil {
		return nil, err
	}
	result, err := Reload(ns.DB, zoneConfigs, ns.TextIO, ns.BinIO, ns.Logger)
	if err != nil {
		return nil, err
	}
	ns.TimersUpdate()
	return result, nil
}

// TimersUpdate arms the REFRESH timer for every secondary zone and a sync
// timer for every zone with a zone file, per §4.9 step 4. EXPIRE is not
// armed here: runRefreshCycle arms it after a failed SOA probe. Zones whose
// timers are already running (reused across a reload) are left alone.
func (ns *Nameserver) TimersUpdate() {
	for _, name := range ns.DB.Names() {
		zr, ok := ns.DB.Get(name)
		if !ok {
			continue
		}
		ns.armZoneTimers(zr)
	}
}

func (ns *Nameserver) armZoneTimers(zr *ZoneRecord) {
	zr.mu.Lock()
	hasRefresh := zr.timers.refresh != nil
	hasSync := zr.timers.sync != nil
	zr.mu.Unlock()

	if zr.Config.Type == Secondary && !hasRefresh {
		ns.armRefresh(zr)
	}
	if zr.Config.ZoneFile != "" && !hasSync {
		ns.armSync(zr)
	}
}

func (ns *Nameserver) armRefresh(zr *ZoneRecord) {
	zr.mu.Lock()
	zr.timers.refresh = newZoneTimer(zr.Config.RefreshMin, func() {
		ns.runRefreshCycle(zr)
	})
	zr.mu.Unlock()
}

func (ns *Nameserver) runRefreshCycle(zr *ZoneRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	next, err := RunRefresh(ctx, zr, ns.Transferor, ns.TextIO)
	if err != nil && ns.Logger != nil {
		ns.Logger.Printf("refresh failed for %s: %v", zr.Name(), err)
	}

	// §4.5: "expire is scheduled iff at least one SOA probe has been
	// issued without a valid answer" — a successful probe cancels it, a
	// failed one arms it if it isn't armed already.
	if err == nil {
		zr.mu.Lock()
		expireTimer := zr.timers.expire
		zr.timers.expire = nil
		zr.mu.Unlock()
		if expireTimer != nil {
			expireTimer.Cancel()
		}
		ns.NotifyDownstreams(zr)
	} else {
		zr.mu.Lock()
		needsExpire := zr.timers.expire == nil
		zr.mu.Unlock()
		if needsExpire && zr.Config.ExpireMax > 0 {
			ns.armExpire(zr)
		}
	}

	zr.mu.Lock()
	zr.timers.refresh = newZoneTimer(next, func() { ns.runRefreshCycle(zr) })
	zr.mu.Unlock()
}

// armExpire arms zr's EXPIRE timer (§4.5) to fire after config.expire_max,
// removing the zone from the database outright if no intervening REFRESH
// cancels it first.
func (ns *Nameserver) armExpire(zr *ZoneRecord) {
	zr.mu.Lock()
	zr.timers.expire = newZoneTimer(zr.Config.ExpireMax, func() { ns.runExpireCycle(zr) })
	zr.mu.Unlock()
}

// runExpireCycle implements the EXPIRE event of §4.5: cancel the pending
// REFRESH/RETRY timer, then hand off to RunExpire for the database
// removal/drain/deep-free sequence. The expire timer's own field is
// cleared before RunExpire runs destroyZoneRecord's cancelAll, since a
// zoneTimer must never be cancelled from within its own firing callback.
func (ns *Nameserver) runExpireCycle(zr *ZoneRecord) {
	zr.mu.Lock()
	refreshTimer := zr.timers.refresh
	zr.timers.refresh = nil
	zr.timers.expire = nil
	zr.mu.Unlock()
	if refreshTimer != nil {
		refreshTimer.Cancel()
	}

	RunExpire(ns.DB, zr)
	if ns.Logger != nil {
		ns.Logger.Printf("zone %s expired: removed from database", zr.Name())
	}
}

// armSync arms the zonefile-sync timer (§4.5) on the zone's configured
// config.dbsync_timeout cadence, via the same self-rescheduling callback
// storeChangeset's out-of-space recovery rearms.
func (ns *Nameserver) armSync(zr *ZoneRecord) {
	interval := zr.Config.DBSyncTimeout
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	zr.mu.Lock()
	zr.timers.sync = newZoneTimer(interval, periodicSyncFn(zr, ns.TextIO, ns.BinIO, interval))
	zr.mu.Unlock()
}

// NotifyDownstreams arms a fresh NOTIFY-send retry loop (§4.5) per
// configured downstream for zr, the generalisation of
// tdns/zone_utils.go's NotifyDownstreams to go through the Nameserver's
// own NotifierEngine instead of a package-level queue.
func (ns *Nameserver) NotifyDownstreams(zr *ZoneRecord) {
	zr.ScheduleNotifyAll(ns.Notifier)
}

// StartFileWatch begins watching the configured zone file of every zone
// that has one, primary or secondary, for external edits (an operator hand-editing a zone file outside
// the admin API), reloading just that zone in place when fsnotify reports
// a write rather than waiting on the periodic zonefile-sync timer.
// Grounded on fsnotifywatch.go's ZoneFileWatcher, adopted from the
// rbldnsd-style example in the retrieved pack.
func (ns *Nameserver) StartFileWatch() error {
	w, err := NewZoneFileWatcher(ns.Logger)
	if err != nil {
		return err
	}
	for _, name := range ns.DB.Names() {
		zr, ok := ns.DB.Get(name)
		if !ok || zr.Config.ZoneFile == "" {
			continue
		}
		if err := w.Watch(zr.Config.ZoneFile, name); err != nil {
			return err
		}
	}
	ns.Watcher = w
	go w.Run(ns.reloadZoneFile)
	return nil
}

// reloadZoneFile re-reads a single zone's master file and publishes the
// result, the fsnotify-triggered counterpart to RunRefresh's
// transfer-triggered publish.
func (ns *Nameserver) reloadZoneFile(zoneName string) {
	zr, ok := ns.DB.Get(zoneName)
	if !ok {
		return
	}
	zc, err := ns.TextIO.ReadZoneFile(zr.Config.ZoneFile, zoneName)
	if err != nil {
		if ns.Logger != nil {
			ns.Logger.Printf("zone file watch: reload of %s failed: %v", zoneName, err)
		}
		return
	}
	zr.PublishContents(zc)
	zr.setZonefileSerial(zc.Serial())
	ns.NotifyDownstreams(zr)
}

// NewQueryResponder returns a QueryResponder bound to ns's database, with
// its NOTIFY hook wired to cancel the pending REFRESH timer and run an
// immediate refresh cycle in its place (§4.6's response dispatcher).
func (ns *Nameserver) NewQueryResponder() *QueryResponder {
	qr := NewQueryResponder(ns.DB)
	qr.OnNotify(func(zoneName string) {
		if zr, ok := ns.DB.Get(zoneName); ok {
			go func() {
				for {
					zr.mu.Lock()
					tmr := zr.timers.refresh
					zr.timers.refresh = nil
					zr.mu.Unlock()
					if tmr == nil {
						break
					}
					tmr.Cancel()
				}
				ns.runRefreshCycle(zr)
			}()
		}
	})
	return qr
}

// ListenAndServe starts the DNS query responder on addr over both udp and
// tcp, matching tdnsd/main.go's DnsEngine bring-up.
func (ns *Nameserver) ListenAndServe(addr string) error {
	qr := ns.NewQueryResponder()

	errCh := make(chan error, 2)
	udp := &dns.Server{Addr: addr, Net: "udp", Handler: qr}
	tcp := &dns.Server{Addr: addr, Net: "tcp", Handler: qr}

	go func() { errCh <- udp.ListenAndServe() }()
	go func() { errCh <- tcp.ListenAndServe() }()

	return <-errCh
}

// Shutdown tears down every zone the same way zone record destruction
// does (§4.4): cancel REFRESH/RETRY/EXPIRE/sync timers, cancel every
// pending NOTIFY via the race-safe protocol, close the journal — then
// stop the notifier engine.
func (ns *Nameserver) Shutdown() {
	if ns.Watcher != nil {
		ns.Watcher.Close()
	}
	for _, name := range ns.DB.Names() {
		if zr, ok := ns.DB.Get(name); ok {
			destroyZoneRecord(zr)
		}
	}
	ns.Notifier.Shutdown()
}

// destroyZoneRecord implements §4.4's destruction sequence: cancel
// REFRESH, EXPIRE and zonefile-sync timers in that order, cancel every
// pending NOTIFY under the zone lock via CancelNotify, then close the
// journal.
func destroyZoneRecord(zr *ZoneRecord) {
	zr.timers.cancelAll()
	zr.CancelAllNotifies()
	if zr.Journal != nil {
		zr.Journal.Close()
	}
}
