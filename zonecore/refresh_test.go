/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"testing"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// TestRunExpireRemovesZoneFromDatabase exercises S5: a secondary zone
// whose master has gone unreachable for a full SOA.expire interval is
// removed outright from the live database (never left behind as a
// stub), its timers and pending NOTIFYs are torn down, and a subsequent
// lookup no longer finds it — matching §4.5's EXPIRE event and
// destroyZoneRecord's §4.4 teardown sequence.
func TestRunExpireRemovesZoneFromDatabase(t *testing.T) {
	db := NewDatabase()
	zr := NewZoneRecord(ZoneConfig{Name: "example.", Type: Secondary}, NewZoneContents("example."), nil, nil)

	zones := cmap.New[*ZoneRecord]()
	zones.Set("example.", zr)
	db.publish(zones)

	if _, ok := db.Get("example."); !ok {
		t.Fatalf("expected example. to be present before expiry")
	}

	// A pending NOTIFY retry loop must not survive expiry either. Use a
	// long delay so the timer never actually fires during the test.
	zr.mu.Lock()
	ev := zr.scheduleNotifyLocked(nil, "10.0.0.1:53", 3, time.Hour)
	_, stillPending := zr.notifyPending[ev.id]
	zr.mu.Unlock()
	if !stillPending {
		t.Fatalf("expected the scheduled notify to be pending before expiry")
	}

	RunExpire(db, zr)

	if _, ok := db.Get("example."); ok {
		t.Fatalf("expected example. to be removed from the database after RunExpire")
	}

	zr.mu.Lock()
	pendingAfter := len(zr.notifyPending)
	zr.mu.Unlock()
	if pendingAfter != 0 {
		t.Fatalf("expected RunExpire to cancel every pending notify, got %d left", pendingAfter)
	}
}
