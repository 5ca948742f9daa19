/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	cmap "github.com/orcaman/concurrent-map/v2"
	"testing"
)

func testZoneRecord(name string) *ZoneRecord {
	cfg := ZoneConfig{Name: name, Type: Primary}
	return NewZoneRecord(cfg, NewZoneContents(name), nil, nil)
}

func TestDatabaseGetAndNames(t *testing.T) {
	db := NewDatabase()
	zones := cmap.New[*ZoneRecord]()
	zones.Set("example.com.", testZoneRecord("example.com."))
	db.publish(zones)

	if _, ok := db.Get("example.com."); !ok {
		t.Fatalf("expected example.com. to be present")
	}
	if _, ok := db.Get("nope.example.com."); ok {
		t.Fatalf("Get should not walk up the label chain")
	}
	if n := db.Count(); n != 1 {
		t.Fatalf("Count: got %d, want 1", n)
	}
	if names := db.Names(); len(names) != 1 || names[0] != "example.com." {
		t.Fatalf("Names: got %v", names)
	}
}

// TestDatabaseLookupWalksUpLabels checks the find-most-specific-zone
// contract: a query for a name under a configured zone finds that zone by
// walking up its label chain.
func TestDatabaseLookupWalksUpLabels(t *testing.T) {
	db := NewDatabase()
	zones := cmap.New[*ZoneRecord]()
	zones.Set("example.com.", testZoneRecord("example.com."))
	db.publish(zones)

	zr, ok := db.Lookup("www.example.com.")
	if !ok {
		t.Fatalf("expected a label-walk match for www.example.com.")
	}
	if zr.Name() != "example.com." {
		t.Fatalf("Lookup: got zone %q, want example.com.", zr.Name())
	}

	if _, ok := db.Lookup("other.net."); ok {
		t.Fatalf("expected no match for an unrelated name")
	}
}

// TestDatabasePublishSwapsGeneration checks that publish atomically
// replaces the visible zone set rather than mutating the old one, and
// that readers acquired before a publish still see the old generation to
// completion (the refcounted-epoch substitute for RCU, §9).
func TestDatabasePublishSwapsGeneration(t *testing.T) {
	db := NewDatabase()
	oldZones := cmap.New[*ZoneRecord]()
	oldZones.Set("old.example.com.", testZoneRecord("old.example.com."))
	db.publish(oldZones)

	oldGen := db.acquire()
	if _, ok := oldGen.zones.Get("old.example.com."); !ok {
		t.Fatalf("expected old.example.com. visible in the acquired generation")
	}

	newZones := cmap.New[*ZoneRecord]()
	newZones.Set("new.example.com.", testZoneRecord("new.example.com."))
	db.publish(newZones)

	if _, ok := db.Get("old.example.com."); ok {
		t.Fatalf("old.example.com. should no longer be visible after publish")
	}
	if _, ok := db.Get("new.example.com."); !ok {
		t.Fatalf("new.example.com. should be visible after publish")
	}

	// The generation acquired before the publish is still intact and must
	// be released before drain observes zero readers.
	if _, ok := oldGen.zones.Get("old.example.com."); !ok {
		t.Fatalf("previously acquired generation must remain unchanged after a later publish")
	}
	db.release(oldGen)
	drain(oldGen)
}

// TestDatabaseRemoveZone checks the EXPIRE event's database-side contract
// (§4.5/S5): removing a zone takes it out of the live generation
// immediately, a subsequent Get/Lookup no longer finds it, and a reader
// that acquired the generation beforehand can still finish its
// in-progress lookup without RemoveZone blocking forever.
func TestDatabaseRemoveZone(t *testing.T) {
	db := NewDatabase()
	zones := cmap.New[*ZoneRecord]()
	zones.Set("example.com.", testZoneRecord("example.com."))
	db.publish(zones)

	gen := db.acquire()
	if _, ok := gen.zones.Get("example.com."); !ok {
		t.Fatalf("expected example.com. visible in the acquired generation")
	}
	db.release(gen)

	zr, ok := db.RemoveZone("example.com.")
	if !ok {
		t.Fatalf("expected RemoveZone to find example.com.")
	}
	if zr.Name() != "example.com." {
		t.Fatalf("RemoveZone returned zone %q, want example.com.", zr.Name())
	}

	if _, ok := db.Get("example.com."); ok {
		t.Fatalf("example.com. should no longer be visible after RemoveZone")
	}
	if _, ok := db.RemoveZone("example.com."); ok {
		t.Fatalf("a second RemoveZone of an already-removed zone should report not-found")
	}
}
