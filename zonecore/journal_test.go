/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
)

func mustWriteChangeset(t *testing.T, j *Journal, from, to uint32) {
	t.Helper()
	soa := func(serial uint32) *dns.SOA {
		rr, err := dns.NewRR("example.com. 3600 IN SOA a. b. " + itoa(serial) + " 1 1 1 1")
		if err != nil {
			t.Fatalf("dns.NewRR: %v", err)
		}
		return rr.(*dns.SOA)
	}
	cs := &Changeset{SerialFrom: from, SerialTo: to, SOAFrom: soa(from), SOATo: soa(to)}
	data, err := cs.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := j.Write(cs.JournalKey(), data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func openTestJournal(t *testing.T, entryCount int) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.journal")
	if err := CreateJournal(path, entryCount); err != nil {
		t.Fatalf("CreateJournal: %v", err)
	}
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalOpenMissingReturnsNotFound(t *testing.T) {
	_, err := OpenJournal(filepath.Join(t.TempDir(), "missing.journal"))
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func TestJournalWriteReadRoundTrip(t *testing.T) {
	j := openTestJournal(t, 16)
	key := JournalKey{From: 1, To: 2}
	if err := j.Write(key, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := j.Read(key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read: got %q, want %q", got, "hello")
	}
}

func TestJournalReadMissingReturnsNotFound(t *testing.T) {
	j := openTestJournal(t, 16)
	_, err := j.Read(JournalKey{From: 9, To: 10})
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

// TestJournalFetchWalksForward checks §4.1's fetch/iterate contract: Fetch
// positions a cursor on the entry whose key matches cmp(entry, start) == 0
// and every later entry comes back in insertion order.
func TestJournalFetchWalksForward(t *testing.T) {
	j := openTestJournal(t, 16)
	for i := uint32(1); i <= 3; i++ {
		if err := j.Write(JournalKey{From: i, To: i + 1}, []byte{byte(i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	cur, err := j.Fetch(2, CmpFrom)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var got []JournalKey
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		got = append(got, e.Key)
	}
	want := []JournalKey{{From: 2, To: 3}, {From: 3, To: 4}}
	if len(got) != len(want) {
		t.Fatalf("Fetch from serial 2: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Fetch from serial 2: got %v, want %v", got, want)
		}
	}
}

func TestJournalFetchUnknownStartReturnsEmptyCursor(t *testing.T) {
	j := openTestJournal(t, 16)
	if err := j.Write(JournalKey{From: 1, To: 2}, []byte{1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	cur, err := j.Fetch(99, CmpFrom)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, ok := cur.Next(); ok {
		t.Fatalf("expected an empty cursor for an unmatched start serial")
	}
}

// TestJournalWriteEvictsCleanEntry checks that a full journal reclaims
// space by evicting the oldest non-dirty entry rather than failing
// outright: (2,3) is the only clean entry, so it is the one evicted.
func TestJournalWriteEvictsCleanEntry(t *testing.T) {
	j := openTestJournal(t, 2)
	if err := j.Write(JournalKey{From: 1, To: 2}, []byte{1}); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := j.Write(JournalKey{From: 2, To: 3}, []byte{2}); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if err := j.Update(Entry{Key: JournalKey{From: 2, To: 3}, Dirty: false}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := j.Write(JournalKey{From: 3, To: 4}, []byte{3}); err != nil {
		t.Fatalf("Write 3 (should evict the clean entry): %v", err)
	}
	if _, err := j.Read(JournalKey{From: 2, To: 3}); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected the clean entry (2,3) to have been evicted, got err=%v", err)
	}
	if _, err := j.Read(JournalKey{From: 3, To: 4}); err != nil {
		t.Fatalf("new entry should be present: %v", err)
	}
}

// TestJournalWriteOutOfSpaceWhenAllDirty checks the CodeOutOfSpace
// recovery trigger: once the journal is full and every entry is dirty,
// nothing can be evicted and Write must report CodeOutOfSpace so the
// caller runs zonefile-sync to clear dirty flags (storeChangeset in
// refresh.go).
func TestJournalWriteOutOfSpaceWhenAllDirty(t *testing.T) {
	j := openTestJournal(t, 1)
	if err := j.Write(JournalKey{From: 1, To: 2}, []byte{1}); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	err := j.Write(JournalKey{From: 2, To: 3}, []byte{2})
	if !IsCode(err, CodeOutOfSpace) {
		t.Fatalf("expected CodeOutOfSpace, got %v", err)
	}
}

func TestJournalWalkVisitsDirtyEntriesOnly(t *testing.T) {
	j := openTestJournal(t, 16)
	if err := j.Write(JournalKey{From: 1, To: 2}, []byte{1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := j.Write(JournalKey{From: 2, To: 3}, []byte{2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := j.Update(Entry{Key: JournalKey{From: 1, To: 2}, Dirty: false}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var dirtyKeys []JournalKey
	err := j.Walk(func(e Entry) error {
		if e.Dirty {
			dirtyKeys = append(dirtyKeys, e.Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(dirtyKeys) != 1 || dirtyKeys[0] != (JournalKey{From: 2, To: 3}) {
		t.Fatalf("expected only the still-dirty entry, got %v", dirtyKeys)
	}
}

func TestJournalUpdateUnknownKeyReturnsNotFound(t *testing.T) {
	j := openTestJournal(t, 16)
	err := j.Update(Entry{Key: JournalKey{From: 9, To: 10}, Dirty: false})
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

// TestLoadChangesetsWalksContiguousChain checks §4.10's load_changesets:
// starting at serial 1, the full contiguous chain 1->2->3->4 comes back
// in order.
func TestLoadChangesetsWalksContiguousChain(t *testing.T) {
	j := openTestJournal(t, 16)
	mustWriteChangeset(t, j, 1, 2)
	mustWriteChangeset(t, j, 2, 3)
	mustWriteChangeset(t, j, 3, 4)

	batch, err := LoadChangesets(j, 1)
	if err != nil {
		t.Fatalf("LoadChangesets: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 changesets, got %d", len(batch))
	}
	for i, want := range []uint32{2, 3, 4} {
		if batch[i].SerialTo != want {
			t.Fatalf("batch[%d].SerialTo: got %d, want %d", i, batch[i].SerialTo, want)
		}
	}
}

// TestLoadChangesetsStopsAtGap checks that a non-contiguous successor
// (here, serial 3 while the chain expects 2) ends the walk rather than
// skipping ahead.
func TestLoadChangesetsStopsAtGap(t *testing.T) {
	j := openTestJournal(t, 16)
	mustWriteChangeset(t, j, 1, 2)
	mustWriteChangeset(t, j, 3, 4)

	batch, err := LoadChangesets(j, 1)
	if err != nil {
		t.Fatalf("LoadChangesets: %v", err)
	}
	if len(batch) != 1 || batch[0].SerialTo != 2 {
		t.Fatalf("expected the chain to stop after the first entry, got %+v", batch)
	}
}

// TestLoadChangesetsNoChainReturnsOutOfRange checks "load_changesets
// returns OutOfRange when the requested target serial is not reached".
func TestLoadChangesetsNoChainReturnsOutOfRange(t *testing.T) {
	j := openTestJournal(t, 16)
	mustWriteChangeset(t, j, 5, 6)

	_, err := LoadChangesets(j, 1)
	if !IsCode(err, CodeOutOfRange) {
		t.Fatalf("expected CodeOutOfRange, got %v", err)
	}
}

// TestJournalContainsFindsEntryEndingAtSerial checks the cmp_to half of
// §4.1's comparator pair.
func TestJournalContainsFindsEntryEndingAtSerial(t *testing.T) {
	j := openTestJournal(t, 16)
	mustWriteChangeset(t, j, 1, 2)

	has, err := j.Contains(2)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !has {
		t.Fatalf("expected Contains(2) to find the entry ending at serial 2")
	}

	has, err = j.Contains(99)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if has {
		t.Fatalf("expected Contains(99) to report no entry")
	}
}
