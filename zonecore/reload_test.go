/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
)

const testZoneFileBody = `example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 600 604800 3600
example.com. 3600 IN NS ns1.example.com.
ns1.example.com. 3600 IN A 192.0.2.1
`

func writeTestZoneFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "example.com.zone")
	if err := os.WriteFile(path, []byte(testZoneFileBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// TestReloadPrimaryLoadsZoneFile is the "bootstrap from disk" half of
// §4.9 step 2: a primary zone with a readable zone file loads real
// contents, not a stub.
func TestReloadPrimaryLoadsZoneFile(t *testing.T) {
	db := NewDatabase()
	zonefile := writeTestZoneFile(t)
	configs := map[string]ZoneConfig{
		"example.com.": {Name: "example.com.", Type: Primary, ZoneFile: zonefile},
	}

	result, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(result.Reloaded) != 1 || len(result.Stubbed) != 0 {
		t.Fatalf("expected one reloaded zone and no stubs, got %+v", result)
	}

	zr, ok := db.Get("example.com.")
	if !ok {
		t.Fatalf("expected example.com. in the database")
	}
	zc := zr.SnapshotContents()
	if zc.IsStub() {
		t.Fatalf("expected real contents, got a stub")
	}
	if zc.Serial() != 1 {
		t.Fatalf("serial: got %d, want 1", zc.Serial())
	}
}

// TestReloadSecondaryWithNoZoneFileStubs is §4.9 step 2's "secondary with
// nothing cached yet starts as a stub, waiting for its first transfer"
// case (S1's bootstrap scenario).
func TestReloadSecondaryWithNoZoneFileStubs(t *testing.T) {
	db := NewDatabase()
	configs := map[string]ZoneConfig{
		"example.com.": {Name: "example.com.", Type: Secondary, Upstream: "192.0.2.53:53"},
	}

	result, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(result.Stubbed) != 0 {
		t.Fatalf("expected no Stubbed entries (a zone with no ZoneFile never reads one), got %+v", result)
	}
	zr, ok := db.Get("example.com.")
	if !ok {
		t.Fatalf("expected example.com. in the database")
	}
	if !zr.SnapshotContents().IsStub() {
		t.Fatalf("expected a stub body for a secondary with no cached zone file")
	}
}

// TestReloadPrimaryWithUnreadableZoneFileStubs checks the failure half of
// §4.9 step 2: a primary whose zone file can't be read gets a stub rather
// than failing the whole reload.
func TestReloadPrimaryWithUnreadableZoneFileStubs(t *testing.T) {
	db := NewDatabase()
	missing := filepath.Join(t.TempDir(), "missing.zone")
	configs := map[string]ZoneConfig{
		"example.com.": {Name: "example.com.", Type: Primary, ZoneFile: missing},
	}

	result, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(result.Stubbed) != 1 {
		t.Fatalf("expected the unreadable primary to be stubbed, got %+v", result)
	}
	zr, ok := db.Get("example.com.")
	if !ok || !zr.SnapshotContents().IsStub() {
		t.Fatalf("expected a stub zone record for example.com.")
	}
}

// TestReloadReusesUnchangedConfig checks step 2's "reuse verbatim" rule:
// reloading with byte-identical ZoneConfig must hand back the exact same
// *ZoneRecord, not rebuild it (which would otherwise drop in-flight timers
// and journal state).
func TestReloadReusesUnchangedConfig(t *testing.T) {
	db := NewDatabase()
	zonefile := writeTestZoneFile(t)
	configs := map[string]ZoneConfig{
		"example.com.": {Name: "example.com.", Type: Primary, ZoneFile: zonefile},
	}

	if _, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil); err != nil {
		t.Fatalf("first Reload: %v", err)
	}
	first, _ := db.Get("example.com.")

	result, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil)
	if err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if len(result.Reused) != 1 {
		t.Fatalf("expected the unchanged zone to be reused, got %+v", result)
	}
	second, _ := db.Get("example.com.")
	if first != second {
		t.Fatalf("expected the exact same *ZoneRecord to be reused across an unchanged reload")
	}
}

// TestReloadRemovesResidueZones checks §4.9 steps 3 and 7: a zone present
// in the old generation but absent from the new configuration is reported
// as Removed and is no longer reachable afterwards.
func TestReloadRemovesResidueZones(t *testing.T) {
	db := NewDatabase()
	zonefile := writeTestZoneFile(t)
	first := map[string]ZoneConfig{
		"example.com.": {Name: "example.com.", Type: Primary, ZoneFile: zonefile},
		"gone.com.":    {Name: "gone.com.", Type: Secondary, Upstream: "192.0.2.53:53"},
	}
	if _, err := Reload(db, first, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil); err != nil {
		t.Fatalf("first Reload: %v", err)
	}
	if _, ok := db.Get("gone.com."); !ok {
		t.Fatalf("expected gone.com. to be present after the first reload")
	}

	second := map[string]ZoneConfig{
		"example.com.": first["example.com."],
	}
	result, err := Reload(db, second, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil)
	if err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if len(result.Removed) != 1 || result.Removed[0] != "gone.com." {
		t.Fatalf("expected gone.com. reported as removed, got %+v", result)
	}
	if _, ok := db.Get("gone.com."); ok {
		t.Fatalf("expected gone.com. to be gone from the database after reload")
	}
	if _, ok := db.Get("example.com."); !ok {
		t.Fatalf("expected example.com. to remain")
	}
}

// TestReloadAppliesPendingJournalChangesets checks §4.9 step 4 /
// §4.10: a changeset sitting in a zone's journal at its current serial
// is replayed into the published contents on the next reload, even when
// the zone's configuration is otherwise unchanged (and would therefore
// just be reused verbatim).
func TestReloadAppliesPendingJournalChangesets(t *testing.T) {
	db := NewDatabase()
	zonefile := writeTestZoneFile(t)
	configs := map[string]ZoneConfig{
		"example.com.": {Name: "example.com.", Type: Primary, ZoneFile: zonefile},
	}
	if _, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil); err != nil {
		t.Fatalf("first Reload: %v", err)
	}
	zr, ok := db.Get("example.com.")
	if !ok {
		t.Fatalf("expected example.com. in the database")
	}
	if zr.Journal == nil {
		t.Fatalf("expected a journal to have been opened for a zone with a zone file")
	}

	cs := &Changeset{
		SerialFrom: 1,
		SerialTo:   2,
		SOAFrom:    mustRR(t, "example.com. 3600 IN SOA a. b. 1 1 1 1 1").(*dns.SOA),
		SOATo:      mustRR(t, "example.com. 3600 IN SOA a. b. 2 1 1 1 1").(*dns.SOA),
		Additions:  []dns.RR{mustRR(t, "new.example.com. 3600 IN A 192.0.2.9")},
	}
	data, err := cs.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := zr.Journal.Write(cs.JournalKey(), data); err != nil {
		t.Fatalf("Journal.Write: %v", err)
	}

	if _, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil); err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	zr2, ok := db.Get("example.com.")
	if !ok {
		t.Fatalf("expected example.com. in the database")
	}
	zc := zr2.SnapshotContents()
	if zc.Serial() != 2 {
		t.Fatalf("expected journal_apply to bump the serial to 2, got %d", zc.Serial())
	}
	if !zc.OwnerExists("new.example.com.") {
		t.Fatalf("expected the journaled addition to be applied")
	}
}

// TestReloadLoadsFromCompiledDBWhenPresent checks §4.9 step 3's
// "otherwise call zone_binio.load" rule: a zone with a configured,
// present compiled-db file bootstraps from it rather than a text zone
// file.
func TestReloadLoadsFromCompiledDBWhenPresent(t *testing.T) {
	db := NewDatabase()
	compiled := filepath.Join(t.TempDir(), "example.com.db")
	zc := NewZoneContents("example.com.")
	if err := zc.AddRR(mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 7 3600 600 604800 3600")); err != nil {
		t.Fatalf("AddRR: %v", err)
	}
	if err := (DefaultZoneBinIO{}).WriteCompiled(compiled, zc); err != nil {
		t.Fatalf("WriteCompiled: %v", err)
	}

	configs := map[string]ZoneConfig{
		"example.com.": {Name: "example.com.", Type: Primary, CompiledFile: compiled},
	}
	result, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(result.Reloaded) != 1 {
		t.Fatalf("expected one reloaded zone, got %+v", result)
	}
	zr, ok := db.Get("example.com.")
	if !ok {
		t.Fatalf("expected example.com. in the database")
	}
	if zr.SnapshotContents().Serial() != 7 {
		t.Fatalf("expected the compiled-db serial 7, got %d", zr.SnapshotContents().Serial())
	}
}

// TestReloadMtimeForcesReloadOfUnchangedConfig checks the other half of
// step 3: a compiled-db file written after a zone's current in-memory
// version timestamp forces a rebuild even though its ZoneConfig has not
// changed at all.
func TestReloadMtimeForcesReloadOfUnchangedConfig(t *testing.T) {
	db := NewDatabase()
	zonefile := writeTestZoneFile(t)
	compiled := filepath.Join(t.TempDir(), "example.com.db")
	configs := map[string]ZoneConfig{
		"example.com.": {Name: "example.com.", Type: Primary, ZoneFile: zonefile, CompiledFile: compiled},
	}
	if _, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil); err != nil {
		t.Fatalf("first Reload: %v", err)
	}
	first, _ := db.Get("example.com.")

	zc := NewZoneContents("example.com.")
	if err := zc.AddRR(mustRR(t, "example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 99 3600 600 604800 3600")); err != nil {
		t.Fatalf("AddRR: %v", err)
	}
	if err := (DefaultZoneBinIO{}).WriteCompiled(compiled, zc); err != nil {
		t.Fatalf("WriteCompiled: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(compiled, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	result, err := Reload(db, configs, DefaultZoneTextIO{}, DefaultZoneBinIO{}, nil)
	if err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if len(result.Reused) != 0 {
		t.Fatalf("expected the newer compiled-db mtime to force a reload, got %+v", result)
	}
	second, ok := db.Get("example.com.")
	if !ok {
		t.Fatalf("expected example.com. in the database")
	}
	if second == first {
		t.Fatalf("expected a rebuilt *ZoneRecord once the compiled-db mtime forced a reload")
	}
	if second.SnapshotContents().Serial() != 99 {
		t.Fatalf("expected the compiled-db contents (serial 99) to win, got %d", second.SnapshotContents().Serial())
	}
}
