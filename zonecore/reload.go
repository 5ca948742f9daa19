/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"log"
	"os"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ReloadResult summarises what a Reload call did, for logging and the
// admin API's /reload response.
type ReloadResult struct {
	Reused   []string
	Reloaded []string
	Stubbed  []string
	Removed  []string
}

// Reload implements the eight-step reconfiguration procedure of §4.9:
//
//  1. snapshot the currently published generation
//  2. for each zone in the new configuration: reuse its existing record
//     verbatim if its ZoneConfig is unchanged and its compiled-db file is no
//     newer than the record's in-memory version timestamp; otherwise rebuild
//     it (zone_binio.load, falling back to the text zone file, or a stub
//     when the compiled-db is absent and a master is configured)
//  3. compute the residue: zones present in the old generation but absent
//     from the new configuration
//  4. call journal_apply on every zone now in the new generation, replaying
//     any pending changesets
//  5. publish the new generation
//  6. arm timers for every new/changed zone (TimersUpdate, nameserver.go)
//  7. wait for the old generation's readers to drain
//  8. cancel timers and deep-free every residue zone record
//
// grounded on zones_update_db_from_config /
// zones_ns_conf_hook in original_source/src/knot/server/zones.c.
func Reload(db *Database, newConfigs map[string]ZoneConfig, io ZoneTextIO, bio ZoneBinIO, logger *log.Logger) (*ReloadResult, error) {
	oldGen := db.current.Load()
	result := &ReloadResult{}

	newZones := cmap.New[*ZoneRecord]()

	for name, cfg := range newConfigs {
		canonical := CanonicalOwnerName(name)
		cfg.Name = canonical

		existing, hadPrior := oldGen.zones.Get(canonical)
		reloadNeeded := !hadPrior || !configUnchanged(existing.Config, cfg)
		if hadPrior && !reloadNeeded && compiledFileNewer(cfg.CompiledFile, existing.LoadedAt()) {
			reloadNeeded = true
		}

		if !reloadNeeded {
			newZones.Set(canonical, existing)
			result.Reused = append(result.Reused, canonical)
			continue
		}

		var zr *ZoneRecord
		var err error
		if _, statErr := os.Stat(cfg.CompiledFile); cfg.CompiledFile != "" && os.IsNotExist(statErr) && cfg.Upstream != "" {
			journal, jerr := openOrCreateJournal(cfg)
			if jerr != nil {
				err = jerr
			} else {
				zr = NewZoneRecord(cfg, NewStubContents(canonical), journal, logger)
			}
		} else {
			zr, err = buildZoneRecord(cfg, io, bio, logger)
		}

		if err != nil || zr == nil {
			zr = NewZoneRecord(cfg, NewStubContents(canonical), nil, logger)
			result.Stubbed = append(result.Stubbed, canonical)
		} else {
			result.Reloaded = append(result.Reloaded, canonical)
		}
		newZones.Set(canonical, zr)
	}

	for _, name := range oldGen.zones.Keys() {
		if _, ok := newZones.Get(name); !ok {
			result.Removed = append(result.Removed, name)
		}
	}

	for _, canonical := range newZones.Keys() {
		zr, ok := newZones.Get(canonical)
		if !ok {
			continue
		}
		if err := journalApply(zr); err != nil && logger != nil {
			logger.Printf("journal_apply failed for %s: %v", canonical, err)
		}
	}

	newGen := db.publish(newZones)
	_ = newGen

	drain(oldGen)

	for _, name := range result.Removed {
		if zr, ok := oldGen.zones.Get(name); ok {
			destroyZoneRecord(zr)
		}
	}

	return result, nil
}

// compiledFileNewer reports whether path's on-disk mtime is strictly
// after since, the mtime-vs-in-memory-version-timestamp test §4.9 step 3
// uses to force a reload of an otherwise-unchanged zone. A missing or
// unconfigured compiled-db file never forces a reload on its own.
func compiledFileNewer(path string, since time.Time) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.ModTime().After(since)
}

// journalApply implements §4.10's journal_apply: replay every pending
// changeset in zr's journal starting from its currently published serial,
// applying the chain to a scratch clone and publishing the result. A
// CodeOutOfRange error from LoadChangesets means there is nothing pending
// and is not an error at this level, matching "callers tolerate this as
// 'no more pending updates'". Called for every zone placed into new_db
// (§4.9 step 4), including reused zones, for which the replay is a no-op.
func journalApply(zr *ZoneRecord) error {
	if zr.Journal == nil {
		return nil
	}
	contents := zr.SnapshotContents()
	if contents == nil || contents.IsStub() {
		return nil
	}

	batch, err := LoadChangesets(zr.Journal, contents.Serial())
	if err != nil {
		if IsCode(err, CodeOutOfRange) {
			return nil
		}
		return err
	}
	if err := batch.Validate(); err != nil {
		return err
	}

	scratch := contents.Clone()
	for _, cs := range batch {
		if err := scratch.ApplyChangeset(cs); err != nil {
			return err
		}
	}
	zr.PublishContents(scratch)
	return nil
}

// configUnchanged reports whether two zone configurations are identical
// enough that the existing runtime record can be reused verbatim rather
// than rebuilt, matching the "reuse unchanged zones" half of step 2.
func configUnchanged(a, b ZoneConfig) bool {
	if a.Name != b.Name || a.Type != b.Type || a.ZoneFile != b.ZoneFile || a.Upstream != b.Upstream {
		return false
	}
	if len(a.Downstreams) != len(b.Downstreams) {
		return false
	}
	for i := range a.Downstreams {
		if a.Downstreams[i] != b.Downstreams[i] {
			return false
		}
	}
	return a.RefreshMin == b.RefreshMin && a.RetryMin == b.RetryMin && a.ExpireMax == b.ExpireMax
}

// buildZoneRecord constructs a fresh runtime record for cfg. Per §4.9
// step 3's "otherwise call zone_binio.load" rule, a configured compiled-db
// file is tried first (it is the faster, already-validated cache); a
// primary then falls back to its text zone file (zone_textio.load) when
// the compiled cache is absent or corrupt, and a secondary with nothing
// cached at all starts as a stub and waits for its first REFRESH-driven
// transfer (matching zonedata_init/zones_load_zone's "load what's on disk
// now, transfer later" behaviour for slaves with no cached copy yet).
func buildZoneRecord(cfg ZoneConfig, io ZoneTextIO, bio ZoneBinIO, logger *log.Logger) (*ZoneRecord, error) {
	var contents *ZoneContents
	var err error

	if bio != nil && cfg.CompiledFile != "" {
		contents, err = bio.ReadCompiled(cfg.CompiledFile)
		if err != nil {
			contents = nil
		}
	}
	if contents == nil && cfg.ZoneFile != "" {
		contents, err = io.ReadZoneFile(cfg.ZoneFile, cfg.Name)
		if err != nil && cfg.Type == Primary {
			return nil, err
		}
	}
	if contents == nil {
		contents = NewStubContents(cfg.Name)
	}

	journal, jerr := openOrCreateJournal(cfg)
	if jerr != nil {
		return nil, jerr
	}

	return NewZoneRecord(cfg, contents, journal, logger), nil
}

func openOrCreateJournal(cfg ZoneConfig) (*Journal, error) {
	if cfg.ZoneFile == "" {
		return nil, nil
	}
	entryCount := cfg.JournalSizeLimit
	if entryCount <= 0 {
		entryCount = 256
	}
	path := cfg.ZoneFile + ".journal"
	j, err := OpenJournal(path)
	if err == nil {
		return j, nil
	}
	if !IsCode(err, CodeNotFound) {
		return nil, err
	}
	if err := CreateJournal(path, entryCount); err != nil {
		return nil, err
	}
	return OpenJournal(path)
}
