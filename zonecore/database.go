/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"runtime"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// dbGeneration is one published snapshot of the zone table: an immutable
// map from zone name to *ZoneRecord, plus a refcount of readers currently
// inside it. This is the Go rendering of spec.md §9's "replace RCU with
// explicit epochs": instead of grace-period reclamation we count readers
// in and out of each generation and free it the moment the count hits
// zero after publication of its successor, which needs no kernel/runtime
// RCU support and composes cleanly with Go's garbage collector for the
// ZoneRecord bodies themselves.
type dbGeneration struct {
	zones   cmap.ConcurrentMap[string, *ZoneRecord]
	readers int64
}

func newGeneration() *dbGeneration {
	return &dbGeneration{zones: cmap.New[*ZoneRecord]()}
}

// Database is the top-level, concurrently-readable zone table. The reload
// coordinator (reload.go) publishes a brand new generation with an atomic
// store under mu, and EXPIRE deletes a single zone from the live
// generation via RemoveZone; readers acquire the current generation, do their lookup, and
// release it, never blocking a concurrent publish and never seeing a
// zone table that is half old, half new.
//
// Grounded on tdns/global.go's var Zones = cmap.New[*ZoneData]() — the
// flat concurrent map is kept, but wrapped in a generation so that a
// reload can swap the whole table atomically instead of mutating entries
// of one shared map in place (which is what the teacher does, and what
// §5/§9 call out as the thing to fix).
type Database struct {
	current atomic.Pointer[dbGeneration]
	mu      sync.Mutex // serialises publishers; readers never take this
}

// NewDatabase returns an empty database with one (empty) generation.
func NewDatabase() *Database {
	db := &Database{}
	db.current.Store(newGeneration())
	return db
}

// acquire pins the current generation for a read and returns it; the
// caller must call release exactly once when done.
func (db *Database) acquire() *dbGeneration {
	for {
		gen := db.current.Load()
		atomic.AddInt64(&gen.readers, 1)
		if db.current.Load() == gen {
			return gen
		}
		// A publish raced us; back out and retry against the new
		// generation so we never hold a reader count on a generation
		// nobody will ever release-to-zero on our behalf.
		atomic.AddInt64(&gen.readers, -1)
	}
}

func (db *Database) release(gen *dbGeneration) {
	atomic.AddInt64(&gen.readers, -1)
}

// Lookup finds the zone most specifically matching name by walking up its
// label chain, the generalisation of tdns/zone_utils.go's
// FindZone/FindZoneNG label-walk to operate over a snapshot generation
// instead of the single live map.
func (db *Database) Lookup(name string) (*ZoneRecord, bool) {
	gen := db.acquire()
	defer db.release(gen)

	qname := CanonicalOwnerName(name)
	for {
		if zr, ok := gen.zones.Get(qname); ok {
			return zr, true
		}
		idx := nextLabelBoundary(qname)
		if idx < 0 {
			return nil, false
		}
		qname = qname[idx:]
	}
}

// nextLabelBoundary returns the index of the start of the next label up
// the chain from name (i.e. past the first "."), or -1 once name is the
// root or empty.
func nextLabelBoundary(name string) int {
	if name == "." || name == "" {
		return -1
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			if i+1 >= len(name) {
				return -1
			}
			return i + 1
		}
	}
	return -1
}

// Get returns the zone record stored exactly under name, with no
// label-walk fallback.
func (db *Database) Get(name string) (*ZoneRecord, bool) {
	gen := db.acquire()
	defer db.release(gen)
	return gen.zones.Get(CanonicalOwnerName(name))
}

// Names returns every configured zone name in the current generation.
func (db *Database) Names() []string {
	gen := db.acquire()
	defer db.release(gen)
	return gen.zones.Keys()
}

// Count returns the number of zones in the current generation.
func (db *Database) Count() int {
	gen := db.acquire()
	defer db.release(gen)
	return gen.zones.Count()
}

// publish installs a brand new generation built from zones, returning the
// generation it replaced so the reload coordinator can wait for its
// readers to drain before freeing residue zones. Only reload.go calls
// this; it is unexported because building the replacement zones map
// correctly (reuse-unchanged / reload-changed / stub-failed) is the
// coordinator's job, not the database's.
func (db *Database) publish(zones cmap.ConcurrentMap[string, *ZoneRecord]) *dbGeneration {
	db.mu.Lock()
	defer db.mu.Unlock()

	next := &dbGeneration{zones: zones}
	old := db.current.Load()
	db.current.Store(next)
	return old
}

// RemoveZone deletes name from the currently published generation in
// place and waits for that generation's in-flight readers to drain before
// returning, the database-side half of §4.5's EXPIRE event ("remove the
// zone from the live database, wait for in-flight readers to drain").
// Unlike publish, this mutates the live generation's map directly rather
// than swapping in a whole new one: cmap's per-shard locking already
// makes a single-key delete safe against concurrent Get calls on other
// keys, and the existing reader refcount on the generation covers the
// case of a reader that is mid-lookup on this exact key.
func (db *Database) RemoveZone(name string) (*ZoneRecord, bool) {
	gen := db.current.Load()
	canonical := CanonicalOwnerName(name)
	zr, ok := gen.zones.Get(canonical)
	if !ok {
		return nil, false
	}
	gen.zones.Remove(canonical)
	drain(gen)
	return zr, true
}

// drain blocks until gen has zero active readers. Called by the reload
// coordinator after publish, before deep-freeing any zone records that
// are no longer present in the new generation (§4.9 steps 7-8).
func drain(gen *dbGeneration) {
	for atomic.LoadInt64(&gen.readers) != 0 {
		// Readers hold the generation for the duration of one lookup,
		// which is sub-microsecond; a tight spin with Gosched avoids
		// pulling in a sync.Cond just for this.
		runtime.Gosched()
	}
}
