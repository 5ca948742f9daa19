/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"fmt"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// RRset is one owner+type's record set, optionally signed. Grounded on
// tdns/structs.go's RRset{Name,RRtype,RRs,RRSIGs} — we keep the same shape
// rather than flattening to a bare []dns.RR, since DNSSEC signing is a
// neighbouring concern the spec leaves out of scope but the wire format
// still has to round-trip cleanly through AXFR/IXFR.
type RRset struct {
	Name   string
	RRtype uint16
	RRs    []dns.RR
	RRSIGs []dns.RR
}

// ownerData is everything stored under one owner name: its RRsets keyed by
// type, mirroring tdns/structs.go's OwnerData.
type ownerData struct {
	Name    string
	RRtypes cmap.ConcurrentMap[uint16, RRset]
}

// ZoneContents is the immutable-after-publish body of a zone: every owner
// name's RRsets, keyed case-insensitively, plus the cached SOA. A reload
// (§4.9) builds a brand new ZoneContents rather than mutating one in
// place, which is what lets the refcounted epoch swap in database.go work
// without locking readers out.
//
// Keyed storage uses orcaman/concurrent-map/v2, the same library
// tdns/global.go uses for the top-level zone table (var Zones =
// cmap.New[*ZoneData]()) — here applied one level down, to the owner
// index inside a single zone, generalising the teacher's single flat map
// of zones into a map-of-maps for (zone -> owner -> type).
type ZoneContents struct {
	ZoneName string
	owners   cmap.ConcurrentMap[string, *ownerData]
	soa      *dns.SOA
	isStub   bool
}

// NewZoneContents returns an empty contents body for the given zone name.
func NewZoneContents(zoneName string) *ZoneContents {
	return &ZoneContents{
		ZoneName: CanonicalOwnerName(zoneName),
		owners:   cmap.New[*ownerData](),
	}
}

// NewStubContents returns a placeholder body for a zone that failed to
// load, per §4.9 step 2's "stub" case: present in the database but
// answering nothing until the next successful reload or transfer.
func NewStubContents(zoneName string) *ZoneContents {
	zc := NewZoneContents(zoneName)
	zc.isStub = true
	return zc
}

// IsStub reports whether this body is a load-failure placeholder.
func (zc *ZoneContents) IsStub() bool { return zc.isStub }

// SOA returns the zone's cached SOA record, or nil for a stub/empty body.
func (zc *ZoneContents) SOA() *dns.SOA { return zc.soa }

// Serial returns the zone's current serial, or 0 if there is no SOA yet.
func (zc *ZoneContents) Serial() uint32 {
	if zc.soa == nil {
		return 0
	}
	return zc.soa.Serial
}

// AddRR inserts rr under its owner name and type, creating the owner
// bucket and RRset if needed. SOA records are also cached on zc.soa for
// fast serial lookups, matching tdns/zone_utils.go's GetSOA pattern of
// keeping the SOA close at hand instead of walking the owner index.
func (zc *ZoneContents) AddRR(rr dns.RR) error {
	if rr == nil {
		return NewError(CodeInvalid, "ZoneContents.AddRR", nil)
	}
	owner := CanonicalOwnerName(rr.Header().Name)
	rrtype := rr.Header().Rrtype

	od, _ := zc.owners.Get(owner)
	if od == nil {
		od = &ownerData{Name: owner, RRtypes: cmap.NewWithCustomShardingFunction[uint16, RRset](func(key uint16) uint32 { return uint32(key) })}
		zc.owners.Set(owner, od)
	}

	rrset, ok := od.RRtypes.Get(rrtype)
	if !ok {
		rrset = RRset{Name: owner, RRtype: rrtype}
	}
	if rrtype == dns.TypeRRSIG {
		rrset.RRSIGs = append(rrset.RRSIGs, rr)
	} else {
		rrset.RRs = append(rrset.RRs, rr)
	}
	od.RRtypes.Set(rrtype, rrset)

	if soa, ok := rr.(*dns.SOA); ok {
		zc.soa = soa
	}
	return nil
}

// RemoveRR deletes a single RR matching rr's owner, type and full string
// form (miekg/dns has no cheap structural RR equality, so §4.3's removal
// semantics are realised by comparing dns.RR.String() the way
// tdns/ixfr.rrEquals does in its own test helpers).
func (zc *ZoneContents) RemoveRR(rr dns.RR) error {
	if rr == nil {
		return NewError(CodeInvalid, "ZoneContents.RemoveRR", nil)
	}
	owner := CanonicalOwnerName(rr.Header().Name)
	rrtype := rr.Header().Rrtype

	od, ok := zc.owners.Get(owner)
	if !ok {
		return NewError(CodeNotFound, "ZoneContents.RemoveRR", nil)
	}
	rrset, ok := od.RRtypes.Get(rrtype)
	if !ok {
		return NewError(CodeNotFound, "ZoneContents.RemoveRR", nil)
	}

	target := rr.String()
	removed := false
	if rrtype == dns.TypeRRSIG {
		rrset.RRSIGs, removed = removeByString(rrset.RRSIGs, target)
	} else {
		rrset.RRs, removed = removeByString(rrset.RRs, target)
	}
	if !removed {
		return NewError(CodeNotFound, "ZoneContents.RemoveRR", nil)
	}

	if len(rrset.RRs) == 0 && len(rrset.RRSIGs) == 0 {
		od.RRtypes.Remove(rrtype)
		if od.RRtypes.Count() == 0 {
			zc.owners.Remove(owner)
		}
	} else {
		od.RRtypes.Set(rrtype, rrset)
	}
	return nil
}

func removeByString(rrs []dns.RR, target string) ([]dns.RR, bool) {
	for i, rr := range rrs {
		if rr.String() == target {
			return append(rrs[:i], rrs[i+1:]...), true
		}
	}
	return rrs, false
}

// Lookup returns the RRset for owner+rrtype, mirroring tdns/zone_utils.go's
// FindZoneNG lookup contract generalised from zone-finding to
// record-finding: ok is false when the owner or type has no data.
func (zc *ZoneContents) Lookup(owner string, rrtype uint16) (RRset, bool) {
	od, ok := zc.owners.Get(CanonicalOwnerName(owner))
	if !ok {
		return RRset{}, false
	}
	return od.RRtypes.Get(rrtype)
}

// OwnerExists reports whether any RRset at all is stored under owner.
func (zc *ZoneContents) OwnerExists(owner string) bool {
	_, ok := zc.owners.Get(CanonicalOwnerName(owner))
	return ok
}

// ApplyChangeset mutates zc in place by removing then adding the
// changeset's records, and finally swapping in the new SOA, both in the
// owner index and as the cached zc.soa. Per §4.3 this
// is only ever called on a scratch ZoneContents built during a reload or
// an IXFR application, never on a body already published for reads.
func (zc *ZoneContents) ApplyChangeset(cs *Changeset) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	for _, rr := range cs.Removals {
		if err := zc.RemoveRR(rr); err != nil && !IsCode(err, CodeNotFound) {
			return err
		}
	}
	for _, rr := range cs.Additions {
		if err := zc.AddRR(rr); err != nil {
			return err
		}
	}
	if zc.soa != nil {
		if err := zc.RemoveRR(zc.soa); err != nil && !IsCode(err, CodeNotFound) {
			return err
		}
	}
	return zc.AddRR(cs.SOATo)
}

// Clone returns a deep-enough independent copy of zc: a fresh owners map
// with fresh per-type RRset slices. orcaman/concurrent-map/v2's
// ConcurrentMap value is itself a slice of shard pointers, so a bare
// struct copy (`cp := *zc`) shares every shard with the original —
// mutating the copy via ApplyChangeset would silently corrupt an
// already-published, supposedly-immutable snapshot out from under
// concurrent readers. Every write path that starts from a published
// snapshot (RunRefresh's changeset-application scratch copy, the admin
// API's serial bump) must Clone first, never alias.
func (zc *ZoneContents) Clone() *ZoneContents {
	out := NewZoneContents(zc.ZoneName)
	out.isStub = zc.isStub
	out.soa = zc.soa
	for _, ownerKey := range zc.owners.Keys() {
		od, ok := zc.owners.Get(ownerKey)
		if !ok {
			continue
		}
		newOD := &ownerData{Name: od.Name, RRtypes: cmap.NewWithCustomShardingFunction[uint16, RRset](func(key uint16) uint32 { return uint32(key) })}
		for _, rrtype := range od.RRtypes.Keys() {
			rrset, ok := od.RRtypes.Get(rrtype)
			if !ok {
				continue
			}
			newOD.RRtypes.Set(rrtype, RRset{
				Name:   rrset.Name,
				RRtype: rrset.RRtype,
				RRs:    append([]dns.RR(nil), rrset.RRs...),
				RRSIGs: append([]dns.RR(nil), rrset.RRSIGs...),
			})
		}
		out.owners.Set(ownerKey, newOD)
	}
	return out
}

// BumpSerial increments zc's SOA serial in place, replacing both the
// cached soa pointer and its entry in the owner index so AllRRs/AXFR stay
// consistent. Only safe on a scratch copy obtained via Clone, never on a
// body already published for reads (same contract as ApplyChangeset).
func (zc *ZoneContents) BumpSerial() error {
	if zc.soa == nil {
		return NewError(CodeInvalid, "ZoneContents.BumpSerial", nil)
	}
	newSOA := *zc.soa
	newSOA.Serial = SerialIncrement(zc.soa.Serial)
	if err := zc.RemoveRR(zc.soa); err != nil && !IsCode(err, CodeNotFound) {
		return err
	}
	return zc.AddRR(&newSOA)
}

// AllRRs returns every RR in the zone in an unspecified but stable-enough
// order for a full AXFR dump, SOA first.
func (zc *ZoneContents) AllRRs() []dns.RR {
	var out []dns.RR
	if zc.soa != nil {
		out = append(out, zc.soa)
	}
	for _, ownerKey := range zc.owners.Keys() {
		od, ok := zc.owners.Get(ownerKey)
		if !ok {
			continue
		}
		for _, rrtype := range od.RRtypes.Keys() {
			rrset, ok := od.RRtypes.Get(rrtype)
			if !ok || rrtype == dns.TypeSOA {
				continue
			}
			out = append(out, rrset.RRs...)
			out = append(out, rrset.RRSIGs...)
		}
	}
	return out
}

// OwnerCount returns the number of distinct owner names, for status
// reporting over the admin API.
func (zc *ZoneContents) OwnerCount() int {
	return zc.owners.Count()
}

func (zc *ZoneContents) String() string {
	return fmt.Sprintf("contents(%s, serial=%d, owners=%d, stub=%v)",
		zc.ZoneName, zc.Serial(), zc.OwnerCount(), zc.isStub)
}
