/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"github.com/miekg/dns"
)

// Changeset is a single IXFR delta: a from-SOA, the records removed, a
// to-SOA, and the records added. The binary form (§4.3) is the wire-format
// concatenation soa_from ‖ removals ‖ soa_to ‖ additions, exactly the RR
// stream a real IXFR response carries in its Answer section — so we pack
// and unpack it with a bare dns.Msg the same way miekg/dns frames any
// other DNS message, instead of inventing a bespoke binary layout.
type Changeset struct {
	SerialFrom uint32
	SerialTo   uint32
	SOAFrom    *dns.SOA
	Removals   []dns.RR
	SOATo      *dns.SOA
	Additions  []dns.RR
}

// Validate checks the §3 changeset invariants: soa_from.serial ==
// serial_from, soa_to.serial == serial_to, and serial_to is the RFC1982
// successor of serial_from.
func (c *Changeset) Validate() error {
	if c.SOAFrom == nil || c.SOATo == nil {
		return NewError(CodeInvalid, "Changeset.Validate", nil)
	}
	if c.SOAFrom.Serial != c.SerialFrom {
		return NewError(CodeInvalid, "Changeset.Validate", nil)
	}
	if c.SOATo.Serial != c.SerialTo {
		return NewError(CodeInvalid, "Changeset.Validate", nil)
	}
	if !IsSerialSuccessor(c.SerialFrom, c.SerialTo) {
		return NewError(CodeInvalid, "Changeset.Validate", nil)
	}
	return nil
}

// Serialize produces the binary form described in §4.3: soa_from, then
// every removal in insertion order, then soa_to, then every addition in
// insertion order, packed as a single DNS message's Answer section.
func (c *Changeset) Serialize() ([]byte, error) {
	msg := new(dns.Msg)
	msg.Answer = make([]dns.RR, 0, 2+len(c.Removals)+len(c.Additions))
	msg.Answer = append(msg.Answer, c.SOAFrom)
	msg.Answer = append(msg.Answer, c.Removals...)
	msg.Answer = append(msg.Answer, c.SOATo)
	msg.Answer = append(msg.Answer, c.Additions...)

	buf, err := msg.Pack()
	if err != nil {
		return nil, NewError(CodeMalformed, "Changeset.Serialize", err)
	}
	return buf, nil
}

// changesetSection tracks which part of the RR stream we're collecting
// into, the same toggle tdns/ixfr.IxfrFromResponse uses when it walks a
// raw IXFR Answer section: start in "removals" (as the first non-soa_from
// record), flip to "additions" on the second SOA sighting, and flip again
// into "terminator" (discard) on a third SOA, per the bit-exact framing
// rule in DESIGN NOTES.
type changesetSection int

const (
	sectionRemovals changesetSection = iota
	sectionAdditions
	sectionTerminator
)

// DeserializeChangeset parses a byte block produced by Serialize back into
// a Changeset. The first record must be a SOA (soa_from); the next SOA
// sighted is soa_to; a third SOA, if present, is a terminating marker and
// everything after it is ignored.
func DeserializeChangeset(buf []byte) (*Changeset, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, NewError(CodeMalformed, "DeserializeChangeset", err)
	}
	return changesetFromRRs(msg.Answer)
}

func changesetFromRRs(rrs []dns.RR) (*Changeset, error) {
	if len(rrs) == 0 {
		return nil, NewError(CodeMalformed, "changesetFromRRs", nil)
	}
	soaFrom, ok := rrs[0].(*dns.SOA)
	if !ok {
		return nil, NewError(CodeMalformed, "changesetFromRRs", nil)
	}

	cs := &Changeset{
		SOAFrom:    soaFrom,
		SerialFrom: soaFrom.Serial,
		Removals:   []dns.RR{},
		Additions:  []dns.RR{},
	}

	section := sectionRemovals
	for _, rr := range rrs[1:] {
		if soa, isSOA := rr.(*dns.SOA); isSOA {
			switch section {
			case sectionRemovals:
				cs.SOATo = soa
				cs.SerialTo = soa.Serial
				section = sectionAdditions
			case sectionAdditions:
				section = sectionTerminator
			case sectionTerminator:
				// ignore: trailing records after the terminating SOA
			}
			continue
		}

		switch section {
		case sectionRemovals:
			cs.Removals = append(cs.Removals, rr)
		case sectionAdditions:
			cs.Additions = append(cs.Additions, rr)
		case sectionTerminator:
			// ignore
		}
	}

	if cs.SOATo == nil {
		return nil, NewError(CodeMalformed, "changesetFromRRs", nil)
	}
	return cs, nil
}

// ChangesetBatch is an ordered sequence of changesets forming a contiguous
// history chain.
type ChangesetBatch []*Changeset

// Validate checks that each adjacent pair chains: c[i].SerialTo ==
// c[i+1].SerialFrom.
func (b ChangesetBatch) Validate() error {
	for i, c := range b {
		if err := c.Validate(); err != nil {
			return err
		}
		if i > 0 && b[i-1].SerialTo != c.SerialFrom {
			return NewError(CodeInvalid, "ChangesetBatch.Validate", nil)
		}
	}
	return nil
}

// JournalKey returns the composite key this changeset would be stored
// under in the journal.
func (c *Changeset) JournalKey() JournalKey {
	return JournalKey{From: c.SerialFrom, To: c.SerialTo}
}
