/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"strings"

	"github.com/miekg/dns"
)

// CanonicalOwnerName folds a domain name the way the zone database keys
// its zones: lower-cased, label-wise, using miekg/dns's own folding table
// rather than a hand-rolled one (mirrors zd.Options[OptFoldCase] in
// tdns/zone_utils.go's Refresh, generalised to always apply on lookup
// instead of being an opt-in per-zone option).
func CanonicalOwnerName(name string) string {
	return dns.CanonicalName(name)
}

// SameOwnerName reports label-wise case-insensitive equality.
func SameOwnerName(a, b string) bool {
	return strings.EqualFold(dns.Fqdn(a), dns.Fqdn(b))
}

// SerialIncrement returns the RFC1982 successor serial.
func SerialIncrement(serial uint32) uint32 {
	return serial + 1
}

// IsSerialSuccessor reports whether to is the RFC1982 successor of from.
func IsSerialSuccessor(from, to uint32) bool {
	return to == SerialIncrement(from)
}

// SerialLess reports a < b in RFC1982 serial arithmetic.
func SerialLess(a, b uint32) bool {
	return a != b && (b-a) < (1<<31)
}
