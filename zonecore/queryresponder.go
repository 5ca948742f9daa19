/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"net"

	"github.com/miekg/dns"
)

// QueryResponder implements dns.Handler, answering queries directly out
// of the Database's currently published snapshot. This is the
// generalisation of the teacher's DnsEngine ServeDNS entry point to our
// refcounted-snapshot database instead of the live cmap.
type QueryResponder struct {
	DB *Database

	// onNotifyZone, if set, is invoked after a valid NOTIFY has been
	// accepted and acknowledged for a secondary zone, so the caller can
	// trigger an immediate out-of-cycle refresh (see dispatcher.go).
	onNotifyZone func(zoneName string)
}

// NewQueryResponder returns a responder bound to db.
func NewQueryResponder(db *Database) *QueryResponder {
	return &QueryResponder{DB: db}
}

// OnNotify registers fn to be called whenever a valid NOTIFY is accepted
// for one of db's secondary zones.
func (qr *QueryResponder) OnNotify(fn func(zoneName string)) {
	qr.onNotifyZone = fn
}

// ServeDNS answers a single query, handling ordinary lookups, AXFR/IXFR
// requests (delegated to ServeTransfer) and NOTIFY messages for
// secondaries (delegated to ServeNotify, the dispatcher in dispatcher.go).
func (qr *QueryResponder) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) != 1 {
		qr.fail(w, r, dns.RcodeFormatError)
		return
	}
	q := r.Question[0]

	switch {
	case r.Opcode == dns.OpcodeNotify:
		qr.ServeNotify(w, r)
		return
	case q.Qtype == dns.TypeAXFR || q.Qtype == dns.TypeIXFR:
		qr.ServeTransfer(w, r)
		return
	}

	zr, ok := qr.DB.Lookup(q.Name)
	if !ok {
		qr.fail(w, r, dns.RcodeRefused)
		return
	}
	zc := zr.SnapshotContents()

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if zc.IsStub() {
		m.Rcode = dns.RcodeServerFailure
		w.WriteMsg(m)
		return
	}

	rrset, ok := zc.Lookup(q.Name, q.Qtype)
	if ok {
		m.Answer = append(m.Answer, rrset.RRs...)
		m.Answer = append(m.Answer, rrset.RRSIGs...)
	} else if !zc.OwnerExists(q.Name) {
		m.Rcode = dns.RcodeNameError
	}
	if soa := zc.SOA(); soa != nil && (!ok || len(m.Answer) == 0) {
		m.Ns = append(m.Ns, soa)
	}

	w.WriteMsg(m)
}

// ServeTransfer answers an AXFR or IXFR request for a zone this server is
// authoritative for, subject to the zone's transfer ACL (§4.2).
func (qr *QueryResponder) ServeTransfer(w dns.ResponseWriter, r *dns.Msg) {
	q := r.Question[0]
	zr, ok := qr.DB.Get(q.Name)
	if !ok {
		qr.fail(w, r, dns.RcodeRefused)
		return
	}

	peer, _ := hostFromAddr(w.RemoteAddr())
	if zr.Config.ACL.Transfer.Match(peer) != Accept {
		qr.fail(w, r, dns.RcodeRefused)
		return
	}

	zc := zr.SnapshotContents()
	if zc.IsStub() {
		qr.fail(w, r, dns.RcodeServerFailure)
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.Answer = zc.AllRRs()
	w.WriteMsg(m)
}

func (qr *QueryResponder) fail(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	w.WriteMsg(m)
}

func hostFromAddr(addr net.Addr) (net.IP, error) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	return net.ParseIP(host), nil
}
