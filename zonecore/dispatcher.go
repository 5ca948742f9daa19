/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"github.com/miekg/dns"
)

// ServeNotify implements the response-dispatcher side of §4.6/§4.7: when
// a configured master sends this server a NOTIFY for a secondary zone, the
// zone's REFRESH timer is cancelled and an immediate refresh cycle is
// triggered in its place, rather than waiting out the remainder of the
// refresh interval. Grounded on tdns/notify.go's receive-side handling,
// generalised from a bare log-and-ignore into an actual refresh trigger.
func (qr *QueryResponder) ServeNotify(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		w.WriteMsg(m)
		return
	}
	q := r.Question[0]

	zr, ok := qr.DB.Get(q.Name)
	if !ok {
		m.Rcode = dns.RcodeRefused
		w.WriteMsg(m)
		return
	}
	if zr.Config.Type != Secondary {
		m.Rcode = dns.RcodeRefused
		w.WriteMsg(m)
		return
	}

	peer, _ := hostFromAddr(w.RemoteAddr())
	if zr.Config.ACL.Notify.Match(peer) != Accept {
		m.Rcode = dns.RcodeRefused
		w.WriteMsg(m)
		return
	}

	w.WriteMsg(m)

	if qr.onNotifyZone != nil {
		qr.onNotifyZone(q.Name)
	}
}
