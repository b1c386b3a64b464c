// Package xfr implements the DNS wire listener (C11, spec.md §6/§4.8):
// SOA queries, AXFR/IXFR responses to authorized secondaries, outbound
// NOTIFY, and UPDATE rejection.
//
// Grounded on the teacher's dnshandler.go (one dns.ServeMux dispatching
// on opcode/qtype across UDP+TCP dns.Server instances) and
// dnsutils.go's ZoneTransferOut/ZoneTransferIn (dns.Transfer.Out/.In),
// generalized from the teacher's single mutable ZoneData per zone to
// reading/writing through a zone's output/input views.
package xfr

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/sigzone/sigzone/internal/store"
)

// Zone bundles what the XFR listener needs for one zone: where to read
// the signed, current data from, and who is authorized to pull it.
type Zone struct {
	Store *store.Store
	Apex  string

	// AllowTransfer lists CIDRs (or bare IPs) authorized for AXFR/IXFR.
	// Empty means refuse all transfer requests.
	AllowTransfer []string

	// Notify lists downstream secondaries ("host:port") that SendNotify
	// can be pointed at. Nothing in this package or the daemon sends to
	// them when a signing cycle advances the output view's serial.
	Notify []string
}

// Registry resolves a zone name to its Zone, mirroring the teacher's
// Zones concurrent-map (tdns/structs.go, tdns/global.go).
type Registry struct {
	zones cmap.ConcurrentMap[string, *Zone]
}

func NewRegistry() *Registry { return &Registry{zones: cmap.New[*Zone]()} }

func (r *Registry) Register(name string, z *Zone) { r.zones.Set(dns.Fqdn(name), z) }

func (r *Registry) lookup(name string) (*Zone, bool) {
	return r.zones.Get(dns.Fqdn(name))
}

// Server is the UDP+TCP DNS listener for one configured address.
type Server struct {
	reg      *Registry
	udp, tcp *dns.Server
}

// NewServer builds a listener on addr, dispatching every query through
// handle. Matches the teacher's DnsEngine: one dns.ServeMux("."), one
// UDP and one TCP dns.Server sharing it, UDP buffer bumped to
// dns.DefaultMsgSize since AXFR/IXFR responses can be large even before
// TCP truncation kicks in.
func NewServer(addr string, reg *Registry) *Server {
	s := &Server{reg: reg}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)
	s.udp = &dns.Server{Addr: addr, Net: "udp", Handler: mux, UDPSize: dns.DefaultMsgSize}
	s.tcp = &dns.Server{Addr: addr, Net: "tcp", Handler: mux}
	return s
}

// ListenAndServe runs both the UDP and TCP listeners, returning the
// first error either produces.
func (s *Server) ListenAndServe() error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ListenAndServe() }()
	go func() { errCh <- s.tcp.ListenAndServe() }()
	return <-errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.udp.ShutdownContext(ctx); err != nil {
		return err
	}
	return s.tcp.ShutdownContext(ctx)
}

// Handle is the exported form of the UDP/TCP query handler, reusable by
// a DoQServer sharing the same Registry so AXFR/IXFR/NOTIFY logic isn't
// duplicated per transport.
func (s *Server) Handle(w dns.ResponseWriter, r *dns.Msg) { s.handle(w, r) }

func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		m := new(dns.Msg)
		m.SetRcodeFormatError(r)
		_ = w.WriteMsg(m)
		return
	}
	q := r.Question[0]
	log.Printf("xfr: %s %s from %s", dns.TypeToString[q.Qtype], q.Name, w.RemoteAddr())

	switch r.Opcode {
	case dns.OpcodeNotify:
		s.handleNotify(w, r, q)
		return
	case dns.OpcodeUpdate:
		m := new(dns.Msg)
		m.SetReply(r)
		m.Rcode = dns.RcodeNotImplemented
		_ = w.WriteMsg(m)
		return
	case dns.OpcodeQuery:
		// handled below
	default:
		m := new(dns.Msg)
		m.SetRcodeFormatError(r)
		_ = w.WriteMsg(m)
		return
	}

	z, ok := s.reg.lookup(q.Name)
	if !ok {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(m)
		return
	}

	if q.Qtype == dns.TypeAXFR || q.Qtype == dns.TypeIXFR {
		if !allowedPeer(z.AllowTransfer, w.RemoteAddr()) {
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeRefused)
			_ = w.WriteMsg(m)
			return
		}
	}

	switch q.Qtype {
	case dns.TypeSOA:
		s.handleSOA(w, r, z)
	case dns.TypeAXFR:
		s.handleAXFR(w, r, z)
	case dns.TypeIXFR:
		s.handleIXFR(w, r, z)
	default:
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(m)
	}
}

func allowedPeer(allow []string, addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	for _, a := range allow {
		if !strings.Contains(a, "/") {
			if a == host {
				return true
			}
			continue
		}
		_, cidr, err := net.ParseCIDR(a)
		if err == nil && ip != nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func soaOf(rec *store.Record) (*dns.SOA, bool) {
	rs, ok := rec.Types[dns.TypeSOA]
	if !ok || len(rs.RRs) == 0 {
		return nil, false
	}
	soa, ok := rs.RRs[0].(*dns.SOA)
	return soa, ok
}

// recordRRsExcept flattens one record's RRs, RRSIGs, and denial RR (plus
// its RRSIGs) into a single slice, skipping RR type `except` (used to
// avoid double-emitting the apex's SOA, which callers place explicitly).
func recordRRsExcept(rec *store.Record, except uint16) []dns.RR {
	var out []dns.RR
	for _, t := range rec.SortedTypes() {
		if t == except {
			continue
		}
		rs := rec.Types[t]
		out = append(out, rs.RRs...)
		for _, sig := range rs.RRSIGs {
			out = append(out, sig.RR)
		}
	}
	if rec.Denial != nil {
		if rec.Denial.RR != nil {
			out = append(out, rec.Denial.RR)
		}
		for _, sig := range rec.Denial.RRSIGs {
			out = append(out, sig.RR)
		}
	}
	return out
}

func (s *Server) handleSOA(w dns.ResponseWriter, r *dns.Msg, z *Zone) {
	v := z.Store.View(store.ViewOutput)
	m := new(dns.Msg)
	m.SetReply(r)
	if rec, ok := v.Take(store.IdxNameReady, dns.Fqdn(z.Apex)); ok {
		if soa, ok := soaOf(rec); ok {
			m.Answer = []dns.RR{soa}
		}
	}
	if len(m.Answer) == 0 {
		m.SetRcode(r, dns.RcodeServerFailure)
	}
	_ = w.WriteMsg(m)
}

// handleAXFR streams a full zone dump SOA-first-SOA-last, via
// dns.Transfer.Out the way the teacher's ZoneTransferOut does. The
// records are split into envelopes of about 100 RRs (a record's RRs are
// never split), and dns.Transfer.Out sends each envelope as one message;
// the split is by RR count, not by the 65,535-octet message size.
func (s *Server) handleAXFR(w dns.ResponseWriter, r *dns.Msg, z *Zone) {
	v := z.Store.View(store.ViewOutput)
	v.Reset()

	apexRec, ok := v.Take(store.IdxNameReady, dns.Fqdn(z.Apex))
	if !ok {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}
	soa, ok := soaOf(apexRec)
	if !ok {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}

	envCh := make(chan *dns.Envelope)
	tr := new(dns.Transfer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tr.Out(w, r, envCh); err != nil {
			log.Printf("xfr: AXFR out error for %s: %v", z.Apex, err)
		}
	}()

	const chunkRRs = 100
	chunk := []dns.RR{soa}
	chunk = append(chunk, recordRRsExcept(apexRec, dns.TypeSOA)...)

	for _, rec := range v.Current().Collect() {
		if rec.Name == dns.Fqdn(z.Apex) {
			continue
		}
		chunk = append(chunk, recordRRsExcept(rec, 0)...)
		if len(chunk) >= chunkRRs {
			envCh <- &dns.Envelope{RR: chunk}
			chunk = nil
		}
	}
	chunk = append(chunk, soa)
	envCh <- &dns.Envelope{RR: chunk}
	close(envCh)
	wg.Wait()
}

// handleIXFR emits the ⟨SOA_new, SOA_old, deletions, SOA_new,
// insertions, SOA_new⟩ sequence RFC 1995 defines for a single serial
// range (spec.md §6). A request that carries no SOA serial, or carries
// the current one, gets a reply holding just the current SOA. It falls
// back to AXFR only when Changes finds no inserts or deletes in the
// requested range; a serial older than the retained history whose range
// still holds changes gets an IXFR built from whatever changes remain,
// not an AXFR. The reconstructed "old" SOA copies every field from the current
// one except Serial; this repo does not keep a full historical SOA RR
// per past serial, only the (name, valid_from, valid_upto) bookkeeping
// needed to compute the delta itself.
func (s *Server) handleIXFR(w dns.ResponseWriter, r *dns.Msg, z *Zone) {
	var fromSerial uint32
	haveFrom := false
	if len(r.Ns) > 0 {
		if soa, ok := r.Ns[0].(*dns.SOA); ok {
			fromSerial, haveFrom = soa.Serial, true
		}
	}

	v := z.Store.View(store.ViewOutput)
	apexRec, ok := v.Take(store.IdxNameReady, dns.Fqdn(z.Apex))
	if !ok {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}
	newSOA, ok := soaOf(apexRec)
	if !ok {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}

	if !haveFrom || fromSerial == newSOA.Serial {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = []dns.RR{newSOA}
		_ = w.WriteMsg(m)
		return
	}

	inserts, deletes := v.Changes(fromSerial, newSOA.Serial)
	if len(inserts) == 0 && len(deletes) == 0 {
		s.handleAXFR(w, r, z)
		return
	}

	oldSOA := *newSOA
	oldSOA.Serial = fromSerial

	answer := []dns.RR{newSOA, &oldSOA}
	for _, rec := range deletes {
		answer = append(answer, recordRRsExcept(rec, 0)...)
	}
	answer = append(answer, newSOA)
	for _, rec := range inserts {
		answer = append(answer, recordRRsExcept(rec, 0)...)
	}
	answer = append(answer, newSOA)

	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = true
	m.Answer = answer
	if err := w.WriteMsg(m); err != nil {
		log.Printf("xfr: IXFR write error for %s: %v", z.Apex, err)
	}
}

// OnNotify, when non-nil, is invoked in its own goroutine for every
// inbound NOTIFY for a known zone, after the server has already
// acknowledged it (teacher: dnsnotifyq/notifyhandler.go). The daemon
// does not set it, so by default an inbound NOTIFY triggers no
// TransferIn.
var OnNotify func(zone string)

func (s *Server) handleNotify(w dns.ResponseWriter, r *dns.Msg, q dns.Question) {
	m := new(dns.Msg)
	m.SetReply(r)
	if _, ok := s.reg.lookup(q.Name); !ok {
		m.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(m)
		return
	}
	_ = w.WriteMsg(m)
	if OnNotify != nil {
		go OnNotify(q.Name)
	}
}

// SendNotify notifies every address in targets that zone has a new
// serial, per the teacher's ZoneData.SendNotify (tdns/notify.go).
func SendNotify(zone string, targets []string) error {
	zone = dns.Fqdn(zone)
	var lastErr error
	sent := 0
	for _, dst := range targets {
		m := new(dns.Msg)
		m.SetNotify(zone)
		res, err := dns.Exchange(m, dst)
		if err != nil {
			log.Printf("xfr: NOTIFY to %s for %s: %v", dst, zone, err)
			lastErr = err
			continue
		}
		if res.Rcode != dns.RcodeSuccess {
			log.Printf("xfr: NOTIFY to %s for %s: rcode %s", dst, zone, dns.RcodeToString[res.Rcode])
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("xfr: SendNotify %s: all targets failed: %w", zone, lastErr)
	}
	return nil
}

// TransferIn pulls a zone via AXFR or IXFR from upstream and places
// every received RR into v (normally a zone's input view), the way the
// teacher's ZoneTransferIn feeds a fresh owner map. Returns the new
// serial seen in the transfer's final SOA.
func TransferIn(v *store.View, zone, upstream string, serial uint32, ixfr bool) (uint32, error) {
	zone = dns.Fqdn(zone)
	msg := new(dns.Msg)
	if ixfr {
		msg.SetIxfr(zone, serial, "", "")
	} else {
		msg.SetAxfr(zone)
	}

	tr := new(dns.Transfer)
	envCh, err := tr.In(msg, upstream)
	if err != nil {
		return 0, fmt.Errorf("xfr: TransferIn %s from %s: %w", zone, upstream, err)
	}

	var newSerial uint32
	for env := range envCh {
		if env.Error != nil {
			return 0, fmt.Errorf("xfr: TransferIn %s from %s: %w", zone, upstream, env.Error)
		}
		for _, rr := range env.RR {
			if soa, ok := rr.(*dns.SOA); ok {
				newSerial = soa.Serial
			}
			placeTransferredRR(v, rr)
		}
	}
	return newSerial, nil
}

func placeTransferredRR(v *store.View, rr dns.RR) {
	owner := strings.ToLower(rr.Header().Name)
	rec := v.Place(owner)
	t := rr.Header().Rrtype
	rs, ok := rec.Types[t]
	if !ok {
		rs = store.NewRRset(t)
		rec.Types[t] = rs
	}
	rs.RRs = append(rs.RRs, rr)
}
