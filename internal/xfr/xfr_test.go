package xfr

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/sigzone/sigzone/internal/denial"
	"github.com/sigzone/sigzone/internal/pipeline"
	"github.com/sigzone/sigzone/internal/sign"
	"github.com/sigzone/sigzone/internal/store"
)

// fakeWriter is an in-memory dns.ResponseWriter: every WriteMsg call is
// recorded in order, so AXFR/IXFR's multi-envelope responses can be
// inspected without a real socket.
type fakeWriter struct {
	remote net.Addr
	msgs   []*dns.Msg
}

func newFakeWriter(remote string) *fakeWriter {
	host, portStr, err := net.SplitHostPort(remote)
	if err != nil {
		host, portStr = remote, "0"
	}
	port, _ := strconv.Atoi(portStr)
	return &fakeWriter{remote: &net.TCPAddr{IP: net.ParseIP(host), Port: port}}
}

func (w *fakeWriter) LocalAddr() net.Addr         { return &net.TCPAddr{} }
func (w *fakeWriter) RemoteAddr() net.Addr        { return w.remote }
func (w *fakeWriter) WriteMsg(m *dns.Msg) error   { w.msgs = append(w.msgs, m); return nil }
func (w *fakeWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *fakeWriter) Close() error                { return nil }
func (w *fakeWriter) TsigStatus() error           { return nil }
func (w *fakeWriter) TsigTimersOnly(bool)         {}
func (w *fakeWriter) Hijack()                     {}

// placeReady stages rec as both promoted (ValidFrom) and signed
// (Expiry) in one step, a shortcut for tests that only care about
// transfer-serialization logic, not the prepare stage's promotion pass
// itself (see TestHandleAXFRWithPipelineDrivenZone for a fixture built
// through a real pipeline.Driver cycle instead).
func placeReady(t *testing.T, v *store.View, name string, validFrom uint32, rrs ...dns.RR) {
	t.Helper()
	rec := v.Place(name)
	expiry := validFrom + 86400
	v.UpdateWith(&rec, func(r *store.Record) {
		for _, rr := range rrs {
			typ := rr.Header().Rrtype
			rs, ok := r.Types[typ]
			if !ok {
				rs = store.NewRRset(typ)
				r.Types[typ] = rs
			}
			rs.RRs = append(rs.RRs, rr)
		}
		r.ValidFrom = &validFrom
		r.Expiry = &expiry
	})
}

func readyTestZone(t *testing.T, apex string) *store.Store {
	t.Helper()
	s := store.NewStore(apex)
	v := s.View(store.ViewOutput)

	soaRR, _ := dns.NewRR(apex + " 3600 IN SOA ns1." + apex + " hostmaster." + apex + " 42 3600 600 604800 3600")
	nsRR, _ := dns.NewRR(apex + " 3600 IN NS ns1." + apex)
	placeReady(t, v, apex, 42, soaRR, nsRR)

	aRR, _ := dns.NewRR("www." + apex + " 3600 IN A 192.0.2.1")
	placeReady(t, v, "www."+apex, 42, aRR)

	if err := v.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return s
}

func TestAllowedPeerMatchesBareIPAndCIDR(t *testing.T) {
	allow := []string{"192.0.2.5", "198.51.100.0/24"}
	if !allowedPeer(allow, &net.TCPAddr{IP: net.ParseIP("192.0.2.5"), Port: 53}) {
		t.Errorf("expected an exact-IP match to be allowed")
	}
	if !allowedPeer(allow, &net.TCPAddr{IP: net.ParseIP("198.51.100.17"), Port: 53}) {
		t.Errorf("expected a CIDR match to be allowed")
	}
	if allowedPeer(allow, &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 53}) {
		t.Errorf("expected an unlisted address to be refused")
	}
}

func TestAllowedPeerEmptyListRefusesEverything(t *testing.T) {
	if allowedPeer(nil, &net.TCPAddr{IP: net.ParseIP("192.0.2.5"), Port: 53}) {
		t.Errorf("expected an empty AllowTransfer list to refuse every peer")
	}
}

func TestHandleSOAReturnsApexSOA(t *testing.T) {
	s := readyTestZone(t, "example.com.")
	reg := NewRegistry()
	reg.Register("example.com.", &Zone{Store: s, Apex: "example.com."})
	srv := &Server{reg: reg}

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeSOA)
	w := newFakeWriter("192.0.2.9:53")

	srv.handle(w, req)
	if len(w.msgs) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(w.msgs))
	}
	if len(w.msgs[0].Answer) != 1 {
		t.Fatalf("expected exactly one SOA answer, got %d", len(w.msgs[0].Answer))
	}
	soa, ok := w.msgs[0].Answer[0].(*dns.SOA)
	if !ok || soa.Serial != 42 {
		t.Errorf("expected the apex SOA with serial 42, got %+v", w.msgs[0].Answer[0])
	}
}

func TestHandleQueryUnknownZoneRefused(t *testing.T) {
	reg := NewRegistry()
	srv := &Server{reg: reg}
	req := new(dns.Msg)
	req.SetQuestion("nowhere.example.", dns.TypeSOA)
	w := newFakeWriter("192.0.2.9:53")

	srv.handle(w, req)
	if len(w.msgs) != 1 || w.msgs[0].Rcode != dns.RcodeRefused {
		t.Fatalf("expected RcodeRefused for an unregistered zone, got %+v", w.msgs)
	}
}

func TestHandleUpdateReturnsNotImplemented(t *testing.T) {
	s := readyTestZone(t, "example.com.")
	reg := NewRegistry()
	reg.Register("example.com.", &Zone{Store: s, Apex: "example.com."})
	srv := &Server{reg: reg}

	req := new(dns.Msg)
	req.SetUpdate("example.com.")
	w := newFakeWriter("192.0.2.9:53")

	srv.handle(w, req)
	if len(w.msgs) != 1 || w.msgs[0].Rcode != dns.RcodeNotImplemented {
		t.Fatalf("expected RcodeNotImplemented for an UPDATE opcode, got %+v", w.msgs)
	}
}

func TestHandleAXFRRefusesDisallowedPeer(t *testing.T) {
	s := readyTestZone(t, "example.com.")
	reg := NewRegistry()
	reg.Register("example.com.", &Zone{Store: s, Apex: "example.com.", AllowTransfer: []string{"192.0.2.5"}})
	srv := &Server{reg: reg}

	req := new(dns.Msg)
	req.SetAxfr("example.com.")
	w := newFakeWriter("203.0.113.1:53")

	srv.handle(w, req)
	if len(w.msgs) != 1 || w.msgs[0].Rcode != dns.RcodeRefused {
		t.Fatalf("expected RcodeRefused from a non-allowlisted AXFR peer, got %+v", w.msgs)
	}
}

func TestHandleAXFRStreamsAllRecordsSOAFirstAndLast(t *testing.T) {
	s := readyTestZone(t, "example.com.")
	reg := NewRegistry()
	reg.Register("example.com.", &Zone{Store: s, Apex: "example.com.", AllowTransfer: []string{"192.0.2.5"}})
	srv := &Server{reg: reg}

	req := new(dns.Msg)
	req.SetAxfr("example.com.")
	w := newFakeWriter("192.0.2.5:53")

	srv.handle(w, req)
	if len(w.msgs) == 0 {
		t.Fatalf("expected at least one envelope message")
	}
	first := w.msgs[0].Answer
	if len(first) == 0 {
		t.Fatalf("expected the first envelope to carry records")
	}
	if _, ok := first[0].(*dns.SOA); !ok {
		t.Errorf("expected the first RR of the transfer to be the SOA, got %T", first[0])
	}
	last := w.msgs[len(w.msgs)-1].Answer
	if len(last) == 0 {
		t.Fatalf("expected the last envelope to carry records")
	}
	if _, ok := last[len(last)-1].(*dns.SOA); !ok {
		t.Errorf("expected the last RR of the transfer to be the trailing SOA, got %T", last[len(last)-1])
	}

	var sawA, sawNS bool
	for _, m := range w.msgs {
		for _, rr := range m.Answer {
			switch rr.(type) {
			case *dns.A:
				sawA = true
			case *dns.NS:
				sawNS = true
			}
		}
	}
	if !sawA || !sawNS {
		t.Errorf("expected the transfer to include both the www A record and the apex NS, sawA=%v sawNS=%v", sawA, sawNS)
	}
}

// stubSignModule is a deterministic, no-real-crypto sign.Module, mirroring
// the one internal/pipeline's own tests use.
type stubSignModule struct{}

func (stubSignModule) Sign(ctx context.Context, key sign.Key, rrset []dns.RR, owner string, ttl uint32, incep, expir uint32) (*dns.RRSIG, error) {
	return &dns.RRSIG{
		Hdr:         dns.RR_Header{Name: owner, Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: ttl},
		TypeCovered: rrset[0].Header().Rrtype,
		Algorithm:   key.Algorithm,
		Inception:   incep,
		Expiration:  expir,
		KeyTag:      1,
		SignerName:  owner,
	}, nil
}

// TestHandleAXFRWithPipelineDrivenZone drives a zone through a real
// pipeline.Driver cycle -- prepare's promotion pass, signing, and the
// output view's catch-up -- rather than staging ValidFrom/Expiry by
// hand, so the transfer path is exercised against the same code that
// actually decides what's current in a running signer.
func TestHandleAXFRWithPipelineDrivenZone(t *testing.T) {
	apex := "example.com."
	s := store.NewStore(apex)
	in := s.View(store.ViewInput)
	in.Place(apex)
	www := in.Place("www." + apex)
	aRR, _ := dns.NewRR("www." + apex + " 3600 IN A 192.0.2.1")
	in.UpdateWith(&www, func(r *store.Record) {
		r.Types[dns.TypeA] = &store.RRset{Type: dns.TypeA, RRs: []dns.RR{aRR}}
	})
	if err := in.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	cfg := pipeline.Config{
		Apex:             apex,
		SerialPolicy:     pipeline.SerialUnixTime,
		SOA:              pipeline.SOADefaults{Ns: "ns1." + apex, Mbox: "hostmaster." + apex, Refresh: 86400, Retry: 7200, Expire: 3600000, Minttl: 3600, Ttl: 3600},
		RefreshThreshold: time.Hour,
		RetentionHorizon: time.Hour,
		Module:           stubSignModule{},
		SignConfig: &sign.Config{
			Keys:               []sign.Key{{Locator: "zsk1", Flags: store.FlagZSK, Algorithm: uint8(dns.ECDSAP256SHA256), Role: sign.RoleZSK}},
			RefreshInterval:    time.Hour,
			InceptionOffset:    time.Hour,
			SigValidityDefault: 24 * time.Hour,
			SigValidityDenial:  24 * time.Hour,
		},
		Denial: denial.Config{Mode: denial.ModeNSEC},
	}
	d := pipeline.New(s, cfg, 0)
	if _, err := d.RunCycle(context.Background(), time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	reg := NewRegistry()
	reg.Register(apex, &Zone{Store: s, Apex: apex, AllowTransfer: []string{"192.0.2.5"}})
	srv := &Server{reg: reg}

	req := new(dns.Msg)
	req.SetAxfr(apex)
	w := newFakeWriter("192.0.2.5:53")
	srv.handle(w, req)

	var sawA, sawNSEC bool
	for _, m := range w.msgs {
		for _, rr := range m.Answer {
			switch rr.(type) {
			case *dns.A:
				sawA = true
			case *dns.NSEC:
				sawNSEC = true
			}
		}
	}
	if !sawA {
		t.Errorf("expected a real pipeline cycle to promote www.%s to current and include it in the AXFR", apex)
	}
	if !sawNSEC {
		t.Errorf("expected the AXFR to include NSEC denial records once the pipeline has signed the zone")
	}
}

func TestHandleIXFRFallsBackToAXFRWhenSerialUnrecognized(t *testing.T) {
	s := readyTestZone(t, "example.com.")
	reg := NewRegistry()
	reg.Register("example.com.", &Zone{Store: s, Apex: "example.com.", AllowTransfer: []string{"192.0.2.5"}})
	srv := &Server{reg: reg}

	req := new(dns.Msg)
	req.SetIxfr("example.com.", 1, "", "")
	w := newFakeWriter("192.0.2.5:53")

	srv.handle(w, req)
	if len(w.msgs) == 0 {
		t.Fatalf("expected a fallback AXFR response")
	}
	found := false
	for _, m := range w.msgs {
		for _, rr := range m.Answer {
			if _, ok := rr.(*dns.A); ok {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("expected the AXFR fallback to include the www A record")
	}
}

func TestHandleIXFRSameSerialReturnsJustSOA(t *testing.T) {
	s := readyTestZone(t, "example.com.")
	reg := NewRegistry()
	reg.Register("example.com.", &Zone{Store: s, Apex: "example.com.", AllowTransfer: []string{"192.0.2.5"}})
	srv := &Server{reg: reg}

	req := new(dns.Msg)
	req.SetIxfr("example.com.", 42, "", "")
	w := newFakeWriter("192.0.2.5:53")

	srv.handle(w, req)
	if len(w.msgs) != 1 || len(w.msgs[0].Answer) != 1 {
		t.Fatalf("expected a single SOA-only reply for a no-op IXFR, got %+v", w.msgs)
	}
	if _, ok := w.msgs[0].Answer[0].(*dns.SOA); !ok {
		t.Errorf("expected the reply to carry the current SOA")
	}
}

func TestHandleNotifyInvokesCallbackForKnownZone(t *testing.T) {
	s := readyTestZone(t, "example.com.")
	reg := NewRegistry()
	reg.Register("example.com.", &Zone{Store: s, Apex: "example.com."})
	srv := &Server{reg: reg}

	called := make(chan string, 1)
	prev := OnNotify
	OnNotify = func(zone string) { called <- zone }
	defer func() { OnNotify = prev }()

	req := new(dns.Msg)
	req.SetNotify("example.com.")
	w := newFakeWriter("192.0.2.9:53")
	srv.handle(w, req)

	if len(w.msgs) != 1 || w.msgs[0].Rcode != dns.RcodeSuccess {
		t.Fatalf("expected a successful NOTIFY ack, got %+v", w.msgs)
	}
	select {
	case zone := <-called:
		if zone != "example.com." {
			t.Errorf("expected OnNotify to fire for example.com., got %q", zone)
		}
	case <-time.After(time.Second): // handleNotify runs OnNotify in a goroutine
		t.Errorf("expected OnNotify to be invoked for a known zone")
	}
}

func TestHandleNotifyRefusesUnknownZone(t *testing.T) {
	reg := NewRegistry()
	srv := &Server{reg: reg}
	req := new(dns.Msg)
	req.SetNotify("nowhere.example.")
	w := newFakeWriter("192.0.2.9:53")

	srv.handle(w, req)
	if len(w.msgs) != 1 || w.msgs[0].Rcode != dns.RcodeRefused {
		t.Fatalf("expected RcodeRefused for NOTIFY on an unregistered zone, got %+v", w.msgs)
	}
}

func TestPlaceTransferredRRMergesRRsetsByOwner(t *testing.T) {
	s := store.NewStore("example.com.")
	v := s.View(store.ViewInput)

	rr1, _ := dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")
	rr2, _ := dns.NewRR("WWW.EXAMPLE.COM. 3600 IN A 192.0.2.2")
	placeTransferredRR(v, rr1)
	placeTransferredRR(v, rr2)

	rec, ok := v.Take(store.IdxNameUpcoming, "www.example.com.")
	if !ok {
		t.Fatalf("expected a merged record at www.example.com.")
	}
	if got := len(rec.Types[dns.TypeA].RRs); got != 2 {
		t.Errorf("expected both A records to land on the same lowercased owner, got %d", got)
	}
}

func TestSendNotifyReturnsErrorWhenAllTargetsFail(t *testing.T) {
	err := SendNotify("example.com.", []string{"256.256.256.256:53"})
	if err == nil {
		t.Errorf("expected SendNotify to report an error when every target is unreachable")
	}
}
