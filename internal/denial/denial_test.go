package denial

import (
	"testing"

	"github.com/miekg/dns"

	"github.com/sigzone/sigzone/internal/store"
)

func aRecord(t *testing.T, name, rr string) *store.Record {
	t.Helper()
	rec := store.NewRecord(name)
	r, err := dns.NewRR(rr)
	if err != nil {
		t.Fatalf("dns.NewRR(%q): %v", rr, err)
	}
	rec.Types[r.Header().Rrtype] = &store.RRset{Type: r.Header().Rrtype, RRs: []dns.RR{r}}
	return rec
}

func buildZone(t *testing.T) *store.View {
	t.Helper()
	s := store.NewStore("example.com.")
	in := s.View(store.ViewInput)

	apex := in.Place("example.com.")
	soaRR, _ := dns.NewRR("example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 600 604800 3600")
	nsRR, _ := dns.NewRR("example.com. 3600 IN NS ns1.example.com.")
	in.UpdateWith(&apex, func(nr *store.Record) {
		nr.Types[dns.TypeSOA] = &store.RRset{Type: dns.TypeSOA, RRs: []dns.RR{soaRR}}
		nr.Types[dns.TypeNS] = &store.RRset{Type: dns.TypeNS, RRs: []dns.RR{nsRR}}
	})

	www := in.Place("www.example.com.")
	aRR, _ := dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")
	in.UpdateWith(&www, func(nr *store.Record) {
		nr.Types[dns.TypeA] = &store.RRset{Type: dns.TypeA, RRs: []dns.RR{aRR}}
	})

	mail := in.Place("mail.example.com.")
	mxRR, _ := dns.NewRR("mail.example.com. 3600 IN A 192.0.2.2")
	in.UpdateWith(&mail, func(nr *store.Record) {
		nr.Types[dns.TypeA] = &store.RRset{Type: dns.TypeA, RRs: []dns.RR{mxRR}}
	})

	if err := in.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	prep := s.View(store.ViewPrepare)
	prep.Reset()
	return prep
}

func TestRebuildChainNSECLinksSortedNames(t *testing.T) {
	prep := buildZone(t)
	cfg := Config{Mode: ModeNSEC}

	touched := RebuildChain(prep, "example.com.", cfg)
	if len(touched) != 3 {
		t.Fatalf("expected all 3 names touched on first build, got %d", len(touched))
	}

	byName := map[string]*store.Record{}
	for _, r := range touched {
		byName[r.Name] = r
	}

	apexNSEC, ok := byName["example.com."].Denial.RR.(*dns.NSEC)
	if !ok {
		t.Fatalf("expected apex denial RR to be NSEC")
	}
	// Hierarchy order: example.com. -> mail.example.com. -> www.example.com. -> wraps
	if apexNSEC.NextDomain != "mail.example.com." {
		t.Errorf("apex NSEC should point to mail.example.com., got %s", apexNSEC.NextDomain)
	}

	wwwNSEC := byName["www.example.com."].Denial.RR.(*dns.NSEC)
	if wwwNSEC.NextDomain != "example.com." {
		t.Errorf("www NSEC should wrap to example.com., got %s", wwwNSEC.NextDomain)
	}
}

func TestRebuildChainIsIdempotentWhenNothingChanges(t *testing.T) {
	prep := buildZone(t)
	cfg := Config{Mode: ModeNSEC}

	if touched := RebuildChain(prep, "example.com.", cfg); len(touched) != 3 {
		t.Fatalf("expected 3 touched on first build, got %d", len(touched))
	}
	if touched := RebuildChain(prep, "example.com.", cfg); len(touched) != 0 {
		t.Errorf("expected no records touched on a no-op rebuild, got %d", len(touched))
	}
}

func TestRebuildChainNSEC3HashesOwnerNames(t *testing.T) {
	prep := buildZone(t)
	cfg := Config{Mode: ModeNSEC3, Iterations: 1}

	touched := RebuildChain(prep, "example.com.", cfg)
	if len(touched) != 3 {
		t.Fatalf("expected all 3 names touched, got %d", len(touched))
	}
	for _, r := range touched {
		n3, ok := r.Denial.RR.(*dns.NSEC3)
		if !ok {
			t.Fatalf("expected NSEC3 denial RR for %s", r.Name)
		}
		if n3.Hdr.Name != dns.Fqdn(r.DenialName) {
			t.Errorf("NSEC3 owner should be the computed denial name, got %s want %s", n3.Hdr.Name, r.DenialName)
		}
	}
}

func TestTypeBitmapExcludesOccludedNames(t *testing.T) {
	rec := aRecord(t, "glue.child.example.com.", "glue.child.example.com. 3600 IN A 192.0.2.9")
	rec.IsOccluded = true

	bitmap := typeBitmap(rec, ModeNSEC, false)
	for _, t2 := range bitmap {
		if t2 == dns.TypeA {
			t.Errorf("occluded record's A type should not appear in its bitmap")
		}
	}
}

func TestTypeBitmapCarriesNSAcrossDelegation(t *testing.T) {
	rec := aRecord(t, "child.example.com.", "child.example.com. 3600 IN NS ns1.child.example.com.")
	rec.IsDelegation = true

	bitmap := typeBitmap(rec, ModeNSEC, false)
	found := false
	for _, t2 := range bitmap {
		if t2 == dns.TypeNS {
			found = true
		}
	}
	if !found {
		t.Errorf("expected NS to survive delegation filtering, got bitmap %v", bitmap)
	}
}

func TestStaleDetectsDifference(t *testing.T) {
	rec := store.NewRecord("www.example.com.")
	rr1 := &dns.NSEC{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeNSEC}, NextDomain: "a.example.com."}
	rr2 := &dns.NSEC{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeNSEC}, NextDomain: "b.example.com."}

	if !Stale(rec, rr1) {
		t.Errorf("a record with no stored Denial should always be stale")
	}
	rec.Denial = &store.DenialRR{RR: rr1}
	if Stale(rec, rr1) {
		t.Errorf("identical RR should not be stale")
	}
	if !Stale(rec, rr2) {
		t.Errorf("different NextDomain should be stale")
	}
}
