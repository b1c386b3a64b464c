package store

import (
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("dns.NewRR(%q): %v", s, err)
	}
	return rr
}

func TestPlaceCreatesRevisionOne(t *testing.T) {
	s := NewStore("example.com.")
	v := s.View(ViewInput)

	r := v.Place("www.example.com.")
	if r.Revision != 1 {
		t.Errorf("expected revision 1, got %d", r.Revision)
	}
	if got, want := r.Name, "www.example.com."; got != want {
		t.Errorf("name = %q, want %q", got, want)
	}

	// A second Place for the same name returns the same staged record.
	again := v.Place("www.example.com.")
	if again != r {
		t.Errorf("second Place returned a different record")
	}
}

func TestUnderwriteDropsValidity(t *testing.T) {
	s := NewStore("example.com.")
	v := s.View(ViewInput)

	r := v.Place("www.example.com.")
	r.Types[dns.TypeA] = &RRset{Type: dns.TypeA, RRs: []dns.RR{mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")}}
	from := uint32(10)
	r.ValidFrom = &from
	if err := v.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v.Underwrite(&r)
	if r.Revision != 2 {
		t.Errorf("expected revision 2 after Underwrite, got %d", r.Revision)
	}
	if r.ValidFrom != nil {
		t.Errorf("Underwrite should drop ValidFrom, got %v", *r.ValidFrom)
	}
	if !r.HasType(dns.TypeA) {
		t.Errorf("Underwrite should carry forward type-bearing data")
	}
}

func TestOverwriteDropsTypeData(t *testing.T) {
	s := NewStore("example.com.")
	v := s.View(ViewInput)

	r := v.Place("www.example.com.")
	r.Types[dns.TypeA] = &RRset{Type: dns.TypeA, RRs: []dns.RR{mustRR(t, "www.example.com. 3600 IN A 192.0.2.1")}}
	if err := v.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v.Overwrite(&r)
	if r.HasType(dns.TypeA) {
		t.Errorf("Overwrite should drop prior type-bearing data")
	}
	if r.Name != "www.example.com." {
		t.Errorf("Overwrite should keep identity, got name %q", r.Name)
	}
}

func TestCommitConflictRollsBackAndRequiresReset(t *testing.T) {
	s := NewStore("example.com.")
	a := s.View(ViewInput)
	b := s.View(ViewPrepare)

	base := a.Place("www.example.com.")
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	b.Reset()

	ra := base
	a.Underwrite(&ra)
	if err := a.Commit(); err != nil {
		t.Fatalf("a.Commit: %v", err)
	}

	// b still holds a stale pointer to the pre-Underwrite record: trying
	// to mutate through it and commit must conflict, since a's commit
	// already touched (name, revision) that b's stale copy also touches.
	rb := base
	b.Underwrite(&rb)
	err := b.Commit()
	if err == nil {
		t.Fatalf("expected a conflict, got nil error")
	}

	// After the conflict, b's local pending set has been rolled back
	// (Commit's contract); Reset() catches it up to a's committed state.
	b.Reset()
	cur, ok := b.Take(IdxNameUpcoming, "www.example.com.")
	if !ok {
		t.Fatalf("expected a current record for www.example.com. after Reset")
	}
	if cur.Revision != ra.Revision {
		t.Errorf("after Reset, b should see a's committed revision %d, got %d", ra.Revision, cur.Revision)
	}
}

func TestNameReadyRequiresValidFromWithoutValidUpto(t *testing.T) {
	s := NewStore("example.com.")
	v := s.View(ViewInput)

	r := v.Place("www.example.com.")
	if _, ok := v.Take(IdxNameReady, "www.example.com."); ok {
		t.Errorf("record with no ValidFrom should not appear in nameready")
	}

	from := uint32(1)
	v.UpdateWith(&r, func(nr *Record) { nr.ValidFrom = &from })
	if _, ok := v.Take(IdxNameReady, "www.example.com."); !ok {
		t.Errorf("record with ValidFrom set and ValidUpto nil should appear in nameready")
	}

	upto := uint32(2)
	v.UpdateWith(&r, func(nr *Record) { nr.ValidUpto = &upto })
	if got, ok := v.Take(IdxNameReady, "www.example.com."); ok {
		t.Errorf("record with ValidUpto set should not appear in nameready, got revision %d", got.Revision)
	}
}

func TestAllNamesOrdersByHierarchy(t *testing.T) {
	s := NewStore("example.com.")
	v := s.View(ViewInput)

	for _, n := range []string{"example.com.", "www.example.com.", "a.www.example.com.", "mail.example.com."} {
		v.Place(n)
	}
	if err := v.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	names := v.AllNames().Collect()
	if len(names) != 4 {
		t.Fatalf("expected 4 names, got %d", len(names))
	}
	// a.www and www must sort adjacent to each other under example.com.,
	// both after example.com. itself (reverseLabels puts the apex first).
	if names[0].Name != "example.com." {
		t.Errorf("expected example.com. first, got %s", names[0].Name)
	}
}
