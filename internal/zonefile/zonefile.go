// Package zonefile reads and writes zone data in standard DNS
// presentation format (C10, spec.md §4.7).
//
// Grounded on the teacher's zone_utils.go/zone_updater.go, which load a
// zone via miekg/dns's dns.ZoneParser and rebuild a zonefile from an
// in-memory owner map on output; generalized from the teacher's
// single-pass "fill in a ZoneData" parse into one that places each RR
// into a store.View (so the same input path serves zonefile, AXFR-in,
// and API-driven loads uniformly) and a writer that walks the view's
// validnow index (View.Current) instead of a concurrent-map of owners.
package zonefile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/miekg/dns"

	"github.com/sigzone/sigzone/internal/sigerr"
	"github.com/sigzone/sigzone/internal/store"
)

// Load parses zone-presentation-format data from r and places every RR
// into v by owner name. origin is used to qualify unqualified names the
// parser encounters (the zone apex, normally).
func Load(r io.Reader, origin string, v *store.View) (int, error) {
	zp := dns.NewZoneParser(r, dns.Fqdn(origin), "")
	zp.SetIncludeAllowed(false)

	n := 0
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if err := placeRR(v, rr); err != nil {
			return n, err
		}
		n++
	}
	if err := zp.Err(); err != nil {
		return n, sigerr.Malformed("zonefile.Load", err)
	}
	return n, nil
}

// LoadFile opens path and loads it via Load.
func LoadFile(path, origin string, v *store.View) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, sigerr.IOError("zonefile.LoadFile", err)
	}
	defer f.Close()
	return Load(f, origin, v)
}

func placeRR(v *store.View, rr dns.RR) error {
	owner := strings.ToLower(rr.Header().Name)
	rec := v.Place(owner)
	t := rr.Header().Rrtype

	rs, ok := rec.Types[t]
	if !ok {
		rs = store.NewRRset(t)
		rec.Types[t] = rs
	}
	rs.RRs = append(rs.RRs, rr)
	return nil
}

// Write renders the apex's ready record (SOA first) and then every other
// current, signed record in v (the validnow index, in plain owner-name
// string order) to w in zone-presentation format: each RRset's RRs
// followed by its RRSIGs, then the record's denial RR and its RRSIGs.
// Records that are current but not yet signed are not written.
//
// Grounded on the teacher's zonefile output ordering in zone_utils.go
// (SOA always first, then the rest of the owner map in whatever order
// the caller chooses to walk it -- we walk validnow, so output is
// deterministic; glue is not grouped next to its delegation's NS RRset).
func Write(w io.Writer, apex string, v *store.View) error {
	bw := bufio.NewWriter(w)

	apexRec, ok := v.Take(store.IdxNameReady, dns.Fqdn(apex))
	if ok {
		if err := writeSOAFirst(bw, apexRec); err != nil {
			return err
		}
	}

	for _, r := range v.Current().Collect() {
		if r.Name == dns.Fqdn(apex) {
			continue // SOA (and any other apex RRsets) already emitted above
		}
		if err := writeRecord(bw, r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeSOAFirst(w *bufio.Writer, r *store.Record) error {
	if rs, ok := r.Types[dns.TypeSOA]; ok {
		for _, rr := range rs.RRs {
			if _, err := fmt.Fprintln(w, rr.String()); err != nil {
				return sigerr.IOError("zonefile.Write", err)
			}
		}
		for _, sig := range rs.RRSIGs {
			if _, err := fmt.Fprintln(w, sig.RR.String()); err != nil {
				return sigerr.IOError("zonefile.Write", err)
			}
		}
	}
	return writeRemainingTypes(w, r, dns.TypeSOA)
}

func writeRecord(w *bufio.Writer, r *store.Record) error {
	return writeRemainingTypes(w, r, 0)
}

func writeRemainingTypes(w *bufio.Writer, r *store.Record, skip uint16) error {
	for _, t := range r.SortedTypes() {
		if t == skip {
			continue
		}
		rs := r.Types[t]
		for _, rr := range rs.RRs {
			if _, err := fmt.Fprintln(w, rr.String()); err != nil {
				return sigerr.IOError("zonefile.Write", err)
			}
		}
		for _, sig := range rs.RRSIGs {
			if _, err := fmt.Fprintln(w, sig.RR.String()); err != nil {
				return sigerr.IOError("zonefile.Write", err)
			}
		}
	}
	if r.Denial != nil {
		if r.Denial.RR != nil {
			if _, err := fmt.Fprintln(w, r.Denial.RR.String()); err != nil {
				return sigerr.IOError("zonefile.Write", err)
			}
		}
		for _, sig := range r.Denial.RRSIGs {
			if _, err := fmt.Fprintln(w, sig.RR.String()); err != nil {
				return sigerr.IOError("zonefile.Write", err)
			}
		}
	}
	return nil
}

// WriteFile renders v to a fresh file at path, via a sibling temp file
// renamed atomically over it -- the same swap discipline spec.md §6
// requires for the journal, applied here to the zonefile output so a
// reader never observes a half-written zone.
func WriteFile(path, apex string, v *store.View) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return sigerr.IOError("zonefile.WriteFile", err)
	}
	if err := Write(f, apex, v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return sigerr.IOError("zonefile.WriteFile", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return sigerr.IOError("zonefile.WriteFile", err)
	}
	return nil
}
