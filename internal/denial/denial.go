// Package denial implements the denial-of-existence engine (spec.md
// §4.3, C7): per-record owner/hash computation, type-bitmap synthesis,
// and denial-chain maintenance for NSEC and NSEC3.
//
// Grounded on the teacher's tdns.GenerateNsecChain (tdns/sign.go) and
// tdns.ComputeNsec (tdns/nsec.go): sort every owner name, walk it once
// building a type bitmap per name and linking each to its successor.
// Generalized to (a) also produce NSEC3 (base32 SHA-1 hashed owners),
// (b) honor each record's delegation/occluded flags when building its
// bitmap, and (c) use
// twotwotwo/sorts' parallel sort instead of sort.Strings for the
// full-chain rebuild, since a signer's zone can be orders of magnitude
// larger than anything the teacher's own test zones exercise.
package denial

import (
	"crypto/sha1"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/twotwotwo/sorts"

	"github.com/sigzone/sigzone/internal/store"
)

type Mode uint8

const (
	ModeNSEC Mode = iota
	ModeNSEC3
)

// Config carries the NSEC3 parameters (spec.md §4.3); ignored in NSEC
// mode.
type Config struct {
	Mode       Mode
	Salt       []byte
	Iterations uint16
	OptOut     bool
}

// DenialName computes the record's denial-chain key: the owner name
// itself for NSEC, or the base32hex-encoded SHA-1 hash prepended as a
// single label to the apex for NSEC3.
func DenialName(cfg Config, apex, owner string) string {
	if cfg.Mode == ModeNSEC {
		return strings.ToLower(dns.Fqdn(owner))
	}
	return nsec3Hash(cfg, apex, owner)
}

func nsec3Hash(cfg Config, apex, owner string) string {
	h := dns.HashName(dns.Fqdn(owner), dns.SHA1, cfg.Iterations, string(cfg.Salt))
	return strings.ToLower(h) + "." + dns.Fqdn(apex)
}

// typeBitmap computes the set bits for rec's NSEC/NSEC3 record, per
// spec.md §4.3: every authoritative RR type held by rec, plus RRSIG
// (always in NSEC mode; in NSEC3 mode only when rec has at least one
// authoritative type, so an empty name's NSEC3 bitmap has no RRSIG bit),
// plus (NSEC only, and only for a non-opt-out, non-empty record) the
// NSEC bit itself. The NSEC3 bit is never set.
func typeBitmap(rec *store.Record, mode Mode, optOutGap bool) []uint16 {
	var types []uint16
	for _, t := range rec.SortedTypes() {
		if !authoritative(rec, t) {
			continue
		}
		types = append(types, t)
	}
	if len(types) > 0 || mode == ModeNSEC {
		types = append(types, dns.TypeRRSIG)
	}
	if mode == ModeNSEC && len(rec.Types) > 0 && !optOutGap {
		types = append(types, dns.TypeNSEC)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return dedupe(types)
}

func dedupe(in []uint16) []uint16 {
	out := in[:0]
	var prev uint16
	havePrev := false
	for _, t := range in {
		if havePrev && t == prev {
			continue
		}
		out = append(out, t)
		prev, havePrev = t, true
	}
	return out
}

// authoritative reports whether type t at rec should be covered by the
// denial bitmap: not occluded, and (NS/DS are carried across a
// delegation boundary even though other types there are glue/occluded).
func authoritative(rec *store.Record, t uint16) bool {
	if rec.IsOccluded {
		return false
	}
	if rec.IsDelegation && t != dns.TypeNS && t != dns.TypeDS {
		return false
	}
	return true
}

// buildRR constructs the actual NSEC/NSEC3 dns.RR for rec given its
// already-computed denial name and the next name in chain order.
func buildRR(cfg Config, apex string, rec *store.Record, nextDenialName string, optOutGap bool) dns.RR {
	bitmap := typeBitmap(rec, cfg.Mode, optOutGap)
	if cfg.Mode == ModeNSEC {
		return &dns.NSEC{
			Hdr:        dns.RR_Header{Name: dns.Fqdn(rec.Name), Rrtype: dns.TypeNSEC, Class: dns.ClassINET, Ttl: 3600},
			NextDomain: nextDenialName,
			TypeBitMap: bitmap,
		}
	}
	flags := uint8(0)
	if cfg.OptOut {
		flags = 1
	}
	nextOwnerLabel := strings.SplitN(nextDenialName, ".", 2)[0]
	return &dns.NSEC3{
		Hdr:        dns.RR_Header{Name: dns.Fqdn(DenialName(cfg, apex, rec.Name)), Rrtype: dns.TypeNSEC3, Class: dns.ClassINET, Ttl: 3600},
		Hash:       dns.SHA1,
		Flags:      flags,
		Iterations: cfg.Iterations,
		SaltLength: uint8(len(cfg.Salt)),
		Salt:       hexEncode(cfg.Salt),
		HashLength: sha1.Size,
		NextDomain: strings.ToUpper(nextOwnerLabel),
		TypeBitMap: bitmap,
	}
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}

// Stale reports whether rec's stored denial RR no longer matches what
// would be computed fresh -- the signing engine treats stale as absent
// (spec.md §4.3 "State").
func Stale(rec *store.Record, fresh dns.RR) bool {
	if rec.Denial == nil || rec.Denial.RR == nil {
		return true
	}
	return rec.Denial.RR.String() != fresh.String()
}

// RebuildChain recomputes denial names, the chain order, and every
// record's NSEC/NSEC3 RR from scratch across every name present in
// view. This is the teacher's own strategy (full rebuild every signing
// cycle, tdns.GenerateNsecChain) rather than the minimal two-record
// update spec.md §4.3 also describes; UpdateAdjacent below implements
// that narrower form, but nothing in this repository calls it (the
// control API's mutations reach the chain through the next cycle's
// RebuildChain).
//
// Returns the records whose denial RR actually changed (and therefore
// need re-signing).
func RebuildChain(v *store.View, apex string, cfg Config) []*store.Record {
	recs := v.AllNames().Collect()
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = DenialName(cfg, apex, r.Name)
	}

	// Parallel sort by denial name -- large zones dominate the signing
	// cycle's wall-clock here, which is exactly what twotwotwo/sorts'
	// pdqsort-style parallel sort targets. Sorting only reorders the
	// names/recs slices (buildRR reads rec's name, types and
	// delegation/occluded flags plus the next record's denial name, and
	// never writes to rec), so no record is mutated until a stale one is
	// actually found below.
	sorter := &byDenialName{names: names, recs: recs}
	sorts.Quicksort(sorter)

	var touched []*store.Record
	for i, rec := range sorter.recs {
		nextDenialName := sorter.names[(i+1)%len(sorter.names)]
		optOutGap := cfg.Mode == ModeNSEC3 && cfg.OptOut && rec.IsDelegation && !rec.HasType(dns.TypeDS)
		rr := buildRR(cfg, apex, rec, nextDenialName, optOutGap)
		if Stale(rec, rr) {
			dn := sorter.names[i]
			r := rec
			v.UpdateWith(&r, func(nr *store.Record) {
				nr.DenialName = dn
				nr.Denial = &store.DenialRR{RR: rr}
			})
			touched = append(touched, r)
		}
	}
	return touched
}

// UpdateAdjacent recomputes only changed's own denial RR and its
// predecessor's, per spec.md §4.3's "at most two denial RRs" rule for
// single-name insert/remove/type-bitmap-change events.
func UpdateAdjacent(v *store.View, apex string, cfg Config, changed *store.Record) []*store.Record {
	pairs := v.DenialChain()
	if len(pairs) == 0 {
		return nil
	}
	var touched []*store.Record
	for i, p := range pairs {
		if p.Record != changed {
			continue
		}
		pred := pairs[(i-1+len(pairs))%len(pairs)].Record
		for _, rec := range []*store.Record{pred, p.Record} {
			idx := chainIndexOf(pairs, rec)
			next := pairs[idx].Successor
			optOutGap := cfg.Mode == ModeNSEC3 && cfg.OptOut && rec.IsDelegation && !rec.HasType(dns.TypeDS)
			rr := buildRR(cfg, apex, rec, next.DenialName, optOutGap)
			if Stale(rec, rr) {
				r := rec
				v.UpdateWith(&r, func(nr *store.Record) { nr.Denial = &store.DenialRR{RR: rr} })
				touched = append(touched, r)
			}
		}
		break
	}
	return touched
}

func chainIndexOf(pairs []store.DenialPair, rec *store.Record) int {
	for i, p := range pairs {
		if p.Record == rec {
			return i
		}
	}
	return 0
}

// byDenialName adapts to twotwotwo/sorts.Interface (the same
// Len/Less/Swap shape as sort.Interface).
type byDenialName struct {
	names []string
	recs  []*store.Record
}

func (b *byDenialName) Len() int { return len(b.names) }
func (b *byDenialName) Less(i, j int) bool {
	return b.names[i] < b.names[j]
}
func (b *byDenialName) Swap(i, j int) {
	b.names[i], b.names[j] = b.names[j], b.names[i]
	b.recs[i], b.recs[j] = b.recs[j], b.recs[i]
}
