package store

import "strings"

// Iterator is a lazy, finite sequence of records produced by a search
// function over one of a view's indices. Replaces the teacher's
// va_list-based iterator factories (spec.md §9) with a typed closure:
// callers ask for the next record until ok is false.
type Iterator struct {
	next func() (*Record, bool)
}

func (it *Iterator) Next() (*Record, bool) { return it.next() }

// Collect drains the iterator into a slice. Convenience for call sites
// that don't need true laziness (most of the pipeline doesn't, since a
// signing cycle touches the whole zone anyway).
func (it *Iterator) Collect() []*Record {
	var out []*Record
	for {
		r, ok := it.next()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func sliceIterator(items []*Record) *Iterator {
	i := 0
	return &Iterator{next: func() (*Record, bool) {
		if i >= len(items) {
			return nil, false
		}
		r := items[i]
		i++
		return r, true
	}}
}

// Ancestors returns, closest ancestor first, the namehierarchy entry
// (the latest revision, current or not) of every proper ancestor of
// name that has one.
func (v *View) Ancestors(name string) *Iterator {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.index(IdxNameHierarchy)
	var out []*Record
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	for i := 1; i < len(labels); i++ {
		anc := strings.Join(labels[i:], ".") + "."
		if r := idx.Lookup(anc); r != nil {
			out = append(out, r)
		}
	}
	return sliceIterator(out)
}

// Descendants returns the namehierarchy entry (the latest revision,
// current or not) of every proper descendant of name, in namehierarchy
// order.
func (v *View) Descendants(name string) *Iterator {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.index(IdxNameHierarchy)
	suffix := "." + strings.TrimSuffix(name, ".") + "."
	var out []*Record
	for _, r := range idx.All() {
		if r.Name != name && strings.HasSuffix("."+r.Name, suffix) {
			out = append(out, r)
		}
	}
	return sliceIterator(out)
}

// ExpiringBefore returns every record in the expiry index whose Expiry
// is below cutoff, in ascending expiry order -- the sign stage's
// work-list for a refresh cycle.
func (v *View) ExpiringBefore(cutoff uint32) *Iterator {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.index(IdxExpiry)
	var out []*Record
	for _, r := range idx.All() {
		if *r.Expiry >= cutoff {
			break
		}
		out = append(out, r)
	}
	return sliceIterator(out)
}

// DenialPair is one (record, successor) adjacency in denial-chain order.
type DenialPair struct {
	Record    *Record
	Successor *Record // wraps to the chain's first record at the end
}

// DenialChain returns every chain-adjacent pair in denialname order,
// used by the denial engine to (re)compute next-name fields.
func (v *View) DenialChain() []DenialPair {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.index(IdxDenialName)
	all := idx.All()
	if len(all) == 0 {
		return nil
	}
	pairs := make([]DenialPair, len(all))
	for i, r := range all {
		next := all[(i+1)%len(all)]
		pairs[i] = DenialPair{Record: r, Successor: next}
	}
	return pairs
}

// Changes returns every record whose validity interval begins or ends
// within (fromSerial, toSerial], split into inserts and deletes, as
// required to emit an IXFR delta (spec.md §6/§8 scenario 3).
func (v *View) Changes(fromSerial, toSerial uint32) (inserts, deletes []*Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.index(IdxValidInserts).All() {
		if *r.ValidFrom > fromSerial && *r.ValidFrom <= toSerial {
			inserts = append(inserts, r)
		}
	}
	for _, r := range v.index(IdxValidDeletes).All() {
		if r.ValidUpto != nil && *r.ValidUpto > fromSerial && *r.ValidUpto <= toSerial {
			deletes = append(deletes, r)
		}
	}
	return inserts, deletes
}

// Outdated returns every record in the outdated index whose ValidUpto is
// older than cutoff -- candidates for the periodic purge.
func (v *View) Outdated(cutoff uint32) *Iterator {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.index(IdxOutdated)
	var out []*Record
	for _, r := range idx.All() {
		if *r.ValidUpto >= cutoff {
			break
		}
		out = append(out, r)
	}
	return sliceIterator(out)
}

// Current returns every record in validnow order -- the "whole zone as
// of right now" traversal used by the output view's zonefile writer and
// AXFR responder. Narrower than nameready: a record must also already
// be signed (Expiry set) to appear here.
func (v *View) Current() *Iterator {
	v.mu.Lock()
	defer v.mu.Unlock()
	return sliceIterator(append([]*Record(nil), v.index(IdxValidNow).All()...))
}

// RelevantSet returns every name's most recent not-yet-retired
// revision -- the prepare stage's promotion work-list. Pairing a name's
// relevantset member against its currentset member (via Take) tells the
// prepare stage whether that name has a pending change awaiting
// promotion this cycle.
func (v *View) RelevantSet() *Iterator {
	v.mu.Lock()
	defer v.mu.Unlock()
	return sliceIterator(append([]*Record(nil), v.index(IdxRelevantSet).All()...))
}

// AllNames returns every name in namehierarchy order, including names
// with no current revision (used by the denial/NSEC engine, which must
// chain over every name that has ever had a record staged in this view,
// prior to validity filtering).
func (v *View) AllNames() *Iterator {
	v.mu.Lock()
	defer v.mu.Unlock()
	return sliceIterator(append([]*Record(nil), v.index(IdxNameHierarchy).All()...))
}
