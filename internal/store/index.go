package store

import "sort"

// IndexSpec describes one of the named orderings from spec.md §4.1's
// acceptance table: what belongs, how it's ordered, and -- when more
// than one record can share an ordering key -- which one wins.
//
// Grounded on the teacher's habit of deriving an explicit ordered name
// list on demand (tdns/sign.go: "names, _ := zd.GetOwnerNames();
// sort.Strings(names)") rather than maintaining a balanced tree; we keep
// that shape but cache the sorted order per index so every view doesn't
// re-sort on every read.
type IndexSpec struct {
	Name string

	// Accept decides whether r belongs in this index at all.
	Accept func(r *Record) bool

	// Less defines the traversal order. Must be a strict weak ordering.
	Less func(a, b *Record) bool

	// Key returns the tie-break key for records that may collide (e.g.
	// "nameupcoming" keyed by name, where only the highest revision
	// should be visible). Nil means every accepted record is unique
	// (namerevision: keyed implicitly by (name,revision)).
	Key func(r *Record) string

	// Winner decides, for two records sharing the same Key, which one
	// the index should keep visible. Required when Key is non-nil.
	Winner func(incumbent, candidate *Record) bool // true if candidate wins
}

// HigherRevisionWins is the Winner function used by every named index in
// §4.1 whose tie-break column reads "keep higher revision".
func HigherRevisionWins(incumbent, candidate *Record) bool {
	return candidate.Revision > incumbent.Revision
}

// Index holds the materialized ordered set of records currently
// accepted into one ordering. It owns only Record handles (pointers),
// never copies -- removal here never frees anything, it only drops a
// reference (see Record.delRef / the two-phase disposal marker).
type Index struct {
	spec    IndexSpec
	order   []*Record          // kept sorted by spec.Less
	winners map[string]*Record // key -> current occupant, when spec.Key != nil
}

func NewIndex(spec IndexSpec) *Index {
	idx := &Index{spec: spec}
	if spec.Key != nil {
		idx.winners = make(map[string]*Record)
	}
	return idx
}

func (idx *Index) search(r *Record) int {
	return sort.Search(len(idx.order), func(i int) bool {
		return !idx.spec.Less(idx.order[i], r)
	})
}

func (idx *Index) insertSorted(r *Record) {
	i := idx.search(r)
	idx.order = append(idx.order, nil)
	copy(idx.order[i+1:], idx.order[i:])
	idx.order[i] = r
}

func (idx *Index) removeSorted(r *Record) {
	for i, cur := range idx.order {
		if cur == r {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			return
		}
	}
}

// Outcome classifies what Insert actually did, matching the commit
// protocol's {ignored / accepted-replace / accepted-drop-existing}
// trichotomy from spec.md §4.1.
type Outcome uint8

const (
	Ignored Outcome = iota
	Accepted
	AcceptedReplace
	AcceptedDropExisting
)

// Insert adds r to the index if it's accepted, applying the tie-break
// rule when a Key collision occurs. Returns the outcome and, on
// AcceptedReplace, the record that was displaced (Insert has already
// dropped this index's reference to it).
func (idx *Index) Insert(r *Record) (Outcome, *Record) {
	if idx.spec.Accept != nil && !idx.spec.Accept(r) {
		return Ignored, nil
	}
	if idx.spec.Key == nil {
		idx.insertSorted(r)
		r.addRef()
		return Accepted, nil
	}
	key := idx.spec.Key(r)
	incumbent, exists := idx.winners[key]
	if !exists {
		idx.insertSorted(r)
		idx.winners[key] = r
		r.addRef()
		return Accepted, nil
	}
	if incumbent == r {
		return Ignored, nil
	}
	if idx.spec.Winner(incumbent, r) {
		idx.removeSorted(incumbent)
		incumbent.delRef()
		idx.insertSorted(r)
		idx.winners[key] = r
		r.addRef()
		return AcceptedReplace, incumbent
	}
	return AcceptedDropExisting, nil
}

// Remove physically drops r from the index, if present. Used for
// explicit View.remove() propagation and for purge.
func (idx *Index) Remove(r *Record) bool {
	for i, cur := range idx.order {
		if cur == r {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			r.delRef()
			if idx.winners != nil {
				key := idx.spec.Key(r)
				if idx.winners[key] == r {
					delete(idx.winners, key)
				}
			}
			return true
		}
	}
	return false
}

// Len returns the number of records currently accepted into the index.
func (idx *Index) Len() int { return len(idx.order) }

// All returns the index's records in order. Callers must not mutate the
// returned slice.
func (idx *Index) All() []*Record { return idx.order }

// At returns the i'th record in order.
func (idx *Index) At(i int) *Record { return idx.order[i] }

// Lookup finds the winner for a Key-based index's key, or nil.
func (idx *Index) Lookup(key string) *Record {
	if idx.winners == nil {
		return nil
	}
	return idx.winners[key]
}

// Clone produces an independent Index with the same spec and contents,
// used when a View is created from a parent's snapshot.
func (idx *Index) Clone() *Index {
	c := &Index{spec: idx.spec, order: append([]*Record(nil), idx.order...)}
	for _, r := range c.order {
		r.addRef()
	}
	if idx.winners != nil {
		c.winners = make(map[string]*Record, len(idx.winners))
		for k, v := range idx.winners {
			c.winners[k] = v
		}
	}
	return c
}
