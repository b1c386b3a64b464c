package store

import (
	"fmt"
	"sync"

	"github.com/sigzone/sigzone/internal/sigerr"
)

// View is a named, snapshot-consistent perspective on the record store
// (spec.md §3 C3). Its namerevision index is always present and is the
// canonical membership set for whatever the view has incorporated so
// far. Exactly one goroutine owns a View at a time (a pipeline stage or
// a query/update handler); the CommitLog is what lets multiple views
// cooperate safely.
type View struct {
	Name  string
	store *Store // non-owning back-reference; Store outlives every View

	mu      sync.Mutex
	indices map[string]*Index
	pending *ChangeSet
	cursor  *commitNode // last commit-log node this view has incorporated
}

func newView(s *Store, name string, specs []IndexSpec) *View {
	v := &View{Name: name, store: s, pending: NewChangeSet(), indices: make(map[string]*Index, len(specs))}
	for _, spec := range specs {
		v.indices[spec.Name] = NewIndex(spec)
	}
	s.commitLog.subscribe(v)
	return v
}

// index is a small helper so API methods read naturally; panics on an
// unknown index name since that is always a programming error (views
// are built from a fixed spec set at store-construction time).
func (v *View) index(name string) *Index {
	idx, ok := v.indices[name]
	if !ok {
		panic(fmt.Sprintf("store: view %q has no index %q", v.Name, name))
	}
	return idx
}

// applyNew folds a single New record into every index, per the
// acceptance table in spec.md §4.1. Returns the records displaced by
// AcceptedReplace; Index.Insert has already dropped each index's
// reference to them.
func (v *View) applyNew(r *Record) []*Record {
	var displaced []*Record
	for _, idx := range v.indices {
		outcome, old := idx.Insert(r)
		if outcome == AcceptedReplace && old != nil {
			displaced = append(displaced, old)
		}
	}
	return displaced
}

// removeRecord physically drops r from every index that currently holds
// it (used for View.remove propagation and purge).
func (v *View) removeRecord(r *Record) {
	for _, idx := range v.indices {
		idx.Remove(r)
	}
}

// Place returns the current record for name in this view's snapshot, or
// stages a fresh revision-1 record if none exists yet.
func (v *View) Place(name string) *Record {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r := v.index(IdxNameUpcoming).Lookup(name); r != nil {
		return r
	}
	r := NewRecord(name)
	v.applyNew(r)
	v.pending.add(Change{New: r})
	return r
}

// Take performs a read-only lookup through the named index. name==""
// means the zone apex is requested via a name-keyed index's winner, not
// supported here -- callers pass the apex name explicitly, per spec.md's
// "name=null means the zone apex", resolved by Store.ApexName().
func (v *View) Take(index string, name string) (*Record, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.index(index).Lookup(name)
	return r, r != nil
}

// Amend marks r as mutated in place in this view. Legal only before r
// has become visible to another view (i.e. it must still be purely
// local: staged in this view's pending change-set and not yet
// committed). Callers mutate the fields of r directly after calling
// Amend; Amend itself only records provenance for the eventual commit.
func (v *View) Amend(r *Record) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isPendingNew(r) {
		return sigerr.New(sigerr.KindConflict, "View.Amend", fmt.Errorf("record %s rev %d already committed; use Underwrite/Overwrite/Update", r.Name, r.Revision))
	}
	return nil
}

func (v *View) isPendingNew(r *Record) bool {
	for _, c := range v.pending.Changes {
		if c.New == r {
			return true
		}
	}
	return false
}

// cow is the shared body of Underwrite/Overwrite/Update: materialize a
// new revision, fold it into the view's indices, stage the tuple, and
// rebind the caller's reference.
func (v *View) cow(rp **Record, mode cowMode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	old := *rp
	nr := old.clone(mode)
	v.applyNew(nr)
	v.pending.add(Change{Old: old, New: nr})
	*rp = nr
}

// Underwrite materializes a new revision carrying the previous record's
// type-bearing data forward but dropping validity (ValidFrom/ValidUpto).
func (v *View) Underwrite(rp **Record) { v.cow(rp, cowUnderwrite) }

// Overwrite materializes a new revision carrying only identity forward;
// the caller repopulates Types/Denial from scratch.
func (v *View) Overwrite(rp **Record) { v.cow(rp, cowOverwrite) }

// Update materializes a new revision carrying everything forward
// (type-bearing data, denial state, and validity/expiry).
func (v *View) Update(rp **Record) { v.cow(rp, cowUpdate) }

// UpdateWith materializes a new revision exactly as Update does, but
// gives the caller a chance to populate fields on the new revision
// before it is folded into the view's indices. Plain Update/Overwrite/
// Underwrite fold into indices immediately, so an index whose Accept
// predicate reads a field the caller only sets afterward (e.g.
// "validchanges" reading Expiry, which the signing engine only knows
// once it has actually signed the record) would silently miss the
// record. Used by the pipeline driver's prepare and sign stages.
func (v *View) UpdateWith(rp **Record, mutate func(*Record)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	old := *rp
	nr := old.clone(cowUpdate)
	mutate(nr)
	v.applyNew(nr)
	v.pending.add(Change{Old: old, New: nr})
	*rp = nr
}

// Remove stages a physical deletion of r.
func (v *View) Remove(r *Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeRecord(r)
	v.pending.add(Change{Old: r})
}

// Commit folds the local change-set into the shared commit log,
// detecting conflicts per spec.md §4.1. On success the view's pending
// change-set is reset to empty and its cursor advances to the new head.
// On Conflict the view's local changes have already been rolled back
// and the incoming commits folded in, so the view's cursor is at the
// head; the caller redoes its operations (a Reset() first, as the
// pipeline's retry does, finds nothing further to fold in).
func (v *View) Commit() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.commitLocked()
}

func (v *View) commitLocked() error {
	cl := v.store.commitLog
	cl.mu.Lock()

	incoming := cl.nodesAfter(v.cursor)
	localTouched := v.pending.touched()
	conflict := false
	for _, node := range incoming {
		for _, c := range node.changes.Changes {
			if _, hit := localTouched[touchKey(c.Old)]; hit && c.Old != nil {
				conflict = true
			}
			if _, hit := localTouched[touchKey(c.New)]; hit && c.New != nil {
				conflict = true
			}
		}
	}

	// On conflict, undo this view's local speculative changes before
	// folding the winning commits in: a conflicting local New shares its
	// (name, revision) with the incoming New it lost to, so the index's
	// higher-revision-wins tie-break can't tell them apart unless the
	// loser is gone first. Even the conflicting commits' effects must be
	// visible afterward, since spec.md's rollback is defined relative to
	// "restore to the state implied by having caught up".
	if conflict {
		v.rollbackLocked()
	}

	for _, node := range incoming {
		for _, c := range node.changes.Changes {
			if c.New != nil {
				v.applyNew(c.New)
			} else if c.Old != nil {
				v.removeRecord(c.Old)
			}
		}
		v.cursor = node
	}

	if conflict {
		cl.gcLocked()
		cl.mu.Unlock()
		CommitsTotal.WithLabelValues(v.Name, "conflict").Inc()
		return sigerr.Conflict("View.Commit")
	}

	if !v.pending.empty() {
		node := cl.append(v.pending)
		v.cursor = node
		if v.store.persistHook != nil {
			v.store.persistHook(v.pending)
		}
	}
	v.pending = NewChangeSet()
	cl.gcLocked()
	cl.mu.Unlock()
	CommitsTotal.WithLabelValues(v.Name, "ok").Inc()
	return nil
}

// rollbackLocked undoes the view's local pending change-set: every
// New staged locally is removed, every Old staged locally is
// re-inserted. This can never fail since it only touches this view's
// own indices using records it already holds references to.
func (v *View) rollbackLocked() {
	for i := len(v.pending.Changes) - 1; i >= 0; i-- {
		c := v.pending.Changes[i]
		if c.New != nil {
			v.removeRecord(c.New)
		}
		if c.Old != nil {
			v.applyNew(c.Old)
		}
	}
	v.pending = NewChangeSet()
}

// Reset discards local pending changes and catches the view up to the
// latest committed state.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rollbackLocked()

	cl := v.store.commitLog
	cl.mu.Lock()
	nodes := cl.nodesAfter(v.cursor)
	for _, node := range nodes {
		for _, c := range node.changes.Changes {
			if c.New != nil {
				v.applyNew(c.New)
			} else if c.Old != nil {
				v.removeRecord(c.Old)
			}
		}
		v.cursor = node
	}
	cl.gcLocked()
	cl.mu.Unlock()
}

// Close unsubscribes the view from the commit log so its cursor no
// longer pins old nodes in memory. Ad-hoc query/update handler views
// should Close when done; the four pipeline-stage views live for the
// lifetime of the zone.
func (v *View) Close() { v.store.commitLog.unsubscribe(v) }
