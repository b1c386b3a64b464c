// Package store: Store is the top-level, per-zone owner of the shared
// record set and all of its views (spec.md §3 C5). It is the only
// long-lived, cross-goroutine-shared object in the package; every View
// it hands out carries only a non-owning back-reference to it, breaking
// the zone/commit-log/view reference cycle the teacher's C-shaped
// object graph has (spec.md §9).
package store

import (
	"fmt"
)

// Standard view names the pipeline driver expects to find on every
// zone's Store (spec.md §4.4).
const (
	ViewBase    = "base"
	ViewInput   = "input"
	ViewPrepare = "prepare"
	ViewSign    = "sign"
	ViewOutput  = "output"
)

// PersistFunc is invoked with every change-set appended to the commit
// log by any view's successful Commit, so the journal writer can append
// incrementally instead of re-serializing the whole zone on every commit.
type PersistFunc func(cs *ChangeSet)

// Store owns one zone's canonical record set (reachable through its
// "base" view) plus the pipeline's working views. Safe for concurrent
// use: the CommitLog it wraps holds the only mutex that's ever shared
// between views.
type Store struct {
	ZoneName  string
	commitLog *CommitLog
	views     map[string]*View

	persistHook PersistFunc
}

// NewStore creates a zone's store with the standard five pipeline views,
// each mounted with the full set of named indices from DefaultIndexSpecs.
// Restoring from an on-disk journal, if one exists, is the caller's
// responsibility (see journal.go's LoadJournal, which replays tuples
// into the returned store's base view and commits them).
func NewStore(zoneName string) *Store {
	s := &Store{ZoneName: zoneName, commitLog: NewCommitLog(), views: make(map[string]*View)}
	specs := DefaultIndexSpecs()
	for _, name := range []string{ViewBase, ViewInput, ViewPrepare, ViewSign, ViewOutput} {
		s.views[name] = newView(s, name, specs)
	}
	return s
}

// SetPersistHook installs the journal-append callback invoked after
// every view's successful, non-empty commit to the shared commit log --
// not just the base view's, since input/prepare/sign/output all commit
// through the same log.
func (s *Store) SetPersistHook(f PersistFunc) { s.persistHook = f }

// View returns one of the store's named views.
func (s *Store) View(name string) *View {
	v, ok := s.views[name]
	if !ok {
		panic(fmt.Sprintf("store: unknown view %q", name))
	}
	return v
}

// NewAdHocView creates an additional view snapshotting the store's
// current commit-log position, for a query or control-API handler that
// needs read-your-writes isolation without participating in the
// pipeline. Callers must Close() it when done.
func (s *Store) NewAdHocView(name string) *View {
	v := newView(s, name, DefaultIndexSpecs())
	v.Reset() // catch up to head immediately
	return v
}

// ApexName reports the zone apex, i.e. the shortest name present in the
// base view's namehierarchy index. Returns "" if the zone is empty.
func (s *Store) ApexName() string {
	v := s.views[ViewBase]
	v.mu.Lock()
	defer v.mu.Unlock()
	all := v.index(IdxNameHierarchy).All()
	if len(all) == 0 {
		return ""
	}
	apex := all[0].Name
	for _, r := range all {
		if len(r.Name) < len(apex) {
			apex = r.Name
		}
	}
	return apex
}
