package store

import "strings"

// Canonical index names, as listed in spec.md §3 and §4.1.
const (
	IdxNameRevision  = "namerevision"
	IdxNameUpcoming  = "nameupcoming"
	IdxNameHierarchy = "namehierarchy"
	IdxNameReady     = "nameready"
	IdxCurrentSet    = "currentset"
	IdxRelevantSet   = "relevantset"
	IdxValidNow      = "validnow"
	IdxExpiry        = "expiry"
	IdxDenialName    = "denialname"
	IdxValidChanges  = "validchanges"
	IdxValidInserts  = "validinserts"
	IdxValidDeletes  = "validdeletes"
	IdxOutdated      = "outdated"
)

// reverseLabels turns "www.example.com." into "com.example.www" so that
// lexical ordering of the result equals DNS-hierarchy order: the apex
// and its ancestors sort adjacent to all of their descendants. This is
// the Go-native replacement for the teacher's approach of comparing
// names label-by-label from the right (see tdns/dnsutils.go helpers);
// namehierarchyLess calls it for both names on every comparison and
// then compares the results as plain strings.
func reverseLabels(name string) string {
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

func nameLess(a, b string) bool { return a < b }

func namerevisionLess(a, b *Record) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Revision < b.Revision
}

func nameupcomingLess(a, b *Record) bool { return nameLess(a.Name, b.Name) }

func namehierarchyLess(a, b *Record) bool {
	return reverseLabels(a.Name) < reverseLabels(b.Name)
}

func namereadyAccept(r *Record) bool {
	return r.ValidFrom != nil && r.ValidUpto == nil
}

// currentsetAccept is namereadyAccept's twin: the same "current as of
// right now" predicate, mounted under its own name so the prepare
// stage's promotion pass can pair it against relevantset without
// reading the output-facing nameready index's name.
func currentsetAccept(r *Record) bool {
	return r.ValidFrom != nil && r.ValidUpto == nil
}

// relevantsetAccept admits any record not yet retired, whether or not
// it has been promoted to current -- a name with both a currentset
// member and a distinct, higher-revision relevantset member has a
// pending change awaiting promotion this cycle.
func relevantsetAccept(r *Record) bool { return r.ValidUpto == nil }

// validnowAccept is the output view's narrower notion of "current":
// promoted AND already signed. Ordered by name and keyed by name, keeping
// the higher revision, so the index never holds two revisions of the
// same name: a superseded revision that is retired in place by Retire
// (which does not revisit indices) is displaced here by its successor.
func validnowAccept(r *Record) bool {
	return r.ValidFrom != nil && r.ValidUpto == nil && r.Expiry != nil
}

func expiryAccept(r *Record) bool { return r.Expiry != nil }

func expiryLess(a, b *Record) bool {
	if *a.Expiry != *b.Expiry {
		return *a.Expiry < *b.Expiry
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Revision < b.Revision
}

func denialnameAccept(r *Record) bool { return r.DenialName != "" }
func denialnameLess(a, b *Record) bool {
	if a.DenialName != b.DenialName {
		return a.DenialName < b.DenialName
	}
	return a.Revision < b.Revision
}

func validchangesAccept(r *Record) bool { return r.ValidFrom != nil && r.Expiry != nil }
func validchangesLess(a, b *Record) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return *a.ValidFrom < *b.ValidFrom
}

func validinsertsLess(a, b *Record) bool {
	if *a.ValidFrom != *b.ValidFrom {
		return *a.ValidFrom < *b.ValidFrom
	}
	return a.Name < b.Name
}

func validdeletesAccept(r *Record) bool { return r.ValidUpto != nil && r.Expiry != nil }
func validdeletesLess(a, b *Record) bool {
	if *a.ValidUpto != *b.ValidUpto {
		return *a.ValidUpto < *b.ValidUpto
	}
	return a.Name < b.Name
}

func outdatedAccept(r *Record) bool { return r.ValidUpto != nil && r.ValidFrom != nil }
func outdatedLess(a, b *Record) bool {
	if *a.ValidUpto != *b.ValidUpto {
		return *a.ValidUpto < *b.ValidUpto
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Revision > b.Revision // reverse revision, per spec table
}

// DefaultIndexSpecs returns the standard set of named orderings every
// view in the record store is built from. A view may choose to mount
// only a subset (e.g. the "output" view has no need for "validinserts"
// before an IXFR is actually requested, but mounting it is cheap and
// keeps every view's shape uniform, which is what the pipeline driver
// assumes when it walks views generically).
func DefaultIndexSpecs() []IndexSpec {
	return []IndexSpec{
		{
			Name: IdxNameRevision,
			Accept: func(r *Record) bool { return true },
			Less:   namerevisionLess,
		},
		{
			Name:   IdxNameUpcoming,
			Accept: func(r *Record) bool { return true },
			Less:   nameupcomingLess,
			Key:    func(r *Record) string { return r.Name },
			Winner: HigherRevisionWins,
		},
		{
			Name:   IdxNameHierarchy,
			Accept: func(r *Record) bool { return true },
			Less:   namehierarchyLess,
			Key:    func(r *Record) string { return r.Name },
			Winner: HigherRevisionWins,
		},
		{
			Name:   IdxNameReady,
			Accept: namereadyAccept,
			Less:   nameupcomingLess,
			Key:    func(r *Record) string { return r.Name },
			Winner: HigherRevisionWins,
		},
		{
			Name:   IdxCurrentSet,
			Accept: currentsetAccept,
			Less:   nameupcomingLess,
			Key:    func(r *Record) string { return r.Name },
			Winner: HigherRevisionWins,
		},
		{
			Name:   IdxRelevantSet,
			Accept: relevantsetAccept,
			Less:   nameupcomingLess,
			Key:    func(r *Record) string { return r.Name },
			Winner: HigherRevisionWins,
		},
		{
			Name:   IdxValidNow,
			Accept: validnowAccept,
			Less:   nameupcomingLess,
			Key:    func(r *Record) string { return r.Name },
			Winner: HigherRevisionWins,
		},
		{
			Name:   IdxExpiry,
			Accept: expiryAccept,
			Less:   expiryLess,
		},
		{
			Name:   IdxDenialName,
			Accept: denialnameAccept,
			Less:   denialnameLess,
		},
		{
			Name:   IdxValidChanges,
			Accept: validchangesAccept,
			Less:   validchangesLess,
		},
		{
			Name:   IdxValidInserts,
			Accept: validchangesAccept,
			Less:   validinsertsLess,
		},
		{
			Name:   IdxValidDeletes,
			Accept: validdeletesAccept,
			Less:   validdeletesLess,
			Key:    func(r *Record) string { return r.Name },
			Winner: HigherRevisionWins,
		},
		{
			Name:   IdxOutdated,
			Accept: outdatedAccept,
			Less:   outdatedLess,
		},
	}
}

