package store

// Change is one atomic (old?, new?) tuple from spec.md §3/§4.1:
//   - (nil, New)     -- insertion
//   - (Old, nil)     -- physical removal (View.remove)
//   - (Old, New)     -- copy-on-write update, New.Revision = Old.Revision+1
type Change struct {
	Old *Record
	New *Record
}

// touchKey identifies a record for conflict-detection purposes: two
// changes "mention the same record" when their Old or New share a
// (name, revision) pair.
func touchKey(r *Record) string {
	if r == nil {
		return ""
	}
	return r.Name + "\x00" + itoa(r.Revision)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ChangeSet is the atomic unit of cross-view propagation: a view's
// locally staged modifications, or one link in the commit log once
// appended.
type ChangeSet struct {
	Changes []Change
}

func NewChangeSet() *ChangeSet { return &ChangeSet{} }

func (cs *ChangeSet) add(c Change) { cs.Changes = append(cs.Changes, c) }

// touched returns the set of (name,revision) keys mentioned by the
// change-set, for conflict detection against another change-set.
func (cs *ChangeSet) touched() map[string]struct{} {
	out := make(map[string]struct{}, len(cs.Changes)*2)
	for _, c := range cs.Changes {
		if k := touchKey(c.Old); k != "" {
			out[k] = struct{}{}
		}
		if k := touchKey(c.New); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

func (cs *ChangeSet) empty() bool { return len(cs.Changes) == 0 }
