// Package store implements the versioned, multi-view record store that
// is the heart of the signer: immutable-per-revision records, ordered
// indices over them, named views that snapshot a subset of indices, and
// a commit log that serializes cross-view propagation.
//
// Modeled after the owner/RRtype bookkeeping in the teacher's
// tdns.ZoneData / tdns.OwnerData / tdns.RRTypeStore, generalized from a
// single mutable concurrent-map-of-owners into immutable, revisioned
// records addressed by (name, revision) so that input/prepare/sign/output
// pipeline stages can each hold a consistent snapshot while commits
// happen underneath them.
package store

import (
	"sync/atomic"

	"github.com/miekg/dns"
)

// KeyLocator identifies a signing key well enough to pair a recycled
// RRSIG with the key that (possibly still) owns it, independent of the
// crypto module's internal handle shape.
type KeyLocator string

// KeyFlags mirrors the DNSKEY flags field (256 = ZSK, 257 = KSK+SEP).
type KeyFlags uint16

const (
	FlagZSK KeyFlags = 256
	FlagKSK KeyFlags = 257
)

// Signature is one RRSIG together with the identity of the key that
// produced (or could produce) it, so the signing engine can pair
// existing signatures with configured keys without re-deriving key
// identity from the RRSIG's KeyTag alone (KeyTag collisions exist).
type Signature struct {
	RR      *dns.RRSIG
	Locator KeyLocator
	Flags   KeyFlags
}

// RRset is an ordered list of RRs of one type at one owner, plus the
// signatures currently covering them. Mirrors tdns.RRset, generalized to
// carry typed Signature rather than a bare []dns.RR for RRSIGs.
type RRset struct {
	Type   uint16
	RRs    []dns.RR
	RRSIGs []Signature
}

func NewRRset(t uint16) *RRset {
	return &RRset{Type: t}
}

// DenialRR holds the synthesized NSEC or NSEC3 record for a name plus
// its signatures. Denial name is cached on the owning Record, not here,
// since it must be computable before the RR itself exists (it's the
// index key for chain ordering).
type DenialRR struct {
	RR     dns.RR // *dns.NSEC or *dns.NSEC3
	RRSIGs []Signature
}

// Record is the immutable-per-revision unit of the store: everything
// known about one owner name as of one revision. A change is never
// applied in place (except via Amend, before the record is visible
// outside its originating view) -- it is always materialized as a new
// Record at Revision+1 linked into a change-set.
type Record struct {
	Name     string // canonical, fully-qualified, lower-case
	Revision uint64 // >=1; 0 reserved for ephemeral query keys

	Types map[uint16]*RRset

	Denial     *DenialRR
	DenialName string // "" if unset

	ValidFrom *uint32 // inclusive serial this revision becomes current
	ValidUpto *uint32 // inclusive serial this revision was superseded
	Expiry    *uint32 // earliest RRSIG expiration across this record's sigs

	// Occluded/delegation/glue classification, read by the signing and
	// denial engines. No stage of the pipeline computes these flags: they
	// are false unless a caller sets them, and clone carries them forward.
	IsDelegation bool // this name holds an NS RRset and is not the apex
	IsGlue       bool // this name is at/below a delegation and isn't NS/DS
	IsOccluded   bool // this name is fully beneath a delegation, no NS/DS

	// disposed is a two-phase deletion marker (markDisposed/Disposed);
	// nothing in this package calls markDisposed, so it stays 0.
	// refcount counts the index slots holding this record (Index.Insert,
	// Remove and Clone adjust it); the Go GC frees the record once nothing
	// references it.
	disposed int32
	refcount int32
}

// NewRecord constructs an empty revision-1 record for name, as done by
// View.Place for a name with no prior record.
func NewRecord(name string) *Record {
	return &Record{
		Name:     name,
		Revision: 1,
		Types:    make(map[uint16]*RRset),
	}
}

// clone produces a new Record at Revision+1 carrying over fields
// selected by mode. Used by View.Underwrite/Overwrite/Update.
type cowMode uint8

const (
	cowUnderwrite cowMode = iota // drop validity
	cowOverwrite                 // drop all type-bearing data except identity
	cowUpdate                    // carry everything forward
)

func (r *Record) clone(mode cowMode) *Record {
	nr := &Record{
		Name:     r.Name,
		Revision: r.Revision + 1,
		Types:    make(map[uint16]*RRset),
	}
	switch mode {
	case cowOverwrite:
		// identity only; caller repopulates Types/Denial from scratch.
	case cowUnderwrite:
		for t, rrset := range r.Types {
			nr.Types[t] = &RRset{Type: rrset.Type, RRs: append([]dns.RR{}, rrset.RRs...), RRSIGs: append([]Signature{}, rrset.RRSIGs...)}
		}
		if r.Denial != nil {
			nr.Denial = &DenialRR{RR: r.Denial.RR, RRSIGs: append([]Signature{}, r.Denial.RRSIGs...)}
		}
		nr.DenialName = r.DenialName
		nr.IsDelegation, nr.IsGlue, nr.IsOccluded = r.IsDelegation, r.IsGlue, r.IsOccluded
		// validity/expiry intentionally dropped
	case cowUpdate:
		for t, rrset := range r.Types {
			nr.Types[t] = &RRset{Type: rrset.Type, RRs: append([]dns.RR{}, rrset.RRs...), RRSIGs: append([]Signature{}, rrset.RRSIGs...)}
		}
		if r.Denial != nil {
			nr.Denial = &DenialRR{RR: r.Denial.RR, RRSIGs: append([]Signature{}, r.Denial.RRSIGs...)}
		}
		nr.DenialName = r.DenialName
		nr.IsDelegation, nr.IsGlue, nr.IsOccluded = r.IsDelegation, r.IsGlue, r.IsOccluded
		if r.ValidFrom != nil {
			v := *r.ValidFrom
			nr.ValidFrom = &v
		}
		if r.ValidUpto != nil {
			v := *r.ValidUpto
			nr.ValidUpto = &v
		}
		if r.Expiry != nil {
			v := *r.Expiry
			nr.Expiry = &v
		}
	}
	return nr
}

// HasType reports whether the record carries an RRset of type t with at
// least one RR (an empty *RRset placeholder doesn't count).
func (r *Record) HasType(t uint16) bool {
	rs, ok := r.Types[t]
	return ok && rs != nil && len(rs.RRs) > 0
}

// SortedTypes returns the record's RR types in ascending numeric order,
// the order NSEC/NSEC3 type bitmaps must be built in (dns.TypeBitmap
// requires sorted input).
func (r *Record) SortedTypes() []uint16 {
	out := make([]uint16, 0, len(r.Types))
	for t, rs := range r.Types {
		if rs != nil && len(rs.RRs) > 0 {
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// IsCurrent reports whether this revision is the one in force at serial.
func (r *Record) IsCurrent(serial uint32) bool {
	if r.ValidFrom == nil || *r.ValidFrom > serial {
		return false
	}
	if r.ValidUpto != nil && *r.ValidUpto < serial {
		return false
	}
	return true
}

// Retire sets ValidUpto on an already-committed record, marking the
// serial after which it is no longer current. This is the one field
// mutation a record undergoes after it becomes visible to other views;
// by convention only the pipeline driver's prepare stage calls it, for
// the record it is in the middle of superseding, so it never races with
// another view's commit (see DESIGN.md).
func (r *Record) Retire(serial uint32) { r.ValidUpto = &serial }

func (r *Record) addRef()  { atomic.AddInt32(&r.refcount, 1) }
func (r *Record) delRef()  { atomic.AddInt32(&r.refcount, -1) }
func (r *Record) refs() int32 { return atomic.LoadInt32(&r.refcount) }

// markDisposed flips the first-phase marker; idempotent, returns true
// the first time it's called (i.e. when this caller is the one that
// actually transitioned the record to disposed).
func (r *Record) markDisposed() bool {
	return atomic.CompareAndSwapInt32(&r.disposed, 0, 1)
}

func (r *Record) Disposed() bool { return atomic.LoadInt32(&r.disposed) == 1 }
