// Package pipeline drives the four-view signing cycle (spec.md §4.4,
// C8): input records are advanced through prepare (serial assignment,
// empty-non-terminal fill-in), sign (RRSIG and denial production), and
// into output, where external writers read them.
//
// Grounded on the teacher's refreshengine.go driving a periodic
// "resign zones that need it" ticker loop, generalized from a single
// mutable zone struct into explicit view-to-view commits through the
// record store.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/sigzone/sigzone/internal/denial"
	"github.com/sigzone/sigzone/internal/sign"
	"github.com/sigzone/sigzone/internal/sigerr"
	"github.com/sigzone/sigzone/internal/store"
)

// SerialPolicy selects how the prepare stage computes a zone's next SOA
// serial (spec.md §4.4).
type SerialPolicy uint8

const (
	SerialCounter SerialPolicy = iota
	SerialDateCounter
	SerialUnixTime
	SerialKeep
)

func ParseSerialPolicy(s string) (SerialPolicy, error) {
	switch strings.ToLower(s) {
	case "counter":
		return SerialCounter, nil
	case "datecounter":
		return SerialDateCounter, nil
	case "unixtime":
		return SerialUnixTime, nil
	case "keep":
		return SerialKeep, nil
	default:
		return 0, fmt.Errorf("pipeline: unknown serial policy %q", s)
	}
}

// NextSerial computes the new serial per policy, falling back to a
// plain increment whenever the policy's natural value would not move
// the serial forward (RFC 1982 serial arithmetic requires it to).
// SerialKeep is the exception: it returns old unchanged.
func NextSerial(policy SerialPolicy, old uint32, now time.Time) uint32 {
	switch policy {
	case SerialDateCounter:
		base := uint32(now.Year())*1000000 + uint32(now.Month())*10000 + uint32(now.Day())*100
		if base > old {
			return base
		}
		return old + 1
	case SerialUnixTime:
		t := uint32(now.Unix())
		if t > old {
			return t
		}
		return old + 1
	case SerialKeep:
		return old
	default: // SerialCounter
		return old + 1
	}
}

// SOADefaults seeds a zone's SOA fields the first time the prepare
// stage materializes one; subsequent cycles carry everything but the
// serial forward from the previous revision.
type SOADefaults struct {
	Ns      string
	Mbox    string
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minttl  uint32
	Ttl     uint32
}

// Config bundles everything a zone's pipeline cycle needs beyond the
// record store itself.
type Config struct {
	Apex         string
	SerialPolicy SerialPolicy
	SOA          SOADefaults

	RefreshThreshold time.Duration // records due for resign inside this window
	RetentionHorizon time.Duration // purge threshold for the outdated index

	Module     sign.Module
	SignConfig *sign.Config
	Denial     denial.Config
}

// Stats reports what one RunCycle did, for logging/metrics.
type Stats struct {
	Serial        uint32
	EntsCreated   int
	DenialTouched int
	Sign          sign.Result
	Purged        int
}

// Driver runs the prepare/sign/output advance sequence for one zone's
// Store, plus the periodic purge+journal rewrite.
type Driver struct {
	store *store.Store
	cfg   Config

	cyclesSincePurge int
	purgeEvery       int // run the purge every Nth cycle; 0 means every cycle
}

// New constructs a pipeline driver for s. purgeEvery bounds how often
// RunCycle also performs the purge step (spec.md §4.4 step 4 is
// explicitly "periodic", not every cycle); 0 or 1 means every cycle.
func New(s *store.Store, cfg Config, purgeEvery int) *Driver {
	return &Driver{store: s, cfg: cfg, purgeEvery: purgeEvery}
}

// RunCycle advances prepare, sign, and output once, and runs the purge
// step if this cycle is due for one.
func (d *Driver) RunCycle(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	start := time.Now()
	zone := dns.Fqdn(d.cfg.Apex)

	if err := d.advancePrepare(now, &stats); err != nil {
		return stats, fmt.Errorf("pipeline: advance prepare: %w", err)
	}
	if err := d.advanceSign(ctx, now, &stats); err != nil {
		return stats, fmt.Errorf("pipeline: advance sign: %w", err)
	}
	if err := d.advanceOutput(&stats); err != nil {
		return stats, fmt.Errorf("pipeline: advance output: %w", err)
	}

	denialRebuilds.WithLabelValues(zone).Inc()
	rrsigsProduced.WithLabelValues(zone).Add(float64(stats.Sign.Produced))
	rrsigsRecycled.WithLabelValues(zone).Add(float64(stats.Sign.Recycled))
	cycleDuration.WithLabelValues(zone).Observe(time.Since(start).Seconds())

	d.cyclesSincePurge++
	if d.purgeEvery <= 1 || d.cyclesSincePurge >= d.purgeEvery {
		d.cyclesSincePurge = 0
		n, err := d.purge(now)
		if err != nil {
			return stats, fmt.Errorf("pipeline: purge: %w", err)
		}
		stats.Purged = n
	}
	return stats, nil
}

// advancePrepare assigns the next serial, fills in empty non-terminals,
// promotes every record with a pending change to current as of the new
// serial, and commits the prepare view so the sign stage can catch up
// to it.
func (d *Driver) advancePrepare(now time.Time, stats *Stats) error {
	v := d.store.View(store.ViewPrepare)
	return withConflictRetry(func() error {
		v.Reset()
		stats.EntsCreated = fillEmptyNonTerminals(v, d.cfg.Apex)
		oldSerial, newSerial, err := d.rewriteSOA(v, now)
		if err != nil {
			return err
		}
		stats.Serial = newSerial
		d.promoteRecords(v, oldSerial, newSerial)
		return v.Commit()
	})
}

// promoteRecords advances every non-apex name's validity into this
// cycle: a name whose relevantset member (its most recent not-yet-
// retired revision) is not also its currentset member has a pending
// change -- the old currentset revision, if any, is retired as of the
// serial it was already current through, and the relevantset revision
// is promoted current as of the new serial. Mirrors the teacher's
// prepare() in zonesign.c, generalized from the apex-only SOA rewrite
// above to every record the cycle touches (fresh inserts, edits, and
// freshly created empty non-terminals alike).
func (d *Driver) promoteRecords(v *store.View, oldSerial, newSerial uint32) {
	apex := dns.Fqdn(d.cfg.Apex)
	for _, dst := range v.RelevantSet().Collect() {
		if dst.Name == apex {
			continue // rewriteSOA already promoted the apex's own revision
		}
		src, haveSrc := v.Take(store.IdxCurrentSet, dst.Name)
		if haveSrc && src == dst {
			continue // already current, nothing changed this cycle
		}
		if haveSrc {
			src.Retire(oldSerial)
		}
		r := dst
		v.UpdateWith(&r, func(nr *store.Record) {
			nr.ValidFrom = &newSerial
		})
	}
}

// fillEmptyNonTerminals creates a bare record for every ancestor name
// implied by an existing name that doesn't already have one of its own
// (spec.md §4.4 step 1). Returns the count created.
func fillEmptyNonTerminals(v *store.View, apex string) int {
	apex = dns.Fqdn(apex)
	existing := make(map[string]bool)
	var names []string
	for _, r := range v.AllNames().Collect() {
		existing[r.Name] = true
		names = append(names, r.Name)
	}

	created := 0
	for _, name := range names {
		if !dns.IsSubDomain(apex, name) {
			continue // outside this zone, e.g. a glue name under a delegation
		}
		labels := dns.SplitDomainName(name)
		for i := 1; i < len(labels); i++ {
			anc := dns.Fqdn(strings.Join(labels[i:], "."))
			if !dns.IsSubDomain(apex, anc) {
				break // stop at the zone cut, never create ENTs above the apex
			}
			if existing[anc] {
				continue
			}
			existing[anc] = true
			v.Place(anc)
			created++
		}
	}
	return created
}

// rewriteSOA computes the new serial by policy, retires the previous
// current SOA revision, and materializes the new one. Returns both the
// previous serial (the promotion pass retires other superseded records
// at this value) and the new one.
func (d *Driver) rewriteSOA(v *store.View, now time.Time) (oldSerial, newSerial uint32, err error) {
	apex := dns.Fqdn(d.cfg.Apex)
	ready, haveReady := v.Take(store.IdxNameReady, apex)
	existing, haveExisting := v.Take(store.IdxNameUpcoming, apex)

	var prev *dns.SOA
	if haveReady {
		if rs, ok := ready.Types[dns.TypeSOA]; ok && len(rs.RRs) > 0 {
			if soa, ok := rs.RRs[0].(*dns.SOA); ok {
				prev = soa
				oldSerial = soa.Serial
			}
		}
	}

	base := prev
	if base == nil {
		base = &dns.SOA{
			Hdr:     dns.RR_Header{Name: apex, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: d.cfg.SOA.Ttl},
			Ns:      dns.Fqdn(d.cfg.SOA.Ns),
			Mbox:    dns.Fqdn(d.cfg.SOA.Mbox),
			Refresh: d.cfg.SOA.Refresh,
			Retry:   d.cfg.SOA.Retry,
			Expire:  d.cfg.SOA.Expire,
			Minttl:  d.cfg.SOA.Minttl,
		}
	}
	newSerial = NextSerial(d.cfg.SerialPolicy, oldSerial, now)
	nsoa := *base
	nsoa.Hdr.Name = apex
	nsoa.Serial = newSerial

	// Three cases, not two: the apex may (a) already be the current,
	// ready revision (the common steady-state case -- retire it and
	// stage its successor), (b) already exist but not yet be ready, e.g.
	// the very first cycle after another view committed a bare apex
	// record with no SOA/ValidFrom yet, or (c) not exist at all. (a) and
	// (b) both require UpdateWith to clone-and-stage a new revision --
	// View.Place on an already-committed name returns the existing,
	// already-shared Record pointer without staging anything, so writing
	// its fields directly (legal only for a record still purely local to
	// this view, per View.Amend's contract) would mutate a record other
	// views may already hold a reference to. Only (c) is safe to mutate
	// directly, since Place just staged it fresh. The new SOA RRset has
	// no RRSIGs, so (a) and (b) clear the carried-forward Expiry to make
	// the sign stage treat the apex as due this cycle.
	switch {
	case haveReady:
		nr := ready
		v.UpdateWith(&nr, func(r *store.Record) {
			r.Types[dns.TypeSOA] = &store.RRset{Type: dns.TypeSOA, RRs: []dns.RR{&nsoa}}
			r.ValidFrom = &newSerial
			r.Expiry = nil
		})
		ready.Retire(oldSerial)
	case haveExisting:
		nr := existing
		v.UpdateWith(&nr, func(r *store.Record) {
			r.Types[dns.TypeSOA] = &store.RRset{Type: dns.TypeSOA, RRs: []dns.RR{&nsoa}}
			r.ValidFrom = &newSerial
			r.Expiry = nil
		})
	default:
		nr := v.Place(apex)
		nr.Types[dns.TypeSOA] = &store.RRset{Type: dns.TypeSOA, RRs: []dns.RR{&nsoa}}
		nr.ValidFrom = &newSerial
	}
	return oldSerial, newSerial, nil
}

// advanceSign pairs/produces signatures and refreshes the denial chain
// for every record due for it this cycle (spec.md §4.4 step 2).
func (d *Driver) advanceSign(ctx context.Context, now time.Time, stats *Stats) error {
	v := d.store.View(store.ViewSign)
	return withConflictRetry(func() error {
		v.Reset()

		touchedByDenial := denial.RebuildChain(v, d.cfg.Apex, d.cfg.Denial)
		stats.DenialTouched = len(touchedByDenial)

		due := make(map[string]*store.Record)
		for _, r := range touchedByDenial {
			due[r.Name] = r
		}
		cutoff := uint32(now.Add(d.cfg.RefreshThreshold).Unix())
		for _, r := range v.AllNames().Collect() {
			if r.Expiry == nil || *r.Expiry < cutoff {
				due[r.Name] = r
			}
		}

		var total sign.Result
		for _, rec := range due {
			res, err := d.signRecord(ctx, v, rec, now)
			if err != nil {
				return err
			}
			total.Recycled += res.Recycled
			total.Produced += res.Produced
			total.Dropped += res.Dropped
		}
		stats.Sign = total

		return v.Commit()
	})
}

// signRecord signs every RRset rec carries (plus its denial RR, if any)
// and folds the resulting minimum expiry back onto the record.
func (d *Driver) signRecord(ctx context.Context, v *store.View, rec *store.Record, now time.Time) (sign.Result, error) {
	var total sign.Result
	haveMin := false
	var minExpiry uint32

	types := rec.SortedTypes()
	newTypes := make(map[uint16]*store.RRset, len(types))
	for _, t := range types {
		rrset := rec.Types[t]
		clone := &store.RRset{Type: rrset.Type, RRs: append([]dns.RR{}, rrset.RRs...), RRSIGs: append([]store.Signature{}, rrset.RRSIGs...)}
		res, exp, err := sign.SignRecord(ctx, d.cfg.Module, rec, clone, rec.Name, d.cfg.SignConfig, now, false)
		if err != nil {
			return total, sigerr.CryptoFailure("signRecord", err)
		}
		newTypes[t] = clone
		total.Recycled += res.Recycled
		total.Produced += res.Produced
		total.Dropped += res.Dropped
		if !haveMin || exp < minExpiry {
			minExpiry, haveMin = exp, true
		}
	}

	var newDenial *store.DenialRR
	if rec.Denial != nil && rec.Denial.RR != nil {
		denialSet := &store.RRset{
			Type:   rec.Denial.RR.Header().Rrtype,
			RRs:    []dns.RR{rec.Denial.RR},
			RRSIGs: append([]store.Signature{}, rec.Denial.RRSIGs...),
		}
		res, exp, err := sign.SignRecord(ctx, d.cfg.Module, rec, denialSet, rec.Name, d.cfg.SignConfig, now, false)
		if err != nil {
			return total, sigerr.CryptoFailure("signRecord", err)
		}
		total.Recycled += res.Recycled
		total.Produced += res.Produced
		total.Dropped += res.Dropped
		newDenial = &store.DenialRR{RR: rec.Denial.RR, RRSIGs: denialSet.RRSIGs}
		if !haveMin || exp < minExpiry {
			minExpiry, haveMin = exp, true
		}
	}

	if !haveMin {
		return total, nil
	}

	r := rec
	v.UpdateWith(&r, func(nr *store.Record) {
		for t, rs := range newTypes {
			nr.Types[t] = rs
		}
		if newDenial != nil {
			nr.Denial = newDenial
		}
		nr.Expiry = &minExpiry
	})
	return total, nil
}

// advanceOutput catches the output view up to the sign stage's commits.
// There is nothing further to commit here -- output has no writes of
// its own -- but Reset() folds in the new signatures/SOA so readers
// (zonefile writer, AXFR responder) see them immediately afterward.
func (d *Driver) advanceOutput(stats *Stats) error {
	v := d.store.View(store.ViewOutput)
	v.Reset()
	return nil
}

// purge removes every record in the outdated index older than the
// retention horizon and commits the base view (spec.md §4.4 step 4).
// It does not write a journal itself: journal replacement is the
// caller's responsibility via the PersistFunc hook installed on the
// store; purge only performs the in-memory removal and commit.
func (d *Driver) purge(now time.Time) (int, error) {
	base := d.store.View(store.ViewBase)
	var n int
	err := withConflictRetry(func() error {
		base.Reset()
		cutoff := uint32(now.Add(-d.cfg.RetentionHorizon).Unix())
		stale := base.Outdated(cutoff).Collect()
		n = len(stale)
		if n == 0 {
			return nil
		}
		for _, r := range stale {
			base.Remove(r)
		}
		return base.Commit()
	})
	return n, err
}

// withConflictRetry runs attempt, which is expected to Reset() its view,
// redo its work against the now-current snapshot, and Commit(); on a
// Conflict it runs attempt again, until attempt returns nil or an error
// other than a Conflict (the view has already caught up to head
// and rolled back by the time Commit returns, per spec.md §4.1's "local
// change-set has already been rolled back"), matching spec.md §4.4's
// "Conflict is always resolved locally by reset-and-retry and never
// reaches the caller".
func withConflictRetry(attempt func() error) error {
	for {
		err := attempt()
		if err == nil || !sigerr.Is(err, sigerr.KindConflict) {
			return err
		}
	}
}
