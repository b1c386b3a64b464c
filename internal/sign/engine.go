// Package sign implements the signing engine (spec.md §4.2, C6): for a
// record and target RR type, it pairs existing signatures with
// configured keys, recycles what's still valid, produces what's
// missing, and drops what no longer applies.
//
// Grounded on the teacher's tdns.SignRRset (tdns/sign.go), generalized
// from "KSK signs DNSKEY, ZSK signs everything else, re-sign if an
// existing RRSIG by the same keytag is stale" into the full pairing /
// classify / dedup pipeline spec.md §4.2 names.
package sign

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/exp/rand"

	"github.com/sigzone/sigzone/internal/sigerr"
	"github.com/sigzone/sigzone/internal/store"
)

// Role distinguishes key-signing keys from zone-signing keys.
type Role uint8

const (
	RoleZSK Role = iota
	RoleKSK
)

// Key is the signing engine's view of one configured key: enough
// identity to pair with existing signatures, plus a locator the crypto
// module resolves to an actual signing operation.
type Key struct {
	Locator   store.KeyLocator
	Flags     store.KeyFlags
	Algorithm uint8
	Role      Role
}

// Module is the seam the signing engine calls through to produce new
// signatures -- the PKCS#11-shaped interface from spec.md §4.5/§4.6.
// internal/crypto11 provides the concrete (software) implementation.
type Module interface {
	Sign(ctx context.Context, key Key, rrset []dns.RR, owner string, ttl uint32, incep, expir uint32) (*dns.RRSIG, error)
}

// LiteralRRSIG is a pre-baked signature for an offline key, supplied
// verbatim by the signing configuration rather than produced by the
// crypto module (spec.md §4.2 step 6).
type LiteralRRSIG struct {
	Locator store.KeyLocator
	Flags   store.KeyFlags
	RR      *dns.RRSIG
}

// Config bundles everything SignRecord needs beyond the record itself:
// the key set, timing parameters, and any literal DNSKEY signatures.
type Config struct {
	Keys []Key

	RefreshInterval   time.Duration
	InceptionOffset   time.Duration
	SigValidityDenial time.Duration
	SigValidityKeyset time.Duration // falls back to SigValidityDefault if zero
	SigValidityDefault time.Duration
	Jitter            time.Duration

	DnskeyLiteralRRSIGs []LiteralRRSIG

	// Rand is injectable for deterministic tests; defaults to a
	// process-global source if nil.
	Rand *rand.Rand
}

func (c *Config) validityFor(rrtype uint16) time.Duration {
	switch rrtype {
	case dns.TypeNSEC, dns.TypeNSEC3:
		return c.SigValidityDenial
	case dns.TypeDNSKEY:
		if c.SigValidityKeyset > 0 {
			return c.SigValidityKeyset
		}
		return c.SigValidityDefault
	default:
		return c.SigValidityDefault
	}
}

func (c *Config) jitter() time.Duration {
	if c.Jitter <= 0 {
		return 0
	}
	r := c.Rand
	if r == nil {
		r = globalRand
	}
	// random_jitter(2*jitter) - jitter, i.e. uniform in [-jitter, +jitter]
	n := r.Int63n(int64(2 * c.Jitter))
	return time.Duration(n) - c.Jitter
}

var globalRand = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))

type tuple struct {
	sig *store.Signature // nil if no existing signature
	key *Key             // nil if no configured key matched
}

// Result reports what SignRecord did, for metrics/logging.
type Result struct {
	Recycled int
	Produced int
	Dropped  int
}

// SignRecord produces/recycles RRSIGs for rrset (one RR type's RRset on
// record), per spec.md §4.2. On success rrset.RRSIGs is replaced with
// the surviving+new signature set. SignRecord does not touch
// record.Expiry: it returns this RRset's minimum RRSIG expiration, and
// the caller, which calls it once per signable type, folds those
// minimums into Expiry itself.
//
// classify reports, for diagnostics, why each dropped tuple was dropped.
func SignRecord(ctx context.Context, mod Module, rec *store.Record, rrset *store.RRset, owner string, cfg *Config, now time.Time, force bool) (Result, uint32, error) {
	var res Result

	if len(rrset.RRs) == 0 {
		return res, 0, fmt.Errorf("SignRecord: %s %s has no RRs", owner, dns.TypeToString[rrset.Type])
	}

	signtime := uint32(now.Unix())

	tuples := make([]tuple, 0, len(rrset.RRSIGs)+len(cfg.Keys))
	for i := range rrset.RRSIGs {
		tuples = append(tuples, tuple{sig: &rrset.RRSIGs[i]})
	}

	for ki := range cfg.Keys {
		key := &cfg.Keys[ki]
		matched := false
		for ti := range tuples {
			if tuples[ti].key != nil {
				continue
			}
			if tuples[ti].sig != nil && tuples[ti].sig.Flags == key.Flags && tuples[ti].sig.Locator == key.Locator {
				tuples[ti].key = key
				matched = true
				break
			}
		}
		if !matched {
			tuples = append(tuples, tuple{key: key})
		}
	}

	refreshBy := signtime + uint32(cfg.RefreshInterval/time.Second)

	kept := make([]tuple, 0, len(tuples))
	for _, t := range tuples {
		if drop, _ := classify(rec, rrset.Type, t, refreshBy, signtime, force); drop {
			res.Dropped++
			// A dropped signature whose key is still configured leaves
			// that key free to produce a replacement.
			if t.sig != nil && t.key != nil {
				fresh := tuple{key: t.key}
				if drop, _ := classify(rec, rrset.Type, fresh, refreshBy, signtime, force); !drop {
					kept = append(kept, fresh)
				}
			}
			continue
		}
		kept = append(kept, t)
	}

	// Algorithm dedup (step 4): for tuples with no signature (need a new
	// one), if another kept tuple already carries a live signature for
	// the same algorithm, drop this one.
	liveAlg := map[uint8]bool{}
	for _, t := range kept {
		if t.sig != nil {
			liveAlg[t.sig.RR.Algorithm] = true
		}
	}
	final := kept[:0]
	for _, t := range kept {
		if t.sig == nil && t.key != nil && liveAlg[t.key.Algorithm] {
			res.Dropped++
			continue
		}
		final = append(final, t)
	}

	var newSigs []store.Signature
	var minExpiry uint32
	haveExpiry := false

	for _, t := range final {
		if t.sig != nil {
			newSigs = append(newSigs, *t.sig)
			res.Recycled++
			exp := t.sig.RR.Expiration
			if !haveExpiry || exp < minExpiry {
				minExpiry, haveExpiry = exp, true
			}
			continue
		}
		if t.key == nil {
			continue
		}
		validity := cfg.validityFor(rrset.Type)
		incep := signtime - uint32(cfg.InceptionOffset/time.Second)
		expir := signtime + uint32(validity/time.Second) + uint32(cfg.jitter()/time.Second)

		ttl := rrset.RRs[0].Header().Ttl
		rrsig, err := mod.Sign(ctx, *t.key, rrset.RRs, owner, ttl, incep, expir)
		if err != nil {
			return res, 0, sigerr.CryptoFailure("SignRecord", err)
		}
		newSigs = append(newSigs, store.Signature{RR: rrsig, Locator: t.key.Locator, Flags: t.key.Flags})
		res.Produced++
		if !haveExpiry || expir < minExpiry {
			minExpiry, haveExpiry = expir, true
		}
	}

	if rrset.Type == dns.TypeDNSKEY {
		for _, lit := range cfg.DnskeyLiteralRRSIGs {
			newSigs = append(newSigs, store.Signature{RR: lit.RR, Locator: lit.Locator, Flags: lit.Flags})
			if !haveExpiry || lit.RR.Expiration < minExpiry {
				minExpiry, haveExpiry = lit.RR.Expiration, true
			}
		}
	}

	rrset.RRSIGs = newSigs
	return res, minExpiry, nil
}

// classify implements spec.md §4.2 step 3's drop rules.
func classify(rec *store.Record, rrtype uint16, t tuple, refreshBy uint32, signtime uint32, force bool) (drop bool, reason string) {
	if (rec.IsDelegation || rec.IsGlue || rec.IsOccluded) && rrtype != dns.TypeDS {
		return true, "delegation/glue/occluded"
	}
	if t.key != nil {
		if t.key.Role == RoleZSK && rrtype == dns.TypeDNSKEY {
			return true, "ZSK ineligible for DNSKEY"
		}
		if t.key.Role == RoleKSK && rrtype != dns.TypeDNSKEY {
			return true, "KSK only signs DNSKEY"
		}
	}
	if t.sig != nil {
		if force {
			if t.key == nil {
				return true, "orphaned signature, no key"
			}
			return false, ""
		}
		if t.sig.RR.Expiration < refreshBy {
			return true, "expiring before refresh threshold"
		}
		if t.sig.RR.Inception > signtime {
			return true, "not yet valid"
		}
		if t.key == nil {
			return true, "orphaned signature, no key"
		}
	}
	return false, ""
}
