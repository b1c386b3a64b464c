// Package crypto11 implements the PKCS#11-shaped crypto module interface
// spec.md §4.5/§4.6 requires: enumerate keys, look one up by locator,
// sign an RRset canonically with a named key and inception/expiration.
// SoftModule is a software-only backing (sqlite key metadata plus an
// in-process crypto.Signer) that fills that seam; a hardware PKCS#11
// module would implement the same Module interface without the signing
// engine (internal/sign) needing to change.
//
// Grounded on the teacher's KeyDB / keystore.go: zonename, state, keyid,
// algorithm, privatekey, keyrr columns backed by mattn/go-sqlite3,
// generalized from SIG(0)-only key management to DNSSEC KSK/ZSK
// lifecycle (created/published/active/retired, as in tdns/structs.go's
// Dnskey* state constants).
package crypto11

import (
	"context"
	"crypto"
	"crypto/x509"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"

	"github.com/sigzone/sigzone/internal/sign"
	"github.com/sigzone/sigzone/internal/sigerr"
	"github.com/sigzone/sigzone/internal/store"
)

// Key lifecycle states, mirroring tdns.DnskeyState{Created,Published,Active,Retired}.
const (
	StateCreated   = "created"
	StatePublished = "published"
	StateActive    = "active"
	StateRetired   = "retired"
)

// KeyHandle is what EnumerateKeys/LookupKey hand back: enough to build
// a sign.Key plus the DNSKEY RR and signer needed to actually sign.
type KeyHandle struct {
	Zone      string
	Locator   store.KeyLocator
	Flags     store.KeyFlags
	Algorithm uint8
	Role      sign.Role
	State     string
	DNSKEY    *dns.DNSKEY
	Signer    crypto.Signer
}

func (kh KeyHandle) SignKey() sign.Key {
	return sign.Key{Locator: kh.Locator, Flags: kh.Flags, Algorithm: kh.Algorithm, Role: kh.Role}
}

// Module is the crypto-module seam from spec.md §4.6.
type Module interface {
	EnumerateKeys(zone string) ([]KeyHandle, error)
	LookupKey(locator store.KeyLocator) (KeyHandle, error)
	Sign(ctx context.Context, key sign.Key, rrset []dns.RR, owner string, ttl uint32, incep, expir uint32) (*dns.RRSIG, error)
}

// SoftModule keeps key metadata and PKCS#8 DER key material in a sqlite
// database for restart persistence, and decodes a key's crypto.Signer
// from its row on every lookup (there is no in-memory signer cache) --
// a software-only stand-in for a
// hardware PKCS#11 token, matching the teacher's own SIG(0)/DNSSEC key
// store shape.
type SoftModule struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS DnssecKeyStore (
	zonename   TEXT NOT NULL,
	locator    TEXT NOT NULL,
	state      TEXT NOT NULL,
	role       TEXT NOT NULL,
	flags      INTEGER NOT NULL,
	algorithm  INTEGER NOT NULL,
	privatekey BLOB NOT NULL,
	keyrr      TEXT NOT NULL,
	PRIMARY KEY (zonename, locator)
);`

// Open opens (creating if necessary) the sqlite-backed key store at
// path and makes sure its table exists. It loads no keys; rows are read
// when keys are enumerated or looked up.
func Open(path string) (*SoftModule, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, sigerr.IOError("crypto11.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, sigerr.IOError("crypto11.Open", err)
	}
	return &SoftModule{db: db}, nil
}

func (m *SoftModule) Close() error { return m.db.Close() }

// GenerateKeypair creates a new key of the given algorithm/role for
// zone, stores it (state=created), and returns its handle.
func (m *SoftModule) GenerateKeypair(zone string, alg uint8, role sign.Role) (KeyHandle, error) {
	dnskey := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: dns.Fqdn(zone), Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 3600},
		Algorithm: alg,
		Protocol:  3,
	}
	if role == sign.RoleKSK {
		dnskey.Flags = uint16(store.FlagKSK)
	} else {
		dnskey.Flags = uint16(store.FlagZSK)
	}

	bits := bitsFor(alg)
	priv, err := dnskey.Generate(bits)
	if err != nil {
		return KeyHandle{}, sigerr.CryptoFailure("GenerateKeypair", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return KeyHandle{}, sigerr.CryptoFailure("GenerateKeypair", fmt.Errorf("generated key does not implement crypto.Signer"))
	}

	locator := store.KeyLocator(fmt.Sprintf("%s/%d/%d", zone, alg, dnskey.KeyTag()))
	keyBytes, err := encodePrivate(priv)
	if err != nil {
		return KeyHandle{}, sigerr.CryptoFailure("GenerateKeypair", err)
	}

	_, err = m.db.Exec(`INSERT OR REPLACE INTO DnssecKeyStore (zonename, locator, state, role, flags, algorithm, privatekey, keyrr) VALUES (?,?,?,?,?,?,?,?)`,
		zone, string(locator), StateCreated, roleString(role), dnskey.Flags, alg, keyBytes, dnskey.String())
	if err != nil {
		return KeyHandle{}, sigerr.IOError("GenerateKeypair", err)
	}

	return KeyHandle{
		Zone: zone, Locator: locator, Flags: store.KeyFlags(dnskey.Flags),
		Algorithm: alg, Role: role, State: StateCreated, DNSKEY: dnskey, Signer: signer,
	}, nil
}

// SetState transitions a key between lifecycle states (created ->
// published -> active -> retired), mirroring tdns.KeyDB.PromoteDnssecKey.
func (m *SoftModule) SetState(locator store.KeyLocator, state string) error {
	_, err := m.db.Exec(`UPDATE DnssecKeyStore SET state=? WHERE locator=?`, state, string(locator))
	if err != nil {
		return sigerr.IOError("SetState", err)
	}
	return nil
}

func (m *SoftModule) EnumerateKeys(zone string) ([]KeyHandle, error) {
	rows, err := m.db.Query(`SELECT locator, state, role, flags, algorithm, privatekey, keyrr FROM DnssecKeyStore WHERE zonename=?`, zone)
	if err != nil {
		return nil, sigerr.IOError("EnumerateKeys", err)
	}
	defer rows.Close()

	var out []KeyHandle
	for rows.Next() {
		kh, err := scanKeyHandle(zone, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kh)
	}
	return out, nil
}

func (m *SoftModule) LookupKey(locator store.KeyLocator) (KeyHandle, error) {
	row := m.db.QueryRow(`SELECT zonename, state, role, flags, algorithm, privatekey, keyrr FROM DnssecKeyStore WHERE locator=?`, string(locator))
	var zone, state, role, keyrr string
	var flags uint16
	var alg uint8
	var keyBytes []byte
	if err := row.Scan(&zone, &state, &role, &flags, &alg, &keyBytes, &keyrr); err != nil {
		if err == sql.ErrNoRows {
			return KeyHandle{}, sigerr.NotFound("LookupKey", err)
		}
		return KeyHandle{}, sigerr.IOError("LookupKey", err)
	}
	return buildHandle(zone, locator, state, role, flags, alg, keyBytes, keyrr)
}

func scanKeyHandle(zone string, rows *sql.Rows) (KeyHandle, error) {
	var locator, state, role, keyrr string
	var flags uint16
	var alg uint8
	var keyBytes []byte
	if err := rows.Scan(&locator, &state, &role, &flags, &alg, &keyBytes, &keyrr); err != nil {
		return KeyHandle{}, sigerr.IOError("scanKeyHandle", err)
	}
	return buildHandle(zone, store.KeyLocator(locator), state, role, flags, alg, keyBytes, keyrr)
}

func buildHandle(zone string, locator store.KeyLocator, state, role string, flags uint16, alg uint8, keyBytes []byte, keyrr string) (KeyHandle, error) {
	rr, err := dns.NewRR(keyrr)
	if err != nil {
		return KeyHandle{}, sigerr.Corrupt("buildHandle", err)
	}
	dnskey, ok := rr.(*dns.DNSKEY)
	if !ok {
		return KeyHandle{}, sigerr.Corrupt("buildHandle", fmt.Errorf("stored keyrr is not a DNSKEY"))
	}
	signer, err := decodePrivate(keyBytes, alg)
	if err != nil {
		return KeyHandle{}, sigerr.CryptoFailure("buildHandle", err)
	}
	return KeyHandle{
		Zone: zone, Locator: locator, Flags: store.KeyFlags(flags), Algorithm: alg,
		Role: roleFromString(role), State: state, DNSKEY: dnskey, Signer: signer,
	}, nil
}

// Sign implements sign.Module, delegating canonical RRset encoding and
// the actual PKCS#1-v1.5/ECDSA signature production to miekg/dns's
// RRSIG.Sign, which is exactly the ASN.1-DigestInfo-then-Sign sequence
// spec.md §4.5 describes for RSA.
func (m *SoftModule) Sign(ctx context.Context, key sign.Key, rrset []dns.RR, owner string, ttl uint32, incep, expir uint32) (*dns.RRSIG, error) {
	kh, err := m.LookupKey(key.Locator)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, sigerr.Timeout("SoftModule.Sign", ctx.Err())
	default:
	}

	rrsig := &dns.RRSIG{
		Hdr:        dns.RR_Header{Name: dns.Fqdn(owner), Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: ttl},
		Algorithm:  kh.DNSKEY.Algorithm,
		OrigTtl:    ttl,
		Expiration: expir,
		Inception:  incep,
		KeyTag:     kh.DNSKEY.KeyTag(),
		SignerName: dns.Fqdn(kh.Zone),
	}
	if err := rrsig.Sign(kh.Signer, rrset); err != nil {
		return nil, sigerr.CryptoFailure("SoftModule.Sign", err)
	}
	return rrsig, nil
}

func bitsFor(alg uint8) int {
	switch alg {
	case dns.RSAMD5, dns.RSASHA1, dns.RSASHA1NSEC3SHA1:
		return 1024
	case dns.RSASHA256, dns.RSASHA512:
		return 2048
	case dns.ECDSAP256SHA256:
		return 256
	case dns.ECDSAP384SHA384:
		return 384
	default:
		return 2048
	}
}

func roleString(r sign.Role) string {
	if r == sign.RoleKSK {
		return "KSK"
	}
	return "ZSK"
}

func roleFromString(s string) sign.Role {
	if s == "KSK" {
		return sign.RoleKSK
	}
	return sign.RoleZSK
}

// encodePrivate/decodePrivate give the sqlite BLOB column a stable wire
// shape: PKCS#8 DER, the same shape crypto/x509 uses for every key type
// bitsFor supports (RSA, ECDSA P-256/P-384). GOST and DSA keys are not
// supported in software: SoftModule.GenerateKeypair doesn't create them,
// SoftModule has no import path for them, and x509.ParsePKCS8PrivateKey
// does not decode them, so lookup and Sign fail for such a row.
func encodePrivate(priv crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encodePrivate: %w", err)
	}
	return der, nil
}

func decodePrivate(b []byte, alg uint8) (crypto.Signer, error) {
	priv, err := x509.ParsePKCS8PrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("decodePrivate: %w", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("decodePrivate: key for algorithm %d does not implement crypto.Signer", alg)
	}
	return signer, nil
}
