package crypto11

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"

	"github.com/sigzone/sigzone/internal/sign"
	"github.com/sigzone/sigzone/internal/sigerr"
	"github.com/sigzone/sigzone/internal/store"
)

func openTestModule(t *testing.T) *SoftModule {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.db")
	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestGenerateKeypairRoundTripsThroughSqlite(t *testing.T) {
	m := openTestModule(t)

	kh, err := m.GenerateKeypair("example.com.", uint8(dns.ECDSAP256SHA256), sign.RoleZSK)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if kh.State != StateCreated {
		t.Errorf("expected a freshly generated key to be in state %q, got %q", StateCreated, kh.State)
	}

	got, err := m.LookupKey(kh.Locator)
	if err != nil {
		t.Fatalf("LookupKey: %v", err)
	}
	if got.Locator != kh.Locator || got.Role != sign.RoleZSK || got.Algorithm != kh.Algorithm {
		t.Errorf("LookupKey returned %+v, want to match generated handle %+v", got, kh)
	}
	if got.Signer == nil {
		t.Errorf("expected LookupKey to reconstruct a usable crypto.Signer")
	}
}

func TestLookupKeyUnknownLocatorIsNotFound(t *testing.T) {
	m := openTestModule(t)
	_, err := m.LookupKey("does-not-exist")
	if !sigerr.Is(err, sigerr.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestEnumerateKeysScopedToZone(t *testing.T) {
	m := openTestModule(t)
	if _, err := m.GenerateKeypair("example.com.", uint8(dns.ECDSAP256SHA256), sign.RoleZSK); err != nil {
		t.Fatalf("GenerateKeypair example.com.: %v", err)
	}
	if _, err := m.GenerateKeypair("other.com.", uint8(dns.ECDSAP256SHA256), sign.RoleZSK); err != nil {
		t.Fatalf("GenerateKeypair other.com.: %v", err)
	}

	keys, err := m.EnumerateKeys("example.com.")
	if err != nil {
		t.Fatalf("EnumerateKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected exactly 1 key scoped to example.com., got %d", len(keys))
	}
	if keys[0].Zone != "example.com." {
		t.Errorf("expected the returned key to belong to example.com., got %q", keys[0].Zone)
	}
}

func TestSetStateTransitionsLifecycle(t *testing.T) {
	m := openTestModule(t)
	kh, err := m.GenerateKeypair("example.com.", uint8(dns.ECDSAP256SHA256), sign.RoleKSK)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if err := m.SetState(kh.Locator, StateActive); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	got, err := m.LookupKey(kh.Locator)
	if err != nil {
		t.Fatalf("LookupKey: %v", err)
	}
	if got.State != StateActive {
		t.Errorf("expected state %q after SetState, got %q", StateActive, got.State)
	}
}

func TestSignProducesVerifiableRRSIG(t *testing.T) {
	m := openTestModule(t)
	kh, err := m.GenerateKeypair("example.com.", uint8(dns.ECDSAP256SHA256), sign.RoleZSK)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	aRR, _ := dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")
	now := time.Now()
	incep := uint32(now.Add(-time.Hour).Unix())
	expir := uint32(now.Add(24 * time.Hour).Unix())

	sig, err := m.Sign(context.Background(), kh.SignKey(), []dns.RR{aRR}, "www.example.com.", 3600, incep, expir)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig.SignerName != dns.Fqdn("example.com.") {
		t.Errorf("expected SignerName %q, got %q", "example.com.", sig.SignerName)
	}
	if err := sig.Verify(kh.DNSKEY, []dns.RR{aRR}); err != nil {
		t.Errorf("expected the produced RRSIG to verify against the generated DNSKEY, got %v", err)
	}
}

func TestSignRespectsContextCancellation(t *testing.T) {
	m := openTestModule(t)
	kh, err := m.GenerateKeypair("example.com.", uint8(dns.ECDSAP256SHA256), sign.RoleZSK)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	aRR, _ := dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Sign(ctx, kh.SignKey(), []dns.RR{aRR}, "www.example.com.", 3600, 0, 1)
	if !sigerr.Is(err, sigerr.KindTimeout) {
		t.Errorf("expected a KindTimeout error for a cancelled context, got %v", err)
	}
}

func TestExportPublicKeysOmitsPrivateMaterial(t *testing.T) {
	m := openTestModule(t)
	kh, err := m.GenerateKeypair("example.com.", uint8(dns.ECDSAP256SHA256), sign.RoleZSK)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	var buf bytes.Buffer
	if err := ExportPublicKeys(&buf, m, "example.com."); err != nil {
		t.Fatalf("ExportPublicKeys: %v", err)
	}

	var set PublicKeySet
	if err := yaml.Unmarshal(buf.Bytes(), &set); err != nil {
		t.Fatalf("decoding exported YAML: %v", err)
	}
	if set.Zone != "example.com." {
		t.Errorf("expected zone %q, got %q", "example.com.", set.Zone)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("expected exactly 1 exported key, got %d", len(set.Keys))
	}
	entry := set.Keys[0]
	if entry.Locator != string(kh.Locator) || entry.Role != "ZSK" || entry.State != StateCreated {
		t.Errorf("exported entry %+v does not match generated key %+v", entry, kh)
	}
	if entry.Dnskey == "" || !strings.Contains(entry.Dnskey, "DNSKEY") {
		t.Errorf("expected the exported entry to carry the DNSKEY RR text, got %q", entry.Dnskey)
	}
	if strings.Contains(buf.String(), "PRIVATE") {
		t.Errorf("expected no private key material in the exported YAML")
	}
}

func TestGenerateKeypairDistinctLocatorsPerAlgorithm(t *testing.T) {
	m := openTestModule(t)
	zsk, err := m.GenerateKeypair("example.com.", uint8(dns.ECDSAP256SHA256), sign.RoleZSK)
	if err != nil {
		t.Fatalf("GenerateKeypair zsk: %v", err)
	}
	ksk, err := m.GenerateKeypair("example.com.", uint8(dns.ECDSAP256SHA256), sign.RoleKSK)
	if err != nil {
		t.Fatalf("GenerateKeypair ksk: %v", err)
	}
	if zsk.Locator == ksk.Locator {
		t.Errorf("expected distinct locators for distinct generated keys, both were %q", zsk.Locator)
	}
	if zsk.Flags != store.FlagZSK {
		t.Errorf("expected zsk.Flags = %d, got %d", store.FlagZSK, zsk.Flags)
	}
	if ksk.Flags != store.FlagKSK {
		t.Errorf("expected ksk.Flags = %d, got %d", store.FlagKSK, ksk.Flags)
	}
}
