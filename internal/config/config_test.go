package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigzone/sigzone/internal/sign"
)

const validConfig = `
service:
  name: sigzone
log:
  file: /var/log/sigzone.log
db:
  file: /var/db/sigzone.db
dnsengine:
  addresses: ["127.0.0.1:53"]
apiserver:
  addresses: ["127.0.0.1:8080"]
  apikey: s3cr3t
policies:
  default:
    algorithm: ECDSAP256SHA256
    refresh_interval: 6h
    sig_validity: 72h
zones:
  example.com:
    name: example.com.
    type: primary
    policy: default
    soa:
      ns: ns1.example.com.
      mbox: hostmaster.example.com.
`

func loadOrFail(t *testing.T, body string) *Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sigzone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLoadValidConfigFillsDefaults(t *testing.T) {
	cfg := loadOrFail(t, validConfig)

	zc, ok := cfg.Zones["example.com"]
	require.True(t, ok, "expected zone example.com to be present")
	assert.Equal(t, "unixtime", zc.SerialPolicy)
	assert.Equal(t, "24h", zc.RefreshThreshold)
	assert.Equal(t, "168h", zc.RetentionHorizon)
	assert.EqualValues(t, 86400, zc.SOA.Refresh)
	assert.EqualValues(t, 3600, zc.SOA.Ttl)
}

func TestLoadRejectsZoneWithUnknownPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sigzone.yaml")
	body := validConfig + "\n" + `
  other.com:
    name: other.com.
    type: primary
    policy: missing
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsSecondaryWithoutPrimary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sigzone.yaml")
	body := `
service:
  name: sigzone
log:
  file: /var/log/sigzone.log
db:
  file: /var/db/sigzone.db
dnsengine:
  addresses: ["127.0.0.1:53"]
apiserver:
  addresses: ["127.0.0.1:8080"]
  apikey: s3cr3t
policies:
  default:
    algorithm: ECDSAP256SHA256
    refresh_interval: 6h
    sig_validity: 72h
zones:
  example.com:
    name: example.com.
    type: secondary
    policy: default
    soa:
      ns: ns1.example.com.
      mbox: hostmaster.example.com.
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "secondary but has no primary")
}

func TestSignConfigAppliesPolicyDefaults(t *testing.T) {
	pc := PolicyConf{
		Algorithm:       "ECDSAP256SHA256",
		RefreshInterval: "6h",
		SigValidity:     "72h",
	}
	keys := []sign.Key{{Locator: "zsk1"}}

	sc, err := SignConfig(pc, keys)
	require.NoError(t, err)
	assert.Equal(t, keys, sc.Keys)
	assert.Equal(t, sc.SigValidityDefault, sc.SigValidityDenial)
	assert.Equal(t, sc.SigValidityDefault, sc.SigValidityKeyset)
	assert.Equal(t, time.Hour, sc.InceptionOffset)
}

func TestAlgorithmResolvesKnownNames(t *testing.T) {
	alg, err := Algorithm(PolicyConf{Algorithm: "ecdsap256sha256"})
	require.NoError(t, err)
	assert.NotZero(t, alg)

	_, err = Algorithm(PolicyConf{Algorithm: "not-a-real-algorithm"})
	assert.Error(t, err)
}

func TestDenialConfigDefaultsToNSEC(t *testing.T) {
	dc := DenialConfig(PolicyConf{})
	assert.Equal(t, 0, int(dc.Mode))

	dc3 := DenialConfig(PolicyConf{DenialMode: "NSEC3", Nsec3Iterations: 5, Nsec3OptOut: true})
	assert.Equal(t, 1, int(dc3.Mode))
	assert.EqualValues(t, 5, dc3.Iterations)
	assert.True(t, dc3.OptOut)
}
