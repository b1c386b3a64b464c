package crypto11

import (
	"io"

	"gopkg.in/yaml.v3"
)

// PublicKeySet is the on-disk shape of a zone's public keys, in every
// lifecycle state (each entry records its state),
// grounded on the teacher's TrustAnchor/Sig0Key YAML persistence
// (tdnsd/truststore.go's yaml.Unmarshal round trip), adapted from
// importing third-party trust material to exporting this zone's own
// keyset for an operator to hand to a parent zone or a downstream
// resolver operator.
type PublicKeySet struct {
	Zone string           `yaml:"zone"`
	Keys []PublicKeyEntry `yaml:"keys"`
}

type PublicKeyEntry struct {
	Locator   string `yaml:"locator"`
	Role      string `yaml:"role"`
	Algorithm uint8  `yaml:"algorithm"`
	KeyTag    uint16 `yaml:"keytag"`
	State     string `yaml:"state"`
	Dnskey    string `yaml:"dnskey"`
}

// ExportPublicKeys writes zone's current keyset (locator, role,
// algorithm, keytag, lifecycle state, and the DNSKEY RR itself) to w as
// YAML. Only public material is included; SoftModule never hands back
// the private signer through this path.
func ExportPublicKeys(w io.Writer, mod *SoftModule, zone string) error {
	khs, err := mod.EnumerateKeys(zone)
	if err != nil {
		return err
	}
	set := PublicKeySet{Zone: zone}
	for _, kh := range khs {
		set.Keys = append(set.Keys, PublicKeyEntry{
			Locator:   string(kh.Locator),
			Role:      roleString(kh.Role),
			Algorithm: kh.Algorithm,
			KeyTag:    kh.DNSKEY.KeyTag(),
			State:     kh.State,
			Dnskey:    kh.DNSKEY.String(),
		})
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(set)
}
