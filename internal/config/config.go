// Package config loads and validates the daemon's YAML configuration,
// the way the teacher's tdns/config.go and tdns/parseconfig.go do:
// spf13/viper for file/env sourcing, go-playground/validator for
// required-field checks, with defaults filled in after unmarshal.
//
// Generalized from the teacher's single global Config (one process,
// many zones, many subsystems) into a config scoped to this repo's
// narrower daemon: one listener set, one API server, N signed zones.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/miekg/dns"

	"github.com/sigzone/sigzone/internal/denial"
	"github.com/sigzone/sigzone/internal/pipeline"
	"github.com/sigzone/sigzone/internal/sign"
)

// Config is the top-level shape of sigzone-server.yaml.
type Config struct {
	Service  ServiceConf          `mapstructure:"service"`
	Log      LogConf              `mapstructure:"log"`
	Db       DbConf               `mapstructure:"db"`
	DnsEngine DnsEngineConf       `mapstructure:"dnsengine"`
	Apiserver ApiserverConf       `mapstructure:"apiserver"`
	Policies map[string]PolicyConf `mapstructure:"policies"`
	Zones    map[string]ZoneConf  `mapstructure:"zones"`
}

type ServiceConf struct {
	Name  string `mapstructure:"name" validate:"required"`
	Debug bool   `mapstructure:"debug"`
}

type LogConf struct {
	File       string `mapstructure:"file" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DbConf struct {
	File string `mapstructure:"file" validate:"required"`
}

type DnsEngineConf struct {
	Addresses     []string `mapstructure:"addresses" validate:"required"`
	DoQAddresses  []string `mapstructure:"doq_addresses"`
	DoQCertFile   string   `mapstructure:"doq_certfile"`
	DoQKeyFile    string   `mapstructure:"doq_keyfile"`
}

type ApiserverConf struct {
	Addresses []string `mapstructure:"addresses" validate:"required"`
	ApiKey    string   `mapstructure:"apikey" validate:"required"`
}

// PolicyConf is a named DNSSEC signing policy, shared across zones --
// the teacher's DnssecPolicyConf, trimmed to the fields this engine's
// sign.Config and denial.Config actually consume.
type PolicyConf struct {
	Algorithm         string `mapstructure:"algorithm" validate:"required"`
	RefreshInterval   string `mapstructure:"refresh_interval" validate:"required"`
	InceptionOffset   string `mapstructure:"inception_offset"`
	SigValidity       string `mapstructure:"sig_validity" validate:"required"`
	SigValidityDenial string `mapstructure:"sig_validity_denial"`
	SigValidityKeyset string `mapstructure:"sig_validity_keyset"`
	Jitter            string `mapstructure:"jitter"`

	DenialMode       string `mapstructure:"denial_mode"` // "nsec" | "nsec3"
	Nsec3Iterations  uint16 `mapstructure:"nsec3_iterations"`
	Nsec3OptOut      bool   `mapstructure:"nsec3_optout"`
}

// ZoneConf configures one signed zone.
type ZoneConf struct {
	Name         string   `mapstructure:"name" validate:"required"`
	Type         string   `mapstructure:"type" validate:"required,oneof=primary secondary"`
	Zonefile     string   `mapstructure:"zonefile"`
	DbFile       string   `mapstructure:"dbfile"`
	Primary      string   `mapstructure:"primary"`
	Notify       []string `mapstructure:"notify"`
	AllowTransfer []string `mapstructure:"allow_transfer"`
	Policy       string   `mapstructure:"policy" validate:"required"`

	SerialPolicy string `mapstructure:"serial_policy"` // counter|datecounter|unixtime|keep
	SOA          SOAConf `mapstructure:"soa"`

	RefreshThreshold string `mapstructure:"refresh_threshold"`
	RetentionHorizon string `mapstructure:"retention_horizon"`
}

type SOAConf struct {
	Ns      string `mapstructure:"ns" validate:"required"`
	Mbox    string `mapstructure:"mbox" validate:"required"`
	Refresh uint32 `mapstructure:"refresh"`
	Retry   uint32 `mapstructure:"retry"`
	Expire  uint32 `mapstructure:"expire"`
	Minttl  uint32 `mapstructure:"minttl"`
	Ttl     uint32 `mapstructure:"ttl"`
}

// defaults mirrors the handful of zero-value fallbacks the teacher's
// ParseConfig fills in post-unmarshal (e.g. apiserver.usetls).
func defaults(c *Config) {
	for name, z := range c.Zones {
		if z.SerialPolicy == "" {
			z.SerialPolicy = "unixtime"
		}
		if z.RefreshThreshold == "" {
			z.RefreshThreshold = "24h"
		}
		if z.RetentionHorizon == "" {
			z.RetentionHorizon = "168h"
		}
		if z.SOA.Refresh == 0 {
			z.SOA.Refresh = 86400
		}
		if z.SOA.Retry == 0 {
			z.SOA.Retry = 7200
		}
		if z.SOA.Expire == 0 {
			z.SOA.Expire = 3600000
		}
		if z.SOA.Minttl == 0 {
			z.SOA.Minttl = 3600
		}
		if z.SOA.Ttl == 0 {
			z.SOA.Ttl = 3600
		}
		c.Zones[name] = z
	}
}

// Load reads path via viper (YAML), unmarshals into a Config, fills
// defaults, and validates every section -- the teacher's
// ValidateConfig/ValidateBySection pattern, collapsed to a single pass
// since this repo has no config-reload or template-expansion surface.
func Load(path string) (*Config, error) {
	// Zone map keys are domain names with dots in them, so viper's
	// default "." key delimiter would split them into nested keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	defaults(&c)

	if err := validateSections(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func validateSections(c *Config) error {
	validate := validator.New()

	sections := map[string]interface{}{
		"service":   c.Service,
		"log":       c.Log,
		"db":        c.Db,
		"dnsengine": c.DnsEngine,
		"apiserver": c.Apiserver,
	}
	for name, zc := range c.Zones {
		sections["zone:"+name] = zc
	}
	for name, pc := range c.Policies {
		sections["policy:"+name] = pc
	}

	for section, data := range sections {
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("config: section %s: %w", section, err)
		}
	}

	for name, zc := range c.Zones {
		if _, ok := c.Policies[zc.Policy]; !ok {
			return fmt.Errorf("config: zone %s refers to undefined policy %q", name, zc.Policy)
		}
		if zc.Type == "secondary" && zc.Primary == "" {
			return fmt.Errorf("config: zone %s is secondary but has no primary configured", name)
		}
	}
	return nil
}

// PipelineConfig builds a pipeline.Config for zone zc with the denial
// settings denialCfg (see DenialConfig). It leaves Module and SignConfig
// unset; the caller (daemon main) fills them in, since they depend on
// the crypto module's open key database, not on YAML alone.
func PipelineConfig(zc ZoneConf, denialCfg denial.Config) (pipeline.Config, error) {
	policy := strings.ToLower(zc.SerialPolicy)
	sp, err := pipeline.ParseSerialPolicy(policy)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("config: zone %s: %w", zc.Name, err)
	}

	refresh, err := time.ParseDuration(zc.RefreshThreshold)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("config: zone %s: refresh_threshold: %w", zc.Name, err)
	}
	retention, err := time.ParseDuration(zc.RetentionHorizon)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("config: zone %s: retention_horizon: %w", zc.Name, err)
	}

	return pipeline.Config{
		Apex:         zc.Name,
		SerialPolicy: sp,
		SOA: pipeline.SOADefaults{
			Ns: zc.SOA.Ns, Mbox: zc.SOA.Mbox,
			Refresh: zc.SOA.Refresh, Retry: zc.SOA.Retry,
			Expire: zc.SOA.Expire, Minttl: zc.SOA.Minttl, Ttl: zc.SOA.Ttl,
		},
		RefreshThreshold: refresh,
		RetentionHorizon: retention,
		Denial:           denialCfg,
	}, nil
}

// SignConfig translates a PolicyConf's duration strings into a
// sign.Config for the given key set. keys comes from the crypto
// module's key database, not from YAML, so it is threaded in by the
// caller rather than parsed here.
func SignConfig(pc PolicyConf, keys []sign.Key) (*sign.Config, error) {
	refresh, err := time.ParseDuration(pc.RefreshInterval)
	if err != nil {
		return nil, fmt.Errorf("config: policy: refresh_interval: %w", err)
	}
	sigValidity, err := time.ParseDuration(pc.SigValidity)
	if err != nil {
		return nil, fmt.Errorf("config: policy: sig_validity: %w", err)
	}

	incOffset := 1 * time.Hour
	if pc.InceptionOffset != "" {
		incOffset, err = time.ParseDuration(pc.InceptionOffset)
		if err != nil {
			return nil, fmt.Errorf("config: policy: inception_offset: %w", err)
		}
	}
	jitter := 10 * time.Minute
	if pc.Jitter != "" {
		jitter, err = time.ParseDuration(pc.Jitter)
		if err != nil {
			return nil, fmt.Errorf("config: policy: jitter: %w", err)
		}
	}
	sigValidityDenial := sigValidity
	if pc.SigValidityDenial != "" {
		sigValidityDenial, err = time.ParseDuration(pc.SigValidityDenial)
		if err != nil {
			return nil, fmt.Errorf("config: policy: sig_validity_denial: %w", err)
		}
	}
	sigValidityKeyset := sigValidity
	if pc.SigValidityKeyset != "" {
		sigValidityKeyset, err = time.ParseDuration(pc.SigValidityKeyset)
		if err != nil {
			return nil, fmt.Errorf("config: policy: sig_validity_keyset: %w", err)
		}
	}

	return &sign.Config{
		Keys:               keys,
		RefreshInterval:    refresh,
		InceptionOffset:    incOffset,
		SigValidityDenial:  sigValidityDenial,
		SigValidityKeyset:  sigValidityKeyset,
		SigValidityDefault: sigValidity,
		Jitter:             jitter,
	}, nil
}

// Algorithm resolves a policy's configured algorithm name (e.g.
// "ECDSAP256SHA256") to its dns.Algorithm value.
func Algorithm(pc PolicyConf) (uint8, error) {
	alg, ok := dns.StringToAlgorithm[strings.ToUpper(pc.Algorithm)]
	if !ok {
		return 0, fmt.Errorf("config: unknown algorithm %q", pc.Algorithm)
	}
	return uint8(alg), nil
}

// DenialConfig translates a PolicyConf's denial fields into denial.Config.
func DenialConfig(pc PolicyConf) denial.Config {
	mode := denial.ModeNSEC
	if strings.ToLower(pc.DenialMode) == "nsec3" {
		mode = denial.ModeNSEC3
	}
	return denial.Config{
		Mode:       mode,
		Iterations: pc.Nsec3Iterations,
		OptOut:     pc.Nsec3OptOut,
	}
}
