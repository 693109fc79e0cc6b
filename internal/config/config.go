// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the badge engine's runtime
// configuration from a YAML file, overridable by command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds every top-level setting the engine needs to run.
type Config struct {
	DatabaseURI     string       `koanf:"database_uri"`
	DatanommerDBURI string       `koanf:"datanommer_db_uri"`
	FASJSONBaseURL  string       `koanf:"fasjson_base_url"`
	DatagrepperURL  string       `koanf:"datagrepper_url"`

	BadgesDirectory string `koanf:"badges_directory"`
	BadgesRepo      string `koanf:"badges_repo"`

	BadgeIssuer IssuerConfig `koanf:"badge_issuer"`

	IDProviderHostname string `koanf:"id_provider_hostname"`
	DistgitHostname    string `koanf:"distgit_hostname"`
	PrimaryDomain      string `koanf:"primary_domain"`

	ConsumeDelayString string `koanf:"consume_delay"`
	DelayLimit         int    `koanf:"delay_limit"`

	ReloadIntervalString string `koanf:"reload_interval"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	MetricsAddr string `koanf:"metrics_addr"`
}

// IssuerConfig identifies the badge-issuing organization embedded in
// every issued Open Badges assertion.
type IssuerConfig struct {
	Origin string `koanf:"origin"`
	Name   string `koanf:"name"`
	URL    string `koanf:"url"`
	Email  string `koanf:"email"`
}

// Default returns the baseline configuration values.
func Default() Config {
	return Config{
		FASJSONBaseURL:       "https://fasjson.fedoraproject.org/v1/",
		DatagrepperURL:       "https://apps.fedoraproject.org/datagrepper/v2/",
		BadgesDirectory:      "./badges",
		IDProviderHostname:   "id.fedoraproject.org",
		DistgitHostname:      "src.fedoraproject.org",
		PrimaryDomain:        "fedoraproject.org",
		ConsumeDelayString:   "3s",
		DelayLimit:           50,
		ReloadIntervalString: "5m",
		LogLevel:             "info",
		LogFormat:            "json",
		MetricsAddr:          ":9090",
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then lets
// flags override matching keys (flag "database-uri" maps to
// "database_uri", etc.).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %q: %w", path, err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKeyTransform), nil); err != nil {
			return nil, fmt.Errorf("loading flag overrides: %w", err)
		}
	}

	// Unmarshal onto a struct already carrying the defaults: koanf only
	// sets fields present in a loaded source, so keys absent from both
	// the file and the flags keep their default value.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func flagKeyTransform(f *pflag.Flag) (string, any) {
	return strings.ReplaceAll(f.Name, "-", "_"), f.Value.String()
}

// ConsumeDelay parses ConsumeDelayString, defaulting to 3s on error.
func (c Config) ConsumeDelay() time.Duration {
	d, err := time.ParseDuration(c.ConsumeDelayString)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// ReloadInterval parses ReloadIntervalString, defaulting to 5m on error.
func (c Config) ReloadInterval() time.Duration {
	d, err := time.ParseDuration(c.ReloadIntervalString)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Validate enforces invariants that keep the engine from starting in a
// state that would fail loudly later, at message-consume time.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURI) == "" {
		return fmt.Errorf("config: database_uri is required")
	}
	if strings.TrimSpace(c.BadgesDirectory) == "" && strings.TrimSpace(c.BadgesRepo) == "" {
		return fmt.Errorf("config: one of badges_directory or badges_repo is required")
	}
	if strings.TrimSpace(c.BadgeIssuer.Origin) == "" {
		return fmt.Errorf("config: badge_issuer.origin is required")
	}
	if strings.TrimSpace(c.BadgeIssuer.Name) == "" {
		return fmt.Errorf("config: badge_issuer.name is required")
	}
	if _, err := time.ParseDuration(c.ConsumeDelayString); c.ConsumeDelayString != "" && err != nil {
		return fmt.Errorf("config: consume_delay invalid: %w", err)
	}
	if c.DelayLimit < 0 {
		return fmt.Errorf("config: delay_limit must be non-negative, got %d", c.DelayLimit)
	}
	if _, err := time.ParseDuration(c.ReloadIntervalString); c.ReloadIntervalString != "" && err != nil {
		return fmt.Errorf("config: reload_interval invalid: %w", err)
	}
	return nil
}
