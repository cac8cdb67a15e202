// Package cageconfig is Cage's default configuration provider: static
// defaults overlaid with an optional YAML or TOML file, selected by
// file extension, mirroring the pack's own "defaults, then overlay a
// parsed file, then re-apply defaults for anything left blank"
// discipline (tools/si/settings.go's loadSettings/applySettingsDefaults).
package cageconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/padlokk/cage/internal/backup"
	"github.com/padlokk/cage/internal/pathutil"
	"github.com/padlokk/cage/internal/strategy"
)

// RecipientGroupConfig is a named, file-configurable recipient group.
type RecipientGroupConfig struct {
	Name       string   `yaml:"name" toml:"name"`
	Tier       string   `yaml:"tier,omitempty" toml:"tier,omitempty"`
	Recipients []string `yaml:"recipients" toml:"recipients"`
}

// RetentionConfig is the file-level shape of a backup.Policy.
type RetentionConfig struct {
	Kind string  `yaml:"kind" toml:"kind"` // "keep_all" | "keep_days" | "keep_last" | "keep_last_and_days"
	Days float64 `yaml:"days,omitempty" toml:"days,omitempty"`
	Last int     `yaml:"last,omitempty" toml:"last,omitempty"`
}

func (r RetentionConfig) ToPolicy() backup.Policy {
	switch strings.ToLower(strings.TrimSpace(r.Kind)) {
	case "keep_days":
		return backup.Policy{Kind: backup.KeepDays, Days: r.Days}
	case "keep_last":
		return backup.Policy{Kind: backup.KeepLast, Last: r.Last}
	case "keep_last_and_days":
		return backup.Policy{Kind: backup.KeepLastAndDays, Days: r.Days, Last: r.Last}
	default:
		return backup.Policy{Kind: backup.KeepAll}
	}
}

// Config is Cage's top-level, file-overridable configuration.
type Config struct {
	SchemaVersion      int                     `yaml:"schema_version" toml:"schema_version"`
	StreamingStrategy  string                  `yaml:"streaming_strategy,omitempty" toml:"streaming_strategy,omitempty"`
	TimeoutSeconds     int                     `yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"`
	BackupDir          string                  `yaml:"backup_dir,omitempty" toml:"backup_dir,omitempty"`
	Retention          RetentionConfig         `yaml:"retention,omitempty" toml:"retention,omitempty"`
	AuditLogPath       string                  `yaml:"audit_log_path,omitempty" toml:"audit_log_path,omitempty"`
	AuditFormat        string                  `yaml:"audit_format,omitempty" toml:"audit_format,omitempty"` // "text" | "json"
	RecipientGroups    []RecipientGroupConfig  `yaml:"recipient_groups,omitempty" toml:"recipient_groups,omitempty"`
}

// StrategyDefault parses StreamingStrategy, falling back to Auto for
// an empty or unrecognized value; an unrecognized value is not
// reported.
func (c Config) StrategyDefault() strategy.Strategy {
	s, ok := strategy.Parse(c.StreamingStrategy)
	if !ok {
		return strategy.Auto
	}
	return s
}

// Timeout is TimeoutSeconds as a time.Duration for callers that need it.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Default returns Cage's built-in configuration, used both as the
// base that a loaded file overlays and as the fallback on load error.
func Default() Config {
	return Config{
		SchemaVersion:     1,
		StreamingStrategy: "auto",
		TimeoutSeconds:    30,
		BackupDir:         "",
		Retention:         RetentionConfig{Kind: "keep_all"},
		AuditLogPath:      "",
		AuditFormat:       "text",
	}
}

func applyDefaults(c *Config) {
	def := Default()
	if c.SchemaVersion == 0 {
		c.SchemaVersion = def.SchemaVersion
	}
	if strings.TrimSpace(c.StreamingStrategy) == "" {
		c.StreamingStrategy = def.StreamingStrategy
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = def.TimeoutSeconds
	}
	if strings.TrimSpace(c.Retention.Kind) == "" {
		c.Retention.Kind = def.Retention.Kind
	}
	if strings.TrimSpace(c.AuditFormat) == "" {
		c.AuditFormat = def.AuditFormat
	}
}

// Load reads path (YAML for .yml/.yaml, TOML for anything else) and
// overlays it onto Default(). A missing file is not an error: it
// yields the defaults, the same "absent settings module" tolerance
// loadSettings gives each module file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is caller-supplied configuration location, not request-derived.
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&cfg)
			return cfg, nil
		}
		return Default(), fmt.Errorf("cageconfig: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Default(), fmt.Errorf("cageconfig: parse YAML %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Default(), fmt.Errorf("cageconfig: parse TOML %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	expandConfiguredPaths(&cfg)
	return cfg, nil
}

// expandConfiguredPaths resolves a leading "~" in file-supplied paths
// the way pathutil.ExpandHome does for the rest of the pack's path
// handling; a BackupDir or AuditLogPath that fails to expand (e.g. no
// home directory available) is left as written rather than failing
// the whole load.
func expandConfiguredPaths(c *Config) {
	if expanded, err := pathutil.ExpandHome(c.BackupDir); err == nil && expanded != "" {
		c.BackupDir = expanded
	}
	if expanded, err := pathutil.ExpandHome(c.AuditLogPath); err == nil && expanded != "" {
		c.AuditLogPath = expanded
	}
}

// LoadOrDefault mirrors loadSettingsOrDefault's "never fail the
// caller, fall back silently" contract: load errors yield Default()
// rather than propagating.
func LoadOrDefault(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}
