// Package agentconfig loads the agent's configuration from a YAML file and
// environment variables, environment overriding file, per spec §6. Shape
// grounded on the teacher's internal/cli/config.go (a flat Config struct
// with a Validate method) and internal/cli/configfile.go (env-var-driven
// file location, comment/blank-line tolerant), generalized from gogrep's
// flag-only config to the spec's file+env merge and promoted from a plain
// struct to a gopkg.in/yaml.v3-tagged one.
package agentconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Encoding selects the ingest body's wire encoding (spec §4.4).
type Encoding struct {
	Gzip  bool
	Level int
}

// HTTPConfig is the http: section of the YAML file plus its environment
// overrides.
type HTTPConfig struct {
	Host              string            `yaml:"host"`
	Endpoint          string            `yaml:"endpoint"`
	UseSSL            bool              `yaml:"https"`
	TimeoutMS         int               `yaml:"timeout_ms"`
	UseCompression    bool              `yaml:"compress"`
	CompressionLevel  int               `yaml:"compression_level"`
	IngestionKey      string            `yaml:"ingestion_key"`
	Params            map[string]string `yaml:"params"`
	BodySize          ByteSize          `yaml:"body_size"`
}

// LogConfig is the log: section of the YAML file plus its environment
// overrides.
type LogConfig struct {
	Dirs []string `yaml:"dirs"`
	Include struct {
		Glob  []string `yaml:"glob"`
		Regex []string `yaml:"regex"`
	} `yaml:"include"`
	Exclude struct {
		Glob  []string `yaml:"glob"`
		Regex []string `yaml:"regex"`
	} `yaml:"exclude"`
}

// fileConfig is the raw shape of the YAML configuration file (§6).
type fileConfig struct {
	HTTP HTTPConfig `yaml:"http"`
	Log  LogConfig  `yaml:"log"`
}

// Config is the fully merged, validated configuration used to construct
// the pipeline.
type Config struct {
	Host             string
	Endpoint         string
	UseSSL           bool
	Timeout          int // milliseconds
	Encoding         Encoding
	IngestionKey     string
	Params           map[string]string
	BufferMaxBytes   uint64
	Hostname         string
	IP               string
	MAC              string
	Tags             []string
	Dirs             []string
	IncludeGlob      []string
	IncludeRegex     []string
	ExcludeGlob      []string
	ExcludeRegex     []string
}

// DefaultConfigPath is the default location of the YAML configuration
// file (spec §6).
const DefaultConfigPath = "/etc/logdna/config.yaml"

// ConfigError is returned for a fatal startup configuration problem
// (missing required field, unparsable file), matching spec §7's
// "Fatal at startup" error class.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config: missing required field %q", e.Field)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// configFilePath resolves the YAML file path: LOGDNA_CONFIG_FILE, its
// legacy alias DEFAULT_CONF_FILE, or DefaultConfigPath.
func configFilePath() string {
	if p := os.Getenv("LOGDNA_CONFIG_FILE"); p != "" {
		return p
	}
	if p := os.Getenv("DEFAULT_CONF_FILE"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// loadFile reads and parses the YAML configuration file. A missing file is
// not an error here — env vars alone may satisfy every required field —
// but a malformed file is fatal.
func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing %s: %w", path, err)
	}
	return fc, nil
}

// envOr returns the first set environment variable among name and its
// legacy aliases, or "" if none are set.
func envOr(name string, legacyAliases ...string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	for _, alias := range legacyAliases {
		if v := os.Getenv(alias); v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) (bool, bool) {
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

// Load merges the YAML file and environment variables (environment
// overriding file, per spec §6) into a validated Config, or returns a
// *ConfigError describing the first missing required field or parse
// failure.
func Load() (*Config, error) {
	fc, err := loadFile(configFilePath())
	if err != nil {
		return nil, &ConfigError{Field: "file", Err: err}
	}

	cfg := &Config{
		Host:         fc.HTTP.Host,
		Endpoint:     fc.HTTP.Endpoint,
		UseSSL:       fc.HTTP.UseSSL,
		Timeout:      fc.HTTP.TimeoutMS,
		IngestionKey: fc.HTTP.IngestionKey,
		Params:       fc.HTTP.Params,
		BufferMaxBytes: uint64(fc.HTTP.BodySize),
		Encoding: Encoding{
			Gzip:  fc.HTTP.UseCompression,
			Level: fc.HTTP.CompressionLevel,
		},
		Dirs:         fc.Log.Dirs,
		IncludeGlob:  fc.Log.Include.Glob,
		IncludeRegex: fc.Log.Include.Regex,
		ExcludeGlob:  fc.Log.Exclude.Glob,
		ExcludeRegex: fc.Log.Exclude.Regex,
	}

	if v := envOr("LOGDNA_HOST", "LDLOGHOST"); v != "" {
		cfg.Host = v
	}
	if v := envOr("LOGDNA_ENDPOINT", "LDLOGPATH"); v != "" {
		cfg.Endpoint = v
	}
	if v := envOr("LOGDNA_INGESTION_KEY", "LOGDNA_AGENT_KEY"); v != "" {
		cfg.IngestionKey = v
	}
	if v := envOr("LOGDNA_USE_SSL", "LDLOGSSL"); v != "" {
		if b, ok := parseBool(v); ok {
			cfg.UseSSL = b
		}
	}
	if v := envOr("LOGDNA_USE_COMPRESSION", "COMPRESS"); v != "" {
		if b, ok := parseBool(v); ok {
			cfg.Encoding.Gzip = b
		}
	}
	if v := envOr("LOGDNA_GZIP_LEVEL", "GZIP_COMPRESS_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Encoding.Level = n
		}
	}
	cfg.Hostname = os.Getenv("LOGDNA_HOSTNAME")
	cfg.IP = os.Getenv("LOGDNA_IP")
	cfg.MAC = os.Getenv("LOGDNA_MAC")
	if v := os.Getenv("LOGDNA_TAGS"); v != "" {
		cfg.Tags = splitList(v)
	}
	if v := envOr("LOGDNA_LOG_DIRS", "LOG_DIRS"); v != "" {
		cfg.Dirs = splitList(v)
	}
	if v := envOr("LOGDNA_EXCLUSION_RULES", "LOGDNA_EXCLUDE"); v != "" {
		cfg.ExcludeGlob = splitList(v)
	}
	if v := envOr("LOGDNA_EXCLUSION_REGEX_RULES", "LOGDNA_EXCLUDE_REGEX"); v != "" {
		cfg.ExcludeRegex = splitList(v)
	}
	if v := envOr("LOGDNA_INCLUSION_RULES", "LOGDNA_INCLUDE"); v != "" {
		cfg.IncludeGlob = splitList(v)
	}
	if v := envOr("LOGDNA_INCLUSION_REGEX_RULES", "LOGDNA_INCLUDE_REGEX"); v != "" {
		cfg.IncludeRegex = splitList(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every field with no default is present, per spec
// §6's "Absent ... ⇒ fatal startup error" rule.
func (c *Config) Validate() error {
	if c.IngestionKey == "" {
		return &ConfigError{Field: "ingestion_key"}
	}
	if c.Host == "" {
		return &ConfigError{Field: "host"}
	}
	if c.Endpoint == "" {
		return &ConfigError{Field: "endpoint"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "timeout"}
	}
	if c.BufferMaxBytes == 0 {
		return &ConfigError{Field: "body_size"}
	}
	if c.Encoding.Gzip && (c.Encoding.Level < 0 || c.Encoding.Level > 9) {
		return &ConfigError{Field: "gzip_level", Err: fmt.Errorf("level %d is outside 0-9", c.Encoding.Level)}
	}
	return nil
}
