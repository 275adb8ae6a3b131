// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"

	"supercache/ipvalidator"
	"supercache/upstream"
)

const (
	// FileName is the canonical name of the configuration file.
	FileName = "supercache.json"
	// systemConfigPath is the location checked last when resolving the config.
	systemConfigPath = "/etc/" + FileName
	// EnvPrefix prefixes environment overrides for top-level keys, e.g. SUPERCACHE_UPSTREAM.
	EnvPrefix = "SUPERCACHE_"
	// DatabaseURLEnv overrides the database path when set.
	DatabaseURLEnv = "DATABASE_URL"

	defaultDatabaseFile = "supercache.db"
)

// Negative answer policies.
const (
	NegativePassthrough = "passthrough"
	NegativeCache       = "cache"
)

// LogRotationMode is the log rotation strategy: "none", "size", or "time".
type LogRotationMode string

const (
	LogRotationNone LogRotationMode = "none"
	LogRotationSize LogRotationMode = "size"
	LogRotationTime LogRotationMode = "time"
)

// LogConfig holds logging directory, severity, and rotation settings.
type LogConfig struct {
	Dir            string          `json:"log_dir"`
	Severity       string          `json:"log_severity"`
	Rotation       LogRotationMode `json:"log_rotation"`
	RotationSizeMB int             `json:"log_rotation_size_mb"`
	RotationDays   int             `json:"log_rotation_time_days"`
}

// Config captures all persisted settings.
// Keys match the CLI flags of the serve command.
type Config struct {
	BindAddress     string    `json:"bind_address"`
	DNSPort         string    `json:"port"`
	Upstream        string    `json:"upstream"`
	UpstreamTimeout int       `json:"upstream_timeout"`
	Database        string    `json:"database"`
	NegativePolicy  string    `json:"negative_policy"`
	StaleOnRefused  bool      `json:"stale_on_refused"`
	StaleTTL        int       `json:"stale_ttl"`
	Dedupe          bool      `json:"dedupe"`
	APIEnabled      bool      `json:"api"`
	RESTPort        string    `json:"apiport"`
	FullStats       bool      `json:"full_stats"`
	FullStatsDir    string    `json:"full_stats_dir"`
	Log             LogConfig `json:"log"`
}

// Loaded contains the configuration together with metadata about the source file.
type Loaded struct {
	Path    string
	Created bool
	Config  Config
}

// Load resolves the configuration file (working directory, executable directory,
// user config dir, /etc), creating a default one in the working directory if none
// exists, and returns the parsed configuration alongside metadata.
func Load() (*Loaded, error) {
	candidates, err := candidatePaths()
	if err != nil {
		return nil, err
	}

	for _, path := range candidates {
		cfg, err := readConfig(path)
		if err == nil {
			cfg.applyDefaults(filepath.Dir(path))
			return &Loaded{Path: path, Config: *cfg}, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	defaultDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: determine working directory: %w", err)
	}
	return createDefault(filepath.Join(defaultDir, FileName))
}

// LoadFromPath loads configuration from the given path, or creates a default
// config at that path if the file does not exist. Path may be a directory
// (then config is path/supercache.json) or a file path.
func LoadFromPath(path string) (*Loaded, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	configPath, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := readConfig(configPath)
	if err == nil {
		cfg.applyDefaults(filepath.Dir(configPath))
		return &Loaded{Path: configPath, Config: *cfg}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
	}
	return createDefault(configPath)
}

func createDefault(configPath string) (*Loaded, error) {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: ensure config directory %s: %w", dir, err)
	}
	created := true
	if err := writeNewConfig(configPath, defaultConfig(dir)); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		// Never replace a file that appeared at the default location.
		created = false
	}
	// Environment overrides still apply to a freshly written default.
	cfg, err := readConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
	}
	cfg.applyDefaults(dir)
	return &Loaded{Path: configPath, Created: created, Config: *cfg}, nil
}

// resolveConfigPath returns the config file path. If path is a directory (ends
// with /, exists as dir, or has no extension), returns path/FileName.
func resolveConfigPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	isDir := strings.HasSuffix(path, string(filepath.Separator))
	path = filepath.Clean(path)
	if path == "" || path == "." {
		return "", fmt.Errorf("config: path is empty")
	}
	if !isDir {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			isDir = true
		} else if !strings.Contains(filepath.Base(path), ".") {
			isDir = true
		}
	}
	if isDir {
		return filepath.Join(path, FileName), nil
	}
	return path, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if !ipvalidator.IsValidIP(c.BindAddress) {
		return fmt.Errorf("config: bind_address %q is not an IP address", c.BindAddress)
	}
	if _, err := c.DNSPortNumber(); err != nil {
		return err
	}
	if c.APIEnabled {
		if _, err := strconv.ParseUint(c.RESTPort, 10, 16); err != nil {
			return fmt.Errorf("config: apiport %q is not a port number", c.RESTPort)
		}
	}
	if _, err := c.UpstreamSpec(); err != nil {
		return fmt.Errorf("config: upstream: %w", err)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: upstream_timeout must be positive, got %d", c.UpstreamTimeout)
	}
	if c.StaleTTL < 0 {
		return fmt.Errorf("config: stale_ttl must not be negative, got %d", c.StaleTTL)
	}
	switch c.NegativePolicy {
	case NegativePassthrough, NegativeCache:
	default:
		return fmt.Errorf("config: negative_policy %q must be %q or %q", c.NegativePolicy, NegativePassthrough, NegativeCache)
	}
	return nil
}

// DNSPortNumber parses the DNS listen port.
func (c *Config) DNSPortNumber() (uint16, error) {
	p, err := strconv.ParseUint(strings.TrimSpace(c.DNSPort), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("config: port %q is not a port number", c.DNSPort)
	}
	return uint16(p), nil
}

// UpstreamSpec parses the configured upstream address.
func (c *Config) UpstreamSpec() (upstream.Spec, error) {
	return upstream.ParseSpec(c.Upstream)
}

// UpstreamTimeoutDuration returns the upstream timeout as a duration.
func (c *Config) UpstreamTimeoutDuration() time.Duration {
	return time.Duration(c.UpstreamTimeout) * time.Second
}

// CacheNegative reports whether negative upstream answers are stored.
func (c *Config) CacheNegative() bool {
	return c.NegativePolicy == NegativeCache
}

func candidatePaths() ([]string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("config: determine executable path: %w", err)
	}
	execDir := filepath.Dir(execPath)

	var paths []string
	// The working directory comes first: it is where Load writes a default file.
	if wd, err := os.Getwd(); err == nil {
		paths = appendIfMissing(paths, filepath.Join(wd, FileName))
	}
	paths = appendIfMissing(paths, filepath.Join(execDir, FileName))

	if userPath, err := userConfigPath(); err == nil && userPath != "" {
		paths = appendIfMissing(paths, userPath)
	}

	paths = appendIfMissing(paths, systemConfigPath)
	return paths, nil
}

func userConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: determine user config dir: %w", err)
	}
	return filepath.Join(dir, "supercache", FileName), nil
}

// readConfig layers built-in defaults, the JSON file and environment overrides.
func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("config: file %s is empty", path)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultValues(filepath.Dir(path)), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(data), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if dbURL := strings.TrimSpace(os.Getenv(DatabaseURLEnv)); dbURL != "" {
		if err := k.Set("database", strings.TrimPrefix(dbURL, "sqlite://")); err != nil {
			return nil, fmt.Errorf("config: %s: %w", DatabaseURLEnv, err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

// envKey maps SUPERCACHE_UPSTREAM_TIMEOUT to upstream_timeout.
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

// writeNewConfig creates path with cfg. It fails with os.ErrExist if path is already there.
func writeNewConfig(path string, cfg *Config) error {
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func defaultConfig(baseDir string) *Config {
	logDir := "/var/log/supercache"
	if !isSystemConfigDir(baseDir) || !runningAsRoot() {
		logDir = filepath.Join(baseDir, "log")
	}
	return &Config{
		BindAddress:     "127.0.0.1",
		DNSPort:         "53",
		Upstream:        "1.1.1.1:53/udp",
		UpstreamTimeout: 3,
		Database:        filepath.Join(baseDir, defaultDatabaseFile),
		NegativePolicy:  NegativePassthrough,
		StaleOnRefused:  true,
		StaleTTL:        0,
		Dedupe:          true,
		APIEnabled:      false,
		RESTPort:        "8080",
		FullStats:       false,
		FullStatsDir:    filepath.Join(baseDir, "fullstats"),
		Log: LogConfig{
			Dir:            logDir,
			Severity:       "info",
			Rotation:       LogRotationSize,
			RotationSizeMB: 100,
			RotationDays:   7,
		},
	}
}

// defaultValues is defaultConfig flattened for koanf, so keys absent from an
// older file still get their defaults (booleans included).
func defaultValues(baseDir string) map[string]any {
	d := defaultConfig(baseDir)
	return map[string]any{
		"bind_address":               d.BindAddress,
		"port":                       d.DNSPort,
		"upstream":                   d.Upstream,
		"upstream_timeout":           d.UpstreamTimeout,
		"database":                   d.Database,
		"negative_policy":            d.NegativePolicy,
		"stale_on_refused":           d.StaleOnRefused,
		"stale_ttl":                  d.StaleTTL,
		"dedupe":                     d.Dedupe,
		"api":                        d.APIEnabled,
		"apiport":                    d.RESTPort,
		"full_stats":                 d.FullStats,
		"full_stats_dir":             d.FullStatsDir,
		"log.log_dir":                d.Log.Dir,
		"log.log_severity":           d.Log.Severity,
		"log.log_rotation":           string(d.Log.Rotation),
		"log.log_rotation_size_mb":   d.Log.RotationSizeMB,
		"log.log_rotation_time_days": d.Log.RotationDays,
	}
}

func (c *Config) applyDefaults(configDir string) {
	if c.BindAddress == "" {
		c.BindAddress = "127.0.0.1"
	}
	if c.DNSPort == "" {
		c.DNSPort = "53"
	}
	if c.Upstream == "" {
		c.Upstream = "1.1.1.1:53/udp"
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = 3
	}
	if c.NegativePolicy == "" {
		c.NegativePolicy = NegativePassthrough
	}
	if c.RESTPort == "" {
		c.RESTPort = "8080"
	}
	c.Database = ensureAbsolutePath(configDir, c.Database, defaultDatabaseFile)
	c.FullStatsDir = ensureAbsolutePath(configDir, c.FullStatsDir, "fullstats")

	if c.Log.Dir == "" {
		if isSystemConfigDir(configDir) {
			c.Log.Dir = "/var/log/supercache"
		} else {
			c.Log.Dir = filepath.Join(configDir, "log")
		}
	} else {
		c.Log.Dir = ensureAbsolutePath(configDir, c.Log.Dir, "log")
	}
	if c.Log.Severity == "" {
		c.Log.Severity = "info"
	}
	if c.Log.Rotation == "" {
		c.Log.Rotation = LogRotationSize
	}
	if c.Log.RotationSizeMB <= 0 {
		c.Log.RotationSizeMB = 100
	}
	if c.Log.RotationDays <= 0 {
		c.Log.RotationDays = 7
	}
}

func appendIfMissing(paths []string, candidate string) []string {
	for _, existing := range paths {
		if existing == candidate {
			return paths
		}
	}
	return append(paths, candidate)
}

func ensureAbsolutePath(configDir, value, fallbackName string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return filepath.Join(configDir, fallbackName)
	}
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(configDir, value)
}

// isSystemConfigDir returns true when configDir is the system config location (e.g. /etc or /etc/supercache),
// so log dir and other defaults can use system paths like /var/log/supercache.
func isSystemConfigDir(configDir string) bool {
	clean := filepath.Clean(configDir)
	return clean == "/etc" || strings.HasPrefix(clean, "/etc"+string(filepath.Separator))
}
