// Package config loads daemon settings from the environment, an optional
// .env file and an optional YAML file.
//
// Precedence, lowest first: defaults, YAML file, environment. A .env file
// only fills variables that are not already set in the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/L11R/gopiad/keygen"
	"github.com/L11R/gopiad/logging"
)

const (
	KeyUsername         = "USERNAME"
	KeyPassword         = "PASSWORD"
	KeyRegion           = "REGION"
	KeyUpdateInterval   = "UPDATE_INTERVAL"
	KeySlots            = "SLOTS"
	KeyOutputDir        = "OUTPUT_DIR"
	KeyCACert           = "CA_CERT"
	KeyHTTPTimeout      = "HTTP_TIMEOUT"
	KeyLoopDelay        = "LOOP_DELAY"
	KeyKeygen           = "KEYGEN"
	KeyVerifyServerList = "VERIFY_SERVERLIST"
	KeyMetricsAddr      = "METRICS_ADDR"
	KeyStateDB          = "STATE_DB"
	KeyLogLevel         = "LOG_LEVEL"
	KeyLogFormat        = "LOG_FORMAT"
)

var keys = []string{
	KeyUsername, KeyPassword, KeyRegion, KeyUpdateInterval, KeySlots,
	KeyOutputDir, KeyCACert, KeyHTTPTimeout, KeyLoopDelay, KeyKeygen,
	KeyVerifyServerList, KeyMetricsAddr, KeyStateDB, KeyLogLevel, KeyLogFormat,
}

var defaults = map[string]string{
	KeyOutputDir:        "/app",
	KeyCACert:           "ca.rsa.4096.crt",
	KeyHTTPTimeout:      "10s",
	KeyLoopDelay:        "5s",
	KeyKeygen:           keygen.KindNative,
	KeyVerifyServerList: "false",
	KeyLogLevel:         "info",
	KeyLogFormat:        logging.FormatText,
}

type Config struct {
	Username       string
	Password       string
	Regions        []string
	UpdateInterval time.Duration
	Slots          int

	OutputDir        string
	CACert           string
	HTTPTimeout      time.Duration
	LoopDelay        time.Duration
	Keygen           string
	VerifyServerList bool
	MetricsAddr      string
	StateDB          string
	LogLevel         string
	LogFormat        string
}

// LoadDotEnv loads path into the environment if the file exists.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Load reads the optional YAML file at path, applies environment
// overrides and parses the result. Required settings are checked by
// Validate, so commands that need no credentials can still load.
func Load(path string) (*Config, error) {
	raw := make(map[string]string, len(defaults))
	for k, v := range defaults {
		raw[k] = v
	}

	if path != "" {
		file, err := readYAML(path)
		if err != nil {
			return nil, err
		}
		for k, v := range file {
			raw[k] = v
		}
	}

	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			raw[k] = v
		}
	}

	return Parse(raw)
}

func readYAML(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}

	out := make(map[string]string, len(doc))
	for k, v := range doc {
		key := strings.ToUpper(k)
		if !known[key] {
			return nil, fmt.Errorf("config file: unknown key %q", k)
		}
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// Parse converts raw string settings into a Config. Every malformed value
// is reported in the returned error.
func Parse(raw map[string]string) (*Config, error) {
	var errs []error

	cfg := &Config{
		Username:    strings.TrimSpace(raw[KeyUsername]),
		Password:    raw[KeyPassword],
		Regions:     splitList(raw[KeyRegion]),
		OutputDir:   raw[KeyOutputDir],
		CACert:      raw[KeyCACert],
		Keygen:      strings.ToLower(strings.TrimSpace(raw[KeyKeygen])),
		MetricsAddr: strings.TrimSpace(raw[KeyMetricsAddr]),
		StateDB:     strings.TrimSpace(raw[KeyStateDB]),
		LogLevel:    raw[KeyLogLevel],
		LogFormat:   raw[KeyLogFormat],
	}

	if v := strings.TrimSpace(raw[KeyUpdateInterval]); v != "" {
		secs, err := strconv.Atoi(v)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: want integer seconds, got %q", KeyUpdateInterval, v))
		case secs <= 0:
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", KeyUpdateInterval, secs))
		default:
			cfg.UpdateInterval = time.Duration(secs) * time.Second
		}
	}

	if v := strings.TrimSpace(raw[KeySlots]); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: want integer, got %q", KeySlots, v))
		case n <= 0:
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", KeySlots, n))
		default:
			cfg.Slots = n
		}
	}

	var err error
	if cfg.HTTPTimeout, err = parseDuration(KeyHTTPTimeout, raw[KeyHTTPTimeout]); err != nil {
		errs = append(errs, err)
	}
	if cfg.LoopDelay, err = parseDuration(KeyLoopDelay, raw[KeyLoopDelay]); err != nil {
		errs = append(errs, err)
	}

	if v := strings.TrimSpace(raw[KeyVerifyServerList]); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: want bool, got %q", KeyVerifyServerList, v))
		}
		cfg.VerifyServerList = b
	}

	if _, err := keygen.New(cfg.Keygen); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyKeygen, err))
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown format %q", KeyLogFormat, cfg.LogFormat))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the settings needed to renew keys.
func (c *Config) Validate() error {
	var errs []error
	if c.Username == "" {
		errs = append(errs, fmt.Errorf("%s key was not found in the environment", KeyUsername))
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("%s key was not found in the environment", KeyPassword))
	}
	if len(c.Regions) == 0 {
		errs = append(errs, fmt.Errorf("%s key was not found in the environment", KeyRegion))
	}
	if c.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s key was not found in the environment", KeyUpdateInterval))
	}
	if c.Slots > 0 && len(c.Regions) > 1 && len(c.Regions) != c.Slots {
		errs = append(errs, fmt.Errorf("%s lists %d regions but %s is %d", KeyRegion, len(c.Regions), KeySlots, c.Slots))
	}
	if c.OutputDir == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyOutputDir))
	}
	return errors.Join(errs...)
}

// CAPath resolves CA_CERT. A relative path missing from the working
// directory is looked up in OutputDir, where the container image keeps
// the PIA bundle.
func (c *Config) CAPath() string {
	if c.CACert == "" || filepath.IsAbs(c.CACert) {
		return c.CACert
	}
	if _, err := os.Stat(c.CACert); err == nil || c.OutputDir == "" {
		return c.CACert
	}
	if alt := filepath.Join(c.OutputDir, c.CACert); fileExists(alt) {
		return alt
	}
	return c.CACert
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// SlotRegions returns the region of every slot, in slot order. A single
// region is shared by all slots; otherwise regions map one to one.
func (c *Config) SlotRegions() []string {
	n := c.Slots
	if n == 0 {
		n = len(c.Regions)
	}
	out := make([]string, n)
	for i := range out {
		if len(c.Regions) == 1 {
			out[i] = c.Regions[0]
		} else if i < len(c.Regions) {
			out[i] = c.Regions[i]
		}
	}
	return out
}

func parseDuration(key, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%s must not be empty", key)
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("%s: must be positive, got %d", key, secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: want duration, got %q", key, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, d)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
