// Package config loads notesync settings from defaults, an optional YAML
// file, environment variables and CLI overrides, in that order of precedence.
// Validation collects every problem into one ValidationError.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuitang/notesync/internal/ratelimit"
)

const (
	// StoreSQLite keeps state in a per-profile SQLCipher database under DataDir.
	StoreSQLite = "sqlite"
	// StoreS3 keeps state as a sealed snapshot object in an S3 bucket.
	StoreS3 = "s3"

	defaultProfile        = "default"
	defaultRequestTimeout = 15 * time.Second
	defaultProbeInterval  = 30 * time.Second
	defaultRateRPS        = 10
	defaultRateBurst      = 20
	defaultS3Region       = "auto"
)

// Config holds all client configuration.
type Config struct {
	// Notes API
	APIURL         string        `yaml:"api_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateRPS        float64       `yaml:"rate_rps"`
	RateBurst      int           `yaml:"rate_burst"`

	// State storage and encryption
	DataDir   string `yaml:"data_dir"`
	Profile   string `yaml:"profile"`
	MasterKey string `yaml:"master_key"` // 64 hex characters (32 bytes)
	Store     string `yaml:"store"`      // sqlite or s3

	// Connectivity
	ProbeURL      string        `yaml:"probe_url"` // defaults to APIURL
	ProbeInterval time.Duration `yaml:"probe_interval"`

	S3 S3Config `yaml:"s3"`

	// Source is the YAML file that was read, if any.
	Source string `yaml:"-"`
}

// S3Config holds the bucket settings used when Store is "s3".
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`          // AWS_ENDPOINT_URL_S3
	Region          string `yaml:"region"`            // AWS_REGION
	AccessKeyID     string `yaml:"access_key_id"`     // AWS_ACCESS_KEY_ID
	SecretAccessKey string `yaml:"secret_access_key"` // AWS_SECRET_ACCESS_KEY
	Bucket          string `yaml:"bucket"`            // BUCKET_NAME
	UsePathStyle    bool   `yaml:"use_path_style"`    // S3_USE_PATH_STYLE
}

// Overrides carries values set on the command line. Empty fields are ignored.
type Overrides struct {
	ConfigFile string
	APIURL     string
	DataDir    string
	Profile    string
	Store      string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Defaults returns the configuration used before any source is applied.
func Defaults() Config {
	dataDir := ".notesync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".notesync")
	}
	return Config{
		RequestTimeout: defaultRequestTimeout,
		RateRPS:        defaultRateRPS,
		RateBurst:      defaultRateBurst,
		DataDir:        dataDir,
		Profile:        defaultProfile,
		Store:          StoreSQLite,
		ProbeInterval:  defaultProbeInterval,
		S3:             S3Config{Region: defaultS3Region},
	}
}

// Load builds the client configuration and validates it.
// The YAML file is ov.ConfigFile, else NOTESYNC_CONFIG, else none.
func Load(ov Overrides) (*Config, error) {
	cfg := Defaults()

	path := ov.ConfigFile
	if path == "" {
		path = strings.TrimSpace(os.Getenv("NOTESYNC_CONFIG"))
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	var parseErrs []string
	cfg.applyEnv(&parseErrs)
	cfg.applyOverrides(ov)

	if err := cfg.Validate(); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Errors = append(parseErrs, verr.Errors...)
		}
		return nil, err
	}
	if len(parseErrs) > 0 {
		return nil, &ValidationError{Errors: parseErrs}
	}
	return &cfg, nil
}

// mergeFile decodes the YAML file at path on top of cfg. Keys absent from the
// file keep their current values.
func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.Source = path
	return nil
}

func (c *Config) applyEnv(parseErrs *[]string) {
	c.APIURL = getEnvOrDefault("NOTESYNC_API_URL", c.APIURL)
	c.Token = getEnvOrDefault("NOTESYNC_TOKEN", c.Token)
	c.RequestTimeout = parseDurationOrDefault("NOTESYNC_REQUEST_TIMEOUT", c.RequestTimeout, parseErrs)
	c.RateRPS = parseFloat64OrDefault("NOTESYNC_RATE_RPS", c.RateRPS, parseErrs)
	c.RateBurst = parseIntOrDefault("NOTESYNC_RATE_BURST", c.RateBurst, parseErrs)

	c.DataDir = getEnvOrDefault("NOTESYNC_DATA_DIR", c.DataDir)
	c.Profile = getEnvOrDefault("NOTESYNC_PROFILE", c.Profile)
	c.MasterKey = getEnvOrDefault("MASTER_KEY", c.MasterKey)
	c.Store = getEnvOrDefault("NOTESYNC_STORE", c.Store)

	c.ProbeURL = getEnvOrDefault("NOTESYNC_PROBE_URL", c.ProbeURL)
	c.ProbeInterval = parseDurationOrDefault("NOTESYNC_PROBE_INTERVAL", c.ProbeInterval, parseErrs)

	c.S3.Endpoint = getEnvOrDefault("AWS_ENDPOINT_URL_S3", c.S3.Endpoint)
	c.S3.Region = getEnvOrDefault("AWS_REGION", c.S3.Region)
	c.S3.AccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", c.S3.AccessKeyID)
	c.S3.SecretAccessKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", c.S3.SecretAccessKey)
	c.S3.Bucket = getEnvOrDefault("BUCKET_NAME", c.S3.Bucket)
	c.S3.UsePathStyle = parseBoolOrDefault("S3_USE_PATH_STYLE", c.S3.UsePathStyle, parseErrs)
}

func (c *Config) applyOverrides(ov Overrides) {
	if ov.APIURL != "" {
		c.APIURL = ov.APIURL
	}
	if ov.DataDir != "" {
		c.DataDir = ov.DataDir
	}
	if ov.Profile != "" {
		c.Profile = ov.Profile
	}
	if ov.Store != "" {
		c.Store = ov.Store
	}
	if c.ProbeURL == "" {
		c.ProbeURL = c.APIURL
	}
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.APIURL == "" {
		errs = append(errs, "NOTESYNC_API_URL is required (e.g. https://notes.example.com)")
	} else if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "NOTESYNC_API_URL must be an absolute http(s) URL")
	}

	// MasterKey: always required (losing it = the local state is unreadable)
	if c.MasterKey == "" {
		errs = append(errs, "MASTER_KEY is required (generate with: openssl rand -hex 32)")
	} else if _, err := hex.DecodeString(c.MasterKey); err != nil || len(c.MasterKey) != 64 {
		errs = append(errs, "MASTER_KEY must be 64 hex characters (32 bytes)")
	}

	if c.DataDir == "" {
		errs = append(errs, "NOTESYNC_DATA_DIR must not be empty")
	}
	if c.Profile == "" {
		errs = append(errs, "NOTESYNC_PROFILE must not be empty")
	}

	switch c.Store {
	case StoreSQLite:
	case StoreS3:
		if c.S3.Bucket == "" {
			errs = append(errs, "BUCKET_NAME is required when NOTESYNC_STORE=s3")
		}
		if c.S3.AccessKeyID == "" {
			errs = append(errs, "AWS_ACCESS_KEY_ID is required when NOTESYNC_STORE=s3")
		}
		if c.S3.SecretAccessKey == "" {
			errs = append(errs, "AWS_SECRET_ACCESS_KEY is required when NOTESYNC_STORE=s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("NOTESYNC_STORE must be %q or %q, got %q", StoreSQLite, StoreS3, c.Store))
	}

	if c.RequestTimeout <= 0 {
		errs = append(errs, "NOTESYNC_REQUEST_TIMEOUT must be positive")
	}
	if c.RateRPS < 0 {
		errs = append(errs, "NOTESYNC_RATE_RPS must not be negative (0 disables throttling)")
	}
	if c.RateRPS > 0 && c.RateBurst <= 0 {
		errs = append(errs, "NOTESYNC_RATE_BURST must be positive")
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, "NOTESYNC_PROBE_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// MasterKeyBytes decodes MasterKey. Call after Validate.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode MASTER_KEY: %w", err)
	}
	return key, nil
}

// PrintSummary writes a human-readable summary of the configuration.
// Secrets are never printed.
func (c *Config) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "  API:     %s\n", c.APIURL)
	if c.Token != "" {
		fmt.Fprintln(w, "  Auth:    bearer token from NOTESYNC_TOKEN")
	} else {
		fmt.Fprintln(w, "  Auth:    none")
	}
	fmt.Fprintf(w, "  Profile: %s\n", c.Profile)
	switch c.Store {
	case StoreS3:
		fmt.Fprintf(w, "  Storage: S3 bucket %s (endpoint: %s)\n", c.S3.Bucket, c.S3.Endpoint)
	default:
		fmt.Fprintf(w, "  Storage: SQLCipher in %s\n", c.DataDir)
	}
	if c.Source != "" {
		fmt.Fprintf(w, "  Config:  %s\n", c.Source)
	}
}

// ServerConfig configures the reference notes API server.
type ServerConfig struct {
	ListenAddr      string
	Token           string // NOTESD_TOKEN; empty accepts any caller
	RateLimitConfig ratelimit.Config
}

// LoadServer reads the notesd settings from the environment.
func LoadServer(addr string) (*ServerConfig, error) {
	var parseErrs []string
	cfg := &ServerConfig{
		ListenAddr: getEnvOrDefault("LISTEN_ADDR", ":8080"),
		Token:      getEnvOrDefault("NOTESD_TOKEN", ""),
		RateLimitConfig: ratelimit.Config{
			RPS:             parseFloat64OrDefault("RATE_LIMIT_RPS", ratelimit.DefaultConfig.RPS, &parseErrs),
			Burst:           parseIntOrDefault("RATE_LIMIT_BURST", ratelimit.DefaultConfig.Burst, &parseErrs),
			CleanupInterval: parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", ratelimit.DefaultConfig.CleanupInterval, &parseErrs),
		},
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	errs := parseErrs
	if cfg.RateLimitConfig.RPS <= 0 {
		errs = append(errs, "RATE_LIMIT_RPS must be positive")
	}
	if cfg.RateLimitConfig.Burst <= 0 {
		errs = append(errs, "RATE_LIMIT_BURST must be positive")
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return cfg, nil
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int, parseErrs *[]string) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		*parseErrs = append(*parseErrs, fmt.Sprintf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64, parseErrs *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*parseErrs = append(*parseErrs, fmt.Sprintf("%s must be a number, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration, parseErrs *[]string) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		*parseErrs = append(*parseErrs, fmt.Sprintf("%s must be a duration like 15s, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool, parseErrs *[]string) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		*parseErrs = append(*parseErrs, fmt.Sprintf("%s must be true or false, got %q", key, value))
		return defaultValue
	}
	return parsed
}
