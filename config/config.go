// Package config loads apkpack configuration from YAML.
//
// Unknown keys are rejected so that a misspelled setting fails loudly
// instead of silently falling back to a default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apkcore "github.com/meigma/apkpack/core"
	"github.com/meigma/apkpack/sign"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Storage kinds.
const (
	StorageDisk = "disk"
	StorageS3   = "s3"
	StorageOCI  = "oci"
	StorageHTTP = "http"
)

// Config is the complete apkpack configuration.
type Config struct {
	Policy  Policy  `yaml:"policy"`
	Align   Align   `yaml:"align"`
	Signer  Signer  `yaml:"signer"`
	Storage Storage `yaml:"storage"`
	Server  Server  `yaml:"server"`

	// ScratchDir holds per-run signing scratch space. Empty means the
	// system temporary directory.
	ScratchDir string `yaml:"scratch_dir"`

	// Concurrency bounds parallel archives in a batch.
	Concurrency int `yaml:"concurrency"`

	// MemoryBudget bounds archive bytes held at once, 0 for no bound.
	MemoryBudget int64 `yaml:"memory_budget"`

	// MaxEntrySize rejects archives declaring a larger entry, 0 for no limit.
	MaxEntrySize uint64 `yaml:"max_entry_size"`

	// Modified, when set, stamps every entry with this RFC 3339 time.
	Modified string `yaml:"modified"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Policy selects which entries are stored.
type Policy struct {
	StoredNames    []string `yaml:"stored_names"`
	StoredPatterns []string `yaml:"stored_patterns"`

	// StoreKnownCompressed also stores media and archive formats that
	// deflate cannot shrink.
	StoreKnownCompressed bool `yaml:"store_known_compressed"`

	Level int `yaml:"level"`
}

// Align configures entry alignment.
type Align struct {
	Alignment           int  `yaml:"alignment"`
	PageAlignSharedLibs bool `yaml:"page_align_shared_libs"`
	PageSize            int  `yaml:"page_size"`
}

// Signer configures the external signing command. An empty command
// disables signing.
type Signer struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	Env     []string      `yaml:"env"`
}

// Storage selects and configures the archive store.
type Storage struct {
	Kind string      `yaml:"kind"`
	Disk DiskStorage `yaml:"disk"`
	S3   S3Storage   `yaml:"s3"`
	OCI  OCIStorage  `yaml:"oci"`
	HTTP HTTPStorage `yaml:"http"`
}

// DiskStorage configures a local directory store.
type DiskStorage struct {
	Dir string `yaml:"dir"`
}

// S3Storage configures an S3 bucket store. Credentials come from the
// standard AWS environment.
type S3Storage struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// OCIStorage configures a registry repository store.
type OCIStorage struct {
	Repository string `yaml:"repository"`
	PlainHTTP  bool   `yaml:"plain_http"`

	// DockerConfig reads credentials from ~/.docker/config.json.
	DockerConfig bool `yaml:"docker_config"`

	Username string `yaml:"username"`

	// PasswordEnv and TokenEnv name environment variables holding secrets.
	PasswordEnv string `yaml:"password_env"`
	TokenEnv    string `yaml:"token_env"`

	Annotations map[string]string `yaml:"annotations"`
}

// HTTPStorage configures a plain HTTP store.
type HTTPStorage struct {
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
	MaxSize int64             `yaml:"max_size"`
}

// Server configures the HTTP trigger.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Policy: Policy{
			StoredNames: append([]string(nil), apkcore.DefaultStoredNames...),
			Level:       apkcore.DefaultLevel,
		},
		Align: Align{
			Alignment: apkcore.DefaultAlignment,
			PageSize:  apkcore.DefaultPageSize,
		},
		Signer: Signer{
			Timeout: sign.DefaultTimeout,
		},
		Storage: Storage{
			Kind: StorageDisk,
			Disk: DiskStorage{Dir: "."},
		},
		Server: Server{
			Addr:            "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Concurrency:  4,
		MaxEntrySize: apkcore.DefaultMaxEntrySize,
		LogLevel:     "info",
	}
}

// Load reads and validates the file at path. Settings absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML. An empty document yields Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if _, err := c.NewPolicy(); err != nil {
		fail("policy: %w", err)
	}
	if err := apkcore.ValidateAlignOptions(c.AlignOptions()...); err != nil {
		fail("align: %w", err)
	}
	if c.Signer.Command != "" {
		if _, err := sign.NewCommand(c.Signer.Command, sign.WithTimeout(c.Signer.Timeout)); err != nil {
			fail("signer: %w", err)
		}
	}
	for _, kv := range c.Signer.Env {
		if !strings.Contains(kv, "=") {
			fail("signer: env entry %q is not KEY=VALUE", kv)
		}
	}
	if c.Concurrency < 1 {
		fail("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.MemoryBudget < 0 {
		fail("memory_budget must not be negative, got %d", c.MemoryBudget)
	}
	if c.Modified != "" {
		if _, err := time.Parse(time.RFC3339, c.Modified); err != nil {
			fail("modified: %w", err)
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		fail("log_level: %w", err)
	}
	if c.Server.ShutdownTimeout < 0 {
		fail("server: shutdown_timeout must not be negative")
	}
	problems = append(problems, c.Storage.validate()...)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}

func (s *Storage) validate() []error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("storage: "+format, args...))
	}
	switch s.Kind {
	case StorageDisk:
		if s.Disk.Dir == "" {
			fail("disk.dir is required")
		}
	case StorageS3:
		if s.S3.Bucket == "" {
			fail("s3.bucket is required")
		}
	case StorageOCI:
		if s.OCI.Repository == "" {
			fail("oci.repository is required")
		}
		if s.OCI.PasswordEnv != "" && s.OCI.TokenEnv != "" {
			fail("oci: password_env and token_env are mutually exclusive")
		}
		if s.OCI.PasswordEnv != "" && s.OCI.Username == "" {
			fail("oci: password_env requires username")
		}
	case StorageHTTP:
		if s.HTTP.BaseURL == "" {
			fail("http.base_url is required")
		}
		if s.HTTP.MaxSize < 0 {
			fail("http.max_size must not be negative")
		}
	default:
		fail("unknown kind %q", s.Kind)
	}
	return problems
}

// NewPolicy builds the compression policy.
func (c *Config) NewPolicy() (*apkcore.Policy, error) {
	opts := []apkcore.PolicyOption{
		apkcore.PolicyWithStoredNames(c.Policy.StoredNames...),
		apkcore.PolicyWithStoredPatterns(c.Policy.StoredPatterns...),
		apkcore.PolicyWithLevel(c.Policy.Level),
	}
	if c.Policy.StoreKnownCompressed {
		opts = append(opts, apkcore.PolicyWithStoreFunc(apkcore.StoreKnownCompressed()))
	}
	return apkcore.NewPolicy(opts...)
}

// AlignOptions returns the alignment options.
func (c *Config) AlignOptions() []apkcore.AlignOption {
	opts := []apkcore.AlignOption{
		apkcore.AlignWithAlignment(c.Align.Alignment),
		apkcore.AlignWithPageSize(c.Align.PageSize),
	}
	if c.Align.PageAlignSharedLibs {
		opts = append(opts, apkcore.AlignWithPageAlignSharedLibs())
	}
	return opts
}

// NewSigner builds the signing command, or returns nil when none is
// configured.
func (c *Config) NewSigner(logger *slog.Logger) (sign.Signer, error) {
	if c.Signer.Command == "" {
		return nil, nil
	}
	return sign.NewCommand(c.Signer.Command,
		sign.WithTimeout(c.Signer.Timeout),
		sign.WithEnv(c.Signer.Env...),
		sign.WithLogger(logger),
	)
}

// ModifiedTime returns the configured entry timestamp.
func (c *Config) ModifiedTime() (time.Time, bool) {
	if c.Modified == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, c.Modified)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel) //nolint:errcheck // validated
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return l, nil
}
