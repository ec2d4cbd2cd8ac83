// Package config assembles the defaults a kmpipe invocation starts from: a
// .env file, an optional YAML config file and KMPIPE_* environment
// variables. Command-line flags are applied on top by the cli package.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kmpipe/internal/pipeline"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KMPIPE_"

type Config struct {
	Pipeline pipeline.Options `yaml:",inline"`

	// StateDir holds the .kmpipe run records.
	StateDir string `yaml:"state_dir"`
	// StatusAddr enables the HTTP progress endpoint when non-empty.
	StatusAddr string `yaml:"status_addr"`

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig describes where finished runs are uploaded.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
	Workers   int    `yaml:"workers"`
}

// Enabled reports whether an upload target is configured.
func (a ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(a.Endpoint) != "" && strings.TrimSpace(a.Bucket) != ""
}

func Default() Config {
	return Config{
		Pipeline: pipeline.DefaultOptions(),
		StateDir: ".",
		Archive: ArchiveConfig{
			Region:  "us-east-1",
			UseSSL:  true,
			Workers: 4,
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables already set. Missing files are
// skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is not empty) and then the environment seen through getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := decode(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document leaves the defaults untouched.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	env := func(name string) string { return strings.TrimSpace(getenv(EnvPrefix + name)) }

	cfg.Pipeline.BinDir = firstNonEmpty(env("BIN_DIR"), cfg.Pipeline.BinDir)
	cfg.StateDir = firstNonEmpty(env("STATE_DIR"), cfg.StateDir)
	cfg.StatusAddr = firstNonEmpty(env("STATUS_ADDR"), cfg.StatusAddr)

	a := &cfg.Archive
	a.Endpoint = firstNonEmpty(env("ARCHIVE_ENDPOINT"), a.Endpoint)
	a.Region = firstNonEmpty(env("ARCHIVE_REGION"), a.Region)
	a.AccessKey = firstNonEmpty(env("ARCHIVE_ACCESS_KEY"), a.AccessKey)
	a.SecretKey = firstNonEmpty(env("ARCHIVE_SECRET_KEY"), a.SecretKey)
	a.Bucket = firstNonEmpty(env("ARCHIVE_BUCKET"), a.Bucket)
	a.Prefix = firstNonEmpty(env("ARCHIVE_PREFIX"), a.Prefix)

	if raw := env("ARCHIVE_USE_SSL"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%sARCHIVE_USE_SSL: %w", EnvPrefix, err)
		}
		a.UseSSL = v
	}
	if raw := env("ARCHIVE_WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("%sARCHIVE_WORKERS: want a positive integer, got %q", EnvPrefix, raw)
		}
		a.Workers = n
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
