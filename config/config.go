// Package config reads the sipstore configuration file. Files ending in
// .toml are decoded as TOML, files ending in .yaml or .yml as YAML. Before
// decoding, placeholders of the form $(VAR) are replaced with the value of
// the environment variable VAR, so secrets such as database passwords can
// be kept out of the file.
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the sipstore server and command line.
// Durations are written as strings such as "90s" or "1h".
type Config struct {
	Port      string `toml:"port" yaml:"port"`
	PProfPort string `toml:"pprof_port" yaml:"pprof_port"`

	// Archive is where bags are written: a directory path, or
	// s3://bucket/prefix. Empty means an in memory store.
	Archive string `toml:"archive" yaml:"archive"`

	// ArchivePrefix keeps this archive under a prefix of the location,
	// so several archives can share it.
	ArchivePrefix string `toml:"archive_prefix" yaml:"archive_prefix"`

	// Records is the root directory of the record source.
	Records string `toml:"records" yaml:"records"`

	// Database is the catalog location: "memory", a QL file path, or
	// "mysql:<dsn>".
	Database string `toml:"database" yaml:"database"`

	FilesDir         string   `toml:"files_dir" yaml:"files_dir"`
	MetadataDir      string   `toml:"metadata_dir" yaml:"metadata_dir"`
	RequiredMetadata []string `toml:"required_metadata" yaml:"required_metadata"`

	Workers                int           `toml:"workers" yaml:"workers"`
	MaxConcurrentArchivals int           `toml:"max_concurrent_archivals" yaml:"max_concurrent_archivals"`
	AttemptTimeout         time.Duration `toml:"attempt_timeout" yaml:"attempt_timeout"`
	Mode                   string        `toml:"mode" yaml:"mode"`
	Retry                  Retry         `toml:"retry" yaml:"retry"`

	SweepSchedule  string `toml:"sweep_schedule" yaml:"sweep_schedule"`
	FixitySchedule string `toml:"fixity_schedule" yaml:"fixity_schedule"`
	FixityRate     int64  `toml:"fixity_rate" yaml:"fixity_rate"` // MB/hour

	// FixityInterval is how long after archiving a snapshot gets its
	// first fixity check. Zero means none is scheduled.
	FixityInterval time.Duration `toml:"fixity_interval" yaml:"fixity_interval"`

	// Tokens is a file of API users for the server. Empty turns
	// authentication off.
	Tokens string `toml:"tokens" yaml:"tokens"`

	SentryDSN string `toml:"sentry_dsn" yaml:"sentry_dsn"`

	// Tags are extra bag-info.txt tags written into every bag.
	Tags map[string]string `toml:"tags" yaml:"tags"`
}

// Retry configures the background retry policy.
type Retry struct {
	MaxAttempts int           `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay" yaml:"max_delay"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Port:     "14000",
		Database: "memory",
	}
}

// matches $(VAR_NAME)
var envPattern = regexp.MustCompile(`\$\(([A-Za-z0-9_]+)\)`)

// expandEnvVars replaces $(VAR) with os.Getenv(VAR).
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envPattern.FindStringSubmatch(m)[1])
	})
}

// Load reads the configuration file at path. Settings missing from the
// file keep their values from Default.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	cfg := Default()
	text := expandEnvVars(string(data))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.Decode(text, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(text), cfg)
	default:
		return nil, errors.Errorf("config file %s: unknown format, expected .toml or .yaml", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return cfg, nil
}
