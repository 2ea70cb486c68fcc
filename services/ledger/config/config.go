// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the ledger service configuration.
//
// Precedence, highest first:
//
//  1. LEDGER_* environment variables (LEDGER_CACHE_MAX_SIZE -> cache.max_size)
//  2. The YAML file (explicit path, else ./ledger.yaml, else ~/.aleutian/ledger.yaml)
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLedger/pkg/logging"
	"github.com/AleutianAI/AleutianLedger/services/ledger/backend"
	"github.com/AleutianAI/AleutianLedger/services/ledger/confidence"
	"github.com/AleutianAI/AleutianLedger/services/ledger/dag"
	"github.com/AleutianAI/AleutianLedger/services/ledger/observability"
	"github.com/AleutianAI/AleutianLedger/services/ledger/tasks"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGER"

// FileName is the config file name searched for when no path is given.
const FileName = "ledger"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// =============================================================================
// Sections
// =============================================================================

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"gte=1024"`

	// AllowedOrigins lists websocket origins. Empty allows same-host only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SchedulerConfig configures the task graph scheduler.
type SchedulerConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" validate:"gte=1,lte=64"`
	BaseBackoff    time.Duration `yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`
}

// DAG converts to the scheduler's own config type.
func (c SchedulerConfig) DAG() dag.Config {
	return dag.Config{
		MaxConcurrency: c.MaxConcurrency,
		BaseBackoff:    c.BaseBackoff,
		MaxBackoff:     c.MaxBackoff,
		DefaultTimeout: c.DefaultTimeout,
	}
}

// CacheConfig configures the similarity cache.
type CacheConfig struct {
	MaxSize             int           `yaml:"max_size" validate:"gte=1"`
	DefaultTTL          time.Duration `yaml:"default_ttl" validate:"gt=0"`
	ResultTTL           time.Duration `yaml:"result_ttl" validate:"gt=0"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" validate:"gte=0"`
	PruneInterval       time.Duration `yaml:"prune_interval" validate:"gte=0"`
}

// SnapshotConfig configures cache persistence. An empty Path disables it.
type SnapshotConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// Enabled reports whether snapshots are configured.
func (c SnapshotConfig) Enabled() bool { return c.Path != "" }

// ConfidenceConfig configures the scorer.
type ConfidenceConfig struct {
	Weights      confidence.Weights `yaml:"weights"`
	HistoryLimit int                `yaml:"history_limit" validate:"gte=1"`
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
	Cache      CacheConfig               `yaml:"cache"`
	Snapshot   SnapshotConfig            `yaml:"snapshot"`
	Confidence ConfidenceConfig          `yaml:"confidence"`
	Backend    backend.Config            `yaml:"backend"`
	Tasks      map[string]tasks.Override `yaml:"tasks" validate:"dive"`
	Telemetry  telemetry.Config          `yaml:"telemetry"`
	Logging    logging.Config            `yaml:"logging"`
	Influx     observability.InfluxConfig `yaml:"influx"`
}

// =============================================================================
// Defaults
// =============================================================================

// setDefaults registers every key. AutomaticEnv only sees registered keys.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8087")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 10<<20)

	v.SetDefault("scheduler.max_concurrency", 4)
	v.SetDefault("scheduler.base_backoff", "250ms")
	v.SetDefault("scheduler.max_backoff", "30s")
	v.SetDefault("scheduler.default_timeout", dag.DefaultTaskTimeout.String())

	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.result_ttl", "1h")
	v.SetDefault("cache.similarity_threshold", 0.85)
	v.SetDefault("cache.prune_interval", "5m")

	v.SetDefault("snapshot.path", "")
	v.SetDefault("snapshot.interval", "10m")

	w := confidence.DefaultWeights()
	v.SetDefault("confidence.weights.completeness", w.Completeness)
	v.SetDefault("confidence.weights.consistency", w.Consistency)
	v.SetDefault("confidence.weights.pattern_match", w.PatternMatch)
	v.SetDefault("confidence.weights.historical_accuracy", w.HistoricalAccuracy)
	v.SetDefault("confidence.weights.cross_validation", w.CrossValidation)
	v.SetDefault("confidence.history_limit", confidence.DefaultHistoryLimit)

	v.SetDefault("backend.type", backend.TypeOllama)
	v.SetDefault("backend.model", "llama3.1:8b")
	v.SetDefault("backend.url", "http://localhost:11434")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.requests_per_second", 0)
	v.SetDefault("backend.burst", 1)
	v.SetDefault("backend.timeout", "2m")

	t := telemetry.DefaultConfig()
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.trace_exporter", t.TraceExporter)
	v.SetDefault("telemetry.metric_exporter", t.MetricExporter)
	v.SetDefault("telemetry.otlp_endpoint", t.OTLPEndpoint)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logging.FormatAuto)
	v.SetDefault("logging.log_dir", "")
	v.SetDefault("logging.service", "ledger")
	v.SetDefault("logging.quiet", false)

	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in defaults with environment overrides applied.
func Default() (*Config, error) {
	return decode(newViper())
}

// =============================================================================
// Loading
// =============================================================================

// Load reads, decodes, and validates the configuration.
//
// Description:
//
//	With a non-empty path the file must exist. Otherwise ledger.yaml is
//	searched for in the working directory and ~/.aleutian, and a missing
//	file is not an error.
//
// Inputs:
//
//	path - Config file path, or "" to search.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Read, decode, or validation failure. Validation errors wrap ErrInvalid.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".aleutian"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, weight sums, and task override ids.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Confidence.Weights.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(c.Tasks) > 0 {
		if _, err := tasks.DefaultGraph(backend.Disabled{}, c.Tasks); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// WriteDefault writes the defaults as YAML to path. It never overwrites.
func WriteDefault(path string) error {
	v := viper.New()
	setDefaults(v)
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config file: %w", err)
	}
	return f.Close()
}
