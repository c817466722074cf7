package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/throw-if-null/quill/internal/api"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Executor  ExecutorConfig  `toml:"executor"`
	Broker    BrokerConfig    `toml:"broker"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type ExecutorConfig struct {
	MaxRetries       int `toml:"max_retries"`
	BackoffInitialMS int `toml:"backoff_initial_ms"`
	BackoffMaxMS     int `toml:"backoff_max_ms"`
}

type BrokerConfig struct {
	Buffer int `toml:"buffer"`
}

type ReconcileConfig struct {
	GraceMS    int `toml:"grace_ms"`
	IntervalMS int `toml:"interval_ms"`
}

type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

func Default() Config {
	return Config{
		Server:    ServerConfig{Host: api.DefaultHost, Port: api.DefaultPort},
		Store:     StoreConfig{Path: filepath.ToSlash(filepath.Join(".quill", "quill.db"))},
		Executor:  ExecutorConfig{MaxRetries: 3, BackoffInitialMS: 500, BackoffMaxMS: 30_000},
		Broker:    BrokerConfig{Buffer: 64},
		Reconcile: ReconcileConfig{GraceMS: 60_000, IntervalMS: 15_000},
		Telemetry: TelemetryConfig{Enabled: false, Endpoint: "localhost:4318", Insecure: true},
	}
}

var ErrInvalid = errors.New("invalid config")

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads .quill/config.toml under root. A missing file is not an
// error: defaults apply. A present but unparsable file is reported via
// ParseError with defaults intact, so the daemon can start and complain.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, ".quill", "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	// Store
	if cfg.Store.Path != "" {
		def.Store.Path = cfg.Store.Path
	}
	// Executor
	if cfg.Executor.MaxRetries != 0 {
		def.Executor.MaxRetries = cfg.Executor.MaxRetries
	}
	if cfg.Executor.BackoffInitialMS != 0 {
		def.Executor.BackoffInitialMS = cfg.Executor.BackoffInitialMS
	}
	if cfg.Executor.BackoffMaxMS != 0 {
		def.Executor.BackoffMaxMS = cfg.Executor.BackoffMaxMS
	}
	// Broker
	if cfg.Broker.Buffer != 0 {
		def.Broker.Buffer = cfg.Broker.Buffer
	}
	// Reconcile
	if cfg.Reconcile.GraceMS != 0 {
		def.Reconcile.GraceMS = cfg.Reconcile.GraceMS
	}
	if cfg.Reconcile.IntervalMS != 0 {
		def.Reconcile.IntervalMS = cfg.Reconcile.IntervalMS
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.Endpoint != "" {
		def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.Endpoint != "" || cfg.Telemetry.Enabled {
		def.Telemetry.Insecure = cfg.Telemetry.Insecure
	}
	return def
}
