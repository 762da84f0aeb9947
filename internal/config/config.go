// Package config loads edgestored's configuration from a YAML file, with
// environment variables overriding individual fields. The file carries the
// settings too numerous to reasonably pass as individual env vars (the
// host list, pool tuning); env vars are for the handful an operator wants
// to override per-deployment without templating the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Host is one shard's backing database destination.
type Host struct {
	Addr   string `yaml:"addr"`
	DBName string `yaml:"dbname"`
}

// Pool tunes the connection pool behind every shard's MySQL connection.
type Pool struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Config is edgestored's full configuration.
type Config struct {
	Hosts       []Host `yaml:"hosts"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	Pool        Pool   `yaml:"pool"`
}

// Default returns the configuration used when no file is given and no
// environment overrides are set. It is not a usable configuration on its
// own: Hosts is empty and must be supplied by a file or DATABASE_HOSTS.
func Default() Config {
	return Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Pool: Pool{
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config from path (if non-empty), then applies
// environment variable overrides, then validates the result. Recognized
// overrides:
//
//	DATABASE_HOSTS             comma-separated addr=dbname pairs, replacing Hosts entirely
//	EDGESTORE_DBNAME           dbname applied to every host that doesn't set its own (default "edgestore")
//	EDGESTORE_LOG_LEVEL        overrides LogLevel
//	EDGESTORE_METRICS_ADDR     overrides MetricsAddr
//	EDGESTORE_POOL_MAX_OPEN    overrides Pool.MaxOpenConns
//	EDGESTORE_POOL_MAX_IDLE    overrides Pool.MaxIdleConns
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_HOSTS"); v != "" {
		hosts, err := parseHosts(v)
		if err != nil {
			return fmt.Errorf("config: DATABASE_HOSTS: %w", err)
		}
		cfg.Hosts = hosts
	}
	dbname := os.Getenv("EDGESTORE_DBNAME")
	if dbname == "" {
		dbname = "edgestore"
	}
	for i := range cfg.Hosts {
		if cfg.Hosts[i].DBName == "" {
			cfg.Hosts[i].DBName = dbname
		}
	}
	if v := os.Getenv("EDGESTORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EDGESTORE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("EDGESTORE_POOL_MAX_OPEN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: EDGESTORE_POOL_MAX_OPEN: %w", err)
		}
		cfg.Pool.MaxOpenConns = n
	}
	if v := os.Getenv("EDGESTORE_POOL_MAX_IDLE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: EDGESTORE_POOL_MAX_IDLE: %w", err)
		}
		cfg.Pool.MaxIdleConns = n
	}
	return nil
}

// parseHosts parses a comma-separated "addr=dbname,addr=dbname" list, in
// the order they will be indexed by router.Router.HostIndex.
func parseHosts(raw string) ([]Host, error) {
	parts := strings.Split(raw, ",")
	hosts := make([]Host, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		addr, dbname, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("expected addr=dbname, got %q", p)
		}
		hosts = append(hosts, Host{Addr: addr, DBName: dbname})
	}
	return hosts, nil
}

// Validate reports whether cfg is complete enough to build a store from.
func (c Config) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("config: at least one host is required (set via config file or DATABASE_HOSTS)")
	}
	for i, h := range c.Hosts {
		if h.Addr == "" {
			return fmt.Errorf("config: hosts[%d]: addr is required", i)
		}
		if h.DBName == "" {
			return fmt.Errorf("config: hosts[%d]: dbname is required", i)
		}
	}
	if c.Pool.MaxOpenConns <= 0 {
		return fmt.Errorf("config: pool.max_open_conns must be positive")
	}
	return nil
}
