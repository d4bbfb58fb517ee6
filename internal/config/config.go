package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sitecache/internal/origin"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Admin     AdminConfig      `yaml:"admin"`
	Site      SiteConfig       `yaml:"site"`
	Origin    OriginConfig     `yaml:"origin"`
	Worker    WorkerConfig     `yaml:"worker"`
	KV        KVConfig         `yaml:"kv"`
	Log       LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	TLS             TLSConfig     `yaml:"tls"`
	IPBlockCIDRs    []string      `yaml:"ipBlockCIDRs"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type ListenerConfig struct {
	Name       string    `yaml:"name"`
	Address    string    `yaml:"address"`
	TLS        TLSConfig `yaml:"tls"`
	RedirectTo string    `yaml:"redirectTo"`
}

type AdminConfig struct {
	Address string `yaml:"address"`
}

type SiteConfig struct {
	// Origin is the public origin clients address, e.g. https://www.example.com.
	Origin string `yaml:"origin"`
}

type OriginConfig struct {
	Name               string                       `yaml:"name"`
	Endpoints          []string                     `yaml:"endpoints"`
	HealthCheck        *origin.HealthCheckConfig    `yaml:"healthCheck,omitempty"`
	CircuitBreaker     *origin.CircuitBreakerConfig `yaml:"circuitBreaker,omitempty"`
	InsecureSkipVerify bool                         `yaml:"insecureSkipVerify"`
	DialTimeout        time.Duration                `yaml:"dialTimeout"`
}

type WorkerConfig struct {
	PrecacheName        string        `yaml:"precacheName"`
	RuntimeName         string        `yaml:"runtimeName"`
	CDNName             string        `yaml:"cdnName"`
	CDNHosts            []string      `yaml:"cdnHosts"`
	Manifest            []string      `yaml:"manifest"`
	MaxBodyBytes        int64         `yaml:"maxBodyBytes"`
	PrecacheConcurrency int           `yaml:"precacheConcurrency"`
	AwaitSkipWaiting    bool          `yaml:"awaitSkipWaiting"`
	Storage             StorageConfig `yaml:"storage"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"maxEntries"`
}

type KVConfig struct {
	Driver     string        `yaml:"driver"`
	Path       string        `yaml:"path"`
	DSN        string        `yaml:"dsn"`
	Namespace  string        `yaml:"namespace"`
	DefaultTTL time.Duration `yaml:"defaultTTL"`
	MaxEntries int           `yaml:"maxEntries"`
	QuotaBytes int64         `yaml:"quotaBytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = "127.0.0.1:9090"
	}
	if cfg.Site.Origin == "" {
		cfg.Site.Origin = "http://localhost:8080"
	}
	if cfg.Origin.Name == "" {
		cfg.Origin.Name = "site"
	}

	if cfg.Worker.MaxBodyBytes <= 0 {
		cfg.Worker.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Worker.PrecacheConcurrency <= 0 {
		cfg.Worker.PrecacheConcurrency = 4
	}
	if cfg.Worker.Storage.Driver == "" {
		cfg.Worker.Storage.Driver = DriverMemory
	}
	if cfg.Worker.Storage.MaxEntries <= 0 {
		cfg.Worker.Storage.MaxEntries = 1000
	}

	if cfg.KV.Driver == "" {
		cfg.KV.Driver = DriverMemory
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (cfg *Config) Validate() error {
	u, err := url.Parse(cfg.Site.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.origin %q must be an absolute URL", cfg.Site.Origin)
	}
	if len(cfg.Origin.Endpoints) == 0 {
		return fmt.Errorf("origin.endpoints must list at least one endpoint")
	}

	switch cfg.Worker.Storage.Driver {
	case DriverMemory:
	case DriverBolt:
		if cfg.Worker.Storage.Path == "" {
			return fmt.Errorf("worker.storage.path is required for the bolt driver")
		}
	default:
		return fmt.Errorf("worker.storage.driver %q is not supported", cfg.Worker.Storage.Driver)
	}

	switch cfg.KV.Driver {
	case DriverMemory:
	case DriverBolt:
		if cfg.KV.Path == "" {
			return fmt.Errorf("kv.path is required for the bolt driver")
		}
	case DriverPostgres:
		if cfg.KV.DSN == "" {
			return fmt.Errorf("kv.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("kv.driver %q is not supported", cfg.KV.Driver)
	}

	names := make(map[string]bool, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		names[l.Name] = true
	}
	for _, l := range cfg.Listeners {
		if l.RedirectTo != "" && !names[l.RedirectTo] {
			return fmt.Errorf("listener %q has redirectTo=%q but target not found", l.Name, l.RedirectTo)
		}
	}
	return nil
}

// SiteOrigin returns the parsed site origin. Validate has already checked it.
func (cfg *Config) SiteOrigin() *url.URL {
	u, _ := url.Parse(cfg.Site.Origin)
	return u
}
