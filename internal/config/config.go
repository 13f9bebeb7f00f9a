// Package config loads the gateway configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/and161185/ogx-gateway/internal/backoff"
	"github.com/and161185/ogx-gateway/internal/events"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
	"github.com/and161185/ogx-gateway/internal/service"
	"github.com/and161185/ogx-gateway/internal/transport"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
)

// Config is the complete gateway configuration.
type Config struct {
	GRPCAddr       string        `yaml:"grpc_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Dev            bool          `yaml:"dev"`
	HealthInterval time.Duration `yaml:"health_interval"`

	TLS        TLS               `yaml:"tls"`
	Store      Store             `yaml:"store"`
	NATS       NATS              `yaml:"nats"`
	Upstream   Upstream          `yaml:"upstream"`
	Clients    map[string]string `yaml:"clients"`
	Operator   Operator          `yaml:"operator"`
	Tokens     Tokens            `yaml:"tokens"`
	Delivery   Delivery          `yaml:"delivery"`
	Transport  Transport         `yaml:"transport"`
	Dispatcher Dispatcher        `yaml:"dispatcher"`
	Limiter    Limiter           `yaml:"limiter"`
}

// TLS enables transport security on the operator API when both files are set.
type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether a certificate is configured.
func (t TLS) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// Store selects where message states and tokens live.
type Store struct {
	// Backend holds message states: memory or postgres.
	Backend string `yaml:"backend"`
	// TokenBackend holds tokens: memory, postgres or etcd. Empty follows Backend.
	TokenBackend  string   `yaml:"token_backend"`
	DSN           string   `yaml:"dsn"`
	MaxConns      int32    `yaml:"max_conns"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	// SealKey encrypts tokens kept in postgres or etcd.
	SealKey string `yaml:"seal_key"`
}

// Tokens returns the effective token backend.
func (s Store) Tokens() string {
	if s.TokenBackend == "" {
		return s.Backend
	}
	return s.TokenBackend
}

// NATS enables transition events when URL is set.
type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Upstream is the OGx gateway web service.
type Upstream struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Operator configures operator API tokens.
type Operator struct {
	SignKey  string        `yaml:"sign_key"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Tokens mirrors service.TokenConfig.
type Tokens struct {
	RefreshMargin  time.Duration  `yaml:"refresh_margin"`
	RequestTTL     time.Duration  `yaml:"request_ttl"`
	RefreshTimeout time.Duration  `yaml:"refresh_timeout"`
	Retry          backoff.Policy `yaml:"retry"`
}

// Delivery mirrors service.DeliveryConfig.
type Delivery struct {
	Retry          backoff.Policy      `yaml:"retry"`
	AttemptTimeout time.Duration       `yaml:"attempt_timeout"`
	MessageTTL     time.Duration       `yaml:"message_ttl"`
	Retention      time.Duration       `yaml:"retention"`
	Enumerations   map[string][]string `yaml:"enumerations"`
}

// Transport is the routing policy in configuration form.
type Transport struct {
	Mode                    string   `yaml:"mode"`
	Priority                []string `yaml:"priority"`
	MaxAttemptsPerTransport int      `yaml:"max_attempts_per_transport"`
	SatelliteOnlySINs       []int    `yaml:"satellite_only_sins"`
	// Unreachable lists transports disabled for every destination.
	Unreachable []string `yaml:"unreachable"`
}

// Dispatcher mirrors service.DispatcherConfig.
type Dispatcher struct {
	Interval      time.Duration `yaml:"interval"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	Workers       int           `yaml:"workers"`
	Batch         int           `yaml:"batch"`
}

// Limiter configures the local lockout after repeated throttling.
type Limiter struct {
	Window   time.Duration `yaml:"window"`
	MaxFails int           `yaml:"max_fails"`
	BlockFor time.Duration `yaml:"block_for"`
}

// Default returns a configuration that runs everything in memory.
func Default() *Config {
	tc := service.DefaultTokenConfig()
	dc := service.DefaultDeliveryConfig()
	pc := service.DefaultDispatcherConfig()
	tp := transport.DefaultPolicy()
	priority := make([]string, len(tp.Priority))
	for i, t := range tp.Priority {
		priority[i] = t.String()
	}
	return &Config{
		GRPCAddr:       ":8443",
		MetricsAddr:    ":9090",
		HealthInterval: 15 * time.Second,
		Store:          Store{Backend: BackendMemory},
		NATS:           NATS{Subject: events.DefaultSubject},
		Upstream:       Upstream{Timeout: ogx.DefaultAttemptTimeout},
		Operator:       Operator{TokenTTL: 12 * time.Hour},
		Tokens: Tokens{
			RefreshMargin:  tc.RefreshMargin,
			RequestTTL:     tc.RequestTTL,
			RefreshTimeout: tc.RefreshTimeout,
			Retry:          tc.Retry,
		},
		Delivery: Delivery{
			Retry:          dc.Retry,
			AttemptTimeout: dc.AttemptTimeout,
			MessageTTL:     dc.MessageTTL,
			Retention:      dc.Retention,
		},
		Transport: Transport{
			Mode:                    string(tp.Mode),
			Priority:                priority,
			MaxAttemptsPerTransport: tp.MaxAttemptsPerTransport,
		},
		Dispatcher: Dispatcher{
			Interval:      pc.Interval,
			PurgeInterval: pc.PurgeInterval,
			Workers:       pc.Workers,
			Batch:         pc.Batch,
		},
		Limiter: Limiter{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 5 * time.Minute},
	}
}

// Load reads path over the defaults. Environment references such as
// ${OGX_SECRET} are expanded before parsing. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) { problems = append(problems, fmt.Errorf(format, args...)) }

	if c.GRPCAddr == "" {
		add("grpc_addr is required")
	}
	if c.Upstream.BaseURL == "" {
		add("upstream.base_url is required")
	}
	if len(c.Clients) == 0 {
		add("at least one client is required")
	}
	for id, secret := range c.Clients {
		if id == "" || secret == "" {
			add("client %q: id and secret are required", id)
		}
	}
	if len(c.Operator.SignKey) < 16 {
		add("operator.sign_key must be at least 16 bytes")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		add("tls: cert_file and key_file go together")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for postgres")
		}
	default:
		add("store.backend %q: want memory or postgres", c.Store.Backend)
	}
	switch c.Store.Tokens() {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for postgres tokens")
		}
	case BackendEtcd:
		if len(c.Store.EtcdEndpoints) == 0 {
			add("store.etcd_endpoints is required for etcd tokens")
		}
	default:
		add("store.token_backend %q: want memory, postgres or etcd", c.Store.TokenBackend)
	}
	if c.Store.MaxConns < 0 {
		add("store.max_conns must be >= 0")
	}
	if c.Store.Tokens() != BackendMemory && len(c.Store.SealKey) < 16 {
		add("store.seal_key must be at least 16 bytes for shared token storage")
	}

	if err := c.Tokens.Retry.Validate(); err != nil {
		add("tokens.retry: %w", err)
	}
	if err := c.Delivery.Retry.Validate(); err != nil {
		add("delivery.retry: %w", err)
	}
	if c.Delivery.MessageTTL <= 0 || c.Delivery.Retention <= 0 {
		add("delivery.message_ttl and delivery.retention must be > 0")
	}
	if _, err := c.TransportPolicy(); err != nil {
		add("transport: %w", err)
	}
	if _, err := c.UnreachableTransports(); err != nil {
		add("transport.unreachable: %w", err)
	}
	if c.Dispatcher.Interval <= 0 || c.Dispatcher.Workers <= 0 || c.Dispatcher.Batch <= 0 {
		add("dispatcher: interval, workers and batch must be > 0")
	}
	if c.HealthInterval <= 0 {
		add("health_interval must be > 0")
	}
	if c.Limiter.MaxFails <= 0 {
		add("limiter.max_fails must be > 0")
	}
	return errors.Join(problems...)
}

// TokenConfig converts the token settings.
func (c *Config) TokenConfig() service.TokenConfig {
	return service.TokenConfig{
		RefreshMargin:  c.Tokens.RefreshMargin,
		RequestTTL:     c.Tokens.RequestTTL,
		RefreshTimeout: c.Tokens.RefreshTimeout,
		Retry:          c.Tokens.Retry,
	}
}

// DeliveryConfig converts the delivery settings.
func (c *Config) DeliveryConfig() service.DeliveryConfig {
	return service.DeliveryConfig{
		Retry:          c.Delivery.Retry,
		AttemptTimeout: c.Delivery.AttemptTimeout,
		MessageTTL:     c.Delivery.MessageTTL,
		Retention:      c.Delivery.Retention,
		Enumerations:   c.Delivery.Enumerations,
	}
}

// DispatcherConfig converts the dispatcher settings.
func (c *Config) DispatcherConfig() service.DispatcherConfig {
	return service.DispatcherConfig(c.Dispatcher)
}

// TransportPolicy parses the routing policy.
func (c *Config) TransportPolicy() (transport.Policy, error) {
	p := transport.Policy{
		Mode:                    transport.Mode(c.Transport.Mode),
		MaxAttemptsPerTransport: c.Transport.MaxAttemptsPerTransport,
		SatelliteOnlySINs:       c.Transport.SatelliteOnlySINs,
	}
	if p.Mode != transport.ModeOrdered && p.Mode != transport.ModeCost {
		return p, fmt.Errorf("mode %q: want ordered or cost", c.Transport.Mode)
	}
	for _, s := range c.Transport.Priority {
		t, err := model.ParseTransport(s)
		if err != nil {
			return p, err
		}
		p.Priority = append(p.Priority, t)
	}
	return p, nil
}

// UnreachableTransports parses transport.unreachable.
func (c *Config) UnreachableTransports() ([]model.Transport, error) {
	out := make([]model.Transport, 0, len(c.Transport.Unreachable))
	for _, s := range c.Transport.Unreachable {
		t, err := model.ParseTransport(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
