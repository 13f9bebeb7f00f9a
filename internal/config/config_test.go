package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_OverridesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("OGX_TEST_SECRET", "s3cr3t")
	p := writeConfig(t, `
grpc_addr: ":9443"
upstream:
  base_url: https://ogx.example.com/api/v1.0
clients:
  "70000001": ${OGX_TEST_SECRET}
operator:
  sign_key: 0123456789abcdef0123
delivery:
  retry:
    max_attempts: 3
    base_delay: 10s
    multiplier: 3
    max_delay: 5m
  enumerations:
    mode: [on, off]
transport:
  mode: cost
  priority: [cellular, sat]
  satellite_only_sins: [16]
  unreachable: [cell]
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9443", cfg.GRPCAddr)
	require.Equal(t, "s3cr3t", cfg.Clients["70000001"])
	require.Equal(t, 3, cfg.Delivery.Retry.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Delivery.Retry.BaseDelay)
	require.Equal(t, []string{"on", "off"}, cfg.Delivery.Enumerations["mode"])

	// untouched sections keep their defaults
	require.Equal(t, Default().Dispatcher, cfg.Dispatcher)
	require.Equal(t, BackendMemory, cfg.Store.Tokens())

	pol, err := cfg.TransportPolicy()
	require.NoError(t, err)
	require.Equal(t, transport.ModeCost, pol.Mode)
	require.Equal(t, []model.Transport{model.TransportCellular, model.TransportSatellite}, pol.Priority)
	require.Equal(t, transport.DefaultMaxAttemptsPerTransport, pol.MaxAttemptsPerTransport)

	un, err := cfg.UnreachableTransports()
	require.NoError(t, err)
	require.Equal(t, []model.Transport{model.TransportCellular}, un)

	dc := cfg.DeliveryConfig()
	require.Equal(t, cfg.Delivery.Retry, dc.Retry)
	require.Equal(t, cfg.Dispatcher.Workers, cfg.DispatcherConfig().Workers)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "grpc_addr: [unclosed"))
	require.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		c := Default()
		c.Upstream.BaseURL = "http://localhost:8080"
		c.Clients = map[string]string{"c1": "secret"}
		c.Operator.SignKey = "0123456789abcdef"
		return c
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"no upstream":          func(c *Config) { c.Upstream.BaseURL = "" },
		"no clients":           func(c *Config) { c.Clients = nil },
		"empty secret":         func(c *Config) { c.Clients["c2"] = "" },
		"short sign key":       func(c *Config) { c.Operator.SignKey = "short" },
		"half tls":             func(c *Config) { c.TLS.CertFile = "cert.pem" },
		"unknown backend":      func(c *Config) { c.Store.Backend = "redis" },
		"postgres without dsn": func(c *Config) { c.Store.Backend = BackendPostgres },
		"etcd without endpoints": func(c *Config) {
			c.Store.TokenBackend = BackendEtcd
			c.Store.SealKey = "0123456789abcdef"
		},
		"etcd without seal key": func(c *Config) {
			c.Store.TokenBackend = BackendEtcd
			c.Store.EtcdEndpoints = []string{"localhost:2379"}
		},
		"bad retry":         func(c *Config) { c.Delivery.Retry.Multiplier = 0.5 },
		"bad mode":          func(c *Config) { c.Transport.Mode = "random" },
		"bad priority":      func(c *Config) { c.Transport.Priority = []string{"pigeon"} },
		"bad unreachable":   func(c *Config) { c.Transport.Unreachable = []string{"pigeon"} },
		"no workers":        func(c *Config) { c.Dispatcher.Workers = 0 },
		"no limiter budget": func(c *Config) { c.Limiter.MaxFails = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}
