// Command ogx-gateway runs the OGx message gateway: the delivery
// dispatcher, the operator gRPC API and the metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/ogx-gateway/internal/config"
	"github.com/and161185/ogx-gateway/internal/crypto"
	"github.com/and161185/ogx-gateway/internal/events"
	"github.com/and161185/ogx-gateway/internal/limiter"
	"github.com/and161185/ogx-gateway/internal/metrics"
	"github.com/and161185/ogx-gateway/internal/migrate"
	"github.com/and161185/ogx-gateway/internal/repository"
	"github.com/and161185/ogx-gateway/internal/repository/etcd"
	"github.com/and161185/ogx-gateway/internal/repository/memory"
	"github.com/and161185/ogx-gateway/internal/repository/postgres"
	grpcserver "github.com/and161185/ogx-gateway/internal/server/grpc"
	"github.com/and161185/ogx-gateway/internal/service"
	"github.com/and161185/ogx-gateway/internal/transport"
	"github.com/and161185/ogx-gateway/internal/upstream"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, opens the stores and serves until SIGINT/SIGTERM.
func main() {
	cfgPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "", "gRPC listen address (overrides grpc_addr)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides store.dsn)")
	dev := flag.Bool("dev", false, "enable server reflection (dev only)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.GRPCAddr = *addr
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	cfg.Dev = cfg.Dev || *dev
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.GRPCAddr),
		zap.String("store", cfg.Store.Backend),
		zap.String("token_store", cfg.Store.Tokens()),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := metrics.New()
	hs := health.NewServer()
	checks := grpcserver.NewHealth(hs, logger, col)

	// Stores
	var pool *pgxpool.Pool
	if cfg.Store.Backend == config.BackendPostgres || cfg.Store.Tokens() == config.BackendPostgres {
		ver, err := migrate.Up(ctx, cfg.Store.DSN, logger)
		if err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		logger.Info("schema ready", zap.Int64("version", ver))

		pool, err = postgres.Open(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			logger.Fatal("postgres open", zap.Error(err))
		}
		defer pool.Close()
		checks.Add("postgres", pool.Ping)
	}
	db := &postgres.DB{Pool: pool}

	var states repository.StateRepository = memory.NewStateRepo()
	if cfg.Store.Backend == config.BackendPostgres {
		states = postgres.NewStateRepo(db)
	}

	var tokenStore repository.TokenRepository = memory.NewTokenRepo()
	if cfg.Store.Tokens() != config.BackendMemory {
		sealer, err := crypto.NewSealer([]byte(cfg.Store.SealKey))
		if err != nil {
			logger.Fatal("token sealer", zap.Error(err))
		}
		switch cfg.Store.Tokens() {
		case config.BackendPostgres:
			tokenStore = postgres.NewTokenRepo(db, sealer)
		case config.BackendEtcd:
			cli, err := etcd.Dial(cfg.Store.EtcdEndpoints)
			if err != nil {
				logger.Fatal("etcd dial", zap.Error(err))
			}
			defer func() { _ = cli.Close() }()
			tokenStore = etcd.NewTokenRepo(cli, sealer)
			checks.Add("etcd", func(ctx context.Context) error {
				_, err := cli.Get(ctx, "health")
				return err
			})
		}
	}

	var lim limiter.Limiter = limiter.NewMemory(cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
	if pool != nil {
		lim = limiter.NewPG(pool, cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
	}

	// Transition events
	sinks := []service.TransitionSink{col}
	if cfg.NATS.URL != "" {
		nc, err := events.Dial(cfg.NATS.URL, "ogx-gateway", logger)
		if err != nil {
			logger.Fatal("nats connect", zap.Error(err))
		}
		defer func() { _ = nc.Drain() }()
		sinks = append(sinks, events.NewNATSSink(nc, cfg.NATS.Subject, logger))
		checks.Add("nats", func(context.Context) error {
			if st := nc.Status(); st != nats.CONNECTED {
				return errors.New("nats " + st.String())
			}
			return nil
		})
	}

	// Routing
	sel, err := newSelector(cfg)
	if err != nil {
		logger.Fatal("transport routing", zap.Error(err))
	}

	// Services
	up := upstream.New(cfg.Upstream.BaseURL, &http.Client{Timeout: cfg.Upstream.Timeout}, logger)
	creds := service.StaticCredentials(cfg.Clients)
	tokens := service.NewTokenManager(up, creds, tokenStore, cfg.TokenConfig(), logger,
		service.WithRefreshObserver(col))
	checks.Add("tokens", tokens.Healthy)

	deliveries := service.NewDelivery(states, tokens, up, sel, cfg.DeliveryConfig(), logger,
		service.WithTransitionSinks(sinks...),
		service.WithRejectionObserver(col),
		service.WithLimiter(lim),
	)
	dispatcher := service.NewDispatcher(deliveries, cfg.DispatcherConfig(), logger)

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.AuthUnary([]byte(cfg.Operator.SignKey), func(id string) bool {
				_, ok := creds.Secret(id)
				return ok
			}, logger),
			grpcserver.LoggingUnary(logger),
		),
	}
	if cfg.TLS.Enabled() {
		tc, err := credentials.NewServerTLSFromFile(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(tc))
	}
	s := grpc.NewServer(opts...)
	grpcserver.Register(s, grpcserver.New(deliveries, tokens, cfg.Delivery.Enumerations))

	// Health & reflection (dev)
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", col.Handler())
	ms := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", cfg.TLS.Enabled()))
		errCh <- s.Serve(lis)
	}()
	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	go checks.Run(ctx, cfg.HealthInterval)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		_ = dispatcher.Run(ctx)
	}()

	// Wait for stop
	exit := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exit = 1
		stop()
	}

	// graceful shutdown
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Stop()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = ms.Shutdown(sctx)
	cancel()
	<-dispatched

	logger.Info("shutdown complete")
	if exit != 0 {
		_ = logger.Sync()
		os.Exit(exit)
	}
}

// newSelector builds the transport selector from the routing policy with
// the configured unreachable transports switched off globally.
func newSelector(cfg *config.Config) (*transport.Selector, error) {
	policy, err := cfg.TransportPolicy()
	if err != nil {
		return nil, err
	}
	unreachable, err := cfg.UnreachableTransports()
	if err != nil {
		return nil, err
	}
	reach := transport.NewTable()
	for _, t := range unreachable {
		reach.SetGlobal(t, false)
	}
	return transport.NewSelector(policy, reach)
}
