package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthObserver is told about every check result. *metrics.Collector implements it.
type HealthObserver interface {
	ObserveHealth(check string, err error)
}

type namedCheck struct {
	name  string
	check Check
}

// Health drives a gRPC health server from periodic dependency checks.
// The overall status ("") and ServiceName serve only while every check passes.
type Health struct {
	hs      *health.Server
	checks  []namedCheck
	timeout time.Duration
	log     *zap.Logger
	obs     HealthObserver
}

// NewHealth wraps hs. obs may be nil.
func NewHealth(hs *health.Server, log *zap.Logger, obs HealthObserver) *Health {
	if log == nil {
		log = zap.NewNop()
	}
	return &Health{hs: hs, timeout: 5 * time.Second, log: log, obs: obs}
}

// Add registers a named check.
func (h *Health) Add(name string, c Check) {
	h.checks = append(h.checks, namedCheck{name: name, check: c})
}

// Update runs every check once and publishes the combined status.
func (h *Health) Update(ctx context.Context) error {
	var failed []error
	for _, c := range h.checks {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := c.check(cctx)
		cancel()
		if h.obs != nil {
			h.obs.ObserveHealth(c.name, err)
		}
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	st := healthpb.HealthCheckResponse_SERVING
	err := errors.Join(failed...)
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		h.log.Warn("health check failed", zap.Error(err))
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(ServiceName, st)
	return err
}

// Run re-checks every interval until ctx is cancelled, then marks
// everything as not serving.
func (h *Health) Run(ctx context.Context, interval time.Duration) {
	_ = h.Update(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.hs.Shutdown()
			return
		case <-t.C:
			_ = h.Update(ctx)
		}
	}
}
