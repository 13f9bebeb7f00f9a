package grpcserver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type recordingHealth struct {
	mu      sync.Mutex
	results map[string]error
}

var _ HealthObserver = (*recordingHealth)(nil)

func (r *recordingHealth) ObserveHealth(check string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]error{}
	}
	r.results[check] = err
}

func servingStatus(t *testing.T, hs *health.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_Update(t *testing.T) {
	t.Parallel()

	hs := health.NewServer()
	obs := &recordingHealth{}
	h := NewHealth(hs, zaptest.NewLogger(t), obs)

	var dbErr error
	h.Add("db", func(context.Context) error { return dbErr })
	h.Add("tokens", func(context.Context) error { return nil })

	require.NoError(t, h.Update(context.Background()))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, hs, ""))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, hs, ServiceName))

	dbErr = errors.New("connection refused")
	err := h.Update(context.Background())
	require.ErrorIs(t, err, dbErr)
	require.ErrorContains(t, err, "db:")
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, hs, ServiceName))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.ErrorIs(t, obs.results["db"], dbErr)
	require.NoError(t, obs.results["tokens"])
}

func TestHealth_RunShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	hs := health.NewServer()
	h := NewHealth(hs, nil, nil)
	h.Add("ok", func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, hs, ServiceName))
}
