package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/ogx-gateway/internal/convert"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
	"github.com/and161185/ogx-gateway/internal/transport"
)

func TestDispatcher_RunOnce(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	f.gw.statusFn = func(ids []string) ([]model.StatusUpdate, error) {
		out := make([]model.StatusUpdate, len(ids))
		for i, id := range ids {
			out[i] = model.StatusUpdate{GatewayID: id, Outcome: model.OutcomeDelivered, State: convert.StateReceived}
		}
		return out, nil
	}
	ctx := context.Background()

	var toMobile []*model.MessageState
	for range 5 {
		toMobile = append(toMobile, f.accept(t, ogx.ToMobile))
	}
	fromMobile := f.accept(t, ogx.FromMobile)

	short, err := f.d.Accept(ctx, AcceptRequest{
		ClientID: "c1", Destination: "T2", Direction: ogx.ToMobile, Message: pingMessage(), TTL: time.Second,
	})
	require.NoError(t, err)
	f.clk.Advance(time.Second)

	p := NewDispatcher(f.d, DispatcherConfig{Workers: 3, Batch: 100}, zaptest.NewLogger(t))
	stats, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, TickStats{Expired: 1, Processed: 6, Polled: 5}, stats)

	for _, st := range toMobile {
		got, err := f.d.Get(ctx, st.ID)
		require.NoError(t, err)
		require.Equal(t, model.StatusDelivered, got.Status)
	}
	got, err := f.d.Get(ctx, fromMobile.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
	got, err = f.d.Get(ctx, short.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusExpired, got.Status)

	stats, err = p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, TickStats{}, stats)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newDeliveryFixture(t, testDeliveryConfig(), transport.Policy{})
	p := NewDispatcher(f.d, DispatcherConfig{Interval: time.Millisecond}, zaptest.NewLogger(t))

	st := f.accept(t, ogx.FromMobile)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.d.Get(context.Background(), st.ID)
		return err == nil && got.Status == model.StatusSubmitted
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_RunOnceRecoversAbandoned(t *testing.T) {
	t.Parallel()
	cfg := testDeliveryConfig()
	f := newDeliveryFixture(t, cfg, transport.Policy{})
	ctx := context.Background()
	st := f.accept(t, ogx.FromMobile)
	f.stickInSubmitting(t, st.ID)
	f.clk.Advance(cfg.AttemptTimeout + AbandonedGrace + time.Second)

	p := NewDispatcher(f.d, DispatcherConfig{Workers: 1, Batch: 10}, zaptest.NewLogger(t))
	stats, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, TickStats{Recovered: 1}, stats)

	f.clk.Advance(time.Hour)
	stats, err = p.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, TickStats{Processed: 1}, stats)
	got, err := f.d.Get(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, got.Status)
}
