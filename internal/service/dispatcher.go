package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/ogx-gateway/internal/ogx"
)

// DispatcherConfig holds the background loop settings.
type DispatcherConfig struct {
	Interval      time.Duration
	PurgeInterval time.Duration
	// Workers bounds concurrent submissions per tick.
	Workers int
	// Batch bounds how many due messages one tick picks up.
	Batch int
}

// DefaultDispatcherConfig returns the settings used when none are configured.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Interval: 5 * time.Second, PurgeInterval: time.Hour, Workers: 8, Batch: 200}
}

// TickStats summarizes one dispatcher pass.
type TickStats struct {
	Expired   int
	Recovered int
	Processed int
	Polled    int
}

// Dispatcher periodically expires overdue messages, recovers abandoned
// attempts, submits due messages and polls upstream statuses. Old records
// are purged on a separate ticker.
type Dispatcher struct {
	d   *Delivery
	cfg DispatcherConfig
	log *zap.Logger
}

// NewDispatcher wires a dispatcher around d.
func NewDispatcher(d *Delivery, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDispatcherConfig().Interval
	}
	return &Dispatcher{d: d, cfg: cfg, log: log}
}

// RunOnce performs one full pass. Per-message failures are logged and do
// not stop the pass.
func (p *Dispatcher) RunOnce(ctx context.Context) (TickStats, error) {
	var stats TickStats
	now := p.d.now()

	n, err := p.d.ExpireDue(ctx, now)
	stats.Expired = n
	if err != nil {
		return stats, err
	}
	if stats.Recovered, err = p.d.RecoverAbandoned(ctx, now); err != nil {
		return stats, err
	}

	due, err := p.d.Due(ctx, now, p.cfg.Batch)
	if err != nil {
		return stats, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	processed := make([]bool, len(due))
	for i, st := range due {
		g.Go(func() error {
			_, err := p.d.Process(gctx, st.ID)
			switch {
			case err == nil:
				processed[i] = true
			case errors.Is(err, ogx.ErrRateLimit):
				p.log.Debug("submission throttled", zap.String("message_id", st.ID.String()), zap.Error(err))
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				p.log.Warn("process message failed", zap.String("message_id", st.ID.String()), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	for _, ok := range processed {
		if ok {
			stats.Processed++
		}
	}

	stats.Polled, err = p.d.PollStatuses(ctx)
	if err != nil {
		p.log.Warn("status poll incomplete", zap.Error(err))
	}
	return stats, nil
}

// Run loops until ctx is cancelled.
func (p *Dispatcher) Run(ctx context.Context) error {
	tick := time.NewTicker(p.cfg.Interval)
	defer tick.Stop()
	purge := time.NewTicker(p.purgeInterval())
	defer purge.Stop()

	p.log.Info("dispatcher started", zap.Duration("interval", p.cfg.Interval), zap.Int("workers", p.cfg.Workers))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("dispatcher stopped")
			return nil
		case <-tick.C:
			stats, err := p.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.Error("dispatch pass failed", zap.Error(err))
				continue
			}
			if stats != (TickStats{}) {
				p.log.Debug("dispatch pass",
					zap.Int("expired", stats.Expired), zap.Int("recovered", stats.Recovered),
					zap.Int("processed", stats.Processed), zap.Int("polled", stats.Polled))
			}
		case <-purge.C:
			if _, err := p.d.Purge(ctx, p.d.now()); err != nil && ctx.Err() == nil {
				p.log.Error("purge failed", zap.Error(err))
			}
		}
	}
}

func (p *Dispatcher) purgeInterval() time.Duration {
	if p.cfg.PurgeInterval > 0 {
		return p.cfg.PurgeInterval
	}
	return time.Hour
}
