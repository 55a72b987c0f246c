package system

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"amas/internal/logging"
	"amas/internal/monitor"
)

// Supervisor runs the Service's background workers and handles graceful
// shutdown. The trace recorder runs on every instance; the delayed-reward
// worker, alert engine, and rules watcher run only on the leader so exactly
// one worker drains the shared queue.
type Supervisor struct {
	service *Service
	watcher *fsnotify.Watcher
}

// NewSupervisor wraps a service.
func NewSupervisor(svc *Service) *Supervisor {
	return &Supervisor{service: svc}
}

// Run starts the workers and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then stops everything in order: ingest stops first, the trace
// recorder drains last.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := s.service
	logging.Boot("Starting %s %s leader=%v", svc.cfg.Name, svc.cfg.Version, svc.cfg.Leader)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.recorder.Run(gctx)
	})

	if svc.cfg.Leader {
		g.Go(func() error {
			return svc.worker.Run(gctx)
		})
		g.Go(func() error {
			return svc.engine.Run(gctx)
		})
		g.Go(func() error {
			return s.metricsLoop(gctx)
		})
		if svc.cfg.Alert.RulesPath != "" {
			watcher, err := monitor.WatchRules(svc.cfg.Alert.RulesPath, svc.engine)
			if err != nil {
				// Hot reload is a convenience; startup rules stay in effect.
				logging.Get(logging.CategoryAlert).Warn("Rules watch disabled: %v", err)
			} else {
				s.watcher = watcher
			}
		}
	}

	<-gctx.Done()
	logging.Boot("Shutdown requested")

	if s.watcher != nil {
		s.watcher.Close()
	}

	err := g.Wait()
	if closeErr := svc.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	logging.Boot("Shutdown complete")
	return err
}

// metricsLoop logs a snapshot summary on the collection interval so sampled
// gauges stay fresh even when nothing else reads them.
func (s *Supervisor) metricsLoop(ctx context.Context) error {
	interval, err := s.service.cfg.CollectionInterval()
	if err != nil {
		interval = 60 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.service.clock.After(interval):
			snap := s.service.Metrics()
			health := s.service.Health()
			logging.Monitor("Snapshot status=%s success=%.0f error=%.0f p95=%.1fms queue=%.0f",
				health.Status,
				snap[monitor.MetricDecisionSuccess],
				snap[monitor.MetricDecisionError],
				snap[monitor.MetricDecisionLatencyP95],
				snap[monitor.MetricRewardQueueDepth])
		}
	}
}

// RunUntilSignal is a convenience wrapper for main: it runs with a
// background context and maps any error to a non-zero exit.
func (s *Supervisor) RunUntilSignal() int {
	if err := s.Run(context.Background()); err != nil {
		logging.Get(logging.CategoryBoot).Error("Supervisor exited: %v", err)
		return 1
	}
	return 0
}
