package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/korjavin/mealtracker/pkg/api"
	"github.com/korjavin/mealtracker/pkg/broadcast"
	"github.com/korjavin/mealtracker/pkg/config"
	"github.com/korjavin/mealtracker/pkg/ledger"
	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/korjavin/mealtracker/pkg/metrics"
	"github.com/korjavin/mealtracker/pkg/scheduler"
	"github.com/korjavin/mealtracker/pkg/serving"
	"github.com/korjavin/mealtracker/pkg/state"
	"github.com/korjavin/mealtracker/pkg/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// app wires the components shared by the commands
type app struct {
	ledger   ledger.Ledger
	registry *state.Registry
	hub      *broadcast.Hub
	coord    *serving.Coordinator
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
}

func newApp(cfg *config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.LedgerURL)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	registry := state.New()
	hub := broadcast.NewHub(m)
	coord := serving.New(l, registry, hub, serving.Options{
		Roster:   cfg.Roster(),
		Meals:    cfg.MealSlots(),
		TTL:      cfg.AwaitTTL,
		Location: loc,
	}, m)

	return &app{
		ledger:   l,
		registry: registry,
		hub:      hub,
		coord:    coord,
		metrics:  m,
		promReg:  promReg,
	}, nil
}

func (a *app) Close() error {
	a.hub.Close()
	a.registry.Close()
	return a.ledger.Close()
}

func (a *app) jobs(cfg *config.Config) []scheduler.Job {
	log := logger.New("maintenance")
	jobs := []scheduler.Job{
		{
			Name:     "sweep",
			Interval: cfg.SweepInterval,
			Run: func(_ context.Context, now time.Time) error {
				if n := a.coord.Sweep(now); n > 0 {
					log.Debug("Swept %d expired awaiting entries", n)
				}
				return nil
			},
		},
		{
			Name:     "summary",
			Interval: time.Hour,
			Run:      stats.New(a.coord).Report,
		},
	}
	if gc, ok := a.ledger.(ledger.GarbageCollector); ok {
		jobs = append(jobs, scheduler.Job{
			Name:     "ledger-gc",
			Interval: cfg.GCInterval,
			Run: func(context.Context, time.Time) error {
				return gc.RunGC()
			},
		})
	}
	return jobs
}

func serveRun(cfg *config.Config) error {
	log := commonRun()
	defer func() { _ = log.Sync() }()
	log.Info("Starting %s", programName)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("Failed to close ledger: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(a.jobs(cfg)...)
	server := api.New(a.coord, a.hub, api.Options{
		BroadcastInterval: cfg.BroadcastInterval,
		Gatherer:          a.promReg,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(ctx)
		<-ctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		return server.Serve(ctx, cfg.ListenAddr)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cfg)
		},
	}
}
