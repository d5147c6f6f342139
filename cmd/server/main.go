package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"geofuse/internal/platform/config"
	"geofuse/internal/platform/httpserver"
	"geofuse/internal/platform/logger"
	"geofuse/internal/platform/metrics"
	httptransport "geofuse/internal/transport/http"
)

// main wires dependencies and owns the process lifecycle. Fusion logic lives in
// the internal packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "geofuse: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("FUSION_CONFIG"), "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional .env file loaded before the configuration")
	flag.Parse()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	app, err := wire(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer app.close()

	handler := httptransport.NewHandler(app.orchestrator, log)
	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(handler, reg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.orchestrator.Run(gctx)
	})
	g.Go(func() error {
		log.Info("starting geofuse", "addr", cfg.Server.Addr, "domains", len(cfg.Domains))
		return httpserver.ListenAndServe(gctx, srv, cfg.ShutdownTimeout())
	})

	err = g.Wait()
	log.Info("geofuse stopped", "error", err)
	return err
}
