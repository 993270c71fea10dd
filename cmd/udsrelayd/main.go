package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/udsrelay/udsrelay/pkg/broker"
	"github.com/udsrelay/udsrelay/pkg/config"
	"github.com/udsrelay/udsrelay/pkg/logger"
	"github.com/udsrelay/udsrelay/pkg/server"
	"github.com/udsrelay/udsrelay/pkg/stats"
)

func main() {
	configFile := flag.String("config", "configs/udsrelay.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	agg := stats.NewAggregator()
	resolver := broker.New(&cfg.Broker)

	srv, err := server.New(&cfg.Server, resolver, agg)
	if err != nil {
		logger.Error("Failed to create relay server", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("Failed to start relay server", "error", err)
		os.Exit(1)
	}

	// Optional Prometheus endpoint, separate from the relay port
	if cfg.Server.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(stats.NewCollector(agg))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info("Metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil {
				logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// First signal drains gracefully, a second one force-closes sessions
	<-sigCh
	logger.Info("Shutting down, waiting for active sessions", "active", srv.ActiveSessions())

	done := make(chan struct{})
	go func() {
		srv.Stop(true) //nolint:errcheck
		close(done)
	}()

	select {
	case <-done:
	case <-sigCh:
		logger.Warn("Second signal received, force-closing sessions")
		srv.Stop(false) //nolint:errcheck
	}

	logger.Info("Relay server stopped")
}
