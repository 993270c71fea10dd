package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/udsrelay/udsrelay/pkg/config"
	"github.com/udsrelay/udsrelay/pkg/forward"
	"github.com/udsrelay/udsrelay/pkg/logger"
)

func main() {
	remote := flag.String("remote", "", "host:port of the remote relay")
	ticket := flag.String("ticket", "", "authorization ticket for the tunnel")
	localPort := flag.Int("local-port", 0, "local port to bind, 0 picks an ephemeral one")
	idleTimeout := flag.Duration("timeout", forward.DefaultIdleShutdownTimeout,
		"grace window after which an unused tunnel retires")
	keepListening := flag.Bool("keep-listening", false,
		"keep accepting new connections after the grace window")
	insecure := flag.Bool("insecure", false, "skip remote certificate verification")
	check := flag.Bool("check", false, "probe the remote relay and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if err := logger.Init(&config.LogConfig{Level: *logLevel, Output: "stdout"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if *remote == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -remote")
		os.Exit(2)
	}

	if *check {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if !forward.Check(ctx, *remote, *insecure) {
			fmt.Println("UNAVAILABLE")
			os.Exit(1)
		}
		fmt.Println("OK")
		return
	}

	if *ticket == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -ticket")
		os.Exit(2)
	}

	f, err := forward.Open(forward.Config{
		RemoteAddr:          *remote,
		Ticket:              *ticket,
		LocalPort:           *localPort,
		IdleShutdownTimeout: *idleTimeout,
		KeepListening:       *keepListening,
		InsecureSkipVerify:  *insecure,
	})
	if err != nil {
		logger.Error("Failed to open forwarder", "error", err)
		os.Exit(1)
	}

	// Client software reads the bound port from stdout
	fmt.Println(f.LocalPort())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			logger.Info("Shutting down forwarder")
			f.Stop()
			return
		case <-ticker.C:
			if f.Stopped() {
				logger.Info("Forwarder retired after idle grace window")
				return
			}
		}
	}
}
