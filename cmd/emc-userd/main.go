// Command emc-userd runs the user-role side of the protocol: it dials a
// host and runs a single reactor (gateway + mapper) session against it,
// reconnecting with backoff if the connection drops.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emcnet/emc-core/internal/config"
	"github.com/emcnet/emc-core/internal/logging"
	"github.com/emcnet/emc-core/internal/runtime"
)

func main() {
	configPath := flag.String("config", "/etc/emc/userd.yaml", "path to userd config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	network := cfg.Listen.Network
	if network == "" {
		network = "tcp"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	delay := time.Second
	const maxDelay = 30 * time.Second
	for {
		err := runtime.DialUser(ctx, network, cfg.Listen.Address, cfg, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			logger.Warn("userd session ended with error", "error", err, "retry_in", delay)
		} else {
			logger.Info("userd session ended, reconnecting", "retry_in", delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
