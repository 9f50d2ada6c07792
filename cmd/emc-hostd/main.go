// Command emc-hostd runs the host-role side of the protocol: it listens
// for peer connections and runs one reactor (gateway + mapper) per
// session.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/emcnet/emc-core/internal/config"
	"github.com/emcnet/emc-core/internal/logging"
	"github.com/emcnet/emc-core/internal/runtime"
)

func main() {
	configPath := flag.String("config", "/etc/emc/hostd.yaml", "path to hostd config file")
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
	ln, err := net.Listen(network, cfg.Listen.Address)
	if err != nil {
		logger.Error("listen failed", "network", network, "address", cfg.Listen.Address, "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("emc-hostd listening", "network", network, "address", cfg.Listen.Address)
	if err := runtime.ServeHost(ctx, ln, cfg, logger); err != nil {
		logger.Error("hostd error", "error", err)
		os.Exit(1)
	}
}
