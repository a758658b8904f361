// Command charond runs the IKEv2 daemon: it loads a peer configuration
// file, wires the kernel backend, manager, scheduler and UDP transport
// together via internal/daemon, and serves until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ikecore/charon/internal/config"
	"github.com/ikecore/charon/internal/daemon"
	"github.com/ikecore/charon/internal/kernel"
	"github.com/ikecore/charon/pkg/log"
)

const (
	exitOK          = 0
	exitStartupFail = 1
	exitConfigFail  = 2
)

var (
	configPath  = flag.String("config", "/etc/charon/charond.yaml", "path to the daemon's YAML configuration file")
	logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
	logJSON     = flag.Bool("log-json", false, "emit structured JSON log lines instead of console formatting")
	metricsAddr = flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables the listener)")
	ver         = flag.Bool("version", false, "print the version and exit")
)

const version = "0.1.0"

func main() {
	flag.Parse()
	if *ver {
		fmt.Println("charond", version)
		os.Exit(exitOK)
	}

	log.Init(log.Config{Level: log.Level(*logLevel), JSONOutput: *logJSON})
	logger := log.WithComponent("main")

	cfg, psks, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Error().Err(err).Str("path", *configPath).Msg("failed to load configuration")
		os.Exit(exitConfigFail)
	}

	localIPs, err := localAddresses()
	if err != nil {
		logger.Error().Err(err).Msg("failed to enumerate local addresses")
		os.Exit(exitStartupFail)
	}
	backend := kernel.NewSimBackend(localIPs)

	ctx, err := daemon.New(cfg, backend, psks)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct daemon context")
		os.Exit(exitStartupFail)
	}

	if err := ctx.Listen(context.Background(), "udp", cfg.Listen); err != nil {
		logger.Error().Err(err).Str("listen", cfg.Listen).Msg("failed to open UDP listener")
		os.Exit(exitStartupFail)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx.Start(runCtx)

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	for _, p := range cfg.Peers {
		logger.Info().Str("peer", p.Name).Str("remote", p.Remote).Msg("configured peer")
	}

	logger.Info().Str("listen", cfg.Listen).Int("peers", len(cfg.Peers)).Msg("charond running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("signal received, shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ctx.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		os.Exit(exitStartupFail)
	}
	os.Exit(exitOK)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
	}
}

func localAddresses() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ips = append(ips, ipnet.IP)
	}
	return ips, nil
}
