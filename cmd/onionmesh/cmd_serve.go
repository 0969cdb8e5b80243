package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shurlinet/onionmesh/internal/chain"
	"github.com/shurlinet/onionmesh/internal/config"
	"github.com/shurlinet/onionmesh/pkg/meshnet"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the node config file")
	fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "serve: -config is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("unable to load config", "err", err)
		os.Exit(1)
	}

	lookup, err := buildKernelLookup(cfg)
	if err != nil {
		slog.Error("unable to build kernel index", "err", err)
		os.Exit(1)
	}

	audit := meshnet.NewAuditLogger(slog.Default().Handler())

	var metrics *meshnet.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = meshnet.NewMetrics()
		go func() {
			slog.Info("metrics listening", "addr", cfg.Telemetry.Metrics.ListenAddress)
			if err := http.ListenAndServe(cfg.Telemetry.Metrics.ListenAddress, metrics.Handler()); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
	}

	meshnet.Version = version

	node, err := meshnet.New(meshnet.Config{
		OnionAddress: cfg.Node.OnionAddress,
		SocksPort:    cfg.Node.SocksPort,
		ListenPort:   cfg.Node.ListenPort,
		FeeBase:      cfg.Node.FeeBase,
		KernelLookup: lookup,
		Seeds:        cfg.Seeds,
		Metrics:      metrics,
		Audit:        audit,
	})
	if err != nil {
		slog.Error("unable to start the overlay node", "err", err)
		os.Exit(1)
	}

	meshnet.InitSwarm(node)
	defer meshnet.ResetSwarm()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		slog.Error("overlay node stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// buildKernelLookup turns the config's static kernel index into a
// lookup. Production nodes embed the overlay as a library and wire the
// chain's kernel index instead; the static form serves test networks.
func buildKernelLookup(cfg *config.Config) (chain.KernelLookup, error) {
	kernels := make(map[chain.Commitment]chain.KernelRecord, len(cfg.Kernels))
	for commitHex, fee := range cfg.Kernels {
		raw, err := hex.DecodeString(commitHex)
		if err != nil {
			return nil, fmt.Errorf("kernel %q: %w", commitHex, err)
		}
		commit, err := chain.CommitmentFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("kernel %q: %w", commitHex, err)
		}
		kernels[commit] = chain.FeeKernel(fee)
	}
	return func(c chain.Commitment) (chain.KernelRecord, bool) {
		k, ok := kernels[c]
		return k, ok
	}, nil
}
