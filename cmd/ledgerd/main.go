// Package main provides the ledgerd daemon - a Kademlia-overlay
// proof-of-work ledger node.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-exchange/ledgerd/internal/config"
	"github.com/klingon-exchange/ledgerd/internal/node"
	"github.com/klingon-exchange/ledgerd/internal/rpc"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.ledgerd", "Data directory")
		configFile     = flag.String("config", "", "Config file path; config.yaml in this path's directory is read (default: <data-dir>/config.yaml)")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		apiAddr        = flag.String("api", "127.0.0.1:8090", "Admin JSON-RPC API address")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ledgerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting ledgerd...")
	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatal("failed to create node", "error", err)
	}

	if err := n.Start(); err != nil {
		log.Fatal("failed to start node", "error", err)
	}

	rpcServer := rpc.NewServer(n)
	if err := rpcServer.Start(*apiAddr); err != nil {
		log.Fatal("failed to start admin RPC server", "error", err)
	}

	printBanner(log, n, *apiAddr)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("status", "peers", n.PeerCount(), "height", n.Chain().Height(), "pool", n.Pool().Len(), "uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	if err := rpcServer.Stop(); err != nil {
		log.Error("error stopping admin RPC server", "error", err)
	}
	if err := n.Stop(); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	log.Info("goodbye!")
}

func printBanner(log *logging.Logger, n *node.Node, apiAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  ledgerd (%s)", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Node ID:  %s", n.Self().ID.String())
	log.Infof("  Peer ID:  %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  Admin API: http://%s", apiAddr)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
