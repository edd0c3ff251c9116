// Package main provides the mastd daemon - a threshold MAST commitment service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/klingon-exchange/threshmast/internal/config"
	"github.com/klingon-exchange/threshmast/internal/output"
	"github.com/klingon-exchange/threshmast/internal/rpc"
	"github.com/klingon-exchange/threshmast/internal/storage"
	"github.com/klingon-exchange/threshmast/pkg/logging"
)

var (
	version = rpc.Version
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.threshmast", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		network     = flag.String("network", "", "Bitcoin network (mainnet, testnet, signet, regtest), overrides config")
		maxLeaves   = flag.Uint64("max-leaves", 0, "Prune commitments to this many leaves, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		logFile     = flag.String("log-file", "", "Write JSON logs to this file, overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("mastd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	configDir := *dataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *apiAddr != "" {
		cfg.RPC.Addr = *apiAddr
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *maxLeaves > 0 {
		cfg.Mast.MaxLeaves = *maxLeaves
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if *configFile == "" {
		cfg.Storage.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	// Update logging with config level
	if cfg.Logging.File != "" {
		fileLog, closer, err := logging.OpenFile(config.ExpandPath(cfg.Logging.File), cfg.Logging.Level)
		if err != nil {
			log.Fatal("Failed to open log file", "path", cfg.Logging.File, "error", err)
		}
		defer closer.Close()
		log = fileLog
	} else {
		log = logging.New(&logging.Config{
			Level:      cfg.Logging.Level,
			TimeFormat: time.TimeOnly,
		})
	}
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(configDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	if !cfg.RPC.Enabled {
		log.Warn("RPC server disabled in config, nothing to do")
		return
	}

	// Start RPC server
	rpcServer, err := rpc.NewServer(cfg, store)
	if err != nil {
		log.Fatal("Failed to create RPC server", "error", err)
	}
	if err := rpcServer.Start(cfg.RPC.Addr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, rpcServer.Addr())

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := store.CountCommitments()
				if err != nil {
					log.Warn("Failed to count commitments", "error", err)
					continue
				}
				log.Info("Status",
					"commitments", count,
					"ws_clients", rpcServer.WSHub().ClientCount(),
					"uptime", time.Since(start).Round(time.Second),
				)
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string) {
	networkLabel := string(cfg.NetworkType())
	if cfg.NetworkType() != output.Mainnet {
		networkLabel = "TEST: " + networkLabel
	}

	maxLeaves := "unlimited"
	if cfg.Mast.MaxLeaves > 0 {
		maxLeaves = strconv.FormatUint(cfg.Mast.MaxLeaves, 10)
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Threshold MAST daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Internal key: %s | Max leaves: %s | Ceiling: %d",
		cfg.Mast.InternalKey, maxLeaves, cfg.Mast.Ceiling)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
