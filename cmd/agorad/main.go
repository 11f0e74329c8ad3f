// Package main provides the agorad daemon - the authoritative marketplace
// broker.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agora-exchange/agorad/internal/broker"
	"github.com/agora-exchange/agorad/internal/config"
	"github.com/agora-exchange/agorad/internal/market"
	"github.com/agora-exchange/agorad/internal/rpc"
	"github.com/agora-exchange/agorad/internal/storage"
	"github.com/agora-exchange/agorad/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.agorad", "Data directory")
		port        = flag.Int("port", 0, "TCP port for client connections (overrides config, default 5000)")
		adminAddr   = flag.String("admin", "", "Admin HTTP address (overrides config)")
		noAdmin     = flag.Bool("no-admin", false, "Disable the admin HTTP/WS server")
		noJournal   = flag.Bool("no-journal", false, "Disable the sqlite market journal")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
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
		log.Infof("agorad %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (flags take precedence over config file)
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}
	if *noAdmin {
		cfg.Admin.Enabled = false
	}
	if *noJournal {
		cfg.Storage.JournalEnabled = false
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	// Initialize the market journal
	var store *storage.Storage
	if cfg.Storage.JournalEnabled {
		store, err = storage.New(&storage.Config{
			DataDir: config.ExpandPath(cfg.Storage.DataDir),
		})
		if err != nil {
			log.Fatal("Failed to initialize journal", "error", err)
		}
		defer store.Close()
		log.Info("Market journal initialized", "path", config.ExpandPath(cfg.Storage.DataDir))
	}

	// Create the market manager
	manager, err := market.NewManager(market.Config{
		InitialStock: cfg.Market.InitialStockDecimal(),
		SaleDuration: cfg.Market.SaleDuration,
	})
	if err != nil {
		log.Fatal("Failed to create market manager", "error", err)
	}

	// Journal every committed market event
	if store != nil {
		journalLog := log.Component("journal")
		manager.OnEvent(func(ev market.Event) {
			err := store.RecordEvent(&storage.JournalEvent{
				Kind:     string(ev.Kind),
				SaleID:   ev.Sale.ID,
				ItemName: ev.Sale.Name,
				SellerID: ev.SellerID,
				BuyerID:  ev.BuyerID,
				Quantity: ev.Quantity,
			})
			if err != nil {
				journalLog.Warn("Failed to record event", "error", err)
			}
		})
	}

	// Start the expiry sweeper
	sweeper, err := market.NewSweeper(manager, cfg.Market.SweepInterval)
	if err != nil {
		log.Fatal("Failed to create sweeper", "error", err)
	}
	sweeper.Start()

	// Start the broker server
	srv := broker.NewServer(manager, broker.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		BroadcastQueue: cfg.Server.BroadcastQueue,
		SessionQueue:   cfg.Server.SessionQueue,
		IdleTimeout:    cfg.Server.IdleTimeout,
	})
	if err := srv.Start(); err != nil {
		log.Fatal("Failed to start broker", "error", err)
	}

	// Start the admin server and mirror market events to dashboards
	var adminServer *rpc.Server
	if cfg.Admin.Enabled {
		adminServer = rpc.NewServer(manager, srv, store)
		if err := adminServer.Start(cfg.Admin.Addr); err != nil {
			log.Fatal("Failed to start admin server", "error", err)
		}

		manager.OnEvent(func(ev market.Event) {
			if hub := adminServer.Hub(); hub != nil {
				hub.Broadcast(rpc.EventType(ev.Kind), map[string]interface{}{
					"sale_id":  ev.Sale.ID,
					"item":     ev.Sale.Name,
					"seller":   ev.SellerID,
					"buyer":    ev.BuyerID,
					"quantity": ev.Quantity.String(),
				})
			}
		})
	}

	printBanner(log, cfg)

	// Status ticker
	stopStatus := make(chan struct{})
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-stopStatus:
				return
			case <-ticker.C:
				sellers, sales := manager.Stats()
				log.Info("Status",
					"sessions", srv.SessionCount(),
					"sellers", sellers,
					"active_sales", sales,
					"uptime", time.Since(start).Round(time.Second))
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	close(stopStatus)

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			log.Error("Error stopping admin server", "error", err)
		}
	}
	srv.Stop()
	sweeper.Stop()

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Agora Marketplace Broker")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Clients: tcp://0.0.0.0:%d", cfg.Server.Port)
	if cfg.Admin.Enabled {
		log.Infof("  Admin:   http://%s", cfg.Admin.Addr)
		log.Infof("  Feed:    ws://%s/ws", cfg.Admin.Addr)
	}
	log.Info("")
	log.Infof("  Catalog: %v", market.DefaultCatalog)
	log.Infof("  Initial stock: %v per item", cfg.Market.InitialStock)
	log.Infof("  Sale duration: %s | sweep: %s", cfg.Market.SaleDuration, cfg.Market.SweepInterval)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
