package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"infonomy/internal/agent"
	"infonomy/internal/api"
	"infonomy/internal/auth"
	"infonomy/internal/botseller"
	"infonomy/internal/config"
	"infonomy/internal/db"
	"infonomy/internal/engine"
	"infonomy/internal/jobs"
	"infonomy/internal/ledger"
	"infonomy/internal/logger"
	"infonomy/internal/matcher"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	logger.Banner(version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("CONFIG", fmt.Sprintf("Load failed: %v", err))
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("CONFIG", fmt.Sprintf("Invalid configuration: %v", err))
		os.Exit(1)
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open %s: %v", cfg.DBPath, err))
		os.Exit(1)
	}
	defer store.Close()

	if counts, err := store.CountAll(context.Background()); err == nil {
		logger.Section("Market statistics")
		logger.Stats("Users", counts.Users)
		logger.Stats("Contexts", counts.Contexts)
		logger.Stats("Offers", counts.Offers)
		logger.Stats("Bot sellers", counts.BotSellers)
		logger.Stats("Subscriptions", counts.Subscriptions)
	}

	keeper := ledger.New(store)
	sessions := auth.NewSessionStore(store, cfg.SessionTTL())
	bridge := agent.New(cfg)
	ix := matcher.New(store)
	runner := jobs.NewRunner(cfg.WorkerCount)
	dispatcher := botseller.New(store, bridge, bridge.KeyFor, cfg.WorkerCount, cfg.BotDeadline())
	eng := engine.New(store, keeper, ix, bridge, bridge.KeyFor, runner, cfg)

	// Every fan-out wakes the subscribed bot sellers for that context, so
	// offers start arriving while the inspection engine is still polling.
	ix.SetDispatch(func(contextID int64) {
		runner.Submit(fmt.Sprintf("dispatch-bots-%d", contextID), func(jctx context.Context) (any, error) {
			n, err := dispatcher.DispatchContext(jctx, contextID)
			if err != nil {
				return nil, err
			}
			return map[string]int{"offers": n}, nil
		})
	})

	// Hourly housekeeping: expired sessions and stale inbox items.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			hctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if n, err := sessions.PurgeExpired(hctx); err == nil && n > 0 {
				logger.Info("AUTH", fmt.Sprintf("Purged %d expired session(s)", n))
			}
			if n, err := store.DeleteExpiredInbox(hctx); err == nil && n > 0 {
				logger.Info("MATCHER", fmt.Sprintf("Purged %d expired inbox item(s)", n))
			}
			cancel()
		}
	}()

	srv := api.NewServer(cfg, store, keeper, sessions, ix, eng)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("SERVER", fmt.Sprintf("Listening on %s", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("SERVER", fmt.Sprintf("Failed: %v", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Section("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("SERVER", fmt.Sprintf("HTTP shutdown: %v", err))
	}
	// Draining the runner lets in-flight inspections reach their
	// settlement before the process exits.
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("JOBS", fmt.Sprintf("Worker drain: %v", err))
	}
	logger.Success("SERVER", "Stopped cleanly")
}
