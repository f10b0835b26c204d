/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the LedgerLens session engine server. Handles
  configuration, dependency injection, crash recovery, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration (.env supported)
  2. Parse command-line flags (override port and db path)
  3. Initialize SQLite store (session row, credit ledger, transactions)
  4. Build the scanner (Gemini when GEMINI_API_KEY is set, stub otherwise)
  5. Recover any persisted session (refunding uncorroborated scans)
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerlens/session-engine/api"
	"github.com/ledgerlens/session-engine/config"
	"github.com/ledgerlens/session-engine/credit"
	"github.com/ledgerlens/session-engine/logging"
	"github.com/ledgerlens/session-engine/scan"
	"github.com/ledgerlens/session-engine/session"
	"github.com/ledgerlens/session-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := logging.New("error")
		errLog.Fatal().Err(err).Msg("invalid configuration")
	}

	// Flags override env for the two things devs change most.
	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DB.Path, "SQLite database path")
	flag.Parse()

	log := logging.New(cfg.Log.Level)
	ctx := context.Background()

	// Storage: one database backs the session row, the credit ledger,
	// and the saved-transaction catalog.
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	if cfg.Credit.InitialGrant > 0 {
		if err := store.Grant(ctx, cfg.Credit.InitialGrant); err != nil {
			log.Fatal().Err(err).Msg("failed to grant initial credits")
		}
		log.Info().Int64("credits", cfg.Credit.InitialGrant).Msg("initial credit grant applied")
	}

	credits := credit.NewManager(store, log)
	tasks := scan.NewRegistry(cfg.Scan.Timeout + time.Minute)

	var scanner session.Scanner
	if cfg.Scan.APIKey != "" {
		gemini, err := scan.NewGeminiScanner(ctx, cfg.Scan.Model, scan.DirImageSource{Dir: cfg.Scan.ImageDir})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize scanner")
		}
		scanner = gemini
		log.Info().Str("model", cfg.Scan.Model).Msg("using Gemini scanner")
	} else {
		scanner = &scan.StubScanner{
			Delay: 2 * time.Second,
			Result: session.ExtractionResult{
				Merchant: "Demo Grocery",
				Category: "Groceries",
				Total:    decimal.RequireFromString("23.10"),
				Currency: "EUR",
				LineItems: []session.LineItem{
					{Description: "Milk", Quantity: 2, Amount: decimal.RequireFromString("2.40")},
					{Description: "Bread", Quantity: 1, Amount: decimal.RequireFromString("1.70")},
					{Description: "Coffee", Quantity: 1, Amount: decimal.RequireFromString("19.00")},
				},
			},
		}
		log.Warn().Msg("GEMINI_API_KEY not set, using stub scanner")
	}

	orch := session.NewOrchestrator(session.Options{
		Credits:     credits,
		Scanner:     scanner,
		Tasks:       tasks,
		Persister:   store,
		Store:       store,
		Logger:      log,
		ScanTimeout: cfg.Scan.Timeout,
	})

	// Seed from persistence before any edit intent is accepted. An
	// interrupted scan gets its reservation refunded here.
	if err := orch.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("session recovery failed")
	}

	handler := api.NewHandler(orch, credits, store, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
