/*
main.go - storecredit command

COMMANDS:
  serve    Start the HTTP API with graceful shutdown
  migrate  Create or upgrade the SQLite schema and exit

FLAGS (bound to config keys, see package config):
  --port, --db, --log-level, --credit-to-new-allocation
  serve --memory   Use the in-memory store instead of SQLite

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the server stops accepting connections, waits up to
  30s for in-flight requests, then closes the database.

EXAMPLES:
  storecredit serve --db ./data/storecredit.db
  STORECREDIT_CREDIT_TO_NEW_ALLOCATION=true storecredit serve
  storecredit migrate --db ./data/storecredit.db
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/store-credit/api"
	"github.com/warp/store-credit/config"
	"github.com/warp/store-credit/logger"
	"github.com/warp/store-credit/metrics"
	"github.com/warp/store-credit/store/sqlite"
	"github.com/warp/store-credit/storecredit"
	"github.com/warp/store-credit/storecredit/store"
)

func main() {
	root, err := newRootCmd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, error) {
	v := config.New()

	root := &cobra.Command{
		Use:          "storecredit",
		Short:        "Store-credit ledger service",
		SilenceUsage: true,
	}
	root.PersistentFlags().Int("port", 8080, "HTTP server port")
	root.PersistentFlags().String("db", "storecredit.db", "SQLite database path (\":memory:\" allowed)")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().Bool("credit-to-new-allocation", false, "issue credits as new store credits")

	bind := map[string]string{
		"port":                     "port",
		"db":                       "db",
		"log_level":                "log-level",
		"credit_to_new_allocation": "credit-to-new-allocation",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, root.PersistentFlags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag --%s: %w", flag, err)
		}
	}

	root.AddCommand(newServeCmd(v), newMigrateCmd(v))
	return root, nil
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, memory)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "use the in-memory store")
	return cmd
}

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			db, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied to %s\n", cfg.DBPath)
			return nil
		},
	}
}

// backend is what serve needs from a store.
type backend interface {
	storecredit.TxStore
	storecredit.PaymentFinder
	api.PaymentRegistry
}

func serve(ctx context.Context, cfg *config.Config, memory bool) error {
	log := logger.New(cfg.LogLevel).With("service", "storecredit")

	var db backend
	if memory {
		db = store.NewMemory()
		log.Info("using in-memory store")
	} else {
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer s.Close()
		db = s
		log.Info("database opened", "path", cfg.DBPath)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := cfg.LedgerOptions()
	opts.Logger = log
	opts.Recorder = metrics.New(reg)
	ledger := storecredit.NewLedger(db, db, opts)

	handler := api.NewHandler(ledger, db, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, reg, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			"port", cfg.Port,
			"credit_to_new_allocation", cfg.CreditToNewAllocation,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
