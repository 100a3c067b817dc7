package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/ledger/internal/api"
	"github.com/hyperengineering/ledger/internal/binary"
	"github.com/hyperengineering/ledger/internal/config"
	"github.com/hyperengineering/ledger/internal/session"
	"github.com/hyperengineering/ledger/internal/store"
	ledgersync "github.com/hyperengineering/ledger/internal/sync"
	"github.com/hyperengineering/ledger/internal/track"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Ledger - offline-first relational sync server",
	RunE:  run,
}

func main() {
	rootCmd.AddCommand(schemaCmd, syncCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Signal handling drives the graceful shutdown sequence
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "driver", cfg.Database.Driver)

	// Data client (migrations, WAL mode for sqlite)
	client, err := openStore(cfg)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "dsn", cfg.Database.DSN)

	// Binary engine with optional S3 mirror
	mirror, err := binary.NewMirror(cfg.Binary.S3)
	if err != nil {
		return err
	}
	binaries, err := binary.NewEngine(client, binary.Config{
		Root:     cfg.Binary.Root,
		Pattern:  cfg.Binary.Pattern,
		Checksum: cfg.Binary.Checksum,
	}, mirror, logger)
	if err != nil {
		return err
	}

	engine := ledgersync.NewEngine(client, logger)
	sessions := session.NewStore(client, time.Duration(cfg.Session.TTL), logger)

	handler := api.NewHandler(client, engine, binaries, sessions, nil, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "session-sweeper", func(ctx context.Context) {
		sessions.RunSweeper(ctx, time.Duration(cfg.Session.SweepInterval))
	})

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully; anything else triggers shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Drain in-flight requests, stop workers, close the store
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	wg.Wait()
	if err := client.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// openStore opens the data client with the configured tracking selection.
func openStore(cfg *config.Config) (*store.Client, error) {
	return store.Open(cfg.Database.Driver, cfg.Database.DSN,
		store.WithTracking(track.Config{
			Include:      cfg.Tracking.Include,
			Exclude:      cfg.Tracking.Exclude,
			Masked:       cfg.Tracking.Masked,
			RequireActor: cfg.Tracking.RequireActor,
		}))
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
