// Command storage-migrate connects to the configured database, applies the
// storage core's schema, and exits. It's the thin operational entrypoint
// for environments that run migrations as a separate step from the main
// operator process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/meredith123124/zksync/config"
	"github.com/meredith123124/zksync/pkg/storage"
)

func main() {
	verbose := flag.Bool("verbose", false, "verbose logging")
	flag.Parse()

	log := newLogger(*verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.Error("storage-migrate: failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Logger = log

	pool, err := storage.NewConnectionPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	log.Info("storage-migrate: schema applied")
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
