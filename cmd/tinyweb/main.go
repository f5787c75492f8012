package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kfcemployee/tinyweb/internal/config"
	"github.com/kfcemployee/tinyweb/internal/logging"
	"github.com/kfcemployee/tinyweb/internal/tracing"
	"github.com/kfcemployee/tinyweb/server"
	"github.com/kfcemployee/tinyweb/server/auth"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tinyweb:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath  = flag.String("config", "", "YAML config file")
		port     = flag.Int("port", 0, "listen port")
		root     = flag.String("root", "", "document root")
		workers  = flag.Int("workers", 0, "worker goroutines")
		logFile  = flag.String("log", "", "log file, stderr when empty")
		asyncLog = flag.Int("async-log", -1, "async log queue size, 0 writes synchronously")
		metrics  = flag.String("metrics", "", "metrics listen address")
		trace    = flag.Bool("trace", false, "log a span for every resolved request")
	)
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "root":
			cfg.DocRoot = *root
		case "workers":
			cfg.Workers = *workers
		case "log":
			cfg.Log.File = *logFile
		case "async-log":
			cfg.Log.QueueSize = *asyncLog
		case "metrics":
			cfg.MetricsAddr = *metrics
		case "trace":
			cfg.Tracing.Enabled = *trace
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	sink, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		QueueSize:  cfg.Log.QueueSize,
		SplitLines: cfg.Log.SplitLines,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer sink.Close()
	log := sink.Logger()

	if cfg.Tracing.Enabled {
		shutdown := tracing.Install(tracing.Options{SampleRatio: cfg.Tracing.SampleRatio, Logger: log})
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("trace provider shutdown")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = srv.Auth().Preload(pctx)
	cancel()
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("preload users: %w", err)
	}

	if err := srv.Listen(); err != nil {
		_ = store.Close()
		return err
	}
	log.Info().
		Int("port", srv.Port()).
		Str("root", cfg.DocRoot).
		Int("workers", cfg.Workers).
		Str("auth", cfg.Auth.Driver).
		Msg("tinyweb started")
	if err := sink.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, "tinyweb: flush log:", err)
	}

	return srv.Run(ctx)
}

func openStore(ctx context.Context, a config.Auth) (auth.Store, error) {
	if a.Driver == "mysql" {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return auth.OpenMySQL(cctx, a.DSN, a.PoolSize)
	}
	return auth.NewMemoryStore(), nil
}
