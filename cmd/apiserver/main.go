// Command apiserver serves the read-only query API over the record store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lcpredict/lcpredict/api"
	"github.com/lcpredict/lcpredict/config"
	"github.com/lcpredict/lcpredict/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, level, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	gw, err := openGateway(cfg.Storage)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer gw.Close()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(gw, log.Named("api")).Handler(cfg.Server.CORSAllowOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := config.Watch(ctx, *configPath, func(next config.Config) {
			if parsed, perr := zapcore.ParseLevel(next.Logging.Level); perr == nil {
				level.SetLevel(parsed)
			}
			log.Info("configuration reloaded", zap.String("log_level", next.Logging.Level))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("api server listening", zap.String("addr", cfg.Server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("shutting down")
}

func newLogger(cfg config.Logging) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, level, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level.SetLevel(parsed)
	}

	encoding := "console"
	if cfg.JSON {
		encoding = "json"
	}
	sink := "stderr"
	if cfg.Sink != "" {
		sink = cfg.Sink
	}

	zc := zap.Config{
		Level:            level,
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{sink},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, level, fmt.Errorf("build logger: %w", err)
	}
	return logger, level, nil
}

func openGateway(cfg config.Storage) (store.Gateway, error) {
	if cfg.Driver == "mysql" {
		return store.NewMySQLGateway(cfg.DSN)
	}
	return store.NewSQLiteGateway(cfg.DSN)
}
