// Command predictd runs the contest crawl and prediction scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/lcpredict/lcpredict/config"
	"github.com/lcpredict/lcpredict/crawl"
	"github.com/lcpredict/lcpredict/emit"
	"github.com/lcpredict/lcpredict/pipeline"
	"github.com/lcpredict/lcpredict/rating"
	"github.com/lcpredict/lcpredict/sched"
	"github.com/lcpredict/lcpredict/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	backfill := flag.Bool("backfill", false, "load the full historical contest list and exit")
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

	fetcher := crawl.NewFetcher(crawl.FetcherConfig{
		ConcurrentNum: cfg.Crawler.ConcurrentNum,
		RetryNum:      cfg.Crawler.RetryNum,
		UserAgent:     cfg.Crawler.UserAgent,
		Limiter:       rate.NewLimiter(rate.Limit(20), 40),
		Logger:        log.Named("crawl"),
	})
	client := crawl.NewClient(fetcher, log.Named("crawl"))

	engine, err := rating.New(cfg.Rating.Engine)
	if err != nil {
		log.Fatal("select rating engine", zap.Error(err))
	}

	contests := cfg.Contests
	pl := pipeline.New(gw, client, engine, func(slug string) (time.Time, error) {
		return sched.StartTimeFor(contests, slug)
	}, log.Named("pipeline"), emit.NewLogEmitter(os.Stdout, cfg.Logging.JSON))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *backfill {
		if err := pl.BackfillContests(ctx); err != nil {
			log.Fatal("backfill contests", zap.Error(err))
		}
		return
	}

	// Only the log level applies on reload; structural changes need a restart.
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

	dispatcher := sched.New(pl, contests, log.Named("sched"))
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("dispatcher stopped", zap.Error(err))
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
