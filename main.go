package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"candleflow/config"
	"candleflow/internal/backfill"
	"candleflow/internal/market"
	"candleflow/internal/metrics"
	"candleflow/internal/provider"
	"candleflow/internal/provider/binance"
	"candleflow/internal/sink"
	"candleflow/internal/stream"
	"candleflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Candleflow.Name,
		"version":     cfg.Candleflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting candleflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Sink.S3.Enabled && cfg.Sink.S3.Region != "" {
		logger.InitCloudWatch(cfg.Sink.S3.Region, cfg.Candleflow.Name, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Addr)
	}

	prov, err := buildProvider(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to initialise provider")
		os.Exit(1)
	}

	out, err := buildSink(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to initialise sink")
		os.Exit(1)
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.WithError(err).Warn("sink close failed")
		}
	}()

	// Shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	exitCode := 0
	if cfg.Backfill.Enabled {
		if !runBackfill(ctx, cfg, prov, out, log) {
			exitCode = 1
		}
	}
	if exitCode == 0 && cfg.Stream.Enabled && ctx.Err() == nil {
		if !runStream(ctx, cfg, prov, out, log) {
			exitCode = 1
		}
	}

	log.Info("candleflow stopped")
	os.Exit(exitCode)
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch strings.ToLower(cfg.Provider.ID) {
	case "binance":
		return binance.New(binance.Options{
			APIKey:            cfg.Provider.APIKey,
			APISecret:         cfg.Provider.APISecret,
			BaseURL:           cfg.Provider.BaseURL,
			WSBaseURL:         cfg.Provider.WSBaseURL,
			RequestsPerSecond: cfg.Provider.RateLimit.RequestsPerSecond,
			Burst:             cfg.Provider.RateLimit.BurstSize,
			Timeout:           cfg.Provider.Timeout,
		}), nil
	default:
		return nil, &provider.Error{
			Provider: cfg.Provider.ID,
			Op:       "init",
			Err:      os.ErrInvalid,
		}
	}
}

func buildSink(cfg *config.Config) (sink.Sink, error) {
	out, err := sink.New(sink.Options{
		Format:       cfg.Sink.Format,
		Path:         cfg.Sink.Path,
		Table:        cfg.Sink.Table,
		KeyColumns:   cfg.Sink.KeyColumns,
		KafkaBrokers: cfg.Sink.Kafka.Brokers,
		KafkaTopic:   cfg.Sink.Kafka.Topic,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Sink.S3.Enabled {
		return sink.NewS3Mirror(out, sink.S3MirrorOptions{
			Bucket:          cfg.Sink.S3.Bucket,
			Prefix:          cfg.Sink.S3.Prefix,
			Region:          cfg.Sink.S3.Region,
			AccessKeyID:     cfg.Sink.S3.AccessKeyID,
			SecretAccessKey: cfg.Sink.S3.SecretAccessKey,
		})
	}
	return out, nil
}

// runBackfill executes every configured job concurrently and reports
// whether all of them completed.
func runBackfill(ctx context.Context, cfg *config.Config, prov provider.Provider, out sink.Sink, log *logger.Log) bool {
	engine := backfill.New(prov, out, backfill.Options{
		MaxRetries:        cfg.Provider.Retry.MaxAttempts,
		BackoffBase:       cfg.Provider.Retry.BaseDelay,
		RequestsPerSecond: cfg.Provider.RateLimit.RequestsPerSecond,
		Burst:             cfg.Provider.RateLimit.BurstSize,
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := true

	for _, job := range cfg.Backfill.Jobs {
		req, err := backfillRequest(job)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": job.Symbol}).Error("invalid backfill job")
			ok = false
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			series, err := engine.Run(ctx, req)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"symbol":    req.Symbol,
					"timeframe": req.Timeframe.String(),
				}).Error("backfill job failed")
				mu.Lock()
				ok = false
				mu.Unlock()
				return
			}
			log.WithFields(logger.Fields{
				"symbol":    req.Symbol,
				"timeframe": req.Timeframe.String(),
				"rows":      len(series),
			}).Info("backfill job finished")
		}()
	}
	wg.Wait()
	return ok
}

func backfillRequest(job config.BackfillJobConfig) (backfill.Request, error) {
	tf, err := market.ParseTimeframe(job.Timeframe)
	if err != nil {
		return backfill.Request{}, err
	}
	req := backfill.Request{
		Symbol:            job.Symbol,
		Timeframe:         tf,
		PageLimit:         job.PageLimit,
		PriceRef:          job.PriceRef,
		ExcludeOpenCandle: job.ExcludeOpenCandle,
		StrictBounds:      job.StrictBounds,
	}
	if job.Start != "" {
		if req.Start, err = time.Parse(time.RFC3339, job.Start); err != nil {
			return backfill.Request{}, err
		}
	}
	if job.End != "" {
		if req.End, err = time.Parse(time.RFC3339, job.End); err != nil {
			return backfill.Request{}, err
		}
	}
	return req, nil
}

// runStream blocks until the session ends and reports whether it ended
// without a fatal stream error.
func runStream(ctx context.Context, cfg *config.Config, prov provider.Provider, out sink.Sink, log *logger.Log) bool {
	var tf market.Timeframe
	if cfg.Stream.Timeframe != "" {
		parsed, err := market.ParseTimeframe(cfg.Stream.Timeframe)
		if err != nil {
			log.WithError(err).Error("invalid stream timeframe")
			return false
		}
		tf = parsed
	}

	engine := stream.New(prov, out, stream.Config{
		Feed:          provider.FeedType(cfg.Stream.Feed),
		Symbols:       cfg.Stream.Symbols,
		Timeframe:     tf,
		PriceRef:      cfg.Stream.PriceRef,
		IncludeOpen:   cfg.Stream.IncludeOpen,
		Aggregate:     cfg.Stream.Aggregate,
		FlushEvery:    cfg.Stream.FlushEvery,
		DedupWindow:   cfg.Stream.DedupWindow,
		ReconnectBase: cfg.Stream.ReconnectBase,
		MaxReconnects: cfg.Stream.MaxReconnects,
		MaxMessages:   cfg.Stream.MaxMessages,
		MaxDuration:   cfg.Stream.MaxDuration,
	})
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("stream start failed")
		return false
	}
	defer engine.Stop()

	if err := engine.Wait(); err != nil {
		log.WithError(err).Error("stream ended fatally")
		return false
	}
	return true
}
