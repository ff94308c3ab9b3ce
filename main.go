package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"snowpulse/config"
	"snowpulse/internal/channel"
	"snowpulse/logger"
	"snowpulse/orchestrator"
	"snowpulse/poller"
	"snowpulse/reader/polygon"
	"snowpulse/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			fmt.Fprintln(os.Stderr, "snowpulse: POLYGON_API_KEY is not set; export it or add it to .env")
		}
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.SnowPulse.Name,
		"version": cfg.SnowPulse.Version,
		"env":     config.AppEnvironment(),
		"sink":    cfg.Sink.Type,
		"tickers": strings.Join(cfg.Tickers, ","),
	}).Info("starting snowpulse")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan, stopSignals := orchestrator.NotifySignals()
	defer stopSignals()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	stats := channel.NewStats()
	reportInterval := cfg.Logging.ReportInterval
	if reportInterval <= 0 && strings.ToLower(cfg.Logging.Level) == "report" {
		reportInterval = 30 * time.Second
	}
	logger.StartReport(ctx, log, reportInterval, stats.Fields)
	stats.StartMetricsReporting(ctx, 30*time.Second)

	api := polygon.NewClientFromConfig(cfg.Polygon)
	defer api.Close()

	pollers, err := buildPollers(ctx, cfg, api, stats)
	if err != nil {
		log.WithError(err).Error("Failed to build pollers")
		os.Exit(1)
	}

	runners := make([]orchestrator.Runner, 0, len(pollers))
	for _, p := range pollers {
		runners = append(runners, p)
	}
	running := orchestrator.Start(ctx, runners...)
	go running.HandleSignals(ctx, sigChan)

	<-running.Context().Done()
	log.Info("starting graceful shutdown")

	if err := running.AwaitQuiescence(cfg.Shutdown.Timeout); err != nil {
		log.WithError(err).Warn("closing channels while pollers are still running")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer closeCancel()
	err = running.CloseAll(closeCtx)
	closeCancel()
	stopSignals()
	api.Close()
	cancel()
	if err != nil {
		log.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
	log.Info("graceful shutdown completed")
}

// buildPollers constructs every enabled poller, each with its own ingest
// client. On failure everything built so far is closed.
func buildPollers(ctx context.Context, cfg *config.Config, api poller.MarketData, stats *channel.Stats) ([]*poller.Poller, error) {
	var built []*poller.Poller
	fail := func(err error) ([]*poller.Poller, error) {
		for _, p := range built {
			_ = p.Close()
		}
		return nil, err
	}

	deps := func(ch config.ChannelConfig) (poller.Deps, error) {
		client, err := writer.New(ctx, cfg.Sink, ch, cfg.SnowPulse.Version)
		if err != nil {
			return poller.Deps{}, fmt.Errorf("create %s sink for %s: %w", cfg.Sink.Type, ch.Table, err)
		}
		return poller.Deps{
			Client:        client,
			Channel:       ch.Channel,
			Stats:         stats,
			AppendTimeout: cfg.Sink.AppendTimeout,
		}, nil
	}

	if c := cfg.Pollers.Historical; c.Enabled {
		d, err := deps(c.Sink)
		if err != nil {
			return fail(err)
		}
		p, err := poller.NewHistorical(ctx, api, cfg.Tickers, c, d)
		if err != nil {
			_ = d.Client.Close()
			return fail(err)
		}
		built = append(built, p)
	}
	if c := cfg.Pollers.Aggregate; c.Enabled {
		d, err := deps(c.Sink)
		if err != nil {
			return fail(err)
		}
		p, err := poller.NewAggregate(ctx, api, cfg.Tickers, c, d)
		if err != nil {
			_ = d.Client.Close()
			return fail(err)
		}
		built = append(built, p)
	}
	if c := cfg.Pollers.News; c.Enabled {
		d, err := deps(c.Sink)
		if err != nil {
			return fail(err)
		}
		p, err := poller.NewNews(ctx, api, cfg.Tickers, c, d)
		if err != nil {
			_ = d.Client.Close()
			return fail(err)
		}
		built = append(built, p)
	}
	return built, nil
}
