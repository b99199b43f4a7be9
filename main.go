package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"cryptotrader/config"
	"cryptotrader/internal/app"
	"cryptotrader/internal/metrics"
	"cryptotrader/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	level := flag.String("level", "", "Log level override (debug, info, warn, error, report)")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}

	output := cfg.Logging.Output
	if output == "file" {
		output = logger.DefaultOutput(cfg.Local.LogDir)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Trader.Name,
		"version":     cfg.Trader.Version,
		"environment": cfg.Network.Environment,
		"margin":      cfg.Account.Margin,
	}).Info("starting cryptotrader")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cfg.CloudWatch.Region,
			Namespace:       cfg.CloudWatch.Namespace,
			Dashboard:       cfg.CloudWatch.Dashboard,
			AccessKeyID:     cfg.CloudWatch.AccessKeyID,
			SecretAccessKey: cfg.CloudWatch.SecretAccessKey,
		})
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.WithComponent("metrics").WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithComponent("metrics").WithFields(logger.Fields{"addr": cfg.Metrics.Addr}).Info("metrics endpoint enabled")
	}

	session, err := app.Build(cfg, log, app.WithMetrics(m))
	if err != nil {
		log.WithError(err).Error("Failed to build session")
		os.Exit(1)
	}

	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("session terminated with fatal error")
		os.Exit(1)
	}

	log.Info("cryptotrader stopped")
}
