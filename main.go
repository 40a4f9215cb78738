package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"perpflow/config"
	journalchannel "perpflow/internal/channel/journal"
	quotechannel "perpflow/internal/channel/quote"
	"perpflow/internal/custody"
	"perpflow/internal/engine"
	"perpflow/internal/model"
	"perpflow/internal/oracle"
	"perpflow/keeper"
	"perpflow/logger"
	"perpflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
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

	env := config.AppEnvironment()
	if config.IsProductionLike(env) && !cfg.Journal.Enabled {
		// A settlement engine without an audit trail does not come up
		// outside development.
		log.WithFields(logger.Fields{"environment": env}).Error("journal must be enabled in production-like environments")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Perpflow.Name,
		"version":     cfg.Perpflow.Version,
		"environment": env,
	}).Info("starting perpflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	journalCh := journalchannel.NewChannels(cfg.Channels.JournalBuffer)
	quoteCh := quotechannel.NewChannels(cfg.Channels.QuoteBuffer)
	defer func() {
		quoteCh.Close()
		journalCh.Close()
	}()

	journalCh.StartMetricsReporting(ctx, 30*time.Second)

	vault := custody.NewMemoryVault()
	eng := engine.NewEngine(vault, journalCh)

	for _, mc := range cfg.Markets {
		if err := eng.InitializeMarket(
			model.AccountID(mc.Authority),
			mc.Symbol,
			mc.QuoteAsset,
			decimal.NewFromFloat(mc.BaseFundingRate),
			mc.Params(),
		); err != nil {
			log.WithError(err).WithFields(logger.Fields{"market": mc.Symbol}).Error("failed to initialize market")
			os.Exit(1)
		}
		log.WithComponent("main").WithFields(logger.Fields{"market": mc.Symbol}).Info("market initialized")
	}

	source, err := oracle.NewSource(cfg, quoteCh)
	if err != nil {
		log.WithError(err).Error("failed to create oracle source")
		os.Exit(1)
	}

	keep := keeper.NewKeeper(cfg, eng, quoteCh)

	var journalWriter *writer.JournalWriter
	if cfg.Journal.Enabled {
		journalWriter, err = writer.NewJournalWriter(cfg, journalCh)
		if err != nil {
			log.WithError(err).Error("failed to create journal writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("journal disabled; events are dropped after metrics")
	}

	if journalWriter != nil {
		if err := journalWriter.Start(ctx); err != nil {
			log.WithError(err).Error("journal writer failed to start")
			os.Exit(1)
		}
	}
	if err := keep.Start(ctx); err != nil {
		log.WithError(err).Error("keeper failed to start")
		os.Exit(1)
	}
	if err := source.Start(ctx); err != nil {
		log.WithError(err).Error("oracle source failed to start")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping oracle source")
	source.Stop()

	log.Info("stopping keeper")
	keep.Stop()

	if journalWriter != nil {
		log.Info("stopping journal writer")
		journalWriter.Stop()
	}

	log.Info("perpflow stopped")
}
