package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"homesense/internal/api"
	"homesense/internal/broadcast"
	"homesense/internal/config"
	"homesense/internal/engine"
	"homesense/internal/fusion"
	"homesense/internal/ingest"
	"homesense/internal/logging"
	"homesense/internal/metrics"
	"homesense/internal/pipeline"
	"homesense/internal/storage"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	envFile := flag.String("env", ".env", "path to optional .env file")
	writeConfig := flag.String("write-config", "", "write the default config to the given path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.Save(*writeConfig, config.DefaultConfig()); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Broker credentials usually live outside the config file.
	_ = godotenv.Load(*envFile)

	var manager *config.Manager
	var err error
	if *configPath != "" {
		manager, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		manager = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := manager.Get()
	applyEnvOverrides(cfg)

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting homesense", "version", version, "storage", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("storage schema init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	counters := metrics.NewCounters()
	broadcaster := broadcast.NewBroadcaster(cfg.Broadcast, counters, logger)
	eng := engine.NewEngine(manager, store, counters, broadcaster.Publish, logger)
	scorer := fusion.NewScorer(manager, store, counters, broadcaster.Publish, logger)

	queue := ingest.NewQueue(cfg.Ingest.ChannelBuffer, func(ingest.Message) {
		counters.DroppedMessages.Add(1)
	}, logger)

	pipe := pipeline.New(manager, queue, store, eng, scorer, broadcaster, counters, logger)
	pipe.Start(ctx)

	ingest.StartMQTT(ctx, manager, queue, logger)
	ingest.StartKafka(ctx, manager, queue, logger)

	api.Start(ctx, manager, store, counters, broadcaster, logger, version)

	if manager.Path() != "" {
		go manager.Watch(0, func(next *config.Config) {
			logger.Info("config reloaded", "path", manager.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutting down: intake stopped, draining pipeline")
	if !pipe.Drain(cfg.Pipeline.ShutdownTimeout) {
		logger.Warn("pipeline drain timed out", "timeout", cfg.Pipeline.ShutdownTimeout)
	}
	broadcaster.Close()
	logger.Info("shutdown complete")
}

// applyEnvOverrides lets deployment secrets override file values.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("HOMESENSE_MQTT_USERNAME"); v != "" {
		cfg.Ingest.MQTT.Username = v
	}
	if v := os.Getenv("HOMESENSE_MQTT_PASSWORD"); v != "" {
		cfg.Ingest.MQTT.Password = v
	}
	if v := os.Getenv("HOMESENSE_MQTT_BROKER"); v != "" {
		cfg.Ingest.MQTT.BrokerHost = v
	}
	if v := os.Getenv("HOMESENSE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}
