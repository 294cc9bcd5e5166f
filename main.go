package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"modelkit/config"
	"modelkit/db"
	mhttp "modelkit/http"
	"modelkit/hub"
	"modelkit/logging"
	"modelkit/ml"
	"modelkit/ml/zoo"
	"modelkit/monitoring"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if os.IsNotExist(err) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, *configPath, logger, level); err != nil {
		logger.Error("exiting with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("exiting")
}

func run(cfg config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize catalog and checkpoint hub
	catalog, err := db.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { err = multierr.Append(err, catalog.Close()) }()
	logger.Info("catalog opened", zap.String("path", cfg.Database.Path))

	checkpoints, err := hub.New(cfg.Hub, catalog, logger)
	if err != nil {
		return fmt.Errorf("open hub: %w", err)
	}
	defer func() { err = multierr.Append(err, checkpoints.Close()) }()
	restore := zoo.SetPretrainedSource(checkpoints)
	defer restore()

	if err := registerModels(cfg.Models, logger); err != nil {
		return err
	}

	// 3. Monitoring
	collector := monitoring.NewMetricsCollector()
	if cfg.Metrics.Interval > 0 {
		go collector.Start(ctx, cfg.Metrics.Interval)
	}
	stream := monitoring.NewTrainingStream(logger, cfg.Server.AllowedOrigins)
	go stream.Run(ctx)
	alerts := monitoring.NewAlertSystem(cfg.Alerts, logger)

	if err := config.Watch(ctx, configPath, logger, func(c config.Config) {
		lvl, err := logging.ParseLevel(c.Log.Level)
		if err != nil {
			return
		}
		if lvl != level.Level() {
			level.SetLevel(lvl)
			logger.Info("log level changed", zap.Stringer("level", lvl))
		}
	}); err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	}

	// 4. Start HTTP server
	api := mhttp.NewAPI(mhttp.APIConfig{
		Hub:     checkpoints,
		Catalog: catalog,
		Metrics: monitoring.NewModelMetrics(collector),
		Stream:  stream,
		Alerts:  alerts,
		Logger:  logger,
	})
	defer api.Close()

	server := mhttp.NewServer(mhttp.ServerConfig{
		Port:           cfg.Server.Port,
		Timeout:        cfg.Server.Timeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, api, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	// 5. Handle graceful shutdown
	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	return server.Stop(context.Background())
}

// registerModels 注册配置中启用的模型类
func registerModels(models []config.ModelConfig, logger *zap.Logger) error {
	for _, m := range models {
		if !m.Enabled {
			logger.Info("model class disabled", zap.String("name", m.Name))
			continue
		}
		if err := ml.Register(zoo.ModelClass(m.Name)); err != nil {
			return fmt.Errorf("register model class %s: %w", m.Name, err)
		}
		logger.Info("model class registered", zap.String("name", m.Name))
	}
	return nil
}
