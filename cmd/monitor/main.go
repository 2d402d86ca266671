// Command monitor runs the acquisition service: it stores feature records,
// trains per-equipment models and flags anomalous acquisitions.
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

	"vibranium/internal/alerts"
	"vibranium/internal/api"
	"vibranium/internal/config"
	"vibranium/internal/logging"
	"vibranium/internal/metrics"
	"vibranium/internal/modelstore"
	"vibranium/internal/monitor"
	"vibranium/internal/predict"
	"vibranium/internal/storage"
	"vibranium/internal/training"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the configuration file (yaml or json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "monitor:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfgMgr *config.Manager
	var err error
	if configPath == "" {
		cfgMgr = config.NewStaticManager(nil)
	} else if cfgMgr, err = config.NewManager(config.ResolvePath(configPath)); err != nil {
		return err
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("storage must be enabled for the monitor service")
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	models, err := modelstore.NewFileStore(cfg.Models.Dir)
	if err != nil {
		return err
	}
	policy, err := predict.ParsePolicy(cfg.Prediction.Policy)
	if err != nil {
		return err
	}
	trainer := training.NewTrainer(training.ParamsFromConfig(cfg.Training), models, logger.With("component", "training"))
	svc := monitor.NewService(
		monitor.Options{TableSize: cfg.Training.TableSize, AlertLimit: cfg.Alerts.StoreLimit},
		store,
		predict.NewPredictor(models, policy),
		trainer,
		alerts.NewStore(cfg.Alerts.StoreLimit),
		metrics.NewStore(cfg.Metrics.StoreLimit),
		logger.With("component", "monitor"),
	)
	if err := svc.SeedInventory(ctx, cfg.Inventory); err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}
	svc.Start(ctx)

	if api.Start(ctx, cfgMgr, svc, logger.With("component", "api"), version) == nil {
		logger.Warn("api disabled, acquisitions can not be received")
	}
	if cfgMgr.Path() != "" {
		go cfgMgr.Watch(5*time.Second, func(*config.Config) {
			logger.Info("config reloaded; storage, models and training settings apply on restart")
		}, func(err error) {
			logger.Warn("config watch error", "err", err)
		}, ctx.Done())
	}
	logger.Info("monitor started",
		"version", version,
		"storage", cfg.Storage.Driver,
		"models_dir", models.Dir(),
		"policy", policy,
		"table_size", cfg.Training.TableSize,
	)

	<-ctx.Done()
	svc.Wait()
	logger.Info("monitor stopped")
	return nil
}
