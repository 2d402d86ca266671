// Command train fits the per-axis models of an equipment from a CSV
// training table (xrms,xcf,yrms,ycf,zrms,zcf) or from stored acquisitions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vibranium/internal/config"
	"vibranium/internal/logging"
	"vibranium/internal/modelstore"
	"vibranium/internal/storage"
	"vibranium/internal/training"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file (yaml or json)")
	equipment := flag.String("equipment", "", "equipment ID the models belong to")
	csvPath := flag.String("csv", "", "training table; when empty the latest stored acquisitions are used")
	seed := flag.Uint64("seed", 0, "random seed (0 keeps the configured seed)")
	dryRun := flag.Bool("dry-run", false, "select hyperparameters without saving models")
	flag.Parse()

	if *equipment == "" {
		fmt.Fprintln(os.Stderr, "train: -equipment is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configPath, *equipment, *csvPath, *seed, *dryRun); err != nil {
		fmt.Fprintln(os.Stderr, "train:", err)
		os.Exit(1)
	}
}

func run(configPath, equipment, csvPath string, seed uint64, dryRun bool) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(config.ResolvePath(configPath))
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := loadTable(ctx, cfg, equipment, csvPath)
	if err != nil {
		return err
	}
	params := training.ParamsFromConfig(cfg.Training)
	if seed != 0 {
		params.Seed = seed
	}
	var saver training.Saver
	if !dryRun {
		models, err := modelstore.NewFileStore(cfg.Models.Dir)
		if err != nil {
			return err
		}
		saver = models
	}
	set, err := training.NewTrainer(params, saver, logger).Train(ctx, equipment, table)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}

func loadTable(ctx context.Context, cfg *config.Config, equipment, csvPath string) (training.Table, error) {
	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			return training.Table{}, err
		}
		defer f.Close()
		return training.ReadCSV(f)
	}
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return training.Table{}, err
	}
	if store == nil {
		return training.Table{}, fmt.Errorf("no -csv given and storage is disabled")
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return training.Table{}, err
	}
	rows, err := store.RecentFeatures(ctx, equipment, cfg.Training.TableSize)
	if err != nil {
		return training.Table{}, err
	}
	return training.FromFeatures(rows), nil
}
