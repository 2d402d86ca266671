// Command gateway reads raw accelerometer notifications, builds feature
// records per acquisition window and forwards them to the monitor service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vibranium/internal/config"
	"vibranium/internal/forward"
	"vibranium/internal/gateway"
	"vibranium/internal/ingest"
	"vibranium/internal/logging"
	"vibranium/internal/model"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the configuration file (yaml or json)")
	statsEvery := flag.Duration("stats", time.Minute, "interval between gateway statistics log lines (0 disables)")
	flag.Parse()

	if err := run(*configPath, *statsEvery); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(configPath string, statsEvery time.Duration) error {
	cfgMgr, err := openConfig(configPath)
	if err != nil {
		return err
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("gateway starting", "version", version, "config_path", cfgMgr.Path(), "window_packets", cfg.Sensor.WindowPackets)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fwd, err := forward.New(cfg.Forward, logger.With("component", "forward"))
	if err != nil {
		return err
	}
	defer fwd.Close()

	eng, err := gateway.NewEngine(cfg, fwd, logger.With("component", "gateway"))
	if err != nil {
		return err
	}
	if eng.Endpoints().Restricted() {
		logger.Info("endpoint allow-list active", "endpoints", eng.Endpoints().Len(), "accept_unknown", cfg.Gateway.AcceptUnknown)
	}

	events := make(chan model.PacketEvent, cfg.Ingest.ChannelBuffer)
	parser := ingest.NewParser(cfg.Ingest.Parser)
	ingestLogger := logger.With("component", "ingest")
	ingest.StartSerial(ctx, cfgMgr, parser, events, ingestLogger)
	ingest.StartTCPStream(ctx, cfgMgr, parser, events, ingestLogger)
	ingest.StartKafka(ctx, cfgMgr, parser, events, ingestLogger)
	ingest.StartMQTT(ctx, cfgMgr, parser, events, ingestLogger)
	ingest.StartFileReplay(ctx, cfgMgr, parser, events, ingestLogger)

	done := eng.Start(ctx, events)

	if cfgMgr.Path() != "" {
		go cfgMgr.Watch(5*time.Second, func(next *config.Config) {
			if err := eng.UpdateConfig(next); err != nil {
				logger.Error("config reload rejected", "err", err)
				return
			}
			logger.Info("config reloaded")
		}, func(err error) {
			logger.Warn("config watch error", "err", err)
		}, ctx.Done())
	}
	if statsEvery > 0 {
		go logStats(ctx, eng, logger, statsEvery)
	}

	<-done
	logger.Info("gateway stopped", "stats", eng.Stats())
	return nil
}

func logStats(ctx context.Context, eng *gateway.Engine, logger *slog.Logger, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s := eng.Stats()
			logger.Info("gateway stats",
				"packets", s.Packets,
				"records", s.Records,
				"rejected", s.Rejected,
				"failed", s.Failed,
				"expired", s.Expired,
				"forward_errors", s.ForwardErrors,
			)
		case <-ctx.Done():
			return
		}
	}
}

func openConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(nil), nil
	}
	return config.NewManager(config.ResolvePath(path))
}
