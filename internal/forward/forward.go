// Package forward delivers computed feature records to the monitor service
// and to message brokers.
package forward

import (
	"context"
	"errors"
	"log/slog"

	"vibranium/internal/config"
	"vibranium/internal/logging"
	"vibranium/internal/model"
)

type Forwarder interface {
	Forward(ctx context.Context, rec model.AcquisitionRecord) error
	Close() error
}

// Multi sends each record to every forwarder; one failing target does not
// stop the others.
type Multi []Forwarder

func (m Multi) Forward(ctx context.Context, rec model.AcquisitionRecord) error {
	var errs []error
	for _, f := range m {
		if err := f.Forward(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, f := range m {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logging only logs records. It is used when no target is enabled.
type Logging struct {
	Logger *slog.Logger
}

func (l Logging) Forward(_ context.Context, rec model.AcquisitionRecord) error {
	logging.OrDiscard(l.Logger).Info("feature record",
		"endpoint_id", rec.EndpointID,
		"equipment_id", rec.EquipmentID,
		"timestamp", rec.Timestamp.String(),
		"x_rms", rec.X.RMS,
		"y_rms", rec.Y.RMS,
		"z_rms", rec.Z.RMS,
	)
	return nil
}

func (Logging) Close() error { return nil }

// New builds the forwarders enabled in cfg.
func New(cfg config.ForwardConfig, logger *slog.Logger) (Forwarder, error) {
	logger = logging.OrDiscard(logger)
	var out Multi
	if cfg.HTTP.Enabled {
		out = append(out, NewHTTP(cfg.HTTP))
		logger.Info("http forward enabled", "base_url", cfg.HTTP.BaseURL)
	}
	if cfg.MQTT.Enabled {
		m, err := NewMQTT(cfg.MQTT)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out = append(out, m)
		logger.Info("mqtt forward enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	}
	if cfg.Kafka.Enabled {
		out = append(out, NewKafka(cfg.Kafka))
		logger.Info("kafka forward enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	if len(out) == 0 {
		logger.Warn("no forward target enabled, feature records are only logged")
		return Logging{Logger: logger}, nil
	}
	return out, nil
}
