// Package monitor implements the acquisition service: it stores incoming
// feature records, builds training tables for equipments in training and
// classifies records of trained equipments.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vibranium/internal/alerts"
	"vibranium/internal/config"
	"vibranium/internal/logging"
	"vibranium/internal/metrics"
	"vibranium/internal/model"
	"vibranium/internal/normalize"
	"vibranium/internal/predict"
	"vibranium/internal/storage"
	"vibranium/internal/training"
)

var (
	ErrUnknownEndpoint  = errors.New("unknown endpoint")
	ErrUnknownEquipment = errors.New("unknown equipment")
	ErrTrainingBusy     = errors.New("training already running")
	ErrQueueFull        = errors.New("training queue full")
)

type Mode string

const (
	ModeTraining   Mode = "training"
	ModePrediction Mode = "prediction"
	ModeMonitoring Mode = "monitoring"
)

type Predictor interface {
	Evaluate(equipmentID string, fs model.FeatureSet) (predict.Verdict, error)
}

type Trainer interface {
	Train(ctx context.Context, equipmentID string, table training.Table) (training.ModelSet, error)
}

// Outcome describes how one acquisition was handled.
type Outcome struct {
	ID              string       `json:"id"`
	Mode            Mode         `json:"mode"`
	Anomaly         *bool        `json:"anomaly"`
	Outliers        []model.Axis `json:"outliers,omitempty"`
	SessionRows     int          `json:"session_rows,omitempty"`
	TrainingStarted bool         `json:"training_started,omitempty"`
}

type Options struct {
	TableSize  int
	QueueSize  int
	AlertLimit int
}

type Service struct {
	opts      Options
	store     storage.Store
	predictor Predictor
	trainer   Trainer
	sessions  *Sessions
	alerts    *alerts.Store
	latest    *metrics.Store
	logger    *slog.Logger

	jobs    chan string
	wg      sync.WaitGroup
	started sync.Once
}

func NewService(opts Options, store storage.Store, predictor Predictor, trainer Trainer, alertStore *alerts.Store, latest *metrics.Store, logger *slog.Logger) *Service {
	if opts.TableSize <= 0 {
		opts.TableSize = 400
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if alertStore == nil {
		alertStore = alerts.NewStore(opts.AlertLimit)
	}
	if latest == nil {
		latest = metrics.NewStore(0)
	}
	return &Service{
		opts:      opts,
		store:     store,
		predictor: predictor,
		trainer:   trainer,
		sessions:  NewSessions(),
		alerts:    alertStore,
		latest:    latest,
		logger:    logging.OrDiscard(logger),
		jobs:      make(chan string, opts.QueueSize),
	}
}

func (s *Service) Store() storage.Store { return s.store }
func (s *Service) Sessions() *Sessions { return s.sessions }
func (s *Service) Alerts() *alerts.Store { return s.alerts }
func (s *Service) Latest() *metrics.Store { return s.latest }
func (s *Service) TableSize() int { return s.opts.TableSize }

// Start runs the training worker until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.started.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case equipmentID := <-s.jobs:
					s.runTraining(ctx, equipmentID)
				}
			}
		}()
	})
}

// Wait blocks until the training worker has stopped.
func (s *Service) Wait() {
	s.wg.Wait()
}

// SeedInventory inserts configured equipments, stations and endpoints that
// are not stored yet. Existing rows are left untouched.
func (s *Service) SeedInventory(ctx context.Context, inv config.InventoryConfig) error {
	for _, e := range inv.Equipments {
		if _, err := s.store.Equipment(ctx, e.ID); errors.Is(err, storage.ErrNotFound) {
			if err := s.store.UpsertEquipment(ctx, model.Equipment{ID: e.ID, Name: e.Name, InTraining: e.InTraining}); err != nil {
				return fmt.Errorf("seed equipment %s: %w", e.ID, err)
			}
		} else if err != nil {
			return err
		}
	}
	for _, st := range inv.Stations {
		mac := normalize.MAC(st.MAC)
		if _, err := s.store.Station(ctx, mac); errors.Is(err, storage.ErrNotFound) {
			if err := s.store.UpsertStation(ctx, model.Station{MAC: mac, Name: st.Name, Location: st.Location}); err != nil {
				return fmt.Errorf("seed station %s: %w", mac, err)
			}
		} else if err != nil {
			return err
		}
	}
	for _, ep := range inv.Endpoints {
		mac := normalize.MAC(ep.MAC)
		if _, err := s.store.Endpoint(ctx, mac); errors.Is(err, storage.ErrNotFound) {
			rec := model.Endpoint{MAC: mac, Name: ep.Name, EquipmentID: ep.EquipmentID, StationMAC: normalize.MAC(ep.StationMAC)}
			if err := s.store.UpsertEndpoint(ctx, rec); err != nil {
				return fmt.Errorf("seed endpoint %s: %w", mac, err)
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

// HandleAcquisition stores a feature record posted for an endpoint and
// either grows the training table, classifies it, or only records it.
func (s *Service) HandleAcquisition(ctx context.Context, endpointID string, rec model.AcquisitionRecord) (Outcome, error) {
	endpointID = normalize.MAC(endpointID)
	ep, err := s.store.Endpoint(ctx, endpointID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}
	if err != nil {
		return Outcome{}, err
	}
	rec.EndpointID = endpointID
	if rec.EquipmentID == "" {
		rec.EquipmentID = ep.EquipmentID
	}
	if rec.Timestamp.Time().IsZero() {
		rec.Timestamp = model.Timestamp(time.Now().Truncate(time.Second))
	}
	equip, err := s.store.Equipment(ctx, rec.EquipmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownEquipment, rec.EquipmentID)
	}
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{ID: uuid.NewString()}
	acq := model.Acquisition{ID: out.ID, Record: rec}

	if equip.InTraining {
		out.Mode = ModeTraining
		if err := s.store.SaveAcquisition(ctx, acq); err != nil {
			return Outcome{}, err
		}
		out.SessionRows = s.sessions.Increment(equip.ID)
		if out.SessionRows >= s.opts.TableSize {
			if err := s.enqueue(equip.ID); err == nil {
				out.TrainingStarted = true
			} else if !errors.Is(err, ErrTrainingBusy) {
				s.logger.Warn("training not scheduled", "equipment_id", equip.ID, "err", err)
			}
		}
		s.latest.Update(rec, nil, string(out.Mode))
		return out, nil
	}

	out.Mode = ModeMonitoring
	verdict, err := s.predictor.Evaluate(equip.ID, rec.FeatureSet)
	switch {
	case err == nil:
		out.Mode = ModePrediction
		anomaly := verdict.Anomaly
		out.Anomaly = &anomaly
		out.Outliers = verdict.Outliers
		acq.Anomaly = &anomaly
	case errors.Is(err, predict.ErrModelNotFound):
	default:
		s.logger.Error("prediction failed", "equipment_id", equip.ID, "endpoint_id", endpointID, "err", err)
	}

	if err := s.store.SaveAcquisition(ctx, acq); err != nil {
		return Outcome{}, err
	}
	s.latest.Update(rec, out.Anomaly, string(out.Mode))
	if out.Anomaly != nil && *out.Anomaly {
		s.raise(ctx, rec, verdict.Outliers)
	}
	return out, nil
}

func (s *Service) raise(ctx context.Context, rec model.AcquisitionRecord, outliers []model.Axis) {
	severity := "medium"
	if len(outliers) == len(model.Axes) {
		severity = "high"
	}
	alert := model.Alert{
		Timestamp:   time.Now().UTC(),
		EquipmentID: rec.EquipmentID,
		EndpointID:  rec.EndpointID,
		Severity:    severity,
		AlertType:   "vibration_anomaly",
		Outliers:    outliers,
		Features:    rec.FeatureSet,
	}
	s.alerts.Add(alert)
	if err := s.store.SaveAlert(ctx, alert); err != nil {
		s.logger.Error("store alert failed", "equipment_id", rec.EquipmentID, "err", err)
	}
	s.logger.Warn("vibration anomaly",
		"equipment_id", rec.EquipmentID,
		"endpoint_id", rec.EndpointID,
		"severity", severity,
		"outliers", outliers,
	)
}

// RequestTraining schedules training of the equipment on its latest
// TableSize stored rows.
func (s *Service) RequestTraining(ctx context.Context, equipmentID string) error {
	if _, err := s.store.Equipment(ctx, equipmentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownEquipment, equipmentID)
		}
		return err
	}
	return s.enqueue(equipmentID)
}

func (s *Service) enqueue(equipmentID string) error {
	if !s.sessions.BeginTraining(equipmentID) {
		return ErrTrainingBusy
	}
	select {
	case s.jobs <- equipmentID:
		return nil
	default:
		s.sessions.FinishTraining(equipmentID, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) runTraining(ctx context.Context, equipmentID string) {
	err := s.train(ctx, equipmentID)
	s.sessions.FinishTraining(equipmentID, err)
	if err != nil {
		s.logger.Error("training failed", "equipment_id", equipmentID, "err", err)
	}
}

func (s *Service) train(ctx context.Context, equipmentID string) error {
	rows, err := s.store.RecentFeatures(ctx, equipmentID, s.opts.TableSize)
	if err != nil {
		return fmt.Errorf("load training rows: %w", err)
	}
	s.logger.Info("training started", "equipment_id", equipmentID, "rows", len(rows))
	if _, err := s.trainer.Train(ctx, equipmentID, training.FromFeatures(rows)); err != nil {
		return err
	}
	equip, err := s.store.Equipment(ctx, equipmentID)
	if err != nil {
		return err
	}
	equip.InTraining = false
	if err := s.store.UpsertEquipment(ctx, equip); err != nil {
		return fmt.Errorf("clear training flag: %w", err)
	}
	return nil
}

// UpdateEquipment stores eq. Switching an equipment into training starts a
// new training table.
func (s *Service) UpdateEquipment(ctx context.Context, eq model.Equipment) error {
	prev, err := s.store.Equipment(ctx, eq.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.store.UpsertEquipment(ctx, eq); err != nil {
		return err
	}
	if eq.InTraining && !prev.InTraining {
		s.sessions.Reset(eq.ID)
	}
	return nil
}

type Status struct {
	Sessions  map[string]TrainingSession `json:"sessions"`
	Endpoints int                        `json:"endpoints"`
	Alerts    int                        `json:"alerts"`
	TableSize int                        `json:"table_size"`
}

func (s *Service) Status() Status {
	return Status{
		Sessions:  s.sessions.All(),
		Endpoints: len(s.latest.GetAll()),
		Alerts:    s.alerts.Len(),
		TableSize: s.opts.TableSize,
	}
}
