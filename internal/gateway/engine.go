// Package gateway groups raw packets per endpoint into acquisition windows,
// turns each completed window into a feature record and forwards it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vibranium/internal/acquisition"
	"vibranium/internal/config"
	"vibranium/internal/decode"
	"vibranium/internal/features"
	"vibranium/internal/forward"
	"vibranium/internal/logging"
	"vibranium/internal/model"
	"vibranium/internal/normalize"
)

var (
	ErrNoEndpoint = errors.New("packet has no endpoint")
	ErrRejected   = errors.New("endpoint not allowed")
)

const logCooldown = time.Minute

type Stats struct {
	Packets       int64 `json:"packets"`
	Rejected      int64 `json:"rejected"`
	Windows       int64 `json:"windows"`
	Records       int64 `json:"records"`
	Failed        int64 `json:"failed"`
	Expired       int64 `json:"expired"`
	ForwardErrors int64 `json:"forward_errors"`
}

type Engine struct {
	logger    *slog.Logger
	cfg       atomic.Value
	endpoints atomic.Value
	forwarder forward.Forwarder
	dump      *acquisition.RawDump
	cooldown  *Cooldown
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	packets, rejected, windows, records, failed, expired, forwardErrors atomic.Int64
}

type session struct {
	mu   sync.Mutex
	agg  *acquisition.Aggregator
	last time.Time
}

// NewEngine validates the acquisition settings of cfg. forwarder may be nil,
// in which case records are only returned.
func NewEngine(cfg *config.Config, forwarder forward.Forwarder, logger *slog.Logger) (*Engine, error) {
	if _, err := aggregatorConfig(cfg); err != nil {
		return nil, err
	}
	e := &Engine{
		logger:    logging.OrDiscard(logger),
		forwarder: forwarder,
		cooldown:  NewCooldown(),
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
	if cfg.Gateway.RawDump.Enabled {
		dump, err := acquisition.NewRawDump(cfg.Gateway.RawDump.Dir, cfg.Gateway.RawDump.Format)
		if err != nil {
			return nil, err
		}
		e.dump = dump
	}
	e.cfg.Store(cfg)
	e.endpoints.Store(BuildEndpointSet(cfg.Gateway))
	return e, nil
}

func aggregatorConfig(cfg *config.Config) (acquisition.Config, error) {
	scale, err := decode.ResolveScaleFactor(cfg.Sensor.ScaleFactor)
	if err != nil {
		return acquisition.Config{}, err
	}
	return acquisition.Config{
		WindowPackets: cfg.Sensor.WindowPackets,
		ScaleFactor:   scale,
		Features: features.Params{
			SampleRate: cfg.Features.SampleRate,
			FFTSize:    cfg.Features.FFTSize,
			TopN:       cfg.Features.TopN,
		},
	}, nil
}

// UpdateConfig swaps the configuration. Partial windows are discarded when
// the acquisition settings change.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	next, err := aggregatorConfig(cfg)
	if err != nil {
		return err
	}
	prev, _ := aggregatorConfig(e.config())
	e.cfg.Store(cfg)
	e.endpoints.Store(BuildEndpointSet(cfg.Gateway))
	if next != prev {
		e.Reset()
	}
	return nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Endpoints() *EndpointSet {
	return e.endpoints.Load().(*EndpointSet)
}

// Start processes packets from in until ctx is done or in is closed, and
// expires stale partial windows.
func (e *Engine) Start(ctx context.Context, in <-chan model.PacketEvent) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweep := time.NewTicker(time.Second)
		defer sweep.Stop()
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				_, _ = e.ProcessPacket(ctx, ev)
			case <-sweep.C:
				e.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// ProcessPacket buffers one packet. It returns the record when the packet
// completes a window; a record is returned together with a forwarding error.
func (e *Engine) ProcessPacket(ctx context.Context, ev model.PacketEvent) (*model.AcquisitionRecord, error) {
	cfg := e.config()
	endpoint := normalize.MAC(ev.EndpointID)
	if endpoint == "" {
		e.rejected.Add(1)
		return nil, ErrNoEndpoint
	}
	equipment, ok := e.Endpoints().Resolve(endpoint)
	if !ok {
		e.rejected.Add(1)
		if e.cooldown.Allow("reject|"+endpoint, logCooldown) {
			e.logger.Warn("packet from unlisted endpoint dropped", "endpoint_id", endpoint, "source", ev.Source)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, endpoint)
	}
	e.packets.Add(1)

	s, err := e.session(endpoint, cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.now()
	if timeout := cfg.Gateway.WindowTimeout; timeout > 0 && s.agg.Buffered() > 0 && now.Sub(s.last) > timeout {
		e.expired.Add(1)
		e.logger.Info("partial window expired", "endpoint_id", endpoint, "packets", s.agg.Buffered(), "idle", now.Sub(s.last))
		s.agg.Reset()
	}
	s.last = now
	if !s.agg.Append(ev.Data) {
		return nil, nil
	}

	e.windows.Add(1)
	rep, err := s.agg.Complete()
	if e.dump != nil && rep.Samples > 0 {
		if path, derr := e.dump.Write(rep.Series); derr != nil {
			e.logger.Error("raw dump failed", "endpoint_id", endpoint, "err", derr)
		} else {
			e.logger.Debug("raw window dumped", "endpoint_id", endpoint, "path", path)
		}
	}
	if len(rep.Skipped) > 0 {
		e.logger.Warn("malformed packets skipped", "endpoint_id", endpoint, "skipped", len(rep.Skipped), "first_err", rep.Skipped[0].Error())
	}
	if err != nil {
		e.failed.Add(1)
		e.logger.Warn("window discarded", "endpoint_id", endpoint, "packets", rep.Packets, "samples", rep.Samples, "err", err)
		return nil, err
	}

	ts := ev.Received
	if ts.IsZero() {
		ts = now
	}
	s.agg.SetInfo(endpoint, equipment, cfg.Gateway.StationMAC, ts)
	rec, err := s.agg.TakeRecord()
	if err != nil {
		return nil, err
	}
	e.records.Add(1)
	e.logger.Info("acquisition complete",
		"endpoint_id", rec.EndpointID,
		"equipment_id", rec.EquipmentID,
		"samples", rep.Samples,
		"x_rms", rec.X.RMS,
		"y_rms", rec.Y.RMS,
		"z_rms", rec.Z.RMS,
	)

	if e.forwarder != nil {
		if err := e.forwarder.Forward(ctx, rec); err != nil {
			e.forwardErrors.Add(1)
			if e.cooldown.Allow("forward|"+endpoint, logCooldown) {
				e.logger.Error("forward failed", "endpoint_id", endpoint, "err", err)
			}
			return &rec, fmt.Errorf("forward: %w", err)
		}
	}
	return &rec, nil
}

func (e *Engine) session(endpoint string, cfg *config.Config) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[endpoint]; ok {
		return s, nil
	}
	acfg, err := aggregatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	agg, err := acquisition.NewAggregator(acfg)
	if err != nil {
		return nil, err
	}
	s := &session{agg: agg}
	e.sessions[endpoint] = s
	return s, nil
}

// Sweep drops partial windows idle for longer than the window timeout.
func (e *Engine) Sweep() int {
	timeout := e.config().Gateway.WindowTimeout
	if timeout <= 0 {
		return 0
	}
	now := e.now()
	e.mu.Lock()
	list := make(map[string]*session, len(e.sessions))
	for k, s := range e.sessions {
		list[k] = s
	}
	e.mu.Unlock()

	n := 0
	for endpoint, s := range list {
		s.mu.Lock()
		if s.agg.Buffered() > 0 && now.Sub(s.last) > timeout {
			e.logger.Info("partial window expired", "endpoint_id", endpoint, "packets", s.agg.Buffered(), "idle", now.Sub(s.last))
			s.agg.Reset()
			n++
		}
		s.mu.Unlock()
	}
	e.expired.Add(int64(n))
	return n
}

// Buffered reports the packets waiting in the endpoint's current window.
func (e *Engine) Buffered(endpointID string) int {
	e.mu.Lock()
	s, ok := e.sessions[normalize.MAC(endpointID)]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Buffered()
}

func (e *Engine) Reset() {
	e.mu.Lock()
	e.sessions = make(map[string]*session)
	e.mu.Unlock()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Packets:       e.packets.Load(),
		Rejected:      e.rejected.Load(),
		Windows:       e.windows.Load(),
		Records:       e.records.Load(),
		Failed:        e.failed.Load(),
		Expired:       e.expired.Load(),
		ForwardErrors: e.forwardErrors.Load(),
	}
}
