// Package acquisition assembles fixed-size windows of raw packets into one
// feature record per window.
package acquisition

import (
	"errors"
	"fmt"
	"time"

	"vibranium/internal/decode"
	"vibranium/internal/features"
	"vibranium/internal/model"
	"vibranium/internal/normalize"
)

var (
	ErrEmptyWindow   = errors.New("acquisition window has no valid samples")
	ErrNotReady      = errors.New("no completed acquisition awaiting delivery")
	ErrPendingRecord = errors.New("completed acquisition not taken yet")
)

type ExtractionError struct {
	Axis model.Axis
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s axis: %v", e.Axis, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

type State int

const (
	Collecting State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "collecting"
}

type Config struct {
	WindowPackets int
	ScaleFactor   float64
	Features      features.Params
}

// Report summarises a completed window.
type Report struct {
	Packets int
	Samples int
	Skipped []*decode.PacketError
	Series  decode.Result
}

type info struct {
	endpoint  string
	equipment string
	station   string
	ts        time.Time
}

// Aggregator buffers packets for one endpoint and holds at most one record
// awaiting delivery. It is not safe for concurrent use.
type Aggregator struct {
	cfg    Config
	buf    []string
	state  State
	record model.AcquisitionRecord
	info   info
}

func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.WindowPackets <= 0 {
		return nil, fmt.Errorf("window packets must be > 0, got %d", cfg.WindowPackets)
	}
	if cfg.ScaleFactor <= 0 {
		return nil, fmt.Errorf("%w: %v", decode.ErrInvalidScale, cfg.ScaleFactor)
	}
	if cfg.Features == (features.Params{}) {
		cfg.Features = features.DefaultParams()
	}
	return &Aggregator{
		cfg: cfg,
		buf: make([]string, 0, cfg.WindowPackets),
	}, nil
}

func (a *Aggregator) State() State { return a.state }

func (a *Aggregator) Buffered() int { return len(a.buf) }

// Append buffers a packet and reports whether the window is full. Packets
// arriving while a record is waiting are kept for the next window.
func (a *Aggregator) Append(packet string) bool {
	a.buf = append(a.buf, packet)
	return len(a.buf) >= a.cfg.WindowPackets
}

// Complete decodes the buffered packets, extracts the features of every axis
// and stores the resulting record for Take. The raw buffer is cleared whether
// or not it succeeds; on error the aggregator stays collecting. While a record
// awaits Take, Complete returns ErrPendingRecord and leaves the buffer alone.
func (a *Aggregator) Complete() (Report, error) {
	if a.state == Ready {
		return Report{}, ErrPendingRecord
	}
	packets := a.buf
	a.buf = make([]string, 0, a.cfg.WindowPackets)

	res, err := decode.Decode(packets, a.cfg.ScaleFactor)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		Packets: len(packets),
		Samples: len(res.Samples),
		Skipped: res.Skipped,
		Series:  res,
	}
	if rep.Samples == 0 {
		return rep, ErrEmptyWindow
	}

	var fs model.FeatureSet
	for _, axis := range model.Axes {
		f, err := features.Extract(res.Series(axis), a.cfg.Features)
		if err != nil {
			return rep, &ExtractionError{Axis: axis, Err: err}
		}
		fs.Set(axis, f)
	}
	a.record = model.AcquisitionRecord{FeatureSet: fs}
	a.applyInfo()
	a.state = Ready
	return rep, nil
}

// SetInfo attaches identification to the pending record and to later ones.
// MAC addresses are normalised; a zero ts means now.
func (a *Aggregator) SetInfo(endpointMAC, equipmentID, stationMAC string, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	a.info = info{
		endpoint:  normalize.MAC(endpointMAC),
		equipment: equipmentID,
		station:   normalize.MAC(stationMAC),
		ts:        ts.Truncate(time.Second),
	}
	if a.state == Ready {
		a.applyInfo()
	}
}

func (a *Aggregator) applyInfo() {
	a.record.EndpointID = a.info.endpoint
	a.record.EquipmentID = a.info.equipment
	a.record.StationID = a.info.station
	a.record.Timestamp = model.Timestamp(a.info.ts)
}

// Take hands out the pending record once.
func (a *Aggregator) Take() (model.AcquisitionRecord, bool) {
	rec, err := a.TakeRecord()
	return rec, err == nil
}

func (a *Aggregator) TakeRecord() (model.AcquisitionRecord, error) {
	if a.state != Ready {
		return model.AcquisitionRecord{}, ErrNotReady
	}
	a.state = Collecting
	rec := a.record
	a.record = model.AcquisitionRecord{}
	return rec, nil
}

// Reset drops buffered packets and any undelivered record.
func (a *Aggregator) Reset() {
	a.buf = a.buf[:0]
	a.state = Collecting
	a.record = model.AcquisitionRecord{}
}
