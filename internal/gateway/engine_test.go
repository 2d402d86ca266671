package gateway

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibranium/internal/config"
	"vibranium/internal/decode"
	"vibranium/internal/features"
	"vibranium/internal/model"
)

const (
	endpointMAC = "C8DF8434ADC0"
	stationMAC  = "24F5AA66106E"
)

type recordingForwarder struct {
	mu      sync.Mutex
	records []model.AcquisitionRecord
	err     error
}

func (f *recordingForwarder) Forward(_ context.Context, rec model.AcquisitionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func (f *recordingForwarder) Close() error { return nil }

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Gateway.StationMAC = "24:f5:aa:66:10:6e"
	cfg.Gateway.Endpoints = []config.EndpointBinding{{MAC: "c8:df:84:34:ad:c0", EquipmentID: "MT01"}}
	cfg.Gateway.WindowTimeout = 10 * time.Second
	return cfg
}

// window frames 1024 samples, the 342 packets of one acquisition.
func window(constant bool) []string {
	samples := make([]model.Sample, 1024)
	for i := range samples {
		v := 0.0
		if !constant {
			for k, amp := range []float64{1, 2, 3} {
				v += amp * math.Sin(2*math.Pi*float64(50*(k+1))*float64(i)/1024)
			}
			v /= 6
		}
		samples[i] = model.Sample{X: int16(8000 * v), Y: int16(4000 * v), Z: int16(2000*v) + 16384}
	}
	return decode.Frame(samples)
}

func feed(t *testing.T, e *Engine, endpoint string, packets []string) (*model.AcquisitionRecord, error) {
	t.Helper()
	ts := time.Date(2021, 8, 1, 10, 0, 0, 0, time.Local)
	for i, p := range packets {
		rec, err := e.ProcessPacket(context.Background(), model.PacketEvent{Received: ts, EndpointID: endpoint, Data: p})
		if i < len(packets)-1 {
			require.NoError(t, err)
			require.Nil(t, rec)
			continue
		}
		return rec, err
	}
	return nil, nil
}

func TestWindowProducesRecord(t *testing.T) {
	fwd := &recordingForwarder{}
	e, err := NewEngine(testConfig(), fwd, nil)
	require.NoError(t, err)

	packets := window(false)
	require.Len(t, packets, 342)
	rec, err := feed(t, e, "c8:df:84:34:ad:c0", packets)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, endpointMAC, rec.EndpointID)
	assert.Equal(t, "MT01", rec.EquipmentID)
	assert.Equal(t, stationMAC, rec.StationID)
	assert.Equal(t, "2021-08-01 10:00:00", rec.Timestamp.String())
	assert.Greater(t, rec.X.RMS, rec.Y.RMS)
	assert.Greater(t, rec.Y.RMS, 0.0)
	assert.InDelta(t, 97.66, rec.X.DominantFreq, 0.01)

	require.Equal(t, 1, fwd.count())
	assert.Equal(t, *rec, fwd.records[0])
	assert.Equal(t, 0, e.Buffered(endpointMAC))

	st := e.Stats()
	assert.Equal(t, int64(342), st.Packets)
	assert.Equal(t, int64(1), st.Windows)
	assert.Equal(t, int64(1), st.Records)
}

func TestConstantSignalDiscarded(t *testing.T) {
	fwd := &recordingForwarder{}
	e, err := NewEngine(testConfig(), fwd, nil)
	require.NoError(t, err)

	rec, err := feed(t, e, endpointMAC, window(true))
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, features.ErrDegenerateSeries)
	assert.Equal(t, 0, fwd.count())
	assert.Equal(t, int64(1), e.Stats().Failed)

	// the next window starts clean
	rec, err = feed(t, e, endpointMAC, window(false))
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestAllowList(t *testing.T) {
	e, err := NewEngine(testConfig(), nil, nil)
	require.NoError(t, err)

	_, err = e.ProcessPacket(context.Background(), model.PacketEvent{EndpointID: "AABBCCDDEEFF", Data: "0064ffce00000d0a"})
	assert.ErrorIs(t, err, ErrRejected)
	_, err = e.ProcessPacket(context.Background(), model.PacketEvent{Data: "0064ffce00000d0a"})
	assert.ErrorIs(t, err, ErrNoEndpoint)
	assert.Equal(t, int64(2), e.Stats().Rejected)

	cfg := testConfig()
	cfg.Gateway.AcceptUnknown = true
	cfg.Gateway.DefaultEquipmentID = "SPARE"
	require.NoError(t, e.UpdateConfig(cfg))
	rec, err := feed(t, e, "AABBCCDDEEFF", window(false))
	require.NoError(t, err)
	assert.Equal(t, "SPARE", rec.EquipmentID)
}

func TestEndpointSet(t *testing.T) {
	open := BuildEndpointSet(config.GatewayConfig{DefaultEquipmentID: "MT09"})
	equip, ok := open.Resolve("anything")
	assert.True(t, ok)
	assert.Equal(t, "MT09", equip)
	assert.False(t, open.Restricted())

	closed := BuildEndpointSet(config.GatewayConfig{
		DefaultEquipmentID: "MT09",
		Endpoints: []config.EndpointBinding{
			{MAC: "c8-df-84-34-ad-c0", EquipmentID: "MT01"},
			{MAC: "24f5aa66106e"},
			{MAC: " "},
		},
	})
	assert.Equal(t, 2, closed.Len())
	equip, ok = closed.Resolve("C8:DF:84:34:AD:C0")
	assert.True(t, ok)
	assert.Equal(t, "MT01", equip)
	equip, ok = closed.Resolve("24:F5:AA:66:10:6E")
	assert.True(t, ok)
	assert.Equal(t, "MT09", equip)
	_, ok = closed.Resolve("AABBCCDDEEFF")
	assert.False(t, ok)
}

func TestWindowTimeout(t *testing.T) {
	e, err := NewEngine(testConfig(), nil, nil)
	require.NoError(t, err)
	clock := time.Date(2021, 8, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	packets := window(false)
	for _, p := range packets[:100] {
		_, err := e.ProcessPacket(context.Background(), model.PacketEvent{EndpointID: endpointMAC, Data: p})
		require.NoError(t, err)
	}
	assert.Equal(t, 100, e.Buffered(endpointMAC))

	clock = clock.Add(5 * time.Second)
	assert.Equal(t, 0, e.Sweep())
	clock = clock.Add(6 * time.Second)
	assert.Equal(t, 1, e.Sweep())
	assert.Equal(t, 0, e.Buffered(endpointMAC))

	// a late packet after a gap starts a new window
	for _, p := range packets[:50] {
		_, err := e.ProcessPacket(context.Background(), model.PacketEvent{EndpointID: endpointMAC, Data: p})
		require.NoError(t, err)
	}
	clock = clock.Add(time.Minute)
	_, err = e.ProcessPacket(context.Background(), model.PacketEvent{EndpointID: endpointMAC, Data: packets[0]})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Buffered(endpointMAC))
	assert.Equal(t, int64(2), e.Stats().Expired)
}

func TestForwardFailureKeepsRecord(t *testing.T) {
	fwd := &recordingForwarder{err: errors.New("service down")}
	e, err := NewEngine(testConfig(), fwd, nil)
	require.NoError(t, err)

	rec, err := feed(t, e, endpointMAC, window(false))
	require.Error(t, err)
	assert.NotNil(t, rec)
	assert.Equal(t, int64(1), e.Stats().ForwardErrors)
}

func TestStartConsumesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd := &recordingForwarder{}
	cfg := testConfig()
	cfg.Gateway.RawDump = config.RawDumpConfig{Enabled: true, Dir: filepath.Join(t.TempDir(), "raw"), Format: "csv"}
	e, err := NewEngine(cfg, fwd, nil)
	require.NoError(t, err)

	in := make(chan model.PacketEvent, 400)
	done := e.Start(ctx, in)
	for _, p := range window(false) {
		in <- model.PacketEvent{EndpointID: endpointMAC, Data: p}
	}
	require.Eventually(t, func() bool { return fwd.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(cfg.Gateway.RawDump.Dir, "vibration1.csv"))
	close(in)
	<-done
}

func TestNewEngineRejectsBadScale(t *testing.T) {
	cfg := testConfig()
	cfg.Sensor.ScaleFactor = -1
	_, err := NewEngine(cfg, nil, nil)
	assert.ErrorIs(t, err, decode.ErrInvalidScale)
}
