package acquisition

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibranium/internal/decode"
	"vibranium/internal/features"
	"vibranium/internal/model"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(Config{WindowPackets: 342, ScaleFactor: 16384, Features: features.DefaultParams()})
	require.NoError(t, err)
	return agg
}

// vibrationPackets frames 1024 samples of three tones (bins 50, 100, 150) on
// every axis, as the firmware would send them.
func vibrationPackets() []string {
	samples := make([]model.Sample, 1024)
	for i := range samples {
		v := 0.0
		for k, amp := range []float64{1, 2, 3} {
			v += amp * math.Sin(2*math.Pi*float64(50*(k+1))*float64(i)/1024)
		}
		v /= 6
		samples[i] = model.Sample{
			X: int16(8000 * v),
			Y: int16(4000 * v),
			Z: int16(2000*v) + 16384,
		}
	}
	return decode.Frame(samples)
}

func fill(t *testing.T, agg *Aggregator, packets []string) {
	t.Helper()
	for i, p := range packets {
		full := agg.Append(p)
		assert.Equal(t, i == len(packets)-1, full, "packet %d", i)
	}
}

func TestWindowLifecycle(t *testing.T) {
	agg := newAggregator(t)
	fill(t, agg, vibrationPackets())

	rep, err := agg.Complete()
	require.NoError(t, err)
	assert.Equal(t, 342, rep.Packets)
	assert.Equal(t, 1024, rep.Samples)
	assert.Empty(t, rep.Skipped)
	assert.Equal(t, Ready, agg.State())
	assert.Zero(t, agg.Buffered())

	ts := time.Date(2021, 8, 1, 10, 20, 30, 0, time.UTC)
	agg.SetInfo("c8:df:84:34:ad:c0", "equip-1", "24:f5:aa:66:10:6e", ts)

	rec, ok := agg.Take()
	require.True(t, ok)
	assert.Equal(t, "C8DF8434ADC0", rec.EndpointID)
	assert.Equal(t, "24F5AA66106E", rec.StationID)
	assert.Equal(t, "equip-1", rec.EquipmentID)
	assert.Equal(t, "2021-08-01 10:20:30", rec.Timestamp.String())
	assert.InDelta(t, 97.66, rec.X.DominantFreq, 0.01)
	assert.Greater(t, rec.X.RMS, rec.Y.RMS)
	assert.Greater(t, rec.Y.RMS, rec.Z.RMS)

	_, ok = agg.Take()
	assert.False(t, ok)
	_, err = agg.TakeRecord()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestInfoCarriesToNextWindow(t *testing.T) {
	agg := newAggregator(t)
	agg.SetInfo("aa:bb:cc:dd:ee:ff", "equip-2", "11:22:33:44:55:66", time.Time{})
	fill(t, agg, vibrationPackets())
	_, err := agg.Complete()
	require.NoError(t, err)

	rec, ok := agg.Take()
	require.True(t, ok)
	assert.Equal(t, "AABBCCDDEEFF", rec.EndpointID)
	assert.False(t, rec.Timestamp.Time().IsZero())
}

func TestAppendWhileReady(t *testing.T) {
	agg := newAggregator(t)
	packets := vibrationPackets()
	fill(t, agg, packets)
	_, err := agg.Complete()
	require.NoError(t, err)

	agg.Append(packets[0])
	assert.Equal(t, Ready, agg.State())
	assert.Equal(t, 1, agg.Buffered())

	_, ok := agg.Take()
	assert.True(t, ok)
	assert.Equal(t, 1, agg.Buffered())
}

func TestCompleteKeepsPendingRecord(t *testing.T) {
	agg := newAggregator(t)
	packets := vibrationPackets()
	fill(t, agg, packets)
	_, err := agg.Complete()
	require.NoError(t, err)
	agg.SetInfo("c8:df:84:34:ad:c0", "equip-1", "", time.Date(2021, 8, 1, 10, 0, 0, 0, time.UTC))

	agg.Append("0d0a")
	_, err = agg.Complete()
	assert.ErrorIs(t, err, ErrPendingRecord)
	assert.Equal(t, Ready, agg.State())
	assert.Equal(t, 1, agg.Buffered())

	rec, ok := agg.Take()
	require.True(t, ok)
	assert.Equal(t, "C8DF8434ADC0", rec.EndpointID)
	assert.InDelta(t, 97.66, rec.X.DominantFreq, 0.01)
}

func TestConstantSignalIsDegenerate(t *testing.T) {
	agg := newAggregator(t)
	samples := make([]model.Sample, 1024)
	for i := range samples {
		samples[i] = model.Sample{X: 100, Y: -50, Z: 16384}
	}
	fill(t, agg, decode.Frame(samples))

	_, err := agg.Complete()
	var xerr *ExtractionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, model.AxisX, xerr.Axis)
	assert.ErrorIs(t, err, features.ErrDegenerateSeries)
	assert.Equal(t, Collecting, agg.State())
	assert.Zero(t, agg.Buffered())
	_, ok := agg.Take()
	assert.False(t, ok)
}

func TestEmptyWindow(t *testing.T) {
	agg := newAggregator(t)
	agg.Append("zz")
	agg.Append("0d0a")
	rep, err := agg.Complete()
	assert.ErrorIs(t, err, ErrEmptyWindow)
	assert.Equal(t, 2, rep.Packets)
	assert.Len(t, rep.Skipped, 1)
	assert.Equal(t, Collecting, agg.State())
}

func TestReset(t *testing.T) {
	agg := newAggregator(t)
	fill(t, agg, vibrationPackets())
	_, err := agg.Complete()
	require.NoError(t, err)
	agg.Append("0d0a")
	agg.Reset()
	assert.Zero(t, agg.Buffered())
	_, ok := agg.Take()
	assert.False(t, ok)
}

func TestNewAggregatorValidation(t *testing.T) {
	_, err := NewAggregator(Config{WindowPackets: 0, ScaleFactor: 16384})
	assert.Error(t, err)
	_, err = NewAggregator(Config{WindowPackets: 342})
	assert.ErrorIs(t, err, decode.ErrInvalidScale)
}
