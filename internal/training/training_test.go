package training

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibranium/internal/model"
	"vibranium/internal/modelstore"
)

func syntheticTable(n int) Table {
	rng := rand.New(rand.NewPCG(7, 11))
	var t Table
	for i := 0; i < n; i++ {
		var fs model.FeatureSet
		for k, axis := range model.Axes {
			fs.Set(axis, model.AxisFeatures{
				RMS:         0.05*float64(k+1) + 0.01*rng.NormFloat64(),
				CrestFactor: 1.5 + 0.1*rng.NormFloat64(),
			})
		}
		t.Append(fs)
	}
	return t
}

func fastParams(seed uint64, workers int) Params {
	return Params{
		Repetitions:   3,
		TrainFraction: 0.8,
		CoarseNu:      []float64{0.1, 0.5},
		CoarseGamma:   []float64{1, 10},
		FineSpread:    0.5,
		FinePoints:    3,
		Seed:          seed,
		Workers:       workers,
	}
}

func TestBestKeepsTies(t *testing.T) {
	res := []HyperparamResult{
		{Nu: 0.1, Gamma: 1, CVError: 5},
		{Nu: 0.3, Gamma: 1, CVError: 2},
		{Nu: 0.5, Gamma: 5, CVError: 2},
		{Nu: 0.7, Gamma: 5, CVError: 3},
	}
	best := Best(res)
	require.Len(t, best, 2)
	assert.Equal(t, 0.3, best[0].Nu)
	assert.Equal(t, 0.5, best[1].Nu)
	assert.Nil(t, Best(nil))
}

func TestRefine(t *testing.T) {
	nus, gammas := Refine([]HyperparamResult{{Nu: 0.1, Gamma: 10}}, 0.5, 3)
	assert.InDeltaSlice(t, []float64{0.05, 0.1, 0.15}, nus, 1e-12)
	assert.InDeltaSlice(t, []float64{5, 10, 15}, gammas, 1e-12)

	nus, gammas = Refine([]HyperparamResult{{Nu: 0.5, Gamma: 10}, {Nu: 0.9, Gamma: 10}}, 0.5, 3)
	assert.InDeltaSlice(t, []float64{0.25, 0.45, 0.5, 0.75, 0.9, 1}, nus, 1e-12)
	assert.InDeltaSlice(t, []float64{5, 10, 15}, gammas, 1e-12)
}

func TestSplitSizes(t *testing.T) {
	points := syntheticTable(400).Points(model.AxisX)
	train, cv := split(points, 0.8, rand.New(rand.NewPCG(1, 1)))
	assert.Len(t, train, 320)
	assert.Len(t, cv, 80)

	train, cv = split(points[:5], 0.5, rand.New(rand.NewPCG(1, 1)))
	assert.Len(t, train, 2)
	assert.Len(t, cv, 3)
}

func TestTrainDeterministicAcrossWorkers(t *testing.T) {
	table := syntheticTable(60)

	a, err := NewTrainer(fastParams(42, 1), nil, nil).Train(context.Background(), "eq", table)
	require.NoError(t, err)
	b, err := NewTrainer(fastParams(42, 6), nil, nil).Train(context.Background(), "eq", table)
	require.NoError(t, err)

	for _, axis := range model.Axes {
		require.Contains(t, a.Axes, axis)
		assert.Equal(t, a.Axes[axis].Nu, b.Axes[axis].Nu, axis)
		assert.Equal(t, a.Axes[axis].Gamma, b.Axes[axis].Gamma, axis)
		assert.Equal(t, a.Axes[axis].Picks, b.Axes[axis].Picks, axis)
		assert.Len(t, a.Axes[axis].Picks, 3)
		assert.Greater(t, a.Axes[axis].Nu, 0.0)
		assert.LessOrEqual(t, a.Axes[axis].Nu, 1.0)
		assert.NotNil(t, a.Axes[axis].Model)
	}
	assert.Equal(t, uint64(42), a.Seed)
	assert.Equal(t, 60, a.Rows)
}

func TestTrainPersists(t *testing.T) {
	store, err := modelstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewTrainer(fastParams(3, 2), store, nil).Train(context.Background(), "press-01", syntheticTable(40))
	require.NoError(t, err)
	assert.True(t, store.Exists("press-01"))
}

func TestTrainInsufficientData(t *testing.T) {
	_, err := NewTrainer(fastParams(1, 1), nil, nil).Train(context.Background(), "eq", syntheticTable(1))
	assert.ErrorIs(t, err, ErrInsufficientData)
	var terr *TrainingError
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, "eq", terr.EquipmentID)
}

func TestTrainCanceled(t *testing.T) {
	store, err := modelstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewTrainer(fastParams(1, 2), store, nil).Train(ctx, "eq", syntheticTable(40))
	assert.ErrorIs(t, err, ErrTrainingCanceled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, store.Exists("eq"))
}

func TestTrainDeadline(t *testing.T) {
	store, err := modelstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	params := fastParams(1, 2)
	params.Timeout = time.Nanosecond

	_, err = NewTrainer(params, store, nil).Train(context.Background(), "eq", syntheticTable(40))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrainingCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, store.Exists("eq"))
}

func TestCSVRoundTrip(t *testing.T) {
	table := syntheticTable(5)
	var sb strings.Builder
	require.NoError(t, WriteCSV(&sb, table))
	assert.True(t, strings.HasPrefix(sb.String(), "xrms,xcf,yrms,ycf,zrms,zcf\n"))

	back, err := ReadCSV(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, table, back)
}

func TestReadCSVByName(t *testing.T) {
	in := "timeStamp,zcf,zrms,ycf,yrms,xcf,xrms\n2021-08-01 10:00:00,1.1,0.3,1.2,0.2,1.3,0.1\n"
	table, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1}, table.XRMS)
	assert.Equal(t, []float64{1.1}, table.ZCF)

	_, err = ReadCSV(strings.NewReader("xrms,xcf\n1,2\n"))
	assert.Error(t, err)
	_, err = ReadCSV(strings.NewReader("xrms,xcf,yrms,ycf,zrms,zcf\n1,2,3,4,5,abc\n"))
	assert.Error(t, err)
}
