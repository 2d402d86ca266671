package predict

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibranium/internal/model"
	"vibranium/internal/modelstore"
	"vibranium/internal/ocsvm"
)

// storeWithModels fits every axis on a disc of points around (0.5, 1.5).
func storeWithModels(t *testing.T) *modelstore.FileStore {
	t.Helper()
	golden := math.Pi * (3 - math.Sqrt(5))
	pts := make([][]float64, 60)
	for i := range pts {
		r := 0.3 * math.Sqrt((float64(i)+0.5)/60)
		th := float64(i) * golden
		pts[i] = []float64{0.5 + r*math.Cos(th), 1.5 + r*math.Sin(th)}
	}
	m, err := ocsvm.Fit(pts, ocsvm.Params{Nu: 0.1, Gamma: 5})
	require.NoError(t, err)
	s, err := modelstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SaveSet("eq", map[model.Axis]*ocsvm.Model{model.AxisX: m, model.AxisY: m, model.AxisZ: m}))
	return s
}

var (
	normal  = model.AxisFeatures{RMS: 0.5, CrestFactor: 1.5}
	outlier = model.AxisFeatures{RMS: 3, CrestFactor: 6}
)

func TestPolicies(t *testing.T) {
	store := storeWithModels(t)
	zOut := model.FeatureSet{X: normal, Y: normal, Z: outlier}
	xyOut := model.FeatureSet{X: outlier, Y: outlier, Z: normal}
	allOut := model.FeatureSet{X: outlier, Y: outlier, Z: outlier}

	cases := []struct {
		policy Policy
		fs     model.FeatureSet
		want   bool
	}{
		{PolicyAll, zOut, false},
		{PolicyAll, xyOut, false},
		{PolicyAll, allOut, true},
		{PolicyAny, zOut, true},
		{PolicyAny, xyOut, true},
		{PolicyAny, model.FeatureSet{X: normal, Y: normal, Z: normal}, false},
		{PolicyLast, zOut, true},
		{PolicyLast, xyOut, false},
	}
	for _, tc := range cases {
		got, err := NewPredictor(store, tc.policy).Predict("eq", tc.fs)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %+v", tc.policy, tc.fs)
	}

	v, err := NewPredictor(store, PolicyAll).Evaluate("eq", xyOut)
	require.NoError(t, err)
	assert.Equal(t, []model.Axis{model.AxisX, model.AxisY}, v.Outliers)
}

func TestModelNotFound(t *testing.T) {
	s, err := modelstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = NewPredictor(s, PolicyAll).Predict("unknown", model.FeatureSet{})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("ANY")
	require.NoError(t, err)
	assert.Equal(t, PolicyAny, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAll, p)
	_, err = ParsePolicy("majority")
	assert.Error(t, err)
}
