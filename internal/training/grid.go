package training

import (
	"math"
	"math/rand/v2"
	"slices"

	"vibranium/internal/ocsvm"
)

var (
	CoarseNu    = []float64{0.01, 0.1, 0.3, 0.5, 0.7, 0.9}
	CoarseGamma = []float64{1, 5, 10, 50, 100}
)

type HyperparamResult struct {
	Nu         float64 `json:"nu"`
	Gamma      float64 `json:"gamma"`
	TrainError float64 `json:"train_error"`
	CVError    float64 `json:"cv_error"`
}

// split draws a random partition without replacement; the first part has
// round(fraction·n) points.
func split(points [][]float64, fraction float64, rng *rand.Rand) (train, cv [][]float64) {
	n := len(points)
	size := int(math.RoundToEven(fraction * float64(n)))
	perm := rng.Perm(n)
	train = make([][]float64, 0, size)
	cv = make([][]float64, 0, n-size)
	for k, i := range perm {
		if k < size {
			train = append(train, points[i])
		} else {
			cv = append(cv, points[i])
		}
	}
	return train, cv
}

func errorPercent(m *ocsvm.Model, xs [][]float64) float64 {
	return round3(m.OutlierPercent(xs))
}

func round3(v float64) float64 {
	return math.RoundToEven(v*1000) / 1000
}

func evaluate(train, cv [][]float64, nu, gamma float64) (HyperparamResult, error) {
	m, err := ocsvm.Fit(train, ocsvm.Params{Nu: nu, Gamma: gamma})
	if err != nil {
		return HyperparamResult{}, err
	}
	return HyperparamResult{
		Nu:         nu,
		Gamma:      gamma,
		TrainError: errorPercent(m, train),
		CVError:    errorPercent(m, cv),
	}, nil
}

// Best keeps every result sharing the minimum CV error, in input order.
func Best(results []HyperparamResult) []HyperparamResult {
	if len(results) == 0 {
		return nil
	}
	minErr := math.Inf(1)
	for _, r := range results {
		minErr = math.Min(minErr, r.CVError)
	}
	var out []HyperparamResult
	for _, r := range results {
		if r.CVError == minErr {
			out = append(out, r)
		}
	}
	return out
}

// Refine builds the fine grid around the kept pairs: every value p becomes
// points values spread evenly over [(1-spread)·p, (1+spread)·p]. Both axes are
// sorted and deduplicated; ν is capped at 1.
func Refine(kept []HyperparamResult, spread float64, points int) (nus, gammas []float64) {
	for _, r := range kept {
		nus = append(nus, linspace(r.Nu, spread, points)...)
		gammas = append(gammas, linspace(r.Gamma, spread, points)...)
	}
	for i, v := range nus {
		if v > 1 {
			nus[i] = 1
		}
	}
	slices.Sort(nus)
	slices.Sort(gammas)
	return slices.Compact(nus), slices.Compact(gammas)
}

func linspace(p, spread float64, points int) []float64 {
	if points <= 1 {
		return []float64{p}
	}
	out := make([]float64, points)
	for i := range out {
		out[i] = p * (1 - spread + 2*spread*float64(i)/float64(points-1))
	}
	return out
}
