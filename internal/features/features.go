// Package features computes the per-axis vibration signature of an
// acquisition window: RMS, crest factor and the dominant spectral peaks.
package features

import (
	"errors"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"vibranium/internal/model"
)

var (
	// ErrDegenerateSeries is returned when the RMS of the mean-removed series
	// rounds to zero, so the crest factor is undefined.
	ErrDegenerateSeries = errors.New("degenerate series: rms is zero")
	ErrEmptySeries      = errors.New("empty series")
	ErrInvalidParams    = errors.New("invalid feature parameters")
)

type Params struct {
	SampleRate float64
	FFTSize    int
	TopN       int
}

func DefaultParams() Params {
	return Params{SampleRate: 1000, FFTSize: 1024, TopN: 3}
}

func (p Params) validate() error {
	if p.SampleRate <= 0 || p.FFTSize < 2 || p.TopN <= 0 || p.TopN > p.FFTSize/2 {
		return ErrInvalidParams
	}
	return nil
}

type Peak struct {
	Bin  int
	Freq float64
	Amp  float64
}

// Extract computes the features of one axis. The series is mean-removed
// first; the input slice is not modified.
func Extract(series []float64, p Params) (model.AxisFeatures, error) {
	if err := p.validate(); err != nil {
		return model.AxisFeatures{}, err
	}
	if len(series) == 0 {
		return model.AxisFeatures{}, ErrEmptySeries
	}
	x := RemoveMean(series)

	rms := Round(RMS(x), 6)
	if rms == 0 {
		return model.AxisFeatures{}, ErrDegenerateSeries
	}
	cf := Round(PeakAbs(x)/rms, 6)

	peaks := TopPeaks(Spectrum(x, p.FFTSize), p.SampleRate, p.FFTSize, p.TopN)
	freqs := make([]float64, len(peaks))
	amps := make([]float64, len(peaks))
	for i, pk := range peaks {
		freqs[i] = pk.Freq
		amps[i] = pk.Amp
	}
	return model.AxisFeatures{
		RMS:          rms,
		CrestFactor:  cf,
		DominantFreq: Round(stat.Mean(freqs, nil), 2),
		DominantAmp:  Round(stat.Mean(amps, nil), 2),
	}, nil
}

// RemoveMean returns a copy of series with its arithmetic mean subtracted.
func RemoveMean(series []float64) []float64 {
	out := make([]float64, len(series))
	if len(series) == 0 {
		return out
	}
	copy(out, series)
	floats.AddConst(-stat.Mean(series, nil), out)
	return out
}

func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(x, x) / float64(len(x)))
}

// PeakAbs is the largest absolute value in x.
func PeakAbs(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return math.Max(floats.Max(x), -floats.Min(x))
}

// Spectrum returns the DFT magnitudes of x fitted to n samples: longer input
// is truncated, shorter input is zero-padded at the end. The result holds the
// n/2+1 non-negative frequency bins.
func Spectrum(x []float64, n int) []float64 {
	seq := make([]float64, n)
	copy(seq, x)
	coeff := fourier.NewFFT(n).Coefficients(nil, seq)
	mag := make([]float64, len(coeff))
	for i, c := range coeff {
		mag[i] = cmplx.Abs(c)
	}
	return mag
}

// TopPeaks returns the n largest magnitudes among bins [0, fftSize/2), in
// descending order. Equal magnitudes keep the lower bin first. Bin i maps to
// i*sampleRate/fftSize Hz.
func TopPeaks(spectrum []float64, sampleRate float64, fftSize, n int) []Peak {
	limit := min(fftSize/2, len(spectrum))
	if n > limit {
		n = limit
	}
	if n <= 0 {
		return nil
	}
	idx := make([]int, limit)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return spectrum[idx[a]] > spectrum[idx[b]]
	})
	out := make([]Peak, n)
	for k := 0; k < n; k++ {
		i := idx[k]
		out[k] = Peak{Bin: i, Freq: float64(i) * sampleRate / float64(fftSize), Amp: spectrum[i]}
	}
	return out
}

// Round rounds half to even at the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.RoundToEven(v*p) / p
}
