// Package training selects ν and γ for the per-axis one-class models of an
// equipment by repeated coarse/fine grid search and fits the final models.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"vibranium/internal/config"
	"vibranium/internal/logging"
	"vibranium/internal/model"
	"vibranium/internal/ocsvm"
)

var (
	ErrTrainingCanceled = errors.New("training canceled")
	ErrInsufficientData = errors.New("not enough rows to split into train and cv sets")
)

type TrainingError struct {
	EquipmentID string
	Axis        model.Axis
	Err         error
}

func (e *TrainingError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("train %s: %v", e.EquipmentID, e.Err)
	}
	return fmt.Sprintf("train %s axis %s: %v", e.EquipmentID, e.Axis, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

type Params struct {
	Repetitions   int
	TrainFraction float64
	CoarseNu      []float64
	CoarseGamma   []float64
	FineSpread    float64
	FinePoints    int
	// Seed fixes every random draw; zero picks a fresh seed per run.
	Seed    uint64
	Workers int
	Timeout time.Duration
}

func DefaultParams() Params {
	return Params{
		Repetitions:   5,
		TrainFraction: 0.8,
		CoarseNu:      CoarseNu,
		CoarseGamma:   CoarseGamma,
		FineSpread:    0.5,
		FinePoints:    3,
		Workers:       4,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.Repetitions <= 0 {
		p.Repetitions = def.Repetitions
	}
	if p.TrainFraction <= 0 || p.TrainFraction >= 1 {
		p.TrainFraction = def.TrainFraction
	}
	if len(p.CoarseNu) == 0 {
		p.CoarseNu = def.CoarseNu
	}
	if len(p.CoarseGamma) == 0 {
		p.CoarseGamma = def.CoarseGamma
	}
	if p.FineSpread <= 0 || p.FineSpread >= 1 {
		p.FineSpread = def.FineSpread
	}
	if p.FinePoints <= 0 {
		p.FinePoints = def.FinePoints
	}
	if p.Workers <= 0 {
		p.Workers = def.Workers
	}
	return p
}

// Saver persists the fitted models of an equipment.
type Saver interface {
	SaveSet(equipmentID string, models map[model.Axis]*ocsvm.Model) error
}

type AxisResult struct {
	Axis       model.Axis         `json:"axis"`
	Nu         float64            `json:"nu"`
	Gamma      float64            `json:"gamma"`
	Picks      []HyperparamResult `json:"picks"`
	TrainError float64            `json:"train_error"`
	CVError    float64            `json:"cv_error"`
	Model      *ocsvm.Model       `json:"-"`
}

type ModelSet struct {
	EquipmentID string                     `json:"equipment_id"`
	Seed        uint64                     `json:"seed"`
	Rows        int                        `json:"rows"`
	Axes        map[model.Axis]*AxisResult `json:"axes"`
}

func (s ModelSet) Models() map[model.Axis]*ocsvm.Model {
	out := make(map[model.Axis]*ocsvm.Model, len(s.Axes))
	for a, r := range s.Axes {
		out[a] = r.Model
	}
	return out
}

type Trainer struct {
	params Params
	saver  Saver
	logger *slog.Logger
}

// ParamsFromConfig maps the training section of the configuration.
func ParamsFromConfig(c config.TrainingConfig) Params {
	return Params{
		Repetitions:   c.Repetitions,
		TrainFraction: c.TrainFraction,
		CoarseNu:      c.CoarseNu,
		CoarseGamma:   c.CoarseGamma,
		FineSpread:    c.FineSpread,
		FinePoints:    c.FinePoints,
		Seed:          c.Seed,
		Workers:       c.Workers,
		Timeout:       c.Timeout,
	}
}

// NewTrainer returns a trainer; a nil saver skips persistence.
func NewTrainer(params Params, saver Saver, logger *slog.Logger) *Trainer {
	return &Trainer{params: params.withDefaults(), saver: saver, logger: logging.OrDiscard(logger)}
}

func (t *Trainer) Params() Params { return t.params }

// Train runs the search for every axis and, when all three succeed, fits and
// persists the final models.
func (t *Trainer) Train(ctx context.Context, equipmentID string, table Table) (ModelSet, error) {
	p := t.params
	if err := table.validate(); err != nil {
		return ModelSet{}, &TrainingError{EquipmentID: equipmentID, Err: err}
	}
	n := table.Len()
	trainSize := int(math.RoundToEven(p.TrainFraction * float64(n)))
	if trainSize == 0 || trainSize >= n {
		return ModelSet{}, &TrainingError{EquipmentID: equipmentID, Err: fmt.Errorf("%w: %d rows", ErrInsufficientData, n)}
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	seed := p.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	start := time.Now()
	points := make(map[model.Axis][][]float64, len(model.Axes))
	for _, axis := range model.Axes {
		points[axis] = table.Points(axis)
	}

	picks := make([][]HyperparamResult, len(model.Axes))
	for i := range picks {
		picks[i] = make([]HyperparamResult, p.Repetitions)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for ai, axis := range model.Axes {
		for rep := 0; rep < p.Repetitions; rep++ {
			g.Go(func() error {
				res, err := t.repetition(gctx, points[axis], newRand(seed, ai, rep))
				if err != nil {
					return t.wrap(ctx, equipmentID, axis, err)
				}
				picks[ai][rep] = res
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return ModelSet{}, err
	}

	set := ModelSet{EquipmentID: equipmentID, Seed: seed, Rows: n, Axes: make(map[model.Axis]*AxisResult, len(model.Axes))}
	results := make([]*AxisResult, len(model.Axes))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for ai, axis := range model.Axes {
		g.Go(func() error {
			res, err := t.final(gctx, axis, points[axis], picks[ai], newRand(seed, ai, p.Repetitions))
			if err != nil {
				return t.wrap(ctx, equipmentID, axis, err)
			}
			results[ai] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ModelSet{}, err
	}
	for ai, axis := range model.Axes {
		set.Axes[axis] = results[ai]
		t.logger.Info("axis model selected",
			"equipment_id", equipmentID,
			"axis", axis,
			"nu", results[ai].Nu,
			"gamma", results[ai].Gamma,
			"train_error", results[ai].TrainError,
			"cv_error", results[ai].CVError,
		)
	}

	if t.saver != nil {
		if err := t.saver.SaveSet(equipmentID, set.Models()); err != nil {
			return ModelSet{}, fmt.Errorf("persist models for %s: %w", equipmentID, err)
		}
	}
	t.logger.Info("training complete", "equipment_id", equipmentID, "rows", n, "seed", seed, "duration", time.Since(start))
	return set, nil
}

func (t *Trainer) wrap(parent context.Context, equipmentID string, axis model.Axis, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if perr := parent.Err(); perr != nil {
			err = perr
		}
		return fmt.Errorf("%w: %s: %w", ErrTrainingCanceled, equipmentID, err)
	}
	return &TrainingError{EquipmentID: equipmentID, Axis: axis, Err: err}
}

// repetition runs one coarse search, refines around the best pairs and
// returns one of the best fine pairs at random.
func (t *Trainer) repetition(ctx context.Context, points [][]float64, rng *rand.Rand) (HyperparamResult, error) {
	p := t.params
	train, cv := split(points, p.TrainFraction, rng)

	coarse, err := search(ctx, train, cv, p.CoarseNu, p.CoarseGamma)
	if err != nil {
		return HyperparamResult{}, err
	}
	nus, gammas := Refine(Best(coarse), p.FineSpread, p.FinePoints)
	fine, err := search(ctx, train, cv, nus, gammas)
	if err != nil {
		return HyperparamResult{}, err
	}
	best := Best(fine)
	pick := best[rng.IntN(len(best))]
	pick.Nu = round3(pick.Nu)
	pick.Gamma = round3(pick.Gamma)
	return pick, nil
}

func search(ctx context.Context, train, cv [][]float64, nus, gammas []float64) ([]HyperparamResult, error) {
	out := make([]HyperparamResult, 0, len(nus)*len(gammas))
	for _, nu := range nus {
		for _, gamma := range gammas {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r, err := evaluate(train, cv, nu, gamma)
			if err != nil {
				return nil, fmt.Errorf("nu=%v gamma=%v: %w", nu, gamma, err)
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// final averages the per-repetition picks and fits the model on a fresh split.
func (t *Trainer) final(ctx context.Context, axis model.Axis, points [][]float64, picks []HyperparamResult, rng *rand.Rand) (*AxisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nus := make([]float64, len(picks))
	gammas := make([]float64, len(picks))
	for i, pk := range picks {
		nus[i] = pk.Nu
		gammas[i] = pk.Gamma
	}
	nu, gamma := stat.Mean(nus, nil), stat.Mean(gammas, nil)

	train, cv := split(points, t.params.TrainFraction, rng)
	m, err := ocsvm.Fit(train, ocsvm.Params{Nu: nu, Gamma: gamma})
	if err != nil {
		return nil, err
	}
	return &AxisResult{
		Axis:       axis,
		Nu:         nu,
		Gamma:      gamma,
		Picks:      picks,
		TrainError: errorPercent(m, train),
		CVError:    errorPercent(m, cv),
		Model:      m,
	}, nil
}

// newRand derives an independent stream per (axis, repetition) so results do
// not depend on scheduling.
func newRand(seed uint64, axis, rep int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(axis)<<32|uint64(rep)))
}
