// Package predict classifies a feature record against the stored per-axis
// models of its equipment.
package predict

import (
	"errors"
	"fmt"
	"strings"

	"vibranium/internal/model"
	"vibranium/internal/modelstore"
	"vibranium/internal/ocsvm"
)

// ErrModelNotFound is returned when an axis of the equipment has no model;
// callers fall back to monitoring only.
var ErrModelNotFound = modelstore.ErrNotFound

type Policy string

const (
	// PolicyAll flags an anomaly only when every axis is an outlier.
	PolicyAll Policy = "all"
	// PolicyAny flags an anomaly when at least one axis is an outlier.
	PolicyAny Policy = "any"
	// PolicyLast uses the verdict of the last axis evaluated (z).
	PolicyLast Policy = "last"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAll, PolicyAny, PolicyLast:
		return p, nil
	case "":
		return PolicyAll, nil
	}
	return "", fmt.Errorf("unknown prediction policy %q", s)
}

type Loader interface {
	Load(equipmentID string, axis model.Axis) (*ocsvm.Model, error)
}

// Verdict holds the per-axis classification and the aggregated result.
type Verdict struct {
	Anomaly  bool
	Outliers []model.Axis
}

type Predictor struct {
	models Loader
	policy Policy
}

func NewPredictor(models Loader, policy Policy) *Predictor {
	if policy == "" {
		policy = PolicyAll
	}
	return &Predictor{models: models, policy: policy}
}

func (p *Predictor) Policy() Policy { return p.policy }

// Predict reports whether the features are anomalous for the equipment.
func (p *Predictor) Predict(equipmentID string, fs model.FeatureSet) (bool, error) {
	v, err := p.Evaluate(equipmentID, fs)
	return v.Anomaly, err
}

func (p *Predictor) Evaluate(equipmentID string, fs model.FeatureSet) (Verdict, error) {
	outlier := make([]bool, len(model.Axes))
	var v Verdict
	for i, axis := range model.Axes {
		m, err := p.models.Load(equipmentID, axis)
		if err != nil {
			if errors.Is(err, modelstore.ErrNotFound) {
				return Verdict{}, err
			}
			return Verdict{}, fmt.Errorf("load %s model for %s: %w", axis, equipmentID, err)
		}
		f := fs.Axis(axis)
		if m.Predict([]float64{f.RMS, f.CrestFactor}) < 0 {
			outlier[i] = true
			v.Outliers = append(v.Outliers, axis)
		}
	}
	v.Anomaly = Aggregate(p.policy, outlier)
	return v, nil
}

// Aggregate folds per-axis outlier flags, in x, y, z order, into one verdict.
func Aggregate(policy Policy, outlier []bool) bool {
	if len(outlier) == 0 {
		return false
	}
	switch policy {
	case PolicyAny:
		for _, o := range outlier {
			if o {
				return true
			}
		}
		return false
	case PolicyLast:
		return outlier[len(outlier)-1]
	default:
		for _, o := range outlier {
			if !o {
				return false
			}
		}
		return true
	}
}
