package inference

import (
	"fmt"
	"math"
)

// Classifier is a fitted binary logistic regression.
type Classifier struct {
	version      string
	coefficients []float64
	intercept    float64
	threshold    float64
}

func NewClassifier(spec *ClassifierSpec) (*Classifier, error) {
	if spec.Type != "logistic_regression" {
		return nil, fmt.Errorf("unsupported classifier type %q", spec.Type)
	}
	if len(spec.Coefficients) != spec.NFeatures {
		return nil, fmt.Errorf("n_features is %d but %d coefficients given", spec.NFeatures, len(spec.Coefficients))
	}

	threshold := defaultThreshold
	if spec.Threshold != nil {
		threshold = *spec.Threshold
	}

	coef := make([]float64, len(spec.Coefficients))
	copy(coef, spec.Coefficients)

	return &Classifier{
		version:      spec.Version,
		coefficients: coef,
		intercept:    spec.Intercept,
		threshold:    threshold,
	}, nil
}

func (c *Classifier) NFeatures() int { return len(c.coefficients) }

func (c *Classifier) Version() string { return c.version }

// Predict returns the raw class (0 or 1) and the positive-class probability.
func (c *Classifier) Predict(x []float64) (int, float64, error) {
	if len(x) != len(c.coefficients) {
		return 0, 0, fmt.Errorf("expected %d features, got %d", len(c.coefficients), len(x))
	}

	z := c.intercept
	for i, v := range x {
		z += c.coefficients[i] * v
	}
	p := 1 / (1 + math.Exp(-z))

	if p > c.threshold {
		return 1, p, nil
	}
	return 0, p, nil
}
