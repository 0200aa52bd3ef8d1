// Package inference wraps the fitted transform-then-classify pipeline behind a
// single Classify call.
package inference

import (
	"context"
	stderrors "errors"
	"fmt"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/gdm/features"
)

// Prediction carries the label plus the scores behind it.
type Prediction struct {
	Label       RiskLabel `json:"label"`
	Class       int       `json:"class"`
	Probability float64   `json:"probability"`
}

// Adapter is loaded once at start and shared read-only by every request.
type Adapter struct {
	transform  *Transform
	classifier *Classifier
}

// Info describes the loaded artifact pair.
type Info struct {
	TransformVersion  string `json:"transformVersion"`
	ClassifierVersion string `json:"classifierVersion"`
	EncodingVersion   string `json:"encodingVersion"`
	Width             int    `json:"width"`
}

// NewAdapter pairs a transform with a classifier. The transform must be
// fitted against table and its output width must equal the classifier's
// feature count.
func NewAdapter(table *features.EncodingTable, transform *Transform, classifier *Classifier) (*Adapter, error) {
	if err := transform.CheckTable(table); err != nil {
		return nil, errors.NewArtifactLoadError("", err)
	}
	if transform.Width() != classifier.NFeatures() {
		return nil, errors.NewArtifactLoadError("", widthMismatch(transform, classifier))
	}
	return &Adapter{transform: transform, classifier: classifier}, nil
}

// LoadAdapter reads both artifact files and pairs them against the v1
// encoding table. Any failure is an ArtifactLoadError.
func LoadAdapter(transformPath, classifierPath string) (*Adapter, error) {
	tSpec, err := LoadTransformSpec(transformPath)
	if err != nil {
		return nil, err
	}
	transform, err := NewTransform(tSpec)
	if err != nil {
		return nil, errors.NewArtifactLoadError(transformPath, err)
	}

	cSpec, err := LoadClassifierSpec(classifierPath)
	if err != nil {
		return nil, err
	}
	classifier, err := NewClassifier(cSpec)
	if err != nil {
		return nil, errors.NewArtifactLoadError(classifierPath, err)
	}

	a, err := NewAdapter(features.V1(), transform, classifier)
	if err != nil {
		return nil, errors.NewArtifactLoadError(transformPath+", "+classifierPath, stderrors.Unwrap(err))
	}
	return a, nil
}

// Classify returns the RiskLabel for record. Schema mismatches surface as
// SchemaMismatchError and are never coerced.
func (a *Adapter) Classify(ctx context.Context, record *features.FeatureRecord) (RiskLabel, error) {
	p, err := a.Predict(ctx, record)
	if err != nil {
		return RiskLow, err
	}
	return p.Label, nil
}

// Predict is Classify plus the positive-class probability.
func (a *Adapter) Predict(ctx context.Context, record *features.FeatureRecord) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewInferenceFailedError(err)
	}

	x, err := a.transform.Apply(record)
	if err != nil {
		return nil, err
	}

	class, prob, err := a.classifier.Predict(x)
	if err != nil {
		return nil, errors.NewInferenceFailedError(err)
	}
	label, err := LabelFromClass(class)
	if err != nil {
		return nil, errors.NewInferenceFailedError(err)
	}

	return &Prediction{Label: label, Class: class, Probability: prob}, nil
}

func (a *Adapter) Info() Info {
	return Info{
		TransformVersion:  a.transform.Version(),
		ClassifierVersion: a.classifier.Version(),
		EncodingVersion:   a.transform.EncodingVersion(),
		Width:             a.transform.Width(),
	}
}

func widthMismatch(t *Transform, c *Classifier) error {
	return fmt.Errorf("transform produces %d features, classifier expects %d", t.Width(), c.NFeatures())
}
