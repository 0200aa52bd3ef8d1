package inference

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gdm-risk-service/internal/common/errors"

	"github.com/xeipuuv/gojsonschema"
)

const (
	EncoderOneHot         = "one_hot"
	EncoderStandardScaler = "standard_scaler"
	EncoderPassthrough    = "passthrough"

	HandleUnknownIgnore = "ignore"
	HandleUnknownError  = "error"

	defaultThreshold = 0.5
)

var (
	//go:embed schemas/transform.schema.json
	transformSchemaJSON []byte

	//go:embed schemas/classifier.schema.json
	classifierSchemaJSON []byte
)

// TransformSpec is the on-disk form of the fitted preprocessing stage.
type TransformSpec struct {
	Format          string       `json:"format"`
	Version         string       `json:"version"`
	EncodingVersion string       `json:"encoding_version"`
	Columns         []ColumnSpec `json:"columns"`
}

type ColumnSpec struct {
	Name    string      `json:"name"`
	Kind    string      `json:"kind"`
	Encoder EncoderSpec `json:"encoder"`
}

type EncoderSpec struct {
	Type          string   `json:"type"`
	Categories    []string `json:"categories,omitempty"`
	HandleUnknown string   `json:"handle_unknown,omitempty"`
	Mean          float64  `json:"mean,omitempty"`
	Scale         float64  `json:"scale,omitempty"`
}

// ClassifierSpec is the on-disk form of the fitted classifier stage.
type ClassifierSpec struct {
	Format       string    `json:"format"`
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	NFeatures    int       `json:"n_features"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	Threshold    *float64  `json:"threshold,omitempty"`
}

// LoadTransformSpec reads and schema-checks a transform artifact.
func LoadTransformSpec(path string) (*TransformSpec, error) {
	var spec TransformSpec
	if err := loadArtifact(path, transformSchemaJSON, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadClassifierSpec reads and schema-checks a classifier artifact.
func LoadClassifierSpec(path string) (*ClassifierSpec, error) {
	var spec ClassifierSpec
	if err := loadArtifact(path, classifierSchemaJSON, &spec); err != nil {
		return nil, err
	}
	if len(spec.Coefficients) != spec.NFeatures {
		return nil, errors.NewArtifactLoadError(path,
			fmt.Errorf("n_features is %d but %d coefficients given", spec.NFeatures, len(spec.Coefficients)))
	}
	return &spec, nil
}

func loadArtifact(path string, schemaJSON []byte, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewArtifactLoadError(path, err)
	}

	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return errors.NewArtifactLoadError(path, fmt.Errorf("schema validation: %w", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.NewArtifactLoadError(path, fmt.Errorf("invalid artifact: %s", strings.Join(msgs, "; ")))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewArtifactLoadError(path, err)
	}
	return nil
}
