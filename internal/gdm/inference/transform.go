package inference

import (
	"fmt"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/gdm/features"
)

// Transform is the fitted preprocessing stage: it maps a FeatureRecord onto
// the dense vector the classifier was trained on. Immutable after
// NewTransform.
type Transform struct {
	version         string
	encodingVersion string
	columns         []column
	width           int
}

type column struct {
	name    string
	kind    features.Kind
	encoder encoder
}

type encoder interface {
	width() int
	encode(f features.Field, dst []float64) error
}

// NewTransform checks that every encoder suits its column kind.
func NewTransform(spec *TransformSpec) (*Transform, error) {
	t := &Transform{
		version:         spec.Version,
		encodingVersion: spec.EncodingVersion,
		columns:         make([]column, 0, len(spec.Columns)),
	}

	seen := make(map[string]bool, len(spec.Columns))
	for i, c := range spec.Columns {
		if seen[c.Name] {
			return nil, fmt.Errorf("column %d: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true

		kind := features.Kind(c.Kind)
		enc, err := newEncoder(kind, c.Encoder)
		if err != nil {
			return nil, fmt.Errorf("column %d (%s): %w", i, c.Name, err)
		}
		t.columns = append(t.columns, column{name: c.Name, kind: kind, encoder: enc})
		t.width += enc.width()
	}
	return t, nil
}

func newEncoder(kind features.Kind, spec EncoderSpec) (encoder, error) {
	switch spec.Type {
	case EncoderOneHot:
		if kind != features.KindCategorical {
			return nil, fmt.Errorf("one_hot needs a categorical column, got %s", kind)
		}
		index := make(map[string]int, len(spec.Categories))
		for i, c := range spec.Categories {
			index[c] = i
		}
		return &oneHot{index: index, n: len(spec.Categories), strict: spec.HandleUnknown == HandleUnknownError}, nil
	case EncoderStandardScaler:
		if kind == features.KindCategorical {
			return nil, fmt.Errorf("standard_scaler needs a numeric column")
		}
		if spec.Scale <= 0 {
			return nil, fmt.Errorf("scale must be positive")
		}
		return &scaler{mean: spec.Mean, scale: spec.Scale}, nil
	case EncoderPassthrough:
		if kind == features.KindCategorical {
			return nil, fmt.Errorf("passthrough needs a numeric column")
		}
		return passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown encoder %q", spec.Type)
	}
}

func (t *Transform) Width() int { return t.width }

func (t *Transform) Version() string { return t.version }

func (t *Transform) EncodingVersion() string { return t.encodingVersion }

// CheckSchema fails with a SchemaMismatchError unless record carries exactly
// the fitted columns, in order, with the fitted kinds.
func (t *Transform) CheckSchema(record *features.FeatureRecord) error {
	if record.EncodingVersion() != t.encodingVersion {
		return errors.NewSchemaMismatchError(fmt.Sprintf(
			"record encoded with %q, transform fitted against %q", record.EncodingVersion(), t.encodingVersion))
	}

	fields := record.Fields()
	if len(fields) != len(t.columns) {
		return errors.NewSchemaMismatchError(fmt.Sprintf(
			"record has %d fields, transform expects %d", len(fields), len(t.columns)))
	}
	for i, f := range fields {
		c := t.columns[i]
		if f.Name != c.name {
			return errors.NewSchemaMismatchError(fmt.Sprintf("field %d: expected %q, got %q", i+1, c.name, f.Name))
		}
		if f.Kind != c.kind {
			return errors.NewSchemaMismatchError(fmt.Sprintf("field %d (%s): expected %s, got %s", i+1, c.name, c.kind, f.Kind))
		}
	}
	return nil
}

// CheckTable reports whether the transform was fitted against table: same
// encoding version and the same columns in the same order with the same kinds.
func (t *Transform) CheckTable(table *features.EncodingTable) error {
	if table.Version() != t.encodingVersion {
		return fmt.Errorf("transform fitted against %q, builder encodes %q", t.encodingVersion, table.Version())
	}
	cols := table.Columns()
	if len(cols) != len(t.columns) {
		return fmt.Errorf("transform has %d columns, builder produces %d", len(t.columns), len(cols))
	}
	for i, c := range cols {
		if t.columns[i].name != c.Name || t.columns[i].kind != c.Kind {
			return fmt.Errorf("column %d: transform expects %q (%s), builder produces %q (%s)",
				i+1, t.columns[i].name, t.columns[i].kind, c.Name, c.Kind)
		}
	}
	return nil
}

// Apply checks the schema and encodes record.
func (t *Transform) Apply(record *features.FeatureRecord) ([]float64, error) {
	if err := t.CheckSchema(record); err != nil {
		return nil, err
	}

	out := make([]float64, t.width)
	offset := 0
	for i, f := range record.Fields() {
		enc := t.columns[i].encoder
		if err := enc.encode(f, out[offset:offset+enc.width()]); err != nil {
			return nil, errors.NewInferenceFailedError(fmt.Errorf("%s: %w", f.Name, err))
		}
		offset += enc.width()
	}
	return out, nil
}

type oneHot struct {
	index  map[string]int
	n      int
	strict bool
}

func (o *oneHot) width() int { return o.n }

func (o *oneHot) encode(f features.Field, dst []float64) error {
	i, ok := o.index[f.Text]
	if !ok {
		if o.strict {
			return fmt.Errorf("unknown category %q", f.Text)
		}
		return nil
	}
	dst[i] = 1
	return nil
}

type scaler struct {
	mean  float64
	scale float64
}

func (s *scaler) width() int { return 1 }

func (s *scaler) encode(f features.Field, dst []float64) error {
	dst[0] = (numeric(f) - s.mean) / s.scale
	return nil
}

type passthrough struct{}

func (passthrough) width() int { return 1 }

func (passthrough) encode(f features.Field, dst []float64) error {
	dst[0] = numeric(f)
	return nil
}

func numeric(f features.Field) float64 {
	if f.Kind == features.KindInteger {
		return float64(f.Int)
	}
	return f.Float
}
