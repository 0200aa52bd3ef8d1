package features

import (
	"strconv"
)

// RawInput is one unvalidated form submission. Numeric fields are pointers so
// that an absent value is distinguishable from zero.
type RawInput struct {
	Identifier        string   `json:"studyId"`
	HeightCM          *float64 `json:"heightCm"`
	WeightKG          *float64 `json:"weightKg"`
	Age               *int     `json:"ageAtBooking"`
	SystolicBP        *int     `json:"systolicBp"`
	DiastolicBP       *int     `json:"diastolicBp"`
	Parity            *int     `json:"parity"`
	HxGDM             string   `json:"hxGdm"`
	FHDiabetes        string   `json:"fhDiabetes"`
	EthnicOrigin      string   `json:"ethnicOrigin"`
	SkillLevel        string   `json:"skillLevel"`
	OtherEndocrine    string   `json:"otherEndocrineProblems"`
	ClinicianJudgment string   `json:"clinicianPrediction"`
}

// Kind is the value type a transform column was fitted against.
type Kind string

const (
	KindCategorical Kind = "categorical"
	KindInteger     Kind = "integer"
	KindFloat       Kind = "float"
)

// Field is one typed value of a FeatureRecord. Exactly one of Text, Int or
// Float is meaningful, selected by Kind.
type Field struct {
	Name  string
	Kind  Kind
	Text  string
	Int   int64
	Float float64
}

// Value returns the field's value as string, int64 or float64.
func (f Field) Value() interface{} {
	switch f.Kind {
	case KindCategorical:
		return f.Text
	case KindInteger:
		return f.Int
	default:
		return f.Float
	}
}

// String formats the value the way it is written to CSV artifacts.
func (f Field) String() string {
	switch f.Kind {
	case KindCategorical:
		return f.Text
	case KindInteger:
		return strconv.FormatInt(f.Int, 10)
	default:
		return strconv.FormatFloat(f.Float, 'f', -1, 64)
	}
}

// FeatureRecord is the canonical, ordered input to the inference pipeline.
// It is immutable once built: accessors hand out copies.
type FeatureRecord struct {
	identifier      string
	clinician       int
	encodingVersion string
	fields          []Field
}

func (r *FeatureRecord) Identifier() string { return r.identifier }

// ClinicianJudgment is the clinician's independent call, 1 for High Risk.
func (r *FeatureRecord) ClinicianJudgment() int { return r.clinician }

// EncodingVersion names the encoding table that produced the record.
func (r *FeatureRecord) EncodingVersion() string { return r.encodingVersion }

func (r *FeatureRecord) Len() int { return len(r.fields) }

func (r *FeatureRecord) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

func (r *FeatureRecord) Names() []string {
	out := make([]string, len(r.fields))
	for i, f := range r.fields {
		out[i] = f.Name
	}
	return out
}

// Get looks a field up by column name.
func (r *FeatureRecord) Get(name string) (Field, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// NewRecord assembles a record from already-encoded fields. It performs no
// validation; Builder.Build is the normal way in.
func NewRecord(identifier string, clinician int, encodingVersion string, fields []Field) *FeatureRecord {
	own := make([]Field, len(fields))
	copy(own, fields)
	return &FeatureRecord{
		identifier:      identifier,
		clinician:       clinician,
		encodingVersion: encodingVersion,
		fields:          own,
	}
}
