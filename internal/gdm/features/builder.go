// Package features turns raw form input into the ordered, typed FeatureRecord
// the inference pipeline was fitted against.
package features

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"gdm-risk-service/internal/common/errors"
)

const maxIdentifierLength = 128

// Field error codes.
const (
	CodeMissingRequired = "MISSING_REQUIRED"
	CodeOutOfRange      = "OUT_OF_RANGE"
	CodeInvalidOption   = "INVALID_OPTION"
	CodeInvalidFormat   = "INVALID_FORMAT"
)

// Builder validates RawInput against an EncodingTable. It holds no mutable
// state and is safe for concurrent use.
type Builder struct {
	table *EncodingTable
}

func NewBuilder(table *EncodingTable) *Builder {
	if table == nil {
		table = V1()
	}
	return &Builder{table: table}
}

// Table returns the encoding table the builder applies.
func (b *Builder) Table() *EncodingTable {
	return b.table
}

// Build validates raw and assembles the FeatureRecord. Every offending field
// is reported in one ValidationError; no record is returned in that case.
func (b *Builder) Build(raw RawInput) (*FeatureRecord, error) {
	v := &collector{table: b.table}

	id := v.identifier(raw.Identifier)

	height := v.float("heightCm", raw.HeightCM, BoundHeight)
	weight := v.float("weightKg", raw.WeightKG, BoundWeight)
	age := v.integer("ageAtBooking", raw.Age, BoundAge)
	systolic := v.integer("systolicBp", raw.SystolicBP, BoundSystolicBP)
	diastolic := v.integer("diastolicBp", raw.DiastolicBP, BoundDiastolicBP)
	parity := v.integer("parity", raw.Parity, BoundParity)

	hxGDM := v.yesNoCode("hxGdm", raw.HxGDM)
	fhDiabetes := v.yesNoLabel("fhDiabetes", raw.FHDiabetes)
	otherEndocrine := v.yesNoCode("otherEndocrineProblems", raw.OtherEndocrine)
	ethnic := v.ethnicOrigin("ethnicOrigin", raw.EthnicOrigin)
	skill := v.skillLevel("skillLevel", raw.SkillLevel)
	clinician := v.clinician("clinicianPrediction", raw.ClinicianJudgment)

	if len(v.errs) > 0 {
		return nil, errors.NewValidationError(v.errs)
	}

	bmi, err := ComputeBMI(height, weight)
	if err != nil {
		return nil, errors.NewValidationError([]errors.FieldError{{
			Field:   "heightCm",
			Code:    CodeOutOfRange,
			Message: err.Error(),
		}})
	}

	fields := []Field{
		{Name: ColEthnicOrigin, Kind: KindCategorical, Text: ethnic},
		{Name: ColAge, Kind: KindInteger, Int: int64(age)},
		{Name: ColSkillLevel, Kind: KindInteger, Int: int64(skill)},
		{Name: ColHxGDM, Kind: KindInteger, Int: int64(hxGDM)},
		{Name: ColBMI, Kind: KindFloat, Float: bmi},
		{Name: ColFHDiabetes, Kind: KindCategorical, Text: fhDiabetes},
		{Name: ColOtherEndocrine, Kind: KindInteger, Int: int64(otherEndocrine)},
		{Name: ColSystolicBP, Kind: KindInteger, Int: int64(systolic)},
		{Name: ColDiastolicBP, Kind: KindFloat, Float: float64(diastolic)},
		{Name: ColParity, Kind: KindInteger, Int: int64(parity)},
	}

	return NewRecord(id, clinician, b.table.version, fields), nil
}

// ComputeBMI returns weight / (height/100)^2. A non-positive height is an
// error rather than a division.
func ComputeBMI(heightCM, weightKG float64) (float64, error) {
	if heightCM <= 0 {
		return 0, fmt.Errorf("height must be greater than zero")
	}
	m := heightCM / 100
	return weightKG / (m * m), nil
}

// CheckIdentifier trims raw and applies the study ID rules. The ID becomes
// part of an object key, so submissions and audit lookups both go through it.
func CheckIdentifier(raw string) (string, *errors.FieldError) {
	id := strings.TrimSpace(raw)
	var code, msg string
	switch {
	case id == "":
		code, msg = CodeMissingRequired, "study participant ID is required"
	case !utf8.ValidString(id):
		code, msg = CodeInvalidFormat, "must be valid UTF-8"
	case utf8.RuneCountInString(id) > maxIdentifierLength:
		code, msg = CodeInvalidFormat, fmt.Sprintf("must be at most %d characters", maxIdentifierLength)
	case strings.ContainsRune(id, '/') || strings.IndexFunc(id, unicode.IsControl) >= 0:
		code, msg = CodeInvalidFormat, "must not contain '/' or control characters"
	default:
		return id, nil
	}
	return id, &errors.FieldError{Field: "studyId", Code: code, Message: msg}
}

// collector accumulates field errors so that one pass reports all of them.
type collector struct {
	table *EncodingTable
	errs  []errors.FieldError
}

func (c *collector) add(field, code, msg string) {
	c.errs = append(c.errs, errors.FieldError{Field: field, Code: code, Message: msg})
}

func (c *collector) identifier(raw string) string {
	id, fe := CheckIdentifier(raw)
	if fe != nil {
		c.errs = append(c.errs, *fe)
	}
	return id
}

func (c *collector) float(field string, v *float64, bound string) float64 {
	if v == nil {
		c.add(field, CodeMissingRequired, field+" is required")
		return 0
	}
	c.inRange(field, *v, bound)
	return *v
}

func (c *collector) integer(field string, v *int, bound string) int {
	if v == nil {
		c.add(field, CodeMissingRequired, field+" is required")
		return 0
	}
	c.inRange(field, float64(*v), bound)
	return *v
}

func (c *collector) inRange(field string, v float64, bound string) {
	r, _ := c.table.Bound(bound)
	if !r.Contains(v) {
		c.add(field, CodeOutOfRange, fmt.Sprintf("must be between %g and %g", r.Min, r.Max))
	}
}

func (c *collector) yesNoCode(field, answer string) int {
	if answer == "" {
		c.add(field, CodeMissingRequired, field+" is required")
		return 0
	}
	code, ok := c.table.EncodeYesNo(answer)
	if !ok {
		c.add(field, CodeInvalidOption, fmt.Sprintf("must be one of %s, %s", AnswerYes, AnswerNo))
	}
	return code
}

func (c *collector) yesNoLabel(field, answer string) string {
	if answer == "" {
		c.add(field, CodeMissingRequired, field+" is required")
		return ""
	}
	if !c.table.IsYesNo(answer) {
		c.add(field, CodeInvalidOption, fmt.Sprintf("must be one of %s, %s", AnswerYes, AnswerNo))
	}
	return answer
}

func (c *collector) ethnicOrigin(field, label string) string {
	if label == "" {
		c.add(field, CodeMissingRequired, field+" is required")
		return ""
	}
	if !c.table.IsEthnicOrigin(label) {
		c.add(field, CodeInvalidOption, "must be one of "+strings.Join(c.table.ethnicOrigins, ", "))
	}
	return label
}

func (c *collector) skillLevel(field, label string) int {
	if label == "" {
		c.add(field, CodeMissingRequired, field+" is required")
		return 0
	}
	code, ok := c.table.EncodeSkillLevel(label)
	if !ok {
		c.add(field, CodeInvalidOption, "unknown skill level")
	}
	return code
}

func (c *collector) clinician(field, judgment string) int {
	if judgment == "" {
		c.add(field, CodeMissingRequired, field+" is required")
		return 0
	}
	code, ok := c.table.EncodeClinician(judgment)
	if !ok {
		c.add(field, CodeInvalidOption, fmt.Sprintf("must be one of %s, %s", ClinicianHighRisk, ClinicianLowRisk))
	}
	return code
}
