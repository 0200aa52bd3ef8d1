package features

// EncodingVersion identifies the column names, order, kinds and categorical
// codes below. Any change to them is a new version and needs a transform
// artifact fitted against it.
const EncodingVersion = "gdm-features/v1"

// Column names exactly as the transform was fitted.
const (
	ColEthnicOrigin   = "Ethnic Origin of Patient"
	ColAge            = "Age at booking"
	ColSkillLevel     = "Skill Level"
	ColHxGDM          = "Hx_GDM"
	ColBMI            = "BMI"
	ColFHDiabetes     = "FH Diabetes"
	ColOtherEndocrine = "Other Endocrine probs"
	ColSystolicBP     = "Systolic BP at booking"
	ColDiastolicBP    = "Diastolic BP at booking"
	ColParity         = "Parity (not inc.multiple)"
)

const (
	AnswerYes = "YES"
	AnswerNo  = "NO"

	ClinicianHighRisk = "High Risk"
	ClinicianLowRisk  = "Low Risk"
)

// Column is one entry of the canonical schema.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// SkillLevel is one occupational skill tier (ISCO-based) as shown on the form.
type SkillLevel struct {
	Code  int    `json:"code"`
	Label string `json:"label"`
}

// Range is an inclusive numeric bound.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// EncodingTable is the single source of every categorical code and bound the
// builder applies. It is read-only once built.
type EncodingTable struct {
	version       string
	columns       []Column
	ethnicOrigins []string
	skillLevels   []SkillLevel
	yesNo         map[string]int
	clinician     map[string]int
	bounds        map[string]Range
}

// Bound keys.
const (
	BoundHeight      = "heightCm"
	BoundWeight      = "weightKg"
	BoundAge         = "ageAtBooking"
	BoundSystolicBP  = "systolicBp"
	BoundDiastolicBP = "diastolicBp"
	BoundParity      = "parity"
)

// V1 returns the gdm-features/v1 table. Each call builds a new value.
func V1() *EncodingTable {
	return &EncodingTable{
		version: EncodingVersion,
		columns: []Column{
			{Name: ColEthnicOrigin, Kind: KindCategorical},
			{Name: ColAge, Kind: KindInteger},
			{Name: ColSkillLevel, Kind: KindInteger},
			{Name: ColHxGDM, Kind: KindInteger},
			{Name: ColBMI, Kind: KindFloat},
			{Name: ColFHDiabetes, Kind: KindCategorical},
			{Name: ColOtherEndocrine, Kind: KindInteger},
			{Name: ColSystolicBP, Kind: KindInteger},
			{Name: ColDiastolicBP, Kind: KindFloat},
			{Name: ColParity, Kind: KindInteger},
		},
		ethnicOrigins: []string{
			"CAUCASIAN",
			"SOUTH EAST ASIAN",
			"OTHER",
			"BLACK",
			"ASIAN",
			"MIDDLE EASTERN",
		},
		skillLevels: []SkillLevel{
			{Code: 0, Label: "0 - Unemployed"},
			{Code: 1, Label: "1 - Elementary occupations"},
			{Code: 2, Label: "2 - Clerical support workers/Skilled workers/Assemblers"},
			{Code: 3, Label: "3 - Technicians"},
			{Code: 4, Label: "4 - Managers and Professionals"},
		},
		yesNo: map[string]int{
			AnswerYes: 1,
			AnswerNo:  0,
		},
		clinician: map[string]int{
			ClinicianHighRisk: 1,
			ClinicianLowRisk:  0,
		},
		bounds: map[string]Range{
			BoundHeight:      {Min: 100, Max: 250},
			BoundWeight:      {Min: 30, Max: 200},
			BoundAge:         {Min: 18, Max: 50},
			BoundSystolicBP:  {Min: 20, Max: 200},
			BoundDiastolicBP: {Min: 20, Max: 200},
			BoundParity:      {Min: 0, Max: 20},
		},
	}
}

func (t *EncodingTable) Version() string { return t.version }

// Columns returns a copy of the ordered column schema.
func (t *EncodingTable) Columns() []Column {
	return append([]Column(nil), t.columns...)
}

func (t *EncodingTable) Bound(key string) (Range, bool) {
	r, ok := t.bounds[key]
	return r, ok
}

// EncodeYesNo maps YES/NO to 1/0. Matching is exact.
func (t *EncodingTable) EncodeYesNo(answer string) (int, bool) {
	code, ok := t.yesNo[answer]
	return code, ok
}

// IsYesNo reports whether answer is one of the accepted YES/NO labels; used
// for columns that keep the label as a categorical value.
func (t *EncodingTable) IsYesNo(answer string) bool {
	_, ok := t.yesNo[answer]
	return ok
}

func (t *EncodingTable) EncodeClinician(judgment string) (int, bool) {
	code, ok := t.clinician[judgment]
	return code, ok
}

func (t *EncodingTable) EncodeSkillLevel(label string) (int, bool) {
	for _, s := range t.skillLevels {
		if s.Label == label {
			return s.Code, true
		}
	}
	return 0, false
}

func (t *EncodingTable) IsEthnicOrigin(label string) bool {
	for _, e := range t.ethnicOrigins {
		if e == label {
			return true
		}
	}
	return false
}

// FormOptions is what a form needs to render the selection lists and bounds.
type FormOptions struct {
	EncodingVersion string           `json:"encodingVersion"`
	EthnicOrigins   []string         `json:"ethnicOrigins"`
	SkillLevels     []SkillLevel     `json:"skillLevels"`
	YesNo           []string         `json:"yesNo"`
	Clinician       []string         `json:"clinicianPrediction"`
	Bounds          map[string]Range `json:"bounds"`
}

func (t *EncodingTable) Options() FormOptions {
	bounds := make(map[string]Range, len(t.bounds))
	for k, v := range t.bounds {
		bounds[k] = v
	}
	return FormOptions{
		EncodingVersion: t.version,
		EthnicOrigins:   append([]string(nil), t.ethnicOrigins...),
		SkillLevels:     append([]SkillLevel(nil), t.skillLevels...),
		YesNo:           []string{AnswerYes, AnswerNo},
		Clinician:       []string{ClinicianHighRisk, ClinicianLowRisk},
		Bounds:          bounds,
	}
}
