package predictgdmrisk

import "gdm-risk-service/internal/common/validation"

// Job variable names. They match the JSON names of features.RawInput so a
// form payload can be passed to a process unchanged.
const (
	VarStudyID        = "studyId"
	VarHeightCM       = "heightCm"
	VarWeightKG       = "weightKg"
	VarAge            = "ageAtBooking"
	VarSystolicBP     = "systolicBp"
	VarDiastolicBP    = "diastolicBp"
	VarParity         = "parity"
	VarHxGDM          = "hxGdm"
	VarFHDiabetes     = "fhDiabetes"
	VarEthnicOrigin   = "ethnicOrigin"
	VarSkillLevel     = "skillLevel"
	VarOtherEndocrine = "otherEndocrineProblems"
	VarClinician      = "clinicianPrediction"
)

// InputVariables is the fetch list for the job subscription.
var InputVariables = []string{
	VarStudyID, VarHeightCM, VarWeightKG, VarAge, VarSystolicBP, VarDiastolicBP,
	VarParity, VarHxGDM, VarFHDiabetes, VarEthnicOrigin, VarSkillLevel,
	VarOtherEndocrine, VarClinician,
}

// The schema only checks JSON types. Presence, bounds and option sets are
// enforced by the feature builder so both entry points report the same codes.
const inputSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"studyId":                {"type": ["string", "null"]},
		"heightCm":               {"type": ["number", "null"]},
		"weightKg":               {"type": ["number", "null"]},
		"ageAtBooking":           {"type": ["integer", "null"]},
		"systolicBp":             {"type": ["integer", "null"]},
		"diastolicBp":            {"type": ["integer", "null"]},
		"parity":                 {"type": ["integer", "null"]},
		"hxGdm":                  {"type": ["string", "null"]},
		"fhDiabetes":             {"type": ["string", "null"]},
		"ethnicOrigin":           {"type": ["string", "null"]},
		"skillLevel":             {"type": ["string", "null"]},
		"otherEndocrineProblems": {"type": ["string", "null"]},
		"clinicianPrediction":    {"type": ["string", "null"]}
	}
}`

var inputSchema = validation.MustCompile([]byte(inputSchemaJSON))

func GetInputSchema() *validation.Schema {
	return inputSchema
}
