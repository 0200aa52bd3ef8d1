package predictgdmrisk

// Output is the set of variables the job completes with.
type Output struct {
	SubmissionID     string  `json:"submissionId"`
	RiskLabel        string  `json:"riskLabel"`
	RiskCode         int     `json:"riskCode"`
	Probability      float64 `json:"probability"`
	State            string  `json:"state"`
	Persisted        bool    `json:"persisted"`
	AuditKey         string  `json:"auditKey,omitempty"`
	ArtifactFileName string  `json:"artifactFileName,omitempty"`
	ArtifactCSV      string  `json:"artifactCsv,omitempty"`
}

// ToVariables renders o as job variables. Empty optional values are left
// out so they do not overwrite process variables of the same name.
func (o *Output) ToVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"submissionId": o.SubmissionID,
		"riskLabel":    o.RiskLabel,
		"riskCode":     o.RiskCode,
		"probability":  o.Probability,
		"state":        o.State,
		"persisted":    o.Persisted,
	}
	if o.AuditKey != "" {
		vars["auditKey"] = o.AuditKey
	}
	if o.ArtifactFileName != "" {
		vars["artifactFileName"] = o.ArtifactFileName
		vars["artifactCsv"] = o.ArtifactCSV
	}
	return vars
}
