package inference

import "fmt"

// RiskLabel is the binary classification outcome.
type RiskLabel int

const (
	RiskLow  RiskLabel = 0
	RiskHigh RiskLabel = 1
)

// LabelFromClass maps the classifier's raw output onto a RiskLabel.
func LabelFromClass(class int) (RiskLabel, error) {
	switch class {
	case 0:
		return RiskLow, nil
	case 1:
		return RiskHigh, nil
	default:
		return RiskLow, fmt.Errorf("classifier produced class %d, expected 0 or 1", class)
	}
}

// Code is the 0/1 encoding stored in audit records.
func (l RiskLabel) Code() int { return int(l) }

func (l RiskLabel) String() string {
	if l == RiskHigh {
		return "HIGH"
	}
	return "LOW"
}

// Message is the guidance shown alongside the label.
func (l RiskLabel) Message() string {
	if l == RiskHigh {
		return "This result indicates a high risk of developing gestational diabetes. Flag for OGTT at week 16"
	}
	return "This result indicates a low risk of developing gestational diabetes. Please follow regular prenatal care."
}

func (l RiskLabel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
