// Package notify publishes HIGH-risk alerts so that a care team can schedule
// the early OGTT.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/gdm/inference"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const channelSNS = "sns"

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Alert is the message body published for a HIGH classification.
type Alert struct {
	SubmissionID string    `json:"submissionId"`
	StudyID      string    `json:"studyId"`
	RiskLabel    string    `json:"riskLabel"`
	Clinician    int       `json:"clinicianPrediction"`
	Action       string    `json:"action"`
	Persisted    bool      `json:"persisted"`
	AuditKey     string    `json:"auditKey,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

type SNSPublisher struct {
	client   SNSAPI
	topicARN string
}

func NewSNSPublisher(client SNSAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN}
}

// Publish sends a to the configured topic and returns the message id.
func (p *SNSPublisher) Publish(ctx context.Context, a Alert) (string, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return "", errors.NewNotificationSendFailedError(channelSNS, err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String("GDM risk: " + a.RiskLabel),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"riskLabel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(a.RiskLabel),
			},
		},
	})
	if err != nil {
		return "", errors.NewNotificationSendFailedError(channelSNS, err)
	}
	return aws.ToString(out.MessageId), nil
}

// NewHighRiskAlert fills the action text for label.
func NewHighRiskAlert(submissionID, studyID string, label inference.RiskLabel, clinician int) Alert {
	return Alert{
		SubmissionID: submissionID,
		StudyID:      studyID,
		RiskLabel:    label.String(),
		Clinician:    clinician,
		Action:       "Flag for OGTT at week 16",
		OccurredAt:   time.Now().UTC(),
	}
}
