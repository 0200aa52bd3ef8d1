package notify

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/gdm/inference"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func TestPublish(t *testing.T) {
	var captured *sns.PublishInput
	client := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			captured = params
			return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
		},
	}

	alert := NewHighRiskAlert("sub-1", "GDM-7", inference.RiskHigh, 0)
	id, err := NewSNSPublisher(client, "arn:aws:sns:eu-west-1:1:gdm").Publish(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.NotNil(t, captured)
	assert.Equal(t, "arn:aws:sns:eu-west-1:1:gdm", aws.ToString(captured.TopicArn))
	assert.Equal(t, "HIGH", aws.ToString(captured.MessageAttributes["riskLabel"].StringValue))

	var body Alert
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(captured.Message)), &body))
	assert.Equal(t, "GDM-7", body.StudyID)
	assert.Equal(t, "Flag for OGTT at week 16", body.Action)
}

func TestPublish_Failure(t *testing.T) {
	client := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, stderrors.New("throttled")
		},
	}

	_, err := NewSNSPublisher(client, "arn").Publish(context.Background(), NewHighRiskAlert("s", "i", inference.RiskHigh, 1))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotificationSendFailed))
}
