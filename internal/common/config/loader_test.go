package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
artifacts:
  transform_path: artifacts/transform.json
  classifier_path: artifacts/classifier.json
storage:
  region: eu-west-1
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultBucket, cfg.Storage.Bucket)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 3600, cfg.Cache.TTL)
	assert.Equal(t, "gdm-risk-service", cfg.Observability.ServiceName)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "eu-west-1", cfg.Notifications.SNS.Region)
	assert.False(t, cfg.Camunda.Enabled)
}

func TestLoadFromFile_ExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("TEST_GDM_BUCKET", "gdm-audit-staging")
	t.Setenv("TEST_GDM_TOPIC", "arn:aws:sns:eu-west-1:123456789012:gdm-alerts")

	path := writeConfig(t, `
artifacts:
  transform_path: t.json
  classifier_path: c.json
storage:
  bucket: ${TEST_GDM_BUCKET}
  region: eu-west-1
notifications:
  sns:
    enabled: true
    topic_arn: ${TEST_GDM_TOPIC}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "gdm-audit-staging", cfg.Storage.Bucket)
	assert.Equal(t, "arn:aws:sns:eu-west-1:123456789012:gdm-alerts", cfg.Notifications.SNS.TopicARN)
}

func TestLoadFromFile_WorkerDefaults(t *testing.T) {
	path := writeConfig(t, `
artifacts:
  transform_path: t.json
  classifier_path: c.json
storage:
  region: eu-west-1
camunda:
  enabled: true
  broker_address: localhost:26500
workers:
  predict-gdm-risk:
    enabled: true
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	w := GetWorkerConfig(cfg, "predict-gdm-risk")
	assert.Equal(t, 5, w.MaxJobsActive)
	assert.Equal(t, 30000, w.Timeout)
	assert.True(t, IsWorkerEnabled(cfg, "predict-gdm-risk"))
	assert.True(t, IsWorkerEnabled(cfg, "unknown"))
}

func TestLoadFromFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing artifacts",
			body:    "storage:\n  region: eu-west-1\n",
			wantErr: "artifacts.transform_path",
		},
		{
			name: "camunda without broker",
			body: `
artifacts: {transform_path: t.json, classifier_path: c.json}
storage: {region: eu-west-1}
camunda: {enabled: true}
`,
			wantErr: "camunda.broker_address",
		},
		{
			name: "cache without redis",
			body: `
artifacts: {transform_path: t.json, classifier_path: c.json}
storage: {region: eu-west-1}
cache: {enabled: true}
`,
			wantErr: "cache.redis.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AWS_REGION", "")
			_, err := LoadFromFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDuration(t *testing.T) {
	assert.Equal(t, "1.5s", GetDuration(1500).String())
}
