package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/common/logger"
	"gdm-risk-service/internal/gdm/features"
	"gdm-risk-service/internal/gdm/inference"
	"gdm-risk-service/internal/gdm/persistence"
	"gdm-risk-service/internal/gdm/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Predict(ctx context.Context, record *features.FeatureRecord) (*inference.Prediction, error) {
	args := m.Called(ctx, record)
	p, _ := args.Get(0).(*inference.Prediction)
	return p, args.Error(1)
}

type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) Persist(ctx context.Context, id string, label inference.RiskLabel, clinician int) (*persistence.PersistReceipt, error) {
	args := m.Called(ctx, id, label, clinician)
	r, _ := args.Get(0).(*persistence.PersistReceipt)
	return r, args.Error(1)
}

func (m *MockPersister) Lookup(ctx context.Context, id string) (*persistence.AuditRecord, error) {
	args := m.Called(ctx, id)
	r, _ := args.Get(0).(*persistence.AuditRecord)
	return r, args.Error(1)
}

const validBody = `{
	"studyId": "GDM-0042",
	"heightCm": 160,
	"weightKg": 70,
	"ageAtBooking": 30,
	"systolicBp": 120,
	"diastolicBp": 80,
	"parity": 1,
	"hxGdm": "NO",
	"fhDiabetes": "NO",
	"ethnicOrigin": "CAUCASIAN",
	"skillLevel": "4 - Managers and Professionals",
	"otherEndocrineProblems": "NO",
	"clinicianPrediction": "Low Risk"
}`

func newTestServer(t *testing.T, c *MockClassifier, p *MockPersister, checks ...ReadinessCheck) *Server {
	log := logger.NewTestLogger(t)
	orch := pipeline.New(pipeline.Dependencies{
		Builder:    features.NewBuilder(nil),
		Classifier: c,
		Persister:  p,
		Logger:     log,
	})
	return NewServer(ServerOptions{
		Runner:      orch,
		Audit:       p,
		FormOptions: features.V1().Options(),
		Readiness:   checks,
		Logger:      log,
		Metrics:     http.NotFoundHandler(),
	})
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestPredict_JSON(t *testing.T) {
	c, p := new(MockClassifier), new(MockPersister)
	c.On("Predict", mock.Anything, mock.Anything).Return(&inference.Prediction{Label: inference.RiskHigh, Probability: 0.7}, nil)
	p.On("Persist", mock.Anything, "GDM-0042", inference.RiskHigh, 0).
		Return(&persistence.PersistReceipt{Key: "GDM_prediction_GDM-0042.csv"}, nil)

	rec := do(newTestServer(t, c, p), http.MethodPost, "/api/v1/predictions", validBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "HIGH", resp.RiskLabel)
	assert.Equal(t, 1, resp.RiskCode)
	assert.Equal(t, "Persisted", resp.State)
	assert.True(t, resp.Persisted)
	assert.Equal(t, "GDM_prediction_GDM-0042.csv", resp.AuditKey)
	assert.Contains(t, resp.Message, "Flag for OGTT at week 16")
	require.NotNil(t, resp.Artifact)
	assert.True(t, strings.HasPrefix(resp.Artifact.CSV, "Ethnic Origin of Patient,Age at booking"))
}

func TestPredict_CSVAttachment(t *testing.T) {
	c, p := new(MockClassifier), new(MockPersister)
	c.On("Predict", mock.Anything, mock.Anything).Return(&inference.Prediction{Label: inference.RiskLow}, nil)
	p.On("Persist", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&persistence.PersistReceipt{}, nil)

	rec := do(newTestServer(t, c, p), http.MethodPost, "/api/v1/predictions", validBody,
		map[string]string{"Accept": "text/csv"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=GDM_prediction_GDM-0042.csv", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "LOW", rec.Header().Get("X-Risk-Label"))
	assert.Contains(t, rec.Body.String(), "CAUCASIAN,30,4,0,27.34375,NO,0,120,80,1")
}

func TestPredict_StorageFailureStillReturnsLabel(t *testing.T) {
	c, p := new(MockClassifier), new(MockPersister)
	c.On("Predict", mock.Anything, mock.Anything).Return(&inference.Prediction{Label: inference.RiskLow}, nil)
	p.On("Persist", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.NewStorageWriteError("gdmtool", "k", stderrors.New("no route")))

	rec := do(newTestServer(t, c, p), http.MethodPost, "/api/v1/predictions", validBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "LOW", resp.RiskLabel)
	assert.Equal(t, "PersistFailed", resp.State)
	assert.False(t, resp.Persisted)
	require.NotNil(t, resp.PersistError)
	assert.Equal(t, "STORAGE_WRITE_FAILED", resp.PersistError.Code)
}

func TestPredict_ValidationErrors(t *testing.T) {
	c, p := new(MockClassifier), new(MockPersister)
	body := strings.Replace(validBody, `"ageAtBooking": 30`, `"ageAtBooking": 12`, 1)
	body = strings.Replace(body, `"hxGdm": "NO"`, `"hxGdm": "no"`, 1)

	rec := do(newTestServer(t, c, p), http.MethodPost, "/api/v1/predictions", body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Rejected", resp.State)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
	assert.Len(t, resp.Error.Fields, 2)
	c.AssertNotCalled(t, "Predict", mock.Anything, mock.Anything)
}

func TestPredict_MalformedBody(t *testing.T) {
	c, p := new(MockClassifier), new(MockPersister)
	s := newTestServer(t, c, p)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/predictions", `{"studyId":`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/v1/predictions", `{"bmi": 22}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(s, http.MethodPost, "/api/v1/predictions", strings.Replace(validBody, `"ageAtBooking": 30`, `"ageAtBooking": 30.5`, 1), nil).Code)
}

func TestPredict_InferenceFailure(t *testing.T) {
	c, p := new(MockClassifier), new(MockPersister)
	c.On("Predict", mock.Anything, mock.Anything).Return(nil, errors.NewSchemaMismatchError("field 5"))

	rec := do(newTestServer(t, c, p), http.MethodPost, "/api/v1/predictions", validBody, map[string]string{"Accept": "text/csv"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "InferenceFailed", resp.State)
	assert.Equal(t, "SCHEMA_MISMATCH", resp.Error.Code)
	p.AssertNotCalled(t, "Persist", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPredict_CSVAttachmentNonASCIIName(t *testing.T) {
	c, p := new(MockClassifier), new(MockPersister)
	c.On("Predict", mock.Anything, mock.Anything).Return(&inference.Prediction{Label: inference.RiskLow}, nil)
	p.On("Persist", mock.Anything, "José-1", mock.Anything, mock.Anything).Return(&persistence.PersistReceipt{}, nil)

	body := strings.Replace(validBody, `"GDM-0042"`, `"José-1"`, 1)
	rec := do(newTestServer(t, c, p), http.MethodPost, "/api/v1/predictions", body,
		map[string]string{"Accept": "text/csv"})
	require.Equal(t, http.StatusOK, rec.Code)

	disposition := rec.Header().Get("Content-Disposition")
	assert.Equal(t, "attachment; filename*=utf-8''GDM_prediction_Jos%C3%A9-1.csv", disposition)
	assert.NotContains(t, disposition, `\u`)

	_, params, err := mime.ParseMediaType(disposition)
	require.NoError(t, err)
	assert.Equal(t, "GDM_prediction_José-1.csv", params["filename"])
}

func TestAudit(t *testing.T) {
	c, p := new(MockClassifier), new(MockPersister)
	p.On("Lookup", mock.Anything, "GDM-0042").Return(&persistence.AuditRecord{Identifier: "GDM-0042", Prediction: 1}, nil)
	p.On("Lookup", mock.Anything, "nobody").Return(nil, errors.NewAuditNotFoundError("GDM_prediction_nobody.csv"))

	s := newTestServer(t, c, p)

	rec := do(s, http.MethodGet, "/api/v1/predictions/GDM-0042/audit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got persistence.AuditRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Prediction)

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/api/v1/predictions/nobody/audit", "", nil).Code)
}

func TestAudit_RejectsInvalidIdentifier(t *testing.T) {
	p := new(MockPersister)
	s := newTestServer(t, new(MockClassifier), p)

	for _, path := range []string{
		"/api/v1/predictions/a%2Fb/audit",
		"/api/v1/predictions/bad%01id/audit",
		"/api/v1/predictions/%20/audit",
		"/api/v1/predictions/" + url.PathEscape(strings.Repeat("é", 129)) + "/audit",
	} {
		rec := do(s, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "studyId", path)
	}
	p.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestFormOptions(t *testing.T) {
	rec := do(newTestServer(t, new(MockClassifier), new(MockPersister)), http.MethodGet, "/api/v1/form/options", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var opts features.FormOptions
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opts))
	assert.Len(t, opts.EthnicOrigins, 6)
	assert.Len(t, opts.SkillLevels, 5)
	assert.Equal(t, features.EncodingVersion, opts.EncodingVersion)
}

func TestHealthAndReady(t *testing.T) {
	healthy := ReadinessCheck{Name: "s3", Check: func(context.Context) error { return nil }}
	s := newTestServer(t, new(MockClassifier), new(MockPersister), healthy)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/ready", "", nil).Code)

	broken := ReadinessCheck{Name: "redis", Check: func(context.Context) error { return stderrors.New("refused") }}
	s = newTestServer(t, new(MockClassifier), new(MockPersister), healthy, broken)
	rec := do(s, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, new(MockClassifier), new(MockPersister))
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, "/api/v1/predictions", "", nil).Code)
}
