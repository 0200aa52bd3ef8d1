// Package pipeline sequences builder, adapter and persister for one
// submission and records which terminal state it reached.
package pipeline

import (
	"context"
	"strconv"
	"time"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/common/logger"
	"gdm-risk-service/internal/common/metrics"
	"gdm-risk-service/internal/common/observability"
	"gdm-risk-service/internal/gdm/features"
	"gdm-risk-service/internal/gdm/inference"
	"gdm-risk-service/internal/gdm/notify"
	"gdm-risk-service/internal/gdm/persistence"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type State string

const (
	StateCollected       State = "Collected"
	StateValidated       State = "Validated"
	StateClassified      State = "Classified"
	StatePersisted       State = "Persisted"
	StatePersistFailed   State = "PersistFailed"
	StateRejected        State = "Rejected"
	StateInferenceFailed State = "InferenceFailed"
)

// Terminal reports whether no further transition exists from s.
func (s State) Terminal() bool {
	switch s {
	case StatePersisted, StatePersistFailed, StateRejected, StateInferenceFailed:
		return true
	}
	return false
}

var noopTracer = noop.NewTracerProvider().Tracer("")

type FeatureBuilder interface {
	Build(raw features.RawInput) (*features.FeatureRecord, error)
}

type Classifier interface {
	Predict(ctx context.Context, record *features.FeatureRecord) (*inference.Prediction, error)
}

type Persister interface {
	Persist(ctx context.Context, id string, label inference.RiskLabel, clinician int) (*persistence.PersistReceipt, error)
}

type Alerter interface {
	Publish(ctx context.Context, a notify.Alert) (string, error)
}

// Outcome is everything the caller learns about one submission.
type Outcome struct {
	SubmissionID string
	State        State

	Identifier  string
	Record      *features.FeatureRecord
	Label       inference.RiskLabel
	Probability float64
	Clinician   int

	Receipt    *persistence.PersistReceipt
	PersistErr error
	Artifact   *persistence.Artifact
	AlertID    string
}

// Classified reports whether Label carries a result.
func (o *Outcome) Classified() bool {
	return o.State == StatePersisted || o.State == StatePersistFailed
}

type Dependencies struct {
	Builder       FeatureBuilder
	Classifier    Classifier
	Persister     Persister
	Alerter       Alerter // optional
	Logger        logger.Logger
	Observability *observability.Observability // optional
}

// Orchestrator is stateless between submissions and safe for concurrent use.
type Orchestrator struct {
	builder    FeatureBuilder
	classifier Classifier
	persister  Persister
	alerter    Alerter
	logger     logger.Logger
	obs        *observability.Observability
	newID      func() string
}

func New(deps Dependencies) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Orchestrator{
		builder:    deps.Builder,
		classifier: deps.Classifier,
		persister:  deps.Persister,
		alerter:    deps.Alerter,
		logger:     log,
		obs:        deps.Observability,
		newID:      func() string { return uuid.New().String() },
	}
}

// Run makes one pass through the state machine. The returned Outcome is never
// nil. The error is non-nil only for Rejected and InferenceFailed; a failed
// durable write is reported in Outcome.PersistErr with the label intact.
func (o *Orchestrator) Run(ctx context.Context, raw features.RawInput) (*Outcome, error) {
	out := &Outcome{SubmissionID: o.newID(), State: StateCollected}
	log := o.logger.WithFields(map[string]interface{}{"submissionId": out.SubmissionID})

	ctx, span := o.startSpan(ctx, "gdm.submission", attribute.String("submission.id", out.SubmissionID))
	defer span.End()
	defer func() {
		span.SetAttributes(attribute.String("submission.state", string(out.State)))
		metrics.SubmissionsTotal.WithLabelValues(string(out.State)).Inc()
		if o.obs != nil {
			o.obs.RecordSubmission(ctx, string(out.State))
		}
	}()

	// Collected -> Validated
	record, err := o.build(ctx, raw)
	if err != nil {
		out.State = StateRejected
		log.Info("submission rejected", map[string]interface{}{"error": err.Error()})
		span.SetStatus(codes.Error, "validation failed")
		return out, err
	}
	out.State = StateValidated
	out.Record = record
	out.Identifier = record.Identifier()
	out.Clinician = record.ClinicianJudgment()
	log = log.WithFields(map[string]interface{}{"studyId": out.Identifier})

	// Validated -> Classified
	pred, err := o.classify(ctx, record)
	if err != nil {
		out.State = StateInferenceFailed
		log.Error("inference failed", map[string]interface{}{
			"error":         err.Error(),
			"errorCategory": categoryOf(err),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
		return out, err
	}
	out.State = StateClassified
	out.Label = pred.Label
	out.Probability = pred.Probability
	metrics.PredictionsTotal.WithLabelValues(pred.Label.String(), strconv.Itoa(out.Clinician)).Inc()
	metrics.PredictionProbability.Observe(pred.Probability)

	// Classified -> Persisted | PersistFailed
	receipt, err := o.persist(ctx, out)
	if err != nil {
		out.State = StatePersistFailed
		out.PersistErr = err
		log.Error("audit record not persisted", map[string]interface{}{"error": err.Error()})
		span.RecordError(err)
	} else {
		out.State = StatePersisted
		out.Receipt = receipt
	}

	artifact, err := persistence.ExportFull(record)
	if err != nil {
		log.Warn("artifact export failed", map[string]interface{}{"error": err.Error()})
	}
	out.Artifact = artifact

	if out.Label == inference.RiskHigh {
		o.alert(ctx, out, log)
	}

	log.Info("submission classified", map[string]interface{}{
		"state":       string(out.State),
		"riskLabel":   out.Label.String(),
		"probability": out.Probability,
		"clinician":   out.Clinician,
	})
	return out, nil
}

func (o *Orchestrator) build(ctx context.Context, raw features.RawInput) (*features.FeatureRecord, error) {
	defer o.timeStage(ctx, "build", time.Now())
	_, span := o.startSpan(ctx, "gdm.build")
	defer span.End()
	return o.builder.Build(raw)
}

func (o *Orchestrator) classify(ctx context.Context, record *features.FeatureRecord) (*inference.Prediction, error) {
	defer o.timeStage(ctx, "classify", time.Now())
	ctx, span := o.startSpan(ctx, "gdm.classify")
	defer span.End()
	return o.classifier.Predict(ctx, record)
}

func (o *Orchestrator) persist(ctx context.Context, out *Outcome) (*persistence.PersistReceipt, error) {
	defer o.timeStage(ctx, "persist", time.Now())
	ctx, span := o.startSpan(ctx, "gdm.persist")
	defer span.End()
	return o.persister.Persist(ctx, out.Identifier, out.Label, out.Clinician)
}

// alert never changes the terminal state.
func (o *Orchestrator) alert(ctx context.Context, out *Outcome, log logger.Logger) {
	if o.alerter == nil {
		return
	}
	defer o.timeStage(ctx, "alert", time.Now())

	a := notify.NewHighRiskAlert(out.SubmissionID, out.Identifier, out.Label, out.Clinician)
	a.Persisted = out.State == StatePersisted
	if out.Receipt != nil {
		a.AuditKey = out.Receipt.Key
	}

	id, err := o.alerter.Publish(ctx, a)
	if err != nil {
		metrics.AlertsPublished.WithLabelValues("error").Inc()
		log.Warn("high-risk alert not sent", map[string]interface{}{"error": err.Error()})
		return
	}
	metrics.AlertsPublished.WithLabelValues("ok").Inc()
	out.AlertID = id
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o.obs == nil {
		return noopTracer.Start(ctx, name)
	}
	return o.obs.StartSpan(ctx, name, attrs...)
}

func (o *Orchestrator) timeStage(ctx context.Context, stage string, start time.Time) {
	d := time.Since(start)
	metrics.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if o.obs != nil {
		o.obs.RecordStage(ctx, stage, d)
	}
}

func categoryOf(err error) string {
	if stdErr, ok := errors.AsStandardError(err); ok {
		return errors.GetErrorCategory(stdErr.Code)
	}
	return "OTHER"
}
