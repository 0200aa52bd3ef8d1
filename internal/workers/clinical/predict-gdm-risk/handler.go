package predictgdmrisk

import (
	"context"
	"fmt"
	"math"
	"time"

	"gdm-risk-service/internal/common/camunda"
	"gdm-risk-service/internal/common/config"
	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/common/logger"
	"gdm-risk-service/internal/common/metrics"
	"gdm-risk-service/internal/gdm/features"
	"gdm-risk-service/internal/gdm/pipeline"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "predict-gdm-risk"

// Runner is the submission pipeline the job delegates to.
type Runner interface {
	Run(ctx context.Context, raw features.RawInput) (*pipeline.Outcome, error)
}

type Handler struct {
	config     *Config
	logger     logger.Logger
	camunda    *camunda.Client
	runner     Runner
	errHandler *errors.ErrorHandler
	jobWorker  *camunda.Worker
}

type HandlerOptions struct {
	AppConfig    *config.Config
	Camunda      *camunda.Client
	CustomConfig *Config
	Runner       Runner
	Logger       logger.Logger
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	workerConfig := createConfigFromAppConfig(opts.AppConfig, opts.CustomConfig)

	if err := workerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("invalid configuration for %s: runner is required", TaskType)
	}

	var loggerInstance logger.Logger
	if opts.Logger != nil {
		loggerInstance = opts.Logger
	} else {
		loggerInstance = logger.NewStructured("info", "json", "stdout")
	}
	loggerInstance = loggerInstance.WithFields(map[string]interface{}{"worker": TaskType})

	return &Handler{
		config:     workerConfig,
		logger:     loggerInstance,
		camunda:    opts.Camunda,
		runner:     opts.Runner,
		errHandler: errors.NewErrorHandler(loggerInstance),
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("Processing risk prediction job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	input, err := h.parseInput(job)
	if err != nil {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, extractErrorCode(err)).Inc()
		h.errHandler.HandleJobError(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, extractErrorCode(err)).Inc()
		h.errHandler.HandleJobError(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
}

// Execute runs one submission. Only Rejected and InferenceFailed surface as
// errors; a failed durable write completes the job with persisted=false.
func (h *Handler) Execute(ctx context.Context, input *features.RawInput) (*Output, error) {
	out, err := h.runner.Run(ctx, *input)
	if err != nil {
		return nil, err
	}

	output := &Output{
		SubmissionID: out.SubmissionID,
		RiskLabel:    out.Label.String(),
		RiskCode:     out.Label.Code(),
		Probability:  out.Probability,
		State:        string(out.State),
		Persisted:    out.State == pipeline.StatePersisted,
	}
	if out.Receipt != nil {
		output.AuditKey = out.Receipt.Key
	}
	if out.Artifact != nil {
		output.ArtifactFileName = out.Artifact.FileName
		output.ArtifactCSV = string(out.Artifact.Data)
	}
	return output, nil
}

func (h *Handler) parseInput(job entities.Job) (*features.RawInput, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, errors.NewInputParsingError(err)
	}

	result := GetInputSchema().ValidateInput(variables)
	if !result.Valid {
		fields := make([]errors.FieldError, len(result.Errors))
		for i, e := range result.Errors {
			fields[i] = errors.FieldError{Field: e.Field, Code: e.Code, Message: e.Message}
		}
		return nil, errors.NewValidationError(fields)
	}

	return &features.RawInput{
		Identifier:        stringVar(variables, VarStudyID),
		HeightCM:          floatVar(variables, VarHeightCM),
		WeightKG:          floatVar(variables, VarWeightKG),
		Age:               intVar(variables, VarAge),
		SystolicBP:        intVar(variables, VarSystolicBP),
		DiastolicBP:       intVar(variables, VarDiastolicBP),
		Parity:            intVar(variables, VarParity),
		HxGDM:             stringVar(variables, VarHxGDM),
		FHDiabetes:        stringVar(variables, VarFHDiabetes),
		EthnicOrigin:      stringVar(variables, VarEthnicOrigin),
		SkillLevel:        stringVar(variables, VarSkillLevel),
		OtherEndocrine:    stringVar(variables, VarOtherEndocrine),
		ClinicianJudgment: stringVar(variables, VarClinician),
	}, nil
}

func stringVar(vars map[string]interface{}, name string) string {
	s, _ := vars[name].(string)
	return s
}

func floatVar(vars map[string]interface{}, name string) *float64 {
	f, ok := vars[name].(float64)
	if !ok {
		return nil
	}
	return &f
}

// intVar relies on the schema having rejected fractional values.
func intVar(vars map[string]interface{}, name string) *int {
	f, ok := vars[name].(float64)
	if !ok {
		return nil
	}
	i := int(math.Round(f))
	return &i
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(output.ToVariables())
	if err != nil {
		h.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}

	if _, err := request.Send(ctx); err != nil {
		h.logger.Error("Failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}

	h.logger.Info("Completed risk prediction job", map[string]interface{}{
		"jobKey":       job.GetKey(),
		"submissionId": output.SubmissionID,
		"riskLabel":    output.RiskLabel,
		"persisted":    output.Persisted,
	})
}

// Register opens the job subscription. A disabled worker is a no-op.
func (h *Handler) Register() error {
	if !h.config.Enabled {
		h.logger.Info("Worker is disabled, skipping registration", nil)
		return nil
	}
	if h.camunda == nil {
		return fmt.Errorf("%s: camunda client is required to register", TaskType)
	}

	h.jobWorker = camunda.NewWorker(h.camunda.GetClient(), camunda.WorkerOptions{
		TaskType:       TaskType,
		MaxJobsActive:  h.config.MaxJobsActive,
		Timeout:        h.config.Timeout,
		FetchVariables: InputVariables,
	}, h, h.logger)
	return nil
}

func (h *Handler) Close() {
	if h.jobWorker != nil {
		h.jobWorker.Stop()
		h.jobWorker = nil
	}
}

func (h *Handler) GetTaskType() string {
	return TaskType
}

func (h *Handler) IsEnabled() bool {
	return h.config.Enabled
}

func (h *Handler) GetConfig() *Config {
	return h.config
}

func extractErrorCode(err error) string {
	if stdErr, ok := errors.AsStandardError(err); ok {
		return string(stdErr.Code)
	}
	return "UNKNOWN_ERROR"
}

func createConfigFromAppConfig(appConfig *config.Config, customConfig *Config) *Config {
	if customConfig != nil {
		return customConfig
	}

	cfg := DefaultConfig()

	if appConfig != nil {
		if workerCfg, exists := appConfig.Workers[TaskType]; exists {
			cfg.Enabled = workerCfg.Enabled
			if workerCfg.MaxJobsActive > 0 {
				cfg.MaxJobsActive = workerCfg.MaxJobsActive
			}
			if workerCfg.Timeout > 0 {
				cfg.Timeout = config.GetDuration(workerCfg.Timeout)
			}
		}
	}

	return cfg
}
