package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/common/masking"
	"stepflow/internal/common/utils"
	"stepflow/internal/expression"
	"stepflow/internal/models"
	"stepflow/internal/selfheal"
	"stepflow/internal/storage"
	"stepflow/internal/transport"
)

// Executor runs workflows end to end and records the outcome.
type Executor struct {
	runner       *selfheal.Runner
	evaluator    *expression.Evaluator
	selectorGen  selfheal.SelectorGenerator
	transformGen selfheal.TransformGenerator
	respEval     selfheal.ResponseEvaluator
	store        storage.RunStore
	telemetry    selfheal.Telemetry
	webhooks     *transport.Client
	logger       logging.Logger
	loopMaxIters int

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Config wires an Executor. Runner and Evaluator are required; everything
// else degrades gracefully when absent.
type Config struct {
	Runner       *selfheal.Runner
	Evaluator    *expression.Evaluator
	SelectorGen  selfheal.SelectorGenerator
	TransformGen selfheal.TransformGenerator
	RespEval     selfheal.ResponseEvaluator
	Store        storage.RunStore
	Telemetry    selfheal.Telemetry
	Webhooks     *transport.Client
	Logger       logging.Logger
	LoopMaxIters int
}

// NewExecutor creates a workflow executor.
func NewExecutor(cfg Config) *Executor {
	if cfg.Telemetry == nil {
		cfg.Telemetry = selfheal.NoopTelemetry{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}
	if cfg.LoopMaxIters <= 0 {
		cfg.LoopMaxIters = DefaultLoopMaxIters
	}
	return &Executor{
		runner:       cfg.Runner,
		evaluator:    cfg.Evaluator,
		selectorGen:  cfg.SelectorGen,
		transformGen: cfg.TransformGen,
		respEval:     cfg.RespEval,
		store:        cfg.Store,
		telemetry:    cfg.Telemetry,
		webhooks:     cfg.Webhooks,
		logger:       cfg.Logger,
		loopMaxIters: cfg.LoopMaxIters,
		inflight:     make(map[string]context.CancelFunc),
	}
}

// Cancel interrupts the in-flight run registered under id. Runs are
// reachable by run ID and by the caller-supplied trace ID; with a
// synchronous API the trace ID is the handle a caller actually holds
// while the run is still going. Reports whether a run was found.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Executor) track(cancel context.CancelFunc, keys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		if key != "" {
			e.inflight[key] = cancel
		}
	}
}

func (e *Executor) untrack(keys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		delete(e.inflight, key)
	}
}

// Execute runs the workflow and returns the completed run. The run itself
// records failure; the returned error is reserved for invalid input.
func (e *Executor) Execute(ctx context.Context, wf *models.Workflow, payload map[string]interface{}, creds map[string]string, opts *models.RequestOptions) (*models.Run, error) {
	if err := wf.Validate(); err != nil {
		return nil, errors.ValidationError(err.Error())
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	traceID := ""
	source := ""
	if opts != nil {
		traceID = opts.TraceID
		source = opts.RequestSource
	}
	if traceID == "" {
		traceID = utils.GenerateTraceID()
	}

	run := &models.Run{
		ID:            utils.GenerateRunID(),
		WorkflowID:    wf.ID,
		Status:        models.RunRunning,
		Metadata:      models.RunMetadata{StartedAt: time.Now()},
		Payload:       payload,
		Options:       opts,
		TraceID:       traceID,
		RequestSource: source,
	}

	logger := e.logger.WithFields(
		logging.String("workflow_id", wf.ID),
		logging.String("run_id", run.ID),
		logging.String("trace_id", traceID))
	logger.Info("workflow started", logging.Int("steps", len(wf.Steps)))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	e.track(cancelRun, run.ID, traceID)
	defer e.untrack(run.ID, traceID)

	snapshot := *wf
	snapshot.Steps = append([]models.ExecutionStep(nil), wf.Steps...)

	// transformed outputs keyed by step ID, fed into later steps
	stepData := make(map[string]interface{})

	for i := range snapshot.Steps {
		step := &snapshot.Steps[i]
		stepPayload := mergePayload(payload, stepData)

		started := time.Now()
		output, err := e.strategyFor(step).Run(runCtx, step, stepPayload, creds, opts)
		if err != nil {
			result := models.StepResult{
				StepID:      step.ID,
				Success:     false,
				Error:       masking.MaskValues(err.Error(), creds),
				StartedAt:   started,
				CompletedAt: time.Now(),
			}
			run.StepResults = append(run.StepResults, result)

			if step.OnFailure() == models.FailureContinue {
				logger.Warn("step failed, continuing",
					logging.String("step_id", step.ID),
					logging.String("error", result.Error))
				continue
			}

			run.Error = result.Error
			status := models.RunFailed
			if errors.IsType(err, errors.ErrTypeAbort) {
				status = models.RunAborted
			}
			if runCtx.Err() != nil && ctx.Err() == nil {
				// interrupted through Cancel, not by the caller going away
				run.Error = "run cancelled"
				status = models.RunAborted
			}
			e.finish(ctx, run, status, logger)
			return run, nil
		}

		stepData[step.ID] = output.transformed
		run.StepResults = append(run.StepResults, models.StepResult{
			StepID:          step.ID,
			Success:         true,
			RawData:         output.raw,
			TransformedData: output.transformed,
			Config:          output.config,
			StartedAt:       started,
			CompletedAt:     time.Now(),
		})
		if output.config != nil {
			step.Config = *output.config
		}
	}

	run.ConfigSnapshot = &snapshot

	data, err := e.finalTransform(runCtx, wf, payload, stepData, opts)
	if err != nil {
		run.Error = masking.MaskValues(err.Error(), creds)
		status := models.RunFailed
		if runCtx.Err() != nil && ctx.Err() == nil {
			run.Error = "run cancelled"
			status = models.RunAborted
		}
		e.finish(ctx, run, status, logger)
		return run, nil
	}

	run.Data = data
	e.finish(ctx, run, models.RunSuccess, logger)
	return run, nil
}

// finalTransform builds the workflow output from the step aggregate,
// regenerating a broken transform once when healing is in scope.
func (e *Executor) finalTransform(ctx context.Context, wf *models.Workflow, payload map[string]interface{}, stepData map[string]interface{}, opts *models.RequestOptions) (interface{}, error) {
	aggregate := mergePayload(payload, stepData)
	if wf.OutputTransform == "" {
		return aggregate, nil
	}

	transform := wf.OutputTransform
	result, err := e.runTransform(ctx, wf, transform, aggregate)
	if err == nil && opts != nil && opts.TestMode && e.respEval != nil {
		if verdict, evalErr := e.respEval.Evaluate(ctx, result, models.StepConfig{Instruction: wf.Instruction}, wf.Instruction); evalErr == nil && !verdict.Success {
			err = errors.EvaluationError(verdict.Reason)
		}
	}
	if err == nil {
		return result, nil
	}

	if e.transformGen == nil || !opts.HealingTransforms() {
		return nil, err
	}

	regenerated, genErr := e.transformGen.GenerateTransform(ctx, &selfheal.TransformRequest{
		FailedTransform: transform,
		Aggregate:       aggregate,
		Instruction:     wf.Instruction,
		Error:           err.Error(),
	})
	if genErr != nil {
		return nil, errors.ConfigError(fmt.Sprintf("output transform regeneration failed: %v", genErr))
	}
	e.logger.Info("regenerated output transform", logging.String("workflow_id", wf.ID))

	return e.runTransform(ctx, wf, regenerated, aggregate)
}

// runTransform evaluates one transform candidate and shape-checks the
// result against the workflow's output schema.
func (e *Executor) runTransform(ctx context.Context, wf *models.Workflow, transform string, aggregate map[string]interface{}) (interface{}, error) {
	result, err := e.evaluator.Evaluate(ctx, transform, aggregate)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("output transform failed: %v", err))
	}
	if err := checkOutputSchema(wf.OutputSchema, result); err != nil {
		return nil, err
	}
	return result, nil
}

// checkOutputSchema enforces the schema's required keys on object output.
func checkOutputSchema(schema map[string]interface{}, result interface{}) error {
	if schema == nil {
		return nil
	}
	required, ok := schema["required"].([]interface{})
	if !ok || len(required) == 0 {
		return nil
	}

	obj, ok := result.(map[string]interface{})
	if !ok {
		return errors.ValidationError("output does not match schema: expected an object")
	}
	for _, key := range required {
		name, ok := key.(string)
		if !ok {
			continue
		}
		if _, present := obj[name]; !present {
			return errors.ValidationError(fmt.Sprintf("output is missing required field %q", name))
		}
	}
	return nil
}

// finish completes the run, persists it best-effort, and delivers the
// webhook when one was requested.
func (e *Executor) finish(ctx context.Context, run *models.Run, status models.RunStatus, logger logging.Logger) {
	run.Complete(status)

	if status == models.RunSuccess {
		logger.Info("workflow completed",
			logging.Int64("duration_ms", run.Metadata.DurationMs))
	} else {
		logger.Error("workflow failed", nil,
			logging.String("status", string(status)),
			logging.String("error", run.Error))
		go e.telemetry.CaptureException(fmt.Errorf("workflow %s run %s failed: %s", run.WorkflowID, run.ID, run.Error), "", map[string]interface{}{
			"workflowId": run.WorkflowID,
			"runId":      run.ID,
		})
	}

	if e.store != nil {
		// persistence never fails the run
		if err := e.store.CreateRun(ctx, run); err != nil {
			logger.Error("failed to persist run", err)
		}
	}

	if run.Options != nil && run.Options.WebhookURL != "" && e.webhooks != nil {
		url := run.Options.WebhookURL
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_, err := e.webhooks.Do(ctx, &transport.Request{
				Method: "POST",
				URL:    url,
				Body:   run,
			}, nil)
			if err != nil {
				logger.Warn("webhook delivery failed",
					logging.String("url", masking.MaskURL(url)),
					logging.String("error", err.Error()))
			}
		}()
	}
}

// mergePayload overlays completed step outputs on the original payload.
func mergePayload(payload map[string]interface{}, stepData map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(payload)+len(stepData))
	for key, value := range payload {
		merged[key] = value
	}
	for key, value := range stepData {
		merged[key] = value
	}
	return merged
}
