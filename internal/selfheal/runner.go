package selfheal

import (
	"context"
	stderrors "errors"
	"fmt"

	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/common/masking"
	"stepflow/internal/models"
	"stepflow/internal/protocols"
)

// DefaultMaxRetries caps self-healing regeneration attempts per step.
const DefaultMaxRetries = 10

// Outcome is a successful step execution.
type Outcome struct {
	Data interface{}
	// Config is the configuration that actually succeeded; it differs from
	// the step's original config after a regeneration
	Config     models.StepConfig
	StatusCode int
	Attempts   int
}

// Runner executes one step through its protocol executor, regenerating the
// configuration on failure until it works, aborts, or the retry budget runs
// out.
type Runner struct {
	registry     *protocols.Registry
	generator    ConfigGenerator
	evaluator    ResponseEvaluator
	integrations IntegrationStore
	telemetry    Telemetry
	logger       logging.Logger
	maxRetries   int
}

// Options configures a Runner. Generator, Evaluator, and Integrations are
// optional; a Runner without a generator never self-heals.
type Options struct {
	Registry     *protocols.Registry
	Generator    ConfigGenerator
	Evaluator    ResponseEvaluator
	Integrations IntegrationStore
	Telemetry    Telemetry
	Logger       logging.Logger
	MaxRetries   int
}

// NewRunner creates a step runner.
func NewRunner(opts Options) *Runner {
	if opts.Telemetry == nil {
		opts.Telemetry = NoopTelemetry{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Runner{
		registry:     opts.Registry,
		generator:    opts.Generator,
		evaluator:    opts.Evaluator,
		integrations: opts.Integrations,
		telemetry:    opts.Telemetry,
		logger:       opts.Logger,
		maxRetries:   opts.MaxRetries,
	}
}

// ExecuteStep runs the step with its own configuration.
func (r *Runner) ExecuteStep(ctx context.Context, step *models.ExecutionStep, payload map[string]interface{}, creds map[string]string, opts *models.RequestOptions) (*Outcome, error) {
	return r.ExecuteConfig(ctx, step, step.Config, payload, creds, opts)
}

// ExecuteConfig runs the step starting from an explicit configuration.
// Loop execution uses this to prefer a config that already worked on an
// earlier iteration.
func (r *Runner) ExecuteConfig(ctx context.Context, step *models.ExecutionStep, config models.StepConfig, payload map[string]interface{}, creds map[string]string, opts *models.RequestOptions) (*Outcome, error) {
	creds, docs, err := r.resolveIntegration(ctx, step, creds)
	if err != nil {
		return nil, err
	}

	healing := r.healingEnabled(step, opts)

	// Without self-healing a call gets exactly one attempt; the transport
	// already handles transient retries underneath.
	maxRetries := 0
	if healing {
		maxRetries = r.maxRetries
	}

	var (
		messages   []Message
		lastErr    error
		lastStatus int
	)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			regenerated, err := r.generator.Generate(ctx, &GenerateRequest{
				FailedConfig:  config,
				Payload:       payload,
				Credentials:   masking.MaskStringMap(creds),
				Attempt:       attempt,
				Messages:      messages,
				Instruction:   step.Config.Instruction,
				Documentation: docs,
			})
			if err != nil {
				lastErr = errors.ConfigError(fmt.Sprintf("config regeneration failed: %v", err))
				break
			}
			config = *regenerated
			r.logger.Info("regenerated step config",
				logging.String("step_id", step.ID),
				logging.Int("attempt", attempt))
		}

		executor, err := r.registry.ForURL(config.URL)
		if err != nil {
			lastErr = errors.ConfigError(err.Error())
			messages = append(messages, errorMessage(lastErr, creds))
			continue
		}

		result, err := executor.Execute(ctx, &protocols.ExecutionInput{
			Config:      config,
			Payload:     payload,
			Credentials: creds,
			Options:     opts,
		})
		if err != nil {
			if errors.IsType(err, errors.ErrTypeAbort) {
				return nil, err
			}
			lastErr = err
			if appErr, ok := errors.AsAppError(err); ok {
				lastStatus = appErr.StatusCode
			}
			messages = append(messages, errorMessage(err, creds))
			continue
		}

		if emptyData(result.Data) {
			lastErr = errors.ConfigError("call succeeded but returned no data")
			messages = append(messages, errorMessage(lastErr, creds))
			continue
		}

		if r.evaluator != nil && (attempt > 0 || (opts != nil && opts.TestMode)) {
			evaluation, err := r.evaluator.Evaluate(ctx, result.Data, result.Config, instructionWithDocs(step.Config.Instruction, docs))
			if err != nil {
				lastErr = errors.EvaluationError(fmt.Sprintf("response evaluation failed: %v", err))
				messages = append(messages, errorMessage(lastErr, creds))
				continue
			}
			if !evaluation.Success {
				lastErr = errors.EvaluationError(evaluation.Reason)
				messages = append(messages, Message{
					Role:    "user",
					Content: fmt.Sprintf("The response did not satisfy the instruction: %s. Fix the configuration accordingly.", masking.MaskValues(evaluation.Reason, creds)),
				})
				continue
			}
		}

		if attempt > 0 {
			r.logger.Info("step recovered through self-healing",
				logging.String("step_id", step.ID),
				logging.Int("attempts", attempt+1))
		}
		return &Outcome{
			Data:       result.Data,
			Config:     result.Config,
			StatusCode: result.StatusCode,
			Attempts:   attempt + 1,
		}, nil
	}

	finalErr := r.exhausted(step, lastErr, lastStatus, maxRetries, creds)
	go r.telemetry.CaptureException(finalErr, "", map[string]interface{}{
		"stepId": step.ID,
	})
	return nil, finalErr
}

// healingEnabled reports whether this step may be regenerated under the
// given options. The step must opt in via its modify flag and a generator
// must be wired.
func (r *Runner) healingEnabled(step *models.ExecutionStep, opts *models.RequestOptions) bool {
	return r.generator != nil && step.Modify && opts.HealingRequests()
}

// resolveIntegration fills credentials and documentation from the
// integration store. Caller-supplied credentials win.
func (r *Runner) resolveIntegration(ctx context.Context, step *models.ExecutionStep, creds map[string]string) (map[string]string, string, error) {
	if r.integrations == nil || step.IntegrationID == "" {
		return creds, "", nil
	}

	integration, err := r.integrations.GetIntegration(ctx, step.IntegrationID)
	if err != nil {
		return nil, "", errors.ConfigError(fmt.Sprintf("integration %s unavailable: %v", step.IntegrationID, err))
	}

	merged := make(map[string]string, len(integration.Credentials)+len(creds))
	for key, value := range integration.Credentials {
		merged[key] = value
	}
	for key, value := range creds {
		merged[key] = value
	}

	docs := integration.Documentation
	if step.Config.Instruction != "" {
		if found, err := r.integrations.SearchDocumentation(ctx, step.IntegrationID, step.Config.Instruction); err == nil && found != "" {
			docs = found
		}
	}
	return merged, docs, nil
}

// exhausted builds the terminal call failure. Only masked text survives;
// the raw error is dropped so credentials cannot resurface through the
// cause chain.
func (r *Runner) exhausted(step *models.ExecutionStep, lastErr error, lastStatus, maxRetries int, creds map[string]string) error {
	msg := "step failed with no recorded error"
	if lastErr != nil {
		msg = masking.MaskValues(lastErr.Error(), creds)
	}
	if appErr, ok := errors.AsAppError(lastErr); ok && appErr.Type == errors.ErrTypeCallFailure {
		// already typed with status and retry metadata; re-mask because
		// the transport's cause can embed a full request URL
		masked := *appErr
		masked.Message = masking.MaskValues(appErr.Message, creds)
		if appErr.Cause != nil {
			masked.Cause = stderrors.New(masking.MaskValues(appErr.Cause.Error(), creds))
		}
		return &masked
	}
	return errors.CallFailureError(
		fmt.Sprintf("step %s failed after %d attempts: %s", step.ID, maxRetries+1, msg),
		lastStatus, maxRetries, nil)
}

func errorMessage(err error, creds map[string]string) Message {
	return Message{
		Role:    "user",
		Content: fmt.Sprintf("The call failed: %s", masking.MaskValues(err.Error(), creds)),
	}
}

// emptyData mirrors a falsy check: nil and the empty string count as
// missing, empty collections do not.
func emptyData(data interface{}) bool {
	return data == nil || data == ""
}

// instructionWithDocs appends documentation context to the instruction for
// the evaluator.
func instructionWithDocs(instruction, docs string) string {
	if docs == "" {
		return instruction
	}
	return instruction + "\n\nRelevant documentation:\n" + docs
}
