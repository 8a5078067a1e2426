// Package workflow runs complete workflows: step sequencing, loop fan-out,
// output chaining, and the final transform.
package workflow

import (
	"context"
	"fmt"

	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/models"
	"stepflow/internal/selfheal"
)

// DefaultLoopMaxIters caps loop fan-out when the step does not set its own.
const DefaultLoopMaxIters = 100

// stepOutput is what a strategy hands back to the executor.
type stepOutput struct {
	raw         interface{}
	transformed interface{}
	// config is the configuration that succeeded, for the run snapshot
	config *models.StepConfig
}

// strategy runs one step to completion.
type strategy interface {
	Run(ctx context.Context, step *models.ExecutionStep, payload map[string]interface{}, creds map[string]string, opts *models.RequestOptions) (*stepOutput, error)
}

// strategyFor selects the execution strategy from the step's mode.
func (e *Executor) strategyFor(step *models.ExecutionStep) strategy {
	if step.Mode() == models.ModeLoop {
		return &loopStrategy{executor: e}
	}
	return &directStrategy{executor: e}
}

// directStrategy runs the step once.
type directStrategy struct {
	executor *Executor
}

func (s *directStrategy) Run(ctx context.Context, step *models.ExecutionStep, payload map[string]interface{}, creds map[string]string, opts *models.RequestOptions) (*stepOutput, error) {
	outcome, err := s.executor.runner.ExecuteStep(ctx, step, payload, creds, opts)
	if err != nil {
		return nil, err
	}

	transformed, err := s.executor.applyMapping(ctx, step, outcome.Data, payload)
	if err != nil {
		return nil, err
	}

	return &stepOutput{
		raw:         outcome.Data,
		transformed: transformed,
		config:      &outcome.Config,
	}, nil
}

// loopStrategy maps the step over the collection its selector produces.
// A configuration discovered to work on one iteration is reused for the
// rest, so a regeneration pays its cost once per loop.
type loopStrategy struct {
	executor *Executor
}

func (s *loopStrategy) Run(ctx context.Context, step *models.ExecutionStep, payload map[string]interface{}, creds map[string]string, opts *models.RequestOptions) (*stepOutput, error) {
	items, scalar, err := s.resolveItems(ctx, step, payload, opts)
	if err != nil {
		return nil, err
	}

	maxIters := step.LoopMaxIters
	if maxIters <= 0 {
		maxIters = s.executor.loopMaxIters
	}
	if len(items) > maxIters {
		s.executor.logger.Warn("loop selection truncated",
			logging.String("step_id", step.ID),
			logging.Int("selected", len(items)),
			logging.Int("max", maxIters))
		items = items[:maxIters]
	}

	var (
		rawResults    []interface{}
		mappedResults []interface{}
		successConfig *models.StepConfig
	)

	for i, item := range items {
		itemPayload := loopPayload(payload, item)

		var outcome *selfheal.Outcome
		var err error
		if successConfig != nil {
			outcome, err = s.executor.runner.ExecuteConfig(ctx, step, *successConfig, itemPayload, creds, opts)
		} else {
			outcome, err = s.executor.runner.ExecuteStep(ctx, step, itemPayload, creds, opts)
		}
		if err != nil {
			// keep the cause's type so an abort inside the loop still
			// aborts the run
			return nil, &errors.AppError{
				Type:    errors.GetType(err),
				Message: fmt.Sprintf("loop step %s failed on iteration %d of %d", step.ID, i+1, len(items)),
				Cause:   err,
			}
		}
		successConfig = &outcome.Config

		mapped, err := s.executor.applyMapping(ctx, step, outcome.Data, itemPayload)
		if err != nil {
			return nil, err
		}
		rawResults = append(rawResults, outcome.Data)
		mappedResults = append(mappedResults, mapped)
	}

	if scalar {
		// a scalar selector value runs once and yields its single result
		var raw, mapped interface{}
		if len(rawResults) == 1 {
			raw, mapped = rawResults[0], mappedResults[0]
		}
		return &stepOutput{raw: raw, transformed: mapped, config: successConfig}, nil
	}

	return &stepOutput{
		raw:         rawResults,
		transformed: mappedResults,
		config:      successConfig,
	}, nil
}

// resolveItems evaluates the loop selector, regenerating it once through
// the selector generator when it fails to produce a collection.
func (s *loopStrategy) resolveItems(ctx context.Context, step *models.ExecutionStep, payload map[string]interface{}, opts *models.RequestOptions) ([]interface{}, bool, error) {
	items, scalar, selErr := s.evaluateSelector(ctx, step.LoopSelector, payload)
	if selErr == nil {
		return items, scalar, nil
	}

	if s.executor.selectorGen == nil || !step.Modify || !opts.HealingRequests() {
		return nil, false, selErr
	}

	regenerated, err := s.executor.selectorGen.GenerateSelector(ctx, &selfheal.SelectorRequest{
		FailedSelector: step.LoopSelector,
		PayloadSample:  payload,
		Instruction:    step.Config.Instruction,
	})
	if err != nil {
		return nil, false, errors.ConfigError(fmt.Sprintf("loop selector regeneration failed: %v", err))
	}

	s.executor.logger.Info("regenerated loop selector", logging.String("step_id", step.ID))

	items, scalar, err = s.evaluateSelector(ctx, regenerated, payload)
	if err != nil {
		return nil, false, err
	}
	return items, scalar, nil
}

// evaluateSelector runs the selector expression. Arrays iterate as-is and
// scalars become a single-item loop; anything else is a config error.
func (s *loopStrategy) evaluateSelector(ctx context.Context, selector string, payload map[string]interface{}) ([]interface{}, bool, error) {
	result, err := s.executor.evaluator.Evaluate(ctx, selector, payload)
	if err != nil {
		return nil, false, errors.ConfigError(fmt.Sprintf("loop selector failed: %v", err))
	}

	switch v := result.(type) {
	case []interface{}:
		return v, false, nil
	case nil:
		return nil, false, errors.ConfigError("loop selector returned no value")
	case map[string]interface{}:
		return nil, false, errors.ConfigError("loop selector returned an object, expected an array")
	default:
		return []interface{}{v}, true, nil
	}
}

// loopPayload builds the per-item payload: the base payload, the item under
// currentItem, and the item's scalar fields flattened to the top level.
func loopPayload(base map[string]interface{}, item interface{}) map[string]interface{} {
	payload := make(map[string]interface{}, len(base)+2)
	for key, value := range base {
		payload[key] = value
	}
	payload["currentItem"] = item

	if obj, ok := item.(map[string]interface{}); ok {
		for key, value := range obj {
			switch value.(type) {
			case map[string]interface{}, []interface{}:
				// nested structures stay reachable via currentItem
			default:
				payload[key] = value
			}
		}
	}
	return payload
}

// applyMapping runs the step's legacy response-mapping expression over a
// raw result.
func (e *Executor) applyMapping(ctx context.Context, step *models.ExecutionStep, data interface{}, payload map[string]interface{}) (interface{}, error) {
	if step.ResponseMapping == "" {
		return data, nil
	}

	scope := make(map[string]interface{}, len(payload)+1)
	for key, value := range payload {
		scope[key] = value
	}
	scope["data"] = data

	mapped, err := e.evaluator.Evaluate(ctx, step.ResponseMapping, scope)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("response mapping for step %s failed: %v", step.ID, err))
	}
	return mapped, nil
}
