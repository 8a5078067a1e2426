package selfheal

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/internal/common/errors"
	"stepflow/internal/models"
	"stepflow/internal/protocols"
)

// scriptedExecutor returns its results in order, one per call.
type scriptedExecutor struct {
	results []scriptedResult
	calls   int
	inputs  []*protocols.ExecutionInput
}

type scriptedResult struct {
	data interface{}
	err  error
}

func (s *scriptedExecutor) Protocol() models.Protocol { return models.ProtocolHTTP }

func (s *scriptedExecutor) Execute(ctx context.Context, input *protocols.ExecutionInput) (*protocols.ExecutionResult, error) {
	s.inputs = append(s.inputs, input)
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	r := s.results[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &protocols.ExecutionResult{Data: r.data, Config: input.Config, StatusCode: 200}, nil
}

type stubGenerator struct {
	configs []models.StepConfig
	calls   int
	reqs    []*GenerateRequest
	err     error
}

func (g *stubGenerator) Generate(ctx context.Context, req *GenerateRequest) (*models.StepConfig, error) {
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	idx := g.calls
	g.calls++
	if idx >= len(g.configs) {
		idx = len(g.configs) - 1
	}
	cfg := g.configs[idx]
	return &cfg, nil
}

type stubEvaluator struct {
	verdicts []Evaluation
	calls    int
}

func (e *stubEvaluator) Evaluate(ctx context.Context, data interface{}, config models.StepConfig, instruction string) (*Evaluation, error) {
	idx := e.calls
	e.calls++
	if idx >= len(e.verdicts) {
		idx = len(e.verdicts) - 1
	}
	v := e.verdicts[idx]
	return &v, nil
}

type recordingTelemetry struct {
	mu       sync.Mutex
	captured []error
	done     chan struct{}
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{done: make(chan struct{}, 8)}
}

func (t *recordingTelemetry) CaptureException(err error, orgID string, context map[string]interface{}) {
	t.mu.Lock()
	t.captured = append(t.captured, err)
	t.mu.Unlock()
	t.done <- struct{}{}
}

func (t *recordingTelemetry) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.captured)
}

func newRegistry(exec protocols.Executor) *protocols.Registry {
	reg := protocols.NewRegistry()
	reg.Register(exec)
	return reg
}

func healableStep() *models.ExecutionStep {
	return &models.ExecutionStep{
		ID:     "fetch",
		Config: models.StepConfig{URL: "https://api.example.com/items", Method: "GET", Instruction: "fetch the items"},
		Modify: true,
	}
}

func TestExecuteStep_SucceedsFirstAttempt(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{{data: map[string]interface{}{"ok": true}}}}
	runner := NewRunner(Options{Registry: newRegistry(exec)})

	outcome, err := runner.ExecuteStep(context.Background(), healableStep(), map[string]interface{}{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 200, outcome.StatusCode)
	assert.Equal(t, 1, exec.calls)
}

func TestExecuteStep_NoHealingMeansOneAttempt(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{
		{err: errors.CallFailureError("boom", 503, 2, nil)},
	}}
	runner := NewRunner(Options{Registry: newRegistry(exec)})

	step := healableStep()
	step.Modify = false

	_, err := runner.ExecuteStep(context.Background(), step, map[string]interface{}{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, exec.calls)

	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrTypeCallFailure, appErr.Type)
	assert.Equal(t, 503, appErr.StatusCode)
}

func TestExecuteStep_RegeneratesConfigOnFailure(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{
		{err: errors.CallFailureError("404 not found", 404, 0, nil)},
		{data: []interface{}{"item"}},
	}}
	gen := &stubGenerator{configs: []models.StepConfig{
		{URL: "https://api.example.com/v2/items", Method: "GET"},
	}}
	eval := &stubEvaluator{verdicts: []Evaluation{{Success: true}}}
	runner := NewRunner(Options{Registry: newRegistry(exec), Generator: gen, Evaluator: eval})

	outcome, err := runner.ExecuteStep(context.Background(), healableStep(), map[string]interface{}{"q": "x"}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, "https://api.example.com/v2/items", outcome.Config.URL)
	require.Len(t, gen.reqs, 1)
	assert.Equal(t, 1, gen.reqs[0].Attempt)
	require.Len(t, gen.reqs[0].Messages, 1)
	assert.Contains(t, gen.reqs[0].Messages[0].Content, "404 not found")
}

func TestExecuteStep_GeneratorSeesMaskedCredentials(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{
		{err: errors.CallFailureError("denied", 403, 0, nil)},
		{data: "fine"},
	}}
	gen := &stubGenerator{configs: []models.StepConfig{{URL: "https://api.example.com/x", Method: "GET"}}}
	eval := &stubEvaluator{verdicts: []Evaluation{{Success: true}}}
	runner := NewRunner(Options{Registry: newRegistry(exec), Generator: gen, Evaluator: eval})

	creds := map[string]string{"apiKey": "super-secret-value"}
	_, err := runner.ExecuteStep(context.Background(), healableStep(), map[string]interface{}{}, creds, nil)
	require.NoError(t, err)

	require.Len(t, gen.reqs, 1)
	for _, v := range gen.reqs[0].Credentials {
		assert.NotEqual(t, "super-secret-value", v)
	}
}

func TestExecuteStep_EmptyDataIsConfigError(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{
		{data: nil},
		{data: map[string]interface{}{"ok": true}},
	}}
	gen := &stubGenerator{configs: []models.StepConfig{{URL: "https://api.example.com/x", Method: "GET"}}}
	eval := &stubEvaluator{verdicts: []Evaluation{{Success: true}}}
	runner := NewRunner(Options{Registry: newRegistry(exec), Generator: gen, Evaluator: eval})

	outcome, err := runner.ExecuteStep(context.Background(), healableStep(), map[string]interface{}{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Attempts)
	require.Len(t, gen.reqs, 1)
	assert.Contains(t, gen.reqs[0].Messages[0].Content, "no data")
}

func TestExecuteStep_NegativeEvaluationRetries(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{{data: "partial"}}}
	gen := &stubGenerator{configs: []models.StepConfig{{URL: "https://api.example.com/x", Method: "GET"}}}
	eval := &stubEvaluator{verdicts: []Evaluation{
		{Success: false, Reason: "missing the requested fields"},
		{Success: true},
	}}
	runner := NewRunner(Options{Registry: newRegistry(exec), Generator: gen, Evaluator: eval})

	opts := &models.RequestOptions{TestMode: true}
	outcome, err := runner.ExecuteStep(context.Background(), healableStep(), map[string]interface{}{}, nil, opts)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Attempts)
	require.Len(t, gen.reqs, 1)
	assert.Contains(t, gen.reqs[0].Messages[0].Content, "missing the requested fields")
}

func TestExecuteStep_EvaluatorSkippedOnFirstAttemptWithoutTestMode(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{{data: "anything"}}}
	eval := &stubEvaluator{verdicts: []Evaluation{{Success: false, Reason: "would fail"}}}
	runner := NewRunner(Options{Registry: newRegistry(exec), Evaluator: eval})

	_, err := runner.ExecuteStep(context.Background(), healableStep(), map[string]interface{}{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, eval.calls)
}

func TestExecuteStep_AbortStopsImmediately(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{
		{err: errors.AbortError("side effect already applied", nil)},
	}}
	gen := &stubGenerator{configs: []models.StepConfig{{URL: "https://api.example.com/x", Method: "GET"}}}
	runner := NewRunner(Options{Registry: newRegistry(exec), Generator: gen})

	_, err := runner.ExecuteStep(context.Background(), healableStep(), map[string]interface{}{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAbort))
	assert.Equal(t, 1, exec.calls)
	assert.Empty(t, gen.reqs)
}

func TestExecuteStep_ExhaustionReportsTelemetry(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{
		{err: errors.ConnectionError("refused", nil)},
	}}
	gen := &stubGenerator{configs: []models.StepConfig{{URL: "https://api.example.com/x", Method: "GET"}}}
	telemetry := newRecordingTelemetry()
	runner := NewRunner(Options{
		Registry:   newRegistry(exec),
		Generator:  gen,
		Telemetry:  telemetry,
		MaxRetries: 2,
	})

	_, err := runner.ExecuteStep(context.Background(), healableStep(), map[string]interface{}{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeCallFailure))
	assert.Equal(t, 3, exec.calls)

	<-telemetry.done
	assert.Equal(t, 1, telemetry.count())
}

func TestExecuteStep_ErrorsNeverLeakCredentials(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{
		{err: errors.ConnectionError("auth header pw-hunter2-99 rejected", nil)},
	}}
	runner := NewRunner(Options{Registry: newRegistry(exec)})

	step := healableStep()
	step.Modify = false
	creds := map[string]string{"password": "pw-hunter2-99"}

	_, err := runner.ExecuteStep(context.Background(), step, map[string]interface{}{}, creds, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "pw-hunter2-99")
}

func TestExecuteStep_PassedThroughCallFailureIsMasked(t *testing.T) {
	// a call failure raised below the runner can carry the request URL,
	// query string included, in both its message and its cause
	exec := &scriptedExecutor{results: []scriptedResult{
		{err: errors.CallFailureError(
			"request to https://api.example.com/items?apiKey=pw-hunter2-99 failed",
			503, 2,
			fmt.Errorf(`Get "https://api.example.com/items?apiKey=pw-hunter2-99": connection refused`))},
	}}
	runner := NewRunner(Options{Registry: newRegistry(exec)})

	step := healableStep()
	step.Modify = false
	creds := map[string]string{"apiKey": "pw-hunter2-99"}

	_, err := runner.ExecuteStep(context.Background(), step, map[string]interface{}{}, creds, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "pw-hunter2-99")

	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrTypeCallFailure, appErr.Type)
	assert.Equal(t, 503, appErr.StatusCode)
	assert.Equal(t, 2, appErr.Retries)
}

func TestExecuteConfig_UsesProvidedConfig(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{{data: "ok"}}}
	runner := NewRunner(Options{Registry: newRegistry(exec)})

	step := healableStep()
	working := models.StepConfig{URL: "https://api.example.com/discovered", Method: "GET"}

	outcome, err := runner.ExecuteConfig(context.Background(), step, working, map[string]interface{}{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/discovered", outcome.Config.URL)
	require.Len(t, exec.inputs, 1)
	assert.Equal(t, working.URL, exec.inputs[0].Config.URL)
}

func TestExecuteStep_IntegrationCredentialsResolved(t *testing.T) {
	exec := &scriptedExecutor{results: []scriptedResult{{data: "ok"}}}
	store := &stubIntegrations{integration: &Integration{
		ID:          "github",
		Credentials: map[string]string{"apiKey": "gh-key-123456"},
	}}
	runner := NewRunner(Options{Registry: newRegistry(exec), Integrations: store})

	step := healableStep()
	step.IntegrationID = "github"

	_, err := runner.ExecuteStep(context.Background(), step, map[string]interface{}{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, exec.inputs, 1)
	assert.Equal(t, "gh-key-123456", exec.inputs[0].Credentials["apiKey"])
}

type stubIntegrations struct {
	integration *Integration
}

func (s *stubIntegrations) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	return s.integration, nil
}

func (s *stubIntegrations) SearchDocumentation(ctx context.Context, integrationID, instruction string) (string, error) {
	return "", nil
}
