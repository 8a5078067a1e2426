package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProtocol(t *testing.T) {
	tests := []struct {
		url      string
		expected Protocol
		wantErr  bool
	}{
		{"https://api.example.com/users", ProtocolHTTP, false},
		{"http://internal:8080/health", ProtocolHTTP, false},
		{"postgres://user:pass@db:5432/orders", ProtocolPostgres, false},
		{"postgresql://db/orders", ProtocolPostgres, false},
		{"ftp://files.example.com/outbox", ProtocolFTP, false},
		{"ftps://files.example.com/outbox", ProtocolFTP, false},
		{"sftp://files.example.com:22/inbox", ProtocolSFTP, false},
		{"gopher://old.example.com", "", true},
		{"not a url at all ://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			proto, err := DetectProtocol(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, proto)
		})
	}
}

func TestExecutionStep_Mode(t *testing.T) {
	direct := ExecutionStep{ID: "a"}
	assert.Equal(t, ModeDirect, direct.Mode())

	explicit := ExecutionStep{ID: "b", ExecutionMode: ModeLoop}
	assert.Equal(t, ModeLoop, explicit.Mode())

	implied := ExecutionStep{ID: "c", LoopSelector: "(sourceData) => sourceData.items"}
	assert.Equal(t, ModeLoop, implied.Mode())
}

func TestExecutionStep_OnFailure(t *testing.T) {
	assert.Equal(t, FailureFail, (&ExecutionStep{}).OnFailure())
	assert.Equal(t, FailureContinue, (&ExecutionStep{FailureBehavior: FailureContinue}).OnFailure())
	assert.Equal(t, FailureFail, (&ExecutionStep{FailureBehavior: "bogus"}).OnFailure())
}

func validWorkflow() *Workflow {
	return &Workflow{
		ID: "wf-1",
		Steps: []ExecutionStep{
			{ID: "fetch", Config: StepConfig{URL: "https://api.example.com/items", Method: "GET"}},
			{ID: "store", Config: StepConfig{URL: "postgres://db:5432/orders", Method: "POST"}},
		},
	}
}

func TestWorkflow_Validate(t *testing.T) {
	assert.NoError(t, validWorkflow().Validate())

	tests := []struct {
		name   string
		mutate func(*Workflow)
	}{
		{"missing id", func(w *Workflow) { w.ID = "" }},
		{"no steps", func(w *Workflow) { w.Steps = nil }},
		{"step without id", func(w *Workflow) { w.Steps[0].ID = "" }},
		{"duplicate step id", func(w *Workflow) { w.Steps[1].ID = "fetch" }},
		{"step without url", func(w *Workflow) { w.Steps[0].Config.URL = "" }},
		{"unsupported scheme", func(w *Workflow) { w.Steps[0].Config.URL = "amqp://broker/queue" }},
		{"loop without selector", func(w *Workflow) { w.Steps[0].ExecutionMode = ModeLoop }},
		{"negative loop cap", func(w *Workflow) {
			w.Steps[0].LoopSelector = "(sourceData) => sourceData.items"
			w.Steps[0].LoopMaxIters = -1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWorkflow()
			tt.mutate(w)
			assert.Error(t, w.Validate())
		})
	}
}

func TestRequestOptions_HealingScopes(t *testing.T) {
	var nilOpts *RequestOptions
	assert.True(t, nilOpts.HealingRequests())
	assert.True(t, nilOpts.HealingTransforms())

	disabled := &RequestOptions{SelfHealing: HealingDisabled}
	assert.False(t, disabled.HealingRequests())
	assert.False(t, disabled.HealingTransforms())

	reqOnly := &RequestOptions{SelfHealing: HealingRequestOnly}
	assert.True(t, reqOnly.HealingRequests())
	assert.False(t, reqOnly.HealingTransforms())

	transformOnly := &RequestOptions{SelfHealing: HealingTransformOnly}
	assert.False(t, transformOnly.HealingRequests())
	assert.True(t, transformOnly.HealingTransforms())
}

func TestRun_Complete(t *testing.T) {
	run := &Run{ID: "r1", Status: RunRunning}
	run.Metadata.StartedAt = run.Metadata.StartedAt.Add(0)

	run.Complete(RunSuccess)

	assert.Equal(t, RunSuccess, run.Status)
	require.NotNil(t, run.Metadata.CompletedAt)
}
