package models

import "time"

// RunStatus tracks a workflow run's lifecycle.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunAborted RunStatus = "aborted"
)

// StepResult is the outcome of executing one step, once or per loop.
// Results are appended to the run and never mutated afterwards.
type StepResult struct {
	StepID          string      `json:"stepId"`
	Success         bool        `json:"success"`
	RawData         interface{} `json:"rawData,omitempty"`
	TransformedData interface{} `json:"transformedData,omitempty"`

	// Config is the configuration that actually produced the result,
	// possibly replaced by self-healing
	Config *StepConfig `json:"config,omitempty"`

	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// RunMetadata carries run timing.
type RunMetadata struct {
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
}

// Run is the persisted record of one workflow invocation. It is terminal
// once CompletedAt is set.
type Run struct {
	ID         string      `json:"runId"`
	WorkflowID string      `json:"workflowId"`
	Status     RunStatus   `json:"status"`
	Metadata   RunMetadata `json:"metadata"`

	Payload map[string]interface{} `json:"payload,omitempty"`
	Options *RequestOptions        `json:"options,omitempty"`

	// ConfigSnapshot preserves the workflow as executed, including healed configs
	ConfigSnapshot *Workflow `json:"configSnapshot,omitempty"`

	Data        interface{}  `json:"data,omitempty"`
	StepResults []StepResult `json:"stepResults,omitempty"`
	Error       string       `json:"error,omitempty"`

	RequestSource string `json:"requestSource,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
}

// Complete marks the run terminal with the given status.
func (r *Run) Complete(status RunStatus) {
	now := time.Now()
	r.Status = status
	r.Metadata.CompletedAt = &now
	r.Metadata.DurationMs = now.Sub(r.Metadata.StartedAt).Milliseconds()
}
