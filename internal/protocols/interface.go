// Package protocols defines the executor contract shared by the HTTP, SQL,
// and file-transfer step executors, plus a registry for dispatching a step
// to the executor matching its URL scheme.
package protocols

import (
	"context"

	"stepflow/internal/models"
)

// ExecutionInput carries everything an executor needs for one step call.
type ExecutionInput struct {
	Config models.StepConfig

	// Payload is the current input data, exposed to templates as sourceData
	Payload map[string]interface{}

	// Credentials are the integration-scoped secrets for this step,
	// exposed to templates as sourceData.credentials
	Credentials map[string]string

	Options *models.RequestOptions
}

// ExecutionResult is what a successful executor call produces.
type ExecutionResult struct {
	// Data is the parsed response payload
	Data interface{}

	// Config is the configuration that actually ran, with templates still
	// intact, so self-healing can persist a working config
	Config models.StepConfig

	// StatusCode is the final HTTP status, or 0 for non-HTTP protocols
	StatusCode int
}

// Executor runs one protocol's step calls.
type Executor interface {
	Protocol() models.Protocol
	Execute(ctx context.Context, input *ExecutionInput) (*ExecutionResult, error)
}
