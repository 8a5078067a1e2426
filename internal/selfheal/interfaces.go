// Package selfheal drives the retry loop that repairs failing step
// configurations through external collaborators.
package selfheal

import (
	"context"

	"stepflow/internal/models"
)

// Message is one entry in the running conversation handed to the config
// generator: what failed and why, accumulated across attempts.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest carries everything the config generator needs to produce
// a repaired configuration. Credentials are masked before they get here.
type GenerateRequest struct {
	FailedConfig  models.StepConfig
	Payload       map[string]interface{}
	Credentials   map[string]string
	Attempt       int
	Messages      []Message
	Instruction   string
	Documentation string
}

// ConfigGenerator is the external collaborator that produces a new step
// configuration from a failed one.
type ConfigGenerator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*models.StepConfig, error)
}

// SelectorRequest asks for a repaired loop selector expression.
type SelectorRequest struct {
	FailedSelector string
	PayloadSample  map[string]interface{}
	Instruction    string
}

// SelectorGenerator regenerates a loop selector that failed to produce a
// collection.
type SelectorGenerator interface {
	GenerateSelector(ctx context.Context, req *SelectorRequest) (string, error)
}

// TransformRequest asks for a repaired final output transform.
type TransformRequest struct {
	FailedTransform string
	Aggregate       map[string]interface{}
	Instruction     string
	Error           string
}

// TransformGenerator regenerates the workflow's final output transform.
type TransformGenerator interface {
	GenerateTransform(ctx context.Context, req *TransformRequest) (string, error)
}

// Evaluation is the semantic verdict on a structurally-successful response.
type Evaluation struct {
	Success bool
	Reason  string
}

// ResponseEvaluator is the external collaborator that judges whether a
// response actually satisfies the step's instruction.
type ResponseEvaluator interface {
	Evaluate(ctx context.Context, data interface{}, config models.StepConfig, instruction string) (*Evaluation, error)
}

// Integration holds the credential and documentation scope for a step.
type Integration struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Credentials   map[string]string `json:"credentials,omitempty"`
	Documentation string            `json:"documentation,omitempty"`
}

// IntegrationStore resolves integrations and their documentation.
type IntegrationStore interface {
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	SearchDocumentation(ctx context.Context, integrationID, instruction string) (string, error)
}

// Telemetry receives terminal failures. Implementations must not block
// execution; callers treat every capture as fire-and-forget.
type Telemetry interface {
	CaptureException(err error, orgID string, context map[string]interface{})
}

// NoopTelemetry discards every capture.
type NoopTelemetry struct{}

func (NoopTelemetry) CaptureException(err error, orgID string, context map[string]interface{}) {}
