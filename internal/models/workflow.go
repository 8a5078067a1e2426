// Package models defines the workflow, step, and run types shared across
// the execution engine.
package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ExecutionMode selects how a step is driven.
type ExecutionMode string

const (
	// ModeDirect runs the step exactly once against the current payload.
	ModeDirect ExecutionMode = "DIRECT"
	// ModeLoop maps the step over a collection computed by the loop selector.
	ModeLoop ExecutionMode = "LOOP"
)

// FailureBehavior controls what a step failure does to the rest of the run.
type FailureBehavior string

const (
	// FailureFail aborts the workflow on step failure.
	FailureFail FailureBehavior = "fail"
	// FailureContinue records the failure and proceeds to the next step.
	FailureContinue FailureBehavior = "continue"
)

// Protocol identifies which executor handles a step, detected from the
// step URL scheme.
type Protocol string

const (
	ProtocolHTTP     Protocol = "http"
	ProtocolPostgres Protocol = "postgres"
	ProtocolFTP      Protocol = "ftp"
	ProtocolSFTP     Protocol = "sftp"
)

// PaginationType enumerates the supported HTTP pagination strategies.
type PaginationType string

const (
	PaginationDisabled    PaginationType = "disabled"
	PaginationOffsetBased PaginationType = "offsetBased"
	PaginationPageBased   PaginationType = "pageBased"
	PaginationCursorBased PaginationType = "cursorBased"
)

// Pagination configures multi-page fetching for HTTP steps.
type Pagination struct {
	Type PaginationType `json:"type"`
	// PageSize becomes available to templates as sourceData.limit
	PageSize string `json:"pageSize,omitempty"`
	// CursorPath is a dotted path to the next cursor in the response body
	CursorPath string `json:"cursorPath,omitempty"`
	// StopCondition is a JS predicate "(response, pageInfo) => bool"
	StopCondition string `json:"stopCondition,omitempty"`
}

// StepConfig is the declarative description of one call. Self-healing may
// replace a step's config wholesale; configs are never mutated in place.
type StepConfig struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Instruction string            `json:"instruction,omitempty"`
	Pagination  *Pagination       `json:"pagination,omitempty"`
}

// ExecutionStep is one node in a workflow.
type ExecutionStep struct {
	ID     string     `json:"id"`
	Config StepConfig `json:"config"`

	// IntegrationID names the credential/documentation scope for this step
	IntegrationID string `json:"integrationId,omitempty"`

	ExecutionMode ExecutionMode `json:"executionMode,omitempty"`
	LoopSelector  string        `json:"loopSelector,omitempty"`
	LoopMaxIters  int           `json:"loopMaxIters,omitempty"`

	// ResponseMapping is a legacy per-step transform applied to raw step output
	ResponseMapping string `json:"responseMapping,omitempty"`

	// Modify marks the step as eligible for self-healing regeneration
	Modify bool `json:"modify,omitempty"`

	FailureBehavior FailureBehavior `json:"failureBehavior,omitempty"`
}

// Workflow is an ordered sequence of steps plus a final output transform.
type Workflow struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name,omitempty"`
	Version         string                 `json:"version,omitempty"`
	Instruction     string                 `json:"instruction,omitempty"`
	Steps           []ExecutionStep        `json:"steps"`
	InputSchema     map[string]interface{} `json:"inputSchema,omitempty"`
	OutputSchema    map[string]interface{} `json:"outputSchema,omitempty"`
	OutputTransform string                 `json:"outputTransform,omitempty"`
	CreatedAt       time.Time              `json:"createdAt,omitempty"`
	UpdatedAt       time.Time              `json:"updatedAt,omitempty"`
}

// DetectProtocol maps a step URL scheme to its executor.
func DetectProtocol(rawURL string) (Protocol, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid step url: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return ProtocolHTTP, nil
	case "postgres", "postgresql":
		return ProtocolPostgres, nil
	case "ftp", "ftps":
		return ProtocolFTP, nil
	case "sftp":
		return ProtocolSFTP, nil
	default:
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
}

// Mode returns the effective execution mode, defaulting to direct unless a
// loop selector is present.
func (s *ExecutionStep) Mode() ExecutionMode {
	if s.ExecutionMode != "" {
		return s.ExecutionMode
	}
	if s.LoopSelector != "" {
		return ModeLoop
	}
	return ModeDirect
}

// OnFailure returns the effective failure behavior, defaulting to fail.
func (s *ExecutionStep) OnFailure() FailureBehavior {
	if s.FailureBehavior == FailureContinue {
		return FailureContinue
	}
	return FailureFail
}

// Validate checks structural requirements before execution.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.ID)
	}

	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if step.Config.URL == "" {
			return fmt.Errorf("step %s has no url", step.ID)
		}
		if _, err := DetectProtocol(step.Config.URL); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
		if step.Mode() == ModeLoop && step.LoopSelector == "" {
			return fmt.Errorf("step %s is a loop step but has no loop selector", step.ID)
		}
		if step.LoopMaxIters < 0 {
			return fmt.Errorf("step %s has negative loopMaxIters", step.ID)
		}
	}
	return nil
}
