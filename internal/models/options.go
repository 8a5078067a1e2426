package models

import "time"

// SelfHealingScope controls which parts of execution may be regenerated.
type SelfHealingScope string

const (
	// HealingEnabled turns on regeneration for requests and transforms.
	HealingEnabled SelfHealingScope = "ENABLED"
	// HealingDisabled turns regeneration off entirely.
	HealingDisabled SelfHealingScope = "DISABLED"
	// HealingRequestOnly limits regeneration to step configs and loop selectors.
	HealingRequestOnly SelfHealingScope = "REQUEST_ONLY"
	// HealingTransformOnly limits regeneration to the final output transform.
	HealingTransformOnly SelfHealingScope = "TRANSFORM_ONLY"
)

// RequestOptions is the per-call execution policy supplied by the caller.
// It is read-only during execution.
type RequestOptions struct {
	// Retries caps transient retry attempts at the transport
	Retries int `json:"retries,omitempty"`
	// RetryDelayMs is the base delay for thrown-error retries, scaled linearly per attempt
	RetryDelayMs int `json:"retryDelayMs,omitempty"`
	// TimeoutMs bounds a single request
	TimeoutMs int `json:"timeoutMs,omitempty"`

	SelfHealing SelfHealingScope `json:"selfHealing,omitempty"`

	// TestMode forces semantic evaluation of every successful response
	TestMode bool `json:"testMode,omitempty"`

	// WebhookURL, when set, receives the completed run
	WebhookURL string `json:"webhookUrl,omitempty"`

	TraceID string `json:"traceId,omitempty"`

	// RequestSource labels where the run was initiated from, e.g. "api"
	RequestSource string `json:"requestSource,omitempty"`
}

// HealingRequests reports whether step configs and loop selectors may be
// regenerated under these options.
func (o *RequestOptions) HealingRequests() bool {
	if o == nil {
		return true
	}
	switch o.SelfHealing {
	case HealingDisabled, HealingTransformOnly:
		return false
	default:
		return true
	}
}

// HealingTransforms reports whether the final transform may be regenerated.
func (o *RequestOptions) HealingTransforms() bool {
	if o == nil {
		return true
	}
	switch o.SelfHealing {
	case HealingDisabled, HealingRequestOnly:
		return false
	default:
		return true
	}
}

// Timeout returns the configured per-request timeout or def.
func (o *RequestOptions) Timeout(def time.Duration) time.Duration {
	if o == nil || o.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the configured base retry delay or def.
func (o *RequestOptions) RetryDelay(def time.Duration) time.Duration {
	if o == nil || o.RetryDelayMs <= 0 {
		return def
	}
	return time.Duration(o.RetryDelayMs) * time.Millisecond
}

// MaxRetries returns the configured transient retry cap or def.
func (o *RequestOptions) MaxRetries(def int) int {
	if o == nil || o.Retries <= 0 {
		return def
	}
	return o.Retries
}
