package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"stepflow/internal/common/masking"
)

// diagnosticBudget caps the length of any classifier message.
const diagnosticBudget = 1000

// errorIndicatorKeys are body fields whose non-empty presence marks a
// deceptive success.
var errorIndicatorKeys = []string{
	"error", "errors", "error_message", "errorMessage",
	"failure", "failures", "fault", "exception",
}

// Verdict is the classifier outcome for one response.
type Verdict struct {
	ShouldFail bool
	Message    string
}

// ClassifySuccess inspects a 2xx response for deceptive success: HTML error
// pages, embedded 4xx/5xx status fields, or populated error-indicator keys.
// Pure function; safe on any response.
func ClassifySuccess(resp *Response) Verdict {
	if resp == nil {
		return Verdict{}
	}

	if isHTMLBody(resp) {
		return failVerdict(fmt.Sprintf(
			"received HTML instead of a structured payload (status %d), likely an error page: %s",
			resp.StatusCode, snippet(resp.RawBody)))
	}

	body := resp.Body
	if arr, ok := body.([]interface{}); ok && len(arr) > 0 {
		body = arr[0]
	}

	obj, ok := body.(map[string]interface{})
	if !ok {
		return Verdict{}
	}

	if code, found := embeddedErrorCode(obj); found {
		return failVerdict(fmt.Sprintf(
			"response body carries error code %d despite status %d: %s",
			code, resp.StatusCode, snippet(resp.RawBody)))
	}

	if key, value, found := findErrorIndicator(obj, 2); found {
		return failVerdict(fmt.Sprintf(
			"response body contains error indicator %q despite status %d: %v",
			key, resp.StatusCode, masking.MaskString(fmt.Sprintf("%v", value))))
	}

	return Verdict{}
}

// ClassifyRateLimit builds the diagnostic for a 429 that exhausted its wait
// budget, including whether the server offered a Retry-After.
func ClassifyRateLimit(resp *Response, req *Request) Verdict {
	retryAfter, hasRetryAfter := resp.Headers["Retry-After"]

	var hint string
	if hasRetryAfter {
		hint = fmt.Sprintf("server sent Retry-After %q", retryAfter)
	} else {
		hint = "server sent no Retry-After header"
	}

	return failVerdict(fmt.Sprintf(
		"rate limited (429) after %d rate-limit retries, %s; request: %s",
		resp.RateLimitRetries, hint, describeRequest(req)))
}

// ClassifyErrorStatus builds the diagnostic for a non-2xx, non-429 status.
// Auth failures get header context, other 4xx get the full request shape,
// and everything else gets retry history plus the response body.
func ClassifyErrorStatus(resp *Response, req *Request) Verdict {
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return failVerdict(fmt.Sprintf(
			"authentication failed (status %d) after %d retries; request headers: %v; response: %s",
			resp.StatusCode, resp.Retries,
			masking.MaskStringMap(req.Headers), snippet(resp.RawBody)))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return failVerdict(fmt.Sprintf(
			"client error (status %d); request: %s; query: %v; body: %s; response: %s",
			resp.StatusCode, describeRequest(req),
			masking.MaskStringMap(req.QueryParams),
			masking.MaskString(bodyPreview(req.Body)), snippet(resp.RawBody)))

	default:
		return failVerdict(fmt.Sprintf(
			"request failed with status %d after %d retries: %s",
			resp.StatusCode, resp.Retries, snippet(resp.RawBody)))
	}
}

// Classify runs the applicable classifier for a completed response.
func Classify(resp *Response, req *Request) Verdict {
	switch {
	case resp.StatusCode == 429:
		return ClassifyRateLimit(resp, req)
	case resp.IsSuccess():
		return ClassifySuccess(resp)
	default:
		return ClassifyErrorStatus(resp, req)
	}
}

func failVerdict(msg string) Verdict {
	return Verdict{
		ShouldFail: true,
		Message:    masking.Truncate(masking.MaskString(msg), diagnosticBudget),
	}
}

// isHTMLBody checks content type and body shape for an HTML error page.
func isHTMLBody(resp *Response) bool {
	if ct, ok := resp.Headers["Content-Type"]; ok && strings.Contains(strings.ToLower(ct), "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(string(resp.RawBody))
	lower := strings.ToLower(trimmed)
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}

// embeddedErrorCode looks for a numeric code/status field in the 400-599
// range at the top level of the body.
func embeddedErrorCode(obj map[string]interface{}) (int, bool) {
	for _, key := range []string{"code", "status", "statusCode", "status_code"} {
		value, ok := obj[key]
		if !ok {
			continue
		}
		code, ok := numericValue(value)
		if ok && code >= 400 && code <= 599 {
			return code, true
		}
	}
	return 0, false
}

func numericValue(value interface{}) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

// findErrorIndicator searches for a populated error-indicator key up to
// depth levels of nesting.
func findErrorIndicator(obj map[string]interface{}, depth int) (string, interface{}, bool) {
	for _, key := range errorIndicatorKeys {
		if value, ok := obj[key]; ok && indicatorPopulated(value) {
			return key, value, true
		}
	}
	if depth <= 1 {
		return "", nil, false
	}
	for parent, value := range obj {
		nested, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		if key, found, ok := findErrorIndicator(nested, depth-1); ok {
			return parent + "." + key, found, true
		}
	}
	return "", nil, false
}

// indicatorPopulated reports whether an error field actually carries
// content; empty strings, empty collections, null, and false do not.
func indicatorPopulated(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return strings.TrimSpace(v) != ""
	case []interface{}:
		return len(v) > 0
	case map[string]interface{}:
		return len(v) > 0
	default:
		return true
	}
}

// describeRequest gives a masked one-line summary of the request.
func describeRequest(req *Request) string {
	if req == nil {
		return "<nil>"
	}
	return masking.MaskString(fmt.Sprintf("%s %s", req.Method, req.URL))
}

func bodyPreview(body interface{}) string {
	switch v := body.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// snippet returns a masked, truncated view of a response body.
func snippet(raw []byte) string {
	return masking.Truncate(masking.MaskString(string(raw)), diagnosticBudget/2)
}
