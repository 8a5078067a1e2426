// Package httpexec executes HTTP and HTTPS steps: template resolution,
// the transport call, deceptive-success classification, and pagination.
package httpexec

import (
	"context"
	"fmt"
	"strconv"

	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/common/masking"
	"stepflow/internal/expression"
	"stepflow/internal/models"
	"stepflow/internal/protocols"
	"stepflow/internal/transport"
)

// maxPages is a hard safety cap for pagination loops whose stop condition
// never fires.
const maxPages = 500

// Executor runs HTTP steps through the shared transport client.
type Executor struct {
	client    *transport.Client
	evaluator *expression.Evaluator
	logger    logging.Logger
}

// New creates the HTTP executor.
func New(client *transport.Client, evaluator *expression.Evaluator, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Executor{client: client, evaluator: evaluator, logger: logger}
}

// Protocol implements protocols.Executor.
func (e *Executor) Protocol() models.Protocol {
	return models.ProtocolHTTP
}

// Execute resolves the step's templates, performs the call (paginated when
// configured), and classifies the outcome. Classifier failures surface as
// typed errors carrying the masked diagnostic and final status.
func (e *Executor) Execute(ctx context.Context, input *protocols.ExecutionInput) (*protocols.ExecutionResult, error) {
	if input.Config.Pagination != nil && input.Config.Pagination.Type != models.PaginationDisabled && input.Config.Pagination.Type != "" {
		return e.executePaginated(ctx, input)
	}

	sourceData := templateScope(input, nil)
	resp, req, err := e.callOnce(ctx, input, sourceData)
	if err != nil {
		return nil, err
	}

	if verdict := transport.Classify(resp, req); verdict.ShouldFail {
		return nil, classifierError(verdict, resp, input.Credentials)
	}

	return &protocols.ExecutionResult{
		Data:       resp.Body,
		Config:     input.Config,
		StatusCode: resp.StatusCode,
	}, nil
}

// executePaginated repeats the call, advancing offset/page/cursor variables
// until the stop condition fires, a page comes back empty, or the safety
// cap is reached. Array pages are concatenated.
func (e *Executor) executePaginated(ctx context.Context, input *protocols.ExecutionInput) (*protocols.ExecutionResult, error) {
	pagination := input.Config.Pagination

	pageSize := 50
	if pagination.PageSize != "" {
		if n, err := strconv.Atoi(pagination.PageSize); err == nil && n > 0 {
			pageSize = n
		}
	}

	var (
		collected  []interface{}
		lastResp   *transport.Response
		cursor     interface{}
		offset     int
		page       = 1
		totalItems int
	)

	for pageNum := 0; pageNum < maxPages; pageNum++ {
		pageVars := map[string]interface{}{
			"limit":  pageSize,
			"offset": offset,
			"page":   page,
		}
		if cursor != nil {
			pageVars["cursor"] = cursor
		}

		sourceData := templateScope(input, pageVars)
		resp, req, err := e.callOnce(ctx, input, sourceData)
		if err != nil {
			return nil, err
		}
		lastResp = resp

		if verdict := transport.Classify(resp, req); verdict.ShouldFail {
			return nil, classifierError(verdict, resp, input.Credentials)
		}

		items := pageItems(resp.Body)
		collected = append(collected, items...)
		totalItems += len(items)

		if len(items) == 0 {
			break
		}

		if pagination.StopCondition != "" {
			stop, err := e.evaluateStop(ctx, pagination.StopCondition, resp.Body, pageVars)
			if err != nil {
				return nil, err
			}
			if stop {
				break
			}
		} else if len(items) < pageSize {
			break
		}

		advanced := false
		switch pagination.Type {
		case models.PaginationOffsetBased:
			offset += pageSize
			advanced = true
		case models.PaginationPageBased:
			page++
			advanced = true
		case models.PaginationCursorBased:
			next := lookupPath(resp.Body, pagination.CursorPath)
			if next != nil && next != "" {
				cursor = next
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}

	statusCode := 0
	if lastResp != nil {
		statusCode = lastResp.StatusCode
	}

	e.logger.Debug("pagination complete",
		logging.String("url", masking.MaskURL(input.Config.URL)),
		logging.Int("items", totalItems))

	return &protocols.ExecutionResult{
		Data:       collected,
		Config:     input.Config,
		StatusCode: statusCode,
	}, nil
}

// callOnce resolves templates against sourceData and performs one transport
// call.
func (e *Executor) callOnce(ctx context.Context, input *protocols.ExecutionInput, sourceData map[string]interface{}) (*transport.Response, *transport.Request, error) {
	config := input.Config

	resolvedURL, err := e.evaluator.InterpolateString(ctx, config.URL, sourceData)
	if err != nil {
		return nil, nil, errors.ConfigError(fmt.Sprintf("url template failed: %v", err))
	}

	headers, err := e.evaluator.InterpolateStringMap(ctx, config.Headers, sourceData)
	if err != nil {
		return nil, nil, errors.ConfigError(fmt.Sprintf("header template failed: %v", err))
	}

	queryParams, err := e.evaluator.InterpolateStringMap(ctx, config.QueryParams, sourceData)
	if err != nil {
		return nil, nil, errors.ConfigError(fmt.Sprintf("query template failed: %v", err))
	}

	var body interface{}
	if config.Body != "" {
		body, err = e.evaluator.Interpolate(ctx, config.Body, sourceData)
		if err != nil {
			return nil, nil, errors.ConfigError(fmt.Sprintf("body template failed: %v", err))
		}
	}

	req := &transport.Request{
		Method:      config.Method,
		URL:         resolvedURL,
		Headers:     headers,
		QueryParams: queryParams,
		Body:        body,
	}

	resp, err := e.client.Do(ctx, req, input.Options)
	if err != nil {
		return nil, nil, err
	}
	return resp, req, nil
}

// evaluateStop runs the pagination stop condition
// "(response, pageInfo) => bool".
func (e *Executor) evaluateStop(ctx context.Context, condition string, response interface{}, pageVars map[string]interface{}) (bool, error) {
	scope := map[string]interface{}{
		"response": response,
		"pageInfo": pageVars,
	}
	result, err := e.evaluator.Evaluate(ctx,
		fmt.Sprintf("(sourceData) => (%s)(sourceData.response, sourceData.pageInfo)", condition), scope)
	if err != nil {
		return false, errors.ConfigError(fmt.Sprintf("pagination stop condition failed: %v", err))
	}
	stop, ok := result.(bool)
	if !ok {
		return false, errors.ConfigError("pagination stop condition did not return a boolean")
	}
	return stop, nil
}

// templateScope builds the sourceData object templates evaluate against:
// the payload, credentials, and any pagination variables.
func templateScope(input *protocols.ExecutionInput, pageVars map[string]interface{}) map[string]interface{} {
	scope := make(map[string]interface{}, len(input.Payload)+len(pageVars)+1)
	for key, value := range input.Payload {
		scope[key] = value
	}
	creds := make(map[string]interface{}, len(input.Credentials))
	for key, value := range input.Credentials {
		creds[key] = value
	}
	scope["credentials"] = creds
	for key, value := range pageVars {
		scope[key] = value
	}
	return scope
}

// pageItems extracts the items from one page payload. Arrays are used
// directly; objects contribute their first array-valued field; anything
// else becomes a single item.
func pageItems(body interface{}) []interface{} {
	switch v := body.(type) {
	case nil:
		return nil
	case []interface{}:
		return v
	case map[string]interface{}:
		for _, key := range []string{"data", "items", "results", "records"} {
			if arr, ok := v[key].([]interface{}); ok {
				return arr
			}
		}
		return []interface{}{v}
	default:
		return []interface{}{v}
	}
}

// lookupPath resolves a dotted path like "meta.next_cursor" in a response.
func lookupPath(body interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	current := body
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			key := path[start:i]
			start = i + 1
			obj, ok := current.(map[string]interface{})
			if !ok {
				return nil
			}
			current = obj[key]
		}
	}
	return current
}

// classifierError converts a failing verdict into a typed call failure with
// credential values scrubbed.
func classifierError(verdict transport.Verdict, resp *transport.Response, creds map[string]string) error {
	msg := masking.MaskValues(verdict.Message, creds)
	return errors.CallFailureError(msg, resp.StatusCode, resp.Retries, nil)
}
