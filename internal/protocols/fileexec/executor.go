// Package fileexec executes FTP, FTPS, and SFTP steps. The step URL names
// the server and base path; the body names the operation.
package fileexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/common/masking"
	"stepflow/internal/common/utils"
	"stepflow/internal/expression"
	"stepflow/internal/models"
	"stepflow/internal/protocols"
)

const (
	defaultAttempts  = 3
	defaultRetryWait = 2 * time.Second
)

// operation is the decoded step body.
type operation struct {
	Operation string      `json:"operation"`
	Path      string      `json:"path"`
	Content   interface{} `json:"content,omitempty"`
	NewPath   string      `json:"newPath,omitempty"`
}

// Executor runs file server steps.
type Executor struct {
	protocol  models.Protocol
	evaluator *expression.Evaluator
	logger    logging.Logger
	retryWait time.Duration

	// dial is swapped out in tests
	dial func(ep *endpoint) (remoteFS, error)
}

// New creates a file executor registered under the given protocol. The FTP
// and SFTP registry slots share this implementation; the URL scheme picks
// the backend at dial time.
func New(protocol models.Protocol, evaluator *expression.Evaluator, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Executor{
		protocol:  protocol,
		evaluator: evaluator,
		logger:    logger,
		retryWait: defaultRetryWait,
		dial:      dialRemote,
	}
}

// Protocol implements protocols.Executor.
func (e *Executor) Protocol() models.Protocol {
	return e.protocol
}

// Execute resolves templates, connects, and performs the requested
// operation, retrying transient failures with a fixed delay.
func (e *Executor) Execute(ctx context.Context, input *protocols.ExecutionInput) (*protocols.ExecutionResult, error) {
	sourceData := templateScope(input)

	rawURL, err := e.evaluator.InterpolateString(ctx, input.Config.URL, sourceData)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("file server url template failed: %v", err))
	}

	op, err := e.resolveOperation(ctx, input.Config.Body, sourceData)
	if err != nil {
		return nil, err
	}

	ep, err := parseEndpoint(rawURL, input.Credentials)
	if err != nil {
		return nil, err
	}

	attempts := input.Options.MaxRetries(defaultAttempts-1) + 1

	var data interface{}
	var cfgErr error
	retryErr := utils.Retry(attempts, e.retryWait, func() error {
		fs, err := e.dial(ep)
		if err != nil {
			return err
		}
		defer fs.Close()

		data, err = e.run(fs, ep, op)
		if err != nil && (errors.IsType(err, errors.ErrTypeConfig) || errors.IsType(err, errors.ErrTypeNotFound)) {
			// malformed operations and missing files do not get better on retry
			cfgErr = err
			return nil
		}
		return err
	})
	if cfgErr != nil {
		return nil, cfgErr
	}
	if retryErr != nil {
		return nil, opError(ep, op, retryErr, input.Credentials)
	}

	e.logger.Debug("file operation complete",
		logging.String("operation", op.Operation),
		logging.String("server", masking.MaskURL(rawURL)))

	return &protocols.ExecutionResult{
		Data:   data,
		Config: input.Config,
	}, nil
}

// run dispatches the decoded operation against an open connection.
func (e *Executor) run(fs remoteFS, ep *endpoint, op *operation) (interface{}, error) {
	target := ep.resolve(op.Path)

	switch strings.ToLower(op.Operation) {
	case "list":
		entries, err := fs.List(target)
		if err != nil {
			return nil, err
		}
		return entries, nil

	case "get":
		raw, err := fs.Get(target)
		if err != nil {
			return nil, err
		}
		return decodeContent(raw), nil

	case "put":
		content, err := encodeContent(op.Content)
		if err != nil {
			return nil, err
		}
		if err := fs.Put(target, content); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "path": target, "bytes": len(content)}, nil

	case "delete":
		if err := fs.Delete(target); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "path": target}, nil

	case "rename":
		if op.NewPath == "" {
			return nil, errors.ConfigError("rename operation requires newPath")
		}
		dest := ep.resolve(op.NewPath)
		if err := fs.Rename(target, dest); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "path": dest}, nil

	case "mkdir":
		if err := fs.Mkdir(target); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "path": target}, nil

	case "rmdir":
		if err := fs.Rmdir(target); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "path": target}, nil

	case "exists":
		entry, err := fs.Stat(target)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"exists": entry != nil, "path": target}, nil

	case "stat":
		entry, err := fs.Stat(target)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, errors.NotFoundError("file " + target)
		}
		return entry, nil

	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported file operation %q", op.Operation))
	}
}

// resolveOperation interpolates and decodes the step body.
func (e *Executor) resolveOperation(ctx context.Context, rawBody string, sourceData map[string]interface{}) (*operation, error) {
	if rawBody == "" {
		return nil, errors.ConfigError("file step has no body")
	}

	resolved, err := e.evaluator.Interpolate(ctx, rawBody, sourceData)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("body template failed: %v", err))
	}

	var op operation
	switch v := resolved.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &op); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("file step body is not valid JSON: %v", err))
		}
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("file step body is not serializable: %v", err))
		}
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("file step body has the wrong shape: %v", err))
		}
	default:
		return nil, errors.ConfigError(fmt.Sprintf("file step body resolved to %T, expected an object", resolved))
	}

	if op.Operation == "" {
		return nil, errors.ConfigError("file step body must contain an operation")
	}
	return &op, nil
}

// decodeContent parses fetched bytes as JSON when possible, else returns
// them as text.
func decodeContent(raw []byte) interface{} {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return string(raw)
}

// encodeContent serializes upload content: strings as-is, everything else
// as JSON.
func encodeContent(content interface{}) ([]byte, error) {
	switch v := content.(type) {
	case nil:
		return nil, errors.ConfigError("put operation requires content")
	case string:
		return []byte(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("put content is not serializable: %v", err))
		}
		return raw, nil
	}
}

// opError wraps a failed operation with its context, credentials scrubbed.
func opError(ep *endpoint, op *operation, err error, creds map[string]string) error {
	msg := fmt.Sprintf("%s %s failed on %s: %v",
		ep.scheme, op.Operation, ep.addr(),
		masking.MaskValues(err.Error(), creds))
	return errors.ConnectionError(msg, err)
}

func templateScope(input *protocols.ExecutionInput) map[string]interface{} {
	scope := make(map[string]interface{}, len(input.Payload)+1)
	for key, value := range input.Payload {
		scope[key] = value
	}
	creds := make(map[string]interface{}, len(input.Credentials))
	for key, value := range input.Credentials {
		creds[key] = value
	}
	scope["credentials"] = creds
	return scope
}
