// Package sqlexec executes postgres steps: the step URL is the connection
// string and the body carries the query and its parameters.
package sqlexec

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

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

// queryBody is the expected step body shape.
type queryBody struct {
	Query  string        `json:"query"`
	Params []interface{} `json:"params,omitempty"`
}

// Executor runs SQL steps against pooled postgres connections.
type Executor struct {
	pools     *PoolManager
	evaluator *expression.Evaluator
	logger    logging.Logger
	retryWait time.Duration
}

// New creates the SQL executor.
func New(pools *PoolManager, evaluator *expression.Evaluator, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Executor{pools: pools, evaluator: evaluator, logger: logger, retryWait: defaultRetryWait}
}

// Protocol implements protocols.Executor.
func (e *Executor) Protocol() models.Protocol {
	return models.ProtocolPostgres
}

// Execute resolves templates, runs the query, and returns the rows as a
// list of column-keyed maps. Fatal connection errors evict the pool so
// the next attempt reconnects.
func (e *Executor) Execute(ctx context.Context, input *protocols.ExecutionInput) (*protocols.ExecutionResult, error) {
	sourceData := templateScope(input)

	connString, err := e.evaluator.InterpolateString(ctx, input.Config.URL, sourceData)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("connection string template failed: %v", err))
	}

	body, err := e.resolveBody(ctx, input.Config.Body, sourceData)
	if err != nil {
		return nil, err
	}
	if body.Query == "" {
		return nil, errors.ConfigError("sql step body must contain a query")
	}

	attempts := input.Options.MaxRetries(defaultAttempts-1) + 1

	var result []map[string]interface{}
	var cfgErr error
	retryErr := utils.Retry(attempts, e.retryWait, func() error {
		pool, err := e.pools.Acquire(ctx, connString)
		if err != nil {
			if errors.IsType(err, errors.ErrTypeConfig) {
				// a bad connection string does not get better on retry
				cfgErr = err
				return nil
			}
			return err
		}

		rows, err := pool.Query(ctx, body.Query, body.Params...)
		if err != nil {
			if isFatal(err) {
				// evict so the next attempt reconnects
				e.pools.Evict(connString)
			}
			return err
		}
		defer rows.Close()

		result, err = rowsToMaps(rows)
		return err
	})
	if cfgErr != nil {
		return nil, cfgErr
	}
	if retryErr != nil {
		return nil, queryError(retryErr, body, input.Credentials)
	}

	e.logger.Debug("sql query complete",
		logging.String("database", masking.MaskURL(connString)),
		logging.Int("rows", len(result)))

	return &protocols.ExecutionResult{
		Data:   result,
		Config: input.Config,
	}, nil
}

// resolveBody interpolates the body template and decodes the query shape.
// Whole-body templates may yield the object directly; otherwise the result
// is parsed as JSON.
func (e *Executor) resolveBody(ctx context.Context, rawBody string, sourceData map[string]interface{}) (*queryBody, error) {
	if rawBody == "" {
		return nil, errors.ConfigError("sql step has no body")
	}

	resolved, err := e.evaluator.Interpolate(ctx, rawBody, sourceData)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("body template failed: %v", err))
	}

	var body queryBody
	switch v := resolved.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &body); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("sql step body is not valid JSON: %v", err))
		}
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("sql step body is not serializable: %v", err))
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("sql step body has the wrong shape: %v", err))
		}
	default:
		return nil, errors.ConfigError(fmt.Sprintf("sql step body resolved to %T, expected an object", resolved))
	}
	return &body, nil
}

// rowsToMaps materializes a result set as column-keyed maps.
func rowsToMaps(rows pgx.Rows) ([]map[string]interface{}, error) {
	fields := rows.FieldDescriptions()
	result := make([]map[string]interface{}, 0)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, field := range fields {
			if i < len(values) {
				row[field.Name] = values[i]
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// isFatal reports errors that poison the pool: auth failures, missing
// databases, and broken connections.
func isFatal(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "28", "3D", "57", "08":
				return true
			}
		}
		return false
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return pgconn.Timeout(err)
}

// queryError builds a typed error carrying the masked query for diagnosis.
func queryError(err error, body *queryBody, creds map[string]string) error {
	params, _ := json.Marshal(body.Params)
	msg := fmt.Sprintf("sql query failed: %v. Query: %s Params: %s",
		err,
		masking.Truncate(masking.MaskValues(body.Query, creds), 500),
		masking.Truncate(masking.MaskValues(string(params), creds), 200))
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
