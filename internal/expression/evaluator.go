// Package expression evaluates the JavaScript snippets embedded in step
// configurations: data selectors, loop selectors, output transforms, and
// <<...>> template placeholders.
package expression

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"stepflow/internal/common/errors"
)

// DefaultTimeout bounds a single expression evaluation.
const DefaultTimeout = 10 * time.Second

// Evaluator runs user-supplied JavaScript expressions against a source data
// object. Each evaluation gets a fresh sandboxed runtime, so an Evaluator is
// safe for concurrent use.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates an Evaluator. A non-positive timeout falls back to
// DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

// Evaluate runs an expression with sourceData bound and returns the exported
// result. The expression may be an arrow function "(sourceData) => expr",
// a full function, or a bare expression referencing sourceData directly.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, sourceData interface{}) (interface{}, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.ConfigError("expression is empty")
	}

	vm := goja.New()
	applySandbox(vm)

	if err := vm.Set("sourceData", sourceData); err != nil {
		return nil, errors.InternalError("failed to bind source data", err)
	}

	script := wrapExpression(expr)

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var jsResult goja.Value
	var execErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		jsResult, execErr = vm.RunString(script)
	}()

	select {
	case <-done:
		if execErr != nil {
			return nil, errors.ConfigError(fmt.Sprintf("expression failed: %v", execErr))
		}
	case <-execCtx.Done():
		vm.Interrupt("evaluation timeout")
		<-done
		return nil, errors.TimeoutError("expression evaluation")
	}

	if jsResult == nil || goja.IsUndefined(jsResult) || goja.IsNull(jsResult) {
		return nil, nil
	}
	return jsResult.Export(), nil
}

// wrapExpression normalizes the supported expression shapes into a script
// whose final statement yields the result.
func wrapExpression(expr string) string {
	if strings.HasPrefix(expr, "(") && strings.Contains(expr, "=>") ||
		strings.HasPrefix(expr, "function") ||
		strings.HasPrefix(expr, "async") {
		return fmt.Sprintf("(%s)(sourceData);", expr)
	}
	return fmt.Sprintf("(function(sourceData) { return (%s); })(sourceData);", expr)
}

// applySandbox disables runtime features that would let an expression
// escape its input.
func applySandbox(vm *goja.Runtime) {
	vm.Set("eval", goja.Undefined())
	vm.Set("Function", goja.Undefined())

	vm.Set("jsonParse", func(str string) interface{} {
		var result interface{}
		if err := json.Unmarshal([]byte(str), &result); err != nil {
			return nil
		}
		return result
	})
	vm.Set("jsonStringify", func(obj interface{}) string {
		bytes, err := json.Marshal(obj)
		if err != nil {
			return ""
		}
		return string(bytes)
	})
}
