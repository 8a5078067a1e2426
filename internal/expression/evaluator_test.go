package expression

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/internal/common/errors"
)

func TestEvaluate_ArrowFunction(t *testing.T) {
	e := NewEvaluator(0)
	data := map[string]interface{}{"items": []interface{}{1.0, 2.0, 3.0}}

	result, err := e.Evaluate(context.Background(), "(sourceData) => sourceData.items.length", data)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result)
}

func TestEvaluate_BareExpression(t *testing.T) {
	e := NewEvaluator(0)
	data := map[string]interface{}{"user": map[string]interface{}{"id": "u-1"}}

	result, err := e.Evaluate(context.Background(), "sourceData.user.id", data)
	require.NoError(t, err)
	assert.Equal(t, "u-1", result)
}

func TestEvaluate_ArrayResult(t *testing.T) {
	e := NewEvaluator(0)
	data := map[string]interface{}{
		"orders": []interface{}{
			map[string]interface{}{"id": "a", "open": true},
			map[string]interface{}{"id": "b", "open": false},
		},
	}

	result, err := e.Evaluate(context.Background(), "(sourceData) => sourceData.orders.filter(o => o.open)", data)
	require.NoError(t, err)

	arr, ok := result.([]interface{})
	require.True(t, ok)
	require.Len(t, arr, 1)
	assert.Equal(t, "a", arr[0].(map[string]interface{})["id"])
}

func TestEvaluate_SyntaxError(t *testing.T) {
	e := NewEvaluator(0)

	_, err := e.Evaluate(context.Background(), "(sourceData) => {{", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestEvaluate_Empty(t *testing.T) {
	e := NewEvaluator(0)

	_, err := e.Evaluate(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestEvaluate_Timeout(t *testing.T) {
	e := NewEvaluator(50 * time.Millisecond)

	_, err := e.Evaluate(context.Background(), "(sourceData) => { while (true) {} }", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeTimeout))
}

func TestEvaluate_SandboxBlocksEval(t *testing.T) {
	e := NewEvaluator(0)

	_, err := e.Evaluate(context.Background(), `(sourceData) => eval("1+1")`, nil)
	assert.Error(t, err)
}

func TestEvaluate_NullResult(t *testing.T) {
	e := NewEvaluator(0)

	result, err := e.Evaluate(context.Background(), "(sourceData) => null", nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}
