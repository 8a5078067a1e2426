package expression

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// templateRe matches <<...>> placeholders. The inner expression may span
// lines and contain any character except the closing marker.
var templateRe = regexp.MustCompile(`(?s)<<(.+?)>>`)

// HasTemplate reports whether s contains at least one <<...>> placeholder.
func HasTemplate(s string) bool {
	return templateRe.MatchString(s)
}

// Interpolate replaces every <<expr>> placeholder in s with the result of
// evaluating expr against sourceData. If s consists of exactly one
// placeholder the raw evaluated value is returned, preserving non-string
// types for request bodies. Otherwise results are stringified in place.
func (e *Evaluator) Interpolate(ctx context.Context, s string, sourceData interface{}) (interface{}, error) {
	matches := templateRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the value's type
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return e.Evaluate(ctx, s[matches[0][2]:matches[0][3]], sourceData)
	}

	var out strings.Builder
	last := 0
	for _, m := range matches {
		out.WriteString(s[last:m[0]])
		value, err := e.Evaluate(ctx, s[m[2]:m[3]], sourceData)
		if err != nil {
			return nil, err
		}
		out.WriteString(stringify(value))
		last = m[1]
	}
	out.WriteString(s[last:])
	return out.String(), nil
}

// InterpolateString is Interpolate for contexts that need a string result,
// such as URLs and header values.
func (e *Evaluator) InterpolateString(ctx context.Context, s string, sourceData interface{}) (string, error) {
	value, err := e.Interpolate(ctx, s, sourceData)
	if err != nil {
		return "", err
	}
	return stringify(value), nil
}

// InterpolateStringMap applies InterpolateString to every value in m.
func (e *Evaluator) InterpolateStringMap(ctx context.Context, m map[string]string, sourceData interface{}) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for key, value := range m {
		resolved, err := e.InterpolateString(ctx, value, sourceData)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", v)
	default:
		bytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes)
	}
}
