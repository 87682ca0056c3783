// Package controlflow turns the return payload of a script task into a routing decision.
package controlflow

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/dukex/taskflow/pkg/models"
)

const (
	keyResult  = "result"
	keyControl = "control"
	keyNext    = "next"
	keyReason  = "reason"
)

// ScriptReturn is the normalized {result, control} payload of a script task.
type ScriptReturn struct {
	Result any `json:"result"`
	// Control is nil when the payload carried no directive.
	Control map[string]any `json:"control,omitempty"`
}

// Control is a validated control directive.
type Control struct {
	// HasNext is false when the directive omits next entirely.
	HasNext bool
	Next    []int
	Reason  string
}

// Terminal reports whether the directive stops the branch.
func (c *Control) Terminal() bool {
	return c.HasNext && len(c.Next) == 0
}

// ParseScriptReturn normalizes raw script output. Objects carrying a result key are used
// as they are, other objects are wrapped, and strings are JSON-decoded first and wrapped
// verbatim when they are not JSON.
func ParseScriptReturn(raw any) (ScriptReturn, error) {
	if s, ok := raw.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return ScriptReturn{Result: s}, nil
		}

		raw = decoded
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return ScriptReturn{Result: raw}, nil
	}

	result, hasResult := obj[keyResult]
	if !hasResult {
		return ScriptReturn{Result: obj}, nil
	}

	ret := ScriptReturn{Result: result}

	switch control := obj[keyControl].(type) {
	case nil:
	case map[string]any:
		ret.Control = control
	default:
		return ScriptReturn{}, models.NewValidationError(keyControl, fmt.Sprintf("must be an object, got %T", control))
	}

	return ret, nil
}

// ValidateControlFlow checks a control directive: next must be null or an array of
// positive integers and reason must be a string.
func ValidateControlFlow(control map[string]any) (*Control, error) {
	parsed := &Control{}

	if rawReason, ok := control[keyReason]; ok && rawReason != nil {
		reason, ok := rawReason.(string)
		if !ok {
			return nil, models.NewValidationError("control.reason", "must be a string")
		}

		parsed.Reason = reason
	}

	rawNext, ok := control[keyNext]
	if !ok {
		return parsed, nil
	}

	parsed.HasNext = true

	if rawNext == nil {
		return parsed, nil
	}

	items, ok := asSlice(rawNext)
	if !ok {
		return nil, models.NewValidationError("control.next", "must be null or an array of task sequences")
	}

	next := make([]int, 0, len(items))

	for i, item := range items {
		seq, ok := asSequence(item)
		if !ok {
			return nil, models.NewValidationError("control.next", fmt.Sprintf("entry %d is not a task sequence: %v", i, item))
		}

		if !slices.Contains(next, seq) {
			next = append(next, seq)
		}
	}

	parsed.Next = next

	return parsed, nil
}

func asSlice(v any) ([]any, bool) {
	switch items := v.(type) {
	case []any:
		return items, true
	case []int:
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}

		return out, true
	default:
		return nil, false
	}
}

func asSequence(v any) (int, bool) {
	var seq int

	switch n := v.(type) {
	case int:
		seq = n
	case int64:
		seq = int(n)
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt32 {
			return 0, false
		}

		seq = int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}

		seq = int(i)
	default:
		return 0, false
	}

	return seq, seq > 0
}
