package automation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dukex/taskflow/pkg/models"
)

// MatchAll reports whether every condition holds for fields. No conditions always match.
func MatchAll(conditions []models.Condition, fields map[string]any) bool {
	for _, c := range conditions {
		if !Match(c, fields) {
			return false
		}
	}

	return true
}

// Match evaluates one condition. A missing field never matches.
func Match(condition models.Condition, fields map[string]any) bool {
	actual, ok := lookup(fields, condition.Field)
	if !ok {
		return false
	}

	switch condition.Operator {
	case models.ConditionEquals:
		return equals(actual, condition.Value)
	case models.ConditionContains:
		return contains(actual, condition.Value)
	case models.ConditionGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(condition.Value)

		return aok && bok && a > b
	case models.ConditionLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(condition.Value)

		return aok && bok && a < b
	}

	return false
}

func equals(actual, expected any) bool {
	a, aok := toFloat(actual)
	b, bok := toFloat(expected)

	if aok && bok {
		return a == b
	}

	if reflect.DeepEqual(actual, expected) {
		return true
	}

	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

func contains(actual, expected any) bool {
	switch a := actual.(type) {
	case string:
		return strings.Contains(a, fmt.Sprint(expected))
	case []any:
		for _, item := range a {
			if equals(item, expected) {
				return true
			}
		}
	case []string:
		for _, item := range a {
			if item == fmt.Sprint(expected) {
				return true
			}
		}
	case map[string]any:
		_, ok := a[fmt.Sprint(expected)]

		return ok
	}

	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	}

	return 0, false
}
