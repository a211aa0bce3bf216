package projector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/maumercado/task-queue-go/internal/apperr"
)

// predicate reports whether a record passes one compiled filter.
type predicate func(r rawRecord) bool

// compileFilters builds the AND-combined predicate for a key->expr
// filter map, per spec.md §4.7's filter semantics table.
func compileFilters(filters map[string]string) (predicate, error) {
	if len(filters) == 0 {
		return func(rawRecord) bool { return true }, nil
	}

	preds := make([]predicate, 0, len(filters))
	for key, expr := range filters {
		p, err := compileFilter(key, expr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}

	return func(r rawRecord) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}, nil
}

var numericOps = []string{">=", "<=", ">", "<", "="}

// compileFilter builds the predicate for a single key/expr pair. key
// is absent from a record fails the predicate unconditionally, per
// spec.md §4.7.
func compileFilter(key, expr string) (predicate, error) {
	for _, op := range numericOps {
		if strings.HasPrefix(expr, op) {
			threshold, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(expr, op)), 64)
			if err != nil {
				return nil, apperr.New(apperr.InvalidArgument, "projector.compileFilter",
					fmt.Sprintf("filter %q: invalid numeric operand in %q", key, expr))
			}
			return func(r rawRecord) bool {
				v, ok := r[key]
				if !ok {
					return false
				}
				f, ok := v.(float64)
				if !ok {
					return false
				}
				return compareNumeric(op, f, threshold)
			}, nil
		}
	}

	if b, err := strconv.ParseBool(expr); err == nil {
		return func(r rawRecord) bool {
			v, ok := r[key]
			if !ok {
				return false
			}
			vb, ok := v.(bool)
			if !ok {
				return false
			}
			return vb == b
		}, nil
	}

	needle := strings.ToLower(expr)
	return func(r rawRecord) bool {
		v, ok := r[key]
		if !ok || v == nil {
			return false
		}
		switch val := v.(type) {
		case string:
			return strings.Contains(strings.ToLower(val), needle)
		case []string:
			for _, elem := range val {
				if strings.Contains(strings.ToLower(elem), needle) {
					return true
				}
			}
			return false
		default:
			return strings.Contains(strings.ToLower(fmt.Sprint(val)), needle)
		}
	}, nil
}

func compareNumeric(op string, v, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "=":
		return v == threshold
	default:
		return false
	}
}
