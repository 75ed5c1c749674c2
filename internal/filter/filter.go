// internal/filter/filter.go

// Package filter parses and evaluates PostgREST-style row filters of the form
// "column=operator.value" (e.g. "assignee_id=eq.42").
package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Supported operators
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
	OpIn  = "in"
)

// ErrInvalidFilter is returned when a filter expression cannot be parsed.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is a single parsed column comparison.
type Filter struct {
	Column   string
	Operator string
	Value    string
}

// Parse parses "column=operator.value". An empty expression is an error;
// callers that allow "no filter" should check for "" first.
func Parse(expr string) (*Filter, error) {
	parts := strings.SplitN(expr, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("%w: %q: expected column=operator.value", ErrInvalidFilter, expr)
	}

	dotIdx := strings.Index(parts[1], ".")
	if dotIdx == -1 {
		return nil, fmt.Errorf("%w: %q: missing operator", ErrInvalidFilter, expr)
	}

	f := &Filter{
		Column:   strings.TrimSpace(parts[0]),
		Operator: parts[1][:dotIdx],
		Value:    parts[1][dotIdx+1:],
	}

	switch f.Operator {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
	case OpIn:
		if !strings.HasPrefix(f.Value, "(") || !strings.HasSuffix(f.Value, ")") {
			return nil, fmt.Errorf("%w: %q: in expects (a,b,c)", ErrInvalidFilter, expr)
		}
	default:
		return nil, fmt.Errorf("%w: %q: unknown operator %q", ErrInvalidFilter, expr, f.Operator)
	}

	return f, nil
}

// String renders the filter back to its wire form.
func (f *Filter) String() string {
	return f.Column + "=" + f.Operator + "." + f.Value
}

// Match evaluates the filter against row data. The new row is preferred and the
// old row is used for deletes, where there is no new row.
func (f *Filter) Match(newRow, oldRow map[string]any) bool {
	row := newRow
	if len(row) == 0 {
		row = oldRow
	}
	if row == nil {
		return false
	}

	rowValue, exists := row[f.Column]
	if !exists {
		return false
	}

	return evaluate(f.Operator, rowValue, f.Value)
}

func evaluate(operator string, rowValue any, filterValue string) bool {
	switch operator {
	case OpEq:
		return equal(rowValue, filterValue)
	case OpNeq:
		return !equal(rowValue, filterValue)
	case OpGt:
		c, ok := compareNumeric(rowValue, filterValue)
		return ok && c > 0
	case OpGte:
		c, ok := compareNumeric(rowValue, filterValue)
		return ok && c >= 0
	case OpLt:
		c, ok := compareNumeric(rowValue, filterValue)
		return ok && c < 0
	case OpLte:
		c, ok := compareNumeric(rowValue, filterValue)
		return ok && c <= 0
	case OpIn:
		return in(rowValue, filterValue)
	default:
		return false
	}
}

func equal(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		return err == nil && v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		return err == nil && v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		return err == nil && v == iv
	case bool:
		return strconv.FormatBool(v) == filterValue
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}

// compareNumeric returns -1, 0 or 1 and false when either side is not a number.
func compareNumeric(rowValue any, filterValue string) (int, bool) {
	var rowNum float64

	switch v := rowValue.(type) {
	case float64:
		rowNum = v
	case int64:
		rowNum = float64(v)
	case int:
		rowNum = float64(v)
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		rowNum = n
	default:
		return 0, false
	}

	filterNum, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		return 0, false
	}

	switch {
	case rowNum < filterNum:
		return -1, true
	case rowNum > filterNum:
		return 1, true
	}
	return 0, true
}

// in checks membership in "(val1,val2,val3)".
func in(rowValue any, filterValue string) bool {
	filterValue = strings.TrimPrefix(filterValue, "(")
	filterValue = strings.TrimSuffix(filterValue, ")")

	for _, v := range strings.Split(filterValue, ",") {
		if equal(rowValue, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
