package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// allowedFunctions is the closed call whitelist of the expression language.
var allowedFunctions = map[string]func(input string, args []interface{}) (interface{}, error){
	"len":   fnLen,
	"str":   fnStr,
	"int":   fnInt,
	"float": fnFloat,
	"bool":  fnBool,
	"abs":   fnAbs,
	"min":   fnMin,
	"max":   fnMax,
}

// Eval parses and evaluates an expression against the provided variable map.
// Any disallowed construct, undefined identifier or runtime type error
// returns an api.UnsafeExpressionError.
func Eval(expression string, vars map[string]interface{}) (interface{}, error) {
	node, err := parse(expression)
	if err != nil {
		return nil, err
	}
	return evalNode(expression, node, vars)
}

// EvalBool evaluates an expression and coerces the result to a boolean using
// the evaluator's truthiness rules.
func EvalBool(expression string, vars map[string]interface{}) (bool, error) {
	result, err := Eval(expression, vars)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}

// Truthy applies the truthiness rules of the condition language: nil and
// empty values are false, zero numbers are false, everything else is true.
func Truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case []interface{}:
		return len(v) > 0
	case map[string]interface{}:
		return len(v) > 0
	default:
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() > 0
		}
		return true
	}
}

func evalNode(input string, node astNode, vars map[string]interface{}) (interface{}, error) {
	switch n := node.(type) {
	case literalNode:
		return n.value, nil

	case identNode:
		value, ok := vars[n.name]
		if !ok {
			return nil, unsafeErr(input, n.name, fmt.Sprintf("undefined identifier %q", n.name))
		}
		return value, nil

	case unaryNode:
		operand, err := evalNode(input, n.operand, vars)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "not":
			return !Truthy(operand), nil
		case "-":
			num, err := asNumber(input, operand)
			if err != nil {
				return nil, err
			}
			return -num, nil
		case "+":
			return asNumber(input, operand)
		}
		return nil, unsafeErr(input, n.op, fmt.Sprintf("unknown unary operator %q", n.op))

	case binaryNode:
		return evalBinary(input, n, vars)

	case comparisonNode:
		return evalComparison(input, n, vars)

	case boolOpNode:
		// Short circuit: the value of and/or is the boolean outcome, matching
		// the condition language contract.
		if n.op == "and" {
			for _, operand := range n.operands {
				value, err := evalNode(input, operand, vars)
				if err != nil {
					return nil, err
				}
				if !Truthy(value) {
					return false, nil
				}
			}
			return true, nil
		}
		for _, operand := range n.operands {
			value, err := evalNode(input, operand, vars)
			if err != nil {
				return nil, err
			}
			if Truthy(value) {
				return true, nil
			}
		}
		return false, nil

	case callNode:
		fn := allowedFunctions[n.fn]
		args := make([]interface{}, len(n.args))
		for i, argNode := range n.args {
			value, err := evalNode(input, argNode, vars)
			if err != nil {
				return nil, err
			}
			args[i] = value
		}
		return fn(input, args)
	}

	return nil, unsafeErr(input, fmt.Sprintf("%T", node), "unknown AST node")
}

func evalBinary(input string, n binaryNode, vars map[string]interface{}) (interface{}, error) {
	left, err := evalNode(input, n.left, vars)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(input, n.right, vars)
	if err != nil {
		return nil, err
	}

	// String concatenation is the one non-numeric arithmetic form.
	if n.op == "+" {
		ls, lok := left.(string)
		rs, rok := right.(string)
		if lok && rok {
			return ls + rs, nil
		}
		if lok != rok {
			return nil, unsafeErr(input, "+", fmt.Sprintf("cannot add %T and %T", left, right))
		}
	}

	lnum, err := asNumber(input, left)
	if err != nil {
		return nil, err
	}
	rnum, err := asNumber(input, right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		return lnum + rnum, nil
	case "-":
		return lnum - rnum, nil
	case "*":
		return lnum * rnum, nil
	case "/":
		if rnum == 0 {
			return nil, unsafeErr(input, "/", "division by zero")
		}
		return lnum / rnum, nil
	case "%":
		if rnum == 0 {
			return nil, unsafeErr(input, "%", "modulo by zero")
		}
		return math.Mod(lnum, rnum), nil
	case "**":
		return math.Pow(lnum, rnum), nil
	}
	return nil, unsafeErr(input, n.op, fmt.Sprintf("unknown operator %q", n.op))
}

// evalComparison walks a chain left-to-right, short-circuiting on the first
// failing link.
func evalComparison(input string, n comparisonNode, vars map[string]interface{}) (interface{}, error) {
	left, err := evalNode(input, n.operands[0], vars)
	if err != nil {
		return nil, err
	}

	for i, op := range n.ops {
		right, err := evalNode(input, n.operands[i+1], vars)
		if err != nil {
			return nil, err
		}

		ok, err := compare(input, op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func compare(input, op string, left, right interface{}) (bool, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "in":
		return membership(input, left, right)
	case "not in":
		ok, err := membership(input, left, right)
		return !ok, err
	}

	// Ordering comparisons: numbers or strings.
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}

	lnum, err := asNumber(input, left)
	if err != nil {
		return false, err
	}
	rnum, err := asNumber(input, right)
	if err != nil {
		return false, err
	}
	switch op {
	case "<":
		return lnum < rnum, nil
	case "<=":
		return lnum <= rnum, nil
	case ">":
		return lnum > rnum, nil
	case ">=":
		return lnum >= rnum, nil
	}
	return false, unsafeErr(input, op, fmt.Sprintf("unknown comparison %q", op))
}

// looseEqual compares with numeric coercion so that 2 == 2.0 regardless of
// how the value arrived in the context.
func looseEqual(left, right interface{}) bool {
	if lnum, lok := toNumber(left); lok {
		if rnum, rok := toNumber(right); rok {
			return lnum == rnum
		}
	}
	return reflect.DeepEqual(left, right)
}

// membership implements the in operator over strings, sequences and maps.
func membership(input string, needle, haystack interface{}) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, unsafeErr(input, "in", fmt.Sprintf("cannot test %T membership in string", needle))
		}
		return strings.Contains(h, s), nil
	case []interface{}:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		key, ok := needle.(string)
		if !ok {
			return false, unsafeErr(input, "in", fmt.Sprintf("cannot test %T membership in map", needle))
		}
		_, exists := h[key]
		return exists, nil
	default:
		return false, unsafeErr(input, "in", fmt.Sprintf("cannot test membership in %T", haystack))
	}
}

func toNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func asNumber(input string, value interface{}) (float64, error) {
	if num, ok := toNumber(value); ok {
		return num, nil
	}
	return 0, unsafeErr(input, fmt.Sprintf("%v", value), fmt.Sprintf("expected a number, got %T", value))
}

// formatNumber renders integral floats without a decimal point, matching how
// values round-trip through JSON documents.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func fnLen(input string, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, unsafeErr(input, "len()", "len takes exactly one argument")
	}
	switch v := args[0].(type) {
	case string:
		return float64(len(v)), nil
	case []interface{}:
		return float64(len(v)), nil
	case map[string]interface{}:
		return float64(len(v)), nil
	default:
		rv := reflect.ValueOf(args[0])
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
			return float64(rv.Len()), nil
		}
		return nil, unsafeErr(input, "len()", fmt.Sprintf("len of %T is not defined", args[0]))
	}
}

func fnStr(input string, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, unsafeErr(input, "str()", "str takes exactly one argument")
	}
	switch v := args[0].(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return formatNumber(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func fnInt(input string, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, unsafeErr(input, "int()", "int takes exactly one argument")
	}
	switch v := args[0].(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, unsafeErr(input, "int()", fmt.Sprintf("cannot convert %q to int", v))
		}
		return math.Trunc(parsed), nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		num, err := asNumber(input, args[0])
		if err != nil {
			return nil, err
		}
		return math.Trunc(num), nil
	}
}

func fnFloat(input string, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, unsafeErr(input, "float()", "float takes exactly one argument")
	}
	if s, ok := args[0].(string); ok {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, unsafeErr(input, "float()", fmt.Sprintf("cannot convert %q to float", s))
		}
		return parsed, nil
	}
	return asNumber(input, args[0])
}

func fnBool(input string, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, unsafeErr(input, "bool()", "bool takes exactly one argument")
	}
	return Truthy(args[0]), nil
}

func fnAbs(input string, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, unsafeErr(input, "abs()", "abs takes exactly one argument")
	}
	num, err := asNumber(input, args[0])
	if err != nil {
		return nil, err
	}
	return math.Abs(num), nil
}

func fnMin(input string, args []interface{}) (interface{}, error) {
	return fnMinMax(input, "min", args)
}

func fnMax(input string, args []interface{}) (interface{}, error) {
	return fnMinMax(input, "max", args)
}

func fnMinMax(input, name string, args []interface{}) (interface{}, error) {
	// min/max accept either a single sequence or two-plus scalars.
	values := args
	if len(args) == 1 {
		seq, ok := args[0].([]interface{})
		if !ok {
			return nil, unsafeErr(input, name+"()", name+" of a single non-sequence value")
		}
		values = seq
	}
	if len(values) == 0 {
		return nil, unsafeErr(input, name+"()", name+" of an empty sequence")
	}

	best, err := asNumber(input, values[0])
	if err != nil {
		return nil, err
	}
	for _, raw := range values[1:] {
		num, err := asNumber(input, raw)
		if err != nil {
			return nil, err
		}
		if (name == "min" && num < best) || (name == "max" && num > best) {
			best = num
		}
	}
	return best, nil
}
