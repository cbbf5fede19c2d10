package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Eval evaluates a small boolean expression against an event data payload.
// This is deliberately not a general expression language: conditions and
// response filters in transformer rules only ever need path comparisons and
// existence checks, and keeping the grammar tiny keeps rule evaluation
// decidable and cheap.
//
// Grammar (informal):
//
//	expr     := orTerm ("||" orTerm)*
//	orTerm   := andTerm ("&&" andTerm)*
//	andTerm  := "!" andTerm | comparison | "exists(" path ")" | path
//	comparison := operand op operand   op ∈ {==, !=, >=, <=, >, <}
//
// Operands are single- or double-quoted string literals, numbers, true,
// false, null, or dotted paths resolved against the merged data+vars
// context. A bare path is truthy when it exists and is neither false, 0,
// null nor "".
func Eval(expr string, data map[string]any, vars map[string]any) (bool, error) {
	doc := mergeContext(data, vars)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, orTerm := range splitTop(expr, "||") {
		all := true
		for _, andTerm := range splitTop(orTerm, "&&") {
			ok, err := evalTerm(strings.TrimSpace(andTerm), doc)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func evalTerm(term string, doc string) (bool, error) {
	if term == "" {
		return false, fmt.Errorf("empty expression term")
	}
	if strings.HasPrefix(term, "!") && !strings.Contains(term, "=") {
		ok, err := evalTerm(strings.TrimSpace(term[1:]), doc)
		return !ok, err
	}
	if strings.HasPrefix(term, "exists(") && strings.HasSuffix(term, ")") {
		path := strings.TrimSpace(term[len("exists(") : len(term)-1])
		return gjson.Get(doc, path).Exists(), nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		i := strings.Index(term, op)
		if i < 0 {
			continue
		}
		left, err := operand(strings.TrimSpace(term[:i]), doc)
		if err != nil {
			return false, err
		}
		right, err := operand(strings.TrimSpace(term[i+len(op):]), doc)
		if err != nil {
			return false, err
		}
		return compare(left, right, op)
	}

	// Bare path truthiness.
	res := gjson.Get(doc, term)
	if !res.Exists() {
		return false, nil
	}
	switch res.Type {
	case gjson.False, gjson.Null:
		return false, nil
	case gjson.Number:
		return res.Float() != 0, nil
	case gjson.String:
		return res.Str != "", nil
	default:
		return true, nil
	}
}

type value struct {
	str    string
	num    float64
	isNum  bool
	isNull bool
}

func operand(tok string, doc string) (value, error) {
	if tok == "" {
		return value{}, fmt.Errorf("empty operand")
	}
	if len(tok) >= 2 && (tok[0] == '\'' || tok[0] == '"') && tok[len(tok)-1] == tok[0] {
		return value{str: tok[1 : len(tok)-1]}, nil
	}
	switch tok {
	case "true":
		return value{str: "true"}, nil
	case "false":
		return value{str: "false"}, nil
	case "null":
		return value{isNull: true}, nil
	}
	if n, err := strconv.ParseFloat(tok, 64); err == nil {
		return value{num: n, isNum: true, str: tok}, nil
	}
	res := gjson.Get(doc, tok)
	if !res.Exists() {
		return value{isNull: true}, nil
	}
	if res.Type == gjson.Number {
		return value{num: res.Float(), isNum: true, str: res.String()}, nil
	}
	return value{str: res.String()}, nil
}

func compare(l, r value, op string) (bool, error) {
	if l.isNum && r.isNum {
		switch op {
		case "==":
			return l.num == r.num, nil
		case "!=":
			return l.num != r.num, nil
		case ">":
			return l.num > r.num, nil
		case ">=":
			return l.num >= r.num, nil
		case "<":
			return l.num < r.num, nil
		case "<=":
			return l.num <= r.num, nil
		}
	}
	switch op {
	case "==":
		return l.isNull == r.isNull && l.str == r.str, nil
	case "!=":
		return l.isNull != r.isNull || l.str != r.str, nil
	case ">", ">=", "<", "<=":
		return false, fmt.Errorf("ordering comparison %q requires numeric operands", op)
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

// splitTop splits expr on sep outside of quotes and parentheses.
func splitTop(expr, sep string) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && quote == 0 && strings.HasPrefix(expr[i:], sep) {
			parts = append(parts, expr[last:i])
			i += len(sep) - 1
			last = i + 1
		}
	}
	parts = append(parts, expr[last:])
	return parts
}

func mergeContext(data map[string]any, vars map[string]any) string {
	merged := make(map[string]any, len(data)+len(vars))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "{}"
	}
	return string(b)
}
