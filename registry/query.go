package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nathoo/mythcore/types"
)

// Query filters executables. It is parsed from JSON:
//
//	{"id": "move"}
//	{"category": "/^mov/i"}
//	{"or": [{"kind": "Rule"}, {"rank": 2}]}
//	{"and": [{"active": true}, {"lang": "lua"}]}
//
// Each term holds exactly one attribute. Strings shaped like /re/flags are
// regular expressions. category, rank and active are read from the loaded
// script rather than from the stored record.
type Query struct {
	op    string // "and", "or" or "" for a single term
	terms []*Query

	field string
	value any
	re    *regexp.Regexp
}

var regexpValue = regexp.MustCompile(`^/(.*)/(i|m)?(i|m)?$`)

// ParseQuery parses a JSON query.
func ParseQuery(raw string) (*Query, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid query %q: not JSON", raw)
	}
	return parseTerm(gjson.Parse(raw))
}

func parseTerm(term gjson.Result) (*Query, error) {
	if !term.IsObject() {
		return nil, fmt.Errorf("'%s' is nor an array, nor an object", term.Raw)
	}
	var (
		keys   []string
		values []gjson.Result
	)
	term.ForEach(func(k, v gjson.Result) bool {
		keys = append(keys, k.String())
		values = append(values, v)
		return true
	})
	if len(keys) != 1 {
		return nil, fmt.Errorf("only one attribute is allowed inside query terms")
	}
	field, value := keys[0], values[0]

	if field == "and" || field == "or" {
		if !value.IsArray() {
			return nil, fmt.Errorf("'%s' expects an array of terms", field)
		}
		items := value.Array()
		if len(items) < 2 {
			return nil, fmt.Errorf("arrays must contains at least two terms")
		}
		q := &Query{op: field}
		for _, item := range items {
			sub, err := parseTerm(item)
			if err != nil {
				return nil, err
			}
			q.terms = append(q.terms, sub)
		}
		return q, nil
	}

	q := &Query{field: field}
	switch value.Type {
	case gjson.String:
		if m := regexpValue.FindStringSubmatch(value.Str); m != nil {
			flags := m[2] + m[3]
			pattern := m[1]
			if flags != "" {
				pattern = "(?" + flags + ")" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid regular expression: %w", field, err)
			}
			q.re = re
		} else {
			q.value = value.Str
		}
	case gjson.Number:
		q.value = value.Num
	case gjson.True, gjson.False:
		q.value = value.Bool()
	default:
		return nil, fmt.Errorf("%s:%s is not a valid value", field, value.Raw)
	}
	return q, nil
}

// Match reports whether exe satisfies the query.
func (q *Query) Match(exe types.Executable) bool {
	switch q.op {
	case "and":
		for _, t := range q.terms {
			if !t.Match(exe) {
				return false
			}
		}
		return true
	case "or":
		for _, t := range q.terms {
			if t.Match(exe) {
				return true
			}
		}
		return false
	}

	actual, ok := fieldValue(exe, q.field)
	if !ok {
		return false
	}
	if q.re != nil {
		return q.re.MatchString(fmt.Sprint(actual))
	}
	return actual == q.value
}

func fieldValue(exe types.Executable, field string) (any, bool) {
	switch field {
	case "id":
		return exe.ID, true
	case "lang":
		return exe.Lang, true
	case "content":
		return exe.Content, true
	case "path":
		return exe.SourcePath, true
	case "compiledPath":
		return exe.CompiledPath, true
	case "kind":
		return string(exe.Meta.Kind), true
	case "category":
		if exe.Meta.Kind != types.ScriptRule {
			return nil, false
		}
		return exe.Meta.Category, true
	case "rank":
		if exe.Meta.Kind != types.ScriptTurn {
			return nil, false
		}
		return float64(exe.Meta.Rank), true
	case "active":
		if exe.Meta.Kind == types.ScriptPlain {
			return nil, false
		}
		return exe.Meta.Active, true
	}
	return nil, false
}

// String returns a readable form of the query, for logs.
func (q *Query) String() string {
	if q.op != "" {
		parts := make([]string, len(q.terms))
		for i, t := range q.terms {
			parts[i] = t.String()
		}
		return "(" + strings.Join(parts, " "+q.op+" ") + ")"
	}
	if q.re != nil {
		return fmt.Sprintf("%s~/%s/", q.field, q.re)
	}
	return fmt.Sprintf("%s=%v", q.field, q.value)
}
