// Package query translates example-based searches and recursive join-fetch
// specifications into backend SQL. Predicates are a recursive tagged value;
// no string parsing happens past the HTTP boundary.
package query

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperengineering/ledger/internal/schema"
)

// Op is a comparison operator accepted by the predicate language.
type Op string

const (
	OpEq      Op = "="
	OpNeq     Op = "<>"
	OpGt      Op = ">"
	OpGte     Op = ">="
	OpLt      Op = "<"
	OpLte     Op = "<="
	OpIn      Op = "in"
	OpNotIn   Op = "not in"
	OpBetween Op = "between"
	OpILike   Op = "ilike"
)

var knownOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpBetween: true, OpILike: true,
}

// Predicate is a recursive condition tree: Cond leaves combined by And / Or.
type Predicate interface {
	pred()
}

// Cond is a single column comparison.
type Cond struct {
	Col   string
	Op    Op
	Value any
}

// And is a conjunction of predicates.
type And []Predicate

// Or is a disjunction of predicates.
type Or []Predicate

func (Cond) pred() {}
func (And) pred()  {}
func (Or) pred()   {}

// Eq builds an equality condition. A nil value means IS NULL.
func Eq(col string, v any) Cond { return Cond{Col: col, Op: OpEq, Value: v} }

// In builds an IN condition over the given values.
func In(col string, values ...any) Cond { return Cond{Col: col, Op: OpIn, Value: values} }

// Like builds a case-insensitive LIKE condition.
func Like(col, pattern string) Cond { return Cond{Col: col, Op: OpILike, Value: pattern} }

// Between builds a BETWEEN condition over [lo, hi].
func Between(col string, lo, hi any) Cond {
	return Cond{Col: col, Op: OpBetween, Value: []any{lo, hi}}
}

// Example converts an example record into a conjunction following the
// search-by-example rules: scalar means equals (nil means IS NULL), a slice
// means IN, and a string containing '%' means case-insensitive LIKE.
func Example(example map[string]any) Predicate {
	if len(example) == 0 {
		return And{}
	}
	conds := make(And, 0, len(example))
	for _, col := range sortedKeys(example) {
		conds = append(conds, exampleCond(col, example[col]))
	}
	return conds
}

func exampleCond(col string, v any) Predicate {
	switch val := v.(type) {
	case nil:
		return Cond{Col: col, Op: OpEq, Value: nil}
	case string:
		if strings.Contains(val, "%") {
			return Cond{Col: col, Op: OpILike, Value: val}
		}
		return Cond{Col: col, Op: OpEq, Value: val}
	case []any:
		return Cond{Col: col, Op: OpIn, Value: val}
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			values := make([]any, rv.Len())
			for i := range values {
				values[i] = rv.Index(i).Interface()
			}
			return Cond{Col: col, Op: OpIn, Value: values}
		}
		return Cond{Col: col, Op: OpEq, Value: v}
	}
}

// Validate checks the predicate against the table's declared columns and the
// operator contracts: IN / NOT IN need a non-empty list, BETWEEN a 2-tuple,
// unknown operators and unknown columns reject.
func Validate(p Predicate, table *schema.Table) error {
	switch v := p.(type) {
	case nil:
		return nil
	case Cond:
		return validateCond(v, table)
	case And:
		for _, child := range v {
			if err := Validate(child, table); err != nil {
				return err
			}
		}
		return nil
	case Or:
		for _, child := range v {
			if err := Validate(child, table); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown predicate node %T", p)
	}
}

func validateCond(c Cond, table *schema.Table) error {
	if !knownOps[c.Op] {
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	if table != nil && !table.HasColumn(c.Col) {
		return fmt.Errorf("unknown column %q on table %q", c.Col, table.Name)
	}
	switch c.Op {
	case OpIn, OpNotIn:
		values, ok := c.Value.([]any)
		if !ok || len(values) == 0 {
			return fmt.Errorf("%s on %q requires a non-empty list", c.Op, c.Col)
		}
	case OpBetween:
		values, ok := c.Value.([]any)
		if !ok || len(values) != 2 {
			return fmt.Errorf("between on %q requires a 2-tuple", c.Col)
		}
	}
	return nil
}

// Matches evaluates the predicate against an in-memory record. It is the
// reference interpreter the SQL builder is checked against.
func Matches(p Predicate, rec map[string]any) bool {
	switch v := p.(type) {
	case nil:
		return true
	case Cond:
		return matchesCond(v, rec)
	case And:
		for _, child := range v {
			if !Matches(child, rec) {
				return false
			}
		}
		return true
	case Or:
		if len(v) == 0 {
			return true
		}
		for _, child := range v {
			if Matches(child, rec) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchesCond(c Cond, rec map[string]any) bool {
	cur := rec[c.Col]
	switch c.Op {
	case OpEq:
		if c.Value == nil {
			return cur == nil
		}
		return cur != nil && compareValues(cur, c.Value) == 0
	case OpNeq:
		if c.Value == nil {
			return cur != nil
		}
		return cur != nil && compareValues(cur, c.Value) != 0
	case OpGt:
		return cur != nil && compareValues(cur, c.Value) > 0
	case OpGte:
		return cur != nil && compareValues(cur, c.Value) >= 0
	case OpLt:
		return cur != nil && compareValues(cur, c.Value) < 0
	case OpLte:
		return cur != nil && compareValues(cur, c.Value) <= 0
	case OpIn, OpNotIn:
		values, _ := c.Value.([]any)
		found := false
		for _, v := range values {
			if cur != nil && compareValues(cur, v) == 0 {
				found = true
				break
			}
		}
		if c.Op == OpIn {
			return found
		}
		return !found
	case OpBetween:
		values, _ := c.Value.([]any)
		if len(values) != 2 || cur == nil {
			return false
		}
		return compareValues(cur, values[0]) >= 0 && compareValues(cur, values[1]) <= 0
	case OpILike:
		pattern, _ := c.Value.(string)
		s, ok := cur.(string)
		if !ok {
			return false
		}
		return likeMatch(strings.ToLower(pattern), strings.ToLower(s))
	}
	return false
}

// compareValues compares two scalar values with numeric coercion, falling
// back to string comparison.
func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// likeMatch evaluates a SQL LIKE pattern ('%' multi-char, '_' single-char).
func likeMatch(pattern, s string) bool {
	return likeMatchAt(pattern, s, 0, 0)
}

func likeMatchAt(pattern, s string, pi, si int) bool {
	for pi < len(pattern) {
		switch pattern[pi] {
		case '%':
			for i := si; i <= len(s); i++ {
				if likeMatchAt(pattern, s, pi+1, i) {
					return true
				}
			}
			return false
		case '_':
			if si >= len(s) {
				return false
			}
			pi++
			si++
		default:
			if si >= len(s) || pattern[pi] != s[si] {
				return false
			}
			pi++
			si++
		}
	}
	return si == len(s)
}

// sortedKeys keeps generated SQL deterministic for map-based examples.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
