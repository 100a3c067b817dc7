package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperengineering/ledger/internal/schema"
)

// ParsePredicate converts the JSON form of a predicate into the tagged tree.
//
// Accepted per-column expressions:
//
//	{"k": v}                      equals (IS NULL when v is null)
//	{"k": [v1, v2]}               IN
//	{"k": "…%…"}                  case-insensitive LIKE
//	{"k": {"op": ">", "value": v}} explicit operator
//	{"$and": [p, p]} / {"$or": [p, p]}
func ParsePredicate(raw json.RawMessage) (Predicate, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parse conditions: %w", err)
	}
	return parseObject(obj)
}

func parseObject(obj map[string]json.RawMessage) (Predicate, error) {
	conds := make(And, 0, len(obj))
	for _, key := range sortedRawKeys(obj) {
		raw := obj[key]
		switch key {
		case "$and":
			children, err := parseList(raw)
			if err != nil {
				return nil, fmt.Errorf("$and: %w", err)
			}
			conds = append(conds, And(children))
		case "$or":
			children, err := parseList(raw)
			if err != nil {
				return nil, fmt.Errorf("$or: %w", err)
			}
			conds = append(conds, Or(children))
		default:
			c, err := parseColumnExpr(key, raw)
			if err != nil {
				return nil, err
			}
			conds = append(conds, c)
		}
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return conds, nil
}

func parseList(raw json.RawMessage) ([]Predicate, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expects a list of predicates: %w", err)
	}
	children := make([]Predicate, 0, len(items))
	for _, item := range items {
		p, err := parseObject(item)
		if err != nil {
			return nil, err
		}
		children = append(children, p)
	}
	return children, nil
}

func parseColumnExpr(col string, raw json.RawMessage) (Predicate, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("column %q: %w", col, err)
	}

	if obj, ok := v.(map[string]any); ok {
		opRaw, hasOp := obj["operator"]
		if !hasOp {
			opRaw, hasOp = obj["op"]
		}
		if !hasOp {
			return nil, fmt.Errorf("column %q: object expression requires an operator", col)
		}
		opStr, ok := opRaw.(string)
		if !ok {
			return nil, fmt.Errorf("column %q: operator must be a string", col)
		}
		op := Op(strings.ToLower(strings.TrimSpace(opStr)))
		if !knownOps[op] {
			return nil, fmt.Errorf("column %q: unknown operator %q", col, opStr)
		}
		return Cond{Col: col, Op: op, Value: obj["value"]}, nil
	}

	return exampleCond(col, v), nil
}

// OrderTerm is one parsed order-by clause.
type OrderTerm struct {
	Col  string
	Desc bool
}

// ParseOrderBy parses "col1 asc, col2" style clauses. Every column must be
// declared on the table and the direction must be uniform: mixing ASC and
// DESC in a single order-by is rejected.
func ParseOrderBy(orderBy string, table *schema.Table) ([]OrderTerm, error) {
	orderBy = strings.TrimSpace(orderBy)
	if orderBy == "" {
		return nil, nil
	}

	var (
		terms   []OrderTerm
		sawAsc  bool
		sawDesc bool
	)
	for _, part := range strings.Split(orderBy, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty order-by term in %q", orderBy)
		}
		if len(fields) > 2 {
			return nil, fmt.Errorf("malformed order-by term %q", strings.TrimSpace(part))
		}

		term := OrderTerm{Col: fields[0]}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
				sawAsc = true
			case "desc":
				sawDesc = true
				term.Desc = true
			default:
				return nil, fmt.Errorf("unknown order-by direction %q", fields[1])
			}
		} else {
			sawAsc = true
		}

		if table != nil && !table.HasColumn(term.Col) {
			return nil, fmt.Errorf("unknown column %q in order-by", term.Col)
		}
		terms = append(terms, term)
	}

	if sawAsc && sawDesc {
		return nil, fmt.Errorf("mixed ASC and DESC in order-by %q", orderBy)
	}
	return terms, nil
}

func sortedRawKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
