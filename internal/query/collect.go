package query

import (
	"database/sql"
	"fmt"
	"strings"
)

// Collect assembles the flat joined rows of a SelectPlan back into nested
// records. 2many children are aggregated in the application layer using the
// parent's pk tuple as grouping key; 2one children take the first matching
// row in result order.
func (p *SelectPlan) Collect(rows *sql.Rows) ([]map[string]any, error) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("result columns: %w", err)
	}

	results := make([]map[string]any, 0)
	index := make(map[string]map[string]any) // parent pk tuple -> record
	seen := make(map[string]bool)            // parent key + alias-id + child key

	for rows.Next() {
		values := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		byAlias := splitRow(colNames, values)

		parentRec := byAlias[p.root.alias]
		parentKey := recordKey(parentRec, p.root.table.PK)
		rec, ok := index[parentKey]
		if !ok {
			rec = parentRec
			index[parentKey] = rec
			results = append(results, rec)
		}

		if err := attachChildren(rec, p.root, byAlias, parentKey, seen); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

// splitRow splits "<alias>.<col>" keyed values into per-alias records.
func splitRow(colNames []string, values []any) map[string]map[string]any {
	byAlias := make(map[string]map[string]any)
	for i, name := range colNames {
		dot := strings.Index(name, ".")
		if dot < 0 {
			continue
		}
		alias, col := name[:dot], name[dot+1:]
		rec, ok := byAlias[alias]
		if !ok {
			rec = make(map[string]any)
			byAlias[alias] = rec
		}
		rec[col] = normalizeValue(values[i])
	}
	return byAlias
}

// attachChildren walks the join tree and attaches child rows to rec.
func attachChildren(rec map[string]any, node *planNode, byAlias map[string]map[string]any, parentKey string, seen map[string]bool) error {
	for _, child := range node.children {
		childRec := byAlias[child.alias]
		childKey := recordKey(childRec, child.table.PK)
		present := !isAllNull(childRec, child.table.PK)

		if child.many {
			list, _ := rec[child.name].([]map[string]any)
			if list == nil {
				list = make([]map[string]any, 0)
				rec[child.name] = list
			}
			if present {
				dedupe := parentKey + "\x1f" + child.aliasID + "\x1f" + childKey
				if !seen[dedupe] {
					seen[dedupe] = true
					list = append(list, childRec)
					rec[child.name] = list
					if err := attachChildren(childRec, child, byAlias, parentKey+"\x1f"+childKey, seen); err != nil {
						return err
					}
				} else if err := reattach(rec, child, childKey, byAlias, parentKey, seen); err != nil {
					return err
				}
			}
			continue
		}

		// 2one: first matching row wins, deterministic by the plan's ordering.
		existing, has := rec[child.name].(map[string]any)
		if !has {
			if present {
				rec[child.name] = childRec
				if err := attachChildren(childRec, child, byAlias, parentKey+"\x1f"+childKey, seen); err != nil {
					return err
				}
			} else if _, set := rec[child.name]; !set {
				rec[child.name] = nil
			}
			continue
		}
		// Same child row repeated across joined rows: descend so nested
		// 2many grandchildren keep accumulating.
		if present && recordKey(existing, child.table.PK) == childKey {
			if err := attachChildren(existing, child, byAlias, parentKey+"\x1f"+childKey, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// reattach locates an already-collected 2many child row and descends into it.
func reattach(rec map[string]any, child *planNode, childKey string, byAlias map[string]map[string]any, parentKey string, seen map[string]bool) error {
	list, _ := rec[child.name].([]map[string]any)
	for _, existing := range list {
		if recordKey(existing, child.table.PK) == childKey {
			return attachChildren(existing, child, byAlias, parentKey+"\x1f"+childKey, seen)
		}
	}
	return nil
}

func recordKey(rec map[string]any, pk []string) string {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = fmt.Sprint(rec[col])
	}
	return strings.Join(parts, "\x1f")
}

func isAllNull(rec map[string]any, pk []string) bool {
	for _, col := range pk {
		if rec[col] != nil {
			return false
		}
	}
	return true
}

// normalizeValue maps driver values to plain Go values: []byte becomes
// string so records survive JSON round-trips.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
